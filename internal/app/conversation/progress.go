package conversation

import (
	"time"

	"github.com/PabloGalante/policydesk/internal/domain"
)

const DefaultStepInterval = 1500 * time.Millisecond

// Steps are the progress labels shown while a question is in flight. They are
// cosmetic and do not follow the backend's real progress.
var Steps = []string{
	"Understanding your question",
	"Searching policy documents",
	"Reranking relevant passages",
	"Drafting the answer",
	"Checking citations",
}

// startSteps publishes a thinking placeholder and cycles its label on a
// ticker until the returned func is called. Stopping waits for the cycler to
// exit and never waits for a tick.
func (s *Service) startSteps() (stop func()) {
	s.setStep(Steps[0])

	ticker := time.NewTicker(s.stepInterval)
	quit := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		defer ticker.Stop()
		i := 0
		for {
			select {
			case <-quit:
				return
			case <-ticker.C:
				i = (i + 1) % len(Steps)
				s.setStep(Steps[i])
			}
		}
	}()

	return func() {
		close(quit)
		<-done
	}
}

func (s *Service) setStep(step string) {
	s.mu.Lock()
	if s.pending == nil {
		s.pending = &domain.Message{Role: domain.RoleAssistant, IsThinking: true}
	}
	s.pending.CurrentStep = step
	s.mu.Unlock()

	if s.onStep != nil {
		s.onStep(step)
	}
}
