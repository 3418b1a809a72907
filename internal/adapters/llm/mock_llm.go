package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/PabloGalante/policydesk/internal/domain"
)

var (
	_ domain.QueryClient = (*Mock)(nil)
	_ domain.DraftEditor = (*Mock)(nil)
)

// Mock answers questions and edits drafts without any backend. It is used
// by the mock editor/query mode and by tests.
type Mock struct{}

func NewMock() *Mock {
	return &Mock{}
}

func (m *Mock) Query(ctx context.Context, req domain.QueryRequest) (*domain.QueryResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &domain.QueryResponse{
		Answer: fmt.Sprintf("You asked %q in %s mode. No policy documents are loaded in mock mode.", req.Query, req.Mode),
		ProcessingTrace: &domain.ProcessingTrace{
			Stages:     []domain.TraceStage{{Name: "mock", Summary: fmt.Sprintf("%d history turns", len(req.History))}},
			Language:   "en",
			Iterations: 1,
		},
		RiskAssessment: "low",
	}, nil
}

func (m *Mock) QueryWithFiles(ctx context.Context, req domain.QueryRequest, files []domain.FileUpload) (*domain.QueryResponse, error) {
	resp, err := m.Query(ctx, req)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(files))
	for _, f := range files {
		names = append(names, f.Name)
	}
	resp.Answer += " Attached: " + strings.Join(names, ", ") + "."
	return resp, nil
}

// EditDraft appends the instruction as a note instead of rewriting.
func (m *Mock) EditDraft(ctx context.Context, content, instruction string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s<p><em>Edited: %s</em></p>", content, strings.TrimSpace(instruction)), nil
}
