package memory

import (
	"context"
	"sync"

	"github.com/PabloGalante/policydesk/internal/domain"
)

// subscriber delivers updates in publish order on its own goroutine, so
// writers never block on listeners.
type subscriber struct {
	sessionID domain.SessionID
	kinds     map[domain.UpdateKind]bool
	fn        func(domain.RemoteUpdate)

	mu    sync.Mutex
	queue []domain.RemoteUpdate

	wake   chan struct{}
	done   chan struct{}
	exited chan struct{}
	once   sync.Once
}

func newSubscriber(id domain.SessionID, fn func(domain.RemoteUpdate), kinds ...domain.UpdateKind) *subscriber {
	sub := &subscriber{
		sessionID: id,
		kinds:     make(map[domain.UpdateKind]bool, len(kinds)),
		fn:        fn,
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
		exited:    make(chan struct{}),
	}
	for _, k := range kinds {
		sub.kinds[k] = true
	}
	go sub.run()
	return sub
}

func (sub *subscriber) push(u domain.RemoteUpdate) {
	sub.mu.Lock()
	sub.queue = append(sub.queue, u)
	sub.mu.Unlock()

	select {
	case sub.wake <- struct{}{}:
	default:
	}
}

func (sub *subscriber) run() {
	defer close(sub.exited)
	for {
		select {
		case <-sub.done:
			return
		case <-sub.wake:
		}

		for {
			sub.mu.Lock()
			if len(sub.queue) == 0 {
				sub.mu.Unlock()
				break
			}
			u := sub.queue[0]
			sub.queue = sub.queue[1:]
			sub.mu.Unlock()

			select {
			case <-sub.done:
				return
			default:
			}
			sub.fn(u)
		}
	}
}

// stop waits for an in-flight delivery to finish. It must not be called from
// inside the subscriber's own callback.
func (sub *subscriber) stop() {
	sub.once.Do(func() { close(sub.done) })
	<-sub.exited
}

// WatchSession subscribes to session fields, drafts and messages at once.
// The current state is delivered first.
func (s *Store) WatchSession(ctx context.Context, id domain.SessionID, fn func(domain.RemoteUpdate)) (domain.Unsubscribe, error) {
	return s.subscribe(ctx, id, fn, domain.UpdateSession, domain.UpdateDrafts, domain.UpdateMessages)
}

func (s *Store) SubscribeMessages(ctx context.Context, id domain.SessionID, fn func(domain.RemoteUpdate)) (domain.Unsubscribe, error) {
	return s.subscribe(ctx, id, fn, domain.UpdateMessages)
}

func (s *Store) SubscribeDrafts(ctx context.Context, id domain.SessionID, fn func(domain.RemoteUpdate)) (domain.Unsubscribe, error) {
	return s.subscribe(ctx, id, fn, domain.UpdateDrafts)
}

func (s *Store) SubscribeSession(ctx context.Context, id domain.SessionID, fn func(domain.RemoteUpdate)) (domain.Unsubscribe, error) {
	return s.subscribe(ctx, id, fn, domain.UpdateSession)
}

func (s *Store) subscribe(ctx context.Context, id domain.SessionID, fn func(domain.RemoteUpdate), kinds ...domain.UpdateKind) (domain.Unsubscribe, error) {
	s.mu.Lock()
	stored, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return nil, domain.ErrSessionNotFound
	}

	sub := newSubscriber(id, fn, kinds...)
	for _, k := range kinds {
		sub.push(snapshot(stored, k))
	}
	s.subs[id] = append(s.subs[id], sub)
	s.mu.Unlock()

	stopOnCancel := context.AfterFunc(ctx, func() { s.unsubscribe(sub) })

	var once sync.Once
	return func() {
		once.Do(func() {
			stopOnCancel()
			s.unsubscribe(sub)
		})
	}, nil
}

func (s *Store) unsubscribe(sub *subscriber) {
	s.mu.Lock()
	subs := s.subs[sub.sessionID]
	for i, other := range subs {
		if other == sub {
			s.subs[sub.sessionID] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(s.subs[sub.sessionID]) == 0 {
		delete(s.subs, sub.sessionID)
	}
	s.mu.Unlock()

	sub.stop()
}

// publishLocked queues snapshots of the given parts for every matching
// subscriber; callers hold s.mu.
func (s *Store) publishLocked(id domain.SessionID, kinds ...domain.UpdateKind) {
	stored, ok := s.sessions[id]
	if !ok {
		return
	}
	for _, sub := range s.subs[id] {
		for _, k := range kinds {
			if sub.kinds[k] {
				sub.push(snapshot(stored, k))
			}
		}
	}
}

func snapshot(stored *domain.Session, kind domain.UpdateKind) domain.RemoteUpdate {
	u := domain.RemoteUpdate{Kind: kind, SessionID: stored.ID}
	switch kind {
	case domain.UpdateSession:
		head := *stored
		head.Messages = nil
		head.Drafts = nil
		u.Session = &head
	case domain.UpdateMessages:
		u.Messages = stored.Clone().Messages
	case domain.UpdateDrafts:
		u.Drafts = stored.Clone().Drafts
	}
	return u
}
