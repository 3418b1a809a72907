package firestore

import (
	"context"
	"sync"

	"cloud.google.com/go/firestore"

	"github.com/PabloGalante/policydesk/internal/domain"
)

// WatchSession subscribes to session fields, drafts and messages at once.
func (s *Store) WatchSession(ctx context.Context, id domain.SessionID, fn func(domain.RemoteUpdate)) (domain.Unsubscribe, error) {
	stops := make([]domain.Unsubscribe, 0, 3)
	for _, sub := range []func(context.Context, domain.SessionID, func(domain.RemoteUpdate)) (domain.Unsubscribe, error){
		s.SubscribeSession, s.SubscribeDrafts, s.SubscribeMessages,
	} {
		stop, err := sub(ctx, id, fn)
		if err != nil {
			for _, st := range stops {
				st()
			}
			return nil, err
		}
		stops = append(stops, stop)
	}

	return func() {
		for _, st := range stops {
			st()
		}
	}, nil
}

func (s *Store) SubscribeMessages(ctx context.Context, id domain.SessionID, fn func(domain.RemoteUpdate)) (domain.Unsubscribe, error) {
	q := s.messagesCol(id).OrderBy("timestamp", firestore.Asc)
	return s.listenQuery(ctx, id, "messages", q, func(snaps []*firestore.DocumentSnapshot) (domain.RemoteUpdate, error) {
		msgs, err := decodeMessages(snaps)
		return domain.RemoteUpdate{Kind: domain.UpdateMessages, SessionID: id, Messages: msgs}, err
	}, fn), nil
}

func (s *Store) SubscribeDrafts(ctx context.Context, id domain.SessionID, fn func(domain.RemoteUpdate)) (domain.Unsubscribe, error) {
	q := s.draftsCol(id).OrderBy("created_at", firestore.Asc)
	return s.listenQuery(ctx, id, "drafts", q, func(snaps []*firestore.DocumentSnapshot) (domain.RemoteUpdate, error) {
		drafts, err := decodeDrafts(snaps)
		return domain.RemoteUpdate{Kind: domain.UpdateDrafts, SessionID: id, Drafts: drafts}, err
	}, fn), nil
}

func (s *Store) SubscribeSession(ctx context.Context, id domain.SessionID, fn func(domain.RemoteUpdate)) (domain.Unsubscribe, error) {
	ctx, cancel := context.WithCancel(ctx)
	it := s.sessionDoc(id).Snapshots(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		defer it.Stop()
		for {
			snap, err := it.Next()
			if err != nil {
				if !isStopped(ctx, err) {
					logListenerError(id, "session", err)
				}
				return
			}
			if !snap.Exists() {
				continue
			}
			var doc sessionDoc
			if err := snap.DataTo(&doc); err != nil {
				logListenerError(id, "session", err)
				continue
			}
			fn(domain.RemoteUpdate{Kind: domain.UpdateSession, SessionID: id, Session: fromSessionDoc(snap.Ref.ID, doc)})
		}
	}()

	return stopper(cancel, done), nil
}

func (s *Store) listenQuery(
	ctx context.Context,
	id domain.SessionID,
	what string,
	q firestore.Query,
	decode func([]*firestore.DocumentSnapshot) (domain.RemoteUpdate, error),
	fn func(domain.RemoteUpdate),
) domain.Unsubscribe {
	ctx, cancel := context.WithCancel(ctx)
	it := q.Snapshots(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		defer it.Stop()
		for {
			qs, err := it.Next()
			if err != nil {
				if !isStopped(ctx, err) {
					logListenerError(id, what, err)
				}
				return
			}
			snaps, err := qs.Documents.GetAll()
			if err != nil {
				logListenerError(id, what, err)
				continue
			}
			u, err := decode(snaps)
			if err != nil {
				logListenerError(id, what, err)
				continue
			}
			fn(u)
		}
	}()

	return stopper(cancel, done)
}

// stopper cancels the listener and waits for its goroutine, so nothing is
// delivered after the returned func returns.
func stopper(cancel context.CancelFunc, done <-chan struct{}) domain.Unsubscribe {
	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}
