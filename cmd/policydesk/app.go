package main

import (
	"context"
	"fmt"
	"os"

	"github.com/PabloGalante/policydesk/internal/adapters/llm"
	"github.com/PabloGalante/policydesk/internal/adapters/queryapi"
	firestorestore "github.com/PabloGalante/policydesk/internal/adapters/storage/firestore"
	"github.com/PabloGalante/policydesk/internal/adapters/storage/local"
	memstore "github.com/PabloGalante/policydesk/internal/adapters/storage/memory"
	"github.com/PabloGalante/policydesk/internal/app/conversation"
	"github.com/PabloGalante/policydesk/internal/app/sessions"
	"github.com/PabloGalante/policydesk/internal/config"
	"github.com/PabloGalante/policydesk/internal/domain"
	"github.com/PabloGalante/policydesk/internal/observability"
)

// app holds the wired components for one command run.
type app struct {
	store   *sessions.Store
	conv    *conversation.Service
	editor  domain.DraftEditor
	locator domain.DocumentLocator

	closers []func()
}

func newApp(ctx context.Context, cfg *config.Config, opts ...conversation.Option) (*app, error) {
	a := &app{}
	log := observability.LoggerFromContext(ctx)

	repo, err := a.openRepository(ctx, cfg)
	if err != nil {
		return nil, err
	}

	store, err := sessions.New(ctx, repo)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.store = store
	a.closers = append(a.closers, store.Close)

	var api *queryapi.Client
	if cfg.Query.BaseURL != "" {
		api, err = queryapi.NewClient(cfg.Query.BaseURL, queryapi.WithRateLimit(cfg.Query.RatePerSecond))
		if err != nil {
			a.Close()
			return nil, err
		}
		a.locator = api
	}

	mock := llm.NewMock()

	var client domain.QueryClient = mock
	if cfg.Query.Backend == "http" {
		client = api
	}
	log.Infow("query backend ready", "backend", cfg.Query.Backend)

	switch cfg.Editor.Backend {
	case "http":
		a.editor = api
	case "gemini":
		g, err := llm.NewGeminiEditor(ctx, cfg.GCP.Project, cfg.GCP.Location, cfg.GCP.Model)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.editor = g
	default:
		a.editor = mock
	}
	log.Infow("draft editor ready", "backend", cfg.Editor.Backend)

	opts = append([]conversation.Option{
		conversation.WithTimeout(cfg.Query.Timeout),
		conversation.WithStepInterval(cfg.Progress.Interval),
	}, opts...)
	a.conv = conversation.NewService(store, client, opts...)
	return a, nil
}

func (a *app) openRepository(ctx context.Context, cfg *config.Config) (domain.SessionRepository, error) {
	log := observability.LoggerFromContext(ctx)

	switch cfg.Storage.Backend {
	case "firestore":
		log.Infow("using firestore storage", "project", cfg.GCP.Project, "client_id", cfg.Firestore.ClientID)
		fs, err := firestorestore.NewStore(ctx, cfg.GCP.Project, cfg.Firestore.ClientID)
		if err != nil {
			return nil, fmt.Errorf("initializing firestore store: %w", err)
		}
		a.closers = append(a.closers, func() { _ = fs.Close() })
		return fs, nil

	case "memory":
		log.Infow("using in-memory storage")
		return memstore.NewStore(), nil

	default:
		log.Infow("using local storage", "path", cfg.Storage.Local.Path)
		ls, err := local.Open(cfg.Storage.Local.Path,
			local.WithPrefix(cfg.Storage.Local.Prefix),
			local.WithQuota(cfg.Storage.Local.QuotaBytes),
			local.WithWarner(func(msg string) {
				fmt.Fprintln(os.Stderr, "warning:", msg)
			}),
		)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = ls.Close() })
		return ls, nil
	}
}

// Close releases everything in reverse order of creation.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// resolveSession returns id, or the selected session when id is empty.
func (a *app) resolveSession(id string) domain.SessionID {
	if id == "" {
		return a.store.SelectedID()
	}
	return domain.SessionID(id)
}
