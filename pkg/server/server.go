// Package server provides the public entry point for initializing the
// ZooTalk assistant engine server.
//
// This package exists in pkg/ (not internal/) so that hosted deployments
// can import it and compose the full server with their own overrides.
//
// Usage (standalone):
//
//	srv, err := server.New(ctx)
//	go srv.Sweeper.Start(ctx)
//	http.ListenAndServe(":8080", srv.Handler)
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/zootalk/zootalk/assistant-engine/internal/api"
	"github.com/zootalk/zootalk/assistant-engine/internal/api/handlers"
	"github.com/zootalk/zootalk/assistant-engine/internal/auth"
	"github.com/zootalk/zootalk/assistant-engine/internal/config"
	"github.com/zootalk/zootalk/assistant-engine/internal/engine"
	"github.com/zootalk/zootalk/assistant-engine/internal/notify"
	"github.com/zootalk/zootalk/assistant-engine/internal/refstore"
	"github.com/zootalk/zootalk/assistant-engine/internal/retention"
	"github.com/zootalk/zootalk/assistant-engine/internal/store"
	"github.com/zootalk/zootalk/assistant-engine/internal/sweeper"
	"github.com/zootalk/zootalk/assistant-engine/internal/telemetry"
	"github.com/zootalk/zootalk/assistant-engine/pkg/contracts"
	"github.com/zootalk/zootalk/assistant-engine/pkg/models"

	"github.com/rs/zerolog/log"
)

// Server holds the initialized assistant engine.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Store is the assistant record store (in-memory unless a database
	// URL is configured).
	Store store.Store

	// Engine composes prompts and enforces the write rules.
	Engine *engine.Engine

	// Sweeper drives the sandbox lifecycle. The caller runs Start in a
	// goroutine so tests can drive Sweep directly instead.
	Sweeper *sweeper.Sweeper

	// AuthChain is the auth provider chain. Exposed so hosted deployments
	// can register additional providers after the server is built.
	AuthChain *auth.ProviderChain

	// Notifier dispatches sandbox lifecycle webhooks. Nil unless a webhook
	// URL is configured; drained on shutdown so pending deliveries finish.
	Notifier *notify.Service

	// Config is the loaded server configuration.
	Config *config.Config

	// Port is the port the server should listen on.
	Port int

	// ShutdownFunc should be called on graceful shutdown to flush telemetry.
	ShutdownFunc func(context.Context) error
}

// New initializes all components from environment configuration and
// returns a ready Server.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, config.Load())
}

// NewWithConfig initializes the assistant engine with an explicit
// configuration.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	shutdown, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	var dataStore store.Store
	if cfg.Database.URL != "" {
		pg, err := store.NewPostgresStore(ctx, cfg.Database.URL)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
		dataStore = pg
		log.Info().Msg("PostgreSQL store initialized")
	} else {
		dataStore = store.NewMemoryStore()
		log.Info().Msg("In-memory store initialized")
	}

	refs := refstore.NewMemory()
	seedGlobalGuardrails(refs)

	clock := contracts.RealClock{}
	eng := engine.New(dataStore, refs, refs, contracts.NoopIndexer{}, clock, cfg.Sandbox.TTL)
	sw := sweeper.New(dataStore, clock, cfg.Sandbox.SweepInterval, cfg.Sandbox.GracePeriod, cfg.Sandbox.Retention)

	var notifier *notify.Service
	if cfg.Notify.WebhookURL != "" {
		notifier = notify.NewService()
		notifier.AddChannel(notify.Channel{
			Name:   "webhook",
			URL:    cfg.Notify.WebhookURL,
			Secret: cfg.Notify.WebhookSecret,
		})
		sw.SetNotifier(notifier)
	}
	if cfg.Archive.Enabled {
		archiver := retention.NewLocalFileArchiver(cfg.Archive.Dir, cfg.Archive.Compress, clock)
		if err := archiver.HealthCheck(ctx); err != nil {
			return nil, fmt.Errorf("init archiver: %w", err)
		}
		sw.SetArchiver(archiver)
		log.Info().Msg("Pre-purge archiver enabled")
	}

	log.Info().
		Dur("ttl", cfg.Sandbox.TTL).
		Dur("grace", cfg.Sandbox.GracePeriod).
		Dur("interval", cfg.Sandbox.SweepInterval).
		Msg("Sandbox lifecycle configured")

	chain := auth.NewProviderChain()
	chain.RegisterProvider(auth.NewAPIKeyProvider())

	h := handlers.New(eng, refs)
	router := api.NewRouter(cfg, h, chain)

	return &Server{
		Handler:      router,
		Store:        dataStore,
		Engine:       eng,
		Sweeper:      sw,
		AuthChain:    chain,
		Notifier:     notifier,
		Config:       cfg,
		Port:         cfg.Port,
		ShutdownFunc: shutdown,
	}, nil
}

// seedGlobalGuardrails installs the platform-wide safety rules that apply
// to every assistant regardless of what staff select.
func seedGlobalGuardrails(refs *refstore.Memory) {
	seeds := []models.Guardrail{
		{
			ID:       "global-child-safe-language",
			Text:     "use age-appropriate language suitable for visitors of all ages",
			Kind:     models.GuardrailAlways,
			Priority: 1000,
			Global:   true,
		},
		{
			ID:       "global-no-medical-advice",
			Text:     "give medical, legal, or veterinary advice",
			Kind:     models.GuardrailNever,
			Priority: 1000,
			Global:   true,
		},
		{
			ID:       "global-stay-in-character",
			Text:     "stay in character as the animal you represent",
			Kind:     models.GuardrailAlways,
			Priority: 900,
			Global:   true,
		},
	}
	for _, g := range seeds {
		refs.PutGuardrail(g)
	}
	log.Info().Int("count", len(seeds)).Msg("Global guardrails seeded")
}
