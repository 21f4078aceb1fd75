// Package server provides the public entry point for initializing the
// VoiceBridge server.
//
// This package exists in pkg/ (not internal/) so that embedding
// deployments can import it, register extra providers or job handlers,
// and compose the full server.
//
// Usage:
//
//	srv, err := server.New(ctx)
//	go srv.Worker.Run(ctx)
//	http.ListenAndServe(":8080", srv.Handler)
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/voicebridge/voicebridge/internal/api"
	"github.com/voicebridge/voicebridge/internal/api/handlers"
	"github.com/voicebridge/voicebridge/internal/config"
	"github.com/voicebridge/voicebridge/internal/jobs"
	"github.com/voicebridge/voicebridge/internal/provider"
	"github.com/voicebridge/voicebridge/internal/provider/catalog"
	"github.com/voicebridge/voicebridge/internal/retention"
	"github.com/voicebridge/voicebridge/internal/store"
	"github.com/voicebridge/voicebridge/internal/telemetry"
	"github.com/voicebridge/voicebridge/internal/token"
	"github.com/voicebridge/voicebridge/internal/vault"
	"github.com/voicebridge/voicebridge/internal/webhook"
	"github.com/voicebridge/voicebridge/pkg/models"
)

// Server holds the initialized VoiceBridge components.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Store is the data store (PostgreSQL when configured, in-memory
	// otherwise). Exposed so embedding deployments can query it.
	Store store.Store

	// Registry is the provider registry. Extra adapters can be
	// registered before the server starts handling traffic.
	Registry *provider.Registry

	// Worker is the job worker pool; run it alongside the HTTP server.
	Worker *jobs.Worker

	// Janitor sweeps expired audit rows; run it alongside the HTTP server.
	Janitor *retention.Janitor

	// Config is the loaded server configuration.
	Config *config.Config

	// Port is the port the server should listen on.
	Port int

	// ShutdownFunc should be called on graceful shutdown to flush telemetry.
	ShutdownFunc func(context.Context) error
}

// New initializes all components from environment configuration.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, config.Load())
}

// NewWithConfig initializes the server with an explicit configuration.
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
	} else {
		dataStore = store.NewMemoryStore()
	}

	var v *vault.Vault
	if cfg.Vault.Keys != "" {
		v, err = vault.New(cfg.Vault.Keys)
	} else {
		log.Warn().Msg("VOICEBRIDGE_VAULT_KEYS not set, using an ephemeral key; stored credentials will not survive a restart")
		v, err = vault.NewEphemeral()
	}
	if err != nil {
		return nil, fmt.Errorf("init vault: %w", err)
	}

	registry := provider.NewRegistry()
	catalog.Register(registry)

	deps := provider.Deps{
		Vault:      v,
		HTTPClient: &http.Client{Timeout: cfg.Providers.UpstreamTimeout},
		BaseURLs: map[string]string{
			"retell":     cfg.Providers.RetellBaseURL,
			"elevenlabs": cfg.Providers.ElevenLabsBaseURL,
		},
	}

	tokens := token.NewService(dataStore, registry, deps, catalog.Identities)

	gateway, err := webhook.NewGateway(dataStore, registry, deps, cfg.Providers.CallbackURL, nil)
	if err != nil {
		return nil, fmt.Errorf("init webhook gateway: %w", err)
	}

	worker := jobs.NewWorker(dataStore, cfg.Jobs.Workers, cfg.Jobs.PollInterval)
	deliver := jobs.CallbackHandler(nil)
	worker.Register(models.JobWebhookCallback, deliver)
	worker.Register(models.JobTranscribe, deliver)

	janitor := retention.NewJanitor(dataStore, cfg.Retention.Interval, retention.Policy{
		WebhookDays: cfg.Retention.WebhookDays,
		JobDays:     cfg.Retention.JobDays,
		CallDays:    cfg.Retention.CallDays,
	})
	if cfg.Retention.ArchiveDir != "" {
		janitor.SetArchiver(retention.NewLocalFileArchiver(cfg.Retention.ArchiveDir, cfg.Retention.ArchiveCompress))
	}

	h := handlers.New(dataStore, tokens, gateway, v, registry)
	router := api.NewRouter(cfg, h)

	log.Info().
		Strs("providers", registry.Identities()).
		Bool("postgres", cfg.Database.URL != "").
		Msg("voicebridge server initialized")

	return &Server{
		Handler:      router,
		Store:        dataStore,
		Registry:     registry,
		Worker:       worker,
		Janitor:      janitor,
		Config:       cfg,
		Port:         cfg.Port,
		ShutdownFunc: shutdown,
	}, nil
}
