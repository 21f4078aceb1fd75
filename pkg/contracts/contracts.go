// Package contracts defines the service interfaces for VoiceBridge.
//
// These interfaces form the boundary between the core server and
// deployments that extend it (custom providers, alternative job
// handlers, hosted control panels). The core ships concrete
// implementations; the Handlers struct and pkg/server wiring depend on
// these interfaces where replacement is expected, so swapping an
// implementation is a single line change in the wiring code.
package contracts

import (
	"context"
	"net/http"

	"github.com/voicebridge/voicebridge/internal/jobs"
	"github.com/voicebridge/voicebridge/internal/provider"
	"github.com/voicebridge/voicebridge/internal/store"
	"github.com/voicebridge/voicebridge/internal/webhook"
	"github.com/voicebridge/voicebridge/pkg/models"
)

// Store is a type alias for the internal Store interface.
// Exposed in pkg/ so extensions can reference it in their own services
// without importing internal/ directly.
type Store = store.Store

// ErrNotFound is a type alias for the internal ErrNotFound error.
type ErrNotFound = store.ErrNotFound

// ErrDuplicate is a type alias for the internal ErrDuplicate error.
type ErrDuplicate = store.ErrDuplicate

// ── Provider Contract ───────────────────────────────────────

// Provider is the adapter contract. Custom vendor integrations
// implement it (usually by embedding provider.Base) and register a
// Constructor with the Registry before the server starts.
type Provider = provider.Provider

// Constructor builds a Provider from settings.
type Constructor = provider.Constructor

// ProviderSettings is the adapter-facing settings shape.
type ProviderSettings = provider.Settings

// ── Token Service ───────────────────────────────────────────

// TokenService resolves the active provider and mints call-scoped
// access tokens. Core implementation: internal/token.Service.
type TokenService interface {
	// PublicConfig returns the active provider's sanitized widget config.
	PublicConfig(ctx context.Context) models.ProviderInfo

	// IssueToken mints a short-lived token for one call attempt.
	IssueToken(ctx context.Context, providerIdentity string, req models.TokenRequest) (*models.AccessToken, error)
}

// ── Webhook Gateway ─────────────────────────────────────────

// WebhookGateway verifies, deduplicates, normalizes, and dispatches
// inbound vendor callbacks. Core implementation: internal/webhook.Gateway.
type WebhookGateway interface {
	// Handle runs the gateway pipeline for one delivery and returns the
	// HTTP outcome to write back to the vendor.
	Handle(ctx context.Context, providerIdentity string, header http.Header, body []byte) WebhookResult
}

// WebhookResult is the gateway's HTTP outcome.
type WebhookResult = webhook.Result

// ── Job Handlers ────────────────────────────────────────────

// JobHandler executes one attempt of an asynchronous job. Deployments
// register handlers for the job types they process (transcribe, tts,
// process_media); the core ships the callback delivery handler.
type JobHandler = jobs.Handler
