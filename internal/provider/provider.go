// Package provider defines the contract every conversational-AI provider
// adapter implements, the discriminated error taxonomy for adapter
// failures, and the registry/factory that instantiates and caches
// adapters by identity.
//
// Adapters hide divergent vendor authentication schemes, event
// vocabularies, and webhook signature schemes behind this one interface.
// The source-of-truth polymorphism is an interface plus an embeddable
// Base supplying the documented default behavior for optional
// operations, selected at runtime by a string identity — not an
// inheritance hierarchy.
package provider

import (
	"context"
	"net/http"
	"time"

	"github.com/voicebridge/voicebridge/internal/vault"
	"github.com/voicebridge/voicebridge/pkg/models"
)

// DefaultUpstreamTimeout bounds vendor API calls when no timeout is
// configured.
const DefaultUpstreamTimeout = 30 * time.Second

// Settings is the configuration an adapter is constructed with.
// Credential values are vault ciphertext; adapters decrypt on demand and
// the plaintext never outlives the request that needed it. A client-side
// mirror constructs adapters from sanitized settings with no credentials
// at all (normalization and capability introspection only).
type Settings struct {
	Identity    string            `json:"identity"`
	Enabled     bool              `json:"enabled"`
	AgentID     string            `json:"agent_id"`
	Public      bool              `json:"public"`
	Credentials map[string]string `json:"credentials,omitempty"`
}

// WebhookRequest is the raw inbound vendor callback handed to signature
// verification: untouched body bytes plus headers.
type WebhookRequest struct {
	Header http.Header
	Body   []byte
}

// TextMessage is an outbound text-chat message for providers that
// support text conversations.
type TextMessage struct {
	ConversationID string            `json:"conversation_id,omitempty"`
	Text           string            `json:"text"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// TextResponse is the provider's reply to a text message.
type TextResponse struct {
	ConversationID string `json:"conversation_id,omitempty"`
	Text           string `json:"text"`
}

// Provider is the capability set every adapter implements.
//
// Operations that can fail return a discriminated *Error so callers can
// distinguish "vendor is down" (retryable) from "admin must configure"
// (not retryable) from "malformed inbound data" (drop, log, 4xx).
type Provider interface {
	// Identity returns the provider key this adapter is bound to.
	Identity() string

	// Capabilities returns the features this provider supports. Callers
	// feature-detect here before invoking optional operations.
	Capabilities() models.CapabilitySet

	// Enabled reflects the admin toggle; Configured reflects presence of
	// all required settings. A provider can be enabled but not configured
	// (degraded — surfaced as such, never silently healthy).
	Enabled() bool
	Configured() bool

	// RequiredSettings returns the ordered field names that must be
	// present before Configured reports true.
	RequiredSettings() []string

	// IssueToken mints a short-lived, call-scoped access token by calling
	// the vendor API with the decrypted credential. The credential never
	// appears in the result.
	IssueToken(ctx context.Context, req models.TokenRequest) (*models.AccessToken, error)

	// VerifyWebhook checks the vendor's signature scheme against the raw
	// request. Constant-time where a secret comparison is involved.
	VerifyWebhook(req *WebhookRequest) (models.AuthMethod, bool)

	// NormalizeEvent maps a raw vendor payload into the standard event
	// vocabulary. Pure, total: unknown shapes normalize to an
	// error("unrecognized_event") event rather than failing.
	NormalizeEvent(payload []byte) models.StandardEvent

	// SendText sends a text-chat message. Default behavior is
	// CodeNotSupported; only providers with the text_chat capability
	// override it.
	SendText(ctx context.Context, msg TextMessage) (*TextResponse, error)

	// LiveURL returns the realtime session endpoint a client should dial
	// with the issued token.
	LiveURL(token *models.AccessToken) string
}

// Constructor builds an adapter from settings. Deps carries the shared
// collaborators the server side injects; on the client side Deps is
// zero-valued and credential-bearing operations report NotConfigured.
type Constructor func(s Settings, deps Deps) (Provider, error)

// Deps are the collaborators adapters need beyond their settings.
type Deps struct {
	// Vault decrypts stored credentials. Nil on the client side.
	Vault *vault.Vault

	// HTTPClient is used for vendor API calls. Nil means a default
	// client with DefaultUpstreamTimeout.
	HTTPClient *http.Client

	// BaseURL overrides every adapter's vendor API base, for tests.
	BaseURL string

	// BaseURLs overrides vendor API bases per canonical identity, for
	// deployments that proxy one vendor but not another. A per-vendor
	// entry wins over BaseURL.
	BaseURLs map[string]string
}

// BaseURLFor resolves the API base override for one vendor. Empty means
// the adapter's built-in default applies.
func (d Deps) BaseURLFor(vendor string) string {
	if u := d.BaseURLs[vendor]; u != "" {
		return u
	}
	return d.BaseURL
}

func (d Deps) client() *http.Client {
	if d.HTTPClient != nil {
		return d.HTTPClient
	}
	return &http.Client{Timeout: DefaultUpstreamTimeout}
}
