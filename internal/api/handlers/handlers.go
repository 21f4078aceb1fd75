// Package handlers implements the HTTP handlers for the VoiceBridge
// server: widget-facing provider discovery and token minting, the
// vendor webhook endpoint, and the API-key-gated admin surface.
package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/voicebridge/voicebridge/internal/provider"
	"github.com/voicebridge/voicebridge/internal/store"
	"github.com/voicebridge/voicebridge/internal/token"
	"github.com/voicebridge/voicebridge/internal/vault"
	"github.com/voicebridge/voicebridge/internal/webhook"
	"github.com/voicebridge/voicebridge/pkg/models"
)

// maxWebhookBody bounds inbound vendor payloads.
const maxWebhookBody = 1 << 20

// Handlers holds all handler dependencies.
type Handlers struct {
	Store    store.Store
	Tokens   *token.Service
	Gateway  *webhook.Gateway
	Vault    *vault.Vault
	Registry *provider.Registry
}

// New creates a new Handlers instance with all dependencies.
func New(s store.Store, ts *token.Service, gw *webhook.Gateway, v *vault.Vault, reg *provider.Registry) *Handlers {
	return &Handlers{Store: s, Tokens: ts, Gateway: gw, Vault: v, Registry: reg}
}

// ── Widget-facing ────────────────────────────────────────────

// GetProviders returns the active provider's sanitized public config.
func (h *Handlers) GetProviders(w http.ResponseWriter, r *http.Request) {
	info := h.Tokens.PublicConfig(r.Context())
	status := http.StatusOK
	if !info.Success {
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, info)
}

// IssueToken mints a call-scoped access token for the named provider.
func (h *Handlers) IssueToken(w http.ResponseWriter, r *http.Request) {
	identity := chi.URLParam(r, "providerIdentity")

	var req models.TokenRequest
	if r.Body != nil {
		// An empty body is a valid "use configured defaults" request.
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			respondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	tok, err := h.Tokens.IssueToken(r.Context(), identity, req)
	if err != nil {
		respondError(w, statusForProviderError(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, tok)
}

// Webhook receives vendor callbacks and runs the gateway pipeline.
func (h *Handlers) Webhook(w http.ResponseWriter, r *http.Request) {
	identity := chi.URLParam(r, "providerIdentity")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		respondError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	res := h.Gateway.Handle(r.Context(), identity, r.Header, body)
	respondJSON(w, res.Status, res.Body)
}

// ── Admin: provider settings ─────────────────────────────────

// GetProviderSettings returns sanitized settings: credential values are
// presence markers, never ciphertext or plaintext.
func (h *Handlers) GetProviderSettings(w http.ResponseWriter, r *http.Request) {
	identity := chi.URLParam(r, "providerIdentity")
	if !h.Registry.Known(identity) {
		respondError(w, http.StatusNotFound, "unknown provider: "+identity)
		return
	}

	ps, err := h.Store.GetProviderSettings(r.Context(), identity)
	if err != nil {
		if isNotFound(err) {
			respondJSON(w, http.StatusOK, models.ProviderSettings{Identity: identity})
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, ps.Sanitized())
}

// settingsRequest is the admin PUT body. Credential values arrive as
// plaintext and are encrypted before they touch the store; an absent
// credential key keeps the stored value.
type settingsRequest struct {
	Enabled     *bool             `json:"enabled,omitempty"`
	AgentID     *string           `json:"agent_id,omitempty"`
	Public      *bool             `json:"public,omitempty"`
	Credentials map[string]string `json:"credentials,omitempty"`
}

// PutProviderSettings updates one provider's configuration.
func (h *Handlers) PutProviderSettings(w http.ResponseWriter, r *http.Request) {
	identity := chi.URLParam(r, "providerIdentity")
	if !h.Registry.Known(identity) {
		respondError(w, http.StatusNotFound, "unknown provider: "+identity)
		return
	}

	var req settingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ps := &models.ProviderSettings{Identity: identity}
	if existing, err := h.Store.GetProviderSettings(r.Context(), identity); err == nil {
		ps = existing
	}
	if ps.Credentials == nil {
		ps.Credentials = make(map[string]string)
	}

	if req.Enabled != nil {
		ps.Enabled = *req.Enabled
	}
	if req.AgentID != nil {
		ps.AgentID = *req.AgentID
	}
	if req.Public != nil {
		ps.Public = *req.Public
	}
	for name, plaintext := range req.Credentials {
		if plaintext == "" {
			delete(ps.Credentials, name)
			continue
		}
		ct, err := h.Vault.Encrypt(plaintext)
		if err != nil {
			respondError(w, http.StatusInternalServerError, "credential encryption failed")
			return
		}
		ps.Credentials[name] = ct
	}

	if err := h.Store.UpsertProviderSettings(r.Context(), ps); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	// Cached adapters were built from the old settings.
	h.Registry.ClearCache()

	log.Info().Str("provider", identity).Bool("enabled", ps.Enabled).Msg("provider settings updated")
	respondJSON(w, http.StatusOK, ps.Sanitized())
}

// ── Admin: audit surfaces ────────────────────────────────────

func (h *Handlers) ListWebhooks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := models.WebhookFilter{
		Provider:  q.Get("provider"),
		EventType: q.Get("event_type"),
		Limit:     queryInt(q.Get("limit"), 100),
	}
	if v := q.Get("verified"); v != "" {
		b, _ := strconv.ParseBool(v)
		filter.Verified = &b
	}
	if v := q.Get("processed"); v != "" {
		b, _ := strconv.ParseBool(v)
		filter.Processed = &b
	}
	if v := q.Get("since"); v != "" {
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			filter.Since = &ts
		}
	}

	records, err := h.Store.ListWebhookRecords(r.Context(), filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if records == nil {
		records = []models.WebhookRecord{}
	}
	respondJSON(w, http.StatusOK, records)
}

func (h *Handlers) ListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	jobs, err := h.Store.ListJobs(r.Context(), models.JobFilter{
		Type:   models.JobType(q.Get("type")),
		Status: models.JobStatus(q.Get("status")),
		Limit:  queryInt(q.Get("limit"), 100),
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if jobs == nil {
		jobs = []models.Job{}
	}
	respondJSON(w, http.StatusOK, jobs)
}

func (h *Handlers) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.Store.GetJob(r.Context(), chi.URLParam(r, "jobId"))
	if err != nil {
		if isNotFound(err) {
			respondError(w, http.StatusNotFound, err.Error())
		} else {
			respondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	respondJSON(w, http.StatusOK, job)
}

func (h *Handlers) ListCalls(w http.ResponseWriter, r *http.Request) {
	calls, err := h.Store.ListCallLogs(r.Context(), queryInt(r.URL.Query().Get("limit"), 100))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if calls == nil {
		calls = []models.CallLog{}
	}
	respondJSON(w, http.StatusOK, calls)
}

// ── Helpers ──────────────────────────────────────────────────

// statusForProviderError maps the error taxonomy to HTTP: admin-
// actionable misconfiguration is 422, an unknown identity 404, vendor
// trouble 502.
func statusForProviderError(err error) int {
	switch provider.CodeOf(err) {
	case provider.CodeUnknownProvider:
		return http.StatusNotFound
	case provider.CodeNotConfigured:
		return http.StatusUnprocessableEntity
	case provider.CodeUpstreamFailure, provider.CodeInvalidResponse:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func isNotFound(err error) bool {
	var nf *store.ErrNotFound
	return errors.As(err, &nf)
}

func queryInt(v string, fallback int) int {
	if v == "" {
		return fallback
	}
	if i, err := strconv.Atoi(v); err == nil {
		return i
	}
	return fallback
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"message": message})
}
