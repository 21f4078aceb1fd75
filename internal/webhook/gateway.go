// Package webhook implements the inbound vendor callback gateway:
// signature verification, request-id idempotency, event normalization,
// and rule-driven dispatch into the job ledger.
//
// Response status semantics: 2xx = accepted or idempotent replay,
// 4xx = rejected (unknown provider, failed verification), 5xx =
// verified and recorded but dispatch failed — the vendor's own retry
// mechanism is expected to redeliver.
package webhook

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/voicebridge/voicebridge/internal/provider"
	"github.com/voicebridge/voicebridge/internal/store"
	"github.com/voicebridge/voicebridge/pkg/models"
)

// Gateway processes inbound provider callbacks.
type Gateway struct {
	store       store.Store
	registry    *provider.Registry
	deps        provider.Deps
	rules       *RuleSet
	callbackURL string
	maxRetries  int
}

// Result is the HTTP outcome the handler writes back to the vendor.
type Result struct {
	Status int
	Body   map[string]any
}

// NewGateway compiles the dispatch rules and returns a gateway.
// callbackURL is the deployment's downstream notification endpoint;
// when empty, callback-dependent rules never match.
func NewGateway(st store.Store, reg *provider.Registry, deps provider.Deps, callbackURL string, rules []Rule) (*Gateway, error) {
	if rules == nil {
		rules = DefaultRules()
	}
	rs, err := CompileRules(rules)
	if err != nil {
		return nil, err
	}
	return &Gateway{
		store:       st,
		registry:    reg,
		deps:        deps,
		rules:       rs,
		callbackURL: callbackURL,
		maxRetries:  3,
	}, nil
}

// Handle runs the full gateway pipeline for one delivery.
func (g *Gateway) Handle(ctx context.Context, identity string, header http.Header, body []byte) Result {
	adapter, err := g.adapter(ctx, identity)
	if err != nil {
		if provider.CodeOf(err) == provider.CodeUnknownProvider {
			return Result{http.StatusNotFound, map[string]any{"message": "unknown provider: " + identity}}
		}
		log.Error().Err(err).Str("provider", identity).Msg("webhook: adapter construction failed")
		return Result{http.StatusInternalServerError, map[string]any{"message": "provider unavailable"}}
	}

	requestID := extractRequestID(body)

	authMethod, verified := adapter.VerifyWebhook(&provider.WebhookRequest{Header: header, Body: body})
	if !verified {
		// Unverified deliveries get their own key namespace. The body is
		// attacker-controlled, so a forged delivery must never be able to
		// occupy (and later be flipped processed under) the request id a
		// genuine signed delivery will use.
		rec := &models.WebhookRecord{
			RequestID:      requestID + ":unverified",
			Provider:       identity,
			Payload:        body,
			AuthMethod:     authMethod,
			Verified:       false,
			ResponseStatus: http.StatusUnauthorized,
			ErrorMessage:   "signature verification failed",
		}
		if err := g.store.CreateWebhookRecord(ctx, rec); err != nil && !isDuplicate(err) {
			log.Error().Err(err).Str("request_id", requestID).Msg("webhook: persist unverified record")
		}
		log.Warn().Str("provider", identity).Str("request_id", requestID).Msg("webhook: verification failed")
		return Result{http.StatusUnauthorized, map[string]any{"message": "verification failed"}}
	}

	event := adapter.NormalizeEvent(body)

	// Creating the record is the idempotency claim: the delivery that
	// wins the insert owns the dispatch, and a concurrent loser returns
	// without side effects. A loser only re-runs the dispatch when the
	// winner's attempt is already recorded as failed.
	rec := &models.WebhookRecord{
		RequestID:  requestID,
		Provider:   identity,
		EventType:  string(event.Type),
		Payload:    body,
		AuthMethod: authMethod,
		Verified:   true,
	}
	if err := g.store.CreateWebhookRecord(ctx, rec); err != nil {
		if !isDuplicate(err) {
			log.Error().Err(err).Str("request_id", requestID).Msg("webhook: persist record")
			return Result{http.StatusInternalServerError, map[string]any{"message": "storage failure"}}
		}
		existing, gerr := g.store.GetWebhookRecord(ctx, requestID)
		if gerr != nil {
			log.Error().Err(gerr).Str("request_id", requestID).Msg("webhook: load existing record")
			return Result{http.StatusInternalServerError, map[string]any{"message": "storage failure"}}
		}
		if existing.Processed {
			return Result{http.StatusOK, map[string]any{"status": "already_processed", "request_id": requestID}}
		}
		if existing.ErrorMessage == "" {
			// Another delivery of this request id holds the dispatch and
			// has not failed; acknowledge without dispatching again.
			return Result{http.StatusOK, map[string]any{"status": "accepted", "request_id": requestID}}
		}
		// The prior attempt failed dispatch; this redelivery retries it.
	}

	if err := g.dispatch(ctx, identity, event); err != nil {
		if ferr := g.store.MarkWebhookFailed(ctx, requestID, http.StatusInternalServerError, err.Error()); ferr != nil {
			log.Error().Err(ferr).Str("request_id", requestID).Msg("webhook: record dispatch failure")
		}
		log.Error().Err(err).Str("provider", identity).Str("request_id", requestID).Msg("webhook: dispatch failed")
		return Result{http.StatusInternalServerError, map[string]any{"message": "dispatch failed", "request_id": requestID}}
	}

	won, err := g.store.MarkWebhookProcessed(ctx, requestID, http.StatusOK)
	if err != nil {
		log.Error().Err(err).Str("request_id", requestID).Msg("webhook: mark processed")
		return Result{http.StatusInternalServerError, map[string]any{"message": "storage failure"}}
	}
	if !won {
		// A concurrent delivery beat us to it; its dispatch stands.
		return Result{http.StatusOK, map[string]any{"status": "already_processed", "request_id": requestID}}
	}

	log.Info().
		Str("provider", identity).
		Str("request_id", requestID).
		Str("event", string(event.Type)).
		Msg("webhook processed")
	return Result{http.StatusOK, map[string]any{"status": "processed", "request_id": requestID, "event_type": string(event.Type)}}
}

// adapter builds the provider from stored settings. Settings absent
// from the store still yield an adapter (verification then depends on
// the provider's no-credential behavior).
func (g *Gateway) adapter(ctx context.Context, identity string) (provider.Provider, error) {
	s := provider.Settings{Identity: identity}
	if ps, err := g.store.GetProviderSettings(ctx, identity); err == nil {
		s.Enabled = ps.Enabled
		s.AgentID = ps.AgentID
		s.Public = ps.Public
		s.Credentials = ps.Credentials
	}
	return g.registry.Create(identity, s, g.deps)
}

// dispatch runs the rule set and applies the matched effects.
func (g *Gateway) dispatch(ctx context.Context, identity string, event models.StandardEvent) error {
	if event.Type == models.EventDisconnected && event.CallID != "" {
		if err := g.store.CloseCallLog(ctx, event.CallID, models.CallEnded, time.Now().UTC()); err != nil {
			return err
		}
	}

	matched, err := g.rules.Evaluate(RuleEnv{
		Type:        string(event.Type),
		Text:        event.Text,
		IsFinal:     event.IsFinal,
		Speaker:     string(event.Speaker),
		Code:        event.Code,
		CallID:      event.CallID,
		Provider:    identity,
		HasCallback: g.callbackURL != "",
	})
	if err != nil {
		return err
	}

	for _, jobType := range matched {
		payload, err := json.Marshal(models.EventJobPayload{
			Provider:    identity,
			CallbackURL: g.callbackURL,
			Event:       event,
		})
		if err != nil {
			return err
		}
		job := &models.Job{
			ID:          uuid.New().String(),
			Type:        jobType,
			Status:      models.JobPending,
			Payload:     payload,
			MaxRetries:  g.maxRetries,
			CallbackURL: g.callbackURL,
		}
		if err := g.store.CreateJob(ctx, job); err != nil {
			return err
		}
		log.Debug().Str("job_id", job.ID).Str("job_type", string(jobType)).Msg("webhook: job enqueued")
	}
	return nil
}

// extractRequestID pulls an idempotency key out of the vendor payload,
// trying the known id fields in order. Payloads carrying no usable id
// fall back to a digest of the body, which still deduplicates exact
// redeliveries.
func extractRequestID(body []byte) string {
	var probe struct {
		RequestID      string `json:"request_id"`
		EventID        string `json:"event_id"`
		ConversationID string `json:"conversation_id"`
		CallID         string `json:"call_id"`
		Data           struct {
			ConversationID string `json:"conversation_id"`
		} `json:"data"`
		Call struct {
			CallID string `json:"call_id"`
		} `json:"call"`
		Event string `json:"event"`
		Type  string `json:"type"`
	}
	_ = json.Unmarshal(body, &probe)

	// The event name participates in the key so distinct lifecycle
	// events of one call do not collide on the shared conversation id.
	suffix := probe.Event
	if suffix == "" {
		suffix = probe.Type
	}

	for _, id := range []string{probe.RequestID, probe.EventID} {
		if id != "" {
			return id
		}
	}
	for _, id := range []string{probe.ConversationID, probe.CallID, probe.Data.ConversationID, probe.Call.CallID} {
		if id != "" {
			if suffix != "" {
				return id + ":" + suffix
			}
			return id
		}
	}

	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

func isDuplicate(err error) bool {
	var dup *store.ErrDuplicate
	return errors.As(err, &dup)
}
