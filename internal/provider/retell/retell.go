// Package retell implements the provider contract for Retell's
// telephony-style web voice agents.
//
// Token issuance registers a web call against the Retell API; webhook
// verification is HMAC-SHA256 over the raw body with the shared webhook
// secret, hex-encoded in the X-Retell-Signature header.
package retell

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/voicebridge/voicebridge/internal/provider"
	"github.com/voicebridge/voicebridge/pkg/models"
)

const (
	defaultAPIBase  = "https://api.retellai.com"
	defaultLiveBase = "wss://api.retellai.com"

	signatureHeader = "X-Retell-Signature"
)

// Verify interface compliance at compile time.
var _ provider.Provider = (*Provider)(nil)

// Provider implements the provider contract for Retell.
type Provider struct {
	provider.Base
	apiBase  string
	liveBase string
}

// New constructs the Retell adapter. Registered under "retell" and under
// the proxied alias "n8n-retell", which reuses the same adapter behavior.
func New(s provider.Settings, deps provider.Deps) (provider.Provider, error) {
	apiBase := defaultAPIBase
	liveBase := defaultLiveBase
	if base := deps.BaseURLFor("retell"); base != "" {
		apiBase = base
		liveBase = strings.Replace(base, "http", "ws", 1)
	}
	return &Provider{
		Base:     provider.NewBase(s, []string{"api_key", "agent_id", "webhook_secret"}, deps),
		apiBase:  apiBase,
		liveBase: liveBase,
	}, nil
}

// Capabilities: full voice pipeline, no text chat.
func (p *Provider) Capabilities() models.CapabilitySet {
	return models.CapabilitySet{
		models.CapVoiceInput:    true,
		models.CapVoiceOutput:   true,
		models.CapTranscription: true,
	}
}

// createWebCallResponse is the subset of the vendor response we consume.
type createWebCallResponse struct {
	AccessToken string `json:"access_token"`
	CallID      string `json:"call_id"`
}

// IssueToken registers a web call and returns its scoped access token.
// Transient vendor failures are retried with capped exponential backoff;
// auth and validation failures are permanent.
func (p *Provider) IssueToken(ctx context.Context, req models.TokenRequest) (*models.AccessToken, error) {
	if !p.Configured() {
		return nil, provider.Errf(provider.CodeNotConfigured, "retell: missing required settings %v", p.missingSettings())
	}
	apiKey, err := p.Credential("api_key")
	if err != nil {
		return nil, err
	}

	agentID := req.AgentID
	if agentID == "" {
		agentID = p.AgentID()
	}
	body, _ := json.Marshal(map[string]any{
		"agent_id": agentID,
		"metadata": req.Metadata,
	})

	var parsed createWebCallResponse
	operation := func() error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
			p.apiBase+"/v2/create-web-call", bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		httpReq.Header.Set("Authorization", "Bearer "+apiKey)
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := p.HTTPClient().Do(httpReq)
		if err != nil {
			return provider.Wrap(provider.CodeUpstreamFailure, err, "retell: create-web-call")
		}
		defer resp.Body.Close()

		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if resp.StatusCode >= 500 {
			return provider.Errf(provider.CodeUpstreamFailure, "retell: create-web-call returned %d", resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			return backoff.Permanent(provider.Errf(rejectionCode(resp.StatusCode),
				"retell: create-web-call rejected with %d", resp.StatusCode))
		}
		if err := json.Unmarshal(raw, &parsed); err != nil {
			return backoff.Permanent(provider.Wrap(provider.CodeInvalidResponse, err, "retell: parse create-web-call response"))
		}
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, err
	}
	if parsed.AccessToken == "" || parsed.CallID == "" {
		return nil, provider.Errf(provider.CodeInvalidResponse, "retell: create-web-call response missing token or call id")
	}

	return &models.AccessToken{
		Token:     parsed.AccessToken,
		ExpiresIn: 300,
		AgentID:   agentID,
		CallID:    parsed.CallID,
	}, nil
}

// VerifyWebhook checks the HMAC-SHA256 hex digest of the raw body.
func (p *Provider) VerifyWebhook(req *provider.WebhookRequest) (models.AuthMethod, bool) {
	secret, err := p.Credential("webhook_secret")
	if err != nil {
		return models.AuthHMAC, false
	}
	sig := req.Header.Get(signatureHeader)
	if sig == "" {
		return models.AuthHMAC, false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(req.Body)
	expected := hex.EncodeToString(mac.Sum(nil))

	return models.AuthHMAC, hmac.Equal([]byte(expected), []byte(sig))
}

// retellEvent covers both webhook payloads (event + call object) and live
// websocket frames (event_type + inline fields).
type retellEvent struct {
	Event     string `json:"event"`
	EventType string `json:"event_type"`
	Call      struct {
		CallID           string `json:"call_id"`
		CallStatus       string `json:"call_status"`
		DisconnectReason string `json:"disconnection_reason"`
		CallAnalysis     struct {
			CallSummary string `json:"call_summary"`
		} `json:"call_analysis"`
	} `json:"call"`
	Transcript []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"transcript"`
	Error string `json:"error"`
}

// NormalizeEvent maps Retell payloads into the standard vocabulary.
// Unknown shapes become error("unrecognized_event") — never a panic.
func (p *Provider) NormalizeEvent(payload []byte) models.StandardEvent {
	var ev retellEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return models.ErrorEvent("unrecognized_event", "retell: unparseable payload")
	}

	kind := ev.Event
	if kind == "" {
		kind = ev.EventType
	}

	switch kind {
	case "call_started":
		return models.StandardEvent{Type: models.EventConnected, CallID: ev.Call.CallID}
	case "call_ended":
		return models.StandardEvent{Type: models.EventDisconnected, CallID: ev.Call.CallID}
	case "call_analyzed":
		return models.StandardEvent{
			Type:    models.EventAgentResponse,
			Text:    ev.Call.CallAnalysis.CallSummary,
			CallID:  ev.Call.CallID,
			IsFinal: true,
		}
	case "agent_start_talking":
		return models.StandardEvent{Type: models.EventAgentSpeaking, Speaking: true}
	case "agent_stop_talking":
		return models.StandardEvent{Type: models.EventAgentSpeaking, Speaking: false}
	case "user_start_talking":
		return models.StandardEvent{Type: models.EventUserSpeaking, Speaking: true}
	case "user_stop_talking":
		return models.StandardEvent{Type: models.EventUserSpeaking, Speaking: false}
	case "update":
		if len(ev.Transcript) == 0 {
			return models.ErrorEvent("unrecognized_event", "retell: update without transcript")
		}
		last := ev.Transcript[len(ev.Transcript)-1]
		return models.StandardEvent{
			Type:    models.EventTranscript,
			Text:    last.Content,
			Speaker: mapRole(last.Role),
		}
	case "error":
		return models.ErrorEvent("provider_error", ev.Error)
	default:
		log.Debug().Str("provider", "retell").Str("event", kind).Msg("dropping unmapped vendor event")
		return models.ErrorEvent("unrecognized_event", fmt.Sprintf("retell: unknown event %q", kind))
	}
}

// LiveURL returns the realtime audio websocket for an issued token.
func (p *Provider) LiveURL(token *models.AccessToken) string {
	return p.liveBase + "/audio-websocket/" + token.CallID + "?access_token=" + token.Token
}

func (p *Provider) missingSettings() []string {
	var missing []string
	for _, name := range p.RequiredSettings() {
		if name == "agent_id" {
			if p.AgentID() == "" {
				missing = append(missing, name)
			}
			continue
		}
		if !p.HasCredential(name) {
			missing = append(missing, name)
		}
	}
	return missing
}

// rejectionCode maps a vendor 4xx to a non-retryable error code: an
// auth rejection means the stored key is wrong, which is admin work,
// not a transient upstream fault.
func rejectionCode(status int) provider.Code {
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return provider.CodeNotConfigured
	}
	return provider.CodeInvalidResponse
}

func mapRole(role string) models.Speaker {
	if role == "agent" {
		return models.SpeakerAgent
	}
	return models.SpeakerUser
}
