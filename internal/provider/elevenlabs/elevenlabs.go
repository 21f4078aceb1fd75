// Package elevenlabs implements the provider contract for ElevenLabs
// conversational agents.
//
// Token issuance fetches a signed websocket URL scoped to one
// conversation; webhook verification follows the vendor's
// "t=<unix>,v0=<hex hmac>" signature scheme over "<timestamp>.<body>"
// with a freshness window. A deployment without a webhook secret runs
// with auth_method "none" and accepts any payload.
package elevenlabs

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
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/voicebridge/voicebridge/internal/provider"
	"github.com/voicebridge/voicebridge/pkg/models"
)

const (
	defaultAPIBase = "https://api.elevenlabs.io"

	signatureHeader = "ElevenLabs-Signature"
	signatureWindow = 30 * time.Minute
)

// Verify interface compliance at compile time.
var _ provider.Provider = (*Provider)(nil)

// Provider implements the provider contract for ElevenLabs.
type Provider struct {
	provider.Base
	apiBase string
	now     func() time.Time
}

// New constructs the ElevenLabs adapter. Registered under "elevenlabs"
// and the proxied alias "n8n-elevenlabs".
func New(s provider.Settings, deps provider.Deps) (provider.Provider, error) {
	apiBase := defaultAPIBase
	if base := deps.BaseURLFor("elevenlabs"); base != "" {
		apiBase = base
	}
	return &Provider{
		Base:    provider.NewBase(s, []string{"api_key", "agent_id"}, deps),
		apiBase: apiBase,
		now:     time.Now,
	}, nil
}

// Capabilities: voice pipeline plus text chat.
func (p *Provider) Capabilities() models.CapabilitySet {
	return models.CapabilitySet{
		models.CapVoiceInput:    true,
		models.CapVoiceOutput:   true,
		models.CapTranscription: true,
		models.CapTextChat:      true,
	}
}

type signedURLResponse struct {
	SignedURL string `json:"signed_url"`
	ExpiresIn int    `json:"expires_in"`
}

// IssueToken fetches a signed conversation URL; the URL itself is the
// call-scoped bearer value the client dials.
func (p *Provider) IssueToken(ctx context.Context, req models.TokenRequest) (*models.AccessToken, error) {
	if !p.Configured() {
		return nil, provider.Errf(provider.CodeNotConfigured, "elevenlabs: api_key and agent_id are required")
	}
	apiKey, err := p.Credential("api_key")
	if err != nil {
		return nil, err
	}

	agentID := req.AgentID
	if agentID == "" {
		agentID = p.AgentID()
	}

	endpoint := p.apiBase + "/v1/convai/conversation/get_signed_url?agent_id=" + url.QueryEscape(agentID)

	var parsed signedURLResponse
	operation := func() error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		httpReq.Header.Set("xi-api-key", apiKey)

		resp, err := p.HTTPClient().Do(httpReq)
		if err != nil {
			return provider.Wrap(provider.CodeUpstreamFailure, err, "elevenlabs: get_signed_url")
		}
		defer resp.Body.Close()

		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if resp.StatusCode >= 500 {
			return provider.Errf(provider.CodeUpstreamFailure, "elevenlabs: get_signed_url returned %d", resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			return backoff.Permanent(provider.Errf(rejectionCode(resp.StatusCode),
				"elevenlabs: get_signed_url rejected with %d", resp.StatusCode))
		}
		if err := json.Unmarshal(raw, &parsed); err != nil {
			return backoff.Permanent(provider.Wrap(provider.CodeInvalidResponse, err, "elevenlabs: parse signed url response"))
		}
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, err
	}
	if parsed.SignedURL == "" {
		return nil, provider.Errf(provider.CodeInvalidResponse, "elevenlabs: response missing signed_url")
	}

	expires := parsed.ExpiresIn
	if expires <= 0 {
		expires = 900
	}
	callID := req.CallID
	if callID == "" {
		callID = uuid.New().String()
	}

	return &models.AccessToken{
		Token:     parsed.SignedURL,
		ExpiresIn: expires,
		AgentID:   agentID,
		CallID:    callID,
	}, nil
}

// VerifyWebhook validates the t=...,v0=... signature. Without a stored
// webhook secret the provider has no verification scheme and every
// payload is accepted under auth_method "none".
func (p *Provider) VerifyWebhook(req *provider.WebhookRequest) (models.AuthMethod, bool) {
	if !p.HasCredential("webhook_secret") {
		return models.AuthNone, true
	}
	secret, err := p.Credential("webhook_secret")
	if err != nil {
		return models.AuthHMAC, false
	}

	ts, sig, ok := parseSignature(req.Header.Get(signatureHeader))
	if !ok {
		return models.AuthHMAC, false
	}

	sent := time.Unix(ts, 0)
	if d := p.now().Sub(sent); d > signatureWindow || d < -signatureWindow {
		return models.AuthHMAC, false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", ts)
	mac.Write(req.Body)
	expected := hex.EncodeToString(mac.Sum(nil))

	return models.AuthHMAC, hmac.Equal([]byte(expected), []byte(sig))
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

// parseSignature splits "t=1712345678,v0=<hex>".
func parseSignature(header string) (int64, string, bool) {
	var tsStr, sig string
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			tsStr = v
		case "v0":
			sig = v
		}
	}
	if tsStr == "" || sig == "" {
		return 0, "", false
	}
	ts, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return 0, "", false
	}
	return ts, sig, true
}

// elevenEvent is the subset of vendor payload shapes we map.
type elevenEvent struct {
	Type string `json:"type"`
	Data struct {
		ConversationID string `json:"conversation_id"`
		Status         string `json:"status"`
		Transcript     []struct {
			Role    string `json:"role"`
			Message string `json:"message"`
		} `json:"transcript"`
		AgentResponse  string `json:"agent_response"`
		UserTranscript string `json:"user_transcript"`
		Error          string `json:"error"`
	} `json:"data"`
}

// NormalizeEvent maps ElevenLabs payloads into the standard vocabulary.
func (p *Provider) NormalizeEvent(payload []byte) models.StandardEvent {
	var ev elevenEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return models.ErrorEvent("unrecognized_event", "elevenlabs: unparseable payload")
	}

	switch ev.Type {
	case "conversation_initiation", "conversation_initiation_metadata":
		return models.StandardEvent{Type: models.EventConnected, CallID: ev.Data.ConversationID}
	case "conversation_ended", "post_call_audio":
		return models.StandardEvent{Type: models.EventDisconnected, CallID: ev.Data.ConversationID}
	case "post_call_transcription":
		text := flattenTranscript(ev)
		return models.StandardEvent{
			Type:    models.EventTranscript,
			Text:    text,
			IsFinal: true,
			Speaker: models.SpeakerAgent,
			CallID:  ev.Data.ConversationID,
		}
	case "agent_response":
		return models.StandardEvent{
			Type:   models.EventAgentResponse,
			Text:   ev.Data.AgentResponse,
			CallID: ev.Data.ConversationID,
		}
	case "user_transcript":
		return models.StandardEvent{
			Type:    models.EventTranscript,
			Text:    ev.Data.UserTranscript,
			Speaker: models.SpeakerUser,
			CallID:  ev.Data.ConversationID,
		}
	case "vad_score", "user_activity":
		return models.StandardEvent{Type: models.EventUserSpeaking, Speaking: true}
	case "error":
		return models.ErrorEvent("provider_error", ev.Data.Error)
	default:
		log.Debug().Str("provider", "elevenlabs").Str("event", ev.Type).Msg("dropping unmapped vendor event")
		return models.ErrorEvent("unrecognized_event", fmt.Sprintf("elevenlabs: unknown event %q", ev.Type))
	}
}

// SendText posts a text-chat turn to the conversational agent.
func (p *Provider) SendText(ctx context.Context, msg provider.TextMessage) (*provider.TextResponse, error) {
	if !p.Configured() {
		return nil, provider.Errf(provider.CodeNotConfigured, "elevenlabs: api_key and agent_id are required")
	}
	apiKey, err := p.Credential("api_key")
	if err != nil {
		return nil, err
	}

	body, _ := json.Marshal(map[string]any{
		"agent_id":        p.AgentID(),
		"conversation_id": msg.ConversationID,
		"text":            msg.Text,
	})
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.apiBase+"/v1/convai/conversation/message", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("xi-api-key", apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.HTTPClient().Do(httpReq)
	if err != nil {
		return nil, provider.Wrap(provider.CodeUpstreamFailure, err, "elevenlabs: send message")
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= 400 {
		return nil, provider.Errf(provider.CodeUpstreamFailure, "elevenlabs: send message returned %d", resp.StatusCode)
	}

	var parsed struct {
		ConversationID string `json:"conversation_id"`
		Response       string `json:"response"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, provider.Wrap(provider.CodeInvalidResponse, err, "elevenlabs: parse message response")
	}
	return &provider.TextResponse{ConversationID: parsed.ConversationID, Text: parsed.Response}, nil
}

// LiveURL: the signed URL is itself the realtime endpoint.
func (p *Provider) LiveURL(token *models.AccessToken) string {
	return token.Token
}

func flattenTranscript(ev elevenEvent) string {
	var b strings.Builder
	for i, t := range ev.Data.Transcript {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(t.Role)
		b.WriteString(": ")
		b.WriteString(t.Message)
	}
	return b.String()
}
