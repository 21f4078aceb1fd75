package elevenlabs

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/voicebridge/voicebridge/internal/provider"
	"github.com/voicebridge/voicebridge/internal/vault"
	"github.com/voicebridge/voicebridge/pkg/models"
)

const webhookSecret = "el-whsec"

func newAdapter(t *testing.T, baseURL string, withSecret bool) *Provider {
	t.Helper()
	v, err := vault.NewEphemeral()
	require.NoError(t, err)

	creds := make(map[string]string)
	apiKey, err := v.Encrypt("xi-key")
	require.NoError(t, err)
	creds["api_key"] = apiKey
	if withSecret {
		ct, err := v.Encrypt(webhookSecret)
		require.NoError(t, err)
		creds["webhook_secret"] = ct
	}

	p, err := New(provider.Settings{
		Identity:    "elevenlabs",
		Enabled:     true,
		AgentID:     "agent-el",
		Credentials: creds,
	}, provider.Deps{Vault: v, BaseURL: baseURL})
	require.NoError(t, err)
	return p.(*Provider)
}

func TestIssueToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/convai/conversation/get_signed_url", r.URL.Path)
		require.Equal(t, "agent-el", r.URL.Query().Get("agent_id"))
		require.Equal(t, "xi-key", r.Header.Get("xi-api-key"))

		json.NewEncoder(w).Encode(map[string]any{
			"signed_url": "wss://vendor.test/convai?token=abc",
			"expires_in": 600,
		})
	}))
	defer srv.Close()

	p := newAdapter(t, srv.URL, false)
	tok, err := p.IssueToken(context.Background(), models.TokenRequest{})
	require.NoError(t, err)
	require.Equal(t, "wss://vendor.test/convai?token=abc", tok.Token)
	require.Equal(t, 600, tok.ExpiresIn)
	require.Equal(t, "agent-el", tok.AgentID)
	require.NotEmpty(t, tok.CallID, "a conversation id is minted when the vendor does not supply one")
}

func TestIssueTokenDefaultsExpiry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"signed_url": "wss://vendor.test/convai"})
	}))
	defer srv.Close()

	p := newAdapter(t, srv.URL, false)
	tok, err := p.IssueToken(context.Background(), models.TokenRequest{CallID: "caller-chosen"})
	require.NoError(t, err)
	require.Equal(t, 900, tok.ExpiresIn)
	require.Equal(t, "caller-chosen", tok.CallID)
}

func TestIssueTokenMissingSignedURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"expires_in": 600})
	}))
	defer srv.Close()

	p := newAdapter(t, srv.URL, false)
	_, err := p.IssueToken(context.Background(), models.TokenRequest{})
	require.Equal(t, provider.CodeInvalidResponse, provider.CodeOf(err))
}

func signHeader(ts int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(webhookSecret))
	fmt.Fprintf(mac, "%d.", ts)
	mac.Write(body)
	return fmt.Sprintf("t=%d,v0=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func TestVerifyWebhook(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	body := []byte(`{"type":"post_call_transcription","data":{"conversation_id":"conv-1"}}`)

	p := newAdapter(t, "", true)
	p.now = func() time.Time { return now }

	t.Run("valid signature", func(t *testing.T) {
		req := &provider.WebhookRequest{Header: http.Header{}, Body: body}
		req.Header.Set("ElevenLabs-Signature", signHeader(now.Unix(), body))

		method, ok := p.VerifyWebhook(req)
		require.True(t, ok)
		require.Equal(t, models.AuthHMAC, method)
	})

	t.Run("timestamp just inside the window", func(t *testing.T) {
		req := &provider.WebhookRequest{Header: http.Header{}, Body: body}
		req.Header.Set("ElevenLabs-Signature", signHeader(now.Add(-29*time.Minute).Unix(), body))

		_, ok := p.VerifyWebhook(req)
		require.True(t, ok)
	})

	t.Run("stale timestamp", func(t *testing.T) {
		req := &provider.WebhookRequest{Header: http.Header{}, Body: body}
		req.Header.Set("ElevenLabs-Signature", signHeader(now.Add(-31*time.Minute).Unix(), body))

		_, ok := p.VerifyWebhook(req)
		require.False(t, ok)
	})

	t.Run("future timestamp", func(t *testing.T) {
		req := &provider.WebhookRequest{Header: http.Header{}, Body: body}
		req.Header.Set("ElevenLabs-Signature", signHeader(now.Add(31*time.Minute).Unix(), body))

		_, ok := p.VerifyWebhook(req)
		require.False(t, ok)
	})

	t.Run("tampered body", func(t *testing.T) {
		req := &provider.WebhookRequest{Header: http.Header{}, Body: []byte(`{"type":"error"}`)}
		req.Header.Set("ElevenLabs-Signature", signHeader(now.Unix(), body))

		_, ok := p.VerifyWebhook(req)
		require.False(t, ok)
	})

	t.Run("malformed header", func(t *testing.T) {
		for _, header := range []string{"", "t=abc,v0=00", "v0=00", "t=123"} {
			req := &provider.WebhookRequest{Header: http.Header{}, Body: body}
			req.Header.Set("ElevenLabs-Signature", header)

			_, ok := p.VerifyWebhook(req)
			require.False(t, ok, "header %q must not verify", header)
		}
	})

	t.Run("no secret accepts with auth none", func(t *testing.T) {
		open := newAdapter(t, "", false)
		method, ok := open.VerifyWebhook(&provider.WebhookRequest{Header: http.Header{}, Body: body})
		require.True(t, ok)
		require.Equal(t, models.AuthNone, method)
	})
}

func TestNormalizeEvent(t *testing.T) {
	p := newAdapter(t, "", false)

	tests := []struct {
		name    string
		payload string
		want    models.StandardEvent
	}{
		{
			"conversation initiation",
			`{"type":"conversation_initiation_metadata","data":{"conversation_id":"conv-1"}}`,
			models.StandardEvent{Type: models.EventConnected, CallID: "conv-1"},
		},
		{
			"conversation ended",
			`{"type":"conversation_ended","data":{"conversation_id":"conv-1"}}`,
			models.StandardEvent{Type: models.EventDisconnected, CallID: "conv-1"},
		},
		{
			"post call transcription",
			`{"type":"post_call_transcription","data":{"conversation_id":"conv-1","transcript":[{"role":"user","message":"hi"},{"role":"agent","message":"hello"}]}}`,
			models.StandardEvent{
				Type: models.EventTranscript, Text: "user: hi\nagent: hello",
				IsFinal: true, Speaker: models.SpeakerAgent, CallID: "conv-1",
			},
		},
		{
			"agent response",
			`{"type":"agent_response","data":{"conversation_id":"conv-1","agent_response":"sure thing"}}`,
			models.StandardEvent{Type: models.EventAgentResponse, Text: "sure thing", CallID: "conv-1"},
		},
		{
			"user transcript",
			`{"type":"user_transcript","data":{"conversation_id":"conv-1","user_transcript":"hi there"}}`,
			models.StandardEvent{Type: models.EventTranscript, Text: "hi there", Speaker: models.SpeakerUser, CallID: "conv-1"},
		},
		{
			"voice activity",
			`{"type":"vad_score","data":{}}`,
			models.StandardEvent{Type: models.EventUserSpeaking, Speaking: true},
		},
		{
			"vendor error",
			`{"type":"error","data":{"error":"agent unavailable"}}`,
			models.ErrorEvent("provider_error", "agent unavailable"),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, p.NormalizeEvent([]byte(tt.payload)))
		})
	}

	t.Run("unknown and unparseable", func(t *testing.T) {
		for _, payload := range []string{`{"type":"ping"}`, `not json`} {
			got := p.NormalizeEvent([]byte(payload))
			require.Equal(t, models.EventError, got.Type)
			require.Equal(t, "unrecognized_event", got.Code)
		}
	})
}

func TestSendText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/convai/conversation/message", r.URL.Path)
		require.Equal(t, "xi-key", r.Header.Get("xi-api-key"))

		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "agent-el", req["agent_id"])
		require.Equal(t, "what are your hours?", req["text"])

		json.NewEncoder(w).Encode(map[string]string{
			"conversation_id": "conv-9",
			"response":        "we are open 9 to 5",
		})
	}))
	defer srv.Close()

	p := newAdapter(t, srv.URL, false)
	resp, err := p.SendText(context.Background(), provider.TextMessage{Text: "what are your hours?"})
	require.NoError(t, err)
	require.Equal(t, "conv-9", resp.ConversationID)
	require.Equal(t, "we are open 9 to 5", resp.Text)
}

func TestLiveURLIsSignedURL(t *testing.T) {
	p := newAdapter(t, "", false)
	tok := &models.AccessToken{Token: "wss://vendor.test/convai?token=abc"}
	require.Equal(t, tok.Token, p.LiveURL(tok))
}

func TestCapabilitiesIncludeTextChat(t *testing.T) {
	p := newAdapter(t, "", false)
	require.True(t, p.Capabilities().Has(models.CapTextChat))
	require.True(t, p.Capabilities().Has(models.CapVoiceInput))
}
