package handlers_test

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/voicebridge/voicebridge/internal/api"
	"github.com/voicebridge/voicebridge/internal/api/handlers"
	"github.com/voicebridge/voicebridge/internal/config"
	"github.com/voicebridge/voicebridge/internal/provider"
	"github.com/voicebridge/voicebridge/internal/provider/catalog"
	"github.com/voicebridge/voicebridge/internal/store"
	"github.com/voicebridge/voicebridge/internal/token"
	"github.com/voicebridge/voicebridge/internal/vault"
	"github.com/voicebridge/voicebridge/internal/webhook"
	"github.com/voicebridge/voicebridge/pkg/models"
)

// newAPI wires the full handler stack over the in-memory store. vendorURL
// overrides the vendor API base so token minting hits the test server.
func newAPI(t *testing.T, vendorURL string) (http.Handler, store.Store) {
	t.Helper()

	st := store.NewMemoryStore()
	t.Cleanup(func() { st.Close() })

	v, err := vault.NewEphemeral()
	require.NoError(t, err)

	reg := provider.NewRegistry()
	catalog.Register(reg)
	deps := provider.Deps{Vault: v, BaseURL: vendorURL}

	tokens := token.NewService(st, reg, deps, catalog.Identities)
	gw, err := webhook.NewGateway(st, reg, deps, "", nil)
	require.NoError(t, err)

	h := handlers.New(st, tokens, gw, v, reg)
	cfg := &config.Config{Version: "test"}
	return api.NewRouter(cfg, h), st
}

func doJSON(t *testing.T, h http.Handler, method, path string, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var rd *bytes.Reader
	if body == "" {
		rd = bytes.NewReader(nil)
	} else {
		rd = bytes.NewReader([]byte(body))
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var parsed map[string]any
	if rec.Body.Len() > 0 {
		var decoded any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded), "body: %s", rec.Body.String())
		parsed, _ = decoded.(map[string]any)
	}
	return rec, parsed
}

// configureRetell stores a working retell configuration through the admin
// endpoint, the way an operator would.
func configureRetell(t *testing.T, h http.Handler) {
	t.Helper()
	rec, _ := doJSON(t, h, http.MethodPut, "/api/v1/providers/retell/settings",
		`{"enabled":true,"agent_id":"agent-1","public":true,"credentials":{"api_key":"rt-key","webhook_secret":"whsec"}}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestHealthAndVersion(t *testing.T) {
	h, _ := newAPI(t, "")

	rec, body := doJSON(t, h, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "healthy", body["status"])

	rec, body = doJSON(t, h, http.MethodGet, "/version", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "test", body["version"])
}

func TestGetProvidersWhenNothingConfigured(t *testing.T) {
	h, _ := newAPI(t, "")

	rec, body := doJSON(t, h, http.MethodGet, "/api/v1/providers", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, false, body["success"])
	require.NotEmpty(t, body["message"])
}

func TestSettingsLifecycle(t *testing.T) {
	h, _ := newAPI(t, "")
	configureRetell(t, h)

	rec, body := doJSON(t, h, http.MethodGet, "/api/v1/providers/retell/settings", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, true, body["enabled"])
	require.Equal(t, "agent-1", body["agent_id"])

	creds := body["credentials"].(map[string]any)
	require.Equal(t, "set", creds["api_key"])
	require.Equal(t, "set", creds["webhook_secret"])
	require.NotContains(t, rec.Body.String(), "rt-key", "plaintext must never be returned")
	require.NotContains(t, rec.Body.String(), "$v", "ciphertext must never be returned")

	// Discovery now reports retell active with the sanitized config.
	rec, body = doJSON(t, h, http.MethodGet, "/api/v1/providers", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, true, body["success"])
	require.Equal(t, "retell", body["provider"])
	cfg := body["config"].(map[string]any)
	require.Equal(t, "agent-1", cfg["agentId"])
	require.Equal(t, true, cfg["isPublic"])

	// An empty credential value deletes the stored one.
	rec, body = doJSON(t, h, http.MethodPut, "/api/v1/providers/retell/settings",
		`{"credentials":{"webhook_secret":""}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	creds = body["credentials"].(map[string]any)
	require.Equal(t, "set", creds["api_key"])
	require.NotContains(t, creds, "webhook_secret")
}

func TestSettingsValidation(t *testing.T) {
	h, _ := newAPI(t, "")

	rec, _ := doJSON(t, h, http.MethodPut, "/api/v1/providers/acme/settings", `{"enabled":true}`)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = doJSON(t, h, http.MethodGet, "/api/v1/providers/acme/settings", "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = doJSON(t, h, http.MethodPut, "/api/v1/providers/retell/settings", `not json`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	// Settings never stored yet: an empty default, not a 404.
	rec, body := doJSON(t, h, http.MethodGet, "/api/v1/providers/elevenlabs/settings", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "elevenlabs", body["identity"])
	require.Equal(t, false, body["enabled"])
}

func TestIssueTokenEndToEnd(t *testing.T) {
	vendor := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer rt-key", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(map[string]string{"access_token": "tok-1", "call_id": "call-1"})
	}))
	defer vendor.Close()

	h, _ := newAPI(t, vendor.URL)
	configureRetell(t, h)

	rec, body := doJSON(t, h, http.MethodPost, "/api/v1/token/retell", `{}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, "tok-1", body["access_token"])
	require.Equal(t, "call-1", body["call_id"])

	// Token issuance opens the call audit row.
	rec, _ = doJSON(t, h, http.MethodGet, "/api/v1/calls", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var calls []models.CallLog
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &calls))
	require.Len(t, calls, 1)
	require.Equal(t, "call-1", calls[0].CallID)
	require.Equal(t, models.CallStarted, calls[0].Status)
}

func TestIssueTokenStatusMapping(t *testing.T) {
	vendor := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer vendor.Close()

	h, _ := newAPI(t, vendor.URL)

	// Unknown identity.
	rec, _ := doJSON(t, h, http.MethodPost, "/api/v1/token/acme", `{}`)
	require.Equal(t, http.StatusNotFound, rec.Code)

	// Known but not configured.
	rec, body := doJSON(t, h, http.MethodPost, "/api/v1/token/elevenlabs", `{}`)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	require.NotEmpty(t, body["message"])

	// Configured but the vendor rejects the credential. A bad key is
	// admin work, so it surfaces as unprocessable, not a gateway fault.
	configureRetell(t, h)
	rec, _ = doJSON(t, h, http.MethodPost, "/api/v1/token/retell", `{}`)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	// A missing body means "use configured defaults", not a 400.
	rec, _ = doJSON(t, h, http.MethodPost, "/api/v1/token/acme", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func signRetell(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestWebhookEndpoint(t *testing.T) {
	h, _ := newAPI(t, "")
	configureRetell(t, h)

	payload := `{"event":"call_ended","call":{"call_id":"call-9"}}`

	req := httptest.NewRequest(http.MethodPost, "/webhook/retell", strings.NewReader(payload))
	req.Header.Set("X-Retell-Signature", signRetell("whsec", []byte(payload)))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// The delivery is on the audit surface, verified and processed.
	listRec, _ := doJSON(t, h, http.MethodGet, "/api/v1/webhooks?provider=retell", "")
	require.Equal(t, http.StatusOK, listRec.Code)
	var records []models.WebhookRecord
	require.NoError(t, json.Unmarshal(listRec.Body.Bytes(), &records))
	require.Len(t, records, 1)
	require.True(t, records[0].Verified)
	require.True(t, records[0].Processed)
	require.Equal(t, "disconnected", records[0].EventType)
}

func TestWebhookRejections(t *testing.T) {
	h, _ := newAPI(t, "")
	configureRetell(t, h)

	payload := `{"event":"call_ended","call":{"call_id":"call-9"}}`

	req := httptest.NewRequest(http.MethodPost, "/webhook/retell", strings.NewReader(payload))
	req.Header.Set("X-Retell-Signature", "deadbeef")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = doJSON(t, h, http.MethodPost, "/webhook/acme", payload)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAuditListDefaults(t *testing.T) {
	h, _ := newAPI(t, "")

	rec, _ := doJSON(t, h, http.MethodGet, "/api/v1/jobs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "[]\n", rec.Body.String(), "empty listings are arrays, not null")

	rec, _ = doJSON(t, h, http.MethodGet, "/api/v1/webhooks", "")
	require.Equal(t, "[]\n", rec.Body.String())

	rec, _ = doJSON(t, h, http.MethodGet, "/api/v1/calls", "")
	require.Equal(t, "[]\n", rec.Body.String())

	rec, _ = doJSON(t, h, http.MethodGet, "/api/v1/jobs/missing", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}
