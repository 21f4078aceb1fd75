package webhook

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/voicebridge/voicebridge/internal/provider"
	"github.com/voicebridge/voicebridge/internal/store"
	"github.com/voicebridge/voicebridge/pkg/models"
)

// stub is a minimal adapter with scriptable verification and
// normalization.
type stub struct {
	provider.Base
	verifyOK bool
	auth     models.AuthMethod
	event    models.StandardEvent
}

func (s *stub) VerifyWebhook(*provider.WebhookRequest) (models.AuthMethod, bool) {
	return s.auth, s.verifyOK
}

func (s *stub) NormalizeEvent([]byte) models.StandardEvent { return s.event }

func (s *stub) IssueToken(context.Context, models.TokenRequest) (*models.AccessToken, error) {
	return nil, provider.Errf(provider.CodeNotSupported, "stub")
}

func newGateway(t *testing.T, st store.Store, s *stub, callbackURL string) *Gateway {
	t.Helper()
	reg := provider.NewRegistry()
	reg.Register("stub", func(provider.Settings, provider.Deps) (provider.Provider, error) {
		return s, nil
	})
	g, err := NewGateway(st, reg, provider.Deps{}, callbackURL, nil)
	require.NoError(t, err)
	return g
}

func TestHandleUnknownProvider(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()
	g := newGateway(t, st, &stub{}, "")

	res := g.Handle(context.Background(), "nope", http.Header{}, []byte(`{}`))
	require.Equal(t, http.StatusNotFound, res.Status)
}

func TestHandleVerificationFailure(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()
	g := newGateway(t, st, &stub{verifyOK: false, auth: models.AuthHMAC}, "")

	body := []byte(`{"request_id":"req-bad"}`)
	res := g.Handle(context.Background(), "stub", http.Header{}, body)
	require.Equal(t, http.StatusUnauthorized, res.Status)

	// Unverified records live in their own key namespace so they can
	// never occupy the id a genuine delivery will claim.
	rec, err := st.GetWebhookRecord(context.Background(), "req-bad:unverified")
	require.NoError(t, err)
	require.False(t, rec.Verified)
	require.False(t, rec.Processed)
	require.Equal(t, models.AuthHMAC, rec.AuthMethod)

	_, err = st.GetWebhookRecord(context.Background(), "req-bad")
	require.Error(t, err)
}

func TestHandleForgedThenGenuineDelivery(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()
	ctx := context.Background()

	s := &stub{
		verifyOK: false,
		auth:     models.AuthHMAC,
		event:    models.StandardEvent{Type: models.EventDisconnected},
	}
	g := newGateway(t, st, s, "https://example.com/hook")

	// A forged body fails verification but fixes the request id it carries.
	body := []byte(`{"request_id":"req-forge","event":"call_ended"}`)
	res := g.Handle(ctx, "stub", http.Header{}, body)
	require.Equal(t, http.StatusUnauthorized, res.Status)

	// The genuine signed delivery of the same id must dispatch and leave
	// a verified audit row, not flip the forged one to processed.
	s.verifyOK = true
	res = g.Handle(ctx, "stub", http.Header{}, body)
	require.Equal(t, http.StatusOK, res.Status)
	require.Equal(t, "processed", res.Body["status"])

	rec, err := st.GetWebhookRecord(ctx, "req-forge")
	require.NoError(t, err)
	require.True(t, rec.Verified)
	require.True(t, rec.Processed)
	require.Equal(t, "disconnected", rec.EventType)

	forged, err := st.GetWebhookRecord(ctx, "req-forge:unverified")
	require.NoError(t, err)
	require.False(t, forged.Verified)
	require.False(t, forged.Processed)

	jobs, err := st.ListJobs(ctx, models.JobFilter{})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
}

func TestHandleDispatchesAndMarksProcessed(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()
	ctx := context.Background()

	require.NoError(t, st.CreateCallLog(ctx, &models.CallLog{
		CallID: "call-1", Provider: "stub", Status: models.CallStarted,
	}))

	s := &stub{
		verifyOK: true,
		auth:     models.AuthHMAC,
		event:    models.StandardEvent{Type: models.EventDisconnected, CallID: "call-1"},
	}
	g := newGateway(t, st, s, "https://example.com/hook")

	body := []byte(`{"request_id":"req-1","event":"call_ended"}`)
	res := g.Handle(ctx, "stub", http.Header{}, body)
	require.Equal(t, http.StatusOK, res.Status)
	require.Equal(t, "processed", res.Body["status"])

	rec, err := st.GetWebhookRecord(ctx, "req-1")
	require.NoError(t, err)
	require.True(t, rec.Verified)
	require.True(t, rec.Processed)
	require.Equal(t, "disconnected", rec.EventType)

	jobs, err := st.ListJobs(ctx, models.JobFilter{})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, models.JobWebhookCallback, jobs[0].Type)
	require.Equal(t, "https://example.com/hook", jobs[0].CallbackURL)

	cl, err := st.GetCallLog(ctx, "call-1")
	require.NoError(t, err)
	require.Equal(t, models.CallEnded, cl.Status)
	require.NotNil(t, cl.EndedAt)
}

func TestHandleIdempotentReplay(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()
	ctx := context.Background()

	s := &stub{
		verifyOK: true,
		auth:     models.AuthHMAC,
		event:    models.StandardEvent{Type: models.EventDisconnected, CallID: "call-2"},
	}
	g := newGateway(t, st, s, "https://example.com/hook")

	body := []byte(`{"request_id":"req-replay"}`)
	first := g.Handle(ctx, "stub", http.Header{}, body)
	require.Equal(t, http.StatusOK, first.Status)
	require.Equal(t, "processed", first.Body["status"])

	second := g.Handle(ctx, "stub", http.Header{}, body)
	require.Equal(t, http.StatusOK, second.Status)
	require.Equal(t, "already_processed", second.Body["status"])

	// Exactly one side-effecting dispatch across both deliveries.
	jobs, err := st.ListJobs(ctx, models.JobFilter{})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
}

// stallingJobStore parks the first job insert until released, holding
// one delivery open mid-dispatch while another arrives.
type stallingJobStore struct {
	store.Store
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *stallingJobStore) CreateJob(ctx context.Context, j *models.Job) error {
	s.once.Do(func() { close(s.entered) })
	<-s.release
	return s.Store.CreateJob(ctx, j)
}

func TestConcurrentDeliveriesDispatchOnce(t *testing.T) {
	mem := store.NewMemoryStore()
	defer mem.Close()
	st := &stallingJobStore{Store: mem, entered: make(chan struct{}), release: make(chan struct{})}
	ctx := context.Background()

	s := &stub{
		verifyOK: true,
		auth:     models.AuthHMAC,
		event:    models.StandardEvent{Type: models.EventTranscript, IsFinal: true},
	}
	g := newGateway(t, st, s, "https://example.com/hook")
	body := []byte(`{"request_id":"req-race"}`)

	firstDone := make(chan Result, 1)
	go func() { firstDone <- g.Handle(ctx, "stub", http.Header{}, body) }()
	<-st.entered

	// The first delivery owns the record and is stalled mid-dispatch;
	// the second must acknowledge without enqueuing anything.
	second := g.Handle(ctx, "stub", http.Header{}, body)
	require.Equal(t, http.StatusOK, second.Status)
	require.Equal(t, "accepted", second.Body["status"])

	close(st.release)
	first := <-firstDone
	require.Equal(t, http.StatusOK, first.Status)
	require.Equal(t, "processed", first.Body["status"])

	jobs, err := mem.ListJobs(ctx, models.JobFilter{})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, models.JobTranscribe, jobs[0].Type)
}

// failingJobStore wraps a Store and fails job creation.
type failingJobStore struct {
	store.Store
}

func (f *failingJobStore) CreateJob(context.Context, *models.Job) error {
	return errors.New("ledger unavailable")
}

func TestHandleDispatchFailureIsRetryable(t *testing.T) {
	mem := store.NewMemoryStore()
	defer mem.Close()
	st := &failingJobStore{Store: mem}
	ctx := context.Background()

	s := &stub{
		verifyOK: true,
		auth:     models.AuthHMAC,
		event:    models.StandardEvent{Type: models.EventDisconnected},
	}
	g := newGateway(t, st, s, "https://example.com/hook")

	body := []byte(`{"request_id":"req-fail"}`)
	res := g.Handle(ctx, "stub", http.Header{}, body)
	require.Equal(t, http.StatusInternalServerError, res.Status)

	// verified=true / processed=false signals a safe replay is expected.
	rec, err := mem.GetWebhookRecord(ctx, "req-fail")
	require.NoError(t, err)
	require.True(t, rec.Verified)
	require.False(t, rec.Processed)
	require.NotEmpty(t, rec.ErrorMessage)

	// Redelivery after the ledger recovers succeeds.
	g2 := newGateway(t, mem, s, "https://example.com/hook")
	res = g2.Handle(ctx, "stub", http.Header{}, body)
	require.Equal(t, http.StatusOK, res.Status)
	require.Equal(t, "processed", res.Body["status"])
}

func TestHandleNoCallbackNoJobs(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()
	ctx := context.Background()

	s := &stub{
		verifyOK: true,
		auth:     models.AuthNone,
		event:    models.StandardEvent{Type: models.EventDisconnected},
	}
	g := newGateway(t, st, s, "")

	res := g.Handle(ctx, "stub", http.Header{}, []byte(`{"request_id":"req-nocb"}`))
	require.Equal(t, http.StatusOK, res.Status)

	jobs, err := st.ListJobs(ctx, models.JobFilter{})
	require.NoError(t, err)
	require.Empty(t, jobs)
}

func TestExtractRequestID(t *testing.T) {
	fallback := sha256.Sum256([]byte(`not json`))

	tests := []struct {
		name string
		body string
		want string
	}{
		{"explicit request_id", `{"request_id":"r1","call_id":"c1"}`, "r1"},
		{"event_id", `{"event_id":"e1"}`, "e1"},
		{"conversation id with event suffix", `{"type":"conversation_ended","data":{"conversation_id":"conv-1"}}`, "conv-1:conversation_ended"},
		{"call id with event suffix", `{"event":"call_started","call":{"call_id":"c2"}}`, "c2:call_started"},
		{"call id without event", `{"call_id":"c3"}`, "c3"},
		{"body digest fallback", `not json`, hex.EncodeToString(fallback[:])},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, extractRequestID([]byte(tt.body)))
		})
	}
}

func TestDefaultRules(t *testing.T) {
	rs, err := CompileRules(DefaultRules())
	require.NoError(t, err)

	tests := []struct {
		name string
		env  RuleEnv
		want []models.JobType
	}{
		{
			"final transcript with callback",
			RuleEnv{Type: "transcript", IsFinal: true, HasCallback: true},
			[]models.JobType{models.JobTranscribe},
		},
		{
			"partial transcript",
			RuleEnv{Type: "transcript", IsFinal: false, HasCallback: true},
			nil,
		},
		{
			"disconnected with callback",
			RuleEnv{Type: "disconnected", HasCallback: true},
			[]models.JobType{models.JobWebhookCallback},
		},
		{
			"disconnected without callback",
			RuleEnv{Type: "disconnected"},
			nil,
		},
		{
			"speaking events match nothing",
			RuleEnv{Type: "user_speaking", HasCallback: true},
			nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := rs.Evaluate(tt.env)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestCompileRulesRejectsBadExpression(t *testing.T) {
	_, err := CompileRules([]Rule{{Name: "bad", When: `nonexistent_field == 1`, Job: models.JobTTS}})
	require.Error(t, err)
}

func TestCustomRuleOnErrorEvents(t *testing.T) {
	rs, err := CompileRules([]Rule{{
		Name: "alert-on-provider-error",
		When: `type == "error" && code == "provider_error" && has_callback`,
		Job:  models.JobWebhookCallback,
	}})
	require.NoError(t, err)

	got, err := rs.Evaluate(RuleEnv{Type: "error", Code: "provider_error", HasCallback: true})
	require.NoError(t, err)
	require.Equal(t, []models.JobType{models.JobWebhookCallback}, got)
}
