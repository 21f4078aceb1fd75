package retention

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/voicebridge/voicebridge/internal/store"
	"github.com/voicebridge/voicebridge/pkg/models"
)

func seedStore(t *testing.T) *store.MemoryStore {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemoryStore()
	t.Cleanup(func() { st.Close() })

	// Webhook records on either side of the 30-day window.
	require.NoError(t, st.CreateWebhookRecord(ctx, &models.WebhookRecord{
		RequestID: "old-hook",
		Provider:  "retell",
		EventType: "call_ended",
		CreatedAt: time.Now().AddDate(0, 0, -31),
	}))
	require.NoError(t, st.CreateWebhookRecord(ctx, &models.WebhookRecord{
		RequestID: "fresh-hook",
		Provider:  "retell",
		EventType: "call_started",
	}))

	// One terminal job, one still pending.
	require.NoError(t, st.CreateJob(ctx, &models.Job{
		ID: "done-job", Type: models.JobWebhookCallback,
		Status: models.JobCompleted, MaxRetries: 3,
	}))
	require.NoError(t, st.CreateJob(ctx, &models.Job{
		ID: "pending-job", Type: models.JobWebhookCallback,
		Status: models.JobPending, MaxRetries: 3,
	}))

	// One call closed long ago, one closed recently, one still open.
	require.NoError(t, st.CreateCallLog(ctx, &models.CallLog{CallID: "old-call", Provider: "retell"}))
	require.NoError(t, st.CloseCallLog(ctx, "old-call", models.CallEnded, time.Now().AddDate(0, 0, -100)))
	require.NoError(t, st.CreateCallLog(ctx, &models.CallLog{CallID: "fresh-call", Provider: "retell"}))
	require.NoError(t, st.CloseCallLog(ctx, "fresh-call", models.CallEnded, time.Now()))
	require.NoError(t, st.CreateCallLog(ctx, &models.CallLog{
		CallID: "open-call", Provider: "retell",
		StartedAt: time.Now().AddDate(0, 0, -200),
	}))

	return st
}

func TestCycleBoundsAuditSurfaces(t *testing.T) {
	ctx := context.Background()
	st := seedStore(t)

	j := NewJanitor(st, time.Hour, Policy{})
	// The seeded job rows carry a current updated_at; advance the clock
	// past the job window so the terminal one ages out.
	j.now = func() time.Time { return time.Now().AddDate(0, 0, 8) }

	stats := j.runCycle(ctx)
	require.Empty(t, stats.Errors)
	require.Equal(t, 1, stats.WebhooksPurged)
	require.Equal(t, 1, stats.JobsPurged)
	require.Equal(t, 1, stats.CallsPurged)
	require.Zero(t, stats.WebhooksArchived, "no archiver installed")

	_, err := st.GetWebhookRecord(ctx, "old-hook")
	require.Error(t, err)
	_, err = st.GetWebhookRecord(ctx, "fresh-hook")
	require.NoError(t, err)

	_, err = st.GetJob(ctx, "done-job")
	require.Error(t, err)
	_, err = st.GetJob(ctx, "pending-job")
	require.NoError(t, err, "pending jobs never age out")

	_, err = st.GetCallLog(ctx, "old-call")
	require.Error(t, err)
	_, err = st.GetCallLog(ctx, "fresh-call")
	require.NoError(t, err)
	_, err = st.GetCallLog(ctx, "open-call")
	require.NoError(t, err, "open calls never age out")
}

func TestCycleIsIdempotent(t *testing.T) {
	st := seedStore(t)
	j := NewJanitor(st, time.Hour, Policy{})

	first := j.runCycle(context.Background())
	require.Equal(t, 1, first.WebhooksPurged)

	second := j.runCycle(context.Background())
	require.Zero(t, second.WebhooksPurged)
	require.Zero(t, second.CallsPurged)
}

func TestArchiveThenPurge(t *testing.T) {
	ctx := context.Background()
	st := seedStore(t)
	dir := t.TempDir()

	j := NewJanitor(st, time.Hour, Policy{})
	j.SetArchiver(NewLocalFileArchiver(dir, false))

	stats := j.runCycle(ctx)
	require.Empty(t, stats.Errors)
	require.Equal(t, 1, stats.WebhooksArchived)
	require.Equal(t, 1, stats.WebhooksPurged)

	files, err := filepath.Glob(filepath.Join(dir, "webhooks", "*.jsonl"))
	require.NoError(t, err)
	require.Len(t, files, 1)

	data, err := os.ReadFile(files[0])
	require.NoError(t, err)
	require.Contains(t, string(data), "old-hook")
	require.NotContains(t, string(data), "fresh-hook")
}

type failingArchiver struct{}

func (failingArchiver) Kind() string { return "failing" }
func (failingArchiver) ArchiveWebhookRecords(context.Context, []models.WebhookRecord) (string, error) {
	return "", errors.New("sink unavailable")
}
func (failingArchiver) HealthCheck(context.Context) error { return nil }

func TestArchiveFailureSkipsPurge(t *testing.T) {
	ctx := context.Background()
	st := seedStore(t)

	j := NewJanitor(st, time.Hour, Policy{})
	j.SetArchiver(failingArchiver{})

	stats := j.runCycle(ctx)
	require.NotEmpty(t, stats.Errors)
	require.Zero(t, stats.WebhooksPurged, "failed archive must not lose audit rows")

	_, err := st.GetWebhookRecord(ctx, "old-hook")
	require.NoError(t, err)
}

func TestCompressedArchive(t *testing.T) {
	dir := t.TempDir()
	a := NewLocalFileArchiver(dir, true)

	uri, err := a.ArchiveWebhookRecords(context.Background(), []models.WebhookRecord{
		{RequestID: "r1", Provider: "retell"},
	})
	require.NoError(t, err)
	require.True(t, strings.HasSuffix(uri, ".jsonl.gz"))
	require.NoError(t, a.HealthCheck(context.Background()))
}

func TestIntervalFloor(t *testing.T) {
	st := store.NewMemoryStore()
	t.Cleanup(func() { st.Close() })

	j := NewJanitor(st, time.Second, Policy{})
	require.Equal(t, time.Hour, j.interval, "sub-minute intervals must not hot-loop the store")

	require.Equal(t, DefaultWebhookRetentionDays, j.policy.WebhookDays)
	require.Equal(t, DefaultJobRetentionDays, j.policy.JobDays)
	require.Equal(t, DefaultCallRetentionDays, j.policy.CallDays)
}
