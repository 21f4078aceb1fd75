// Package store provides the storage interface and implementations for
// VoiceBridge. The in-memory store backs local dev and tests; the
// PostgreSQL store is the production path, where uniqueness constraints
// on the idempotency keys are the actual correctness mechanism across
// server instances.
package store

import (
	"context"
	"time"

	"github.com/voicebridge/voicebridge/pkg/models"
)

// Store is the primary storage interface. All handler and service code
// depends on this interface, making it easy to swap between in-memory
// (tests) and PostgreSQL (production) implementations.
type Store interface {
	WebhookRecordStore
	JobStore
	ProviderSettingsStore
	CallLogStore
	RetentionStore

	// Ping checks if the backing store is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error

	// Migrate provisions the schema.
	Migrate(ctx context.Context) error
}

// ── Webhook Records ─────────────────────────────────────────

// WebhookRecordStore persists the webhook audit trail. RequestID is the
// idempotency key; CreateWebhookRecord returns *ErrDuplicate when a
// record with the same id already exists, and MarkWebhookProcessed is
// first-writer-wins so concurrent deliveries of one request id execute
// the dispatch side effect exactly once.
type WebhookRecordStore interface {
	CreateWebhookRecord(ctx context.Context, rec *models.WebhookRecord) error
	GetWebhookRecord(ctx context.Context, requestID string) (*models.WebhookRecord, error)

	// MarkWebhookProcessed transitions processed false→true and records
	// the response status. Returns false when the record was already
	// processed (the caller lost the race and must not re-dispatch).
	MarkWebhookProcessed(ctx context.Context, requestID string, responseStatus int) (bool, error)

	// MarkWebhookFailed records a dispatch failure, leaving the record
	// verified-but-unprocessed so a vendor redelivery can safely replay.
	MarkWebhookFailed(ctx context.Context, requestID string, responseStatus int, errMsg string) error

	ListWebhookRecords(ctx context.Context, filter models.WebhookFilter) ([]models.WebhookRecord, error)
}

// ── Jobs ────────────────────────────────────────────────────

// JobStore persists the asynchronous work ledger.
type JobStore interface {
	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id string) (*models.Job, error)

	// ClaimPendingJob atomically moves the oldest pending job to
	// processing and returns it. Returns *ErrNotFound when the queue is
	// empty. Terminal jobs are never claimable.
	ClaimPendingJob(ctx context.Context) (*models.Job, error)

	UpdateJob(ctx context.Context, job *models.Job) error
	ListJobs(ctx context.Context, filter models.JobFilter) ([]models.Job, error)
}

// ── Provider Settings ───────────────────────────────────────

type ProviderSettingsStore interface {
	GetProviderSettings(ctx context.Context, identity string) (*models.ProviderSettings, error)
	UpsertProviderSettings(ctx context.Context, s *models.ProviderSettings) error
	ListProviderSettings(ctx context.Context) ([]models.ProviderSettings, error)
}

// ── Call Logs ───────────────────────────────────────────────

type CallLogStore interface {
	CreateCallLog(ctx context.Context, cl *models.CallLog) error
	GetCallLog(ctx context.Context, callID string) (*models.CallLog, error)

	// CloseCallLog finalizes a call row. Closing an already-closed or
	// unknown call is a no-op.
	CloseCallLog(ctx context.Context, callID string, status models.CallStatus, endedAt time.Time) error

	ListCallLogs(ctx context.Context, limit int) ([]models.CallLog, error)
}

// ── Retention ───────────────────────────────────────────────

// RetentionStore exposes the purge surface the retention janitor sweeps.
// Only settled data is purgeable: pending/processing jobs and open calls
// are never touched regardless of age.
type RetentionStore interface {
	// ExpiredWebhookRecords returns records created before cutoff, oldest
	// first, up to limit.
	ExpiredWebhookRecords(ctx context.Context, cutoff time.Time, limit int) ([]models.WebhookRecord, error)

	// DeleteWebhookRecord removes one audit record. Deleting an unknown
	// record is a no-op.
	DeleteWebhookRecord(ctx context.Context, requestID string) error

	// PurgeTerminalJobs deletes terminal jobs last updated before cutoff
	// and reports how many were removed.
	PurgeTerminalJobs(ctx context.Context, cutoff time.Time) (int, error)

	// PurgeEndedCalls deletes closed call logs that ended before cutoff
	// and reports how many were removed.
	PurgeEndedCalls(ctx context.Context, cutoff time.Time) (int, error)
}

// ── Errors ──────────────────────────────────────────────────

// ErrNotFound is returned when a requested entity does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}

// ErrDuplicate is returned when a uniqueness constraint would be
// violated. For webhook records this is the idempotency signal.
type ErrDuplicate struct {
	Entity string
	Key    string
}

func (e *ErrDuplicate) Error() string {
	return e.Entity + " already exists: " + e.Key
}
