// Package store — PostgreSQL Store implementation.
// The UNIQUE constraint on webhook request ids and the conditional
// UPDATE on processed are the cross-instance correctness mechanism:
// no in-process lock is assumed safe across multiple servers.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/voicebridge/voicebridge/pkg/models"
)

// PostgresStore implements Store on a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects, pings, and provisions the schema.
func NewPostgresStore(ctx context.Context, connURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connURL)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}

	log.Info().Msg("postgres store initialized")
	return s, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Migrate provisions the tables and uniqueness constraints.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	ddl := `
	CREATE TABLE IF NOT EXISTS vb_webhooks (
		request_id      TEXT PRIMARY KEY,
		provider        TEXT NOT NULL,
		event_type      TEXT NOT NULL DEFAULT '',
		payload         BYTEA,
		auth_method     TEXT NOT NULL DEFAULT 'none',
		verified        BOOLEAN NOT NULL DEFAULT FALSE,
		processed       BOOLEAN NOT NULL DEFAULT FALSE,
		response_status INT NOT NULL DEFAULT 0,
		error_message   TEXT NOT NULL DEFAULT '',
		created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		processed_at    TIMESTAMPTZ
	);
	CREATE INDEX IF NOT EXISTS idx_vb_webhooks_provider ON vb_webhooks (provider, created_at);

	CREATE TABLE IF NOT EXISTS vb_jobs (
		job_id       TEXT PRIMARY KEY,
		job_type     TEXT NOT NULL,
		status       TEXT NOT NULL DEFAULT 'pending',
		payload      BYTEA,
		retry_count  INT NOT NULL DEFAULT 0,
		max_retries  INT NOT NULL DEFAULT 3,
		callback_url TEXT NOT NULL DEFAULT '',
		last_error   TEXT NOT NULL DEFAULT '',
		created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		completed_at TIMESTAMPTZ
	);
	CREATE INDEX IF NOT EXISTS idx_vb_jobs_status ON vb_jobs (status, created_at);

	CREATE TABLE IF NOT EXISTS vb_provider_settings (
		identity    TEXT PRIMARY KEY,
		enabled     BOOLEAN NOT NULL DEFAULT FALSE,
		agent_id    TEXT NOT NULL DEFAULT '',
		public      BOOLEAN NOT NULL DEFAULT TRUE,
		credentials JSONB NOT NULL DEFAULT '{}',
		updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS vb_calls (
		call_id    TEXT PRIMARY KEY,
		provider   TEXT NOT NULL,
		agent_id   TEXT NOT NULL DEFAULT '',
		status     TEXT NOT NULL DEFAULT 'started',
		started_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		ended_at   TIMESTAMPTZ
	);
	`
	_, err := s.pool.Exec(ctx, ddl)
	return err
}

// ── Webhook Records ─────────────────────────────────────────

func (s *PostgresStore) CreateWebhookRecord(ctx context.Context, rec *models.WebhookRecord) error {
	created := rec.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO vb_webhooks
			(request_id, provider, event_type, payload, auth_method, verified, processed, response_status, error_message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		rec.RequestID, rec.Provider, rec.EventType, rec.Payload, string(rec.AuthMethod),
		rec.Verified, rec.Processed, rec.ResponseStatus, rec.ErrorMessage, created)
	if isUniqueViolation(err) {
		return &ErrDuplicate{Entity: "webhook_record", Key: rec.RequestID}
	}
	return err
}

func (s *PostgresStore) GetWebhookRecord(ctx context.Context, requestID string) (*models.WebhookRecord, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT request_id, provider, event_type, payload, auth_method, verified, processed,
		       response_status, error_message, created_at, processed_at
		FROM vb_webhooks WHERE request_id = $1`, requestID)
	rec, err := scanWebhook(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "webhook_record", Key: requestID}
	}
	return rec, err
}

// MarkWebhookProcessed is first-writer-wins: the WHERE processed = FALSE
// guard means only one of two concurrent deliveries observes a row
// count of 1 and runs the side effect.
func (s *PostgresStore) MarkWebhookProcessed(ctx context.Context, requestID string, responseStatus int) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE vb_webhooks
		SET processed = TRUE, processed_at = NOW(), response_status = $2, error_message = ''
		WHERE request_id = $1 AND processed = FALSE`,
		requestID, responseStatus)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) MarkWebhookFailed(ctx context.Context, requestID string, responseStatus int, errMsg string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE vb_webhooks
		SET response_status = $2, error_message = $3
		WHERE request_id = $1 AND processed = FALSE`,
		requestID, responseStatus, errMsg)
	return err
}

func (s *PostgresStore) ListWebhookRecords(ctx context.Context, filter models.WebhookFilter) ([]models.WebhookRecord, error) {
	q := `SELECT request_id, provider, event_type, payload, auth_method, verified, processed,
	             response_status, error_message, created_at, processed_at
	      FROM vb_webhooks WHERE TRUE`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if filter.Provider != "" {
		q += " AND provider = " + arg(filter.Provider)
	}
	if filter.EventType != "" {
		q += " AND event_type = " + arg(filter.EventType)
	}
	if filter.Verified != nil {
		q += " AND verified = " + arg(*filter.Verified)
	}
	if filter.Processed != nil {
		q += " AND processed = " + arg(*filter.Processed)
	}
	if filter.Since != nil {
		q += " AND created_at >= " + arg(*filter.Since)
	}
	q += " ORDER BY created_at DESC"
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	q += " LIMIT " + arg(limit)

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []models.WebhookRecord
	for rows.Next() {
		rec, err := scanWebhook(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *rec)
	}
	return result, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWebhook(row rowScanner) (*models.WebhookRecord, error) {
	var rec models.WebhookRecord
	var authMethod string
	if err := row.Scan(&rec.RequestID, &rec.Provider, &rec.EventType, &rec.Payload, &authMethod,
		&rec.Verified, &rec.Processed, &rec.ResponseStatus, &rec.ErrorMessage,
		&rec.CreatedAt, &rec.ProcessedAt); err != nil {
		return nil, err
	}
	rec.AuthMethod = models.AuthMethod(authMethod)
	return &rec, nil
}

// ── Jobs ────────────────────────────────────────────────────

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job) error {
	created := job.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	status := job.Status
	if status == "" {
		status = models.JobPending
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO vb_jobs (job_id, job_type, status, payload, retry_count, max_retries, callback_url, last_error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)`,
		job.ID, string(job.Type), string(status), job.Payload,
		job.RetryCount, job.MaxRetries, job.CallbackURL, job.LastError, created)
	if isUniqueViolation(err) {
		return &ErrDuplicate{Entity: "job", Key: job.ID}
	}
	return err
}

func (s *PostgresStore) GetJob(ctx context.Context, id string) (*models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT job_id, job_type, status, payload, retry_count, max_retries, callback_url, last_error, created_at, updated_at, completed_at
		FROM vb_jobs WHERE job_id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "job", Key: id}
	}
	return job, err
}

// ClaimPendingJob uses SKIP LOCKED so concurrent workers never claim
// the same job.
func (s *PostgresStore) ClaimPendingJob(ctx context.Context) (*models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE vb_jobs SET status = 'processing', updated_at = NOW()
		WHERE job_id = (
			SELECT job_id FROM vb_jobs
			WHERE status = 'pending'
			ORDER BY created_at
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING job_id, job_type, status, payload, retry_count, max_retries, callback_url, last_error, created_at, updated_at, completed_at`)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "job", Key: "pending"}
	}
	return job, err
}

func (s *PostgresStore) UpdateJob(ctx context.Context, job *models.Job) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE vb_jobs
		SET status = $2, retry_count = $3, last_error = $4, completed_at = $5, updated_at = NOW()
		WHERE job_id = $1`,
		job.ID, string(job.Status), job.RetryCount, job.LastError, job.CompletedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "job", Key: job.ID}
	}
	return nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter models.JobFilter) ([]models.Job, error) {
	q := `SELECT job_id, job_type, status, payload, retry_count, max_retries, callback_url, last_error, created_at, updated_at, completed_at
	      FROM vb_jobs WHERE TRUE`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if filter.Type != "" {
		q += " AND job_type = " + arg(string(filter.Type))
	}
	if filter.Status != "" {
		q += " AND status = " + arg(string(filter.Status))
	}
	q += " ORDER BY created_at DESC"
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	q += " LIMIT " + arg(limit)

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *job)
	}
	return result, rows.Err()
}

func scanJob(row rowScanner) (*models.Job, error) {
	var job models.Job
	var jobType, status string
	if err := row.Scan(&job.ID, &jobType, &status, &job.Payload, &job.RetryCount, &job.MaxRetries,
		&job.CallbackURL, &job.LastError, &job.CreatedAt, &job.UpdatedAt, &job.CompletedAt); err != nil {
		return nil, err
	}
	job.Type = models.JobType(jobType)
	job.Status = models.JobStatus(status)
	return &job, nil
}

// ── Provider Settings ───────────────────────────────────────

func (s *PostgresStore) GetProviderSettings(ctx context.Context, identity string) (*models.ProviderSettings, error) {
	var out models.ProviderSettings
	err := s.pool.QueryRow(ctx, `
		SELECT identity, enabled, agent_id, public, credentials, updated_at
		FROM vb_provider_settings WHERE identity = $1`, identity).
		Scan(&out.Identity, &out.Enabled, &out.AgentID, &out.Public, &out.Credentials, &out.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "provider_settings", Key: identity}
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *PostgresStore) UpsertProviderSettings(ctx context.Context, ps *models.ProviderSettings) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO vb_provider_settings (identity, enabled, agent_id, public, credentials, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (identity) DO UPDATE SET
			enabled = EXCLUDED.enabled,
			agent_id = EXCLUDED.agent_id,
			public = EXCLUDED.public,
			credentials = EXCLUDED.credentials,
			updated_at = NOW()`,
		ps.Identity, ps.Enabled, ps.AgentID, ps.Public, ps.Credentials)
	return err
}

func (s *PostgresStore) ListProviderSettings(ctx context.Context) ([]models.ProviderSettings, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT identity, enabled, agent_id, public, credentials, updated_at
		FROM vb_provider_settings ORDER BY identity`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []models.ProviderSettings
	for rows.Next() {
		var ps models.ProviderSettings
		if err := rows.Scan(&ps.Identity, &ps.Enabled, &ps.AgentID, &ps.Public, &ps.Credentials, &ps.UpdatedAt); err != nil {
			return nil, err
		}
		result = append(result, ps)
	}
	return result, rows.Err()
}

// ── Call Logs ───────────────────────────────────────────────

func (s *PostgresStore) CreateCallLog(ctx context.Context, cl *models.CallLog) error {
	started := cl.StartedAt
	if started.IsZero() {
		started = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO vb_calls (call_id, provider, agent_id, status, started_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (call_id) DO NOTHING`,
		cl.CallID, cl.Provider, cl.AgentID, string(cl.Status), started)
	return err
}

func (s *PostgresStore) GetCallLog(ctx context.Context, callID string) (*models.CallLog, error) {
	var cl models.CallLog
	var status string
	err := s.pool.QueryRow(ctx, `
		SELECT call_id, provider, agent_id, status, started_at, ended_at
		FROM vb_calls WHERE call_id = $1`, callID).
		Scan(&cl.CallID, &cl.Provider, &cl.AgentID, &status, &cl.StartedAt, &cl.EndedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "call_log", Key: callID}
	}
	if err != nil {
		return nil, err
	}
	cl.Status = models.CallStatus(status)
	return &cl, nil
}

func (s *PostgresStore) CloseCallLog(ctx context.Context, callID string, status models.CallStatus, endedAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE vb_calls SET status = $2, ended_at = $3
		WHERE call_id = $1 AND ended_at IS NULL`,
		callID, string(status), endedAt)
	return err
}

func (s *PostgresStore) ListCallLogs(ctx context.Context, limit int) ([]models.CallLog, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT call_id, provider, agent_id, status, started_at, ended_at
		FROM vb_calls ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []models.CallLog
	for rows.Next() {
		var cl models.CallLog
		var status string
		if err := rows.Scan(&cl.CallID, &cl.Provider, &cl.AgentID, &status, &cl.StartedAt, &cl.EndedAt); err != nil {
			return nil, err
		}
		cl.Status = models.CallStatus(status)
		result = append(result, cl)
	}
	return result, rows.Err()
}

// ── Retention ───────────────────────────────────────────────

func (s *PostgresStore) ExpiredWebhookRecords(ctx context.Context, cutoff time.Time, limit int) ([]models.WebhookRecord, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.pool.Query(ctx, `
		SELECT request_id, provider, event_type, payload, auth_method, verified, processed,
		       response_status, error_message, created_at, processed_at
		FROM vb_webhooks WHERE created_at < $1
		ORDER BY created_at LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []models.WebhookRecord
	for rows.Next() {
		rec, err := scanWebhook(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *rec)
	}
	return result, rows.Err()
}

func (s *PostgresStore) DeleteWebhookRecord(ctx context.Context, requestID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM vb_webhooks WHERE request_id = $1`, requestID)
	return err
}

func (s *PostgresStore) PurgeTerminalJobs(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM vb_jobs
		WHERE updated_at < $1
		  AND (status = 'completed' OR (status = 'failed' AND retry_count >= max_retries))`,
		cutoff)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) PurgeEndedCalls(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM vb_calls WHERE ended_at IS NOT NULL AND ended_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// isUniqueViolation checks for SQLSTATE 23505.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
