// Package store — in-memory Store implementation.
// Used when PostgreSQL is not configured (local dev, tests). Supports
// file-based snapshot persistence so audit data survives restarts, and
// evicts webhook/call audit rows past the retention TTL.
package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/voicebridge/voicebridge/pkg/models"
)

// DefaultAuditTTL bounds how long webhook records and call logs are
// retained. Audit records are append-mostly; without a bound they grow
// forever.
const DefaultAuditTTL = 30 * 24 * time.Hour

// snapshot is the JSON-serializable shape written to disk.
type snapshot struct {
	Webhooks map[string]*models.WebhookRecord    `json:"webhooks"` // key: request_id
	Jobs     map[string]*models.Job              `json:"jobs"`     // key: job_id
	Settings map[string]*models.ProviderSettings `json:"settings"` // key: identity
	Calls    map[string]*models.CallLog          `json:"calls"`    // key: call_id
}

// MemoryStore implements Store with mutex-guarded maps.
type MemoryStore struct {
	mu       sync.RWMutex
	webhooks map[string]*models.WebhookRecord
	jobs     map[string]*models.Job
	settings map[string]*models.ProviderSettings
	calls    map[string]*models.CallLog

	// Persistence
	snapshotPath string        // empty = no persistence
	saveMu       sync.Mutex    // guards file writes
	saveCh       chan struct{} // debounce channel
	doneCh       chan struct{} // signals background goroutines to stop

	// Audit rows older than this are evicted automatically.
	// Set via VOICEBRIDGE_AUDIT_TTL (Go duration string).
	auditTTL time.Duration
}

// NewMemoryStore creates a new in-memory store. If VOICEBRIDGE_DATA_DIR
// is set, data is persisted to a JSON file in that directory.
func NewMemoryStore() *MemoryStore {
	auditTTL := DefaultAuditTTL
	if ttlStr := os.Getenv("VOICEBRIDGE_AUDIT_TTL"); ttlStr != "" {
		if parsed, err := time.ParseDuration(ttlStr); err == nil {
			auditTTL = parsed
		} else {
			log.Warn().Str("value", ttlStr).Msg("invalid VOICEBRIDGE_AUDIT_TTL, using default 720h")
		}
	}

	m := &MemoryStore{
		webhooks: make(map[string]*models.WebhookRecord),
		jobs:     make(map[string]*models.Job),
		settings: make(map[string]*models.ProviderSettings),
		calls:    make(map[string]*models.CallLog),
		saveCh:   make(chan struct{}, 1),
		doneCh:   make(chan struct{}),
		auditTTL: auditTTL,
	}

	if dataDir := os.Getenv("VOICEBRIDGE_DATA_DIR"); dataDir != "" {
		m.snapshotPath = filepath.Join(dataDir, "data.json")
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			log.Warn().Err(err).Str("dir", dataDir).Msg("cannot create data dir, persistence disabled")
			m.snapshotPath = ""
		}
	}

	if m.snapshotPath != "" {
		m.loadSnapshot()
		go m.saveLoop()
	}

	// Retention janitor (runs every 10 minutes)
	go m.evictionLoop()

	log.Info().
		Str("audit_ttl", auditTTL.String()).
		Str("snapshot", m.snapshotPath).
		Msg("memory store configured")

	return m
}

// requestSave signals the background goroutine to persist data.
// Non-blocking: coalesces multiple rapid writes into one disk flush.
func (m *MemoryStore) requestSave() {
	if m.snapshotPath == "" {
		return
	}
	select {
	case m.saveCh <- struct{}{}:
	default:
		// Already pending
	}
}

// saveLoop runs in a goroutine, debouncing save requests.
func (m *MemoryStore) saveLoop() {
	for {
		select {
		case <-m.doneCh:
			return
		case <-m.saveCh:
			time.Sleep(500 * time.Millisecond) // debounce
			m.saveSnapshot()
		}
	}
}

func (m *MemoryStore) evictionLoop() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-m.doneCh:
			return
		case <-ticker.C:
			m.evictExpired()
		}
	}
}

// evictExpired removes audit rows older than the retention TTL.
// Terminal jobs age out too; pending/processing jobs and calls that
// have not ended are kept regardless of age.
func (m *MemoryStore) evictExpired() {
	cutoff := time.Now().Add(-m.auditTTL)

	m.mu.Lock()
	var evicted int
	for id, rec := range m.webhooks {
		if rec.CreatedAt.Before(cutoff) {
			delete(m.webhooks, id)
			evicted++
		}
	}
	for id, cl := range m.calls {
		if cl.EndedAt != nil && cl.EndedAt.Before(cutoff) {
			delete(m.calls, id)
			evicted++
		}
	}
	for id, j := range m.jobs {
		if j.Terminal() && j.UpdatedAt.Before(cutoff) {
			delete(m.jobs, id)
			evicted++
		}
	}
	m.mu.Unlock()

	if evicted > 0 {
		log.Info().Int("evicted", evicted).Str("ttl", m.auditTTL.String()).Msg("evicted expired audit rows")
		m.requestSave()
	}
}

// saveSnapshot persists all data to disk as JSON.
func (m *MemoryStore) saveSnapshot() {
	m.mu.RLock()
	snap := snapshot{
		Webhooks: m.webhooks,
		Jobs:     m.jobs,
		Settings: m.settings,
		Calls:    m.calls,
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	m.mu.RUnlock()

	if err != nil {
		log.Error().Err(err).Msg("failed to marshal snapshot")
		return
	}

	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	// Write to temp file then rename for atomicity
	tmp := m.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		log.Error().Err(err).Str("path", tmp).Msg("failed to write snapshot tmp")
		return
	}
	if err := os.Rename(tmp, m.snapshotPath); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("failed to rename snapshot")
		return
	}
}

// loadSnapshot reads data from disk on startup.
func (m *MemoryStore) loadSnapshot() {
	data, err := os.ReadFile(m.snapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			return
		}
		log.Warn().Err(err).Str("path", m.snapshotPath).Msg("failed to read snapshot")
		return
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("failed to parse snapshot, starting fresh")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if snap.Webhooks != nil {
		m.webhooks = snap.Webhooks
	}
	if snap.Jobs != nil {
		m.jobs = snap.Jobs
	}
	if snap.Settings != nil {
		m.settings = snap.Settings
	}
	if snap.Calls != nil {
		m.calls = snap.Calls
	}

	log.Info().
		Int("webhooks", len(m.webhooks)).
		Int("jobs", len(m.jobs)).
		Int("providers", len(m.settings)).
		Str("path", m.snapshotPath).
		Msg("snapshot loaded")
}

func (m *MemoryStore) Ping(_ context.Context) error { return nil }

// Close stops background goroutines and forces a final snapshot write.
// Safe to call multiple times.
func (m *MemoryStore) Close() error {
	select {
	case <-m.doneCh:
		return nil
	default:
		close(m.doneCh)
	}

	if m.snapshotPath != "" {
		m.saveSnapshot()
	}
	return nil
}

func (m *MemoryStore) Migrate(_ context.Context) error { return nil }

// ── Webhook Records ─────────────────────────────────────────

func (m *MemoryStore) CreateWebhookRecord(_ context.Context, rec *models.WebhookRecord) error {
	m.mu.Lock()
	defer func() { m.mu.Unlock(); m.requestSave() }()

	if _, exists := m.webhooks[rec.RequestID]; exists {
		return &ErrDuplicate{Entity: "webhook_record", Key: rec.RequestID}
	}
	copy := *rec
	if copy.CreatedAt.IsZero() {
		copy.CreatedAt = time.Now().UTC()
	}
	m.webhooks[rec.RequestID] = &copy
	return nil
}

func (m *MemoryStore) GetWebhookRecord(_ context.Context, requestID string) (*models.WebhookRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.webhooks[requestID]
	if !ok {
		return nil, &ErrNotFound{Entity: "webhook_record", Key: requestID}
	}
	copy := *rec
	return &copy, nil
}

func (m *MemoryStore) MarkWebhookProcessed(_ context.Context, requestID string, responseStatus int) (bool, error) {
	m.mu.Lock()
	defer func() { m.mu.Unlock(); m.requestSave() }()

	rec, ok := m.webhooks[requestID]
	if !ok {
		return false, &ErrNotFound{Entity: "webhook_record", Key: requestID}
	}
	if rec.Processed {
		// First writer already won; processed is monotonic.
		return false, nil
	}
	now := time.Now().UTC()
	rec.Processed = true
	rec.ProcessedAt = &now
	rec.ResponseStatus = responseStatus
	rec.ErrorMessage = ""
	return true, nil
}

func (m *MemoryStore) MarkWebhookFailed(_ context.Context, requestID string, responseStatus int, errMsg string) error {
	m.mu.Lock()
	defer func() { m.mu.Unlock(); m.requestSave() }()

	rec, ok := m.webhooks[requestID]
	if !ok {
		return &ErrNotFound{Entity: "webhook_record", Key: requestID}
	}
	if rec.Processed {
		// Never revert a processed record.
		return nil
	}
	rec.ResponseStatus = responseStatus
	rec.ErrorMessage = errMsg
	return nil
}

func (m *MemoryStore) ListWebhookRecords(_ context.Context, filter models.WebhookFilter) ([]models.WebhookRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []models.WebhookRecord
	for _, rec := range m.webhooks {
		if filter.Provider != "" && rec.Provider != filter.Provider {
			continue
		}
		if filter.EventType != "" && rec.EventType != filter.EventType {
			continue
		}
		if filter.Verified != nil && rec.Verified != *filter.Verified {
			continue
		}
		if filter.Processed != nil && rec.Processed != *filter.Processed {
			continue
		}
		if filter.Since != nil && rec.CreatedAt.Before(*filter.Since) {
			continue
		}
		result = append(result, *rec)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt) // newest first
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

// ── Jobs ────────────────────────────────────────────────────

func (m *MemoryStore) CreateJob(_ context.Context, job *models.Job) error {
	m.mu.Lock()
	defer func() { m.mu.Unlock(); m.requestSave() }()

	if _, exists := m.jobs[job.ID]; exists {
		return &ErrDuplicate{Entity: "job", Key: job.ID}
	}
	copy := *job
	now := time.Now().UTC()
	if copy.CreatedAt.IsZero() {
		copy.CreatedAt = now
	}
	copy.UpdatedAt = now
	if copy.Status == "" {
		copy.Status = models.JobPending
	}
	m.jobs[job.ID] = &copy
	return nil
}

func (m *MemoryStore) GetJob(_ context.Context, id string) (*models.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "job", Key: id}
	}
	copy := *j
	return &copy, nil
}

func (m *MemoryStore) ClaimPendingJob(_ context.Context) (*models.Job, error) {
	m.mu.Lock()
	defer func() { m.mu.Unlock(); m.requestSave() }()

	var oldest *models.Job
	for _, j := range m.jobs {
		if j.Status != models.JobPending {
			continue
		}
		if oldest == nil || j.CreatedAt.Before(oldest.CreatedAt) {
			oldest = j
		}
	}
	if oldest == nil {
		return nil, &ErrNotFound{Entity: "job", Key: "pending"}
	}
	oldest.Status = models.JobProcessing
	oldest.UpdatedAt = time.Now().UTC()
	copy := *oldest
	return &copy, nil
}

func (m *MemoryStore) UpdateJob(_ context.Context, job *models.Job) error {
	m.mu.Lock()
	defer func() { m.mu.Unlock(); m.requestSave() }()

	if _, ok := m.jobs[job.ID]; !ok {
		return &ErrNotFound{Entity: "job", Key: job.ID}
	}
	copy := *job
	copy.UpdatedAt = time.Now().UTC()
	m.jobs[job.ID] = &copy
	return nil
}

func (m *MemoryStore) ListJobs(_ context.Context, filter models.JobFilter) ([]models.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []models.Job
	for _, j := range m.jobs {
		if filter.Type != "" && j.Type != filter.Type {
			continue
		}
		if filter.Status != "" && j.Status != filter.Status {
			continue
		}
		result = append(result, *j)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

// ── Provider Settings ───────────────────────────────────────

func (m *MemoryStore) GetProviderSettings(_ context.Context, identity string) (*models.ProviderSettings, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.settings[identity]
	if !ok {
		return nil, &ErrNotFound{Entity: "provider_settings", Key: identity}
	}
	copy := *s
	copy.Credentials = cloneMap(s.Credentials)
	return &copy, nil
}

func (m *MemoryStore) UpsertProviderSettings(_ context.Context, s *models.ProviderSettings) error {
	m.mu.Lock()
	defer func() { m.mu.Unlock(); m.requestSave() }()

	copy := *s
	copy.Credentials = cloneMap(s.Credentials)
	copy.UpdatedAt = time.Now().UTC()
	m.settings[s.Identity] = &copy
	return nil
}

func (m *MemoryStore) ListProviderSettings(_ context.Context) ([]models.ProviderSettings, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]models.ProviderSettings, 0, len(m.settings))
	for _, s := range m.settings {
		copy := *s
		copy.Credentials = cloneMap(s.Credentials)
		result = append(result, copy)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Identity < result[j].Identity })
	return result, nil
}

// ── Call Logs ───────────────────────────────────────────────

func (m *MemoryStore) CreateCallLog(_ context.Context, cl *models.CallLog) error {
	m.mu.Lock()
	defer func() { m.mu.Unlock(); m.requestSave() }()

	copy := *cl
	if copy.StartedAt.IsZero() {
		copy.StartedAt = time.Now().UTC()
	}
	m.calls[cl.CallID] = &copy
	return nil
}

func (m *MemoryStore) GetCallLog(_ context.Context, callID string) (*models.CallLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cl, ok := m.calls[callID]
	if !ok {
		return nil, &ErrNotFound{Entity: "call_log", Key: callID}
	}
	copy := *cl
	return &copy, nil
}

func (m *MemoryStore) CloseCallLog(_ context.Context, callID string, status models.CallStatus, endedAt time.Time) error {
	m.mu.Lock()
	defer func() { m.mu.Unlock(); m.requestSave() }()

	cl, ok := m.calls[callID]
	if !ok || cl.EndedAt != nil {
		return nil
	}
	cl.Status = status
	cl.EndedAt = &endedAt
	return nil
}

func (m *MemoryStore) ListCallLogs(_ context.Context, limit int) ([]models.CallLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]models.CallLog, 0, len(m.calls))
	for _, cl := range m.calls {
		result = append(result, *cl)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].StartedAt.After(result[j].StartedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// ── Retention ───────────────────────────────────────────────

func (m *MemoryStore) ExpiredWebhookRecords(_ context.Context, cutoff time.Time, limit int) ([]models.WebhookRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []models.WebhookRecord
	for _, rec := range m.webhooks {
		if rec.CreatedAt.Before(cutoff) {
			result = append(result, *rec)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt) // oldest first
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) DeleteWebhookRecord(_ context.Context, requestID string) error {
	m.mu.Lock()
	defer func() { m.mu.Unlock(); m.requestSave() }()
	delete(m.webhooks, requestID)
	return nil
}

func (m *MemoryStore) PurgeTerminalJobs(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer func() { m.mu.Unlock(); m.requestSave() }()

	var purged int
	for id, j := range m.jobs {
		if j.Terminal() && j.UpdatedAt.Before(cutoff) {
			delete(m.jobs, id)
			purged++
		}
	}
	return purged, nil
}

func (m *MemoryStore) PurgeEndedCalls(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer func() { m.mu.Unlock(); m.requestSave() }()

	var purged int
	for id, cl := range m.calls {
		if cl.EndedAt != nil && cl.EndedAt.Before(cutoff) {
			delete(m.calls, id)
			purged++
		}
	}
	return purged, nil
}

func cloneMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// Compile-time check that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
