// Package retention bounds the audit surfaces. A background janitor
// periodically purges webhook records, terminal jobs, and ended call
// logs past their retention windows.
//
// Webhook records can be archived to a durable sink before they leave
// the hot store. Archiving is fail-safe: when the archive write fails
// the records are NOT purged, so a redelivery of the sweep never loses
// audit data.
package retention

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/voicebridge/voicebridge/internal/store"
	"github.com/voicebridge/voicebridge/pkg/models"
)

// Default retention windows.
const (
	DefaultWebhookRetentionDays = 30
	DefaultJobRetentionDays     = 7
	DefaultCallRetentionDays    = 90
)

// DefaultSweepBatchSize caps webhook records handled per cycle so one
// sweep never holds a huge result set.
const DefaultSweepBatchSize = 5000

// Archiver writes expired webhook records to a durable sink before they
// are purged from the hot store.
type Archiver interface {
	// Kind names the backend ("local", "s3", ...).
	Kind() string

	// ArchiveWebhookRecords persists the batch and returns a URI
	// identifying where it landed.
	ArchiveWebhookRecords(ctx context.Context, records []models.WebhookRecord) (string, error)

	// HealthCheck verifies the sink is writable.
	HealthCheck(ctx context.Context) error
}

// Policy is the set of retention windows, in days. Zero values fall
// back to the defaults.
type Policy struct {
	WebhookDays int
	JobDays     int
	CallDays    int
}

func (p Policy) normalized() Policy {
	if p.WebhookDays <= 0 {
		p.WebhookDays = DefaultWebhookRetentionDays
	}
	if p.JobDays <= 0 {
		p.JobDays = DefaultJobRetentionDays
	}
	if p.CallDays <= 0 {
		p.CallDays = DefaultCallRetentionDays
	}
	return p
}

// CycleStats tracks what one retention cycle did.
type CycleStats struct {
	WebhooksArchived int
	WebhooksPurged   int
	JobsPurged       int
	CallsPurged      int
	Errors           []error
}

// Janitor runs periodic retention sweeps against the store.
type Janitor struct {
	store    store.Store
	interval time.Duration
	policy   Policy

	// archiver is optional; nil means purge without archiving.
	archiver Archiver

	batchSize int
	now       func() time.Time
}

// NewJanitor creates a retention janitor. Intervals under a minute are
// raised to an hour so a misconfiguration cannot hot-loop the store.
func NewJanitor(s store.Store, interval time.Duration, policy Policy) *Janitor {
	if interval < time.Minute {
		interval = time.Hour
	}
	return &Janitor{
		store:     s,
		interval:  interval,
		policy:    policy.normalized(),
		batchSize: DefaultSweepBatchSize,
		now:       time.Now,
	}
}

// SetArchiver installs the archive sink for purged webhook records.
func (j *Janitor) SetArchiver(a Archiver) {
	j.archiver = a
	if err := a.HealthCheck(context.Background()); err != nil {
		log.Warn().Err(err).Str("kind", a.Kind()).Msg("archive sink failed health check")
	}
}

// Start runs the janitor until ctx is canceled. The first sweep runs
// immediately.
func (j *Janitor) Start(ctx context.Context) {
	kind := "none"
	if j.archiver != nil {
		kind = j.archiver.Kind()
	}
	log.Info().
		Dur("interval", j.interval).
		Int("webhook_days", j.policy.WebhookDays).
		Int("job_days", j.policy.JobDays).
		Int("call_days", j.policy.CallDays).
		Str("archiver", kind).
		Msg("retention janitor started")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.runCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("retention janitor stopped")
			return
		case <-ticker.C:
			j.runCycle(ctx)
		}
	}
}

// runCycle performs one sweep across all audit surfaces.
func (j *Janitor) runCycle(ctx context.Context) CycleStats {
	start := j.now()
	var stats CycleStats

	j.sweepWebhooks(ctx, start.AddDate(0, 0, -j.policy.WebhookDays), &stats)

	if n, err := j.store.PurgeTerminalJobs(ctx, start.AddDate(0, 0, -j.policy.JobDays)); err != nil {
		stats.Errors = append(stats.Errors, err)
	} else {
		stats.JobsPurged = n
	}

	if n, err := j.store.PurgeEndedCalls(ctx, start.AddDate(0, 0, -j.policy.CallDays)); err != nil {
		stats.Errors = append(stats.Errors, err)
	} else {
		stats.CallsPurged = n
	}

	for _, err := range stats.Errors {
		log.Warn().Err(err).Msg("retention cycle error")
	}
	if stats.WebhooksPurged > 0 || stats.JobsPurged > 0 || stats.CallsPurged > 0 {
		log.Info().
			Int("webhooks_archived", stats.WebhooksArchived).
			Int("webhooks_purged", stats.WebhooksPurged).
			Int("jobs_purged", stats.JobsPurged).
			Int("calls_purged", stats.CallsPurged).
			Dur("elapsed", j.now().Sub(start)).
			Msg("retention cycle complete")
	}
	return stats
}

// sweepWebhooks archives (when a sink is installed) and purges expired
// webhook records in batches.
func (j *Janitor) sweepWebhooks(ctx context.Context, cutoff time.Time, stats *CycleStats) {
	for {
		expired, err := j.store.ExpiredWebhookRecords(ctx, cutoff, j.batchSize)
		if err != nil {
			stats.Errors = append(stats.Errors, err)
			return
		}
		if len(expired) == 0 {
			return
		}

		if j.archiver != nil {
			uri, err := j.archiver.ArchiveWebhookRecords(ctx, expired)
			if err != nil {
				// Fail-safe: keep the hot rows until archiving works.
				log.Warn().Err(err).
					Str("kind", j.archiver.Kind()).
					Int("batch", len(expired)).
					Msg("webhook archive failed, skipping purge")
				stats.Errors = append(stats.Errors, err)
				return
			}
			stats.WebhooksArchived += len(expired)
			log.Debug().Str("uri", uri).Int("count", len(expired)).Msg("webhook records archived")
		}

		for _, rec := range expired {
			if err := j.store.DeleteWebhookRecord(ctx, rec.RequestID); err != nil {
				stats.Errors = append(stats.Errors, err)
				continue
			}
			stats.WebhooksPurged++
		}

		if len(expired) < j.batchSize {
			return
		}
	}
}
