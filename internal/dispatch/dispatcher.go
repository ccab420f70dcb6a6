// Package dispatch drives one "find due jobs and process them" pass:
// stale-processing sweep, due-job selection, policy filtering, the atomic
// per-job claim, bounded-concurrency delivery, and retry scheduling.
//
// Multiple passes may run concurrently (overlapping cron ticks, a manual
// batch next to the automatic one, scaled-out workers). There is no batch
// lock; the per-job conditional claim is the whole correctness story.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"campaign-scheduler/internal/models"
	"campaign-scheduler/internal/policy"
	"campaign-scheduler/internal/telemetry"
)

// JobStore is the persistence surface the dispatcher needs.
type JobStore interface {
	DueJobs(ctx context.Context, now time.Time, campaignID string, limit int) ([]models.JobRef, error)
	Claim(ctx context.Context, id string, now time.Time) (bool, error)
	GetJob(ctx context.Context, id string) (models.EmailJob, error)
	Reschedule(ctx context.Context, id string, nextSendAt time.Time, reason string) error
	MarkFailed(ctx context.Context, id string, reason string) error
	ReclaimStale(ctx context.Context, cutoff time.Time, limit int) ([]string, error)
	AppendEvent(ctx context.Context, jobID, eventType string, meta map[string]any) error
}

// SettingsStore reads campaign policy. Read-only from here; pause/resume is
// the admin surface's job.
type SettingsStore interface {
	ListSettings(ctx context.Context, campaignIDs []string) (map[string]models.CampaignSettings, error)
}

// Worker delivers one claimed job.
type Worker interface {
	Process(ctx context.Context, jobID string) error
}

// Throttle enforces the per-campaign per-minute send cap across processes.
type Throttle interface {
	Allow(ctx context.Context, campaignID string, limit int, now time.Time) (bool, int64, error)
}

// Settings tune the dispatcher.
type Settings struct {
	DefaultLimit      int
	RetryBackoff      time.Duration
	ProcessingTimeout time.Duration
	// MaxAttempts of 0 retries forever; >0 moves a job to terminal failed
	// once the ceiling is reached.
	MaxAttempts   int
	MaxConcurrent int
}

// Dispatcher orchestrates one batch.
type Dispatcher struct {
	jobs     JobStore
	settings SettingsStore
	worker   Worker
	throttle Throttle
	pace     *rate.Limiter
	cfg      Settings
	logger   *zap.Logger
	now      func() time.Time
}

// New wires a dispatcher. pace may be nil to skip local smoothing.
func New(jobs JobStore, settings SettingsStore, worker Worker, throttle Throttle, pace *rate.Limiter, cfg Settings, logger *zap.Logger) *Dispatcher {
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = 50
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 10 * time.Minute
	}
	if cfg.ProcessingTimeout <= 0 {
		cfg.ProcessingTimeout = 15 * time.Minute
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 10
	}
	return &Dispatcher{
		jobs:     jobs,
		settings: settings,
		worker:   worker,
		throttle: throttle,
		pace:     pace,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// Options scope one dispatch pass.
type Options struct {
	Limit      int
	CampaignID string
}

// Report summarizes one pass for callers and operators.
type Report struct {
	Reclaimed      int `json:"reclaimed"`
	Due            int `json:"due"`
	PausedSkipped  int `json:"paused_skipped"`
	WindowSkipped  int `json:"window_skipped"`
	ThrottleDenied int `json:"throttle_denied"`
	ClaimsLost     int `json:"claims_lost"`
	Processed      int `json:"processed"`
	Sent           int `json:"sent"`
	Failed         int `json:"failed"`
	Exhausted      int `json:"exhausted"`
}

// Dispatch runs one pass. Claim races and policy skips are normal control
// flow; only infrastructure failures surface as errors.
func (d *Dispatcher) Dispatch(ctx context.Context, opts Options) (Report, error) {
	now := d.now().UTC()
	var report Report

	limit := opts.Limit
	if limit <= 0 {
		limit = d.cfg.DefaultLimit
	}
	if limit > 200 {
		limit = 200
	}

	report.Reclaimed = d.sweepStale(ctx, now)

	refs, err := d.jobs.DueJobs(ctx, now, opts.CampaignID, limit)
	if err != nil {
		return report, fmt.Errorf("select due jobs: %w", err)
	}
	report.Due = len(refs)
	if len(refs) == 0 {
		return report, nil
	}

	campaignIDs := distinctCampaigns(refs)
	settings, err := d.settings.ListSettings(ctx, campaignIDs)
	if err != nil {
		// Fail closed: an unreadable pause flag must not let sends through
		// against an operator's explicit pause.
		report.PausedSkipped = len(refs)
		telemetry.PausedSkipped.Add(float64(len(refs)))
		d.logger.Warn("settings read failed, skipping batch", zap.Error(err))
		return report, nil
	}

	claimed := d.claimEligible(ctx, now, refs, settings, &report)
	if len(claimed) == 0 {
		return report, nil
	}

	d.runDeliveries(ctx, claimed, settings, &report)
	return report, nil
}

// Run dispatches on a ticker until the context is cancelled. The first pass
// runs immediately.
func (d *Dispatcher) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		report, err := d.Dispatch(ctx, Options{})
		if err != nil {
			d.logger.Error("dispatch pass failed", zap.Error(err))
		} else if report.Due > 0 || report.Reclaimed > 0 {
			d.logger.Info("dispatch pass",
				zap.Int("due", report.Due),
				zap.Int("sent", report.Sent),
				zap.Int("failed", report.Failed),
				zap.Int("reclaimed", report.Reclaimed),
				zap.Int("claims_lost", report.ClaimsLost),
			)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// sweepStale requeues jobs stuck in processing past the timeout (a worker
// crash mid-send) so they are retried instead of wedged forever.
func (d *Dispatcher) sweepStale(ctx context.Context, now time.Time) int {
	cutoff := now.Add(-d.cfg.ProcessingTimeout)
	ids, err := d.jobs.ReclaimStale(ctx, cutoff, 100)
	if err != nil {
		d.logger.Warn("stale sweep failed", zap.Error(err))
		return 0
	}
	for _, id := range ids {
		if err := d.jobs.AppendEvent(ctx, id, models.EventReclaimed, map[string]any{
			"stale_before": cutoff.Format(time.RFC3339),
		}); err != nil {
			d.logger.Warn("append reclaimed event failed", zap.String("job_id", id), zap.Error(err))
		}
	}
	if len(ids) > 0 {
		telemetry.JobsReclaimed.Add(float64(len(ids)))
		d.logger.Info("reclaimed stale processing jobs", zap.Int("count", len(ids)))
	}
	return len(ids)
}

// claimEligible filters due jobs through pause, window, and throttle
// policy, then attempts the atomic claim on each survivor. Jobs are offered
// in the send_at order DueJobs returned them.
func (d *Dispatcher) claimEligible(ctx context.Context, now time.Time, refs []models.JobRef, settings map[string]models.CampaignSettings, report *Report) []models.JobRef {
	throttled := make(map[string]bool)
	var claimed []models.JobRef

	for _, ref := range refs {
		st, hasSettings := settings[ref.CampaignID]
		if hasSettings && st.Paused {
			report.PausedSkipped++
			telemetry.PausedSkipped.Inc()
			continue
		}
		if hasSettings && !policy.InAnyWindow(now, st.Windows) {
			report.WindowSkipped++
			telemetry.WindowSkipped.Inc()
			continue
		}
		if throttled[ref.CampaignID] {
			report.ThrottleDenied++
			continue
		}
		if hasSettings && d.throttle != nil {
			allowed, _, err := d.throttle.Allow(ctx, ref.CampaignID, st.ThrottlePerMinute, now)
			if err != nil {
				d.logger.Warn("throttle check failed", zap.String("campaign_id", ref.CampaignID), zap.Error(err))
				allowed = false
			}
			if !allowed {
				throttled[ref.CampaignID] = true
				report.ThrottleDenied++
				telemetry.ThrottleDenied.Inc()
				continue
			}
		}

		ok, err := d.jobs.Claim(ctx, ref.ID, now)
		if err != nil {
			d.logger.Error("claim failed", zap.String("job_id", ref.ID), zap.Error(err))
			continue
		}
		if !ok {
			// Lost the race to a concurrent pass. Expected, never retried
			// within this invocation.
			report.ClaimsLost++
			telemetry.ClaimsLost.Inc()
			continue
		}
		telemetry.JobsClaimed.Inc()
		claimed = append(claimed, ref)
	}
	return claimed
}

// runDeliveries processes claimed jobs in parallel, bounded globally and
// per campaign. A slow provider call only occupies one slot; it never
// blocks claiming in other passes.
func (d *Dispatcher) runDeliveries(ctx context.Context, claimed []models.JobRef, settings map[string]models.CampaignSettings, report *Report) {
	global := make(chan struct{}, d.cfg.MaxConcurrent)
	perCampaign := make(map[string]chan struct{})
	for _, ref := range claimed {
		if _, ok := perCampaign[ref.CampaignID]; ok {
			continue
		}
		if st, ok := settings[ref.CampaignID]; ok && st.MaxConcurrent > 0 {
			perCampaign[ref.CampaignID] = make(chan struct{}, st.MaxConcurrent)
		}
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, ref := range claimed {
		wg.Add(1)
		go func(ref models.JobRef) {
			defer wg.Done()

			global <- struct{}{}
			defer func() { <-global }()
			if sem := perCampaign[ref.CampaignID]; sem != nil {
				sem <- struct{}{}
				defer func() { <-sem }()
			}
			if d.pace != nil {
				if err := d.pace.Wait(ctx); err != nil {
					d.logger.Warn("pacing interrupted", zap.Error(err))
				}
			}

			telemetry.InFlight.Inc()
			err := d.worker.Process(ctx, ref.ID)
			telemetry.InFlight.Dec()

			outcome := d.settleOutcome(ctx, ref.ID, err)
			mu.Lock()
			report.Processed++
			switch outcome {
			case outcomeSent:
				report.Sent++
			case outcomeRetry:
				report.Failed++
			case outcomeExhausted:
				report.Exhausted++
			}
			mu.Unlock()
		}(ref)
	}
	wg.Wait()
}

func distinctCampaigns(refs []models.JobRef) []string {
	seen := make(map[string]bool, len(refs))
	ids := make([]string, 0, len(refs))
	for _, ref := range refs {
		if !seen[ref.CampaignID] {
			seen[ref.CampaignID] = true
			ids = append(ids, ref.CampaignID)
		}
	}
	return ids
}
