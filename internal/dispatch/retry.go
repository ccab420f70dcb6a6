package dispatch

import (
	"context"
	"time"

	"go.uber.org/zap"

	"campaign-scheduler/internal/models"
	"campaign-scheduler/internal/telemetry"
)

type outcome int

const (
	outcomeSent outcome = iota
	outcomeRetry
	outcomeExhausted
)

// settleOutcome is the retry controller. Success was already recorded by
// the worker; any failure moves the job back to scheduled with the backoff
// applied and one more attempt on the counter, or to terminal failed when a
// max-attempts ceiling is configured and reached. Delivery errors never
// propagate out of the dispatch pass.
func (d *Dispatcher) settleOutcome(ctx context.Context, jobID string, deliveryErr error) outcome {
	if deliveryErr == nil {
		telemetry.EmailsSent.Inc()
		return outcomeSent
	}

	reason := deliveryErr.Error()
	attempts := 0
	if job, err := d.jobs.GetJob(ctx, jobID); err == nil {
		attempts = job.Attempts
	} else {
		d.logger.Warn("load job for retry decision failed", zap.String("job_id", jobID), zap.Error(err))
	}

	if d.cfg.MaxAttempts > 0 && attempts+1 >= d.cfg.MaxAttempts {
		if err := d.jobs.MarkFailed(ctx, jobID, reason); err != nil {
			d.logger.Error("mark failed", zap.String("job_id", jobID), zap.Error(err))
		}
		if err := d.jobs.AppendEvent(ctx, jobID, models.EventExhausted, map[string]any{
			"error":    reason,
			"attempts": attempts + 1,
		}); err != nil {
			d.logger.Warn("append exhausted event failed", zap.String("job_id", jobID), zap.Error(err))
		}
		telemetry.JobsExhausted.Inc()
		d.logger.Error("job exhausted retries",
			zap.String("job_id", jobID),
			zap.Int("attempts", attempts+1),
			zap.String("error", reason),
		)
		return outcomeExhausted
	}

	retryAt := d.now().UTC().Add(d.cfg.RetryBackoff)
	if err := d.jobs.Reschedule(ctx, jobID, retryAt, reason); err != nil {
		d.logger.Error("reschedule failed job", zap.String("job_id", jobID), zap.Error(err))
	}
	if err := d.jobs.AppendEvent(ctx, jobID, models.EventFailed, map[string]any{
		"error":    reason,
		"retry_at": retryAt.Format(time.RFC3339),
	}); err != nil {
		d.logger.Warn("append failed event failed", zap.String("job_id", jobID), zap.Error(err))
	}
	telemetry.EmailsFailed.Inc()
	d.logger.Warn("delivery failed, rescheduled",
		zap.String("job_id", jobID),
		zap.Time("retry_at", retryAt),
		zap.String("error", reason),
	)
	return outcomeRetry
}
