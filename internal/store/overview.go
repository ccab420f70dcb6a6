package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgtype"

	"campaign-scheduler/internal/models"
)

// CampaignOverview aggregates job counts, next/last send times, and recent
// throughput for one campaign.
func (s *Store) CampaignOverview(ctx context.Context, campaignID string, now time.Time) (models.CampaignOverview, error) {
	var ov models.CampaignOverview

	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE status = $2),
		       COUNT(*) FILTER (WHERE status = $3),
		       COUNT(*) FILTER (WHERE status = $4),
		       COUNT(*) FILTER (WHERE status = $5)
		FROM email_jobs WHERE campaign_id = $1
	`, campaignID, models.StatusSent, models.StatusFailed, models.StatusScheduled, models.StatusProcessing).
		Scan(&ov.Total, &ov.Sent, &ov.Failed, &ov.Scheduled, &ov.Processing)
	if err != nil {
		return models.CampaignOverview{}, fmt.Errorf("count jobs: %w", err)
	}

	var next, last pgtype.Timestamptz
	err = s.pool.QueryRow(ctx, `
		SELECT MIN(send_at) FILTER (WHERE status = $2),
		       MAX(sent_at) FILTER (WHERE status = $3)
		FROM email_jobs WHERE campaign_id = $1
	`, campaignID, models.StatusScheduled, models.StatusSent).Scan(&next, &last)
	if err != nil {
		return models.CampaignOverview{}, fmt.Errorf("query send times: %w", err)
	}
	ov.NextSendAt = timePtr(next)
	ov.LastSentAt = timePtr(last)

	// Throughput over the trailing 15 minutes.
	const window = 15
	var recent int64
	err = s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM email_jobs
		WHERE campaign_id = $1 AND status = $2 AND sent_at >= $3 AND sent_at <= $4
	`, campaignID, models.StatusSent, now.Add(-window*time.Minute), now).Scan(&recent)
	if err != nil {
		return models.CampaignOverview{}, fmt.Errorf("count recent sends: %w", err)
	}
	ov.AvgThroughputPerMin = float64(recent) / window

	settings, err := s.GetSettings(ctx, campaignID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return models.CampaignOverview{}, err
	}
	ov.Paused = settings.Paused
	return ov, nil
}

// VisibleJobs counts jobs ready to dispatch (scheduled with send_at <= now).
func (s *Store) VisibleJobs(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM email_jobs WHERE status = $1 AND send_at <= $2
	`, models.StatusScheduled, now).Scan(&n); err != nil {
		return 0, fmt.Errorf("count visible jobs: %w", err)
	}
	return n, nil
}
