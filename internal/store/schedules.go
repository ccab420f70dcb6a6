package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"campaign-scheduler/internal/models"
)

// GetTemplate fetches a campaign template by id.
func (s *Store) GetTemplate(ctx context.Context, id string) (models.Template, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, name, subject, html_body, text_body, created_at, updated_at
		FROM campaign_templates WHERE id = $1
	`, id)

	var t models.Template
	var textBody pgtype.Text
	err := row.Scan(&t.ID, &t.Name, &t.Subject, &t.HTMLBody, &textBody, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Template{}, ErrNotFound
	}
	if err != nil {
		return models.Template{}, fmt.Errorf("scan template: %w", err)
	}
	t.TextBody = textPtr(textBody)
	return t, nil
}

// GetSchedule fetches a campaign schedule step by id.
func (s *Store) GetSchedule(ctx context.Context, id string) (models.Schedule, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, campaign_id, name, template_id, group_id, send_at, throttle_per_minute,
		       repeat_interval_mins, step_order, status, next_run_at, last_run_at, created_at, updated_at
		FROM campaign_schedules WHERE id = $1
	`, id)

	var sc models.Schedule
	var sendAt, nextRun, lastRun pgtype.Timestamptz
	var repeat pgtype.Int4
	err := row.Scan(&sc.ID, &sc.CampaignID, &sc.Name, &sc.TemplateID, &sc.GroupID, &sendAt,
		&sc.ThrottlePerMinute, &repeat, &sc.StepOrder, &sc.Status, &nextRun, &lastRun,
		&sc.CreatedAt, &sc.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Schedule{}, ErrNotFound
	}
	if err != nil {
		return models.Schedule{}, fmt.Errorf("scan schedule: %w", err)
	}
	sc.SendAt = timePtr(sendAt)
	sc.NextRunAt = timePtr(nextRun)
	sc.LastRunAt = timePtr(lastRun)
	if repeat.Valid {
		v := int(repeat.Int32)
		sc.RepeatIntervalMins = &v
	}
	return sc, nil
}

// MarkScheduleRun records a completed materialization run. A repeating
// schedule gets its next run time; a one-shot schedule is completed.
func (s *Store) MarkScheduleRun(ctx context.Context, id string, ranAt time.Time, nextRunAt *time.Time) error {
	status := "completed"
	if nextRunAt != nil {
		status = "scheduled"
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE campaign_schedules
		SET status = $2, last_run_at = $3, next_run_at = $4, updated_at = NOW()
		WHERE id = $1
	`, id, status, ranAt, nextRunAt)
	return err
}
