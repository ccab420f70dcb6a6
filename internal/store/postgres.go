package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"campaign-scheduler/internal/models"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// Store wraps pgxpool for Postgres persistence. It exclusively owns
// EmailJob lifecycle transitions.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping verifies the connection, used by startup retry loops.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// CreateJobParams collects inputs required to materialize one job row.
type CreateJobParams struct {
	CampaignID     string
	ScheduleID     string
	TemplateID     string
	GroupID        string
	RecipientEmail string
	RecipientID    string
	SendAt         time.Time
	Meta           map[string]any
}

// CreateJobs bulk-inserts scheduled jobs. The (schedule_id, recipient_email)
// unique constraint makes re-running a schedule idempotent; conflicting rows
// are skipped. Returns how many rows were actually inserted.
func (s *Store) CreateJobs(ctx context.Context, params []CreateJobParams) (int, error) {
	if len(params) == 0 {
		return 0, nil
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	now := time.Now().UTC()
	inserted := 0
	for _, p := range params {
		meta := p.Meta
		if meta == nil {
			meta = map[string]any{}
		}
		metaJSON, err := json.Marshal(meta)
		if err != nil {
			return 0, fmt.Errorf("marshal job meta: %w", err)
		}
		tag, err := tx.Exec(ctx, `
			INSERT INTO email_jobs (id, campaign_id, schedule_id, template_id, group_id, recipient_email, recipient_id, send_at, status, attempts, meta, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 0, $10, $11, $11)
			ON CONFLICT (schedule_id, recipient_email) DO NOTHING
		`, uuid.New().String(), p.CampaignID, p.ScheduleID, p.TemplateID, p.GroupID, p.RecipientEmail, p.RecipientID, p.SendAt, models.StatusScheduled, metaJSON, now)
		if err != nil {
			return 0, fmt.Errorf("insert job: %w", err)
		}
		inserted += int(tag.RowsAffected())
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return inserted, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.EmailJob, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, campaign_id, schedule_id, template_id, group_id, recipient_email, recipient_id,
		       send_at, status, attempts, error, sent_at, processing_started_at, provider_message_id,
		       meta, created_at, updated_at
		FROM email_jobs WHERE id = $1
	`, id)

	var job models.EmailJob
	var errText, msgID pgtype.Text
	var sentAt, procAt pgtype.Timestamptz
	var metaJSON []byte

	err := row.Scan(&job.ID, &job.CampaignID, &job.ScheduleID, &job.TemplateID, &job.GroupID,
		&job.RecipientEmail, &job.RecipientID, &job.SendAt, &job.Status, &job.Attempts,
		&errText, &sentAt, &procAt, &msgID, &metaJSON, &job.CreatedAt, &job.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.EmailJob{}, ErrNotFound
	}
	if err != nil {
		return models.EmailJob{}, fmt.Errorf("scan job: %w", err)
	}

	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &job.Meta); err != nil {
			return models.EmailJob{}, fmt.Errorf("unmarshal job meta: %w", err)
		}
	}
	job.Error = textPtr(errText)
	job.ProviderMessageID = textPtr(msgID)
	job.SentAt = timePtr(sentAt)
	job.ProcessingStartedAt = timePtr(procAt)
	return job, nil
}

// DueJobs returns up to limit job refs with status=scheduled and
// send_at <= now, earliest-due first. Optionally scoped to one campaign.
// Pure read, no side effects.
func (s *Store) DueJobs(ctx context.Context, now time.Time, campaignID string, limit int) ([]models.JobRef, error) {
	var rows pgx.Rows
	var err error
	if campaignID != "" {
		rows, err = s.pool.Query(ctx, `
			SELECT id, campaign_id FROM email_jobs
			WHERE status = $1 AND campaign_id = $2 AND send_at <= $3
			ORDER BY send_at ASC
			LIMIT $4
		`, models.StatusScheduled, campaignID, now, limit)
	} else {
		rows, err = s.pool.Query(ctx, `
			SELECT id, campaign_id FROM email_jobs
			WHERE status = $1 AND send_at <= $2
			ORDER BY send_at ASC
			LIMIT $3
		`, models.StatusScheduled, now, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("query due jobs: %w", err)
	}
	defer rows.Close()

	var refs []models.JobRef
	for rows.Next() {
		var ref models.JobRef
		if err := rows.Scan(&ref.ID, &ref.CampaignID); err != nil {
			return nil, fmt.Errorf("scan due job: %w", err)
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

// Claim attempts the scheduled -> processing transition for one job. The
// conditional WHERE makes it a single atomic write: the affected-row count
// reports whether this caller won the race. A losing claim is expected
// control flow, not an error.
func (s *Store) Claim(ctx context.Context, id string, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE email_jobs
		SET status = $2, processing_started_at = $3, updated_at = $3
		WHERE id = $1 AND status = $4
	`, id, models.StatusProcessing, now, models.StatusScheduled)
	if err != nil {
		return false, fmt.Errorf("claim job: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkSent transitions a processing job to sent, records the provider
// message id, and clears any previous error.
func (s *Store) MarkSent(ctx context.Context, id string, now time.Time, providerMessageID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE email_jobs
		SET status = $2, sent_at = $3, provider_message_id = $4, error = NULL, updated_at = $3
		WHERE id = $1 AND status = $5
	`, id, models.StatusSent, now, providerMessageID, models.StatusProcessing)
	return err
}

// Reschedule moves a failed processing job back to scheduled with an
// advanced send_at, one more attempt, and the failure reason.
func (s *Store) Reschedule(ctx context.Context, id string, nextSendAt time.Time, reason string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE email_jobs
		SET status = $2, send_at = $3, attempts = attempts + 1, error = $4,
		    processing_started_at = NULL, updated_at = NOW()
		WHERE id = $1
	`, id, models.StatusScheduled, nextSendAt, reason)
	return err
}

// MarkFailed moves a job to the terminal failed status. Only used when a
// max-attempts ceiling is configured.
func (s *Store) MarkFailed(ctx context.Context, id string, reason string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE email_jobs
		SET status = $2, attempts = attempts + 1, error = $3,
		    processing_started_at = NULL, updated_at = NOW()
		WHERE id = $1
	`, id, models.StatusFailed, reason)
	return err
}

// ReclaimStale resets jobs stuck in processing past the cutoff back to
// scheduled, using the same conditional-update pattern as Claim so a worker
// finishing late cannot clobber a reclaimed row twice. Returns reclaimed ids.
func (s *Store) ReclaimStale(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE email_jobs
		SET status = $1, processing_started_at = NULL, updated_at = NOW()
		WHERE id IN (
			SELECT id FROM email_jobs
			WHERE status = $2 AND processing_started_at < $3
			LIMIT $4
		) AND status = $2
		RETURNING id
	`, models.StatusScheduled, models.StatusProcessing, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("reclaim stale jobs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan reclaimed id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// RedistributeSendAt rewrites send_at for all still-scheduled jobs of a
// campaign in their current relative order, using the provided slot times.
// Called after a settings change to fit pending work into new windows.
// Returns the ids of the rewritten jobs.
func (s *Store) RedistributeSendAt(ctx context.Context, campaignID string, slots func() time.Time) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM email_jobs
		WHERE campaign_id = $1 AND status = $2
		ORDER BY send_at ASC
	`, campaignID, models.StatusScheduled)
	if err != nil {
		return nil, fmt.Errorf("query pending jobs: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan pending id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, id := range ids {
		if _, err := tx.Exec(ctx, `
			UPDATE email_jobs SET send_at = $2, updated_at = NOW()
			WHERE id = $1 AND status = $3
		`, id, slots(), models.StatusScheduled); err != nil {
			return nil, fmt.Errorf("redistribute job %s: %w", id, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return ids, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}
