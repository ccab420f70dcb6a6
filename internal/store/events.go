package store

import (
	"context"
	"encoding/json"
	"fmt"

	"campaign-scheduler/internal/models"
)

// AppendEvent inserts one audit row. Events are append-only and never
// mutated; they are the forensic trail for retries and support.
func (s *Store) AppendEvent(ctx context.Context, jobID, eventType string, meta map[string]any) error {
	if meta == nil {
		meta = map[string]any{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal event meta: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO email_events (job_id, type, meta, ts)
		VALUES ($1, $2, $3, NOW())
	`, jobID, eventType, metaJSON)
	return err
}

// ListEvents returns a job's audit trail, oldest first.
func (s *Store) ListEvents(ctx context.Context, jobID string) ([]models.EmailEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, job_id, type, meta, ts FROM email_events
		WHERE job_id = $1 ORDER BY id ASC
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []models.EmailEvent
	for rows.Next() {
		var ev models.EmailEvent
		var metaJSON []byte
		if err := rows.Scan(&ev.ID, &ev.JobID, &ev.Type, &metaJSON, &ev.TS); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if len(metaJSON) > 0 {
			if err := json.Unmarshal(metaJSON, &ev.Meta); err != nil {
				return nil, fmt.Errorf("unmarshal event meta: %w", err)
			}
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
