package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"campaign-scheduler/internal/models"
)

// GetSettings returns the settings row for a campaign. A missing row yields
// ErrNotFound; callers decide whether absence means "unrestricted".
func (s *Store) GetSettings(ctx context.Context, campaignID string) (models.CampaignSettings, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT campaign_id, windows, throttle_per_minute, max_concurrent, paused, updated_at
		FROM campaign_settings WHERE campaign_id = $1
	`, campaignID)
	return scanSettings(row)
}

// ListSettings returns settings rows for the given campaigns, keyed by
// campaign id. Campaigns without a row are simply absent from the map.
func (s *Store) ListSettings(ctx context.Context, campaignIDs []string) (map[string]models.CampaignSettings, error) {
	out := make(map[string]models.CampaignSettings, len(campaignIDs))
	if len(campaignIDs) == 0 {
		return out, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT campaign_id, windows, throttle_per_minute, max_concurrent, paused, updated_at
		FROM campaign_settings WHERE campaign_id = ANY($1)
	`, campaignIDs)
	if err != nil {
		return nil, fmt.Errorf("query settings: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		st, err := scanSettings(rows)
		if err != nil {
			return nil, err
		}
		out[st.CampaignID] = st
	}
	return out, rows.Err()
}

// UpsertSettings writes the full policy row for a campaign.
func (s *Store) UpsertSettings(ctx context.Context, st models.CampaignSettings) (models.CampaignSettings, error) {
	windowsJSON, err := json.Marshal(st.Windows)
	if err != nil {
		return models.CampaignSettings{}, fmt.Errorf("marshal windows: %w", err)
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO campaign_settings (campaign_id, windows, throttle_per_minute, max_concurrent, paused, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (campaign_id) DO UPDATE
		SET windows = EXCLUDED.windows,
		    throttle_per_minute = EXCLUDED.throttle_per_minute,
		    max_concurrent = EXCLUDED.max_concurrent,
		    paused = EXCLUDED.paused,
		    updated_at = NOW()
		RETURNING campaign_id, windows, throttle_per_minute, max_concurrent, paused, updated_at
	`, st.CampaignID, windowsJSON, st.ThrottlePerMinute, st.MaxConcurrent, st.Paused)
	return scanSettings(row)
}

// SetPaused flips the pause flag with upsert semantics: the first pause on a
// campaign without a settings row creates one with unrestricted defaults.
func (s *Store) SetPaused(ctx context.Context, campaignID string, paused bool) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO campaign_settings (campaign_id, windows, throttle_per_minute, max_concurrent, paused, updated_at)
		VALUES ($1, '[]', 60, 50, $2, NOW())
		ON CONFLICT (campaign_id) DO UPDATE SET paused = EXCLUDED.paused, updated_at = NOW()
	`, campaignID, paused)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSettings(row rowScanner) (models.CampaignSettings, error) {
	var st models.CampaignSettings
	var windowsJSON []byte
	err := row.Scan(&st.CampaignID, &windowsJSON, &st.ThrottlePerMinute, &st.MaxConcurrent, &st.Paused, &st.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.CampaignSettings{}, ErrNotFound
	}
	if err != nil {
		return models.CampaignSettings{}, fmt.Errorf("scan settings: %w", err)
	}
	if len(windowsJSON) > 0 {
		if err := json.Unmarshal(windowsJSON, &st.Windows); err != nil {
			return models.CampaignSettings{}, fmt.Errorf("unmarshal windows: %w", err)
		}
	}
	return st, nil
}
