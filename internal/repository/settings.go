package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/septivank/packetmeter/internal/db"
)

// GetSettings returns the user's settings. A user without a row gets empty
// settings, which resolve to defaults.
func (r *Repository) GetSettings(ctx context.Context, userID uuid.UUID) (db.Settings, error) {
	query := `
		SELECT user_id, clear_reports_interval_days, email_reports_enabled, email_interval_days, updated_at
		FROM settings WHERE user_id = $1
	`
	var s db.Settings
	err := r.pool.QueryRow(ctx, query, userID).Scan(
		&s.UserID,
		&s.ClearReportsIntervalDays,
		&s.EmailReportsEnabled,
		&s.EmailIntervalDays,
		&s.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return db.Settings{UserID: userID}, nil
	}
	if err != nil {
		return db.Settings{}, fmt.Errorf("failed to query settings: %w", err)
	}
	return s, nil
}

// UpsertSettings writes the full settings row
func (r *Repository) UpsertSettings(ctx context.Context, s db.Settings) (db.Settings, error) {
	query := `
		INSERT INTO settings (user_id, clear_reports_interval_days, email_reports_enabled, email_interval_days, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id)
		DO UPDATE SET clear_reports_interval_days = EXCLUDED.clear_reports_interval_days,
		              email_reports_enabled = EXCLUDED.email_reports_enabled,
		              email_interval_days = EXCLUDED.email_interval_days,
		              updated_at = EXCLUDED.updated_at
	`
	s.UpdatedAt = r.now()
	_, err := r.pool.Exec(ctx, query, s.UserID, s.ClearReportsIntervalDays, s.EmailReportsEnabled, s.EmailIntervalDays, s.UpdatedAt)
	if err != nil {
		return db.Settings{}, fmt.Errorf("failed to upsert settings: %w", err)
	}
	return s, nil
}
