package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/septivank/packetmeter/internal/db"
)

// ActivePlanFeatures returns the features of the user's active subscription
// plan, or nil when there is none
func (r *Repository) ActivePlanFeatures(ctx context.Context, userID uuid.UUID) (*db.PlanFeatures, error) {
	query := `
		SELECT p.name, p.max_devices, p.max_clear_reports_interval_days, p.max_email_interval_days,
		       p.email_reports_enabled, p.report_granularity::text
		FROM subscriptions s
		JOIN plans p ON p.id = s.plan_id
		WHERE s.user_id = $1 AND s.status = 'active' AND p.is_active
		  AND (s.current_period_end IS NULL OR s.current_period_end > $2)
		LIMIT 1
	`
	var f db.PlanFeatures
	err := r.pool.QueryRow(ctx, query, userID, r.now()).Scan(
		&f.PlanName,
		&f.MaxDevices,
		&f.MaxClearReportsIntervalDays,
		&f.MaxEmailIntervalDays,
		&f.EmailReportsEnabled,
		&f.ReportGranularity,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query active plan: %w", err)
	}
	return &f, nil
}

// CreatePlan inserts a plan and returns its id
func (r *Repository) CreatePlan(ctx context.Context, f db.PlanFeatures) (uuid.UUID, error) {
	id := uuid.New()
	query := `
		INSERT INTO plans (id, name, max_devices, max_clear_reports_interval_days, max_email_interval_days,
		                   email_reports_enabled, report_granularity, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7::report_granularity, $8)
	`
	_, err := r.pool.Exec(ctx, query, id, f.PlanName, f.MaxDevices, f.MaxClearReportsIntervalDays,
		f.MaxEmailIntervalDays, f.EmailReportsEnabled, string(f.ReportGranularity), r.now())
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to create plan: %w", err)
	}
	return id, nil
}

// Subscribe makes planID the user's active plan, cancelling any previous one
func (r *Repository) Subscribe(ctx context.Context, userID, planID uuid.UUID) error {
	return r.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `UPDATE subscriptions SET status = 'canceled' WHERE user_id = $1 AND status = 'active'`, userID); err != nil {
			return fmt.Errorf("failed to cancel subscription: %w", err)
		}
		query := `
			INSERT INTO subscriptions (id, user_id, plan_id, status, created_at)
			VALUES ($1, $2, $3, 'active', $4)
		`
		if _, err := tx.Exec(ctx, query, uuid.New(), userID, planID, r.now()); err != nil {
			return fmt.Errorf("failed to create subscription: %w", err)
		}
		return nil
	})
}
