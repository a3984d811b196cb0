// Package retention deletes usage rows older than each user's effective
// retention period.
package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/coder/quartz"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/septivank/packetmeter/internal/db"
	"github.com/septivank/packetmeter/internal/metrics"
	"github.com/septivank/packetmeter/internal/plan"
	"github.com/septivank/packetmeter/internal/timezone"
)

// Directory lists users and what they own.
type Directory interface {
	ListUsers(ctx context.Context) ([]db.User, error)
	GetSettings(ctx context.Context, userID uuid.UUID) (db.Settings, error)
	ListDevicesForUser(ctx context.Context, userID uuid.UUID) ([]db.Device, error)
}

// FeatureSource returns the plan features that apply to a user.
type FeatureSource interface {
	Features(ctx context.Context, userID uuid.UUID) (db.PlanFeatures, error)
}

// Pruner deletes a device's rows older than cutoff.
type Pruner interface {
	DeleteOlderThan(ctx context.Context, deviceID uuid.UUID, cutoff time.Time) (int64, error)
}

// Result summarizes one sweep
type Result struct {
	TotalUsers     int   `json:"totalUsers"`
	ProcessedUsers int   `json:"processedUsers"`
	SkippedUsers   int   `json:"skippedUsers"`
	DeletedRecords int64 `json:"deletedRecords"`
}

// Outcome is what happened to one user during a sweep
type Outcome string

const (
	OutcomeCleaned   Outcome = "cleaned"
	OutcomeUnlimited Outcome = "unlimited"
	OutcomeNoDevices Outcome = "no_devices"
	OutcomeFailed    Outcome = "failed"
)

// Enforcer runs retention sweeps. It holds no state between sweeps, so a
// manual sweep may overlap a scheduled one.
type Enforcer struct {
	dir      Directory
	features FeatureSource
	pruner   Pruner
	clock    quartz.Clock
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// NewEnforcer creates a new retention enforcer
func NewEnforcer(dir Directory, features FeatureSource, pruner Pruner, clock quartz.Clock, m *metrics.Metrics, logger *zap.Logger) *Enforcer {
	return &Enforcer{
		dir:      dir,
		features: features,
		pruner:   pruner,
		clock:    clock,
		metrics:  m,
		logger:   logger,
	}
}

// Sweep visits every user. Each user is its own unit of work: a failure is
// logged and counted as skipped, and the sweep moves on. Cancelling ctx
// stops the sweep between users; the user in flight is finished.
func (e *Enforcer) Sweep(ctx context.Context, trigger string) (Result, error) {
	start := e.clock.Now()
	e.metrics.RetentionRuns.WithLabelValues(trigger).Inc()
	defer func() {
		e.metrics.JobDuration.WithLabelValues("retention").Observe(e.clock.Since(start).Seconds())
	}()

	users, err := e.dir.ListUsers(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("failed to list users: %w", err)
	}

	result := Result{TotalUsers: len(users)}
	e.logger.Info("retention sweep started", zap.String("trigger", trigger), zap.Int("users", len(users)))

	for _, user := range users {
		if err := ctx.Err(); err != nil {
			e.logger.Warn("retention sweep interrupted", zap.Error(err), zap.Int("remaining", result.TotalUsers-result.ProcessedUsers-result.SkippedUsers))
			return result, err
		}

		outcome, deleted, err := e.sweepUser(context.WithoutCancel(ctx), user)
		e.metrics.RetentionUsers.WithLabelValues(string(outcome)).Inc()
		log := e.logger.With(zap.String("user_id", user.ID.String()), zap.String("outcome", string(outcome)))
		switch outcome {
		case OutcomeCleaned:
			result.ProcessedUsers++
			result.DeletedRecords += deleted
			e.metrics.RetentionDeleted.Add(float64(deleted))
			log.Debug("user cleaned", zap.Int64("deleted", deleted))
		case OutcomeFailed:
			result.SkippedUsers++
			result.DeletedRecords += deleted
			log.Error("failed to clean user", zap.Error(err), zap.Int64("deleted_before_failure", deleted))
		default:
			result.SkippedUsers++
			log.Debug("user skipped")
		}
	}

	e.logger.Info("retention sweep finished",
		zap.String("trigger", trigger),
		zap.Int("total_users", result.TotalUsers),
		zap.Int("processed_users", result.ProcessedUsers),
		zap.Int("skipped_users", result.SkippedUsers),
		zap.Int64("deleted_records", result.DeletedRecords),
	)
	return result, nil
}

func (e *Enforcer) sweepUser(ctx context.Context, user db.User) (Outcome, int64, error) {
	settings, err := e.dir.GetSettings(ctx, user.ID)
	if err != nil {
		return OutcomeFailed, 0, err
	}
	features, err := e.features.Features(ctx, user.ID)
	if err != nil {
		return OutcomeFailed, 0, err
	}

	days := plan.ResolveRetentionDays(settings, features)
	if days == plan.Unlimited {
		return OutcomeUnlimited, 0, nil
	}

	devices, err := e.dir.ListDevicesForUser(ctx, user.ID)
	if err != nil {
		return OutcomeFailed, 0, err
	}
	if len(devices) == 0 {
		return OutcomeNoDevices, 0, nil
	}

	cutoff := timezone.RetentionCutoff(e.clock.Now(), days)
	var deleted int64
	for _, d := range devices {
		n, err := e.pruner.DeleteOlderThan(ctx, d.ID, cutoff)
		if err != nil {
			return OutcomeFailed, deleted, fmt.Errorf("device %s: %w", d.ID, err)
		}
		deleted += n
	}
	return OutcomeCleaned, deleted, nil
}
