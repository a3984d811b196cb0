// Package ledger is the hour-bucketed usage store. Every write replaces the
// totals of its (device, app, hour) row, so resending a report is harmless.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/coder/quartz"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/septivank/packetmeter/internal/apperr"
	"github.com/septivank/packetmeter/internal/bytecount"
	"github.com/septivank/packetmeter/internal/db"
	"github.com/septivank/packetmeter/internal/metrics"
	"github.com/septivank/packetmeter/internal/timezone"
	"github.com/septivank/packetmeter/internal/tokenauth"
	"github.com/septivank/packetmeter/internal/validator"
)

// Store is the persistence behind the ledger. Implementations must enforce
// the (device, app, hour) uniqueness and write each call atomically.
type Store interface {
	UpsertHourlyUsage(ctx context.Context, deviceID uuid.UUID, hour time.Time, entries []db.UsageEntry) (int, error)
	UpsertHourlyTotal(ctx context.Context, deviceID uuid.UUID, hour time.Time, totalRx, totalTx bytecount.Count) error
	UpsertAppMetadata(ctx context.Context, deviceID uuid.UUID, apps []db.AppMetadata) (int, error)
	ListUsage(ctx context.Context, deviceID uuid.UUID, from, to time.Time) ([]db.UsageRecord, error)
	// ListRecentUsage returns the rows of the latest hours with data in
	// [from, to), at most hours of them, hour ascending.
	ListRecentUsage(ctx context.Context, deviceID uuid.UUID, from, to time.Time, hours int) ([]db.UsageRecord, error)
	SummarizeUsage(ctx context.Context, deviceID uuid.UUID, from, to time.Time) (db.UsageSummary, error)
	DeleteUsageBefore(ctx context.Context, deviceID uuid.UUID, cutoff time.Time) (int64, error)
}

// FeatureSource returns the plan features that apply to a user.
type FeatureSource interface {
	Features(ctx context.Context, userID uuid.UUID) (db.PlanFeatures, error)
}

// Ledger validates and applies device reports
type Ledger struct {
	store     Store
	features  FeatureSource
	validator *validator.Validator
	clock     quartz.Clock
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// New creates a new ledger
func New(store Store, features FeatureSource, v *validator.Validator, clock quartz.Clock, m *metrics.Metrics, logger *zap.Logger) *Ledger {
	return &Ledger{
		store:     store,
		features:  features,
		validator: v,
		clock:     clock,
		metrics:   m,
		logger:    logger,
	}
}

// UpsertReport applies a per-app report. Nothing is written unless the
// whole report is valid. When the owner's plan only keeps totals, the apps
// are summed into the aggregate bucket instead.
func (l *Ledger) UpsertReport(ctx context.Context, device *db.Device, report validator.UsageReport) (int, error) {
	if err := tokenauth.RequireActivated(device); err != nil {
		return 0, l.reject(err)
	}
	v, err := l.validator.ValidateUsageReport(report, l.clock.Now())
	if err != nil {
		return 0, l.reject(err)
	}

	features, err := l.features.Features(ctx, device.UserID)
	if err != nil {
		return 0, err
	}

	log := l.logger.With(
		zap.String("device_id", device.ID.String()),
		zap.Time("hour", v.Hour),
		zap.Int("apps", len(v.Entries)),
	)

	if features.ReportGranularity == db.GranularityTotal {
		rx, tx := sumEntries(v.Entries)
		if err := l.store.UpsertHourlyTotal(ctx, device.ID, v.Hour, rx, tx); err != nil {
			return 0, fmt.Errorf("failed to store collapsed report: %w", err)
		}
		l.metrics.ReportsReceived.WithLabelValues("per_process_collapsed").Inc()
		l.metrics.RecordsApplied.Inc()
		log.Debug("per-app report collapsed into aggregate", zap.String("plan", features.PlanName))
		return 1, nil
	}

	applied, err := l.store.UpsertHourlyUsage(ctx, device.ID, v.Hour, v.Entries)
	if err != nil {
		return 0, fmt.Errorf("failed to store report: %w", err)
	}
	l.metrics.ReportsReceived.WithLabelValues("per_process").Inc()
	l.metrics.RecordsApplied.Add(float64(applied))
	log.Debug("usage report applied", zap.Int("applied", applied))
	return applied, nil
}

// UpsertTotal applies a device-wide total for an hour. The aggregate bucket
// absorbs whatever the tracked apps of that hour do not account for.
func (l *Ledger) UpsertTotal(ctx context.Context, device *db.Device, report validator.TotalUsageReport) error {
	if err := tokenauth.RequireActivated(device); err != nil {
		return l.reject(err)
	}
	v, err := l.validator.ValidateTotalReport(report, l.clock.Now())
	if err != nil {
		return l.reject(err)
	}
	if err := l.store.UpsertHourlyTotal(ctx, device.ID, v.Hour, v.TotalRx, v.TotalTx); err != nil {
		return fmt.Errorf("failed to store total report: %w", err)
	}
	l.metrics.ReportsReceived.WithLabelValues("total").Inc()
	l.metrics.RecordsApplied.Inc()
	return nil
}

// RegisterApps stores display metadata. Pending devices may register apps so
// names are ready when the owner approves them.
func (l *Ledger) RegisterApps(ctx context.Context, device *db.Device, req validator.RegisterAppsRequest) (int, error) {
	apps, err := l.validator.ValidateRegistration(req)
	if err != nil {
		return 0, l.reject(err)
	}
	n, err := l.store.UpsertAppMetadata(ctx, device.ID, apps)
	if err != nil {
		return 0, fmt.Errorf("failed to register apps: %w", err)
	}
	l.metrics.AppsRegistered.Add(float64(n))
	return n, nil
}

// QueryRange returns a device's rows in [from, to), hour ascending.
func (l *Ledger) QueryRange(ctx context.Context, deviceID uuid.UUID, from, to time.Time) ([]db.UsageRecord, error) {
	if !from.Before(to) {
		return nil, apperr.Validation("range start %s is not before end %s", from.Format(time.RFC3339), to.Format(time.RFC3339))
	}
	return l.store.ListUsage(ctx, deviceID, from.UTC(), to.UTC())
}

// HourlyTotals groups a range into hours with per-app rows. When limit is
// positive only the most recent limit hours are returned.
func (l *Ledger) HourlyTotals(ctx context.Context, deviceID uuid.UUID, r timezone.Range, limit int) ([]db.HourlyUsage, error) {
	if limit <= 0 {
		records, err := l.QueryRange(ctx, deviceID, r.Start, r.End)
		if err != nil {
			return nil, err
		}
		return GroupByHour(records), nil
	}
	if !r.Start.Before(r.End) {
		return nil, apperr.Validation("range start %s is not before end %s", r.Start.Format(time.RFC3339), r.End.Format(time.RFC3339))
	}
	records, err := l.store.ListRecentUsage(ctx, deviceID, r.Start.UTC(), r.End.UTC(), limit)
	if err != nil {
		return nil, err
	}
	return GroupByHour(records), nil
}

// Summarize sums a device's usage over r.
func (l *Ledger) Summarize(ctx context.Context, deviceID uuid.UUID, r timezone.Range) (db.UsageSummary, error) {
	return l.store.SummarizeUsage(ctx, deviceID, r.Start, r.End)
}

// DeleteOlderThan drops a device's rows whose hour is before cutoff.
func (l *Ledger) DeleteOlderThan(ctx context.Context, deviceID uuid.UUID, cutoff time.Time) (int64, error) {
	return l.store.DeleteUsageBefore(ctx, deviceID, cutoff.UTC())
}

func (l *Ledger) reject(err error) error {
	l.metrics.ReportsRejected.WithLabelValues(apperr.Code(err)).Inc()
	return err
}

// GroupByHour folds ordered rows into per-hour totals.
func GroupByHour(records []db.UsageRecord) []db.HourlyUsage {
	var out []db.HourlyUsage
	for _, rec := range records {
		if n := len(out); n == 0 || !out[n-1].HourUTC.Equal(rec.HourUTC) {
			out = append(out, db.HourlyUsage{HourUTC: rec.HourUTC})
		}
		h := &out[len(out)-1]
		h.TotalRx = h.TotalRx.Add(rec.TotalRx)
		h.TotalTx = h.TotalTx.Add(rec.TotalTx)
		h.Apps = append(h.Apps, rec)
	}
	return out
}

func sumEntries(entries []db.UsageEntry) (bytecount.Count, bytecount.Count) {
	var rx, tx bytecount.Count
	for _, e := range entries {
		rx = rx.Add(e.TotalRx)
		tx = tx.Add(e.TotalTx)
	}
	return rx, tx
}
