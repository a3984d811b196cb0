package ledger_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/septivank/packetmeter/internal/apperr"
	"github.com/septivank/packetmeter/internal/bytecount"
	"github.com/septivank/packetmeter/internal/db"
	"github.com/septivank/packetmeter/internal/ledger"
	"github.com/septivank/packetmeter/internal/ledger/ledgertest"
	"github.com/septivank/packetmeter/internal/metrics"
	"github.com/septivank/packetmeter/internal/timezone"
	"github.com/septivank/packetmeter/internal/validator"
)

var now = time.Date(2024, 1, 15, 14, 30, 0, 0, time.UTC)

type staticFeatures db.PlanFeatures

func (f staticFeatures) Features(context.Context, uuid.UUID) (db.PlanFeatures, error) {
	return db.PlanFeatures(f), nil
}

var perProcess = staticFeatures{PlanName: "pro", ReportGranularity: db.GranularityPerProcess}

type fixture struct {
	store  *ledgertest.Store
	ledger *ledger.Ledger
	device *db.Device
}

func newFixture(t *testing.T, features ledger.FeatureSource) fixture {
	t.Helper()
	clock := quartz.NewMock(t)
	clock.Set(now)
	store := ledgertest.NewStore()
	l := ledger.New(store, features, validator.NewValidator(10*time.Minute, 30*24*time.Hour), clock, metrics.New(prometheus.NewRegistry()), zap.NewNop())
	return fixture{
		store:  store,
		ledger: l,
		device: &db.Device{ID: uuid.New(), UserID: uuid.New(), IsActivated: true},
	}
}

func report(ts string, apps ...validator.AppUsage) validator.UsageReport {
	return validator.UsageReport{Timestamp: ts, Date: ts[:10], Apps: apps}
}

func app(id string, rx, tx uint64) validator.AppUsage {
	return validator.AppUsage{Identifier: id, TotalRx: bytecount.FromUint64(rx), TotalTx: bytecount.FromUint64(tx)}
}

func usageRows(rows []db.UsageRecord) []db.UsageRecord {
	var out []db.UsageRecord
	for _, r := range rows {
		if r.Identifier != db.AggregateIdentifier {
			out = append(out, r)
		}
	}
	return out
}

func TestUpsertReportIsIdempotent(t *testing.T) {
	f := newFixture(t, perProcess)
	ctx := context.Background()
	r := report("2024-01-15T12:10:00Z", app("firefox", 100, 20))

	for i := 0; i < 2; i++ {
		n, err := f.ledger.UpsertReport(ctx, f.device, r)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	}

	rows := usageRows(f.store.Rows(f.device.ID))
	require.Len(t, rows, 1)
	assert.Equal(t, "100", rows[0].TotalRx.String())
	assert.Equal(t, "20", rows[0].TotalTx.String())

	// last write wins
	_, err := f.ledger.UpsertReport(ctx, f.device, report("2024-01-15T12:40:00Z", app("firefox", 250, 30)))
	require.NoError(t, err)
	rows = usageRows(f.store.Rows(f.device.ID))
	require.Len(t, rows, 1)
	assert.Equal(t, "250", rows[0].TotalRx.String())
}

func TestUpsertReportFloorsToHour(t *testing.T) {
	f := newFixture(t, perProcess)
	ctx := context.Background()

	for _, ts := range []string{"2024-01-15T12:00:00Z", "2024-01-15T12:59:59Z", "2024-01-15T13:00:00Z"} {
		_, err := f.ledger.UpsertReport(ctx, f.device, report(ts, app("chrome", 1, 1)))
		require.NoError(t, err)
	}

	rows := usageRows(f.store.Rows(f.device.ID))
	require.Len(t, rows, 2)
	assert.Equal(t, time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC), rows[0].HourUTC)
	assert.Equal(t, time.Date(2024, 1, 15, 13, 0, 0, 0, time.UTC), rows[1].HourUTC)
}

func TestUpsertReportGatesActivation(t *testing.T) {
	f := newFixture(t, perProcess)
	ctx := context.Background()
	f.device.IsActivated = false
	r := report("2024-01-15T12:10:00Z", app("firefox", 1, 1))

	_, err := f.ledger.UpsertReport(ctx, f.device, r)
	assert.ErrorIs(t, err, apperr.ErrDeviceNotActivated)
	assert.Empty(t, f.store.Rows(f.device.ID))

	f.device.IsActivated = true
	_, err = f.ledger.UpsertReport(ctx, f.device, r)
	require.NoError(t, err)
	assert.Len(t, usageRows(f.store.Rows(f.device.ID)), 1)
}

func TestUpsertReportRejectsMalformedWithoutPartialApply(t *testing.T) {
	f := newFixture(t, perProcess)
	ctx := context.Background()

	_, err := f.ledger.UpsertReport(ctx, f.device, validator.UsageReport{
		Timestamp: "not-a-time",
		Apps:      []validator.AppUsage{app("a", 1, 1), app("b", 2, 2)},
	})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = f.ledger.UpsertReport(ctx, f.device, report("2024-01-15T12:10:00Z", app("a", 1, 1), app("a", 2, 2)))
	assert.ErrorIs(t, err, apperr.ErrValidation)

	assert.Empty(t, f.store.Rows(f.device.ID))
}

func TestUpsertReportKeepsZeroUsageAndLeavesOthersAlone(t *testing.T) {
	f := newFixture(t, perProcess)
	ctx := context.Background()

	_, err := f.ledger.UpsertReport(ctx, f.device, report("2024-01-15T12:05:00Z", app("a", 10, 1), app("b", 20, 2)))
	require.NoError(t, err)
	_, err = f.ledger.UpsertReport(ctx, f.device, report("2024-01-15T12:35:00Z", app("a", 0, 0)))
	require.NoError(t, err)

	rows := usageRows(f.store.Rows(f.device.ID))
	require.Len(t, rows, 2)
	assert.True(t, rows[0].TotalRx.IsZero(), "zero-usage app is upserted")
	assert.Equal(t, "20", rows[1].TotalRx.String(), "absent app is untouched")

	assert.NotNil(t, f.store.App(f.device.ID, db.AggregateIdentifier))
}

func TestUpsertTotalFillsAggregateGap(t *testing.T) {
	f := newFixture(t, perProcess)
	ctx := context.Background()

	_, err := f.ledger.UpsertReport(ctx, f.device, report("2024-01-15T12:05:00Z", app("a", 30, 5), app("b", 20, 5)))
	require.NoError(t, err)

	total := validator.TotalUsageReport{Timestamp: "2024-01-15T12:50:00Z", TotalRx: bytecount.FromUint64(80), TotalTx: bytecount.FromUint64(4)}
	require.NoError(t, f.ledger.UpsertTotal(ctx, f.device, total))
	require.NoError(t, f.ledger.UpsertTotal(ctx, f.device, total))

	hour := timezone.Range{Start: time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC), End: time.Date(2024, 1, 15, 13, 0, 0, 0, time.UTC)}
	sum, err := f.ledger.Summarize(ctx, f.device.ID, hour)
	require.NoError(t, err)
	assert.Equal(t, "80", sum.TotalRx.String())
	// aggregate never goes negative
	assert.Equal(t, "10", sum.TotalTx.String())
}

func TestUpsertReportCollapsesForTotalPlans(t *testing.T) {
	f := newFixture(t, staticFeatures{PlanName: "free", ReportGranularity: db.GranularityTotal})
	ctx := context.Background()

	n, err := f.ledger.UpsertReport(ctx, f.device, report("2024-01-15T12:05:00Z", app("a", 30, 5), app("b", 20, 5)))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rows := f.store.Rows(f.device.ID)
	require.Len(t, rows, 1)
	assert.Equal(t, db.AggregateIdentifier, rows[0].Identifier)
	assert.Equal(t, "50", rows[0].TotalRx.String())
	assert.Equal(t, "10", rows[0].TotalTx.String())
}

func TestConcurrentSameKeyUpsertsKeepOneRow(t *testing.T) {
	f := newFixture(t, perProcess)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.ledger.UpsertReport(ctx, f.device, report(fmt.Sprintf("2024-01-15T12:%02d:00Z", i), app("a", uint64(i), 0)))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Len(t, usageRows(f.store.Rows(f.device.ID)), 1)
}

func TestRegisterApps(t *testing.T) {
	f := newFixture(t, perProcess)
	ctx := context.Background()
	name := "Firefox"
	f.device.IsActivated = false

	n, err := f.ledger.RegisterApps(ctx, f.device, validator.RegisterAppsRequest{Apps: []validator.AppRegistration{{Identifier: "firefox", DisplayName: &name}}})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.NotNil(t, f.store.App(f.device.ID, "firefox"))
	assert.Equal(t, "Firefox", *f.store.App(f.device.ID, "firefox").DisplayName)
}

func TestQueryRangeAndHourlyTotals(t *testing.T) {
	f := newFixture(t, perProcess)
	ctx := context.Background()
	base := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	for h := 0; h < 5; h++ {
		f.store.Seed(f.device.ID, "a", base.Add(time.Duration(h)*time.Hour), 10, 1)
		f.store.Seed(f.device.ID, "b", base.Add(time.Duration(h)*time.Hour), 5, 1)
	}

	rows, err := f.ledger.QueryRange(ctx, f.device.ID, base.Add(time.Hour), base.Add(3*time.Hour))
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.True(t, rows[0].HourUTC.Before(rows[3].HourUTC))

	_, err = f.ledger.QueryRange(ctx, f.device.ID, base, base)
	assert.ErrorIs(t, err, apperr.ErrValidation)

	hours, err := f.ledger.HourlyTotals(ctx, f.device.ID, timezone.Range{Start: base, End: base.Add(24 * time.Hour)}, 2)
	require.NoError(t, err)
	require.Len(t, hours, 2)
	assert.Equal(t, base.Add(3*time.Hour), hours[0].HourUTC)
	assert.Equal(t, "15", hours[1].TotalRx.String())
	assert.Len(t, hours[1].Apps, 2)
}

// countingStore records how many rows the ledger pulls from the store.
type countingStore struct {
	*ledgertest.Store
	mu   sync.Mutex
	read int
}

func (c *countingStore) ListUsage(ctx context.Context, deviceID uuid.UUID, from, to time.Time) ([]db.UsageRecord, error) {
	rows, err := c.Store.ListUsage(ctx, deviceID, from, to)
	c.add(len(rows))
	return rows, err
}

func (c *countingStore) ListRecentUsage(ctx context.Context, deviceID uuid.UUID, from, to time.Time, hours int) ([]db.UsageRecord, error) {
	rows, err := c.Store.ListRecentUsage(ctx, deviceID, from, to, hours)
	c.add(len(rows))
	return rows, err
}

func (c *countingStore) add(n int) {
	c.mu.Lock()
	c.read += n
	c.mu.Unlock()
}

func TestHourlyTotalsReadsOnlyTheNewestHours(t *testing.T) {
	clock := quartz.NewMock(t)
	clock.Set(now)
	store := &countingStore{Store: ledgertest.NewStore()}
	l := ledger.New(store, perProcess, validator.NewValidator(10*time.Minute, 0), clock, metrics.New(prometheus.NewRegistry()), zap.NewNop())
	device := uuid.New()

	start := now.Add(-365 * 24 * time.Hour).Truncate(time.Hour)
	for h := start; h.Before(now); h = h.Add(time.Hour) {
		store.Seed(device, "a", h, 1, 1)
		store.Seed(device, "b", h, 2, 1)
	}

	hours, err := l.HourlyTotals(context.Background(), device, timezone.Range{Start: time.Unix(0, 0).UTC(), End: now.Add(24 * time.Hour)}, 1)
	require.NoError(t, err)
	require.Len(t, hours, 1)
	assert.Equal(t, timezone.FloorToUTCHour(now), hours[0].HourUTC)
	assert.Equal(t, "3", hours[0].TotalRx.String())
	assert.Equal(t, 2, store.read)

	store.read = 0
	hours, err = l.HourlyTotals(context.Background(), device, timezone.Range{Start: start, End: start.Add(48 * time.Hour)}, 3)
	require.NoError(t, err)
	require.Len(t, hours, 3)
	assert.Equal(t, start.Add(45*time.Hour), hours[0].HourUTC)
	assert.Equal(t, 6, store.read)
}

func TestDeleteOlderThan(t *testing.T) {
	f := newFixture(t, perProcess)
	ctx := context.Background()
	for _, days := range []int{6, 7, 8} {
		f.store.Seed(f.device.ID, "a", now.Add(-time.Duration(days)*24*time.Hour), 1, 1)
	}

	n, err := f.ledger.DeleteOlderThan(ctx, f.device.ID, timezone.RetentionCutoff(now, 7))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Len(t, f.store.Rows(f.device.ID), 2)
}
