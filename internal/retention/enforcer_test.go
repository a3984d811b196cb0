package retention_test

import (
	"context"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/septivank/packetmeter/internal/db"
	"github.com/septivank/packetmeter/internal/ledger"
	"github.com/septivank/packetmeter/internal/ledger/ledgertest"
	"github.com/septivank/packetmeter/internal/metrics"
	"github.com/septivank/packetmeter/internal/plan"
	"github.com/septivank/packetmeter/internal/retention"
	"github.com/septivank/packetmeter/internal/validator"
)

var now = time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC)

func ptr[T any](v T) *T { return &v }

type fixture struct {
	dir      *ledgertest.Directory
	store    *ledgertest.Store
	enforcer *retention.Enforcer
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	clock := quartz.NewMock(t)
	clock.Set(now)
	dir := ledgertest.NewDirectory()
	store := ledgertest.NewStore()
	resolver := plan.NewResolver(dir)
	m := metrics.New(prometheus.NewRegistry())
	l := ledger.New(store, resolver, validator.NewValidator(time.Minute, 0), clock, m, zap.NewNop())
	return fixture{
		dir:      dir,
		store:    store,
		enforcer: retention.NewEnforcer(dir, resolver, l, clock, m, zap.NewNop()),
	}
}

func (f fixture) seedAges(device db.Device, days ...int) {
	for _, d := range days {
		f.store.Seed(device.ID, "app", now.Add(-time.Duration(d)*24*time.Hour), 1, 1)
	}
}

func TestSweepDeletesOnlyRowsOlderThanCutoff(t *testing.T) {
	f := newFixture(t)
	user := f.dir.AddUser("alice", "UTC", db.Settings{ClearReportsIntervalDays: ptr(7)})
	f.dir.SetPlan(user.ID, db.PlanFeatures{PlanName: "pro", MaxClearReportsIntervalDays: ptr(30)})
	device := f.dir.AddDevice(user.ID, "laptop")
	f.seedAges(device, 6, 7, 8)

	result, err := f.enforcer.Sweep(context.Background(), "manual")
	require.NoError(t, err)
	assert.Equal(t, retention.Result{TotalUsers: 1, ProcessedUsers: 1, SkippedUsers: 0, DeletedRecords: 1}, result)

	rows := f.store.Rows(device.ID)
	require.Len(t, rows, 2)
	assert.Equal(t, now.Add(-7*24*time.Hour), rows[0].HourUTC)

	// idempotent
	result, err = f.enforcer.Sweep(context.Background(), "manual")
	require.NoError(t, err)
	assert.Zero(t, result.DeletedRecords)
}

func TestSweepClampsToPlanCeiling(t *testing.T) {
	f := newFixture(t)
	user := f.dir.AddUser("bob", "UTC", db.Settings{ClearReportsIntervalDays: ptr(30)})
	f.dir.SetPlan(user.ID, db.PlanFeatures{PlanName: "basic", MaxClearReportsIntervalDays: ptr(7)})
	device := f.dir.AddDevice(user.ID, "phone")
	f.seedAges(device, 6, 8, 20)

	result, err := f.enforcer.Sweep(context.Background(), "scheduled")
	require.NoError(t, err)
	assert.Equal(t, int64(2), result.DeletedRecords)
}

func TestSweepUnlimitedRequestDeniedByPlan(t *testing.T) {
	f := newFixture(t)
	user := f.dir.AddUser("carol", "UTC", db.Settings{ClearReportsIntervalDays: ptr(-1)})
	f.dir.SetPlan(user.ID, db.PlanFeatures{PlanName: "basic", MaxClearReportsIntervalDays: ptr(7)})
	device := f.dir.AddDevice(user.ID, "phone")
	f.seedAges(device, 8)

	result, err := f.enforcer.Sweep(context.Background(), "scheduled")
	require.NoError(t, err)
	assert.Equal(t, 1, result.ProcessedUsers)
	assert.Equal(t, int64(1), result.DeletedRecords)
}

func TestSweepSkipsUnlimitedAndDeviceless(t *testing.T) {
	f := newFixture(t)
	unlimited := f.dir.AddUser("dave", "UTC", db.Settings{ClearReportsIntervalDays: ptr(-1)})
	f.dir.SetPlan(unlimited.ID, db.PlanFeatures{PlanName: "max", MaxClearReportsIntervalDays: ptr(-1)})
	device := f.dir.AddDevice(unlimited.ID, "server")
	f.seedAges(device, 400)

	f.dir.AddUser("erin", "UTC", db.Settings{})

	result, err := f.enforcer.Sweep(context.Background(), "scheduled")
	require.NoError(t, err)
	assert.Equal(t, retention.Result{TotalUsers: 2, ProcessedUsers: 0, SkippedUsers: 2}, result)
	assert.Len(t, f.store.Rows(device.ID), 1)
}

func TestSweepContinuesPastFailingUser(t *testing.T) {
	f := newFixture(t)
	broken := f.dir.AddUser("frank", "UTC", db.Settings{})
	brokenDevice := f.dir.AddDevice(broken.ID, "pc")
	f.store.FailDelete[brokenDevice.ID] = ledgertest.ErrInjected

	other := f.dir.AddUser("grace", "UTC", db.Settings{})
	otherDevice := f.dir.AddDevice(other.ID, "pc")
	f.seedAges(otherDevice, 3)

	missingSettings := f.dir.AddUser("heidi", "UTC", db.Settings{})
	f.dir.FailSettings[missingSettings.ID] = ledgertest.ErrInjected

	result, err := f.enforcer.Sweep(context.Background(), "scheduled")
	require.NoError(t, err)
	assert.Equal(t, 3, result.TotalUsers)
	assert.Equal(t, 1, result.ProcessedUsers)
	assert.Equal(t, 2, result.SkippedUsers)
	// free plan: one day
	assert.Equal(t, int64(1), result.DeletedRecords)
}

func TestSweepStopsBetweenUsersWhenCancelled(t *testing.T) {
	f := newFixture(t)
	f.dir.AddUser("ivan", "UTC", db.Settings{})
	f.dir.AddUser("judy", "UTC", db.Settings{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := f.enforcer.Sweep(ctx, "scheduled")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 2, result.TotalUsers)
	assert.Zero(t, result.ProcessedUsers+result.SkippedUsers)
}
