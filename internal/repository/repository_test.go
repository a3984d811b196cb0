package repository_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/septivank/packetmeter/internal/apperr"
	"github.com/septivank/packetmeter/internal/bytecount"
	"github.com/septivank/packetmeter/internal/db"
	"github.com/septivank/packetmeter/internal/repository"
)

// newTestRepository connects to TEST_DATABASE_URL, migrating it first.
func newTestRepository(t *testing.T) *repository.Repository {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	_, err := db.Migrate(url)
	require.NoError(t, err)

	pool, err := pgxpool.New(context.Background(), url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return repository.NewRepository(pool)
}

func seedDevice(t *testing.T, repo *repository.Repository) (*db.User, *db.Device) {
	t.Helper()
	ctx := context.Background()
	suffix := uuid.NewString()[:8]
	user := &db.User{Username: "user-" + suffix, Email: suffix + "@example.com", Timezone: "UTC"}
	require.NoError(t, repo.CreateUser(ctx, user))

	lookup := "lk" + suffix
	device := &db.Device{UserID: user.ID, Name: "laptop", TokenLookup: &lookup, TokenHash: "hash", IsActivated: true}
	require.NoError(t, repo.CreateDevice(ctx, device))
	return user, device
}

func count(v uint64) bytecount.Count { return bytecount.FromUint64(v) }

func TestUpsertHourlyUsageIsIdempotent(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	_, device := seedDevice(t, repo)
	hour := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	entries := []db.UsageEntry{{Identifier: "org.mozilla.firefox", TotalRx: count(100), TotalTx: count(10)}}
	n, err := repo.UpsertHourlyUsage(ctx, device.ID, hour, entries)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	entries[0].TotalRx = count(150)
	_, err = repo.UpsertHourlyUsage(ctx, device.ID, hour, entries)
	require.NoError(t, err)

	rows, err := repo.ListUsage(ctx, device.ID, hour, hour.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "150", rows[0].TotalRx.String())

	apps, err := repo.ListApps(ctx, device.ID)
	require.NoError(t, err)
	identifiers := []string{}
	for _, a := range apps {
		identifiers = append(identifiers, a.Identifier)
	}
	assert.ElementsMatch(t, []string{db.AggregateIdentifier, "org.mozilla.firefox"}, identifiers)
}

func TestUpsertHourlyTotalFillsAggregateGap(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	_, device := seedDevice(t, repo)
	hour := time.Date(2024, 5, 1, 13, 0, 0, 0, time.UTC)

	_, err := repo.UpsertHourlyUsage(ctx, device.ID, hour, []db.UsageEntry{{Identifier: "app", TotalRx: count(40), TotalTx: count(5)}})
	require.NoError(t, err)
	require.NoError(t, repo.UpsertHourlyTotal(ctx, device.ID, hour, count(100), count(3)))

	summary, err := repo.SummarizeUsage(ctx, device.ID, hour, hour.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, "100", summary.TotalRx.String())
	// tracked apps already exceed the reported tx total
	assert.Equal(t, "5", summary.TotalTx.String())
}

func TestUsageBeyondInt64(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	_, device := seedDevice(t, repo)
	hour := time.Date(2024, 5, 1, 14, 0, 0, 0, time.UTC)
	huge := bytecount.MustParse("123456789012345678901234567890")

	_, err := repo.UpsertHourlyUsage(ctx, device.ID, hour, []db.UsageEntry{{Identifier: "big", TotalRx: huge, TotalTx: huge}})
	require.NoError(t, err)

	rows, err := repo.ListUsage(ctx, device.ID, hour, hour.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.True(t, huge.Equal(rows[0].TotalRx))
}

func TestListRecentUsageLimitsDistinctHours(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	_, device := seedDevice(t, repo)
	base := time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC)

	for h := 0; h < 6; h++ {
		_, err := repo.UpsertHourlyUsage(ctx, device.ID, base.Add(time.Duration(h)*time.Hour), []db.UsageEntry{
			{Identifier: "a", TotalRx: count(1), TotalTx: count(1)},
			{Identifier: "b", TotalRx: count(2), TotalTx: count(2)},
		})
		require.NoError(t, err)
	}

	rows, err := repo.ListRecentUsage(ctx, device.ID, base, base.Add(5*time.Hour), 2)
	require.NoError(t, err)
	hours := map[time.Time]bool{}
	for _, r := range rows {
		hours[r.HourUTC.UTC()] = true
	}
	assert.Equal(t, map[time.Time]bool{base.Add(3 * time.Hour): true, base.Add(4 * time.Hour): true}, hours)
	require.NotEmpty(t, rows)
	assert.False(t, rows[len(rows)-1].HourUTC.Before(rows[0].HourUTC))
}

func TestDeleteUsageBefore(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	_, device := seedDevice(t, repo)
	now := time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC)

	for _, days := range []int{6, 7, 8} {
		hour := now.Add(-time.Duration(days) * 24 * time.Hour)
		_, err := repo.UpsertHourlyUsage(ctx, device.ID, hour, []db.UsageEntry{{Identifier: "app", TotalRx: count(1), TotalTx: count(1)}})
		require.NoError(t, err)
	}

	deleted, err := repo.DeleteUsageBefore(ctx, device.ID, now.Add(-7*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	deleted, err = repo.DeleteUsageBefore(ctx, device.ID, now.Add(-7*24*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, deleted)
}

func TestDeviceOwnershipAndHealthCheck(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	user, device := seedDevice(t, repo)

	_, err := repo.GetDeviceForUser(ctx, uuid.New(), device.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	at := time.Now().UTC().Truncate(time.Second)
	updated, err := repo.RecordHealthCheck(ctx, device.ID, at, db.DeviceTypeAndroid)
	require.NoError(t, err)
	assert.Equal(t, db.DeviceTypeAndroid, updated.DeviceType)
	require.NotNil(t, updated.LastHealthCheckAt)

	updated, err = repo.RecordHealthCheck(ctx, device.ID, at, db.DeviceTypeIOS)
	require.NoError(t, err)
	assert.Equal(t, db.DeviceTypeAndroid, updated.DeviceType)

	require.NoError(t, repo.DeleteDevice(ctx, user.ID, device.ID))
	assert.ErrorIs(t, repo.DeleteDevice(ctx, user.ID, device.ID), apperr.ErrNotFound)
}

func TestSettingsAndPlans(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	user, _ := seedDevice(t, repo)

	s, err := repo.GetSettings(ctx, user.ID)
	require.NoError(t, err)
	assert.Nil(t, s.ClearReportsIntervalDays)

	days := 14
	s.ClearReportsIntervalDays = &days
	_, err = repo.UpsertSettings(ctx, s)
	require.NoError(t, err)

	s, err = repo.GetSettings(ctx, user.ID)
	require.NoError(t, err)
	require.NotNil(t, s.ClearReportsIntervalDays)
	assert.Equal(t, 14, *s.ClearReportsIntervalDays)

	f, err := repo.ActivePlanFeatures(ctx, user.ID)
	require.NoError(t, err)
	assert.Nil(t, f)

	seven := 7
	planID, err := repo.CreatePlan(ctx, db.PlanFeatures{PlanName: "pro-" + uuid.NewString()[:8], MaxDevices: 10, MaxClearReportsIntervalDays: &seven, EmailReportsEnabled: true, ReportGranularity: db.GranularityPerProcess})
	require.NoError(t, err)
	require.NoError(t, repo.Subscribe(ctx, user.ID, planID))

	f, err = repo.ActivePlanFeatures(ctx, user.ID)
	require.NoError(t, err)
	require.NotNil(t, f)
	assert.Equal(t, db.GranularityPerProcess, f.ReportGranularity)
	assert.Equal(t, 7, *f.MaxClearReportsIntervalDays)
}
