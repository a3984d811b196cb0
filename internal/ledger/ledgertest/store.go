// Package ledgertest provides in-memory stand-ins for the repository, for
// tests of the ledger and the jobs built on it.
package ledgertest

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/septivank/packetmeter/internal/bytecount"
	"github.com/septivank/packetmeter/internal/db"
)

type appKey struct {
	device     uuid.UUID
	identifier string
}

type rowKey struct {
	device uuid.UUID
	app    uuid.UUID
	hour   time.Time
}

// Store keeps usage rows in memory, keyed by (device, app, hour) like the
// database unique constraint. All methods are safe for concurrent use.
type Store struct {
	mu   sync.Mutex
	apps map[appKey]*db.App
	rows map[rowKey]*db.UsageRecord

	// FailDelete makes DeleteUsageBefore fail for the listed devices.
	FailDelete map[uuid.UUID]error
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{
		apps:       map[appKey]*db.App{},
		rows:       map[rowKey]*db.UsageRecord{},
		FailDelete: map[uuid.UUID]error{},
	}
}

func (s *Store) ensureApp(deviceID uuid.UUID, identifier string, now time.Time) *db.App {
	k := appKey{deviceID, identifier}
	if a, ok := s.apps[k]; ok {
		return a
	}
	a := &db.App{ID: uuid.New(), DeviceID: deviceID, Identifier: identifier, CreatedAt: now, UpdatedAt: now}
	s.apps[k] = a
	return a
}

func (s *Store) upsert(deviceID uuid.UUID, app *db.App, hour time.Time, rx, tx bytecount.Count, now time.Time) {
	k := rowKey{deviceID, app.ID, hour.UTC()}
	if r, ok := s.rows[k]; ok {
		r.TotalRx, r.TotalTx, r.UpdatedAt = rx, tx, now
		return
	}
	s.rows[k] = &db.UsageRecord{
		ID:         uuid.New(),
		DeviceID:   deviceID,
		AppID:      app.ID,
		Identifier: app.Identifier,
		HourUTC:    hour.UTC(),
		TotalRx:    rx,
		TotalTx:    tx,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func (s *Store) UpsertHourlyUsage(_ context.Context, deviceID uuid.UUID, hour time.Time, entries []db.UsageEntry) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	s.ensureApp(deviceID, db.AggregateIdentifier, now)
	for _, e := range entries {
		s.upsert(deviceID, s.ensureApp(deviceID, e.Identifier, now), hour, e.TotalRx, e.TotalTx, now)
	}
	return len(entries), nil
}

func (s *Store) UpsertHourlyTotal(_ context.Context, deviceID uuid.UUID, hour time.Time, totalRx, totalTx bytecount.Count) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	agg := s.ensureApp(deviceID, db.AggregateIdentifier, now)
	var otherRx, otherTx bytecount.Count
	for k, r := range s.rows {
		if k.device == deviceID && k.hour.Equal(hour.UTC()) && k.app != agg.ID {
			otherRx = otherRx.Add(r.TotalRx)
			otherTx = otherTx.Add(r.TotalTx)
		}
	}
	s.upsert(deviceID, agg, hour, totalRx.Sub(otherRx), totalTx.Sub(otherTx), now)
	return nil
}

func (s *Store) UpsertAppMetadata(_ context.Context, deviceID uuid.UUID, apps []db.AppMetadata) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for _, m := range apps {
		a := s.ensureApp(deviceID, m.Identifier, now)
		if m.DisplayName != nil {
			a.DisplayName = m.DisplayName
		}
		if m.IconHash != nil {
			a.IconHash = m.IconHash
		}
		a.UpdatedAt = now
	}
	return len(apps), nil
}

func (s *Store) ListUsage(_ context.Context, deviceID uuid.UUID, from, to time.Time) ([]db.UsageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []db.UsageRecord
	for k, r := range s.rows {
		if k.device == deviceID && !k.hour.Before(from) && k.hour.Before(to) {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].HourUTC.Equal(out[j].HourUTC) {
			return out[i].HourUTC.Before(out[j].HourUTC)
		}
		return out[i].Identifier < out[j].Identifier
	})
	return out, nil
}

func (s *Store) ListRecentUsage(ctx context.Context, deviceID uuid.UUID, from, to time.Time, hours int) ([]db.UsageRecord, error) {
	rows, _ := s.ListUsage(ctx, deviceID, from, to)
	seen := 0
	start := len(rows)
	for i := len(rows) - 1; i >= 0; i-- {
		if i == len(rows)-1 || !rows[i].HourUTC.Equal(rows[i+1].HourUTC) {
			if seen == hours {
				break
			}
			seen++
		}
		start = i
	}
	return rows[start:], nil
}

func (s *Store) SummarizeUsage(ctx context.Context, deviceID uuid.UUID, from, to time.Time) (db.UsageSummary, error) {
	rows, _ := s.ListUsage(ctx, deviceID, from, to)
	var sum db.UsageSummary
	hours := map[time.Time]bool{}
	for _, r := range rows {
		sum.TotalRx = sum.TotalRx.Add(r.TotalRx)
		sum.TotalTx = sum.TotalTx.Add(r.TotalTx)
		hours[r.HourUTC] = true
		if sum.LastReportAt == nil || r.UpdatedAt.After(*sum.LastReportAt) {
			t := r.UpdatedAt
			sum.LastReportAt = &t
		}
	}
	sum.HoursCovered = len(hours)
	return sum, nil
}

func (s *Store) DeleteUsageBefore(_ context.Context, deviceID uuid.UUID, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.FailDelete[deviceID]; err != nil {
		return 0, err
	}
	var n int64
	for k := range s.rows {
		if k.device == deviceID && k.hour.Before(cutoff) {
			delete(s.rows, k)
			n++
		}
	}
	return n, nil
}

// Seed writes a row directly, bypassing validation.
func (s *Store) Seed(deviceID uuid.UUID, identifier string, hour time.Time, rx, tx uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	s.upsert(deviceID, s.ensureApp(deviceID, identifier, now), hour, bytecount.FromUint64(rx), bytecount.FromUint64(tx), now)
}

// Rows returns every row of a device, hour ascending.
func (s *Store) Rows(deviceID uuid.UUID) []db.UsageRecord {
	rows, _ := s.ListUsage(context.Background(), deviceID, time.Time{}, time.Unix(1<<40, 0))
	return rows
}

// App returns a registered app, or nil.
func (s *Store) App(deviceID uuid.UUID, identifier string) *db.App {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.apps[appKey{deviceID, identifier}]; ok {
		c := *a
		return &c
	}
	return nil
}

// ErrInjected is a convenience failure for FailDelete.
var ErrInjected = errors.New("injected failure")
