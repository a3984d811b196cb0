package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/septivank/packetmeter/internal/bytecount"
	"github.com/septivank/packetmeter/internal/db"
)

// ensureAppSQL creates the app row if missing and always returns its id.
// The no-op update makes RETURNING work for existing rows.
const ensureAppSQL = `
	INSERT INTO apps (id, device_id, identifier, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $4)
	ON CONFLICT (device_id, identifier) DO UPDATE SET identifier = EXCLUDED.identifier
	RETURNING id
`

// upsertUsageSQL replaces the totals of an existing (device, app, hour) row.
const upsertUsageSQL = `
	WITH app AS (` + ensureAppSQL + `)
	INSERT INTO usage_records (id, device_id, app_id, hour_utc, total_rx, total_tx, created_at, updated_at)
	SELECT $5, $2, app.id, $6, $7::numeric, $8::numeric, $4, $4 FROM app
	ON CONFLICT (device_id, app_id, hour_utc)
	DO UPDATE SET total_rx = EXCLUDED.total_rx,
	              total_tx = EXCLUDED.total_tx,
	              updated_at = EXCLUDED.updated_at
`

// UpsertHourlyUsage writes one report's per-app snapshot for a UTC hour in a
// single transaction. Apps are created on first sight and the aggregate
// bucket is always ensured. Returns the number of usage rows written.
func (r *Repository) UpsertHourlyUsage(ctx context.Context, deviceID uuid.UUID, hour time.Time, entries []db.UsageEntry) (int, error) {
	applied := 0
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		now := r.now()
		batch := &pgx.Batch{}
		batch.Queue(ensureAppSQL, uuid.New(), deviceID, db.AggregateIdentifier, now)
		for _, e := range entries {
			batch.Queue(upsertUsageSQL, uuid.New(), deviceID, e.Identifier, now, uuid.New(), hour, e.TotalRx, e.TotalTx)
		}

		br := tx.SendBatch(ctx, batch)
		var aggregateID uuid.UUID
		if err := br.QueryRow().Scan(&aggregateID); err != nil {
			br.Close()
			return fmt.Errorf("failed to ensure aggregate app: %w", err)
		}
		n := 0
		for range entries {
			if _, err := br.Exec(); err != nil {
				br.Close()
				return fmt.Errorf("failed to upsert usage record: %w", err)
			}
			n++
		}
		if err := br.Close(); err != nil {
			return fmt.Errorf("failed to close batch: %w", err)
		}
		applied = n
		return nil
	})
	if err != nil {
		return 0, err
	}
	return applied, nil
}

// UpsertHourlyTotal stores a device-wide total for a UTC hour. The aggregate
// bucket receives whatever the tracked apps of that hour do not account for,
// never less than zero.
func (r *Repository) UpsertHourlyTotal(ctx context.Context, deviceID uuid.UUID, hour time.Time, totalRx, totalTx bytecount.Count) error {
	query := `
		WITH app AS (` + ensureAppSQL + `),
		others AS (
			SELECT COALESCE(SUM(u.total_rx), 0) AS rx, COALESCE(SUM(u.total_tx), 0) AS tx
			FROM usage_records u
			JOIN apps a ON a.id = u.app_id
			WHERE u.device_id = $2 AND u.hour_utc = $6 AND a.identifier <> $3
		)
		INSERT INTO usage_records (id, device_id, app_id, hour_utc, total_rx, total_tx, created_at, updated_at)
		SELECT $5, $2, app.id, $6,
		       GREATEST($7::numeric - others.rx, 0),
		       GREATEST($8::numeric - others.tx, 0),
		       $4, $4
		FROM app, others
		ON CONFLICT (device_id, app_id, hour_utc)
		DO UPDATE SET total_rx = EXCLUDED.total_rx,
		              total_tx = EXCLUDED.total_tx,
		              updated_at = EXCLUDED.updated_at
	`
	return r.inTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, query, uuid.New(), deviceID, db.AggregateIdentifier, r.now(), uuid.New(), hour, totalRx, totalTx)
		if err != nil {
			return fmt.Errorf("failed to upsert hourly total: %w", err)
		}
		return nil
	})
}

// UpsertAppMetadata records display names and icon hashes. Missing fields
// keep their stored values.
func (r *Repository) UpsertAppMetadata(ctx context.Context, deviceID uuid.UUID, apps []db.AppMetadata) (int, error) {
	query := `
		INSERT INTO apps (id, device_id, identifier, display_name, icon_hash, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (device_id, identifier)
		DO UPDATE SET display_name = COALESCE(EXCLUDED.display_name, apps.display_name),
		              icon_hash = COALESCE(EXCLUDED.icon_hash, apps.icon_hash),
		              updated_at = EXCLUDED.updated_at
	`
	registered := 0
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		now := r.now()
		batch := &pgx.Batch{}
		for _, a := range apps {
			batch.Queue(query, uuid.New(), deviceID, a.Identifier, a.DisplayName, a.IconHash, now)
		}
		br := tx.SendBatch(ctx, batch)
		for range apps {
			if _, err := br.Exec(); err != nil {
				br.Close()
				return fmt.Errorf("failed to register app: %w", err)
			}
		}
		if err := br.Close(); err != nil {
			return fmt.Errorf("failed to close batch: %w", err)
		}
		registered = len(apps)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return registered, nil
}

// ListApps returns a device's tracked apps
func (r *Repository) ListApps(ctx context.Context, deviceID uuid.UUID) ([]db.App, error) {
	query := `
		SELECT id, device_id, identifier, display_name, icon_hash, created_at, updated_at
		FROM apps WHERE device_id = $1 ORDER BY identifier
	`
	rows, err := r.pool.Query(ctx, query, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query apps: %w", err)
	}
	defer rows.Close()

	var apps []db.App
	for rows.Next() {
		var a db.App
		if err := rows.Scan(&a.ID, &a.DeviceID, &a.Identifier, &a.DisplayName, &a.IconHash, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan app: %w", err)
		}
		apps = append(apps, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return apps, nil
}

// ListUsage returns a device's rows in [from, to), hour ascending
func (r *Repository) ListUsage(ctx context.Context, deviceID uuid.UUID, from, to time.Time) ([]db.UsageRecord, error) {
	query := `
		SELECT u.id, u.device_id, u.app_id, a.identifier, u.hour_utc, u.total_rx, u.total_tx, u.created_at, u.updated_at
		FROM usage_records u
		JOIN apps a ON a.id = u.app_id
		WHERE u.device_id = $1 AND u.hour_utc >= $2 AND u.hour_utc < $3
		ORDER BY u.hour_utc ASC, a.identifier ASC
	`
	rows, err := r.pool.Query(ctx, query, deviceID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage: %w", err)
	}
	return scanUsage(rows)
}

// ListRecentUsage returns the rows of the latest hours with data in
// [from, to), at most hours of them, hour ascending
func (r *Repository) ListRecentUsage(ctx context.Context, deviceID uuid.UUID, from, to time.Time, hours int) ([]db.UsageRecord, error) {
	query := `
		WITH recent AS (
			SELECT DISTINCT hour_utc
			FROM usage_records
			WHERE device_id = $1 AND hour_utc >= $2 AND hour_utc < $3
			ORDER BY hour_utc DESC
			LIMIT $4
		)
		SELECT u.id, u.device_id, u.app_id, a.identifier, u.hour_utc, u.total_rx, u.total_tx, u.created_at, u.updated_at
		FROM usage_records u
		JOIN recent h ON h.hour_utc = u.hour_utc
		JOIN apps a ON a.id = u.app_id
		WHERE u.device_id = $1
		ORDER BY u.hour_utc ASC, a.identifier ASC
	`
	rows, err := r.pool.Query(ctx, query, deviceID, from, to, hours)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent usage: %w", err)
	}
	return scanUsage(rows)
}

func scanUsage(rows pgx.Rows) ([]db.UsageRecord, error) {
	defer rows.Close()

	var records []db.UsageRecord
	for rows.Next() {
		var u db.UsageRecord
		if err := rows.Scan(&u.ID, &u.DeviceID, &u.AppID, &u.Identifier, &u.HourUTC, &u.TotalRx, &u.TotalTx, &u.CreatedAt, &u.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan usage record: %w", err)
		}
		records = append(records, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return records, nil
}

// SummarizeUsage sums a device's rows in [from, to)
func (r *Repository) SummarizeUsage(ctx context.Context, deviceID uuid.UUID, from, to time.Time) (db.UsageSummary, error) {
	query := `
		SELECT SUM(total_rx), SUM(total_tx), COUNT(DISTINCT hour_utc), MAX(updated_at)
		FROM usage_records
		WHERE device_id = $1 AND hour_utc >= $2 AND hour_utc < $3
	`
	var s db.UsageSummary
	err := r.pool.QueryRow(ctx, query, deviceID, from, to).Scan(&s.TotalRx, &s.TotalTx, &s.HoursCovered, &s.LastReportAt)
	if err != nil {
		return db.UsageSummary{}, fmt.Errorf("failed to summarize usage: %w", err)
	}
	return s, nil
}

// DeleteUsageBefore removes a device's rows with hour strictly before cutoff
func (r *Repository) DeleteUsageBefore(ctx context.Context, deviceID uuid.UUID, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM usage_records WHERE device_id = $1 AND hour_utc < $2`, deviceID, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete usage records: %w", err)
	}
	return tag.RowsAffected(), nil
}
