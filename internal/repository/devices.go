package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/septivank/packetmeter/internal/db"
)

const deviceColumns = `d.id, d.user_id, d.name, d.token_lookup, d.token_hash, d.device_type::text,
	d.is_activated, d.last_health_check_at, d.created_at, d.updated_at`

func deviceDest(d *db.Device) []any {
	return []any{
		&d.ID,
		&d.UserID,
		&d.Name,
		&d.TokenLookup,
		&d.TokenHash,
		&d.DeviceType,
		&d.IsActivated,
		&d.LastHealthCheckAt,
		&d.CreatedAt,
		&d.UpdatedAt,
	}
}

func scanDevice(row pgx.Row) (*db.Device, error) {
	var d db.Device
	if err := row.Scan(deviceDest(&d)...); err != nil {
		return nil, err
	}
	return &d, nil
}

func collectDevices(rows pgx.Rows) ([]db.Device, error) {
	defer rows.Close()
	var devices []db.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}
		devices = append(devices, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return devices, nil
}

// CreateDevice inserts a pending device with its credential
func (r *Repository) CreateDevice(ctx context.Context, device *db.Device) error {
	if device.ID == uuid.Nil {
		device.ID = uuid.New()
	}
	if device.DeviceType == "" {
		device.DeviceType = db.DeviceTypeUnknown
	}
	now := r.now()
	query := `
		INSERT INTO devices (id, user_id, name, token_lookup, token_hash, device_type, is_activated, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6::device_type, $7, $8, $8)
	`
	_, err := r.pool.Exec(ctx, query,
		device.ID,
		device.UserID,
		device.Name,
		device.TokenLookup,
		device.TokenHash,
		string(device.DeviceType),
		device.IsActivated,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to create device: %w", err)
	}
	device.CreatedAt = now
	device.UpdatedAt = now
	return nil
}

// GetDevice loads a device by id
func (r *Repository) GetDevice(ctx context.Context, deviceID uuid.UUID) (*db.Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices d WHERE d.id = $1`
	d, err := scanDevice(r.pool.QueryRow(ctx, query, deviceID))
	if err != nil {
		return nil, notFound(err, "device")
	}
	return d, nil
}

// GetDeviceForUser loads a device only if userID owns it
func (r *Repository) GetDeviceForUser(ctx context.Context, userID, deviceID uuid.UUID) (*db.Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices d WHERE d.id = $1 AND d.user_id = $2`
	d, err := scanDevice(r.pool.QueryRow(ctx, query, deviceID, userID))
	if err != nil {
		return nil, notFound(err, "device")
	}
	return d, nil
}

// DeviceByTokenLookup finds the device holding a two-part token
func (r *Repository) DeviceByTokenLookup(ctx context.Context, lookup string) (*db.Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices d WHERE d.token_lookup = $1`
	d, err := scanDevice(r.pool.QueryRow(ctx, query, lookup))
	if err != nil {
		return nil, notFound(err, "device")
	}
	return d, nil
}

// ListLegacyTokenDevices returns devices whose token has no lookup id and
// can only be matched by comparing every hash
func (r *Repository) ListLegacyTokenDevices(ctx context.Context) ([]db.Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices d WHERE d.token_lookup IS NULL ORDER BY d.created_at`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query legacy devices: %w", err)
	}
	return collectDevices(rows)
}

// ListDevicesForUser returns a user's devices, oldest first
func (r *Repository) ListDevicesForUser(ctx context.Context, userID uuid.UUID) ([]db.Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices d WHERE d.user_id = $1 ORDER BY d.created_at, d.id`
	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query devices: %w", err)
	}
	return collectDevices(rows)
}

// ListDeviceOverviews returns a user's devices with their latest report hour
// and the number of distinct hours on record
func (r *Repository) ListDeviceOverviews(ctx context.Context, userID uuid.UUID) ([]db.DeviceOverview, error) {
	query := `
		SELECT ` + deviceColumns + `, MAX(u.hour_utc), COUNT(DISTINCT u.hour_utc)
		FROM devices d
		LEFT JOIN usage_records u ON u.device_id = d.id
		WHERE d.user_id = $1
		GROUP BY d.id
		ORDER BY d.created_at, d.id
	`
	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query device overviews: %w", err)
	}
	defer rows.Close()

	var out []db.DeviceOverview
	for rows.Next() {
		var o db.DeviceOverview
		dest := append(deviceDest(&o.Device), &o.LastReportAt, &o.ReportHours)
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("failed to scan device overview: %w", err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return out, nil
}

// CountDevices returns how many devices a user owns
func (r *Repository) CountDevices(ctx context.Context, userID uuid.UUID) (int, error) {
	var n int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM devices WHERE user_id = $1`, userID).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count devices: %w", err)
	}
	return n, nil
}

// SetDeviceActivated approves or suspends a device owned by userID
func (r *Repository) SetDeviceActivated(ctx context.Context, userID, deviceID uuid.UUID, activated bool) (*db.Device, error) {
	query := `
		UPDATE devices d SET is_activated = $3, updated_at = $4
		WHERE d.id = $1 AND d.user_id = $2
		RETURNING ` + deviceColumns
	d, err := scanDevice(r.pool.QueryRow(ctx, query, deviceID, userID, activated, r.now()))
	if err != nil {
		return nil, notFound(err, "device")
	}
	return d, nil
}

// RenameDevice changes the display name of a device owned by userID
func (r *Repository) RenameDevice(ctx context.Context, userID, deviceID uuid.UUID, name string) (*db.Device, error) {
	query := `
		UPDATE devices d SET name = $3, updated_at = $4
		WHERE d.id = $1 AND d.user_id = $2
		RETURNING ` + deviceColumns
	d, err := scanDevice(r.pool.QueryRow(ctx, query, deviceID, userID, name, r.now()))
	if err != nil {
		return nil, notFound(err, "device")
	}
	return d, nil
}

// DeleteDevice removes a device and, by cascade, its apps and usage
func (r *Repository) DeleteDevice(ctx context.Context, userID, deviceID uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM devices WHERE id = $1 AND user_id = $2`, deviceID, userID)
	if err != nil {
		return fmt.Errorf("failed to delete device: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return notFound(pgx.ErrNoRows, "device")
	}
	return nil
}

// SetDeviceToken replaces a device credential
func (r *Repository) SetDeviceToken(ctx context.Context, deviceID uuid.UUID, lookup *string, hash string) error {
	query := `UPDATE devices SET token_lookup = $2, token_hash = $3, updated_at = $4 WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, deviceID, lookup, hash, r.now())
	if err != nil {
		return fmt.Errorf("failed to update device token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return notFound(pgx.ErrNoRows, "device")
	}
	return nil
}

// RecordHealthCheck stamps the health check time and sets the device type
// if it is still unknown
func (r *Repository) RecordHealthCheck(ctx context.Context, deviceID uuid.UUID, at time.Time, inferred db.DeviceType) (*db.Device, error) {
	query := `
		UPDATE devices d
		SET last_health_check_at = $2,
		    device_type = CASE WHEN d.device_type = 'unknown' THEN $3::device_type ELSE d.device_type END,
		    updated_at = $2
		WHERE d.id = $1
		RETURNING ` + deviceColumns
	d, err := scanDevice(r.pool.QueryRow(ctx, query, deviceID, at, string(inferred)))
	if err != nil {
		return nil, notFound(err, "device")
	}
	return d, nil
}
