package ledgertest

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/septivank/packetmeter/internal/apperr"
	"github.com/septivank/packetmeter/internal/db"
)

// The methods below let Directory stand in for the device half of the
// repository as well. Overviews read report hours from Usage when it is set.

func (d *Directory) find(deviceID uuid.UUID) *db.Device {
	for uid := range d.devices {
		for i := range d.devices[uid] {
			if d.devices[uid][i].ID == deviceID {
				return &d.devices[uid][i]
			}
		}
	}
	return nil
}

func (d *Directory) findOwned(userID, deviceID uuid.UUID) *db.Device {
	for i := range d.devices[userID] {
		if d.devices[userID][i].ID == deviceID {
			return &d.devices[userID][i]
		}
	}
	return nil
}

func (d *Directory) CountDevices(_ context.Context, userID uuid.UUID) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.devices[userID]), nil
}

func (d *Directory) CreateDevice(_ context.Context, device *db.Device) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if device.ID == uuid.Nil {
		device.ID = uuid.New()
	}
	if device.DeviceType == "" {
		device.DeviceType = db.DeviceTypeUnknown
	}
	now := time.Now().UTC()
	device.CreatedAt, device.UpdatedAt = now, now
	d.devices[device.UserID] = append(d.devices[device.UserID], *device)
	return nil
}

func (d *Directory) GetDevice(_ context.Context, deviceID uuid.UUID) (*db.Device, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if dev := d.find(deviceID); dev != nil {
		c := *dev
		return &c, nil
	}
	return nil, apperr.ErrNotFound
}

func (d *Directory) GetDeviceForUser(_ context.Context, userID, deviceID uuid.UUID) (*db.Device, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if dev := d.findOwned(userID, deviceID); dev != nil {
		c := *dev
		return &c, nil
	}
	return nil, apperr.ErrNotFound
}

func (d *Directory) ListDeviceOverviews(ctx context.Context, userID uuid.UUID) ([]db.DeviceOverview, error) {
	devices, _ := d.ListDevicesForUser(ctx, userID)
	out := make([]db.DeviceOverview, 0, len(devices))
	for _, dev := range devices {
		o := db.DeviceOverview{Device: dev}
		if d.Usage != nil {
			hours := map[time.Time]bool{}
			for _, r := range d.Usage.Rows(dev.ID) {
				hours[r.HourUTC] = true
				if o.LastReportAt == nil || r.HourUTC.After(*o.LastReportAt) {
					h := r.HourUTC
					o.LastReportAt = &h
				}
			}
			o.ReportHours = len(hours)
		}
		out = append(out, o)
	}
	return out, nil
}

func (d *Directory) SetDeviceActivated(_ context.Context, userID, deviceID uuid.UUID, activated bool) (*db.Device, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	dev := d.findOwned(userID, deviceID)
	if dev == nil {
		return nil, apperr.ErrNotFound
	}
	dev.IsActivated = activated
	c := *dev
	return &c, nil
}

func (d *Directory) RenameDevice(_ context.Context, userID, deviceID uuid.UUID, name string) (*db.Device, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	dev := d.findOwned(userID, deviceID)
	if dev == nil {
		return nil, apperr.ErrNotFound
	}
	dev.Name = name
	c := *dev
	return &c, nil
}

func (d *Directory) DeleteDevice(_ context.Context, userID, deviceID uuid.UUID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	list := d.devices[userID]
	for i := range list {
		if list[i].ID == deviceID {
			d.devices[userID] = append(list[:i:i], list[i+1:]...)
			return nil
		}
	}
	return apperr.ErrNotFound
}

func (d *Directory) DeviceByTokenLookup(_ context.Context, lookup string) (*db.Device, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for uid := range d.devices {
		for _, dev := range d.devices[uid] {
			if dev.TokenLookup != nil && *dev.TokenLookup == lookup {
				c := dev
				return &c, nil
			}
		}
	}
	return nil, apperr.ErrNotFound
}

func (d *Directory) ListLegacyTokenDevices(context.Context) ([]db.Device, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []db.Device
	for uid := range d.devices {
		for _, dev := range d.devices[uid] {
			if dev.TokenLookup == nil && dev.TokenHash != "" {
				out = append(out, dev)
			}
		}
	}
	return out, nil
}

func (d *Directory) SetDeviceToken(_ context.Context, deviceID uuid.UUID, lookup *string, hash string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	dev := d.find(deviceID)
	if dev == nil {
		return apperr.ErrNotFound
	}
	dev.TokenLookup, dev.TokenHash = lookup, hash
	return nil
}

func (d *Directory) RecordHealthCheck(_ context.Context, deviceID uuid.UUID, at time.Time, inferred db.DeviceType) (*db.Device, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	dev := d.find(deviceID)
	if dev == nil {
		return nil, apperr.ErrNotFound
	}
	t := at
	dev.LastHealthCheckAt = &t
	if dev.DeviceType == db.DeviceTypeUnknown {
		dev.DeviceType = inferred
	}
	c := *dev
	return &c, nil
}
