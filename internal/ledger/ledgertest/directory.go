package ledgertest

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/septivank/packetmeter/internal/apperr"
	"github.com/septivank/packetmeter/internal/db"
)

// Directory is an in-memory user, settings, device and plan store.
type Directory struct {
	mu       sync.Mutex
	users    []db.User
	settings map[uuid.UUID]db.Settings
	devices  map[uuid.UUID][]db.Device
	plans    map[uuid.UUID]db.PlanFeatures

	// FailSettings makes GetSettings fail for the listed users.
	FailSettings map[uuid.UUID]error
	// Usage, when set, feeds the report columns of ListDeviceOverviews.
	Usage *Store
}

// NewDirectory creates an empty directory
func NewDirectory() *Directory {
	return &Directory{
		settings:     map[uuid.UUID]db.Settings{},
		devices:      map[uuid.UUID][]db.Device{},
		plans:        map[uuid.UUID]db.PlanFeatures{},
		FailSettings: map[uuid.UUID]error{},
	}
}

// AddUser registers a user with optional settings and returns it.
func (d *Directory) AddUser(username, tz string, s db.Settings) db.User {
	d.mu.Lock()
	defer d.mu.Unlock()
	u := db.User{ID: uuid.New(), Username: username, Email: username + "@example.com", Timezone: tz}
	d.users = append(d.users, u)
	s.UserID = u.ID
	d.settings[u.ID] = s
	return u
}

// AddDevice attaches an activated device to a user.
func (d *Directory) AddDevice(userID uuid.UUID, name string) db.Device {
	d.mu.Lock()
	defer d.mu.Unlock()
	dev := db.Device{ID: uuid.New(), UserID: userID, Name: name, IsActivated: true, DeviceType: db.DeviceTypeUnknown}
	d.devices[userID] = append(d.devices[userID], dev)
	return dev
}

// SetPlan gives a user an active plan.
func (d *Directory) SetPlan(userID uuid.UUID, f db.PlanFeatures) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.plans[userID] = f
}

func (d *Directory) ListUsers(context.Context) ([]db.User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]db.User(nil), d.users...), nil
}

func (d *Directory) GetUser(_ context.Context, userID uuid.UUID) (*db.User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, u := range d.users {
		if u.ID == userID {
			c := u
			return &c, nil
		}
	}
	return nil, apperr.ErrNotFound
}

func (d *Directory) GetSettings(_ context.Context, userID uuid.UUID) (db.Settings, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.FailSettings[userID]; err != nil {
		return db.Settings{}, err
	}
	s, ok := d.settings[userID]
	if !ok {
		return db.Settings{UserID: userID}, nil
	}
	return s, nil
}

// UpsertSettings stores s and stamps it with the wall clock.
func (d *Directory) UpsertSettings(_ context.Context, s db.Settings) (db.Settings, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s.UpdatedAt = time.Now().UTC()
	d.settings[s.UserID] = s
	return s, nil
}

func (d *Directory) UpdateUserTimezone(_ context.Context, userID uuid.UUID, tz string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range d.users {
		if d.users[i].ID == userID {
			d.users[i].Timezone = tz
			return nil
		}
	}
	return apperr.ErrNotFound
}

func (d *Directory) ListDevicesForUser(_ context.Context, userID uuid.UUID) ([]db.Device, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]db.Device(nil), d.devices[userID]...), nil
}

// ActivePlanFeatures implements plan.FeatureStore.
func (d *Directory) ActivePlanFeatures(_ context.Context, userID uuid.UUID) (*db.PlanFeatures, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, ok := d.plans[userID]
	if !ok {
		return nil, nil
	}
	return &f, nil
}
