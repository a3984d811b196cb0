package tokenauth_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/septivank/packetmeter/internal/apperr"
	"github.com/septivank/packetmeter/internal/db"
	"github.com/septivank/packetmeter/internal/tokenauth"
)

type memStore struct {
	mu      sync.Mutex
	devices map[uuid.UUID]*db.Device
	listed  int
}

func newMemStore() *memStore {
	return &memStore{devices: map[uuid.UUID]*db.Device{}}
}

func (s *memStore) add(d db.Device) *db.Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if d.DeviceType == "" {
		d.DeviceType = db.DeviceTypeUnknown
	}
	s.devices[d.ID] = &d
	return &d
}

func (s *memStore) DeviceByTokenLookup(_ context.Context, lookup string) (*db.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.devices {
		if d.TokenLookup != nil && *d.TokenLookup == lookup {
			c := *d
			return &c, nil
		}
	}
	return nil, apperr.ErrNotFound
}

func (s *memStore) ListLegacyTokenDevices(context.Context) ([]db.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listed++
	var out []db.Device
	for _, d := range s.devices {
		if d.TokenLookup == nil {
			out = append(out, *d)
		}
	}
	return out, nil
}

func (s *memStore) SetDeviceToken(_ context.Context, id uuid.UUID, lookup *string, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[id]
	if !ok {
		return apperr.ErrNotFound
	}
	d.TokenLookup = lookup
	d.TokenHash = hash
	return nil
}

func (s *memStore) RecordHealthCheck(_ context.Context, id uuid.UUID, at time.Time, inferred db.DeviceType) (*db.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[id]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	d.LastHealthCheckAt = &at
	if d.DeviceType == db.DeviceTypeUnknown {
		d.DeviceType = inferred
	}
	c := *d
	return &c, nil
}

func newAuthority(t *testing.T, store *memStore) (*tokenauth.Authority, *quartz.Mock) {
	t.Helper()
	clock := quartz.NewMock(t)
	a, err := tokenauth.New(store, bcrypt.MinCost, clock)
	require.NoError(t, err)
	return a, clock
}

func TestMintProducesTwoPartToken(t *testing.T) {
	a, _ := newAuthority(t, newMemStore())

	plaintext, cred, err := a.Mint()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(plaintext, "pm_"+cred.Lookup+"_"))
	assert.NotContains(t, cred.Hash, plaintext)

	lookup, secret, ok := tokenauth.ParseToken(plaintext)
	require.True(t, ok)
	assert.Equal(t, cred.Lookup, lookup)
	assert.Len(t, secret, 64)

	other, _, err := a.Mint()
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, other)
}

func TestVerifyTwoPartToken(t *testing.T) {
	store := newMemStore()
	a, _ := newAuthority(t, store)
	device := store.add(db.Device{Name: "phone"})

	token, err := a.Issue(context.Background(), device.ID)
	require.NoError(t, err)

	got, err := a.Verify(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, device.ID, got.ID)
	assert.Zero(t, store.listed, "two-part tokens must not scan all devices")

	lookup, _, _ := tokenauth.ParseToken(token)
	forged := "pm_" + lookup + "_" + strings.Repeat("0", 64)
	_, err = a.Verify(context.Background(), forged)
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)

	_, err = a.Verify(context.Background(), "pm_"+strings.Repeat("a", 16)+"_"+strings.Repeat("b", 64))
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)
}

func TestVerifyRejectsEmpty(t *testing.T) {
	a, _ := newAuthority(t, newMemStore())
	_, err := a.Verify(context.Background(), "  ")
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)
}

func TestVerifyLegacyTokenScansAll(t *testing.T) {
	store := newMemStore()
	a, _ := newAuthority(t, store)

	legacy := strings.Repeat("ab", 32)
	hash, err := bcrypt.GenerateFromPassword([]byte(legacy), bcrypt.MinCost)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		other, err := bcrypt.GenerateFromPassword([]byte(uuid.NewString()), bcrypt.MinCost)
		require.NoError(t, err)
		store.add(db.Device{TokenHash: string(other)})
	}
	want := store.add(db.Device{TokenHash: string(hash)})

	got, err := a.Verify(context.Background(), legacy)
	require.NoError(t, err)
	assert.Equal(t, want.ID, got.ID)
	assert.Equal(t, 1, store.listed)

	_, err = a.Verify(context.Background(), strings.Repeat("cd", 32))
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)
}

func TestVerifyActivatedGatesPendingDevices(t *testing.T) {
	store := newMemStore()
	a, _ := newAuthority(t, store)
	device := store.add(db.Device{})
	token, err := a.Issue(context.Background(), device.ID)
	require.NoError(t, err)

	_, err = a.VerifyActivated(context.Background(), token)
	assert.ErrorIs(t, err, apperr.ErrDeviceNotActivated)

	store.devices[device.ID].IsActivated = true
	got, err := a.VerifyActivated(context.Background(), token)
	require.NoError(t, err)
	assert.True(t, got.IsActivated)
}

func TestHealthCheckAcceptsPendingDeviceAndInfersTypeOnce(t *testing.T) {
	store := newMemStore()
	a, clock := newAuthority(t, store)
	now := time.Date(2024, 4, 1, 9, 30, 0, 0, time.UTC)
	clock.Set(now)

	device := store.add(db.Device{})
	token, err := a.Issue(context.Background(), device.ID)
	require.NoError(t, err)

	got, err := a.HealthCheck(context.Background(), token, "PacketMeter-Win-Daemon/1.4")
	require.NoError(t, err)
	assert.False(t, got.IsActivated)
	assert.Equal(t, db.DeviceTypeWindows, got.DeviceType)
	require.NotNil(t, got.LastHealthCheckAt)
	assert.Equal(t, now, *got.LastHealthCheckAt)

	got, err = a.HealthCheck(context.Background(), token, "PacketMeter-Linux-Daemon/1.0")
	require.NoError(t, err)
	assert.Equal(t, db.DeviceTypeWindows, got.DeviceType)

	_, err = a.HealthCheck(context.Background(), "nope", "")
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)
}

func TestInferDeviceType(t *testing.T) {
	tests := map[string]db.DeviceType{
		"":                             db.DeviceTypeUnknown,
		"curl/8.0":                     db.DeviceTypeUnknown,
		"PacketMeter-Android-Daemon/2": db.DeviceTypeAndroid,
		"packetmeter-linux-daemon/0.9": db.DeviceTypeLinux,
		"PacketMeter-macOS-Daemon/1":   db.DeviceTypeMacOS,
		"PacketMeter-iOS-Daemon/1":     db.DeviceTypeIOS,
		"PacketMeter-Amiga-Daemon/1":   db.DeviceTypeUnknown,
	}
	for tag, want := range tests {
		assert.Equal(t, want, tokenauth.InferDeviceType(tag), tag)
	}
}

func TestParseTokenRejectsMalformed(t *testing.T) {
	for _, in := range []string{
		"pm_short_secret",
		"xx_" + strings.Repeat("a", 16) + "_" + strings.Repeat("b", 64),
		"pm_" + strings.Repeat("z", 16) + "_" + strings.Repeat("b", 64),
		strings.Repeat("ab", 32),
	} {
		_, _, ok := tokenauth.ParseToken(in)
		assert.False(t, ok, in)
	}
}
