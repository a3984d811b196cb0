// Package tokenauth issues and verifies device bearer tokens.
//
// Tokens have the form pm_<lookup>_<secret>. The lookup id is stored in
// plaintext and indexed, the secret only as a bcrypt hash, so a token is
// verified with one row fetch and one hash comparison. Tokens without a
// lookup id (issued before the two-part format) are still accepted; those
// are compared against every legacy hash.
package tokenauth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/coder/quartz"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/septivank/packetmeter/internal/apperr"
	"github.com/septivank/packetmeter/internal/db"
)

const (
	tokenPrefix = "pm"
	lookupBytes = 8
	// 256 bits of entropy
	secretBytes = 32
)

// Store is the device persistence the authority needs.
type Store interface {
	DeviceByTokenLookup(ctx context.Context, lookup string) (*db.Device, error)
	ListLegacyTokenDevices(ctx context.Context) ([]db.Device, error)
	SetDeviceToken(ctx context.Context, deviceID uuid.UUID, lookup *string, hash string) error
	RecordHealthCheck(ctx context.Context, deviceID uuid.UUID, at time.Time, inferred db.DeviceType) (*db.Device, error)
}

// Credential is what gets persisted for a token.
type Credential struct {
	Lookup string
	Hash   string
}

// Authority verifies bearer tokens against stored hashes.
type Authority struct {
	store Store
	cost  int
	clock quartz.Clock
	// compared against when no candidate exists, so "unknown lookup id"
	// costs the same as "wrong secret"
	decoy []byte
}

// New creates an authority hashing with the given bcrypt cost.
func New(store Store, cost int, clock quartz.Clock) (*Authority, error) {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	decoy, err := bcrypt.GenerateFromPassword([]byte("packetmeter-decoy-secret"), cost)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare decoy hash: %w", err)
	}
	return &Authority{store: store, cost: cost, clock: clock, decoy: decoy}, nil
}

// Mint generates a new token and the credential to store for it. The
// plaintext is never persisted.
func (a *Authority) Mint() (string, Credential, error) {
	lookup, err := randomHex(lookupBytes)
	if err != nil {
		return "", Credential{}, err
	}
	secret, err := randomHex(secretBytes)
	if err != nil {
		return "", Credential{}, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), a.cost)
	if err != nil {
		return "", Credential{}, fmt.Errorf("failed to hash token: %w", err)
	}
	plaintext := tokenPrefix + "_" + lookup + "_" + secret
	return plaintext, Credential{Lookup: lookup, Hash: string(hash)}, nil
}

// Issue replaces the token of an existing device and returns the new
// plaintext exactly once.
func (a *Authority) Issue(ctx context.Context, deviceID uuid.UUID) (string, error) {
	plaintext, cred, err := a.Mint()
	if err != nil {
		return "", err
	}
	if err := a.store.SetDeviceToken(ctx, deviceID, &cred.Lookup, cred.Hash); err != nil {
		return "", fmt.Errorf("failed to store token: %w", err)
	}
	return plaintext, nil
}

// Verify returns the device owning bearer, or apperr.ErrUnauthorized.
func (a *Authority) Verify(ctx context.Context, bearer string) (*db.Device, error) {
	bearer = strings.TrimSpace(bearer)
	if bearer == "" {
		return nil, apperr.ErrUnauthorized
	}

	lookup, secret, ok := ParseToken(bearer)
	if !ok {
		return a.verifyLegacy(ctx, bearer)
	}

	device, err := a.store.DeviceByTokenLookup(ctx, lookup)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			_ = bcrypt.CompareHashAndPassword(a.decoy, []byte(secret))
			return nil, apperr.ErrUnauthorized
		}
		return nil, fmt.Errorf("failed to load device by token: %w", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(device.TokenHash), []byte(secret)) != nil {
		return nil, apperr.ErrUnauthorized
	}
	return device, nil
}

// verifyLegacy compares bearer with every legacy hash. It never returns
// early on a match so the number of comparisons does not depend on where,
// or whether, the device is found.
func (a *Authority) verifyLegacy(ctx context.Context, bearer string) (*db.Device, error) {
	devices, err := a.store.ListLegacyTokenDevices(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	if len(devices) == 0 {
		_ = bcrypt.CompareHashAndPassword(a.decoy, []byte(bearer))
		return nil, apperr.ErrUnauthorized
	}

	var match *db.Device
	for i := range devices {
		if bcrypt.CompareHashAndPassword([]byte(devices[i].TokenHash), []byte(bearer)) == nil && match == nil {
			match = &devices[i]
		}
	}
	if match == nil {
		return nil, apperr.ErrUnauthorized
	}
	return match, nil
}

// VerifyActivated is Verify for reporting endpoints: a pending device is
// rejected with apperr.ErrDeviceNotActivated.
func (a *Authority) VerifyActivated(ctx context.Context, bearer string) (*db.Device, error) {
	device, err := a.Verify(ctx, bearer)
	if err != nil {
		return nil, err
	}
	if err := RequireActivated(device); err != nil {
		return nil, err
	}
	return device, nil
}

// HealthCheck accepts any valid token regardless of activation, stamps the
// device and infers its type from clientTag the first time.
func (a *Authority) HealthCheck(ctx context.Context, bearer, clientTag string) (*db.Device, error) {
	device, err := a.Verify(ctx, bearer)
	if err != nil {
		return nil, err
	}
	updated, err := a.store.RecordHealthCheck(ctx, device.ID, a.clock.Now().UTC(), InferDeviceType(clientTag))
	if err != nil {
		return nil, fmt.Errorf("failed to record health check: %w", err)
	}
	return updated, nil
}

// RequireActivated rejects devices the owner has not approved.
func RequireActivated(device *db.Device) error {
	if !device.IsActivated {
		return apperr.ErrDeviceNotActivated
	}
	return nil
}

// ParseToken splits a two-part token. ok is false for any other shape.
func ParseToken(token string) (lookup, secret string, ok bool) {
	parts := strings.Split(token, "_")
	if len(parts) != 3 || parts[0] != tokenPrefix {
		return "", "", false
	}
	lookup, secret = parts[1], parts[2]
	if len(lookup) != lookupBytes*2 || len(secret) != secretBytes*2 {
		return "", "", false
	}
	if !isHex(lookup) || !isHex(secret) {
		return "", "", false
	}
	return lookup, secret, true
}

var clientTagPattern = regexp.MustCompile(`(?i)PacketMeter-(\w+)-Daemon`)

// InferDeviceType reads the platform from a client tag such as
// "PacketMeter-Win-Daemon/1.2".
func InferDeviceType(tag string) db.DeviceType {
	m := clientTagPattern.FindStringSubmatch(tag)
	if m == nil {
		return db.DeviceTypeUnknown
	}
	switch strings.ToLower(m[1]) {
	case "win", "windows":
		return db.DeviceTypeWindows
	case "android":
		return db.DeviceTypeAndroid
	case "ios", "iphone":
		return db.DeviceTypeIOS
	case "mac", "macos", "darwin":
		return db.DeviceTypeMacOS
	case "linux":
		return db.DeviceTypeLinux
	default:
		return db.DeviceTypeUnknown
	}
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func isHex(s string) bool {
	_, err := hex.DecodeString(s)
	return err == nil
}
