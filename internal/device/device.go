// Package device manages the devices a user owns: creation under the plan's
// device limit, approval, renaming, removal and token rotation.
package device

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/septivank/packetmeter/internal/apperr"
	"github.com/septivank/packetmeter/internal/db"
	"github.com/septivank/packetmeter/internal/plan"
	"github.com/septivank/packetmeter/internal/tokenauth"
)

const maxNameLength = 100

// Store is the device persistence the service needs.
type Store interface {
	CountDevices(ctx context.Context, userID uuid.UUID) (int, error)
	CreateDevice(ctx context.Context, device *db.Device) error
	GetDeviceForUser(ctx context.Context, userID, deviceID uuid.UUID) (*db.Device, error)
	ListDeviceOverviews(ctx context.Context, userID uuid.UUID) ([]db.DeviceOverview, error)
	SetDeviceActivated(ctx context.Context, userID, deviceID uuid.UUID, activated bool) (*db.Device, error)
	RenameDevice(ctx context.Context, userID, deviceID uuid.UUID, name string) (*db.Device, error)
	DeleteDevice(ctx context.Context, userID, deviceID uuid.UUID) error
}

// FeatureSource returns the plan features that apply to a user.
type FeatureSource interface {
	Features(ctx context.Context, userID uuid.UUID) (db.PlanFeatures, error)
}

// Service manages devices
type Service struct {
	store    Store
	features FeatureSource
	tokens   *tokenauth.Authority
	logger   *zap.Logger
}

func NewService(store Store, features FeatureSource, tokens *tokenauth.Authority, logger *zap.Logger) *Service {
	return &Service{store: store, features: features, tokens: tokens, logger: logger}
}

// Created is a new device and its token. The plaintext token is only ever
// returned here.
type Created struct {
	Device *db.Device `json:"device"`
	Token  string     `json:"token"`
}

// Create adds a pending device for userID.
func (s *Service) Create(ctx context.Context, userID uuid.UUID, name string) (Created, error) {
	name, err := cleanName(name)
	if err != nil {
		return Created{}, err
	}

	features, err := s.features.Features(ctx, userID)
	if err != nil {
		return Created{}, fmt.Errorf("failed to resolve plan: %w", err)
	}
	count, err := s.store.CountDevices(ctx, userID)
	if err != nil {
		return Created{}, err
	}
	if plan.DeviceLimitReached(features, count) {
		return Created{}, fmt.Errorf("%w: the %s plan allows %d device(s)", apperr.ErrDeviceLimit, features.PlanName, features.MaxDevices)
	}

	token, cred, err := s.tokens.Mint()
	if err != nil {
		return Created{}, err
	}
	device := &db.Device{
		UserID:      userID,
		Name:        name,
		TokenLookup: &cred.Lookup,
		TokenHash:   cred.Hash,
		DeviceType:  db.DeviceTypeUnknown,
	}
	if err := s.store.CreateDevice(ctx, device); err != nil {
		return Created{}, err
	}

	s.logger.Info("device created",
		zap.String("user_id", userID.String()),
		zap.String("device_id", device.ID.String()),
		zap.Int("devices", count+1),
	)
	return Created{Device: device, Token: token}, nil
}

// List returns the user's devices with their latest report.
func (s *Service) List(ctx context.Context, userID uuid.UUID) ([]db.DeviceOverview, error) {
	return s.store.ListDeviceOverviews(ctx, userID)
}

// Get returns one of the user's devices.
func (s *Service) Get(ctx context.Context, userID, deviceID uuid.UUID) (*db.Device, error) {
	return s.store.GetDeviceForUser(ctx, userID, deviceID)
}

// SetActivated approves or suspends a device. Suspended devices keep their
// token and history but their reports are refused.
func (s *Service) SetActivated(ctx context.Context, userID, deviceID uuid.UUID, activated bool) (*db.Device, error) {
	d, err := s.store.SetDeviceActivated(ctx, userID, deviceID, activated)
	if err != nil {
		return nil, err
	}
	s.logger.Info("device activation changed", zap.String("device_id", deviceID.String()), zap.Bool("activated", activated))
	return d, nil
}

func (s *Service) Rename(ctx context.Context, userID, deviceID uuid.UUID, name string) (*db.Device, error) {
	name, err := cleanName(name)
	if err != nil {
		return nil, err
	}
	return s.store.RenameDevice(ctx, userID, deviceID, name)
}

// Delete removes a device with all of its apps and usage.
func (s *Service) Delete(ctx context.Context, userID, deviceID uuid.UUID) error {
	if err := s.store.DeleteDevice(ctx, userID, deviceID); err != nil {
		return err
	}
	s.logger.Info("device deleted", zap.String("user_id", userID.String()), zap.String("device_id", deviceID.String()))
	return nil
}

// RotateToken replaces the device token. The old token stops working
// immediately.
func (s *Service) RotateToken(ctx context.Context, userID, deviceID uuid.UUID) (string, error) {
	if _, err := s.store.GetDeviceForUser(ctx, userID, deviceID); err != nil {
		return "", err
	}
	return s.tokens.Issue(ctx, deviceID)
}

func cleanName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", apperr.Validation("name must not be blank")
	}
	if utf8.RuneCountInString(name) > maxNameLength {
		return "", apperr.Validation("name must be at most %d characters", maxNameLength)
	}
	return name, nil
}
