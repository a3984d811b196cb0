// Package settings reads and updates a user's retention and digest
// preferences within the limits of their plan.
package settings

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/septivank/packetmeter/internal/apperr"
	"github.com/septivank/packetmeter/internal/db"
	"github.com/septivank/packetmeter/internal/plan"
	"github.com/septivank/packetmeter/internal/validator"
)

// Store persists settings rows.
type Store interface {
	GetSettings(ctx context.Context, userID uuid.UUID) (db.Settings, error)
	UpsertSettings(ctx context.Context, s db.Settings) (db.Settings, error)
}

// FeatureSource returns the plan features that apply to a user.
type FeatureSource interface {
	Features(ctx context.Context, userID uuid.UUID) (db.PlanFeatures, error)
}

// View is a user's preferences and what they resolve to under the current
// plan. A preference the user never set shows its resolved value.
type View struct {
	ClearReportsIntervalDays int       `json:"clearReportsInterval"`
	EmailReportsEnabled      bool      `json:"emailReportsEnabled"`
	EmailIntervalDays        int       `json:"emailInterval"`
	UpdatedAt                time.Time `json:"updatedAt"`
	Effective                Effective `json:"effective"`
}

// Effective values are the ones the retention and digest jobs use.
type Effective struct {
	Plan                     string `json:"plan"`
	ClearReportsIntervalDays int    `json:"clearReportsInterval"`
	EmailReportsEnabled      bool   `json:"emailReportsEnabled"`
	EmailIntervalDays        int    `json:"emailInterval"`
}

// Update is a partial change. Nil fields are left alone.
type Update struct {
	ClearReportsIntervalDays *int  `json:"clearReportsInterval" validate:"omitempty,min=-1,ne=0"`
	EmailReportsEnabled      *bool `json:"emailReportsEnabled"`
	EmailIntervalDays        *int  `json:"emailInterval" validate:"omitempty,min=1"`
}

func (u Update) empty() bool {
	return u.ClearReportsIntervalDays == nil && u.EmailReportsEnabled == nil && u.EmailIntervalDays == nil
}

type Service struct {
	store     Store
	features  FeatureSource
	validator *validator.Validator
}

func NewService(store Store, features FeatureSource, v *validator.Validator) *Service {
	return &Service{store: store, features: features, validator: v}
}

// Get returns the user's settings. It never writes: unset preferences keep
// following the plan.
func (s *Service) Get(ctx context.Context, userID uuid.UUID) (View, error) {
	stored, err := s.store.GetSettings(ctx, userID)
	if err != nil {
		return View{}, err
	}
	features, err := s.features.Features(ctx, userID)
	if err != nil {
		return View{}, fmt.Errorf("failed to resolve plan: %w", err)
	}
	return view(stored, features), nil
}

// Update applies a partial change. Values outside what the plan grants are
// refused with apperr.ErrPlanLimit.
func (s *Service) Update(ctx context.Context, userID uuid.UUID, u Update) (View, error) {
	if u.empty() {
		return View{}, apperr.Validation("no settings updates provided")
	}
	if err := s.validator.Struct(u); err != nil {
		return View{}, err
	}
	features, err := s.features.Features(ctx, userID)
	if err != nil {
		return View{}, fmt.Errorf("failed to resolve plan: %w", err)
	}
	if err := checkPlan(u, features); err != nil {
		return View{}, err
	}

	stored, err := s.store.GetSettings(ctx, userID)
	if err != nil {
		return View{}, err
	}
	stored.UserID = userID
	if u.ClearReportsIntervalDays != nil {
		stored.ClearReportsIntervalDays = u.ClearReportsIntervalDays
	}
	if u.EmailReportsEnabled != nil {
		stored.EmailReportsEnabled = u.EmailReportsEnabled
	}
	if u.EmailIntervalDays != nil {
		stored.EmailIntervalDays = u.EmailIntervalDays
	}
	saved, err := s.store.UpsertSettings(ctx, stored)
	if err != nil {
		return View{}, err
	}
	return view(saved, features), nil
}

func checkPlan(u Update, f db.PlanFeatures) error {
	if v := u.ClearReportsIntervalDays; v != nil {
		if ceiling := f.MaxClearReportsIntervalDays; ceiling != nil && *ceiling != plan.Unlimited {
			if *v == plan.Unlimited {
				return fmt.Errorf("%w: the %s plan does not allow disabling automatic report clearing", apperr.ErrPlanLimit, f.PlanName)
			}
			if *v > *ceiling {
				return fmt.Errorf("%w: the %s plan allows a maximum clear interval of %d day(s)", apperr.ErrPlanLimit, f.PlanName, *ceiling)
			}
		}
	}
	wantsEmail := (u.EmailReportsEnabled != nil && *u.EmailReportsEnabled) || u.EmailIntervalDays != nil
	if wantsEmail && !f.EmailReportsEnabled {
		return fmt.Errorf("%w: email reports are not available on the %s plan", apperr.ErrPlanLimit, f.PlanName)
	}
	if v := u.EmailIntervalDays; v != nil {
		if ceiling := f.MaxEmailIntervalDays; ceiling != nil && *ceiling > 0 && *v > *ceiling {
			return fmt.Errorf("%w: the %s plan allows a maximum email interval of %d day(s)", apperr.ErrPlanLimit, f.PlanName, *ceiling)
		}
	}
	return nil
}

func view(s db.Settings, f db.PlanFeatures) View {
	eff := Effective{
		Plan:                     f.PlanName,
		ClearReportsIntervalDays: plan.ResolveRetentionDays(s, f),
		EmailReportsEnabled:      plan.ResolveEmailEnabled(s, f),
		EmailIntervalDays:        plan.ResolveEmailIntervalDays(s, f),
	}
	return View{
		ClearReportsIntervalDays: deref(s.ClearReportsIntervalDays, eff.ClearReportsIntervalDays),
		EmailReportsEnabled:      deref(s.EmailReportsEnabled, eff.EmailReportsEnabled),
		EmailIntervalDays:        deref(s.EmailIntervalDays, eff.EmailIntervalDays),
		UpdatedAt:                s.UpdatedAt,
		Effective:                eff,
	}
}

func deref[T any](p *T, def T) T {
	if p == nil {
		return def
	}
	return *p
}
