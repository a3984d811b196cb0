// Package plan combines a user's own settings with the ceilings of their
// subscription plan. The plan always wins when the two disagree.
package plan

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/septivank/packetmeter/internal/db"
)

// Unlimited is the sentinel for "no limit" in settings and plan ceilings.
const Unlimited = -1

// Defaults applied when neither the user nor the plan sets a value.
const (
	DefaultClearReportsIntervalDays = 1
	DefaultEmailIntervalDays        = 1
)

// Free is used when a user has no active subscription.
func Free() db.PlanFeatures {
	one := 1
	return db.PlanFeatures{
		PlanName:                    "free",
		MaxDevices:                  3,
		MaxClearReportsIntervalDays: &one,
		EmailReportsEnabled:         false,
		ReportGranularity:           db.GranularityTotal,
	}
}

// ResolveEffectiveLimit combines a user value with a plan ceiling.
//
// Unlimited is returned only when the user asked for it and the plan ceiling
// is unlimited or absent. Otherwise the smaller of the two positive values
// wins, or whichever one is positive, or def when neither is.
func ResolveEffectiveLimit(userValue, planCeiling *int, def int) int {
	userUnlimited := userValue != nil && *userValue == Unlimited
	ceilingOpen := planCeiling == nil || *planCeiling == Unlimited
	if userUnlimited && ceilingOpen {
		return Unlimited
	}

	userPositive := userValue != nil && *userValue > 0
	ceilingPositive := planCeiling != nil && *planCeiling > 0
	switch {
	case userPositive && ceilingPositive:
		return min(*userValue, *planCeiling)
	case userPositive:
		return *userValue
	case ceilingPositive:
		return *planCeiling
	default:
		return def
	}
}

// ResolveRetentionDays returns the effective retention, or Unlimited.
func ResolveRetentionDays(s db.Settings, f db.PlanFeatures) int {
	return ResolveEffectiveLimit(s.ClearReportsIntervalDays, f.MaxClearReportsIntervalDays, DefaultClearReportsIntervalDays)
}

// ResolveEmailIntervalDays returns the digest lookback in days. It is always
// positive; an unlimited result falls back to the default.
func ResolveEmailIntervalDays(s db.Settings, f db.PlanFeatures) int {
	days := ResolveEffectiveLimit(s.EmailIntervalDays, f.MaxEmailIntervalDays, DefaultEmailIntervalDays)
	if days == Unlimited {
		return DefaultEmailIntervalDays
	}
	return days
}

// ResolveEmailEnabled lets the user opt in or out, but never past the plan.
// An unset preference follows the plan.
func ResolveEmailEnabled(s db.Settings, f db.PlanFeatures) bool {
	if !f.EmailReportsEnabled {
		return false
	}
	if s.EmailReportsEnabled == nil {
		return true
	}
	return *s.EmailReportsEnabled
}

// DeviceLimitReached reports whether another device would exceed the plan.
// A non-positive maximum means unlimited.
func DeviceLimitReached(f db.PlanFeatures, current int) bool {
	return f.MaxDevices > 0 && current >= f.MaxDevices
}

// FeatureStore returns the features of a user's active plan, or nil when
// the user has none.
type FeatureStore interface {
	ActivePlanFeatures(ctx context.Context, userID uuid.UUID) (*db.PlanFeatures, error)
}

// Resolver looks up the plan that applies to a user.
type Resolver struct {
	store FeatureStore
}

// NewResolver creates a new plan resolver
func NewResolver(store FeatureStore) *Resolver {
	return &Resolver{store: store}
}

// Features returns the active plan's features, or Free.
func (r *Resolver) Features(ctx context.Context, userID uuid.UUID) (db.PlanFeatures, error) {
	f, err := r.store.ActivePlanFeatures(ctx, userID)
	if err != nil {
		return db.PlanFeatures{}, fmt.Errorf("failed to load plan for user %s: %w", userID, err)
	}
	if f == nil {
		return Free(), nil
	}
	if f.ReportGranularity == "" {
		f.ReportGranularity = db.GranularityTotal
	}
	return *f, nil
}
