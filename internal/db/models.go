package db

import (
	"time"

	"github.com/google/uuid"

	"github.com/septivank/packetmeter/internal/bytecount"
)

// AggregateIdentifier names the per-device bucket that holds usage not
// attributed to a tracked app.
const AggregateIdentifier = "aggregate/untracked"

// DeviceType is inferred from the client tag on the first health check.
type DeviceType string

const (
	DeviceTypeUnknown DeviceType = "unknown"
	DeviceTypeAndroid DeviceType = "android"
	DeviceTypeIOS     DeviceType = "ios"
	DeviceTypeWindows DeviceType = "windows"
	DeviceTypeMacOS   DeviceType = "macos"
	DeviceTypeLinux   DeviceType = "linux"
)

// Granularity is the report shape a plan stores.
type Granularity string

const (
	GranularityTotal      Granularity = "total"
	GranularityPerProcess Granularity = "per_process"
)

// User represents an account owning devices
type User struct {
	ID        uuid.UUID
	Username  string
	Email     string
	Timezone  string
	CreatedAt time.Time
}

// Device represents a reporting endpoint
type Device struct {
	ID                uuid.UUID
	UserID            uuid.UUID
	Name              string
	TokenLookup       *string
	TokenHash         string
	DeviceType        DeviceType
	IsActivated       bool
	LastHealthCheckAt *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// App represents a tracked application on a device
type App struct {
	ID          uuid.UUID
	DeviceID    uuid.UUID
	Identifier  string
	DisplayName *string
	IconHash    *string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// UsageRecord is one ledger row: usage of one app on one device in one UTC hour.
type UsageRecord struct {
	ID         uuid.UUID
	DeviceID   uuid.UUID
	AppID      uuid.UUID
	Identifier string
	HourUTC    time.Time
	TotalRx    bytecount.Count
	TotalTx    bytecount.Count
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// UsageEntry is a per-app snapshot for a single hour as reported by a device.
type UsageEntry struct {
	Identifier string
	TotalRx    bytecount.Count
	TotalTx    bytecount.Count
}

// AppMetadata is display information sent by the registration side channel.
type AppMetadata struct {
	Identifier  string
	DisplayName *string
	IconHash    *string
}

// UsageSummary is the sum of a device's rows over a range.
type UsageSummary struct {
	TotalRx      bytecount.Count
	TotalTx      bytecount.Count
	HoursCovered int
	LastReportAt *time.Time
}

// HourlyUsage groups one hour of a device's rows.
type HourlyUsage struct {
	HourUTC time.Time
	TotalRx bytecount.Count
	TotalTx bytecount.Count
	Apps    []UsageRecord
}

// Settings holds a user's own preferences. A nil pointer means unset.
type Settings struct {
	UserID                   uuid.UUID
	ClearReportsIntervalDays *int
	EmailReportsEnabled      *bool
	EmailIntervalDays        *int
	UpdatedAt                time.Time
}

// PlanFeatures are the ceilings and capabilities granted by a plan.
// A nil ceiling means the plan does not set one; -1 means unlimited.
type PlanFeatures struct {
	PlanName                    string
	MaxDevices                  int
	MaxClearReportsIntervalDays *int
	MaxEmailIntervalDays        *int
	EmailReportsEnabled         bool
	ReportGranularity           Granularity
}

// DeviceOverview is a device as listed to its owner.
type DeviceOverview struct {
	Device
	LastReportAt *time.Time
	ReportHours  int
}
