package validator

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	playvalidator "github.com/go-playground/validator/v10"

	"github.com/septivank/packetmeter/internal/apperr"
	"github.com/septivank/packetmeter/internal/bytecount"
	"github.com/septivank/packetmeter/internal/db"
	"github.com/septivank/packetmeter/internal/timezone"
	"github.com/septivank/packetmeter/tools/timeparser"
)

// AppUsage is one app's snapshot inside a usage report
type AppUsage struct {
	Identifier string          `json:"identifier" validate:"required,max=300"`
	TotalRx    bytecount.Count `json:"totalRx"`
	TotalTx    bytecount.Count `json:"totalTx"`
}

// UsageReport is the per-app report body sent by devices
type UsageReport struct {
	Timestamp string     `json:"timestamp" validate:"required"`
	Date      string     `json:"date" validate:"omitempty,datetime=2006-01-02"`
	Apps      []AppUsage `json:"apps" validate:"required,min=1,max=5000,dive"`
}

// TotalUsageReport is the coarse report carrying only device totals
type TotalUsageReport struct {
	Timestamp string          `json:"timestamp" validate:"required"`
	Date      string          `json:"date" validate:"omitempty,datetime=2006-01-02"`
	TotalRx   bytecount.Count `json:"totalRx"`
	TotalTx   bytecount.Count `json:"totalTx"`
}

// AppRegistration carries display metadata for an identifier
type AppRegistration struct {
	Identifier  string  `json:"identifier" validate:"required,max=300"`
	DisplayName *string `json:"displayName,omitempty" validate:"omitempty,max=300"`
	IconHash    *string `json:"iconHash,omitempty" validate:"omitempty,max=128"`
}

// RegisterAppsRequest is the registration side-channel body
type RegisterAppsRequest struct {
	Apps []AppRegistration `json:"apps" validate:"required,min=1,max=5000,dive"`
}

// ValidatedUsage is a usage report ready for the ledger
type ValidatedUsage struct {
	Hour    time.Time
	Entries []db.UsageEntry
}

// ValidatedTotal is a total report ready for the ledger
type ValidatedTotal struct {
	Hour    time.Time
	TotalRx bytecount.Count
	TotalTx bytecount.Count
}

// FieldError describes one rejected field
type FieldError struct {
	Field  string `json:"field"`
	Detail string `json:"detail"`
}

// Error lists every problem found in a payload. It matches apperr.ErrValidation.
type Error struct {
	Fields []FieldError
}

func (e *Error) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Detail)
	}
	return "validation error: " + strings.Join(parts, "; ")
}

func (e *Error) Unwrap() error {
	return apperr.ErrValidation
}

// Validator checks report payloads with configurable time bounds
type Validator struct {
	validate        *playvalidator.Validate
	futureTolerance time.Duration
	maxAge          time.Duration
}

// NewValidator creates a validator. Reports more than futureTolerance ahead
// of the receive time or older than maxAge are rejected; a zero maxAge
// accepts any age.
func NewValidator(futureTolerance, maxAge time.Duration) *Validator {
	v := playvalidator.New(playvalidator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &Validator{
		validate:        v,
		futureTolerance: futureTolerance,
		maxAge:          maxAge,
	}
}

// Struct runs tag validation on any request body.
func (v *Validator) Struct(value any) error {
	err := v.validate.Struct(value)
	if err == nil {
		return nil
	}
	var validationErrors playvalidator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return fmt.Errorf("%w: %s", apperr.ErrValidation, err.Error())
	}
	out := &Error{}
	for _, fe := range validationErrors {
		out.Fields = append(out.Fields, FieldError{
			Field:  trimNamespace(fe.Namespace()),
			Detail: fmt.Sprintf("failed on %q", fe.Tag()),
		})
	}
	return out
}

// ValidateUsageReport checks the whole report; any problem rejects all of it.
func (v *Validator) ValidateUsageReport(r UsageReport, receivedAt time.Time) (ValidatedUsage, error) {
	if err := v.Struct(r); err != nil {
		return ValidatedUsage{}, err
	}
	reportTime, err := v.checkTimestamp(r.Timestamp, receivedAt)
	if err != nil {
		return ValidatedUsage{}, err
	}
	if err := checkDate(r.Date, reportTime); err != nil {
		return ValidatedUsage{}, err
	}

	seen := make(map[string]int, len(r.Apps))
	entries := make([]db.UsageEntry, 0, len(r.Apps))
	for i, app := range r.Apps {
		id := strings.TrimSpace(app.Identifier)
		if id == "" {
			return ValidatedUsage{}, fieldError(fmt.Sprintf("apps[%d].identifier", i), "must not be blank")
		}
		if id == db.AggregateIdentifier {
			return ValidatedUsage{}, fieldError(fmt.Sprintf("apps[%d].identifier", i), "is reserved")
		}
		if prev, dup := seen[id]; dup {
			return ValidatedUsage{}, fieldError(fmt.Sprintf("apps[%d].identifier", i), fmt.Sprintf("duplicates apps[%d]", prev))
		}
		seen[id] = i
		entries = append(entries, db.UsageEntry{Identifier: id, TotalRx: app.TotalRx, TotalTx: app.TotalTx})
	}

	return ValidatedUsage{Hour: timezone.FloorToUTCHour(reportTime), Entries: entries}, nil
}

// ValidateTotalReport checks a total usage report.
func (v *Validator) ValidateTotalReport(r TotalUsageReport, receivedAt time.Time) (ValidatedTotal, error) {
	if err := v.Struct(r); err != nil {
		return ValidatedTotal{}, err
	}
	reportTime, err := v.checkTimestamp(r.Timestamp, receivedAt)
	if err != nil {
		return ValidatedTotal{}, err
	}
	if err := checkDate(r.Date, reportTime); err != nil {
		return ValidatedTotal{}, err
	}
	return ValidatedTotal{Hour: timezone.FloorToUTCHour(reportTime), TotalRx: r.TotalRx, TotalTx: r.TotalTx}, nil
}

// ValidateRegistration checks an app registration request.
func (v *Validator) ValidateRegistration(r RegisterAppsRequest) ([]db.AppMetadata, error) {
	if err := v.Struct(r); err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(r.Apps))
	out := make([]db.AppMetadata, 0, len(r.Apps))
	for i, app := range r.Apps {
		id := strings.TrimSpace(app.Identifier)
		if id == "" || id == db.AggregateIdentifier {
			return nil, fieldError(fmt.Sprintf("apps[%d].identifier", i), "is blank or reserved")
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, db.AppMetadata{Identifier: id, DisplayName: app.DisplayName, IconHash: app.IconHash})
	}
	return out, nil
}

func (v *Validator) checkTimestamp(value string, receivedAt time.Time) (time.Time, error) {
	t, err := timeparser.ParseReportTimestamp(value)
	if err != nil {
		return time.Time{}, fieldError("timestamp", err.Error())
	}
	if !timeparser.IsWithinWindow(t, receivedAt, v.futureTolerance, v.maxAge) {
		return time.Time{}, fieldError("timestamp", fmt.Sprintf("outside accepted window (future tolerance %s, max age %s)", v.futureTolerance, v.maxAge))
	}
	return t, nil
}

// checkDate accepts an empty date, or the device's local date for the
// timestamp. Every UTC offset is within a day, so the local date is the UTC
// date or one of its neighbours.
func checkDate(date string, reportTime time.Time) error {
	if date == "" {
		return nil
	}
	d, err := time.Parse(timezone.DateLayout, date)
	if err != nil {
		return fieldError("date", err.Error())
	}
	u := reportTime.UTC()
	utcDay := time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
	if diff := d.Sub(utcDay); diff < -24*time.Hour || diff > 24*time.Hour {
		return fieldError("date", fmt.Sprintf("%s does not match timestamp %s", date, u.Format(time.RFC3339)))
	}
	return nil
}

func fieldError(field, detail string) error {
	return &Error{Fields: []FieldError{{Field: field, Detail: detail}}}
}

// trimNamespace drops the struct name from "UsageReport.apps[0].identifier".
func trimNamespace(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}
