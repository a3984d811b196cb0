package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/septivank/packetmeter/internal/apperr"
	"github.com/septivank/packetmeter/internal/bytecount"
	"github.com/septivank/packetmeter/internal/db"
	"github.com/septivank/packetmeter/internal/timezone"
)

const (
	defaultUsageLimit = 100
	maxUsageLimit     = 1000
)

type deviceView struct {
	ID              uuid.UUID  `json:"id"`
	Name            string     `json:"name"`
	DeviceType      string     `json:"deviceType"`
	IsActivated     bool       `json:"isActivated"`
	LastHealthCheck *time.Time `json:"lastHealthCheck"`
	CreatedAt       time.Time  `json:"createdAt"`
	LastReportAt    *time.Time `json:"lastReportAt,omitempty"`
	ReportHours     *int       `json:"reportHours,omitempty"`
}

func newDeviceView(d db.Device) deviceView {
	return deviceView{
		ID:              d.ID,
		Name:            d.Name,
		DeviceType:      string(d.DeviceType),
		IsActivated:     d.IsActivated,
		LastHealthCheck: d.LastHealthCheckAt,
		CreatedAt:       d.CreatedAt,
	}
}

type deviceResponse struct {
	Success bool       `json:"success"`
	Message string     `json:"message,omitempty"`
	Device  deviceView `json:"device"`
	Token   string     `json:"token,omitempty"`
}

type devicesResponse struct {
	Success bool         `json:"success"`
	Devices []deviceView `json:"devices"`
}

type deviceNameRequest struct {
	Name string `json:"name"`
}

func deviceIDParam(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "deviceID"))
	if err != nil {
		return uuid.Nil, apperr.Validation("device id must be a uuid")
	}
	return id, nil
}

func (a *API) listDevices(rw http.ResponseWriter, r *http.Request) {
	overviews, err := a.devices.List(r.Context(), UserFrom(r).ID)
	if err != nil {
		WriteError(rw, a.log(r), err)
		return
	}
	out := make([]deviceView, 0, len(overviews))
	for _, o := range overviews {
		v := newDeviceView(o.Device)
		hours := o.ReportHours
		v.LastReportAt, v.ReportHours = o.LastReportAt, &hours
		out = append(out, v)
	}
	Write(rw, http.StatusOK, devicesResponse{Success: true, Devices: out})
}

func (a *API) createDevice(rw http.ResponseWriter, r *http.Request) {
	var req deviceNameRequest
	if err := Read(rw, r, &req); err != nil {
		WriteError(rw, a.log(r), err)
		return
	}
	created, err := a.devices.Create(r.Context(), UserFrom(r).ID, req.Name)
	if err != nil {
		WriteError(rw, a.log(r), err)
		return
	}
	Write(rw, http.StatusCreated, deviceResponse{
		Success: true,
		Message: "device created",
		Device:  newDeviceView(*created.Device),
		Token:   created.Token,
	})
}

func (a *API) renameDevice(rw http.ResponseWriter, r *http.Request) {
	id, err := deviceIDParam(r)
	if err != nil {
		WriteError(rw, a.log(r), err)
		return
	}
	var req deviceNameRequest
	if err := Read(rw, r, &req); err != nil {
		WriteError(rw, a.log(r), err)
		return
	}
	d, err := a.devices.Rename(r.Context(), UserFrom(r).ID, id, req.Name)
	if err != nil {
		WriteError(rw, a.log(r), err)
		return
	}
	Write(rw, http.StatusOK, deviceResponse{Success: true, Message: "device renamed", Device: newDeviceView(*d)})
}

func (a *API) deleteDevice(rw http.ResponseWriter, r *http.Request) {
	id, err := deviceIDParam(r)
	if err != nil {
		WriteError(rw, a.log(r), err)
		return
	}
	if err := a.devices.Delete(r.Context(), UserFrom(r).ID, id); err != nil {
		WriteError(rw, a.log(r), err)
		return
	}
	Write(rw, http.StatusOK, Response{Success: true, Message: "device deleted"})
}

func (a *API) activateDevice(rw http.ResponseWriter, r *http.Request) {
	a.setActivated(rw, r, true)
}

func (a *API) deactivateDevice(rw http.ResponseWriter, r *http.Request) {
	a.setActivated(rw, r, false)
}

func (a *API) setActivated(rw http.ResponseWriter, r *http.Request, activated bool) {
	id, err := deviceIDParam(r)
	if err != nil {
		WriteError(rw, a.log(r), err)
		return
	}
	d, err := a.devices.SetActivated(r.Context(), UserFrom(r).ID, id, activated)
	if err != nil {
		WriteError(rw, a.log(r), err)
		return
	}
	msg := "device activated"
	if !activated {
		msg = "device deactivated"
	}
	Write(rw, http.StatusOK, deviceResponse{Success: true, Message: msg, Device: newDeviceView(*d)})
}

func (a *API) rotateToken(rw http.ResponseWriter, r *http.Request) {
	id, err := deviceIDParam(r)
	if err != nil {
		WriteError(rw, a.log(r), err)
		return
	}
	token, err := a.devices.RotateToken(r.Context(), UserFrom(r).ID, id)
	if err != nil {
		WriteError(rw, a.log(r), err)
		return
	}
	d, err := a.devices.Get(r.Context(), UserFrom(r).ID, id)
	if err != nil {
		WriteError(rw, a.log(r), err)
		return
	}
	Write(rw, http.StatusOK, deviceResponse{Success: true, Message: "token rotated", Device: newDeviceView(*d), Token: token})
}

type appUsageView struct {
	Identifier string          `json:"identifier"`
	TotalRx    bytecount.Count `json:"totalRx"`
	TotalTx    bytecount.Count `json:"totalTx"`
}

type hourView struct {
	HourUTC   time.Time       `json:"hourUtc"`
	LocalTime string          `json:"localTime"`
	LocalDate string          `json:"localDate"`
	TotalRx   bytecount.Count `json:"totalRx"`
	TotalTx   bytecount.Count `json:"totalTx"`
	Apps      []appUsageView  `json:"apps"`
}

type usageResponse struct {
	Success  bool       `json:"success"`
	Timezone string     `json:"timezone"`
	From     time.Time  `json:"from"`
	To       time.Time  `json:"to"`
	Hours    []hourView `json:"hours"`
}

type usageQuery struct {
	limit    int
	period   timezone.Period
	count    int
	timezone string
}

func parseUsageQuery(r *http.Request) (usageQuery, error) {
	q := r.URL.Query()
	out := usageQuery{limit: defaultUsageLimit, timezone: q.Get("timezone")}

	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxUsageLimit {
			return usageQuery{}, apperr.Validation("limit must be an integer between 1 and %d", maxUsageLimit)
		}
		out.limit = n
	}

	rawPeriod, rawCount := q.Get("period"), q.Get("count")
	if rawPeriod == "" {
		if rawCount != "" {
			return usageQuery{}, apperr.Validation("count requires period")
		}
		return out, nil
	}
	p, err := timezone.ParsePeriod(rawPeriod)
	if err != nil {
		return usageQuery{}, apperr.Validation("%s", err.Error())
	}
	out.period = p
	if rawCount == "" {
		return usageQuery{}, apperr.Validation("count is required when period is given")
	}
	n, err := strconv.Atoi(rawCount)
	if err != nil || n < 1 {
		return usageQuery{}, apperr.Validation("count must be a positive integer")
	}
	out.count = n
	return out, nil
}

// deviceUsage returns hourly totals bucketed in the caller's timezone. A
// valid timezone parameter is remembered for the next query.
func (a *API) deviceUsage(rw http.ResponseWriter, r *http.Request) {
	user := UserFrom(r)
	id, err := deviceIDParam(r)
	if err != nil {
		WriteError(rw, a.log(r), err)
		return
	}
	q, err := parseUsageQuery(r)
	if err != nil {
		WriteError(rw, a.log(r), err)
		return
	}
	if _, err := a.devices.Get(r.Context(), user.ID, id); err != nil {
		WriteError(rw, a.log(r), err)
		return
	}

	tzName := user.Timezone
	if q.timezone != "" {
		if !timezone.IsValid(q.timezone) {
			WriteError(rw, a.log(r), apperr.Validation("unknown timezone %q", q.timezone))
			return
		}
		tzName = q.timezone
		if q.timezone != user.Timezone {
			if err := a.users.UpdateUserTimezone(r.Context(), user.ID, q.timezone); err != nil {
				a.log(r).Warn("failed to store timezone", zap.Error(err))
			}
		}
	}
	loc, ok := timezone.ResolveLocation(tzName)
	if !ok {
		a.log(r).Warn("invalid stored timezone, using UTC", zap.String("timezone", tzName))
	}

	now := a.clock.Now()
	rng := timezone.Range{Start: time.Unix(0, 0).UTC(), End: timezone.FloorToUTCHour(now).Add(24 * time.Hour)}
	if q.period != "" {
		rng, err = timezone.PeriodRange(now, loc, q.period, q.count)
		if err != nil {
			WriteError(rw, a.log(r), apperr.Validation("%s", err.Error()))
			return
		}
	}

	hours, err := a.ledger.HourlyTotals(r.Context(), id, rng, q.limit)
	if err != nil {
		WriteError(rw, a.log(r), err)
		return
	}

	out := make([]hourView, 0, len(hours))
	for _, h := range hours {
		apps := make([]appUsageView, 0, len(h.Apps))
		for _, rec := range h.Apps {
			apps = append(apps, appUsageView{Identifier: rec.Identifier, TotalRx: rec.TotalRx, TotalTx: rec.TotalTx})
		}
		out = append(out, hourView{
			HourUTC:   h.HourUTC.UTC(),
			LocalTime: h.HourUTC.In(loc).Format(time.RFC3339),
			LocalDate: timezone.CivilDateOf(h.HourUTC, loc),
			TotalRx:   h.TotalRx,
			TotalTx:   h.TotalTx,
			Apps:      apps,
		})
	}
	Write(rw, http.StatusOK, usageResponse{
		Success:  true,
		Timezone: loc.String(),
		From:     rng.Start,
		To:       rng.End,
		Hours:    out,
	})
}
