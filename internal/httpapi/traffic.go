package httpapi

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/septivank/packetmeter/internal/validator"
)

type ingestResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Applied int    `json:"applied"`
}

func (a *API) postPerProcess(rw http.ResponseWriter, r *http.Request) {
	var report validator.UsageReport
	if err := Read(rw, r, &report); err != nil {
		a.metrics.ReportsRejected.WithLabelValues("validation_error").Inc()
		WriteError(rw, a.log(r), err)
		return
	}
	applied, err := a.ledger.UpsertReport(r.Context(), DeviceFrom(r), report)
	if err != nil {
		WriteError(rw, a.log(r), err)
		return
	}
	Write(rw, http.StatusOK, ingestResponse{Success: true, Message: "received", Applied: applied})
}

func (a *API) postTotalUsage(rw http.ResponseWriter, r *http.Request) {
	var report validator.TotalUsageReport
	if err := Read(rw, r, &report); err != nil {
		a.metrics.ReportsRejected.WithLabelValues("validation_error").Inc()
		WriteError(rw, a.log(r), err)
		return
	}
	if err := a.ledger.UpsertTotal(r.Context(), DeviceFrom(r), report); err != nil {
		WriteError(rw, a.log(r), err)
		return
	}
	Write(rw, http.StatusOK, ingestResponse{Success: true, Message: "received", Applied: 1})
}

func (a *API) postRegisterApps(rw http.ResponseWriter, r *http.Request) {
	var req validator.RegisterAppsRequest
	if err := Read(rw, r, &req); err != nil {
		WriteError(rw, a.log(r), err)
		return
	}
	n, err := a.ledger.RegisterApps(r.Context(), DeviceFrom(r), req)
	if err != nil {
		WriteError(rw, a.log(r), err)
		return
	}
	Write(rw, http.StatusOK, ingestResponse{Success: true, Message: "apps registered", Applied: n})
}

type healthCheckResponse struct {
	Success bool                `json:"success"`
	Message string              `json:"message"`
	Device  healthCheckedDevice `json:"device"`
}

type healthCheckedDevice struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	DeviceType  string `json:"deviceType"`
	IsActivated bool   `json:"isActivated"`
}

// postHealthCheck succeeds for any valid token, activated or not.
func (a *API) postHealthCheck(rw http.ResponseWriter, r *http.Request) {
	device, err := a.tokens.HealthCheck(r.Context(), bearerToken(r), r.UserAgent())
	if err != nil {
		WriteError(rw, a.log(r), err)
		return
	}
	a.metrics.HealthChecks.Inc()
	a.log(r).Debug("health check", zap.String("device_id", device.ID.String()), zap.String("client", r.UserAgent()))
	Write(rw, http.StatusOK, healthCheckResponse{
		Success: true,
		Message: "health check received",
		Device: healthCheckedDevice{
			ID:          device.ID.String(),
			Name:        device.Name,
			DeviceType:  string(device.DeviceType),
			IsActivated: device.IsActivated,
		},
	})
}
