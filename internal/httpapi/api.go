package httpapi

import (
	"context"
	"net/http"

	"github.com/coder/quartz"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/septivank/packetmeter/internal/db"
	"github.com/septivank/packetmeter/internal/device"
	"github.com/septivank/packetmeter/internal/digest"
	"github.com/septivank/packetmeter/internal/metrics"
	"github.com/septivank/packetmeter/internal/retention"
	"github.com/septivank/packetmeter/internal/settings"
	"github.com/septivank/packetmeter/internal/timezone"
	"github.com/septivank/packetmeter/internal/validator"
)

// Ledger is the usage ledger as seen by the transport.
type Ledger interface {
	UpsertReport(ctx context.Context, device *db.Device, report validator.UsageReport) (int, error)
	UpsertTotal(ctx context.Context, device *db.Device, report validator.TotalUsageReport) error
	RegisterApps(ctx context.Context, device *db.Device, req validator.RegisterAppsRequest) (int, error)
	HourlyTotals(ctx context.Context, deviceID uuid.UUID, r timezone.Range, limit int) ([]db.HourlyUsage, error)
}

// Tokens verifies device bearer tokens.
type Tokens interface {
	Verify(ctx context.Context, bearer string) (*db.Device, error)
	HealthCheck(ctx context.Context, bearer, clientTag string) (*db.Device, error)
}

// Users loads the caller and stores their timezone.
type Users interface {
	GetUser(ctx context.Context, userID uuid.UUID) (*db.User, error)
	UpdateUserTimezone(ctx context.Context, userID uuid.UUID, tz string) error
}

type Sweeper interface {
	Sweep(ctx context.Context, trigger string) (retention.Result, error)
}

type DigestSender interface {
	SendAll(ctx context.Context, trigger string) (digest.Result, error)
}

// Options are the dependencies of the API.
type Options struct {
	Ledger       Ledger
	Tokens       Tokens
	Users        Users
	Devices      *device.Service
	Settings     *settings.Service
	Retention    Sweeper
	Digests      DigestSender
	Metrics      *metrics.Metrics
	Gatherer     prometheus.Gatherer
	Clock        quartz.Clock
	Logger       *zap.Logger
	AdminToken   string
	UserIDHeader string
}

// API serves the HTTP endpoints
type API struct {
	ledger       Ledger
	tokens       Tokens
	users        Users
	devices      *device.Service
	settings     *settings.Service
	retention    Sweeper
	digests      DigestSender
	metrics      *metrics.Metrics
	gatherer     prometheus.Gatherer
	clock        quartz.Clock
	logger       *zap.Logger
	adminToken   string
	userIDHeader string
}

func New(opts Options) *API {
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if opts.UserIDHeader == "" {
		opts.UserIDHeader = "X-User-ID"
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	return &API{
		ledger:       opts.Ledger,
		tokens:       opts.Tokens,
		users:        opts.Users,
		devices:      opts.Devices,
		settings:     opts.Settings,
		retention:    opts.Retention,
		digests:      opts.Digests,
		metrics:      opts.Metrics,
		gatherer:     opts.Gatherer,
		clock:        opts.Clock,
		logger:       opts.Logger,
		adminToken:   opts.AdminToken,
		userIDHeader: opts.UserIDHeader,
	}
}

// Routes builds the router.
func (a *API) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(a.logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		Write(rw, http.StatusOK, Response{Success: true, Message: "ok"})
	})
	r.Handle("/metrics", promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(a.requireDevice)
			r.Post("/traffic/per-process", a.postPerProcess)
			r.Post("/traffic/total-usage", a.postTotalUsage)
			r.Post("/traffic/register-apps", a.postRegisterApps)
		})
		r.Post("/device/health-check", a.postHealthCheck)

		r.Group(func(r chi.Router) {
			r.Use(a.requireUser)
			r.Route("/devices", func(r chi.Router) {
				r.Get("/", a.listDevices)
				r.Post("/", a.createDevice)
				r.Route("/{deviceID}", func(r chi.Router) {
					r.Patch("/", a.renameDevice)
					r.Delete("/", a.deleteDevice)
					r.Post("/activate", a.activateDevice)
					r.Post("/deactivate", a.deactivateDevice)
					r.Post("/token", a.rotateToken)
					r.Get("/usage", a.deviceUsage)
				})
			})
			r.Get("/settings", a.getSettings)
			r.Put("/settings", a.putSettings)
		})

		r.Group(func(r chi.Router) {
			r.Use(a.requireAdmin)
			r.Post("/admin/digest/send", a.sendDigests)
			r.Post("/admin/retention/sweep", a.sweepRetention)
		})
	})
	return r
}
