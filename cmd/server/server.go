package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/septivank/packetmeter/internal/config"
	"github.com/septivank/packetmeter/internal/device"
	"github.com/septivank/packetmeter/internal/digest"
	"github.com/septivank/packetmeter/internal/httpapi"
	"github.com/septivank/packetmeter/internal/ledger"
	"github.com/septivank/packetmeter/internal/metrics"
	"github.com/septivank/packetmeter/internal/mq"
	"github.com/septivank/packetmeter/internal/repository"
	"github.com/septivank/packetmeter/internal/retention"
	"github.com/septivank/packetmeter/internal/scheduler"
	"github.com/septivank/packetmeter/internal/settings"
	"github.com/septivank/packetmeter/internal/timezone"
	"github.com/septivank/packetmeter/internal/tokenauth"
)

// Schedulers are the periodic jobs of the server
type Schedulers struct {
	Retention *scheduler.Scheduler
	Digest    *scheduler.Scheduler
}

// ProvideSchedulers builds the retention and digest schedulers
func ProvideSchedulers(cfg *config.Config, enforcer *retention.Enforcer, digests *digest.Service, clock quartz.Clock, logger *zap.Logger) (*Schedulers, error) {
	loc, err := timezone.LoadLocation(cfg.Scheduler.Timezone)
	if err != nil {
		return nil, fmt.Errorf("SCHEDULER_TIMEZONE: %w", err)
	}

	sweep := func(ctx context.Context, trigger string) error {
		_, err := enforcer.Sweep(ctx, trigger)
		return err
	}
	send := func(ctx context.Context, trigger string) error {
		_, err := digests.SendAll(ctx, trigger)
		return err
	}

	ret, err := scheduler.New("retention", cfg.Scheduler.RetentionSchedule, loc, sweep, clock, logger)
	if err != nil {
		return nil, err
	}
	dig, err := scheduler.New("digest", cfg.Scheduler.DigestSchedule, loc, send, clock, logger)
	if err != nil {
		return nil, err
	}
	return &Schedulers{Retention: ret, Digest: dig}, nil
}

func startSchedulers(lc fx.Lifecycle, s *Schedulers, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			s.Retention.Start()
			s.Digest.Start()
			logger.Info("schedulers started",
				zap.Time("next_retention", s.Retention.Next()),
				zap.Time("next_digest", s.Digest.Next()))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return errors.Join(s.Retention.Stop(ctx), s.Digest.Stop(ctx))
		},
	})
}

// startCommandConsumer routes operator commands from the broker to the
// manual triggers of the schedulers.
func startCommandConsumer(lc fx.Lifecycle, conn *mq.Connection, cfg *config.Config, s *Schedulers, logger *zap.Logger) error {
	if conn == nil {
		return nil
	}
	dispatcher := mq.NewDispatcher(map[string]mq.Trigger{
		mq.CommandRetentionSweep: s.Retention.RunNow,
		mq.CommandDigestSend:     s.Digest.RunNow,
	}, logger)

	consumer, err := mq.NewConsumer(mq.ConsumerConfig{
		Connection:    conn,
		Queue:         cfg.RabbitMQ.CommandQueue,
		DLQQueue:      cfg.RabbitMQ.CommandDLQ,
		Exchange:      cfg.RabbitMQ.CommandExchange,
		RoutingKey:    cfg.RabbitMQ.CommandRoutingKey,
		PrefetchCount: cfg.RabbitMQ.PrefetchCount,
		Logger:        logger,
		Handler:       dispatcher.Handle,
	})
	if err != nil {
		return err
	}
	consumer.RegisterLifecycle(lc)
	return nil
}

// ProvideAPI wires the HTTP handlers
func ProvideAPI(
	cfg *config.Config,
	repo *repository.Repository,
	l *ledger.Ledger,
	auth *tokenauth.Authority,
	devices *device.Service,
	settingsSvc *settings.Service,
	enforcer *retention.Enforcer,
	digests *digest.Service,
	m *metrics.Metrics,
	clock quartz.Clock,
	logger *zap.Logger,
) *httpapi.API {
	if cfg.AdminToken == "" {
		logger.Warn("ADMIN_TOKEN not set, admin endpoints are disabled")
	}
	return httpapi.New(httpapi.Options{
		Ledger:       l,
		Tokens:       auth,
		Users:        repo,
		Devices:      devices,
		Settings:     settingsSvc,
		Retention:    enforcer,
		Digests:      digests,
		Metrics:      m,
		Gatherer:     prometheus.DefaultGatherer,
		Clock:        clock,
		Logger:       logger.Named("http"),
		AdminToken:   cfg.AdminToken,
		UserIDHeader: cfg.UserIDHeader,
	})
}

func startHTTPServer(lc fx.Lifecycle, cfg *config.Config, api *httpapi.API, logger *zap.Logger) {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.ServicePort),
		Handler:           api.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ln, err := net.Listen("tcp", srv.Addr)
			if err != nil {
				return fmt.Errorf("failed to listen on %s: %w", srv.Addr, err)
			}
			logger.Info("http server listening", zap.String("addr", srv.Addr))
			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("http server stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down http server")
			return srv.Shutdown(ctx)
		},
	})
}
