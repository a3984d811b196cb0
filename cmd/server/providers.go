package main

import (
	"context"

	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/septivank/packetmeter/internal/anomaly"
	"github.com/septivank/packetmeter/internal/config"
	"github.com/septivank/packetmeter/internal/db"
	"github.com/septivank/packetmeter/internal/device"
	"github.com/septivank/packetmeter/internal/digest"
	"github.com/septivank/packetmeter/internal/ledger"
	"github.com/septivank/packetmeter/internal/metrics"
	"github.com/septivank/packetmeter/internal/mq"
	"github.com/septivank/packetmeter/internal/plan"
	"github.com/septivank/packetmeter/internal/repository"
	"github.com/septivank/packetmeter/internal/retention"
	"github.com/septivank/packetmeter/internal/settings"
	"github.com/septivank/packetmeter/internal/tokenauth"
	"github.com/septivank/packetmeter/internal/validator"
)

// ProvideClock returns the wall clock
func ProvideClock() quartz.Clock {
	return quartz.NewReal()
}

// ProvideMetrics registers the collectors on the default registry
func ProvideMetrics() *metrics.Metrics {
	return metrics.New(prometheus.DefaultRegisterer)
}

// ProvideDBPool creates a new database pool instance
func ProvideDBPool(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (*db.Pool, error) {
	return db.NewPool(lc, logger, db.PoolConfig{
		URL:      cfg.Database.URL,
		MaxConns: int32(cfg.Database.MaxConns),
		Migrate:  cfg.Database.Migrate,
	})
}

// ProvideRepository creates a new repository instance
func ProvideRepository(pool *db.Pool) *repository.Repository {
	return repository.NewRepository(pool)
}

func ProvidePlanResolver(repo *repository.Repository) *plan.Resolver {
	return plan.NewResolver(repo)
}

// ProvideValidator creates a new validator instance
func ProvideValidator(cfg *config.Config) *validator.Validator {
	return validator.NewValidator(cfg.Ingest.FutureTolerance, cfg.Ingest.MaxAge)
}

// ProvideAnomalyDetector creates a new anomaly detector instance
func ProvideAnomalyDetector(cfg *config.Config) *anomaly.Detector {
	return anomaly.NewDetector(cfg.Anomaly.SpikeThreshold, cfg.Anomaly.MinDataPointsForDetection)
}

func ProvideLedger(
	repo *repository.Repository,
	resolver *plan.Resolver,
	v *validator.Validator,
	clock quartz.Clock,
	m *metrics.Metrics,
	logger *zap.Logger,
) *ledger.Ledger {
	return ledger.New(repo, resolver, v, clock, m, logger)
}

func ProvideTokenAuthority(repo *repository.Repository, clock quartz.Clock, cfg *config.Config) (*tokenauth.Authority, error) {
	return tokenauth.New(repo, cfg.Token.BcryptCost, clock)
}

func ProvideDeviceService(repo *repository.Repository, resolver *plan.Resolver, auth *tokenauth.Authority, logger *zap.Logger) *device.Service {
	return device.NewService(repo, resolver, auth, logger)
}

func ProvideSettingsService(repo *repository.Repository, resolver *plan.Resolver, v *validator.Validator) *settings.Service {
	return settings.NewService(repo, resolver, v)
}

func ProvideRetentionEnforcer(
	repo *repository.Repository,
	resolver *plan.Resolver,
	l *ledger.Ledger,
	clock quartz.Clock,
	m *metrics.Metrics,
	logger *zap.Logger,
) *retention.Enforcer {
	return retention.NewEnforcer(repo, resolver, l, clock, m, logger.Named("retention"))
}

// ProvideMQConnection dials RabbitMQ. Without RABBITMQ_URL messaging is
// disabled and the connection is nil.
func ProvideMQConnection(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (*mq.Connection, error) {
	if !cfg.RabbitMQ.Enabled() {
		logger.Info("RABBITMQ_URL not set, messaging disabled")
		return nil, nil
	}
	return mq.NewConnection(lc, logger, cfg.RabbitMQ.URL)
}

// ProvidePublisher creates the digest event publisher, or nil without a broker.
func ProvidePublisher(lc fx.Lifecycle, conn *mq.Connection, cfg *config.Config, logger *zap.Logger) (*mq.Publisher, error) {
	if conn == nil {
		return nil, nil
	}
	p, err := mq.NewPublisher(conn, cfg.RabbitMQ.DigestExchange, logger)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return p.Close()
		},
	})
	return p, nil
}

// ProvideDigestSink picks where digests are delivered.
func ProvideDigestSink(cfg *config.Config, publisher *mq.Publisher, logger *zap.Logger) (digest.Sink, error) {
	switch cfg.Digest.Sink {
	case config.SinkSMTP:
		return digest.NewSMTPSink(digest.SMTPConfig(cfg.Digest.SMTP))
	case config.SinkAMQP:
		return digest.NewPublishSink(publisher, cfg.RabbitMQ.DigestRoutingKey), nil
	default:
		return digest.NewLogSink(logger.Named("digest")), nil
	}
}

func ProvideDigestService(
	repo *repository.Repository,
	resolver *plan.Resolver,
	l *ledger.Ledger,
	detector *anomaly.Detector,
	sink digest.Sink,
	clock quartz.Clock,
	m *metrics.Metrics,
	logger *zap.Logger,
) *digest.Service {
	return digest.NewService(repo, resolver, l, detector, sink, clock, m, logger.Named("digest"))
}
