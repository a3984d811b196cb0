// Package digest builds per-user usage summaries and hands them to a sink.
package digest

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/coder/quartz"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/septivank/packetmeter/internal/anomaly"
	"github.com/septivank/packetmeter/internal/bytecount"
	"github.com/septivank/packetmeter/internal/db"
	"github.com/septivank/packetmeter/internal/metrics"
	"github.com/septivank/packetmeter/internal/plan"
	"github.com/septivank/packetmeter/internal/timezone"
)

// Directory lists users and what they own.
type Directory interface {
	ListUsers(ctx context.Context) ([]db.User, error)
	GetSettings(ctx context.Context, userID uuid.UUID) (db.Settings, error)
	ListDevicesForUser(ctx context.Context, userID uuid.UUID) ([]db.Device, error)
}

// FeatureSource returns the plan features that apply to a user.
type FeatureSource interface {
	Features(ctx context.Context, userID uuid.UUID) (db.PlanFeatures, error)
}

// Summarizer sums a device's usage over a range.
type Summarizer interface {
	Summarize(ctx context.Context, deviceID uuid.UUID, r timezone.Range) (db.UsageSummary, error)
}

// Sink delivers one user's summary.
type Sink interface {
	Send(ctx context.Context, s Summary) error
}

// Summary is what a user receives.
type Summary struct {
	UserID       uuid.UUID       `json:"userId"`
	Username     string          `json:"username"`
	Email        string          `json:"email"`
	Timezone     string          `json:"timezone"`
	LookbackDays int             `json:"lookbackDays"`
	From         time.Time       `json:"from"`
	To           time.Time       `json:"to"`
	GeneratedAt  time.Time       `json:"generatedAt"`
	TotalRx      bytecount.Count `json:"totalRx"`
	TotalTx      bytecount.Count `json:"totalTx"`
	Total        bytecount.Count `json:"total"`
	Devices      []DeviceUsage   `json:"devices"`
}

// DeviceUsage is one device's line in a summary.
type DeviceUsage struct {
	DeviceID        uuid.UUID       `json:"deviceId"`
	DeviceName      string          `json:"deviceName"`
	IsActivated     bool            `json:"isActivated"`
	ReportHours     int             `json:"reportHours"`
	LastReportAt    *time.Time      `json:"lastReportAt"`
	TotalRx         bytecount.Count `json:"totalRx"`
	TotalTx         bytecount.Count `json:"totalTx"`
	Total           bytecount.Count `json:"total"`
	UsagePercentage float64         `json:"usagePercentage"`
	Unusual         bool            `json:"unusual"`
	UnusualReason   string          `json:"unusualReason,omitempty"`
}

// Result counts one batch. Total is the number of eligible users.
type Result struct {
	Total  int `json:"total"`
	Sent   int `json:"sent"`
	Failed int `json:"failed"`
}

// Service builds and sends digests
type Service struct {
	dir        Directory
	features   FeatureSource
	summarizer Summarizer
	detector   *anomaly.Detector
	sink       Sink
	clock      quartz.Clock
	metrics    *metrics.Metrics
	logger     *zap.Logger
}

// NewService creates a new digest service. detector may be nil, in which
// case no device is ever flagged as unusual.
func NewService(dir Directory, features FeatureSource, summarizer Summarizer, detector *anomaly.Detector, sink Sink, clock quartz.Clock, m *metrics.Metrics, logger *zap.Logger) *Service {
	return &Service{
		dir:        dir,
		features:   features,
		summarizer: summarizer,
		detector:   detector,
		sink:       sink,
		clock:      clock,
		metrics:    m,
		logger:     logger,
	}
}

type recipient struct {
	user db.User
	days int
}

// SendAll sends a digest to every eligible user. A user whose summary
// cannot be built or delivered counts as failed and the batch goes on.
func (s *Service) SendAll(ctx context.Context, trigger string) (Result, error) {
	start := s.clock.Now()
	defer func() {
		s.metrics.JobDuration.WithLabelValues("digest").Observe(s.clock.Since(start).Seconds())
	}()

	users, err := s.dir.ListUsers(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("failed to list users: %w", err)
	}

	var recipients []recipient
	var result Result
	for _, u := range users {
		days, ok, err := s.eligibility(ctx, u)
		if err != nil {
			s.logger.Error("failed to resolve digest eligibility", zap.String("user_id", u.ID.String()), zap.Error(err))
			result.Failed++
			result.Total++
			continue
		}
		if ok {
			recipients = append(recipients, recipient{user: u, days: days})
		}
	}
	result.Total += len(recipients)

	s.logger.Info("digest batch started", zap.String("trigger", trigger), zap.Int("eligible", result.Total))

	for _, r := range recipients {
		if err := ctx.Err(); err != nil {
			s.logger.Warn("digest batch interrupted", zap.Error(err))
			return result, err
		}

		log := s.logger.With(zap.String("user_id", r.user.ID.String()))
		summary, err := s.Build(ctx, r.user, r.days)
		if err == nil {
			err = s.sink.Send(context.WithoutCancel(ctx), summary)
		}
		if err != nil {
			result.Failed++
			s.metrics.DigestsFailed.Inc()
			log.Error("failed to send digest", zap.Error(err))
			continue
		}
		result.Sent++
		s.metrics.DigestsSent.Inc()
		log.Debug("digest sent", zap.Int("devices", len(summary.Devices)))
	}

	s.logger.Info("digest batch finished",
		zap.String("trigger", trigger),
		zap.Int("total", result.Total),
		zap.Int("sent", result.Sent),
		zap.Int("failed", result.Failed),
	)
	return result, nil
}

func (s *Service) eligibility(ctx context.Context, u db.User) (int, bool, error) {
	if u.Email == "" {
		return 0, false, nil
	}
	settings, err := s.dir.GetSettings(ctx, u.ID)
	if err != nil {
		return 0, false, err
	}
	features, err := s.features.Features(ctx, u.ID)
	if err != nil {
		return 0, false, err
	}
	if !plan.ResolveEmailEnabled(settings, features) {
		return 0, false, nil
	}
	return plan.ResolveEmailIntervalDays(settings, features), true, nil
}

// Build summarizes the last days civil days of a user's devices, in the
// user's timezone.
func (s *Service) Build(ctx context.Context, u db.User, days int) (Summary, error) {
	loc, ok := timezone.ResolveLocation(u.Timezone)
	if !ok {
		s.logger.Warn("invalid user timezone, using UTC", zap.String("user_id", u.ID.String()), zap.String("timezone", u.Timezone))
	}
	now := s.clock.Now()
	window, err := timezone.LookbackRange(now, loc, days)
	if err != nil {
		return Summary{}, err
	}

	devices, err := s.dir.ListDevicesForUser(ctx, u.ID)
	if err != nil {
		return Summary{}, fmt.Errorf("failed to list devices: %w", err)
	}

	summary := Summary{
		UserID:       u.ID,
		Username:     u.Username,
		Email:        u.Email,
		Timezone:     loc.String(),
		LookbackDays: days,
		From:         window.Start,
		To:           window.End,
		GeneratedAt:  now,
		Devices:      make([]DeviceUsage, 0, len(devices)),
	}

	for _, d := range devices {
		usage, err := s.deviceUsage(ctx, d, window)
		if err != nil {
			return Summary{}, fmt.Errorf("device %s: %w", d.ID, err)
		}
		summary.TotalRx = summary.TotalRx.Add(usage.TotalRx)
		summary.TotalTx = summary.TotalTx.Add(usage.TotalTx)
		summary.Devices = append(summary.Devices, usage)
	}
	summary.Total = summary.TotalRx.Add(summary.TotalTx)

	for i := range summary.Devices {
		summary.Devices[i].UsagePercentage = bytecount.Share(summary.Devices[i].Total, summary.Total)
	}
	sort.SliceStable(summary.Devices, func(i, j int) bool {
		return summary.Devices[i].Total.Cmp(summary.Devices[j].Total) > 0
	})
	return summary, nil
}

func (s *Service) deviceUsage(ctx context.Context, d db.Device, window timezone.Range) (DeviceUsage, error) {
	sum, err := s.summarizer.Summarize(ctx, d.ID, window)
	if err != nil {
		return DeviceUsage{}, err
	}
	usage := DeviceUsage{
		DeviceID:     d.ID,
		DeviceName:   d.Name,
		IsActivated:  d.IsActivated,
		ReportHours:  sum.HoursCovered,
		LastReportAt: sum.LastReportAt,
		TotalRx:      sum.TotalRx,
		TotalTx:      sum.TotalTx,
		Total:        sum.TotalRx.Add(sum.TotalTx),
	}

	if s.detector == nil || s.detector.MinPriorWindows() <= 0 {
		return usage, nil
	}
	prior := make([]bytecount.Count, 0, s.detector.MinPriorWindows())
	w := window
	for i := 0; i < s.detector.MinPriorWindows(); i++ {
		w = timezone.PreviousWindow(w)
		ps, err := s.summarizer.Summarize(ctx, d.ID, w)
		if err != nil {
			return DeviceUsage{}, err
		}
		if ps.HoursCovered == 0 {
			break
		}
		prior = append(prior, ps.TotalRx.Add(ps.TotalTx))
	}
	usage.Unusual, usage.UnusualReason = s.detector.Check(usage.Total, prior)
	return usage, nil
}
