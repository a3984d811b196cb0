// Package reporter is the device daemon: it turns cumulative counters into
// hourly snapshots and submits them, one request at a time.
package reporter

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/quartz"
	"go.uber.org/zap"

	"github.com/septivank/packetmeter/internal/apperr"
	"github.com/septivank/packetmeter/internal/timezone"
	"github.com/septivank/packetmeter/internal/validator"
)

// Phase is where the loop is within a cycle.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseCollecting Phase = "collecting"
	PhaseSubmitting Phase = "submitting"
	PhaseBackingOff Phase = "backing_off"
)

// maxPending bounds the backlog while the server is unreachable or the
// device awaits approval. The oldest hours go first.
const maxPending = 31 * 24

// API is the server as seen by the loop.
type API interface {
	HasToken() bool
	SubmitUsage(ctx context.Context, s Snapshot) (int, error)
	RegisterApps(ctx context.Context, apps []validator.AppRegistration) (int, error)
	HealthCheck(ctx context.Context) (DeviceInfo, error)
}

// Options configure a Loop. StatePath may be empty to keep state in memory.
type Options struct {
	API        API
	Collector  Collector
	Clock      quartz.Clock
	StatePath  string
	Interval   time.Duration
	IdleRetry  time.Duration
	MaxBackoff time.Duration
	BackOff    backoff.BackOff
	Logger     *zap.Logger
}

// backoffClock adapts a quartz clock to backoff.Clock.
type backoffClock struct {
	clock quartz.Clock
}

func (c backoffClock) Now() time.Time {
	return c.clock.Now()
}

// Loop runs Idle -> Collecting -> Submitting -> Idle|BackingOff.
type Loop struct {
	api        API
	collector  Collector
	clock      quartz.Clock
	statePath  string
	interval   time.Duration
	idleRetry  time.Duration
	maxBackoff time.Duration
	backoff    backoff.BackOff
	logger     *zap.Logger

	mu    sync.Mutex
	phase Phase
	state *State
}

// NewLoop restores persisted state from opts.StatePath.
func NewLoop(opts Options) (*Loop, error) {
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 10 * time.Minute
	}
	if opts.IdleRetry <= 0 {
		opts.IdleRetry = opts.Interval
	}
	if opts.BackOff == nil {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = 5 * time.Second
		eb.MaxInterval = opts.MaxBackoff
		eb.MaxElapsedTime = 0
		eb.Clock = backoffClock{opts.Clock}
		eb.Reset()
		opts.BackOff = eb
	}

	state := newState()
	if opts.StatePath != "" {
		var err error
		if state, err = LoadState(opts.StatePath); err != nil {
			return nil, err
		}
	}

	return &Loop{
		api:        opts.API,
		collector:  opts.Collector,
		clock:      opts.Clock,
		statePath:  opts.StatePath,
		interval:   opts.Interval,
		idleRetry:  opts.IdleRetry,
		maxBackoff: opts.MaxBackoff,
		backoff:    opts.BackOff,
		logger:     opts.Logger,
		phase:      PhaseIdle,
		state:      state,
	}, nil
}

func (l *Loop) Phase() Phase {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.phase
}

func (l *Loop) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state.Status
}

// Pending returns how many finished hours await acceptance.
func (l *Loop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.state.Pending)
}

func (l *Loop) setPhase(p Phase) {
	l.mu.Lock()
	l.phase = p
	l.mu.Unlock()
}

// setStatus records the outcome and reports whether it changed.
func (l *Loop) setStatus(s Status, err error) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	changed := l.state.Status != s
	l.state.Status = s
	l.state.LastError = ""
	if err != nil {
		l.state.LastError = err.Error()
	}
	return changed
}

// Run steps until ctx is cancelled. A health check is sent first so a new
// device shows up for approval before it has anything to report.
func (l *Loop) Run(ctx context.Context) error {
	if l.api.HasToken() {
		l.announce(ctx)
	}
	for {
		wait := l.Step(ctx)
		t := l.clock.NewTimer(wait, "reporter", "wait")
		select {
		case <-ctx.Done():
			t.Stop()
			l.persist()
			return nil
		case <-t.C:
		}
	}
}

// Step runs one cycle and returns how long to wait before the next.
func (l *Loop) Step(ctx context.Context) time.Duration {
	if !l.api.HasToken() {
		l.setPhase(PhaseIdle)
		if l.setStatus(StatusNoToken, nil) {
			l.logger.Warn("no device token configured, waiting")
		}
		return l.idleRetry
	}

	l.setPhase(PhaseCollecting)
	now := l.clock.Now()
	l.rollover(timezone.FloorToUTCHour(now))
	samples, err := l.collector.Collect(ctx)
	if err != nil {
		l.logger.Warn("failed to collect usage", zap.Error(err))
	} else {
		l.accumulate(samples)
	}

	l.setPhase(PhaseSubmitting)
	l.register(ctx)
	err = l.submit(ctx)
	wait := l.settle(ctx, err)
	l.persist()
	return wait
}

// rollover moves a finished hour to the pending queue.
func (l *Loop) rollover(hour time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cur := l.state.Current
	if cur != nil && cur.Hour.Equal(hour) {
		return
	}
	if cur != nil && len(cur.Apps) > 0 {
		l.state.Pending = append(l.state.Pending, *cur)
		if over := len(l.state.Pending) - maxPending; over > 0 {
			l.logger.Warn("pending backlog full, dropping oldest hours", zap.Int("dropped", over))
			l.state.Pending = l.state.Pending[over:]
		}
	}
	l.state.Current = newSnapshot(hour)
}

// accumulate adds the growth since the previous reading to the current
// hour. A first reading, or one below the previous value, only sets the
// baseline.
func (l *Loop) accumulate(samples []Sample) {
	for _, s := range samples {
		base, seen := l.state.Baselines[s.Identifier]
		l.state.Baselines[s.Identifier] = Counter{Rx: s.Rx, Tx: s.Tx}
		if s.DisplayName != "" {
			l.state.DisplayNames[s.Identifier] = s.DisplayName
		}
		switch {
		case !seen:
			l.state.Current.add(s.Identifier, 0, 0)
		case s.Rx < base.Rx || s.Tx < base.Tx:
			l.logger.Debug("counter reset", zap.String("identifier", s.Identifier))
			l.state.Current.add(s.Identifier, 0, 0)
		default:
			l.state.Current.add(s.Identifier, s.Rx-base.Rx, s.Tx-base.Tx)
		}
	}
}

// register is best effort: a failure is retried next cycle and never
// blocks the usage submission.
func (l *Loop) register(ctx context.Context) {
	ids := make([]string, 0)
	for id := range l.state.Baselines {
		if !l.state.Registered[id] {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return
	}
	sort.Strings(ids)

	apps := make([]validator.AppRegistration, 0, len(ids))
	for _, id := range ids {
		reg := validator.AppRegistration{Identifier: id}
		if name := l.state.DisplayNames[id]; name != "" {
			reg.DisplayName = &name
		}
		apps = append(apps, reg)
	}
	if _, err := l.api.RegisterApps(ctx, apps); err != nil {
		l.logger.Warn("failed to register apps", zap.Int("apps", len(apps)), zap.Error(err))
		return
	}
	for _, id := range ids {
		l.state.Registered[id] = true
	}
	l.logger.Debug("apps registered", zap.Int("apps", len(apps)))
}

// submit sends finished hours oldest first, then the running hour. A
// finished hour leaves the queue only once the server accepted it, or
// rejected it as invalid.
func (l *Loop) submit(ctx context.Context) error {
	for len(l.state.Pending) > 0 {
		snap := l.state.Pending[0]
		_, err := l.api.SubmitUsage(ctx, snap)
		if err != nil && !errors.Is(err, apperr.ErrValidation) {
			return err
		}
		if err != nil {
			l.logger.Error("server rejected hour, dropping it", zap.Time("hour", snap.Hour), zap.Error(err))
		}
		l.mu.Lock()
		l.state.Pending = l.state.Pending[1:]
		l.mu.Unlock()
	}

	if cur := l.state.Current; cur != nil && len(cur.Apps) > 0 {
		if _, err := l.api.SubmitUsage(ctx, *cur); err != nil {
			if !errors.Is(err, apperr.ErrValidation) {
				return err
			}
			l.logger.Error("server rejected current hour", zap.Time("hour", cur.Hour), zap.Error(err))
		}
	}
	now := l.clock.Now()
	l.state.LastSubmitAt = &now
	return nil
}

func (l *Loop) settle(ctx context.Context, err error) time.Duration {
	switch {
	case err == nil:
		l.backoff.Reset()
		l.setPhase(PhaseIdle)
		if l.setStatus(StatusOK, nil) {
			l.logger.Info("reporting")
		}
		return l.interval

	case errors.Is(err, apperr.ErrDeviceNotActivated):
		l.setPhase(PhaseIdle)
		if l.setStatus(StatusPendingApproval, err) {
			l.logger.Warn("device is waiting for approval, keeping usage until it is activated")
		}
		l.announce(ctx)
		return l.interval

	case errors.Is(err, apperr.ErrUnauthorized):
		l.setPhase(PhaseIdle)
		if l.setStatus(StatusUnauthorized, err) {
			l.logger.Error("device token was rejected, keeping usage until it is replaced")
		}
		return l.interval

	default:
		l.setPhase(PhaseBackingOff)
		l.setStatus(StatusOffline, err)
		wait := l.backoff.NextBackOff()
		if wait == backoff.Stop || wait > l.maxBackoff {
			wait = l.maxBackoff
		}
		l.logger.Warn("failed to submit usage, backing off", zap.Duration("wait", wait), zap.Error(err))
		return wait
	}
}

func (l *Loop) announce(ctx context.Context) {
	info, err := l.api.HealthCheck(ctx)
	if err != nil {
		l.logger.Warn("health check failed", zap.Error(err))
		return
	}
	l.logger.Info("health check",
		zap.String("device_id", info.ID),
		zap.String("device_type", info.DeviceType),
		zap.Bool("activated", info.IsActivated),
	)
}

func (l *Loop) persist() {
	if l.statePath == "" {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.state.Save(l.statePath); err != nil {
		l.logger.Error("failed to save state", zap.Error(err))
	}
}
