// Package scheduler runs a job on a cron schedule and on demand.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// ErrStopped is returned for runs requested after Stop.
var ErrStopped = errors.New("scheduler stopped")

// Triggers passed to jobs.
const (
	TriggerScheduled = "scheduled"
	TriggerManual    = "manual"
)

// Job is one run of a scheduled task.
type Job func(ctx context.Context, trigger string) error

// State is Idle or Running.
type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
)

// Scheduler owns one cron entry for one job. Scheduled runs never overlap
// each other; manual runs may overlap anything.
type Scheduler struct {
	name   string
	spec   string
	job    Job
	cron   *cron.Cron
	clock  quartz.Clock
	logger *zap.Logger

	mu      sync.Mutex
	running int
	started bool
	stopped bool
	lastErr error
	lastRun time.Time
	wg      sync.WaitGroup
}

// New validates spec (standard five-field cron, or a descriptor such as
// @daily) and prepares a scheduler. Nothing runs until Start.
func New(name, spec string, loc *time.Location, job Job, clock quartz.Clock, logger *zap.Logger) (*Scheduler, error) {
	if loc == nil {
		loc = time.UTC
	}
	if clock == nil {
		clock = quartz.NewReal()
	}
	logger = logger.With(zap.String("job", name))
	cl := cronLogger{logger.Sugar()}
	c := cron.New(
		cron.WithLocation(loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)

	s := &Scheduler{
		name:   name,
		spec:   spec,
		job:    job,
		cron:   c,
		clock:  clock,
		logger: logger,
	}
	if _, err := c.AddFunc(spec, func() { _ = s.run(context.Background(), TriggerScheduled) }); err != nil {
		return nil, fmt.Errorf("invalid %s schedule %q: %w", name, spec, err)
	}
	return s, nil
}

// Start begins firing on schedule. A stopped scheduler stays stopped.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.stopped {
		return
	}
	s.started = true
	s.cron.Start()
	s.logger.Info("scheduler started", zap.String("schedule", s.spec), zap.Time("next", s.Next()))
}

// Stop stops new fires, refuses further manual runs and waits for every
// in-flight run until ctx expires. Runs are never interrupted.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	started := s.started
	s.started = false
	s.stopped = true
	s.mu.Unlock()

	if started {
		<-s.cron.Stop().Done()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%s scheduler: waiting for running jobs: %w", s.name, ctx.Err())
	}
}

// RunNow runs the job synchronously outside the schedule. It returns
// ErrStopped once Stop has been called.
func (s *Scheduler) RunNow(ctx context.Context) error {
	return s.run(ctx, TriggerManual)
}

func (s *Scheduler) run(ctx context.Context, trigger string) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		s.logger.Warn("run refused, scheduler is stopped", zap.String("trigger", trigger))
		return ErrStopped
	}
	s.running++
	s.wg.Add(1)
	s.mu.Unlock()

	start := s.clock.Now()
	err := s.job(ctx, trigger)
	took := s.clock.Now().Sub(start)

	s.mu.Lock()
	s.running--
	s.lastErr = err
	s.lastRun = start
	s.mu.Unlock()
	s.wg.Done()

	if err != nil {
		s.logger.Error("job failed", zap.String("trigger", trigger), zap.Error(err), zap.Duration("took", took))
	} else {
		s.logger.Info("job finished", zap.String("trigger", trigger), zap.Duration("took", took))
	}
	return err
}

// State reports whether any run is in flight.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running > 0 {
		return StateRunning
	}
	return StateIdle
}

// Next is the next scheduled fire time, zero when stopped.
func (s *Scheduler) Next() time.Time {
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}

// LastRun returns when the last run started and how it ended.
func (s *Scheduler) LastRun() (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun, s.lastErr
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
