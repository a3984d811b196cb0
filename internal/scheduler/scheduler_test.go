package scheduler_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/septivank/packetmeter/internal/scheduler"
)

func TestNewRejectsInvalidSchedule(t *testing.T) {
	_, err := scheduler.New("retention", "every day please", time.UTC, func(context.Context, string) error { return nil }, nil, zap.NewNop())
	assert.Error(t, err)
}

func TestRunNowPassesManualTrigger(t *testing.T) {
	clock := quartz.NewMock(t)
	started := time.Date(2024, 6, 10, 9, 0, 0, 0, time.UTC)
	clock.Set(started)

	var got string
	s, err := scheduler.New("digest", "0 9 * * *", time.UTC, func(_ context.Context, trigger string) error {
		got = trigger
		return errors.New("smtp down")
	}, clock, zap.NewNop())
	require.NoError(t, err)

	err = s.RunNow(context.Background())
	assert.EqualError(t, err, "smtp down")
	assert.Equal(t, scheduler.TriggerManual, got)

	at, lastErr := s.LastRun()
	assert.Equal(t, started, at)
	assert.EqualError(t, lastErr, "smtp down")
	assert.Equal(t, scheduler.StateIdle, s.State())
}

func TestStopWaitsForInFlightRun(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	var finished atomic.Bool

	s, err := scheduler.New("retention", "@daily", time.UTC, func(context.Context, string) error {
		close(entered)
		<-release
		finished.Store(true)
		return nil
	}, nil, zap.NewNop())
	require.NoError(t, err)
	s.Start()
	assert.False(t, s.Next().IsZero())

	go func() { _ = s.RunNow(context.Background()) }()
	<-entered
	assert.Equal(t, scheduler.StateRunning, s.State())

	// a short deadline expires while the run is still going
	short, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Stop(short), context.DeadlineExceeded)

	close(release)
	require.NoError(t, s.Stop(context.Background()))
	assert.True(t, finished.Load())
	assert.Equal(t, scheduler.StateIdle, s.State())
}

func TestRunsAreRefusedAfterStop(t *testing.T) {
	var calls atomic.Int32
	s, err := scheduler.New("digest", "@daily", time.UTC, func(context.Context, string) error {
		calls.Add(1)
		return nil
	}, quartz.NewMock(t), zap.NewNop())
	require.NoError(t, err)
	s.Start()
	require.NoError(t, s.Stop(context.Background()))

	assert.ErrorIs(t, s.RunNow(context.Background()), scheduler.ErrStopped)
	s.Start()
	assert.ErrorIs(t, s.RunNow(context.Background()), scheduler.ErrStopped)
	assert.Zero(t, calls.Load())
}

func TestStopDuringConcurrentRunNow(t *testing.T) {
	s, err := scheduler.New("retention", "@daily", time.UTC, func(context.Context, string) error {
		time.Sleep(time.Millisecond)
		return nil
	}, nil, zap.NewNop())
	require.NoError(t, err)
	s.Start()

	var wg sync.WaitGroup
	results := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- s.RunNow(context.Background())
		}()
	}
	require.NoError(t, s.Stop(context.Background()))
	wg.Wait()
	close(results)

	for err := range results {
		if err != nil {
			assert.ErrorIs(t, err, scheduler.ErrStopped)
		}
	}
	assert.Equal(t, scheduler.StateIdle, s.State())
}
