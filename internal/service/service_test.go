package service

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"price-alerts/internal/alerting"
	"price-alerts/internal/scheduler"
)

type countingEvaluator struct {
	calls atomic.Int32
	err   error
}

func (c *countingEvaluator) Evaluate(context.Context) (alerting.Summary, error) {
	c.calls.Add(1)
	return alerting.Summary{Evaluated: 1}, c.err
}

type blockingWorker struct {
	started  atomic.Bool
	interval time.Duration
}

func (b *blockingWorker) RunRetryWorker(ctx context.Context, interval time.Duration) {
	b.interval = interval
	b.started.Store(true)
	<-ctx.Done()
}

func (b *blockingWorker) RunSweeper(ctx context.Context, interval time.Duration) {
	b.RunRetryWorker(ctx, interval)
}

type failingServer struct{}

func (failingServer) Run(context.Context, time.Duration) error {
	return errors.New("listen tcp :8080: address already in use")
}

func TestRunDrivesEvaluationAndWorkers(t *testing.T) {
	engine := &countingEvaluator{}
	retries := &blockingWorker{}
	sweeper := &blockingWorker{}

	svc := New(Options{
		AlertsEnabled:      true,
		Scheduler:          scheduler.Options{Interval: 10 * time.Millisecond, RunImmediately: true},
		RetryQueueInterval: time.Minute,
		CacheSweepInterval: time.Second,
	}, Components{Engine: engine, Retries: retries, Cache: sweeper}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	require.Eventually(t, func() bool {
		return engine.calls.Load() >= 2 && retries.started.Load() && sweeper.started.Load()
	}, time.Second, 5*time.Millisecond)
	cancel()

	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestRunStopsWhenServerFails(t *testing.T) {
	svc := New(Options{}, Components{Server: failingServer{}, Retries: &blockingWorker{}}, zerolog.Nop())
	err := svc.Run(context.Background())
	assert.ErrorContains(t, err, "address already in use")
}

func TestRunWithoutWorkers(t *testing.T) {
	svc := New(Options{AlertsEnabled: false}, Components{Engine: &countingEvaluator{}}, zerolog.Nop())
	assert.Error(t, svc.Run(context.Background()))
}

func TestRunRejectsBadCronSpec(t *testing.T) {
	svc := New(Options{
		AlertsEnabled: true,
		Scheduler:     scheduler.Options{Interval: time.Minute},
		CronSpec:      "every now and then",
	}, Components{Engine: &countingEvaluator{}}, zerolog.Nop())
	assert.Error(t, svc.Run(context.Background()))
}

func TestProcessTickSkipsOverlappingEvaluation(t *testing.T) {
	engine := &countingEvaluator{err: alerting.ErrEvaluationInProgress}
	svc := New(Options{}, Components{Engine: engine}, zerolog.Nop())

	assert.NoError(t, svc.ProcessTick(context.Background(), time.Now()))
	assert.Equal(t, int32(1), engine.calls.Load())

	engine.err = errors.New("boom")
	assert.ErrorContains(t, svc.ProcessTick(context.Background(), time.Now()), "boom")
}
