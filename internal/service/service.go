package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"price-alerts/internal/alerting"
	"price-alerts/internal/scheduler"
)

// Evaluator runs one alert evaluation pass.
type Evaluator interface {
	Evaluate(ctx context.Context) (alerting.Summary, error)
}

// RetryWorker redelivers queued notifications until ctx is done.
type RetryWorker interface {
	RunRetryWorker(ctx context.Context, interval time.Duration)
}

// Sweeper evicts expired cache entries until ctx is done.
type Sweeper interface {
	RunSweeper(ctx context.Context, interval time.Duration)
}

// Server is a listener that serves until ctx is done.
type Server interface {
	Run(ctx context.Context, shutdownTimeout time.Duration) error
}

// Options select and pace the background workers.
type Options struct {
	AlertsEnabled      bool
	Scheduler          scheduler.Options
	CronSpec           string
	RetryQueueInterval time.Duration
	CacheSweepInterval time.Duration
	ShutdownTimeout    time.Duration
}

// Components are the workers the service drives. Nil entries are skipped.
type Components struct {
	Engine  Evaluator
	Retries RetryWorker
	Cache   Sweeper
	Server  Server
}

// Service orchestrates alert evaluation, the retry queue, cache upkeep and
// the HTTP API.
type Service struct {
	opts   Options
	comp   Components
	logger zerolog.Logger
}

// New constructs the watcher service.
func New(opts Options, comp Components, logger zerolog.Logger) *Service {
	if opts.Scheduler.Name == "" {
		opts.Scheduler.Name = "evaluate"
	}
	return &Service{
		opts:   opts,
		comp:   comp,
		logger: logger.With().Str("component", "service").Logger(),
	}
}

// Run starts every configured worker and blocks until ctx is cancelled or
// one of them fails.
func (s *Service) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	workers := 0

	if s.opts.AlertsEnabled && s.comp.Engine != nil {
		if s.opts.Scheduler.Interval <= 0 {
			return fmt.Errorf("scheduler interval must be positive")
		}
		var cron *scheduler.Cron
		if s.opts.CronSpec != "" {
			cron = scheduler.NewCron(s.logger)
			if err := cron.Add("evaluate", s.opts.CronSpec, s.evaluateOnce); err != nil {
				return err
			}
		}

		sched := scheduler.New(s.opts.Scheduler, s.logger)
		g.Go(func() error { return sched.Run(ctx, s.ProcessTick) })
		workers++

		if cron != nil {
			g.Go(func() error { return cron.Run(ctx) })
			workers++
		}
	} else {
		s.logger.Warn().Msg("alert worker disabled")
	}

	if s.comp.Retries != nil {
		g.Go(func() error {
			s.comp.Retries.RunRetryWorker(ctx, s.opts.RetryQueueInterval)
			return ctx.Err()
		})
		workers++
	}

	if s.comp.Cache != nil && s.opts.CacheSweepInterval > 0 {
		g.Go(func() error {
			s.comp.Cache.RunSweeper(ctx, s.opts.CacheSweepInterval)
			return ctx.Err()
		})
		workers++
	}

	if s.comp.Server != nil {
		g.Go(func() error { return s.comp.Server.Run(ctx, s.opts.ShutdownTimeout) })
		workers++
	}

	if workers == 0 {
		return errors.New("no workers configured")
	}
	s.logger.Info().Int("workers", workers).Msg("service started")
	return g.Wait()
}

// ProcessTick runs one evaluation. An overlapping run is skipped.
func (s *Service) ProcessTick(ctx context.Context, bucket time.Time) error {
	summary, err := s.comp.Engine.Evaluate(ctx)
	if errors.Is(err, alerting.ErrEvaluationInProgress) {
		s.logger.Debug().Time("bucket", bucket).Msg("skip tick because another evaluation is running")
		return nil
	}
	if err != nil {
		return fmt.Errorf("evaluate alerts: %w", err)
	}

	event := s.logger.Debug()
	if summary.Triggered > 0 || summary.Failed > 0 || summary.FetchFailures > 0 {
		event = s.logger.Info()
	}
	event.Time("bucket", bucket).
		Int("evaluated", summary.Evaluated).
		Int("triggered", summary.Triggered).
		Int("fetch_failures", summary.FetchFailures).
		Int("failed", summary.Failed).
		Dur("took", summary.Duration).
		Msg("alerts evaluated")
	return nil
}

func (s *Service) evaluateOnce(ctx context.Context) error {
	return s.ProcessTick(ctx, time.Now().UTC())
}
