package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Job is a unit of cron work.
type Job func(ctx context.Context) error

// Cron runs jobs on cron specs such as "*/5 * * * *" or "@every 1m". A job
// still running when its next slot arrives is skipped.
type Cron struct {
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
	logger zerolog.Logger
}

// NewCron returns a cron runner that skips a job still running from its
// previous tick.
func NewCron(logger zerolog.Logger) *Cron {
	logger = logger.With().Str("component", "cron").Logger()
	adapter := cronLogger{logger: logger}
	ctx, cancel := context.WithCancel(context.Background())
	return &Cron{
		cron:   cron.New(cron.WithLogger(adapter), cron.WithChain(cron.Recover(adapter), cron.SkipIfStillRunning(adapter))),
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
	}
}

// Add registers job under spec.
func (c *Cron) Add(name, spec string, job Job) error {
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("parse cron spec %q: %w", spec, err)
	}
	_, err := c.cron.AddFunc(spec, func() {
		start := time.Now()
		if err := job(c.ctx); err != nil {
			c.logger.Error().Err(err).Str("job", name).Msg("cron job failed")
			return
		}
		c.logger.Debug().Str("job", name).Dur("took", time.Since(start)).Msg("cron job finished")
	})
	if err != nil {
		return fmt.Errorf("add cron job %s: %w", name, err)
	}
	c.logger.Info().Str("job", name).Str("spec", spec).Msg("cron job registered")
	return nil
}

// Run starts the cron and blocks until ctx is done, then waits for running
// jobs to finish.
func (c *Cron) Run(ctx context.Context) error {
	c.cron.Start()
	<-ctx.Done()
	c.cancel()
	<-c.cron.Stop().Done()
	return ctx.Err()
}

// Entries counts registered jobs.
func (c *Cron) Entries() int {
	return len(c.cron.Entries())
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
