package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Cron runs the watchers and the due-transaction runner on cron specs.
type Cron struct {
	cron    *cron.Cron
	watcher *Watcher
	runner  *Runner
	logger  *slog.Logger
	now     func() time.Time

	WatchSpec string
	RunSpec   string
	// Timeout bounds a single job run.
	Timeout time.Duration
}

func NewCron(watcher *Watcher, runner *Runner, logger *slog.Logger) *Cron {
	if logger == nil {
		logger = slog.Default()
	}
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	return &Cron{
		cron:      cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger))),
		watcher:   watcher,
		runner:    runner,
		logger:    logger,
		now:       time.Now,
		WatchSpec: "0 1 * * *",
		RunSpec:   "*/5 * * * *",
		Timeout:   10 * time.Minute,
	}
}

// Start registers both jobs and starts the cron loop.
func (c *Cron) Start() error {
	if _, err := c.cron.AddFunc(c.WatchSpec, c.Watch); err != nil {
		return err
	}
	c.logger.Info("scheduled watch job", "schedule", c.WatchSpec)

	if _, err := c.cron.AddFunc(c.RunSpec, c.Run); err != nil {
		return err
	}
	c.logger.Info("scheduled run job", "schedule", c.RunSpec)

	c.cron.Start()
	return nil
}

// Stop stops the loop. The returned context is done when running jobs end.
func (c *Cron) Stop() context.Context {
	return c.cron.Stop()
}

// Watch runs every watcher once.
func (c *Cron) Watch() {
	ctx, cancel := context.WithTimeout(context.Background(), c.Timeout)
	defer cancel()
	if err := c.watcher.WatchAll(ctx); err != nil {
		c.logger.Error("watch job failed", "error", err)
	}
}

// Run executes the transactions due now.
func (c *Cron) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), c.Timeout)
	defer cancel()
	sum, err := c.runner.RunDue(ctx, c.now())
	if err != nil {
		c.logger.Error("run job failed", "error", err)
		return
	}
	if sum.Executed+sum.Failed+sum.Parked > 0 {
		c.logger.Info("run job finished", "executed", sum.Executed, "failed", sum.Failed, "skipped", sum.Skipped, "parked", sum.Parked)
	}
}
