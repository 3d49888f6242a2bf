// Package scheduler launches orchestrator runs on a cron schedule.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/zulandar/kbsync/internal/orchestrator"
	"github.com/zulandar/kbsync/internal/retry"
)

// cronParser uses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ErrBusy means a run is already in progress.
var ErrBusy = errors.New("scheduler: run in progress")

// Runner starts one synchronization run.
type Runner interface {
	Run(ctx context.Context, opts orchestrator.RunOpts) (*orchestrator.RunReport, error)
}

// Options configures a Daemon.
type Options struct {
	// Schedule is a 5-field cron expression.
	Schedule string
	// RunOnStart triggers a run immediately instead of waiting for the
	// first fire time.
	RunOnStart bool
	// Out receives one progress line per run. Nil discards.
	Out    io.Writer
	Logger *slog.Logger
}

// Daemon runs the orchestrator at each fire time of its schedule. Runs never
// overlap: fire times passing during a run are skipped.
type Daemon struct {
	runner   Runner
	schedule cron.Schedule
	opts     Options
	logger   *slog.Logger
	running  atomic.Bool
	runs     atomic.Int64
}

// New parses the schedule and returns a Daemon.
func New(runner Runner, opts Options) (*Daemon, error) {
	if runner == nil {
		return nil, fmt.Errorf("scheduler: runner is required")
	}
	sched, err := cronParser.Parse(opts.Schedule)
	if err != nil {
		return nil, fmt.Errorf("scheduler: parse schedule %q: %w", opts.Schedule, err)
	}
	if opts.Out == nil {
		opts.Out = io.Discard
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Daemon{runner: runner, schedule: sched, opts: opts, logger: logger}, nil
}

// NextDelay returns how long to wait from now until the next fire time.
func (d *Daemon) NextDelay(now time.Time) time.Duration {
	delay := d.schedule.Next(now).Sub(now)
	if delay < 0 {
		return 0
	}
	return delay
}

// Running reports whether a run is in progress.
func (d *Daemon) Running() bool {
	return d.running.Load()
}

// Runs returns the number of runs started.
func (d *Daemon) Runs() int64 {
	return d.runs.Load()
}

// Start loops until ctx is cancelled. A failed run is logged and the loop
// continues with the next fire time.
func (d *Daemon) Start(ctx context.Context) error {
	d.logger.Info("scheduler started", "schedule", d.opts.Schedule)
	if d.opts.RunOnStart {
		d.runOnce(ctx)
	}
	for {
		delay := d.NextDelay(time.Now())
		if err := retry.Sleep(ctx, delay); err != nil {
			d.logger.Info("scheduler stopped", "runs", d.Runs())
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
		d.runOnce(ctx)
	}
}

// Trigger starts a run now unless one is in progress, in which case it
// returns ErrBusy.
func (d *Daemon) Trigger(ctx context.Context, opts orchestrator.RunOpts) (*orchestrator.RunReport, error) {
	if !d.running.CompareAndSwap(false, true) {
		return nil, ErrBusy
	}
	defer d.running.Store(false)
	d.runs.Add(1)
	return d.runner.Run(ctx, opts)
}

func (d *Daemon) runOnce(ctx context.Context) {
	started := time.Now()
	report, err := d.Trigger(ctx, orchestrator.RunOpts{Trigger: "schedule"})
	if errors.Is(err, ErrBusy) {
		d.logger.Warn("previous run still in progress, skipping")
		return
	}
	if err != nil {
		d.logger.Error("scheduled run failed", "error", err)
		fmt.Fprintf(d.opts.Out, "run failed: %v\n", err)
		return
	}
	succeeded, failed := report.Counts()
	fmt.Fprintf(d.opts.Out, "run %s: %d bots, %d succeeded, %d failed (%s)\n",
		report.RunID, len(report.Bots), succeeded, failed, time.Since(started).Round(time.Millisecond))
}
