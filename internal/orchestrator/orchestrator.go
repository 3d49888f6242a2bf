// Package orchestrator runs knowledge base synchronization: bootstrap, the
// optional shared knowledge bases pass, then one flow per queued bot.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/zulandar/kbsync/internal/build"
	"github.com/zulandar/kbsync/internal/finalize"
	"github.com/zulandar/kbsync/internal/lock"
	"github.com/zulandar/kbsync/internal/models"
	"github.com/zulandar/kbsync/internal/status"
)

// Shared failure policies.
const (
	// PolicyProceed runs every bot flow after a failed shared pass.
	PolicyProceed = "proceed"
	// PolicyAbort fails bots using a shared knowledge base without running
	// their flows. Bots with a dedicated knowledge base still run.
	PolicyAbort = "abort"
)

// DefaultMaxConcurrency bounds concurrent bot flows.
const DefaultMaxConcurrency = 8

// Locker acquires and releases named locks.
type Locker interface {
	Acquire(ctx context.Context, name, owner string, timeout time.Duration) (*lock.Lock, error)
	Release(ctx context.Context, l *lock.Lock) error
}

// Builder runs infrastructure builds to completion.
type Builder interface {
	BuildShared(ctx context.Context, shared []models.SharedKnowledgeBase) (*build.Job, error)
	BuildCustomBot(ctx context.Context, bot models.QueuedBot) (*build.Job, error)
}

// Finalizer resolves identifiers created by a finished build.
type Finalizer interface {
	FinalizeShared(ctx context.Context, batch models.SyncBatch) (*finalize.SharedResult, error)
	FinalizeCustomBot(ctx context.Context, bot models.QueuedBot) (*finalize.BotResult, error)
}

// Ingester ingests data sources strictly in order.
type Ingester interface {
	IngestAll(ctx context.Context, sources []models.DataSourceRef) error
}

// Reporter writes sync status records.
type Reporter interface {
	ReportStatus(ctx context.Context, scope status.Scope, st models.SyncStatus, reason, buildRef string) error
}

// RunStore records runs.
type RunStore interface {
	CreateRun(ctx context.Context, trigger string) (*models.SyncRun, error)
	CompleteRun(ctx context.Context, runID string, total, succeeded, failed int) error
}

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Bots      BotSource
	Runs      RunStore
	Locks     Locker
	Builds    Builder
	Finalizer Finalizer
	Ingester  Ingester
	Reporter  Reporter
}

// Options configures an Orchestrator.
type Options struct {
	MaxConcurrency  int
	OnSharedFailure string
	// LockTimeout bounds lock acquisition. Zero uses the Locker default.
	LockTimeout time.Duration
	Logger      *slog.Logger
}

// Orchestrator runs sync batches.
type Orchestrator struct {
	deps   Deps
	opts   Options
	logger *slog.Logger
}

// New returns an Orchestrator. Every dependency is required.
func New(deps Deps, opts Options) (*Orchestrator, error) {
	if deps.Bots == nil || deps.Runs == nil || deps.Locks == nil || deps.Builds == nil ||
		deps.Finalizer == nil || deps.Ingester == nil || deps.Reporter == nil {
		return nil, fmt.Errorf("orchestrator: all dependencies are required")
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = DefaultMaxConcurrency
	}
	switch opts.OnSharedFailure {
	case "":
		opts.OnSharedFailure = PolicyProceed
	case PolicyProceed, PolicyAbort:
	default:
		return nil, fmt.Errorf("orchestrator: unknown shared failure policy %q", opts.OnSharedFailure)
	}
	if err := SharedTable.Validate(StateAcquireLock); err != nil {
		return nil, err
	}
	if err := BotTable.Validate(StateAcquireLock); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{deps: deps, opts: opts, logger: logger}, nil
}

// RunOpts selects what one run synchronizes.
type RunOpts struct {
	// Trigger is recorded on the run ("manual" or "schedule").
	Trigger string
	// Bots limits the run to these bots. Nil loads every QUEUED bot.
	Bots []models.BotRef
}

// FlowResult is the outcome of one flow.
type FlowResult struct {
	Scope       string
	OwnerUserID string
	BotID       string
	State       State
	Err         error
	Reason      string
	BuildRef    string
	History     []StepRecord
}

// Succeeded reports whether the flow ended in StateSucceeded.
func (r FlowResult) Succeeded() bool {
	return r.State == StateSucceeded
}

// RunReport is the outcome of one run. There is no verdict for the run as a
// whole; every flow carries its own.
type RunReport struct {
	RunID       string
	Batch       models.SyncBatch
	Shared      *FlowResult
	Bots        []FlowResult
	StartedAt   time.Time
	CompletedAt time.Time
}

// Counts returns the number of bot flows that succeeded and failed.
func (r *RunReport) Counts() (succeeded, failed int) {
	for _, b := range r.Bots {
		if b.Succeeded() {
			succeeded++
		} else {
			failed++
		}
	}
	return succeeded, failed
}

// Run executes one synchronization run: bootstrap, the shared pass when the
// batch requires it, then every bot flow on a bounded worker pool. The
// shared pass, including its lock release, completes before any bot flow
// starts. An error is returned only when the run could not start.
func (o *Orchestrator) Run(ctx context.Context, opts RunOpts) (*RunReport, error) {
	trigger := opts.Trigger
	if trigger == "" {
		trigger = "manual"
	}
	run, err := o.deps.Runs.CreateRun(ctx, trigger)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: create run: %w", err)
	}
	report := &RunReport{RunID: run.ID, StartedAt: time.Now()}
	logger := o.logger.With("run_id", run.ID)

	batch, rejected, err := Bootstrap(ctx, o.deps.Bots, opts.Bots, logger)
	for _, rj := range rejected {
		report.Bots = append(report.Bots, o.rejectBot(ctx, rj, logger))
	}
	if err != nil {
		_, failed := report.Counts()
		if cerr := o.deps.Runs.CompleteRun(ctx, run.ID, len(report.Bots), 0, failed); cerr != nil {
			logger.Error("complete run failed", "error", cerr)
		}
		return report, err
	}
	report.Batch = batch

	bots := batch.QueuedBots
	var aborted []models.QueuedBot
	if batch.SharedRequired() {
		shared, finalized := o.runShared(ctx, run.ID, batch, logger)
		report.Shared = &shared
		switch {
		case shared.Succeeded() && finalized != nil && finalized.QueuedBots != nil:
			bots = finalized.QueuedBots
		case !shared.Succeeded() && o.opts.OnSharedFailure == PolicyAbort:
			bots, aborted = splitShared(bots)
		}
	}

	for _, qb := range aborted {
		report.Bots = append(report.Bots, o.abortBot(ctx, qb, report.Shared, logger))
	}
	report.Bots = append(report.Bots, o.fanOut(ctx, run.ID, bots, logger)...)

	report.CompletedAt = time.Now()
	succeeded, failed := report.Counts()
	if err := o.deps.Runs.CompleteRun(ctx, run.ID, len(report.Bots), succeeded, failed); err != nil {
		logger.Error("complete run failed", "error", err)
	}
	logger.Info("run complete", "bots", len(report.Bots), "succeeded", succeeded, "failed", failed)
	return report, nil
}

func splitShared(bots []models.QueuedBot) (run, aborted []models.QueuedBot) {
	for _, b := range bots {
		if b.UsesSharedKnowledgeBase() {
			aborted = append(aborted, b)
		} else {
			run = append(run, b)
		}
	}
	return run, aborted
}

// abortBot reports a bot failed because the shared pass it depends on
// failed. No lock is taken.
func (o *Orchestrator) abortBot(ctx context.Context, qb models.QueuedBot, shared *FlowResult, logger *slog.Logger) FlowResult {
	scope := status.Bot(qb.OwnerUserID, qb.BotID)
	reason := "shared knowledge base sync failed"
	if shared != nil && shared.Reason != "" {
		reason = reason + ": " + shared.Reason
	}
	res := FlowResult{
		Scope:       scope.String(),
		OwnerUserID: qb.OwnerUserID,
		BotID:       qb.BotID,
		State:       StateFailed,
		Err:         errors.New(reason),
		Reason:      reason,
	}
	if err := o.deps.Reporter.ReportStatus(ctx, scope, models.SyncStatusFailed, reason, ""); err != nil {
		logger.Error("report aborted bot failed", "bot_id", qb.BotID, "error", err)
	}
	logger.Warn("bot flow aborted", "owner_user_id", qb.OwnerUserID, "bot_id", qb.BotID)
	return res
}

// rejectBot reports a bot FAILED whose configuration could not be
// bootstrapped. No lock is taken.
func (o *Orchestrator) rejectBot(ctx context.Context, rj Rejected, logger *slog.Logger) FlowResult {
	scope := status.Bot(rj.OwnerUserID, rj.BotID)
	reason := rj.Err.Error()
	if err := o.deps.Reporter.ReportStatus(ctx, scope, models.SyncStatusFailed, reason, ""); err != nil {
		logger.Error("report rejected bot failed", "bot_id", rj.BotID, "error", err)
	}
	return FlowResult{
		Scope:       scope.String(),
		OwnerUserID: rj.OwnerUserID,
		BotID:       rj.BotID,
		State:       StateFailed,
		Err:         rj.Err,
		Reason:      reason,
	}
}

// fanOut runs one bot flow per bot on a pool of MaxConcurrency workers and
// waits for all of them. Results keep the order of bots.
func (o *Orchestrator) fanOut(ctx context.Context, runID string, bots []models.QueuedBot, logger *slog.Logger) []FlowResult {
	results := make([]FlowResult, len(bots))
	if len(bots) == 0 {
		return results
	}

	pool, err := ants.NewPool(o.opts.MaxConcurrency)
	if err != nil {
		logger.Error("worker pool unavailable, running bots sequentially", "error", err)
		for i, qb := range bots {
			results[i] = o.runBot(ctx, runID, qb, logger)
		}
		return results
	}
	defer pool.Release()

	var wg sync.WaitGroup
	for i, qb := range bots {
		wg.Add(1)
		err := pool.Submit(func() {
			defer wg.Done()
			results[i] = o.runBot(ctx, runID, qb, logger)
		})
		if err != nil {
			wg.Done()
			logger.Error("submit bot flow failed, running inline", "bot_id", qb.BotID, "error", err)
			results[i] = o.runBot(ctx, runID, qb, logger)
		}
	}
	wg.Wait()
	return results
}

// failureDetail extracts the status reason and build reference for err.
func failureDetail(err error) (reason, buildRef string) {
	if err == nil {
		return "", ""
	}
	var bf *build.FailedError
	if errors.As(err, &bf) {
		return bf.Reason(), bf.BuildRef()
	}
	return err.Error(), ""
}
