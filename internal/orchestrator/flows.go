package orchestrator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/zulandar/kbsync/internal/build"
	"github.com/zulandar/kbsync/internal/finalize"
	"github.com/zulandar/kbsync/internal/lock"
	"github.com/zulandar/kbsync/internal/models"
	"github.com/zulandar/kbsync/internal/status"
)

const succeededReason = "Knowledge base sync succeeded"

// flow holds what one flow instance accumulates across its steps.
type flow struct {
	held *lock.Lock
	job  *build.Job
}

func (f *flow) buildRef() string {
	if f.job == nil {
		return ""
	}
	return f.job.Ref
}

// lockOwner names the single flow of a run that may hold lockName. A store
// treats a repeated acquire by the same owner as idempotent, so owners must
// not be shared between flows.
func lockOwner(runID, lockName string) string {
	return runID + "/" + lockName
}

// release gives up the held lock, if any. Cleanup runs even when ctx was
// cancelled.
func (o *Orchestrator) release(ctx context.Context, f *flow) Step {
	return func(context.Context) error {
		if f.held == nil {
			return nil
		}
		return o.deps.Locks.Release(context.WithoutCancel(ctx), f.held)
	}
}

// reportFailed writes FAILED with the detail of the flow's first error.
func (o *Orchestrator) reportFailed(ctx context.Context, m *machine, f *flow, scope status.Scope) Step {
	return func(context.Context) error {
		reason, ref := failureDetail(m.cause)
		if ref == "" {
			ref = f.buildRef()
		}
		return o.deps.Reporter.ReportStatus(context.WithoutCancel(ctx), scope, models.SyncStatusFailed, reason, ref)
	}
}

// runShared runs the shared knowledge bases pass. The running and failed
// reports cover the run record and every queued bot; success is written to
// the run record only, since each bot reports its own outcome.
func (o *Orchestrator) runShared(ctx context.Context, runID string, batch models.SyncBatch, logger *slog.Logger) (FlowResult, *finalize.SharedResult) {
	keys := make([]status.BotKey, 0, len(batch.QueuedBots))
	for _, qb := range batch.QueuedBots {
		keys = append(keys, status.BotKey{OwnerUserID: qb.OwnerUserID, BotID: qb.BotID})
	}
	scope := status.Shared(runID, keys...)

	f := &flow{}
	var result *finalize.SharedResult
	m := &machine{scope: scope.String(), table: SharedTable, logger: logger}
	m.steps = map[State]Step{
		StateAcquireLock: func(ctx context.Context) error {
			l, err := o.deps.Locks.Acquire(ctx, models.SharedLockName, lockOwner(runID, models.SharedLockName), o.opts.LockTimeout)
			f.held = l
			return err
		},
		StateReportRunning: func(ctx context.Context) error {
			return o.deps.Reporter.ReportStatus(ctx, scope, models.SyncStatusRunning, "", "")
		},
		StateSubmitBuild: func(ctx context.Context) error {
			job, err := o.deps.Builds.BuildShared(ctx, batch.SharedKnowledgeBases)
			f.job = job
			return err
		},
		StateFinalize: func(ctx context.Context) error {
			res, err := o.deps.Finalizer.FinalizeShared(ctx, batch)
			result = res
			return err
		},
		StateIngest: func(ctx context.Context) error {
			if result == nil {
				return fmt.Errorf("shared finalize produced no result: %w", models.ErrInvalidPayload)
			}
			return o.deps.Ingester.IngestAll(ctx, result.DataSources)
		},
		StateReportSucceeded: func(ctx context.Context) error {
			return o.deps.Reporter.ReportStatus(ctx, status.Shared(runID), models.SyncStatusSucceeded, succeededReason, f.buildRef())
		},
		StateReleaseLock:     o.release(ctx, f),
		StateReportFailed:    o.reportFailed(ctx, m, f, scope),
		StateReleaseOnFailed: o.release(ctx, f),
	}

	logger.Info("shared flow started", "shared_knowledge_bases", len(batch.SharedKnowledgeBases))
	final, history, cause := m.run(ctx, StateAcquireLock)
	res := FlowResult{Scope: scope.String(), State: final, History: history}
	if final == StateFailed {
		res.Err = cause
		res.Reason, res.BuildRef = failureDetail(cause)
		logger.Error("shared flow failed", "error", cause)
		return res, nil
	}
	res.BuildRef = f.buildRef()
	logger.Info("shared flow succeeded", "build_ref", res.BuildRef)
	return res, result
}

// runBot runs one bot's flow. It never returns early: every exit path after
// a successful acquire passes through a release state.
func (o *Orchestrator) runBot(ctx context.Context, runID string, qb models.QueuedBot, logger *slog.Logger) FlowResult {
	scope := status.Bot(qb.OwnerUserID, qb.BotID)
	logger = logger.With("owner_user_id", qb.OwnerUserID, "bot_id", qb.BotID)

	f := &flow{}
	var result *finalize.BotResult
	m := &machine{scope: scope.String(), table: BotTable, logger: logger}
	m.steps = map[State]Step{
		StateAcquireLock: func(ctx context.Context) error {
			if err := qb.Validate(); err != nil {
				return err
			}
			l, err := o.deps.Locks.Acquire(ctx, qb.LockName(), lockOwner(runID, qb.LockName()), o.opts.LockTimeout)
			f.held = l
			return err
		},
		StateReportRunning: func(ctx context.Context) error {
			return o.deps.Reporter.ReportStatus(ctx, scope, models.SyncStatusRunning, "", "")
		},
		StateSubmitBuild: func(ctx context.Context) error {
			job, err := o.deps.Builds.BuildCustomBot(ctx, qb)
			f.job = job
			return err
		},
		StateFinalize: func(ctx context.Context) error {
			res, err := o.deps.Finalizer.FinalizeCustomBot(ctx, qb)
			result = res
			return err
		},
		StateIngest: func(ctx context.Context) error {
			if result == nil {
				return fmt.Errorf("bot finalize produced no result: %w", models.ErrInvalidPayload)
			}
			return o.deps.Ingester.IngestAll(ctx, result.DataSources)
		},
		StateReportSucceeded: func(ctx context.Context) error {
			return o.deps.Reporter.ReportStatus(ctx, scope, models.SyncStatusSucceeded, succeededReason, f.buildRef())
		},
		StateReleaseLock:     o.release(ctx, f),
		StateReportFailed:    o.reportFailed(ctx, m, f, scope),
		StateReleaseOnFailed: o.release(ctx, f),
	}

	logger.Info("bot flow started")
	final, history, cause := m.run(ctx, StateAcquireLock)
	res := FlowResult{
		Scope:       scope.String(),
		OwnerUserID: qb.OwnerUserID,
		BotID:       qb.BotID,
		State:       final,
		History:     history,
		BuildRef:    f.buildRef(),
	}
	if final == StateFailed {
		res.Err = cause
		reason, ref := failureDetail(cause)
		res.Reason = reason
		if ref != "" {
			res.BuildRef = ref
		}
		logger.Error("bot flow failed", "error", cause)
		return res
	}
	logger.Info("bot flow succeeded", "build_ref", res.BuildRef)
	return res
}
