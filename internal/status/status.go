// Package status writes sync status records for bots and for the shared
// knowledge base pass.
package status

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/zulandar/kbsync/internal/models"
	"github.com/zulandar/kbsync/internal/notify"
	"github.com/zulandar/kbsync/internal/retry"
)

const (
	DefaultAttempts = 4
	DefaultDelay    = 2 * time.Second
)

// ErrReportFailed means a status write kept failing after all attempts.
var ErrReportFailed = errors.New("status report failed")

// BotKey identifies one bot.
type BotKey struct {
	OwnerUserID string
	BotID       string
}

// Scope selects the records a report writes: the shared pass of a run,
// one or more bots, or both.
type Scope struct {
	RunID string
	Bots  []BotKey
}

// Bot returns the scope of a single bot.
func Bot(ownerUserID, botID string) Scope {
	return Scope{Bots: []BotKey{{OwnerUserID: ownerUserID, BotID: botID}}}
}

// Shared returns the scope of the shared pass of run, also covering bots.
func Shared(runID string, bots ...BotKey) Scope {
	return Scope{RunID: runID, Bots: bots}
}

// String names the scope for logs and notifications.
func (s Scope) String() string {
	if s.RunID != "" {
		return "shared run " + s.RunID
	}
	names := make([]string, 0, len(s.Bots))
	for _, b := range s.Bots {
		names = append(names, b.OwnerUserID+"/"+b.BotID)
	}
	return "bot " + strings.Join(names, ",")
}

// Store is the persistence layer holding status records.
type Store interface {
	UpdateBotStatus(ctx context.Context, ownerUserID, botID string, status models.SyncStatus, reason, lastExecID string) error
	UpdateSharedStatus(ctx context.Context, runID string, status models.SyncStatus, reason, lastExecID string) error
}

// Options configures a Reporter.
type Options struct {
	Attempts int
	Delay    time.Duration
	// Notifier receives FAILED reports. Delivery errors are logged only.
	Notifier notify.Notifier
	Logger   *slog.Logger
}

// Reporter writes status records with bounded retry.
type Reporter struct {
	store    Store
	policy   retry.Policy
	notifier notify.Notifier
	logger   *slog.Logger
}

// NewReporter returns a Reporter writing to store.
func NewReporter(store Store, opts Options) *Reporter {
	if opts.Attempts <= 0 {
		opts.Attempts = DefaultAttempts
	}
	if opts.Delay <= 0 {
		opts.Delay = DefaultDelay
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Reporter{
		store:    store,
		policy:   retry.Fixed(opts.Attempts, opts.Delay),
		notifier: opts.Notifier,
		logger:   logger,
	}
}

// ReportStatus writes status to every record in scope. reason and buildRef
// are stored as the status reason and last execution id. Reporting the same
// status twice overwrites the record.
func (r *Reporter) ReportStatus(ctx context.Context, scope Scope, status models.SyncStatus, reason, buildRef string) error {
	if !status.Valid() {
		return fmt.Errorf("status: report %q: %w", status, models.ErrInvalidPayload)
	}
	if scope.RunID == "" && len(scope.Bots) == 0 {
		return fmt.Errorf("status: empty scope: %w", models.ErrInvalidPayload)
	}

	var errs []error
	if scope.RunID != "" {
		err := r.write(ctx, func(ctx context.Context) error {
			return r.store.UpdateSharedStatus(ctx, scope.RunID, status, reason, buildRef)
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("shared run %s: %w", scope.RunID, err))
		}
	}
	for _, b := range scope.Bots {
		err := r.write(ctx, func(ctx context.Context) error {
			return r.store.UpdateBotStatus(ctx, b.OwnerUserID, b.BotID, status, reason, buildRef)
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("bot %s/%s: %w", b.OwnerUserID, b.BotID, err))
		}
	}

	if status == models.SyncStatusFailed {
		r.notify(ctx, scope, status, reason, buildRef)
	}

	if len(errs) > 0 {
		err := fmt.Errorf("status: report %s for %s: %w: %w", status, scope, ErrReportFailed, errors.Join(errs...))
		r.logger.Error("status report failed", "scope", scope.String(), "status", status, "error", err)
		return err
	}
	r.logger.Info("status reported", "scope", scope.String(), "status", status)
	return nil
}

func (r *Reporter) write(ctx context.Context, op func(ctx context.Context) error) error {
	policy := r.policy
	policy.OnRetry = func(attempt int, err error) {
		r.logger.Warn("status write failed, retrying", "attempt", attempt, "error", err)
	}
	return policy.Do(ctx, op)
}

func (r *Reporter) notify(ctx context.Context, scope Scope, status models.SyncStatus, reason, buildRef string) {
	if r.notifier == nil {
		return
	}
	err := r.notifier.Notify(ctx, notify.Event{
		Scope:    scope.String(),
		Status:   string(status),
		Reason:   reason,
		BuildRef: buildRef,
		Time:     time.Now(),
	})
	if err != nil {
		r.logger.Warn("failure notification not delivered", "scope", scope.String(), "error", err)
	}
}
