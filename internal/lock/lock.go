// Package lock provides named distributed locks with bounded-wait acquire
// and bounded-retry release on top of a conditional-write Store.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/zulandar/kbsync/internal/retry"
)

var (
	// ErrLockBusy means another owner holds the lock.
	ErrLockBusy = errors.New("lock busy")
	// ErrLockNotFound means no lock exists under the name.
	ErrLockNotFound = errors.New("lock not found")
	// ErrLockMismatch means the lock is held under a different lock ID.
	ErrLockMismatch = errors.New("lock id mismatch")
	// ErrLockTimeout means acquisition did not succeed within the timeout.
	ErrLockTimeout = errors.New("lock acquisition timed out")
	// ErrReleaseFailed means release kept failing after all attempts.
	ErrReleaseFailed = errors.New("lock release failed")
)

const (
	DefaultRetryInterval   = 15 * time.Second
	DefaultTimeout         = 12 * time.Hour
	DefaultReleaseAttempts = 5
	DefaultReleaseDelay    = 2 * time.Second
	DefaultTTL             = 24 * time.Hour
)

// Store is the conditional-write backing store for locks.
type Store interface {
	// PutIfAbsent creates the lock and returns its lock ID. If the lock is
	// already held by owner, the existing lock ID is returned. If another
	// owner holds it, ErrLockBusy is returned.
	PutIfAbsent(ctx context.Context, name, owner string, ttl time.Duration) (string, error)
	// DeleteIfMatch removes the lock only if it still carries lockID.
	DeleteIfMatch(ctx context.Context, name, lockID string) error
}

// Lock is a held lock. LockID proves ownership.
type Lock struct {
	Name       string
	LockID     string
	Owner      string
	AcquiredAt time.Time
}

// Options configures a Manager. Zero values take the defaults above.
type Options struct {
	RetryInterval   time.Duration
	Timeout         time.Duration
	ReleaseAttempts int
	ReleaseDelay    time.Duration
	TTL             time.Duration
	Logger          *slog.Logger
}

// Manager acquires and releases locks on a Store.
type Manager struct {
	store  Store
	opts   Options
	logger *slog.Logger
}

// NewManager returns a Manager over store.
func NewManager(store Store, opts Options) *Manager {
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = DefaultRetryInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.ReleaseAttempts <= 0 {
		opts.ReleaseAttempts = DefaultReleaseAttempts
	}
	if opts.ReleaseDelay <= 0 {
		opts.ReleaseDelay = DefaultReleaseDelay
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: store, opts: opts, logger: logger}
}

// Acquire takes the named lock for owner, retrying on ErrLockBusy every
// RetryInterval until timeout elapses. A zero timeout uses the manager
// default. Other store errors fail immediately.
func (m *Manager) Acquire(ctx context.Context, name, owner string, timeout time.Duration) (*Lock, error) {
	if name == "" || owner == "" {
		return nil, fmt.Errorf("lock: acquire: name and owner are required")
	}
	if timeout <= 0 {
		timeout = m.opts.Timeout
	}

	policy := retry.Policy{
		Interval:    m.opts.RetryInterval,
		Timeout:     timeout,
		BackoffRate: 1,
		OnRetry: func(attempt int, err error) {
			m.logger.Debug("lock busy, waiting", "lock", name, "owner", owner, "attempt", attempt)
		},
	}.Only(ErrLockBusy)

	var lockID string
	err := policy.Do(ctx, func(ctx context.Context) error {
		id, err := m.store.PutIfAbsent(ctx, name, owner, m.opts.TTL)
		if err != nil {
			return err
		}
		lockID = id
		return nil
	})
	if err != nil {
		if errors.Is(err, retry.ErrExhausted) {
			return nil, fmt.Errorf("lock: acquire %s: %w after %s", name, ErrLockTimeout, timeout)
		}
		return nil, fmt.Errorf("lock: acquire %s: %w", name, err)
	}

	m.logger.Info("lock acquired", "lock", name, "owner", owner, "lock_id", lockID)
	return &Lock{Name: name, LockID: lockID, Owner: owner, AcquiredAt: time.Now()}, nil
}

// Release gives up l. A lock that is already gone or was re-taken by
// another owner counts as released. Transient failures are retried
// ReleaseAttempts times; exhaustion is logged and returned as
// ErrReleaseFailed, but callers must not block on it since the store TTL
// eventually frees the lock.
func (m *Manager) Release(ctx context.Context, l *Lock) error {
	if l == nil {
		return nil
	}

	policy := retry.Fixed(m.opts.ReleaseAttempts, m.opts.ReleaseDelay)
	policy.Retryable = func(err error) bool {
		return !errors.Is(err, ErrLockNotFound) && !errors.Is(err, ErrLockMismatch)
	}
	policy.OnRetry = func(attempt int, err error) {
		m.logger.Warn("lock release failed, retrying", "lock", l.Name, "attempt", attempt, "error", err)
	}

	err := policy.Do(ctx, func(ctx context.Context) error {
		return m.store.DeleteIfMatch(ctx, l.Name, l.LockID)
	})
	switch {
	case err == nil:
		m.logger.Info("lock released", "lock", l.Name, "lock_id", l.LockID)
		return nil
	case errors.Is(err, ErrLockNotFound), errors.Is(err, ErrLockMismatch):
		m.logger.Warn("lock already released", "lock", l.Name, "lock_id", l.LockID, "reason", err)
		return nil
	default:
		m.logger.Error("lock release gave up; relying on TTL", "lock", l.Name, "lock_id", l.LockID, "error", err)
		return fmt.Errorf("lock: release %s: %w: %w", l.Name, ErrReleaseFailed, err)
	}
}
