package lock

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"
)

// memStore is an in-memory Store recording every call.
type memStore struct {
	mu        sync.Mutex
	locks     map[string]memLock
	seq       int
	puts      int
	deletes   []string
	deleteErr []error // consumed one per DeleteIfMatch call
}

type memLock struct {
	id    string
	owner string
}

func newMemStore() *memStore {
	return &memStore{locks: make(map[string]memLock)}
}

func (s *memStore) PutIfAbsent(ctx context.Context, name, owner string, ttl time.Duration) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.puts++
	if l, ok := s.locks[name]; ok {
		if l.owner == owner {
			return l.id, nil
		}
		return "", ErrLockBusy
	}
	s.seq++
	id := name + "#" + strconv.Itoa(s.seq)
	s.locks[name] = memLock{id: id, owner: owner}
	return id, nil
}

func (s *memStore) DeleteIfMatch(ctx context.Context, name, lockID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletes = append(s.deletes, name)
	if len(s.deleteErr) > 0 {
		err := s.deleteErr[0]
		s.deleteErr = s.deleteErr[1:]
		if err != nil {
			return err
		}
	}
	l, ok := s.locks[name]
	if !ok {
		return ErrLockNotFound
	}
	if l.id != lockID {
		return ErrLockMismatch
	}
	delete(s.locks, name)
	return nil
}

func fastOpts() Options {
	return Options{
		RetryInterval:   time.Millisecond,
		Timeout:         time.Second,
		ReleaseAttempts: 5,
		ReleaseDelay:    time.Millisecond,
	}
}

func TestManager_AcquireRelease(t *testing.T) {
	store := newMemStore()
	m := NewManager(store, fastOpts())

	l, err := m.Acquire(context.Background(), "custombot-1", "exec-1", 0)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if l.Name != "custombot-1" || l.Owner != "exec-1" || l.LockID == "" {
		t.Errorf("lock = %+v, want name/owner/id set", l)
	}
	if err := m.Release(context.Background(), l); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if len(store.locks) != 0 {
		t.Errorf("locks after release = %d, want 0", len(store.locks))
	}
}

func TestManager_AcquireWaitsForRelease(t *testing.T) {
	store := newMemStore()
	m := NewManager(store, fastOpts())
	ctx := context.Background()

	first, err := m.Acquire(ctx, "shared-knowledge-bases", "exec-1", 0)
	if err != nil {
		t.Fatalf("first Acquire: %v", err)
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		m.Release(ctx, first)
	}()

	second, err := m.Acquire(ctx, "shared-knowledge-bases", "exec-2", 0)
	if err != nil {
		t.Fatalf("second Acquire: %v", err)
	}
	if second.LockID == first.LockID {
		t.Error("second lock should carry a new lock id")
	}
	if store.puts < 3 {
		t.Errorf("puts = %d, want retries while busy", store.puts)
	}
}

func TestManager_AcquireTimeout(t *testing.T) {
	store := newMemStore()
	m := NewManager(store, fastOpts())
	ctx := context.Background()

	if _, err := m.Acquire(ctx, "custombot-42", "exec-1", 0); err != nil {
		t.Fatalf("first Acquire: %v", err)
	}
	_, err := m.Acquire(ctx, "custombot-42", "exec-2", 10*time.Millisecond)
	if !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("err = %v, want ErrLockTimeout", err)
	}
}

func TestManager_AcquireSameOwnerIsIdempotent(t *testing.T) {
	m := NewManager(newMemStore(), fastOpts())
	a, err := m.Acquire(context.Background(), "n", "exec-1", 0)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	b, err := m.Acquire(context.Background(), "n", "exec-1", 0)
	if err != nil {
		t.Fatalf("re-Acquire: %v", err)
	}
	if a.LockID != b.LockID {
		t.Errorf("lock id = %q, want %q", b.LockID, a.LockID)
	}
}

func TestManager_AcquireRequiresNameAndOwner(t *testing.T) {
	m := NewManager(newMemStore(), fastOpts())
	if _, err := m.Acquire(context.Background(), "", "o", 0); err == nil {
		t.Error("expected error for empty name")
	}
	if _, err := m.Acquire(context.Background(), "n", "", 0); err == nil {
		t.Error("expected error for empty owner")
	}
}

func TestManager_AcquireStoreErrorIsFatal(t *testing.T) {
	boom := errors.New("boom")
	m := NewManager(errStore{err: boom}, fastOpts())
	_, err := m.Acquire(context.Background(), "n", "o", 0)
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want boom", err)
	}
}

type errStore struct{ err error }

func (s errStore) PutIfAbsent(context.Context, string, string, time.Duration) (string, error) {
	return "", s.err
}
func (s errStore) DeleteIfMatch(context.Context, string, string) error { return s.err }

func TestManager_ReleaseRetriesTransient(t *testing.T) {
	store := newMemStore()
	m := NewManager(store, fastOpts())
	l, _ := m.Acquire(context.Background(), "n", "o", 0)

	transient := errors.New("throttled")
	store.deleteErr = []error{transient, transient}
	if err := m.Release(context.Background(), l); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if len(store.deletes) != 3 {
		t.Errorf("delete calls = %d, want 3", len(store.deletes))
	}
}

func TestManager_ReleaseGivesUpAfterAttempts(t *testing.T) {
	store := newMemStore()
	m := NewManager(store, fastOpts())
	l, _ := m.Acquire(context.Background(), "n", "o", 0)

	transient := errors.New("throttled")
	store.deleteErr = []error{transient, transient, transient, transient, transient, transient}
	err := m.Release(context.Background(), l)
	if !errors.Is(err, ErrReleaseFailed) {
		t.Fatalf("err = %v, want ErrReleaseFailed", err)
	}
	if len(store.deletes) != 5 {
		t.Errorf("delete calls = %d, want 5", len(store.deletes))
	}
}

func TestManager_ReleaseAlreadyGone(t *testing.T) {
	store := newMemStore()
	m := NewManager(store, fastOpts())

	err := m.Release(context.Background(), &Lock{Name: "n", LockID: "x"})
	if err != nil {
		t.Errorf("Release of missing lock = %v, want nil", err)
	}
	if len(store.deletes) != 1 {
		t.Errorf("delete calls = %d, want 1 (no retry on not found)", len(store.deletes))
	}

	store.locks["m"] = memLock{id: "other", owner: "exec-9"}
	if err := m.Release(context.Background(), &Lock{Name: "m", LockID: "mine"}); err != nil {
		t.Errorf("Release of re-owned lock = %v, want nil", err)
	}
	if _, ok := store.locks["m"]; !ok {
		t.Error("re-owned lock must not be deleted")
	}
}

func TestManager_ReleaseNil(t *testing.T) {
	m := NewManager(newMemStore(), fastOpts())
	if err := m.Release(context.Background(), nil); err != nil {
		t.Errorf("Release(nil) = %v, want nil", err)
	}
}

func TestManager_Exclusivity(t *testing.T) {
	store := newMemStore()
	m := NewManager(store, fastOpts())
	ctx := context.Background()

	var (
		mu      sync.Mutex
		holders int
		maxSeen int
		wg      sync.WaitGroup
	)
	for i := range 8 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			l, err := m.Acquire(ctx, "shared-knowledge-bases", "exec-"+strconv.Itoa(i), 0)
			if err != nil {
				t.Errorf("Acquire %d: %v", i, err)
				return
			}
			mu.Lock()
			holders++
			if holders > maxSeen {
				maxSeen = holders
			}
			mu.Unlock()
			time.Sleep(2 * time.Millisecond)
			mu.Lock()
			holders--
			mu.Unlock()
			m.Release(ctx, l)
		}(i)
	}
	wg.Wait()
	if maxSeen != 1 {
		t.Errorf("max concurrent holders = %d, want 1", maxSeen)
	}
}
