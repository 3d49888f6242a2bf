package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/zulandar/kbsync/internal/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func openLockTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	// A single connection keeps every goroutine on the same in-memory database.
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&models.SyncLock{}); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	return db
}

func TestGormStore_PutIfAbsent(t *testing.T) {
	store := NewGormStore(openLockTestDB(t))
	ctx := context.Background()

	id, err := store.PutIfAbsent(ctx, "custombot-1", "exec-1", time.Hour)
	if err != nil {
		t.Fatalf("PutIfAbsent: %v", err)
	}
	if id == "" {
		t.Fatal("expected lock id")
	}

	_, err = store.PutIfAbsent(ctx, "custombot-1", "exec-2", time.Hour)
	if !errors.Is(err, ErrLockBusy) {
		t.Errorf("second owner err = %v, want ErrLockBusy", err)
	}

	again, err := store.PutIfAbsent(ctx, "custombot-1", "exec-1", time.Hour)
	if err != nil {
		t.Fatalf("same owner PutIfAbsent: %v", err)
	}
	if again != id {
		t.Errorf("same owner lock id = %q, want %q", again, id)
	}
}

func TestGormStore_IndependentNames(t *testing.T) {
	store := NewGormStore(openLockTestDB(t))
	ctx := context.Background()

	if _, err := store.PutIfAbsent(ctx, "shared-knowledge-bases", "exec-1", time.Hour); err != nil {
		t.Fatalf("shared: %v", err)
	}
	if _, err := store.PutIfAbsent(ctx, "custombot-7", "exec-2", time.Hour); err != nil {
		t.Fatalf("bot lock should not conflict with shared lock: %v", err)
	}
}

func TestGormStore_ReclaimsExpired(t *testing.T) {
	db := openLockTestDB(t)
	store := NewGormStore(db)
	ctx := context.Background()

	db.Create(&models.SyncLock{
		Name:      "custombot-1",
		LockID:    "stale",
		Owner:     "exec-old",
		ExpiresAt: time.Now().Add(-time.Minute),
	})

	id, err := store.PutIfAbsent(ctx, "custombot-1", "exec-new", time.Hour)
	if err != nil {
		t.Fatalf("PutIfAbsent over expired lock: %v", err)
	}
	if id == "stale" {
		t.Error("expected a fresh lock id")
	}
}

func TestGormStore_DeleteIfMatch(t *testing.T) {
	store := NewGormStore(openLockTestDB(t))
	ctx := context.Background()

	if err := store.DeleteIfMatch(ctx, "nope", "x"); !errors.Is(err, ErrLockNotFound) {
		t.Errorf("missing lock err = %v, want ErrLockNotFound", err)
	}

	id, _ := store.PutIfAbsent(ctx, "n", "exec-1", time.Hour)
	if err := store.DeleteIfMatch(ctx, "n", "wrong"); !errors.Is(err, ErrLockMismatch) {
		t.Errorf("wrong id err = %v, want ErrLockMismatch", err)
	}
	if err := store.DeleteIfMatch(ctx, "n", id); err != nil {
		t.Fatalf("DeleteIfMatch: %v", err)
	}
	held, err := store.Held(ctx)
	if err != nil {
		t.Fatalf("Held: %v", err)
	}
	if len(held) != 0 {
		t.Errorf("held = %d, want 0", len(held))
	}
}

func TestGormStore_WithManager(t *testing.T) {
	store := NewGormStore(openLockTestDB(t))
	m := NewManager(store, fastOpts())
	ctx := context.Background()

	l, err := m.Acquire(ctx, "custombot-42", "exec-1", 0)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if _, err := m.Acquire(ctx, "custombot-42", "exec-2", 5*time.Millisecond); !errors.Is(err, ErrLockTimeout) {
		t.Errorf("contended Acquire err = %v, want ErrLockTimeout", err)
	}
	if err := m.Release(ctx, l); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := m.Acquire(ctx, "custombot-42", "exec-2", 0); err != nil {
		t.Errorf("Acquire after release: %v", err)
	}
}
