package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/zulandar/kbsync/internal/models"
	"gorm.io/gorm"
)

// mysqlDuplicateEntry is the MySQL error number for a primary key conflict.
const mysqlDuplicateEntry = 1062

// GormStore keeps locks as rows of the sync_locks table. Expired rows are
// reclaimed inside the acquiring transaction.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore returns a Store backed by db.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// PutIfAbsent implements Store.
func (s *GormStore) PutIfAbsent(ctx context.Context, name, owner string, ttl time.Duration) (string, error) {
	var lockID string

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now()

		// Reclaim an expired lock on this name.
		if err := tx.Where("name = ? AND expires_at < ?", name, now).
			Delete(&models.SyncLock{}).Error; err != nil {
			return fmt.Errorf("expire stale lock: %w", err)
		}

		var existing models.SyncLock
		result := tx.Where("name = ?", name).Limit(1).Find(&existing)
		if result.Error != nil {
			return fmt.Errorf("check existing lock: %w", result.Error)
		}
		if result.RowsAffected > 0 {
			if existing.Owner == owner {
				lockID = existing.LockID
				return nil
			}
			return ErrLockBusy
		}

		row := models.SyncLock{
			Name:      name,
			LockID:    uuid.NewString(),
			Owner:     owner,
			ExpiresAt: now.Add(ttl),
		}
		if err := tx.Create(&row).Error; err != nil {
			if isDuplicate(err) {
				return ErrLockBusy
			}
			return fmt.Errorf("create lock: %w", err)
		}
		lockID = row.LockID
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrLockBusy) {
			return "", ErrLockBusy
		}
		return "", fmt.Errorf("lock: put %s: %w", name, err)
	}
	return lockID, nil
}

// DeleteIfMatch implements Store.
func (s *GormStore) DeleteIfMatch(ctx context.Context, name, lockID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.SyncLock
		result := tx.Where("name = ?", name).Limit(1).Find(&existing)
		if result.Error != nil {
			return fmt.Errorf("lock: find %s: %w", name, result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrLockNotFound
		}
		if existing.LockID != lockID {
			return ErrLockMismatch
		}
		if err := tx.Where("name = ? AND lock_id = ?", name, lockID).
			Delete(&models.SyncLock{}).Error; err != nil {
			return fmt.Errorf("lock: delete %s: %w", name, err)
		}
		return nil
	})
}

// Held returns all live locks, oldest first.
func (s *GormStore) Held(ctx context.Context) ([]models.SyncLock, error) {
	var locks []models.SyncLock
	if err := s.db.WithContext(ctx).
		Where("expires_at >= ?", time.Now()).
		Order("created_at ASC").
		Find(&locks).Error; err != nil {
		return nil, fmt.Errorf("lock: list: %w", err)
	}
	return locks, nil
}

func isDuplicate(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == mysqlDuplicateEntry
}
