package models

import "time"

// SyncLock is a named distributed lock row. At most one row exists per name;
// a row whose ExpiresAt has passed may be reclaimed by another owner.
type SyncLock struct {
	Name      string    `gorm:"primaryKey;size:128"`
	LockID    string    `gorm:"size:64;not null"`
	Owner     string    `gorm:"size:128;not null"`
	ExpiresAt time.Time `gorm:"index"`
	CreatedAt time.Time
}
