package models

// SyncStatus is the externally visible lifecycle state of one bot's or one
// shared pass's synchronization attempt.
type SyncStatus string

const (
	SyncStatusQueued    SyncStatus = "QUEUED"
	SyncStatusRunning   SyncStatus = "RUNNING"
	SyncStatusSucceeded SyncStatus = "SUCCEEDED"
	SyncStatusFailed    SyncStatus = "FAILED"
)

// Valid reports whether s is a known status.
func (s SyncStatus) Valid() bool {
	switch s {
	case SyncStatusQueued, SyncStatusRunning, SyncStatusSucceeded, SyncStatusFailed:
		return true
	}
	return false
}

// Terminal reports whether s is a final state for a sync attempt.
func (s SyncStatus) Terminal() bool {
	return s == SyncStatusSucceeded || s == SyncStatusFailed
}
