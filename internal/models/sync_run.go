package models

import "time"

// SyncRun records one orchestrator run. The shared knowledge base pass reports
// its status onto the run row, keyed by the run ID.
type SyncRun struct {
	ID           string `gorm:"primaryKey;size:64"`
	Trigger      string `gorm:"size:16;default:manual"` // "manual" or "schedule"
	Status       string `gorm:"size:16;default:RUNNING;index"`
	SharedStatus string `gorm:"size:16"` // empty when the shared pass was skipped
	SharedReason string `gorm:"type:text"`
	LastExecID   string `gorm:"size:256"`

	BotsTotal     int
	BotsSucceeded int
	BotsFailed    int

	StartedAt   time.Time `gorm:"index"`
	CompletedAt *time.Time
}

// Run statuses. A run has no pass/fail verdict of its own; each scope reports
// its own outcome.
const (
	RunStatusRunning   = "RUNNING"
	RunStatusCompleted = "COMPLETED"
)
