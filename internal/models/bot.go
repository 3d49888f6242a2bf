package models

import "time"

// Bot is a chat bot whose knowledge is synchronized into a knowledge base.
// Knowledge, KnowledgeBase and Guardrails hold the JSON-encoded configuration
// that is handed to the custom-bot build untouched.
type Bot struct {
	OwnerUserID       string `gorm:"primaryKey;size:64"`
	ID                string `gorm:"primaryKey;size:64"`
	Title             string `gorm:"size:256"`
	Knowledge         string `gorm:"type:json"`
	KnowledgeBaseType string `gorm:"size:16;index"` // "dedicated", "shared" or empty
	KnowledgeBase     string `gorm:"type:json"`
	GuardrailsEnabled bool   `gorm:"default:false"`
	Guardrails        string `gorm:"type:json"`

	// Identifiers resolved by the finalizer after a successful build.
	KnowledgeBaseID  string `gorm:"size:64"`
	DataSourceIDs    string `gorm:"type:json"` // JSON array of data source IDs
	GuardrailArn     string `gorm:"size:256"`
	GuardrailVersion string `gorm:"size:32"`

	SyncStatus       string `gorm:"size:16;default:QUEUED;index"`
	SyncStatusReason string `gorm:"type:text"`
	LastExecID       string `gorm:"size:256"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasKnowledgeBase reports whether the bot is backed by any knowledge base.
func (b *Bot) HasKnowledgeBase() bool {
	return b.KnowledgeBaseType == KnowledgeBaseDedicated || b.KnowledgeBaseType == KnowledgeBaseShared
}

// Knowledge base kinds.
const (
	KnowledgeBaseDedicated = "dedicated"
	KnowledgeBaseShared    = "shared"
)
