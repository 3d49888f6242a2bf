package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidPayload is returned when a step receives malformed input.
var ErrInvalidPayload = errors.New("invalid payload")

// SharedLockName is the lock guarding the shared knowledge bases build.
const SharedLockName = "shared-knowledge-bases"

// CustomBotLockName returns the lock name guarding one bot's build.
func CustomBotLockName(botID string) string {
	return "custombot-" + botID
}

// FilesDiff lists the document changes of one bot since its last sync.
type FilesDiff struct {
	Added     []string `json:"added" yaml:"added"`
	Unchanged []string `json:"unchanged" yaml:"unchanged"`
	Deleted   []string `json:"deleted" yaml:"deleted"`
}

// Empty reports whether the diff names no files at all.
func (d *FilesDiff) Empty() bool {
	return d == nil || (len(d.Added) == 0 && len(d.Unchanged) == 0 && len(d.Deleted) == 0)
}

// BotFilesDiff attributes a FilesDiff to the bot that owns the files.
type BotFilesDiff struct {
	OwnerUserID string `json:"owner_user_id"`
	BotID       string `json:"bot_id"`
	FilesDiff
}

// DataSourceRef identifies one data source to ingest. Empty FilesDiffs means
// a full resynchronization of the data source.
type DataSourceRef struct {
	KnowledgeBaseID string         `json:"knowledge_base_id"`
	DataSourceID    string         `json:"data_source_id"`
	FilesDiffs      []BotFilesDiff `json:"files_diffs,omitempty"`
}

// Validate checks that both identifiers are present.
func (d DataSourceRef) Validate() error {
	if d.KnowledgeBaseID == "" || d.DataSourceID == "" {
		return fmt.Errorf("data source %q/%q: %w", d.KnowledgeBaseID, d.DataSourceID, ErrInvalidPayload)
	}
	return nil
}

// Incremental reports whether only named files should be ingested.
func (d DataSourceRef) Incremental() bool {
	for _, fd := range d.FilesDiffs {
		if !fd.Empty() {
			return true
		}
	}
	return false
}

// QueuedBot is the immutable input to one bot sync flow.
type QueuedBot struct {
	OwnerUserID string     `json:"owner_user_id"`
	BotID       string     `json:"bot_id"`
	FilesDiff   *FilesDiff `json:"files_diff,omitempty"`

	Knowledge json.RawMessage `json:"knowledge"`
	// KnowledgeBaseHash is set for bots using a shared knowledge base.
	KnowledgeBaseHash string `json:"knowledge_base_hash,omitempty"`
	// KnowledgeBase is set for bots using a dedicated knowledge base.
	KnowledgeBase json.RawMessage `json:"knowledge_base,omitempty"`
	Guardrails    json.RawMessage `json:"guardrails,omitempty"`

	// SyncSharedRequired is true when this bot needs the shared pass.
	SyncSharedRequired bool `json:"sync_shared_required"`

	// DataSources are inherited from the shared pass for shared bots that
	// carry a files diff.
	DataSources []DataSourceRef `json:"data_sources,omitempty"`
}

// Validate checks the fields every bot flow step depends on.
func (q QueuedBot) Validate() error {
	var errs []string
	if q.OwnerUserID == "" {
		errs = append(errs, "owner_user_id is required")
	}
	if q.BotID == "" {
		errs = append(errs, "bot_id is required")
	}
	for _, raw := range []json.RawMessage{q.Knowledge, q.KnowledgeBase, q.Guardrails} {
		if len(raw) > 0 && !json.Valid(raw) {
			errs = append(errs, "malformed JSON config")
			break
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("queued bot %q: %s: %w", q.BotID, strings.Join(errs, "; "), ErrInvalidPayload)
	}
	return nil
}

// LockName returns the lock guarding this bot's flow.
func (q QueuedBot) LockName() string {
	return CustomBotLockName(q.BotID)
}

// UsesSharedKnowledgeBase reports whether the bot references a shared KB.
func (q QueuedBot) UsesSharedKnowledgeBase() bool {
	return q.KnowledgeBaseHash != ""
}

// SharedKnowledgeBase is one distinct shared knowledge base configuration.
type SharedKnowledgeBase struct {
	Hash   string          `json:"knowledge_base_hash"`
	Config json.RawMessage `json:"knowledge_base"`
}

// SyncBatch is the output of the bootstrap step. A nil SharedKnowledgeBases
// means the shared pass is skipped; an empty non-nil slice still runs it.
type SyncBatch struct {
	QueuedBots           []QueuedBot           `json:"queued_bots"`
	SharedKnowledgeBases []SharedKnowledgeBase `json:"shared_knowledge_bases"`
}

// SharedRequired reports whether the shared pass must run.
func (b *SyncBatch) SharedRequired() bool {
	return b.SharedKnowledgeBases != nil
}

// BotRef names a bot to sync explicitly instead of loading queued bots.
type BotRef struct {
	OwnerUserID string     `json:"owner_user_id" yaml:"owner_user_id"`
	BotID       string     `json:"bot_id" yaml:"bot_id"`
	FilesDiff   *FilesDiff `json:"files_diff,omitempty" yaml:"files_diff"`
	// SyncSharedRequired defaults to true when nil.
	SyncSharedRequired *bool `json:"sync_shared_required,omitempty" yaml:"sync_shared_required"`
}

// ParseBotRef parses "owner/bot" into a BotRef.
func ParseBotRef(s string) (BotRef, error) {
	owner, bot, ok := strings.Cut(s, "/")
	if !ok || owner == "" || bot == "" {
		return BotRef{}, fmt.Errorf("bot ref %q: want owner/bot: %w", s, ErrInvalidPayload)
	}
	return BotRef{OwnerUserID: owner, BotID: bot}, nil
}
