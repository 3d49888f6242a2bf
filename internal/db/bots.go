package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/zulandar/kbsync/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrBotNotFound is returned when no bot matches the owner and id.
var ErrBotNotFound = errors.New("bot not found")

// Repository is the persistence layer for bots, sync status and runs.
type Repository struct {
	db *gorm.DB
}

// NewRepository returns a Repository over db.
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func botKey(tx *gorm.DB, ownerUserID, botID string) *gorm.DB {
	return tx.Where("owner_user_id = ? AND id = ?", ownerUserID, botID)
}

// FindBot loads one bot.
func (r *Repository) FindBot(ctx context.Context, ownerUserID, botID string) (*models.Bot, error) {
	var bot models.Bot
	result := botKey(r.db.WithContext(ctx), ownerUserID, botID).Limit(1).Find(&bot)
	if result.Error != nil {
		return nil, fmt.Errorf("db: find bot %s/%s: %w", ownerUserID, botID, result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, fmt.Errorf("db: find bot %s/%s: %w", ownerUserID, botID, ErrBotNotFound)
	}
	return &bot, nil
}

// ListPendingBots returns bots whose sync status is QUEUED, oldest first.
func (r *Repository) ListPendingBots(ctx context.Context) ([]models.Bot, error) {
	var bots []models.Bot
	err := r.db.WithContext(ctx).
		Where("sync_status = ?", string(models.SyncStatusQueued)).
		Order("updated_at ASC").
		Find(&bots).Error
	if err != nil {
		return nil, fmt.Errorf("db: list pending bots: %w", err)
	}
	return bots, nil
}

// ListBots returns bots ordered by most recent update. A limit of zero or
// less returns all.
func (r *Repository) ListBots(ctx context.Context, limit int) ([]models.Bot, error) {
	var bots []models.Bot
	q := r.db.WithContext(ctx).Order("updated_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&bots).Error; err != nil {
		return nil, fmt.Errorf("db: list bots: %w", err)
	}
	return bots, nil
}

// ListSharedKnowledgeBases returns one entry per distinct shared knowledge
// base configuration referenced by any bot. Identifier fields are removed
// from the returned configuration.
func (r *Repository) ListSharedKnowledgeBases(ctx context.Context) ([]models.SharedKnowledgeBase, error) {
	var bots []models.Bot
	err := r.db.WithContext(ctx).
		Select("owner_user_id", "id", "knowledge_base").
		Where("knowledge_base_type = ?", models.KnowledgeBaseShared).
		Order("owner_user_id, id").
		Find(&bots).Error
	if err != nil {
		return nil, fmt.Errorf("db: list shared knowledge bases: %w", err)
	}

	seen := make(map[string]bool)
	shared := []models.SharedKnowledgeBase{}
	for _, b := range bots {
		raw := json.RawMessage(b.KnowledgeBase)
		// An undecodable configuration only disqualifies its own bot.
		hash, err := models.KnowledgeBaseHash(raw)
		if err != nil {
			slog.Warn("skipping shared knowledge base", "owner_user_id", b.OwnerUserID, "bot_id", b.ID, "error", err)
			continue
		}
		if seen[hash] {
			continue
		}
		seen[hash] = true
		cfg, err := models.StripIdentifiers(raw)
		if err != nil {
			slog.Warn("skipping shared knowledge base", "owner_user_id", b.OwnerUserID, "bot_id", b.ID, "error", err)
			continue
		}
		shared = append(shared, models.SharedKnowledgeBase{Hash: hash, Config: cfg})
	}
	return shared, nil
}

// UpsertBot creates a bot or replaces its configuration. Sync state and
// resolved identifiers of an existing bot are left untouched.
func (r *Repository) UpsertBot(ctx context.Context, bot *models.Bot) error {
	if bot.OwnerUserID == "" || bot.ID == "" {
		return fmt.Errorf("db: upsert bot: owner and id are required: %w", models.ErrInvalidPayload)
	}
	bot.Knowledge = jsonOr(bot.Knowledge, "{}")
	bot.KnowledgeBase = jsonOr(bot.KnowledgeBase, "{}")
	bot.Guardrails = jsonOr(bot.Guardrails, "{}")
	bot.DataSourceIDs = jsonOr(bot.DataSourceIDs, "[]")
	if bot.SyncStatus == "" {
		bot.SyncStatus = string(models.SyncStatusQueued)
	}

	result := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "owner_user_id"}, {Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"title", "knowledge", "knowledge_base_type", "knowledge_base",
			"guardrails_enabled", "guardrails", "updated_at",
		}),
	}).Create(bot)
	if result.Error != nil {
		return fmt.Errorf("db: upsert bot %s/%s: %w", bot.OwnerUserID, bot.ID, result.Error)
	}
	return nil
}

// EnqueueBot marks a bot QUEUED so the next run picks it up.
func (r *Repository) EnqueueBot(ctx context.Context, ownerUserID, botID string) error {
	return r.UpdateBotStatus(ctx, ownerUserID, botID, models.SyncStatusQueued, "", "")
}

// DeleteBot removes a bot together with its status record.
func (r *Repository) DeleteBot(ctx context.Context, ownerUserID, botID string) error {
	result := botKey(r.db.WithContext(ctx), ownerUserID, botID).Delete(&models.Bot{})
	if result.Error != nil {
		return fmt.Errorf("db: delete bot %s/%s: %w", ownerUserID, botID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("db: delete bot %s/%s: %w", ownerUserID, botID, ErrBotNotFound)
	}
	return nil
}

// UpdateKnowledgeBaseID records the knowledge base a build produced for a
// bot.
func (r *Repository) UpdateKnowledgeBaseID(ctx context.Context, ownerUserID, botID, knowledgeBaseID string, dataSourceIDs []string) error {
	if dataSourceIDs == nil {
		dataSourceIDs = []string{}
	}
	ids, err := marshalJSON(dataSourceIDs)
	if err != nil {
		return fmt.Errorf("db: marshal data source ids: %w", err)
	}
	return r.updateBot(ctx, ownerUserID, botID, "knowledge base id", map[string]interface{}{
		"knowledge_base_id": knowledgeBaseID,
		"data_source_ids":   ids,
	})
}

// UpdateGuardrails records the guardrail a build produced for a bot.
func (r *Repository) UpdateGuardrails(ctx context.Context, ownerUserID, botID, arn, version string) error {
	return r.updateBot(ctx, ownerUserID, botID, "guardrails", map[string]interface{}{
		"guardrail_arn":     arn,
		"guardrail_version": version,
	})
}

// UpdateBotStatus writes the sync status record of a bot.
func (r *Repository) UpdateBotStatus(ctx context.Context, ownerUserID, botID string, status models.SyncStatus, reason, lastExecID string) error {
	return r.updateBot(ctx, ownerUserID, botID, "sync status", map[string]interface{}{
		"sync_status":        string(status),
		"sync_status_reason": reason,
		"last_exec_id":       lastExecID,
	})
}

func (r *Repository) updateBot(ctx context.Context, ownerUserID, botID, what string, updates map[string]interface{}) error {
	result := botKey(r.db.WithContext(ctx).Model(&models.Bot{}), ownerUserID, botID).Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("db: update %s of bot %s/%s: %w", what, ownerUserID, botID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("db: update %s of bot %s/%s: %w", what, ownerUserID, botID, ErrBotNotFound)
	}
	return nil
}

func jsonOr(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
