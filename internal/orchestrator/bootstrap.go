package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/zulandar/kbsync/internal/models"
)

// BotSource is the persistence layer bootstrap reads from.
type BotSource interface {
	FindBot(ctx context.Context, ownerUserID, botID string) (*models.Bot, error)
	ListPendingBots(ctx context.Context) ([]models.Bot, error)
	ListSharedKnowledgeBases(ctx context.Context) ([]models.SharedKnowledgeBase, error)
}

// Rejected is a bot left out of the batch because its stored configuration
// could not be turned into a flow input.
type Rejected struct {
	OwnerUserID string
	BotID       string
	Err         error
}

// Bootstrap builds the batch for one run. With refs, exactly those bots are
// synced, one entry per bot; otherwise every QUEUED bot is. Shared knowledge
// bases are loaded when no bot was queued or any bot requires the shared
// pass; otherwise the batch carries a nil SharedKnowledgeBases and the shared
// pass is skipped. Bots whose configuration is unusable are returned as
// rejected instead of failing the run.
func Bootstrap(ctx context.Context, src BotSource, refs []models.BotRef, logger *slog.Logger) (models.SyncBatch, []Rejected, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var (
		batch    models.SyncBatch
		rejected []Rejected
	)
	queue := func(bot *models.Bot, diff *models.FilesDiff, required bool) {
		qb, err := NewQueuedBot(bot, diff, required)
		if err != nil {
			logger.Warn("rejecting bot", "owner_user_id", bot.OwnerUserID, "bot_id", bot.ID, "error", err)
			rejected = append(rejected, Rejected{OwnerUserID: bot.OwnerUserID, BotID: bot.ID, Err: err})
			return
		}
		batch.QueuedBots = append(batch.QueuedBots, qb)
	}

	if refs != nil {
		for _, ref := range MergeRefs(refs) {
			bot, err := src.FindBot(ctx, ref.OwnerUserID, ref.BotID)
			if err != nil {
				// A bot deleted after it was queued is not an error for the run.
				logger.Warn("skipping unknown bot", "owner_user_id", ref.OwnerUserID, "bot_id", ref.BotID, "error", err)
				continue
			}
			required := true
			if ref.SyncSharedRequired != nil {
				required = *ref.SyncSharedRequired
			}
			queue(bot, ref.FilesDiff, required)
		}
	} else {
		bots, err := src.ListPendingBots(ctx)
		if err != nil {
			return models.SyncBatch{}, nil, fmt.Errorf("orchestrator: bootstrap: %w", err)
		}
		for i := range bots {
			queue(&bots[i], nil, true)
		}
	}

	if len(batch.QueuedBots) == 0 || anySharedRequired(batch.QueuedBots) {
		shared, err := src.ListSharedKnowledgeBases(ctx)
		if err != nil {
			return models.SyncBatch{}, rejected, fmt.Errorf("orchestrator: bootstrap: %w", err)
		}
		if shared == nil {
			shared = []models.SharedKnowledgeBase{}
		}
		batch.SharedKnowledgeBases = shared
	}

	logger.Info("bootstrap done", "queued_bots", len(batch.QueuedBots), "rejected", len(rejected),
		"shared_knowledge_bases", len(batch.SharedKnowledgeBases), "shared_required", batch.SharedRequired())
	return batch, rejected, nil
}

// MergeRefs collapses refs naming the same bot into one, keeping the order
// of first appearance. A ref without a files diff asks for a full sync, which
// covers any incremental diff; otherwise the diffs are unioned. The shared
// pass is required if any of the merged refs requires it.
func MergeRefs(refs []models.BotRef) []models.BotRef {
	index := make(map[[2]string]int, len(refs))
	out := make([]models.BotRef, 0, len(refs))
	for _, ref := range refs {
		key := [2]string{ref.OwnerUserID, ref.BotID}
		i, seen := index[key]
		if !seen {
			index[key] = len(out)
			out = append(out, ref)
			continue
		}
		merged := &out[i]
		if merged.FilesDiff.Empty() || ref.FilesDiff.Empty() {
			merged.FilesDiff = nil
		} else {
			merged.FilesDiff = &models.FilesDiff{
				Added:     union(merged.FilesDiff.Added, ref.FilesDiff.Added),
				Unchanged: union(merged.FilesDiff.Unchanged, ref.FilesDiff.Unchanged),
				Deleted:   union(merged.FilesDiff.Deleted, ref.FilesDiff.Deleted),
			}
		}
		if merged.SyncSharedRequired != nil && (ref.SyncSharedRequired == nil || *ref.SyncSharedRequired) {
			merged.SyncSharedRequired = ref.SyncSharedRequired
		}
	}
	return out
}

func union(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, s := range append(append([]string(nil), a...), b...) {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func anySharedRequired(bots []models.QueuedBot) bool {
	for _, b := range bots {
		if b.SyncSharedRequired {
			return true
		}
	}
	return false
}

// NewQueuedBot converts a stored bot into the input of its flow. Dedicated
// bots carry their knowledge base configuration without build-assigned
// identifiers; shared bots carry only its hash. Guardrails are carried only
// when enabled.
func NewQueuedBot(bot *models.Bot, diff *models.FilesDiff, syncSharedRequired bool) (models.QueuedBot, error) {
	if bot == nil {
		return models.QueuedBot{}, errors.New("nil bot")
	}
	qb := models.QueuedBot{
		OwnerUserID:        bot.OwnerUserID,
		BotID:              bot.ID,
		Knowledge:          rawOrEmpty(bot.Knowledge),
		SyncSharedRequired: syncSharedRequired,
	}
	if !diff.Empty() {
		d := *diff
		qb.FilesDiff = &d
	}

	if bot.HasKnowledgeBase() && bot.KnowledgeBase != "" {
		cfg := json.RawMessage(bot.KnowledgeBase)
		switch bot.KnowledgeBaseType {
		case models.KnowledgeBaseShared:
			hash, err := models.KnowledgeBaseHash(cfg)
			if err != nil {
				return models.QueuedBot{}, fmt.Errorf("bot %s/%s: %w", bot.OwnerUserID, bot.ID, err)
			}
			qb.KnowledgeBaseHash = hash
		case models.KnowledgeBaseDedicated:
			stripped, err := models.StripIdentifiers(cfg)
			if err != nil {
				return models.QueuedBot{}, fmt.Errorf("bot %s/%s: %w", bot.OwnerUserID, bot.ID, err)
			}
			qb.KnowledgeBase = stripped
		}
	}

	if bot.GuardrailsEnabled {
		qb.Guardrails = rawOrEmpty(bot.Guardrails)
	}

	if err := qb.Validate(); err != nil {
		return models.QueuedBot{}, err
	}
	return qb, nil
}

func rawOrEmpty(s string) json.RawMessage {
	if s == "" {
		return json.RawMessage("{}")
	}
	return json.RawMessage(s)
}
