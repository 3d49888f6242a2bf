// Package finalize resolves the identifiers produced by a completed build
// and turns them into the data sources the ingestion step consumes.
package finalize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/zulandar/kbsync/internal/models"
)

// Stack output keys written by the knowledge base stacks.
const (
	OutputKnowledgeBaseID  = "KnowledgeBaseId"
	OutputDataSource       = "DataSource"
	OutputGuardrailArn     = "GuardrailArn"
	OutputGuardrailVersion = "GuardrailVersion"
)

const (
	DefaultSharedStack          = "BrChatSharedKbStack"
	DefaultCustomBotStackPrefix = "BrChatKbStack"
)

// ErrNoOutputs is returned by resolvers when a stack exists but has no
// outputs.
var ErrNoOutputs = errors.New("stack has no outputs")

// OutputResolver reads the outputs of a deployed stack.
type OutputResolver interface {
	StackOutputs(ctx context.Context, stack string) (map[string]string, error)
}

// Store persists the resolved identifiers onto bots.
type Store interface {
	UpdateKnowledgeBaseID(ctx context.Context, ownerUserID, botID, knowledgeBaseID string, dataSourceIDs []string) error
	UpdateGuardrails(ctx context.Context, ownerUserID, botID, arn, version string) error
}

// FinalizeFailedError reports missing or malformed build outputs, or a
// failure to persist them. The orchestrator treats it like a build failure.
type FinalizeFailedError struct {
	Stack string
	Err   error
}

func (e *FinalizeFailedError) Error() string {
	return fmt.Sprintf("finalize %s: %v", e.Stack, e.Err)
}

func (e *FinalizeFailedError) Unwrap() error { return e.Err }

// Options configures a Finalizer.
type Options struct {
	SharedStack          string
	CustomBotStackPrefix string
	Logger               *slog.Logger
}

// Finalizer attaches build outputs to in-flight requests.
type Finalizer struct {
	outputs OutputResolver
	store   Store
	opts    Options
	logger  *slog.Logger
}

// New returns a Finalizer reading outputs from resolver and persisting
// identifiers to store.
func New(resolver OutputResolver, store Store, opts Options) *Finalizer {
	if opts.SharedStack == "" {
		opts.SharedStack = DefaultSharedStack
	}
	if opts.CustomBotStackPrefix == "" {
		opts.CustomBotStackPrefix = DefaultCustomBotStackPrefix
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Finalizer{outputs: resolver, store: store, opts: opts, logger: logger}
}

// SharedResult is the output of the shared finalize step.
type SharedResult struct {
	// QueuedBots carries the batch bots; bots with a files diff that use a
	// shared knowledge base have DataSources set.
	QueuedBots           []models.QueuedBot
	SharedKnowledgeBases []models.SharedKnowledgeBase
	// DataSources need a full synchronization in the shared pass.
	DataSources []models.DataSourceRef
}

type sharedKB struct {
	knowledgeBaseID string
	dataSourceIDs   []string
	bots            []models.QueuedBot
}

// FinalizeShared resolves the shared knowledge bases built for batch. With
// queued bots only the knowledge bases they reference are synchronized;
// without queued bots every built shared knowledge base is.
func (f *Finalizer) FinalizeShared(ctx context.Context, batch models.SyncBatch) (*SharedResult, error) {
	stack := f.opts.SharedStack
	outputs, err := f.outputs.StackOutputs(ctx, stack)
	if err != nil {
		return nil, &FinalizeFailedError{Stack: stack, Err: err}
	}

	kbs := make(map[string]*sharedKB)
	var order []string
	for _, skb := range batch.SharedKnowledgeBases {
		id := outputs[OutputKnowledgeBaseID+skb.Hash]
		if id == "" {
			f.logger.Warn("shared knowledge base not in stack outputs", "stack", stack, "hash", skb.Hash)
			continue
		}
		if _, seen := kbs[skb.Hash]; seen {
			continue
		}
		kbs[skb.Hash] = &sharedKB{
			knowledgeBaseID: id,
			dataSourceIDs:   prefixedValues(outputs, OutputDataSource+skb.Hash),
		}
		order = append(order, skb.Hash)
	}

	result := &SharedResult{SharedKnowledgeBases: batch.SharedKnowledgeBases}
	full := newDataSourceSet()

	if len(batch.QueuedBots) == 0 {
		for _, hash := range order {
			kb := kbs[hash]
			for _, dsID := range kb.dataSourceIDs {
				full.add(models.DataSourceRef{KnowledgeBaseID: kb.knowledgeBaseID, DataSourceID: dsID})
			}
		}
		result.DataSources = full.list()
		return result, nil
	}

	bots := make([]models.QueuedBot, len(batch.QueuedBots))
	copy(bots, batch.QueuedBots)
	for i := range bots {
		kb, ok := kbs[bots[i].KnowledgeBaseHash]
		if !ok {
			continue
		}
		if bots[i].FilesDiff != nil {
			// The bot ingests its own files against the shared data sources
			// in its flow, so its files stay attributed to it.
			refs := make([]models.DataSourceRef, 0, len(kb.dataSourceIDs))
			for _, dsID := range kb.dataSourceIDs {
				refs = append(refs, models.DataSourceRef{KnowledgeBaseID: kb.knowledgeBaseID, DataSourceID: dsID})
			}
			bots[i].DataSources = refs
		} else {
			for _, dsID := range kb.dataSourceIDs {
				full.add(models.DataSourceRef{KnowledgeBaseID: kb.knowledgeBaseID, DataSourceID: dsID})
			}
		}
		kb.bots = append(kb.bots, bots[i])
	}

	for _, hash := range order {
		kb := kbs[hash]
		for _, bot := range kb.bots {
			if err := f.store.UpdateKnowledgeBaseID(ctx, bot.OwnerUserID, bot.BotID, kb.knowledgeBaseID, kb.dataSourceIDs); err != nil {
				return nil, &FinalizeFailedError{Stack: stack, Err: fmt.Errorf("update bot %s: %w", bot.BotID, err)}
			}
		}
	}

	result.QueuedBots = bots
	result.DataSources = full.list()
	f.logger.Info("shared build finalized", "stack", stack, "knowledge_bases", len(order), "data_sources", len(result.DataSources))
	return result, nil
}

// BotResult is the output of the custom bot finalize step.
type BotResult struct {
	OwnerUserID      string
	BotID            string
	KnowledgeBaseID  string
	GuardrailArn     string
	GuardrailVersion string
	DataSources      []models.DataSourceRef
}

// FinalizeCustomBot resolves the outputs of the bot's stack. Data sources
// inherited from the shared pass come first, then the bot's dedicated ones.
// Every data source carries the bot's files diff, if any.
func (f *Finalizer) FinalizeCustomBot(ctx context.Context, bot models.QueuedBot) (*BotResult, error) {
	stack := f.opts.CustomBotStackPrefix + bot.BotID
	if err := bot.Validate(); err != nil {
		return nil, &FinalizeFailedError{Stack: stack, Err: err}
	}

	var diffs []models.BotFilesDiff
	if bot.FilesDiff != nil {
		diffs = []models.BotFilesDiff{{
			OwnerUserID: bot.OwnerUserID,
			BotID:       bot.BotID,
			FilesDiff:   *bot.FilesDiff,
		}}
	}

	result := &BotResult{OwnerUserID: bot.OwnerUserID, BotID: bot.BotID}
	for _, ds := range bot.DataSources {
		result.DataSources = append(result.DataSources, models.DataSourceRef{
			KnowledgeBaseID: ds.KnowledgeBaseID,
			DataSourceID:    ds.DataSourceID,
			FilesDiffs:      diffs,
		})
	}

	outputs, err := f.outputs.StackOutputs(ctx, stack)
	if err != nil {
		return nil, &FinalizeFailedError{Stack: stack, Err: err}
	}

	if kbID := outputs[OutputKnowledgeBaseID]; kbID != "" {
		dsIDs := prefixedValues(outputs, OutputDataSource)
		for _, dsID := range dsIDs {
			result.DataSources = append(result.DataSources, models.DataSourceRef{
				KnowledgeBaseID: kbID,
				DataSourceID:    dsID,
				FilesDiffs:      diffs,
			})
		}
		if err := f.store.UpdateKnowledgeBaseID(ctx, bot.OwnerUserID, bot.BotID, kbID, dsIDs); err != nil {
			return nil, &FinalizeFailedError{Stack: stack, Err: fmt.Errorf("update knowledge base id: %w", err)}
		}
		result.KnowledgeBaseID = kbID
	}

	arn, version := outputs[OutputGuardrailArn], outputs[OutputGuardrailVersion]
	if arn != "" && version != "" {
		if err := f.store.UpdateGuardrails(ctx, bot.OwnerUserID, bot.BotID, arn, version); err != nil {
			return nil, &FinalizeFailedError{Stack: stack, Err: fmt.Errorf("update guardrails: %w", err)}
		}
		result.GuardrailArn, result.GuardrailVersion = arn, version
	}

	for _, ds := range result.DataSources {
		if err := ds.Validate(); err != nil {
			return nil, &FinalizeFailedError{Stack: stack, Err: err}
		}
	}
	f.logger.Info("custom bot build finalized", "stack", stack, "bot_id", bot.BotID, "data_sources", len(result.DataSources))
	return result, nil
}

// prefixedValues returns the values of keys starting with prefix, ordered by
// key so repeated runs ingest in the same order.
func prefixedValues(outputs map[string]string, prefix string) []string {
	var keys []string
	for k := range outputs {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	values := make([]string, 0, len(keys))
	for _, k := range keys {
		values = append(values, outputs[k])
	}
	return values
}

// dataSourceSet keeps insertion order and drops repeated data source ids.
type dataSourceSet struct {
	seen map[string]bool
	refs []models.DataSourceRef
}

func newDataSourceSet() *dataSourceSet {
	return &dataSourceSet{seen: make(map[string]bool)}
}

func (s *dataSourceSet) add(ref models.DataSourceRef) {
	if s.seen[ref.DataSourceID] {
		return
	}
	s.seen[ref.DataSourceID] = true
	s.refs = append(s.refs, ref)
}

func (s *dataSourceSet) list() []models.DataSourceRef {
	return s.refs
}
