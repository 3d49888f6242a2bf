package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"testing"

	"github.com/zulandar/kbsync/internal/models"
)

type fakeSource struct {
	bots        map[string]*models.Bot
	pending     []models.Bot
	shared      []models.SharedKnowledgeBase
	sharedCalls int
}

func (s *fakeSource) FindBot(ctx context.Context, owner, botID string) (*models.Bot, error) {
	b, ok := s.bots[owner+"/"+botID]
	if !ok {
		return nil, errors.New("bot not found")
	}
	return b, nil
}

func (s *fakeSource) ListPendingBots(ctx context.Context) ([]models.Bot, error) {
	return s.pending, nil
}

func (s *fakeSource) ListSharedKnowledgeBases(ctx context.Context) ([]models.SharedKnowledgeBase, error) {
	s.sharedCalls++
	return s.shared, nil
}

func newSource() *fakeSource {
	return &fakeSource{
		bots: map[string]*models.Bot{
			"u1/ded": {
				OwnerUserID: "u1", ID: "ded",
				Knowledge:         `{"filenames":["a.pdf"]}`,
				KnowledgeBaseType: models.KnowledgeBaseDedicated,
				KnowledgeBase:     `{"type":"dedicated","knowledge_base_id":"kb-1","data_source_ids":["ds-1"]}`,
				GuardrailsEnabled: true,
				Guardrails:        `{"is_guardrail_enabled":true}`,
			},
			"u1/shr": {
				OwnerUserID: "u1", ID: "shr",
				KnowledgeBaseType: models.KnowledgeBaseShared,
				KnowledgeBase:     `{"type":"shared","knowledge_base_id":"kb-s"}`,
				Guardrails:        `{"is_guardrail_enabled":false}`,
			},
		},
		shared: []models.SharedKnowledgeBase{{Hash: "H", Config: json.RawMessage(`{"type":"shared"}`)}},
	}
}

func TestBootstrap_RefsWithoutSharedSync(t *testing.T) {
	src := newSource()
	no := false
	batch, _, err := Bootstrap(context.Background(), src, []models.BotRef{
		{OwnerUserID: "u1", BotID: "ded", SyncSharedRequired: &no},
	}, nil)
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if len(batch.QueuedBots) != 1 {
		t.Fatalf("QueuedBots = %d, want 1", len(batch.QueuedBots))
	}
	if batch.SharedRequired() {
		t.Error("shared pass should be skipped")
	}
	if src.sharedCalls != 0 {
		t.Errorf("ListSharedKnowledgeBases called %d times, want 0", src.sharedCalls)
	}
}

func TestBootstrap_RefsDefaultToSharedSync(t *testing.T) {
	src := newSource()
	batch, _, err := Bootstrap(context.Background(), src, []models.BotRef{{OwnerUserID: "u1", BotID: "shr"}}, nil)
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if !batch.SharedRequired() || len(batch.SharedKnowledgeBases) != 1 {
		t.Errorf("SharedKnowledgeBases = %v, want the shared list", batch.SharedKnowledgeBases)
	}
	if !batch.QueuedBots[0].SyncSharedRequired {
		t.Error("SyncSharedRequired should default to true")
	}
}

func TestBootstrap_NoBotsLoadsSharedKnowledgeBases(t *testing.T) {
	src := newSource()
	src.shared = nil
	batch, _, err := Bootstrap(context.Background(), src, nil, nil)
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if len(batch.QueuedBots) != 0 {
		t.Errorf("QueuedBots = %d, want 0", len(batch.QueuedBots))
	}
	if batch.SharedKnowledgeBases == nil {
		t.Error("an empty run still runs the shared pass")
	}
}

func TestBootstrap_PendingBots(t *testing.T) {
	src := newSource()
	src.pending = []models.Bot{*src.bots["u1/ded"], *src.bots["u1/shr"]}
	batch, _, err := Bootstrap(context.Background(), src, nil, nil)
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if len(batch.QueuedBots) != 2 {
		t.Fatalf("QueuedBots = %d, want 2", len(batch.QueuedBots))
	}
	for _, qb := range batch.QueuedBots {
		if !qb.SyncSharedRequired || qb.FilesDiff != nil {
			t.Errorf("pending bot %s = %+v, want shared sync and no diff", qb.BotID, qb)
		}
	}
	if !batch.SharedRequired() {
		t.Error("pending bots require the shared pass")
	}
}

func TestBootstrap_SkipsUnknownBot(t *testing.T) {
	src := newSource()
	batch, _, err := Bootstrap(context.Background(), src, []models.BotRef{
		{OwnerUserID: "u1", BotID: "gone"},
		{OwnerUserID: "u1", BotID: "ded"},
	}, nil)
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if len(batch.QueuedBots) != 1 || batch.QueuedBots[0].BotID != "ded" {
		t.Errorf("QueuedBots = %+v, want only ded", batch.QueuedBots)
	}
}

func TestNewQueuedBot_Dedicated(t *testing.T) {
	src := newSource()
	diff := &models.FilesDiff{Added: []string{"b.pdf"}}
	qb, err := NewQueuedBot(src.bots["u1/ded"], diff, false)
	if err != nil {
		t.Fatalf("NewQueuedBot: %v", err)
	}
	if qb.KnowledgeBaseHash != "" {
		t.Errorf("KnowledgeBaseHash = %q, want empty for a dedicated bot", qb.KnowledgeBaseHash)
	}
	if string(qb.KnowledgeBase) != `{"type":"dedicated"}` {
		t.Errorf("KnowledgeBase = %s, want identifiers stripped", qb.KnowledgeBase)
	}
	if string(qb.Guardrails) != `{"is_guardrail_enabled":true}` {
		t.Errorf("Guardrails = %s", qb.Guardrails)
	}
	if qb.FilesDiff == nil || qb.FilesDiff.Added[0] != "b.pdf" {
		t.Errorf("FilesDiff = %+v", qb.FilesDiff)
	}
	if qb.LockName() != "custombot-ded" {
		t.Errorf("LockName() = %q", qb.LockName())
	}
}

func TestNewQueuedBot_Shared(t *testing.T) {
	src := newSource()
	qb, err := NewQueuedBot(src.bots["u1/shr"], &models.FilesDiff{}, true)
	if err != nil {
		t.Fatalf("NewQueuedBot: %v", err)
	}
	want, _ := models.KnowledgeBaseHash(json.RawMessage(`{"type":"shared"}`))
	if qb.KnowledgeBaseHash != want {
		t.Errorf("KnowledgeBaseHash = %q, want %q", qb.KnowledgeBaseHash, want)
	}
	if len(qb.KnowledgeBase) != 0 {
		t.Errorf("KnowledgeBase = %s, want empty for a shared bot", qb.KnowledgeBase)
	}
	if len(qb.Guardrails) != 0 {
		t.Errorf("Guardrails = %s, want empty when disabled", qb.Guardrails)
	}
	if qb.FilesDiff != nil {
		t.Error("an empty diff should be dropped")
	}
	if string(qb.Knowledge) != "{}" {
		t.Errorf("Knowledge = %s, want {}", qb.Knowledge)
	}
}

func TestNewQueuedBot_MalformedKnowledgeBase(t *testing.T) {
	bot := &models.Bot{OwnerUserID: "u1", ID: "x", KnowledgeBaseType: models.KnowledgeBaseShared, KnowledgeBase: "{nope"}
	if _, err := NewQueuedBot(bot, nil, true); !errors.Is(err, models.ErrInvalidPayload) {
		t.Errorf("err = %v, want ErrInvalidPayload", err)
	}
}

func TestBootstrap_RejectsUnusableConfig(t *testing.T) {
	src := newSource()
	src.bots["u1/bad"] = &models.Bot{
		OwnerUserID: "u1", ID: "bad",
		KnowledgeBaseType: models.KnowledgeBaseDedicated,
		KnowledgeBase:     `[1,2]`,
	}
	batch, rejected, err := Bootstrap(context.Background(), src, []models.BotRef{
		{OwnerUserID: "u1", BotID: "bad"},
		{OwnerUserID: "u1", BotID: "ded"},
	}, nil)
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if len(batch.QueuedBots) != 1 || batch.QueuedBots[0].BotID != "ded" {
		t.Errorf("QueuedBots = %+v, want only ded", batch.QueuedBots)
	}
	if len(rejected) != 1 || rejected[0].BotID != "bad" || !errors.Is(rejected[0].Err, models.ErrInvalidPayload) {
		t.Errorf("rejected = %+v, want bad with ErrInvalidPayload", rejected)
	}
}

func TestBootstrap_DuplicateRefsQueueOnce(t *testing.T) {
	src := newSource()
	batch, _, err := Bootstrap(context.Background(), src, []models.BotRef{
		{OwnerUserID: "u1", BotID: "ded"},
		{OwnerUserID: "u1", BotID: "ded"},
	}, nil)
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if len(batch.QueuedBots) != 1 {
		t.Errorf("QueuedBots = %d, want 1", len(batch.QueuedBots))
	}
}

func TestMergeRefs(t *testing.T) {
	yes, no := true, false
	tests := []struct {
		name         string
		refs         []models.BotRef
		wantDiff     *models.FilesDiff
		wantRequired bool
	}{
		{
			name: "diffs are unioned",
			refs: []models.BotRef{
				{OwnerUserID: "u1", BotID: "b1", SyncSharedRequired: &no, FilesDiff: &models.FilesDiff{Added: []string{"a.pdf", "b.pdf"}}},
				{OwnerUserID: "u1", BotID: "b1", SyncSharedRequired: &no, FilesDiff: &models.FilesDiff{Added: []string{"b.pdf"}, Deleted: []string{"c.pdf"}}},
			},
			wantDiff: &models.FilesDiff{Added: []string{"a.pdf", "b.pdf"}, Deleted: []string{"c.pdf"}},
		},
		{
			name: "full sync wins over a diff",
			refs: []models.BotRef{
				{OwnerUserID: "u1", BotID: "b1", SyncSharedRequired: &no, FilesDiff: &models.FilesDiff{Added: []string{"a.pdf"}}},
				{OwnerUserID: "u1", BotID: "b1", SyncSharedRequired: &no},
			},
		},
		{
			name: "shared pass required if any ref requires it",
			refs: []models.BotRef{
				{OwnerUserID: "u1", BotID: "b1", SyncSharedRequired: &no},
				{OwnerUserID: "u1", BotID: "b1", SyncSharedRequired: &yes},
			},
			wantRequired: true,
		},
		{
			name: "unset means required",
			refs: []models.BotRef{
				{OwnerUserID: "u1", BotID: "b1", SyncSharedRequired: &no},
				{OwnerUserID: "u1", BotID: "b1"},
			},
			wantRequired: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MergeRefs(tt.refs)
			if len(got) != 1 {
				t.Fatalf("len = %d, want 1", len(got))
			}
			required := got[0].SyncSharedRequired == nil || *got[0].SyncSharedRequired
			if required != tt.wantRequired {
				t.Errorf("required = %v, want %v", required, tt.wantRequired)
			}
			if !reflect.DeepEqual(got[0].FilesDiff, tt.wantDiff) {
				t.Errorf("FilesDiff = %+v, want %+v", got[0].FilesDiff, tt.wantDiff)
			}
		})
	}

	distinct := MergeRefs([]models.BotRef{{OwnerUserID: "u1", BotID: "b1"}, {OwnerUserID: "u2", BotID: "b1"}})
	if len(distinct) != 2 {
		t.Errorf("bots of different owners merged: %+v", distinct)
	}
}
