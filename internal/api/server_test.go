package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/kbsync/internal/db"
	"github.com/zulandar/kbsync/internal/models"
	"github.com/zulandar/kbsync/internal/orchestrator"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func testRepo(t *testing.T) *db.Repository {
	t.Helper()
	conn, err := db.ConnectSQLite(":memory:")
	if err != nil {
		t.Fatalf("ConnectSQLite: %v", err)
	}
	if err := db.AutoMigrate(conn); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}
	return db.NewRepository(conn)
}

type fakeTrigger struct {
	mu      sync.Mutex
	running bool
	got     chan orchestrator.RunOpts
}

func (f *fakeTrigger) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *fakeTrigger) Trigger(ctx context.Context, opts orchestrator.RunOpts) (*orchestrator.RunReport, error) {
	f.got <- opts
	return &orchestrator.RunReport{RunID: "r1"}, nil
}

func serve(t *testing.T, router *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestStart_NilStore(t *testing.T) {
	err := Start(context.Background(), StartOpts{})
	if err == nil {
		t.Fatal("expected error for nil store")
	}
	if !strings.Contains(err.Error(), "store is required") {
		t.Errorf("error = %q, want to contain %q", err.Error(), "store is required")
	}
}

func TestHealthz(t *testing.T) {
	router := NewRouter(StartOpts{Store: testRepo(t), Logger: quiet()})
	w := serve(t, router, http.MethodGet, "/healthz", "")
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestBotStatus(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()
	if err := repo.UpsertBot(ctx, &models.Bot{OwnerUserID: "u1", ID: "b1"}); err != nil {
		t.Fatal(err)
	}
	if err := repo.UpdateBotStatus(ctx, "u1", "b1", models.SyncStatusFailed, "build failed", "arn:build/1"); err != nil {
		t.Fatal(err)
	}
	router := NewRouter(StartOpts{Store: repo, Logger: quiet()})

	w := serve(t, router, http.MethodGet, "/api/bots/u1/b1/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	var got BotStatus
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.SyncStatus != "FAILED" || got.SyncStatusReason != "build failed" || got.LastExecID != "arn:build/1" {
		t.Errorf("got %+v", got)
	}

	w = serve(t, router, http.MethodGet, "/api/bots/u1/missing/status", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("missing bot status = %d, want 404", w.Code)
	}
}

func TestBotList(t *testing.T) {
	repo := testRepo(t)
	for _, id := range []string{"b1", "b2", "b3"} {
		if err := repo.UpsertBot(context.Background(), &models.Bot{OwnerUserID: "u1", ID: id}); err != nil {
			t.Fatal(err)
		}
	}
	router := NewRouter(StartOpts{Store: repo, Logger: quiet()})

	w := serve(t, router, http.MethodGet, "/api/bots?limit=2", "")
	var got []BotStatus
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Errorf("len = %d, want 2", len(got))
	}
}

func TestRuns(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()
	run, err := repo.CreateRun(ctx, "schedule")
	if err != nil {
		t.Fatal(err)
	}
	if err := repo.UpdateSharedStatus(ctx, run.ID, models.SyncStatusSucceeded, "", "arn:shared"); err != nil {
		t.Fatal(err)
	}
	if err := repo.CompleteRun(ctx, run.ID, 3, 2, 1); err != nil {
		t.Fatal(err)
	}
	router := NewRouter(StartOpts{Store: repo, Logger: quiet()})

	w := serve(t, router, http.MethodGet, "/api/runs/"+run.ID, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	var got Run
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.Trigger != "schedule" || got.SharedStatus != "SUCCEEDED" || got.BotsFailed != 1 || got.CompletedAt == nil {
		t.Errorf("got %+v", got)
	}

	w = serve(t, router, http.MethodGet, "/api/runs", "")
	var list []Run
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].ID != run.ID {
		t.Errorf("list = %+v", list)
	}

	w = serve(t, router, http.MethodGet, "/api/runs/latest", "")
	if w.Code != http.StatusOK {
		t.Fatalf("latest status = %d: %s", w.Code, w.Body.String())
	}
	var latest Run
	if err := json.Unmarshal(w.Body.Bytes(), &latest); err != nil {
		t.Fatal(err)
	}
	if latest.ID != run.ID {
		t.Errorf("latest ID = %q, want %q", latest.ID, run.ID)
	}

	if w := serve(t, router, http.MethodGet, "/api/runs/nope", ""); w.Code != http.StatusNotFound {
		t.Errorf("missing run status = %d, want 404", w.Code)
	}
	if w := serve(t, router, http.MethodGet, "/api/runs?limit=zero", ""); w.Code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d, want 400", w.Code)
	}
}

func TestTriggerRun(t *testing.T) {
	trigger := &fakeTrigger{got: make(chan orchestrator.RunOpts, 1)}
	router := NewRouter(StartOpts{Store: testRepo(t), Trigger: trigger, Logger: quiet()})

	w := serve(t, router, http.MethodPost, "/api/runs", `{"bots":[{"owner_user_id":"u1","bot_id":"b1"}]}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", w.Code, w.Body.String())
	}
	opts := <-trigger.got
	if opts.Trigger != "manual" || len(opts.Bots) != 1 || opts.Bots[0].BotID != "b1" {
		t.Errorf("opts = %+v", opts)
	}

	w = serve(t, router, http.MethodPost, "/api/runs", `{"bots":["u1/b1",{"owner_user_id":"u2","bot_id":"b2","files_diff":{"added":["a.pdf"]}}]}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("owner/bot shorthand status = %d, want 202: %s", w.Code, w.Body.String())
	}
	opts = <-trigger.got
	if len(opts.Bots) != 2 || opts.Bots[0].OwnerUserID != "u1" || opts.Bots[0].BotID != "b1" {
		t.Fatalf("opts.Bots = %+v", opts.Bots)
	}
	if opts.Bots[1].FilesDiff == nil || opts.Bots[1].FilesDiff.Added[0] != "a.pdf" {
		t.Errorf("object ref lost its files diff: %+v", opts.Bots[1])
	}

	if w := serve(t, router, http.MethodPost, "/api/runs", `{"bots":["no-slash"]}`); w.Code != http.StatusBadRequest {
		t.Errorf("malformed shorthand status = %d, want 400", w.Code)
	}
	if w := serve(t, router, http.MethodPost, "/api/runs", `{"bots":[{"bot_id":"b1"}]}`); w.Code != http.StatusBadRequest {
		t.Errorf("incomplete ref status = %d, want 400", w.Code)
	}

	trigger.mu.Lock()
	trigger.running = true
	trigger.mu.Unlock()
	if w := serve(t, router, http.MethodPost, "/api/runs", ""); w.Code != http.StatusConflict {
		t.Errorf("busy status = %d, want 409", w.Code)
	}
}

func TestTriggerRun_NotRegisteredWithoutTrigger(t *testing.T) {
	router := NewRouter(StartOpts{Store: testRepo(t), Logger: quiet()})
	if w := serve(t, router, http.MethodPost, "/api/runs", ""); w.Code == http.StatusAccepted {
		t.Error("POST /api/runs should not be served without a trigger")
	}
}

func TestLatestRun_Empty(t *testing.T) {
	router := NewRouter(StartOpts{Store: testRepo(t), Logger: quiet()})
	if w := serve(t, router, http.MethodGet, "/api/runs/latest", ""); w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestRunServer_LogsFailedShutdown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	entered := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-release
	})}

	var logs bytes.Buffer
	var mu sync.Mutex
	logger := slog.New(slog.NewTextHandler(&lockedWriter{mu: &mu, w: &logs}, nil))

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- runServer(ctx, srv, ln, 10*time.Millisecond, logger) }()

	go http.Get("http://" + ln.Addr().String() + "/slow")
	<-entered
	cancel()

	if err := <-errc; err != nil {
		t.Fatalf("runServer: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if !strings.Contains(logs.String(), "api shutdown failed") {
		t.Errorf("logs = %q, want shutdown failure logged", logs.String())
	}
}

type lockedWriter struct {
	mu *sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
