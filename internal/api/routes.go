package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/kbsync/internal/db"
	"github.com/zulandar/kbsync/internal/models"
	"github.com/zulandar/kbsync/internal/orchestrator"
)

const (
	defaultLimit = 20
	maxLimit     = 200
)

// BotStatus is the externally visible sync status of one bot.
type BotStatus struct {
	OwnerUserID      string    `json:"owner_user_id"`
	BotID            string    `json:"bot_id"`
	SyncStatus       string    `json:"sync_status"`
	SyncStatusReason string    `json:"sync_status_reason"`
	LastExecID       string    `json:"last_exec_id"`
	KnowledgeBaseID  string    `json:"knowledge_base_id,omitempty"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Run is the externally visible record of one run.
type Run struct {
	ID            string     `json:"id"`
	Trigger       string     `json:"trigger"`
	Status        string     `json:"status"`
	SharedStatus  string     `json:"shared_status,omitempty"`
	SharedReason  string     `json:"shared_reason,omitempty"`
	LastExecID    string     `json:"last_exec_id,omitempty"`
	BotsTotal     int        `json:"bots_total"`
	BotsSucceeded int        `json:"bots_succeeded"`
	BotsFailed    int        `json:"bots_failed"`
	StartedAt     time.Time  `json:"started_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// TriggerRequest is the body of POST /api/runs.
type TriggerRequest struct {
	Bots []TriggerBot `json:"bots"`
}

// TriggerBot names one bot to sync, either as "owner/bot" or as a full
// bot reference object carrying a files diff.
type TriggerBot models.BotRef

// UnmarshalJSON implements json.Unmarshaler.
func (b *TriggerBot) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		ref, err := models.ParseBotRef(s)
		if err != nil {
			return err
		}
		*b = TriggerBot(ref)
		return nil
	}
	var ref models.BotRef
	if err := json.Unmarshal(data, &ref); err != nil {
		return err
	}
	*b = TriggerBot(ref)
	return nil
}

func botStatus(b *models.Bot) BotStatus {
	return BotStatus{
		OwnerUserID:      b.OwnerUserID,
		BotID:            b.ID,
		SyncStatus:       b.SyncStatus,
		SyncStatusReason: b.SyncStatusReason,
		LastExecID:       b.LastExecID,
		KnowledgeBaseID:  b.KnowledgeBaseID,
		UpdatedAt:        b.UpdatedAt,
	}
}

func runView(r *models.SyncRun) Run {
	return Run{
		ID:            r.ID,
		Trigger:       r.Trigger,
		Status:        r.Status,
		SharedStatus:  r.SharedStatus,
		SharedReason:  r.SharedReason,
		LastExecID:    r.LastExecID,
		BotsTotal:     r.BotsTotal,
		BotsSucceeded: r.BotsSucceeded,
		BotsFailed:    r.BotsFailed,
		StartedAt:     r.StartedAt,
		CompletedAt:   r.CompletedAt,
	}
}

// registerRoutes sets up all API routes on the Gin router.
func registerRoutes(router *gin.Engine, store Store, trigger Trigger, logger *slog.Logger) {
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	api.GET("/bots", handleBotList(store))
	api.GET("/bots/:owner/:bot/status", handleBotStatus(store))
	api.GET("/runs", handleRunList(store))
	api.GET("/runs/latest", handleRunDetail(func(c *gin.Context) (*models.SyncRun, error) {
		return store.LatestRun(c.Request.Context())
	}))
	api.GET("/runs/:id", handleRunDetail(func(c *gin.Context) (*models.SyncRun, error) {
		return store.FindRun(c.Request.Context(), c.Param("id"))
	}))
	if trigger != nil {
		api.POST("/runs", handleTriggerRun(trigger, logger))
	}
}

func parseLimit(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return defaultLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
		return 0, false
	}
	return min(n, maxLimit), true
}

func handleBotList(store Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, ok := parseLimit(c)
		if !ok {
			return
		}
		bots, err := store.ListBots(c.Request.Context(), limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		out := make([]BotStatus, 0, len(bots))
		for i := range bots {
			out = append(out, botStatus(&bots[i]))
		}
		c.JSON(http.StatusOK, out)
	}
}

func handleBotStatus(store Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		bot, err := store.FindBot(c.Request.Context(), c.Param("owner"), c.Param("bot"))
		if errors.Is(err, db.ErrBotNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "bot not found"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, botStatus(bot))
	}
}

func handleRunList(store Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, ok := parseLimit(c)
		if !ok {
			return
		}
		runs, err := store.ListRuns(c.Request.Context(), limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		out := make([]Run, 0, len(runs))
		for i := range runs {
			out = append(out, runView(&runs[i]))
		}
		c.JSON(http.StatusOK, out)
	}
}

func handleRunDetail(find func(c *gin.Context) (*models.SyncRun, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		run, err := find(c)
		if errors.Is(err, db.ErrRunNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, runView(run))
	}
}

// handleTriggerRun starts a run in the background and answers immediately.
func handleTriggerRun(trigger Trigger, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req TriggerRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
		}
		refs := make([]models.BotRef, 0, len(req.Bots))
		for _, b := range req.Bots {
			if b.OwnerUserID == "" || b.BotID == "" {
				c.JSON(http.StatusBadRequest, gin.H{"error": "every bot needs owner_user_id and bot_id"})
				return
			}
			refs = append(refs, models.BotRef(b))
		}
		if trigger.Running() {
			c.JSON(http.StatusConflict, gin.H{"error": "a run is already in progress"})
			return
		}

		opts := orchestrator.RunOpts{Trigger: "manual"}
		if len(refs) > 0 {
			opts.Bots = refs
		}
		ctx := context.WithoutCancel(c.Request.Context())
		go func() {
			report, err := trigger.Trigger(ctx, opts)
			if err != nil {
				logger.Error("triggered run failed", "error", err)
				return
			}
			succeeded, failed := report.Counts()
			logger.Info("triggered run complete", "run_id", report.RunID, "succeeded", succeeded, "failed", failed)
		}()
		c.JSON(http.StatusAccepted, gin.H{"status": "started"})
	}
}
