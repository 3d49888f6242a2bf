// Package api serves sync status records over HTTP.
package api

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/kbsync/internal/models"
	"github.com/zulandar/kbsync/internal/orchestrator"
)

// Store reads bots and runs.
type Store interface {
	FindBot(ctx context.Context, ownerUserID, botID string) (*models.Bot, error)
	ListBots(ctx context.Context, limit int) ([]models.Bot, error)
	FindRun(ctx context.Context, runID string) (*models.SyncRun, error)
	ListRuns(ctx context.Context, limit int) ([]models.SyncRun, error)
	LatestRun(ctx context.Context) (*models.SyncRun, error)
}

// Trigger starts runs on demand. It is optional; without it the run
// endpoint is not registered.
type Trigger interface {
	Running() bool
	Trigger(ctx context.Context, opts orchestrator.RunOpts) (*orchestrator.RunReport, error)
}

// StartOpts holds configuration for the API server.
type StartOpts struct {
	Store   Store
	Trigger Trigger
	Port    int
	Out     io.Writer
	Logger  *slog.Logger
}

// NewRouter builds the gin engine serving the API.
func NewRouter(opts StartOpts) *gin.Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	router := gin.New()
	router.Use(gin.Recovery())
	registerRoutes(router, opts.Store, opts.Trigger, logger)
	return router
}

// Start launches the API server. It blocks until ctx is cancelled, then
// shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	if opts.Store == nil {
		return fmt.Errorf("api: store is required")
	}
	if opts.Port <= 0 {
		opts.Port = 8080
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Handler:           NewRouter(opts),
		ReadHeaderTimeout: 10 * time.Second,
	}
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", opts.Port))
	if err != nil {
		return fmt.Errorf("api: %w", err)
	}

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "Status API running at http://localhost:%d\n", opts.Port)
	}
	return runServer(ctx, srv, ln, shutdownGrace, logger)
}

const shutdownGrace = 10 * time.Second

// runServer serves on ln until ctx is done, then shuts down, giving
// in-flight requests up to grace to finish. It returns once shutdown has
// completed.
func runServer(ctx context.Context, srv *http.Server, ln net.Listener, grace time.Duration, logger *slog.Logger) error {
	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("api shutdown failed", "error", err)
		}
	}()

	if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api: %w", err)
	}
	<-done
	return nil
}
