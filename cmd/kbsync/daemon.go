package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/zulandar/kbsync/internal/api"
	"github.com/zulandar/kbsync/internal/scheduler"
	"golang.org/x/sync/errgroup"
)

func newDaemonCmd() *cobra.Command {
	var (
		configPath string
		runOnStart bool
		serve      bool
	)

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run synchronization passes on the configured schedule",
		Long: `Runs the orchestrator at every fire time of sync.schedule until interrupted.
With --serve the status API is started alongside and accepts POST /api/runs.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd, configPath, runOnStart, serve)
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().BoolVar(&runOnStart, "run-on-start", false, "run once immediately on startup")
	cmd.Flags().BoolVar(&serve, "serve", false, "also serve the status API")
	return cmd
}

func runDaemon(cmd *cobra.Command, configPath string, runOnStart, serve bool) error {
	out := cmd.OutOrStdout()
	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	logger, cleanup, err := setupLogger(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := buildStack(ctx, cfg, gormDB, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	daemon, err := scheduler.New(st.orchestrator, scheduler.Options{
		Schedule:   cfg.Sync.Schedule,
		RunOnStart: runOnStart,
		Out:        out,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "kbsync daemon started (schedule %q)\n", cfg.Sync.Schedule)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return daemon.Start(gctx) })
	if serve {
		g.Go(func() error {
			return api.Start(gctx, api.StartOpts{
				Store:   st.repo,
				Trigger: daemon,
				Port:    cfg.API.Port,
				Out:     out,
				Logger:  logger,
			})
		})
	}
	if err := g.Wait(); err != nil && err != context.Canceled {
		return err
	}
	fmt.Fprintln(out, "kbsync daemon stopped.")
	return nil
}
