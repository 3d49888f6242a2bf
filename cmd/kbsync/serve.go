package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/zulandar/kbsync/internal/api"
	"github.com/zulandar/kbsync/internal/db"
)

func newServeCmd() *cobra.Command {
	var (
		configPath string
		port       int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve bot and run status over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			logger, cleanup, err := setupLogger(cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			if cmd.Flags().Changed("port") {
				cfg.API.Port = port
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return api.Start(ctx, api.StartOpts{
				Store:  db.NewRepository(gormDB),
				Port:   cfg.API.Port,
				Out:    cmd.OutOrStdout(),
				Logger: logger,
			})
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().IntVar(&port, "port", 0, "listen port (overrides api.port)")
	return cmd
}
