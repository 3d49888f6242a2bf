package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/kbsync/internal/db"
	"github.com/zulandar/kbsync/internal/lock"
	"github.com/zulandar/kbsync/internal/models"
	"golang.org/x/term"
)

func newStatusCmd() *cobra.Command {
	var (
		configPath string
		watch      bool
		runs       int
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show recent runs and bot sync status",
		Long:  "Displays the most recent runs with their shared pass outcome, then every bot's sync status. Use --watch for auto-refresh.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, configPath, watch, runs)
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().BoolVar(&watch, "watch", false, "auto-refresh every 5 seconds")
	cmd.Flags().IntVar(&runs, "runs", 5, "number of recent runs to show")
	return cmd
}

func runStatus(cmd *cobra.Command, configPath string, watch bool, runLimit int) error {
	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	repo := db.NewRepository(gormDB)
	// Lock rows are only visible with the database backend.
	var locks *lock.GormStore
	if cfg.Lock.Backend == "database" {
		locks = lock.NewGormStore(gormDB)
	}
	out := cmd.OutOrStdout()
	color := isTerminal(out)

	for {
		runs, err := repo.ListRuns(cmd.Context(), runLimit)
		if err != nil {
			return err
		}
		bots, err := repo.ListBots(cmd.Context(), 0)
		if err != nil {
			return err
		}

		var held []models.SyncLock
		if locks != nil {
			if held, err = locks.Held(cmd.Context()); err != nil {
				return err
			}
		}

		if watch {
			// Clear screen.
			fmt.Fprint(out, "\033[2J\033[H")
		}
		fmt.Fprint(out, formatStatus(runs, bots, held, color))

		if !watch {
			return nil
		}
		select {
		case <-cmd.Context().Done():
			return nil
		case <-time.After(5 * time.Second):
		}
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

var statusColors = map[string]string{
	string(models.SyncStatusQueued):    "\033[36m",
	string(models.SyncStatusRunning):   "\033[33m",
	string(models.SyncStatusSucceeded): "\033[32m",
	string(models.SyncStatusFailed):    "\033[31m",
}

func paint(status string, color bool) string {
	if status == "" {
		return "-"
	}
	code, ok := statusColors[status]
	if !color || !ok {
		return status
	}
	return code + status + "\033[0m"
}

func formatStatus(runs []models.SyncRun, bots []models.Bot, locks []models.SyncLock, color bool) string {
	var b strings.Builder

	b.WriteString("RUNS\n")
	if len(runs) == 0 {
		b.WriteString("  (none)\n")
	} else {
		w := tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "  ID\tTRIGGER\tSTARTED\tSTATE\tSHARED\tBOTS\tOK\tFAILED")
		for _, r := range runs {
			state := r.Status
			if r.CompletedAt == nil {
				state = models.RunStatusRunning
			}
			fmt.Fprintf(w, "  %s\t%s\t%s\t%s\t%s\t%d\t%d\t%d\n",
				r.ID, r.Trigger, r.StartedAt.Local().Format("2006-01-02 15:04:05"), state,
				paint(r.SharedStatus, color), r.BotsTotal, r.BotsSucceeded, r.BotsFailed)
		}
		w.Flush()
	}

	if len(locks) > 0 {
		b.WriteString("\nLOCKS\n")
		w := tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "  NAME\tOWNER\tHELD FOR")
		for _, l := range locks {
			fmt.Fprintf(w, "  %s\t%s\t%s\n", l.Name, l.Owner, time.Since(l.CreatedAt).Round(time.Second))
		}
		w.Flush()
	}

	b.WriteString("\nBOTS\n")
	if len(bots) == 0 {
		b.WriteString("  (none)\n")
		return b.String()
	}
	w := tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "  OWNER\tBOT\tKB\tSTATUS\tREASON")
	for _, bot := range bots {
		kbType := bot.KnowledgeBaseType
		if kbType == "" {
			kbType = "-"
		}
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s\t%s\n",
			bot.OwnerUserID, bot.ID, kbType, paint(bot.SyncStatus, color), truncate(bot.SyncStatusReason, 60))
	}
	w.Flush()
	return b.String()
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
