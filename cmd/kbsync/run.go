package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/kbsync/internal/models"
	"github.com/zulandar/kbsync/internal/orchestrator"
	"gopkg.in/yaml.v3"
)

// errFlowsFailed is returned when a run completed but some flow failed.
var errFlowsFailed = errors.New("one or more flows failed")

func newRunCmd() *cobra.Command {
	var (
		configPath string
		bots       []string
		noShared   bool
		diffFile   string
		trigger    string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one synchronization pass",
		Long: `Runs the shared knowledge base pass when required, then every bot flow.

Without --bot or --files-diff every QUEUED bot is synchronized. --files-diff
reads a YAML list of bot references with their per-bot file changes.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			refs, err := collectRefs(bots, diffFile, noShared)
			if err != nil {
				return err
			}
			return runSync(cmd, configPath, orchestrator.RunOpts{Trigger: trigger, Bots: refs})
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringArrayVar(&bots, "bot", nil, "bot to sync as owner/bot (repeatable)")
	cmd.Flags().BoolVar(&noShared, "no-shared", false, "skip the shared knowledge base pass for the named bots")
	cmd.Flags().StringVar(&diffFile, "files-diff", "", "YAML file listing bot references with files_diff")
	cmd.Flags().StringVar(&trigger, "trigger", "manual", "trigger recorded on the run")
	return cmd
}

// collectRefs merges --bot flags and the --files-diff file. Nil means load
// every queued bot.
func collectRefs(bots []string, diffFile string, noShared bool) ([]models.BotRef, error) {
	var refs []models.BotRef
	for _, s := range bots {
		ref, err := models.ParseBotRef(s)
		if err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	if diffFile != "" {
		data, err := os.ReadFile(diffFile)
		if err != nil {
			return nil, fmt.Errorf("read files diff: %w", err)
		}
		var fromFile []models.BotRef
		if err := yaml.Unmarshal(data, &fromFile); err != nil {
			return nil, fmt.Errorf("parse files diff %s: %w", diffFile, err)
		}
		for _, ref := range fromFile {
			if ref.OwnerUserID == "" || ref.BotID == "" {
				return nil, fmt.Errorf("files diff %s: every entry needs owner_user_id and bot_id", diffFile)
			}
		}
		refs = append(refs, fromFile...)
	}
	if noShared {
		if len(refs) == 0 {
			return nil, fmt.Errorf("--no-shared requires --bot or --files-diff")
		}
		for i := range refs {
			required := false
			refs[i].SyncSharedRequired = &required
		}
	}
	return refs, nil
}

func runSync(cmd *cobra.Command, configPath string, opts orchestrator.RunOpts) error {
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

	st, err := buildStack(cmd.Context(), cfg, gormDB, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	report, err := st.orchestrator.Run(cmd.Context(), opts)
	if err != nil {
		return err
	}
	printReport(out, report)
	if report.Shared != nil && !report.Shared.Succeeded() {
		return errFlowsFailed
	}
	if _, failed := report.Counts(); failed > 0 {
		return errFlowsFailed
	}
	return nil
}

func printReport(out io.Writer, report *orchestrator.RunReport) {
	fmt.Fprintf(out, "Run %s\n", report.RunID)
	if report.Shared != nil {
		printFlow(out, "shared", report.Shared)
	}
	for i := range report.Bots {
		r := &report.Bots[i]
		printFlow(out, r.OwnerUserID+"/"+r.BotID, r)
	}
	succeeded, failed := report.Counts()
	elapsed := report.CompletedAt.Sub(report.StartedAt).Round(time.Millisecond)
	fmt.Fprintf(out, "%d bots, %d succeeded, %d failed (%s)\n", len(report.Bots), succeeded, failed, elapsed)
}

func printFlow(out io.Writer, name string, r *orchestrator.FlowResult) {
	if r.Succeeded() {
		fmt.Fprintf(out, "  %-32s SUCCEEDED\n", name)
		return
	}
	line := fmt.Sprintf("  %-32s FAILED  %s", name, r.Reason)
	if r.BuildRef != "" {
		line += " [" + r.BuildRef + "]"
	}
	fmt.Fprintln(out, line)
}
