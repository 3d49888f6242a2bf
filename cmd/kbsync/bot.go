package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/zulandar/kbsync/internal/db"
	"github.com/zulandar/kbsync/internal/models"
)

func newBotCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bot",
		Short: "Manage bots and their knowledge base configuration",
	}

	cmd.AddCommand(newBotPutCmd())
	cmd.AddCommand(newBotEnqueueCmd())
	cmd.AddCommand(newBotDeleteCmd())
	cmd.AddCommand(newBotListCmd())
	return cmd
}

type botPutFlags struct {
	owner             string
	id                string
	title             string
	kbType            string
	knowledgeBase     string
	knowledge         string
	guardrails        string
	guardrailsEnabled bool
}

func newBotPutCmd() *cobra.Command {
	var (
		configPath string
		f          botPutFlags
	)

	cmd := &cobra.Command{
		Use:   "put",
		Short: "Create or update a bot",
		Long: `Creates a bot or replaces its configuration. JSON flags accept either an
inline document or @path to read it from a file. New bots start QUEUED.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBotPut(cmd, configPath, f)
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVar(&f.owner, "owner", "", "owner user ID (required)")
	cmd.Flags().StringVar(&f.id, "id", "", "bot ID (required)")
	cmd.Flags().StringVar(&f.title, "title", "", "bot title")
	cmd.Flags().StringVar(&f.kbType, "kb-type", "", "knowledge base type: dedicated, shared or empty")
	cmd.Flags().StringVar(&f.knowledgeBase, "knowledge-base", "", "knowledge base configuration JSON or @file")
	cmd.Flags().StringVar(&f.knowledge, "knowledge", "", "knowledge sources JSON or @file")
	cmd.Flags().StringVar(&f.guardrails, "guardrails", "", "guardrails configuration JSON or @file")
	cmd.Flags().BoolVar(&f.guardrailsEnabled, "guardrails-enabled", false, "enable guardrails for the bot")
	cmd.MarkFlagRequired("owner")
	cmd.MarkFlagRequired("id")
	return cmd
}

// readJSONArg returns an inline JSON object or the contents of @path.
func readJSONArg(name, value string) (string, error) {
	if value == "" {
		return "", nil
	}
	if path, ok := strings.CutPrefix(value, "@"); ok {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("--%s: %w", name, err)
		}
		value = string(data)
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(value), &obj); err != nil || obj == nil {
		return "", fmt.Errorf("--%s: want a JSON object", name)
	}
	return value, nil
}

func runBotPut(cmd *cobra.Command, configPath string, f botPutFlags) error {
	switch f.kbType {
	case "", models.KnowledgeBaseDedicated, models.KnowledgeBaseShared:
	default:
		return fmt.Errorf("--kb-type must be %q, %q or empty", models.KnowledgeBaseDedicated, models.KnowledgeBaseShared)
	}

	bot := &models.Bot{
		OwnerUserID:       f.owner,
		ID:                f.id,
		Title:             f.title,
		KnowledgeBaseType: f.kbType,
		GuardrailsEnabled: f.guardrailsEnabled,
	}
	var err error
	if bot.KnowledgeBase, err = readJSONArg("knowledge-base", f.knowledgeBase); err != nil {
		return err
	}
	if bot.Knowledge, err = readJSONArg("knowledge", f.knowledge); err != nil {
		return err
	}
	if bot.Guardrails, err = readJSONArg("guardrails", f.guardrails); err != nil {
		return err
	}

	_, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	repo := db.NewRepository(gormDB)
	if err := repo.UpsertBot(cmd.Context(), bot); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Bot %s/%s saved (status %s)\n", bot.OwnerUserID, bot.ID, bot.SyncStatus)
	return nil
}

// newBotRefCmd builds a subcommand that takes a single owner/bot argument.
func newBotRefCmd(use, short string, run func(ctx context.Context, repo *db.Repository, ref models.BotRef) (string, error)) *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   use + " <owner/bot>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := models.ParseBotRef(args[0])
			if err != nil {
				return err
			}
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			msg, err := run(cmd.Context(), db.NewRepository(gormDB), ref)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), msg)
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func newBotEnqueueCmd() *cobra.Command {
	return newBotRefCmd("enqueue", "Queue a bot for the next sync run",
		func(ctx context.Context, repo *db.Repository, ref models.BotRef) (string, error) {
			if err := repo.EnqueueBot(ctx, ref.OwnerUserID, ref.BotID); err != nil {
				return "", err
			}
			return fmt.Sprintf("Bot %s/%s queued", ref.OwnerUserID, ref.BotID), nil
		})
}

func newBotDeleteCmd() *cobra.Command {
	return newBotRefCmd("delete", "Delete a bot",
		func(ctx context.Context, repo *db.Repository, ref models.BotRef) (string, error) {
			if err := repo.DeleteBot(ctx, ref.OwnerUserID, ref.BotID); err != nil {
				return "", err
			}
			return fmt.Sprintf("Bot %s/%s deleted", ref.OwnerUserID, ref.BotID), nil
		})
}

func newBotListCmd() *cobra.Command {
	var (
		configPath string
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List bots and their sync status",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			bots, err := db.NewRepository(gormDB).ListBots(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(bots) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No bots.")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "OWNER\tBOT\tKB\tSTATUS\tKNOWLEDGE BASE")
			for _, b := range bots {
				kbType := b.KnowledgeBaseType
				if kbType == "" {
					kbType = "-"
				}
				kbID := b.KnowledgeBaseID
				if kbID == "" {
					kbID = "-"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", b.OwnerUserID, b.ID, kbType, b.SyncStatus, kbID)
			}
			return w.Flush()
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum number of bots to list")
	return cmd
}
