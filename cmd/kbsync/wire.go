package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockagent"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	"github.com/aws/aws-sdk-go-v2/service/codebuild"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/zulandar/kbsync/internal/build"
	"github.com/zulandar/kbsync/internal/config"
	"github.com/zulandar/kbsync/internal/db"
	"github.com/zulandar/kbsync/internal/finalize"
	"github.com/zulandar/kbsync/internal/ingest"
	"github.com/zulandar/kbsync/internal/lock"
	"github.com/zulandar/kbsync/internal/notify"
	"github.com/zulandar/kbsync/internal/orchestrator"
	"github.com/zulandar/kbsync/internal/status"
	"gorm.io/gorm"
)

// connectFromConfig loads the config and opens the database.
func connectFromConfig(configPath string) (*config.Config, *gorm.DB, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	gormDB, err := db.Connect(cfg.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to %s: %w", cfg.Database.Name, err)
	}
	return cfg, gormDB, nil
}

// setupLogger builds the run logger from the log section and makes it the
// default. The returned cleanup closes the log file.
func setupLogger(cfg *config.Config) (*slog.Logger, func() error, error) {
	logger, cleanup, err := cfg.Log.NewLogger(os.Stderr)
	if err != nil {
		return nil, nil, err
	}
	slog.SetDefault(logger)
	return logger, cleanup, nil
}

// stack is every collaborator a run needs, built from config.
type stack struct {
	repo         *db.Repository
	orchestrator *orchestrator.Orchestrator
	closers      []io.Closer
}

func (s *stack) Close() error {
	var first error
	for _, c := range s.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func loadAWS(ctx context.Context, cfg *config.Config) (aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.AWS.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.AWS.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load aws config: %w", err)
	}
	return awsCfg, nil
}

func newLockStore(cfg *config.Config, gormDB *gorm.DB, awsCfg aws.Config) (lock.Store, error) {
	switch cfg.Lock.Backend {
	case "database":
		return lock.NewGormStore(gormDB), nil
	case "s3":
		return lock.NewS3Store(s3.NewFromConfig(awsCfg), cfg.Lock.Bucket), nil
	default:
		return nil, fmt.Errorf("unknown lock backend %q", cfg.Lock.Backend)
	}
}

func newBuildRunner(ctx context.Context, cfg *config.Config, awsCfg aws.Config) (build.Runner, build.Projects, error) {
	switch cfg.Build.Backend {
	case "codebuild":
		projects := build.Projects{Shared: cfg.Build.SharedProject, CustomBot: cfg.Build.CustomBotProject}
		return build.NewCodeBuildRunner(codebuild.NewFromConfig(awsCfg)), projects, nil
	case "github":
		gh := cfg.Build.GitHub
		runner, err := build.NewGitHubRunner(ctx, build.GitHubRunnerOpts{
			Token: os.Getenv(gh.TokenEnv),
			Owner: gh.Owner,
			Repo:  gh.Repo,
			Ref:   gh.Ref,
		})
		if err != nil {
			return nil, build.Projects{}, err
		}
		return runner, build.Projects{Shared: gh.SharedWorkflow, CustomBot: gh.CustomBotWorkflow}, nil
	default:
		return nil, build.Projects{}, fmt.Errorf("unknown build backend %q", cfg.Build.Backend)
	}
}

func newNotifier(cfg *config.Config) (notify.Notifier, error) {
	var multi notify.Multi
	if cfg.Notify.SlackWebhookURL != "" {
		s, err := notify.NewSlack(notify.SlackOpts{WebhookURL: cfg.Notify.SlackWebhookURL})
		if err != nil {
			return nil, err
		}
		multi = append(multi, s)
	}
	if cfg.Notify.DiscordWebhookID != "" {
		d, err := notify.NewDiscord(notify.DiscordOpts{
			WebhookID:    cfg.Notify.DiscordWebhookID,
			WebhookToken: cfg.Notify.DiscordWebhookToken,
		})
		if err != nil {
			return nil, err
		}
		multi = append(multi, d)
	}
	if len(multi) == 0 {
		return nil, nil
	}
	return multi, nil
}

// buildStack wires the orchestrator from config.
func buildStack(ctx context.Context, cfg *config.Config, gormDB *gorm.DB, logger *slog.Logger) (*stack, error) {
	repo := db.NewRepository(gormDB)
	s := &stack{repo: repo}

	awsCfg, err := loadAWS(ctx, cfg)
	if err != nil {
		return nil, err
	}

	store, err := newLockStore(cfg, gormDB, awsCfg)
	if err != nil {
		return nil, err
	}
	locks := lock.NewManager(store, lock.Options{
		RetryInterval:   cfg.Lock.RetryInterval.Std(),
		Timeout:         cfg.Lock.Timeout.Std(),
		ReleaseAttempts: cfg.Lock.ReleaseAttempts,
		TTL:             cfg.Lock.TTL.Std(),
		Logger:          logger,
	})

	runner, projects, err := newBuildRunner(ctx, cfg, awsCfg)
	if err != nil {
		return nil, err
	}
	builds := build.NewCoordinator(runner, build.Options{
		Projects:          projects,
		DocumentBucket:    cfg.AWS.DocumentBucket,
		EnableRagReplicas: cfg.Build.EnableRagReplicas,
		PollInterval:      cfg.Build.PollInterval.Std(),
		Timeout:           cfg.Build.Timeout.Std(),
		Logger:            logger,
	})

	var resolver finalize.OutputResolver
	switch cfg.Outputs.Backend {
	case "blob":
		br, err := finalize.OpenBlobResolver(ctx, cfg.Outputs.BucketURL, cfg.Outputs.Prefix)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, br)
		resolver = br
	default:
		resolver = finalize.NewCloudFormationResolver(cloudformation.NewFromConfig(awsCfg))
	}
	finalizer := finalize.New(resolver, repo, finalize.Options{
		SharedStack:          cfg.Outputs.SharedStack,
		CustomBotStackPrefix: cfg.Outputs.CustomBotStackPrefix,
		Logger:               logger,
	})

	poller := ingest.NewPoller(
		ingest.NewBedrockClient(bedrockagent.NewFromConfig(awsCfg), cfg.AWS.DocumentBucket),
		ingest.Options{
			PollInterval: cfg.Ingest.PollInterval.Std(),
			Timeout:      cfg.Ingest.Timeout.Std(),
			Logger:       logger,
		},
	)

	notifier, err := newNotifier(cfg)
	if err != nil {
		s.Close()
		return nil, err
	}
	reporter := status.NewReporter(repo, status.Options{
		Attempts: cfg.Status.Attempts,
		Delay:    cfg.Status.Delay.Std(),
		Notifier: notifier,
		Logger:   logger,
	})

	orch, err := orchestrator.New(orchestrator.Deps{
		Bots:      repo,
		Runs:      repo,
		Locks:     locks,
		Builds:    builds,
		Finalizer: finalizer,
		Ingester:  poller,
		Reporter:  reporter,
	}, orchestrator.Options{
		MaxConcurrency:  cfg.Sync.MaxConcurrency,
		OnSharedFailure: cfg.Sync.OnSharedFailure,
		LockTimeout:     cfg.LockTimeout(),
		Logger:          logger,
	})
	if err != nil {
		s.Close()
		return nil, err
	}
	s.orchestrator = orch
	return s, nil
}
