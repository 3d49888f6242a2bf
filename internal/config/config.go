// Package config provides YAML-based configuration loading for kbsync.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Config is the top-level kbsync configuration, loaded from kbsync.yaml.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	AWS      AWSConfig      `yaml:"aws"`
	Lock     LockConfig     `yaml:"lock"`
	Build    BuildConfig    `yaml:"build"`
	Outputs  OutputsConfig  `yaml:"outputs"`
	Ingest   IngestConfig   `yaml:"ingest"`
	Status   StatusConfig   `yaml:"status"`
	Sync     SyncConfig     `yaml:"sync"`
	Notify   NotifyConfig   `yaml:"notify"`
	API      APIConfig      `yaml:"api"`
	Log      LogConfig      `yaml:"log"`
}

// DatabaseConfig holds connection settings for the bot and status store.
type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // "mysql" or "sqlite"
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Path     string `yaml:"path"` // sqlite file
}

// AWSConfig selects the region and the bucket holding uploaded documents.
type AWSConfig struct {
	Region         string `yaml:"region"`
	DocumentBucket string `yaml:"document_bucket"`
}

// LockConfig configures the lock manager and its backing store.
type LockConfig struct {
	Backend         string   `yaml:"backend"` // "database" or "s3"
	Bucket          string   `yaml:"bucket"`  // s3 backend, defaults to aws.document_bucket
	RetryInterval   Duration `yaml:"retry_interval"`
	Timeout         Duration `yaml:"timeout"`
	ReleaseAttempts int      `yaml:"release_attempts"`
	TTL             Duration `yaml:"ttl"`
}

// BuildConfig configures the build system runs are submitted to.
type BuildConfig struct {
	Backend           string       `yaml:"backend"` // "codebuild" or "github"
	SharedProject     string       `yaml:"shared_project"`
	CustomBotProject  string       `yaml:"custom_bot_project"`
	PollInterval      Duration     `yaml:"poll_interval"`
	Timeout           Duration     `yaml:"timeout"`
	EnableRagReplicas bool         `yaml:"enable_rag_replicas"`
	GitHub            GitHubConfig `yaml:"github"`
}

// GitHubConfig configures builds run as GitHub Actions workflows.
type GitHubConfig struct {
	Owner             string `yaml:"owner"`
	Repo              string `yaml:"repo"`
	Ref               string `yaml:"ref"`
	SharedWorkflow    string `yaml:"shared_workflow"`
	CustomBotWorkflow string `yaml:"custom_bot_workflow"`
	TokenEnv          string `yaml:"token_env"`
}

// OutputsConfig selects where stack outputs are read from.
type OutputsConfig struct {
	Backend              string `yaml:"backend"` // "cloudformation" or "blob"
	BucketURL            string `yaml:"bucket_url"`
	Prefix               string `yaml:"prefix"`
	SharedStack          string `yaml:"shared_stack"`
	CustomBotStackPrefix string `yaml:"custom_bot_stack_prefix"`
}

// IngestConfig bounds ingestion polling.
type IngestConfig struct {
	PollInterval Duration `yaml:"poll_interval"`
	Timeout      Duration `yaml:"timeout"`
}

// StatusConfig bounds status write retries.
type StatusConfig struct {
	Attempts int      `yaml:"attempts"`
	Delay    Duration `yaml:"delay"`
}

// SyncConfig controls orchestrator runs.
type SyncConfig struct {
	MaxConcurrency  int    `yaml:"max_concurrency"`
	OnSharedFailure string `yaml:"on_shared_failure"` // "proceed" or "abort"
	Schedule        string `yaml:"schedule"`
}

// NotifyConfig names the webhooks failures are pushed to.
type NotifyConfig struct {
	SlackWebhookURL     string `yaml:"slack_webhook_url"`
	DiscordWebhookID    string `yaml:"discord_webhook_id"`
	DiscordWebhookToken string `yaml:"discord_webhook_token"`
}

// APIConfig configures the status HTTP server.
type APIConfig struct {
	Port int `yaml:"port"`
}

// LogConfig configures the slog logger.
type LogConfig struct {
	File  string `yaml:"file"`
	Level string `yaml:"level"`
}

// Shared failure policies.
const (
	SharedFailureProceed = "proceed"
	SharedFailureAbort   = "abort"
)

// Duration is a time.Duration written as a Go duration string ("15s").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("duration: %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDuration(d *Duration, def time.Duration) {
	if *d == 0 {
		*d = Duration(def)
	}
}

func setString(s *string, def string) {
	if *s == "" {
		*s = def
	}
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	setString(&c.Database.Driver, "mysql")
	setString(&c.Database.Host, "127.0.0.1")
	if c.Database.Port == 0 {
		c.Database.Port = 3306
	}
	setString(&c.Database.Name, "kbsync")
	setString(&c.Database.User, "root")
	setString(&c.Database.Path, "kbsync.db")

	setString(&c.Lock.Backend, "database")
	setString(&c.Lock.Bucket, c.AWS.DocumentBucket)
	setDuration(&c.Lock.RetryInterval, 15*time.Second)
	setDuration(&c.Lock.Timeout, 12*time.Hour)
	if c.Lock.ReleaseAttempts == 0 {
		c.Lock.ReleaseAttempts = 5
	}
	setDuration(&c.Lock.TTL, 24*time.Hour)

	setString(&c.Build.Backend, "codebuild")
	setDuration(&c.Build.PollInterval, 30*time.Second)
	setDuration(&c.Build.Timeout, 8*time.Hour)
	setString(&c.Build.GitHub.Ref, "main")
	setString(&c.Build.GitHub.TokenEnv, "GITHUB_TOKEN")

	setString(&c.Outputs.Backend, "cloudformation")
	setString(&c.Outputs.SharedStack, "BrChatSharedKbStack")
	setString(&c.Outputs.CustomBotStackPrefix, "BrChatKbStack")

	setDuration(&c.Ingest.PollInterval, 15*time.Second)
	setDuration(&c.Ingest.Timeout, 12*time.Hour)

	if c.Status.Attempts == 0 {
		c.Status.Attempts = 4
	}
	setDuration(&c.Status.Delay, 2*time.Second)

	if c.Sync.MaxConcurrency == 0 {
		c.Sync.MaxConcurrency = 8
	}
	setString(&c.Sync.OnSharedFailure, SharedFailureProceed)
	setString(&c.Sync.Schedule, "*/5 * * * *")

	if c.API.Port == 0 {
		c.API.Port = 8080
	}
	setString(&c.Log.File, "/tmp/kbsync.log")
	setString(&c.Log.Level, "INFO")
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	oneOf := func(field, value string, allowed ...string) {
		for _, a := range allowed {
			if value == a {
				return
			}
		}
		errs = append(errs, fmt.Sprintf("%s must be one of %s, got %q", field, strings.Join(allowed, "|"), value))
	}

	oneOf("database.driver", c.Database.Driver, "mysql", "sqlite")
	if c.AWS.DocumentBucket == "" {
		errs = append(errs, "aws.document_bucket is required")
	}

	oneOf("lock.backend", c.Lock.Backend, "database", "s3")
	if c.Lock.ReleaseAttempts < 1 {
		errs = append(errs, "lock.release_attempts must be at least 1")
	}
	if c.Lock.RetryInterval > c.Lock.Timeout {
		errs = append(errs, "lock.retry_interval must not exceed lock.timeout")
	}

	oneOf("build.backend", c.Build.Backend, "codebuild", "github")
	switch c.Build.Backend {
	case "codebuild":
		if c.Build.SharedProject == "" {
			errs = append(errs, "build.shared_project is required")
		}
		if c.Build.CustomBotProject == "" {
			errs = append(errs, "build.custom_bot_project is required")
		}
	case "github":
		gh := c.Build.GitHub
		if gh.Owner == "" || gh.Repo == "" {
			errs = append(errs, "build.github.owner and build.github.repo are required")
		}
		if gh.SharedWorkflow == "" || gh.CustomBotWorkflow == "" {
			errs = append(errs, "build.github.shared_workflow and build.github.custom_bot_workflow are required")
		}
	}

	oneOf("outputs.backend", c.Outputs.Backend, "cloudformation", "blob")
	if c.Outputs.Backend == "blob" && c.Outputs.BucketURL == "" {
		errs = append(errs, "outputs.bucket_url is required for the blob backend")
	}

	if c.Ingest.PollInterval > c.Ingest.Timeout {
		errs = append(errs, "ingest.poll_interval must not exceed ingest.timeout")
	}
	if c.Status.Attempts < 1 {
		errs = append(errs, "status.attempts must be at least 1")
	}

	if c.Sync.MaxConcurrency < 1 {
		errs = append(errs, "sync.max_concurrency must be at least 1")
	}
	oneOf("sync.on_shared_failure", c.Sync.OnSharedFailure, SharedFailureProceed, SharedFailureAbort)
	if _, err := cron.ParseStandard(c.Sync.Schedule); err != nil {
		errs = append(errs, fmt.Sprintf("sync.schedule: %v", err))
	}

	if (c.Notify.DiscordWebhookID == "") != (c.Notify.DiscordWebhookToken == "") {
		errs = append(errs, "notify.discord_webhook_id and notify.discord_webhook_token must be set together")
	}
	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, fmt.Sprintf("api.port %d out of range", c.API.Port))
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// ParseLevel parses DEBUG, INFO, WARN or ERROR.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}

// LockTimeout returns the lock acquisition bound.
func (c *Config) LockTimeout() time.Duration {
	return c.Lock.Timeout.Std()
}
