// Package build submits knowledge base infrastructure builds and waits for
// them to reach a terminal state.
package build

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/zulandar/kbsync/internal/models"
	"github.com/zulandar/kbsync/internal/retry"
)

// Status is the lifecycle state of a build job.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
)

// Terminal reports whether s is final.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

const (
	DefaultPollInterval = 30 * time.Second
	DefaultTimeout      = 8 * time.Hour
)

// Job is one submitted build.
type Job struct {
	ProjectRef string
	Parameters map[string]string
	// ProviderID is the build system's identifier (CodeBuild build ID,
	// GitHub run ID). It may be empty until the build system reports it.
	ProviderID string
	// CorrelationID is set by runners that must find their build after
	// submission.
	CorrelationID string
	// Ref is a human-facing reference (build ARN, run URL) reported as the
	// last execution id.
	Ref    string
	Status Status
	// Detail is build-system specific diagnostics, e.g. the phases JSON.
	Detail      string
	SubmittedAt time.Time
	FinishedAt  *time.Time
}

// Runner is the external build system.
type Runner interface {
	Submit(ctx context.Context, projectRef string, env map[string]string) (*Job, error)
	// Describe refreshes job from the build system.
	Describe(ctx context.Context, job *Job) error
}

// FailedError reports a build that ended in a failed state, or could not be
// submitted or tracked at all.
type FailedError struct {
	Job   *Job
	Cause string
}

func (e *FailedError) Error() string {
	ref := ""
	if e.Job != nil {
		ref = e.Job.Ref
		if ref == "" {
			ref = e.Job.ProjectRef
		}
	}
	return fmt.Sprintf("build %s failed: %s", ref, e.Cause)
}

// BuildRef returns the build reference, if any, for status reporting.
func (e *FailedError) BuildRef() string {
	if e.Job == nil {
		return ""
	}
	return e.Job.Ref
}

// Reason returns the diagnostic detail reported as the failure reason.
func (e *FailedError) Reason() string {
	if e.Job != nil && e.Job.Detail != "" {
		return e.Job.Detail
	}
	return e.Cause
}

// Projects names the build projects for the two build kinds.
type Projects struct {
	Shared    string
	CustomBot string
}

// Options configures a Coordinator.
type Options struct {
	Projects          Projects
	DocumentBucket    string
	EnableRagReplicas bool
	PollInterval      time.Duration
	Timeout           time.Duration
	Logger            *slog.Logger
}

// Coordinator submits builds and blocks until they finish. It never retries
// a failed build.
type Coordinator struct {
	runner Runner
	opts   Options
	logger *slog.Logger
}

// NewCoordinator returns a Coordinator over runner.
func NewCoordinator(runner Runner, opts Options) *Coordinator {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{runner: runner, opts: opts, logger: logger}
}

var errNotFinished = errors.New("build not finished")

// SubmitBuild starts a build of projectRef and waits for a terminal state.
// Any failure is returned as a *FailedError.
func (c *Coordinator) SubmitBuild(ctx context.Context, projectRef string, params map[string]string) (*Job, error) {
	if projectRef == "" {
		return nil, &FailedError{Cause: "build project is not configured"}
	}

	job, err := c.runner.Submit(ctx, projectRef, params)
	if err != nil {
		return nil, &FailedError{Job: &Job{ProjectRef: projectRef}, Cause: fmt.Sprintf("submit: %v", err)}
	}
	c.logger.Info("build submitted", "project", projectRef, "build_id", job.ProviderID, "ref", job.Ref)

	policy := retry.Constant(c.opts.PollInterval, c.opts.Timeout)
	var lastErr error
	err = policy.Do(ctx, func(ctx context.Context) error {
		if err := c.runner.Describe(ctx, job); err != nil {
			// Tracking errors are retried until the timeout; the build
			// itself keeps running meanwhile.
			lastErr = err
			c.logger.Warn("describe build failed", "project", projectRef, "build_id", job.ProviderID, "error", err)
			return errNotFinished
		}
		if !job.Status.Terminal() {
			return errNotFinished
		}
		return nil
	})
	if err != nil {
		cause := fmt.Sprintf("wait: %v", err)
		if lastErr != nil {
			cause = fmt.Sprintf("wait: %v (last describe error: %v)", err, lastErr)
		}
		return job, &FailedError{Job: job, Cause: cause}
	}

	now := time.Now()
	job.FinishedAt = &now
	if job.Status == StatusFailed {
		c.logger.Error("build failed", "project", projectRef, "build_id", job.ProviderID, "ref", job.Ref)
		return job, &FailedError{Job: job, Cause: "build finished with status FAILED"}
	}
	c.logger.Info("build succeeded", "project", projectRef, "build_id", job.ProviderID)
	return job, nil
}

// BuildShared builds the shared knowledge bases stack for the batch.
func (c *Coordinator) BuildShared(ctx context.Context, shared []models.SharedKnowledgeBase) (*Job, error) {
	params, err := SharedParameters(shared, c.opts.DocumentBucket)
	if err != nil {
		return nil, &FailedError{Cause: err.Error()}
	}
	return c.SubmitBuild(ctx, c.opts.Projects.Shared, params)
}

// BuildCustomBot builds the dedicated stack of one bot.
func (c *Coordinator) BuildCustomBot(ctx context.Context, bot models.QueuedBot) (*Job, error) {
	params, err := CustomBotParameters(bot, c.opts.DocumentBucket, c.opts.EnableRagReplicas)
	if err != nil {
		return nil, &FailedError{Cause: err.Error()}
	}
	return c.SubmitBuild(ctx, c.opts.Projects.CustomBot, params)
}

// Build environment variable names understood by the build projects.
const (
	EnvSharedKnowledgeBases = "SHARED_KNOWLEDGE_BASES"
	EnvDocumentBucket       = "BEDROCK_CLAUDE_CHAT_DOCUMENT_BUCKET_NAME"
	EnvOwnerUserID          = "OWNER_USER_ID"
	EnvBotID                = "BOT_ID"
	EnvKnowledge            = "KNOWLEDGE"
	EnvKnowledgeBase        = "KNOWLEDGE_BASE"
	EnvGuardrails           = "GUARDRAILS"
	EnvEnableRagReplicas    = "ENABLE_RAG_REPLICAS"
)

// SharedParameters serializes the shared batch for the shared build.
func SharedParameters(shared []models.SharedKnowledgeBase, bucket string) (map[string]string, error) {
	if shared == nil {
		shared = []models.SharedKnowledgeBase{}
	}
	payload, err := json.Marshal(shared)
	if err != nil {
		return nil, fmt.Errorf("build: encode shared knowledge bases: %w", err)
	}
	return map[string]string{
		EnvSharedKnowledgeBases: string(payload),
		EnvDocumentBucket:       bucket,
	}, nil
}

// CustomBotParameters serializes one bot's configuration for its build.
func CustomBotParameters(bot models.QueuedBot, bucket string, ragReplicas bool) (map[string]string, error) {
	if err := bot.Validate(); err != nil {
		return nil, fmt.Errorf("build: %w", err)
	}
	return map[string]string{
		EnvOwnerUserID:       bot.OwnerUserID,
		EnvBotID:             bot.BotID,
		EnvDocumentBucket:    bucket,
		EnvKnowledge:         jsonOrEmpty(bot.Knowledge),
		EnvKnowledgeBase:     jsonOrEmpty(bot.KnowledgeBase),
		EnvGuardrails:        jsonOrEmpty(bot.Guardrails),
		EnvEnableRagReplicas: strconv.FormatBool(ragReplicas),
	}, nil
}

func jsonOrEmpty(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return "{}"
	}
	return string(raw)
}
