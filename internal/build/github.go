package build

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/go-github/v68/github"
	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

// actionsClient abstracts the GitHub Actions API methods we use.
type actionsClient interface {
	CreateWorkflowDispatchEventByFileName(ctx context.Context, owner, repo, workflowFileName string, event github.CreateWorkflowDispatchEventRequest) (*github.Response, error)
	ListWorkflowRunsByFileName(ctx context.Context, owner, repo, workflowFileName string, opts *github.ListWorkflowRunsOptions) (*github.WorkflowRuns, *github.Response, error)
	GetWorkflowRunByID(ctx context.Context, owner, repo string, runID int64) (*github.WorkflowRun, *github.Response, error)
}

// GitHubRunnerOpts holds parameters for creating a GitHubRunner.
type GitHubRunnerOpts struct {
	Token string
	Owner string
	Repo  string
	Ref   string // git ref the workflow runs on, default "main"
	// For testing: inject a mock client instead of the real API.
	Client actionsClient
}

// GitHubRunner runs builds as GitHub Actions workflow_dispatch runs. The
// project ref is the workflow file name. The workflow must set
// `run-name: ${{ inputs.sync_id }}` so the run can be found after dispatch.
type GitHubRunner struct {
	client actionsClient
	owner  string
	repo   string
	ref    string
}

// NewGitHubRunner creates a GitHubRunner authenticated with a static token.
func NewGitHubRunner(ctx context.Context, opts GitHubRunnerOpts) (*GitHubRunner, error) {
	if opts.Owner == "" || opts.Repo == "" {
		return nil, fmt.Errorf("github: owner and repo are required")
	}
	if opts.Ref == "" {
		opts.Ref = "main"
	}
	client := opts.Client
	if client == nil {
		if opts.Token == "" {
			return nil, fmt.Errorf("github: token is required")
		}
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: opts.Token})
		client = github.NewClient(oauth2.NewClient(ctx, ts)).Actions
	}
	return &GitHubRunner{client: client, owner: opts.Owner, repo: opts.Repo, ref: opts.Ref}, nil
}

// Submit implements Runner.
func (r *GitHubRunner) Submit(ctx context.Context, projectRef string, env map[string]string) (*Job, error) {
	params, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("github: encode parameters: %w", err)
	}
	syncID := uuid.NewString()

	_, err = r.client.CreateWorkflowDispatchEventByFileName(ctx, r.owner, r.repo, projectRef, github.CreateWorkflowDispatchEventRequest{
		Ref: r.ref,
		Inputs: map[string]interface{}{
			"sync_id":    syncID,
			"parameters": string(params),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("github: dispatch %s: %w", projectRef, err)
	}

	return &Job{
		ProjectRef:    projectRef,
		Parameters:    env,
		CorrelationID: syncID,
		Status:        StatusPending,
		SubmittedAt:   time.Now(),
	}, nil
}

// Describe implements Runner. Until the dispatched run shows up in the run
// list the job stays PENDING.
func (r *GitHubRunner) Describe(ctx context.Context, job *Job) error {
	if job.ProviderID == "" {
		run, err := r.findRun(ctx, job)
		if err != nil {
			return err
		}
		if run == nil {
			job.Status = StatusPending
			return nil
		}
		job.ProviderID = strconv.FormatInt(run.GetID(), 10)
	}

	runID, err := strconv.ParseInt(job.ProviderID, 10, 64)
	if err != nil {
		return fmt.Errorf("github: bad run id %q: %w", job.ProviderID, err)
	}
	run, resp, err := r.client.GetWorkflowRunByID(ctx, r.owner, r.repo, runID)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return fmt.Errorf("github: run %d not found", runID)
		}
		return fmt.Errorf("github: get run %d: %w", runID, err)
	}
	job.Ref = run.GetHTMLURL()
	job.Status = mapRunStatus(run.GetStatus(), run.GetConclusion())
	if job.Status == StatusFailed {
		job.Detail = fmt.Sprintf(`{"conclusion":%q,"url":%q}`, run.GetConclusion(), run.GetHTMLURL())
	}
	return nil
}

func (r *GitHubRunner) findRun(ctx context.Context, job *Job) (*github.WorkflowRun, error) {
	runs, _, err := r.client.ListWorkflowRunsByFileName(ctx, r.owner, r.repo, job.ProjectRef, &github.ListWorkflowRunsOptions{
		Event:       "workflow_dispatch",
		Created:     ">=" + job.SubmittedAt.Add(-time.Minute).UTC().Format(time.RFC3339),
		ListOptions: github.ListOptions{PerPage: 50},
	})
	if err != nil {
		return nil, fmt.Errorf("github: list runs for %s: %w", job.ProjectRef, err)
	}
	for _, run := range runs.WorkflowRuns {
		if strings.Contains(run.GetDisplayTitle(), job.CorrelationID) {
			return run, nil
		}
	}
	return nil, nil
}

func mapRunStatus(status, conclusion string) Status {
	switch status {
	case "completed":
		if conclusion == "success" {
			return StatusSucceeded
		}
		return StatusFailed
	case "in_progress":
		return StatusRunning
	default:
		// queued, requested, waiting, pending
		return StatusPending
	}
}
