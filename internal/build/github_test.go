package build

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/go-github/v68/github"
)

type fakeActions struct {
	dispatched github.CreateWorkflowDispatchEventRequest
	listCalls  int
	runVisible int // list call index from which the run appears
	status     string
	conclusion string
}

func (f *fakeActions) CreateWorkflowDispatchEventByFileName(ctx context.Context, owner, repo, file string, event github.CreateWorkflowDispatchEventRequest) (*github.Response, error) {
	f.dispatched = event
	return &github.Response{}, nil
}

func (f *fakeActions) ListWorkflowRunsByFileName(ctx context.Context, owner, repo, file string, opts *github.ListWorkflowRunsOptions) (*github.WorkflowRuns, *github.Response, error) {
	f.listCalls++
	runs := &github.WorkflowRuns{}
	if f.listCalls > f.runVisible {
		syncID, _ := f.dispatched.Inputs["sync_id"].(string)
		runs.WorkflowRuns = []*github.WorkflowRun{
			{ID: github.Ptr(int64(1)), DisplayTitle: github.Ptr("someone else")},
			{ID: github.Ptr(int64(77)), DisplayTitle: github.Ptr(syncID)},
		}
	}
	return runs, &github.Response{}, nil
}

func (f *fakeActions) GetWorkflowRunByID(ctx context.Context, owner, repo string, runID int64) (*github.WorkflowRun, *github.Response, error) {
	return &github.WorkflowRun{
		ID:         github.Ptr(runID),
		Status:     github.Ptr(f.status),
		Conclusion: github.Ptr(f.conclusion),
		HTMLURL:    github.Ptr("https://github.com/acme/infra/actions/runs/77"),
	}, &github.Response{}, nil
}

func TestGitHubRunner_FindsDispatchedRun(t *testing.T) {
	f := &fakeActions{runVisible: 1, status: "completed", conclusion: "success"}
	r, err := NewGitHubRunner(context.Background(), GitHubRunnerOpts{Owner: "acme", Repo: "infra", Client: f})
	if err != nil {
		t.Fatalf("NewGitHubRunner: %v", err)
	}

	job, err := r.Submit(context.Background(), "custom-bot.yml", map[string]string{"BOT_ID": "b1"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if f.dispatched.Ref != "main" {
		t.Errorf("Ref = %q, want main", f.dispatched.Ref)
	}
	var params map[string]string
	if err := json.Unmarshal([]byte(f.dispatched.Inputs["parameters"].(string)), &params); err != nil {
		t.Fatalf("decode parameters input: %v", err)
	}
	if params["BOT_ID"] != "b1" {
		t.Errorf("parameters = %v, want BOT_ID=b1", params)
	}

	// First describe: run not listed yet.
	if err := r.Describe(context.Background(), job); err != nil {
		t.Fatalf("Describe: %v", err)
	}
	if job.Status != StatusPending || job.ProviderID != "" {
		t.Errorf("job = %+v, want pending without run id", job)
	}

	if err := r.Describe(context.Background(), job); err != nil {
		t.Fatalf("Describe: %v", err)
	}
	if job.ProviderID != "77" {
		t.Errorf("ProviderID = %q, want 77", job.ProviderID)
	}
	if job.Status != StatusSucceeded {
		t.Errorf("Status = %q, want SUCCEEDED", job.Status)
	}
	if job.Ref == "" {
		t.Error("Ref should carry the run URL")
	}
}

func TestGitHubRunner_RequiresRepo(t *testing.T) {
	if _, err := NewGitHubRunner(context.Background(), GitHubRunnerOpts{Client: &fakeActions{}}); err == nil {
		t.Error("expected error without owner/repo")
	}
	if _, err := NewGitHubRunner(context.Background(), GitHubRunnerOpts{Owner: "a", Repo: "b"}); err == nil {
		t.Error("expected error without token")
	}
}

func TestMapRunStatus(t *testing.T) {
	tests := []struct {
		status, conclusion string
		want               Status
	}{
		{"completed", "success", StatusSucceeded},
		{"completed", "failure", StatusFailed},
		{"completed", "cancelled", StatusFailed},
		{"in_progress", "", StatusRunning},
		{"queued", "", StatusPending},
	}
	for _, tt := range tests {
		if got := mapRunStatus(tt.status, tt.conclusion); got != tt.want {
			t.Errorf("mapRunStatus(%q, %q) = %q, want %q", tt.status, tt.conclusion, got, tt.want)
		}
	}
}
