package build

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/codebuild"
	"github.com/aws/aws-sdk-go-v2/service/codebuild/types"
)

// codeBuildClient abstracts the CodeBuild API methods we use.
type codeBuildClient interface {
	StartBuild(ctx context.Context, in *codebuild.StartBuildInput, optFns ...func(*codebuild.Options)) (*codebuild.StartBuildOutput, error)
	BatchGetBuilds(ctx context.Context, in *codebuild.BatchGetBuildsInput, optFns ...func(*codebuild.Options)) (*codebuild.BatchGetBuildsOutput, error)
}

// CodeBuildRunner runs builds as AWS CodeBuild projects with the parameters
// passed as plaintext environment variable overrides.
type CodeBuildRunner struct {
	client codeBuildClient
}

// NewCodeBuildRunner returns a Runner backed by client.
func NewCodeBuildRunner(client *codebuild.Client) *CodeBuildRunner {
	return &CodeBuildRunner{client: client}
}

// Submit implements Runner.
func (r *CodeBuildRunner) Submit(ctx context.Context, projectRef string, env map[string]string) (*Job, error) {
	names := make([]string, 0, len(env))
	for k := range env {
		names = append(names, k)
	}
	slices.Sort(names)

	overrides := make([]types.EnvironmentVariable, 0, len(names))
	for _, name := range names {
		overrides = append(overrides, types.EnvironmentVariable{
			Name:  aws.String(name),
			Value: aws.String(env[name]),
			Type:  types.EnvironmentVariableTypePlaintext,
		})
	}

	out, err := r.client.StartBuild(ctx, &codebuild.StartBuildInput{
		ProjectName:                  aws.String(projectRef),
		EnvironmentVariablesOverride: overrides,
	})
	if err != nil {
		return nil, fmt.Errorf("codebuild: start %s: %w", projectRef, err)
	}
	if out.Build == nil || out.Build.Id == nil {
		return nil, fmt.Errorf("codebuild: start %s: no build returned", projectRef)
	}

	job := &Job{
		ProjectRef:  projectRef,
		Parameters:  env,
		SubmittedAt: time.Now(),
	}
	applyBuild(job, out.Build)
	return job, nil
}

// Describe implements Runner.
func (r *CodeBuildRunner) Describe(ctx context.Context, job *Job) error {
	out, err := r.client.BatchGetBuilds(ctx, &codebuild.BatchGetBuildsInput{
		Ids: []string{job.ProviderID},
	})
	if err != nil {
		return fmt.Errorf("codebuild: describe %s: %w", job.ProviderID, err)
	}
	if len(out.Builds) == 0 {
		return fmt.Errorf("codebuild: describe %s: build not found", job.ProviderID)
	}
	applyBuild(job, &out.Builds[0])
	return nil
}

type phaseSummary struct {
	PhaseType   string   `json:"PhaseType"`
	PhaseStatus string   `json:"PhaseStatus,omitempty"`
	Contexts    []string `json:"Contexts,omitempty"`
}

func applyBuild(job *Job, b *types.Build) {
	job.ProviderID = aws.ToString(b.Id)
	job.Ref = aws.ToString(b.Arn)
	job.Status = mapCodeBuildStatus(b.BuildStatus)

	if len(b.Phases) > 0 {
		phases := make([]phaseSummary, 0, len(b.Phases))
		for _, p := range b.Phases {
			s := phaseSummary{PhaseType: string(p.PhaseType), PhaseStatus: string(p.PhaseStatus)}
			for _, c := range p.Contexts {
				if msg := aws.ToString(c.Message); msg != "" {
					s.Contexts = append(s.Contexts, aws.ToString(c.StatusCode)+": "+msg)
				}
			}
			phases = append(phases, s)
		}
		if data, err := json.Marshal(phases); err == nil {
			job.Detail = string(data)
		}
	}
}

func mapCodeBuildStatus(s types.StatusType) Status {
	switch string(s) {
	case "SUCCEEDED":
		return StatusSucceeded
	case "IN_PROGRESS":
		return StatusRunning
	case "FAILED", "FAULT", "TIMED_OUT", "STOPPED":
		return StatusFailed
	default:
		return StatusPending
	}
}
