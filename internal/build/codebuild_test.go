package build

import (
	"context"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/codebuild"
	"github.com/aws/aws-sdk-go-v2/service/codebuild/types"
)

type fakeCodeBuild struct {
	started *codebuild.StartBuildInput
	status  types.StatusType
	phases  []types.BuildPhase
}

func (f *fakeCodeBuild) StartBuild(ctx context.Context, in *codebuild.StartBuildInput, _ ...func(*codebuild.Options)) (*codebuild.StartBuildOutput, error) {
	f.started = in
	return &codebuild.StartBuildOutput{Build: &types.Build{
		Id:          aws.String("proj:1234"),
		Arn:         aws.String("arn:aws:codebuild:us-east-1:1:build/proj:1234"),
		BuildStatus: types.StatusType("IN_PROGRESS"),
	}}, nil
}

func (f *fakeCodeBuild) BatchGetBuilds(ctx context.Context, in *codebuild.BatchGetBuildsInput, _ ...func(*codebuild.Options)) (*codebuild.BatchGetBuildsOutput, error) {
	return &codebuild.BatchGetBuildsOutput{Builds: []types.Build{{
		Id:          aws.String(in.Ids[0]),
		Arn:         aws.String("arn:aws:codebuild:us-east-1:1:build/" + in.Ids[0]),
		BuildStatus: f.status,
		Phases:      f.phases,
	}}}, nil
}

func TestCodeBuildRunner_SubmitAndDescribe(t *testing.T) {
	f := &fakeCodeBuild{status: types.StatusType("SUCCEEDED")}
	r := &CodeBuildRunner{client: f}

	job, err := r.Submit(context.Background(), "proj", map[string]string{"B": "2", "A": "1"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if job.ProviderID != "proj:1234" || job.Status != StatusRunning {
		t.Errorf("job = %+v, want running proj:1234", job)
	}
	if got := aws.ToString(f.started.EnvironmentVariablesOverride[0].Name); got != "A" {
		t.Errorf("first env = %q, want sorted A", got)
	}
	if f.started.EnvironmentVariablesOverride[0].Type != types.EnvironmentVariableTypePlaintext {
		t.Error("env overrides should be plaintext")
	}

	if err := r.Describe(context.Background(), job); err != nil {
		t.Fatalf("Describe: %v", err)
	}
	if job.Status != StatusSucceeded {
		t.Errorf("Status = %q, want %q", job.Status, StatusSucceeded)
	}
}

func TestCodeBuildRunner_FailedPhasesDetail(t *testing.T) {
	f := &fakeCodeBuild{
		status: types.StatusType("FAILED"),
		phases: []types.BuildPhase{{
			PhaseType:   types.BuildPhaseType("BUILD"),
			PhaseStatus: types.StatusType("FAILED"),
			Contexts:    []types.PhaseContext{{StatusCode: aws.String("COMMAND_EXECUTION_ERROR"), Message: aws.String("cdk deploy failed")}},
		}},
	}
	r := &CodeBuildRunner{client: f}
	job := &Job{ProviderID: "proj:1"}
	if err := r.Describe(context.Background(), job); err != nil {
		t.Fatalf("Describe: %v", err)
	}
	if job.Status != StatusFailed {
		t.Errorf("Status = %q, want FAILED", job.Status)
	}
	if !strings.Contains(job.Detail, "cdk deploy failed") {
		t.Errorf("Detail = %q, want phase context", job.Detail)
	}
}

func TestMapCodeBuildStatus(t *testing.T) {
	tests := map[string]Status{
		"SUCCEEDED":   StatusSucceeded,
		"IN_PROGRESS": StatusRunning,
		"FAILED":      StatusFailed,
		"FAULT":       StatusFailed,
		"TIMED_OUT":   StatusFailed,
		"STOPPED":     StatusFailed,
		"":            StatusPending,
	}
	for in, want := range tests {
		if got := mapCodeBuildStatus(types.StatusType(in)); got != want {
			t.Errorf("mapCodeBuildStatus(%q) = %q, want %q", in, got, want)
		}
	}
}
