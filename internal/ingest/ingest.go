// Package ingest starts data source ingestion against a knowledge base and
// polls it to a terminal state.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/zulandar/kbsync/internal/models"
	"github.com/zulandar/kbsync/internal/retry"
)

const (
	DefaultPollInterval = 15 * time.Second
	DefaultTimeout      = 12 * time.Hour
)

// ErrRetryable marks a check that should be repeated after the poll
// interval: the job is still running, or the service throttled us.
var ErrRetryable = errors.New("ingestion not finished")

// JobStatus is the lifecycle state of an ingestion job.
type JobStatus string

const (
	JobSubmitted  JobStatus = "SUBMITTED"
	JobInProgress JobStatus = "IN_PROGRESS"
	JobComplete   JobStatus = "COMPLETE"
	JobFailed     JobStatus = "FAILED"
)

// DocumentsDiff lists the document URIs written by an incremental ingest.
type DocumentsDiff struct {
	Added   []string
	Deleted []string
}

// Job is one ingestion against a data source. A full synchronization has a
// JobID; an incremental one has Documents instead.
type Job struct {
	DataSource models.DataSourceRef
	JobID      string
	Documents  *DocumentsDiff
	Status     JobStatus
	StartedAt  time.Time
}

// Incremental reports whether the job ingested individual documents.
func (j *Job) Incremental() bool {
	return j.Documents != nil
}

// Client is the ingestion system.
type Client interface {
	StartIngestion(ctx context.Context, ds models.DataSourceRef) (*Job, error)
	// CheckIngestion refreshes job. It returns an error wrapping
	// ErrRetryable while the job has not reached a terminal state.
	CheckIngestion(ctx context.Context, job *Job) error
}

// TerminalError ends ingestion for the owning flow.
type TerminalError struct {
	DataSource models.DataSourceRef
	JobID      string
	Err        error
}

func (e *TerminalError) Error() string {
	id := e.JobID
	if id == "" {
		id = "-"
	}
	return fmt.Sprintf("ingest %s/%s (job %s): %v", e.DataSource.KnowledgeBaseID, e.DataSource.DataSourceID, id, e.Err)
}

func (e *TerminalError) Unwrap() error { return e.Err }

// Options configures a Poller.
type Options struct {
	PollInterval time.Duration
	Timeout      time.Duration
	Logger       *slog.Logger
}

// Poller drives ingestion jobs to completion, one data source at a time.
type Poller struct {
	client Client
	policy retry.Policy
	logger *slog.Logger
}

// NewPoller returns a Poller over client. Checks repeat at a constant
// interval until the timeout.
func NewPoller(client Client, opts Options) *Poller {
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
	return &Poller{
		client: client,
		policy: retry.Constant(opts.PollInterval, opts.Timeout).Only(ErrRetryable),
		logger: logger,
	}
}

// StartIngestion starts ingestion of ds. FilesDiffs on ds select an
// incremental ingest; none means a full resynchronization.
func (p *Poller) StartIngestion(ctx context.Context, ds models.DataSourceRef) (*Job, error) {
	if err := ds.Validate(); err != nil {
		return nil, &TerminalError{DataSource: ds, Err: err}
	}
	job, err := p.client.StartIngestion(ctx, ds)
	if err != nil {
		return nil, &TerminalError{DataSource: ds, Err: fmt.Errorf("start: %w", err)}
	}
	p.logger.Info("ingestion started", "knowledge_base_id", ds.KnowledgeBaseID, "data_source_id", ds.DataSourceID,
		"job_id", job.JobID, "incremental", job.Incremental())
	return job, nil
}

// CheckIngestion refreshes job once. done is false with an ErrRetryable
// error while the job runs; any other error is a *TerminalError.
func (p *Poller) CheckIngestion(ctx context.Context, job *Job) (done bool, err error) {
	err = p.client.CheckIngestion(ctx, job)
	switch {
	case err == nil:
		job.Status = JobComplete
		return true, nil
	case errors.Is(err, ErrRetryable):
		if job.Status == JobSubmitted {
			job.Status = JobInProgress
		}
		return false, err
	default:
		job.Status = JobFailed
		return false, &TerminalError{DataSource: job.DataSource, JobID: job.JobID, Err: err}
	}
}

// Wait polls job until it completes, fails, or the timeout passes.
func (p *Poller) Wait(ctx context.Context, job *Job) error {
	policy := p.policy
	policy.OnRetry = func(attempt int, err error) {
		p.logger.Debug("ingestion in progress", "data_source_id", job.DataSource.DataSourceID, "job_id", job.JobID, "attempt", attempt)
	}
	err := policy.Do(ctx, func(ctx context.Context) error {
		_, err := p.CheckIngestion(ctx, job)
		return err
	})
	if err == nil {
		p.logger.Info("ingestion complete", "data_source_id", job.DataSource.DataSourceID, "job_id", job.JobID)
		return nil
	}
	var te *TerminalError
	if errors.As(err, &te) {
		return err
	}
	job.Status = JobFailed
	return &TerminalError{DataSource: job.DataSource, JobID: job.JobID, Err: err}
}

// Ingest starts ingestion of ds and waits for it.
func (p *Poller) Ingest(ctx context.Context, ds models.DataSourceRef) (*Job, error) {
	job, err := p.StartIngestion(ctx, ds)
	if err != nil {
		return nil, err
	}
	return job, p.Wait(ctx, job)
}

// IngestAll ingests sources strictly in order: the next ingestion starts
// only after the previous one reached a terminal state. The first failure
// stops the sequence.
func (p *Poller) IngestAll(ctx context.Context, sources []models.DataSourceRef) error {
	for i, ds := range sources {
		if _, err := p.Ingest(ctx, ds); err != nil {
			return fmt.Errorf("data source %d of %d: %w", i+1, len(sources), err)
		}
	}
	return nil
}
