package ingest

import (
	"context"
	"errors"
	"fmt"
	"path"
	"slices"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockagent"
	"github.com/aws/aws-sdk-go-v2/service/bedrockagent/types"
	"github.com/aws/smithy-go"

	"github.com/zulandar/kbsync/internal/models"
)

// documentBatchSize is the most documents one document API call accepts.
const documentBatchSize = 10

// bedrockAgentClient abstracts the Bedrock Agent API methods we use.
type bedrockAgentClient interface {
	GetDataSource(ctx context.Context, in *bedrockagent.GetDataSourceInput, optFns ...func(*bedrockagent.Options)) (*bedrockagent.GetDataSourceOutput, error)
	StartIngestionJob(ctx context.Context, in *bedrockagent.StartIngestionJobInput, optFns ...func(*bedrockagent.Options)) (*bedrockagent.StartIngestionJobOutput, error)
	GetIngestionJob(ctx context.Context, in *bedrockagent.GetIngestionJobInput, optFns ...func(*bedrockagent.Options)) (*bedrockagent.GetIngestionJobOutput, error)
	IngestKnowledgeBaseDocuments(ctx context.Context, in *bedrockagent.IngestKnowledgeBaseDocumentsInput, optFns ...func(*bedrockagent.Options)) (*bedrockagent.IngestKnowledgeBaseDocumentsOutput, error)
	DeleteKnowledgeBaseDocuments(ctx context.Context, in *bedrockagent.DeleteKnowledgeBaseDocumentsInput, optFns ...func(*bedrockagent.Options)) (*bedrockagent.DeleteKnowledgeBaseDocumentsOutput, error)
	GetKnowledgeBaseDocuments(ctx context.Context, in *bedrockagent.GetKnowledgeBaseDocumentsInput, optFns ...func(*bedrockagent.Options)) (*bedrockagent.GetKnowledgeBaseDocumentsOutput, error)
}

// BedrockClient ingests into Amazon Bedrock knowledge bases. Files of a
// files diff live in the document bucket under
// <owner>/<bot>/documents/<file>.
type BedrockClient struct {
	client bedrockAgentClient
	bucket string
}

// NewBedrockClient returns a Client backed by the Bedrock Agent API.
func NewBedrockClient(client *bedrockagent.Client, documentBucket string) *BedrockClient {
	return &BedrockClient{client: client, bucket: documentBucket}
}

// DocumentURI returns the S3 URI of one uploaded bot document.
func (c *BedrockClient) DocumentURI(ownerUserID, botID, filename string) string {
	return "s3://" + c.bucket + "/" + path.Join(ownerUserID, botID, "documents", filename)
}

// StartIngestion implements Client. Incremental ingestion is only possible
// on S3 data sources; anything else falls back to a full ingestion job.
func (c *BedrockClient) StartIngestion(ctx context.Context, ds models.DataSourceRef) (*Job, error) {
	job := &Job{DataSource: ds, Status: JobSubmitted, StartedAt: time.Now()}

	if ds.Incremental() {
		isS3, err := c.isS3DataSource(ctx, ds)
		if err != nil {
			return nil, err
		}
		if isS3 {
			diff, err := c.ingestDocuments(ctx, ds)
			if err != nil {
				return nil, err
			}
			job.Documents = diff
			return job, nil
		}
	}

	out, err := c.client.StartIngestionJob(ctx, &bedrockagent.StartIngestionJobInput{
		KnowledgeBaseId: aws.String(ds.KnowledgeBaseID),
		DataSourceId:    aws.String(ds.DataSourceID),
	})
	if err != nil {
		return nil, fmt.Errorf("bedrock: start ingestion job: %w", err)
	}
	if out.IngestionJob == nil || out.IngestionJob.IngestionJobId == nil {
		return nil, errors.New("bedrock: start ingestion job: no job returned")
	}
	job.JobID = aws.ToString(out.IngestionJob.IngestionJobId)
	return job, nil
}

func (c *BedrockClient) isS3DataSource(ctx context.Context, ds models.DataSourceRef) (bool, error) {
	out, err := c.client.GetDataSource(ctx, &bedrockagent.GetDataSourceInput{
		KnowledgeBaseId: aws.String(ds.KnowledgeBaseID),
		DataSourceId:    aws.String(ds.DataSourceID),
	})
	if err != nil {
		return false, fmt.Errorf("bedrock: get data source: %w", err)
	}
	if out.DataSource == nil || out.DataSource.DataSourceConfiguration == nil {
		return false, nil
	}
	return string(out.DataSource.DataSourceConfiguration.Type) == "S3", nil
}

func (c *BedrockClient) ingestDocuments(ctx context.Context, ds models.DataSourceRef) (*DocumentsDiff, error) {
	var added, unchanged, deleted []string
	for _, fd := range ds.FilesDiffs {
		for _, f := range fd.Added {
			added = append(added, c.DocumentURI(fd.OwnerUserID, fd.BotID, f))
		}
		for _, f := range fd.Unchanged {
			unchanged = append(unchanged, c.DocumentURI(fd.OwnerUserID, fd.BotID, f))
		}
		for _, f := range fd.Deleted {
			deleted = append(deleted, c.DocumentURI(fd.OwnerUserID, fd.BotID, f))
		}
	}

	// Unchanged documents missing from the index are re-added.
	for batch := range slices.Chunk(unchanged, documentBatchSize) {
		details, err := c.getDocuments(ctx, ds, batch)
		if err != nil {
			return nil, err
		}
		for _, d := range details {
			if string(d.Status) == "NOT_FOUND" {
				if uri := detailURI(d); uri != "" {
					added = append(added, uri)
				}
			}
		}
	}

	diff := &DocumentsDiff{Added: []string{}, Deleted: []string{}}
	for batch := range slices.Chunk(added, documentBatchSize) {
		docs := make([]types.KnowledgeBaseDocument, 0, len(batch))
		for _, uri := range batch {
			docs = append(docs, types.KnowledgeBaseDocument{
				Content: &types.DocumentContent{
					DataSourceType: types.ContentDataSourceType("S3"),
					S3:             &types.S3Content{S3Location: &types.S3Location{Uri: aws.String(uri)}},
				},
			})
		}
		out, err := c.client.IngestKnowledgeBaseDocuments(ctx, &bedrockagent.IngestKnowledgeBaseDocumentsInput{
			KnowledgeBaseId: aws.String(ds.KnowledgeBaseID),
			DataSourceId:    aws.String(ds.DataSourceID),
			Documents:       docs,
		})
		if err != nil {
			return nil, fmt.Errorf("bedrock: ingest documents: %w", err)
		}
		for _, d := range out.DocumentDetails {
			if string(d.Status) == "IGNORED" {
				continue
			}
			if uri := detailURI(d); uri != "" {
				diff.Added = append(diff.Added, uri)
			}
		}
	}

	for batch := range slices.Chunk(deleted, documentBatchSize) {
		out, err := c.client.DeleteKnowledgeBaseDocuments(ctx, &bedrockagent.DeleteKnowledgeBaseDocumentsInput{
			KnowledgeBaseId:     aws.String(ds.KnowledgeBaseID),
			DataSourceId:        aws.String(ds.DataSourceID),
			DocumentIdentifiers: s3Identifiers(batch),
		})
		if err != nil {
			return nil, fmt.Errorf("bedrock: delete documents: %w", err)
		}
		for _, d := range out.DocumentDetails {
			if uri := detailURI(d); uri != "" {
				diff.Deleted = append(diff.Deleted, uri)
			}
		}
	}
	return diff, nil
}

// CheckIngestion implements Client.
func (c *BedrockClient) CheckIngestion(ctx context.Context, job *Job) error {
	if job.Incremental() {
		return c.checkDocuments(ctx, job)
	}
	if job.JobID == "" {
		return errors.New("bedrock: job has neither an ingestion job id nor documents")
	}

	out, err := c.client.GetIngestionJob(ctx, &bedrockagent.GetIngestionJobInput{
		KnowledgeBaseId: aws.String(job.DataSource.KnowledgeBaseID),
		DataSourceId:    aws.String(job.DataSource.DataSourceID),
		IngestionJobId:  aws.String(job.JobID),
	})
	if err != nil {
		return classify(fmt.Errorf("bedrock: get ingestion job %s: %w", job.JobID, err))
	}
	if out.IngestionJob == nil {
		return fmt.Errorf("bedrock: ingestion job %s: empty response", job.JobID)
	}
	switch status := string(out.IngestionJob.Status); status {
	case "COMPLETE":
		return nil
	case "STARTING", "IN_PROGRESS":
		job.Status = JobInProgress
		return fmt.Errorf("job %s %s: %w", job.JobID, status, ErrRetryable)
	default:
		return fmt.Errorf("ingestion job %s: bad status %q", job.JobID, status)
	}
}

func (c *BedrockClient) checkDocuments(ctx context.Context, job *Job) error {
	ds := job.DataSource
	for batch := range slices.Chunk(job.Documents.Added, documentBatchSize) {
		details, err := c.getDocuments(ctx, ds, batch)
		if err != nil {
			return classify(err)
		}
		for _, d := range details {
			switch status := string(d.Status); status {
			case "INDEXED":
			case "PENDING", "STARTING", "IN_PROGRESS", "PARTIALLY_INDEXED":
				job.Status = JobInProgress
				return fmt.Errorf("document %s %s: %w", detailURI(d), status, ErrRetryable)
			default:
				return fmt.Errorf("document %s: bad status %q", detailURI(d), status)
			}
		}
	}
	for batch := range slices.Chunk(job.Documents.Deleted, documentBatchSize) {
		details, err := c.getDocuments(ctx, ds, batch)
		if err != nil {
			return classify(err)
		}
		for _, d := range details {
			switch status := string(d.Status); status {
			case "NOT_FOUND":
			case "PENDING", "DELETING", "DELETE_IN_PROGRESS":
				job.Status = JobInProgress
				return fmt.Errorf("document %s %s: %w", detailURI(d), status, ErrRetryable)
			default:
				return fmt.Errorf("document %s: bad status %q", detailURI(d), status)
			}
		}
	}
	return nil
}

func (c *BedrockClient) getDocuments(ctx context.Context, ds models.DataSourceRef, uris []string) ([]types.KnowledgeBaseDocumentDetail, error) {
	out, err := c.client.GetKnowledgeBaseDocuments(ctx, &bedrockagent.GetKnowledgeBaseDocumentsInput{
		KnowledgeBaseId:     aws.String(ds.KnowledgeBaseID),
		DataSourceId:        aws.String(ds.DataSourceID),
		DocumentIdentifiers: s3Identifiers(uris),
	})
	if err != nil {
		return nil, fmt.Errorf("bedrock: get documents: %w", err)
	}
	return out.DocumentDetails, nil
}

func s3Identifiers(uris []string) []types.DocumentIdentifier {
	ids := make([]types.DocumentIdentifier, 0, len(uris))
	for _, uri := range uris {
		ids = append(ids, types.DocumentIdentifier{
			DataSourceType: types.ContentDataSourceType("S3"),
			S3:             &types.S3Location{Uri: aws.String(uri)},
		})
	}
	return ids
}

func detailURI(d types.KnowledgeBaseDocumentDetail) string {
	if d.Identifier == nil || d.Identifier.S3 == nil {
		return ""
	}
	return aws.ToString(d.Identifier.S3.Uri)
}

// classify marks throttling as retryable so a busy API consumes a poll
// attempt instead of failing the flow.
func classify(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException", "ServiceUnavailableException":
			return fmt.Errorf("%w: %w", ErrRetryable, err)
		}
	}
	return err
}
