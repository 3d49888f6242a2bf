package lock

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// s3Client abstracts the S3 API methods we use, enabling test fakes.
type s3Client interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Store keeps each lock as an object created with a conditional write
// (If-None-Match: *). The object body is the owner and its ETag is the lock
// ID. Release deletes with If-Match on the ETag.
type S3Store struct {
	client s3Client
	bucket string
}

// NewS3Store returns a Store writing lock objects into bucket.
func NewS3Store(client *s3.Client, bucket string) *S3Store {
	return &S3Store{client: client, bucket: bucket}
}

func lockKey(name string) string {
	return ".temp/.lock." + strings.ToLower(name)
}

// PutIfAbsent implements Store.
func (s *S3Store) PutIfAbsent(ctx context.Context, name, owner string, ttl time.Duration) (string, error) {
	key := lockKey(name)
	out, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		IfNoneMatch: aws.String("*"),
		Body:        strings.NewReader(owner),
	})
	if err == nil {
		return aws.ToString(out.ETag), nil
	}

	switch apiErrorCode(err) {
	case "PreconditionFailed":
		// The object exists. It may be ours if a previous put succeeded but
		// its response was lost.
		return s.checkOwner(ctx, name, key, owner, ttl)
	case "ConditionalRequestConflict":
		return "", ErrLockBusy
	default:
		return "", fmt.Errorf("lock: put s3://%s/%s: %w", s.bucket, key, err)
	}
}

func (s *S3Store) checkOwner(ctx context.Context, name, key, owner string, ttl time.Duration) (string, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) || apiErrorCode(err) == "NoSuchKey" {
			// Released between our put and get.
			return "", ErrLockBusy
		}
		return "", fmt.Errorf("lock: get s3://%s/%s: %w", s.bucket, key, err)
	}
	defer out.Body.Close()

	body, err := io.ReadAll(out.Body)
	if err != nil {
		return "", fmt.Errorf("lock: read s3://%s/%s: %w", s.bucket, key, err)
	}
	etag := aws.ToString(out.ETag)
	if string(body) == owner {
		return etag, nil
	}

	if ttl > 0 && out.LastModified != nil && time.Since(*out.LastModified) > ttl {
		// Expired: clear it so the next attempt can take it.
		if err := s.DeleteIfMatch(ctx, name, etag); err != nil && !errors.Is(err, ErrLockMismatch) && !errors.Is(err, ErrLockNotFound) {
			return "", err
		}
	}
	return "", ErrLockBusy
}

// DeleteIfMatch implements Store.
func (s *S3Store) DeleteIfMatch(ctx context.Context, name, lockID string) error {
	key := lockKey(name)
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket:  aws.String(s.bucket),
		Key:     aws.String(key),
		IfMatch: aws.String(lockID),
	})
	if err == nil {
		return nil
	}
	switch apiErrorCode(err) {
	case "PreconditionFailed":
		return ErrLockMismatch
	case "NoSuchKey", "NotFound":
		return ErrLockNotFound
	default:
		return fmt.Errorf("lock: delete s3://%s/%s: %w", s.bucket, key, err)
	}
}

func apiErrorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}
