package finalize

import (
	"context"
	"encoding/json"
	"fmt"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob" // file:// driver
	_ "gocloud.dev/blob/memblob"  // mem:// driver
	_ "gocloud.dev/blob/s3blob"   // s3:// driver
	"gocloud.dev/gcerrors"
)

// BlobResolver reads stack outputs exported as JSON objects to a bucket,
// one `<prefix><stack>.json` per stack. Both a flat {"Key": "Value"} map and
// the CloudFormation [{"OutputKey", "OutputValue"}] list are accepted.
type BlobResolver struct {
	bucket *blob.Bucket
	prefix string
}

// OpenBlobResolver opens the bucket at a gocloud URL such as
// s3://bucket?region=us-east-1, file:///var/outputs or mem://.
func OpenBlobResolver(ctx context.Context, bucketURL, prefix string) (*BlobResolver, error) {
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("open outputs bucket %s: %w", bucketURL, err)
	}
	return &BlobResolver{bucket: bucket, prefix: prefix}, nil
}

// NewBlobResolver wraps an already opened bucket.
func NewBlobResolver(bucket *blob.Bucket, prefix string) *BlobResolver {
	return &BlobResolver{bucket: bucket, prefix: prefix}
}

type cfnOutput struct {
	OutputKey   string `json:"OutputKey"`
	OutputValue string `json:"OutputValue"`
}

// StackOutputs implements OutputResolver.
func (r *BlobResolver) StackOutputs(ctx context.Context, stack string) (map[string]string, error) {
	key := r.prefix + stack + ".json"
	data, err := r.bucket.ReadAll(ctx, key)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, fmt.Errorf("blob: outputs for %s not found at %s", stack, key)
		}
		return nil, fmt.Errorf("blob: read %s: %w", key, err)
	}

	outputs := make(map[string]string)
	var list []cfnOutput
	if err := json.Unmarshal(data, &list); err == nil {
		for _, o := range list {
			if o.OutputKey != "" {
				outputs[o.OutputKey] = o.OutputValue
			}
		}
	} else if err := json.Unmarshal(data, &outputs); err != nil {
		return nil, fmt.Errorf("blob: decode %s: %w", key, err)
	}
	if len(outputs) == 0 {
		return nil, fmt.Errorf("blob: %s: %w", stack, ErrNoOutputs)
	}
	return outputs, nil
}

// Close releases the bucket.
func (r *BlobResolver) Close() error {
	return r.bucket.Close()
}
