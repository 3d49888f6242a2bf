package finalize

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
)

// cloudFormationClient abstracts the CloudFormation API methods we use.
type cloudFormationClient interface {
	DescribeStacks(ctx context.Context, in *cloudformation.DescribeStacksInput, optFns ...func(*cloudformation.Options)) (*cloudformation.DescribeStacksOutput, error)
}

// CloudFormationResolver reads outputs of deployed CloudFormation stacks.
type CloudFormationResolver struct {
	client cloudFormationClient
}

// NewCloudFormationResolver returns a resolver backed by client.
func NewCloudFormationResolver(client *cloudformation.Client) *CloudFormationResolver {
	return &CloudFormationResolver{client: client}
}

// StackOutputs implements OutputResolver.
func (r *CloudFormationResolver) StackOutputs(ctx context.Context, stack string) (map[string]string, error) {
	out, err := r.client.DescribeStacks(ctx, &cloudformation.DescribeStacksInput{
		StackName: aws.String(stack),
	})
	if err != nil {
		return nil, fmt.Errorf("cloudformation: describe %s: %w", stack, err)
	}
	if len(out.Stacks) == 0 {
		return nil, fmt.Errorf("cloudformation: stack %s not found", stack)
	}

	outputs := make(map[string]string)
	for _, o := range out.Stacks[0].Outputs {
		if o.OutputKey == nil || o.OutputValue == nil {
			continue
		}
		outputs[*o.OutputKey] = *o.OutputValue
	}
	if len(outputs) == 0 {
		return nil, fmt.Errorf("cloudformation: %s: %w", stack, ErrNoOutputs)
	}
	return outputs, nil
}
