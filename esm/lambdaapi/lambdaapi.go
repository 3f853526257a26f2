// Package lambdaapi provides an esm.ControlPlane backed by the AWS Lambda
// control-plane API.
package lambdaapi

import (
	"context"
	"errors"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/lambda"

	"goa.design/shardflow/esm"
	"goa.design/shardflow/faults"
)

// Client mirrors the subset of the Lambda client required by the control
// plane. It matches *lambda.Client so callers can pass either the real client
// or a mock in tests.
type Client interface {
	ListEventSourceMappings(ctx context.Context, params *lambda.ListEventSourceMappingsInput, optFns ...func(*lambda.Options)) (*lambda.ListEventSourceMappingsOutput, error)
	UpdateEventSourceMapping(ctx context.Context, params *lambda.UpdateEventSourceMappingInput, optFns ...func(*lambda.Options)) (*lambda.UpdateEventSourceMappingOutput, error)
}

// ControlPlane implements esm.ControlPlane on top of the Lambda API.
type ControlPlane struct {
	client Client
}

// New constructs a Lambda-backed control plane.
func New(client Client) (*ControlPlane, error) {
	if client == nil {
		return nil, errors.New("lambdaapi: client is required")
	}
	return &ControlPlane{client: client}, nil
}

// ListMappings implements esm.ControlPlane, following pagination.
func (c *ControlPlane) ListMappings(ctx context.Context, functionName string) ([]*esm.Mapping, error) {
	var (
		mappings []*esm.Mapping
		marker   *string
	)
	for {
		out, err := c.client.ListEventSourceMappings(ctx, &lambda.ListEventSourceMappingsInput{
			FunctionName: aws.String(functionName),
			Marker:       marker,
		})
		if err != nil {
			return nil, faults.Transient("list event source mappings", err)
		}
		for _, m := range out.EventSourceMappings {
			mapping := &esm.Mapping{
				UUID:    aws.ToString(m.UUID),
				Enabled: aws.ToString(m.State) == "Enabled" || aws.ToString(m.State) == "Enabling",
			}
			if m.EventSourceArn != nil {
				mapping.EventSourceARN = *m.EventSourceArn
			}
			mappings = append(mappings, mapping)
		}
		if out.NextMarker == nil {
			return mappings, nil
		}
		marker = out.NextMarker
	}
}

// DisableMapping implements esm.ControlPlane.
func (c *ControlPlane) DisableMapping(ctx context.Context, uuid string) error {
	if _, err := c.client.UpdateEventSourceMapping(ctx, &lambda.UpdateEventSourceMappingInput{
		UUID:    aws.String(uuid),
		Enabled: aws.Bool(false),
	}); err != nil {
		return faults.Transient("disable event source mapping", err)
	}
	return nil
}
