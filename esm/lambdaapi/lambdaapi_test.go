package lambdaapi

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	awslambda "github.com/aws/aws-sdk-go-v2/service/lambda"
	lambdatypes "github.com/aws/aws-sdk-go-v2/service/lambda/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/shardflow/faults"
)

type fakeClient struct {
	pages   []*awslambda.ListEventSourceMappingsOutput
	listErr error
	calls   int
	updated []*awslambda.UpdateEventSourceMappingInput
}

func (f *fakeClient) ListEventSourceMappings(_ context.Context, in *awslambda.ListEventSourceMappingsInput, _ ...func(*awslambda.Options)) (*awslambda.ListEventSourceMappingsOutput, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := f.pages[f.calls]
	f.calls++
	return out, nil
}

func (f *fakeClient) UpdateEventSourceMapping(_ context.Context, in *awslambda.UpdateEventSourceMappingInput, _ ...func(*awslambda.Options)) (*awslambda.UpdateEventSourceMappingOutput, error) {
	f.updated = append(f.updated, in)
	return &awslambda.UpdateEventSourceMappingOutput{}, nil
}

func TestNewRequiresClient(t *testing.T) {
	_, err := New(nil)
	require.Error(t, err)
}

func TestListMappingsFollowsPagination(t *testing.T) {
	client := &fakeClient{pages: []*awslambda.ListEventSourceMappingsOutput{
		{
			EventSourceMappings: []lambdatypes.EventSourceMappingConfiguration{
				{UUID: aws.String("u1"), State: aws.String("Enabled"), EventSourceArn: aws.String("arn:orders")},
				{UUID: aws.String("u2"), State: aws.String("Disabled")},
			},
			NextMarker: aws.String("m1"),
		},
		{
			EventSourceMappings: []lambdatypes.EventSourceMappingConfiguration{
				{UUID: aws.String("u3"), State: aws.String("Enabling")},
			},
		},
	}}
	cp, err := New(client)
	require.NoError(t, err)

	mappings, err := cp.ListMappings(context.Background(), "fn")
	require.NoError(t, err)
	require.Len(t, mappings, 3)
	assert.Equal(t, 2, client.calls)

	assert.True(t, mappings[0].Enabled)
	assert.Equal(t, "arn:orders", mappings[0].EventSourceARN)
	assert.False(t, mappings[1].Enabled)
	// "Enabling" counts as enabled: the binding is about to deliver.
	assert.True(t, mappings[2].Enabled)
}

func TestListMappingsFailureIsTransient(t *testing.T) {
	cp, err := New(&fakeClient{listErr: errors.New("throttled")})
	require.NoError(t, err)
	_, err = cp.ListMappings(context.Background(), "fn")
	assert.True(t, faults.IsTransient(err))
}

func TestDisableMapping(t *testing.T) {
	client := &fakeClient{}
	cp, err := New(client)
	require.NoError(t, err)

	require.NoError(t, cp.DisableMapping(context.Background(), "u1"))
	require.Len(t, client.updated, 1)
	assert.Equal(t, "u1", *client.updated[0].UUID)
	assert.False(t, *client.updated[0].Enabled)
}
