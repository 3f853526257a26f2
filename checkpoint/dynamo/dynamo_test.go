package dynamo

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	smithy "github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/shardflow/batch"
	"goa.design/shardflow/checkpoint"
	"goa.design/shardflow/faults"
)

type fakeClient struct {
	getOut  *dynamodb.GetItemOutput
	getErr  error
	getIn   *dynamodb.GetItemInput
	putErr  error
	putIn   *dynamodb.PutItemInput
	delErr  error
	deleted []map[string]ddbtypes.AttributeValue
}

func (f *fakeClient) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.getIn = in
	if f.getOut == nil {
		return &dynamodb.GetItemOutput{}, f.getErr
	}
	return f.getOut, f.getErr
}

func (f *fakeClient) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.putIn = in
	return &dynamodb.PutItemOutput{}, f.putErr
}

func (f *fakeClient) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.deleted = append(f.deleted, in.Key)
	return &dynamodb.DeleteItemOutput{}, f.delErr
}

var testKey = batch.Key{StreamConsumerID: "K|orders|orders-consumer", ShardOrEventID: "S|shardId-000000000000"}

func newStore(t *testing.T, client *fakeClient) *Store {
	t.Helper()
	s, err := New(Options{Client: client, Table: "checkpoints"})
	require.NoError(t, err)
	return s
}

func TestNewValidates(t *testing.T) {
	_, err := New(Options{Table: "checkpoints"})
	require.Error(t, err)
	_, err = New(Options{Client: &fakeClient{}})
	require.Error(t, err)
}

func TestLoadMissingItem(t *testing.T) {
	client := &fakeClient{}
	it, err := newStore(t, client).Load(context.Background(), testKey)
	require.NoError(t, err)
	assert.Nil(t, it)

	// Loads are strongly consistent so the previous invocation's save is
	// always visible, and project only what the restore consumes.
	require.NotNil(t, client.getIn)
	assert.True(t, *client.getIn.ConsistentRead)
	assert.Equal(t, "checkpoints", *client.getIn.TableName)
	assert.Equal(t, "#m, #r, #u, #b", *client.getIn.ProjectionExpression)
	assert.Equal(t, map[string]string{
		"#m": "messages",
		"#r": "rejected",
		"#u": "unusable",
		"#b": "batch",
	}, client.getIn.ExpressionAttributeNames)
}

func TestLoadRoundTrips(t *testing.T) {
	// The projected read returns only record/task state; the key halves are
	// filled back in from the requested key.
	saved := &checkpoint.Item{
		Messages: []*checkpoint.MessageRecord{{BFK: "m-1"}},
	}
	av, err := attributevalue.MarshalMap(saved)
	require.NoError(t, err)
	delete(av, "streamConsumerId")
	delete(av, "shardOrEventId")

	client := &fakeClient{getOut: &dynamodb.GetItemOutput{Item: av}}
	it, err := newStore(t, client).Load(context.Background(), testKey)
	require.NoError(t, err)
	require.NotNil(t, it)
	assert.Equal(t, testKey, it.Key())
	require.Len(t, it.Messages, 1)
	assert.Equal(t, "m-1", it.Messages[0].BFK)
}

func TestSaveConditions(t *testing.T) {
	client := &fakeClient{}
	s := newStore(t, client)
	it := &checkpoint.Item{StreamConsumerID: testKey.StreamConsumerID, ShardOrEventID: testKey.ShardOrEventID}

	require.NoError(t, s.Save(context.Background(), it, true))
	assert.Contains(t, *client.putIn.ConditionExpression, "attribute_not_exists")

	require.NoError(t, s.Save(context.Background(), it, false))
	assert.Contains(t, *client.putIn.ConditionExpression, "attribute_exists")
	assert.NotContains(t, *client.putIn.ConditionExpression, "attribute_not_exists")
}

func TestSaveConditionFailure(t *testing.T) {
	client := &fakeClient{putErr: &ddbtypes.ConditionalCheckFailedException{}}
	err := newStore(t, client).Save(context.Background(), &checkpoint.Item{}, true)
	assert.ErrorIs(t, err, checkpoint.ErrConditionFailed)
}

func TestClassification(t *testing.T) {
	client := &fakeClient{getErr: &smithy.GenericAPIError{Code: "ResourceNotFoundException"}}
	s := newStore(t, client)

	_, err := s.Load(context.Background(), testKey)
	require.Error(t, err)
	assert.True(t, faults.IsFatal(err))
	assert.Contains(t, err.Error(), "checkpoint table does not exist")

	client.getErr = &smithy.GenericAPIError{Code: "ProvisionedThroughputExceededException"}
	_, err = s.Load(context.Background(), testKey)
	assert.True(t, faults.IsTransient(err))

	client.putErr = &smithy.GenericAPIError{Code: "InternalServerError"}
	assert.True(t, faults.IsTransient(s.Save(context.Background(), &checkpoint.Item{}, true)))
}

func TestDelete(t *testing.T) {
	client := &fakeClient{}
	require.NoError(t, newStore(t, client).Delete(context.Background(), testKey))
	require.Len(t, client.deleted, 1)
	assert.Equal(t, &ddbtypes.AttributeValueMemberS{Value: testKey.StreamConsumerID}, client.deleted[0]["streamConsumerId"])
}
