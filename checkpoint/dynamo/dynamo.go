// Package dynamo provides a checkpoint.Store backed by a DynamoDB table. The
// table uses the stream-consumer identity as its partition key and the
// shard-or-event identity as its sort key; conditional writes distinguish
// first saves from updates so concurrent invocations of the same shard cannot
// silently overwrite each other's first checkpoint.
package dynamo

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	smithy "github.com/aws/smithy-go"

	"goa.design/shardflow/batch"
	"goa.design/shardflow/checkpoint"
	"goa.design/shardflow/faults"
	"goa.design/shardflow/telemetry"
)

const (
	attrStreamConsumerID = "streamConsumerId"
	attrShardOrEventID   = "shardOrEventId"
)

// Client mirrors the subset of the DynamoDB client required by the store. It
// matches *dynamodb.Client so callers can pass either the real client or a
// mock in tests.
type Client interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// Options configures the DynamoDB checkpoint store.
type Options struct {
	// Client provides access to DynamoDB. Required.
	Client Client

	// Table is the checkpoint table name. Required.
	Table string

	// Logger is used for non-fatal diagnostics. When nil, defaults to a
	// no-op logger.
	Logger telemetry.Logger
}

// Store implements checkpoint.Store on top of a DynamoDB table.
type Store struct {
	client Client
	table  string
	logger telemetry.Logger
}

// New constructs a DynamoDB checkpoint store.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("dynamo: client is required")
	}
	if opts.Table == "" {
		return nil, errors.New("dynamo: table name is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Store{client: opts.Client, table: opts.Table, logger: logger}, nil
}

// Load reads the item stored under key with strong consistency, so a save by
// the immediately preceding invocation of the same shard is always visible.
// The read projects only the record and task state the restore consumes.
// Returns (nil, nil) when the key has never been saved.
func (s *Store) Load(ctx context.Context, key batch.Key) (*checkpoint.Item, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:            aws.String(s.table),
		Key:                  keyAttributes(key),
		ConsistentRead:       aws.Bool(true),
		ProjectionExpression: aws.String("#m, #r, #u, #b"),
		ExpressionAttributeNames: map[string]string{
			"#m": "messages",
			"#r": "rejected",
			"#u": "unusable",
			"#b": "batch",
		},
	})
	if err != nil {
		return nil, classify("load checkpoint item", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var it checkpoint.Item
	if err := attributevalue.UnmarshalMap(out.Item, &it); err != nil {
		return nil, faults.Fatal("unmarshal checkpoint item", err)
	}
	it.StreamConsumerID, it.ShardOrEventID = key.StreamConsumerID, key.ShardOrEventID
	return &it, nil
}

// Save writes the item. With insert set the write is conditional on the key
// not existing yet and fails with checkpoint.ErrConditionFailed when it does;
// without insert the condition is inverted.
func (s *Store) Save(ctx context.Context, it *checkpoint.Item, insert bool) error {
	av, err := attributevalue.MarshalMap(it)
	if err != nil {
		return faults.Fatal("marshal checkpoint item", err)
	}
	input := &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      av,
	}
	if insert {
		input.ConditionExpression = aws.String(
			fmt.Sprintf("attribute_not_exists(%s) AND attribute_not_exists(%s)", attrStreamConsumerID, attrShardOrEventID))
	} else {
		input.ConditionExpression = aws.String(
			fmt.Sprintf("attribute_exists(%s) AND attribute_exists(%s)", attrStreamConsumerID, attrShardOrEventID))
	}
	if _, err := s.client.PutItem(ctx, input); err != nil {
		var cond *ddbtypes.ConditionalCheckFailedException
		if errors.As(err, &cond) {
			return checkpoint.ErrConditionFailed
		}
		return classify("save checkpoint item", err)
	}
	return nil
}

// Delete removes the item stored under key. Deleting a missing key succeeds.
func (s *Store) Delete(ctx context.Context, key batch.Key) error {
	if _, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.table),
		Key:       keyAttributes(key),
	}); err != nil {
		return classify("delete checkpoint item", err)
	}
	return nil
}

func keyAttributes(key batch.Key) map[string]ddbtypes.AttributeValue {
	return map[string]ddbtypes.AttributeValue{
		attrStreamConsumerID: &ddbtypes.AttributeValueMemberS{Value: key.StreamConsumerID},
		attrShardOrEventID:   &ddbtypes.AttributeValueMemberS{Value: key.ShardOrEventID},
	}
}

// classify maps SDK failures to fault roles: a missing table cannot be fixed
// by redelivery, throttling and server-side failures can.
func classify(op string, err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ResourceNotFoundException":
			return faults.Fatal(op+": checkpoint table does not exist", err)
		case "ProvisionedThroughputExceededException", "ThrottlingException",
			"RequestLimitExceeded", "InternalServerError", "ServiceUnavailable":
			return faults.Transient(op, err)
		}
	}
	return faults.Transient(op, err)
}
