// Package lambdahost binds the consumer to AWS Lambda: it reads the
// invocation deadline and function identity from the Lambda context and
// converts Kinesis and DynamoDB stream events into the consumer's record
// shape.
package lambdahost

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambdacontext"

	"goa.design/shardflow/host"
	"goa.design/shardflow/stream"
)

// Runtime implements host.Runtime from the Lambda execution context.
type Runtime struct{}

// New constructs a Lambda host runtime.
func New() *Runtime { return &Runtime{} }

// Remaining implements host.Runtime from the context deadline Lambda sets on
// every invocation. Returns zero when the context carries no deadline.
func (*Runtime) Remaining(ctx context.Context) time.Duration {
	deadline, ok := ctx.Deadline()
	if !ok {
		return 0
	}
	return time.Until(deadline)
}

// Identity implements host.Runtime from the Lambda context. The alias is the
// qualifier segment of the invoked function ARN, when present.
func (*Runtime) Identity(ctx context.Context) host.Identity {
	id := host.Identity{FunctionName: lambdacontext.FunctionName}
	if lc, ok := lambdacontext.FromContext(ctx); ok {
		id.ARN = lc.InvokedFunctionArn
		// arn:aws:lambda:region:account:function:name[:qualifier]
		parts := strings.Split(lc.InvokedFunctionArn, ":")
		if len(parts) == 8 {
			id.Alias = parts[7]
		}
	}
	return id
}

// FromKinesisEvent converts a Kinesis event into consumer records. Payloads
// arrive base64-decoded from the events package.
func FromKinesisEvent(ev events.KinesisEvent) []*stream.Record {
	recs := make([]*stream.Record, 0, len(ev.Records))
	for _, r := range ev.Records {
		recs = append(recs, &stream.Record{
			EventID:        r.EventID,
			EventSeqNo:     r.Kinesis.SequenceNumber,
			EventSourceARN: r.EventSourceArn,
			EventName:      r.EventName,
			PartitionKey:   r.Kinesis.PartitionKey,
			Data:           r.Kinesis.Data,
		})
	}
	return recs
}

// FromDynamoDBEvent converts a DynamoDB stream event into consumer records.
// The change images are decoded into plain maps under the "keys", "newImage"
// and "oldImage" attributes, with numbers preserved as json.Number so
// numeric identifiers keep their full precision.
func FromDynamoDBEvent(ev events.DynamoDBEvent) []*stream.Record {
	recs := make([]*stream.Record, 0, len(ev.Records))
	for _, r := range ev.Records {
		attrs := map[string]any{}
		if len(r.Change.Keys) > 0 {
			attrs["keys"] = attributeMap(r.Change.Keys)
		}
		if len(r.Change.NewImage) > 0 {
			attrs["newImage"] = attributeMap(r.Change.NewImage)
		}
		if len(r.Change.OldImage) > 0 {
			attrs["oldImage"] = attributeMap(r.Change.OldImage)
		}
		recs = append(recs, &stream.Record{
			EventID:        r.EventID,
			EventSeqNo:     r.Change.SequenceNumber,
			EventSourceARN: r.EventSourceArn,
			EventName:      r.EventName,
			Attributes:     attrs,
		})
	}
	return recs
}

func attributeMap(avs map[string]events.DynamoDBAttributeValue) map[string]any {
	m := make(map[string]any, len(avs))
	for name, av := range avs {
		m[name] = attributeValue(av)
	}
	return m
}

func attributeValue(av events.DynamoDBAttributeValue) any {
	switch av.DataType() {
	case events.DataTypeString:
		return av.String()
	case events.DataTypeNumber:
		return json.Number(av.Number())
	case events.DataTypeBoolean:
		return av.Boolean()
	case events.DataTypeBinary:
		return av.Binary()
	case events.DataTypeNull:
		return nil
	case events.DataTypeList:
		list := make([]any, 0, len(av.List()))
		for _, item := range av.List() {
			list = append(list, attributeValue(item))
		}
		return list
	case events.DataTypeMap:
		return attributeMap(av.Map())
	case events.DataTypeStringSet:
		set := make([]any, 0, len(av.StringSet()))
		for _, s := range av.StringSet() {
			set = append(set, s)
		}
		return set
	case events.DataTypeNumberSet:
		set := make([]any, 0, len(av.NumberSet()))
		for _, n := range av.NumberSet() {
			set = append(set, json.Number(n))
		}
		return set
	case events.DataTypeBinarySet:
		set := make([]any, 0, len(av.BinarySet()))
		for _, b := range av.BinarySet() {
			set = append(set, b)
		}
		return set
	}
	return nil
}
