// Command kinesisconsumer is a complete Lambda consumer for a Kinesis stream
// of order events. It wires the DynamoDB checkpoint store, a dead-letter
// stream for rejected messages and the Lambda control plane for fatal-error
// handling, and processes each order with a two-step task tree.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awskinesis "github.com/aws/aws-sdk-go-v2/service/kinesis"
	awslambda "github.com/aws/aws-sdk-go-v2/service/lambda"
	"goa.design/clue/log"

	"goa.design/shardflow/batch"
	"goa.design/shardflow/checkpoint/dynamo"
	"goa.design/shardflow/consumer"
	dlkinesis "goa.design/shardflow/deadletter/kinesis"
	"goa.design/shardflow/esm/lambdaapi"
	"goa.design/shardflow/host/lambdahost"
	"goa.design/shardflow/stream"
	"goa.design/shardflow/task"
	"goa.design/shardflow/telemetry"
)

func main() {
	ctx := log.Context(context.Background(), log.WithFormat(log.FormatJSON))

	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		log.Fatalf(ctx, err, "load AWS config")
	}

	store, err := dynamo.New(dynamo.Options{
		Client: dynamodb.NewFromConfig(cfg),
		Table:  os.Getenv("CHECKPOINT_TABLE"),
	})
	if err != nil {
		log.Fatalf(ctx, err, "build checkpoint store")
	}

	dmq, err := dlkinesis.New(dlkinesis.Options{
		Client:             awskinesis.NewFromConfig(cfg),
		Stream:             os.Getenv("DEAD_LETTER_STREAM"),
		PublishesPerSecond: 10,
	})
	if err != nil {
		log.Fatalf(ctx, err, "build dead-letter publisher")
	}

	cp, err := lambdaapi.New(awslambda.NewFromConfig(cfg))
	if err != nil {
		log.Fatalf(ctx, err, "build control plane")
	}

	c, err := consumer.New(consumer.Settings{
		StreamType:         stream.Kinesis,
		SequencingPerKey:   true,
		KeyPropertyNames:   []string{"orderId"},
		SeqNoPropertyNames: []string{"version"},
		Runtime:            lambdahost.New(),
		Store:              store,
		DeadMessages:       dmq,
		DeadRecords:        dmq,
		ControlPlane:       cp,
		Logger:             telemetry.NewClueLogger(),
		Metrics:            telemetry.NewClueMetrics(),
		Tracer:             telemetry.NewClueTracer(),
	}, consumer.Callbacks{
		ExtractMessages: extractOrder,
		ProcessOne: []*task.Template{{
			Name:    "applyOrder",
			Execute: applyOrder,
			SubTemplates: []*task.Template{{
				Name:    "notifyDownstream",
				Execute: notifyDownstream,
			}},
		}},
	})
	if err != nil {
		log.Fatalf(ctx, err, "build consumer")
	}

	lambda.StartWithOptions(func(ctx context.Context, ev events.KinesisEvent) error {
		return c.ProcessRecords(ctx, lambdahost.FromKinesisEvent(ev))
	}, lambda.WithContext(ctx))
}

func extractOrder(_ context.Context, rec *stream.Record, ur *stream.UserRecord) ([]stream.Message, error) {
	data := rec.Data
	if ur != nil {
		data = ur.Data
	}
	var msg stream.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("payload is not a JSON order: %w", err)
	}
	return []stream.Message{msg}, nil
}

func applyOrder(ctx context.Context, t *task.Task) (any, error) {
	ms := t.Item().(*batch.MessageState)
	log.Infof(ctx, "applying order %s", ms.Identity().Key)
	// Apply the order to the downstream system here.
	return nil, nil
}

func notifyDownstream(context.Context, *task.Task) (any, error) {
	return nil, nil
}
