// Package kinesis provides a deadletter.Publisher that writes envelopes to a
// Kinesis stream. Publishes are rate limited so draining a large poisoned
// batch cannot throttle the destination stream for its other producers.
package kinesis

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	smithy "github.com/aws/smithy-go"
	"golang.org/x/time/rate"

	"goa.design/shardflow/deadletter"
	"goa.design/shardflow/faults"
)

// Client mirrors the subset of the Kinesis client required by the publisher.
// It matches *kinesis.Client so callers can pass either the real client or a
// mock in tests.
type Client interface {
	PutRecord(ctx context.Context, params *kinesis.PutRecordInput, optFns ...func(*kinesis.Options)) (*kinesis.PutRecordOutput, error)
}

// Options configures the Kinesis dead-letter publisher.
type Options struct {
	// Client provides access to Kinesis. Required.
	Client Client

	// Stream is the destination stream name. Required.
	Stream string

	// PublishesPerSecond caps the publish rate. Zero or negative disables
	// rate limiting.
	PublishesPerSecond float64
}

// Publisher implements deadletter.Publisher on top of a Kinesis stream.
type Publisher struct {
	client  Client
	stream  string
	limiter *rate.Limiter
}

// New constructs a Kinesis dead-letter publisher.
func New(opts Options) (*Publisher, error) {
	if opts.Client == nil {
		return nil, errors.New("kinesis: client is required")
	}
	if opts.Stream == "" {
		return nil, errors.New("kinesis: stream name is required")
	}
	p := &Publisher{client: opts.Client, stream: opts.Stream}
	if opts.PublishesPerSecond > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(opts.PublishesPerSecond), 1)
	}
	return p, nil
}

// Publish implements deadletter.Publisher.
func (p *Publisher) Publish(ctx context.Context, env *deadletter.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return faults.Fatal("marshal dead-letter envelope", err)
	}
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return faults.Timeout("rate limit wait interrupted", true, err)
		}
	}
	if _, err := p.client.PutRecord(ctx, &kinesis.PutRecordInput{
		StreamName:   aws.String(p.stream),
		PartitionKey: aws.String(env.PartitionKey()),
		Data:         data,
	}); err != nil {
		return classify(err)
	}
	return nil
}

// classify maps SDK failures to fault roles: a missing stream cannot be fixed
// by retrying the discard, throttling can.
func classify(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ResourceNotFoundException":
			return faults.Fatal("dead-letter stream does not exist", err)
		case "ProvisionedThroughputExceededException", "ThrottlingException",
			"LimitExceededException", "InternalFailure", "ServiceUnavailable":
			return faults.Transient("publish dead-letter envelope", err)
		}
	}
	return faults.Transient("publish dead-letter envelope", err)
}
