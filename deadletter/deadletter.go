// Package deadletter routes terminally failed items out of the consumer:
// rejected messages to the dead-message queue and unusable records to the
// dead-record queue. Every published envelope carries enough of the item's
// fingerprints to investigate and replay it independently of the checkpoint
// store.
package deadletter

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"goa.design/shardflow/batch"
	"goa.design/shardflow/identify"
	"goa.design/shardflow/stream"
	"goa.design/shardflow/telemetry"
)

// Envelope kinds.
const (
	KindRejectedMessage = "rejectedMessage"
	KindUnusableRecord  = "unusableRecord"
)

type (
	// Envelope is the dead-letter payload for one item.
	Envelope struct {
		// ID uniquely identifies the envelope.
		ID string `json:"id"`
		// Kind is KindRejectedMessage or KindUnusableRecord.
		Kind string `json:"kind"`
		// ConsumerID identifies the consumer that gave up on the item.
		ConsumerID string `json:"consumerId"`
		// BatchKey is the key of the batch the item arrived in.
		BatchKey string `json:"batchKey"`
		// Reason is why the item was rejected or unusable.
		Reason string `json:"reason"`

		Identity identify.Identity    `json:"identity,omitempty"`
		Digests  identify.Digests     `json:"digests,omitempty"`
		Coords   identify.Coordinates `json:"coords"`

		// Message is the extracted message, when one exists.
		Message stream.Message `json:"message,omitempty"`
		// Data is the raw record payload, when one exists.
		Data []byte `json:"data,omitempty"`

		// OccurredAt is when the envelope was published.
		OccurredAt time.Time `json:"occurredAt"`
	}

	// Publisher delivers envelopes to one dead-letter destination.
	Publisher interface {
		Publish(ctx context.Context, env *Envelope) error
	}

	// Router builds envelopes from tracked states and sends them to the
	// right destination. Destinations are optional: with no dead-message
	// publisher rejected messages are logged and dropped, and likewise for
	// unusable records.
	Router struct {
		consumerID  string
		deadMessage Publisher
		deadRecord  Publisher
		logger      telemetry.Logger
	}
)

// NewRouter constructs a router. Either publisher may be nil.
func NewRouter(consumerID string, deadMessage, deadRecord Publisher, logger telemetry.Logger) (*Router, error) {
	if consumerID == "" {
		return nil, errors.New("deadletter: consumer id is required")
	}
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Router{
		consumerID:  consumerID,
		deadMessage: deadMessage,
		deadRecord:  deadRecord,
		logger:      logger,
	}, nil
}

// PublishRejectedMessage sends a rejected message to the dead-message queue.
func (r *Router) PublishRejectedMessage(ctx context.Context, key batch.Key, ms *batch.MessageState) error {
	env := &Envelope{
		ID:         uuid.NewString(),
		Kind:       KindRejectedMessage,
		ConsumerID: r.consumerID,
		BatchKey:   key.String(),
		Reason:     ms.ReasonRejected(),
		Identity:   ms.Identity(),
		Digests:    ms.Digests(),
		Coords:     ms.Coordinates(),
		Message:    ms.Message(),
		OccurredAt: time.Now().UTC(),
	}
	if rec := ms.Record(); rec != nil {
		env.Data = rec.Data
	}
	if r.deadMessage == nil {
		r.logger.Warn(ctx, "no dead-message destination configured, dropping rejected message",
			"reason", env.Reason, "eventId", env.Coords.EventID)
		return nil
	}
	return r.deadMessage.Publish(ctx, env)
}

// PublishUnusableRecord sends an unusable record to the dead-record queue.
func (r *Router) PublishUnusableRecord(ctx context.Context, key batch.Key, us *batch.UnusableRecordState) error {
	env := &Envelope{
		ID:         uuid.NewString(),
		Kind:       KindUnusableRecord,
		ConsumerID: r.consumerID,
		BatchKey:   key.String(),
		Reason:     us.ReasonUnusable(),
		Digests:    us.Digests(),
		Coords:     us.Coordinates(),
		OccurredAt: time.Now().UTC(),
	}
	if rec := us.Record(); rec != nil {
		env.Data = rec.Data
	}
	if r.deadRecord == nil {
		r.logger.Warn(ctx, "no dead-record destination configured, dropping unusable record",
			"reason", env.Reason, "eventId", env.Coords.EventID)
		return nil
	}
	return r.deadRecord.Publish(ctx, env)
}

// PartitionKey returns the stream partition key for the envelope: the item's
// sequencing key when it has one so dead letters of one key stay ordered,
// otherwise the envelope ID.
func (e *Envelope) PartitionKey() string {
	if e.Identity.Key != "" {
		return e.Identity.Key
	}
	return e.ID
}
