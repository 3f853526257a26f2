package consumer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"goa.design/shardflow/batch"
	"goa.design/shardflow/checkpoint"
	"goa.design/shardflow/deadletter"
	"goa.design/shardflow/esm"
	"goa.design/shardflow/host"
	"goa.design/shardflow/stream"
	"goa.design/shardflow/task"
	"goa.design/shardflow/telemetry"
)

const (
	// defaultTimeoutPercentage bounds the process phase to three quarters
	// of the invocation's remaining time, leaving the rest for finalise.
	defaultTimeoutPercentage = 0.75

	// defaultMaxAttempts is the retry cap applied when none is configured.
	defaultMaxAttempts = 10

	// finaliseReservePercentage is the floor share of remaining time the
	// finalise phase gets even when the configured percentage is lower.
	finaliseReservePercentage = 0.8
)

type (
	// Settings configures a consumer. Zero values select the documented
	// defaults; the required fields are StreamType, Runtime, Store and the
	// ExtractMessages callback.
	Settings struct {
		// StreamType selects shard-derived vs event-derived batch keying
		// and the record shapes the consumer expects. Required.
		StreamType stream.Type

		// ConsumerID uniquely identifies this subscription in batch keys.
		// When blank it is derived from the host function name and alias.
		ConsumerID string

		// ConsumerIDSuffix distinguishes multiple subscriptions of the
		// same function. Appended to derived and explicit ids alike.
		ConsumerIDSuffix string

		// SequencingRequired makes sequencing anomalies (conflicting part
		// names at the same ordinal) fail the invocation instead of
		// logging a warning.
		SequencingRequired bool

		// SequencingPerKey links messages into one chain per sequencing
		// key. When false all messages form a single global chain.
		SequencingPerKey bool

		// BatchKeyedOnEventID forces event-id batch keying even for
		// records that carry a shard prefix.
		BatchKeyedOnEventID bool

		// TimeoutAtPercentageOfRemainingTime bounds the process phase to
		// this fraction of the invocation's remaining time. Must be in
		// (0,1]; zero selects the default.
		TimeoutAtPercentageOfRemainingTime float64

		// MaxNumberOfAttempts is the per-task retry cap before a task is
		// discarded. Zero selects the default.
		MaxNumberOfAttempts int

		// IDPropertyNames, KeyPropertyNames and SeqNoPropertyNames name
		// the message properties forming the identity triple. All three
		// are optional; see identify.Resolver for the fallback policy.
		IDPropertyNames    []string
		KeyPropertyNames   []string
		SeqNoPropertyNames []string

		// AvoidESMCache bypasses the per-process cache of disabled
		// event-source bindings so every fatal error re-disables.
		AvoidESMCache bool

		// CheckpointTTL expires checkpoint items this long after their
		// last save. Zero stores them without expiry.
		CheckpointTTL time.Duration

		// Runtime exposes the invocation environment. Required.
		Runtime host.Runtime

		// Store persists checkpoints. Required.
		Store checkpoint.Store

		// DeadMessages receives rejected messages. Optional; when nil
		// rejected messages are logged and dropped.
		DeadMessages deadletter.Publisher

		// DeadRecords receives unusable records. Optional.
		DeadRecords deadletter.Publisher

		// ControlPlane disables event-source bindings on fatal errors.
		// Optional; when nil fatal errors only surface.
		ControlPlane esm.ControlPlane

		// Logger is used for all diagnostics. When nil, defaults to a
		// no-op logger.
		Logger telemetry.Logger

		// Metrics receives terminal-outcome counters and phase timers.
		// When nil, defaults to no-op.
		Metrics telemetry.Metrics

		// Tracer wraps each invocation and phase in a span. When nil,
		// defaults to no-op.
		Tracer telemetry.Tracer
	}

	// Callbacks supplies the user-defined behaviour of the consumer. The
	// task templates carry the business logic; the hooks bracket the
	// lifecycle.
	Callbacks struct {
		// ExtractMessages decodes a record (or one of its user records)
		// into messages. Returning an error marks the record unusable;
		// returning no messages and no error skips the record. Required.
		ExtractMessages func(ctx context.Context, rec *stream.Record, ur *stream.UserRecord) ([]stream.Message, error)

		// ProcessOne templates run once per message, honoring per-key
		// chain order. Task items are *batch.MessageState.
		ProcessOne []*task.Template

		// ProcessAll templates run once per batch as master tasks
		// mirrored onto every message. Task items are *batch.Batch.
		ProcessAll []*task.Template

		// DiscardUnusableRecord overrides the default dead-record
		// publish. Task items are *batch.UnusableRecordState.
		DiscardUnusableRecord task.Executor

		// DiscardRejectedMessage overrides the default dead-message
		// publish. Task items are *batch.MessageState.
		DiscardRejectedMessage task.Executor

		// PreProcess runs at the end of the initiate phase, after prior
		// state is restored and before any processing starts.
		PreProcess func(ctx context.Context, b *batch.Batch) error

		// PreFinalise runs at the end of the process phase, inside its
		// deadline.
		PreFinalise func(ctx context.Context, b *batch.Batch) error

		// PostFinalise runs after the checkpoint save succeeded.
		PostFinalise func(ctx context.Context, b *batch.Batch) error
	}
)

// Validate checks the settings for the required fields and legal ranges.
func (s *Settings) Validate() error {
	if !s.StreamType.Valid() {
		return fmt.Errorf("consumer: unknown stream type %q", s.StreamType)
	}
	if s.Runtime == nil {
		return errors.New("consumer: host runtime is required")
	}
	if s.Store == nil {
		return errors.New("consumer: checkpoint store is required")
	}
	if p := s.TimeoutAtPercentageOfRemainingTime; p < 0 || p > 1 {
		return fmt.Errorf("consumer: timeout percentage %v outside (0,1]", p)
	}
	if s.MaxNumberOfAttempts < 0 {
		return fmt.Errorf("consumer: max attempts must not be negative, got %d", s.MaxNumberOfAttempts)
	}
	return nil
}

// Validate checks that the required callbacks are present.
func (c *Callbacks) Validate() error {
	if c.ExtractMessages == nil {
		return errors.New("consumer: the extract-messages callback is required")
	}
	if len(c.ProcessOne) == 0 && len(c.ProcessAll) == 0 {
		return errors.New("consumer: at least one process-one or process-all task template is required")
	}
	return nil
}

// consumerID resolves the effective consumer identity: the explicit id wins,
// otherwise the host function name and alias are joined, and the suffix is
// appended either way.
func (s *Settings) consumerID(ctx context.Context) (string, error) {
	id := s.ConsumerID
	if id == "" {
		ident := s.Runtime.Identity(ctx)
		id = ident.FunctionName
		if ident.Alias != "" {
			id += ":" + ident.Alias
		}
	}
	if s.ConsumerIDSuffix != "" {
		id += ":" + s.ConsumerIDSuffix
	}
	if id == "" {
		return "", errors.New("consumer: consumer id is blank and cannot be derived from the host identity")
	}
	return id, nil
}

func (s *Settings) timeoutPercentage() float64 {
	if s.TimeoutAtPercentageOfRemainingTime == 0 {
		return defaultTimeoutPercentage
	}
	return s.TimeoutAtPercentageOfRemainingTime
}

func (s *Settings) maxAttempts() int {
	if s.MaxNumberOfAttempts == 0 {
		return defaultMaxAttempts
	}
	return s.MaxNumberOfAttempts
}
