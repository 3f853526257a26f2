// Package consumer implements the batch lifecycle orchestrator: it turns a
// batch of redelivered stream records into messages, restores prior progress
// from the checkpoint store, drives every item to a terminal outcome through
// the initiate, process and finalise phases, and either acknowledges the
// batch or fails the invocation so the host redelivers the same records.
package consumer

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/codes"

	"goa.design/shardflow/batch"
	"goa.design/shardflow/checkpoint"
	"goa.design/shardflow/deadletter"
	"goa.design/shardflow/esm"
	"goa.design/shardflow/faults"
	"goa.design/shardflow/identify"
	"goa.design/shardflow/sequence"
	"goa.design/shardflow/stream"
	"goa.design/shardflow/task"
	"goa.design/shardflow/telemetry"
)

// Consumer drives batches of stream records to terminal outcomes. A single
// Consumer serves the whole process lifetime; per-invocation state lives in
// the batch.
type Consumer struct {
	settings Settings
	cb       Callbacks
	saver    *checkpoint.Saver
	logger   telemetry.Logger
	metrics  telemetry.Metrics
	tracer   telemetry.Tracer

	mu       sync.Mutex
	disabler *esm.Disabler
}

// New constructs a consumer from settings and callbacks.
func New(settings Settings, cb Callbacks) (*Consumer, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	if err := cb.Validate(); err != nil {
		return nil, err
	}
	logger := settings.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := settings.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	tracer := settings.Tracer
	if tracer == nil {
		tracer = telemetry.NewNoopTracer()
	}
	return &Consumer{
		settings: settings,
		cb:       cb,
		saver:    checkpoint.NewSaver(settings.Store, settings.CheckpointTTL, logger),
		logger:   logger,
		metrics:  metrics,
		tracer:   tracer,
	}, nil
}

// ProcessRecords runs one invocation's lifecycle over records. A nil return
// acknowledges the batch: every item reached a terminal outcome and the
// checkpoint reflects it. A non-nil return asks the host to redeliver the
// same records; a fatal error additionally disables the event-source binding
// before surfacing.
func (c *Consumer) ProcessRecords(ctx context.Context, records []*stream.Record) error {
	if len(records) == 0 {
		return nil
	}

	ctx, span := c.tracer.Start(ctx, "shardflow.process_records")
	defer span.End()

	consumerID, err := c.settings.consumerID(ctx)
	if err != nil {
		return c.escalate(ctx, records, faults.Fatal("resolve consumer id", err))
	}
	key, err := batch.NewKey(c.settings.StreamType, consumerID, records, c.settings.BatchKeyedOnEventID)
	if err != nil {
		return c.escalate(ctx, records, faults.Fatal("derive batch key", err))
	}
	router, err := deadletter.NewRouter(consumerID, c.settings.DeadMessages, c.settings.DeadRecords, c.logger)
	if err != nil {
		return c.escalate(ctx, records, faults.Fatal("build dead-letter router", err))
	}

	b, err := batch.New(key, records, c.taskDefs(key, router), identify.Resolver{
		IDNames:    c.settings.IDPropertyNames,
		KeyNames:   c.settings.KeyPropertyNames,
		SeqNoNames: c.settings.SeqNoPropertyNames,
	}, sequence.Options{
		Required: c.settings.SequencingRequired,
		PerKey:   c.settings.SequencingPerKey,
	}, c.logger)
	if err != nil {
		return c.escalate(ctx, records, err)
	}

	outcomes := &outcomeSet{}
	if err := c.initiate(ctx, b); err != nil {
		return c.escalate(ctx, records, err)
	}
	c.process(ctx, b, outcomes)
	if ferr := c.finalise(ctx, b, outcomes); ferr != nil {
		outcomes.add(&task.Outcome{Err: ferr})
	}

	progress := b.AssessProgress()
	c.metrics.RecordGauge("shardflow.batch.messages", float64(progress.Messages+progress.Rejected+progress.Unusable))
	if err := b.SummarizeFinalResults(outcomes.all()); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "batch not acknowledged")
		c.logger.Warn(ctx, "batch not acknowledged, records will be redelivered",
			"key", key.String(), "progress", progress.String(), "err", err)
		return c.escalate(ctx, records, err)
	}
	c.metrics.IncCounter("shardflow.batches.finalised", 1)
	c.logger.Info(ctx, "batch finalised", "key", key.String(), "progress", progress.String())
	return nil
}

// taskDefs assembles the batch's task template catalog from the callbacks,
// defaulting the discard templates to dead-letter publishes.
func (c *Consumer) taskDefs(key batch.Key, router *deadletter.Router) batch.TaskDefs {
	discardUnusable := c.cb.DiscardUnusableRecord
	if discardUnusable == nil {
		discardUnusable = func(ctx context.Context, t *task.Task) (any, error) {
			us := t.Item().(*batch.UnusableRecordState)
			if err := router.PublishUnusableRecord(ctx, key, us); err != nil {
				return nil, err
			}
			c.metrics.IncCounter("shardflow.records.dead_lettered", 1)
			return nil, nil
		}
	}
	discardRejected := c.cb.DiscardRejectedMessage
	if discardRejected == nil {
		discardRejected = func(ctx context.Context, t *task.Task) (any, error) {
			ms := t.Item().(*batch.MessageState)
			if err := router.PublishRejectedMessage(ctx, key, ms); err != nil {
				return nil, err
			}
			c.metrics.IncCounter("shardflow.messages.dead_lettered", 1)
			return nil, nil
		}
	}
	return batch.TaskDefs{
		ProcessOne:      c.cb.ProcessOne,
		ProcessAll:      c.cb.ProcessAll,
		DiscardUnusable: &task.Template{Name: "discardUnusableRecord", Execute: discardUnusable},
		DiscardRejected: &task.Template{Name: "discardRejectedMessage", Execute: discardRejected},
	}
}

// extract decodes every record into messages, deaggregating user records when
// the record carries them. Extraction failures mark the record unusable, they
// never fail the invocation.
func (c *Consumer) extract(ctx context.Context, b *batch.Batch) error {
	for _, rec := range b.Records() {
		if len(rec.UserRecords) > 0 {
			for _, ur := range rec.UserRecords {
				if err := c.extractOne(ctx, b, rec, ur); err != nil {
					return err
				}
			}
			continue
		}
		if err := c.extractOne(ctx, b, rec, nil); err != nil {
			return err
		}
	}
	return nil
}

func (c *Consumer) extractOne(ctx context.Context, b *batch.Batch, rec *stream.Record, ur *stream.UserRecord) error {
	msgs, err := c.cb.ExtractMessages(ctx, rec, ur)
	if err != nil {
		b.AddUnusableRecord(rec, ur, err.Error())
		return nil
	}
	for _, msg := range msgs {
		if _, err := b.AddMessage(msg, rec, ur); err != nil {
			return err
		}
	}
	return nil
}

// escalate logs the surfaced error and, when it is fatal, disables the
// event-source binding so the poisoned records stop redelivering until an
// operator intervenes. The error always propagates.
func (c *Consumer) escalate(ctx context.Context, records []*stream.Record, err error) error {
	if !faults.IsFatal(err) {
		return err
	}
	c.logger.Error(ctx, "fatal error, disabling event-source binding", "err", err)
	if c.settings.ControlPlane == nil {
		return err
	}
	ident := c.settings.Runtime.Identity(ctx)
	c.mu.Lock()
	if c.disabler == nil {
		sourceARN := ""
		if len(records) > 0 {
			sourceARN = records[0].EventSourceARN
		}
		c.disabler = esm.NewDisabler(c.settings.ControlPlane, ident.FunctionName, sourceARN, c.logger)
	}
	d := c.disabler
	c.mu.Unlock()
	d.Disable(ctx, c.settings.AvoidESMCache)
	return err
}

// outcomeSet accumulates task outcomes across concurrent phase work.
type outcomeSet struct {
	mu       sync.Mutex
	outcomes []*task.Outcome
}

func (s *outcomeSet) add(outs ...*task.Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes = append(s.outcomes, outs...)
}

func (s *outcomeSet) all() []*task.Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*task.Outcome(nil), s.outcomes...)
}
