// Package batch implements the aggregate owning one invocation's records,
// messages, rejected messages and unusable records, together with their
// tracked states and task trees. The batch is the sole owner of all tracked
// state; every other component reaches items through it.
package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"goa.design/shardflow/faults"
	"goa.design/shardflow/identify"
	"goa.design/shardflow/sequence"
	"goa.design/shardflow/stream"
	"goa.design/shardflow/task"
	"goa.design/shardflow/telemetry"
)

// Phase names used for the batch-level phase task maps.
const (
	PhaseInitiating = "initiating"
	PhaseProcessing = "processing"
	PhaseFinalising = "finalising"
)

type (
	// Key is the primary checkpoint key of a batch: the stream-consumer
	// identity plus the shard (or first event) the records came from.
	Key struct {
		// StreamConsumerID has the shape "{K|D}|{streamName}|{consumerId}".
		StreamConsumerID string
		// ShardOrEventID has the shape "S|{shardId}" or "E|{eventID}".
		ShardOrEventID string
	}

	// TaskDefs catalogs the task templates of a batch: the per-message
	// process-one templates, the batch-wide process-all templates and the
	// two discard templates. The discard templates are required.
	TaskDefs struct {
		ProcessOne      []*task.Template
		ProcessAll      []*task.Template
		DiscardUnusable *task.Template
		DiscardRejected *task.Template
	}

	// Batch owns all tracked state for one invocation.
	Batch struct {
		mu sync.Mutex

		key     Key
		records []*stream.Record

		msgs     []*MessageState
		rejected []*MessageState
		unusable []*UnusableRecordState
		state    *BatchState

		firstToProcess []*MessageState

		// previouslySaved is nil when unknown; the checkpoint codec then
		// tries a conditional insert first and lets the conditional-check
		// failure path decide. Never persisted.
		previouslySaved *bool

		defs     TaskDefs
		resolver identify.Resolver
		seqOpts  sequence.Options
		logger   telemetry.Logger
	}
)

// IsValid reports whether both key halves are non-blank.
func (k Key) IsValid() bool {
	return k.StreamConsumerID != "" && k.ShardOrEventID != ""
}

// String renders the key for logs.
func (k Key) String() string {
	return k.StreamConsumerID + " " + k.ShardOrEventID
}

// NewKey derives the batch key for the given records. The stream-consumer
// half prefixes the stream kind ("K" or "D"), the source stream name (for
// DynamoDB streams this embeds "{tableName}/{streamTimestamp}") and the
// consumer identity. The shard-or-event half is shard-derived when the first
// record carries a shard prefix and event-ID keying is not forced.
func NewKey(st stream.Type, consumerID string, records []*stream.Record, keyOnEventID bool) (Key, error) {
	if consumerID == "" {
		return Key{}, errors.New("batch: consumer id must not be blank")
	}
	if len(records) == 0 {
		return Key{}, errors.New("batch: cannot derive a key from zero records")
	}
	first := records[0]
	prefix := "K"
	if st == stream.DynamoDB {
		prefix = "D"
	}
	key := Key{StreamConsumerID: prefix + "|" + first.SourceStreamName() + "|" + consumerID}
	if shard := first.ShardID(); shard != "" && !keyOnEventID {
		key.ShardOrEventID = "S|" + shard
	} else {
		key.ShardOrEventID = "E|" + first.EventID
	}
	if !key.IsValid() {
		return Key{}, fmt.Errorf("batch: derived invalid key %q from first record %q", key, first.EventID)
	}
	return key, nil
}

// Validate checks that the required discard templates are present and that
// every template tree is well formed.
func (d *TaskDefs) Validate() error {
	if d.DiscardUnusable == nil {
		return errors.New("batch: discard-unusable-record task template is required")
	}
	if d.DiscardRejected == nil {
		return errors.New("batch: discard-rejected-message task template is required")
	}
	all := make([]*task.Template, 0, len(d.ProcessOne)+len(d.ProcessAll)+2)
	all = append(all, d.ProcessOne...)
	all = append(all, d.ProcessAll...)
	all = append(all, d.DiscardUnusable, d.DiscardRejected)
	for _, tp := range all {
		if err := tp.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// New constructs a batch for the given records. Construction fails when the
// discard templates are missing, since without them terminal routing is
// impossible and no record could ever be drained.
func New(key Key, records []*stream.Record, defs TaskDefs, resolver identify.Resolver, seqOpts sequence.Options, logger telemetry.Logger) (*Batch, error) {
	if err := defs.Validate(); err != nil {
		return nil, faults.Fatal("batch construction failed", err)
	}
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Batch{
		key:      key,
		records:  records,
		state:    &BatchState{},
		defs:     defs,
		resolver: resolver,
		seqOpts:  seqOpts,
		logger:   logger,
	}, nil
}

// Key returns the batch key.
func (b *Batch) Key() Key { return b.key }

// Records returns the inbound records.
func (b *Batch) Records() []*stream.Record { return b.records }

// Messages returns the states of messages still eligible for processing.
func (b *Batch) Messages() []*MessageState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*MessageState(nil), b.msgs...)
}

// RejectedMessages returns the states of rejected messages.
func (b *Batch) RejectedMessages() []*MessageState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*MessageState(nil), b.rejected...)
}

// UnusableRecords returns the states of unusable records.
func (b *Batch) UnusableRecords() []*UnusableRecordState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*UnusableRecordState(nil), b.unusable...)
}

// State returns the batch's own tracked state.
func (b *Batch) State() *BatchState { return b.state }

// TaskDefs returns the batch's task template catalog.
func (b *Batch) TaskDefs() TaskDefs { return b.defs }

// FirstMessagesToProcess returns the heads of the sequencing chains. Empty
// until Sequence has run.
func (b *Batch) FirstMessagesToProcess() []*MessageState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*MessageState(nil), b.firstToProcess...)
}

// PreviouslySaved reports whether the batch key has been saved before. Nil
// means unknown.
func (b *Batch) PreviouslySaved() *bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.previouslySaved
}

// SetPreviouslySaved records whether the batch key exists in the checkpoint
// store.
func (b *Batch) SetPreviouslySaved(saved bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.previouslySaved = &saved
}

// AddMessage tracks a message extracted from record (and optionally a
// deaggregated user record). A message whose identity cannot be resolved is
// tracked as rejected with the resolver error as its reason; invalid inputs
// (no message at all) are routed to the unusable list instead. Digest
// derivation failures are fatal: without digests the message cannot be
// matched across invocations.
func (b *Batch) AddMessage(msg stream.Message, rec *stream.Record, ur *stream.UserRecord) (*MessageState, error) {
	if msg == nil {
		b.AddUnusableRecord(rec, ur, "no message could be extracted from record")
		return nil, nil
	}
	digests, err := identify.DeriveDigests(msg, rec, ur)
	if err != nil {
		return nil, faults.Fatal("derive message digests", err)
	}
	coords := identify.ResolveCoordinates(rec, ur)
	ms := &MessageState{
		msg:        msg,
		record:     rec,
		userRecord: ur,
		digests:    digests,
		coords:     coords,
	}

	identity, rerr := b.resolver.Resolve(msg, coords)
	ms.identity = identity
	ms.desc = describeMessage(identity, coords)

	b.mu.Lock()
	defer b.mu.Unlock()
	if rerr != nil {
		ms.reasonRejected = rerr.Error()
		b.rejected = append(b.rejected, ms)
		b.logger.Warn(context.Background(), "message rejected during identity resolution",
			"eventId", coords.EventID, "reason", rerr.Error())
		return ms, nil
	}
	b.msgs = append(b.msgs, ms)
	return ms, nil
}

// AddUnusableRecord tracks a record that could not be decoded into a message.
func (b *Batch) AddUnusableRecord(rec *stream.Record, ur *stream.UserRecord, reason string) *UnusableRecordState {
	if reason == "" {
		reason = "unusable record"
	}
	digests, err := identify.DeriveDigests(nil, rec, ur)
	if err != nil {
		// The record resists even digesting; track it with coordinates only.
		digests = identify.Digests{}
	}
	us := &UnusableRecordState{
		record:         rec,
		userRecord:     ur,
		digests:        digests,
		coords:         identify.ResolveCoordinates(rec, ur),
		reasonUnusable: reason,
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unusable = append(b.unusable, us)
	return us
}

// Sequence normalizes all messages' sequence parts and links each key chain
// through prev/next. The chain heads become FirstMessagesToProcess. A single
// message short-circuits: it forms its own chain with no comparison work.
func (b *Batch) Sequence(ctx context.Context) error {
	b.mu.Lock()
	msgs := append([]*MessageState(nil), b.msgs...)
	b.mu.Unlock()

	for _, ms := range msgs {
		ms.resetLinks()
	}
	if len(msgs) <= 1 {
		b.mu.Lock()
		b.firstToProcess = msgs
		b.mu.Unlock()
		return nil
	}

	chains, err := sequence.Chains(ctx, msgs, b.seqOpts, b.logger)
	if err != nil {
		return err
	}
	heads := make([]*MessageState, 0, len(chains))
	for _, chain := range chains {
		for i := 0; i < len(chain)-1; i++ {
			chain[i].mu.Lock()
			chain[i].next = chain[i+1]
			chain[i].mu.Unlock()
			chain[i+1].mu.Lock()
			chain[i+1].prev = chain[i]
			chain[i+1].mu.Unlock()
		}
		if len(chain) > 0 {
			heads = append(heads, chain[0])
		}
	}
	b.mu.Lock()
	b.firstToProcess = heads
	b.mu.Unlock()
	return nil
}

func describeMessage(id identify.Identity, coords identify.Coordinates) string {
	switch {
	case id.ID != "":
		return "message (" + id.ID + ")"
	case coords.EventID != "":
		return "message (eventId " + coords.EventID + ")"
	}
	return "message"
}
