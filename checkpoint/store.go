package checkpoint

import (
	"context"
	"errors"
	"time"

	"goa.design/shardflow/batch"
	"goa.design/shardflow/faults"
	"goa.design/shardflow/telemetry"
)

// ErrConditionFailed is returned by Store implementations when a conditional
// write lost: an insert found the key already present, or an update found it
// absent. The saver uses it to flip between insert and update.
var ErrConditionFailed = errors.New("checkpoint: write condition failed")

// Store persists checkpoint items. Load returns (nil, nil) when the key has
// never been saved. Save with insert set must fail with ErrConditionFailed
// when the key already exists, and without insert when it does not, so the
// saver can learn the key's true state from a lost race.
type Store interface {
	Load(ctx context.Context, key batch.Key) (*Item, error)
	Save(ctx context.Context, it *Item, insert bool) error
	Delete(ctx context.Context, key batch.Key) error
}

// Saver drives checkpoint persistence for a batch: it restores prior state at
// the start of an invocation and saves snapshots during and at the end of it,
// tracking whether the key already exists so every write uses the cheapest
// correct condition.
type Saver struct {
	store  Store
	ttl    time.Duration
	logger telemetry.Logger
}

// NewSaver constructs a saver. A zero ttl disables item expiry.
func NewSaver(store Store, ttl time.Duration, logger telemetry.Logger) *Saver {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Saver{store: store, ttl: ttl, logger: logger}
}

// Restore loads the batch's persisted item, if any, and overlays it onto the
// batch. Records whether the key was previously saved.
func (s *Saver) Restore(ctx context.Context, b *batch.Batch) error {
	it, err := s.store.Load(ctx, b.Key())
	if err != nil {
		return faults.Transient("load checkpoint", err)
	}
	Restore(it, b)
	if it != nil {
		s.logger.Debug(ctx, "checkpoint restored", "key", b.Key().String(),
			"messages", len(it.Messages), "rejected", len(it.Rejected), "unusable", len(it.Unusable))
	}
	return nil
}

// Save serializes the batch and writes it. When the key's existence is
// unknown a conditional insert goes first; a lost condition means another
// invocation (or a prior phase) saved it already and the write is retried as
// an update. The reverse fallback covers items expired between invocations.
func (s *Saver) Save(ctx context.Context, b *batch.Batch) error {
	it := Serialize(b)
	if s.ttl > 0 {
		it.ExpiresAt = time.Now().Add(s.ttl).Unix()
	}

	insert := true
	if prev := b.PreviouslySaved(); prev != nil {
		insert = !*prev
	}

	err := s.store.Save(ctx, it, insert)
	if errors.Is(err, ErrConditionFailed) {
		s.logger.Debug(ctx, "checkpoint condition failed, retrying with inverse condition",
			"key", b.Key().String(), "insert", insert)
		insert = !insert
		err = s.store.Save(ctx, it, insert)
	}
	if err != nil {
		if faults.IsFatal(err) {
			return err
		}
		return faults.Transient("save checkpoint", err)
	}
	b.SetPreviouslySaved(true)
	return nil
}

// Delete removes the batch's persisted item. Used once a batch is fully
// finalised and its key will never be redelivered.
func (s *Saver) Delete(ctx context.Context, b *batch.Batch) error {
	if err := s.store.Delete(ctx, b.Key()); err != nil {
		return faults.Transient("delete checkpoint", err)
	}
	return nil
}
