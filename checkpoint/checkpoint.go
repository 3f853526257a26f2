// Package checkpoint persists batch state between invocations and restores it
// when the host redelivers the same records. The codec projects a batch into a
// storable item keyed by the batch key, and matches persisted per-item records
// back onto the redelivered messages by identifier, falling back to content
// equality when identifiers are absent.
package checkpoint

import (
	"strings"
	"time"

	"goa.design/shardflow/batch"
	"goa.design/shardflow/identify"
	"goa.design/shardflow/task"
)

type (
	// Item is the persisted projection of one batch, stored under the batch
	// key. Live results, in-flight errors and the previously-saved flag are
	// deliberately not part of it.
	Item struct {
		// StreamConsumerID is the partition half of the batch key.
		StreamConsumerID string `json:"streamConsumerId" dynamodbav:"streamConsumerId"`
		// ShardOrEventID is the sort half of the batch key.
		ShardOrEventID string `json:"shardOrEventId" dynamodbav:"shardOrEventId"`

		Messages []*MessageRecord  `json:"messages,omitempty" dynamodbav:"messages,omitempty"`
		Rejected []*MessageRecord  `json:"rejected,omitempty" dynamodbav:"rejected,omitempty"`
		Unusable []*UnusableRecord `json:"unusable,omitempty" dynamodbav:"unusable,omitempty"`
		Batch    *BatchRecord      `json:"batch,omitempty" dynamodbav:"batch,omitempty"`

		// SavedAt is when the item was last written.
		SavedAt time.Time `json:"savedAt" dynamodbav:"savedAt"`
		// ExpiresAt is the epoch-seconds TTL attribute; zero disables expiry.
		ExpiresAt int64 `json:"expiresAt,omitempty" dynamodbav:"expiresAt,omitempty"`
	}

	// MessageRecord is the persisted state of one message (processed or
	// rejected): its identifier, fingerprints and task snapshots.
	MessageRecord struct {
		// BFK is the message's full identifier: identity, coordinates and
		// digests joined into one matchable string.
		BFK string `json:"bfk" dynamodbav:"bfk"`

		Identity identify.Identity    `json:"identity" dynamodbav:"identity"`
		Digests  identify.Digests     `json:"digests" dynamodbav:"digests"`
		Coords   identify.Coordinates `json:"coords" dynamodbav:"coords"`

		ReasonRejected string `json:"reasonRejected,omitempty" dynamodbav:"reasonRejected,omitempty"`

		Ones     map[string]*task.Snapshot `json:"ones,omitempty" dynamodbav:"ones,omitempty"`
		Alls     map[string]*task.Snapshot `json:"alls,omitempty" dynamodbav:"alls,omitempty"`
		Discards map[string]*task.Snapshot `json:"discards,omitempty" dynamodbav:"discards,omitempty"`
	}

	// UnusableRecord is the persisted state of one unusable record.
	UnusableRecord struct {
		BFK string `json:"bfk" dynamodbav:"bfk"`

		Digests identify.Digests     `json:"digests" dynamodbav:"digests"`
		Coords  identify.Coordinates `json:"coords" dynamodbav:"coords"`

		ReasonUnusable string `json:"reasonUnusable,omitempty" dynamodbav:"reasonUnusable,omitempty"`

		Discards map[string]*task.Snapshot `json:"discards,omitempty" dynamodbav:"discards,omitempty"`
	}

	// BatchRecord is the persisted state of the batch itself: the master
	// process-all tasks and the three phase task sets.
	BatchRecord struct {
		Alls       map[string]*task.Snapshot `json:"alls,omitempty" dynamodbav:"alls,omitempty"`
		Initiating map[string]*task.Snapshot `json:"initiating,omitempty" dynamodbav:"initiating,omitempty"`
		Processing map[string]*task.Snapshot `json:"processing,omitempty" dynamodbav:"processing,omitempty"`
		Finalising map[string]*task.Snapshot `json:"finalising,omitempty" dynamodbav:"finalising,omitempty"`
	}
)

// Key returns the batch key the item is stored under.
func (it *Item) Key() batch.Key {
	return batch.Key{StreamConsumerID: it.StreamConsumerID, ShardOrEventID: it.ShardOrEventID}
}

// bfk joins everything that identifies an item into one string. Two records
// with equal BFKs are the same item; records without identities still get a
// usable BFK from their coordinates and digests.
func bfk(id identify.Identity, coords identify.Coordinates, digests identify.Digests) string {
	parts := []string{
		id.ID, id.Key, id.SeqNo,
		coords.EventID, coords.EventSeqNo, coords.EventSubSeqNo,
		digests.Msg, digests.Rec, digests.UserRec, digests.Data,
	}
	return strings.Join(parts, "␟")
}

// matches reports whether the persisted record describes the given live
// message. The BFK decides when both sides carry one; otherwise content
// equality (digests plus coordinates) is the fallback, so messages survive a
// change of identifier configuration between deployments.
func (r *MessageRecord) matches(id identify.Identity, coords identify.Coordinates, digests identify.Digests) bool {
	if r.BFK != "" && r.BFK == bfk(id, coords, digests) {
		return true
	}
	return contentEqual(r.Digests, digests) && r.Coords == coords
}

func (r *UnusableRecord) matches(coords identify.Coordinates, digests identify.Digests) bool {
	if r.BFK != "" && r.BFK == bfk(identify.Identity{}, coords, digests) {
		return true
	}
	return contentEqual(r.Digests, digests) && r.Coords == coords
}

// contentEqual compares the strongest digest both sides carry.
func contentEqual(a, b identify.Digests) bool {
	switch {
	case a.Msg != "" && b.Msg != "":
		return a.Msg == b.Msg
	case a.Data != "" && b.Data != "":
		return a.Data == b.Data
	case a.UserRec != "" && b.UserRec != "":
		return a.UserRec == b.UserRec
	case a.Rec != "" && b.Rec != "":
		return a.Rec == b.Rec
	}
	return false
}

// Serialize projects the batch into its storable item. The TTL is applied by
// the saver, not here.
func Serialize(b *batch.Batch) *Item {
	key := b.Key()
	it := &Item{
		StreamConsumerID: key.StreamConsumerID,
		ShardOrEventID:   key.ShardOrEventID,
		SavedAt:          time.Now().UTC(),
	}
	for _, ms := range b.Messages() {
		it.Messages = append(it.Messages, messageRecord(ms))
	}
	for _, ms := range b.RejectedMessages() {
		it.Rejected = append(it.Rejected, messageRecord(ms))
	}
	for _, us := range b.UnusableRecords() {
		it.Unusable = append(it.Unusable, &UnusableRecord{
			BFK:            bfk(identify.Identity{}, us.Coordinates(), us.Digests()),
			Digests:        us.Digests(),
			Coords:         us.Coordinates(),
			ReasonUnusable: us.ReasonUnusable(),
			Discards:       task.SnapshotMap(us.Discards()),
		})
	}
	st := b.State()
	it.Batch = &BatchRecord{
		Alls:       task.SnapshotMap(st.Alls()),
		Initiating: task.SnapshotMap(st.PhaseTasks(batch.PhaseInitiating)),
		Processing: task.SnapshotMap(st.PhaseTasks(batch.PhaseProcessing)),
		Finalising: task.SnapshotMap(st.PhaseTasks(batch.PhaseFinalising)),
	}
	return it
}

func messageRecord(ms *batch.MessageState) *MessageRecord {
	return &MessageRecord{
		BFK:            bfk(ms.Identity(), ms.Coordinates(), ms.Digests()),
		Identity:       ms.Identity(),
		Digests:        ms.Digests(),
		Coords:         ms.Coordinates(),
		ReasonRejected: ms.ReasonRejected(),
		Ones:           task.SnapshotMap(ms.Ones()),
		Alls:           task.SnapshotMap(ms.Alls()),
		Discards:       task.SnapshotMap(ms.Discards()),
	}
}

// Restore overlays a persisted item onto a freshly populated batch. Each
// redelivered message is looked up among the persisted rejected records first:
// a message a prior invocation already rejected moves straight to the rejected
// list so it is never reprocessed. Remaining messages and unusable records are
// matched to their persisted counterparts and receive their task snapshot
// overlays; ReviveTasks then turns the overlays into live trees. Persisted
// records with no redelivered counterpart are dropped (their records fell out
// of the batch) and redelivered items without a persisted counterpart start
// fresh.
func Restore(it *Item, b *batch.Batch) {
	if it == nil {
		saved := false
		b.SetPreviouslySaved(saved)
		return
	}
	b.SetPreviouslySaved(true)

	for _, ms := range b.Messages() {
		id, coords, digests := ms.Identity(), ms.Coordinates(), ms.Digests()
		if rec := findMessage(it.Rejected, id, coords, digests); rec != nil {
			ms.SetPriorTasks(rec.Ones, rec.Alls, rec.Discards)
			b.MoveMessageToRejected(ms, rec.ReasonRejected)
			continue
		}
		if rec := findMessage(it.Messages, id, coords, digests); rec != nil {
			ms.SetPriorTasks(rec.Ones, rec.Alls, rec.Discards)
		}
	}
	// Messages rejected in this invocation (identity resolution) may still
	// have persisted state from a prior run.
	for _, ms := range b.RejectedMessages() {
		if ones, alls, discards := ms.PriorTasks(); ones != nil || alls != nil || discards != nil {
			continue
		}
		id, coords, digests := ms.Identity(), ms.Coordinates(), ms.Digests()
		rec := findMessage(it.Rejected, id, coords, digests)
		if rec == nil {
			rec = findMessage(it.Messages, id, coords, digests)
		}
		if rec != nil {
			ms.SetPriorTasks(rec.Ones, rec.Alls, rec.Discards)
		}
	}
	for _, us := range b.UnusableRecords() {
		for _, rec := range it.Unusable {
			if rec.matches(us.Coordinates(), us.Digests()) {
				us.SetPriorTasks(rec.Discards)
				break
			}
		}
	}
	if it.Batch != nil {
		b.State().SetPriorTasks(it.Batch.Alls, it.Batch.Initiating, it.Batch.Processing, it.Batch.Finalising)
	}
}

func findMessage(recs []*MessageRecord, id identify.Identity, coords identify.Coordinates, digests identify.Digests) *MessageRecord {
	for _, rec := range recs {
		if rec.matches(id, coords, digests) {
			return rec
		}
	}
	return nil
}
