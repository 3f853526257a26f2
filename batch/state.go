package batch

import (
	"sync"

	"goa.design/shardflow/identify"
	"goa.design/shardflow/stream"
	"goa.design/shardflow/task"
)

type (
	// MessageState is the tracked state of a single message within a batch:
	// its identity triple, content digests, event coordinates, task maps and
	// chain links. The batch owns every MessageState; links between states
	// are never owning references.
	MessageState struct {
		mu sync.Mutex

		msg        stream.Message
		record     *stream.Record
		userRecord *stream.UserRecord

		identity identify.Identity
		digests  identify.Digests
		coords   identify.Coordinates
		desc     string

		ones     map[string]*task.Task
		alls     map[string]*task.Task
		discards map[string]*task.Task

		priorOnes     map[string]*task.Snapshot
		priorAlls     map[string]*task.Snapshot
		priorDiscards map[string]*task.Snapshot

		prev *MessageState
		next *MessageState

		reasonRejected string
	}

	// UnusableRecordState is the tracked state of a record that could not be
	// decoded into a message at all. Its only tasks are discards.
	UnusableRecordState struct {
		mu sync.Mutex

		record     *stream.Record
		userRecord *stream.UserRecord

		digests identify.Digests
		coords  identify.Coordinates

		reasonUnusable string

		discards      map[string]*task.Task
		priorDiscards map[string]*task.Snapshot
	}

	// BatchState is the tracked state of the batch itself: the master
	// process-all tasks mirrored onto per-message tasks, and the three phase
	// task maps.
	BatchState struct {
		mu sync.Mutex

		alls       map[string]*task.Task
		initiating map[string]*task.Task
		processing map[string]*task.Task
		finalising map[string]*task.Task

		priorAlls       map[string]*task.Snapshot
		priorInitiating map[string]*task.Snapshot
		priorProcessing map[string]*task.Snapshot
		priorFinalising map[string]*task.Snapshot
	}
)

// Message returns the extracted message.
func (m *MessageState) Message() stream.Message { return m.msg }

// Record returns the record the message was extracted from, if tracked.
func (m *MessageState) Record() *stream.Record { return m.record }

// UserRecord returns the deaggregated user record, if any.
func (m *MessageState) UserRecord() *stream.UserRecord { return m.userRecord }

// Identity returns the resolved identity triple.
func (m *MessageState) Identity() identify.Identity { return m.identity }

// Digests returns the content digests.
func (m *MessageState) Digests() identify.Digests { return m.digests }

// Coordinates returns the event coordinates.
func (m *MessageState) Coordinates() identify.Coordinates { return m.coords }

// Ones returns the per-message process-one task map.
func (m *MessageState) Ones() map[string]*task.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ones
}

// Alls returns the per-message slave process-all task map.
func (m *MessageState) Alls() map[string]*task.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.alls
}

// Discards returns the per-message discard task map.
func (m *MessageState) Discards() map[string]*task.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.discards
}

// Prev returns the previous message in the state's key chain, or nil for a
// chain head.
func (m *MessageState) Prev() *MessageState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.prev
}

// Next returns the next message in the state's key chain, or nil for a chain
// tail.
func (m *MessageState) Next() *MessageState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.next
}

// ReasonRejected returns why the message was rejected, or the empty string.
func (m *MessageState) ReasonRejected() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reasonRejected
}

// MarkRejected records the rejection reason. The batch moves the state to its
// rejected list separately.
func (m *MessageState) MarkRejected(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reasonRejected = reason
}

// Describe returns a short description of the message for logs.
func (m *MessageState) Describe() string { return m.desc }

// SequenceKey implements sequence.Entry.
func (m *MessageState) SequenceKey() string { return m.identity.Key }

// SequencePairs implements sequence.Entry.
func (m *MessageState) SequencePairs() []identify.Pair { return m.identity.SeqNos }

// SetPriorTasks overlays persisted task snapshots onto the state. The
// overlays replace any current values and are the input to ReviveTasks.
func (m *MessageState) SetPriorTasks(ones, alls, discards map[string]*task.Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.priorOnes, m.priorAlls, m.priorDiscards = ones, alls, discards
}

// PriorTasks returns the persisted task snapshot overlays, if any.
func (m *MessageState) PriorTasks() (ones, alls, discards map[string]*task.Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.priorOnes, m.priorAlls, m.priorDiscards
}

// resetLinks clears the chain links ahead of (re-)sequencing.
func (m *MessageState) resetLinks() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prev, m.next = nil, nil
}

// Record returns the unusable record.
func (u *UnusableRecordState) Record() *stream.Record { return u.record }

// UserRecord returns the deaggregated user record, if any.
func (u *UnusableRecordState) UserRecord() *stream.UserRecord { return u.userRecord }

// Digests returns the content digests.
func (u *UnusableRecordState) Digests() identify.Digests { return u.digests }

// Coordinates returns the event coordinates.
func (u *UnusableRecordState) Coordinates() identify.Coordinates { return u.coords }

// ReasonUnusable returns why the record could not be used.
func (u *UnusableRecordState) ReasonUnusable() string { return u.reasonUnusable }

// Discards returns the per-record discard task map.
func (u *UnusableRecordState) Discards() map[string]*task.Task {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.discards
}

// SetPriorTasks overlays persisted discard snapshots onto the state.
func (u *UnusableRecordState) SetPriorTasks(discards map[string]*task.Snapshot) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.priorDiscards = discards
}

// PriorTasks returns the persisted discard snapshot overlays, if any.
func (u *UnusableRecordState) PriorTasks() map[string]*task.Snapshot {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.priorDiscards
}

// Alls returns the master process-all task map.
func (s *BatchState) Alls() map[string]*task.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alls
}

// PhaseTasks returns the task map for the named phase ("initiating",
// "processing" or "finalising"), or nil for an unknown phase.
func (s *BatchState) PhaseTasks(phase string) map[string]*task.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch phase {
	case PhaseInitiating:
		return s.initiating
	case PhaseProcessing:
		return s.processing
	case PhaseFinalising:
		return s.finalising
	}
	return nil
}

// SetPriorTasks overlays persisted batch-level snapshots onto the state.
func (s *BatchState) SetPriorTasks(alls, initiating, processing, finalising map[string]*task.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.priorAlls = alls
	s.priorInitiating = initiating
	s.priorProcessing = processing
	s.priorFinalising = finalising
}

// PriorTasks returns the persisted batch-level snapshot overlays, if any.
func (s *BatchState) PriorTasks() (alls, initiating, processing, finalising map[string]*task.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.priorAlls, s.priorInitiating, s.priorProcessing, s.priorFinalising
}
