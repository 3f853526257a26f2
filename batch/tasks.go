package batch

import (
	"context"

	"goa.design/shardflow/task"
)

// ReviveTasks reconstitutes live task trees for every message, rejected
// message, unusable record and the batch itself from their persisted snapshot
// overlays (set during checkpoint restoration), merged with the batch's task
// templates. Master process-all tasks are wired to mirror onto the
// per-message tasks of the same name. Items without overlays get fresh trees.
func (b *Batch) ReviveTasks() {
	b.mu.Lock()
	msgs := append([]*MessageState(nil), b.msgs...)
	rejected := append([]*MessageState(nil), b.rejected...)
	unusable := append([]*UnusableRecordState(nil), b.unusable...)
	b.mu.Unlock()

	for _, ms := range msgs {
		ones, alls, discards := ms.PriorTasks()
		ms.mu.Lock()
		ms.ones = task.ReviveMap(b.defs.ProcessOne, ones, ms, task.ReviveAndCreateMissing)
		ms.alls = task.ReviveMap(b.defs.ProcessAll, alls, ms, task.ReviveAndCreateMissing)
		ms.discards = task.ReviveMap(discardTemplates(b.defs.DiscardRejected), discards, ms, task.ReviveOnlyExisting)
		ms.mu.Unlock()
	}
	for _, ms := range rejected {
		// Rejected messages never process again; only persisted remnants and
		// their discard tasks revive.
		ones, alls, discards := ms.PriorTasks()
		ms.mu.Lock()
		ms.ones = task.ReviveMap(b.defs.ProcessOne, ones, ms, task.ReviveOnlyExisting)
		ms.alls = task.ReviveMap(b.defs.ProcessAll, alls, ms, task.ReviveOnlyExisting)
		ms.discards = task.ReviveMap(discardTemplates(b.defs.DiscardRejected), discards, ms, task.ReviveOnlyExisting)
		ms.mu.Unlock()
	}
	for _, us := range unusable {
		prior := us.PriorTasks()
		us.mu.Lock()
		us.discards = task.ReviveMap(discardTemplates(b.defs.DiscardUnusable), prior, us, task.ReviveOnlyExisting)
		us.mu.Unlock()
	}

	alls, initiating, processing, finalising := b.state.PriorTasks()
	b.state.mu.Lock()
	b.state.alls = task.ReviveMap(b.defs.ProcessAll, alls, b, task.ReviveAndCreateMissing)
	b.state.priorInitiating = initiating
	b.state.priorProcessing = processing
	b.state.priorFinalising = finalising
	masters := b.state.alls
	b.state.mu.Unlock()

	// Wire master -> slave mirroring between batch-level alls and the
	// per-message alls of the same name.
	for name, master := range masters {
		slaves := make([]*task.Task, 0, len(msgs))
		for _, ms := range msgs {
			if slave := ms.Alls()[name]; slave != nil {
				slaves = append(slaves, slave)
			}
		}
		master.SetSlaves(slaves...)
	}
}

// RevivePhaseTask reconstitutes (or creates) the named phase's task from the
// batch state's persisted snapshot and the given template, registering it in
// the phase map.
func (b *Batch) RevivePhaseTask(phase string, tmpl *task.Template) *task.Task {
	b.state.mu.Lock()
	defer b.state.mu.Unlock()
	var prior map[string]*task.Snapshot
	var slot *map[string]*task.Task
	switch phase {
	case PhaseInitiating:
		prior, slot = b.state.priorInitiating, &b.state.initiating
	case PhaseProcessing:
		prior, slot = b.state.priorProcessing, &b.state.processing
	case PhaseFinalising:
		prior, slot = b.state.priorFinalising, &b.state.finalising
	default:
		return nil
	}
	t := task.Revive(tmpl, prior[tmpl.Name], b, task.ReviveAndCreateMissing)
	if t == nil {
		t = task.New(tmpl, b)
	}
	if *slot == nil {
		*slot = map[string]*task.Task{}
	}
	(*slot)[tmpl.Name] = t
	return t
}

// DiscardUnusableRecords executes the not-yet-finalised discard task of every
// unusable record, creating the task on first use, and accumulates the
// outcomes. The context carries the phase deadline.
func (b *Batch) DiscardUnusableRecords(ctx context.Context) []*task.Outcome {
	b.mu.Lock()
	unusable := append([]*UnusableRecordState(nil), b.unusable...)
	b.mu.Unlock()

	var outcomes []*task.Outcome
	for _, us := range unusable {
		t := us.ensureDiscard(b.defs.DiscardUnusable)
		if t.IsFullyFinalised() {
			continue
		}
		outcomes = append(outcomes, t.Execute(ctx))
	}
	return outcomes
}

// DiscardRejectedMessages first moves any message that became fully finalised
// with a rejected sub-task from the message list to the rejected list, then
// executes the not-yet-finalised discard task of every rejected message.
func (b *Batch) DiscardRejectedMessages(ctx context.Context) []*task.Outcome {
	b.moveFinalisedButRejected()

	b.mu.Lock()
	rejected := append([]*MessageState(nil), b.rejected...)
	b.mu.Unlock()

	var outcomes []*task.Outcome
	for _, ms := range rejected {
		t := ms.ensureDiscard(b.defs.DiscardRejected)
		if t.IsFullyFinalised() {
			continue
		}
		outcomes = append(outcomes, t.Execute(ctx))
	}
	return outcomes
}

// moveFinalisedButRejected relocates messages whose task trees are fully
// finalised but contain a rejection (rejected, discarded or abandoned
// sub-task) so the finalise phase dead-letters them.
func (b *Batch) moveFinalisedButRejected() {
	b.mu.Lock()
	defer b.mu.Unlock()
	var kept []*MessageState
	for _, ms := range b.msgs {
		if messageTasksFullyFinalised(ms) && messageTasksContainRejection(ms) {
			if ms.ReasonRejected() == "" {
				ms.MarkRejected(rejectionReason(ms))
			}
			b.rejected = append(b.rejected, ms)
			continue
		}
		kept = append(kept, ms)
	}
	b.msgs = kept
}

// MoveMessageToRejected relocates a message state from the message list to
// the rejected list, recording reason when the state carries none. Used by
// the checkpoint codec when a prior invocation had already rejected the
// message.
func (b *Batch) MoveMessageToRejected(ms *MessageState, reason string) {
	if ms.ReasonRejected() == "" && reason != "" {
		ms.MarkRejected(reason)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, m := range b.msgs {
		if m == ms {
			b.msgs = append(b.msgs[:i], b.msgs[i+1:]...)
			b.rejected = append(b.rejected, ms)
			return
		}
	}
}

// DiscardProcessingTasksIfOverAttempted applies the retry cap to every
// processing task (per-message ones and alls plus the batch-level masters).
// Returns the number of tasks discarded.
func (b *Batch) DiscardProcessingTasksIfOverAttempted(maxAttempts int) int {
	n := 0
	b.forEachProcessingTask(func(t *task.Task) {
		n += t.DiscardIfOverAttempted(maxAttempts, true)
	})
	return n
}

// DiscardFinalisingTasksIfOverAttempted applies the retry cap to every
// finalising task (discard tasks of messages, rejected messages and unusable
// records). Returns the number of tasks discarded.
func (b *Batch) DiscardFinalisingTasksIfOverAttempted(maxAttempts int) int {
	n := 0
	b.forEachFinalisingTask(func(t *task.Task) {
		n += t.DiscardIfOverAttempted(maxAttempts, true)
	})
	return n
}

// AbandonDeadProcessingTasks abandons unusable, unstarted processing tasks
// that are the only thing keeping their roots from finalising. Returns the
// number of tasks abandoned.
func (b *Batch) AbandonDeadProcessingTasks() int {
	n := 0
	b.forEachProcessingTask(func(t *task.Task) {
		n += t.AbandonDead("abandoned dead task with no definition")
	})
	return n
}

// AbandonDeadFinalisingTasks abandons unusable, unstarted finalising tasks.
func (b *Batch) AbandonDeadFinalisingTasks() int {
	n := 0
	b.forEachFinalisingTask(func(t *task.Task) {
		n += t.AbandonDead("abandoned dead task with no definition")
	})
	return n
}

// FreezeProcessingTasks stops all further transitions on processing tasks.
// Called once the process-phase race is decided.
func (b *Batch) FreezeProcessingTasks() {
	b.forEachProcessingTask(func(t *task.Task) { t.Freeze() })
}

// FreezeFinalisingTasks stops all further transitions on finalising tasks.
func (b *Batch) FreezeFinalisingTasks() {
	b.forEachFinalisingTask(func(t *task.Task) { t.Freeze() })
}

// TimeoutProcessingTasks marks every not-yet-finalised processing task as
// timed out with reversible-attempt semantics, so the interrupted work does
// not consume the retry budget. Returns the number of tasks timed out.
func (b *Batch) TimeoutProcessingTasks(err error) int {
	n := 0
	b.forEachProcessingTask(func(t *task.Task) {
		if timedOut, terr := t.Timeout(err, task.TimeoutOpts{ReverseAttempt: true}); terr == nil && timedOut {
			n++
		}
	})
	return n
}

// TimeoutFinalisingTasks marks every not-yet-finalised finalising task as
// timed out with reversible-attempt semantics.
func (b *Batch) TimeoutFinalisingTasks(err error) int {
	n := 0
	b.forEachFinalisingTask(func(t *task.Task) {
		if timedOut, terr := t.Timeout(err, task.TimeoutOpts{ReverseAttempt: true}); terr == nil && timedOut {
			n++
		}
	})
	return n
}

// IsFullyFinalised reports whether every item in the batch reached a terminal
// outcome: all per-message processing tasks are fully finalised, the batch's
// master tasks are fully finalised, and every rejected message and unusable
// record has a fully finalised discard task (its dead-letter publish
// happened).
func (b *Batch) IsFullyFinalised() bool {
	b.mu.Lock()
	msgs := append([]*MessageState(nil), b.msgs...)
	rejected := append([]*MessageState(nil), b.rejected...)
	unusable := append([]*UnusableRecordState(nil), b.unusable...)
	b.mu.Unlock()

	for _, ms := range msgs {
		if !messageTasksFullyFinalised(ms) {
			return false
		}
	}
	for _, ms := range rejected {
		if !discardsFullyFinalised(ms.Discards()) {
			return false
		}
	}
	for _, us := range unusable {
		if !discardsFullyFinalised(us.Discards()) {
			return false
		}
	}
	for _, t := range b.state.Alls() {
		if !t.IsFullyFinalised() {
			return false
		}
	}
	return true
}

func (b *Batch) forEachProcessingTask(f func(*task.Task)) {
	b.mu.Lock()
	msgs := append([]*MessageState(nil), b.msgs...)
	b.mu.Unlock()
	for _, t := range b.state.Alls() {
		f(t)
	}
	for _, ms := range msgs {
		for _, t := range ms.Ones() {
			f(t)
		}
		for _, t := range ms.Alls() {
			f(t)
		}
	}
}

func (b *Batch) forEachFinalisingTask(f func(*task.Task)) {
	b.mu.Lock()
	msgs := append([]*MessageState(nil), b.msgs...)
	rejected := append([]*MessageState(nil), b.rejected...)
	unusable := append([]*UnusableRecordState(nil), b.unusable...)
	b.mu.Unlock()
	for _, ms := range msgs {
		for _, t := range ms.Discards() {
			f(t)
		}
	}
	for _, ms := range rejected {
		for _, t := range ms.Discards() {
			f(t)
		}
	}
	for _, us := range unusable {
		for _, t := range us.Discards() {
			f(t)
		}
	}
}

func (m *MessageState) ensureDiscard(tmpl *task.Template) *task.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.discards == nil {
		m.discards = map[string]*task.Task{}
	}
	if t, ok := m.discards[tmpl.Name]; ok {
		return t
	}
	t := task.New(tmpl, m)
	m.discards[tmpl.Name] = t
	return t
}

func (u *UnusableRecordState) ensureDiscard(tmpl *task.Template) *task.Task {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.discards == nil {
		u.discards = map[string]*task.Task{}
	}
	if t, ok := u.discards[tmpl.Name]; ok {
		return t
	}
	t := task.New(tmpl, u)
	u.discards[tmpl.Name] = t
	return t
}

func messageTasksFullyFinalised(ms *MessageState) bool {
	for _, t := range ms.Ones() {
		if !t.IsFullyFinalised() {
			return false
		}
	}
	for _, t := range ms.Alls() {
		if !t.IsFullyFinalised() {
			return false
		}
	}
	for _, t := range ms.Discards() {
		if !t.IsFullyFinalised() {
			return false
		}
	}
	return true
}

func messageTasksContainRejection(ms *MessageState) bool {
	for _, t := range ms.Ones() {
		if t.ContainsRejection() {
			return true
		}
	}
	for _, t := range ms.Alls() {
		if t.ContainsRejection() {
			return true
		}
	}
	return false
}

// discardsFullyFinalised requires at least one fully finalised discard task:
// a rejected message or unusable record is only drained once its dead-letter
// publish succeeded.
func discardsFullyFinalised(discards map[string]*task.Task) bool {
	if len(discards) == 0 {
		return false
	}
	for _, t := range discards {
		if !t.IsFullyFinalised() {
			return false
		}
	}
	return true
}

func rejectionReason(ms *MessageState) string {
	for _, t := range ms.Ones() {
		if r := firstRejectionReason(t); r != "" {
			return r
		}
	}
	for _, t := range ms.Alls() {
		if r := firstRejectionReason(t); r != "" {
			return r
		}
	}
	return "task(s) rejected"
}

func firstRejectionReason(t *task.Task) string {
	if t.State().Rejection() {
		if r := t.Reason(); r != "" {
			return r
		}
		return string(t.State())
	}
	for _, c := range t.Children() {
		if r := firstRejectionReason(c); r != "" {
			return r
		}
	}
	return ""
}

func discardTemplates(tmpl *task.Template) []*task.Template {
	if tmpl == nil {
		return nil
	}
	return []*task.Template{tmpl}
}
