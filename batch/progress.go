package batch

import (
	"errors"
	"fmt"
	"strings"

	"goa.design/shardflow/faults"
	"goa.design/shardflow/task"
)

// Progress is a point-in-time summary of how far a batch has gotten.
type Progress struct {
	// Messages is the number of messages still eligible for processing.
	Messages int
	// FinalisedMessages counts messages whose task trees are all terminal.
	FinalisedMessages int
	// Rejected is the number of rejected messages.
	Rejected int
	// DrainedRejected counts rejected messages with a finalised discard.
	DrainedRejected int
	// Unusable is the number of unusable records.
	Unusable int
	// DrainedUnusable counts unusable records with a finalised discard.
	DrainedUnusable int
	// TaskStates tallies every tracked task (including sub-tasks) by state.
	TaskStates map[task.State]int
}

// AssessProgress walks all tracked states and tallies the batch's progress.
func (b *Batch) AssessProgress() Progress {
	b.mu.Lock()
	msgs := append([]*MessageState(nil), b.msgs...)
	rejected := append([]*MessageState(nil), b.rejected...)
	unusable := append([]*UnusableRecordState(nil), b.unusable...)
	b.mu.Unlock()

	p := Progress{
		Messages:   len(msgs),
		Rejected:   len(rejected),
		Unusable:   len(unusable),
		TaskStates: map[task.State]int{},
	}
	for _, ms := range msgs {
		if messageTasksFullyFinalised(ms) {
			p.FinalisedMessages++
		}
		tallyTaskMap(p.TaskStates, ms.Ones())
		tallyTaskMap(p.TaskStates, ms.Alls())
		tallyTaskMap(p.TaskStates, ms.Discards())
	}
	for _, ms := range rejected {
		if discardsFullyFinalised(ms.Discards()) {
			p.DrainedRejected++
		}
		tallyTaskMap(p.TaskStates, ms.Ones())
		tallyTaskMap(p.TaskStates, ms.Alls())
		tallyTaskMap(p.TaskStates, ms.Discards())
	}
	for _, us := range unusable {
		if discardsFullyFinalised(us.Discards()) {
			p.DrainedUnusable++
		}
		tallyTaskMap(p.TaskStates, us.Discards())
	}
	tallyTaskMap(p.TaskStates, b.state.Alls())
	return p
}

// Complete reports whether every item reached a terminal outcome.
func (p Progress) Complete() bool {
	return p.FinalisedMessages == p.Messages &&
		p.DrainedRejected == p.Rejected &&
		p.DrainedUnusable == p.Unusable
}

// String renders the progress for logs.
func (p Progress) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "messages %d/%d finalised, rejected %d/%d drained, unusable %d/%d drained",
		p.FinalisedMessages, p.Messages, p.DrainedRejected, p.Rejected, p.DrainedUnusable, p.Unusable)
	for _, s := range []task.State{task.Unstarted, task.Started, task.Completed,
		task.Failed, task.TimedOut, task.Rejected, task.Discarded, task.Abandoned} {
		if n := p.TaskStates[s]; n > 0 {
			fmt.Fprintf(&sb, ", %s %d", s, n)
		}
	}
	return sb.String()
}

// Describe renders a short description of the batch for logs.
func (b *Batch) Describe() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return fmt.Sprintf("batch %s (%d records, %d messages, %d rejected, %d unusable)",
		b.key, len(b.records), len(b.msgs), len(b.rejected), len(b.unusable))
}

// SummarizeFinalResults folds the accumulated outcomes and the batch's
// finalisation status into the single error the host sees. A nil return means
// the batch is fully finalised and its records can be released. Any
// finalised-task violation escalates to a fatal error; otherwise the first
// task error surfaces, and an incomplete batch with no recorded error still
// returns an error so the host replays the records.
func (b *Batch) SummarizeFinalResults(outcomes []*task.Outcome) error {
	var first error
	for _, o := range outcomes {
		if o == nil || o.Err == nil {
			continue
		}
		if task.IsFinalisedError(o.Err) {
			return faults.Fatal("finalised task transitioned again", o.Err)
		}
		if faults.IsFatal(o.Err) {
			return o.Err
		}
		if first == nil {
			first = o.Err
		}
	}
	if b.IsFullyFinalised() {
		return nil
	}
	if first != nil {
		return fmt.Errorf("batch not fully finalised: %w", first)
	}
	return errors.New("batch not fully finalised: replay required")
}

func tallyTaskMap(tally map[task.State]int, tasks map[string]*task.Task) {
	for _, t := range tasks {
		tallyTask(tally, t)
	}
}

func tallyTask(tally map[task.State]int, t *task.Task) {
	tally[t.State()]++
	for _, c := range t.Children() {
		tallyTask(tally, c)
	}
}
