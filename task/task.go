// Package task implements the hierarchical task state machine used by the
// consumer core. Tasks are nodes in a tree built from templates; each node
// tracks its lifecycle state, attempt count and last error. Finalised
// outcomes are absorbing, frozen tasks admit no transitions at all, and a
// master task replays every transition onto its slaves.
//
// The same engine drives the three phase trees, the per-message process
// trees and the per-record discard trees; only the templates differ.
package task

import (
	"errors"
	"sync"
	"time"
)

// State is the lifecycle state of a task.
type State string

const (
	// Unstarted means the task has not begun (or was revived for retry).
	Unstarted State = "unstarted"
	// Started means the task is executing its current attempt.
	Started State = "started"
	// Completed is the terminal success state.
	Completed State = "completed"
	// Failed means the last attempt failed; the task remains retryable.
	Failed State = "failed"
	// TimedOut means the last attempt was cut short by a deadline; the task
	// remains retryable.
	TimedOut State = "timedOut"
	// Rejected is the terminal state for a domain-level refusal.
	Rejected State = "rejected"
	// Discarded is the terminal state for a task that exhausted its retry
	// budget (or was explicitly discarded).
	Discarded State = "discarded"
	// Abandoned is the terminal state for a dead task given up on so its
	// root could finalise.
	Abandoned State = "abandoned"
)

// Terminal reports whether s is a final, absorbing state.
func (s State) Terminal() bool {
	switch s {
	case Completed, Rejected, Discarded, Abandoned:
		return true
	}
	return false
}

// Rejection reports whether s is a terminal non-success state.
func (s State) Rejection() bool {
	switch s {
	case Rejected, Discarded, Abandoned:
		return true
	}
	return false
}

// FinalisedError reports an attempt to transition a task that is frozen or
// already finalised with a conflicting outcome. It signals a logic error in
// the caller and is treated as fatal by the orchestrator.
type FinalisedError struct {
	// Name is the task's name.
	Name string
	// State is the task's state at the time of the attempt.
	State State
	// Attempted is the state the caller tried to transition to.
	Attempted State
	// Frozen reports whether the task was frozen.
	Frozen bool
}

// Error implements the error interface.
func (e *FinalisedError) Error() string {
	if e.Frozen {
		return "task " + e.Name + " is frozen in state " + string(e.State) +
			" and cannot transition to " + string(e.Attempted)
	}
	return "task " + e.Name + " is already finalised as " + string(e.State) +
		" and cannot transition to " + string(e.Attempted)
}

// IsFinalisedError reports whether err or any error in its chain is a
// FinalisedError.
func IsFinalisedError(err error) bool {
	var fe *FinalisedError
	return errors.As(err, &fe)
}

type (
	// Opts modifies a state transition. The zero value gives the default
	// absorbing behaviour.
	Opts struct {
		// Override permits replacing an already-finalised outcome. Use only
		// when deliberately rewriting history (e.g. reviving snapshots).
		Override bool
	}

	// TimeoutOpts modifies a timeout transition.
	TimeoutOpts struct {
		// Override permits timing out an already-finalised task.
		Override bool
		// OverrideUnstarted also times out tasks that never started. By
		// default an unstarted task is left untouched so its budget and
		// state survive the timeout intact.
		OverrideUnstarted bool
		// ReverseAttempt undoes the in-progress attempt so the interrupted
		// work does not consume the retry budget.
		ReverseAttempt bool
	}

	// Task is a node in a task tree. All methods are safe for concurrent use;
	// each task guards its own mutable state.
	Task struct {
		mu sync.Mutex

		name     string
		tmpl     *Template
		parent   *Task
		children []*Task
		item     any

		state    State
		attempts int
		began    time.Time
		ended    time.Time
		lastErr  error
		reason   string
		result   any
		frozen   bool
		unusable bool

		slaves []*Task
	}
)

// Name returns the task's template name.
func (t *Task) Name() string { return t.name }

// Item returns the payload the task was bound to at creation.
func (t *Task) Item() any { return t.item }

// Parent returns the task's parent, or nil for a root.
func (t *Task) Parent() *Task { return t.parent }

// Children returns the task's direct sub-tasks.
func (t *Task) Children() []*Task { return t.children }

// Root returns the root of the task's tree.
func (t *Task) Root() *Task {
	r := t
	for r.parent != nil {
		r = r.parent
	}
	return r
}

// Child returns the direct sub-task with the given name, or nil.
func (t *Task) Child(name string) *Task {
	for _, c := range t.children {
		if c.name == name {
			return c
		}
	}
	return nil
}

// State returns the task's current lifecycle state.
func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Attempts returns the number of attempts consumed so far.
func (t *Task) Attempts() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attempts
}

// LastError returns the error recorded by the most recent failure or timeout.
func (t *Task) LastError() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastErr
}

// Reason returns the rejection or abandonment reason, if any.
func (t *Task) Reason() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reason
}

// Result returns the value recorded by the most recent completion.
func (t *Task) Result() any {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result
}

// Frozen reports whether the task has been frozen.
func (t *Task) Frozen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.frozen
}

// Unusable reports whether the task was revived from a snapshot that no
// template covers. Unusable tasks have no executor and can only be finalised
// by abandonment.
func (t *Task) Unusable() bool { return t.unusable }

// Took returns the duration of the last attempt, or zero if none finished.
func (t *Task) Took() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.began.IsZero() || t.ended.IsZero() {
		return 0
	}
	return t.ended.Sub(t.began)
}

// SetSlaves registers the slave tasks that must mirror every transition of
// this master task. Slaves hold no pointer back to the master.
func (t *Task) SetSlaves(slaves ...*Task) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.slaves = slaves
}

// Slaves returns the registered slave tasks.
func (t *Task) Slaves() []*Task {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.slaves
}

// Start begins an attempt: increments the attempt count and moves the task to
// Started. Starting a started task is a no-op; starting a finalised task is
// ignored. Returns true when a new attempt actually began.
func (t *Task) Start() (bool, error) {
	started, err := t.startSelf()
	if err != nil {
		return false, err
	}
	if merr := t.mirror(func(s *Task) error {
		_, e := s.Start()
		return e
	}); merr != nil {
		return started, merr
	}
	return started, nil
}

func (t *Task) startSelf() (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.frozen {
		return false, &FinalisedError{Name: t.name, State: t.state, Attempted: Started, Frozen: true}
	}
	if t.state.Terminal() || t.state == Started {
		return false, nil
	}
	t.attempts++
	t.state = Started
	t.began = time.Now()
	t.ended = time.Time{}
	return true, nil
}

// Complete marks the task's own state as successfully completed with the
// given result. Completing an already-completed task is a no-op; completing a
// task finalised with a different outcome returns a FinalisedError unless
// opts.Override is set.
func (t *Task) Complete(result any, opts Opts) error {
	if err := t.applySelf(Completed, opts.Override, func() {
		t.result = result
		t.lastErr = nil
		t.reason = ""
	}); err != nil {
		return err
	}
	return t.mirror(func(s *Task) error { return s.Complete(result, opts) })
}

// Fail records a failed attempt. The task remains retryable. Failing an
// already-finalised task is ignored: the outcome was decided before the late
// failure arrived.
func (t *Task) Fail(err error) error {
	if ferr := t.failSelf(err); ferr != nil {
		return ferr
	}
	return t.mirror(func(s *Task) error { return s.Fail(err) })
}

func (t *Task) failSelf(err error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.frozen {
		return &FinalisedError{Name: t.name, State: t.state, Attempted: Failed, Frozen: true}
	}
	if t.state.Terminal() {
		return nil
	}
	t.state = Failed
	t.lastErr = err
	t.ended = time.Now()
	return nil
}

// Timeout marks the task as timed out. Unstarted tasks are left untouched
// unless opts.OverrideUnstarted is set; finalised tasks are left untouched
// unless opts.Override is set. With opts.ReverseAttempt the in-progress
// attempt is undone so the retry budget is preserved. Returns true when the
// task actually transitioned.
func (t *Task) Timeout(err error, opts TimeoutOpts) (bool, error) {
	timedOut, terr := t.timeoutSelf(err, opts)
	if terr != nil {
		return false, terr
	}
	if merr := t.mirror(func(s *Task) error {
		_, e := s.Timeout(err, opts)
		return e
	}); merr != nil {
		return timedOut, merr
	}
	return timedOut, nil
}

func (t *Task) timeoutSelf(err error, opts TimeoutOpts) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.frozen {
		return false, &FinalisedError{Name: t.name, State: t.state, Attempted: TimedOut, Frozen: true}
	}
	if t.state.Terminal() && !opts.Override {
		return false, nil
	}
	if t.state == Unstarted && !opts.OverrideUnstarted {
		return false, nil
	}
	if opts.ReverseAttempt && t.attempts > 0 {
		t.attempts--
	}
	t.state = TimedOut
	t.lastErr = err
	t.ended = time.Now()
	return true, nil
}

// Reject finalises the task with a domain-level refusal.
func (t *Task) Reject(reason string, err error, opts Opts) error {
	if rerr := t.applySelf(Rejected, opts.Override, func() {
		t.reason = reason
		t.lastErr = err
	}); rerr != nil {
		return rerr
	}
	return t.mirror(func(s *Task) error { return s.Reject(reason, err, opts) })
}

// Discard finalises the task as discarded (typically after the retry budget
// is exhausted).
func (t *Task) Discard(opts Opts) error {
	if derr := t.applySelf(Discarded, opts.Override, nil); derr != nil {
		return derr
	}
	return t.mirror(func(s *Task) error { return s.Discard(opts) })
}

// Abandon finalises the task as abandoned so its root can finalise.
func (t *Task) Abandon(reason string, err error, opts Opts) error {
	if aerr := t.applySelf(Abandoned, opts.Override, func() {
		t.reason = reason
		if err != nil {
			t.lastErr = err
		}
	}); aerr != nil {
		return aerr
	}
	return t.mirror(func(s *Task) error { return s.Abandon(reason, err, opts) })
}

// applySelf performs a finalising transition on the task itself. set runs
// under the task lock after the state change.
func (t *Task) applySelf(to State, override bool, set func()) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.frozen && t.state != to {
		return &FinalisedError{Name: t.name, State: t.state, Attempted: to, Frozen: true}
	}
	if t.state == to {
		if set != nil {
			set()
		}
		return nil
	}
	if t.state.Terminal() && !override {
		return &FinalisedError{Name: t.name, State: t.state, Attempted: to}
	}
	t.state = to
	t.ended = time.Now()
	if set != nil {
		set()
	}
	return nil
}

// mirror replays a transition onto every slave, returning the first error.
func (t *Task) mirror(apply func(*Task) error) error {
	t.mu.Lock()
	slaves := t.slaves
	t.mu.Unlock()
	var first error
	for _, s := range slaves {
		if err := apply(s); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Freeze stops all further transitions on the task, its sub-tasks and its
// slaves. Freezing is idempotent.
func (t *Task) Freeze() {
	t.mu.Lock()
	t.frozen = true
	slaves := t.slaves
	t.mu.Unlock()
	for _, c := range t.children {
		c.Freeze()
	}
	for _, s := range slaves {
		s.Freeze()
	}
}

// IsFullyFinalised reports whether the task and every task in its subtree are
// in terminal states.
func (t *Task) IsFullyFinalised() bool {
	if !t.State().Terminal() {
		return false
	}
	for _, c := range t.children {
		if !c.IsFullyFinalised() {
			return false
		}
	}
	return true
}

// ContainsRejection reports whether any task in the subtree finalised as
// rejected, discarded or abandoned.
func (t *Task) ContainsRejection() bool {
	if t.State().Rejection() {
		return true
	}
	for _, c := range t.children {
		if c.ContainsRejection() {
			return true
		}
	}
	return false
}

// DiscardIfOverAttempted walks the subtree bottom-up and marks as discarded
// every retryable task whose attempts have met or exceeded maxAttempts. When
// onlyWithFinalisedChildren is set, a task is only discarded once all of its
// sub-tasks are fully finalised. Returns the number of tasks discarded.
func (t *Task) DiscardIfOverAttempted(maxAttempts int, onlyWithFinalisedChildren bool) int {
	if maxAttempts <= 0 {
		return 0
	}
	n := 0
	for _, c := range t.children {
		n += c.DiscardIfOverAttempted(maxAttempts, onlyWithFinalisedChildren)
	}
	t.mu.Lock()
	retryable := t.state == Failed || t.state == TimedOut || (t.state == Unstarted && t.attempts > 0)
	over := retryable && t.attempts >= maxAttempts && !t.frozen
	t.mu.Unlock()
	if !over {
		return n
	}
	if onlyWithFinalisedChildren {
		for _, c := range t.children {
			if !c.IsFullyFinalised() {
				return n
			}
		}
	}
	if err := t.Discard(Opts{}); err == nil {
		n++
	}
	return n
}

// AbandonDead abandons every unusable, unstarted task in the subtree whose
// own sub-tasks are all fully finalised, so a root held alive only by dead
// snapshot remnants can finalise. Returns the number of tasks abandoned.
func (t *Task) AbandonDead(reason string) int {
	n := 0
	for _, c := range t.children {
		n += c.AbandonDead(reason)
	}
	if !t.unusable || t.State() != Unstarted {
		return n
	}
	for _, c := range t.children {
		if !c.IsFullyFinalised() {
			return n
		}
	}
	if err := t.Abandon(reason, nil, Opts{}); err == nil {
		n++
	}
	return n
}
