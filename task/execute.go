package task

import (
	"context"
	"errors"
	"fmt"

	"goa.design/shardflow/faults"
)

// Outcome records the result of one execution attempt of a task tree.
type Outcome struct {
	// Task is the executed task.
	Task *Task
	// Result is the executor's return value on success.
	Result any
	// Err is the classified error on failure, rejection or timeout.
	Err error
}

// Execute performs one attempt of the task if it is not already finalised:
// it starts the task (consuming an attempt), invokes the template's executor
// and finalises the task's own state from the outcome. A nil error completes
// the task; a faults.Rejection rejects it; a context cancellation or
// faults.TimeoutError times it out with a reversible attempt; any other error
// fails it, leaving it retryable.
//
// Executing an already fully-finalised task performs no work and returns the
// recorded result. Panics in the executor are recovered and recorded as
// failures so the invocation can still checkpoint.
func (t *Task) Execute(ctx context.Context) *Outcome {
	if t.IsFullyFinalised() {
		return &Outcome{Task: t, Result: t.Result()}
	}
	if t.State().Terminal() {
		// Own state decided in a prior invocation; only sub-tasks remain and
		// they are driven elsewhere (retry walkers, abandonment).
		return &Outcome{Task: t, Result: t.Result()}
	}
	if t.unusable || t.tmpl == nil || t.tmpl.Execute == nil {
		return &Outcome{Task: t}
	}
	if _, err := t.Start(); err != nil {
		return &Outcome{Task: t, Err: err}
	}

	result, err := t.run(ctx)
	if err == nil {
		if cerr := t.Complete(result, Opts{}); cerr != nil {
			return &Outcome{Task: t, Err: cerr}
		}
		return &Outcome{Task: t, Result: result}
	}

	switch {
	case faults.IsRejection(err):
		if rerr := t.Reject(faults.RejectionReason(err), err, Opts{}); rerr != nil {
			return &Outcome{Task: t, Err: rerr}
		}
	case isTimeout(ctx, err):
		reversible := true
		var to *faults.TimeoutError
		if errors.As(err, &to) {
			reversible = to.Reversible
		}
		if _, terr := t.Timeout(err, TimeoutOpts{ReverseAttempt: reversible}); terr != nil {
			return &Outcome{Task: t, Err: terr}
		}
	default:
		if ferr := t.Fail(err); ferr != nil {
			return &Outcome{Task: t, Err: ferr}
		}
	}
	return &Outcome{Task: t, Err: err}
}

func (t *Task) run(ctx context.Context) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", t.name, r)
		}
	}()
	return t.tmpl.Execute(ctx, t)
}

func isTimeout(ctx context.Context, err error) bool {
	if faults.IsTimeout(err) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	// A cancellation caused by the phase deadline is a timeout in disguise.
	return errors.Is(err, context.Canceled) && ctx.Err() != nil
}

// FirstFailure returns the first outcome error among outcomes, or nil when
// every collected outcome succeeded.
func FirstFailure(outcomes []*Outcome) error {
	for _, o := range outcomes {
		if o != nil && o.Err != nil {
			return o.Err
		}
	}
	return nil
}
