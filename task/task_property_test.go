package task

import (
	"errors"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// op is a randomly chosen transition applied to a task under test.
type op int

const (
	opStart op = iota
	opComplete
	opFail
	opTimeout
	opReject
	opDiscard
	opAbandon
)

func apply(t *Task, o op) {
	err := errors.New("boom")
	switch o {
	case opStart:
		t.Start() //nolint:errcheck
	case opComplete:
		t.Complete(nil, Opts{}) //nolint:errcheck
	case opFail:
		t.Fail(err) //nolint:errcheck
	case opTimeout:
		t.Timeout(err, TimeoutOpts{ReverseAttempt: true}) //nolint:errcheck
	case opReject:
		t.Reject("r", err, Opts{}) //nolint:errcheck
	case opDiscard:
		t.Discard(Opts{}) //nolint:errcheck
	case opAbandon:
		t.Abandon("a", err, Opts{}) //nolint:errcheck
	}
}

func genOps() gopter.Gen {
	return gen.SliceOf(gen.IntRange(int(opStart), int(opAbandon)).Map(func(i int) op { return op(i) }))
}

// TestTerminalStatesAreAbsorbingProperty verifies that once a task reaches a
// terminal state, no sequence of non-override transitions changes it.
func TestTerminalStatesAreAbsorbingProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("terminal state survives any transition sequence", prop.ForAll(
		func(terminal int, ops []op) bool {
			tk := New(&Template{Name: "t"}, nil)
			var want State
			switch terminal {
			case 0:
				tk.Complete(nil, Opts{}) //nolint:errcheck
				want = Completed
			case 1:
				tk.Reject("r", nil, Opts{}) //nolint:errcheck
				want = Rejected
			case 2:
				tk.Discard(Opts{}) //nolint:errcheck
				want = Discarded
			default:
				tk.Abandon("a", nil, Opts{}) //nolint:errcheck
				want = Abandoned
			}
			for _, o := range ops {
				apply(tk, o)
			}
			return tk.State() == want
		},
		gen.IntRange(0, 3),
		genOps(),
	))

	properties.Property("frozen tasks never transition", prop.ForAll(
		func(ops []op) bool {
			tk := New(&Template{Name: "t"}, nil)
			tk.Start() //nolint:errcheck
			tk.Freeze()
			for _, o := range ops {
				apply(tk, o)
			}
			return tk.State() == Started && tk.Attempts() == 1
		},
		genOps(),
	))

	properties.Property("slaves mirror every master transition", prop.ForAll(
		func(ops []op) bool {
			master := New(&Template{Name: "t"}, nil)
			slave := New(&Template{Name: "t"}, nil)
			master.SetSlaves(slave)
			for _, o := range ops {
				apply(master, o)
				if slave.State() != master.State() {
					return false
				}
			}
			return true
		},
		genOps(),
	))

	properties.TestingRun(t)
}
