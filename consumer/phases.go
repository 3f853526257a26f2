package consumer

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"

	"goa.design/shardflow/batch"
	"goa.design/shardflow/faults"
	"goa.design/shardflow/task"
)

// noDeadlineTimeout bounds phases when the host reports no remaining time
// (local runs and tests without an invocation deadline).
const noDeadlineTimeout = 15 * time.Minute

// initiate extracts messages, sequences them, restores prior checkpoint state
// and revives the task trees. Initiate failures fail the invocation outright:
// without restored state no processing can safely start.
func (c *Consumer) initiate(ctx context.Context, b *batch.Batch) error {
	started := time.Now()
	defer func() { c.metrics.RecordTimer("shardflow.phase.initiate", time.Since(started)) }()
	ctx, span := c.tracer.Start(ctx, "shardflow.phase."+batch.PhaseInitiating)
	defer span.End()

	if err := c.extract(ctx, b); err != nil {
		return err
	}
	if err := b.Sequence(ctx); err != nil {
		return err
	}
	if err := c.saver.Restore(ctx, b); err != nil {
		return err
	}
	b.ReviveTasks()
	c.logger.Debug(ctx, "batch initiated", "desc", b.Describe())

	if c.cb.PreProcess != nil {
		if err := c.cb.PreProcess(ctx, b); err != nil {
			return err
		}
	}
	return nil
}

// process runs the per-message chains, the batch-wide master tasks and the
// unusable-record discards, raced against the process deadline. The phase
// never fails the invocation on its own: item failures and timeouts are
// recorded in the outcomes and on the tasks, and finalise decides what they
// mean.
func (c *Consumer) process(ctx context.Context, b *batch.Batch, outcomes *outcomeSet) {
	started := time.Now()
	defer func() { c.metrics.RecordTimer("shardflow.phase.process", time.Since(started)) }()

	timeout := c.processTimeout(ctx)
	timedOut := c.runPhase(ctx, b, batch.PhaseProcessing, timeout, func(pctx context.Context) error {
		var wg sync.WaitGroup
		for _, head := range b.FirstMessagesToProcess() {
			wg.Add(1)
			go func(head *batch.MessageState) {
				defer wg.Done()
				c.runChain(pctx, head, outcomes)
			}(head)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.runMasters(pctx, b, outcomes)
		}()
		wg.Wait()

		outs := b.DiscardUnusableRecords(pctx)
		outcomes.add(outs...)

		if c.cb.PreFinalise != nil {
			if err := c.cb.PreFinalise(pctx, b); err != nil {
				return err
			}
		}
		return task.FirstFailure(outcomes.all())
	})
	if timedOut {
		n := b.TimeoutProcessingTasks(faults.Timeout("process phase deadline reached", true, nil))
		c.logger.Warn(ctx, "process phase timed out", "key", b.Key().String(),
			"timeout", timeout.String(), "tasksTimedOut", n)
	}
}

// finalise drives every remaining item to a terminal state and saves the
// checkpoint, raced against the finalise deadline. A finalise failure is a
// replay trigger.
func (c *Consumer) finalise(ctx context.Context, b *batch.Batch, outcomes *outcomeSet) error {
	started := time.Now()
	defer func() { c.metrics.RecordTimer("shardflow.phase.finalise", time.Since(started)) }()

	timeout := c.finaliseTimeout(ctx)
	var phaseErr error
	timedOut := c.runPhase(ctx, b, batch.PhaseFinalising, timeout, func(pctx context.Context) error {
		maxAttempts := c.settings.maxAttempts()
		b.DiscardProcessingTasksIfOverAttempted(maxAttempts)
		b.AbandonDeadProcessingTasks()
		b.FreezeProcessingTasks()

		outs := b.DiscardRejectedMessages(pctx)
		outcomes.add(outs...)

		b.DiscardFinalisingTasksIfOverAttempted(maxAttempts)
		b.AbandonDeadFinalisingTasks()
		b.FreezeFinalisingTasks()

		if err := c.saver.Save(pctx, b); err != nil {
			phaseErr = err
			return err
		}
		if c.cb.PostFinalise != nil {
			if err := c.cb.PostFinalise(pctx, b); err != nil {
				phaseErr = err
				return err
			}
		}
		return task.FirstFailure(outs)
	})
	if timedOut {
		err := faults.Timeout("finalise phase deadline reached", true, nil)
		b.TimeoutFinalisingTasks(err)
		c.logger.Error(ctx, "finalise phase timed out, forcing redelivery",
			"key", b.Key().String(), "timeout", timeout.String())
		return err
	}
	return phaseErr
}

// runPhase executes the phase body as the batch's phase task, raced against
// the phase timeout. The body's outcome decides the phase task's state: a
// clean run completes it, a recorded failure fails it so its attempt count
// survives the checkpoint, and losing the race times it out with the attempt
// reversed. Returns whether the deadline won.
func (c *Consumer) runPhase(ctx context.Context, b *batch.Batch, phase string, timeout time.Duration, body func(context.Context) error) bool {
	tmpl := &task.Template{Name: phase, Execute: func(pctx context.Context, _ *task.Task) (any, error) {
		return nil, body(pctx)
	}}
	pt := b.RevivePhaseTask(phase, tmpl)

	tctx, span := c.tracer.Start(ctx, "shardflow.phase."+phase)
	defer span.End()
	pctx, cancel := context.WithTimeout(tctx, timeout)
	defer cancel()

	done := make(chan *task.Outcome, 1)
	go func() { done <- pt.Execute(pctx) }()

	select {
	case o := <-done:
		if o.Err != nil {
			span.RecordError(o.Err)
			c.logger.Debug(ctx, "phase finished with failures", "phase", phase, "err", o.Err)
		}
		return false
	case <-pctx.Done():
		span.SetStatus(codes.Error, "phase deadline reached")
		// In-flight callbacks are not interrupted; their late results are
		// discarded once the tasks are timed out and frozen.
		if _, err := pt.Timeout(pctx.Err(), task.TimeoutOpts{ReverseAttempt: true}); err != nil {
			c.logger.Debug(ctx, "phase task already finalised at timeout", "phase", phase, "err", err)
		}
		return true
	}
}

// runChain walks one key chain: each message's process-one tasks execute in
// order, and the chain advances to the next message only once every
// process-one task of the current one is fully finalised.
func (c *Consumer) runChain(ctx context.Context, head *batch.MessageState, outcomes *outcomeSet) {
	for ms := head; ms != nil; ms = ms.Next() {
		if ctx.Err() != nil {
			return
		}
		for _, t := range orderedTasks(ms.Ones()) {
			if t.IsFullyFinalised() {
				continue
			}
			addOutcome(ctx, outcomes, t.Execute(ctx))
		}
		for _, t := range ms.Ones() {
			if !t.IsFullyFinalised() {
				// The gate: the next message must not start before this
				// one is done.
				return
			}
		}
	}
}

// runMasters executes the batch-wide master tasks. Their transitions mirror
// onto the per-message slave tasks of the same name.
func (c *Consumer) runMasters(ctx context.Context, b *batch.Batch, outcomes *outcomeSet) {
	for _, t := range orderedTasks(b.State().Alls()) {
		if ctx.Err() != nil {
			return
		}
		if t.IsFullyFinalised() {
			continue
		}
		addOutcome(ctx, outcomes, t.Execute(ctx))
	}
}

// addOutcome records an outcome, suppressing finalised-task violations that
// arrive after the phase race is already decided: a callback finishing late
// against a frozen task is a loser of the race, not a logic error.
func addOutcome(ctx context.Context, outcomes *outcomeSet, o *task.Outcome) {
	if o != nil && o.Err != nil && ctx.Err() != nil && task.IsFinalisedError(o.Err) {
		return
	}
	outcomes.add(o)
}

// processTimeout is the configured fraction of the invocation's remaining
// time.
func (c *Consumer) processTimeout(ctx context.Context) time.Duration {
	remaining := c.settings.Runtime.Remaining(ctx)
	if remaining <= 0 {
		return noDeadlineTimeout
	}
	return time.Duration(float64(remaining) * c.settings.timeoutPercentage())
}

// finaliseTimeout leaves the host at least one second of reserve, and never
// takes less than 80% of what remains even when the configured percentage is
// lower.
func (c *Consumer) finaliseTimeout(ctx context.Context) time.Duration {
	remaining := c.settings.Runtime.Remaining(ctx)
	if remaining <= 0 {
		return noDeadlineTimeout
	}
	pct := c.settings.timeoutPercentage()
	if pct < finaliseReservePercentage {
		pct = finaliseReservePercentage
	}
	byReserve := remaining - time.Second
	byPct := time.Duration(float64(remaining) * pct)
	if byReserve > byPct {
		return byReserve
	}
	return byPct
}

// orderedTasks returns the map's tasks in name order so execution order is
// deterministic.
func orderedTasks(tasks map[string]*task.Task) []*task.Task {
	names := make([]string, 0, len(tasks))
	for name := range tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	ordered := make([]*task.Task, len(names))
	for i, name := range names {
		ordered[i] = tasks[name]
	}
	return ordered
}
