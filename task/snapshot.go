package task

type (
	// Snapshot is the storable projection of a task: everything needed to
	// revive the task in a later invocation, and nothing transient. Results,
	// live errors and freeze flags are deliberately not persisted.
	Snapshot struct {
		Name      string      `json:"name" dynamodbav:"name"`
		State     State       `json:"state" dynamodbav:"state"`
		Attempts  int         `json:"attempts" dynamodbav:"attempts"`
		Reason    string      `json:"reason,omitempty" dynamodbav:"reason,omitempty"`
		LastError string      `json:"lastError,omitempty" dynamodbav:"lastError,omitempty"`
		Subtasks  []*Snapshot `json:"subtasks,omitempty" dynamodbav:"subtasks,omitempty"`
	}

	// ReviveMode selects how template nodes without a matching snapshot are
	// handled during revival.
	ReviveMode int

	// revivedError carries a persisted error message back into a live task.
	revivedError struct {
		msg string
	}
)

const (
	// ReviveOnlyExisting revives only tasks present in the snapshot.
	ReviveOnlyExisting ReviveMode = iota
	// ReviveAndCreateMissing additionally creates fresh tasks for template
	// nodes the snapshot does not cover.
	ReviveAndCreateMissing
)

func (e *revivedError) Error() string { return e.msg }

// Snapshot captures the task subtree in storable form.
func (t *Task) Snapshot() *Snapshot {
	t.mu.Lock()
	s := &Snapshot{
		Name:     t.name,
		State:    t.state,
		Attempts: t.attempts,
		Reason:   t.reason,
	}
	if t.lastErr != nil {
		s.LastError = t.lastErr.Error()
	}
	t.mu.Unlock()
	for _, c := range t.children {
		s.Subtasks = append(s.Subtasks, c.Snapshot())
	}
	return s
}

// Revive reconstitutes a live task from a persisted snapshot, merged with the
// template. Terminal states survive revival as-is; started, failed and
// timed-out states revive as unstarted with their attempt counts and last
// errors preserved so the retry budget keeps counting across invocations.
//
// Snapshot nodes the template does not cover revive as unusable tasks: they
// participate in finalisation checks but have no executor, and are finalised
// by AbandonDead once nothing else holds their root open. Template nodes the
// snapshot does not cover are created fresh when mode is
// ReviveAndCreateMissing and skipped otherwise.
func Revive(tp *Template, snap *Snapshot, item any, mode ReviveMode) *Task {
	if snap == nil {
		if mode == ReviveAndCreateMissing && tp != nil {
			return New(tp, item)
		}
		return nil
	}
	return revive(tp, snap, nil, item, mode)
}

func revive(tp *Template, snap *Snapshot, parent *Task, item any, mode ReviveMode) *Task {
	t := &Task{
		name:     snap.Name,
		tmpl:     tp,
		parent:   parent,
		item:     item,
		unusable: tp == nil,
		attempts: snap.Attempts,
	}
	if snap.State.Terminal() {
		t.state = snap.State
		t.reason = snap.Reason
	} else {
		t.state = Unstarted
	}
	if snap.LastError != "" {
		t.lastErr = &revivedError{msg: snap.LastError}
	}

	// Merge children: snapshot nodes first (matched to sub-templates by
	// name), then any sub-templates the snapshot missed.
	subTemplates := map[string]*Template{}
	if tp != nil {
		for _, sub := range tp.SubTemplates {
			subTemplates[sub.Name] = sub
		}
	}
	revived := map[string]bool{}
	for _, subSnap := range snap.Subtasks {
		t.children = append(t.children, revive(subTemplates[subSnap.Name], subSnap, t, item, mode))
		revived[subSnap.Name] = true
	}
	if tp != nil && mode == ReviveAndCreateMissing {
		for _, sub := range tp.SubTemplates {
			if !revived[sub.Name] {
				t.children = append(t.children, build(sub, t, item))
			}
		}
	}
	return t
}

// SnapshotMap captures a map of task trees in storable form.
func SnapshotMap(tasks map[string]*Task) map[string]*Snapshot {
	if len(tasks) == 0 {
		return nil
	}
	snaps := make(map[string]*Snapshot, len(tasks))
	for name, t := range tasks {
		snaps[name] = t.Snapshot()
	}
	return snaps
}

// ReviveMap reconstitutes a map of task trees from persisted snapshots,
// merging them with the given templates. Snapshot entries without a template
// revive as unusable tasks. With ReviveAndCreateMissing, templates the
// snapshot does not cover are materialised fresh so newly configured tasks
// appear even when the prior invocation never knew them; with
// ReviveOnlyExisting only snapshot entries are revived.
func ReviveMap(templates []*Template, snaps map[string]*Snapshot, item any, mode ReviveMode) map[string]*Task {
	tasks := make(map[string]*Task, len(templates)+len(snaps))
	byName := make(map[string]*Template, len(templates))
	for _, tp := range templates {
		byName[tp.Name] = tp
	}
	for name, snap := range snaps {
		if t := Revive(byName[name], snap, item, mode); t != nil {
			tasks[name] = t
		}
	}
	if mode == ReviveAndCreateMissing {
		for _, tp := range templates {
			if _, ok := tasks[tp.Name]; !ok {
				tasks[tp.Name] = New(tp, item)
			}
		}
	}
	return tasks
}
