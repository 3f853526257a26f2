package task

import (
	"context"
	"errors"
	"fmt"
)

type (
	// Executor performs one attempt of a task's work. It receives the task so
	// it can drive sub-tasks, and returns the attempt's result. Returning a
	// faults.Rejection finalises the task as rejected; returning an error
	// wrapped around context cancellation marks it timed out; any other error
	// marks it failed and leaves it retryable.
	Executor func(ctx context.Context, t *Task) (any, error)

	// Template is a reusable task descriptor: a name, an execute function and
	// optional sub-task templates forming a tree. Templates carry no state;
	// tasks are instantiated from them per item per invocation.
	Template struct {
		// Name identifies tasks created from this template. Must be unique
		// among its siblings.
		Name string
		// Execute performs one attempt of the task's work. Required on
		// templates whose tasks are executed directly; optional on sub-task
		// templates driven by their parent's executor.
		Execute Executor
		// SubTemplates declares the sub-task tree.
		SubTemplates []*Template
	}
)

// Validate checks the template tree for blank or duplicate names.
func (tp *Template) Validate() error {
	if tp.Name == "" {
		return errors.New("task: template name must not be blank")
	}
	seen := make(map[string]bool, len(tp.SubTemplates))
	for _, sub := range tp.SubTemplates {
		if seen[sub.Name] {
			return fmt.Errorf("task: template %q has duplicate sub-template %q", tp.Name, sub.Name)
		}
		seen[sub.Name] = true
		if err := sub.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// New creates a fresh, unstarted task tree from the template, binding every
// node to item.
func New(tp *Template, item any) *Task {
	return build(tp, nil, item)
}

func build(tp *Template, parent *Task, item any) *Task {
	t := &Task{
		name:   tp.Name,
		tmpl:   tp,
		parent: parent,
		item:   item,
		state:  Unstarted,
	}
	for _, sub := range tp.SubTemplates {
		t.children = append(t.children, build(sub, t, item))
	}
	return t
}
