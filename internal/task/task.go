// Package task defines the task data model exchanged between submission,
// scheduling and execution: the immutable specification, the execution
// metadata layered on top of it, and the dependencies derived from its
// arguments.
package task

import (
	mapset "github.com/deckarep/golang-set/v2"
)

// Task pairs a specification with its execution metadata. Dependencies are
// derived from the specification's arguments whenever a Task is constructed
// and are never set independently. A Task is not safe for concurrent mutation.
type Task struct {
	spec         *Spec
	exec         ExecutionSpec
	dependencies []ObjectRef
	backlogSize  int64
}

// New builds a task from a specification pair. spec must not be nil.
func New(spec *Spec, exec ExecutionSpec) *Task {
	t := &Task{spec: spec, exec: exec}
	t.computeDependencies()

	return t
}

// FromMessage decodes a wire message and builds the task it carries.
func FromMessage(data []byte, backlogSize int64) (*Task, error) {
	spec, exec, err := decodeMessage(data)
	if err != nil {
		return nil, err
	}
	t := New(spec, exec)
	t.backlogSize = backlogSize

	return t, nil
}

func (t *Task) computeDependencies() {
	t.dependencies = t.spec.Dependencies()
}

func (t *Task) Spec() *Spec                   { return t.spec }
func (t *Task) ExecutionSpec() ExecutionSpec { return t.exec }

// Dependencies returns the ordered object references the task waits on.
func (t *Task) Dependencies() []ObjectRef {
	out := make([]ObjectRef, len(t.dependencies))
	copy(out, t.dependencies)

	return out
}

// UniqueDependencyIDs returns the distinct object ids among the dependencies,
// which is what a fetch needs to pull.
func (t *Task) UniqueDependencyIDs() mapset.Set[ObjectID] {
	ids := mapset.NewThreadUnsafeSet[ObjectID]()
	for _, d := range t.dependencies {
		ids.Add(d.ID)
	}

	return ids
}

// IncrementNumForwards records that the task was forwarded to another node.
func (t *Task) IncrementNumForwards() error { return t.exec.IncrementNumForwards() }

// SetLastAttempt records the latest execution assignment.
func (t *Task) SetLastAttempt(a Attempt) { t.exec.SetLastAttempt(a) }

// CopyExecutionSpec replaces this task's execution metadata with other's.
func (t *Task) CopyExecutionSpec(other *Task) { t.exec = other.exec }

// SetBacklogSize stores the submission-side backlog hint. No validation.
func (t *Task) SetBacklogSize(n int64) { t.backlogSize = n }

func (t *Task) BacklogSize() int64 { return t.backlogSize }

func (t *Task) DebugString() string {
	return "task_spec={" + t.spec.DebugString() + "}, task_execution_spec={" + t.exec.DebugString() + "}"
}
