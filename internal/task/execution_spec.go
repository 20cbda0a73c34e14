package task

import (
	"fmt"
	"math"
)

// Attempt records where a task was last assigned for execution.
type Attempt struct {
	NodeID   string
	WorkerID string
	Number   uint32
}

// ExecutionSpec is the mutable metadata that travels with a task while it moves
// between nodes.
type ExecutionSpec struct {
	numForwards uint64
	lastAttempt Attempt
}

// NewExecutionSpec returns execution metadata with the given forward count and
// last attempt.
func NewExecutionSpec(numForwards uint64, last Attempt) ExecutionSpec {
	return ExecutionSpec{numForwards: numForwards, lastAttempt: last}
}

func (e ExecutionSpec) NumForwards() uint64  { return e.numForwards }
func (e ExecutionSpec) LastAttempt() Attempt { return e.lastAttempt }

// IncrementNumForwards records one more hop. The counter never wraps: at the
// maximum it returns ErrForwardsOverflow and keeps its value.
func (e *ExecutionSpec) IncrementNumForwards() error {
	if e.numForwards == math.MaxUint64 {
		return ErrForwardsOverflow
	}
	e.numForwards++

	return nil
}

// SetLastAttempt records the latest execution assignment.
func (e *ExecutionSpec) SetLastAttempt(a Attempt) { e.lastAttempt = a }

func (e ExecutionSpec) DebugString() string {
	return fmt.Sprintf("num_forwards=%d, last_attempt={node_id=%s, worker_id=%s, attempt=%d}",
		e.numForwards, e.lastAttempt.NodeID, e.lastAttempt.WorkerID, e.lastAttempt.Number)
}
