package remote

import (
	"errors"

	taskerrors "github.com/orizon-lang/taskcore/internal/errors"
	"github.com/orizon-lang/taskcore/internal/runtime"
	"github.com/orizon-lang/taskcore/internal/task"
)

// Reply is the payload of a MessageResult envelope.
type Reply struct {
	TaskID            task.TaskID            `json:"task_id" msgpack:"task_id"`
	Results           []runtime.ResultBuffer `json:"results" msgpack:"results"`
	CreationException []byte                 `json:"creation_exception,omitempty" msgpack:"creation_exception,omitempty"`
	Error             *taskerrors.TaskError  `json:"error,omitempty" msgpack:"error,omitempty"`
	Failure           string                 `json:"failure,omitempty" msgpack:"failure,omitempty"` // Worker-side failure that is not a task error
}

// Err returns the task failure, or an error for a worker-side failure, or nil.
func (r Reply) Err() error {
	if r.Error != nil {
		return r.Error
	}
	if r.Failure != "" {
		return &WorkerError{TaskID: r.TaskID, Message: r.Failure}
	}

	return nil
}

// WorkerError reports that a worker could not run a task at all, for example
// because a dependency was missing or the message did not decode.
type WorkerError struct {
	TaskID  task.TaskID
	Message string
}

func (e *WorkerError) Error() string {
	return "worker failed task " + string(e.TaskID) + ": " + e.Message
}

func asTaskError(err error) (*taskerrors.TaskError, bool) {
	var te *taskerrors.TaskError
	ok := errors.As(err, &te)

	return te, ok
}
