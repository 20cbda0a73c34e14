package runtime

import (
	"errors"
	"fmt"

	"github.com/orizon-lang/taskcore/internal/codec"
	taskerrors "github.com/orizon-lang/taskcore/internal/errors"
	"github.com/orizon-lang/taskcore/internal/task"
)

// ErrObjectNotFound reports a dependency that could not be resolved. It is
// never a TaskError: a missing object is not a failed task.
var ErrObjectNotFound = errors.New("object not found")

// ResultBuffer is one serialized return value, or an error marker carrying an
// encoded TaskError in place of the value.
type ResultBuffer struct {
	ObjectID task.ObjectID `json:"object_id" msgpack:"object_id"`
	Data     []byte        `json:"data" msgpack:"data"`
	IsError  bool          `json:"is_error,omitempty" msgpack:"is_error,omitempty"`
}

// Err decodes the failure carried by an error marker. It returns nil for value
// buffers.
func (b ResultBuffer) Err(c codec.Codec) *taskerrors.TaskError {
	if !b.IsError {
		return nil
	}
	var te taskerrors.TaskError
	if err := c.Unmarshal(b.Data, &te); err != nil {
		return taskerrors.MalformedArguments("ERROR_MARKER", fmt.Sprintf("undecodable error marker: %v", err))
	}

	return &te
}

// Decode unmarshals a value buffer into v. Error markers are returned as their
// TaskError.
func (b ResultBuffer) Decode(c codec.Codec, v any) error {
	if te := b.Err(c); te != nil {
		return te
	}

	return c.Unmarshal(b.Data, v)
}

// Outcome is what ExecuteTask produces. Results has one buffer per declared
// return id, in order, whether the task succeeded or failed.
type Outcome struct {
	Results           []ResultBuffer
	CreationException []byte // Encoded failure of a failed actor creation task
}

func errorMarkers(c codec.Codec, returnIDs []task.ObjectID, te *taskerrors.TaskError) []ResultBuffer {
	payload, err := c.Marshal(te)
	if err != nil {
		payload = []byte(te.Error())
	}
	out := make([]ResultBuffer, len(returnIDs))
	for i, id := range returnIDs {
		out[i] = ResultBuffer{ObjectID: id, Data: payload, IsError: true}
	}

	return out
}

func asTaskError(err error) *taskerrors.TaskError {
	var te *taskerrors.TaskError
	if errors.As(err, &te) {
		return te
	}

	return taskerrors.UserCodeFailure("INTERNAL", err, "")
}
