package task

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// Identifier types. All identifiers are opaque strings on the wire.
type (
	TaskID   string // Task identifier (ULID, time ordered)
	ActorID  string // Actor identifier (UUID)
	ObjectID string // Object identifier
)

// NewTaskID returns a new time-ordered task identifier.
func NewTaskID() TaskID {
	return TaskID(ulid.Make().String())
}

// NewActorID returns a new random actor identifier.
func NewActorID() ActorID {
	return ActorID(uuid.New().String())
}

// ReturnObjectID derives the object id of the index-th return value of a task.
// Return indices are zero based; the rendered id is one based to match the
// object numbering used by the object store.
func ReturnObjectID(id TaskID, index int) ObjectID {
	return ObjectID(fmt.Sprintf("%s/r%d", id, index+1))
}

// ReturnObjectIDs derives count return object ids for a task.
func ReturnObjectIDs(id TaskID, count int) []ObjectID {
	out := make([]ObjectID, count)
	for i := range out {
		out[i] = ReturnObjectID(id, i)
	}

	return out
}

func (id TaskID) String() string   { return string(id) }
func (id ActorID) String() string  { return string(id) }
func (id ObjectID) String() string { return string(id) }

// IsNil reports whether the actor id is unset.
func (id ActorID) IsNil() bool { return id == "" }
