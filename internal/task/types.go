package task

import (
	"bytes"
	"strings"
)

// Type classifies a task. The set is closed; dispatchers switch on it
// exhaustively.
type Type int32

const (
	NormalTask Type = iota
	ActorCreationTask
	ActorTask
	ActorDestructorTask
)

func (t Type) String() string {
	switch t {
	case NormalTask:
		return "NORMAL_TASK"
	case ActorCreationTask:
		return "ACTOR_CREATION_TASK"
	case ActorTask:
		return "ACTOR_TASK"
	case ActorDestructorTask:
		return "ACTOR_DESTRUCTOR"
	default:
		return "UNKNOWN_TASK_TYPE"
	}
}

// Valid reports whether t is one of the known task types.
func (t Type) Valid() bool {
	return t >= NormalTask && t <= ActorDestructorTask
}

// IsActorAddressed reports whether tasks of this type target an actor instance.
func (t Type) IsActorAddressed() bool {
	return t == ActorCreationTask || t == ActorTask || t == ActorDestructorTask
}

// FunctionDescriptor names the callable a task invokes.
type FunctionDescriptor struct {
	Module   string // Library or package the function lives in
	Class    string // Actor class, empty for plain functions
	Function string // Function or method name
}

// IsEmpty reports whether no function name is set.
func (fd FunctionDescriptor) IsEmpty() bool { return fd.Function == "" }

// Key is the registry lookup key: the non-empty parts joined with dots.
func (fd FunctionDescriptor) Key() string {
	parts := make([]string, 0, 3)
	for _, p := range []string{fd.Module, fd.Class, fd.Function} {
		if p != "" {
			parts = append(parts, p)
		}
	}

	return strings.Join(parts, ".")
}

func (fd FunctionDescriptor) String() string { return fd.Key() }

// DebugString renders every field, including empty ones.
func (fd FunctionDescriptor) DebugString() string {
	return "{module=" + fd.Module + ", class=" + fd.Class + ", function=" + fd.Function + "}"
}

// ObjectRef refers to an object held by the object store.
type ObjectRef struct {
	ID           ObjectID
	OwnerAddress string
}

// Arg is a single task argument: either an inlined value or a reference.
type Arg struct {
	Ref  *ObjectRef // Set for reference arguments
	Data []byte     // Inlined serialized value
}

// ValueArg returns an inlined argument.
func ValueArg(data []byte) Arg { return Arg{Data: data} }

// RefArg returns a by-reference argument.
func RefArg(id ObjectID, owner string) Arg {
	return Arg{Ref: &ObjectRef{ID: id, OwnerAddress: owner}}
}

// IsReference reports whether the argument must be fetched before execution.
func (a Arg) IsReference() bool { return a.Ref != nil }

func (a Arg) clone() Arg {
	out := Arg{Data: bytes.Clone(a.Data)}
	if a.Ref != nil {
		ref := *a.Ref
		out.Ref = &ref
	}

	return out
}

func (a Arg) equal(b Arg) bool {
	if (a.Ref == nil) != (b.Ref == nil) {
		return false
	}
	if a.Ref != nil && *a.Ref != *b.Ref {
		return false
	}

	return bytes.Equal(a.Data, b.Data)
}
