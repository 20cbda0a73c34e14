// Package errors provides the structured failures produced by task execution.
// A TaskError is a value: it is returned to the worker loop, encoded into
// error-marker result buffers, and decoded again by callers.
package errors

import (
	"fmt"
	"runtime"
)

// Kind categorizes a task failure.
type Kind string

const (
	KindFunctionNotFound     Kind = "FUNCTION_NOT_FOUND"
	KindActorNotFound        Kind = "ACTOR_NOT_FOUND"
	KindActorAlreadyExists   Kind = "ACTOR_ALREADY_EXISTS"
	KindUserCodeFailure      Kind = "USER_CODE_FAILURE"
	KindActorCreationFailure Kind = "ACTOR_CREATION_FAILURE"
	KindReentrantLock        Kind = "REENTRANT_LOCK_VIOLATION"
	KindMalformedArguments   Kind = "MALFORMED_ARGUMENTS"
	KindReturnCountMismatch  Kind = "RETURN_COUNT_MISMATCH"
)

// TaskError provides a consistent failure format across the dispatcher
// boundary.
type TaskError struct {
	Kind      Kind              `json:"kind" msgpack:"kind"`
	Code      string            `json:"code" msgpack:"code"`
	Message   string            `json:"message" msgpack:"message"`
	TaskID    string            `json:"task_id,omitempty" msgpack:"task_id,omitempty"`
	Function  string            `json:"function,omitempty" msgpack:"function,omitempty"`
	Traceback string            `json:"traceback,omitempty" msgpack:"traceback,omitempty"`
	Context   map[string]string `json:"context,omitempty" msgpack:"context,omitempty"`
	Caller    string            `json:"caller,omitempty" msgpack:"caller,omitempty"`
}

// Error implements the error interface
func (e *TaskError) Error() string {
	if e.Function != "" {
		return fmt.Sprintf("[%s:%s] %s: %s", e.Kind, e.Code, e.Function, e.Message)
	}

	return fmt.Sprintf("[%s:%s] %s", e.Kind, e.Code, e.Message)
}

// Is matches any TaskError of the same kind, so the Err* sentinels below work
// with errors.Is.
func (e *TaskError) Is(target error) bool {
	t, ok := target.(*TaskError)

	return ok && t.Kind == e.Kind
}

// Fatal reports whether the failure is an invariant violation that must stop
// the worker rather than just fail the task.
func (e *TaskError) Fatal() bool { return e.Kind == KindReentrantLock }

// WithTask returns a copy annotated with the task and function it belongs to.
func (e *TaskError) WithTask(taskID, function string) *TaskError {
	out := *e
	out.TaskID = taskID
	out.Function = function

	return &out
}

// Sentinels for errors.Is matching by kind.
var (
	ErrFunctionNotFound     = &TaskError{Kind: KindFunctionNotFound}
	ErrActorNotFound        = &TaskError{Kind: KindActorNotFound}
	ErrActorAlreadyExists   = &TaskError{Kind: KindActorAlreadyExists}
	ErrUserCodeFailure      = &TaskError{Kind: KindUserCodeFailure}
	ErrActorCreationFailure = &TaskError{Kind: KindActorCreationFailure}
	ErrReentrantLock        = &TaskError{Kind: KindReentrantLock}
	ErrMalformedArguments   = &TaskError{Kind: KindMalformedArguments}
	ErrReturnCountMismatch  = &TaskError{Kind: KindReturnCountMismatch}
)

// NewTaskError creates a new task failure, recording the calling function.
func NewTaskError(kind Kind, code, message string, context map[string]string) *TaskError {
	return newTaskError(2, kind, code, message, context)
}

func newTaskError(skip int, kind Kind, code, message string, context map[string]string) *TaskError {
	caller := "unknown"
	if pc, _, _, ok := runtime.Caller(skip); ok {
		if fn := runtime.FuncForPC(pc); fn != nil {
			caller = fn.Name()
		}
	}

	return &TaskError{
		Kind:    kind,
		Code:    code,
		Message: message,
		Context: context,
		Caller:  caller,
	}
}

// Common failure constructors
func FunctionNotFound(function string) *TaskError {
	return newTaskError(2, KindFunctionNotFound, "UNRESOLVED",
		fmt.Sprintf("function %s is not registered", function),
		map[string]string{"function": function})
}

func ActorNotFound(actorID string) *TaskError {
	return newTaskError(2, KindActorNotFound, "NO_CONTEXT",
		fmt.Sprintf("no live context for actor %s", actorID),
		map[string]string{"actor_id": actorID})
}

func ActorAlreadyExists(actorID string) *TaskError {
	return newTaskError(2, KindActorAlreadyExists, "DUPLICATE_CREATION",
		fmt.Sprintf("actor %s was already created", actorID),
		map[string]string{"actor_id": actorID})
}

// UserCodeFailure wraps a failure raised by invoked code. code distinguishes a
// returned error ("RETURNED_ERROR") from a recovered panic ("PANIC").
func UserCodeFailure(code string, cause error, traceback string) *TaskError {
	e := newTaskError(2, KindUserCodeFailure, code, cause.Error(), nil)
	e.Traceback = traceback

	return e
}

// ActorCreationFailure derives the failure recorded on an actor whose
// constructor failed. Every later call to that actor reports it.
func ActorCreationFailure(actorID string, cause *TaskError) *TaskError {
	e := newTaskError(2, KindActorCreationFailure, "INIT_FAILED",
		fmt.Sprintf("actor %s failed to initialize: %s", actorID, cause.Message),
		map[string]string{"actor_id": actorID, "cause_kind": string(cause.Kind), "cause_code": cause.Code})
	e.Traceback = cause.Traceback

	return e
}

// DependencyFailure is the failure of a task whose argument resolved to an
// upstream error marker. It keeps the upstream kind, code and traceback so
// callers further down the chain can match the original failure. Invariant
// violations belong to the worker that hit them and arrive as user failures.
func DependencyFailure(objectID string, cause *TaskError) *TaskError {
	kind := cause.Kind
	if cause.Fatal() {
		kind = KindUserCodeFailure
	}
	e := newTaskError(2, kind, cause.Code,
		fmt.Sprintf("dependency %s failed: %s", objectID, cause.Message),
		map[string]string{
			"dependency":        objectID,
			"upstream_kind":     string(cause.Kind),
			"upstream_task_id":  cause.TaskID,
			"upstream_function": cause.Function,
		})
	e.Traceback = cause.Traceback

	return e
}

func ReentrantLock(actorID string) *TaskError {
	return newTaskError(2, KindReentrantLock, "LOCK_HELD",
		fmt.Sprintf("actor %s lock requested while already held by this execution path", actorID),
		map[string]string{"actor_id": actorID})
}

func MalformedArguments(code, detail string) *TaskError {
	return newTaskError(2, KindMalformedArguments, code, detail, nil)
}

func ReturnCountMismatch(got, want int) *TaskError {
	return newTaskError(2, KindReturnCountMismatch, "ARITY",
		fmt.Sprintf("function produced %d values, task declares %d returns", got, want),
		map[string]string{"got": fmt.Sprint(got), "want": fmt.Sprint(want)})
}
