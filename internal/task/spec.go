package task

import (
	"fmt"
	"maps"
	"slices"
	"sort"
	"strconv"
	"strings"
)

// SpecParams carries the fields of a task specification at construction time.
type SpecParams struct {
	ID                 TaskID
	Type               Type
	Name               string
	Function           FunctionDescriptor
	Args               []Arg
	Resources          map[string]float64
	ReturnIDs          []ObjectID
	ActorID            ActorID
	DebuggerBreakpoint string
	CallerAddress      string
}

// Spec is the immutable description of a task. It is built once at submission
// time and shared by every stage afterwards; accessors return copies of any
// slice or map so callers cannot mutate it.
type Spec struct {
	id                 TaskID
	typ                Type
	name               string
	function           FunctionDescriptor
	args               []Arg
	resources          map[string]float64
	returnIDs          []ObjectID
	actorID            ActorID
	debuggerBreakpoint string
	callerAddress      string
}

// NewSpec validates p and returns the specification it describes.
func NewSpec(p SpecParams) (*Spec, error) {
	if p.ID == "" {
		return nil, fmt.Errorf("%w: missing task id", ErrInvalidSpec)
	}
	if !p.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown task type %d", ErrInvalidSpec, p.Type)
	}
	if p.Function.IsEmpty() {
		return nil, fmt.Errorf("%w: missing function descriptor", ErrInvalidSpec)
	}
	if p.Type.IsActorAddressed() && p.ActorID.IsNil() {
		return nil, fmt.Errorf("%w: %s requires an actor id", ErrInvalidSpec, p.Type)
	}
	for i, a := range p.Args {
		if a.Ref != nil && a.Ref.ID == "" {
			return nil, fmt.Errorf("%w: argument %d references an empty object id", ErrInvalidSpec, i)
		}
	}
	for name, q := range p.Resources {
		if q < 0 {
			return nil, fmt.Errorf("%w: negative quantity for resource %s", ErrInvalidSpec, name)
		}
	}

	s := &Spec{
		id:                 p.ID,
		typ:                p.Type,
		name:               p.Name,
		function:           p.Function,
		args:               make([]Arg, len(p.Args)),
		resources:          maps.Clone(p.Resources),
		returnIDs:          slices.Clone(p.ReturnIDs),
		actorID:            p.ActorID,
		debuggerBreakpoint: p.DebuggerBreakpoint,
		callerAddress:      p.CallerAddress,
	}
	for i, a := range p.Args {
		s.args[i] = a.clone()
	}
	if s.resources == nil {
		s.resources = map[string]float64{}
	}

	return s, nil
}

func (s *Spec) TaskID() TaskID                 { return s.id }
func (s *Spec) Type() Type                     { return s.typ }
func (s *Spec) Name() string                   { return s.name }
func (s *Spec) Function() FunctionDescriptor   { return s.function }
func (s *Spec) ActorID() ActorID               { return s.actorID }
func (s *Spec) DebuggerBreakpoint() string     { return s.debuggerBreakpoint }
func (s *Spec) CallerAddress() string          { return s.callerAddress }
func (s *Spec) NumArgs() int                   { return len(s.args) }
func (s *Spec) NumReturns() int                { return len(s.returnIDs) }
func (s *Spec) ReturnIDs() []ObjectID          { return slices.Clone(s.returnIDs) }
func (s *Spec) Resources() map[string]float64  { return maps.Clone(s.resources) }
func (s *Spec) IsActorCreationTask() bool      { return s.typ == ActorCreationTask }
func (s *Spec) Dependencies() []ObjectRef      { return ExtractDependencies(s.args) }

// Args returns a deep copy of the argument list.
func (s *Spec) Args() []Arg {
	out := make([]Arg, len(s.args))
	for i, a := range s.args {
		out[i] = a.clone()
	}

	return out
}

// Equal reports whether two specifications describe the same task.
func (s *Spec) Equal(o *Spec) bool {
	if s == nil || o == nil {
		return s == o
	}

	return s.id == o.id &&
		s.typ == o.typ &&
		s.name == o.name &&
		s.function == o.function &&
		slices.EqualFunc(s.args, o.args, Arg.equal) &&
		maps.Equal(s.resources, o.resources) &&
		slices.Equal(s.returnIDs, o.returnIDs) &&
		s.actorID == o.actorID &&
		s.debuggerBreakpoint == o.debuggerBreakpoint &&
		s.callerAddress == o.callerAddress
}

// DebugString renders the specification for logs. Output is deterministic for
// identical specifications but is not a serialization format.
func (s *Spec) DebugString() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Type=%s, task_id=%s, task_name=%s, function_descriptor=%s",
		s.typ, s.id, s.name, s.function.DebugString())
	fmt.Fprintf(&b, ", num_args=%d, num_returns=%d", len(s.args), len(s.returnIDs))
	b.WriteString(", resources={")
	b.WriteString(formatResources(s.resources))
	b.WriteString("}")
	if s.typ.IsActorAddressed() {
		fmt.Fprintf(&b, ", actor_id=%s", s.actorID)
	}
	if s.debuggerBreakpoint != "" {
		fmt.Fprintf(&b, ", debugger_breakpoint=%s", s.debuggerBreakpoint)
	}

	return b.String()
}

func formatResources(res map[string]float64) string {
	keys := make([]string, 0, len(res))
	for k := range res {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+strconv.FormatFloat(res[k], 'g', -1, 64))
	}

	return strings.Join(parts, ", ")
}
