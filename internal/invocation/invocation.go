// Package invocation assembles outbound task invocations. It does no
// execution; a Submitter takes the result from here.
package invocation

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/orizon-lang/taskcore/internal/codec"
	"github.com/orizon-lang/taskcore/internal/task"
)

var ErrInvalidInvocation = errors.New("invalid invocation")

// Invocation is a function or actor call ready for submission.
type Invocation struct {
	TaskID      task.TaskID
	Type        task.Type
	Name        string
	Function    task.FunctionDescriptor
	Args        []task.Arg
	Target      *task.ActorID // Nil for plain function calls
	ReturnCount int
	ReturnIDs   []task.ObjectID
	Resources   map[string]float64
}

// Submitter hands an invocation to the execution side and returns the object
// ids its results will be stored under.
type Submitter interface {
	Submit(ctx context.Context, inv *Invocation) ([]task.ObjectID, error)
}

// BuildInvocation assembles a call to desc. target selects an actor method
// call; nil means a plain function call. Only structural completeness is
// checked: the argument list is not matched against the callee.
func BuildInvocation(desc task.FunctionDescriptor, args []task.Arg, target *task.ActorID, returnCount int) (*Invocation, error) {
	typ := task.NormalTask
	if target != nil {
		typ = task.ActorTask
	}

	return build(typ, "", desc, args, target, returnCount, nil)
}

func build(typ task.Type, name string, desc task.FunctionDescriptor, args []task.Arg, target *task.ActorID, returnCount int, resources map[string]float64) (*Invocation, error) {
	if desc.IsEmpty() {
		return nil, fmt.Errorf("%w: missing function descriptor", ErrInvalidInvocation)
	}
	if returnCount < 0 {
		return nil, fmt.Errorf("%w: negative return count %d", ErrInvalidInvocation, returnCount)
	}
	if typ.IsActorAddressed() && (target == nil || target.IsNil()) {
		return nil, fmt.Errorf("%w: %s needs a target actor", ErrInvalidInvocation, typ)
	}

	id := task.NewTaskID()
	inv := &Invocation{
		TaskID:      id,
		Type:        typ,
		Name:        name,
		Function:    desc,
		Args:        slices.Clone(args),
		ReturnCount: returnCount,
		ReturnIDs:   task.ReturnObjectIDs(id, returnCount),
		Resources:   maps.Clone(resources),
	}
	if target != nil {
		t := *target
		inv.Target = &t
	}

	return inv, nil
}

// Spec converts the invocation into an immutable task specification.
// caller is the address results are sent back to.
func (inv *Invocation) Spec(caller string) (*task.Spec, error) {
	p := task.SpecParams{
		ID:            inv.TaskID,
		Type:          inv.Type,
		Name:          inv.Name,
		Function:      inv.Function,
		Args:          inv.Args,
		Resources:     inv.Resources,
		ReturnIDs:     inv.ReturnIDs,
		CallerAddress: caller,
	}
	if inv.Target != nil {
		p.ActorID = *inv.Target
	}

	return task.NewSpec(p)
}

// Task wraps Spec into a fresh task record.
func (inv *Invocation) Task(caller string) (*task.Task, error) {
	spec, err := inv.Spec(caller)
	if err != nil {
		return nil, err
	}

	return task.New(spec, task.ExecutionSpec{}), nil
}

// Builder is a fluent form of BuildInvocation. The first failure is kept and
// reported by Build.
type Builder struct {
	desc      task.FunctionDescriptor
	codec     codec.Codec
	typ       task.Type
	name      string
	args      []task.Arg
	target    *task.ActorID
	returns   int
	resources map[string]float64
	err       error
}

// NewBuilder starts a plain function call to desc with one return value.
func NewBuilder(desc task.FunctionDescriptor) *Builder {
	return &Builder{desc: desc, codec: codec.Msgpack{}, typ: task.NormalTask, returns: 1}
}

// WithCodec sets the codec used by Arg. Defaults to msgpack.
func (b *Builder) WithCodec(c codec.Codec) *Builder {
	b.codec = c
	return b
}

// Arg encodes v and appends it as an inlined argument.
func (b *Builder) Arg(v any) *Builder {
	if b.err != nil {
		return b
	}
	data, err := b.codec.Marshal(v)
	if err != nil {
		b.err = fmt.Errorf("%w: argument %d: %v", ErrInvalidInvocation, len(b.args), err)
		return b
	}
	b.args = append(b.args, task.ValueArg(data))
	return b
}

// RawArg appends an already encoded argument.
func (b *Builder) RawArg(data []byte) *Builder {
	b.args = append(b.args, task.ValueArg(slices.Clone(data)))
	return b
}

// Ref appends a by-reference argument.
func (b *Builder) Ref(id task.ObjectID, owner string) *Builder {
	b.args = append(b.args, task.RefArg(id, owner))
	return b
}

// On targets a method call on actor.
func (b *Builder) On(actor task.ActorID) *Builder {
	b.target = &actor
	b.typ = task.ActorTask
	return b
}

// Create makes this the creation task of actor.
func (b *Builder) Create(actor task.ActorID) *Builder {
	b.target = &actor
	b.typ = task.ActorCreationTask
	return b
}

// Destroy makes this the destructor task of actor.
func (b *Builder) Destroy(actor task.ActorID) *Builder {
	b.target = &actor
	b.typ = task.ActorDestructorTask
	return b
}

func (b *Builder) Returns(n int) *Builder {
	b.returns = n
	return b
}

func (b *Builder) Name(name string) *Builder {
	b.name = name
	return b
}

// Resource sets the required quantity of a named resource.
func (b *Builder) Resource(name string, quantity float64) *Builder {
	if b.resources == nil {
		b.resources = make(map[string]float64)
	}
	b.resources[name] = quantity
	return b
}

// Build validates and returns the invocation.
func (b *Builder) Build() (*Invocation, error) {
	if b.err != nil {
		return nil, b.err
	}

	return build(b.typ, b.name, b.desc, b.args, b.target, b.returns, b.resources)
}
