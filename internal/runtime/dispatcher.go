package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"reflect"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/orizon-lang/taskcore/internal/codec"
	taskerrors "github.com/orizon-lang/taskcore/internal/errors"
	"github.com/orizon-lang/taskcore/internal/registry"
	"github.com/orizon-lang/taskcore/internal/task"
)

// Request describes one task execution with its arguments already resolved.
type Request struct {
	TaskID             task.TaskID
	Type               task.Type
	Name               string
	Function           task.FunctionDescriptor
	RequiredResources  map[string]float64 // Informational; enforcement happens before dispatch
	Args               [][]byte           // Resolved argument buffers, in order
	ArgReferenceIDs    []task.ObjectID    // Object id per argument, empty for inlined values
	ReturnIDs          []task.ObjectID
	DebuggerBreakpoint string
	ActorID            task.ActorID // Target of actor-addressed task types

	// DependencyFailure is set when an argument resolved to an upstream error
	// marker. The task then fails with it without running user code.
	DependencyFailure *taskerrors.TaskError
}

// RequestFromTask builds a request for t. args must hold one resolved buffer
// per task argument.
func RequestFromTask(t *task.Task, args [][]byte) *Request {
	spec := t.Spec()
	refs := make([]task.ObjectID, 0, spec.NumArgs())
	for _, a := range spec.Args() {
		var id task.ObjectID
		if a.Ref != nil {
			id = a.Ref.ID
		}
		refs = append(refs, id)
	}

	return &Request{
		TaskID:             spec.TaskID(),
		Type:               spec.Type(),
		Name:               spec.Name(),
		Function:           spec.Function(),
		RequiredResources:  spec.Resources(),
		Args:               args,
		ArgReferenceIDs:    refs,
		ReturnIDs:          spec.ReturnIDs(),
		DebuggerBreakpoint: spec.DebuggerBreakpoint(),
		ActorID:            spec.ActorID(),
	}
}

// Dispatcher executes tasks against a function resolver and an actor table.
// ExecuteTask is safe to call from many goroutines; the only place it blocks
// is on an actor's lock.
type Dispatcher struct {
	resolver     registry.Resolver
	actors       *ActorTable
	codec        codec.Codec
	log          logrus.FieldLogger
	fatal        func(error)
	onBreakpoint func(ctx context.Context, req *Request)
	stats        DispatcherStats
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithCodec sets the argument and result codec. The default is msgpack.
func WithCodec(c codec.Codec) Option { return func(d *Dispatcher) { d.codec = c } }

// WithLogger sets the logger. The default discards output.
func WithLogger(l logrus.FieldLogger) Option { return func(d *Dispatcher) { d.log = l } }

// WithFatalHandler sets what happens on an invariant violation. The default
// logs at fatal level, which exits the process.
func WithFatalHandler(fn func(error)) Option { return func(d *Dispatcher) { d.fatal = fn } }

// WithBreakpointHook installs a callback run before invoking any task that
// carries a debugger breakpoint.
func WithBreakpointHook(fn func(ctx context.Context, req *Request)) Option {
	return func(d *Dispatcher) { d.onBreakpoint = fn }
}

// NewDispatcher creates a dispatcher. actors is owned by the caller and may be
// shared with other dispatchers of the same worker.
func NewDispatcher(resolver registry.Resolver, actors *ActorTable, opts ...Option) *Dispatcher {
	d := &Dispatcher{resolver: resolver, actors: actors, codec: codec.Msgpack{}}
	for _, opt := range opts {
		opt(d)
	}
	if d.log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		d.log = l
	}
	if d.fatal == nil {
		log := d.log
		d.fatal = func(err error) { log.WithError(err).Fatal("worker invariant violated") }
	}
	d.stats.init()

	return d
}

// Stats exposes the dispatcher counters.
func (d *Dispatcher) Stats() *DispatcherStats { return &d.stats }

// ExecuteTask runs one task. The returned error is nil on success and the
// task's *errors.TaskError otherwise; in both cases Outcome.Results holds one
// buffer per declared return id. A failed task never panics out of here.
func (d *Dispatcher) ExecuteTask(ctx context.Context, req *Request) (Outcome, error) {
	start := time.Now()
	d.stats.inFlight.Inc()
	defer d.stats.inFlight.Dec()

	log := d.log.WithFields(logrus.Fields{
		"task_id":        req.TaskID,
		"task_type":      req.Type.String(),
		"function":       req.Function.Key(),
		"correlation_id": CorrelationID(ctx),
	})
	if req.Type.IsActorAddressed() {
		log = log.WithField("actor_id", req.ActorID)
	}
	log.WithField("resources", req.RequiredResources).Debug("executing task")

	if req.DebuggerBreakpoint != "" && d.onBreakpoint != nil {
		d.onBreakpoint(ctx, req)
	}

	var (
		buffers [][]byte
		terr    *taskerrors.TaskError
	)
	switch req.Type {
	case task.NormalTask:
		buffers, terr = d.runNormal(ctx, req)
	case task.ActorCreationTask:
		buffers, terr = d.runActorCreation(ctx, req)
	case task.ActorTask:
		buffers, terr = d.runActorMethod(ctx, req, false)
	case task.ActorDestructorTask:
		buffers, terr = d.runActorMethod(ctx, req, true)
	default:
		terr = taskerrors.MalformedArguments("TASK_TYPE", fmt.Sprintf("unknown task type %d", req.Type))
	}
	d.stats.observe(req.Type, terr, time.Since(start))

	if terr != nil {
		return d.fail(log, req, terr), terr.WithTask(string(req.TaskID), req.Function.Key())
	}

	out := Outcome{Results: make([]ResultBuffer, len(buffers))}
	for i, b := range buffers {
		out.Results[i] = ResultBuffer{ObjectID: req.ReturnIDs[i], Data: b}
	}
	log.WithField("elapsed", time.Since(start)).Debug("task succeeded")

	return out, nil
}

func (d *Dispatcher) fail(log logrus.FieldLogger, req *Request, terr *taskerrors.TaskError) Outcome {
	terr = terr.WithTask(string(req.TaskID), req.Function.Key())
	log = log.WithFields(logrus.Fields{"kind": terr.Kind, "code": terr.Code})
	if terr.Fatal() {
		log.WithError(terr).Error("task hit an invariant violation")
		d.fatal(terr)
	} else {
		log.WithError(terr).Warn("task failed")
	}

	out := Outcome{Results: errorMarkers(d.codec, req.ReturnIDs, terr)}
	if req.Type == task.ActorCreationTask && terr.Kind == taskerrors.KindActorCreationFailure {
		if b, err := d.codec.Marshal(terr); err == nil {
			out.CreationException = b
		} else {
			out.CreationException = []byte(terr.Error())
		}
	}

	return out
}

func (d *Dispatcher) runNormal(ctx context.Context, req *Request) ([][]byte, *taskerrors.TaskError) {
	values, terr := d.invokeRequest(ctx, req, nil, false)
	if terr != nil {
		return nil, terr
	}

	return d.encode(values, len(req.ReturnIDs))
}

func (d *Dispatcher) runActorCreation(ctx context.Context, req *Request) ([][]byte, *taskerrors.TaskError) {
	if n := len(req.ReturnIDs); n > 1 {
		return nil, taskerrors.ReturnCountMismatch(1, n)
	}

	var buffers [][]byte
	err := d.actors.Create(ctx, req.ActorID, func(ctx context.Context, h *ActorHandle) error {
		values, terr := d.invokeRequest(ctx, req, nil, false)
		if terr == nil && len(values) != 1 {
			terr = taskerrors.ReturnCountMismatch(len(values), 1)
		}
		if terr != nil {
			failure := taskerrors.ActorCreationFailure(string(req.ActorID), terr)
			h.Poison(failure)
			return failure
		}
		h.SetInstance(values[0].Interface())

		if len(req.ReturnIDs) == 1 {
			b, err := d.codec.Marshal(string(req.ActorID))
			if err != nil {
				return taskerrors.UserCodeFailure("UNSERIALIZABLE_RESULT", err, "")
			}
			buffers = append(buffers, b)
		}
		return nil
	})
	if err != nil {
		return nil, asTaskError(err)
	}

	return buffers, nil
}

func (d *Dispatcher) runActorMethod(ctx context.Context, req *Request, destroy bool) ([][]byte, *taskerrors.TaskError) {
	var buffers [][]byte
	err := d.actors.WithActor(ctx, req.ActorID, func(ctx context.Context, h *ActorHandle) error {
		if destroy {
			defer h.MarkForRemoval()
		}
		values, terr := d.invokeRequest(ctx, req, h.Instance(), true)
		if terr != nil {
			return terr
		}
		var encErr *taskerrors.TaskError
		buffers, encErr = d.encode(values, len(req.ReturnIDs))
		if encErr != nil {
			return encErr
		}
		return nil
	})
	if err == nil {
		return buffers, nil
	}

	terr := asTaskError(err)
	if destroy && terr.Kind == taskerrors.KindActorCreationFailure {
		// A destructor still clears the slot of an actor that never came up.
		d.removePoisoned(ctx, req.ActorID)
	}

	return nil, terr
}

// removePoisoned drops an actor whose creation failed. Losing the race to
// another destructor is expected; anything else is logged.
func (d *Dispatcher) removePoisoned(ctx context.Context, id task.ActorID) {
	err := d.actors.Remove(ctx, id)
	if err != nil && !errors.Is(err, taskerrors.ErrActorNotFound) {
		d.log.WithError(err).WithField("actor_id", id).Debug("poisoned actor not removed")
	}
}

func (d *Dispatcher) invokeRequest(ctx context.Context, req *Request, receiver any, hasReceiver bool) ([]reflect.Value, *taskerrors.TaskError) {
	if req.DependencyFailure != nil {
		return nil, req.DependencyFailure
	}

	return d.invoke(ctx, req.Function, req.Args, receiver, hasReceiver)
}

// Invoke resolves desc, decodes args into its parameters, calls it and encodes
// every result. receiver is passed as the first parameter when hasReceiver is
// set. This is the low-level path below ExecuteTask; it does not check return
// counts and takes no actor locks.
func (d *Dispatcher) Invoke(ctx context.Context, desc task.FunctionDescriptor, args [][]byte, receiver any, hasReceiver bool) ([][]byte, error) {
	values, terr := d.invoke(ctx, desc, args, receiver, hasReceiver)
	if terr != nil {
		return nil, terr
	}
	buffers, terr := d.encode(values, len(values))
	if terr != nil {
		return nil, terr
	}

	return buffers, nil
}

func (d *Dispatcher) invoke(ctx context.Context, desc task.FunctionDescriptor, args [][]byte, receiver any, hasReceiver bool) ([]reflect.Value, *taskerrors.TaskError) {
	fn, err := d.resolver.Resolve(desc)
	if err != nil {
		return nil, taskerrors.FunctionNotFound(desc.Key())
	}

	params := make([]reflect.Value, 0, fn.NumParams())
	first := 0
	if hasReceiver {
		if fn.NumParams() == 0 {
			return nil, taskerrors.MalformedArguments("RECEIVER", fmt.Sprintf("%s takes no actor receiver", desc.Key()))
		}
		rv := reflect.ValueOf(receiver)
		if !rv.IsValid() || !rv.Type().AssignableTo(fn.Param(0)) {
			return nil, taskerrors.MalformedArguments("RECEIVER",
				fmt.Sprintf("%s expects receiver %s, actor holds %T", desc.Key(), fn.Param(0), receiver))
		}
		params = append(params, rv)
		first = 1
	}

	if want := fn.NumParams() - first; len(args) != want {
		return nil, taskerrors.MalformedArguments("ARITY",
			fmt.Sprintf("%s takes %d arguments, got %d", desc.Key(), want, len(args)))
	}
	for i, buf := range args {
		pt := fn.Param(first + i)
		ptr := reflect.New(pt)
		if err := d.codec.Unmarshal(buf, ptr.Interface()); err != nil {
			return nil, taskerrors.MalformedArguments("DECODE",
				fmt.Sprintf("argument %d of %s does not decode as %s: %v", i, desc.Key(), pt, err))
		}
		params = append(params, ptr.Elem())
	}

	return call(ctx, fn, params)
}

// call is the failure boundary around user code: returned errors and panics
// both come back as a UserCodeFailure.
func call(ctx context.Context, fn *registry.Function, params []reflect.Value) (values []reflect.Value, terr *taskerrors.TaskError) {
	defer func() {
		if r := recover(); r != nil {
			err := pkgerrors.Errorf("panic: %v", r)
			values, terr = nil, taskerrors.UserCodeFailure("PANIC", err, fmt.Sprintf("%+v", err))
		}
	}()

	values, err := fn.Call(ctx, params)
	if err != nil {
		return nil, taskerrors.UserCodeFailure("RETURNED_ERROR", err, traceback(err))
	}

	return values, nil
}

type stackTracer interface {
	StackTrace() pkgerrors.StackTrace
}

func traceback(err error) string {
	if _, ok := err.(stackTracer); ok {
		return fmt.Sprintf("%+v", err)
	}

	return ""
}

func (d *Dispatcher) encode(values []reflect.Value, want int) ([][]byte, *taskerrors.TaskError) {
	if len(values) != want {
		return nil, taskerrors.ReturnCountMismatch(len(values), want)
	}
	out := make([][]byte, len(values))
	for i, v := range values {
		b, err := d.codec.Marshal(v.Interface())
		if err != nil {
			return nil, taskerrors.UserCodeFailure("UNSERIALIZABLE_RESULT",
				fmt.Errorf("result %d: %w", i, err), "")
		}
		out[i] = b
	}

	return out, nil
}
