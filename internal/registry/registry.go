// Package registry maps function descriptors to Go callables.
//
// A registered function may take a context.Context as its first parameter.
// Actor methods are registered as method expressions, so the actor instance is
// the first non-context parameter:
//
//	reg.Register(task.FunctionDescriptor{Class: "Counter", Function: "New"}, NewCounter)
//	reg.Register(task.FunctionDescriptor{Class: "Counter", Function: "Add"}, (*Counter).Add)
//
// A trailing error result is treated as the failure channel and is not counted
// as a return value.
package registry

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/orizon-lang/taskcore/internal/task"
)

var (
	ErrFunctionNotFound = errors.New("function not found")
	ErrInvalidFunction  = errors.New("invalid function")
	ErrDuplicate        = errors.New("function already registered")
)

// Resolver turns a descriptor into a callable.
type Resolver interface {
	Resolve(desc task.FunctionDescriptor) (*Function, error)
}

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

// Function is a resolved callable together with its calling convention.
type Function struct {
	Descriptor   task.FunctionDescriptor
	fn           reflect.Value
	takesContext bool
	returnsError bool
	params       []reflect.Type
	results      []reflect.Type
}

func newFunction(desc task.FunctionDescriptor, fn any) (*Function, error) {
	v := reflect.ValueOf(fn)
	if !v.IsValid() || v.Kind() != reflect.Func || v.IsNil() {
		return nil, fmt.Errorf("%w: %s is %T, not a function", ErrInvalidFunction, desc.Key(), fn)
	}
	ft := v.Type()
	if ft.IsVariadic() {
		return nil, fmt.Errorf("%w: %s is variadic", ErrInvalidFunction, desc.Key())
	}

	f := &Function{Descriptor: desc, fn: v}
	for i := 0; i < ft.NumIn(); i++ {
		in := ft.In(i)
		if i == 0 && in == contextType {
			f.takesContext = true
			continue
		}
		f.params = append(f.params, in)
	}
	for i := 0; i < ft.NumOut(); i++ {
		out := ft.Out(i)
		if i == ft.NumOut()-1 && out == errorType {
			f.returnsError = true
			continue
		}
		f.results = append(f.results, out)
	}

	return f, nil
}

func (f *Function) TakesContext() bool { return f.takesContext }
func (f *Function) ReturnsError() bool { return f.returnsError }
func (f *Function) NumParams() int     { return len(f.params) }
func (f *Function) NumResults() int    { return len(f.results) }

// Param returns the type of the i-th non-context parameter.
func (f *Function) Param(i int) reflect.Type { return f.params[i] }

// Call invokes the function with already-decoded parameters and splits off the
// trailing error, if the function has one. Panics raised by the function are
// not recovered here.
func (f *Function) Call(ctx context.Context, params []reflect.Value) ([]reflect.Value, error) {
	if len(params) != len(f.params) {
		return nil, fmt.Errorf("%s takes %d parameters, got %d", f.Descriptor.Key(), len(f.params), len(params))
	}
	in := params
	if f.takesContext {
		in = append([]reflect.Value{reflect.ValueOf(&ctx).Elem()}, params...)
	}

	out := f.fn.Call(in)
	if !f.returnsError {
		return out, nil
	}
	last := out[len(out)-1]
	out = out[:len(out)-1]
	if !last.IsNil() {
		return out, last.Interface().(error)
	}

	return out, nil
}

// Registry is an in-process function table. It is safe for concurrent use.
type Registry struct {
	mutex sync.RWMutex
	funcs map[string]*Function
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{funcs: make(map[string]*Function)}
}

// Register adds fn under desc.
func (r *Registry) Register(desc task.FunctionDescriptor, fn any) error {
	if desc.IsEmpty() {
		return fmt.Errorf("%w: empty descriptor", ErrInvalidFunction)
	}
	f, err := newFunction(desc, fn)
	if err != nil {
		return err
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()
	if _, exists := r.funcs[desc.Key()]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicate, desc.Key())
	}
	r.funcs[desc.Key()] = f

	return nil
}

// MustRegister is like Register but panics on error. Intended for init-time
// registration tables.
func (r *Registry) MustRegister(desc task.FunctionDescriptor, fn any) {
	if err := r.Register(desc, fn); err != nil {
		panic(err)
	}
}

// Resolve implements Resolver.
func (r *Registry) Resolve(desc task.FunctionDescriptor) (*Function, error) {
	r.mutex.RLock()
	f, ok := r.funcs[desc.Key()]
	r.mutex.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrFunctionNotFound, desc.Key())
	}

	return f, nil
}

// Names lists registered keys in sorted order.
func (r *Registry) Names() []string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	names := make([]string, 0, len(r.funcs))
	for k := range r.funcs {
		names = append(names, k)
	}
	sort.Strings(names)

	return names
}
