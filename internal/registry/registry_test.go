package registry

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/orizon-lang/taskcore/internal/task"
)

type counter struct{ n int }

func (c *counter) Add(ctx context.Context, d int) (int, error) {
	if d < 0 {
		return 0, errors.New("negative delta")
	}
	c.n += d
	return c.n, nil
}

func TestRegistry_RegisterResolve(t *testing.T) {
	reg := New()
	desc := task.FunctionDescriptor{Class: "Counter", Function: "Add"}
	if err := reg.Register(desc, (*counter).Add); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Register(desc, (*counter).Add); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected duplicate error, got %v", err)
	}

	f, err := reg.Resolve(desc)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !f.TakesContext() || !f.ReturnsError() || f.NumParams() != 2 || f.NumResults() != 1 {
		t.Fatalf("unexpected convention: ctx=%v err=%v params=%d results=%d",
			f.TakesContext(), f.ReturnsError(), f.NumParams(), f.NumResults())
	}

	c := &counter{n: 1}
	out, err := f.Call(context.Background(), []reflect.Value{reflect.ValueOf(c), reflect.ValueOf(4)})
	if err != nil || len(out) != 1 || out[0].Int() != 5 {
		t.Fatalf("call = %v, %v", out, err)
	}
	if _, err := f.Call(context.Background(), []reflect.Value{reflect.ValueOf(c), reflect.ValueOf(-1)}); err == nil {
		t.Fatal("expected returned error")
	}
}

func TestRegistry_Rejects(t *testing.T) {
	reg := New()
	if err := reg.Register(task.FunctionDescriptor{Function: "x"}, 42); !errors.Is(err, ErrInvalidFunction) {
		t.Fatalf("expected invalid function, got %v", err)
	}
	if err := reg.Register(task.FunctionDescriptor{Function: "v"}, func(xs ...int) {}); !errors.Is(err, ErrInvalidFunction) {
		t.Fatalf("expected variadic rejection, got %v", err)
	}
	if _, err := reg.Resolve(task.FunctionDescriptor{Function: "missing_fn"}); !errors.Is(err, ErrFunctionNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestPluginResolver_CoalescesLoads(t *testing.T) {
	reg := New()
	p := NewPluginResolver(reg, "/libs")
	var opens int32
	p.open = func(path string) (RegisterFunc, error) {
		atomic.AddInt32(&opens, 1)
		if path != "/libs/mathlib.so" {
			t.Errorf("unexpected path %s", path)
		}
		time.Sleep(20 * time.Millisecond)
		return func(r *Registry) error {
			return r.Register(task.FunctionDescriptor{Module: "mathlib", Function: "Double"}, func(x int) int { return 2 * x })
		}, nil
	}

	desc := task.FunctionDescriptor{Module: "mathlib", Function: "Double"}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := p.Resolve(desc); err != nil {
				t.Errorf("resolve: %v", err)
			}
		}()
	}
	wg.Wait()
	if n := atomic.LoadInt32(&opens); n != 1 {
		t.Fatalf("library opened %d times", n)
	}

	if _, err := p.Resolve(task.FunctionDescriptor{Module: "mathlib", Function: "Triple"}); !errors.Is(err, ErrFunctionNotFound) {
		t.Fatalf("expected not found after load, got %v", err)
	}
}

func TestPluginResolver_RemembersFailedLoad(t *testing.T) {
	p := NewPluginResolver(New(), "/libs")
	var opens int32
	p.open = func(string) (RegisterFunc, error) {
		atomic.AddInt32(&opens, 1)
		return nil, errors.New("no such file")
	}
	desc := task.FunctionDescriptor{Module: "gone", Function: "f"}
	for i := 0; i < 3; i++ {
		if _, err := p.Resolve(desc); !errors.Is(err, ErrFunctionNotFound) {
			t.Fatalf("expected not found, got %v", err)
		}
	}
	p.Forget("gone")
	_, _ = p.Resolve(desc)
	if n := atomic.LoadInt32(&opens); n != 2 {
		t.Fatalf("opens = %d, want 2", n)
	}
}
