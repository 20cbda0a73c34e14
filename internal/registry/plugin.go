package registry

import (
	"errors"
	"fmt"
	"path/filepath"
	"plugin"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/orizon-lang/taskcore/internal/task"
)

// RegisterSymbol is the symbol a function library exports. Its type must be
// func(*registry.Registry) error.
const RegisterSymbol = "RegisterFunctions"

// RegisterFunc is the signature of a library's RegisterSymbol.
type RegisterFunc = func(*Registry) error

// LoadPlugin opens a Go plugin and lets it register its functions.
func (r *Registry) LoadPlugin(path string) error {
	register, err := openPlugin(path)
	if err != nil {
		return err
	}

	return register(r)
}

func openPlugin(path string) (RegisterFunc, error) {
	p, err := plugin.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open function library %s: %w", path, err)
	}
	sym, err := p.Lookup(RegisterSymbol)
	if err != nil {
		return nil, fmt.Errorf("function library %s: %w", path, err)
	}
	register, ok := sym.(RegisterFunc)
	if !ok {
		return nil, fmt.Errorf("function library %s: %s has type %T", path, RegisterSymbol, sym)
	}

	return register, nil
}

// PluginResolver resolves from a registry and, on a miss, loads the library
// named by the descriptor's module from dir before trying again. Concurrent
// misses on the same module share one load.
type PluginResolver struct {
	reg    *Registry
	dir    string
	open   func(path string) (RegisterFunc, error)
	sf     singleflight.Group
	mutex  sync.Mutex
	loaded map[string]error // module -> load result
}

// NewPluginResolver creates a resolver that loads "<dir>/<module>.so" on demand.
func NewPluginResolver(reg *Registry, dir string) *PluginResolver {
	return &PluginResolver{reg: reg, dir: dir, open: openPlugin, loaded: make(map[string]error)}
}

// Resolve implements Resolver.
func (p *PluginResolver) Resolve(desc task.FunctionDescriptor) (*Function, error) {
	f, err := p.reg.Resolve(desc)
	if err == nil || !errors.Is(err, ErrFunctionNotFound) || desc.Module == "" || p.dir == "" {
		return f, err
	}

	if loadErr := p.load(desc.Module); loadErr != nil {
		return nil, fmt.Errorf("%w: %s (%v)", ErrFunctionNotFound, desc.Key(), loadErr)
	}

	return p.reg.Resolve(desc)
}

func (p *PluginResolver) load(module string) error {
	p.mutex.Lock()
	res, done := p.loaded[module]
	p.mutex.Unlock()
	if done {
		return res
	}

	_, err, _ := p.sf.Do(module, func() (any, error) {
		p.mutex.Lock()
		res, done := p.loaded[module]
		p.mutex.Unlock()
		if done {
			return nil, res
		}

		register, err := p.open(filepath.Join(p.dir, module+".so"))
		if err == nil {
			err = register(p.reg)
		}
		p.mutex.Lock()
		p.loaded[module] = err
		p.mutex.Unlock()

		return nil, err
	})

	return err
}

// Forget drops the remembered load result for module so the next miss retries
// the library. Used after the library directory changes.
func (p *PluginResolver) Forget(module string) {
	p.mutex.Lock()
	delete(p.loaded, module)
	p.mutex.Unlock()
}
