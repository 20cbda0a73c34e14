package runtime

import (
	"context"
	"fmt"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/orizon-lang/taskcore/internal/codec"
	taskerrors "github.com/orizon-lang/taskcore/internal/errors"
	"github.com/orizon-lang/taskcore/internal/task"
)

// ObjectStore is the local view of the object store: buffers that are already
// present on this node, keyed by object id. Stored buffers keep their error
// flag, so a failed return stays a failure for every later reader.
type ObjectStore interface {
	Get(ctx context.Context, ids []task.ObjectID) (map[task.ObjectID]ResultBuffer, error)
	Put(ctx context.Context, obj ResultBuffer) error
}

// ArgResolver turns a task's arguments into the resolved buffers ExecuteTask
// takes.
type ArgResolver interface {
	ResolveArgs(ctx context.Context, t *task.Task) ([][]byte, error)
}

// StoreArgResolver resolves reference arguments from an ObjectStore. Inlined
// values pass through unchanged. Codec decodes error markers; it defaults to
// msgpack.
type StoreArgResolver struct {
	Store ObjectStore
	Codec codec.Codec
}

// ResolveArgs fetches every distinct dependency once and fails with
// ErrObjectNotFound if any is missing. A dependency holding an error marker
// fails resolution with a dependency-failure *errors.TaskError built from the
// upstream failure.
func (r StoreArgResolver) ResolveArgs(ctx context.Context, t *task.Task) ([][]byte, error) {
	c := r.Codec
	if c == nil {
		c = codec.Msgpack{}
	}
	ids := t.UniqueDependencyIDs()
	var objects map[task.ObjectID]ResultBuffer
	if ids.Cardinality() > 0 {
		var err error
		objects, err = r.Store.Get(ctx, ids.ToSlice())
		if err != nil {
			return nil, err
		}
	}

	args := t.Spec().Args()
	out := make([][]byte, len(args))
	for i, a := range args {
		if !a.IsReference() {
			out[i] = a.Data
			continue
		}
		obj, ok := objects[a.Ref.ID]
		if !ok {
			return nil, fmt.Errorf("%w: %s (argument %d)", ErrObjectNotFound, a.Ref.ID, i)
		}
		if obj.IsError {
			return nil, taskerrors.DependencyFailure(string(a.Ref.ID), obj.Err(c))
		}
		out[i] = obj.Data
	}

	return out, nil
}

// MemoryStore is an in-process ObjectStore.
type MemoryStore struct {
	mutex   sync.RWMutex
	objects map[task.ObjectID]ResultBuffer
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[task.ObjectID]ResultBuffer)}
}

// Get returns the subset of ids present in the store. Missing ids are simply
// absent from the result.
func (s *MemoryStore) Get(_ context.Context, ids []task.ObjectID) (map[task.ObjectID]ResultBuffer, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	out := make(map[task.ObjectID]ResultBuffer, len(ids))
	for _, id := range ids {
		if b, ok := s.objects[id]; ok {
			out[id] = b
		}
	}

	return out, nil
}

func (s *MemoryStore) Put(_ context.Context, obj ResultBuffer) error {
	obj.Data = append([]byte(nil), obj.Data...)
	s.mutex.Lock()
	s.objects[obj.ObjectID] = obj
	s.mutex.Unlock()

	return nil
}

// PutResults stores every buffer of an outcome. Error markers keep their flag.
func (s *MemoryStore) PutResults(ctx context.Context, out Outcome) error {
	for _, r := range out.Results {
		if err := s.Put(ctx, r); err != nil {
			return err
		}
	}

	return nil
}

// Missing reports which of ids are not stored.
func (s *MemoryStore) Missing(ids mapset.Set[task.ObjectID]) mapset.Set[task.ObjectID] {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	missing := mapset.NewThreadUnsafeSet[task.ObjectID]()
	ids.Each(func(id task.ObjectID) bool {
		if _, ok := s.objects[id]; !ok {
			missing.Add(id)
		}
		return false
	})

	return missing
}

func (s *MemoryStore) Len() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return len(s.objects)
}
