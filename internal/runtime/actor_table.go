package runtime

import (
	"context"
	"sync"
	"time"

	"go.uber.org/atomic"

	taskerrors "github.com/orizon-lang/taskcore/internal/errors"
	"github.com/orizon-lang/taskcore/internal/task"
)

// ActorTable is the registry of live actor contexts owned by one worker.
//
// The table mutex guards only the map; it is never held while waiting for an
// actor's lock, so independent actors run concurrently. Each entry's lock
// serializes task execution against that actor. Lock order is always entry
// lock before table mutex.
type ActorTable struct {
	mutex   sync.Mutex
	entries map[task.ActorID]*actorEntry
	stats   actorTableStats
}

type actorEntry struct {
	id          task.ActorID
	mu          sync.Mutex
	instance    any                   // Boxed actor state
	creationErr *taskerrors.TaskError // Set when the constructor failed
	removed     bool                  // Deleted from the table; lookups through stale pointers must fail
	createdAt   time.Time
}

type actorTableStats struct {
	created   atomic.Uint64
	removed   atomic.Uint64
	poisoned  atomic.Uint64
	acquired  atomic.Uint64
	lockWait  atomic.Duration
	reentrant atomic.Uint64
}

// NewActorTable creates an empty table.
func NewActorTable() *ActorTable {
	return &ActorTable{entries: make(map[task.ActorID]*actorEntry)}
}

// ActorHandle grants access to one actor's state. It is only valid inside the
// callback it was passed to; the actor's lock is held for exactly that long.
type ActorHandle struct {
	entry    *actorEntry
	released bool
	remove   bool
}

func (h *ActorHandle) check() {
	if h.released {
		panic("runtime: actor handle used after release")
	}
}

func (h *ActorHandle) ID() task.ActorID { return h.entry.id }

// Instance returns the actor's boxed state.
func (h *ActorHandle) Instance() any {
	h.check()
	return h.entry.instance
}

// SetInstance replaces the actor's boxed state.
func (h *ActorHandle) SetInstance(v any) {
	h.check()
	h.entry.instance = v
}

// Poison records a construction failure. Later tasks on this actor fail with it.
func (h *ActorHandle) Poison(err *taskerrors.TaskError) {
	h.check()
	h.entry.creationErr = err
	h.entry.instance = nil
}

// MarkForRemoval deletes the actor from the table when the callback returns,
// before its lock is released.
func (h *ActorHandle) MarkForRemoval() {
	h.check()
	h.remove = true
}

type heldActorsKey struct{}

// heldActors is the set of actor locks held by one execution path. It travels
// in the context so nested calls can detect reentrancy.
type heldActors struct {
	id   task.ActorID
	next *heldActors
}

func withHeldActor(ctx context.Context, id task.ActorID) context.Context {
	prev, _ := ctx.Value(heldActorsKey{}).(*heldActors)
	return context.WithValue(ctx, heldActorsKey{}, &heldActors{id: id, next: prev})
}

// HoldsActor reports whether ctx belongs to an execution path that currently
// holds id's lock.
func HoldsActor(ctx context.Context, id task.ActorID) bool {
	for h, _ := ctx.Value(heldActorsKey{}).(*heldActors); h != nil; h = h.next {
		if h.id == id {
			return true
		}
	}

	return false
}

// getOrCreate atomically finds or inserts the entry for id. A newly inserted
// entry is returned already locked by the caller.
func (t *ActorTable) getOrCreate(id task.ActorID) (*actorEntry, bool) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if e, ok := t.entries[id]; ok {
		return e, false
	}
	e := &actorEntry{id: id, createdAt: time.Now()}
	e.mu.Lock()
	t.entries[id] = e
	t.stats.created.Inc()

	return e, true
}

func (t *ActorTable) lookup(id task.ActorID) *actorEntry {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	return t.entries[id]
}

// Create registers a new actor and runs init against it with the actor's lock
// held. Tasks for the same actor that arrive meanwhile block until init
// returns. If init neither sets an instance nor poisons the actor and returns
// an error, the actor is poisoned with that error.
func (t *ActorTable) Create(ctx context.Context, id task.ActorID, init func(ctx context.Context, h *ActorHandle) error) error {
	e, created := t.getOrCreate(id)
	if !created {
		return taskerrors.ActorAlreadyExists(string(id))
	}

	h := &ActorHandle{entry: e}
	defer t.release(h)

	err := init(withHeldActor(ctx, id), h)
	if err != nil && e.creationErr == nil {
		e.creationErr = asTaskError(err)
		e.instance = nil
	}
	if e.creationErr != nil {
		t.stats.poisoned.Inc()
	}

	return err
}

// WithActor runs fn with exclusive access to an existing actor. It fails with
// ActorNotFound if the actor was never created or has been removed, with the
// recorded creation failure if the actor failed to initialize, and with
// ReentrantLockViolation if ctx already holds the actor's lock.
func (t *ActorTable) WithActor(ctx context.Context, id task.ActorID, fn func(ctx context.Context, h *ActorHandle) error) error {
	if HoldsActor(ctx, id) {
		t.stats.reentrant.Inc()
		return taskerrors.ReentrantLock(string(id))
	}
	e := t.lookup(id)
	if e == nil {
		return taskerrors.ActorNotFound(string(id))
	}

	waitStart := time.Now()
	e.mu.Lock()
	t.stats.lockWait.Add(time.Since(waitStart))
	t.stats.acquired.Inc()
	h := &ActorHandle{entry: e}
	defer t.release(h)

	if e.removed {
		return taskerrors.ActorNotFound(string(id))
	}
	if e.creationErr != nil {
		return e.creationErr
	}

	return fn(withHeldActor(ctx, id), h)
}

// release invalidates the handle, applies a pending removal and unlocks.
func (t *ActorTable) release(h *ActorHandle) {
	e := h.entry
	h.released = true
	if h.remove && !e.removed {
		t.unlink(e)
	}
	e.mu.Unlock()
}

// unlink deletes e from the map. e's lock must be held.
func (t *ActorTable) unlink(e *actorEntry) {
	t.mutex.Lock()
	if t.entries[e.id] == e {
		delete(t.entries, e.id)
	}
	t.mutex.Unlock()
	e.removed = true
	e.instance = nil
	t.stats.removed.Inc()
}

// Remove deletes an actor, waiting for any task running against it to finish.
func (t *ActorTable) Remove(ctx context.Context, id task.ActorID) error {
	if HoldsActor(ctx, id) {
		t.stats.reentrant.Inc()
		return taskerrors.ReentrantLock(string(id))
	}
	e := t.lookup(id)
	if e == nil {
		return taskerrors.ActorNotFound(string(id))
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return taskerrors.ActorNotFound(string(id))
	}
	t.unlink(e)

	return nil
}

// Contains reports whether a context for id is registered.
func (t *ActorTable) Contains(id task.ActorID) bool {
	return t.lookup(id) != nil
}

// Len returns the number of registered actors.
func (t *ActorTable) Len() int {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	return len(t.entries)
}

// Reset removes every actor, waiting for running tasks on each to finish. The
// worker calls it on shutdown.
func (t *ActorTable) Reset() {
	t.mutex.Lock()
	entries := make([]*actorEntry, 0, len(t.entries))
	for _, e := range t.entries {
		entries = append(entries, e)
	}
	t.mutex.Unlock()

	for _, e := range entries {
		e.mu.Lock()
		if !e.removed {
			t.unlink(e)
		}
		e.mu.Unlock()
	}
}

// Metrics returns a snapshot suitable for StartMetricsServer.
func (t *ActorTable) Metrics() map[string]float64 {
	return map[string]float64{
		"live":                float64(t.Len()),
		"created_total":       float64(t.stats.created.Load()),
		"removed_total":       float64(t.stats.removed.Load()),
		"poisoned_total":      float64(t.stats.poisoned.Load()),
		"lock_acquired_total": float64(t.stats.acquired.Load()),
		"lock_wait_seconds":   t.stats.lockWait.Load().Seconds(),
		"reentrant_total":     float64(t.stats.reentrant.Load()),
	}
}
