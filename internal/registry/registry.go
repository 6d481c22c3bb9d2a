package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/eoger/lockbox-bridge/internal/handle"
)

var (
	// ErrInvalidHandle is returned for a handle that was never issued by the
	// registry or has been removed.
	ErrInvalidHandle = errors.New("invalid handle")

	// ErrLockUnavailable is returned for a handle whose entry was poisoned by
	// an operation that panicked while holding its lock.
	ErrLockUnavailable = errors.New("handle lock unavailable")
)

// PanicError reports a panic recovered from an operation. The entry it ran
// against is poisoned afterwards.
type PanicError struct {
	Kind  string
	ID    handle.ID
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic in %s handle %s: %v", e.Kind, e.ID, e.Value)
}

// entry fields other than unlinked are guarded by lock.
type entry[T any] struct {
	lock     *semaphore.Weighted
	value    T
	poisoned bool
	released bool

	// unlinked is set once the entry leaves the map. Whoever next finds the
	// lock free closes the instance.
	unlinked atomic.Bool
}

// Registry owns engine instances of one kind, keyed by handle.
type Registry[T any] struct {
	kind   string
	alloc  *handle.Allocator
	logger *slog.Logger

	mu      sync.RWMutex
	entries map[handle.ID]*entry[T]
}

// New creates an empty registry. Registries that share alloc never issue the
// same handle, so a handle from one kind is simply unknown to another.
func New[T any](kind string, alloc *handle.Allocator, logger *slog.Logger) *Registry[T] {
	if alloc == nil {
		alloc = handle.NewAllocator()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Registry[T]{
		kind:    kind,
		alloc:   alloc,
		logger:  logger.With("registry", kind),
		entries: make(map[handle.ID]*entry[T]),
	}
}

// Kind returns the engine kind this registry holds.
func (r *Registry[T]) Kind() string {
	return r.kind
}

// Insert takes ownership of v and returns its new handle. The only failure is
// allocator exhaustion.
func (r *Registry[T]) Insert(v T) (handle.ID, error) {
	id, err := r.alloc.Next()
	if err != nil {
		return 0, fmt.Errorf("insert %s: %w", r.kind, err)
	}

	r.mu.Lock()
	r.entries[id] = &entry[T]{
		lock:  semaphore.NewWeighted(1),
		value: v,
	}
	r.mu.Unlock()

	r.logger.Debug("handle inserted", "handle", id)
	return id, nil
}

// Len returns the number of live entries.
func (r *Registry[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func (r *Registry[T]) lookup(id handle.ID) (*entry[T], error) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%s handle %s: %w", r.kind, id, ErrInvalidHandle)
	}
	return e, nil
}

// With runs op against the instance behind id while holding that entry's
// lock, and returns op's result. Waiting for the lock honours ctx; once op
// starts it runs to completion. A panic inside op is recovered, poisons the
// entry and comes back as a *PanicError.
func With[T, R any](ctx context.Context, r *Registry[T], id handle.ID, op func(T) (R, error)) (res R, err error) {
	e, err := r.lookup(id)
	if err != nil {
		return res, err
	}

	if err := e.lock.Acquire(ctx, 1); err != nil {
		r.reap(id, e)
		return res, fmt.Errorf("wait for %s handle %s: %w", r.kind, id, err)
	}
	defer r.reap(id, e)
	defer e.lock.Release(1)

	// The entry may have been unlinked while we waited.
	if e.released || e.unlinked.Load() {
		return res, fmt.Errorf("%s handle %s: %w", r.kind, id, ErrInvalidHandle)
	}
	if e.poisoned {
		return res, fmt.Errorf("%s handle %s: %w", r.kind, id, ErrLockUnavailable)
	}

	defer func() {
		if p := recover(); p != nil {
			e.poisoned = true
			stack := debug.Stack()
			r.logger.Error("handle poisoned by panic", "handle", id, "panic", p, "stack", string(stack))
			err = &PanicError{Kind: r.kind, ID: id, Value: p, Stack: stack}
		}
	}()

	return op(e.value)
}

// Remove unlinks the entry for id, so the handle is invalid as soon as Remove
// is called, then waits for any in-flight operation on it to finish and
// closes the instance if it is an io.Closer. A Close error is returned but
// the handle stays invalid.
//
// If ctx ends before the in-flight operation does, Remove returns nil without
// waiting further and the operation's caller closes the instance on its way
// out.
func (r *Registry[T]) Remove(ctx context.Context, id handle.ID) error {
	r.mu.Lock()
	e, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%s handle %s: %w", r.kind, id, ErrInvalidHandle)
	}
	e.unlinked.Store(true)

	if err := e.lock.Acquire(ctx, 1); err != nil {
		if !e.lock.TryAcquire(1) {
			r.logger.Debug("handle unlinked, close left to in-flight operation", "handle", id, "error", err)
			return nil
		}
	}
	defer e.lock.Release(1)
	return r.finalize(id, e)
}

// finalize closes the instance once. The caller holds e.lock.
func (r *Registry[T]) finalize(id handle.ID, e *entry[T]) error {
	if e.released {
		return nil
	}
	e.released = true

	var zero T
	v := e.value
	e.value = zero

	r.logger.Debug("handle removed", "handle", id, "poisoned", e.poisoned)

	if c, ok := any(v).(io.Closer); ok {
		if err := c.Close(); err != nil {
			return fmt.Errorf("close %s handle %s: %w", r.kind, id, err)
		}
	}
	return nil
}

// reap closes an unlinked instance whose lock is free. Everyone who gives up
// the lock, or stops waiting for it, calls reap afterwards, so the last one
// out of an abandoned Remove does the close.
func (r *Registry[T]) reap(id handle.ID, e *entry[T]) {
	if !e.unlinked.Load() || !e.lock.TryAcquire(1) {
		return
	}
	defer e.lock.Release(1)
	if err := r.finalize(id, e); err != nil {
		r.logger.Warn("close after remove", "handle", id, "error", err)
	}
}

// Drain removes every entry, closing instances as Remove does. Close errors
// are logged.
func (r *Registry[T]) Drain() {
	r.mu.RLock()
	ids := make([]handle.ID, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		if err := r.Remove(context.Background(), id); err != nil && !errors.Is(err, ErrInvalidHandle) {
			r.logger.Warn("drain", "handle", id, "error", err)
		}
	}
}
