// Package registry maps capability tags to the workers that serve them and
// bounds how many invocations each worker runs at once.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/avi3tal/coordinator/pkg/types"
)

var (
	// ErrFrozen is returned when registering after the registry was frozen
	ErrFrozen = errors.New("registry is frozen")

	// ErrInvalidSpec is returned for a capability without a tag or name
	ErrInvalidSpec = errors.New("capability spec requires a tag and a name")

	// ErrDuplicateWorker is returned when a tag already has a worker with the same name
	ErrDuplicateWorker = errors.New("worker already registered for capability")

	// ErrNoCapacity is returned by TryAcquire when every worker for a tag is busy
	ErrNoCapacity = errors.New("no worker capacity available")
)

// Worker is one registered capability implementation together with its
// concurrency slots.
type Worker struct {
	spec     types.CapabilitySpec
	impl     types.Capability
	limit    int
	sem      *semaphore.Weighted
	inflight atomic.Int64
}

// Spec returns the declared capability spec.
func (w *Worker) Spec() types.CapabilitySpec {
	return w.spec
}

// Name returns the worker name.
func (w *Worker) Name() string {
	return w.spec.Name
}

// Limit is the number of simultaneous invocations the worker accepts.
func (w *Worker) Limit() int {
	return w.limit
}

// InFlight is the number of invocations currently running on the worker.
func (w *Worker) InFlight() int {
	return int(w.inflight.Load())
}

// call runs the capability, turning a panic into a permanent error.
func (w *Worker) call(ctx context.Context, inv types.Invocation) (out types.Payload, err error) {
	w.inflight.Add(1)
	defer w.inflight.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			err = types.Permanent(fmt.Errorf("worker %s panicked: %v\n%s", w.spec.Name, r, debug.Stack()))
			out = nil
		}
	}()
	return w.impl.Invoke(ctx, inv)
}

// Registry is populated at startup and frozen before the first workflow runs.
// After Freeze it is read-only and safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	workers map[string][]*Worker
	tags    []string
	frozen  bool
	logger  *slog.Logger
}

// Option configures a Registry
type Option func(*Registry)

// WithLogger sets the logger used for registration events
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		workers: make(map[string][]*Worker),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "registry")
	return r
}

// Register adds a worker for the tag its spec declares. Workers for the
// same tag are resolved in registration order.
func (r *Registry) Register(c types.Capability) error {
	spec := c.Spec()
	if spec.Tag == "" || spec.Name == "" {
		return fmt.Errorf("register %q: %w", spec.Name, ErrInvalidSpec)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return fmt.Errorf("register %s/%s: %w", spec.Tag, spec.Name, ErrFrozen)
	}
	for _, w := range r.workers[spec.Tag] {
		if w.spec.Name == spec.Name {
			return fmt.Errorf("register %s/%s: %w", spec.Tag, spec.Name, ErrDuplicateWorker)
		}
	}

	limit := max(spec.MaxConcurrency, 1)
	spec.MaxConcurrency = limit
	if _, ok := r.workers[spec.Tag]; !ok {
		r.tags = append(r.tags, spec.Tag)
	}
	r.workers[spec.Tag] = append(r.workers[spec.Tag], &Worker{
		spec:  spec,
		impl:  c,
		limit: limit,
		sem:   semaphore.NewWeighted(int64(limit)),
	})
	r.logger.Debug("worker registered", "capability", spec.Tag, "worker", spec.Name, "max_concurrency", limit)
	return nil
}

// MustRegister registers every capability and panics on the first error.
func (r *Registry) MustRegister(caps ...types.Capability) {
	for _, c := range caps {
		if err := r.Register(c); err != nil {
			panic(err)
		}
	}
}

// Freeze makes the registry read-only.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// Frozen reports whether Freeze was called.
func (r *Registry) Frozen() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.frozen
}

// Resolve returns the workers for a tag in registration order.
func (r *Registry) Resolve(tag string) ([]*Worker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ws := r.workers[tag]
	if len(ws) == 0 {
		return nil, &types.CapabilityNotFoundError{Capability: tag}
	}
	return slices.Clone(ws), nil
}

// Has reports whether at least one worker serves the tag.
func (r *Registry) Has(tag string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workers[tag]) > 0
}

// Tags returns the registered capability tags in registration order.
func (r *Registry) Tags() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.tags)
}

// Specs returns the CapabilitySpec of every worker, grouped by tag in registration order.
func (r *Registry) Specs() []types.CapabilitySpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []types.CapabilitySpec
	for _, tag := range r.tags {
		for _, w := range r.workers[tag] {
			out = append(out, w.spec)
		}
	}
	return out
}

// Capacity is the per-capability bound: the sum of the limits of every
// worker serving the tag. Unknown tags have zero capacity.
func (r *Registry) Capacity(tag string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	total := 0
	for _, w := range r.workers[tag] {
		total += w.limit
	}
	return total
}

// Invoke runs one invocation on the given worker, blocking until the worker
// has a free slot or ctx is done.
func (r *Registry) Invoke(ctx context.Context, w *Worker, inv types.Invocation) (types.Payload, error) {
	if err := w.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer w.sem.Release(1)
	return w.call(ctx, inv)
}

// InvokeTag resolves the tag and invokes its first worker.
func (r *Registry) InvokeTag(ctx context.Context, tag string, inv types.Invocation) (types.Payload, error) {
	ws, err := r.Resolve(tag)
	if err != nil {
		return nil, err
	}
	if lease, err := r.TryAcquire(tag); err == nil {
		defer lease.Release()
		return lease.Invoke(ctx, inv)
	}
	return r.Invoke(ctx, ws[0], inv)
}

// TryAcquire reserves a slot on the first worker for the tag that has one
// free, without blocking. It returns a CapabilityNotFoundError for unknown
// tags and ErrNoCapacity when every worker is busy.
func (r *Registry) TryAcquire(tag string) (*Lease, error) {
	ws, err := r.Resolve(tag)
	if err != nil {
		return nil, err
	}
	for _, w := range ws {
		if w.sem.TryAcquire(1) {
			return &Lease{worker: w}, nil
		}
	}
	return nil, ErrNoCapacity
}

// Lease is a reserved slot on one worker. Release must be called exactly
// once the invocation returns; extra calls are ignored.
type Lease struct {
	worker *Worker
	once   sync.Once
}

// Worker returns the worker holding the slot.
func (l *Lease) Worker() *Worker {
	return l.worker
}

// Invoke runs the invocation on the leased worker.
func (l *Lease) Invoke(ctx context.Context, inv types.Invocation) (types.Payload, error) {
	return l.worker.call(ctx, inv)
}

// Release returns the slot to the worker.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.worker.sem.Release(1)
	})
}
