package fence

import (
	"sync"

	"github.com/pkg/errors"

	"go.viam.com/devio/logging"
	"go.viam.com/devio/utils"
)

// DefaultMaxFences bounds how many fences a registry will hold open at once.
const DefaultMaxFences = 4096

// Registry owns the open-handle table for fences. A fence is shared by the
// creating client and every client that retains its handle; it is destroyed
// when the last reference releases.
type Registry struct {
	logger logging.Logger

	mu         sync.Mutex
	nextHandle Handle
	maxFences  int
	entries    map[Handle]*registryEntry
}

type registryEntry struct {
	fence *Fence
	refs  int
}

// NewRegistry returns an empty fence registry.
func NewRegistry(logger logging.Logger) *Registry {
	return &Registry{
		logger:    logger,
		maxFences: DefaultMaxFences,
		entries:   map[Handle]*registryEntry{},
	}
}

// Create allocates a new unsignaled fence bound to an open handle held by the
// caller. Fails with ErrResourceExhausted at capacity.
func (r *Registry) Create(deviceName string) (*Fence, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.entries) >= r.maxFences {
		return nil, errors.Wrapf(utils.ErrResourceExhausted, "fence registry at capacity %d", r.maxFences)
	}
	r.nextHandle++
	f := newFence(r.nextHandle, deviceName, r.logger)
	r.entries[f.handle] = &registryEntry{fence: f, refs: 1}
	return f, nil
}

// Get looks up an open fence by handle without taking a reference.
func (r *Registry) Get(handle Handle) (*Fence, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[handle]
	if !ok {
		return nil, utils.NewNotFoundError("fence %d", handle)
	}
	return entry.fence, nil
}

// Retain takes an additional reference on an open fence.
func (r *Registry) Retain(handle Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[handle]
	if !ok {
		return utils.NewNotFoundError("fence %d", handle)
	}
	entry.refs++
	return nil
}

// Release drops a reference. When the last reference goes away the fence is
// removed from the registry; releasing an unsignaled fence is logged as an
// anomaly and its waiter lists are discarded without being triggered.
func (r *Registry) Release(handle Handle) error {
	r.mu.Lock()
	entry, ok := r.entries[handle]
	if !ok {
		r.mu.Unlock()
		return utils.NewNotFoundError("fence %d", handle)
	}
	entry.refs--
	if entry.refs > 0 {
		r.mu.Unlock()
		return nil
	}
	delete(r.entries, handle)
	r.mu.Unlock()

	if !entry.fence.Ready() {
		r.logger.Warnw("fence released without being signaled", "fence", handle)
		entry.fence.orphan()
	}
	return nil
}

// Len returns the number of open fences.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
