// Package fence implements reusable, write-once synchronization objects
// shared across clients. A fence carries an integer status that is signaled
// exactly once; transactions register as waiters and are handed back to their
// owning engine when the fence signals.
package fence

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"go.viam.com/devio/logging"
	"go.viam.com/devio/utils"
)

// Handle identifies an open fence within a Registry.
type Handle int64

// StatusOK is the signaled status carrying no error.
const StatusOK int32 = 0

// Waiter receives the drained pending-transaction-id list for its owner when
// a fence signals. Implemented by the transaction engine.
type Waiter interface {
	// FenceTriggered is called once per drain with every transaction id the
	// owner registered on the fence. Returning an error marks a
	// partial-trigger failure; the remaining entries stay drained.
	FenceTriggered(f *Fence, transactionIDs []int64) error
}

// RegisterResult is the three-way outcome of RegisterWaiter. Callers must
// treat "already signaled OK" and "already signaled with error" differently:
// the former satisfies the trigger node, the latter rejects the submission.
type RegisterResult int

const (
	// Registered means the waiter was added to the pending list.
	Registered RegisterResult = iota
	// AlreadySignaledOK means the fence already signaled with status 0.
	AlreadySignaledOK
	// AlreadySignaledError means the fence already signaled with a nonzero
	// status; the status is returned alongside.
	AlreadySignaledError
)

// Fence is a write-once synchronization object.
type Fence struct {
	handle     Handle
	deviceName string
	logger     logging.Logger

	mu       sync.Mutex
	signaled bool
	released bool
	status   int32
	waiters  map[Waiter][]int64

	// done is closed on signal or release, waking blocked waiters. The
	// broadcast happens after mutation, outside the lock.
	done chan struct{}
}

func newFence(handle Handle, deviceName string, logger logging.Logger) *Fence {
	return &Fence{
		handle:     handle,
		deviceName: deviceName,
		logger:     logger,
		waiters:    map[Waiter][]int64{},
		done:       make(chan struct{}),
	}
}

// Handle returns the fence's registry handle.
func (f *Fence) Handle() Handle { return f.handle }

// DeviceName returns the owning top-level device name, for diagnostics.
func (f *Fence) DeviceName() string { return f.deviceName }

// Signal sets the fence status exactly once and drains the per-owner pending
// transaction lists to each owner's fence-trigger callback. A second signal
// fails with ErrAlreadyInState and leaves the status unchanged.
func (f *Fence) Signal(status int32) error {
	f.mu.Lock()
	if f.signaled {
		f.mu.Unlock()
		return errors.Wrapf(utils.ErrAlreadyInState, "fence %d already signaled with status %d",
			f.handle, f.status)
	}
	if f.released {
		f.mu.Unlock()
		return errors.Wrapf(utils.ErrNotFound, "fence %d released", f.handle)
	}
	f.signaled = true
	f.status = status
	drained := f.waiters
	f.waiters = map[Waiter][]int64{}
	f.mu.Unlock()

	close(f.done)

	// The drained lists are single-use: entries an owner fails to clear are
	// logged and dropped, never re-queued.
	for owner, ids := range drained {
		if err := owner.FenceTriggered(f, ids); err != nil {
			f.logger.Warnw("fence partial-trigger failure",
				"fence", f.handle, "device", f.deviceName, "error", err)
		}
	}
	return nil
}

// Status returns the signaled status code and whether the fence has signaled.
func (f *Fence) Status() (int32, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status, f.signaled
}

// Ready reports whether the fence has signaled.
func (f *Fence) Ready() bool {
	_, signaled := f.Status()
	return signaled
}

// Wait blocks until the fence signals, its holding handle closes, or ctx is
// canceled. On signal it returns the fence status.
func (f *Fence) Wait(ctx context.Context) (int32, error) {
	select {
	case <-f.done:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.signaled {
		return 0, errors.Wrapf(utils.ErrNotFound, "fence %d released before signal", f.handle)
	}
	return f.status, nil
}

// RegisterWaiter adds a transaction id to the owner's pending list if the
// fence is still unsignaled. The result is three-way; see RegisterResult.
func (f *Fence) RegisterWaiter(owner Waiter, transactionID int64) (RegisterResult, int32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.signaled {
		if f.status == StatusOK {
			return AlreadySignaledOK, f.status
		}
		return AlreadySignaledError, f.status
	}
	f.waiters[owner] = append(f.waiters[owner], transactionID)
	return Registered, 0
}

// UnregisterWaiter removes a transaction id from the owner's pending list.
// Removal is idempotent; unknown entries are ignored.
func (f *Fence) UnregisterWaiter(owner Waiter, transactionID int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := f.waiters[owner]
	for i, id := range ids {
		if id == transactionID {
			f.waiters[owner] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(f.waiters[owner]) == 0 {
		delete(f.waiters, owner)
	}
}

// pendingCount returns the number of registered waiter entries.
func (f *Fence) pendingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, ids := range f.waiters {
		n += len(ids)
	}
	return n
}

// orphan discards the waiter lists without triggering them and wakes blocked
// waiters. Called when the last open handle releases an unsignaled fence.
func (f *Fence) orphan() {
	f.mu.Lock()
	f.released = true
	orphaned := 0
	for _, ids := range f.waiters {
		orphaned += len(ids)
	}
	f.waiters = map[Waiter][]int64{}
	f.mu.Unlock()

	close(f.done)
	if orphaned > 0 {
		f.logger.Warnw("fence released with pending waiters; waiters orphaned",
			"fence", f.handle, "device", f.deviceName, "waiters", orphaned)
	}
}
