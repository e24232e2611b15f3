package event

import (
	"context"
	"sync"

	"github.com/eapache/queue"
	"github.com/samber/lo"

	"go.viam.com/devio/logging"
	"go.viam.com/devio/utils"
)

// DefaultQueueCapacity bounds each client queue; emission from
// hardware-callback contexts must never block, so an overfull queue drops its
// oldest entry instead of growing without bound.
const DefaultQueueCapacity = 1024

// ClientQueue is one client's ordered queue of emitted events: a bounded
// error-event FIFO dequeued ahead of a bounded normal-event FIFO, plus the
// client's per-event-id delivery controls.
type ClientQueue struct {
	logger logging.Logger

	mu       sync.Mutex
	normal   *queue.Queue
	errors   *queue.Queue
	controls map[int64]Flags
	capacity int

	// wake is a one-slot arrival signal; receivers wait on a snapshot.
	wake chan struct{}
}

// NewClientQueue returns an empty client queue with the default capacity.
func NewClientQueue(logger logging.Logger) *ClientQueue {
	return &ClientQueue{
		logger:   logger,
		normal:   queue.New(),
		errors:   queue.New(),
		controls: map[int64]Flags{},
		capacity: DefaultQueueCapacity,
		wake:     make(chan struct{}, 1),
	}
}

// SetControl updates the client's delivery flags for one event id and
// returns the previous flags.
func (q *ClientQueue) SetControl(ctl Control, state *DeviceState) Flags {
	q.mu.Lock()
	old := q.controls[ctl.EventID]
	q.controls[ctl.EventID] = ctl.Flags
	q.mu.Unlock()

	if state == nil {
		return old
	}
	// Device-level enable refcounting follows the client's subscription
	// transitions.
	enabledBefore := old&FlagEnable != 0
	enabledNow := ctl.Flags&FlagEnable != 0
	switch {
	case !enabledBefore && enabledNow:
		state.Enable(ctl.EventID)
		if ctl.Flags&FlagDeliverLatestOnEnable != 0 {
			if latest := state.Latest(ctl.EventID); latest != nil {
				q.deliver(latest)
			}
		}
	case enabledBefore && !enabledNow:
		state.Disable(ctl.EventID)
	}
	return old
}

// Control returns the client's delivery flags for one event id.
func (q *ClientQueue) Control(eventID int64) Flags {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.controls[eventID]
}

// Controls returns every control the client has set, for diagnostics.
func (q *ClientQueue) Controls() []Control {
	q.mu.Lock()
	defer q.mu.Unlock()
	ids := lo.Keys(q.controls)
	return lo.Map(ids, func(id int64, _ int) Control {
		return Control{EventID: id, Flags: q.controls[id]}
	})
}

// deliver appends an occurrence if the client is subscribed. Never blocks; at
// capacity the oldest entry of the target queue is dropped and logged.
func (q *ClientQueue) deliver(entry *Entry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.controls[entry.EventID]&FlagEnable == 0 {
		return
	}
	target := q.normal
	if IsErrorID(entry.EventID) {
		target = q.errors
	}
	if target.Length() >= q.capacity {
		dropped := target.Remove().(*Entry)
		q.logger.Warnw("event queue overflow; dropping oldest event",
			"event", dropped.EventID, "counter", dropped.Counter)
	}
	target.Add(entry)
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// PopFront removes and returns the front event: the error queue drains before
// the normal queue. If maxPayload >= 0 and the front event's payload exceeds
// it, a BufferTooSmallError carrying the required size is returned and the
// event is NOT consumed; a follow-up pop with an adequate buffer returns the
// same event. An empty queue fails with ErrNotFound.
func (q *ClientQueue) PopFront(maxPayload int) (*Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	target := q.frontQueueLocked()
	if target == nil {
		return nil, utils.NewNotFoundError("event queue empty")
	}
	entry := target.Peek().(*Entry)
	if maxPayload >= 0 && len(entry.Payload) > maxPayload {
		return nil, &BufferTooSmallError{Required: len(entry.Payload)}
	}
	target.Remove()
	return entry, nil
}

// PeekFront returns the front event without removing it.
func (q *ClientQueue) PeekFront() (*Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	target := q.frontQueueLocked()
	if target == nil {
		return nil, utils.NewNotFoundError("event queue empty")
	}
	return target.Peek().(*Entry), nil
}

func (q *ClientQueue) frontQueueLocked() *queue.Queue {
	if q.errors.Length() > 0 {
		return q.errors
	}
	if q.normal.Length() > 0 {
		return q.normal
	}
	return nil
}

// Len returns the total number of queued events.
func (q *ClientQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.errors.Length() + q.normal.Length()
}

// WaitForEvent blocks until the queue is non-empty or ctx is canceled.
func (q *ClientQueue) WaitForEvent(ctx context.Context) error {
	for {
		q.mu.Lock()
		nonEmpty := q.errors.Length() > 0 || q.normal.Length() > 0
		wake := q.wake
		q.mu.Unlock()
		if nonEmpty {
			return nil
		}
		select {
		case <-wake:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// ClearSubscriptions drops every control the client has set, decrementing the
// device-level enable refcounts for events the client had enabled. Part of
// client disable teardown.
func (q *ClientQueue) ClearSubscriptions(state *DeviceState) {
	q.mu.Lock()
	controls := q.controls
	q.controls = map[int64]Flags{}
	q.mu.Unlock()

	if state == nil {
		return
	}
	for id, flags := range controls {
		if flags&FlagEnable != 0 {
			state.Disable(id)
		}
	}
}

// Clear empties both queues.
func (q *ClientQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.normal = queue.New()
	q.errors = queue.New()
}
