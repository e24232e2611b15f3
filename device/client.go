package device

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"go.viam.com/devio/busmanager"
	"go.viam.com/devio/event"
	"go.viam.com/devio/ioentry"
	"go.viam.com/devio/logging"
	"go.viam.com/devio/transaction"
	"go.viam.com/devio/utils"
)

// Client is one consumer's handle on a device: its own event queue, its own
// transaction engine, and an independent enable state counted into the
// device's refcount.
type Client struct {
	id     uuid.UUID
	dev    *Device
	logger logging.Logger

	queue  *event.ClientQueue
	engine *transaction.Engine
	bus    *busmanager.Manager

	mu      sync.Mutex
	enabled bool
	closed  bool
}

// busScheduler routes the engine's wakeups through the bus manager so the bus
// worker drains the client's queue.
type busScheduler struct {
	mgr    *busmanager.Manager
	client *Client
}

func (s *busScheduler) ScheduleWork() {
	s.mgr.Enqueue(s.client)
}

// DispatchQueues implements busmanager.Dispatcher.
func (c *Client) DispatchQueues(ctx context.Context) {
	c.engine.ProcessQueue(ctx)
}

// ID returns the client id.
func (c *Client) ID() uuid.UUID { return c.id }

// Device returns the owning device.
func (c *Client) Device() *Device { return c.dev }

// Enable counts this client into the device's enable refcount. Enabling an
// already enabled client fails.
func (c *Client) Enable(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.Wrap(utils.ErrAlreadyInState, "client is closed")
	}
	if c.enabled {
		return errors.Wrap(utils.ErrAlreadyInState, "client is already enabled")
	}
	if err := c.dev.enable(ctx); err != nil {
		return err
	}
	c.enabled = true
	return nil
}

// Disable tears the client's activity down in a fixed order before counting
// it out of the device's enable refcount: event subscriptions are cleared so
// nothing new arrives, periodic I/O is flushed, waiting and queued
// transactions are flushed, registered cleanup transactions run, and only
// then may the device power down.
func (c *Client) Disable(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.enabled {
		return errors.Wrap(utils.ErrAlreadyInState, "client is not enabled")
	}
	var err error
	c.queue.ClearSubscriptions(c.dev.events)
	err = multierr.Append(err, c.engine.FlushPeriodic(ctx))
	err = multierr.Append(err, c.engine.Flush(ctx))
	c.engine.RunCleanup(ctx)
	err = multierr.Append(err, c.dev.disable(ctx))
	c.enabled = false
	return err
}

// Close disables the client if needed, stops its engine, and detaches it from
// the device and bus. Safe to call once; later calls fail.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.Wrap(utils.ErrAlreadyInState, "client is already closed")
	}
	c.closed = true
	enabled := c.enabled
	c.mu.Unlock()

	var err error
	if enabled {
		err = multierr.Append(err, c.Disable(ctx))
	}
	err = multierr.Append(err, c.engine.Close(ctx))
	c.dev.removeClient(c)
	return err
}

// Submit hands a transaction descriptor to the client's engine.
func (c *Client) Submit(desc transaction.Descriptor) (*transaction.Receipt, error) {
	return c.engine.Submit(desc)
}

// CancelTransaction cancels a waiting or queued transaction.
func (c *Client) CancelTransaction(id int64) error {
	return c.engine.Cancel(id)
}

// ReplaceTransaction swaps a waiting transaction's descriptor, keeping its id.
func (c *Client) ReplaceTransaction(id int64, desc transaction.Descriptor) (*transaction.Receipt, error) {
	return c.engine.Replace(id, desc)
}

// SubmitPeriodic registers a periodic entry batch.
func (c *Client) SubmitPeriodic(desc transaction.PeriodicDescriptor) (int64, error) {
	return c.engine.SubmitPeriodic(desc)
}

// CancelPeriodic deregisters a periodic entry batch.
func (c *Client) CancelPeriodic(id int64) error {
	return c.engine.CancelPeriodic(id)
}

// SetEventControl updates the client's delivery flags for one event id,
// moving the device-level enable refcount on subscribe and unsubscribe
// transitions.
func (c *Client) SetEventControl(ctl event.Control) event.Flags {
	return c.queue.SetControl(ctl, c.dev.events)
}

// EventControl returns the client's delivery flags for one event id.
func (c *Client) EventControl(eventID int64) event.Flags {
	return c.queue.Control(eventID)
}

// EventControls returns every control the client has set.
func (c *Client) EventControls() []event.Control {
	return c.queue.Controls()
}

// DequeueEvent pops the client's front event, error queue first. See
// event.ClientQueue.PopFront for the maxPayload contract.
func (c *Client) DequeueEvent(maxPayload int) (*event.Entry, error) {
	return c.queue.PopFront(maxPayload)
}

// PeekEvent returns the front event without consuming it.
func (c *Client) PeekEvent() (*event.Entry, error) {
	return c.queue.PeekFront()
}

// WaitForEvent blocks until the client has a queued event or ctx is canceled.
func (c *Client) WaitForEvent(ctx context.Context) error {
	return c.queue.WaitForEvent(ctx)
}

// QueuedEvents returns the number of events waiting on the client's queues.
func (c *Client) QueuedEvents() int {
	return c.queue.Len()
}

// RegIO executes an entry batch synchronously through the device.
func (c *Client) RegIO(ctx context.Context, entries []ioentry.Entry) ([]ioentry.Result, error) {
	return c.dev.RegIO(ctx, entries)
}
