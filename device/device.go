// Package device ties the devio subsystems together: a Device owns one piece
// of hardware's power state, event state, and executor; a Client is one
// consumer's handle on it, carrying its own event queue and transaction
// engine.
package device

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"go.viam.com/devio/busmanager"
	"go.viam.com/devio/event"
	"go.viam.com/devio/fence"
	"go.viam.com/devio/ioentry"
	"go.viam.com/devio/logging"
	"go.viam.com/devio/transaction"
	"go.viam.com/devio/utils"
)

// PowerSequencer brings a device's supply rails, clocks, and reset lines up
// and down. Implementations talk to regulators and GPIO; tests use the fake.
type PowerSequencer interface {
	PowerUp(ctx context.Context) error
	PowerDown(ctx context.Context) error
}

// Config describes one device.
type Config struct {
	Name string
	Type string

	// Bus names the shared physical bus, if any. Devices naming the same
	// bus have their transfers serialized by one bus manager.
	Bus string

	Executor ioentry.Executor
	Power    PowerSequencer
}

// Info is a point-in-time snapshot of a device's state. RegisterBlocks is
// populated when the executor reports its block layout; ClientIDs identifies
// the open client handles, each of which owns one worker.
type Info struct {
	Name           string
	Type           string
	Bus            string
	Enabled        bool
	EnableCount    int
	Suspended      bool
	Clients        int
	RegisterBlocks []int32
	ClientIDs      []uuid.UUID
}

// Device owns one piece of hardware. Enable state is refcounted across
// clients; the first enable powers the device up and the last disable powers
// it down.
type Device struct {
	cfg    Config
	logger logging.Logger

	executor ioentry.Executor
	power    PowerSequencer
	events   *event.DeviceState
	fences   *fence.Registry
	buses    *busmanager.Registry

	mu          sync.Mutex
	clients     map[uuid.UUID]*Client
	enableCount int
	suspended   bool
}

// NewDevice returns a device with no clients. The fence registry and bus
// registry are shared across devices; buses may be nil for devices with a
// dedicated link.
func NewDevice(cfg Config, fences *fence.Registry, buses *busmanager.Registry, logger logging.Logger) (*Device, error) {
	if cfg.Name == "" {
		return nil, utils.NewInvalidArgumentError("device with empty name")
	}
	if cfg.Executor == nil {
		return nil, utils.NewInvalidArgumentError("device %q with no executor", cfg.Name)
	}
	if cfg.Bus != "" && buses == nil {
		return nil, utils.NewInvalidArgumentError("device %q names bus %q but no bus registry was provided",
			cfg.Name, cfg.Bus)
	}
	return &Device{
		cfg:      cfg,
		logger:   logger.Sublogger(cfg.Name),
		executor: cfg.Executor,
		power:    cfg.Power,
		events:   event.NewDeviceState(logger.Sublogger(cfg.Name)),
		fences:   fences,
		buses:    buses,
		clients:  map[uuid.UUID]*Client{},
	}, nil
}

// Name returns the device name.
func (d *Device) Name() string { return d.cfg.Name }

// Events returns the device-level event state.
func (d *Device) Events() *event.DeviceState { return d.events }

// Info snapshots the device state.
func (d *Device) Info() Info {
	d.mu.Lock()
	defer d.mu.Unlock()
	info := Info{
		Name:        d.cfg.Name,
		Type:        d.cfg.Type,
		Bus:         d.cfg.Bus,
		Enabled:     d.enableCount > 0,
		EnableCount: d.enableCount,
		Suspended:   d.suspended,
		Clients:     len(d.clients),
	}
	if bl, ok := d.executor.(ioentry.BlockLister); ok {
		info.RegisterBlocks = bl.Blocks()
	}
	for id := range d.clients {
		info.ClientIDs = append(info.ClientIDs, id)
	}
	return info
}

// OpenClient creates a client handle: its own event queue attached to the
// device event state, and its own transaction engine. Clients of bus-attached
// devices dispatch through the bus manager's worker.
func (d *Device) OpenClient() (*Client, error) {
	id := uuid.New()
	logger := d.logger.Sublogger("client-" + id.String()[:8])
	c := &Client{
		id:     id,
		dev:    d,
		logger: logger,
		queue:  event.NewClientQueue(logger),
	}
	d.events.AttachClient(c.queue)

	engineCfg := transaction.Config{
		DeviceName: d.cfg.Name,
		ClientID:   id,
		Executor:   d.executor,
		Events:     d.events,
		Queue:      c.queue,
		Fences:     d.fences,
		Logger:     logger,
	}
	if d.cfg.Bus != "" {
		mgr := d.buses.Connect(d.cfg.Bus, c)
		c.bus = mgr
		engineCfg.BusLock = mgr.BusLock()
		engineCfg.Scheduler = &busScheduler{mgr: mgr, client: c}
	}
	c.engine = transaction.NewEngine(engineCfg)

	d.mu.Lock()
	d.clients[id] = c
	d.mu.Unlock()
	return c, nil
}

func (d *Device) removeClient(c *Client) {
	d.mu.Lock()
	delete(d.clients, c.id)
	d.mu.Unlock()
	d.events.DetachClient(c.queue)
	if c.bus != nil {
		d.buses.Disconnect(d.cfg.Bus, c)
	}
}

// enable increments the enable refcount, powering the device up on the first
// enable. While suspended the count still moves; power is deferred to Resume.
func (d *Device) enable(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.enableCount == 0 && !d.suspended && d.power != nil {
		if err := d.power.PowerUp(ctx); err != nil {
			return errors.Wrapf(err, "failed to power up device %q", d.cfg.Name)
		}
	}
	d.enableCount++
	return nil
}

// disable decrements the enable refcount, powering the device down on the
// last disable.
func (d *Device) disable(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.enableCount == 0 {
		return errors.Wrapf(utils.ErrAlreadyInState, "device %q is not enabled", d.cfg.Name)
	}
	d.enableCount--
	if d.enableCount == 0 && !d.suspended && d.power != nil {
		if err := d.power.PowerDown(ctx); err != nil {
			return errors.Wrapf(err, "failed to power down device %q", d.cfg.Name)
		}
	}
	return nil
}

// Suspend powers the device down without touching the enable refcount.
// Suspending an already suspended device fails.
func (d *Device) Suspend(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.suspended {
		return errors.Wrapf(utils.ErrAlreadyInState, "device %q is already suspended", d.cfg.Name)
	}
	if d.enableCount > 0 && d.power != nil {
		if err := d.power.PowerDown(ctx); err != nil {
			return errors.Wrapf(err, "failed to power down device %q for suspend", d.cfg.Name)
		}
	}
	d.suspended = true
	d.logger.Infow("device suspended", "enable_count", d.enableCount)
	return nil
}

// Resume restores the power state held before Suspend.
func (d *Device) Resume(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.suspended {
		return errors.Wrapf(utils.ErrAlreadyInState, "device %q is not suspended", d.cfg.Name)
	}
	if d.enableCount > 0 && d.power != nil {
		if err := d.power.PowerUp(ctx); err != nil {
			return errors.Wrapf(err, "failed to power up device %q for resume", d.cfg.Name)
		}
	}
	d.suspended = false
	d.logger.Infow("device resumed", "enable_count", d.enableCount)
	return nil
}

// Reset runs a caller-supplied reset entry sequence synchronously and clears
// the device event state, so counters restart from zero and stale
// latest-occurrence snapshots are dropped. Only valid while enabled. The
// event state is cleared even when the reset sequence fails partway.
func (d *Device) Reset(ctx context.Context, entries []ioentry.Entry) error {
	d.mu.Lock()
	enabled := d.enableCount > 0
	d.mu.Unlock()
	if !enabled {
		return errors.Wrapf(utils.ErrAlreadyInState, "device %q must be enabled to reset", d.cfg.Name)
	}
	var err error
	if len(entries) > 0 {
		if _, ioErr := d.RegIO(ctx, entries); ioErr != nil {
			err = errors.Wrapf(ioErr, "reset sequence failed on device %q", d.cfg.Name)
			d.logger.Warnw("reset sequence failed; clearing event state regardless", "error", ioErr)
		}
	}
	d.events.Clear()
	d.logger.Infow("device reset")
	return err
}

// RegIO executes an entry batch synchronously, outside the transaction
// machinery, holding the bus transfer lock if the device shares a bus.
func (d *Device) RegIO(ctx context.Context, entries []ioentry.Entry) ([]ioentry.Result, error) {
	copied, err := ioentry.Copy(entries, ioentry.MaxEntries)
	if err != nil {
		return nil, err
	}
	var lock sync.Locker
	d.mu.Lock()
	if d.cfg.Bus != "" {
		// All clients of a bus share the same manager, so any one works.
		for _, c := range d.clients {
			if c.bus != nil {
				lock = c.bus.BusLock()
				break
			}
		}
	}
	d.mu.Unlock()
	if lock != nil {
		lock.Lock()
		defer lock.Unlock()
	}
	results, idx, err := d.executor.Execute(ctx, copied)
	if err != nil {
		return results, errors.Wrapf(err, "register io failed at entry %d", idx)
	}
	return results, nil
}
