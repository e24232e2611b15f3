package transaction

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"

	"go.viam.com/devio/ioentry"
	"go.viam.com/devio/utils"
)

// PeriodicDescriptor requests repeated execution of an entry batch at a fixed
// interval for as long as the client keeps it registered.
type PeriodicDescriptor struct {
	Entries  []ioentry.Entry
	Interval time.Duration

	// EmitSuccessEventID and EmitErrorEventID select the per-iteration
	// completion events.
	EmitSuccessEventID int64
	EmitErrorEventID   int64
}

// PeriodicIO is the engine's record of one registered periodic batch.
type PeriodicIO struct {
	id       int64
	entries  []ioentry.Entry
	interval time.Duration

	successEventID int64
	errorEventID   int64
}

// ID returns the periodic registration id.
func (p *PeriodicIO) ID() int64 { return p.id }

// intervalTimer multiplexes every periodic registration sharing one interval
// onto a single ticker. Each tick enqueues one process-queue item per
// registration; iterations go through the same worker as transactions.
type intervalTimer struct {
	interval time.Duration
	ticker   *clock.Ticker
	ios      []*PeriodicIO
	stop     chan struct{}
}

func (t *intervalTimer) stopLocked() {
	t.ticker.Stop()
	close(t.stop)
}

// SubmitPeriodic registers a periodic batch, creating an interval timer on
// first use of the interval. Periodic ids are drawn from their own counter,
// separate from transaction ids.
func (e *Engine) SubmitPeriodic(desc PeriodicDescriptor) (int64, error) {
	if desc.Interval <= 0 {
		return 0, utils.NewInvalidArgumentError("periodic interval %v", desc.Interval)
	}
	entries, err := ioentry.Copy(desc.Entries, ioentry.MaxEntries)
	if err != nil {
		return 0, err
	}

	e.mu.Lock()
	e.periodicCounter++
	pio := &PeriodicIO{
		id:             e.periodicCounter,
		entries:        entries,
		interval:       desc.Interval,
		successEventID: desc.EmitSuccessEventID,
		errorEventID:   desc.EmitErrorEventID,
	}
	e.periodics[pio.id] = pio
	timer, ok := e.timers[desc.Interval]
	if !ok {
		timer = &intervalTimer{
			interval: desc.Interval,
			ticker:   e.clk.Ticker(desc.Interval),
			stop:     make(chan struct{}),
		}
		e.timers[desc.Interval] = timer
		e.workers.AddWorkers(func(ctx context.Context) {
			e.runTimer(ctx, timer)
		})
	}
	timer.ios = append(timer.ios, pio)
	e.mu.Unlock()

	e.ensureCompletionEvents(desc.EmitSuccessEventID, desc.EmitErrorEventID)
	return pio.id, nil
}

func (e *Engine) runTimer(ctx context.Context, timer *intervalTimer) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.stop:
			return
		case <-timer.ticker.C:
			e.periodicTick(timer)
		}
	}
}

func (e *Engine) periodicTick(timer *intervalTimer) {
	e.mu.Lock()
	if e.periodicFlushing || e.timers[timer.interval] != timer {
		e.mu.Unlock()
		return
	}
	for _, pio := range timer.ios {
		e.processQueue = append(e.processQueue, workItem{pio: pio})
	}
	n := len(timer.ios)
	e.mu.Unlock()
	if n > 0 {
		e.scheduleWork()
	}
}

func (e *Engine) executePeriodic(ctx context.Context, pio *PeriodicIO) {
	results, idx, err := e.executeEntries(ctx, pio.entries)
	if e.events == nil {
		if err != nil {
			e.logger.Warnw("periodic io failed", "periodic", pio.id, "error", err)
		}
		return
	}
	resp := &Response{ID: pio.id, CompletionIndex: idx}
	eventID := pio.successEventID
	if err != nil {
		resp.ErrorCode = utils.CodeFromError(err)
		eventID = pio.errorEventID
		e.logger.Debugw("periodic io failed", "periodic", pio.id, "error", err)
	} else {
		resp.Results = results
	}
	if eventID != 0 {
		e.events.Emit(eventID, resp.MarshalBinary())
	}
}

// CancelPeriodic deregisters a periodic batch, purging any queued but not yet
// executed iterations. The last registration on an interval stops its timer.
func (e *Engine) CancelPeriodic(id int64) error {
	e.mu.Lock()
	pio, ok := e.periodics[id]
	if !ok {
		e.mu.Unlock()
		return utils.NewNotFoundError("periodic io %d", id)
	}
	delete(e.periodics, id)

	timer := e.timers[pio.interval]
	if timer != nil {
		kept := timer.ios[:0]
		for _, other := range timer.ios {
			if other != pio {
				kept = append(kept, other)
			}
		}
		timer.ios = kept
		if len(timer.ios) == 0 {
			timer.stopLocked()
			delete(e.timers, pio.interval)
		}
	}

	keptQueue := e.processQueue[:0]
	for _, item := range e.processQueue {
		if item.pio != pio {
			keptQueue = append(keptQueue, item)
		}
	}
	e.processQueue = keptQueue
	e.mu.Unlock()
	return nil
}

// FlushPeriodic purges queued periodic iterations and blocks until in-flight
// ones drain. Registrations stay active; ticks arriving while the flush is in
// progress are discarded.
func (e *Engine) FlushPeriodic(ctx context.Context) error {
	e.mu.Lock()
	e.periodicFlushing = true
	kept := e.processQueue[:0]
	for _, item := range e.processQueue {
		if item.pio == nil {
			kept = append(kept, item)
		}
	}
	e.processQueue = kept
	e.mu.Unlock()

	err := e.waitIdle(ctx, func() bool {
		return e.periodicInFlight == 0
	})

	e.mu.Lock()
	e.periodicFlushing = false
	e.mu.Unlock()
	return err
}
