// Package busmanager serializes register I/O for devices sharing a physical
// bus. Each bus gets one manager with a single worker goroutine and a FIFO of
// dispatch requests; clients of bus-attached devices route their process-queue
// work through it so transfers from different devices never interleave.
package busmanager

import (
	"context"
	"sync"

	"github.com/eapache/queue"

	"go.viam.com/devio/logging"
	"go.viam.com/devio/utils"
)

// Dispatcher drains one attached client's process queue. Implementations must
// return once the queue is empty rather than blocking for more work.
type Dispatcher interface {
	DispatchQueues(ctx context.Context)
}

// Manager owns one bus: the dispatch FIFO, the worker draining it, and the
// bus-wide transfer lock.
type Manager struct {
	name   string
	logger logging.Logger

	// execMu is held around every transfer on the bus, including direct
	// register I/O that bypasses the dispatch queue.
	execMu sync.Mutex

	mu        sync.Mutex
	connected map[Dispatcher]struct{}
	fifo      *queue.Queue

	wake    chan struct{}
	workers utils.StoppableWorkers
}

func newManager(name string, logger logging.Logger) *Manager {
	m := &Manager{
		name:      name,
		logger:    logger,
		connected: map[Dispatcher]struct{}{},
		fifo:      queue.New(),
		wake:      make(chan struct{}, 1),
	}
	m.workers = utils.NewStoppableWorkers(m.runWorker)
	return m
}

// Name returns the bus name.
func (m *Manager) Name() string { return m.name }

// BusLock returns the bus-wide transfer lock. Executors attached to this bus
// hold it for the duration of each entry batch.
func (m *Manager) BusLock() sync.Locker { return &m.execMu }

func (m *Manager) attach(d Dispatcher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected[d] = struct{}{}
}

// detach reports whether d was the last attached dispatcher.
func (m *Manager) detach(d Dispatcher) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.connected, d)
	return len(m.connected) == 0
}

// Enqueue appends a dispatch request for an attached dispatcher. Requests
// from dispatchers that have since detached are dropped.
func (m *Manager) Enqueue(d Dispatcher) {
	m.mu.Lock()
	if _, ok := m.connected[d]; !ok {
		m.mu.Unlock()
		m.logger.Debugw("dropping dispatch request from detached client", "bus", m.name)
		return
	}
	m.fifo.Add(d)
	m.mu.Unlock()
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Manager) runWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.wake:
		}
		for ctx.Err() == nil {
			m.mu.Lock()
			if m.fifo.Length() == 0 {
				m.mu.Unlock()
				break
			}
			d := m.fifo.Remove().(Dispatcher)
			_, ok := m.connected[d]
			m.mu.Unlock()
			if !ok {
				// Detached while its request was queued.
				continue
			}
			d.DispatchQueues(ctx)
		}
	}
}

func (m *Manager) stop() {
	m.workers.Stop()
}
