package busmanager

import (
	"sync"

	"go.viam.com/devio/logging"
)

// Registry tracks the managers of every bus currently in use. Managers are
// created on first attach and torn down when their last dispatcher detaches.
type Registry struct {
	logger logging.Logger

	mu       sync.Mutex
	managers map[string]*Manager
}

// NewRegistry returns an empty bus registry.
func NewRegistry(logger logging.Logger) *Registry {
	return &Registry{logger: logger, managers: map[string]*Manager{}}
}

// Connect attaches a dispatcher to the named bus, creating the manager and
// starting its worker if this is the bus's first dispatcher.
func (r *Registry) Connect(busName string, d Dispatcher) *Manager {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.managers[busName]
	if !ok {
		m = newManager(busName, r.logger.Sublogger(busName))
		r.managers[busName] = m
		r.logger.Debugw("created bus manager", "bus", busName)
	}
	m.attach(d)
	return m
}

// Disconnect detaches a dispatcher from the named bus. The last detach stops
// the bus worker, after any dispatch it is mid-way through finishes, and
// removes the manager.
func (r *Registry) Disconnect(busName string, d Dispatcher) {
	r.mu.Lock()
	m, ok := r.managers[busName]
	if !ok {
		r.mu.Unlock()
		return
	}
	last := m.detach(d)
	if last {
		delete(r.managers, busName)
	}
	r.mu.Unlock()

	if last {
		m.stop()
		r.logger.Debugw("tore down bus manager", "bus", busName)
	}
}

// Len returns the number of live bus managers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.managers)
}
