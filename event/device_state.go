package event

import (
	"sync"
	"time"

	"go.viam.com/devio/logging"
)

// TriggerObserver is notified of every emitted occurrence, after the
// occurrence has been queued to subscribed clients. Implemented by the
// transaction engine to drive event-triggered transactions.
type TriggerObserver interface {
	EventTriggered(eventID, counter int64)
}

type deviceEventState struct {
	enableCount int64
	counter     int64
	latest      *Entry
}

// DeviceState tracks per-device event state: one {enable refcount, monotonic
// occurrence counter} pair per event id, plus the attached client queues and
// trigger observers.
//
// Emission may be called from hardware-callback contexts: it never blocks on
// a queue and allocates only the entry being delivered.
type DeviceState struct {
	logger logging.Logger

	mu        sync.Mutex
	states    map[int64]*deviceEventState
	clients   map[*ClientQueue]struct{}
	observers []TriggerObserver
}

// NewDeviceState returns empty device event state.
func NewDeviceState(logger logging.Logger) *DeviceState {
	return &DeviceState{
		logger:  logger,
		states:  map[int64]*deviceEventState{},
		clients: map[*ClientQueue]struct{}{},
	}
}

// AttachClient subscribes a client queue to future emissions.
func (s *DeviceState) AttachClient(q *ClientQueue) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[q] = struct{}{}
}

// DetachClient removes a client queue.
func (s *DeviceState) DetachClient(q *ClientQueue) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, q)
}

// AddObserver registers a trigger observer.
func (s *DeviceState) AddObserver(o TriggerObserver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, o)
}

// RemoveObserver removes a trigger observer.
func (s *DeviceState) RemoveObserver(o TriggerObserver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.observers {
		if existing == o {
			s.observers = append(s.observers[:i], s.observers[i+1:]...)
			return
		}
	}
}

// Counter returns the current occurrence counter for an event id, zero if the
// event has not been encountered.
func (s *DeviceState) Counter(eventID int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.states[eventID]; ok {
		return st.counter
	}
	return 0
}

// Enable increments the event's enable refcount and reports whether this was
// the first enable (the point where device-level wiring, e.g. an IRQ, should
// be armed).
func (s *DeviceState) Enable(eventID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.findOrCreateLocked(eventID)
	st.enableCount++
	return st.enableCount == 1
}

// Disable decrements the event's enable refcount and reports whether this was
// the last disable.
func (s *DeviceState) Disable(eventID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.findOrCreateLocked(eventID)
	if st.enableCount > 0 {
		st.enableCount--
	}
	return st.enableCount == 0
}

// EnsureState creates the event's state entry if it does not exist yet.
func (s *DeviceState) EnsureState(eventID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.findOrCreateLocked(eventID)
}

func (s *DeviceState) findOrCreateLocked(eventID int64) *deviceEventState {
	st, ok := s.states[eventID]
	if !ok {
		st = &deviceEventState{}
		s.states[eventID] = st
	}
	return st
}

// Latest returns the most recent occurrence of an event, if any.
func (s *DeviceState) Latest(eventID int64) *Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.states[eventID]; ok {
		return st.latest
	}
	return nil
}

// Emit records a new occurrence of an event, queues it to every subscribed
// client, then notifies trigger observers with the occurrence counter. It
// returns the occurrence's counter value.
func (s *DeviceState) Emit(eventID int64, payload []byte) int64 {
	entry := &Entry{EventID: eventID, Timestamp: time.Now()}
	if len(payload) > 0 {
		entry.Payload = append([]byte(nil), payload...)
	}

	s.mu.Lock()
	st := s.findOrCreateLocked(eventID)
	st.counter++
	entry.Counter = st.counter
	st.latest = entry
	clients := make([]*ClientQueue, 0, len(s.clients))
	for q := range s.clients {
		clients = append(clients, q)
	}
	observers := append([]TriggerObserver(nil), s.observers...)
	s.mu.Unlock()

	for _, q := range clients {
		q.deliver(entry)
	}
	for _, o := range observers {
		o.EventTriggered(eventID, entry.Counter)
	}
	return entry.Counter
}

// Clear resets all event state. Used by device reset; counters restart from
// zero.
func (s *DeviceState) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states = map[int64]*deviceEventState{}
}
