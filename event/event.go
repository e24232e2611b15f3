// Package event implements device event state tracking and per-client event
// queues. Devices emit occurrences with monotonically increasing per-type
// counters; occurrences fan out to subscribed client queues and to trigger
// observers (the transaction engine).
package event

import (
	"fmt"
	"time"
)

// ErrorIDFlag marks an event id as an error event. Error events are queued
// separately and dequeued ahead of normal events.
const ErrorIDFlag int64 = 1 << 62

// IsErrorID reports whether an event id carries the error flag.
func IsErrorID(id int64) bool { return id&ErrorIDFlag != 0 }

// Entry is one queued event occurrence.
type Entry struct {
	EventID   int64
	Counter   int64
	Timestamp time.Time
	Payload   []byte
}

// Flags control per-client event delivery.
type Flags uint64

const (
	// FlagEnable subscribes the client queue to occurrences of the event.
	FlagEnable Flags = 1 << iota
	// FlagDeliverLatestOnEnable delivers the most recent occurrence
	// immediately when the subscription is enabled.
	FlagDeliverLatestOnEnable
)

// Control pairs an event id with its requested delivery flags.
type Control struct {
	EventID int64
	Flags   Flags
}

// BufferTooSmallError is returned by PopFront when the caller's buffer cannot
// hold the front event's payload. The event is left at the front of the
// queue; this is a documented retry-with-bigger-buffer contract, not a true
// error.
type BufferTooSmallError struct {
	Required int
}

func (e *BufferTooSmallError) Error() string {
	return fmt.Sprintf("event payload requires %d bytes", e.Required)
}
