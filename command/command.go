// Package command multiplexes every client-facing operation onto a single
// request/response surface, processed as a bounded vector of commands. Each
// command's result code is always round-tripped; processing stops at the
// first command that fails.
package command

import (
	"go.viam.com/devio/dpm"
	"go.viam.com/devio/event"
	"go.viam.com/devio/ioentry"
	"go.viam.com/devio/transaction"
)

// MaxChainLength bounds the number of commands accepted in one Run call.
// Oversized vectors are rejected up front without executing anything.
const MaxChainLength = 64

// ID selects the operation a command performs.
type ID int32

const (
	CmdEcho ID = iota + 1
	CmdTimeQuery
	CmdDeviceInfo
	CmdDeviceEnable
	CmdDeviceDisable
	CmdDeviceReset
	CmdDeviceSuspend
	CmdDeviceResume
	CmdBufferAlloc
	CmdBufferEnroll
	CmdBufferDisenroll
	CmdBufferFree
	CmdBufferCPUAccess
	CmdRegIO
	CmdEventControlGet
	CmdEventControlSet
	CmdEventDequeue
	CmdTransactionSubmit
	CmdTransactionCancel
	CmdTransactionReplace
	CmdPeriodicSubmit
	CmdPeriodicCancel
	CmdDPMClockUpdate
	CmdDPMQoSUpdate
	CmdDPMGetClock
)

func (id ID) String() string {
	switch id {
	case CmdEcho:
		return "echo"
	case CmdTimeQuery:
		return "time_query"
	case CmdDeviceInfo:
		return "device_info"
	case CmdDeviceEnable:
		return "device_enable"
	case CmdDeviceDisable:
		return "device_disable"
	case CmdDeviceReset:
		return "device_reset"
	case CmdDeviceSuspend:
		return "device_suspend"
	case CmdDeviceResume:
		return "device_resume"
	case CmdBufferAlloc:
		return "buffer_alloc"
	case CmdBufferEnroll:
		return "buffer_enroll"
	case CmdBufferDisenroll:
		return "buffer_disenroll"
	case CmdBufferFree:
		return "buffer_free"
	case CmdBufferCPUAccess:
		return "buffer_cpu_access"
	case CmdRegIO:
		return "reg_io"
	case CmdEventControlGet:
		return "event_control_get"
	case CmdEventControlSet:
		return "event_control_set"
	case CmdEventDequeue:
		return "event_dequeue"
	case CmdTransactionSubmit:
		return "transaction_submit"
	case CmdTransactionCancel:
		return "transaction_cancel"
	case CmdTransactionReplace:
		return "transaction_replace"
	case CmdPeriodicSubmit:
		return "periodic_submit"
	case CmdPeriodicCancel:
		return "periodic_cancel"
	case CmdDPMClockUpdate:
		return "dpm_clock_update"
	case CmdDPMQoSUpdate:
		return "dpm_qos_update"
	case CmdDPMGetClock:
		return "dpm_get_clock"
	default:
		return "unknown"
	}
}

// Request is one command and its typed payload.
type Request struct {
	Cmd     ID
	Payload any
}

// Response echoes the command id with its result code and, on success, the
// command's typed result payload.
type Response struct {
	Cmd     ID
	Code    int32
	Payload any
}

// EchoPayload carries a diagnostic message, optionally logged server-side.
type EchoPayload struct {
	Message string
	Log     bool
}

// TimeQueryResult carries a monotonic timestamp in nanoseconds.
type TimeQueryResult struct {
	Nanos int64
}

// ResetPayload carries the caller-supplied reset entry sequence.
type ResetPayload struct {
	Entries []ioentry.Entry
}

// RegIOPayload carries a synchronous register I/O batch.
type RegIOPayload struct {
	Entries []ioentry.Entry
}

// RegIOResult carries the read values of a register I/O batch.
type RegIOResult struct {
	Results []ioentry.Result
}

// BufferAllocPayload requests a zeroed buffer of Size bytes.
type BufferAllocPayload struct {
	Size int
}

// BufferEnrollPayload registers caller-provided memory.
type BufferEnrollPayload struct {
	Data []byte
}

// BufferHandleResult carries a buffer handle.
type BufferHandleResult struct {
	ID int64
}

// BufferDisenrollPayload releases an enrolled buffer handle.
type BufferDisenrollPayload struct {
	ID int64
}

// BufferFreePayload releases a buffer handle.
type BufferFreePayload struct {
	ID int64
}

// BufferCPUAccessPayload reads or writes a window of an enrolled buffer.
// Write stores Data at Offset; a read returns Length bytes from Offset.
type BufferCPUAccessPayload struct {
	ID     int64
	Write  bool
	Offset int
	Data   []byte
	Length int
}

// BufferCPUAccessResult carries the bytes read.
type BufferCPUAccessResult struct {
	Data []byte
}

// EventControlGetPayload asks for the client's flags on one event id.
type EventControlGetPayload struct {
	EventID int64
}

// EventControlResult carries an event control's current flags.
type EventControlResult struct {
	Control event.Control
}

// EventDequeuePayload pops the client's front event. MaxPayload < 0 means
// unbounded.
type EventDequeuePayload struct {
	MaxPayload int
}

// EventDequeueResult carries the popped event.
type EventDequeueResult struct {
	Entry *event.Entry
}

// EventRequiredSizeResult accompanies a try-again code when the caller's
// buffer is smaller than the front event's payload. The event is not
// consumed.
type EventRequiredSizeResult struct {
	Required int
}

// TransactionCancelPayload cancels a waiting or queued transaction.
type TransactionCancelPayload struct {
	ID int64
}

// TransactionReplacePayload swaps a waiting transaction's descriptor.
type TransactionReplacePayload struct {
	ID         int64
	Descriptor transaction.Descriptor
}

// PeriodicCancelPayload deregisters a periodic batch.
type PeriodicCancelPayload struct {
	ID int64
}

// PeriodicSubmitResult carries a periodic registration id.
type PeriodicSubmitResult struct {
	ID int64
}

// DPMClockUpdatePayload sets exact clock rates.
type DPMClockUpdatePayload struct {
	Requests []dpm.ClockRequest
}

// DPMQoSUpdatePayload votes minimum clock rates.
type DPMQoSUpdatePayload struct {
	Requests []dpm.QoSRequest
}

// DPMGetClockPayload queries a device's effective clock rate.
type DPMGetClockPayload struct {
	DeviceName string
}

// DPMGetClockResult carries the effective rate in hertz.
type DPMGetClockResult struct {
	FrequencyHz int64
}
