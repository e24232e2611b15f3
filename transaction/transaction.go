package transaction

import (
	"encoding/binary"

	"go.viam.com/devio/fence"
	"go.viam.com/devio/ioentry"
	"go.viam.com/devio/utils"
)

// Descriptor is a client-submitted transaction: an I/O entry batch, the
// trigger condition gating it, and its completion behavior.
type Descriptor struct {
	Entries []ioentry.Entry
	Trigger TriggerCondition

	// EmitSuccessEventID and EmitErrorEventID select the completion events.
	// The error id should carry event.ErrorIDFlag so it lands on the
	// client's error queue.
	EmitSuccessEventID int64
	EmitErrorEventID   int64

	// CompletionFences are signaled when the transaction completes: status
	// 0 on success, the failure code otherwise.
	CompletionFences []fence.Handle

	// RunInEventContext executes the transaction directly on the emitting
	// goroutine when its trigger fires, instead of deferring to the worker.
	RunInEventContext bool

	// CleanupOnDisable defers the transaction to the client's disable
	// teardown instead of the trigger machinery.
	CleanupOnDisable bool
}

// Receipt is returned by Submit: the assigned id and the trigger condition
// with any placeholder nodes resolved to freshly created fence handles.
type Receipt struct {
	ID      int64
	Trigger TriggerCondition
}

// Transaction is the engine's internal record of a submitted descriptor.
// Ownership is single-holder at every point: the pending map, the process
// queue, or the executing worker, never two at once.
type Transaction struct {
	id      int64
	entries []ioentry.Entry
	trigger TriggerCondition

	successEventID int64
	errorEventID   int64
	runInEventCtx  bool

	signaledCount int

	// preErr marks a transaction canceled before execution; the worker
	// short-circuits to the error completion path.
	preErr error

	completionFences []*fence.Fence
	triggerFences    []*fence.Fence
}

// ID returns the transaction id.
func (t *Transaction) ID() int64 { return t.id }

// Response is the completion payload emitted with a transaction's success or
// error event.
type Response struct {
	ID              int64
	ErrorCode       int32
	CompletionIndex int
	Results         []ioentry.Result
}

// MarshalBinary encodes the response into the fixed little-endian layout
// round-tripped through event payloads.
func (r *Response) MarshalBinary() []byte {
	size := 8 + 4 + 4 + 4
	for _, res := range r.Results {
		size += 4 + 8 + 4 + len(res.Values)
	}
	buf := make([]byte, 0, size)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(r.ID))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(r.ErrorCode))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(int32(r.CompletionIndex)))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(r.Results)))
	for _, res := range r.Results {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(res.Block))
		buf = binary.LittleEndian.AppendUint64(buf, res.Offset)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(res.Values)))
		buf = append(buf, res.Values...)
	}
	return buf
}

// ParseResponse decodes a completion payload.
func ParseResponse(buf []byte) (*Response, error) {
	const header = 8 + 4 + 4 + 4
	if len(buf) < header {
		return nil, utils.NewInvalidArgumentError("response payload of %d bytes", len(buf))
	}
	r := &Response{
		ID:              int64(binary.LittleEndian.Uint64(buf)),
		ErrorCode:       int32(binary.LittleEndian.Uint32(buf[8:])),
		CompletionIndex: int(int32(binary.LittleEndian.Uint32(buf[12:]))),
	}
	count := int(binary.LittleEndian.Uint32(buf[16:]))
	off := header
	for i := 0; i < count; i++ {
		if len(buf) < off+16 {
			return nil, utils.NewInvalidArgumentError("truncated response result %d", i)
		}
		res := ioentry.Result{
			Block:  int32(binary.LittleEndian.Uint32(buf[off:])),
			Offset: binary.LittleEndian.Uint64(buf[off+4:]),
		}
		n := int(binary.LittleEndian.Uint32(buf[off+12:]))
		off += 16
		if len(buf) < off+n {
			return nil, utils.NewInvalidArgumentError("truncated response result %d values", i)
		}
		res.Values = append([]byte(nil), buf[off:off+n]...)
		off += n
		r.Results = append(r.Results, res)
	}
	return r, nil
}
