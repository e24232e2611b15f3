// Package fake provides a register-map-backed executor for tests and fake
// devices.
package fake

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/pkg/errors"
	goutils "go.viam.com/utils"

	"go.viam.com/devio/ioentry"
	"go.viam.com/devio/utils"
)

// ValueWidth is the native register value width in bytes.
const ValueWidth = 4

const pollInterval = time.Millisecond

// Executor executes entries against in-memory register blocks.
type Executor struct {
	mu       sync.Mutex
	blocks   map[int32][]byte
	blockIDs []int32

	// FailNextWith, when set, fails the next executed entry and clears
	// itself. Used to exercise fail-fast semantics.
	FailNextWith error

	// ExecDelay, when nonzero, sleeps before each batch to widen race
	// windows in tests.
	ExecDelay time.Duration

	// OnExecute, when set, is called at the start of every batch.
	OnExecute func(entries []ioentry.Entry)
}

// NewExecutor returns an executor with one register block per given block id,
// each blockSize bytes of zeroes.
func NewExecutor(blockSize int, blockIDs ...int32) *Executor {
	blocks := make(map[int32][]byte, len(blockIDs))
	for _, id := range blockIDs {
		blocks[id] = make([]byte, blockSize)
	}
	return &Executor{blocks: blocks, blockIDs: append([]int32(nil), blockIDs...)}
}

// Blocks implements ioentry.BlockLister, reporting the block ids in
// construction order.
func (e *Executor) Blocks() []int32 {
	return append([]int32(nil), e.blockIDs...)
}

// Poke writes a raw value into a register block, bypassing entry execution.
func (e *Executor) Poke(block int32, offset uint64, value uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if b, ok := e.blocks[block]; ok && int(offset)+ValueWidth <= len(b) {
		binary.LittleEndian.PutUint32(b[offset:], value)
	}
}

// Peek reads a raw value from a register block.
func (e *Executor) Peek(block int32, offset uint64) uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if b, ok := e.blocks[block]; ok && int(offset)+ValueWidth <= len(b) {
		return binary.LittleEndian.Uint32(b[offset:])
	}
	return 0
}

// Execute implements ioentry.Executor.
func (e *Executor) Execute(ctx context.Context, entries []ioentry.Entry) ([]ioentry.Result, int, error) {
	if e.OnExecute != nil {
		e.OnExecute(entries)
	}
	if e.ExecDelay > 0 {
		if !goutils.SelectContextOrWait(ctx, e.ExecDelay) {
			return nil, -1, ctx.Err()
		}
	}

	var results []ioentry.Result
	completion := -1
	for i, entry := range entries {
		if err := e.executeOne(ctx, entry, &results); err != nil {
			return results, completion, errors.Wrapf(err, "entry %d (%s)", i, entry.Type)
		}
		completion = i
	}
	return results, completion, nil
}

func (e *Executor) executeOne(ctx context.Context, entry ioentry.Entry, results *[]ioentry.Result) error {
	e.mu.Lock()
	if e.FailNextWith != nil {
		err := e.FailNextWith
		e.FailNextWith = nil
		e.mu.Unlock()
		return err
	}
	e.mu.Unlock()

	switch entry.Type {
	case ioentry.TypeRead:
		val, err := e.read(entry.Block, entry.Offset)
		if err != nil {
			return err
		}
		buf := make([]byte, ValueWidth)
		binary.LittleEndian.PutUint32(buf, val)
		*results = append(*results, ioentry.Result{Block: entry.Block, Offset: entry.Offset, Values: buf})
		return nil
	case ioentry.TypeWrite:
		return e.write(entry.Block, entry.Offset, uint32(entry.Value))
	case ioentry.TypeReadBatch:
		buf, err := e.readBatch(entry.Block, entry.Offset, entry.Size)
		if err != nil {
			return err
		}
		*results = append(*results, ioentry.Result{Block: entry.Block, Offset: entry.Offset, Values: buf})
		return nil
	case ioentry.TypeWriteBatch:
		return e.writeBatch(entry.Block, entry.Offset, entry.Buf)
	case ioentry.TypeModify:
		val, err := e.read(entry.Block, entry.Offset)
		if err != nil {
			return err
		}
		val = (val &^ uint32(entry.Mask)) | (uint32(entry.Value) & uint32(entry.Mask))
		return e.write(entry.Block, entry.Offset, val)
	case ioentry.TypePoll:
		return e.poll(ctx, entry)
	case ioentry.TypeReadAssert:
		val, err := e.read(entry.Block, entry.Offset)
		if err != nil {
			return err
		}
		if val&uint32(entry.Mask) != uint32(entry.Value)&uint32(entry.Mask) {
			return errors.Wrapf(utils.ErrIOFailure,
				"read assert at block %d offset %#x: got %#x want %#x under mask %#x",
				entry.Block, entry.Offset, val, entry.Value, entry.Mask)
		}
		return nil
	default:
		return utils.NewInvalidArgumentError("unrecognized entry type %d", entry.Type)
	}
}

func (e *Executor) poll(ctx context.Context, entry ioentry.Entry) error {
	deadline := time.Now().Add(entry.Timeout)
	for {
		val, err := e.read(entry.Block, entry.Offset)
		if err != nil {
			return err
		}
		if val&uint32(entry.Mask) == uint32(entry.Value)&uint32(entry.Mask) {
			return nil
		}
		if time.Now().After(deadline) {
			return errors.Wrapf(utils.ErrIOFailure,
				"poll timed out at block %d offset %#x", entry.Block, entry.Offset)
		}
		if !goutils.SelectContextOrWait(ctx, pollInterval) {
			return ctx.Err()
		}
	}
}

func (e *Executor) read(block int32, offset uint64) (uint32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.blocks[block]
	if !ok || int(offset)+ValueWidth > len(b) {
		return 0, errors.Wrapf(utils.ErrIOFailure, "read at block %d offset %#x", block, offset)
	}
	return binary.LittleEndian.Uint32(b[offset:]), nil
}

func (e *Executor) write(block int32, offset uint64, value uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.blocks[block]
	if !ok || int(offset)+ValueWidth > len(b) {
		return errors.Wrapf(utils.ErrIOFailure, "write at block %d offset %#x", block, offset)
	}
	binary.LittleEndian.PutUint32(b[offset:], value)
	return nil
}

func (e *Executor) readBatch(block int32, offset uint64, size int) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.blocks[block]
	if !ok || int(offset)+size > len(b) {
		return nil, errors.Wrapf(utils.ErrIOFailure, "read batch at block %d offset %#x", block, offset)
	}
	return append([]byte(nil), b[offset:int(offset)+size]...), nil
}

func (e *Executor) writeBatch(block int32, offset uint64, buf []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.blocks[block]
	if !ok || int(offset)+len(buf) > len(b) {
		return errors.Wrapf(utils.ErrIOFailure, "write batch at block %d offset %#x", block, offset)
	}
	copy(b[offset:], buf)
	return nil
}
