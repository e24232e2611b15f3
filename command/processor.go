package command

import (
	"context"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"

	"go.viam.com/devio/buffer"
	"go.viam.com/devio/device"
	"go.viam.com/devio/dpm"
	"go.viam.com/devio/event"
	"go.viam.com/devio/logging"
	"go.viam.com/devio/transaction"
	"go.viam.com/devio/utils"
)

// Processor executes command vectors on behalf of one client.
type Processor struct {
	client  *device.Client
	buffers *buffer.Registry
	power   dpm.Controller
	clk     clock.Clock
	logger  logging.Logger
}

// NewProcessor returns a processor bound to a client. buffers and power may
// be nil; their commands then fail with an unsupported code.
func NewProcessor(client *device.Client, buffers *buffer.Registry, power dpm.Controller,
	clk clock.Clock, logger logging.Logger,
) *Processor {
	if clk == nil {
		clk = clock.New()
	}
	return &Processor{client: client, buffers: buffers, power: power, clk: clk, logger: logger}
}

// Run executes a command vector in order. Vectors longer than MaxChainLength
// are rejected before anything executes. Every executed command produces a
// response carrying its result code; the first nonzero code stops the vector,
// and the responses returned cover exactly the commands that ran.
func (p *Processor) Run(ctx context.Context, reqs []Request) ([]Response, error) {
	if len(reqs) > MaxChainLength {
		return nil, utils.NewInvalidArgumentError("command vector of %d exceeds maximum %d",
			len(reqs), MaxChainLength)
	}
	resps := make([]Response, 0, len(reqs))
	for _, req := range reqs {
		resp := p.runOne(ctx, req)
		resps = append(resps, resp)
		if resp.Code != utils.CodeOK {
			p.logger.Debugw("command vector stopped", "command", req.Cmd, "code", resp.Code)
			break
		}
	}
	return resps, nil
}

func (p *Processor) runOne(ctx context.Context, req Request) Response {
	payload, err := p.dispatch(ctx, req)
	code := utils.CodeFromError(err)
	var tooSmall *event.BufferTooSmallError
	if errors.As(err, &tooSmall) {
		code = utils.CodeTryAgain
	}
	return Response{Cmd: req.Cmd, Code: code, Payload: payload}
}

func (p *Processor) dispatch(ctx context.Context, req Request) (any, error) {
	switch req.Cmd {
	case CmdEcho:
		pl, err := payloadAs[EchoPayload](req)
		if err != nil {
			return nil, err
		}
		if pl.Log {
			p.logger.Infow("echo", "message", pl.Message)
		}
		return EchoPayload{Message: pl.Message}, nil

	case CmdTimeQuery:
		return TimeQueryResult{Nanos: p.clk.Now().UnixNano()}, nil

	case CmdDeviceInfo:
		return p.client.Device().Info(), nil

	case CmdDeviceEnable:
		return nil, p.client.Enable(ctx)

	case CmdDeviceDisable:
		return nil, p.client.Disable(ctx)

	case CmdDeviceReset:
		pl, err := payloadAs[ResetPayload](req)
		if err != nil {
			return nil, err
		}
		return nil, p.client.Device().Reset(ctx, pl.Entries)

	case CmdDeviceSuspend:
		return nil, p.client.Device().Suspend(ctx)

	case CmdDeviceResume:
		return nil, p.client.Device().Resume(ctx)

	case CmdBufferAlloc:
		pl, err := payloadAs[BufferAllocPayload](req)
		if err != nil {
			return nil, err
		}
		b, err := p.bufferRegistry()
		if err != nil {
			return nil, err
		}
		buf, err := b.Alloc(pl.Size)
		if err != nil {
			return nil, err
		}
		return BufferHandleResult{ID: buf.ID()}, nil

	case CmdBufferEnroll:
		pl, err := payloadAs[BufferEnrollPayload](req)
		if err != nil {
			return nil, err
		}
		b, err := p.bufferRegistry()
		if err != nil {
			return nil, err
		}
		buf, err := b.Enroll(pl.Data)
		if err != nil {
			return nil, err
		}
		return BufferHandleResult{ID: buf.ID()}, nil

	case CmdBufferDisenroll:
		pl, err := payloadAs[BufferDisenrollPayload](req)
		if err != nil {
			return nil, err
		}
		b, err := p.bufferRegistry()
		if err != nil {
			return nil, err
		}
		return nil, b.Free(pl.ID)

	case CmdBufferFree:
		pl, err := payloadAs[BufferFreePayload](req)
		if err != nil {
			return nil, err
		}
		b, err := p.bufferRegistry()
		if err != nil {
			return nil, err
		}
		return nil, b.Free(pl.ID)

	case CmdBufferCPUAccess:
		pl, err := payloadAs[BufferCPUAccessPayload](req)
		if err != nil {
			return nil, err
		}
		b, err := p.bufferRegistry()
		if err != nil {
			return nil, err
		}
		buf, err := b.Get(pl.ID)
		if err != nil {
			return nil, err
		}
		if pl.Write {
			return nil, buf.WriteAt(pl.Offset, pl.Data)
		}
		data, err := buf.ReadAt(pl.Offset, pl.Length)
		if err != nil {
			return nil, err
		}
		return BufferCPUAccessResult{Data: data}, nil

	case CmdRegIO:
		pl, err := payloadAs[RegIOPayload](req)
		if err != nil {
			return nil, err
		}
		results, err := p.client.RegIO(ctx, pl.Entries)
		if err != nil {
			return nil, err
		}
		return RegIOResult{Results: results}, nil

	case CmdEventControlGet:
		pl, err := payloadAs[EventControlGetPayload](req)
		if err != nil {
			return nil, err
		}
		flags := p.client.EventControl(pl.EventID)
		return EventControlResult{Control: event.Control{EventID: pl.EventID, Flags: flags}}, nil

	case CmdEventControlSet:
		pl, err := payloadAs[event.Control](req)
		if err != nil {
			return nil, err
		}
		p.client.SetEventControl(pl)
		return nil, nil

	case CmdEventDequeue:
		pl, err := payloadAs[EventDequeuePayload](req)
		if err != nil {
			return nil, err
		}
		entry, err := p.client.DequeueEvent(pl.MaxPayload)
		if err != nil {
			var tooSmall *event.BufferTooSmallError
			if errors.As(err, &tooSmall) {
				// Retry-with-bigger-buffer contract: the event stays queued
				// and the required size rides back with the try-again code.
				return EventRequiredSizeResult{Required: tooSmall.Required}, err
			}
			return nil, err
		}
		return EventDequeueResult{Entry: entry}, nil

	case CmdTransactionSubmit:
		pl, err := payloadAs[transaction.Descriptor](req)
		if err != nil {
			return nil, err
		}
		return p.client.Submit(pl)

	case CmdTransactionCancel:
		pl, err := payloadAs[TransactionCancelPayload](req)
		if err != nil {
			return nil, err
		}
		return nil, p.client.CancelTransaction(pl.ID)

	case CmdTransactionReplace:
		pl, err := payloadAs[TransactionReplacePayload](req)
		if err != nil {
			return nil, err
		}
		return p.client.ReplaceTransaction(pl.ID, pl.Descriptor)

	case CmdPeriodicSubmit:
		pl, err := payloadAs[transaction.PeriodicDescriptor](req)
		if err != nil {
			return nil, err
		}
		id, err := p.client.SubmitPeriodic(pl)
		if err != nil {
			return nil, err
		}
		return PeriodicSubmitResult{ID: id}, nil

	case CmdPeriodicCancel:
		pl, err := payloadAs[PeriodicCancelPayload](req)
		if err != nil {
			return nil, err
		}
		return nil, p.client.CancelPeriodic(pl.ID)

	case CmdDPMClockUpdate:
		pl, err := payloadAs[DPMClockUpdatePayload](req)
		if err != nil {
			return nil, err
		}
		ctrl, err := p.powerController()
		if err != nil {
			return nil, err
		}
		return nil, ctrl.UpdateClocks(ctx, pl.Requests)

	case CmdDPMQoSUpdate:
		pl, err := payloadAs[DPMQoSUpdatePayload](req)
		if err != nil {
			return nil, err
		}
		ctrl, err := p.powerController()
		if err != nil {
			return nil, err
		}
		return nil, ctrl.UpdateQoS(ctx, pl.Requests)

	case CmdDPMGetClock:
		pl, err := payloadAs[DPMGetClockPayload](req)
		if err != nil {
			return nil, err
		}
		ctrl, err := p.powerController()
		if err != nil {
			return nil, err
		}
		freq, err := ctrl.ClockFrequency(ctx, pl.DeviceName)
		if err != nil {
			return nil, err
		}
		return DPMGetClockResult{FrequencyHz: freq}, nil

	default:
		return nil, utils.NewInvalidArgumentError("unrecognized command %d", req.Cmd)
	}
}

func (p *Processor) bufferRegistry() (*buffer.Registry, error) {
	if p.buffers == nil {
		return nil, utils.NewUnsupportedError("no buffer registry attached")
	}
	return p.buffers, nil
}

func (p *Processor) powerController() (dpm.Controller, error) {
	if p.power == nil {
		return nil, utils.NewUnsupportedError("no power controller attached")
	}
	return p.power, nil
}

func payloadAs[T any](req Request) (T, error) {
	pl, ok := req.Payload.(T)
	if !ok {
		var zero T
		return zero, utils.NewInvalidArgumentError("command %s with payload of type %T", req.Cmd, req.Payload)
	}
	return pl, nil
}
