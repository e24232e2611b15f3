package transaction

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.viam.com/test"
	"go.viam.com/utils/testutils"

	"go.viam.com/devio/event"
	"go.viam.com/devio/fence"
	"go.viam.com/devio/ioentry"
	"go.viam.com/devio/ioentry/fake"
	"go.viam.com/devio/logging"
	"go.viam.com/devio/utils"
)

const (
	evDone int64 = 500
	evErr  int64 = 500 | event.ErrorIDFlag
	evTrig int64 = 600
)

type engineHarness struct {
	engine *Engine
	exec   *fake.Executor
	events *event.DeviceState
	queue  *event.ClientQueue
	fences *fence.Registry
}

func newEngineHarness(t *testing.T) *engineHarness {
	t.Helper()
	logger := logging.NewTestLogger(t)
	h := &engineHarness{
		exec:   fake.NewExecutor(256, 0),
		events: event.NewDeviceState(logger),
		queue:  event.NewClientQueue(logger),
		fences: fence.NewRegistry(logger),
	}
	h.events.AttachClient(h.queue)
	h.engine = NewEngine(Config{
		DeviceName: "sensor0",
		ClientID:   uuid.New(),
		Executor:   h.exec,
		Events:     h.events,
		Queue:      h.queue,
		Fences:     h.fences,
		Logger:     logger,
	})
	t.Cleanup(func() {
		test.That(t, h.engine.Close(context.Background()), test.ShouldBeNil)
	})
	return h
}

func (h *engineHarness) waitForCompletion(t *testing.T) *Response {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	test.That(t, h.queue.WaitForEvent(ctx), test.ShouldBeNil)
	entry, err := h.queue.PopFront(-1)
	test.That(t, err, test.ShouldBeNil)
	resp, err := ParseResponse(entry.Payload)
	test.That(t, err, test.ShouldBeNil)
	return resp
}

func writeEntry(offset uint64, value uint64) ioentry.Entry {
	return ioentry.Entry{Type: ioentry.TypeWrite, Offset: offset, Value: value}
}

func TestImmediateExecution(t *testing.T) {
	h := newEngineHarness(t)

	receipt, err := h.engine.Submit(Descriptor{
		Entries: []ioentry.Entry{
			writeEntry(0x10, 0x55),
			{Type: ioentry.TypeRead, Offset: 0x10},
		},
		EmitSuccessEventID: evDone,
		EmitErrorEventID:   evErr,
	})
	test.That(t, err, test.ShouldBeNil)

	resp := h.waitForCompletion(t)
	test.That(t, resp.ID, test.ShouldEqual, receipt.ID)
	test.That(t, resp.ErrorCode, test.ShouldEqual, utils.CodeOK)
	test.That(t, resp.CompletionIndex, test.ShouldEqual, 1)
	test.That(t, len(resp.Results), test.ShouldEqual, 1)
	test.That(t, resp.Results[0].Values, test.ShouldResemble, []byte{0x55, 0, 0, 0})
	test.That(t, h.exec.Peek(0, 0x10), test.ShouldEqual, uint32(0x55))
}

func TestExecutionFailureEmitsErrorEvent(t *testing.T) {
	h := newEngineHarness(t)
	h.exec.FailNextWith = errors.Wrap(utils.ErrIOFailure, "bus stuck")

	_, err := h.engine.Submit(Descriptor{
		Entries:            []ioentry.Entry{writeEntry(0, 1)},
		EmitSuccessEventID: evDone,
		EmitErrorEventID:   evErr,
	})
	test.That(t, err, test.ShouldBeNil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	test.That(t, h.queue.WaitForEvent(ctx), test.ShouldBeNil)
	entry, err := h.queue.PopFront(-1)
	test.That(t, err, test.ShouldBeNil)
	// Error completions land on the error queue by id convention.
	test.That(t, event.IsErrorID(entry.EventID), test.ShouldBeTrue)
	resp, err := ParseResponse(entry.Payload)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, resp.ErrorCode, test.ShouldEqual, utils.CodeIOFailure)
	test.That(t, resp.CompletionIndex, test.ShouldEqual, -1)
}

func TestEventTriggerExactCounter(t *testing.T) {
	h := newEngineHarness(t)

	_, err := h.engine.Submit(Descriptor{
		Entries: []ioentry.Entry{writeEntry(0x20, 0x7)},
		Trigger: TriggerCondition{
			Operator: OperatorAnd,
			Nodes:    []TriggerNode{{Type: NodeEvent, EventID: evTrig, EventCounter: 3}},
		},
		EmitSuccessEventID: evDone,
	})
	test.That(t, err, test.ShouldBeNil)

	h.events.Emit(evTrig, nil)
	h.events.Emit(evTrig, nil)
	test.That(t, h.queue.Len(), test.ShouldEqual, 0)
	test.That(t, h.engine.pendingLen(), test.ShouldEqual, 1)

	h.events.Emit(evTrig, nil)
	resp := h.waitForCompletion(t)
	test.That(t, resp.ErrorCode, test.ShouldEqual, utils.CodeOK)
	test.That(t, h.exec.Peek(0, 0x20), test.ShouldEqual, uint32(0x7))
	test.That(t, h.engine.pendingLen(), test.ShouldEqual, 0)
	test.That(t, h.engine.waitIndexLen(), test.ShouldEqual, 0)
}

func TestEventTriggerStaleCounterRejected(t *testing.T) {
	h := newEngineHarness(t)
	h.events.Emit(evTrig, nil)
	h.events.Emit(evTrig, nil)

	// Occurrence 1 already passed and counters only increase, so the node
	// could never fire; the submission is rejected instead of parked forever.
	_, err := h.engine.Submit(Descriptor{
		Entries: []ioentry.Entry{writeEntry(0, 1)},
		Trigger: TriggerCondition{
			Operator: OperatorAnd,
			Nodes:    []TriggerNode{{Type: NodeEvent, EventID: evTrig, EventCounter: 1}},
		},
		EmitSuccessEventID: evDone,
	})
	test.That(t, errors.Is(err, utils.ErrNotFound), test.ShouldBeTrue)
	test.That(t, h.engine.pendingLen(), test.ShouldEqual, 0)
	test.That(t, h.engine.waitIndexLen(), test.ShouldEqual, 0)

	h.events.Emit(evTrig, nil)
	test.That(t, h.queue.Len(), test.ShouldEqual, 0)

	// A counter equal to the current one is a level trigger and fires at
	// submission.
	receipt, err := h.engine.Submit(Descriptor{
		Entries: []ioentry.Entry{writeEntry(0x28, 0x9)},
		Trigger: TriggerCondition{
			Operator: OperatorAnd,
			Nodes:    []TriggerNode{{Type: NodeEvent, EventID: evTrig, EventCounter: 3}},
		},
		EmitSuccessEventID: evDone,
	})
	test.That(t, err, test.ShouldBeNil)
	resp := h.waitForCompletion(t)
	test.That(t, resp.ID, test.ShouldEqual, receipt.ID)
	test.That(t, resp.ErrorCode, test.ShouldEqual, utils.CodeOK)
	test.That(t, h.exec.Peek(0, 0x28), test.ShouldEqual, uint32(0x9))
	test.That(t, h.engine.waitIndexLen(), test.ShouldEqual, 0)
}

func TestEventTriggerOnNextOccurrence(t *testing.T) {
	h := newEngineHarness(t)
	// Two occurrences happened before registration; the next one fires.
	h.events.Emit(evTrig, nil)
	h.events.Emit(evTrig, nil)

	_, err := h.engine.Submit(Descriptor{
		Entries: []ioentry.Entry{writeEntry(0, 1)},
		Trigger: TriggerCondition{
			Operator: OperatorOr,
			Nodes:    []TriggerNode{{Type: NodeEvent, EventID: evTrig, EventCounter: CounterOnNextOccurrence}},
		},
		EmitSuccessEventID: evDone,
	})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, h.engine.pendingLen(), test.ShouldEqual, 1)

	h.events.Emit(evTrig, nil)
	resp := h.waitForCompletion(t)
	test.That(t, resp.ErrorCode, test.ShouldEqual, utils.CodeOK)
}

func TestEventTriggerEveryTime(t *testing.T) {
	h := newEngineHarness(t)

	receipt, err := h.engine.Submit(Descriptor{
		Entries: []ioentry.Entry{writeEntry(0x30, 1)},
		Trigger: TriggerCondition{
			Operator: OperatorOr,
			Nodes:    []TriggerNode{{Type: NodeEvent, EventID: evTrig, EventCounter: CounterEveryTime}},
		},
		EmitSuccessEventID: evDone,
	})
	test.That(t, err, test.ShouldBeNil)

	for i := 0; i < 3; i++ {
		h.events.Emit(evTrig, nil)
		resp := h.waitForCompletion(t)
		test.That(t, resp.ID, test.ShouldEqual, receipt.ID)
	}
	// The registration persists until canceled.
	test.That(t, h.engine.pendingLen(), test.ShouldEqual, 1)
	test.That(t, h.engine.Cancel(receipt.ID), test.ShouldBeNil)
	test.That(t, h.engine.pendingLen(), test.ShouldEqual, 0)
}

func TestAndConditionAcrossEventAndFence(t *testing.T) {
	h := newEngineHarness(t)
	f, err := h.fences.Create("sensor0")
	test.That(t, err, test.ShouldBeNil)

	_, err = h.engine.Submit(Descriptor{
		Entries: []ioentry.Entry{writeEntry(0x40, 0xaa)},
		Trigger: TriggerCondition{
			Operator: OperatorAnd,
			Nodes: []TriggerNode{
				{Type: NodeEvent, EventID: evTrig, EventCounter: CounterOnNextOccurrence},
				{Type: NodeFence, Fence: f.Handle()},
			},
		},
		EmitSuccessEventID: evDone,
	})
	test.That(t, err, test.ShouldBeNil)

	h.events.Emit(evTrig, nil)
	test.That(t, h.queue.Len(), test.ShouldEqual, 0)

	test.That(t, f.Signal(fence.StatusOK), test.ShouldBeNil)
	resp := h.waitForCompletion(t)
	test.That(t, resp.ErrorCode, test.ShouldEqual, utils.CodeOK)
}

func TestOrConditionFiresOnce(t *testing.T) {
	h := newEngineHarness(t)

	_, err := h.engine.Submit(Descriptor{
		Entries: []ioentry.Entry{writeEntry(0x50, 1)},
		Trigger: TriggerCondition{
			Operator: OperatorOr,
			Nodes: []TriggerNode{
				{Type: NodeEvent, EventID: evTrig, EventCounter: CounterOnNextOccurrence},
				{Type: NodeEvent, EventID: evTrig + 1, EventCounter: CounterOnNextOccurrence},
			},
		},
		EmitSuccessEventID: evDone,
	})
	test.That(t, err, test.ShouldBeNil)

	h.events.Emit(evTrig, nil)
	resp := h.waitForCompletion(t)
	test.That(t, resp.ErrorCode, test.ShouldEqual, utils.CodeOK)

	// The sibling node's occurrence must not re-run the transaction.
	h.events.Emit(evTrig+1, nil)
	time.Sleep(20 * time.Millisecond)
	test.That(t, h.queue.Len(), test.ShouldEqual, 0)
	test.That(t, h.engine.waitIndexLen(), test.ShouldEqual, 0)
}

func TestFencePlaceholderCreatesFence(t *testing.T) {
	h := newEngineHarness(t)

	receipt, err := h.engine.Submit(Descriptor{
		Entries: []ioentry.Entry{writeEntry(0x60, 2)},
		Trigger: TriggerCondition{
			Operator: OperatorAnd,
			Nodes:    []TriggerNode{{Type: NodeFencePlaceholder}},
		},
		EmitSuccessEventID: evDone,
	})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, receipt.Trigger.Nodes[0].Type, test.ShouldEqual, NodeFence)
	test.That(t, receipt.Trigger.Nodes[0].Fence, test.ShouldNotEqual, fence.Handle(0))
	test.That(t, h.fences.Len(), test.ShouldEqual, 1)

	f, err := h.fences.Get(receipt.Trigger.Nodes[0].Fence)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, f.Signal(fence.StatusOK), test.ShouldBeNil)
	resp := h.waitForCompletion(t)
	test.That(t, resp.ID, test.ShouldEqual, receipt.ID)
}

func TestFenceErrorCancelsFast(t *testing.T) {
	h := newEngineHarness(t)
	f1, err := h.fences.Create("sensor0")
	test.That(t, err, test.ShouldBeNil)
	f2, err := h.fences.Create("sensor0")
	test.That(t, err, test.ShouldBeNil)

	_, err = h.engine.Submit(Descriptor{
		Entries: []ioentry.Entry{writeEntry(0x70, 1)},
		Trigger: TriggerCondition{
			Operator: OperatorAnd,
			Nodes: []TriggerNode{
				{Type: NodeFence, Fence: f1.Handle()},
				{Type: NodeFence, Fence: f2.Handle()},
			},
		},
		EmitSuccessEventID: evDone,
		EmitErrorEventID:   evErr,
	})
	test.That(t, err, test.ShouldBeNil)

	// One fence failing cancels the transaction regardless of the AND's
	// remaining nodes.
	test.That(t, f1.Signal(-5), test.ShouldBeNil)
	resp := h.waitForCompletion(t)
	test.That(t, resp.ErrorCode, test.ShouldEqual, utils.CodeCanceled)
	// The sibling registration was eagerly removed.
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, h.engine.pendingLen(), test.ShouldEqual, 0)
	})
	// The entries never executed.
	test.That(t, h.exec.Peek(0, 0x70), test.ShouldEqual, uint32(0))
}

func TestFenceAlreadySignaledOKSatisfiesNode(t *testing.T) {
	h := newEngineHarness(t)
	f, err := h.fences.Create("sensor0")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, f.Signal(fence.StatusOK), test.ShouldBeNil)

	_, err = h.engine.Submit(Descriptor{
		Entries: []ioentry.Entry{writeEntry(0x80, 3)},
		Trigger: TriggerCondition{
			Operator: OperatorAnd,
			Nodes:    []TriggerNode{{Type: NodeFence, Fence: f.Handle()}},
		},
		EmitSuccessEventID: evDone,
	})
	test.That(t, err, test.ShouldBeNil)
	resp := h.waitForCompletion(t)
	test.That(t, resp.ErrorCode, test.ShouldEqual, utils.CodeOK)
}

func TestFenceAlreadySignaledErrorRejectsSubmit(t *testing.T) {
	h := newEngineHarness(t)
	f, err := h.fences.Create("sensor0")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, f.Signal(-5), test.ShouldBeNil)

	_, err = h.engine.Submit(Descriptor{
		Entries: []ioentry.Entry{writeEntry(0, 1)},
		Trigger: TriggerCondition{
			Operator: OperatorAnd,
			Nodes: []TriggerNode{
				{Type: NodeEvent, EventID: evTrig, EventCounter: CounterOnNextOccurrence},
				{Type: NodeFence, Fence: f.Handle()},
			},
		},
	})
	test.That(t, errors.Is(err, utils.ErrIOFailure), test.ShouldBeTrue)
	// The rejected submission left no partial registration behind.
	test.That(t, h.engine.pendingLen(), test.ShouldEqual, 0)
	test.That(t, h.engine.waitIndexLen(), test.ShouldEqual, 0)
}

func TestCancelWaitingTransaction(t *testing.T) {
	h := newEngineHarness(t)

	receipt, err := h.engine.Submit(Descriptor{
		Entries: []ioentry.Entry{writeEntry(0, 1)},
		Trigger: TriggerCondition{
			Operator: OperatorAnd,
			Nodes:    []TriggerNode{{Type: NodeEvent, EventID: evTrig, EventCounter: CounterOnNextOccurrence}},
		},
		EmitSuccessEventID: evDone,
		EmitErrorEventID:   evErr,
	})
	test.That(t, err, test.ShouldBeNil)

	test.That(t, h.engine.Cancel(receipt.ID), test.ShouldBeNil)
	resp := h.waitForCompletion(t)
	test.That(t, resp.ErrorCode, test.ShouldEqual, utils.CodeCanceled)

	err = h.engine.Cancel(receipt.ID)
	test.That(t, errors.Is(err, utils.ErrNotFound), test.ShouldBeTrue)
}

func TestSubmitCancelLeavesNoResidue(t *testing.T) {
	h := newEngineHarness(t)

	for i := 0; i < 200; i++ {
		receipt, err := h.engine.Submit(Descriptor{
			Entries: []ioentry.Entry{writeEntry(0, 1)},
			Trigger: TriggerCondition{
				Operator: OperatorAnd,
				Nodes: []TriggerNode{
					{Type: NodeEvent, EventID: evTrig, EventCounter: CounterOnNextOccurrence},
					{Type: NodeEvent, EventID: evTrig + int64(i%7), EventCounter: CounterOnNextOccurrence},
				},
			},
		})
		test.That(t, err, test.ShouldBeNil)
		test.That(t, h.engine.Cancel(receipt.ID), test.ShouldBeNil)
	}
	test.That(t, h.engine.pendingLen(), test.ShouldEqual, 0)
	test.That(t, h.engine.waitIndexLen(), test.ShouldEqual, 0)
}

func TestReplaceWaitingTransaction(t *testing.T) {
	h := newEngineHarness(t)

	receipt, err := h.engine.Submit(Descriptor{
		Entries: []ioentry.Entry{writeEntry(0x90, 1)},
		Trigger: TriggerCondition{
			Operator: OperatorAnd,
			Nodes:    []TriggerNode{{Type: NodeEvent, EventID: evTrig, EventCounter: CounterOnNextOccurrence}},
		},
		EmitSuccessEventID: evDone,
		EmitErrorEventID:   evErr,
	})
	test.That(t, err, test.ShouldBeNil)

	replaced, err := h.engine.Replace(receipt.ID, Descriptor{
		Entries: []ioentry.Entry{writeEntry(0x90, 2)},
		Trigger: TriggerCondition{
			Operator: OperatorAnd,
			Nodes:    []TriggerNode{{Type: NodeEvent, EventID: evTrig + 1, EventCounter: CounterOnNextOccurrence}},
		},
		EmitSuccessEventID: evDone,
		EmitErrorEventID:   evErr,
	})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, replaced.ID, test.ShouldEqual, receipt.ID)

	// The old transaction reports a canceled completion.
	resp := h.waitForCompletion(t)
	test.That(t, resp.ErrorCode, test.ShouldEqual, utils.CodeCanceled)

	// The old trigger no longer fires; the new one does.
	h.events.Emit(evTrig, nil)
	time.Sleep(20 * time.Millisecond)
	test.That(t, h.queue.Len(), test.ShouldEqual, 0)

	h.events.Emit(evTrig+1, nil)
	resp = h.waitForCompletion(t)
	test.That(t, resp.ID, test.ShouldEqual, receipt.ID)
	test.That(t, resp.ErrorCode, test.ShouldEqual, utils.CodeOK)
	test.That(t, h.exec.Peek(0, 0x90), test.ShouldEqual, uint32(2))
}

func TestReplaceInFlightFails(t *testing.T) {
	h := newEngineHarness(t)
	started := make(chan struct{})
	release := make(chan struct{})
	h.exec.OnExecute = func([]ioentry.Entry) {
		close(started)
		<-release
	}

	receipt, err := h.engine.Submit(Descriptor{
		Entries:            []ioentry.Entry{writeEntry(0, 1)},
		EmitSuccessEventID: evDone,
	})
	test.That(t, err, test.ShouldBeNil)
	<-started

	_, err = h.engine.Replace(receipt.ID, Descriptor{
		Entries: []ioentry.Entry{writeEntry(0, 2)},
	})
	test.That(t, errors.Is(err, utils.ErrAlreadyInState), test.ShouldBeTrue)
	// In-flight transactions cannot be canceled either.
	test.That(t, errors.Is(h.engine.Cancel(receipt.ID), utils.ErrNotFound), test.ShouldBeTrue)
	close(release)
	h.waitForCompletion(t)
}

func TestRunInEventContextExecutesInline(t *testing.T) {
	h := newEngineHarness(t)

	_, err := h.engine.Submit(Descriptor{
		Entries: []ioentry.Entry{writeEntry(0xa0, 9)},
		Trigger: TriggerCondition{
			Operator: OperatorOr,
			Nodes:    []TriggerNode{{Type: NodeEvent, EventID: evTrig, EventCounter: CounterOnNextOccurrence}},
		},
		EmitSuccessEventID: evDone,
		RunInEventContext:  true,
	})
	test.That(t, err, test.ShouldBeNil)

	// Execution happens on the emitting goroutine; by the time Emit returns
	// the completion has been queued.
	h.events.Emit(evTrig, nil)
	test.That(t, h.queue.Len(), test.ShouldEqual, 1)
	test.That(t, h.exec.Peek(0, 0xa0), test.ShouldEqual, uint32(9))
}

func TestFlushCancelsEverythingWaiting(t *testing.T) {
	h := newEngineHarness(t)

	for i := 0; i < 5; i++ {
		_, err := h.engine.Submit(Descriptor{
			Entries: []ioentry.Entry{writeEntry(0, 1)},
			Trigger: TriggerCondition{
				Operator: OperatorAnd,
				Nodes:    []TriggerNode{{Type: NodeEvent, EventID: evTrig, EventCounter: CounterOnNextOccurrence}},
			},
			EmitErrorEventID: evErr,
		})
		test.That(t, err, test.ShouldBeNil)
	}

	test.That(t, h.engine.Flush(context.Background()), test.ShouldBeNil)
	test.That(t, h.engine.pendingLen(), test.ShouldEqual, 0)
	test.That(t, h.engine.waitIndexLen(), test.ShouldEqual, 0)
	test.That(t, h.queue.Len(), test.ShouldEqual, 5)
	for i := 0; i < 5; i++ {
		entry, err := h.queue.PopFront(-1)
		test.That(t, err, test.ShouldBeNil)
		resp, err := ParseResponse(entry.Payload)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, resp.ErrorCode, test.ShouldEqual, utils.CodeCanceled)
	}
}

func TestCompletionFences(t *testing.T) {
	h := newEngineHarness(t)
	ok, err := h.fences.Create("sensor0")
	test.That(t, err, test.ShouldBeNil)

	_, err = h.engine.Submit(Descriptor{
		Entries:          []ioentry.Entry{writeEntry(0, 1)},
		CompletionFences: []fence.Handle{ok.Handle()},
	})
	test.That(t, err, test.ShouldBeNil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	status, err := ok.Wait(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, status, test.ShouldEqual, fence.StatusOK)

	// A canceled transaction reports the cancellation status on its fences.
	canceled, err := h.fences.Create("sensor0")
	test.That(t, err, test.ShouldBeNil)
	receipt, err := h.engine.Submit(Descriptor{
		Entries: []ioentry.Entry{writeEntry(0, 1)},
		Trigger: TriggerCondition{
			Operator: OperatorAnd,
			Nodes:    []TriggerNode{{Type: NodeEvent, EventID: evTrig, EventCounter: CounterOnNextOccurrence}},
		},
		CompletionFences: []fence.Handle{canceled.Handle()},
	})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, h.engine.Cancel(receipt.ID), test.ShouldBeNil)
	status, err = canceled.Wait(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, status, test.ShouldEqual, utils.CodeCancellation)
}

func TestCleanupOnDisable(t *testing.T) {
	h := newEngineHarness(t)

	_, err := h.engine.Submit(Descriptor{
		Entries:          []ioentry.Entry{writeEntry(0xb0, 0xdd)},
		CleanupOnDisable: true,
	})
	test.That(t, err, test.ShouldBeNil)

	// Cleanup transactions sit out the trigger machinery entirely.
	time.Sleep(10 * time.Millisecond)
	test.That(t, h.exec.Peek(0, 0xb0), test.ShouldEqual, uint32(0))

	h.engine.RunCleanup(context.Background())
	test.That(t, h.exec.Peek(0, 0xb0), test.ShouldEqual, uint32(0xdd))
	// A second run has nothing left to do.
	h.exec.Poke(0, 0xb0, 0)
	h.engine.RunCleanup(context.Background())
	test.That(t, h.exec.Peek(0, 0xb0), test.ShouldEqual, uint32(0))
}

func TestSubmitValidation(t *testing.T) {
	h := newEngineHarness(t)

	_, err := h.engine.Submit(Descriptor{})
	test.That(t, errors.Is(err, utils.ErrInvalidArgument), test.ShouldBeTrue)

	_, err = h.engine.Submit(Descriptor{
		Entries: []ioentry.Entry{writeEntry(0, 1)},
		Trigger: TriggerCondition{Operator: OperatorAnd},
	})
	test.That(t, errors.Is(err, utils.ErrInvalidArgument), test.ShouldBeTrue)

	nodes := make([]TriggerNode, MaxTriggerNodes+1)
	for i := range nodes {
		nodes[i] = TriggerNode{Type: NodeEvent, EventID: evTrig, EventCounter: CounterOnNextOccurrence}
	}
	_, err = h.engine.Submit(Descriptor{
		Entries: []ioentry.Entry{writeEntry(0, 1)},
		Trigger: TriggerCondition{Operator: OperatorAnd, Nodes: nodes},
	})
	test.That(t, errors.Is(err, utils.ErrInvalidArgument), test.ShouldBeTrue)

	_, err = h.engine.Submit(Descriptor{
		Entries:          []ioentry.Entry{writeEntry(0, 1)},
		CompletionFences: []fence.Handle{1234},
	})
	test.That(t, errors.Is(err, utils.ErrNotFound), test.ShouldBeTrue)
}
