package transaction

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	goutils "go.viam.com/utils"

	"go.viam.com/devio/event"
	"go.viam.com/devio/fence"
	"go.viam.com/devio/ioentry"
	"go.viam.com/devio/logging"
	"go.viam.com/devio/utils"
)

const idlePollInterval = 2 * time.Millisecond

// WorkScheduler requests that the owning client's process queue be driven.
// Bus-shared devices route this through the bus manager so a single bus
// worker serializes all devices on the bus; otherwise the engine runs its own
// worker.
type WorkScheduler interface {
	ScheduleWork()
}

// Config wires an engine to its device collaborators.
type Config struct {
	DeviceName string
	ClientID   uuid.UUID
	Executor   ioentry.Executor
	Events     *event.DeviceState
	Queue      *event.ClientQueue
	Fences     *fence.Registry

	// BusLock, when non-nil, is held around every executor call so devices
	// sharing a physical bus never interleave transfers.
	BusLock sync.Locker

	// Scheduler, when non-nil, replaces the engine's own worker.
	Scheduler WorkScheduler

	Clock  clock.Clock
	Logger logging.Logger
}

// workItem is one process-queue element: a transaction or one periodic I/O
// iteration. The two share the queue and worker but keep distinct bookkeeping.
type workItem struct {
	tx  *Transaction
	pio *PeriodicIO
}

type weakEntry struct {
	txID    int64
	eventID int64
	nodeIdx int
}

// Engine owns one client's transaction submission, deferral and execution.
type Engine struct {
	deviceName string
	clientID   uuid.UUID
	executor   ioentry.Executor
	events     *event.DeviceState
	queue      *event.ClientQueue
	fences     *fence.Registry
	busLock    sync.Locker
	scheduler  WorkScheduler
	clk        clock.Clock
	logger     logging.Logger

	mu           sync.Mutex
	counter      int64
	pending      map[int64]*Transaction
	waitIndex    map[int64][]weakEntry
	processQueue []workItem
	inFlight     map[int64]int
	cleanup      []*Transaction

	periodicCounter  int64
	periodics        map[int64]*PeriodicIO
	timers           map[time.Duration]*intervalTimer
	periodicInFlight int
	periodicFlushing bool

	wake    chan struct{}
	workers utils.StoppableWorkers
}

// NewEngine returns an engine registered as a trigger observer on the
// device's event state.
func NewEngine(cfg Config) *Engine {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	e := &Engine{
		deviceName: cfg.DeviceName,
		clientID:   cfg.ClientID,
		executor:   cfg.Executor,
		events:     cfg.Events,
		queue:      cfg.Queue,
		fences:     cfg.Fences,
		busLock:    cfg.BusLock,
		scheduler:  cfg.Scheduler,
		clk:        clk,
		logger:     cfg.Logger,
		pending:    map[int64]*Transaction{},
		waitIndex:  map[int64][]weakEntry{},
		inFlight:   map[int64]int{},
		periodics:  map[int64]*PeriodicIO{},
		timers:     map[time.Duration]*intervalTimer{},
		wake:       make(chan struct{}, 1),
	}
	e.workers = utils.NewStoppableWorkers()
	if e.scheduler == nil {
		e.workers.AddWorkers(e.runWorker)
	}
	if e.events != nil {
		e.events.AddObserver(e)
	}
	return e
}

// Close cancels all waiting transactions, stops the periodic timers and the
// worker, and detaches from the device event state.
func (e *Engine) Close(ctx context.Context) error {
	if e.events != nil {
		e.events.RemoveObserver(e)
	}
	err := e.Flush(ctx)
	e.mu.Lock()
	for _, t := range e.timers {
		t.stopLocked()
	}
	e.timers = map[time.Duration]*intervalTimer{}
	e.periodics = map[int64]*PeriodicIO{}
	e.mu.Unlock()
	e.workers.Stop()
	return err
}

func (e *Engine) runWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.wake:
		}
		e.ProcessQueue(ctx)
	}
}

func (e *Engine) scheduleWork() {
	if e.scheduler != nil {
		e.scheduler.ScheduleWork()
		return
	}
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Submit validates and deep-copies a descriptor, resolves its trigger
// condition, and either queues the transaction immediately (condition NONE or
// already satisfied) or parks it until its triggers fire. The receipt carries
// the assigned id and any fence handles created for placeholder nodes.
func (e *Engine) Submit(desc Descriptor) (*Receipt, error) {
	entries, err := ioentry.Copy(desc.Entries, ioentry.MaxEntries)
	if err != nil {
		return nil, err
	}
	if err := desc.Trigger.Validate(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.counter++
	tx := &Transaction{
		id:             e.counter,
		entries:        entries,
		trigger:        cloneCondition(desc.Trigger),
		successEventID: desc.EmitSuccessEventID,
		errorEventID:   desc.EmitErrorEventID,
		runInEventCtx:  desc.RunInEventContext,
	}
	if err := e.resolveCompletionFencesLocked(tx, desc.CompletionFences); err != nil {
		e.mu.Unlock()
		return nil, err
	}

	if desc.CleanupOnDisable {
		e.cleanup = append(e.cleanup, tx)
		receipt := &Receipt{ID: tx.id, Trigger: cloneCondition(tx.trigger)}
		e.mu.Unlock()
		return receipt, nil
	}

	if err := e.resolveTriggerLocked(tx); err != nil {
		e.mu.Unlock()
		return nil, err
	}
	ready := tx.conditionReadyLocked()
	if ready {
		e.detachLocked(tx, 0, false)
		e.processQueue = append(e.processQueue, workItem{tx: tx})
	}
	receipt := &Receipt{ID: tx.id, Trigger: cloneCondition(tx.trigger)}
	e.mu.Unlock()

	e.ensureCompletionEvents(desc.EmitSuccessEventID, desc.EmitErrorEventID)
	if ready {
		e.scheduleWork()
	}
	return receipt, nil
}

// resolveTriggerLocked registers the transaction's dependencies. On any
// failure partway through, every partial registration already made is
// unwound; a rejected submission never leaves a dangling weak-wait entry.
// The transaction is parked in the pending map before fence registration so
// a fence that signals mid-submit finds it once the engine lock releases.
func (e *Engine) resolveTriggerLocked(tx *Transaction) error {
	e.pending[tx.id] = tx

	var createdFences []*fence.Fence
	unwind := func() {
		e.detachLocked(tx, 0, false)
		for _, f := range createdFences {
			if err := e.fences.Release(f.Handle()); err != nil {
				e.logger.Warnw("failed to release placeholder fence during unwind",
					"fence", f.Handle(), "error", err)
			}
		}
	}

	for i := range tx.trigger.Nodes {
		node := &tx.trigger.Nodes[i]
		switch node.Type {
		case NodeFencePlaceholder:
			f, err := e.fences.Create(e.deviceName)
			if err != nil {
				unwind()
				return err
			}
			createdFences = append(createdFences, f)
			node.Type = NodeFence
			node.Fence = f.Handle()
			f.RegisterWaiter(e, tx.id)
			tx.triggerFences = append(tx.triggerFences, f)
		case NodeFence:
			f, err := e.fences.Get(node.Fence)
			if err != nil {
				unwind()
				return err
			}
			res, status := f.RegisterWaiter(e, tx.id)
			switch res {
			case fence.Registered:
				tx.triggerFences = append(tx.triggerFences, f)
			case fence.AlreadySignaledOK:
				// The single node is treated as already satisfied rather
				// than rejecting the submission.
				tx.signaledCount++
			case fence.AlreadySignaledError:
				unwind()
				return errors.Wrapf(utils.ErrIOFailure,
					"trigger fence %d already signaled with status %d", node.Fence, status)
			}
		case NodeEvent:
			if node.EventCounter >= 0 {
				var current int64
				if e.events != nil {
					current = e.events.Counter(node.EventID)
				}
				if node.EventCounter < current {
					// The requested occurrence already happened and counters
					// only increase; this node could never fire.
					unwind()
					return utils.NewNotFoundError(
						"event %d occurrence %d already passed (counter is %d)",
						node.EventID, node.EventCounter, current)
				}
				if node.EventCounter == current {
					// Level trigger: the event is already at the requested
					// occurrence, so the node fires at submission.
					tx.signaledCount++
					continue
				}
			}
			e.waitIndex[node.EventID] = append(e.waitIndex[node.EventID],
				weakEntry{txID: tx.id, eventID: node.EventID, nodeIdx: i})
		}
	}
	return nil
}

func (e *Engine) resolveCompletionFencesLocked(tx *Transaction, handles []fence.Handle) error {
	for _, h := range handles {
		f, err := e.fences.Get(h)
		if err != nil {
			return err
		}
		tx.completionFences = append(tx.completionFences, f)
	}
	return nil
}

// detachLocked removes a transaction from the pending map and from every
// wait index it registered in. Removal is idempotent. Entries under
// excludeEventID are left to the caller, which is mid-iteration over that
// list.
func (e *Engine) detachLocked(tx *Transaction, excludeEventID int64, haveExclude bool) {
	delete(e.pending, tx.id)
	for _, node := range tx.trigger.Nodes {
		if node.Type != NodeEvent {
			continue
		}
		if haveExclude && node.EventID == excludeEventID {
			continue
		}
		e.removeWeakLocked(node.EventID, tx.id)
	}
	for _, f := range tx.triggerFences {
		f.UnregisterWaiter(e, tx.id)
	}
}

func (e *Engine) removeWeakLocked(eventID, txID int64) {
	entries := e.waitIndex[eventID]
	kept := entries[:0]
	for _, we := range entries {
		if we.txID != txID {
			kept = append(kept, we)
		}
	}
	if len(kept) == 0 {
		delete(e.waitIndex, eventID)
	} else {
		e.waitIndex[eventID] = kept
	}
}

func (e *Engine) ensureCompletionEvents(ids ...int64) {
	for _, id := range ids {
		if id == 0 {
			continue
		}
		if e.events != nil {
			e.events.EnsureState(id)
		}
		if e.queue != nil && e.queue.Control(id) == 0 {
			e.queue.SetControl(event.Control{EventID: id, Flags: event.FlagEnable}, nil)
		}
	}
}

// EventTriggered implements event.TriggerObserver. Stale weak-wait entries
// whose transaction already executed or was canceled are dropped every time
// the index is consulted.
func (e *Engine) EventTriggered(eventID, counter int64) {
	var toRun []workItem
	scheduled := false

	e.mu.Lock()
	entries := e.waitIndex[eventID]
	kept := entries[:0]
	for _, we := range entries {
		tx, ok := e.pending[we.txID]
		if !ok {
			continue
		}
		node := tx.trigger.Nodes[we.nodeIdx]

		if node.EventCounter == CounterEveryTime {
			kept = append(kept, we)
			item := workItem{tx: tx.repeatIteration()}
			if tx.runInEventCtx {
				e.markInFlightLocked(item)
				toRun = append(toRun, item)
			} else {
				e.processQueue = append(e.processQueue, item)
				scheduled = true
			}
			continue
		}
		if !eventCounterMatches(node.EventCounter, counter) {
			// Non-matching occurrence: the condition stays pending.
			kept = append(kept, we)
			continue
		}

		tx.signaledCount++
		if !tx.conditionReadyLocked() {
			// The node fired once; its registration is consumed.
			continue
		}
		e.detachLocked(tx, eventID, true)
		item := workItem{tx: tx}
		if tx.runInEventCtx {
			e.markInFlightLocked(item)
			toRun = append(toRun, item)
		} else {
			e.processQueue = append(e.processQueue, item)
			scheduled = true
		}
	}
	if len(kept) == 0 {
		delete(e.waitIndex, eventID)
	} else {
		e.waitIndex[eventID] = kept
	}
	e.mu.Unlock()

	if scheduled {
		e.scheduleWork()
	}
	for _, item := range toRun {
		e.executeItem(e.workers.Context(), item)
	}
}

// FenceTriggered implements fence.Waiter. A fence signaling a nonzero status
// cancels every waiting transaction outright, independent of any partial AND
// bookkeeping; status zero counts as one node firing.
func (e *Engine) FenceTriggered(f *fence.Fence, transactionIDs []int64) error {
	status, _ := f.Status()
	scheduled := false

	e.mu.Lock()
	for _, id := range transactionIDs {
		tx, ok := e.pending[id]
		if !ok {
			// Already executed or canceled.
			continue
		}
		if status != fence.StatusOK {
			e.detachLocked(tx, 0, false)
			tx.preErr = errors.Wrapf(utils.ErrCanceled,
				"trigger fence %d signaled with status %d", f.Handle(), status)
			e.processQueue = append(e.processQueue, workItem{tx: tx})
			scheduled = true
			continue
		}
		tx.signaledCount++
		if !tx.conditionReadyLocked() {
			continue
		}
		e.detachLocked(tx, 0, false)
		e.processQueue = append(e.processQueue, workItem{tx: tx})
		scheduled = true
	}
	e.mu.Unlock()

	if scheduled {
		e.scheduleWork()
	}
	return nil
}

// Cancel removes a transaction from wherever it currently resides and
// completes it with a cancellation error. A transaction already picked up by
// a worker is not interrupted and reports NotFound.
func (e *Engine) Cancel(id int64) error {
	e.mu.Lock()
	if tx, ok := e.pending[id]; ok {
		e.detachLocked(tx, 0, false)
		e.mu.Unlock()
		e.finish(e.workers.Context(), tx, errors.Wrap(utils.ErrCanceled, "transaction canceled"), nil, -1)
		return nil
	}
	for i, item := range e.processQueue {
		if item.tx != nil && item.tx.id == id {
			e.processQueue = append(e.processQueue[:i], e.processQueue[i+1:]...)
			e.mu.Unlock()
			e.finish(e.workers.Context(), item.tx, errors.Wrap(utils.ErrCanceled, "transaction canceled"), nil, -1)
			return nil
		}
	}
	e.mu.Unlock()
	return utils.NewNotFoundError("transaction %d", id)
}

// Replace atomically substitutes the entries and trigger condition of an
// existing waiting transaction, preserving its id. A transaction already in
// flight cannot be replaced; that is a submit-after-cancel race and is
// reported as an error rather than silently racing the worker.
func (e *Engine) Replace(id int64, desc Descriptor) (*Receipt, error) {
	entries, err := ioentry.Copy(desc.Entries, ioentry.MaxEntries)
	if err != nil {
		return nil, err
	}
	if err := desc.Trigger.Validate(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	if e.inFlight[id] > 0 {
		e.mu.Unlock()
		return nil, errors.Wrapf(utils.ErrAlreadyInState, "transaction %d is in flight", id)
	}
	old, ok := e.pending[id]
	if ok {
		e.detachLocked(old, 0, false)
	} else {
		for i, item := range e.processQueue {
			if item.tx != nil && item.tx.id == id {
				old = item.tx
				e.processQueue = append(e.processQueue[:i], e.processQueue[i+1:]...)
				break
			}
		}
		if old == nil {
			e.mu.Unlock()
			return nil, utils.NewNotFoundError("transaction %d", id)
		}
	}

	tx := &Transaction{
		id:             id,
		entries:        entries,
		trigger:        cloneCondition(desc.Trigger),
		successEventID: desc.EmitSuccessEventID,
		errorEventID:   desc.EmitErrorEventID,
		runInEventCtx:  desc.RunInEventContext,
	}
	if err := e.resolveCompletionFencesLocked(tx, desc.CompletionFences); err != nil {
		e.mu.Unlock()
		e.finish(e.workers.Context(), old, errors.Wrap(utils.ErrCanceled, "transaction replaced"), nil, -1)
		return nil, err
	}
	if err := e.resolveTriggerLocked(tx); err != nil {
		e.mu.Unlock()
		e.finish(e.workers.Context(), old, errors.Wrap(utils.ErrCanceled, "transaction replaced"), nil, -1)
		return nil, err
	}
	ready := tx.conditionReadyLocked()
	if ready {
		e.detachLocked(tx, 0, false)
		e.processQueue = append(e.processQueue, workItem{tx: tx})
	}
	receipt := &Receipt{ID: tx.id, Trigger: cloneCondition(tx.trigger)}
	e.mu.Unlock()

	e.ensureCompletionEvents(desc.EmitSuccessEventID, desc.EmitErrorEventID)
	e.finish(e.workers.Context(), old, errors.Wrap(utils.ErrCanceled, "transaction replaced"), nil, -1)
	if ready {
		e.scheduleWork()
	}
	return receipt, nil
}

// ProcessQueue drains the process queue, executing items in the order they
// became ready. Called by the engine's own worker, or by the bus manager
// worker for bus-shared devices.
func (e *Engine) ProcessQueue(ctx context.Context) {
	for ctx.Err() == nil {
		e.mu.Lock()
		if len(e.processQueue) == 0 {
			e.mu.Unlock()
			return
		}
		item := e.processQueue[0]
		e.processQueue = e.processQueue[1:]
		e.markInFlightLocked(item)
		e.mu.Unlock()
		e.executeItem(ctx, item)
	}
}

func (e *Engine) markInFlightLocked(item workItem) {
	if item.tx != nil {
		e.inFlight[item.tx.id]++
	} else {
		e.periodicInFlight++
	}
}

func (e *Engine) clearInFlight(item workItem) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if item.tx != nil {
		e.inFlight[item.tx.id]--
		if e.inFlight[item.tx.id] <= 0 {
			delete(e.inFlight, item.tx.id)
		}
	} else {
		e.periodicInFlight--
	}
}

func (e *Engine) executeItem(ctx context.Context, item workItem) {
	defer e.clearInFlight(item)
	if item.pio != nil {
		e.executePeriodic(ctx, item.pio)
		return
	}
	tx := item.tx
	if tx.preErr != nil {
		e.finish(ctx, tx, tx.preErr, nil, -1)
		return
	}
	results, idx, err := e.executeEntries(ctx, tx.entries)
	e.finish(ctx, tx, err, results, idx)
}

// executeEntries runs a batch under the bus-wide execution lock, if any. No
// fence or event-queue lock is ever held here.
func (e *Engine) executeEntries(ctx context.Context, entries []ioentry.Entry) ([]ioentry.Result, int, error) {
	if e.busLock != nil {
		e.busLock.Lock()
		defer e.busLock.Unlock()
	}
	return e.executor.Execute(ctx, entries)
}

// finish emits the transaction's completion event and signals its completion
// fences. Whichever path completes a transaction is its last owner; it is
// never touched again afterward.
func (e *Engine) finish(ctx context.Context, tx *Transaction, err error, results []ioentry.Result, completionIdx int) {
	resp := &Response{ID: tx.id, CompletionIndex: completionIdx}
	eventID := tx.successEventID
	fenceStatus := utils.CodeOK
	if err != nil {
		resp.ErrorCode = utils.CodeFromError(err)
		eventID = tx.errorEventID
		if errors.Is(err, utils.ErrCanceled) {
			fenceStatus = utils.CodeCancellation
		} else {
			fenceStatus = resp.ErrorCode
		}
		e.logger.Debugw("transaction failed", "transaction", tx.id, "client", e.clientID, "error", err)
	} else {
		resp.Results = results
	}

	if e.events != nil && eventID != 0 {
		e.events.Emit(eventID, resp.MarshalBinary())
	}
	for _, f := range tx.completionFences {
		if sigErr := f.Signal(fenceStatus); sigErr != nil {
			e.logger.Warnw("failed to signal completion fence",
				"fence", f.Handle(), "transaction", tx.id, "error", sigErr)
		}
	}
}

// repeatIteration builds the per-occurrence copy of an every-time triggered
// transaction. The entry list is shared; the original stays registered.
func (t *Transaction) repeatIteration() *Transaction {
	return &Transaction{
		id:             t.id,
		entries:        t.entries,
		successEventID: t.successEventID,
		errorEventID:   t.errorEventID,
	}
}

// Flush cancels every waiting and queued transaction, then blocks until
// in-flight executions drain. Cleanup transactions are unaffected.
func (e *Engine) Flush(ctx context.Context) error {
	e.mu.Lock()
	var canceled []*Transaction
	for _, tx := range e.pending {
		canceled = append(canceled, tx)
	}
	for _, tx := range canceled {
		e.detachLocked(tx, 0, false)
	}
	kept := e.processQueue[:0]
	for _, item := range e.processQueue {
		if item.tx != nil {
			canceled = append(canceled, item.tx)
		} else {
			kept = append(kept, item)
		}
	}
	e.processQueue = kept
	e.mu.Unlock()

	for _, tx := range canceled {
		e.finish(ctx, tx, errors.Wrap(utils.ErrCanceled, "client flushed"), nil, -1)
	}

	return e.waitIdle(ctx, func() bool {
		for _, item := range e.processQueue {
			if item.tx != nil {
				return false
			}
		}
		return len(e.inFlight) == 0
	})
}

// waitIdle polls a predicate under the engine lock until it holds or ctx is
// canceled.
func (e *Engine) waitIdle(ctx context.Context, pred func() bool) error {
	for {
		e.mu.Lock()
		done := pred()
		e.mu.Unlock()
		if done {
			return nil
		}
		if !goutils.SelectContextOrWait(ctx, idlePollInterval) {
			return ctx.Err()
		}
	}
}

// RunCleanup synchronously executes the client's registered cleanup
// transactions. Entry failures are logged and the remaining cleanup
// transactions still run; no completion events are emitted.
func (e *Engine) RunCleanup(ctx context.Context) {
	e.mu.Lock()
	cleanup := e.cleanup
	e.cleanup = nil
	e.mu.Unlock()

	for _, tx := range cleanup {
		if _, idx, err := e.executeEntries(ctx, tx.entries); err != nil {
			e.logger.Warnw("cleanup transaction failed",
				"transaction", tx.id, "completion_index", idx, "error", err)
		}
	}
}

// pendingLen and waitIndexLen support tests asserting residual registrations.
func (e *Engine) pendingLen() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

func (e *Engine) waitIndexLen() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, entries := range e.waitIndex {
		n += len(entries)
	}
	return n
}

func cloneCondition(c TriggerCondition) TriggerCondition {
	return TriggerCondition{Operator: c.Operator, Nodes: append([]TriggerNode(nil), c.Nodes...)}
}
