package fence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/test"

	"go.viam.com/devio/logging"
	"go.viam.com/devio/utils"
)

type recordingWaiter struct {
	mu    sync.Mutex
	calls [][]int64
	fail  error
}

func (w *recordingWaiter) FenceTriggered(f *Fence, transactionIDs []int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls = append(w.calls, append([]int64(nil), transactionIDs...))
	return w.fail
}

func (w *recordingWaiter) callCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.calls)
}

func TestSignalExactlyOnce(t *testing.T) {
	logger := logging.NewTestLogger(t)
	r := NewRegistry(logger)
	f, err := r.Create("sensor0")
	test.That(t, err, test.ShouldBeNil)

	test.That(t, f.Ready(), test.ShouldBeFalse)
	test.That(t, f.Signal(StatusOK), test.ShouldBeNil)
	test.That(t, f.Ready(), test.ShouldBeTrue)

	err = f.Signal(7)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, errors.Is(err, utils.ErrAlreadyInState), test.ShouldBeTrue)

	status, signaled := f.Status()
	test.That(t, signaled, test.ShouldBeTrue)
	test.That(t, status, test.ShouldEqual, StatusOK)
}

func TestSignalDrainsWaiters(t *testing.T) {
	logger := logging.NewTestLogger(t)
	r := NewRegistry(logger)
	f, err := r.Create("sensor0")
	test.That(t, err, test.ShouldBeNil)

	w := &recordingWaiter{}
	res, _ := f.RegisterWaiter(w, 11)
	test.That(t, res, test.ShouldEqual, Registered)
	res, _ = f.RegisterWaiter(w, 12)
	test.That(t, res, test.ShouldEqual, Registered)
	test.That(t, f.pendingCount(), test.ShouldEqual, 2)

	test.That(t, f.Signal(StatusOK), test.ShouldBeNil)
	test.That(t, w.callCount(), test.ShouldEqual, 1)
	w.mu.Lock()
	test.That(t, w.calls[0], test.ShouldResemble, []int64{11, 12})
	w.mu.Unlock()
	test.That(t, f.pendingCount(), test.ShouldEqual, 0)
}

func TestRegisterAfterSignal(t *testing.T) {
	logger := logging.NewTestLogger(t)
	r := NewRegistry(logger)

	ok, err := r.Create("sensor0")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, ok.Signal(StatusOK), test.ShouldBeNil)
	res, status := ok.RegisterWaiter(&recordingWaiter{}, 1)
	test.That(t, res, test.ShouldEqual, AlreadySignaledOK)
	test.That(t, status, test.ShouldEqual, StatusOK)

	bad, err := r.Create("sensor0")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, bad.Signal(-5), test.ShouldBeNil)
	res, status = bad.RegisterWaiter(&recordingWaiter{}, 1)
	test.That(t, res, test.ShouldEqual, AlreadySignaledError)
	test.That(t, status, test.ShouldEqual, int32(-5))
}

func TestUnregisterWaiter(t *testing.T) {
	logger := logging.NewTestLogger(t)
	r := NewRegistry(logger)
	f, err := r.Create("sensor0")
	test.That(t, err, test.ShouldBeNil)

	w := &recordingWaiter{}
	f.RegisterWaiter(w, 21)
	f.UnregisterWaiter(w, 21)
	// Idempotent on unknown entries.
	f.UnregisterWaiter(w, 21)
	test.That(t, f.pendingCount(), test.ShouldEqual, 0)

	test.That(t, f.Signal(StatusOK), test.ShouldBeNil)
	test.That(t, w.callCount(), test.ShouldEqual, 0)
}

func TestPartialTriggerFailureIsDropped(t *testing.T) {
	logger, observer := logging.NewObservedTestLogger(t)
	r := NewRegistry(logger)
	f, err := r.Create("sensor0")
	test.That(t, err, test.ShouldBeNil)

	w := &recordingWaiter{fail: errors.New("engine gone")}
	f.RegisterWaiter(w, 31)
	test.That(t, f.Signal(StatusOK), test.ShouldBeNil)
	test.That(t, w.callCount(), test.ShouldEqual, 1)
	test.That(t, observer.FilterMessageSnippet("partial-trigger").Len(), test.ShouldEqual, 1)
}

func TestWait(t *testing.T) {
	logger := logging.NewTestLogger(t)
	r := NewRegistry(logger)
	f, err := r.Create("sensor0")
	test.That(t, err, test.ShouldBeNil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		status, waitErr := f.Wait(context.Background())
		test.That(t, waitErr, test.ShouldBeNil)
		test.That(t, status, test.ShouldEqual, int32(-5))
	}()
	test.That(t, f.Signal(-5), test.ShouldBeNil)
	<-done

	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	unsignaled, err := r.Create("sensor0")
	test.That(t, err, test.ShouldBeNil)
	_, err = unsignaled.Wait(ctx)
	test.That(t, errors.Is(err, context.DeadlineExceeded), test.ShouldBeTrue)
}

func TestRegistryRefcounting(t *testing.T) {
	logger := logging.NewTestLogger(t)
	r := NewRegistry(logger)
	f, err := r.Create("sensor0")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, r.Len(), test.ShouldEqual, 1)

	test.That(t, r.Retain(f.Handle()), test.ShouldBeNil)
	test.That(t, r.Release(f.Handle()), test.ShouldBeNil)
	// Still referenced by the creator.
	_, err = r.Get(f.Handle())
	test.That(t, err, test.ShouldBeNil)

	test.That(t, f.Signal(StatusOK), test.ShouldBeNil)
	test.That(t, r.Release(f.Handle()), test.ShouldBeNil)
	test.That(t, r.Len(), test.ShouldEqual, 0)
	_, err = r.Get(f.Handle())
	test.That(t, errors.Is(err, utils.ErrNotFound), test.ShouldBeTrue)
	test.That(t, r.Release(f.Handle()), test.ShouldNotBeNil)
}

func TestReleaseUnsignaledOrphansWaiters(t *testing.T) {
	logger, observer := logging.NewObservedTestLogger(t)
	r := NewRegistry(logger)
	f, err := r.Create("sensor0")
	test.That(t, err, test.ShouldBeNil)

	w := &recordingWaiter{}
	f.RegisterWaiter(w, 41)
	test.That(t, r.Release(f.Handle()), test.ShouldBeNil)

	// The waiter is never triggered and blocked Waits report release.
	test.That(t, w.callCount(), test.ShouldEqual, 0)
	_, err = f.Wait(context.Background())
	test.That(t, errors.Is(err, utils.ErrNotFound), test.ShouldBeTrue)
	test.That(t, observer.FilterMessageSnippet("without being signaled").Len(), test.ShouldEqual, 1)
}

func TestRegistryCapacity(t *testing.T) {
	logger := logging.NewTestLogger(t)
	r := NewRegistry(logger)
	r.maxFences = 2
	_, err := r.Create("sensor0")
	test.That(t, err, test.ShouldBeNil)
	_, err = r.Create("sensor0")
	test.That(t, err, test.ShouldBeNil)
	_, err = r.Create("sensor0")
	test.That(t, errors.Is(err, utils.ErrResourceExhausted), test.ShouldBeTrue)
}
