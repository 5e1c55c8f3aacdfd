package dispatcher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JeanOUINA/vite-work-server/internal/pow"
	"github.com/JeanOUINA/vite-work-server/internal/worker"
	"github.com/JeanOUINA/vite-work-server/internal/workset"
)

// instantWorker publishes the first nonce it is asked to search for
// immediately, so work sets built on it resolve without real hashing.
type instantWorker struct {
	name string
}

func (w *instantWorker) Name() string { return w.name }
func (w *instantWorker) Start(state *worker.SharedState) {
	go func() {
		_, digest := pow.Meets(state.Hash, pow.Nonce(1), state.Threshold)
		state.TryPublish(pow.Nonce(1), digest)
	}()
}
func (w *instantWorker) Interrupt() {}
func (w *instantWorker) Join()      {}

func newTestDispatcher(shuffle bool, seed int64) *Dispatcher {
	ws := workset.New([]worker.Handle{&instantWorker{name: "w"}})
	return NewWithSeed(ws, shuffle, seed)
}

func TestSubmitResolvesThroughDispatcherLoop(t *testing.T) {
	d := newTestDispatcher(false, 1)
	go d.Run()
	defer d.Stop()

	var h pow.Hash
	_, resultCh := d.Submit(h, pow.Threshold(0))

	select {
	case outcome := <-resultCh:
		require.False(t, outcome.Cancelled)
		require.Equal(t, pow.Nonce(1), outcome.Nonce)
	case <-time.After(time.Second):
		t.Fatal("job did not resolve")
	}
}

func TestStatusReflectsQueueDepth(t *testing.T) {
	blocker := &blockingWorker{release: make(chan struct{})}
	ws := workset.New([]worker.Handle{blocker})
	d := NewWithSeed(ws, false, 1)
	go d.Run()
	defer d.Stop()

	var hA, hB pow.Hash
	hA[0] = 0xAA
	hB[0] = 0xBB

	_, resultA := d.Submit(hA, pow.Threshold(0))
	_, resultB := d.Submit(hB, pow.Threshold(0))

	require.Eventually(t, func() bool {
		s := d.Status()
		return s.Generating && s.QueueSize == 1
	}, time.Second, time.Millisecond)

	require.True(t, d.Cancel(hB))
	outcomeB := <-resultB
	require.True(t, outcomeB.Cancelled)

	require.Eventually(t, func() bool {
		s := d.Status()
		return s.Generating && s.QueueSize == 0
	}, time.Second, time.Millisecond)

	close(blocker.release)
	outcomeA := <-resultA
	require.True(t, outcomeA.Cancelled)

	require.Eventually(t, func() bool {
		s := d.Status()
		return !s.Generating && s.QueueSize == 0
	}, time.Second, time.Millisecond)
}

// blockingWorker never publishes on its own; it waits for release to be
// closed and then exits without a solution (simulating an in-progress job
// that Interrupt/Cancel eventually ends).
type blockingWorker struct {
	release chan struct{}
}

func (w *blockingWorker) Name() string { return "blocking" }
func (w *blockingWorker) Start(state *worker.SharedState) {
	go func() {
		<-w.release
		state.Cancel()
	}()
}
func (w *blockingWorker) Interrupt() {}
func (w *blockingWorker) Join()      {}

func TestCancelQueuedJobDoesNotAffectOthers(t *testing.T) {
	blocker := &blockingWorker{release: make(chan struct{})}
	ws := workset.New([]worker.Handle{blocker})
	d := NewWithSeed(ws, false, 1)
	go d.Run()
	defer d.Stop()

	var hA, hB pow.Hash
	hA[0] = 0xAA
	hB[0] = 0xBB

	_, resultA := d.Submit(hA, pow.Threshold(0))
	_, resultB := d.Submit(hB, pow.Threshold(0))

	require.Eventually(t, func() bool {
		return d.Status().QueueSize == 1
	}, time.Second, time.Millisecond)

	require.True(t, d.Cancel(hB))

	select {
	case outcome := <-resultB:
		require.True(t, outcome.Cancelled)
	case <-time.After(time.Second):
		t.Fatal("cancelled queued job did not resolve")
	}

	close(blocker.release)
	<-resultA
}

func TestCancelUnknownHashReturnsFalse(t *testing.T) {
	d := newTestDispatcher(false, 1)
	go d.Run()
	defer d.Stop()

	var unknown pow.Hash
	unknown[0] = 0xFF
	require.False(t, d.Cancel(unknown))
}

func TestBenchmarkZeroCountIsZeroDuration(t *testing.T) {
	d := newTestDispatcher(false, 1)
	go d.Run()
	defer d.Stop()

	result := d.Benchmark(pow.Threshold(0), 0)
	require.Equal(t, 0, result.Count)
	require.Equal(t, int64(0), result.DurationMS)
	require.Equal(t, int64(0), result.AverageMS)
}

func TestBenchmarkRunsCountSequentialJobs(t *testing.T) {
	d := newTestDispatcher(false, 1)
	go d.Run()
	defer d.Stop()

	result := d.Benchmark(pow.Threshold(0), 3)
	require.Equal(t, 3, result.Count)
	require.GreaterOrEqual(t, result.DurationMS, int64(0))
	require.Equal(t, result.DurationMS/3, result.AverageMS)
}
