package worker

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"

	vlog "github.com/JeanOUINA/vite-work-server/internal/log"
	"github.com/JeanOUINA/vite-work-server/internal/pow"
)

// checkInterval is how many hash attempts a CPU worker makes between
// checks of the shared cancel flag. It sits in the [256, 4096] design
// target: small enough to bound cancellation latency, large enough that
// the atomic load doesn't dominate the hot loop.
const checkInterval = 1024

// CPUWorker scans a strided slice of the nonce space on one goroutine.
// It is long-lived: constructed once at startup and rebound to a new Job's
// SharedState by every subsequent Start call.
type CPUWorker struct {
	id     int
	stride uint64
	log    vlog.Logger

	jobCh chan cpuJob

	mu      sync.Mutex
	active  *SharedState
	doneCh  chan struct{}
}

type cpuJob struct {
	state *SharedState
	done  chan struct{}
}

// NewCPUWorker constructs and starts a CPU worker's background goroutine.
// stride is the total number of CPU workers sharing the nonce space, so
// peer workers never test the same nonce.
func NewCPUWorker(id int, stride uint64) *CPUWorker {
	w := &CPUWorker{
		id:     id,
		stride: stride,
		log:    vlog.New("module", "cpuworker", "id", id),
		jobCh:  make(chan cpuJob),
	}
	go w.loop()
	return w
}

func (w *CPUWorker) Name() string {
	return fmt.Sprintf("cpu-%d", w.id)
}

func (w *CPUWorker) loop() {
	for job := range w.jobCh {
		w.search(job.state)
		close(job.done)
	}
}

// Start assigns state to this worker. It does not block on the search
// itself completing.
func (w *CPUWorker) Start(state *SharedState) {
	done := make(chan struct{})

	w.mu.Lock()
	w.active = state
	w.doneCh = done
	w.mu.Unlock()

	go func() {
		w.jobCh <- cpuJob{state: state, done: done}
	}()
}

// Interrupt sets the cancel flag on whichever SharedState this worker is
// currently bound to, if any. Idempotent.
func (w *CPUWorker) Interrupt() {
	w.mu.Lock()
	state := w.active
	w.mu.Unlock()
	if state != nil {
		state.Cancel()
	}
}

// Join blocks until the worker has returned to idle for its current Job.
func (w *CPUWorker) Join() {
	w.mu.Lock()
	done := w.doneCh
	w.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (w *CPUWorker) search(state *SharedState) {
	nonce, err := randomNonce()
	if err != nil {
		w.log.Error("failed to seed random nonce, worker exiting job", "err", err)
		state.ReportFailure()
		return
	}

	for {
		if state.Cancelled() {
			return
		}
		for i := 0; i < checkInterval; i++ {
			if valid, digest := pow.Meets(state.Hash, pow.Nonce(nonce), state.Threshold); valid {
				state.TryPublish(pow.Nonce(nonce), digest)
				return
			}
			nonce += w.stride
		}
	}
}

// randomNonce draws a starting nonce from a cryptographically adequate
// random source, per the search algorithm's seeding requirement.
func randomNonce() (uint64, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}
