// Package workset runs a single Job to completion across the full pool of
// workers, the way the teacher's CPU miner runs one block template to
// completion across its worker goroutines: own the shared state, start
// everything, wait efficiently for a result, then tear everything down
// before returning.
package workset

import (
	"sync"

	vlog "github.com/JeanOUINA/vite-work-server/internal/log"
	"github.com/JeanOUINA/vite-work-server/internal/pow"
	"github.com/JeanOUINA/vite-work-server/internal/worker"
)

var log = vlog.New("module", "workset")

// Outcome is the result of running one Job to completion.
type Outcome struct {
	Nonce     pow.Nonce
	Digest    uint64
	Cancelled bool

	// Err is set when the Job ended abnormally: pow.ErrCancelled when
	// Cancelled is true, or pow.ErrWorkerExhausted when every worker
	// failed without publishing a solution.
	Err error
}

// WorkSet runs one Job across a fixed pool of long-lived workers.
type WorkSet struct {
	workers []worker.Handle

	mu    sync.Mutex
	state *worker.SharedState
}

// New builds a work set over workers. The slice is not copied defensively;
// callers must not mutate it after constructing a WorkSet.
func New(workers []worker.Handle) *WorkSet {
	return &WorkSet{workers: workers}
}

// Run executes one Job across every worker and blocks until either a
// solution is published or the Job is cancelled externally via Cancel.
// On return, no worker is still touching the Job's state.
func (ws *WorkSet) Run(h pow.Hash, t pow.Threshold) Outcome {
	state := worker.NewSharedState(h, t, len(ws.workers))

	ws.mu.Lock()
	ws.state = state
	ws.mu.Unlock()

	for _, w := range ws.workers {
		w.Start(state)
	}

	// Block on the shared state's done channel rather than polling: it
	// closes the moment a worker wins the solution slot, every worker
	// reports failure, or an external Cancel fires.
	<-state.Done()

	for _, w := range ws.workers {
		w.Interrupt()
	}
	for _, w := range ws.workers {
		w.Join()
	}

	ws.mu.Lock()
	ws.state = nil
	ws.mu.Unlock()

	if nonce, digest, ok := state.Solution(); ok {
		log.Debug("job resolved with a solution", "nonce", nonce)
		return Outcome{Nonce: nonce, Digest: digest}
	}
	if state.Exhausted() {
		log.Warn("job resolved exhausted, every worker failed")
		return Outcome{Cancelled: true, Err: pow.ErrWorkerExhausted}
	}
	log.Debug("job resolved cancelled")
	return Outcome{Cancelled: true, Err: pow.ErrCancelled}
}

// Cancel sets the cancel flag on the currently running Job, if any. It is
// safe to call with no Job running.
func (ws *WorkSet) Cancel() {
	ws.mu.Lock()
	state := ws.state
	ws.mu.Unlock()
	if state != nil {
		state.Cancel()
	}
}
