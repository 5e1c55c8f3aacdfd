// Package worker implements the CPU and OpenCL GPU search units that scan
// the nonce space for a single active Job. Workers are long-lived: they are
// bound to a new Job by having the work set install fresh shared state into
// them, rather than being recreated per Job.
package worker

import (
	"sync/atomic"

	"github.com/JeanOUINA/vite-work-server/internal/pow"
)

// SharedState is the per-Job state every worker assigned to that Job polls
// and writes into. It is installed into each worker by the work set before
// the workers are started, and must not be touched by anything else while
// workers are running.
type SharedState struct {
	Hash      pow.Hash
	Threshold pow.Threshold

	// cancel transitions exactly once, false -> true. doneCh is closed
	// in that same transition, giving the work set an efficient signal
	// to wait on instead of polling the flag.
	cancel atomic.Bool
	doneCh chan struct{}

	// solutionFound guards the single write into solution/digest: the
	// first worker to CAS it from false to true owns the result.
	solutionFound atomic.Bool
	solution      pow.Nonce
	digest        uint64

	// total is the number of workers bound to this Job. failures counts
	// how many have reported giving up without a solution; once it
	// reaches total with no solution published, the Job is exhausted.
	total     int32
	failures  atomic.Int32
	exhausted atomic.Bool
}

// NewSharedState builds the shared state a work set installs into its
// workers for one Job. total is the number of workers that will be bound to
// it, used to detect when every worker has failed.
func NewSharedState(h pow.Hash, t pow.Threshold, total int) *SharedState {
	return &SharedState{Hash: h, Threshold: t, doneCh: make(chan struct{}), total: int32(total)}
}

// Cancelled reports whether the cancel flag has been observed set.
func (s *SharedState) Cancelled() bool {
	return s.cancel.Load()
}

// Cancel sets the cancel flag and signals Done. Idempotent.
func (s *SharedState) Cancel() {
	if s.cancel.CompareAndSwap(false, true) {
		close(s.doneCh)
	}
}

// Done returns a channel that is closed exactly once, the moment the cancel
// flag is set (by a winning solution or an external cancel). A work set
// blocks on it instead of polling.
func (s *SharedState) Done() <-chan struct{} {
	return s.doneCh
}

// TryPublish attempts to be the first writer of the solution slot. It
// returns true exactly once across all callers for a given SharedState; the
// winner's write also sets the cancel flag so peer workers stop.
func (s *SharedState) TryPublish(n pow.Nonce, digest uint64) bool {
	if !s.solutionFound.CompareAndSwap(false, true) {
		return false
	}
	s.solution = n
	s.digest = digest
	s.Cancel()
	return true
}

// Solution returns the published nonce and digest, and whether one has been
// published yet.
func (s *SharedState) Solution() (pow.Nonce, uint64, bool) {
	if !s.solutionFound.Load() {
		return 0, 0, false
	}
	return s.solution, s.digest, true
}

// ReportFailure records that one worker gave up on this Job without
// publishing a solution. Once every bound worker has reported failure and
// no solution has been published, the Job transitions to exhausted and
// Done is signalled.
func (s *SharedState) ReportFailure() {
	if s.solutionFound.Load() {
		return
	}
	if s.failures.Add(1) >= s.total {
		if s.exhausted.CompareAndSwap(false, true) {
			s.Cancel()
		}
	}
}

// Exhausted reports whether every worker bound to this Job failed without a
// solution being published. Only meaningful once Done has fired.
func (s *SharedState) Exhausted() bool {
	return s.exhausted.Load() && !s.solutionFound.Load()
}

// Handle is the contract every worker variant (CPU, GPU) exposes to the
// work set that owns it for the duration of one Job.
type Handle interface {
	// Start begins searching against state; non-blocking.
	Start(state *SharedState)
	// Interrupt requests termination of the current search. Idempotent,
	// safe to call even if the worker already finished on its own.
	Interrupt()
	// Join blocks until the worker has returned to idle after Interrupt
	// or self-termination (solution found / cancel observed).
	Join()
	// Name identifies the worker for logs and diagnostics.
	Name() string
}
