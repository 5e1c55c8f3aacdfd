// Package dispatcher is the process-wide scheduler: it owns the Job queue,
// runs exactly one Job at a time against a WorkSet, and answers cancel and
// status queries concurrently with submission, the way the teacher's
// CPUMiner owns its worker pool and serves Start/Stop/SetNumWorkers while
// mining runs on its own goroutine.
package dispatcher

import (
	"crypto/rand"
	"encoding/binary"
	mrand "math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	vlog "github.com/JeanOUINA/vite-work-server/internal/log"
	"github.com/JeanOUINA/vite-work-server/internal/pow"
	"github.com/JeanOUINA/vite-work-server/internal/workset"
)

var log = vlog.New("module", "dispatcher")

// Job is one work_generate request from acceptance to resolution.
type Job struct {
	ID        uuid.UUID
	Hash      pow.Hash
	Threshold pow.Threshold

	resultCh chan workset.Outcome
}

// Status is the dispatcher's current occupancy, per the status RPC.
type Status struct {
	Generating bool
	QueueSize  int
}

// BenchmarkResult reports the outcome of running count sequential Jobs.
type BenchmarkResult struct {
	Count      int
	DurationMS int64
	AverageMS  int64
}

// Dispatcher is the process-wide singleton that owns the Job queue and the
// worker pool (via its WorkSet). There is exactly one dispatcher loop.
type Dispatcher struct {
	ws      *workset.WorkSet
	shuffle bool
	rng     *mrand.Rand

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []*Job
	active *Job
	quit   chan struct{}
}

// New builds a dispatcher around ws. When shuffle is true, the dispatcher
// picks the next Job uniformly at random from the queue at activation time
// instead of FIFO.
func New(ws *workset.WorkSet, shuffle bool) *Dispatcher {
	return NewWithSeed(ws, shuffle, randomSeed())
}

// NewWithSeed is New with an explicit RNG seed, so shuffle-mode ordering is
// reproducible in tests.
func NewWithSeed(ws *workset.WorkSet, shuffle bool, seed int64) *Dispatcher {
	d := &Dispatcher{
		ws:      ws,
		shuffle: shuffle,
		rng:     mrand.New(mrand.NewSource(seed)),
		quit:    make(chan struct{}),
	}
	d.cond = sync.NewCond(&d.mu)
	return d
}

func randomSeed() int64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return time.Now().UnixNano()
	}
	return int64(binary.LittleEndian.Uint64(b[:]))
}

// Run is the single dispatcher loop: dequeue, run the Job on the shared
// WorkSet, block on its Run, publish the outcome, repeat. It must be run as a
// goroutine and runs until Stop is called.
func (d *Dispatcher) Run() {
	log.Info("dispatcher loop started")
	for {
		job := d.waitForNext()
		if job == nil {
			log.Info("dispatcher loop stopped")
			return
		}

		outcome := d.ws.Run(job.Hash, job.Threshold)

		d.mu.Lock()
		d.active = nil
		d.mu.Unlock()

		job.resultCh <- outcome
	}
}

// Stop terminates the dispatcher loop once it next checks for work. It does
// not cancel any running or queued Job.
func (d *Dispatcher) Stop() {
	close(d.quit)
	d.mu.Lock()
	d.cond.Broadcast()
	d.mu.Unlock()
}

// waitForNext blocks until a Job is available (selecting it per the
// FIFO/shuffle policy) or Stop has been called, in which case it returns
// nil.
func (d *Dispatcher) waitForNext() *Job {
	d.mu.Lock()
	defer d.mu.Unlock()

	for len(d.queue) == 0 {
		select {
		case <-d.quit:
			return nil
		default:
		}
		d.cond.Wait()
		select {
		case <-d.quit:
			return nil
		default:
		}
	}

	idx := 0
	if d.shuffle {
		idx = d.rng.Intn(len(d.queue))
	}
	job := d.queue[idx]
	d.queue = append(d.queue[:idx], d.queue[idx+1:]...)
	d.active = job
	return job
}

// Submit enqueues a new Job FIFO and returns a channel that receives its
// outcome exactly once, on completion or cancellation.
func (d *Dispatcher) Submit(h pow.Hash, t pow.Threshold) (*Job, <-chan workset.Outcome) {
	job := &Job{
		ID:        uuid.New(),
		Hash:      h,
		Threshold: t,
		resultCh:  make(chan workset.Outcome, 1),
	}

	d.mu.Lock()
	d.queue = append(d.queue, job)
	d.cond.Signal()
	d.mu.Unlock()

	log.Debug("job submitted", "id", job.ID, "hash", h.String())
	return job, job.resultCh
}

// Cancel cancels the first queued or active Job whose hash matches h. It
// reports whether a matching Job was found. It never cancels more than one
// Job, queued matches take priority over the active Job.
func (d *Dispatcher) Cancel(h pow.Hash) bool {
	d.mu.Lock()
	for i, job := range d.queue {
		if job.Hash == h {
			d.queue = append(d.queue[:i], d.queue[i+1:]...)
			d.mu.Unlock()
			job.resultCh <- workset.Outcome{Cancelled: true, Err: pow.ErrCancelled}
			log.Debug("cancelled queued job", "id", job.ID, "hash", h.String())
			return true
		}
	}
	defer d.mu.Unlock()
	if d.active != nil && d.active.Hash == h {
		d.ws.Cancel()
		log.Debug("cancelled active job", "id", d.active.ID, "hash", h.String())
		return true
	}
	return false
}

// Status reports whether a Job is active and how many are queued behind it.
func (d *Dispatcher) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Status{
		Generating: d.active != nil,
		QueueSize:  len(d.queue),
	}
}

// zeroHash is the deterministic dummy hash every benchmark Job runs over;
// Benchmark takes no hash from the caller.
var zeroHash pow.Hash

// Benchmark runs count sequential Jobs over the zero hash at threshold t,
// summing wall-clock time. count = 0 returns a zero-valued result. It stops
// at the first Job that ends without a solution and reports only the Jobs
// completed before it.
func (d *Dispatcher) Benchmark(t pow.Threshold, count int) BenchmarkResult {
	if count <= 0 {
		return BenchmarkResult{Count: 0}
	}

	start := time.Now()
	var elapsed time.Duration
	completed := 0
	for i := 0; i < count; i++ {
		_, resultCh := d.Submit(zeroHash, t)
		if outcome := <-resultCh; outcome.Cancelled {
			break
		}
		completed++
		elapsed = time.Since(start)
	}

	result := BenchmarkResult{Count: completed, DurationMS: elapsed.Milliseconds()}
	if completed > 0 {
		result.AverageMS = result.DurationMS / int64(completed)
	}
	return result
}
