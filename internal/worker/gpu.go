package worker

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/robvanmieghem/go-opencl/cl"

	vlog "github.com/JeanOUINA/vite-work-server/internal/log"
	"github.com/JeanOUINA/vite-work-server/internal/pow"
)

// DefaultLocalWorkSize is used when a GPU spec omits an explicit value.
const DefaultLocalWorkSize = 1024

// globalWorkSize is the number of lanes launched per batch. It is sized so
// a single launch completes in tens of milliseconds on typical hardware,
// bounding cancellation latency the same way checkInterval does for the CPU
// worker.
const globalWorkSize = 1 << 20

// GPUWorker drives a single OpenCL device through repeated kernel launches,
// each exploring globalWorkSize nonces starting at a fresh base. Like
// CPUWorker it is long-lived: constructed once at startup, rebound to a new
// Job's SharedState on every Start call.
type GPUWorker struct {
	platformIndex, deviceIndex int
	localWorkSize              int

	log vlog.Logger

	device       *cl.Device
	context      *cl.Context
	queue        *cl.CommandQueue
	kernel       *cl.Kernel
	inputBuffer  *cl.MemObject
	outputBuffer *cl.MemObject

	jobCh chan cpuJob // reused type: {state, done}

	mu     sync.Mutex
	active *SharedState
	doneCh chan struct{}

	nonceCounter uint64 // monotonic, bumped once per launch
}

// NewGPUWorker selects OpenCL platform platformIndex / device deviceIndex and
// builds the search kernel. Failure here is fatal to the process per the
// device-binding contract: a GPU worker that cannot initialize its device
// cannot ever search, so there is nothing useful to degrade to.
func NewGPUWorker(platformIndex, deviceIndex, localWorkSize int) (*GPUWorker, error) {
	if localWorkSize <= 0 {
		localWorkSize = DefaultLocalWorkSize
	}

	w := &GPUWorker{
		platformIndex: platformIndex,
		deviceIndex:   deviceIndex,
		localWorkSize: localWorkSize,
		log:           vlog.New("module", "gpuworker", "platform", platformIndex, "device", deviceIndex),
		jobCh:         make(chan cpuJob),
	}

	if err := w.init(); err != nil {
		return nil, fmt.Errorf("gpu worker %d:%d: %w: %w", platformIndex, deviceIndex, pow.ErrDeviceInit, err)
	}

	go w.loop()
	return w, nil
}

func (w *GPUWorker) init() error {
	platforms, err := cl.GetPlatforms()
	if err != nil {
		return fmt.Errorf("enumerate platforms: %w", err)
	}
	if w.platformIndex < 0 || w.platformIndex >= len(platforms) {
		return fmt.Errorf("platform index %d out of range (have %d)", w.platformIndex, len(platforms))
	}
	platform := platforms[w.platformIndex]

	devices, err := platform.GetDevices(cl.DeviceTypeAll)
	if err != nil {
		return fmt.Errorf("enumerate devices: %w", err)
	}
	if w.deviceIndex < 0 || w.deviceIndex >= len(devices) {
		return fmt.Errorf("device index %d out of range (have %d)", w.deviceIndex, len(devices))
	}
	w.device = devices[w.deviceIndex]

	context, err := cl.CreateContext([]*cl.Device{w.device})
	if err != nil {
		return fmt.Errorf("create context: %w", err)
	}
	w.context = context

	queue, err := context.CreateCommandQueue(w.device, 0)
	if err != nil {
		return fmt.Errorf("create command queue: %w", err)
	}
	w.queue = queue

	program, err := context.CreateProgramWithSource([]string{blake2b64KernelSource})
	if err != nil {
		return fmt.Errorf("create program: %w", err)
	}
	if err := program.BuildProgram([]*cl.Device{w.device}, ""); err != nil {
		return fmt.Errorf("build program: %w", err)
	}

	kernel, err := program.CreateKernel("powSearch")
	if err != nil {
		return fmt.Errorf("create kernel: %w", err)
	}
	w.kernel = kernel

	inputBuffer, err := context.CreateEmptyBuffer(cl.MemReadOnly, 48)
	if err != nil {
		return fmt.Errorf("create input buffer: %w", err)
	}
	w.inputBuffer = inputBuffer

	outputBuffer, err := context.CreateEmptyBuffer(cl.MemReadWrite, 8)
	if err != nil {
		return fmt.Errorf("create output buffer: %w", err)
	}
	w.outputBuffer = outputBuffer

	if err := w.kernel.SetArgBuffer(0, w.inputBuffer); err != nil {
		return fmt.Errorf("bind input buffer: %w", err)
	}
	if err := w.kernel.SetArgBuffer(1, w.outputBuffer); err != nil {
		return fmt.Errorf("bind output buffer: %w", err)
	}

	return nil
}

func (w *GPUWorker) Name() string {
	return fmt.Sprintf("gpu-%d:%d", w.platformIndex, w.deviceIndex)
}

func (w *GPUWorker) loop() {
	for job := range w.jobCh {
		w.search(job.state)
		close(job.done)
	}
}

// Start assigns state to this worker. Non-blocking.
func (w *GPUWorker) Start(state *SharedState) {
	done := make(chan struct{})

	w.mu.Lock()
	w.active = state
	w.doneCh = done
	w.mu.Unlock()

	go func() {
		w.jobCh <- cpuJob{state: state, done: done}
	}()
}

// Interrupt sets the cancel flag on this worker's currently bound
// SharedState, if any. Idempotent.
func (w *GPUWorker) Interrupt() {
	w.mu.Lock()
	state := w.active
	w.mu.Unlock()
	if state != nil {
		state.Cancel()
	}
}

// Join blocks until the worker has returned to idle for its current Job.
func (w *GPUWorker) Join() {
	w.mu.Lock()
	done := w.doneCh
	w.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (w *GPUWorker) search(state *SharedState) {
	offset, err := randomNonce()
	if err != nil {
		w.log.Error("failed to seed random base nonce, worker exiting job", "err", err)
		state.ReportFailure()
		return
	}
	atomic.StoreUint64(&w.nonceCounter, 0)

	input := encodeKernelInput(state.Hash, uint64(state.Threshold))
	if _, err := w.queue.EnqueueWriteBufferByte(w.inputBuffer, true, 0, input[:40], nil); err != nil {
		w.log.Error("failed to upload hash/threshold words", "err", err)
		state.ReportFailure()
		return
	}

	for {
		if state.Cancelled() {
			return
		}

		base := offset + atomic.AddUint64(&w.nonceCounter, globalWorkSize) - globalWorkSize
		if err := w.launchBatch(base, input); err != nil {
			w.log.Error("batch launch failed, worker exiting job", "err", err)
			state.ReportFailure()
			return
		}

		nonce, found, err := w.readResult()
		if err != nil {
			w.log.Error("batch readback failed, worker exiting job", "err", err)
			state.ReportFailure()
			return
		}
		if found {
			_, digest := pow.Meets(state.Hash, pow.Nonce(nonce), state.Threshold)
			state.TryPublish(pow.Nonce(nonce), digest)
			return
		}
	}
}

func (w *GPUWorker) launchBatch(base uint64, input [48]byte) error {
	var baseBytes [8]byte
	binary.LittleEndian.PutUint64(baseBytes[:], base)
	if _, err := w.queue.EnqueueWriteBufferByte(w.inputBuffer, true, 40, baseBytes[:], nil); err != nil {
		return fmt.Errorf("write base nonce: %w", err)
	}

	var zero [8]byte
	if _, err := w.queue.EnqueueWriteBufferByte(w.outputBuffer, true, 0, zero[:], nil); err != nil {
		return fmt.Errorf("clear output slot: %w", err)
	}

	if _, err := w.queue.EnqueueNDRangeKernel(w.kernel, nil, []int{globalWorkSize}, []int{w.localWorkSize}, nil); err != nil {
		return fmt.Errorf("enqueue kernel: %w", err)
	}
	if err := w.queue.Finish(); err != nil {
		return fmt.Errorf("finish: %w", err)
	}
	return nil
}

func (w *GPUWorker) readResult() (uint64, bool, error) {
	var out [8]byte
	if _, err := w.queue.EnqueueReadBufferByte(w.outputBuffer, true, 0, out[:], nil); err != nil {
		return 0, false, err
	}
	nonce := binary.LittleEndian.Uint64(out[:])
	return nonce, nonce != 0, nil
}

// encodeKernelInput lays out the 48-byte buffer the kernel expects:
// 4 hash words (little-endian loads of 8-byte groups of the hash, matching
// the host-side Digest's block layout), the threshold, and an 8-byte hole
// for the per-batch base nonce the host fills in separately.
func encodeKernelInput(h pow.Hash, threshold uint64) [48]byte {
	var buf [48]byte
	for i := 0; i < 4; i++ {
		copy(buf[i*8:i*8+8], h[i*8:i*8+8])
	}
	binary.LittleEndian.PutUint64(buf[32:40], threshold)
	return buf
}

// blake2b64KernelSource implements the scalar variant of the Hasher
// primitive for OpenCL: it computes the 8-byte keyless Blake2b digest of
// (nonce_le || hash) for each lane and, on a threshold hit, writes the
// winning nonce into the single-slot output buffer. Adapted from the
// vectorized Blake2b grinding kernel used by comparable OpenCL miners,
// reduced to the 8-byte digest and single 40-byte message this primitive
// requires.
const blake2b64KernelSource = `
inline static ulong rotr64(const ulong x, const uint y)
{
    return (x >> y) | (x << (64 - y));
}

__constant static const uchar sigma[12][16] = {
	{ 0,  1,  2,  3,  4,  5,  6,  7,  8,  9,  10, 11, 12, 13, 14, 15 },
	{ 14, 10, 4,  8,  9,  15, 13, 6,  1,  12, 0,  2,  11, 7,  5,  3  },
	{ 11, 8,  12, 0,  5,  2,  15, 13, 10, 14, 3,  6,  7,  1,  9,  4  },
	{ 7,  9,  3,  1,  13, 12, 11, 14, 2,  6,  5,  10, 4,  0,  15, 8  },
	{ 9,  0,  5,  7,  2,  4,  10, 15, 14, 1,  11, 12, 6,  8,  3,  13 },
	{ 2,  12, 6,  10, 0,  11, 8,  3,  4,  13, 7,  5,  15, 14, 1,  9  },
	{ 12, 5,  1,  15, 14, 13, 4,  10, 0,  7,  6,  3,  9,  2,  8,  11 },
	{ 13, 11, 7,  14, 12, 1,  3,  9,  5,  0,  15, 4,  8,  6,  2,  10 },
	{ 6,  15, 14, 9,  11, 3,  0,  8,  12, 2,  13, 7,  1,  4,  10, 5  },
	{ 10, 2,  8,  4,  7,  6,  1,  5,  15, 11, 9,  14, 3,  12, 13, 0  },
	{ 0,  1,  2,  3,  4,  5,  6,  7,  8,  9,  10, 11, 12, 13, 14, 15 },
	{ 14, 10, 4,  8,  9,  15, 13, 6,  1,  12, 0,  2,  11, 7,  5,  3  }
};

#define G(r,i,a,b,c,d) \
	a = a + b + m[sigma[r][2*i]]; \
	d = rotr64(d ^ a, 32); \
	c = c + d; \
	b = rotr64(b ^ c, 24); \
	a = a + b + m[sigma[r][2*i+1]]; \
	d = rotr64(d ^ a, 16); \
	c = c + d; \
	b = rotr64(b ^ c, 63);

#define ROUND(r) \
	G(r,0,v[0],v[4],v[ 8],v[12]); \
	G(r,1,v[1],v[5],v[ 9],v[13]); \
	G(r,2,v[2],v[6],v[10],v[14]); \
	G(r,3,v[3],v[7],v[11],v[15]); \
	G(r,4,v[0],v[5],v[10],v[15]); \
	G(r,5,v[1],v[6],v[11],v[12]); \
	G(r,6,v[2],v[7],v[ 8],v[13]); \
	G(r,7,v[3],v[4],v[ 9],v[14]);

// in: [hashWord0, hashWord1, hashWord2, hashWord3, threshold, baseNonce]
__kernel void powSearch(__global const ulong *in, __global ulong *nonceOut)
{
	ulong threshold = in[4];
	ulong base = in[5];
	ulong nonce = base + get_global_id(0);

	ulong m[16] = {
		nonce, in[0], in[1], in[2], in[3], 0, 0, 0,
		0, 0, 0, 0, 0, 0, 0, 0
	};

	ulong v[16] = {
		0x6a09e667f2bdc900UL, 0xbb67ae8584caa73bUL, 0x3c6ef372fe94f82bUL, 0xa54ff53a5f1d36f1UL,
		0x510e527fade682d1UL, 0x9b05688c2b3e6c1fUL, 0x1f83d9abfb41bd6bUL, 0x5be0cd19137e2179UL,
		0x6a09e667f3bcc908UL, 0xbb67ae8584caa73bUL, 0x3c6ef372fe94f82bUL, 0xa54ff53a5f1d36f1UL,
		0x510e527fade682f9UL, 0x9b05688c2b3e6c1fUL, 0xe07c265404be4294UL, 0x5be0cd19137e2179UL
	};

	ROUND(0);  ROUND(1);  ROUND(2);  ROUND(3);
	ROUND(4);  ROUND(5);  ROUND(6);  ROUND(7);
	ROUND(8);  ROUND(9);  ROUND(10); ROUND(11);

	ulong digest = 0x6a09e667f2bdc900UL ^ v[0] ^ v[8];

	if (digest >= threshold) {
		nonceOut[0] = nonce;
	}
}
`
