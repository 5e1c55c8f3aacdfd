package rpc

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JeanOUINA/vite-work-server/internal/dispatcher"
	"github.com/JeanOUINA/vite-work-server/internal/pow"
	"github.com/JeanOUINA/vite-work-server/internal/worker"
	"github.com/JeanOUINA/vite-work-server/internal/workset"
)

// instantWorker immediately publishes a fixed nonce for whatever hash and
// threshold it is handed, so handler tests exercise real dispatcher wiring
// without real hashing.
type instantWorker struct {
	nonce pow.Nonce
}

func (w *instantWorker) Name() string { return "instant" }
func (w *instantWorker) Start(state *worker.SharedState) {
	go func() {
		_, digest := pow.Meets(state.Hash, w.nonce, state.Threshold)
		state.TryPublish(w.nonce, digest)
	}()
}
func (w *instantWorker) Interrupt() {}
func (w *instantWorker) Join()      {}

func newTestServer(t *testing.T) *Server {
	ws := workset.New([]worker.Handle{&instantWorker{nonce: pow.Nonce(7)}})
	d := dispatcher.NewWithSeed(ws, false, 1)
	go d.Run()
	t.Cleanup(d.Stop)
	return New("127.0.0.1:0", d)
}

func doRequest(t *testing.T, s *Server, body map[string]string) (int, map[string]interface{}) {
	raw, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest("POST", "/", bytes.NewReader(raw))
	rec := httptest.NewRecorder()
	s.handle(rec, req)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return rec.Code, resp
}

func TestWorkGenerateReturnsNonceAndThreshold(t *testing.T) {
	s := newTestServer(t)

	var h pow.Hash
	code, resp := doRequest(t, s, map[string]string{
		"action":    "work_generate",
		"hash":      h.String(),
		"threshold": pow.Threshold(0).String(),
	})

	require.Equal(t, 200, code)
	require.Equal(t, pow.Nonce(7).String(), resp["work"])
	require.NotEmpty(t, resp["threshold"])
}

func TestWorkValidateReportsValidity(t *testing.T) {
	s := newTestServer(t)

	var h pow.Hash
	_, digest := pow.Meets(h, pow.Nonce(7), pow.Threshold(0))

	code, resp := doRequest(t, s, map[string]string{
		"action":    "work_validate",
		"hash":      h.String(),
		"threshold": pow.Threshold(digest).String(),
		"work":      pow.Nonce(7).String(),
	})

	require.Equal(t, 200, code)
	require.Equal(t, true, resp["valid"])
}

func TestWorkValidateRejectsTooHighThreshold(t *testing.T) {
	s := newTestServer(t)

	var h pow.Hash
	code, resp := doRequest(t, s, map[string]string{
		"action":    "work_validate",
		"hash":      h.String(),
		"threshold": pow.Threshold(0xffffffffffffffff).String(),
		"work":      pow.Nonce(7).String(),
	})

	require.Equal(t, 200, code)
	require.Equal(t, false, resp["valid"])
}

func TestWorkCancelUnknownHashStillReturns200(t *testing.T) {
	s := newTestServer(t)

	var h pow.Hash
	h[0] = 0xEE
	code, resp := doRequest(t, s, map[string]string{
		"action": "work_cancel",
		"hash":   h.String(),
	})

	require.Equal(t, 200, code)
	require.Empty(t, resp)
}

func TestStatusReportsIdleWhenNoJobRunning(t *testing.T) {
	s := newTestServer(t)

	code, resp := doRequest(t, s, map[string]string{"action": "status"})

	require.Equal(t, 200, code)
	require.Equal(t, "0", resp["generating"])
	require.Equal(t, "0", resp["queue_size"])
}

func TestBenchmarkRunsRequestedCount(t *testing.T) {
	s := newTestServer(t)

	code, resp := doRequest(t, s, map[string]string{
		"action":    "benchmark",
		"threshold": pow.Threshold(0).String(),
		"count":     "2",
	})

	require.Equal(t, 200, code)
	require.Equal(t, "2", resp["count"])
}

// failingWorker reports failure without ever publishing a solution.
type failingWorker struct{}

func (w *failingWorker) Name() string { return "failing" }
func (w *failingWorker) Start(state *worker.SharedState) {
	go state.ReportFailure()
}
func (w *failingWorker) Interrupt() {}
func (w *failingWorker) Join()      {}

func TestWorkGenerateReportsNoAvailableWorkPeersWhenEveryWorkerFails(t *testing.T) {
	ws := workset.New([]worker.Handle{&failingWorker{}})
	d := dispatcher.NewWithSeed(ws, false, 1)
	go d.Run()
	t.Cleanup(d.Stop)
	s := New("127.0.0.1:0", d)

	var h pow.Hash
	code, resp := doRequest(t, s, map[string]string{
		"action":    "work_generate",
		"hash":      h.String(),
		"threshold": pow.Threshold(0).String(),
	})

	require.Equal(t, 200, code)
	require.Equal(t, "No available work peers", resp["error"])
}

func TestMalformedHashIsBadRequest(t *testing.T) {
	s := newTestServer(t)

	code, resp := doRequest(t, s, map[string]string{
		"action":    "work_generate",
		"hash":      "not-hex",
		"threshold": pow.Threshold(0).String(),
	})

	require.Equal(t, 400, code)
	require.NotEmpty(t, resp["error"])
}

func TestUnknownActionIsBadRequest(t *testing.T) {
	s := newTestServer(t)

	code, resp := doRequest(t, s, map[string]string{"action": "does_not_exist"})

	require.Equal(t, 400, code)
	require.NotEmpty(t, resp["error"])
}
