// Package rpc is the thin JSON/HTTP adapter in front of the dispatcher: a
// single POST "/" endpoint whose "action" field selects work_generate,
// work_validate, work_cancel, benchmark, or status. Structured the way the
// teacher's cmd/crawler/rpc server wires net/http.Server to a ServeMux and
// tracks live requests in a mapset.Set, simplified to this system's single
// action-dispatch endpoint instead of full JSON-RPC2 method resolution.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	mapset "github.com/deckarep/golang-set"
	"github.com/google/uuid"

	"github.com/JeanOUINA/vite-work-server/internal/dispatcher"
	vlog "github.com/JeanOUINA/vite-work-server/internal/log"
	"github.com/JeanOUINA/vite-work-server/internal/pow"
)

var log = vlog.New("module", "rpc")

// maxRequestBytes bounds the size of a request body this endpoint will
// read, since every request is a small fixed-shape JSON object.
const maxRequestBytes = 4096

// readTimeout bounds how long a connection may take to complete its
// handshake and send a request.
const readTimeout = 10 * time.Second

// shutdownTimeout bounds how long Stop waits for in-flight requests to
// finish before giving up.
const shutdownTimeout = 10 * time.Second

// Server serves the work server's JSON/HTTP surface on top of a
// dispatcher.Dispatcher.
type Server struct {
	d *dispatcher.Dispatcher

	httpServer *http.Server
	inFlight   mapset.Set
}

// New builds a Server bound to listenAddr, dispatching every action onto d.
func New(listenAddr string, d *dispatcher.Dispatcher) *Server {
	s := &Server{
		d:        d,
		inFlight: mapset.NewSet(),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handle)
	s.httpServer = &http.Server{
		Addr:        listenAddr,
		Handler:     mux,
		ReadTimeout: readTimeout,
	}
	return s
}

// Start begins listening. It returns once the listener is bound; serving
// continues on a background goroutine until Stop.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("rpc: listen: %w", err)
	}
	log.Info("rpc server listening", "addr", ln.Addr())
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Error("rpc server exited", "err", err)
		}
	}()
	return nil
}

// Stop gracefully shuts the HTTP server down, waiting for in-flight
// requests to complete.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	log.Info("rpc server stopping", "in_flight", s.inFlight.Cardinality())
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	reqID := uuid.New()
	s.inFlight.Add(reqID)
	defer s.inFlight.Remove(reqID)

	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "expected POST")
		return
	}

	var req wireRequest
	body := io.LimitReader(r.Body, maxRequestBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed json")
		return
	}

	switch req.Action {
	case "work_generate":
		s.handleGenerate(w, req)
	case "work_validate":
		s.handleValidate(w, req)
	case "work_cancel":
		s.handleCancel(w, req)
	case "benchmark":
		s.handleBenchmark(w, req)
	case "status":
		s.handleStatus(w)
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown action %q", req.Action))
	}
}

// wireRequest is the union of every action's request fields; each handler
// reads only the fields its action defines.
type wireRequest struct {
	Action    string `json:"action"`
	Hash      string `json:"hash"`
	Threshold string `json:"threshold"`
	Work      string `json:"work"`
	Count     string `json:"count"`
}

func (s *Server) handleGenerate(w http.ResponseWriter, req wireRequest) {
	h, threshold, err := parseHashThreshold(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	_, resultCh := s.d.Submit(h, threshold)
	outcome := <-resultCh

	if outcome.Cancelled {
		if errors.Is(outcome.Err, pow.ErrWorkerExhausted) {
			writeError(w, http.StatusOK, "No available work peers")
			return
		}
		writeError(w, http.StatusOK, "Cancelled")
		return
	}
	writeJSON(w, map[string]interface{}{
		"work":      outcome.Nonce.String(),
		"threshold": pow.Threshold(outcome.Digest).String(),
	})
}

func (s *Server) handleValidate(w http.ResponseWriter, req wireRequest) {
	h, threshold, err := parseHashThreshold(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	nonce, err := pow.ParseNonce(req.Work)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	valid, digest := pow.Meets(h, nonce, threshold)
	writeJSON(w, map[string]interface{}{
		"valid":     valid,
		"threshold": pow.Threshold(digest).String(),
	})
}

func (s *Server) handleCancel(w http.ResponseWriter, req wireRequest) {
	h, err := pow.ParseHash(req.Hash)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.d.Cancel(h)
	writeJSON(w, map[string]interface{}{})
}

func (s *Server) handleStatus(w http.ResponseWriter) {
	status := s.d.Status()
	g := "0"
	if status.Generating {
		g = "1"
	}
	writeJSON(w, map[string]interface{}{
		"generating": g,
		"queue_size": strconv.Itoa(status.QueueSize),
	})
}

func (s *Server) handleBenchmark(w http.ResponseWriter, req wireRequest) {
	threshold, err := pow.ParseThreshold(req.Threshold)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	count, err := strconv.Atoi(req.Count)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad count")
		return
	}

	result := s.d.Benchmark(threshold, count)
	writeJSON(w, map[string]interface{}{
		"count":     strconv.Itoa(result.Count),
		"duration":  strconv.FormatInt(result.DurationMS, 10),
		"average":   strconv.FormatInt(result.AverageMS, 10),
		"hint":      "average and duration are in milliseconds",
		"threshold": threshold.String(),
	})
}

func parseHashThreshold(req wireRequest) (pow.Hash, pow.Threshold, error) {
	h, err := pow.ParseHash(req.Hash)
	if err != nil {
		return pow.Hash{}, 0, err
	}
	t, err := pow.ParseThreshold(req.Threshold)
	if err != nil {
		return pow.Hash{}, 0, err
	}
	return h, t, nil
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error("failed to encode response", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
