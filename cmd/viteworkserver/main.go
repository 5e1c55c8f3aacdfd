// Command viteworkserver is the process entry point: parse configuration,
// stand up the worker pool the flags describe, wire it through a work set
// and dispatcher, serve the RPC surface, and shut everything down cleanly on
// signal. Structured the way the teacher's cmd/qitmeerd/main.go sequences
// config -> log -> services -> signal wait -> shutdown.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/JeanOUINA/vite-work-server/internal/config"
	"github.com/JeanOUINA/vite-work-server/internal/dispatcher"
	vlog "github.com/JeanOUINA/vite-work-server/internal/log"
	"github.com/JeanOUINA/vite-work-server/internal/rpc"
	"github.com/JeanOUINA/vite-work-server/internal/worker"
	"github.com/JeanOUINA/vite-work-server/internal/workset"
)

var log = vlog.New("module", "main")

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if cfg.Version {
		fmt.Println("viteworkserver (development build)")
		return nil
	}

	if err := vlog.SetVerbosity(cfg.DebugLevel); err != nil {
		return fmt.Errorf("setting log level: %w", err)
	}
	if cfg.LogDir != "" && !cfg.NoFileLogging {
		if err := vlog.InitLogRotator(cfg.LogDir + "/viteworkserver.log"); err != nil {
			return fmt.Errorf("initializing log rotator: %w", err)
		}
	}
	defer vlog.Close()

	workers, err := buildWorkers(cfg)
	if err != nil {
		return fmt.Errorf("building worker pool: %w", err)
	}
	if len(workers) == 0 {
		return fmt.Errorf("no workers available to start")
	}

	ws := workset.New(workers)
	d := dispatcher.New(ws, cfg.Shuffle)
	go d.Run()
	defer d.Stop()

	server := rpc.New(cfg.ListenAddress, d)
	if err := server.Start(); err != nil {
		return fmt.Errorf("starting rpc server: %w", err)
	}
	defer server.Stop()

	log.Info("viteworkserver started", "cpu_workers", cfg.CPUThreads, "gpu_workers", len(cfg.GPUs), "listen", cfg.ListenAddress)

	waitForShutdownSignal()
	log.Info("shutdown signal received, stopping")
	return nil
}

// buildWorkers constructs every CPU and GPU worker the config describes.
// A GPU that fails to initialize is fatal to startup, per the device-binding
// contract: a device that cannot be opened now will never be usable later.
func buildWorkers(cfg *config.Config) ([]worker.Handle, error) {
	handles := make([]worker.Handle, 0, cfg.CPUThreads+len(cfg.GPUs))

	for i := 0; i < cfg.CPUThreads; i++ {
		handles = append(handles, worker.NewCPUWorker(i, uint64(cfg.CPUThreads)))
	}

	for _, spec := range cfg.GPUs {
		gw, err := worker.NewGPUWorker(spec.Platform, spec.Device, spec.LocalWorkSize)
		if err != nil {
			return nil, fmt.Errorf("gpu %d:%d: %w", spec.Platform, spec.Device, err)
		}
		handles = append(handles, gw)
	}

	return handles, nil
}

func waitForShutdownSignal() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
}
