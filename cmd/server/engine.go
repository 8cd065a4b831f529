package main

import (
	"fmt"

	"github.com/SyedDaiam9101/triton-bridge/internal/backend/builtin"
	"github.com/SyedDaiam9101/triton-bridge/internal/bridge"
	"github.com/SyedDaiam9101/triton-bridge/internal/config"
	"github.com/SyedDaiam9101/triton-bridge/internal/logger"
	"github.com/SyedDaiam9101/triton-bridge/internal/triton"
	"github.com/SyedDaiam9101/triton-bridge/internal/triton/sim"
)

// runtime is an opened engine with the options the executor needs for it.
type runtime struct {
	api     triton.API
	server  triton.Server
	ready   func() bool
	close   func() error
	options []bridge.AllocatorOption
}

func memoryType(name string) triton.MemoryType {
	switch name {
	case "cpu_pinned":
		return triton.MemoryCPUPinned
	case "gpu":
		return triton.MemoryGPU
	}
	return triton.MemoryCPU
}

func openEngine(cfg *config.Config) (*runtime, error) {
	switch cfg.Engine {
	case "sim":
		return openSim(cfg)
	case "triton":
		return openTriton(cfg)
	}
	return nil, fmt.Errorf("unknown engine %q", cfg.Engine)
}

func openSim(cfg *config.Config) (*runtime, error) {
	builtin.SetONNXLibrary(cfg.ONNXLibrary)

	e := sim.New(
		sim.WithWorkers(cfg.ServerWorkers),
		sim.WithPreferredMemory(memoryType(cfg.PreferredMemory), 0),
	)
	if err := e.LoadRepository(cfg.ModelRepository); err != nil {
		e.Close()
		return nil, fmt.Errorf("failed to load model repository %s: %w", cfg.ModelRepository, err)
	}
	for _, m := range e.Models() {
		logger.Log.Info("model loaded", "model", m.Name, "versions", m.Versions)
	}

	return &runtime{
		api:     e,
		server:  e.Server(),
		ready:   func() bool { return true },
		close:   e.Close,
		options: []bridge.AllocatorOption{bridge.WithPoisonOnFree(cfg.PoisonOnFree)},
	}, nil
}
