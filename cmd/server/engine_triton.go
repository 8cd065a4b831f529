//go:build triton

package main

import (
	"fmt"

	"github.com/SyedDaiam9101/triton-bridge/internal/bridge"
	"github.com/SyedDaiam9101/triton-bridge/internal/config"
	"github.com/SyedDaiam9101/triton-bridge/internal/triton/capi"
)

func openTriton(cfg *config.Config) (*runtime, error) {
	lib, err := capi.Open(capi.Options{ModelRepository: cfg.ModelRepository})
	if err != nil {
		return nil, fmt.Errorf("failed to start triton server: %w", err)
	}
	return &runtime{
		api:    lib,
		server: lib.Server(),
		ready:  lib.Ready,
		close:  lib.Close,
		options: []bridge.AllocatorOption{
			bridge.WithHeap(capi.Heap{}),
			bridge.WithPoisonOnFree(cfg.PoisonOnFree),
		},
	}, nil
}
