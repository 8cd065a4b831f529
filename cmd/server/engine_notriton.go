//go:build !triton

package main

import (
	"errors"

	"github.com/SyedDaiam9101/triton-bridge/internal/config"
)

func openTriton(*config.Config) (*runtime, error) {
	return nil, errors.New("binary built without triton support (rebuild with -tags triton)")
}
