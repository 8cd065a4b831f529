// internal/inference/interface.go
package inference

import (
	"context"

	"github.com/SyedDaiam9101/triton-bridge/internal/tensor"
)

// LatestVersion asks the engine for the newest loaded version of a model.
const LatestVersion int64 = -1

// Request is one inference call as the transports hand it over.
type Request struct {
	Model         string
	Version       int64
	ID            string
	CorrelationID uint64
	Flags         uint32
	Inputs        []tensor.Descriptor
	// Outputs names the outputs to return. Empty means all of them.
	Outputs []string
}

// Result is the decoded response to a Request.
type Result struct {
	Model   string
	Version int64
	ID      string
	Outputs map[string]tensor.Descriptor
}

// Engine defines the interface for running inference.
// This abstraction allows for easy mocking in tests and swapping implementations.
type Engine interface {
	// Infer runs req and returns its decoded outputs. ctx bounds the wait
	// for the response, not the execution inside the engine.
	Infer(ctx context.Context, req *Request) (*Result, error)

	// Close releases any resources held by the inference engine.
	Close() error
}
