// internal/inference/mock.go
package inference

import (
	"context"
	"fmt"
	"sync"

	"github.com/SyedDaiam9101/triton-bridge/internal/tensor"
)

// MockInference is a mock implementation of Engine for testing.
// It echoes every input back as an output of the same name unless Outputs
// is set, and needs no native engine.
type MockInference struct {
	mu sync.Mutex

	// Outputs, when set, is returned for every request
	Outputs map[string]tensor.Descriptor
	// Err, when set, is returned instead of a result
	Err error
	// Requests records every request Infer received
	Requests []*Request
}

// NewMock creates a new echoing MockInference
func NewMock() *MockInference {
	return &MockInference{}
}

// NewMockWithOutputs creates a MockInference that returns outputs for every request
func NewMockWithOutputs(outputs ...tensor.Descriptor) *MockInference {
	m := &MockInference{Outputs: make(map[string]tensor.Descriptor, len(outputs))}
	for _, o := range outputs {
		m.Outputs[o.Name] = o
	}
	return m
}

// Infer returns the configured outputs or the request's inputs.
func (m *MockInference) Infer(ctx context.Context, req *Request) (*Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Requests = append(m.Requests, req)

	if m.Err != nil {
		return nil, m.Err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.Model == "" {
		return nil, fmt.Errorf("model name is required")
	}

	outputs := make(map[string]tensor.Descriptor)
	if m.Outputs != nil {
		for name, d := range m.Outputs {
			outputs[name] = d.Clone()
		}
	} else {
		for _, in := range req.Inputs {
			outputs[in.Name] = in.Clone()
		}
	}
	if len(req.Outputs) > 0 {
		filtered := make(map[string]tensor.Descriptor, len(req.Outputs))
		for _, name := range req.Outputs {
			d, ok := outputs[name]
			if !ok {
				return nil, fmt.Errorf("unknown output %q", name)
			}
			filtered[name] = d
		}
		outputs = filtered
	}

	return &Result{Model: req.Model, Version: req.Version, ID: req.ID, Outputs: outputs}, nil
}

// CallCount returns the number of Infer calls
func (m *MockInference) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Requests)
}

// SetError configures the mock to fail every following call
func (m *MockInference) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Err = err
}

// Close is a no-op for the mock implementation
func (m *MockInference) Close() error {
	return nil
}

// Ensure MockInference implements Engine at compile time
var _ Engine = (*MockInference)(nil)
