// Package backend defines the model-side contract of the engine: a Backend
// executes requests, and may attach state to a model (shared by all of its
// instances) or to each model instance through optional lifecycle hooks.
package backend

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/tidwall/gjson"

	"github.com/SyedDaiam9101/triton-bridge/internal/tensor"
)

// Backend executes one request on one model instance. The engine never calls
// Execute concurrently for the same instance.
type Backend interface {
	Execute(ctx context.Context, inst *Instance, req *Request) ([]tensor.Descriptor, error)
}

// Model-scoped hooks. InitializeModel runs once before any instance is
// created, FinalizeModel once after every instance has been finalized.
type (
	ModelInitializer interface {
		InitializeModel(m *Model) error
	}
	ModelFinalizer interface {
		FinalizeModel(m *Model) error
	}
)

// Instance-scoped hooks.
type (
	InstanceInitializer interface {
		InitializeInstance(inst *Instance) error
	}
	InstanceFinalizer interface {
		FinalizeInstance(inst *Instance) error
	}
)

// Model exposes the metadata of a loaded model and holds model-scoped state.
type Model struct {
	name       string
	version    int64
	repository string
	config     string

	mu    sync.Mutex
	state any
}

// NewModel describes a model named name at version, stored under repository
// (the directory that holds the numbered version directories). config is the
// model configuration as JSON; an empty config is treated as "{}".
func NewModel(name string, version int64, repository string, config []byte) *Model {
	cfg := string(config)
	if cfg == "" {
		cfg = "{}"
	}
	return &Model{name: name, version: version, repository: repository, config: cfg}
}

func (m *Model) Name() string     { return m.name }
func (m *Model) Version() int64   { return m.version }
func (m *Model) Location() string { return m.repository }

// Config returns the model configuration JSON.
func (m *Model) Config() string { return m.config }

// ConfigValue looks up a gjson path in the model configuration, for example
// "max_batch_size" or "parameters.prefix.string_value".
func (m *Model) ConfigValue(path string) gjson.Result {
	return gjson.Get(m.config, path)
}

// Parameter returns the string_value of a model config parameter.
func (m *Model) Parameter(key string) (string, bool) {
	r := gjson.Get(m.config, "parameters."+gjson.Escape(key)+".string_value")
	return r.String(), r.Exists()
}

// Path resolves filename inside this model version's directory.
func (m *Model) Path(filename string) string {
	return filepath.Join(m.repository, strconv.FormatInt(m.version, 10), filename)
}

// LoadFile reads a file from this model version's directory.
func (m *Model) LoadFile(filename string) ([]byte, error) {
	data, err := os.ReadFile(m.Path(filename))
	if err != nil {
		return nil, fmt.Errorf("model %s: %w", m.name, err)
	}
	return data, nil
}

// State returns the model-scoped state.
func (m *Model) State() any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// SetState replaces the model-scoped state and returns the previous value.
func (m *Model) SetState(s any) any {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.state
	m.state = s
	return prev
}

// Instance is one execution context of a model.
type Instance struct {
	model *Model
	index int
	state any

	mu sync.Mutex
}

func (i *Instance) Model() *Model { return i.model }
func (i *Instance) Index() int    { return i.index }
func (i *Instance) Name() string  { return fmt.Sprintf("%s_%d", i.model.name, i.index) }

// State returns the instance-scoped state. Only the goroutine executing on
// the instance, or a lifecycle hook, may touch it.
func (i *Instance) State() any { return i.state }

// SetState replaces the instance-scoped state and returns the previous value.
func (i *Instance) SetState(s any) any {
	prev := i.state
	i.state = s
	return prev
}

// Request is the model-side view of an inference request.
type Request struct {
	ID               string
	CorrelationID    uint64
	Flags            uint32
	Inputs           map[string]tensor.Descriptor
	RequestedOutputs []string
}

// Input returns the named input.
func (r *Request) Input(name string) (tensor.Descriptor, error) {
	d, ok := r.Inputs[name]
	if !ok {
		return tensor.Descriptor{}, fmt.Errorf("request %q has no input %q", r.ID, name)
	}
	return d, nil
}

const (
	flagSequenceStart = 1
	flagSequenceEnd   = 2
)

func (r *Request) SequenceStart() bool { return r.Flags&flagSequenceStart != 0 }
func (r *Request) SequenceEnd() bool   { return r.Flags&flagSequenceEnd != 0 }
