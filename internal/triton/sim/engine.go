// Package sim is an in-process inference engine that implements the
// triton.API contract. Requests run on a pool of engine goroutines which
// call the allocator and completion callbacks, so callers exercise the same
// cross-goroutine handoff as against the native library.
package sim

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/SyedDaiam9101/triton-bridge/internal/backend"
	"github.com/SyedDaiam9101/triton-bridge/internal/backend/builtin"
	"github.com/SyedDaiam9101/triton-bridge/internal/logger"
	"github.com/SyedDaiam9101/triton-bridge/internal/triton"
)

// ServerHandle is the only server an Engine exposes.
const ServerHandle triton.Server = 1

// Stats counts the engine objects currently alive, and every attempt to
// delete an object that does not exist.
type Stats struct {
	Requests    int
	Responses   int
	Errors      int
	Allocators  int
	Buffers     int
	Executed    int
	DoubleFrees int
}

// Option configures an Engine.
type Option func(*Engine)

// WithWorkers sets the number of engine goroutines.
func WithWorkers(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithQueueSize bounds the number of submitted requests waiting for a worker.
func WithQueueSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.queueSize = n
		}
	}
}

// WithPreferredMemory sets the memory type the engine asks the allocator for
// when populating outputs.
func WithPreferredMemory(t triton.MemoryType, id int64) Option {
	return func(e *Engine) {
		e.preferredType, e.preferredID = t, id
	}
}

// WithRegistry sets the backends models can be loaded on.
func WithRegistry(r *backend.Registry) Option {
	return func(e *Engine) { e.registry = r }
}

// Engine is a simulated inference server.
type Engine struct {
	workers       int
	queueSize     int
	preferredType triton.MemoryType
	preferredID   int64
	registry      *backend.Registry

	ctx    context.Context
	cancel context.CancelFunc
	queue  chan *request
	wg     sync.WaitGroup

	mu         sync.Mutex
	closed     bool
	next       uintptr
	models     map[string]map[int64]*backend.Deployment
	errs       map[triton.Error]*engineError
	allocators map[triton.ResponseAllocator]*allocator
	requests   map[triton.Request]*request
	responses  map[triton.Response]*response
	executed   int
	dfree      int
}

// New starts an engine with the builtin backends registered.
func New(opts ...Option) *Engine {
	e := &Engine{
		workers:    4,
		queueSize:  1024,
		registry:   builtin.Registry(),
		models:     make(map[string]map[int64]*backend.Deployment),
		errs:       make(map[triton.Error]*engineError),
		allocators: make(map[triton.ResponseAllocator]*allocator),
		requests:   make(map[triton.Request]*request),
		responses:  make(map[triton.Response]*response),
	}
	for _, opt := range opts {
		opt(e)
	}

	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.queue = make(chan *request, e.queueSize)
	for i := 0; i < e.workers; i++ {
		e.wg.Add(1)
		go e.work()
	}
	return e
}

// Server returns the handle to pass to calls that take a server.
func (e *Engine) Server() triton.Server { return ServerHandle }

// Stats returns a snapshot of the object counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := Stats{
		Requests:    len(e.requests),
		Responses:   len(e.responses),
		Errors:      len(e.errs),
		Allocators:  len(e.allocators),
		Executed:    e.executed,
		DoubleFrees: e.dfree,
	}
	for _, r := range e.responses {
		s.Buffers += len(r.buffers)
	}
	return s
}

// newHandle returns a fresh non-zero handle value. e.mu must be held.
func (e *Engine) newHandle() uintptr {
	e.next++
	return e.next
}

// Close stops the engine. Requests still queued or executing complete
// without a response, then every model is unloaded.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	close(e.queue)
	e.mu.Unlock()

	e.cancel()
	e.wg.Wait()

	e.mu.Lock()
	models := e.models
	e.models = make(map[string]map[int64]*backend.Deployment)
	e.mu.Unlock()

	var errs []error
	for name, versions := range models {
		for v, d := range versions {
			if err := d.Undeploy(); err != nil {
				errs = append(errs, fmt.Errorf("unload %s version %d: %w", name, v, err))
			}
		}
	}
	return errors.Join(errs...)
}

// ModelInfo describes a loaded model.
type ModelInfo struct {
	Name     string
	Versions []int64
}

// Models lists the loaded models.
func (e *Engine) Models() []ModelInfo {
	e.mu.Lock()
	defer e.mu.Unlock()

	infos := make([]ModelInfo, 0, len(e.models))
	for name, versions := range e.models {
		info := ModelInfo{Name: name}
		for v := range versions {
			info.Versions = append(info.Versions, v)
		}
		sort.Slice(info.Versions, func(i, j int) bool { return info.Versions[i] < info.Versions[j] })
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// LoadModel deploys version of model on the named backend with the given
// number of instances. config is the model configuration JSON.
func (e *Engine) LoadModel(name string, version int64, backendName, repository string, config []byte, instances int) error {
	factory, ok := e.registry.Lookup(backendName)
	if !ok {
		return fmt.Errorf("model %s: unknown backend %q", name, backendName)
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return fmt.Errorf("engine is closed")
	}
	if _, exists := e.models[name][version]; exists {
		e.mu.Unlock()
		return fmt.Errorf("model %s version %d already loaded", name, version)
	}
	e.mu.Unlock()

	d, err := backend.Deploy(factory(), backend.NewModel(name, version, repository, config), instances)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.models[name] == nil {
		e.models[name] = make(map[int64]*backend.Deployment)
	}
	e.models[name][version] = d
	logger.Log.Info("model loaded", "model", name, "version", version, "backend", backendName, "instances", len(d.Instances))
	return nil
}

// UnloadModel finalizes every version of model.
func (e *Engine) UnloadModel(name string) error {
	e.mu.Lock()
	versions, ok := e.models[name]
	delete(e.models, name)
	e.mu.Unlock()

	if !ok {
		return fmt.Errorf("model %s is not loaded", name)
	}
	var errs []error
	for _, d := range versions {
		errs = append(errs, d.Undeploy())
	}
	return errors.Join(errs...)
}

// deployment resolves a model version. A negative version selects the
// highest loaded one. e.mu must be held.
func (e *Engine) deployment(name string, version int64) (*backend.Deployment, int64, bool) {
	versions, ok := e.models[name]
	if !ok || len(versions) == 0 {
		return nil, 0, false
	}
	if version < 0 {
		for v := range versions {
			if v > version {
				version = v
			}
		}
	}
	d, ok := versions[version]
	return d, version, ok
}
