package backend

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/SyedDaiam9101/triton-bridge/internal/tensor"
)

// Factory creates a Backend for one model.
type Factory func() Backend

// Registry maps backend names, as named by a model config's "backend" field,
// to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory. Registering a name twice replaces the factory.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Lookup returns the factory registered under name.
func (r *Registry) Lookup(name string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[name]
	return f, ok
}

// Names lists the registered backends.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Deployment is a model loaded on a backend with its instances.
type Deployment struct {
	Model     *Model
	Instances []*Instance

	backend Backend
	next    atomic.Uint64
}

// Deploy runs the model hook and then the instance hooks of b. If any hook
// fails, everything already initialized is finalized again.
func Deploy(b Backend, m *Model, instances int) (*Deployment, error) {
	if instances < 1 {
		instances = 1
	}
	if mi, ok := b.(ModelInitializer); ok {
		if err := mi.InitializeModel(m); err != nil {
			return nil, fmt.Errorf("initialize model %s: %w", m.name, err)
		}
	}

	d := &Deployment{Model: m, backend: b}
	for i := 0; i < instances; i++ {
		inst := &Instance{model: m, index: i}
		if ii, ok := b.(InstanceInitializer); ok {
			if err := ii.InitializeInstance(inst); err != nil {
				err = fmt.Errorf("initialize instance %s: %w", inst.Name(), err)
				return nil, errors.Join(err, d.Undeploy())
			}
		}
		d.Instances = append(d.Instances, inst)
	}
	return d, nil
}

// Execute runs req on the next instance. Calls on the same instance are
// serialized.
func (d *Deployment) Execute(ctx context.Context, req *Request) ([]tensor.Descriptor, error) {
	if len(d.Instances) == 0 {
		return nil, fmt.Errorf("model %s has no instances", d.Model.name)
	}
	inst := d.Instances[(d.next.Add(1)-1)%uint64(len(d.Instances))]

	inst.mu.Lock()
	defer inst.mu.Unlock()
	return d.backend.Execute(ctx, inst, req)
}

// Undeploy finalizes the instances in reverse order, then the model.
func (d *Deployment) Undeploy() error {
	var errs []error
	if fi, ok := d.backend.(InstanceFinalizer); ok {
		for i := len(d.Instances) - 1; i >= 0; i-- {
			inst := d.Instances[i]
			inst.mu.Lock()
			if err := fi.FinalizeInstance(inst); err != nil {
				errs = append(errs, fmt.Errorf("finalize instance %s: %w", inst.Name(), err))
			}
			inst.mu.Unlock()
		}
	}
	d.Instances = nil
	if mf, ok := d.backend.(ModelFinalizer); ok {
		if err := mf.FinalizeModel(d.Model); err != nil {
			errs = append(errs, fmt.Errorf("finalize model %s: %w", d.Model.name, err))
		}
	}
	return errors.Join(errs...)
}
