// Package builtin provides the backends the simulated engine serves out of
// the box.
package builtin

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/SyedDaiam9101/triton-bridge/internal/backend"
	"github.com/SyedDaiam9101/triton-bridge/internal/tensor"
)

// Registry returns a registry holding every builtin backend.
func Registry() *backend.Registry {
	r := backend.NewRegistry()
	r.Register("echo", func() backend.Backend { return &Echo{} })
	r.Register("identity", func() backend.Backend { return Identity{} })
	r.Register("fail", func() backend.Backend { return Fail{} })
	r.Register("stall", func() backend.Backend { return Stall{} })
	r.Register("onnx", func() backend.Backend { return &ONNX{} })
	return r
}

// Echo returns its input unchanged as a single output. The input is "prompt"
// when present, otherwise the lexically first input. Model parameters:
// output_name (default "output") and prefix, prepended to every element of a
// BYTES input.
type Echo struct {
	output string
	prefix string
}

// EchoStats is the instance state of an Echo model.
type EchoStats struct {
	Executions int
}

func (e *Echo) InitializeModel(m *backend.Model) error {
	e.output = "output"
	if name, ok := m.Parameter("output_name"); ok && name != "" {
		e.output = name
	}
	e.prefix, _ = m.Parameter("prefix")
	return nil
}

func (e *Echo) InitializeInstance(inst *backend.Instance) error {
	if prev := inst.SetState(&EchoStats{}); prev != nil {
		return fmt.Errorf("instance %s already initialized", inst.Name())
	}
	return nil
}

func (e *Echo) FinalizeInstance(inst *backend.Instance) error {
	if inst.SetState(nil) == nil {
		return fmt.Errorf("instance %s was never initialized", inst.Name())
	}
	return nil
}

func (e *Echo) Execute(_ context.Context, inst *backend.Instance, req *backend.Request) ([]tensor.Descriptor, error) {
	if stats, ok := inst.State().(*EchoStats); ok {
		stats.Executions++
	}

	in, ok := req.Inputs["prompt"]
	if !ok {
		names := sortedNames(req.Inputs)
		if len(names) == 0 {
			return nil, errors.New("echo needs at least one input")
		}
		in = req.Inputs[names[0]]
	}

	out := in.Clone()
	out.Name = e.output
	if e.prefix != "" && in.Type == tensor.Bytes {
		elems, err := tensor.DecodeBytes(in.Data)
		if err != nil {
			return nil, fmt.Errorf("input %q: %w", in.Name, err)
		}
		for i, el := range elems {
			elems[i] = append([]byte(e.prefix), el...)
		}
		out.Data = tensor.EncodeBytes(elems)
	}
	return []tensor.Descriptor{out}, nil
}

// Identity copies every input to an output. INPUTn becomes OUTPUTn; other
// names are kept.
type Identity struct{}

func (Identity) Execute(_ context.Context, _ *backend.Instance, req *backend.Request) ([]tensor.Descriptor, error) {
	outs := make([]tensor.Descriptor, 0, len(req.Inputs))
	for _, name := range sortedNames(req.Inputs) {
		out := req.Inputs[name].Clone()
		if rest, ok := strings.CutPrefix(name, "INPUT"); ok {
			out.Name = "OUTPUT" + rest
		}
		outs = append(outs, out)
	}
	return outs, nil
}

// Fail rejects every request.
type Fail struct{}

func (Fail) Execute(_ context.Context, inst *backend.Instance, req *backend.Request) ([]tensor.Descriptor, error) {
	msg := "simulated model failure"
	if m, ok := inst.Model().Parameter("message"); ok {
		msg = m
	}
	return nil, fmt.Errorf("%s (request %q)", msg, req.ID)
}

// Stall never produces a result; it returns only when ctx is cancelled,
// which the engine does on shutdown.
type Stall struct{}

func (Stall) Execute(ctx context.Context, _ *backend.Instance, _ *backend.Request) ([]tensor.Descriptor, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func sortedNames(m map[string]tensor.Descriptor) []string {
	names := make([]string, 0, len(m))
	for n := range m {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
