package sim

import (
	"bytes"
	"fmt"
	"unsafe"

	"github.com/SyedDaiam9101/triton-bridge/internal/backend"
	"github.com/SyedDaiam9101/triton-bridge/internal/logger"
	"github.com/SyedDaiam9101/triton-bridge/internal/tensor"
	"github.com/SyedDaiam9101/triton-bridge/internal/triton"
)

func (e *Engine) work() {
	defer e.wg.Done()
	for r := range e.queue {
		e.run(r)
	}
}

// run executes one request, delivers its completion and releases it.
func (e *Engine) run(r *request) {
	if e.ctx.Err() != nil {
		e.finish(r, 0)
		return
	}

	outputs, execErr := e.execute(r)
	if e.ctx.Err() != nil {
		// Shutting down: the request completes without a response.
		e.finish(r, 0)
		return
	}

	resp := &response{model: r.model, version: r.version, alloc: r.alloc, allocH: r.allocH}
	if execErr != nil {
		resp.err = execErr
	} else {
		resp.err = e.populate(r, resp, outputs)
	}

	e.mu.Lock()
	h := triton.Response(e.newHandle())
	e.responses[h] = resp
	e.executed++
	e.mu.Unlock()

	e.finish(r, h)
}

// finish calls the completion callback with resp (0 when there is none) and
// then hands the request back through its release callback.
func (e *Engine) finish(r *request, resp triton.Response) {
	r.completeFn(resp, triton.ResponseCompleteFinal, r.userp)

	e.mu.Lock()
	r.inflight = false
	for _, in := range r.inputs {
		in.chunks = nil
	}
	e.mu.Unlock()

	r.releaseFn(r.handle, triton.RequestReleaseAll, r.releaseUserp)
}

// execute gathers and checks the inputs and runs the model.
func (e *Engine) execute(r *request) ([]tensor.Descriptor, *engineError) {
	breq := &backend.Request{
		ID:               r.id,
		CorrelationID:    r.correlationID,
		Flags:            r.flags,
		Inputs:           make(map[string]tensor.Descriptor, len(r.inputs)),
		RequestedOutputs: append([]string(nil), r.requested...),
	}
	for _, name := range r.order {
		in := r.inputs[name]
		d := tensor.Descriptor{
			Name:  name,
			Type:  tensor.FromCode(in.dataType),
			Shape: in.shape,
			Data:  bytes.Join(in.chunks, nil),
		}
		if d.Data == nil {
			d.Data = []byte{}
		}
		if err := d.Validate(); err != nil {
			return nil, &engineError{code: triton.ErrInvalidArg, msg: fmt.Sprintf("[request id: %s] %v", r.id, err)}
		}
		breq.Inputs[name] = d
	}

	outputs, err := r.deployment.Execute(e.ctx, breq)
	if err != nil {
		return nil, &engineError{code: triton.ErrInternal, msg: err.Error()}
	}
	return outputs, nil
}

// populate selects the requested outputs and copies each into a buffer from
// the request's allocator.
func (e *Engine) populate(r *request, resp *response, outputs []tensor.Descriptor) *engineError {
	selected := outputs
	if len(r.requested) > 0 {
		byName := make(map[string]tensor.Descriptor, len(outputs))
		for _, o := range outputs {
			byName[o.Name] = o
		}
		selected = selected[:0:0]
		for _, name := range r.requested {
			o, ok := byName[name]
			if !ok {
				return &engineError{code: triton.ErrInvalidArg, msg: fmt.Sprintf("unexpected inference output '%s' for model '%s'", name, r.model)}
			}
			selected = append(selected, o)
		}
	}

	for _, o := range selected {
		size := uint64(len(o.Data))
		var (
			base       unsafe.Pointer
			bufUserp   uintptr
			actualType triton.MemoryType
			actualID   int64
		)
		nerr := r.alloc.alloc(r.allocH, o.Name, size, e.preferredType, e.preferredID, r.allocUserp, &base, &bufUserp, &actualType, &actualID)
		if nerr != 0 {
			return e.takeError(nerr)
		}

		b := buffer{
			name:     o.Name,
			base:     base,
			size:     size,
			userp:    bufUserp,
			memType:  actualType,
			memID:    actualID,
			dataType: o.Type.Code(),
			shape:    append([]int64(nil), o.Shape...),
		}
		if base != nil {
			resp.buffers = append(resp.buffers, b)
		}
		if size > 0 {
			if base == nil {
				return &engineError{code: triton.ErrInternal, msg: fmt.Sprintf("allocator returned no buffer for output '%s'", o.Name)}
			}
			if actualType != triton.MemoryCPU && actualType != triton.MemoryCPUPinned {
				return &engineError{code: triton.ErrUnsupported, msg: fmt.Sprintf("output '%s' allocated in %s memory", o.Name, actualType)}
			}
			copy(unsafe.Slice((*byte)(base), size), o.Data)
		}
		resp.outputs = append(resp.outputs, b)
	}
	return nil
}

func logEngineError(msg, tensorName string, ee *engineError) {
	logger.Log.Error(msg, "tensor", tensorName, "code", ee.code.String(), "message", ee.msg)
}
