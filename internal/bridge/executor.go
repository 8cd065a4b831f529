// Package bridge drives a native, callback-driven inference engine: it
// builds requests, serves the engine's output allocations, hands each
// completion from the engine goroutine that delivers it to the caller that
// waits for it, and copies responses into owned tensors.
package bridge

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/SyedDaiam9101/triton-bridge/internal/handle"
	"github.com/SyedDaiam9101/triton-bridge/internal/logger"
	"github.com/SyedDaiam9101/triton-bridge/internal/metrics"
	"github.com/SyedDaiam9101/triton-bridge/internal/tensor"
	"github.com/SyedDaiam9101/triton-bridge/internal/triton"
)

// pending is the producer side of one submitted request. Its token is the
// completion callback's user data; whoever takes it from the table resolves
// the future.
type pending struct {
	future   *Future
	model    string
	allocErr atomic.Pointer[Error]
}

// Executor submits requests to one engine server.
type Executor struct {
	api    triton.API
	server triton.Server
	alloc  *Allocator

	pending *handle.Table[*pending]

	mu     sync.RWMutex
	closed bool
}

// NewExecutor creates an executor and its response allocator. The options
// configure the allocator.
func NewExecutor(api triton.API, server triton.Server, opts ...AllocatorOption) (*Executor, error) {
	alloc, err := NewAllocator(api, opts...)
	if err != nil {
		return nil, err
	}
	e := &Executor{
		api:     api,
		server:  server,
		alloc:   alloc,
		pending: handle.NewTable[*pending](),
	}
	alloc.onFailure = e.allocationFailed
	return e, nil
}

// Allocator returns the executor's response allocator.
func (e *Executor) Allocator() *Allocator { return e.alloc }

// Pending returns the number of submitted requests whose completion has not
// been delivered.
func (e *Executor) Pending() int { return e.pending.Len() }

// Execute submits req for asynchronous execution. On success the engine owns
// req and releases it when done; the returned future resolves once the
// engine delivers the completion. On failure req stays with the caller, who
// must Close it.
func (e *Executor) Execute(ctx context.Context, req *Request) (*Future, error) {
	const op = "ServerInferAsync"

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil, newError(KindExecution, op, "executor is closed")
	}
	if err := ctx.Err(); err != nil {
		return nil, wrapError(KindExecution, op, err)
	}
	if req.State() != OwnedByBridge {
		return nil, newError(KindExecution, op, "request is owned by the "+req.State().String())
	}
	if !req.hasReleaseCallback() {
		return nil, newError(KindExecution, op, "release callback not registered")
	}

	p := &pending{future: newFuture(), model: req.model}
	token := e.pending.Insert(p)

	nerr := e.api.InferenceRequestSetResponseCallback(req.native, e.alloc.native, uintptr(token), e.complete, uintptr(token))
	if err := translate(e.api, KindExecution, "InferenceRequestSetResponseCallback", nerr); err != nil {
		e.pending.Take(token)
		p.future.drop("response callback not installed")
		return nil, err
	}

	// The engine may release the request before ServerInferAsync returns.
	req.setOwner(OwnedByBridge, OwnedByEngine)
	metrics.InflightRequests.Inc()

	if nerr := e.api.ServerInferAsync(e.server, req.native); nerr != 0 {
		metrics.InflightRequests.Dec()
		req.setOwner(OwnedByEngine, OwnedByBridge)
		if _, ok := e.pending.Take(token); ok {
			p.future.drop("submission failed")
		}
		kind := KindExecution
		if e.api.ErrorCode(nerr) == triton.ErrNotFound {
			kind = KindLoad
		}
		return nil, translate(e.api, kind, op, nerr)
	}

	logger.Log.Debug("request submitted", "model", req.model, "version", req.version, "id", req.id, "input_bytes", req.InputBytes())
	return p.future, nil
}

// complete is the completion callback handed to the engine. It runs on an
// engine goroutine and never blocks.
func (e *Executor) complete(native triton.Response, flags uint32, userp uintptr) {
	p, ok := e.pending.Take(handle.Handle(userp))
	if !ok {
		metrics.RecordCompletion("orphaned")
		if native != 0 {
			logger.Log.Warn("completion for unknown request, deleting response", "token", userp, "flags", flags)
			if nerr := e.api.InferenceResponseDelete(native); nerr != 0 {
				_ = translate(e.api, KindExecution, "InferenceResponseDelete", nerr)
			}
		}
		return
	}
	metrics.InflightRequests.Dec()

	if native == 0 {
		metrics.RecordCompletion("dropped")
		p.future.drop("engine delivered no response")
		return
	}

	if nerr := e.api.InferenceResponseError(native); nerr != 0 {
		kind := KindExecution
		if e.api.ErrorCode(nerr) == triton.ErrNotFound {
			kind = KindLoad
		}
		err := translate(e.api, kind, "InferenceResponseError", nerr)
		if allocErr := p.allocErr.Load(); allocErr != nil {
			err = &Error{Kind: KindAllocation, Op: allocErr.Op, Message: allocErr.Message, Cause: err}
		}
		if derr := e.api.InferenceResponseDelete(native); derr != 0 {
			_ = translate(e.api, KindExecution, "InferenceResponseDelete", derr)
		}
		metrics.RecordCompletion("error")
		p.future.resolve(nil, err)
		return
	}

	metrics.RecordCompletion("ok")
	p.future.resolve(newResponse(e.api, native, p.model), nil)
}

// allocationFailed remembers the first refused allocation of a request so
// its completion reports an AllocationError.
func (e *Executor) allocationFailed(userp uintptr, err *Error) {
	if p, ok := e.pending.Get(handle.Handle(userp)); ok {
		p.allocErr.CompareAndSwap(nil, err)
	}
}

// Infer executes req, waits for the response, decodes it and deletes it.
// When ctx ends first the response is discarded when it arrives.
func (e *Executor) Infer(ctx context.Context, req *Request) (map[string]tensor.Descriptor, error) {
	outputs, _, err := e.InferVersion(ctx, req)
	return outputs, err
}

// InferVersion is Infer that also reports the model version the engine ran.
func (e *Executor) InferVersion(ctx context.Context, req *Request) (map[string]tensor.Descriptor, int64, error) {
	future, err := e.Execute(ctx, req)
	if err != nil {
		return nil, 0, err
	}

	resp, err := future.Wait(ctx)
	if err != nil {
		if ctx.Err() != nil {
			future.Discard()
		}
		return nil, 0, err
	}
	defer resp.Close()

	version, err := resp.ModelVersion()
	if err != nil {
		return nil, 0, err
	}
	outputs, err := resp.Decode()
	return outputs, version, err
}

// Close drops every outstanding completion, so waiters observe a
// ChannelError, and deletes the allocator. Completions the engine delivers
// afterwards are deleted.
func (e *Executor) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	dropped := e.pending.Drain()
	for _, p := range dropped {
		p.future.drop("executor closed")
		metrics.InflightRequests.Dec()
	}
	if len(dropped) > 0 {
		logger.Log.Warn("executor closed with requests in flight", "requests", len(dropped))
	}
	return e.alloc.Close()
}
