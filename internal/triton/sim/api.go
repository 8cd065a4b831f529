package sim

import (
	"fmt"
	"unsafe"

	"github.com/SyedDaiam9101/triton-bridge/internal/backend"
	"github.com/SyedDaiam9101/triton-bridge/internal/triton"
)

var _ triton.API = (*Engine)(nil)

type engineError struct {
	code triton.ErrorCode
	msg  string
}

type allocator struct {
	alloc   triton.AllocFunc
	release triton.ReleaseFunc
}

type input struct {
	dataType uint32
	shape    []int64
	chunks   [][]byte
}

type request struct {
	handle     triton.Request
	model      string
	version    int64
	deployment *backend.Deployment

	id            string
	correlationID uint64
	flags         uint32
	inputs        map[string]*input
	order         []string
	requested     []string

	releaseFn    triton.RequestReleaseFunc
	releaseUserp uintptr

	alloc      *allocator
	allocH     triton.ResponseAllocator
	allocUserp uintptr
	completeFn triton.ResponseCompleteFunc
	userp      uintptr

	inflight bool
}

type buffer struct {
	name     string
	base     unsafe.Pointer
	size     uint64
	userp    uintptr
	memType  triton.MemoryType
	memID    int64
	dataType uint32
	shape    []int64
}

type response struct {
	model   string
	version int64
	err     *engineError
	alloc   *allocator
	allocH  triton.ResponseAllocator
	outputs []buffer
	// buffers are the outputs with non-null memory, each released once when
	// the response is deleted.
	buffers []buffer
}

func (e *Engine) errorf(code triton.ErrorCode, format string, args ...any) triton.Error {
	return e.ErrorNew(code, fmt.Sprintf(format, args...))
}

func (e *Engine) ErrorNew(code triton.ErrorCode, msg string) triton.Error {
	e.mu.Lock()
	defer e.mu.Unlock()
	h := triton.Error(e.newHandle())
	e.errs[h] = &engineError{code: code, msg: msg}
	return h
}

func (e *Engine) ErrorCode(err triton.Error) triton.ErrorCode {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ee, ok := e.errs[err]; ok {
		return ee.code
	}
	return triton.ErrUnknown
}

func (e *Engine) ErrorMessage(err triton.Error) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ee, ok := e.errs[err]; ok {
		return ee.msg
	}
	return ""
}

func (e *Engine) ErrorDelete(err triton.Error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.errs[err]; !ok {
		e.dfree++
		return
	}
	delete(e.errs, err)
}

// takeError removes an error object and returns its contents. Used when an
// error returned by a callback becomes part of a response.
func (e *Engine) takeError(err triton.Error) *engineError {
	e.mu.Lock()
	defer e.mu.Unlock()
	ee, ok := e.errs[err]
	if !ok {
		return &engineError{code: triton.ErrUnknown, msg: "invalid error object"}
	}
	delete(e.errs, err)
	return ee
}

func (e *Engine) ResponseAllocatorNew(alloc triton.AllocFunc, release triton.ReleaseFunc) (triton.ResponseAllocator, triton.Error) {
	if alloc == nil || release == nil {
		return 0, e.errorf(triton.ErrInvalidArg, "allocator needs both an allocation and a release function")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	h := triton.ResponseAllocator(e.newHandle())
	e.allocators[h] = &allocator{alloc: alloc, release: release}
	return h, 0
}

func (e *Engine) ResponseAllocatorDelete(alloc triton.ResponseAllocator) triton.Error {
	e.mu.Lock()
	if _, ok := e.allocators[alloc]; !ok {
		e.dfree++
		e.mu.Unlock()
		return e.errorf(triton.ErrNotFound, "unknown response allocator")
	}
	delete(e.allocators, alloc)
	e.mu.Unlock()
	return 0
}

func (e *Engine) InferenceRequestNew(server triton.Server, modelName string, modelVersion int64) (triton.Request, triton.Error) {
	if server != ServerHandle {
		return 0, e.errorf(triton.ErrInvalidArg, "unknown server")
	}
	e.mu.Lock()
	d, version, ok := e.deployment(modelName, modelVersion)
	if !ok {
		e.mu.Unlock()
		return 0, e.errorf(triton.ErrNotFound, "failed to find model '%s' version %d", modelName, modelVersion)
	}
	h := triton.Request(e.newHandle())
	e.requests[h] = &request{
		handle:     h,
		model:      modelName,
		version:    version,
		deployment: d,
		inputs:     make(map[string]*input),
	}
	e.mu.Unlock()
	return h, 0
}

// withRequest runs fn on a request that is not in flight.
func (e *Engine) withRequest(req triton.Request, fn func(r *request) triton.Error) triton.Error {
	e.mu.Lock()
	r, ok := e.requests[req]
	if !ok {
		e.mu.Unlock()
		return e.errorf(triton.ErrNotFound, "unknown inference request")
	}
	if r.inflight {
		e.mu.Unlock()
		return e.errorf(triton.ErrUnavailable, "inference request is in flight")
	}
	e.mu.Unlock()
	return fn(r)
}

func (e *Engine) InferenceRequestDelete(req triton.Request) triton.Error {
	e.mu.Lock()
	r, ok := e.requests[req]
	if !ok {
		e.dfree++
		e.mu.Unlock()
		return e.errorf(triton.ErrNotFound, "unknown inference request")
	}
	if r.inflight {
		e.mu.Unlock()
		return e.errorf(triton.ErrUnavailable, "inference request is in flight")
	}
	delete(e.requests, req)
	e.mu.Unlock()
	return 0
}

func (e *Engine) InferenceRequestSetID(req triton.Request, id string) triton.Error {
	return e.withRequest(req, func(r *request) triton.Error {
		r.id = id
		return 0
	})
}

func (e *Engine) InferenceRequestSetCorrelationID(req triton.Request, id uint64) triton.Error {
	return e.withRequest(req, func(r *request) triton.Error {
		r.correlationID = id
		return 0
	})
}

func (e *Engine) InferenceRequestSetFlags(req triton.Request, flags uint32) triton.Error {
	return e.withRequest(req, func(r *request) triton.Error {
		r.flags = flags
		return 0
	})
}

func (e *Engine) InferenceRequestAddInput(req triton.Request, name string, dataType uint32, shape []int64) triton.Error {
	return e.withRequest(req, func(r *request) triton.Error {
		if _, dup := r.inputs[name]; dup {
			return e.errorf(triton.ErrAlreadyExists, "input '%s' already exists in request", name)
		}
		r.inputs[name] = &input{dataType: dataType, shape: append([]int64(nil), shape...)}
		r.order = append(r.order, name)
		return 0
	})
}

func (e *Engine) InferenceRequestAppendInputData(req triton.Request, name string, data []byte, memoryType triton.MemoryType, _ int64) triton.Error {
	return e.withRequest(req, func(r *request) triton.Error {
		in, ok := r.inputs[name]
		if !ok {
			return e.errorf(triton.ErrInvalidArg, "input '%s' does not exist in request", name)
		}
		if memoryType == triton.MemoryGPU {
			return e.errorf(triton.ErrUnsupported, "input '%s': GPU memory is not supported", name)
		}
		// The data is referenced, not copied, until the request is released.
		in.chunks = append(in.chunks, data)
		return 0
	})
}

func (e *Engine) InferenceRequestAddRequestedOutput(req triton.Request, name string) triton.Error {
	return e.withRequest(req, func(r *request) triton.Error {
		for _, n := range r.requested {
			if n == name {
				return e.errorf(triton.ErrAlreadyExists, "output '%s' already requested", name)
			}
		}
		r.requested = append(r.requested, name)
		return 0
	})
}

func (e *Engine) InferenceRequestSetReleaseCallback(req triton.Request, fn triton.RequestReleaseFunc, userp uintptr) triton.Error {
	return e.withRequest(req, func(r *request) triton.Error {
		r.releaseFn, r.releaseUserp = fn, userp
		return 0
	})
}

func (e *Engine) InferenceRequestSetResponseCallback(req triton.Request, alloc triton.ResponseAllocator, allocUserp uintptr, fn triton.ResponseCompleteFunc, userp uintptr) triton.Error {
	e.mu.Lock()
	a, ok := e.allocators[alloc]
	e.mu.Unlock()
	if !ok {
		return e.errorf(triton.ErrInvalidArg, "unknown response allocator")
	}
	return e.withRequest(req, func(r *request) triton.Error {
		r.alloc, r.allocH, r.allocUserp = a, alloc, allocUserp
		r.completeFn, r.userp = fn, userp
		return 0
	})
}

func (e *Engine) ServerInferAsync(server triton.Server, req triton.Request) triton.Error {
	if server != ServerHandle {
		return e.errorf(triton.ErrInvalidArg, "unknown server")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return e.newErrorLocked(triton.ErrUnavailable, "server is shutting down")
	}
	r, ok := e.requests[req]
	if !ok {
		return e.newErrorLocked(triton.ErrNotFound, "unknown inference request")
	}
	if r.inflight {
		return e.newErrorLocked(triton.ErrUnavailable, "inference request is already in flight")
	}
	if r.completeFn == nil {
		return e.newErrorLocked(triton.ErrInvalidArg, "inference request has no response callback")
	}
	if r.releaseFn == nil {
		return e.newErrorLocked(triton.ErrInvalidArg, "inference request has no release callback")
	}

	select {
	case e.queue <- r:
		r.inflight = true
		return 0
	default:
		return e.newErrorLocked(triton.ErrUnavailable, "request queue is full")
	}
}

// newErrorLocked is ErrorNew for callers that hold e.mu.
func (e *Engine) newErrorLocked(code triton.ErrorCode, msg string) triton.Error {
	h := triton.Error(e.newHandle())
	e.errs[h] = &engineError{code: code, msg: msg}
	return h
}

func (e *Engine) InferenceResponseError(resp triton.Response) triton.Error {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.responses[resp]
	if !ok {
		return e.newErrorLocked(triton.ErrNotFound, "unknown inference response")
	}
	if r.err == nil {
		return 0
	}
	// The caller owns and deletes the returned object.
	return e.newErrorLocked(r.err.code, r.err.msg)
}

// InferenceResponseModel reports the model and the version that ran, with
// "latest" already resolved.
func (e *Engine) InferenceResponseModel(resp triton.Response) (string, int64, triton.Error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.responses[resp]
	if !ok {
		return "", 0, e.newErrorLocked(triton.ErrNotFound, "unknown inference response")
	}
	return r.model, r.version, 0
}

func (e *Engine) InferenceResponseOutputCount(resp triton.Response) (uint32, triton.Error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.responses[resp]
	if !ok {
		return 0, e.newErrorLocked(triton.ErrNotFound, "unknown inference response")
	}
	return uint32(len(r.outputs)), 0
}

func (e *Engine) InferenceResponseOutput(resp triton.Response, index uint32) (triton.OutputInfo, triton.Error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.responses[resp]
	if !ok {
		return triton.OutputInfo{}, e.newErrorLocked(triton.ErrNotFound, "unknown inference response")
	}
	if int(index) >= len(r.outputs) {
		return triton.OutputInfo{}, e.newErrorLocked(triton.ErrInvalidArg, fmt.Sprintf("out of bounds index %d: response has %d outputs", index, len(r.outputs)))
	}
	b := r.outputs[index]
	return triton.OutputInfo{
		Name:         b.name,
		DataType:     b.dataType,
		Shape:        append([]int64(nil), b.shape...),
		Base:         b.base,
		ByteSize:     b.size,
		MemoryType:   b.memType,
		MemoryTypeID: b.memID,
		Userp:        b.userp,
	}, 0
}

func (e *Engine) InferenceResponseDelete(resp triton.Response) triton.Error {
	e.mu.Lock()
	r, ok := e.responses[resp]
	if !ok {
		e.dfree++
		e.mu.Unlock()
		return e.errorf(triton.ErrNotFound, "unknown inference response")
	}
	delete(e.responses, resp)
	e.mu.Unlock()

	e.releaseBuffers(r.alloc, r.allocH, r.buffers)
	return 0
}

// releaseBuffers hands every buffer back to the allocator that produced it.
func (e *Engine) releaseBuffers(a *allocator, h triton.ResponseAllocator, buffers []buffer) {
	for _, b := range buffers {
		if nerr := a.release(h, b.base, b.userp, b.size, b.memType, b.memID); nerr != 0 {
			ee := e.takeError(nerr)
			logEngineError("release callback failed", b.name, ee)
		}
	}
}
