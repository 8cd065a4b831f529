//go:build triton

// Package capi binds triton.API to libtritonserver through cgo. It is only
// built with the triton build tag; the default build serves models from the
// in-process sim engine instead.
package capi

/*
#cgo CFLAGS: -I/opt/tritonserver/include
#cgo LDFLAGS: -L/opt/tritonserver/lib -ltritonserver
#include <stdint.h>
#include <stdlib.h>
#include "triton/core/tritonserver.h"

TRITONSERVER_Error* bridge_allocator_new(TRITONSERVER_ResponseAllocator** allocator);
TRITONSERVER_Error* bridge_set_release_callback(TRITONSERVER_InferenceRequest* request, uintptr_t userp);
TRITONSERVER_Error* bridge_set_response_callback(
    TRITONSERVER_InferenceRequest* request,
    TRITONSERVER_ResponseAllocator* allocator, uintptr_t allocator_userp,
    uintptr_t userp);
*/
import "C"

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/SyedDaiam9101/triton-bridge/internal/handle"
	"github.com/SyedDaiam9101/triton-bridge/internal/triton"
)

type allocFns struct {
	alloc   triton.AllocFunc
	release triton.ReleaseFunc
}

type completion struct {
	fn    triton.ResponseCompleteFunc
	userp uintptr
}

type releaser struct {
	fn    triton.RequestReleaseFunc
	userp uintptr
}

// Callback state is process wide because the C trampolines carry only the
// handles and tokens the engine hands back.
var (
	allocMu    sync.RWMutex
	allocators = map[triton.ResponseAllocator]allocFns{}

	completions = handle.NewTable[*completion]()
	releasers   = handle.NewTable[*releaser]()
)

// Options configure the embedded server.
type Options struct {
	ModelRepository  string
	BackendDirectory string
	StrictConfig     bool
}

// Library is a running in-process Triton server.
type Library struct {
	server *C.TRITONSERVER_Server

	mu     sync.Mutex
	inputs map[triton.Request][]unsafe.Pointer
}

var _ triton.API = (*Library)(nil)

// Open starts a server over opts.ModelRepository.
func Open(opts Options) (*Library, error) {
	var so *C.TRITONSERVER_ServerOptions
	if err := check(C.TRITONSERVER_ServerOptionsNew(&so)); err != nil {
		return nil, err
	}
	defer C.TRITONSERVER_ServerOptionsDelete(so)

	repo := C.CString(opts.ModelRepository)
	defer C.free(unsafe.Pointer(repo))
	if err := check(C.TRITONSERVER_ServerOptionsSetModelRepositoryPath(so, repo)); err != nil {
		return nil, err
	}
	if opts.BackendDirectory != "" {
		dir := C.CString(opts.BackendDirectory)
		defer C.free(unsafe.Pointer(dir))
		if err := check(C.TRITONSERVER_ServerOptionsSetBackendDirectory(so, dir)); err != nil {
			return nil, err
		}
	}
	if err := check(C.TRITONSERVER_ServerOptionsSetStrictModelConfig(so, C.bool(opts.StrictConfig))); err != nil {
		return nil, err
	}

	l := &Library{inputs: make(map[triton.Request][]unsafe.Pointer)}
	if err := check(C.TRITONSERVER_ServerNew(&l.server, so)); err != nil {
		return nil, err
	}
	return l, nil
}

// Server returns the handle requests are created against.
func (l *Library) Server() triton.Server {
	return triton.Server(uintptr(unsafe.Pointer(l.server)))
}

// Ready reports whether the server is ready for inference.
func (l *Library) Ready() bool {
	var ready C.bool
	if err := check(C.TRITONSERVER_ServerIsReady(l.server, &ready)); err != nil {
		return false
	}
	return bool(ready)
}

// Close stops and deletes the server.
func (l *Library) Close() error {
	if l.server == nil {
		return nil
	}
	stopErr := check(C.TRITONSERVER_ServerStop(l.server))
	deleteErr := check(C.TRITONSERVER_ServerDelete(l.server))
	l.server = nil
	if stopErr != nil {
		return stopErr
	}
	return deleteErr
}

// check converts and deletes a native error for Go callers outside the
// triton.API surface.
func check(err *C.TRITONSERVER_Error) error {
	if err == nil {
		return nil
	}
	defer C.TRITONSERVER_ErrorDelete(err)
	return fmt.Errorf("%s: %s",
		C.GoString(C.TRITONSERVER_ErrorCodeString(err)),
		C.GoString(C.TRITONSERVER_ErrorMessage(err)))
}

func goError(err *C.TRITONSERVER_Error) triton.Error {
	return triton.Error(uintptr(unsafe.Pointer(err)))
}

func cError(err triton.Error) *C.TRITONSERVER_Error {
	return (*C.TRITONSERVER_Error)(unsafe.Pointer(uintptr(err)))
}

func cRequest(req triton.Request) *C.TRITONSERVER_InferenceRequest {
	return (*C.TRITONSERVER_InferenceRequest)(unsafe.Pointer(uintptr(req)))
}

func cResponse(resp triton.Response) *C.TRITONSERVER_InferenceResponse {
	return (*C.TRITONSERVER_InferenceResponse)(unsafe.Pointer(uintptr(resp)))
}

func cAllocator(alloc triton.ResponseAllocator) *C.TRITONSERVER_ResponseAllocator {
	return (*C.TRITONSERVER_ResponseAllocator)(unsafe.Pointer(uintptr(alloc)))
}

func (l *Library) ErrorNew(code triton.ErrorCode, msg string) triton.Error {
	cmsg := C.CString(msg)
	defer C.free(unsafe.Pointer(cmsg))
	return goError(C.TRITONSERVER_ErrorNew(C.TRITONSERVER_Error_Code(code), cmsg))
}

func (l *Library) ErrorCode(err triton.Error) triton.ErrorCode {
	return triton.ErrorCode(C.TRITONSERVER_ErrorCode(cError(err)))
}

func (l *Library) ErrorMessage(err triton.Error) string {
	return C.GoString(C.TRITONSERVER_ErrorMessage(cError(err)))
}

func (l *Library) ErrorDelete(err triton.Error) {
	if err != 0 {
		C.TRITONSERVER_ErrorDelete(cError(err))
	}
}

func (l *Library) ResponseAllocatorNew(alloc triton.AllocFunc, release triton.ReleaseFunc) (triton.ResponseAllocator, triton.Error) {
	var native *C.TRITONSERVER_ResponseAllocator
	if err := C.bridge_allocator_new(&native); err != nil {
		return 0, goError(err)
	}
	h := triton.ResponseAllocator(uintptr(unsafe.Pointer(native)))
	allocMu.Lock()
	allocators[h] = allocFns{alloc: alloc, release: release}
	allocMu.Unlock()
	return h, 0
}

func (l *Library) ResponseAllocatorDelete(alloc triton.ResponseAllocator) triton.Error {
	allocMu.Lock()
	delete(allocators, alloc)
	allocMu.Unlock()
	return goError(C.TRITONSERVER_ResponseAllocatorDelete(cAllocator(alloc)))
}

func (l *Library) InferenceRequestNew(server triton.Server, modelName string, modelVersion int64) (triton.Request, triton.Error) {
	name := C.CString(modelName)
	defer C.free(unsafe.Pointer(name))
	var req *C.TRITONSERVER_InferenceRequest
	srv := (*C.TRITONSERVER_Server)(unsafe.Pointer(uintptr(server)))
	if err := C.TRITONSERVER_InferenceRequestNew(&req, srv, name, C.int64_t(modelVersion)); err != nil {
		return 0, goError(err)
	}
	return triton.Request(uintptr(unsafe.Pointer(req))), 0
}

// InferenceRequestDelete also frees the C copies of the request's input data.
func (l *Library) InferenceRequestDelete(req triton.Request) triton.Error {
	err := C.TRITONSERVER_InferenceRequestDelete(cRequest(req))
	l.mu.Lock()
	buffers := l.inputs[req]
	delete(l.inputs, req)
	l.mu.Unlock()
	for _, p := range buffers {
		C.free(p)
	}
	return goError(err)
}

func (l *Library) InferenceRequestSetID(req triton.Request, id string) triton.Error {
	cid := C.CString(id)
	defer C.free(unsafe.Pointer(cid))
	return goError(C.TRITONSERVER_InferenceRequestSetId(cRequest(req), cid))
}

func (l *Library) InferenceRequestSetCorrelationID(req triton.Request, id uint64) triton.Error {
	return goError(C.TRITONSERVER_InferenceRequestSetCorrelationId(cRequest(req), C.uint64_t(id)))
}

func (l *Library) InferenceRequestSetFlags(req triton.Request, flags uint32) triton.Error {
	return goError(C.TRITONSERVER_InferenceRequestSetFlags(cRequest(req), C.uint32_t(flags)))
}

func (l *Library) InferenceRequestAddInput(req triton.Request, name string, dataType uint32, shape []int64) triton.Error {
	cname := C.CString(name)
	defer C.free(unsafe.Pointer(cname))
	var dims *C.int64_t
	if len(shape) > 0 {
		dims = (*C.int64_t)(C.malloc(C.size_t(len(shape)) * C.size_t(unsafe.Sizeof(C.int64_t(0)))))
		defer C.free(unsafe.Pointer(dims))
		copy(unsafe.Slice((*int64)(unsafe.Pointer(dims)), len(shape)), shape)
	}
	return goError(C.TRITONSERVER_InferenceRequestAddInput(
		cRequest(req), cname, C.TRITONSERVER_DataType(dataType), dims, C.uint64_t(len(shape))))
}

// InferenceRequestAppendInputData copies data to the C heap. The engine keeps
// the pointer until the request is released, which Go memory may not outlive.
func (l *Library) InferenceRequestAppendInputData(req triton.Request, name string, data []byte, memoryType triton.MemoryType, memoryTypeID int64) triton.Error {
	cname := C.CString(name)
	defer C.free(unsafe.Pointer(cname))

	var base unsafe.Pointer
	if len(data) > 0 {
		base = C.CBytes(data)
		l.mu.Lock()
		l.inputs[req] = append(l.inputs[req], base)
		l.mu.Unlock()
	}
	return goError(C.TRITONSERVER_InferenceRequestAppendInputData(
		cRequest(req), cname, base, C.size_t(len(data)),
		C.TRITONSERVER_MemoryType(memoryType), C.int64_t(memoryTypeID)))
}

func (l *Library) InferenceRequestAddRequestedOutput(req triton.Request, name string) triton.Error {
	cname := C.CString(name)
	defer C.free(unsafe.Pointer(cname))
	return goError(C.TRITONSERVER_InferenceRequestAddRequestedOutput(cRequest(req), cname))
}

func (l *Library) InferenceRequestSetReleaseCallback(req triton.Request, fn triton.RequestReleaseFunc, userp uintptr) triton.Error {
	token := releasers.Insert(&releaser{fn: fn, userp: userp})
	if err := C.bridge_set_release_callback(cRequest(req), C.uintptr_t(token)); err != nil {
		releasers.Take(token)
		return goError(err)
	}
	return 0
}

func (l *Library) InferenceRequestSetResponseCallback(req triton.Request, alloc triton.ResponseAllocator, allocUserp uintptr, fn triton.ResponseCompleteFunc, userp uintptr) triton.Error {
	token := completions.Insert(&completion{fn: fn, userp: userp})
	err := C.bridge_set_response_callback(cRequest(req), cAllocator(alloc), C.uintptr_t(allocUserp), C.uintptr_t(token))
	if err != nil {
		completions.Take(token)
		return goError(err)
	}
	return 0
}

func (l *Library) ServerInferAsync(server triton.Server, req triton.Request) triton.Error {
	srv := (*C.TRITONSERVER_Server)(unsafe.Pointer(uintptr(server)))
	return goError(C.TRITONSERVER_ServerInferAsync(srv, cRequest(req), nil))
}

// InferenceResponseError returns a copy the caller must delete. The engine's
// own error object belongs to the response.
func (l *Library) InferenceResponseError(resp triton.Response) triton.Error {
	err := C.TRITONSERVER_InferenceResponseError(cResponse(resp))
	if err == nil {
		return 0
	}
	return goError(C.TRITONSERVER_ErrorNew(C.TRITONSERVER_ErrorCode(err), C.TRITONSERVER_ErrorMessage(err)))
}

func (l *Library) InferenceResponseModel(resp triton.Response) (string, int64, triton.Error) {
	var (
		name    *C.char
		version C.int64_t
	)
	if err := C.TRITONSERVER_InferenceResponseModel(cResponse(resp), &name, &version); err != nil {
		return "", 0, goError(err)
	}
	return C.GoString(name), int64(version), 0
}

func (l *Library) InferenceResponseOutputCount(resp triton.Response) (uint32, triton.Error) {
	var count C.uint32_t
	if err := C.TRITONSERVER_InferenceResponseOutputCount(cResponse(resp), &count); err != nil {
		return 0, goError(err)
	}
	return uint32(count), 0
}

func (l *Library) InferenceResponseOutput(resp triton.Response, index uint32) (triton.OutputInfo, triton.Error) {
	var (
		name     *C.char
		dataType C.TRITONSERVER_DataType
		shape    *C.int64_t
		dimCount C.uint64_t
		base     unsafe.Pointer
		byteSize C.size_t
		memType  C.TRITONSERVER_MemoryType
		memID    C.int64_t
		userp    unsafe.Pointer
	)
	err := C.TRITONSERVER_InferenceResponseOutput(cResponse(resp), C.uint32_t(index),
		&name, &dataType, &shape, &dimCount, &base, &byteSize, &memType, &memID, &userp)
	if err != nil {
		return triton.OutputInfo{}, goError(err)
	}

	info := triton.OutputInfo{
		Name:         C.GoString(name),
		DataType:     uint32(dataType),
		Shape:        make([]int64, int(dimCount)),
		Base:         base,
		ByteSize:     uint64(byteSize),
		MemoryType:   triton.MemoryType(memType),
		MemoryTypeID: int64(memID),
		Userp:        uintptr(userp),
	}
	if dimCount > 0 {
		copy(info.Shape, unsafe.Slice((*int64)(unsafe.Pointer(shape)), int(dimCount)))
	}
	return info, 0
}

func (l *Library) InferenceResponseDelete(resp triton.Response) triton.Error {
	return goError(C.TRITONSERVER_InferenceResponseDelete(cResponse(resp)))
}

//export goAlloc
func goAlloc(alloc C.uintptr_t, name *C.char, size C.size_t, memType C.TRITONSERVER_MemoryType, memID C.int64_t,
	userp C.uintptr_t, buffer *unsafe.Pointer, bufferUserp *C.uintptr_t,
	actualType *C.TRITONSERVER_MemoryType, actualID *C.int64_t,
) C.uintptr_t {
	allocMu.RLock()
	fns, ok := allocators[triton.ResponseAllocator(alloc)]
	allocMu.RUnlock()

	var (
		buf  unsafe.Pointer
		bu   uintptr
		typ  = triton.MemoryCPU
		id   int64
		nerr triton.Error
	)
	if ok {
		nerr = fns.alloc(triton.ResponseAllocator(alloc), C.GoString(name), uint64(size),
			triton.MemoryType(memType), int64(memID), uintptr(userp), &buf, &bu, &typ, &id)
	} else {
		msg := C.CString("response allocator is not registered")
		nerr = goError(C.TRITONSERVER_ErrorNew(C.TRITONSERVER_ERROR_INTERNAL, msg))
		C.free(unsafe.Pointer(msg))
	}
	*buffer = buf
	*bufferUserp = C.uintptr_t(bu)
	*actualType = C.TRITONSERVER_MemoryType(typ)
	*actualID = C.int64_t(id)
	return C.uintptr_t(nerr)
}

//export goRelease
func goRelease(alloc C.uintptr_t, buffer unsafe.Pointer, bufferUserp C.uintptr_t, size C.size_t,
	memType C.TRITONSERVER_MemoryType, memID C.int64_t,
) C.uintptr_t {
	allocMu.RLock()
	fns, ok := allocators[triton.ResponseAllocator(alloc)]
	allocMu.RUnlock()
	if !ok {
		return 0
	}
	return C.uintptr_t(fns.release(triton.ResponseAllocator(alloc), buffer, uintptr(bufferUserp),
		uint64(size), triton.MemoryType(memType), int64(memID)))
}

//export goComplete
func goComplete(resp C.uintptr_t, flags C.uint32_t, token C.uintptr_t) {
	var (
		c  *completion
		ok bool
	)
	if uint32(flags)&triton.ResponseCompleteFinal != 0 {
		c, ok = completions.Take(handle.Handle(token))
	} else {
		c, ok = completions.Get(handle.Handle(token))
	}
	if !ok {
		if resp != 0 {
			C.TRITONSERVER_InferenceResponseDelete((*C.TRITONSERVER_InferenceResponse)(unsafe.Pointer(uintptr(resp))))
		}
		return
	}
	c.fn(triton.Response(resp), uint32(flags), c.userp)
}

//export goRequestRelease
func goRequestRelease(req C.uintptr_t, flags C.uint32_t, token C.uintptr_t) {
	if uint32(flags)&triton.RequestReleaseAll == 0 {
		return
	}
	r, ok := releasers.Take(handle.Handle(token))
	if !ok {
		return
	}
	r.fn(triton.Request(req), uint32(flags), r.userp)
}

// Heap allocates response buffers on the C heap so the engine may write to
// them from its own threads.
type Heap struct{}

func (Heap) Alloc(size uint64) ([]byte, error) {
	p := C.malloc(C.size_t(size))
	if p == nil {
		return nil, fmt.Errorf("malloc of %d bytes failed", size)
	}
	return unsafe.Slice((*byte)(p), size), nil
}

func (Heap) Free(buf []byte) {
	if len(buf) > 0 {
		C.free(unsafe.Pointer(&buf[0]))
	}
}
