// Package triton describes the native inference engine's C API as a Go
// interface. Handles are opaque, pointer-sized values owned by the engine;
// the zero value of every handle type is the null handle.
package triton

import (
	"unsafe"
)

type (
	// Server identifies a running engine instance.
	Server uintptr
	// Request is a TRITONSERVER_InferenceRequest.
	Request uintptr
	// Response is a TRITONSERVER_InferenceResponse.
	Response uintptr
	// ResponseAllocator is a TRITONSERVER_ResponseAllocator.
	ResponseAllocator uintptr
	// Error is an engine error object. A non-zero Error must be deleted with
	// ErrorDelete exactly once.
	Error uintptr
)

// MemoryType is the engine's memory kind enumeration.
type MemoryType int32

const (
	MemoryCPU MemoryType = iota
	MemoryCPUPinned
	MemoryGPU
)

func (m MemoryType) String() string {
	switch m {
	case MemoryCPU:
		return "CPU"
	case MemoryCPUPinned:
		return "CPU_PINNED"
	case MemoryGPU:
		return "GPU"
	}
	return "UNKNOWN"
}

// ErrorCode is the engine's error code enumeration.
type ErrorCode uint32

const (
	ErrUnknown ErrorCode = iota
	ErrInternal
	ErrNotFound
	ErrInvalidArg
	ErrUnavailable
	ErrUnsupported
	ErrAlreadyExists
)

func (c ErrorCode) String() string {
	switch c {
	case ErrInternal:
		return "Internal"
	case ErrNotFound:
		return "Not found"
	case ErrInvalidArg:
		return "Invalid argument"
	case ErrUnavailable:
		return "Unavailable"
	case ErrUnsupported:
		return "Unsupported"
	case ErrAlreadyExists:
		return "Already exists"
	}
	return "Unknown"
}

const (
	// ResponseCompleteFinal marks the last callback for a request.
	ResponseCompleteFinal uint32 = 1
	// RequestReleaseAll tells the release callback the engine is done with
	// the request.
	RequestReleaseAll uint32 = 1

	RequestFlagSequenceStart uint32 = 1
	RequestFlagSequenceEnd   uint32 = 2
)

// AllocFunc is TRITONSERVER_ResponseAllocatorAllocFn_t. The engine calls it
// from its own threads while populating outputs. Implementations must write
// actualType and actualTypeID on every path and return a non-zero Error when
// allocation cannot proceed.
type AllocFunc func(
	alloc ResponseAllocator,
	tensorName string,
	byteSize uint64,
	preferredType MemoryType,
	preferredTypeID int64,
	userp uintptr,
	buffer *unsafe.Pointer,
	bufferUserp *uintptr,
	actualType *MemoryType,
	actualTypeID *int64,
) Error

// ReleaseFunc is TRITONSERVER_ResponseAllocatorReleaseFn_t. It is called once
// for every successful allocation of a non-null buffer.
type ReleaseFunc func(
	alloc ResponseAllocator,
	buffer unsafe.Pointer,
	bufferUserp uintptr,
	byteSize uint64,
	memoryType MemoryType,
	memoryTypeID int64,
) Error

// ResponseCompleteFunc is TRITONSERVER_InferenceResponseCompleteFn_t.
type ResponseCompleteFunc func(response Response, flags uint32, userp uintptr)

// RequestReleaseFunc is TRITONSERVER_InferenceRequestReleaseFn_t.
type RequestReleaseFunc func(request Request, flags uint32, userp uintptr)

// OutputInfo is what the engine reports for one output slot of a response.
// Base points into engine-managed memory and is only valid until the
// response is deleted.
type OutputInfo struct {
	Name         string
	DataType     uint32
	Shape        []int64
	Base         unsafe.Pointer
	ByteSize     uint64
	MemoryType   MemoryType
	MemoryTypeID int64
	Userp        uintptr
}

// API is the subset of the engine's C API the bridge drives.
type API interface {
	ErrorNew(code ErrorCode, msg string) Error
	ErrorCode(err Error) ErrorCode
	ErrorMessage(err Error) string
	ErrorDelete(err Error)

	ResponseAllocatorNew(alloc AllocFunc, release ReleaseFunc) (ResponseAllocator, Error)
	ResponseAllocatorDelete(alloc ResponseAllocator) Error

	InferenceRequestNew(server Server, modelName string, modelVersion int64) (Request, Error)
	InferenceRequestDelete(req Request) Error
	InferenceRequestSetID(req Request, id string) Error
	InferenceRequestSetCorrelationID(req Request, id uint64) Error
	InferenceRequestSetFlags(req Request, flags uint32) Error
	InferenceRequestAddInput(req Request, name string, dataType uint32, shape []int64) Error
	InferenceRequestAppendInputData(req Request, name string, data []byte, memoryType MemoryType, memoryTypeID int64) Error
	InferenceRequestAddRequestedOutput(req Request, name string) Error
	InferenceRequestSetReleaseCallback(req Request, fn RequestReleaseFunc, userp uintptr) Error
	InferenceRequestSetResponseCallback(req Request, alloc ResponseAllocator, allocUserp uintptr, fn ResponseCompleteFunc, userp uintptr) Error

	ServerInferAsync(server Server, req Request) Error

	InferenceResponseError(resp Response) Error
	InferenceResponseModel(resp Response) (name string, version int64, err Error)
	InferenceResponseOutputCount(resp Response) (uint32, Error)
	InferenceResponseOutput(resp Response, index uint32) (OutputInfo, Error)
	InferenceResponseDelete(resp Response) Error
}

// NewError converts a Go error into an engine error object, the form in which
// backend hooks report failures to the engine. A nil err yields the null
// Error.
func NewError(api API, code ErrorCode, err error) Error {
	if err == nil {
		return 0
	}
	return api.ErrorNew(code, err.Error())
}
