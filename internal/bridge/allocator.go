package bridge

import (
	"sync"
	"unsafe"

	"github.com/SyedDaiam9101/triton-bridge/internal/handle"
	"github.com/SyedDaiam9101/triton-bridge/internal/logger"
	"github.com/SyedDaiam9101/triton-bridge/internal/metrics"
	"github.com/SyedDaiam9101/triton-bridge/internal/triton"
)

// PoisonByte is written over a buffer before it is freed when poisoning is
// enabled.
const PoisonByte = 0xDD

// Heap is where output buffers come from. Buffers handed to a native engine
// must come from memory the engine may retain, such as the C heap.
type Heap interface {
	Alloc(size uint64) ([]byte, error)
	Free(buf []byte)
}

type goHeap struct{}

func (goHeap) Alloc(size uint64) ([]byte, error) { return make([]byte, size), nil }
func (goHeap) Free([]byte)                       {}

// GoHeap allocates buffers on the Go heap. Allocator keeps every live buffer
// reachable until the engine releases it.
var GoHeap Heap = goHeap{}

// AllocatorOption configures an Allocator.
type AllocatorOption func(*Allocator)

// WithHeap sets the heap output buffers are taken from.
func WithHeap(h Heap) AllocatorOption {
	return func(a *Allocator) { a.heap = h }
}

// WithPoisonOnFree overwrites every buffer with PoisonByte before it is
// returned to the heap, so reads after release show a recognisable pattern.
func WithPoisonOnFree(enabled bool) AllocatorOption {
	return func(a *Allocator) { a.poison = enabled }
}

// Buffer is one output buffer between allocation and release.
type Buffer struct {
	Tag          string
	Data         []byte
	MemoryType   triton.MemoryType
	MemoryTypeID int64

	token handle.Handle
}

// Pointer returns the address of the first byte, or nil for an empty buffer.
func (b Buffer) Pointer() unsafe.Pointer {
	if len(b.Data) == 0 {
		return nil
	}
	return unsafe.Pointer(unsafe.SliceData(b.Data))
}

// Allocator is the response allocator registered with the engine. It serves
// CPU memory only: pinned requests are served from the CPU heap and reported
// as CPU device 0, and GPU requests are refused.
type Allocator struct {
	api    triton.API
	native triton.ResponseAllocator
	heap   Heap
	poison bool

	live *handle.Table[*Buffer]

	// onFailure, when set, is told about every refused allocation together
	// with the allocation user data of the request being populated.
	onFailure func(userp uintptr, err *Error)

	closeOnce sync.Once
	closeErr  error
}

// NewAllocator registers a new allocator with the engine.
func NewAllocator(api triton.API, opts ...AllocatorOption) (*Allocator, error) {
	a := &Allocator{
		api:  api,
		heap: GoHeap,
		live: handle.NewTable[*Buffer](),
	}
	for _, opt := range opts {
		opt(a)
	}

	native, nerr := api.ResponseAllocatorNew(a.allocFn, a.releaseFn)
	if err := translate(api, KindInitialization, "ResponseAllocatorNew", nerr); err != nil {
		return nil, err
	}
	a.native = native
	return a, nil
}

// Native returns the engine handle of the allocator.
func (a *Allocator) Native() triton.ResponseAllocator { return a.native }

// Outstanding returns the number of buffers allocated and not yet released.
func (a *Allocator) Outstanding() int { return a.live.Len() }

// Allocate serves one allocation request. The returned buffer always carries
// the memory type actually used. A zero-byte request yields an empty buffer
// that needs no release.
func (a *Allocator) Allocate(tag string, size uint64, preferred triton.MemoryType, preferredID int64) (Buffer, error) {
	b := Buffer{Tag: tag, MemoryType: triton.MemoryCPU, MemoryTypeID: 0}

	switch preferred {
	case triton.MemoryCPU, triton.MemoryCPUPinned:
	default:
		b.MemoryType, b.MemoryTypeID = preferred, preferredID
		metrics.RecordAllocationFailure(preferred.String())
		return b, newError(KindAllocation, "allocate "+tag, "unsupported memory kind "+preferred.String())
	}

	if size == 0 {
		return b, nil
	}

	data, err := a.heap.Alloc(size)
	if err != nil {
		metrics.RecordAllocationFailure(preferred.String())
		return b, wrapError(KindAllocation, "allocate "+tag, err)
	}
	b.Data = data[:size]

	rec := b
	b.token = a.live.Insert(&rec)
	rec.token = b.token

	metrics.RecordAllocation(size)
	return b, nil
}

// Release returns a buffer obtained from Allocate. A buffer is released at
// most once; releasing it again is an error. Empty buffers are a no-op.
func (a *Allocator) Release(b Buffer) error {
	if b.token == 0 {
		if len(b.Data) != 0 {
			return newError(KindAllocation, "release "+b.Tag, "buffer was not allocated here")
		}
		return nil
	}
	return a.release(uintptr(b.token), b.Pointer())
}

func (a *Allocator) release(token uintptr, ptr unsafe.Pointer) error {
	rec, ok := a.live.Get(handle.Handle(token))
	if ok && ptr != nil && ptr != rec.Pointer() {
		return newError(KindAllocation, "release "+rec.Tag, "buffer does not match its allocation")
	}
	if rec, ok = a.live.Take(handle.Handle(token)); !ok {
		return newError(KindAllocation, "release", "unknown buffer")
	}

	if a.poison {
		for i := range rec.Data {
			rec.Data[i] = PoisonByte
		}
	}
	a.heap.Free(rec.Data)
	metrics.RecordRelease()
	return nil
}

// allocFn is the allocation callback handed to the engine.
func (a *Allocator) allocFn(
	_ triton.ResponseAllocator,
	tensorName string,
	byteSize uint64,
	preferredType triton.MemoryType,
	preferredTypeID int64,
	userp uintptr,
	buffer *unsafe.Pointer,
	bufferUserp *uintptr,
	actualType *triton.MemoryType,
	actualTypeID *int64,
) triton.Error {
	b, err := a.Allocate(tensorName, byteSize, preferredType, preferredTypeID)
	*actualType = b.MemoryType
	*actualTypeID = b.MemoryTypeID
	if err != nil {
		if a.onFailure != nil {
			a.onFailure(userp, err.(*Error))
		}
		code := triton.ErrUnsupported
		if preferredType == triton.MemoryCPU || preferredType == triton.MemoryCPUPinned {
			code = triton.ErrUnavailable
		}
		return a.api.ErrorNew(code, err.Error())
	}

	*buffer = b.Pointer()
	*bufferUserp = uintptr(b.token)
	return 0
}

// releaseFn is the release callback handed to the engine.
func (a *Allocator) releaseFn(
	_ triton.ResponseAllocator,
	buffer unsafe.Pointer,
	bufferUserp uintptr,
	_ uint64,
	_ triton.MemoryType,
	_ int64,
) triton.Error {
	if buffer == nil {
		return 0
	}
	if err := a.release(bufferUserp, buffer); err != nil {
		logger.Log.Error("failed to release output buffer", "error", err)
		return a.api.ErrorNew(triton.ErrInternal, err.Error())
	}
	return 0
}

// Close deletes the engine allocator. Buffers still outstanding stay valid
// until the engine releases them.
func (a *Allocator) Close() error {
	a.closeOnce.Do(func() {
		if n := a.Outstanding(); n > 0 {
			logger.Log.Warn("closing allocator with outstanding buffers", "buffers", n)
		}
		a.closeErr = translate(a.api, KindInitialization, "ResponseAllocatorDelete", a.api.ResponseAllocatorDelete(a.native))
	})
	return a.closeErr
}
