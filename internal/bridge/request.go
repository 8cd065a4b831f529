package bridge

import (
	"fmt"
	"strings"
	"sync"

	"github.com/SyedDaiam9101/triton-bridge/internal/handle"
	"github.com/SyedDaiam9101/triton-bridge/internal/logger"
	"github.com/SyedDaiam9101/triton-bridge/internal/tensor"
	"github.com/SyedDaiam9101/triton-bridge/internal/triton"
)

// Owner records which side is responsible for deleting a native request.
type Owner int32

const (
	// OwnedByBridge: not submitted yet. Close deletes the native request.
	OwnedByBridge Owner = iota
	// OwnedByEngine: submitted. The engine's release callback deletes it.
	OwnedByEngine
	// Released: the native request no longer exists.
	Released
)

func (o Owner) String() string {
	switch o {
	case OwnedByBridge:
		return "bridge"
	case OwnedByEngine:
		return "engine"
	case Released:
		return "released"
	}
	return fmt.Sprintf("Owner(%d)", int32(o))
}

// releases keeps requests reachable while the engine holds their release
// callback token.
var releases = handle.NewTable[*Request]()

// inputSlot tracks the data appended to one declared input.
type inputSlot struct {
	bytes int64
}

// Request builds a native inference request. Its methods are not safe for
// concurrent use, except State and Released.
type Request struct {
	api     triton.API
	native  triton.Request
	model   string
	version int64
	id      string

	mu           sync.Mutex
	owner        Owner
	releaseToken handle.Handle
	released     chan struct{}

	inputs  map[string]*inputSlot
	outputs []string
	// payloads keeps appended input data alive until the engine is done with
	// the request.
	payloads [][]byte
}

// NewRequest creates a native request for version of model. A version of -1
// lets the engine choose.
func NewRequest(api triton.API, server triton.Server, model string, version int64) (*Request, error) {
	if strings.IndexByte(model, 0) >= 0 {
		return nil, newError(KindInitialization, "InferenceRequestNew", fmt.Sprintf("model name %q contains a NUL byte", model))
	}

	native, nerr := api.InferenceRequestNew(server, model, version)
	if nerr != 0 {
		kind := KindInitialization
		if api.ErrorCode(nerr) == triton.ErrNotFound {
			kind = KindLoad
		}
		return nil, translate(api, kind, "InferenceRequestNew", nerr)
	}

	return &Request{
		api:      api,
		native:   native,
		model:    model,
		version:  version,
		released: make(chan struct{}),
		inputs:   make(map[string]*inputSlot),
	}, nil
}

// Model returns the target model name.
func (r *Request) Model() string { return r.model }

// Version returns the requested model version.
func (r *Request) Version() int64 { return r.version }

// ID returns the request id set with SetRequestID.
func (r *Request) ID() string { return r.id }

// Native returns the engine handle.
func (r *Request) Native() triton.Request { return r.native }

// State reports the current owner of the native request.
func (r *Request) State() Owner {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.owner
}

// Released is closed once the native request has been deleted, by the
// engine's release callback or by Close.
func (r *Request) Released() <-chan struct{} { return r.released }

// Inputs lists the declared input names.
func (r *Request) Inputs() []string {
	names := make([]string, 0, len(r.inputs))
	for n := range r.inputs {
		names = append(names, n)
	}
	return names
}

// InputBytes is the total input data appended so far.
func (r *Request) InputBytes() int64 {
	var n int64
	for _, s := range r.inputs {
		n += s.bytes
	}
	return n
}

// RequestedOutputs lists the output names added with AddRequestedOutput.
func (r *Request) RequestedOutputs() []string {
	return append([]string(nil), r.outputs...)
}

func (r *Request) mutable(op string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.owner != OwnedByBridge {
		return newError(KindExecution, op, "request is owned by the "+r.owner.String())
	}
	return nil
}

func cString(op, what, s string) error {
	if strings.IndexByte(s, 0) >= 0 {
		return newError(KindFFI, op, fmt.Sprintf("%s %q contains a NUL byte", what, s))
	}
	return nil
}

// AddInput declares an input tensor.
func (r *Request) AddInput(name string, dataType tensor.DataType, shape []int64) error {
	const op = "InferenceRequestAddInput"
	if err := r.mutable(op); err != nil {
		return err
	}
	if err := cString(op, "input name", name); err != nil {
		return err
	}
	if _, dup := r.inputs[name]; dup {
		return newError(KindInput, op, fmt.Sprintf("input %q already declared", name))
	}
	if !dataType.Valid() {
		return newError(KindInput, op, fmt.Sprintf("input %q has invalid datatype", name))
	}
	for i, d := range shape {
		if d < 0 {
			return newError(KindInput, op, fmt.Sprintf("input %q has negative dimension %d at index %d", name, d, i))
		}
	}

	shape = append([]int64(nil), shape...)
	if err := translate(r.api, KindInput, op, r.api.InferenceRequestAddInput(r.native, name, dataType.Code(), shape)); err != nil {
		return err
	}
	r.inputs[name] = &inputSlot{}
	return nil
}

// SetInputBytes appends data to a declared input. The payload may arrive in
// several chunks; the engine checks the accumulated size when it executes
// the request. data must not be modified until the request is released.
func (r *Request) SetInputBytes(name string, data []byte) error {
	const op = "InferenceRequestAppendInputData"
	if err := r.mutable(op); err != nil {
		return err
	}
	slot, ok := r.inputs[name]
	if !ok {
		return newError(KindInput, op, fmt.Sprintf("input %q is not declared", name))
	}

	if err := translate(r.api, KindInput, op, r.api.InferenceRequestAppendInputData(r.native, name, data, triton.MemoryCPU, 0)); err != nil {
		return err
	}
	r.payloads = append(r.payloads, data)
	slot.bytes += int64(len(data))
	return nil
}

// AddInputTensor declares d and appends its data.
func (r *Request) AddInputTensor(d tensor.Descriptor) error {
	if err := r.AddInput(d.Name, d.Type, d.Shape); err != nil {
		return err
	}
	return r.SetInputBytes(d.Name, d.Data)
}

// AddRequestedOutput asks the engine to return the named output. When no
// output is requested the engine returns all of them.
func (r *Request) AddRequestedOutput(name string) error {
	const op = "InferenceRequestAddRequestedOutput"
	if err := r.mutable(op); err != nil {
		return err
	}
	if err := cString(op, "output name", name); err != nil {
		return err
	}
	if err := translate(r.api, KindOutput, op, r.api.InferenceRequestAddRequestedOutput(r.native, name)); err != nil {
		return err
	}
	r.outputs = append(r.outputs, name)
	return nil
}

// SetRequestID sets the free-form request id.
func (r *Request) SetRequestID(id string) error {
	const op = "InferenceRequestSetId"
	if err := r.mutable(op); err != nil {
		return err
	}
	if err := cString(op, "request id", id); err != nil {
		return err
	}
	if err := translate(r.api, KindInput, op, r.api.InferenceRequestSetID(r.native, id)); err != nil {
		return err
	}
	r.id = id
	return nil
}

// SetCorrelationID sets the sequence correlation id.
func (r *Request) SetCorrelationID(id uint64) error {
	const op = "InferenceRequestSetCorrelationId"
	if err := r.mutable(op); err != nil {
		return err
	}
	return translate(r.api, KindInput, op, r.api.InferenceRequestSetCorrelationID(r.native, id))
}

// SetFlags sets the sequence flags (triton.RequestFlagSequenceStart and
// triton.RequestFlagSequenceEnd).
func (r *Request) SetFlags(flags uint32) error {
	const op = "InferenceRequestSetFlags"
	if err := r.mutable(op); err != nil {
		return err
	}
	return translate(r.api, KindInput, op, r.api.InferenceRequestSetFlags(r.native, flags))
}

// RegisterReleaseCallback installs the callback through which the engine
// hands the request back once it is done with it. The callback deletes the
// native request. It must be called before the request is executed.
func (r *Request) RegisterReleaseCallback() error {
	const op = "InferenceRequestSetReleaseCallback"
	if err := r.mutable(op); err != nil {
		return err
	}
	if r.releaseToken != 0 {
		return nil
	}

	token := releases.Insert(r)
	if err := translate(r.api, KindExecution, op, r.api.InferenceRequestSetReleaseCallback(r.native, releaseRequest, uintptr(token))); err != nil {
		releases.Take(token)
		return err
	}
	r.mu.Lock()
	r.releaseToken = token
	r.mu.Unlock()
	return nil
}

func (r *Request) hasReleaseCallback() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.releaseToken != 0
}

// setOwner moves ownership from one side to the other. It fails when the
// request is not currently owned by from.
func (r *Request) setOwner(from, to Owner) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.owner != from {
		return false
	}
	r.owner = to
	return true
}

// Close deletes the native request if it was never submitted. After
// submission the engine owns the request and Close does nothing.
func (r *Request) Close() error {
	if !r.setOwner(OwnedByBridge, Released) {
		return nil
	}
	r.mu.Lock()
	token := r.releaseToken
	r.releaseToken = 0
	r.mu.Unlock()
	if token != 0 {
		releases.Take(token)
	}

	err := translate(r.api, KindExecution, "InferenceRequestDelete", r.api.InferenceRequestDelete(r.native))
	r.finish()
	return err
}

func (r *Request) finish() {
	r.payloads = nil
	close(r.released)
}

// releaseRequest is the request release callback handed to the engine. It
// runs on an engine goroutine.
func releaseRequest(native triton.Request, flags uint32, userp uintptr) {
	if flags&triton.RequestReleaseAll == 0 {
		return
	}
	r, ok := releases.Take(handle.Handle(userp))
	if !ok {
		logger.Log.Error("release callback for unknown request", "token", userp)
		return
	}

	r.mu.Lock()
	r.owner = Released
	r.releaseToken = 0
	r.mu.Unlock()

	if nerr := r.api.InferenceRequestDelete(native); nerr != 0 {
		// Nobody is left to report this to.
		_ = translate(r.api, KindExecution, "InferenceRequestDelete", nerr)
	}
	r.finish()
}
