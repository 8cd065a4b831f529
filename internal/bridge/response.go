package bridge

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/SyedDaiam9101/triton-bridge/internal/tensor"
	"github.com/SyedDaiam9101/triton-bridge/internal/triton"
)

// Response owns a native inference response. Decode copies its outputs out;
// Close deletes it, which lets the engine release the output buffers.
type Response struct {
	api    triton.API
	native triton.Response
	model  string

	mu     sync.Mutex
	closed bool
}

func newResponse(api triton.API, native triton.Response, model string) *Response {
	return &Response{api: api, native: native, model: model}
}

// Model names the model that produced the response.
func (r *Response) Model() string { return r.model }

// ModelVersion reports the model version that produced the response, which
// differs from the requested one when the request asked for the latest.
func (r *Response) ModelVersion() (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0, newError(KindOutput, "InferenceResponseModel", "response is closed")
	}
	_, version, nerr := r.api.InferenceResponseModel(r.native)
	if err := translate(r.api, KindOutput, "InferenceResponseModel", nerr); err != nil {
		return 0, err
	}
	return version, nil
}

// Decode copies every output into an owned descriptor keyed by name. A slot
// without data decodes to an empty tensor of its declared type and shape. If
// a slot cannot be read, the slots decoded before it are returned with an
// OutputError. When two slots share a name the later one wins.
func (r *Response) Decode() (map[string]tensor.Descriptor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, newError(KindOutput, "InferenceResponseOutputCount", "response is closed")
	}

	count, nerr := r.api.InferenceResponseOutputCount(r.native)
	if err := translate(r.api, KindOutput, "InferenceResponseOutputCount", nerr); err != nil {
		return nil, err
	}

	outputs := make(map[string]tensor.Descriptor, count)
	for i := uint32(0); i < count; i++ {
		info, nerr := r.api.InferenceResponseOutput(r.native, i)
		if err := translate(r.api, KindOutput, fmt.Sprintf("InferenceResponseOutput[%d]", i), nerr); err != nil {
			return outputs, err
		}
		outputs[info.Name] = copyOutput(info)
	}
	return outputs, nil
}

// Output decodes the response and returns the named output.
func (r *Response) Output(name string) (tensor.Descriptor, error) {
	outputs, err := r.Decode()
	if d, ok := outputs[name]; ok {
		return d, nil
	}
	if err != nil {
		return tensor.Descriptor{}, err
	}
	return tensor.Descriptor{}, newError(KindOutput, "output", fmt.Sprintf("response has no output %q", name))
}

func copyOutput(info triton.OutputInfo) tensor.Descriptor {
	d := tensor.Descriptor{
		Name:  info.Name,
		Type:  tensor.FromCode(info.DataType),
		Shape: append([]int64{}, info.Shape...),
		Data:  []byte{},
	}
	if info.Base != nil && info.ByteSize > 0 {
		d.Data = append(d.Data, unsafe.Slice((*byte)(info.Base), info.ByteSize)...)
	}
	return d
}

// Close deletes the native response. It is safe to call more than once.
func (r *Response) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	return translate(r.api, KindOutput, "InferenceResponseDelete", r.api.InferenceResponseDelete(r.native))
}
