package builtin

import (
	"context"
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/SyedDaiam9101/triton-bridge/internal/backend"
	"github.com/SyedDaiam9101/triton-bridge/internal/tensor"
)

var ortInit struct {
	sync.Mutex
	done bool
}

// SetONNXLibrary points onnxruntime at its shared library. It must be called
// before the first ONNX model is loaded to have any effect.
func SetONNXLibrary(path string) {
	if path != "" {
		ort.SetSharedLibraryPath(path)
	}
}

func initializeORT() error {
	ortInit.Lock()
	defer ortInit.Unlock()

	if ortInit.done || ort.IsInitialized() {
		ortInit.done = true
		return nil
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("failed to initialize ONNX environment: %w", err)
	}
	ortInit.done = true
	return nil
}

// ONNX serves an FP32 ONNX graph through onnxruntime. The model version
// directory holds model.onnx (or the file named by the default_model_filename
// config field); the config's input and output arrays name the graph tensors,
// and output dims may use -1 for the batch dimension. The "library" model
// parameter overrides the onnxruntime shared library path.
type ONNX struct {
	mu      sync.Mutex
	session *ort.DynamicAdvancedSession
	inputs  []string
	outputs []onnxOutput
}

type onnxOutput struct {
	name string
	dims []int64
}

func (o *ONNX) InitializeModel(m *backend.Model) error {
	for _, in := range m.ConfigValue("input.#.name").Array() {
		o.inputs = append(o.inputs, in.String())
	}
	for _, out := range m.ConfigValue("output").Array() {
		oo := onnxOutput{name: out.Get("name").String()}
		for _, d := range out.Get("dims").Array() {
			oo.dims = append(oo.dims, d.Int())
		}
		o.outputs = append(o.outputs, oo)
	}
	if len(o.inputs) == 0 || len(o.outputs) == 0 {
		return fmt.Errorf("model %s: config must name at least one input and one output", m.Name())
	}

	filename := m.ConfigValue("default_model_filename").String()
	if filename == "" {
		filename = "model.onnx"
	}
	outputNames := make([]string, len(o.outputs))
	for i, out := range o.outputs {
		outputNames[i] = out.name
	}

	if lib, ok := m.Parameter("library"); ok {
		SetONNXLibrary(lib)
	}
	if err := initializeORT(); err != nil {
		return err
	}

	session, err := ort.NewDynamicAdvancedSession(m.Path(filename), o.inputs, outputNames, nil)
	if err != nil {
		return fmt.Errorf("failed to create ONNX session: %w", err)
	}
	o.session = session
	m.SetState(session)
	return nil
}

func (o *ONNX) FinalizeModel(m *backend.Model) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	m.SetState(nil)
	if o.session == nil {
		return nil
	}
	err := o.session.Destroy()
	o.session = nil
	if err != nil {
		return fmt.Errorf("failed to destroy session: %w", err)
	}
	return nil
}

func (o *ONNX) Execute(_ context.Context, _ *backend.Instance, req *backend.Request) ([]tensor.Descriptor, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.session == nil {
		return nil, fmt.Errorf("inference session is nil")
	}

	batch := int64(1)
	inputs := make([]ort.ArbitraryTensor, 0, len(o.inputs))
	defer func() {
		for _, t := range inputs {
			t.Destroy()
		}
	}()
	for i, name := range o.inputs {
		d, err := req.Input(name)
		if err != nil {
			return nil, err
		}
		values, err := tensor.View[float32](d)
		if err != nil {
			return nil, err
		}
		if i == 0 && len(d.Shape) > 0 {
			batch = d.Shape[0]
		}
		t, err := ort.NewTensor(ort.NewShape(d.Shape...), append([]float32(nil), values...))
		if err != nil {
			return nil, fmt.Errorf("failed to create input tensor: %w", err)
		}
		inputs = append(inputs, t)
	}

	outputs := make([]ort.ArbitraryTensor, 0, len(o.outputs))
	typed := make([]*ort.Tensor[float32], 0, len(o.outputs))
	defer func() {
		for _, t := range outputs {
			t.Destroy()
		}
	}()
	for _, oo := range o.outputs {
		shape := make([]int64, len(oo.dims))
		for i, d := range oo.dims {
			if d < 0 {
				d = batch
			}
			shape[i] = d
		}
		t, err := ort.NewEmptyTensor[float32](ort.NewShape(shape...))
		if err != nil {
			return nil, fmt.Errorf("failed to create output tensor: %w", err)
		}
		outputs = append(outputs, t)
		typed = append(typed, t)
	}

	if err := o.session.Run(inputs, outputs); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	result := make([]tensor.Descriptor, len(typed))
	for i, t := range typed {
		d, err := tensor.FromSlice(o.outputs[i].name, t.GetShape(), t.GetData())
		if err != nil {
			return nil, err
		}
		result[i] = d
	}
	return result, nil
}
