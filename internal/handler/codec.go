// internal/handler/codec.go
package handler

import (
	"encoding/base64"
	"fmt"
	"math"
	"sort"
	"strconv"

	"github.com/SyedDaiam9101/triton-bridge/internal/inference"
	"github.com/SyedDaiam9101/triton-bridge/internal/tensor"
	"github.com/SyedDaiam9101/triton-bridge/internal/triton"
)

// decodeRequest turns a JSON inference request body into an inference.Request.
// model and version come from the URL on the REST path and override the body.
//
//	{"model_name": "echo", "model_version": "1", "id": "r1",
//	 "parameters": {"correlation_id": 7, "sequence_start": true},
//	 "inputs": [{"name": "prompt", "datatype": "BYTES", "shape": [1], "data": ["hi"]}],
//	 "outputs": [{"name": "output"}]}
func decodeRequest(body map[string]any, model, version string) (*inference.Request, error) {
	if model == "" {
		model, _ = body["model_name"].(string)
	}
	if model == "" {
		return nil, invalidArgumentError("model_name is required")
	}
	if version == "" {
		switch v := body["model_version"].(type) {
		case string:
			version = v
		case float64:
			version = strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	ver, err := parseVersion(version)
	if err != nil {
		return nil, err
	}

	req := &inference.Request{Model: model, Version: ver}
	req.ID, _ = body["id"].(string)

	if params, ok := body["parameters"].(map[string]any); ok {
		if err := decodeParameters(params, req); err != nil {
			return nil, err
		}
	}

	inputs, _ := body["inputs"].([]any)
	if len(inputs) == 0 {
		return nil, invalidArgumentError("request has no inputs")
	}
	seen := make(map[string]bool, len(inputs))
	for i, raw := range inputs {
		in, ok := raw.(map[string]any)
		if !ok {
			return nil, invalidArgumentError("input %d is not an object", i)
		}
		d, err := decodeInput(in)
		if err != nil {
			return nil, invalidArgumentError("input %d: %v", i, err)
		}
		if seen[d.Name] {
			return nil, invalidArgumentError("input %q appears twice", d.Name)
		}
		seen[d.Name] = true
		req.Inputs = append(req.Inputs, d)
	}

	outputs, _ := body["outputs"].([]any)
	for i, raw := range outputs {
		out, _ := raw.(map[string]any)
		name, _ := out["name"].(string)
		if name == "" {
			return nil, invalidArgumentError("output %d has no name", i)
		}
		req.Outputs = append(req.Outputs, name)
	}
	return req, nil
}

func parseVersion(s string) (int64, error) {
	if s == "" {
		return inference.LatestVersion, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil || v < 1 {
		return 0, invalidArgumentError("invalid model_version %q", s)
	}
	return v, nil
}

func decodeParameters(params map[string]any, req *inference.Request) error {
	switch v := params["correlation_id"].(type) {
	case nil:
	case float64:
		if v < 0 || v != math.Trunc(v) {
			return invalidArgumentError("invalid correlation_id %v", v)
		}
		req.CorrelationID = uint64(v)
	case string:
		id, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return invalidArgumentError("invalid correlation_id %q", v)
		}
		req.CorrelationID = id
	default:
		return invalidArgumentError("invalid correlation_id %v", v)
	}
	if start, _ := params["sequence_start"].(bool); start {
		req.Flags |= triton.RequestFlagSequenceStart
	}
	if end, _ := params["sequence_end"].(bool); end {
		req.Flags |= triton.RequestFlagSequenceEnd
	}
	return nil
}

func decodeInput(in map[string]any) (tensor.Descriptor, error) {
	name, _ := in["name"].(string)
	if name == "" {
		return tensor.Descriptor{}, fmt.Errorf("name is required")
	}
	dtName, _ := in["datatype"].(string)
	dt := tensor.ParseDataType(dtName)
	if !dt.Valid() {
		return tensor.Descriptor{}, fmt.Errorf("tensor %q: unknown datatype %q", name, dtName)
	}

	rawShape, _ := in["shape"].([]any)
	shape := make([]int64, len(rawShape))
	for i, v := range rawShape {
		f, ok := v.(float64)
		if !ok || f < 0 || f != math.Trunc(f) {
			return tensor.Descriptor{}, fmt.Errorf("tensor %q: invalid dimension %v", name, v)
		}
		shape[i] = int64(f)
	}

	if raw, ok := in["raw_data"].(string); ok {
		data, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return tensor.Descriptor{}, fmt.Errorf("tensor %q: raw_data: %w", name, err)
		}
		d := tensor.Descriptor{Name: name, Type: dt, Shape: shape, Data: data}
		return d, d.Validate()
	}
	return tensor.FromJSON(name, dt, shape, in["data"])
}

// encodeResult renders res in the response shape of decodeRequest. Outputs
// are sorted by name. Half-precision outputs, and float outputs holding NaN
// or Inf, are sent as base64 raw_data.
func encodeResult(res *inference.Result) (map[string]any, error) {
	names := make([]string, 0, len(res.Outputs))
	for name := range res.Outputs {
		names = append(names, name)
	}
	sort.Strings(names)

	outputs := make([]any, 0, len(names))
	for _, name := range names {
		d := res.Outputs[name]
		shape := make([]any, len(d.Shape))
		for i, s := range d.Shape {
			shape[i] = float64(s)
		}
		out := map[string]any{
			"name":     name,
			"datatype": d.Type.String(),
			"shape":    shape,
		}
		if d.Type == tensor.FP16 || d.Type == tensor.BF16 || !d.Finite() {
			out["raw_data"] = base64.StdEncoding.EncodeToString(d.Data)
		} else {
			data, err := d.JSONData()
			if err != nil {
				return nil, internalError("encoding output %q: %v", name, err)
			}
			out["data"] = data
		}
		outputs = append(outputs, out)
	}

	version := ""
	if res.Version > 0 {
		version = strconv.FormatInt(res.Version, 10)
	}
	return map[string]any{
		"model_name":    res.Model,
		"model_version": version,
		"id":            res.ID,
		"outputs":       outputs,
	}, nil
}
