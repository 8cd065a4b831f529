// internal/handler/handler_test.go
package handler

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/SyedDaiam9101/triton-bridge/internal/bridge"
	"github.com/SyedDaiam9101/triton-bridge/internal/inference"
	"github.com/SyedDaiam9101/triton-bridge/internal/middleware"
	"github.com/SyedDaiam9101/triton-bridge/internal/tensor"
	"github.com/SyedDaiam9101/triton-bridge/internal/triton"
	"github.com/SyedDaiam9101/triton-bridge/internal/triton/sim"
)

const echoBody = `{
	"model_name": "echo",
	"inputs": [{"name": "prompt", "datatype": "BYTES", "shape": [2], "data": ["hello", "world"]}],
	"outputs": [{"name": "output"}]
}`

func mustStruct(t *testing.T, body string) *structpb.Struct {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal([]byte(body), &m); err != nil {
		t.Fatalf("bad test body: %v", err)
	}
	s, err := structpb.NewStruct(m)
	if err != nil {
		t.Fatalf("NewStruct failed: %v", err)
	}
	return s
}

// simEngine serves the builtin echo, fail and stall models through the bridge.
func simEngine(t *testing.T) inference.Engine {
	t.Helper()
	e := sim.New()
	t.Cleanup(func() { e.Close() })
	for _, m := range []string{"echo", "fail", "stall"} {
		if err := e.LoadModel(m, 1, m, t.TempDir(), nil, 1); err != nil {
			t.Fatalf("LoadModel %s: %v", m, err)
		}
	}
	b, err := inference.NewBridge(e, e.Server())
	if err != nil {
		t.Fatalf("NewBridge failed: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func TestModelInferWithNilEngine(t *testing.T) {
	h := New(nil, 0)

	_, err := h.ModelInfer(context.Background(), mustStruct(t, echoBody))
	if status.Code(err) != codes.FailedPrecondition {
		t.Errorf("Expected FailedPrecondition, got: %v", err)
	}
}

func TestModelInferWithNilRequest(t *testing.T) {
	h := New(inference.NewMock(), 0)

	_, err := h.ModelInfer(context.Background(), nil)
	if status.Code(err) != codes.InvalidArgument {
		t.Errorf("Expected InvalidArgument, got: %v", err)
	}
}

func TestModelInferWithMockInference(t *testing.T) {
	mock := inference.NewMock()
	h := New(mock, 0)

	ctx := middleware.WithRequestID(context.Background(), "rid-1")
	body := `{"model_name": "policy", "model_version": 3, "parameters": {"correlation_id": 12, "sequence_end": true},
		"inputs": [{"name": "obs", "datatype": "FP32", "shape": [1, 2], "data": [[0.5, 1.5]]}]}`
	resp, err := h.ModelInfer(ctx, mustStruct(t, body))
	if err != nil {
		t.Fatalf("ModelInfer failed: %v", err)
	}

	if mock.CallCount() != 1 {
		t.Fatalf("Expected mock.CallCount=1, got %d", mock.CallCount())
	}
	req := mock.Requests[0]
	if req.Model != "policy" || req.Version != 3 || req.ID != "rid-1" {
		t.Errorf("unexpected request identity: %+v", req)
	}
	if req.CorrelationID != 12 || req.Flags != triton.RequestFlagSequenceEnd {
		t.Errorf("unexpected sequence parameters: id=%d flags=%d", req.CorrelationID, req.Flags)
	}

	m := resp.AsMap()
	if m["model_version"] != "3" || m["id"] != "rid-1" {
		t.Errorf("unexpected response header: %v", m)
	}
	outputs := m["outputs"].([]any)
	obs := outputs[0].(map[string]any)
	if obs["datatype"] != "FP32" {
		t.Errorf("Expected FP32, got %v", obs["datatype"])
	}
	data := obs["data"].([]any)
	if len(data) != 2 || data[0] != 0.5 || data[1] != 1.5 {
		t.Errorf("unexpected data %v", data)
	}
}

func TestDecodeRequestErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"no model", `{"inputs": [{"name": "x", "datatype": "FP32", "shape": [1], "data": [1]}]}`},
		{"bad version", `{"model_name": "m", "model_version": "latest", "inputs": []}`},
		{"no inputs", `{"model_name": "m"}`},
		{"unknown datatype", `{"model_name": "m", "inputs": [{"name": "x", "datatype": "FP128", "shape": [1], "data": [1]}]}`},
		{"negative dim", `{"model_name": "m", "inputs": [{"name": "x", "datatype": "FP32", "shape": [-1], "data": [1]}]}`},
		{"size mismatch", `{"model_name": "m", "inputs": [{"name": "x", "datatype": "FP32", "shape": [3], "data": [1]}]}`},
		{"duplicate input", `{"model_name": "m", "inputs": [{"name": "x", "datatype": "FP32", "shape": [1], "data": [1]}, {"name": "x", "datatype": "FP32", "shape": [1], "data": [1]}]}`},
		{"unnamed output", `{"model_name": "m", "inputs": [{"name": "x", "datatype": "FP32", "shape": [1], "data": [1]}], "outputs": [{}]}`},
		{"bad correlation id", `{"model_name": "m", "parameters": {"correlation_id": -4}, "inputs": [{"name": "x", "datatype": "FP32", "shape": [1], "data": [1]}]}`},
		{"bad raw data", `{"model_name": "m", "inputs": [{"name": "x", "datatype": "FP16", "shape": [1], "raw_data": "***"}]}`},
		{"uint8 overflow", `{"model_name": "m", "inputs": [{"name": "x", "datatype": "UINT8", "shape": [1], "data": [300]}]}`},
		{"negative unsigned", `{"model_name": "m", "inputs": [{"name": "x", "datatype": "UINT32", "shape": [1], "data": [-5]}]}`},
		{"int32 overflow", `{"model_name": "m", "inputs": [{"name": "x", "datatype": "INT32", "shape": [1], "data": [1e12]}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(inference.NewMock(), 0).ModelInfer(context.Background(), mustStruct(t, tt.body))
			if status.Code(err) != codes.InvalidArgument {
				t.Errorf("Expected InvalidArgument, got: %v", err)
			}
		})
	}
}

func TestRawDataRoundTrip(t *testing.T) {
	h := New(inference.NewMock(), 0)

	body := `{"model_name": "m", "inputs": [{"name": "h", "datatype": "FP16", "shape": [2], "raw_data": "ADwAQA=="}]}`
	resp, err := h.ModelInfer(context.Background(), mustStruct(t, body))
	if err != nil {
		t.Fatalf("ModelInfer failed: %v", err)
	}
	out := resp.AsMap()["outputs"].([]any)[0].(map[string]any)
	if out["raw_data"] != "ADwAQA==" {
		t.Errorf("Expected raw_data to round trip, got %v", out)
	}
}

func TestGRPCCodes(t *testing.T) {
	tests := []struct {
		err  error
		want codes.Code
	}{
		{&bridge.Error{Kind: bridge.KindInput}, codes.InvalidArgument},
		{&bridge.Error{Kind: bridge.KindFFI}, codes.InvalidArgument},
		{&bridge.Error{Kind: bridge.KindLoad}, codes.NotFound},
		{&bridge.Error{Kind: bridge.KindAllocation}, codes.ResourceExhausted},
		{&bridge.Error{Kind: bridge.KindChannel}, codes.Unavailable},
		{&bridge.Error{Kind: bridge.KindInitialization}, codes.FailedPrecondition},
		{&bridge.Error{Kind: bridge.KindExecution, Code: triton.ErrInvalidArg}, codes.InvalidArgument},
		{&bridge.Error{Kind: bridge.KindExecution, Code: triton.ErrUnavailable}, codes.Unavailable},
		{&bridge.Error{Kind: bridge.KindExecution, Code: triton.ErrInternal}, codes.Internal},
		{&bridge.Error{Kind: bridge.KindOutput}, codes.Internal},
		{context.DeadlineExceeded, codes.DeadlineExceeded},
		{errors.New("plain"), codes.Internal},
		{status.Error(codes.Aborted, "kept"), codes.Aborted},
	}
	for _, tt := range tests {
		if got := status.Code(grpcError(tt.err)); got != tt.want {
			t.Errorf("grpcError(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
	if grpcError(nil) != nil {
		t.Error("grpcError(nil) must be nil")
	}
}

func startGRPC(t *testing.T, engine inference.Engine) *InferenceClient {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	s := grpc.NewServer(grpc.ChainUnaryInterceptor(
		middleware.UnaryRequestIDInterceptor(),
		middleware.UnaryMetricsInterceptor(),
	))
	Register(s, New(engine, 2*time.Second))
	go s.Serve(lis)
	t.Cleanup(s.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return NewInferenceClient(conn)
}

func TestGRPCEchoEndToEnd(t *testing.T) {
	client := startGRPC(t, simEngine(t))

	var header metadata.MD
	ctx := metadata.AppendToOutgoingContext(context.Background(), middleware.RequestIDHeader, "grpc-req")
	resp, err := client.ModelInfer(ctx, mustStruct(t, echoBody), grpc.Header(&header))
	if err != nil {
		t.Fatalf("ModelInfer failed: %v", err)
	}

	if got := header.Get(middleware.RequestIDHeader); len(got) != 1 || got[0] != "grpc-req" {
		t.Errorf("Expected request id header, got %v", got)
	}
	m := resp.AsMap()
	if m["id"] != "grpc-req" {
		t.Errorf("Expected id grpc-req, got %v", m["id"])
	}
	out := m["outputs"].([]any)[0].(map[string]any)
	if out["name"] != "output" || out["datatype"] != "BYTES" {
		t.Errorf("unexpected output %v", out)
	}
	data := out["data"].([]any)
	if len(data) != 2 || data[0] != "hello" || data[1] != "world" {
		t.Errorf("Expected echoed prompts, got %v", data)
	}
}

func TestGRPCErrors(t *testing.T) {
	client := startGRPC(t, simEngine(t))

	_, err := client.ModelInfer(context.Background(), mustStruct(t, strings.Replace(echoBody, `"echo"`, `"missing"`, 1)))
	if status.Code(err) != codes.NotFound {
		t.Errorf("unknown model: expected NotFound, got %v", err)
	}

	_, err = client.ModelInfer(context.Background(), mustStruct(t, strings.Replace(echoBody, `"echo"`, `"fail"`, 1)))
	if status.Code(err) != codes.Internal {
		t.Errorf("failing model: expected Internal, got %v", err)
	}
}

func TestRESTInfer(t *testing.T) {
	mux := http.NewServeMux()
	New(simEngine(t), 2*time.Second).RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	body := `{"inputs": [{"name": "prompt", "datatype": "BYTES", "shape": [1], "data": ["rest"]}]}`
	resp, err := http.Post(srv.URL+"/v2/models/echo/versions/1/infer", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	if resp.Header.Get(middleware.RequestIDHeader) == "" {
		t.Error("Expected a generated request id header")
	}
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("bad response JSON: %v", err)
	}
	if out["model_name"] != "echo" || out["model_version"] != "1" {
		t.Errorf("unexpected response identity: %v", out)
	}
	if out["id"] != resp.Header.Get(middleware.RequestIDHeader) {
		t.Errorf("response id %v must match the request id header", out["id"])
	}
	data := out["outputs"].([]any)[0].(map[string]any)["data"].([]any)
	if len(data) != 1 || data[0] != "rest" {
		t.Errorf("unexpected data %v", data)
	}
}

func TestRESTErrors(t *testing.T) {
	mux := http.NewServeMux()
	New(simEngine(t), 50*time.Millisecond).RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	prompt := `{"inputs": [{"name": "prompt", "datatype": "BYTES", "shape": [1], "data": ["x"]}]}`
	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{"malformed body", "/v2/models/echo/infer", "{", http.StatusBadRequest},
		{"bad version", "/v2/models/echo/versions/zero/infer", prompt, http.StatusBadRequest},
		{"unknown model", "/v2/models/missing/infer", prompt, http.StatusNotFound},
		{"unknown version", "/v2/models/echo/versions/9/infer", prompt, http.StatusNotFound},
		{"model failure", "/v2/models/fail/infer", prompt, http.StatusInternalServerError},
		{"timeout", "/v2/models/stall/infer", prompt, http.StatusGatewayTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(srv.URL+tt.path, "application/json", bytes.NewBufferString(tt.body))
			if err != nil {
				t.Fatalf("POST failed: %v", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("Expected %d, got %d", tt.want, resp.StatusCode)
			}
			var out map[string]any
			if err := json.NewDecoder(resp.Body).Decode(&out); err != nil || out["error"] == "" {
				t.Errorf("Expected an error body, got %v (%v)", out, err)
			}
		})
	}

	resp, err := http.Get(srv.URL + "/v2/models/echo/infer")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("GET must be rejected, got %d", resp.StatusCode)
	}
}

func TestEncodeResultSortsOutputs(t *testing.T) {
	b, _ := tensor.FromSlice("b", []int64{1}, []int32{2})
	a, _ := tensor.FromSlice("a", []int64{1}, []int32{1})
	out, err := encodeResult(&inference.Result{Model: "m", Version: inference.LatestVersion, Outputs: map[string]tensor.Descriptor{"b": b, "a": a}})
	if err != nil {
		t.Fatal(err)
	}
	if out["model_version"] != "" {
		t.Errorf("latest version must render empty, got %v", out["model_version"])
	}
	outputs := out["outputs"].([]any)
	if outputs[0].(map[string]any)["name"] != "a" || outputs[1].(map[string]any)["name"] != "b" {
		t.Errorf("outputs not sorted: %v", outputs)
	}
}

func TestRESTNonFiniteOutput(t *testing.T) {
	nan, err := tensor.FromSlice("y", []int64{2}, []float32{1, float32(math.NaN())})
	if err != nil {
		t.Fatal(err)
	}
	mux := http.NewServeMux()
	New(inference.NewMockWithOutputs(nan), 0).RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	body := `{"inputs": [{"name": "x", "datatype": "FP32", "shape": [1], "data": [1]}]}`
	resp, err := http.Post(srv.URL+"/v2/models/m/infer", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}

	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("bad response JSON: %v", err)
	}
	y := out["outputs"].([]any)[0].(map[string]any)
	if _, ok := y["data"]; ok {
		t.Errorf("NaN output must not be sent as data: %v", y)
	}
	raw, err := base64.StdEncoding.DecodeString(y["raw_data"].(string))
	if err != nil {
		t.Fatalf("bad raw_data: %v", err)
	}
	got, err := tensor.View[float32](tensor.Descriptor{Name: "y", Type: tensor.FP32, Shape: []int64{2}, Data: raw})
	if err != nil {
		t.Fatal(err)
	}
	if got[0] != 1 || !math.IsNaN(float64(got[1])) {
		t.Errorf("Expected [1 NaN], got %v", got)
	}
}

func TestWriteJSONEncodingFailure(t *testing.T) {
	rec := httptest.NewRecorder()
	writeJSON(rec, http.StatusOK, map[string]any{"v": math.Inf(1)})

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("Expected 500, got %d", rec.Code)
	}
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil || out["error"] == nil {
		t.Errorf("Expected an error body, got %q (%v)", rec.Body.String(), err)
	}
}
