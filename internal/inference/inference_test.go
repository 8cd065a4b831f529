// internal/inference/inference_test.go
package inference

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/SyedDaiam9101/triton-bridge/internal/bridge"
	"github.com/SyedDaiam9101/triton-bridge/internal/metrics"
	"github.com/SyedDaiam9101/triton-bridge/internal/tensor"
	"github.com/SyedDaiam9101/triton-bridge/internal/triton"
	"github.com/SyedDaiam9101/triton-bridge/internal/triton/sim"
)

func prompt(t *testing.T, values ...string) tensor.Descriptor {
	t.Helper()
	d, err := tensor.FromStrings("prompt", []int64{int64(len(values))}, values...)
	if err != nil {
		t.Fatalf("FromStrings failed: %v", err)
	}
	return d
}

func TestMockInference_Echo(t *testing.T) {
	mock := NewMock()

	res, err := mock.Infer(context.Background(), &Request{Model: "echo", ID: "r1", Inputs: []tensor.Descriptor{prompt(t, "hi")}})
	if err != nil {
		t.Fatalf("Infer failed: %v", err)
	}
	if res.ID != "r1" || res.Model != "echo" {
		t.Errorf("unexpected result identity: %+v", res)
	}
	got, err := tensor.DecodeStrings(res.Outputs["prompt"].Data)
	if err != nil || len(got) != 1 || got[0] != "hi" {
		t.Errorf("Expected echoed prompt, got %v (%v)", got, err)
	}
	if mock.CallCount() != 1 {
		t.Errorf("Expected CallCount=1, got %d", mock.CallCount())
	}
}

func TestMockInference_Error(t *testing.T) {
	mock := NewMock()
	mock.SetError(errors.New("test error"))

	_, err := mock.Infer(context.Background(), &Request{Model: "echo"})
	if err == nil || err.Error() != "test error" {
		t.Fatalf("Expected 'test error', got %v", err)
	}
}

func TestMockInference_FixedOutputs(t *testing.T) {
	action, err := tensor.FromSlice("action", []int64{2}, []float32{1, 2})
	if err != nil {
		t.Fatal(err)
	}
	mock := NewMockWithOutputs(action)

	res, err := mock.Infer(context.Background(), &Request{Model: "policy", Outputs: []string{"action"}})
	if err != nil {
		t.Fatalf("Infer failed: %v", err)
	}
	values, err := tensor.View[float32](res.Outputs["action"])
	if err != nil || len(values) != 2 || values[1] != 2 {
		t.Errorf("unexpected action %v (%v)", values, err)
	}

	if _, err := mock.Infer(context.Background(), &Request{Model: "policy", Outputs: []string{"value"}}); err == nil {
		t.Error("Expected error for unknown output")
	}
}

func newBridge(t *testing.T) (*Bridge, *sim.Engine) {
	t.Helper()
	e := sim.New()
	t.Cleanup(func() { e.Close() })
	for _, m := range []string{"echo", "fail", "stall"} {
		if err := e.LoadModel(m, 1, m, t.TempDir(), nil, 1); err != nil {
			t.Fatalf("LoadModel %s: %v", m, err)
		}
	}
	b, err := NewBridge(e, e.Server())
	if err != nil {
		t.Fatalf("NewBridge failed: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b, e
}

// waitIdle waits until the engine has released every request.
func waitIdle(t *testing.T, e *sim.Engine) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for e.Stats().Requests != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("engine still holds %d requests", e.Stats().Requests)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestBridge_Echo(t *testing.T) {
	b, e := newBridge(t)

	req := &Request{
		Model:   "echo",
		Version: LatestVersion,
		ID:      "req-7",
		Flags:   triton.RequestFlagSequenceStart,
		Inputs:  []tensor.Descriptor{prompt(t, "hello")},
		Outputs: []string{"output"},
	}
	res, err := b.Infer(context.Background(), req)
	if err != nil {
		t.Fatalf("Infer failed: %v", err)
	}
	if res.ID != "req-7" {
		t.Errorf("Expected id req-7, got %s", res.ID)
	}
	got, err := tensor.DecodeStrings(res.Outputs["output"].Data)
	if err != nil || len(got) != 1 || got[0] != "hello" {
		t.Errorf("Expected [hello], got %v (%v)", got, err)
	}

	waitIdle(t, e)
	if s := e.Stats(); s.Responses != 0 || s.Buffers != 0 {
		t.Errorf("leaked engine objects: %+v", s)
	}
}

func TestBridge_UnknownModel(t *testing.T) {
	b, e := newBridge(t)

	_, err := b.Infer(context.Background(), &Request{Model: "missing", Version: 1})
	if !errors.Is(err, bridge.ErrLoad) {
		t.Fatalf("Expected load error, got %v", err)
	}
	if e.Stats().Requests != 0 {
		t.Error("a request that was never built must not be left behind")
	}
}

func TestBridge_BadInputClosesRequest(t *testing.T) {
	b, e := newBridge(t)

	bad := tensor.Descriptor{Name: "x", Type: tensor.FP32, Shape: []int64{-1}}
	_, err := b.Infer(context.Background(), &Request{Model: "echo", Version: 1, Inputs: []tensor.Descriptor{bad}})
	if !errors.Is(err, bridge.ErrInput) {
		t.Fatalf("Expected input error, got %v", err)
	}
	if e.Stats().Requests != 0 {
		t.Error("the unsubmitted request must be deleted")
	}
}

func TestBridge_ModelFailure(t *testing.T) {
	b, e := newBridge(t)

	_, err := b.Infer(context.Background(), &Request{Model: "fail", Version: 1, Inputs: []tensor.Descriptor{prompt(t, "x")}})
	if !errors.Is(err, bridge.ErrExecution) {
		t.Fatalf("Expected execution error, got %v", err)
	}
	waitIdle(t, e)
}

func TestBridge_ContextBoundsWait(t *testing.T) {
	b, _ := newBridge(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := b.Infer(ctx, &Request{Model: "stall", Version: 1, Inputs: []tensor.Descriptor{prompt(t, "x")}})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected deadline exceeded, got %v", err)
	}
}

func TestBridge_ReportsResolvedVersion(t *testing.T) {
	b, e := newBridge(t)
	if err := e.LoadModel("echo", 3, "echo", t.TempDir(), nil, 1); err != nil {
		t.Fatalf("LoadModel: %v", err)
	}

	for _, tt := range []struct{ requested, want int64 }{{LatestVersion, 3}, {1, 1}, {3, 3}} {
		res, err := b.Infer(context.Background(), &Request{Model: "echo", Version: tt.requested, Inputs: []tensor.Descriptor{prompt(t, "v")}})
		if err != nil {
			t.Fatalf("Infer version %d failed: %v", tt.requested, err)
		}
		if res.Version != tt.want {
			t.Errorf("requested version %d: expected %d to be reported, got %d", tt.requested, tt.want, res.Version)
		}
	}
}

func TestBridge_UnknownModelsAddNoLatencySeries(t *testing.T) {
	b, _ := newBridge(t)

	before := testutil.CollectAndCount(metrics.InferenceLatencySeconds)
	for i := 0; i < 20; i++ {
		model := fmt.Sprintf("no-such-model-%d", i)
		if _, err := b.Infer(context.Background(), &Request{Model: model, Version: LatestVersion}); !errors.Is(err, bridge.ErrLoad) {
			t.Fatalf("Expected load error for %s, got %v", model, err)
		}
	}
	if after := testutil.CollectAndCount(metrics.InferenceLatencySeconds); after != before {
		t.Errorf("unknown models added %d latency series", after-before)
	}

	if _, err := b.Infer(context.Background(), &Request{Model: "echo", Version: 1, Inputs: []tensor.Descriptor{prompt(t, "x")}}); err != nil {
		t.Fatal(err)
	}
	if testutil.CollectAndCount(metrics.InferenceLatencySeconds) < 1 {
		t.Error("served models must still be recorded")
	}
}
