// internal/inference/bridge.go
package inference

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/SyedDaiam9101/triton-bridge/internal/bridge"
	"github.com/SyedDaiam9101/triton-bridge/internal/logger"
	"github.com/SyedDaiam9101/triton-bridge/internal/metrics"
	"github.com/SyedDaiam9101/triton-bridge/internal/tensor"
	"github.com/SyedDaiam9101/triton-bridge/internal/triton"
)

const tracerName = "github.com/SyedDaiam9101/triton-bridge/internal/inference"

// Bridge runs requests on a native engine through a bridge.Executor.
// It implements the Engine interface.
type Bridge struct {
	api      triton.API
	server   triton.Server
	executor *bridge.Executor
	tracer   trace.Tracer
}

// NewBridge creates the executor and its response allocator for server.
func NewBridge(api triton.API, server triton.Server, opts ...bridge.AllocatorOption) (*Bridge, error) {
	x, err := bridge.NewExecutor(api, server, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create executor: %w", err)
	}
	return &Bridge{
		api:      api,
		server:   server,
		executor: x,
		tracer:   otel.Tracer(tracerName),
	}, nil
}

// Executor exposes the underlying executor.
func (b *Bridge) Executor() *bridge.Executor { return b.executor }

// Infer builds the native request, submits it and decodes the response.
func (b *Bridge) Infer(ctx context.Context, req *Request) (*Result, error) {
	ctx, span := b.tracer.Start(ctx, "inference.Infer", trace.WithAttributes(
		attribute.String("model", req.Model),
		attribute.Int64("model_version", req.Version),
		attribute.String("request_id", req.ID),
		attribute.Int("inputs", len(req.Inputs)),
	))
	defer span.End()

	start := time.Now()
	outputs, version, resolved, err := b.infer(ctx, req)
	if resolved {
		// Unresolved names stay out of the model label.
		metrics.RecordInferenceLatency(req.Model, time.Since(start).Seconds())
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Log.Warn("inference failed", "model", req.Model, "request_id", req.ID, "error", err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("outputs", len(outputs)), attribute.Int64("resolved_version", version))

	return &Result{Model: req.Model, Version: version, ID: req.ID, Outputs: outputs}, nil
}

// infer reports resolved once the engine has found the model.
func (b *Bridge) infer(ctx context.Context, req *Request) (outputs map[string]tensor.Descriptor, version int64, resolved bool, err error) {
	native, err := bridge.NewRequest(b.api, b.server, req.Model, req.Version)
	if err != nil {
		return nil, 0, false, err
	}
	if err := b.build(native, req); err != nil {
		native.Close()
		return nil, 0, true, err
	}
	// A no-op once the engine owns the request.
	defer native.Close()

	outputs, version, err = b.executor.InferVersion(ctx, native)
	return outputs, version, true, err
}

func (b *Bridge) build(native *bridge.Request, req *Request) error {
	if req.ID != "" {
		if err := native.SetRequestID(req.ID); err != nil {
			return err
		}
	}
	if req.CorrelationID != 0 {
		if err := native.SetCorrelationID(req.CorrelationID); err != nil {
			return err
		}
	}
	if req.Flags != 0 {
		if err := native.SetFlags(req.Flags); err != nil {
			return err
		}
	}
	for _, in := range req.Inputs {
		if err := native.AddInputTensor(in); err != nil {
			return err
		}
	}
	for _, name := range req.Outputs {
		if err := native.AddRequestedOutput(name); err != nil {
			return err
		}
	}
	return native.RegisterReleaseCallback()
}

// Close drops outstanding completions and deletes the allocator. The engine
// itself belongs to the caller.
func (b *Bridge) Close() error {
	return b.executor.Close()
}

var _ Engine = (*Bridge)(nil)
