// internal/handler/handler.go
package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/SyedDaiam9101/triton-bridge/internal/inference"
	"github.com/SyedDaiam9101/triton-bridge/internal/logger"
	"github.com/SyedDaiam9101/triton-bridge/internal/middleware"
)

const (
	// ServiceName is the fully qualified gRPC service name.
	ServiceName = "tritonbridge.v1.Inference"
	// ModelInferMethod is the full gRPC method name of ModelInfer.
	ModelInferMethod = "/" + ServiceName + "/ModelInfer"

	maxBodyBytes = 64 << 20
)

// InferenceServer is the server API for the Inference service.
type InferenceServer interface {
	ModelInfer(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// Handler serves inference over gRPC and REST.
// It uses the inference.Engine interface for flexibility and testability.
type Handler struct {
	engine  inference.Engine
	timeout time.Duration
}

// New creates a new Handler. A positive timeout bounds how long a call waits
// for its response.
func New(engine inference.Engine, timeout time.Duration) *Handler {
	return &Handler{
		engine:  engine,
		timeout: timeout,
	}
}

// ModelInfer runs one inference request given as a JSON-shaped struct.
func (h *Handler) ModelInfer(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if in == nil {
		return nil, invalidArgumentError("request cannot be nil")
	}
	body, err := h.infer(ctx, in.AsMap(), "", "")
	if err != nil {
		return nil, err
	}
	out, err := structpb.NewStruct(body)
	if err != nil {
		return nil, internalError("encoding response: %v", err)
	}
	return out, nil
}

func (h *Handler) infer(ctx context.Context, body map[string]any, model, version string) (map[string]any, error) {
	if h.engine == nil {
		return nil, failedPreconditionError("inference engine not initialized")
	}

	req, err := decodeRequest(body, model, version)
	if err != nil {
		return nil, err
	}
	if req.ID == "" {
		req.ID = middleware.GetRequestID(ctx)
	}

	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	start := time.Now()
	res, err := h.engine.Infer(ctx, req)
	if err != nil {
		err = grpcError(err)
		logger.Log.Warn("inference request failed",
			"request_id", req.ID,
			"model", req.Model,
			"code", status.Code(err).String(),
			"error", err)
		return nil, err
	}

	logger.Log.Info("inference request served",
		"request_id", req.ID,
		"model", req.Model,
		"inputs", len(req.Inputs),
		"outputs", len(res.Outputs),
		"ms", float64(time.Since(start).Microseconds())/1000.0)
	return encodeResult(res)
}

// Register adds the Inference service to s.
func Register(s grpc.ServiceRegistrar, srv InferenceServer) {
	s.RegisterService(&InferenceServiceDesc, srv)
}

// InferenceServiceDesc describes the Inference service. Messages are
// google.protobuf.Struct values holding the JSON request and response.
var InferenceServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*InferenceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ModelInfer", Handler: modelInferHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "tritonbridge/v1/inference.proto",
}

func modelInferHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(InferenceServer).ModelInfer(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ModelInferMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(InferenceServer).ModelInfer(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// InferenceClient is the client API for the Inference service.
type InferenceClient struct {
	cc grpc.ClientConnInterface
}

// NewInferenceClient returns a client calling the Inference service over cc.
func NewInferenceClient(cc grpc.ClientConnInterface) *InferenceClient {
	return &InferenceClient{cc: cc}
}

// ModelInfer calls the ModelInfer method.
func (c *InferenceClient) ModelInfer(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, ModelInferMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// RegisterRoutes adds the REST inference routes to mux:
//
//	POST /v2/models/{model}/infer
//	POST /v2/models/{model}/versions/{version}/infer
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	const route = "/v2/models/infer"
	infer := middleware.RequestID(middleware.Metrics(route, http.HandlerFunc(h.serveInfer)))
	mux.Handle("POST /v2/models/{model}/infer", infer)
	mux.Handle("POST /v2/models/{model}/versions/{version}/infer", infer)
}

func (h *Handler) serveInfer(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&body); err != nil {
		writeError(w, invalidArgumentError("malformed JSON body: %v", err))
		return
	}

	out, err := h.infer(r.Context(), body, r.PathValue("model"), r.PathValue("version"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func writeError(w http.ResponseWriter, err error) {
	st := status.Convert(err)
	writeJSON(w, httpStatus(st.Code()), map[string]any{"error": st.Message()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		logger.Log.Error("encoding response failed", "error", err)
		code = http.StatusInternalServerError
		body, _ = json.Marshal(map[string]any{"error": "encoding response: " + err.Error()})
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if _, err := w.Write(append(body, '\n')); err != nil {
		logger.Log.Warn("writing response failed", "error", err)
	}
}

var _ InferenceServer = (*Handler)(nil)
