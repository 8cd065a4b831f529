// cmd/server/main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/SyedDaiam9101/triton-bridge/internal/cache"
	"github.com/SyedDaiam9101/triton-bridge/internal/config"
	"github.com/SyedDaiam9101/triton-bridge/internal/handler"
	"github.com/SyedDaiam9101/triton-bridge/internal/inference"
	"github.com/SyedDaiam9101/triton-bridge/internal/logger"
	"github.com/SyedDaiam9101/triton-bridge/internal/metrics"
	"github.com/SyedDaiam9101/triton-bridge/internal/middleware"
)

const serviceName = "triton-bridge"

func main() {
	port := flag.Int("port", 0, "gRPC server port (default: 50051)")
	metricsPort := flag.Int("metrics", 0, "HTTP port for metrics, health and REST inference (default: 9100)")
	engineName := flag.String("engine", "", "Engine to serve from: sim or triton (default: sim)")
	repository := flag.String("models", "", "Model repository directory (default: models)")
	redisAddr := flag.String("redis", "", "Redis address for the response cache (default: disabled)")
	configFile := flag.String("config", "", "Path to config file (optional)")
	flag.Parse()

	overrides := map[string]any{}
	if *port > 0 {
		overrides["port"] = *port
	}
	if *metricsPort > 0 {
		overrides["metrics_port"] = *metricsPort
	}
	if *engineName != "" {
		overrides["engine"] = *engineName
	}
	if *repository != "" {
		overrides["model_repository"] = *repository
	}
	if *redisAddr != "" {
		overrides["redis"] = *redisAddr
	}

	var (
		cfg *config.Config
		err error
	)
	if *configFile != "" {
		cfg, err = config.LoadWithConfigFile(*configFile, overrides)
	} else {
		cfg, err = config.Load(overrides)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	logger.Setup(cfg.LogLevel, cfg.LogFormat)
	if err := cfg.Validate(); err != nil {
		logger.Log.Fatal("invalid configuration", "error", err)
	}

	logger.Log.Info("starting "+serviceName,
		"port", cfg.Port,
		"metrics_port", cfg.MetricsPort,
		"engine", cfg.Engine,
		"model_repository", cfg.ModelRepository,
		"redis", cfg.Redis,
		"otel", cfg.OTELEnabled)

	var tracerShutdown func(context.Context) error
	if cfg.OTELEnabled {
		tracerShutdown, err = initTracer(cfg.OTELEndpoint)
		if err != nil {
			logger.Log.Warn("failed to initialize tracer", "error", err)
		} else {
			logger.Log.Info("OpenTelemetry tracing enabled", "endpoint", cfg.OTELEndpoint)
		}
	}

	rt, err := openEngine(cfg)
	if err != nil {
		logger.Log.Fatal("failed to open engine", "engine", cfg.Engine, "error", err)
	}

	bridgeEngine, err := inference.NewBridge(rt.api, rt.server, rt.options...)
	if err != nil {
		rt.close()
		logger.Log.Fatal("failed to create inference bridge", "error", err)
	}
	var engine inference.Engine = bridgeEngine

	// Response cache (optional)
	var cacheClient *cache.Cache
	if cfg.Redis != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		cacheClient, err = cache.New(ctx, cfg.Redis)
		cancel()
		if err != nil {
			logger.Log.Warn("failed to connect to Redis, continuing without cache", "error", err)
		} else {
			engine = cache.NewEngine(engine, cacheClient, cfg.CacheTTL)
			logger.Log.Info("response cache enabled", "redis", cfg.Redis, "ttl", cfg.CacheTTL.String())
		}
	}

	h := handler.New(engine, cfg.RequestTimeout)
	healthServer := health.NewServer()
	httpServer := startHTTPServer(cfg.MetricsPort, healthServer, rt.ready, h)

	interceptors := []grpc.UnaryServerInterceptor{
		middleware.UnaryRequestIDInterceptor(),
		middleware.UnaryMetricsInterceptor(),
	}
	var serverOpts []grpc.ServerOption
	if cfg.OTELEnabled {
		serverOpts = append(serverOpts, grpc.StatsHandler(otelgrpc.NewServerHandler()))
	}
	serverOpts = append(serverOpts, grpc.ChainUnaryInterceptor(interceptors...))
	grpcServer := grpc.NewServer(serverOpts...)

	handler.Register(grpcServer, h)
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)

	addr := fmt.Sprintf(":%d", cfg.Port)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Log.Fatal("failed to listen", "addr", addr, "error", err)
	}

	healthServer.SetServingStatus(serviceName, healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	metrics.SetHealthy()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Log.Info("shutting down gracefully", "signal", sig.String())

		healthServer.SetServingStatus(serviceName, healthpb.HealthCheckResponse_NOT_SERVING)
		healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
		metrics.SetUnhealthy()

		// Give load balancers time to see the unhealthy status
		time.Sleep(5 * time.Second)

		grpcServer.GracefulStop()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			logger.Log.Warn("HTTP shutdown failed", "error", err)
		}
		if tracerShutdown != nil {
			if err := tracerShutdown(ctx); err != nil {
				logger.Log.Warn("tracer shutdown failed", "error", err)
			}
		}
	}()

	logger.Log.Info("gRPC server listening", "addr", addr, "service", handler.ServiceName)
	if err := grpcServer.Serve(lis); err != nil {
		logger.Log.Fatal("failed to serve", "error", err)
	}

	// The executor goes first so waiters see a channel error rather than a
	// response from a deleted server.
	if err := engine.Close(); err != nil {
		logger.Log.Warn("closing inference bridge failed", "error", err)
	}
	if cacheClient != nil {
		cacheClient.Close()
	}
	if err := rt.close(); err != nil {
		logger.Log.Warn("closing engine failed", "error", err)
	}
	logger.Log.Info("server shutdown complete")
}

func startHTTPServer(port int, healthServer *health.Server, ready func() bool, h *handler.Handler) *http.Server {
	mux := http.NewServeMux()

	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		resp, err := healthServer.Check(r.Context(), &healthpb.HealthCheckRequest{})
		if err != nil || resp.Status != healthpb.HealthCheckResponse_SERVING {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("Service Unavailable"))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Ready once serving and the engine reports ready
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		resp, err := healthServer.Check(r.Context(), &healthpb.HealthCheckRequest{})
		if err != nil || resp.Status != healthpb.HealthCheckResponse_SERVING || !ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("Not Ready"))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("Ready"))
	})

	h.RegisterRoutes(mux)

	addr := fmt.Sprintf(":%d", port)
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Log.Info("HTTP server listening", "addr", addr, "serves", "metrics, health, REST inference")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.Error("HTTP server error", "error", err)
		}
	}()

	return server
}

func initTracer(endpoint string) (func(context.Context) error, error) {
	// Spans go to stdout; an OTLP exporter is not part of this build
	if endpoint != "" {
		logger.Log.Info("using stdout trace exporter", "otlp_endpoint", endpoint)
	}
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion("1.0.0"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}
