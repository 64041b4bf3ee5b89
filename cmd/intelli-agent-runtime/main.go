package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/aws-samples/Intelli-Agent-sub000/internal/config"
	"github.com/aws-samples/Intelli-Agent-sub000/internal/observability/logging"
	"github.com/aws-samples/Intelli-Agent-sub000/internal/observability/telemetry"
	"github.com/aws-samples/Intelli-Agent-sub000/internal/runtime/connection"
	"github.com/aws-samples/Intelli-Agent-sub000/internal/runtime/delivery"
	"github.com/aws-samples/Intelli-Agent-sub000/internal/runtime/pipeline"
	"github.com/aws-samples/Intelli-Agent-sub000/internal/runtime/stores"
	wsedge "github.com/aws-samples/Intelli-Agent-sub000/transports/websocket"
)

const (
	shutdownTimeout     = 30 * time.Second
	depthSampleInterval = 15 * time.Second
	pushWriteTimeout    = 10 * time.Second
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr, os.Getenv); err != nil {
		fmt.Fprintf(os.Stderr, "intelli-agent-runtime: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout io.Writer, stderr io.Writer, getenv func(string) string) error {
	if len(args) == 0 {
		printUsage(stdout)
		return fmt.Errorf("command is required")
	}

	switch args[0] {
	case "serve", "worker", "edge":
	case "help", "-h", "--help":
		printUsage(stdout)
		return nil
	default:
		printUsage(stdout)
		return fmt.Errorf("unsupported command %q", args[0])
	}

	cfg, err := config.RuntimeConfigFromEnv(getenv)
	if err != nil {
		return err
	}
	logging.Configure(stderr, cfg.LogLevel)

	cleanupTelemetry, err := setupRuntimeTelemetry(getenv)
	if err != nil {
		return err
	}
	defer cleanupTelemetry()

	switch args[0] {
	case "serve":
		return runServe(ctx, args[1:], stdout, cfg)
	case "edge":
		return runEdge(ctx, args[1:], stdout, cfg)
	default:
		return runWorker(ctx, args[1:], cfg)
	}
}

func setupRuntimeTelemetry(getenv func(string) string) (func(), error) {
	previous := telemetry.DefaultEmitter()

	tp, err := telemetry.NewPipelineFromEnv(getenv, logging.New("telemetry"))
	if err != nil {
		return nil, fmt.Errorf("runtime telemetry setup failed: %w", err)
	}
	if tp == nil {
		return func() {
			telemetry.SetDefaultEmitter(previous)
		}, nil
	}

	telemetry.SetDefaultEmitter(tp)
	return func() {
		_ = tp.Close()
		telemetry.SetDefaultEmitter(previous)
	}, nil
}

func supervisorConfig(cfg config.RuntimeConfig) pipeline.Config {
	return pipeline.Config{
		StageTimeout:        cfg.StageTimeout,
		RetryBase:           cfg.RetryBase,
		RetryMax:            cfg.RetryMax,
		MaxAgentIterations:  cfg.MaxAgentIterations,
		Lanes:               cfg.Lanes,
		LaneCapacity:        cfg.LaneQueueCapacity,
		DepthSampleInterval: depthSampleInterval,
	}
}

// runServe hosts the websocket edge and the supervisor in one process. Connections live in
// this process, so frames are pushed through the in-process hub.
func runServe(ctx context.Context, args []string, stdout io.Writer, cfg config.RuntimeConfig) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	addr := fs.String("addr", cfg.ListenAddr, "listen address")
	path := fs.String("path", "/ws", "websocket path")
	origins := fs.String("origins", "", "comma-separated allowed origin patterns")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if cfg.Backend == config.BackendAWS {
		return fmt.Errorf("serve keeps connections in-process; run edge and worker behind API Gateway for the aws backend")
	}

	logger := logging.New("runtime")
	bundle, err := stores.Open(ctx, cfg, stores.Options{OnDeadLetter: pipeline.DeadLetterObserver(logger)})
	if err != nil {
		return err
	}
	defer func() {
		if err := bundle.Close(); err != nil {
			logger.Warn("close stores failed", "error", err)
		}
	}()

	hub := wsedge.NewHub(pushWriteTimeout)
	sink, err := delivery.NewSink(bundle.Registry, hub, delivery.WithLogger(logging.New("delivery")))
	if err != nil {
		return err
	}
	intake, err := wsedge.NewIntake(bundle.Queue, bundle.Registry, bundle.Stops)
	if err != nil {
		return err
	}
	edge, err := wsedge.NewServer(wsedge.ServerConfig{
		Intake:         intake,
		Registry:       bundle.Registry,
		Hub:            hub,
		Sink:           sink,
		Logger:         logging.New("websocket"),
		OriginPatterns: splitList(*origins),
	})
	if err != nil {
		return err
	}
	supervisor, err := pipeline.NewSupervisor(pipeline.Deps{
		Queue:  bundle.Queue,
		Stages: bundle.Stages,
		Stops:  bundle.Stops,
		Ledger: bundle.Ledger,
		Sink:   sink,
	}, supervisorConfig(cfg), pipeline.WithLogger(logging.New("supervisor")))
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle(*path, edge)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "ok\n")
	})
	listener, err := net.Listen("tcp", *addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", *addr, err)
	}
	httpServer := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	supervisorDone := make(chan struct{})
	go func() {
		defer close(supervisorDone)
		if err := supervisor.Run(runCtx); err != nil {
			errs <- fmt.Errorf("supervisor: %w", err)
		}
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- fmt.Errorf("http server: %w", err)
		}
	}()
	if registry, ok := bundle.Registry.(*connection.MemoryRegistry); ok {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pruneIdle(runCtx, registry, hub, cfg.ConnectionIdle, logger)
		}()
	}

	fmt.Fprintf(stdout, "listening on %s%s\n", listener.Addr().String(), *path)
	logger.Info("runtime serving", "addr", listener.Addr().String(), "backend", string(cfg.Backend), "stage_mode", string(cfg.StageMode))

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errs:
	}

	// in-flight runs finish streaming before sockets close
	cancel()
	<-supervisorDone
	shutdownCtx, cancelShutdown := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancelShutdown()
	hub.Close()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown failed", "error", err)
	}
	wg.Wait()
	logger.Info("runtime stopped")
	return runErr
}

// runWorker runs only the supervisor. Frames leave through API Gateway.
func runWorker(ctx context.Context, args []string, cfg config.RuntimeConfig) error {
	fs := flag.NewFlagSet("worker", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	if err := fs.Parse(args); err != nil {
		return err
	}

	logger := logging.New("runtime")
	bundle, err := stores.Open(ctx, cfg, stores.Options{OnDeadLetter: pipeline.DeadLetterObserver(logger)})
	if err != nil {
		return err
	}
	defer func() {
		if err := bundle.Close(); err != nil {
			logger.Warn("close stores failed", "error", err)
		}
	}()
	if bundle.Pusher == nil {
		return fmt.Errorf("worker requires the aws backend with %s set", config.EnvAPIGatewayEndpoint)
	}

	sink, err := delivery.NewSink(bundle.Registry, bundle.Pusher, delivery.WithLogger(logging.New("delivery")))
	if err != nil {
		return err
	}
	supervisor, err := pipeline.NewSupervisor(pipeline.Deps{
		Queue:  bundle.Queue,
		Stages: bundle.Stages,
		Stops:  bundle.Stops,
		Ledger: bundle.Ledger,
		Sink:   sink,
	}, supervisorConfig(cfg), pipeline.WithLogger(logging.New("supervisor")))
	if err != nil {
		return err
	}
	logger.Info("worker started", "lanes", cfg.Lanes, "stage_mode", string(cfg.StageMode))
	return supervisor.Run(ctx)
}

// runEdge serves the API Gateway websocket integration. API Gateway holds the sockets; this
// process maps $connect, $default and $disconnect onto the shared registry and queue.
func runEdge(ctx context.Context, args []string, stdout io.Writer, cfg config.RuntimeConfig) error {
	fs := flag.NewFlagSet("edge", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	addr := fs.String("addr", cfg.ListenAddr, "listen address")
	prefix := fs.String("prefix", "/apigw", "path prefix of the integration routes")
	if err := fs.Parse(args); err != nil {
		return err
	}

	logger := logging.New("runtime")
	bundle, err := stores.Open(ctx, cfg, stores.Options{SkipStages: true})
	if err != nil {
		return err
	}
	defer func() {
		if err := bundle.Close(); err != nil {
			logger.Warn("close stores failed", "error", err)
		}
	}()
	if bundle.Pusher == nil {
		return fmt.Errorf("edge requires the aws backend with %s set", config.EnvAPIGatewayEndpoint)
	}

	sink, err := delivery.NewSink(bundle.Registry, bundle.Pusher, delivery.WithLogger(logging.New("delivery")))
	if err != nil {
		return err
	}
	intake, err := wsedge.NewIntake(bundle.Queue, bundle.Registry, bundle.Stops)
	if err != nil {
		return err
	}
	gateway, err := wsedge.NewGateway(wsedge.GatewayConfig{
		Intake:   intake,
		Registry: bundle.Registry,
		Sink:     sink,
		Logger:   logging.New("apigw"),
	})
	if err != nil {
		return err
	}

	base := "/" + strings.Trim(*prefix, "/")
	mux := http.NewServeMux()
	mux.Handle(base+"/", http.StripPrefix(base, gateway))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "ok\n")
	})
	listener, err := net.Listen("tcp", *addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", *addr, err)
	}
	httpServer := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	errs := make(chan error, 1)
	go func() {
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- fmt.Errorf("http server: %w", err)
		}
	}()
	fmt.Fprintf(stdout, "listening on %s%s\n", listener.Addr().String(), base)
	logger.Info("edge serving", "addr", listener.Addr().String(), "prefix", base)

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errs:
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown failed", "error", err)
	}
	logger.Info("edge stopped")
	return runErr
}

func pruneIdle(ctx context.Context, registry *connection.MemoryRegistry, hub *wsedge.Hub, idle time.Duration, logger *slog.Logger) {
	interval := idle / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, id := range registry.PruneIdle(now, idle) {
				hub.Evict(id, "idle timeout")
				logger.Info("idle connection pruned", "connection_id", id)
			}
		}
	}
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "intelli-agent-runtime usage:")
	fmt.Fprintln(w, "  intelli-agent-runtime serve [-addr :8080] [-path /ws] [-origins host1,host2]")
	fmt.Fprintln(w, "      websocket edge and pipeline supervisor in one process (memory or sqlite backend)")
	fmt.Fprintln(w, "  intelli-agent-runtime edge [-addr :8080] [-prefix /apigw]")
	fmt.Fprintln(w, "      API Gateway websocket integration: POST <prefix>/connect, /message, /disconnect (aws backend)")
	fmt.Fprintln(w, "  intelli-agent-runtime worker")
	fmt.Fprintln(w, "      pipeline supervisor only; delivers through API Gateway (aws backend)")
	fmt.Fprintln(w, "  intelli-agent-runtime help")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "configuration is read from INTELLI_* environment variables")
}
