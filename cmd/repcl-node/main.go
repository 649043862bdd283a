// Command repcl-node is the RepCL node binary. It loads a YAML
// configuration file, runs one ReplayClock against either a real network
// peer list or in isolation, streams telemetry to a collector over gRPC,
// persists it locally, exposes a /healthz liveness endpoint, and shuts down
// gracefully on SIGTERM or SIGINT.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/repcl/repcl/internal/clock"
	"github.com/repcl/repcl/internal/config"
	"github.com/repcl/repcl/internal/node"
	"github.com/repcl/repcl/internal/telemetry"
	"github.com/repcl/repcl/internal/transport"
)

func main() {
	configPath := flag.String("config", "/etc/repcl/node.yaml", "path to the RepCL node YAML configuration file")
	tracePath := flag.String("trace-path", "", "path to the hash-chained JSONL trace file (defaults to <telemetry_path> with a trailing .db replaced by .trace.jsonl)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "repcl-node: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("configuration loaded",
		slog.String("config_path", *configPath),
		slog.Uint64("node_id", uint64(cfg.NodeID)),
		slog.Uint64("num_procs", uint64(cfg.Clock.NumProcs)),
		slog.String("collector_addr", cfg.CollectorAddr),
	)

	clk := clock.New(cfg.NodeID, cfg.Clock.ToClockConfig())

	if *tracePath == "" {
		*tracePath = strings.TrimSuffix(cfg.TelemetryPath, ".db") + ".trace.jsonl"
	}
	tracer, err := telemetry.Open(*tracePath)
	if err != nil {
		logger.Error("failed to open trace file", slog.Any("error", err))
		os.Exit(1)
	}

	sink, err := telemetry.OpenSQLiteSink(cfg.TelemetryPath)
	if err != nil {
		logger.Error("failed to open telemetry sink", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("telemetry sink opened", slog.String("path", cfg.TelemetryPath))

	var localAddr string
	if int(cfg.NodeID) < len(cfg.Peers) {
		localAddr = cfg.Peers[cfg.NodeID]
	}
	if localAddr == "" {
		localAddr = fmt.Sprintf("node-%d", cfg.NodeID)
	}

	var opts []node.Option
	opts = append(opts, node.WithTracer(tracer), node.WithSink(sink))

	if len(cfg.Peers) > 1 {
		link, err := newUDPPeerLink(localAddr, cfg.Peers, cfg.NodeID, logger)
		if err != nil {
			logger.Error("failed to bind peer link", slog.Any("error", err))
			os.Exit(1)
		}
		opts = append(opts, node.WithReceiver(link), node.WithPeerBroadcaster(link))
		logger.Info("peer link bound", slog.String("local_addr", localAddr), slog.Int("peer_count", len(cfg.Peers)-1))
	} else {
		logger.Warn("no peers configured; node runs in isolation")
	}

	var grpcTransport *transport.GRPCTransport
	if cfg.CollectorAddr != "" {
		grpcTransport = transport.New(transport.Config{
			CollectorAddr: cfg.CollectorAddr,
			NodeID:        fmt.Sprintf("node-%d", cfg.NodeID),
			Platform:      runtime.GOOS + "/" + runtime.GOARCH,
		}, localAddr, logger)
		opts = append(opts, node.WithTransport(grpcTransport))
	} else {
		logger.Warn("no collector_addr configured; telemetry stays local")
	}

	alpha := time.Duration(cfg.Alpha) * time.Millisecond
	n := node.New(clk, localAddr, alpha, cfg.Delta, logger, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := n.Start(ctx); err != nil {
		logger.Error("failed to start node", slog.Any("error", err))
		os.Exit(1)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", n.HealthzHandler)
	healthServer := &http.Server{
		Addr:         cfg.HealthAddr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("healthz server listening", slog.String("addr", cfg.HealthAddr))
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("healthz server error", slog.Any("error", err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh

	logger.Info("received shutdown signal", slog.String("signal", sig.String()))

	n.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("healthz server shutdown error", slog.Any("error", err))
	}

	logger.Info("repcl node exited cleanly")
}

// newLogger constructs a *slog.Logger that writes JSON-structured log
// records to stderr at the requested minimum level.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
