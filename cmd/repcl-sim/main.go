// Command repcl-sim drives an in-process multi-node RepCL simulation over
// a star-topology CSMA channel, replaying the periodic send/receive
// workload described in SPEC_FULL.md §4. It writes a hash-chained JSONL
// trace of every clock transition and exits once the simulated duration
// elapses.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/repcl/repcl/internal/config"
	"github.com/repcl/repcl/internal/sim"
	"github.com/repcl/repcl/internal/telemetry"
)

func main() {
	configPath := flag.String("config", "/etc/repcl/sim.yaml", "path to the RepCL simulator YAML configuration file")
	tracePath := flag.String("trace-path", "./repcl-sim.trace.jsonl", "path to the hash-chained JSONL trace file")
	duration := flag.Duration("duration", 10*time.Second, "simulated duration to run before exiting")
	dataRate := flag.Uint64("data-rate", 10_000_000, "simulated channel data rate in bits per second")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "repcl-sim: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("configuration loaded",
		slog.String("config_path", *configPath),
		slog.Uint64("num_procs", uint64(cfg.Clock.NumProcs)),
		slog.Uint64("delta_ms", uint64(cfg.Delta)),
		slog.Uint64("alpha_ms", uint64(cfg.Alpha)),
		slog.Duration("duration", *duration),
	)

	tracer, err := telemetry.Open(*tracePath)
	if err != nil {
		logger.Error("failed to open trace file", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := tracer.Close(); err != nil {
			logger.Warn("error closing trace", slog.Any("error", err))
		}
	}()

	clockCfg := cfg.Clock.ToClockConfig()

	sched := sim.NewScheduler()
	deltaPerHop := time.Duration(cfg.Delta) * time.Millisecond / time.Duration(clockCfg.NumProcs)
	channel := sim.NewChannel(sched, *dataRate, deltaPerHop)
	alpha := time.Duration(cfg.Alpha) * time.Millisecond

	topology := sim.NewStar(sched, channel, clockCfg, alpha, cfg.Delta, tracer, logger)

	logger.Info("starting simulation", slog.Int("node_count", len(topology.Nodes)))
	topology.Start()
	sched.Run(*duration)

	logger.Info("simulation complete",
		slog.Duration("simulated_time", sched.Now()),
		slog.String("trace_path", *tracePath),
	)
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
