// Agent Runtime Daemon
//
// Standalone host process for the agent runtime: loads configuration,
// assembles the runtime, and bridges stdin/stdout to the root agent and
// the user sink.
//
// Usage:
//
//	agentruntimed                          # Defaults, in-memory
//	agentruntimed -config runtime.toml     # TOML config
//	agentruntimed -dir ./state             # Persist under ./state
//	agentruntimed -otlp localhost:4317     # Export traces
//
// Each stdin line is submitted to the root agent as a user message;
// everything addressed to the user sink is printed to stdout. SIGINT or
// SIGTERM drains in-flight turns and exits.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jeeves-cluster-organization/agentruntime/coreengine/agents"
	"github.com/jeeves-cluster-organization/agentruntime/coreengine/config"
	"github.com/jeeves-cluster-organization/agentruntime/coreengine/envelope"
	"github.com/jeeves-cluster-organization/agentruntime/coreengine/observability"
	"github.com/jeeves-cluster-organization/agentruntime/coreengine/runtime"
)

const version = "1.0.0"

// =============================================================================
// Logger
// =============================================================================

// slogLogger adapts log/slog to the runtime's Logger interfaces.
type slogLogger struct {
	l *slog.Logger
}

func newProcessLogger(level string) *slogLogger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return &slogLogger{l: slog.New(handler)}
}

func (l *slogLogger) Debug(msg string, fields ...any) { l.l.Debug(msg, fields...) }
func (l *slogLogger) Info(msg string, fields ...any)  { l.l.Info(msg, fields...) }
func (l *slogLogger) Warn(msg string, fields ...any)  { l.l.Warn(msg, fields...) }
func (l *slogLogger) Error(msg string, fields ...any) { l.l.Error(msg, fields...) }

func (l *slogLogger) Bind(fields ...any) agents.Logger {
	return &slogLogger{l: l.l.With(fields...)}
}

// =============================================================================
// Main
// =============================================================================

func main() {
	configPath := flag.String("config", "", "path to TOML config file (optional)")
	runtimeDir := flag.String("dir", "", "runtime state directory (overrides config; empty keeps config value)")
	otlpEndpoint := flag.String("otlp", "", "OTLP trace collector endpoint (empty disables tracing)")
	traceSample := flag.Float64("trace-sample", 1.0, "fraction of trace roots to keep")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *runtimeDir != "" {
		cfg.RuntimeDir = *runtimeDir
	}
	config.SetRuntimeConfig(cfg)

	logger := newProcessLogger(cfg.LogLevel)
	logger.Info("agentruntimed_starting",
		"version", version,
		"config", *configPath,
		"runtime_dir", cfg.RuntimeDir,
		"services", len(cfg.Services),
	)

	if *otlpEndpoint != "" {
		stopTracing, err := observability.InitTracerWithConfig(&observability.TracingConfig{
			ServiceName:    "agentruntimed",
			ServiceVersion: version,
			Endpoint:       *otlpEndpoint,
			SampleRatio:    *traceSample,
			Insecure:       true,
		})
		if err != nil {
			logger.Error("tracing_init_failed", "endpoint", *otlpEndpoint, "error", err.Error())
			os.Exit(1)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := stopTracing(ctx); err != nil {
				logger.Warn("tracing_shutdown_failed", "error", err.Error())
			}
		}()
		logger.Info("tracing_enabled", "endpoint", *otlpEndpoint, "sample_ratio", *traceSample)
	}

	rt, err := runtime.New(logger, cfg)
	if err != nil {
		logger.Error("runtime_build_failed", "error", err.Error())
		os.Exit(1)
	}
	if err := rt.Start(); err != nil {
		logger.Error("runtime_start_failed", "error", err.Error())
		os.Exit(1)
	}

	// Handle graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go printUserMessages(rt.UserMessages())
	go readSubmissions(rt, logger)

	fmt.Printf("\nagentruntimed ready (%d agents, %d services)\n",
		len(rt.ListAgents()), len(cfg.Services))
	fmt.Println("Type a message for the root agent; Ctrl+C to stop")

	// Wait for shutdown signal
	sig := <-sigCh
	logger.Info("shutdown_signal_received", "signal", sig.String())

	// The drain budget plus headroom for persistence and loop exits.
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout()+5*time.Second)
	defer cancel()
	report := rt.Shutdown(ctx)

	logger.Info("agentruntimed_stopped",
		"ok", report.OK,
		"pending_messages", report.PendingMessages,
		"duration_ms", report.ShutdownDuration.Milliseconds(),
	)
	if !report.OK {
		os.Exit(1)
	}
}

// =============================================================================
// Stdin / Stdout Bridge
// =============================================================================

// readSubmissions turns stdin lines into root-agent submissions. EOF stops
// intake; the daemon keeps serving until signalled.
func readSubmissions(rt *runtime.Runtime, logger agents.Logger) {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		env, err := rt.Submit(text, nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "submit failed: %v\n", err)
			continue
		}
		logger.Debug("submission_accepted", "envelope_id", env.ID, "task_id", env.TaskID)
	}
	if err := scanner.Err(); err != nil {
		logger.Warn("stdin_read_failed", "error", err.Error())
	}
}

// printUserMessages renders everything addressed to the user sink.
func printUserMessages(stream <-chan *envelope.Envelope) {
	for env := range stream {
		switch env.Kind {
		case envelope.KindError:
			message, _ := env.Payload["message"].(string)
			fmt.Printf("[%s] error %s: %s\n", env.From, env.ErrorType(), message)
		case envelope.KindAbort:
			message, _ := env.Payload["message"].(string)
			fmt.Printf("[%s] aborted: %s\n", env.From, message)
		case envelope.KindToolCall:
			toolName, _ := env.Payload["tool_name"].(string)
			fmt.Printf("[%s] tool %s\n", env.From, toolName)
		default:
			fmt.Printf("[%s] %s\n", env.From, env.Text())
		}
	}
}
