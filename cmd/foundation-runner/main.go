// Package main implements the foundation plugin runner: a standalone binary
// that executes plugin commands received as JSON over stdio and exits when
// stdin closes or it sits idle past its TTL.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/foundation/pkg/engine"
	"github.com/openfroyo/foundation/pkg/micro_runner/handlers"
	"github.com/openfroyo/foundation/pkg/micro_runner/protocol"
	"github.com/openfroyo/foundation/pkg/micro_runner/runner"
	"github.com/openfroyo/foundation/pkg/telemetry"
)

func main() {
	var (
		selfDelete bool
		ttl        time.Duration
		logLevel   string
		textfile   string
	)
	flag.BoolVar(&selfDelete, "self-delete", false, "remove the runner binary on exit")
	flag.DurationVar(&ttl, "ttl", 10*time.Minute, "exit after this long without a command")
	flag.StringVar(&logLevel, "log-level", envOr("LOG_LEVEL", "warn"), "log level (stderr)")
	flag.StringVar(&textfile, "metrics-textfile", "", "write Prometheus metrics to this file on exit")
	flag.Parse()

	// stdout carries the protocol, so logs go to stderr
	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		level = zerolog.WarnLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	metrics, err := telemetry.NewMetrics(telemetry.MetricsConfig{
		Enabled:      textfile != "",
		Namespace:    "foundation_runner",
		TextfilePath: textfile,
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to create metrics")
		os.Exit(1)
	}

	registry := handlers.NewRegistry(logger, handlers.Options{})
	r := runner.New(logger, registry, os.Stdin, os.Stdout, runner.Config{
		TTL:        ttl,
		SelfDelete: selfDelete,
		Observer:   metricsObserver{metrics: metrics},
	})

	code := r.Serve(ctx)
	if err := metrics.WriteTextfile(textfile); err != nil {
		logger.Warn().Err(err).Msg("failed to write metrics")
	}
	os.Exit(code)
}

// metricsObserver feeds finished commands into the metrics registry.
type metricsObserver struct {
	metrics *telemetry.Metrics
}

func (o metricsObserver) Observe(_ *protocol.CommandMessage, result *engine.Result, duration time.Duration) {
	o.metrics.RecordResult(result, duration)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
