package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/loqalabs/loqa-midi/internal/config"
	"github.com/loqalabs/loqa-midi/internal/protocol"
	"github.com/loqalabs/loqa-midi/internal/runtime"
	"github.com/loqalabs/loqa-midi/internal/telemetry"
)

var version = "0.1.0-dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	var (
		configPath  string
		check       bool
		showVersion bool
	)
	fs := flag.NewFlagSet("midirenderd", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintln(stderr, "usage: midirenderd [-config path] [-check] [-version]")
		fmt.Fprintln(stderr)
		fmt.Fprintf(stderr, "Serves MIDI render requests from %q and publishes PCM and status on the bus.\n", protocol.SubjectRenderRequest)
		fmt.Fprintln(stderr, "Health, readiness and metrics are served on /healthz, /readyz and /metrics.")
		fmt.Fprintln(stderr)
		fs.PrintDefaults()
	}
	fs.StringVar(&configPath, "config", "loqa-midi.yaml", "Path to configuration file")
	fs.BoolVar(&check, "check", false, "Validate the configuration and exit")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if fs.NArg() > 0 {
		fmt.Fprintf(stderr, "midirenderd: unexpected arguments %v\n", fs.Args())
		fs.Usage()
		return 2
	}

	if showVersion {
		fmt.Fprintf(stdout, "midirenderd %s\n", version)
		return 0
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.New(slog.NewJSONHandler(stdout, nil)).Error("failed to load config",
			slog.String("path", configPath), slog.String("error", err.Error()))
		return 1
	}
	if check {
		fmt.Fprintf(stdout, "%s: ok (engine %s, http %s:%d)\n", configPath, cfg.Engine.Mode, cfg.HTTP.Bind, cfg.HTTP.Port)
		return 0
	}

	logger := slog.New(slog.NewJSONHandler(stdout, &slog.HandlerOptions{Level: telemetry.ParseLevel(cfg.Telemetry.LogLevel)})).
		With(slog.String("runtime", cfg.RuntimeName), slog.String("version", version))
	if err := runtime.New(cfg, logger).Start(ctx); err != nil {
		logger.Error("render daemon exited with error", slog.String("error", err.Error()))
		return 1
	}
	logger.Info("shutdown complete")
	return 0
}
