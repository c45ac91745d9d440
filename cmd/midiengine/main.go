// Command midiengine serves the reference engine over stdin and stdout for
// hosts configured with engine.mode=remote.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/loqalabs/loqa-midi/internal/engine/reference"
	"github.com/loqalabs/loqa-midi/internal/engine/remote"
	"github.com/loqalabs/loqa-midi/internal/telemetry"
)

func main() {
	level := flag.String("log-level", "warn", "Log level for diagnostics on stderr")
	flag.Parse()

	// stdout carries protocol frames; diagnostics go to stderr.
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: telemetry.ParseLevel(*level)}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := remote.Serve(ctx, os.Stdin, os.Stdout, reference.New, logger); err != nil {
		logger.Error("engine helper failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
