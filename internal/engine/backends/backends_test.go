package backends

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/loqalabs/loqa-midi/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestReferenceBackend(t *testing.T) {
	b, err := New(context.Background(), config.EngineConfig{Mode: "reference"}, newLogger())
	if err != nil {
		t.Fatalf("new backend: %v", err)
	}
	defer b.Close(context.Background())

	eng, err := b.Factory(context.Background())
	if err != nil {
		t.Fatalf("init engine: %v", err)
	}
	cfg, err := eng.Config()
	if err != nil || cfg.SampleRate != 22050 {
		t.Fatalf("unexpected config %+v (%v)", cfg, err)
	}
	if err := eng.Shutdown(); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestRemoteBackendParsesCommand(t *testing.T) {
	b, err := New(context.Background(), config.EngineConfig{Mode: "remote", Command: "midiengine -log-level debug"}, newLogger())
	if err != nil {
		t.Fatalf("new backend: %v", err)
	}
	if b.Mode != "remote" || b.Factory == nil {
		t.Fatalf("unexpected backend %+v", b)
	}
}

func TestBackendErrors(t *testing.T) {
	ctx := context.Background()
	cases := []config.EngineConfig{
		{Mode: "fluidsynth"},
		{Mode: "remote"},
		{Mode: "wasm", Module: filepath.Join(t.TempDir(), "missing.wasm")},
	}
	for _, cfg := range cases {
		if _, err := New(ctx, cfg, newLogger()); err == nil {
			t.Fatalf("expected %+v to fail", cfg)
		}
	}
}

func TestWasmBackend(t *testing.T) {
	ctx := context.Background()
	b, err := New(ctx, config.EngineConfig{Mode: "wasm", Module: "../wasm/testdata/silence.wasm"}, newLogger())
	if err != nil {
		t.Fatalf("new backend: %v", err)
	}
	eng, err := b.Factory(ctx)
	if err != nil {
		t.Fatalf("init engine: %v", err)
	}
	if cfg, err := eng.Config(); err != nil || cfg.BlockFrames != 128 {
		t.Fatalf("unexpected config %+v (%v)", cfg, err)
	}
	if err := eng.Shutdown(); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if err := b.Close(ctx); err != nil {
		t.Fatalf("close backend: %v", err)
	}
}
