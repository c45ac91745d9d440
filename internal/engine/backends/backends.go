// Package backends selects the engine implementation from configuration.
package backends

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/loqalabs/loqa-midi/internal/config"
	"github.com/loqalabs/loqa-midi/internal/engine"
	"github.com/loqalabs/loqa-midi/internal/engine/reference"
	"github.com/loqalabs/loqa-midi/internal/engine/remote"
	"github.com/loqalabs/loqa-midi/internal/engine/wasm"
)

// Backend is a configured engine factory and whatever it holds open.
type Backend struct {
	Mode    string
	Factory engine.Factory
	closer  func(context.Context) error
}

// New builds the backend named by cfg.Mode.
func New(ctx context.Context, cfg config.EngineConfig, log *slog.Logger) (*Backend, error) {
	switch cfg.Mode {
	case "", "reference":
		return &Backend{Mode: "reference", Factory: reference.New}, nil
	case "remote":
		factory, err := remote.NewExecFactory(cfg.Command, log)
		if err != nil {
			return nil, err
		}
		return &Backend{Mode: cfg.Mode, Factory: factory}, nil
	case "wasm":
		rt, err := wasm.Load(ctx, cfg.Module, log)
		if err != nil {
			return nil, fmt.Errorf("load wasm engine: %w", err)
		}
		return &Backend{Mode: cfg.Mode, Factory: rt.Factory(), closer: rt.Close}, nil
	default:
		return nil, fmt.Errorf("unsupported engine mode %q", cfg.Mode)
	}
}

// Close releases backend resources. Engines created by the factory must be
// shut down first.
func (b *Backend) Close(ctx context.Context) error {
	if b == nil || b.closer == nil {
		return nil
	}
	return b.closer(ctx)
}
