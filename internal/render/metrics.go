package render

import (
	"context"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/loqalabs/loqa-midi/render"

var tracer = otel.Tracer(instrumentationName)

type instruments struct {
	blocks   metric.Int64Counter
	bytes    metric.Int64Counter
	failures metric.Int64Counter
}

var (
	instrumentsOnce sync.Once
	sharedInstr     *instruments
)

func loadInstruments(log *slog.Logger) *instruments {
	instrumentsOnce.Do(func() {
		sharedInstr = &instruments{}
		meter := otel.Meter(instrumentationName)
		var err error
		if sharedInstr.blocks, err = meter.Int64Counter("loqa.midi.render.blocks",
			metric.WithDescription("Rendered PCM blocks")); err != nil {
			log.Warn("failed to create blocks counter", slogError(err))
		}
		if sharedInstr.bytes, err = meter.Int64Counter("loqa.midi.render.bytes",
			metric.WithDescription("PCM bytes written to sinks"), metric.WithUnit("By")); err != nil {
			log.Warn("failed to create bytes counter", slogError(err))
		}
		if sharedInstr.failures, err = meter.Int64Counter("loqa.midi.render.failures",
			metric.WithDescription("Render loops that ended in an error")); err != nil {
			log.Warn("failed to create failures counter", slogError(err))
		}
	})
	return sharedInstr
}

func (i *instruments) record(ctx context.Context, stats Stats, err error) {
	attrs := metric.WithAttributes(attribute.String("final_state", stats.FinalState.String()))
	if i.blocks != nil {
		i.blocks.Add(ctx, stats.Blocks, attrs)
	}
	if i.bytes != nil {
		i.bytes.Add(ctx, stats.Bytes, attrs)
	}
	if err != nil && i.failures != nil {
		i.failures.Add(ctx, 1, attrs)
	}
}
