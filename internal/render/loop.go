package render

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/loqalabs/loqa-midi/internal/engine"
)

// Stats summarizes one Render call.
type Stats struct {
	Blocks     int64
	Frames     int64
	Bytes      int64
	Chunks     int64
	FinalState engine.State
	Elapsed    time.Duration
}

// RenderBlock renders exactly one block. It is valid while paused, in which
// case the engine re-emits the previous block without moving. The returned
// slice is reused by the next call.
func (s *Session) RenderBlock() ([]int16, error) {
	if err := s.usable(); err != nil {
		return nil, err
	}
	s.started = true
	n, err := s.stream.Render(s.block, s.cfg.BlockFrames)
	if err != nil {
		return nil, fmt.Errorf("render audio: %w", err)
	}
	if n != s.cfg.BlockFrames {
		return nil, fmt.Errorf("%w: only %d out of %d frames rendered", ErrShortRender, n, s.cfg.BlockFrames)
	}
	return s.block, nil
}

// Render drives the engine until it reports STOPPED, writing aggregated PCM
// chunks to w with one Write per chunk. Whole blocks still buffered at a
// normal stop are flushed; on failure they are discarded.
func (s *Session) Render(ctx context.Context, w io.Writer) (Stats, error) {
	ctx, span := tracer.Start(ctx, "render.session",
		trace.WithAttributes(attribute.String("midi.file", s.name)))
	defer span.End()

	start := time.Now()
	stats, err := s.render(ctx, w)
	stats.Elapsed = time.Since(start)

	span.SetAttributes(
		attribute.Int64("render.blocks", stats.Blocks),
		attribute.Int64("render.bytes", stats.Bytes),
		attribute.String("render.final_state", stats.FinalState.String()),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	loadInstruments(s.log).record(ctx, stats, err)

	s.log.Debug("render loop finished",
		slog.Int64("blocks", stats.Blocks),
		slog.Int64("bytes", stats.Bytes),
		slog.String("state", stats.FinalState.String()),
		slog.Duration("elapsed", stats.Elapsed))
	return stats, err
}

func (s *Session) render(ctx context.Context, w io.Writer) (Stats, error) {
	stats := Stats{FinalState: engine.StatePreparing}
	if err := s.usable(); err != nil {
		return stats, err
	}
	s.agg.Reset()

	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		state, err := s.State()
		if err != nil {
			return stats, err
		}
		stats.FinalState = state

		switch state {
		case engine.StateStopped:
			err := s.flush(w, &stats)
			return stats, err
		case engine.StateError:
			return stats, ErrEngineFault
		case engine.StatePaused:
			return stats, ErrPaused
		}

		block, err := s.RenderBlock()
		if err != nil {
			return stats, err
		}
		stats.Blocks++
		stats.Frames += int64(s.cfg.BlockFrames)

		full, err := s.agg.Append(block)
		if err != nil {
			return stats, err
		}
		if full {
			if err := s.flush(w, &stats); err != nil {
				return stats, err
			}
		}
	}
}

func (s *Session) flush(w io.Writer, stats *Stats) error {
	chunk := s.agg.Bytes()
	if len(chunk) == 0 {
		return nil
	}
	n, err := w.Write(chunk)
	s.agg.Reset()
	stats.Bytes += int64(n)
	if err != nil {
		return fmt.Errorf("write pcm: %w", err)
	}
	if n != len(chunk) {
		return fmt.Errorf("write pcm: %w", io.ErrShortWrite)
	}
	stats.Chunks++
	return nil
}
