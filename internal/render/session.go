package render

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/loqalabs/loqa-midi/internal/engine"
	"github.com/loqalabs/loqa-midi/internal/source"
)

var (
	ErrShortRender      = errors.New("short render")
	ErrEngineFault      = errors.New("engine reported error state")
	ErrPaused           = errors.New("stream is paused")
	ErrSeekRejected     = errors.New("seek rejected")
	ErrSeekMismatch     = errors.New("seek position mismatch")
	ErrStreamingStarted = errors.New("streaming already started")
	ErrClosed           = errors.New("session closed")
)

// Source is a random-access source the session owns and closes.
type Source interface {
	engine.Source
	io.Closer
}

// Options configures a session.
type Options struct {
	Reverb            Reverb
	AggregationFactor int
	Logger            *slog.Logger
}

// Session owns one source, one engine data handle and one stream. It is not
// safe for concurrent use.
type Session struct {
	name    string
	log     *slog.Logger
	src     Source
	eng     engine.Engine
	stream  engine.Stream
	cfg     engine.Config
	block   []int16
	agg     *Aggregator
	started bool
	closed  bool
}

// Open opens path and prepares a session over it. On failure every resource
// acquired so far is released and the returned error also carries any
// teardown failures.
func Open(ctx context.Context, path string, factory engine.Factory, opts Options) (*Session, error) {
	if err := opts.Reverb.Validate(); err != nil {
		return nil, err
	}
	src, err := source.Open(path)
	if err != nil {
		return nil, err
	}
	return OpenSource(ctx, path, src, factory, opts)
}

// OpenSource prepares a session over an already opened source, taking
// ownership of it.
func OpenSource(ctx context.Context, name string, src Source, factory engine.Factory, opts Options) (*Session, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &Session{
		name: name,
		log:  logger.With(slog.String("component", "render-session"), slog.String("file", name)),
		src:  src,
	}
	if err := opts.Reverb.Validate(); err != nil {
		return nil, s.abort(err)
	}

	eng, err := factory(ctx)
	if err != nil {
		return nil, s.abort(fmt.Errorf("initialize synthesizer library: %w", err))
	}
	if eng == nil {
		return nil, s.abort(errors.New("initialize synthesizer library: no data handle"))
	}
	s.eng = eng

	if err := applyReverb(eng, opts.Reverb); err != nil {
		return nil, s.abort(err)
	}

	stream, err := eng.OpenStream(src)
	if err != nil {
		return nil, s.abort(fmt.Errorf("open stream: %w", err))
	}
	if stream == nil {
		return nil, s.abort(errors.New("open stream: no stream handle"))
	}
	s.stream = stream

	if err := stream.Prepare(); err != nil {
		return nil, s.abort(fmt.Errorf("prepare stream: %w", err))
	}

	cfg, err := eng.Config()
	if err != nil {
		return nil, s.abort(fmt.Errorf("query engine configuration: %w", err))
	}
	if err := cfg.Validate(); err != nil {
		return nil, s.abort(fmt.Errorf("engine configuration: %w", err))
	}
	s.cfg = cfg
	s.block = make([]int16, cfg.BlockSamples())
	s.agg = NewAggregator(cfg, opts.AggregationFactor)

	s.log.Debug("session prepared",
		slog.Int("block_frames", cfg.BlockFrames),
		slog.Int("channels", cfg.Channels),
		slog.Int("sample_rate", cfg.SampleRate),
		slog.Int("chunk_bytes", s.agg.Capacity()))
	return s, nil
}

func (s *Session) abort(err error) error {
	return errors.Join(err, s.Close())
}

// Close releases the stream, the engine and the source, in that order. Each
// step runs iff its resource was acquired, regardless of earlier failures.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	var errs []error
	if s.stream != nil {
		if err := s.stream.Close(); err != nil {
			s.log.Warn("failed to close stream", slogError(err))
			errs = append(errs, fmt.Errorf("close stream: %w", err))
		}
		s.stream = nil
	}
	if s.eng != nil {
		if err := s.eng.Shutdown(); err != nil {
			s.log.Warn("failed to shut down engine", slogError(err))
			errs = append(errs, fmt.Errorf("shut down engine: %w", err))
		}
		s.eng = nil
	}
	if s.src != nil {
		if err := s.src.Close(); err != nil {
			s.log.Warn("failed to close source", slogError(err))
			errs = append(errs, fmt.Errorf("close source: %w", err))
		}
		s.src = nil
	}
	return errors.Join(errs...)
}

func (s *Session) usable() error {
	if s.closed || s.stream == nil {
		return ErrClosed
	}
	return nil
}

// Config returns the engine output configuration.
func (s *Session) Config() engine.Config { return s.cfg }

// Name returns the path or label the session was opened with.
func (s *Session) Name() string { return s.name }

// ConfigureReverb re-applies reverb settings. It must run before the first
// render.
func (s *Session) ConfigureReverb(r Reverb) error {
	if err := s.usable(); err != nil {
		return err
	}
	if s.started {
		return ErrStreamingStarted
	}
	if err := r.Validate(); err != nil {
		return err
	}
	return applyReverb(s.eng, r)
}

// State polls the engine for the playback state.
func (s *Session) State() (engine.State, error) {
	if err := s.usable(); err != nil {
		return engine.StateError, err
	}
	state, err := s.stream.State()
	if err != nil {
		return engine.StateError, fmt.Errorf("query state: %w", err)
	}
	return state, nil
}

// Seek moves playback to ms and requires the engine to report exactly ms
// afterwards.
func (s *Session) Seek(ms int32) error {
	if err := s.usable(); err != nil {
		return err
	}
	if err := s.stream.Locate(ms, false); err != nil {
		return fmt.Errorf("%w: %d ms: %w", ErrSeekRejected, ms, err)
	}
	got, err := s.stream.Location()
	if err != nil {
		return fmt.Errorf("query location after seek: %w", err)
	}
	if got != ms {
		return fmt.Errorf("%w: requested %d ms, engine at %d ms", ErrSeekMismatch, ms, got)
	}
	s.log.Debug("seek", slog.Int("position_ms", int(ms)))
	return nil
}

// Location returns the playback position in milliseconds.
func (s *Session) Location() (int32, error) {
	if err := s.usable(); err != nil {
		return 0, err
	}
	ms, err := s.stream.Location()
	if err != nil {
		return 0, fmt.Errorf("query location: %w", err)
	}
	return ms, nil
}

// Duration returns the total play time in milliseconds.
func (s *Session) Duration() (int32, error) {
	if err := s.usable(); err != nil {
		return 0, err
	}
	ms, err := s.stream.Duration()
	if err != nil {
		return 0, fmt.Errorf("query duration: %w", err)
	}
	return ms, nil
}

func (s *Session) Pause() error {
	if err := s.usable(); err != nil {
		return err
	}
	if err := s.stream.Pause(); err != nil {
		return fmt.Errorf("pause: %w", err)
	}
	return nil
}

func (s *Session) Resume() error {
	if err := s.usable(); err != nil {
		return err
	}
	if err := s.stream.Resume(); err != nil {
		return fmt.Errorf("resume: %w", err)
	}
	return nil
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
