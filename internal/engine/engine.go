package engine

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrStreamClosed is returned by stream operations issued after Close.
	ErrStreamClosed = errors.New("engine stream closed")
	// ErrEngineShutdown is returned by engine operations issued after Shutdown.
	ErrEngineShutdown = errors.New("engine shut down")
	// ErrUnsupportedFormat is returned by OpenStream when the container is not recognized.
	ErrUnsupportedFormat = errors.New("unsupported container format")
	// ErrInvalidParameter is returned by SetParameter for unknown parameters or out-of-range values.
	ErrInvalidParameter = errors.New("invalid engine parameter")
	// ErrLocateOutOfRange is returned by Locate when the target lies outside the playable range.
	ErrLocateOutOfRange = errors.New("locate target out of range")
)

// Source is the pull-based read contract an engine uses to fetch file bytes.
// Pull never reads past Size; a short or zero count means end of data or an
// I/O failure, and the engine decides which.
type Source interface {
	Pull(p []byte, offset int64) int
	Size() int64
}

// Config is the engine's fixed output configuration.
type Config struct {
	BlockFrames int // frames produced by one Render call
	Channels    int
	SampleRate  int
}

// BlockSamples is the number of interleaved samples in one block.
func (c Config) BlockSamples() int {
	return c.BlockFrames * c.Channels
}

// BlockBytes is the size of one rendered block as 16-bit PCM.
func (c Config) BlockBytes() int {
	return c.BlockSamples() * SampleWidth
}

// FramesToMillis converts a frame count to milliseconds, truncating.
func (c Config) FramesToMillis(frames int64) int64 {
	if c.SampleRate <= 0 {
		return 0
	}
	return frames * 1000 / int64(c.SampleRate)
}

func (c Config) Validate() error {
	if c.BlockFrames <= 0 {
		return fmt.Errorf("block size must be positive, got %d", c.BlockFrames)
	}
	if c.Channels <= 0 {
		return fmt.Errorf("channel count must be positive, got %d", c.Channels)
	}
	if c.SampleRate <= 0 {
		return fmt.Errorf("sample rate must be positive, got %d", c.SampleRate)
	}
	return nil
}

// SampleWidth is the byte width of one PCM sample.
const SampleWidth = 2

// Factory initializes a new engine data handle.
type Factory func(ctx context.Context) (Engine, error)

// Engine is an opaque synthesis engine data handle.
type Engine interface {
	Config() (Config, error)
	SetParameter(module Module, param Param, value int32) error
	OpenStream(src Source) (Stream, error)
	Shutdown() error
}

// Stream is a single playback stream bound to a Source. It is valid between a
// successful OpenStream and Close.
type Stream interface {
	Prepare() error
	// Render fills pcm with up to frames interleaved frames and returns the
	// number rendered. While paused it re-emits the previous block.
	Render(pcm []int16, frames int) (int, error)
	State() (State, error)
	Locate(ms int32, relative bool) error
	Location() (int32, error)
	Duration() (int32, error)
	Pause() error
	Resume() error
	Close() error
}
