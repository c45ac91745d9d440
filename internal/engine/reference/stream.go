package reference

import (
	"bytes"
	"fmt"

	"gitlab.com/gomidi/midi/v2/smf"

	"github.com/loqalabs/loqa-midi/internal/engine"
)

type stream struct {
	eng      *Engine
	cfg      engine.Config
	data     []byte
	duration int32
	state    engine.State
	closed   bool

	// position is baseMs plus the frames rendered since the last locate, so
	// a locate always reads back exactly.
	baseMs int32
	frames int64
	last   []int16
}

func (s *stream) check() error {
	if s.closed {
		return engine.ErrStreamClosed
	}
	if s.eng.shutdown {
		return engine.ErrEngineShutdown
	}
	return nil
}

func (s *stream) Prepare() error {
	if err := s.check(); err != nil {
		return err
	}
	if s.state != engine.StatePreparing {
		return fmt.Errorf("prepare in state %s", s.state)
	}
	parsed, err := smf.ReadFrom(bytes.NewReader(s.data))
	if err != nil {
		s.state = engine.StateError
		return fmt.Errorf("parse midi: %w", err)
	}
	duration, err := PlayTime(parsed)
	if err != nil {
		s.state = engine.StateError
		return err
	}
	s.duration = duration
	s.data = nil
	s.state = engine.StatePlaying
	return nil
}

func (s *stream) Render(pcm []int16, frames int) (int, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	if frames <= 0 || frames > s.cfg.BlockFrames {
		return 0, fmt.Errorf("render of %d frames, block size is %d", frames, s.cfg.BlockFrames)
	}
	samples := frames * s.cfg.Channels
	if len(pcm) < samples {
		return 0, fmt.Errorf("render buffer holds %d samples, need %d", len(pcm), samples)
	}

	switch s.state {
	case engine.StatePaused:
		copy(pcm[:samples], s.last[:samples])
		return frames, nil
	case engine.StatePlaying:
	default:
		return 0, fmt.Errorf("render in state %s", s.state)
	}

	clear(pcm[:samples])
	copy(s.last, pcm[:samples])
	s.frames += int64(frames)
	if s.position() >= s.duration {
		s.state = engine.StateStopped
	}
	return frames, nil
}

func (s *stream) position() int32 {
	return s.baseMs + int32(s.cfg.FramesToMillis(s.frames))
}

func (s *stream) State() (engine.State, error) {
	if err := s.check(); err != nil {
		return engine.StateError, err
	}
	return s.state, nil
}

func (s *stream) Locate(ms int32, relative bool) error {
	if err := s.check(); err != nil {
		return err
	}
	if s.state == engine.StatePreparing || s.state.Terminal() {
		return fmt.Errorf("locate in state %s", s.state)
	}
	target := ms
	if relative {
		target += s.position()
	}
	if target < 0 || target > s.duration {
		return fmt.Errorf("%w: %d ms, duration %d ms", engine.ErrLocateOutOfRange, target, s.duration)
	}
	s.baseMs = target
	s.frames = 0
	clear(s.last)
	return nil
}

func (s *stream) Location() (int32, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	return min(s.position(), s.duration), nil
}

func (s *stream) Duration() (int32, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	if s.state == engine.StatePreparing {
		return 0, fmt.Errorf("duration in state %s", s.state)
	}
	return s.duration, nil
}

func (s *stream) Pause() error {
	if err := s.check(); err != nil {
		return err
	}
	if s.state != engine.StatePlaying {
		return fmt.Errorf("pause in state %s", s.state)
	}
	s.state = engine.StatePaused
	return nil
}

func (s *stream) Resume() error {
	if err := s.check(); err != nil {
		return err
	}
	if s.state != engine.StatePaused {
		return fmt.Errorf("resume in state %s", s.state)
	}
	s.state = engine.StatePlaying
	return nil
}

func (s *stream) Close() error {
	if s.closed {
		return engine.ErrStreamClosed
	}
	s.closed = true
	s.last = nil
	return nil
}
