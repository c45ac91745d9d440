package enginetest

import (
	"fmt"

	"github.com/loqalabs/loqa-midi/internal/engine"
)

// Stream is the scripted stream handle. Every sample of render n (1-based)
// carries the value n, so callers can check block ordering.
type Stream struct {
	eng     *Engine
	state   engine.State
	closed  bool
	renders int
	baseMs  int32
	frames  int64
	last    []int16
}

func (s *Stream) check() error {
	if s.closed {
		return engine.ErrStreamClosed
	}
	if s.eng.shutdown {
		return engine.ErrEngineShutdown
	}
	return nil
}

func (s *Stream) Prepare() error {
	if err := s.check(); err != nil {
		return err
	}
	if err := s.eng.script.Faults.Prepare; err != nil {
		return err
	}
	s.state = engine.StatePlaying
	return nil
}

func (s *Stream) Render(pcm []int16, frames int) (int, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	if err := s.eng.script.Faults.Render; err != nil {
		return 0, err
	}
	cfg := s.eng.script.Config
	if len(pcm) < frames*cfg.Channels {
		return 0, fmt.Errorf("render buffer too small")
	}
	s.eng.rec.mu.Lock()
	s.eng.rec.renders++
	s.eng.rec.mu.Unlock()

	if s.state == engine.StatePaused {
		copy(pcm, s.last)
		return frames, nil
	}
	if s.state != engine.StatePlaying {
		return 0, fmt.Errorf("render in state %s", s.state)
	}

	s.renders++
	if s.eng.script.ShortAt > 0 && s.renders == s.eng.script.ShortAt {
		frames /= 2
	}
	for i := range pcm[:frames*cfg.Channels] {
		pcm[i] = int16(s.renders)
	}
	copy(s.last, pcm[:frames*cfg.Channels])
	s.frames += int64(frames)

	switch {
	case s.eng.script.ErrorAfter > 0 && s.renders >= s.eng.script.ErrorAfter:
		s.state = engine.StateError
	case s.renders >= s.eng.script.Blocks:
		s.state = engine.StateStopped
	}
	return frames, nil
}

func (s *Stream) State() (engine.State, error) {
	if err := s.check(); err != nil {
		return engine.StateError, err
	}
	if err := s.eng.script.Faults.State; err != nil {
		return engine.StateError, err
	}
	return s.state, nil
}

func (s *Stream) position() int32 {
	return s.baseMs + int32(s.eng.script.Config.FramesToMillis(s.frames))
}

func (s *Stream) Locate(ms int32, relative bool) error {
	if err := s.check(); err != nil {
		return err
	}
	if err := s.eng.script.Faults.Locate; err != nil {
		return err
	}
	if relative {
		ms += s.position()
	}
	if ms < 0 || ms > s.eng.script.DurationMs {
		return fmt.Errorf("%w: %d ms", engine.ErrLocateOutOfRange, ms)
	}
	s.baseMs = ms
	s.frames = 0
	return nil
}

func (s *Stream) Location() (int32, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	if err := s.eng.script.Faults.Location; err != nil {
		return 0, err
	}
	return s.position(), nil
}

func (s *Stream) Duration() (int32, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	return s.eng.script.DurationMs, nil
}

func (s *Stream) Pause() error {
	if err := s.check(); err != nil {
		return err
	}
	if err := s.eng.script.Faults.Pause; err != nil {
		return err
	}
	if s.state != engine.StatePlaying {
		return fmt.Errorf("pause in state %s", s.state)
	}
	s.state = engine.StatePaused
	return nil
}

func (s *Stream) Resume() error {
	if err := s.check(); err != nil {
		return err
	}
	if err := s.eng.script.Faults.Resume; err != nil {
		return err
	}
	if s.state != engine.StatePaused {
		return fmt.Errorf("resume in state %s", s.state)
	}
	s.state = engine.StatePlaying
	return nil
}

func (s *Stream) Close() error {
	if s.closed {
		return engine.ErrStreamClosed
	}
	s.closed = true
	s.eng.rec.mu.Lock()
	s.eng.rec.closes++
	s.eng.rec.mu.Unlock()
	return s.eng.script.Faults.Close
}
