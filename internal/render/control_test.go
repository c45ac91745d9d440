package render

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/loqalabs/loqa-midi/internal/engine"
	"github.com/loqalabs/loqa-midi/internal/engine/reference"
	"github.com/loqalabs/loqa-midi/internal/smftest"
)

func openReference(t *testing.T, durationMs int) *Session {
	t.Helper()
	path := smftest.WriteFile(t, "song.mid", smftest.Song(durationMs))
	s, err := Open(context.Background(), path, reference.New, Options{Logger: newLogger()})
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSeekExactPositions(t *testing.T) {
	s := openReference(t, 2000)
	duration, err := s.Duration()
	if err != nil {
		t.Fatalf("duration: %v", err)
	}
	if duration != 2000 {
		t.Fatalf("expected 2000 ms, got %d", duration)
	}
	for _, target := range []int32{0, duration / 2, duration} {
		if err := s.Seek(target); err != nil {
			t.Fatalf("seek %d: %v", target, err)
		}
		got, err := s.Location()
		if err != nil {
			t.Fatalf("location: %v", err)
		}
		if got != target {
			t.Fatalf("expected position %d, got %d", target, got)
		}
	}
}

func TestSeekPastEndRejected(t *testing.T) {
	s := openReference(t, 2000)
	if err := s.Seek(750); err != nil {
		t.Fatalf("seek: %v", err)
	}
	err := s.Seek(2010)
	if !errors.Is(err, ErrSeekRejected) {
		t.Fatalf("expected ErrSeekRejected, got %v", err)
	}
	if !errors.Is(err, engine.ErrLocateOutOfRange) {
		t.Fatalf("expected engine cause to be kept, got %v", err)
	}
	got, err := s.Location()
	if err != nil {
		t.Fatalf("location: %v", err)
	}
	if got != 750 {
		t.Fatalf("expected position to stay at 750, got %d", got)
	}
}

func TestPauseHoldsPosition(t *testing.T) {
	s := openReference(t, 2000)
	for i := 0; i < 20; i++ {
		if _, err := s.RenderBlock(); err != nil {
			t.Fatalf("render block: %v", err)
		}
	}
	if err := s.Pause(); err != nil {
		t.Fatalf("pause: %v", err)
	}
	paused, err := s.Location()
	if err != nil {
		t.Fatalf("location: %v", err)
	}
	for i := 0; i < 10; i++ {
		if _, err := s.RenderBlock(); err != nil {
			t.Fatalf("render while paused: %v", err)
		}
	}
	if got, _ := s.Location(); got != paused {
		t.Fatalf("expected position %d while paused, got %d", paused, got)
	}
	if state, _ := s.State(); state != engine.StatePaused {
		t.Fatalf("expected paused state, got %s", state)
	}
	if _, err := s.Render(context.Background(), io.Discard); !errors.Is(err, ErrPaused) {
		t.Fatalf("expected ErrPaused, got %v", err)
	}

	if err := s.Resume(); err != nil {
		t.Fatalf("resume: %v", err)
	}
	for i := 0; i < 10; i++ {
		if _, err := s.RenderBlock(); err != nil {
			t.Fatalf("render block: %v", err)
		}
	}
	if got, _ := s.Location(); got <= paused {
		t.Fatalf("expected position past %d after resume, got %d", paused, got)
	}
}

func TestRenderFromSeekPosition(t *testing.T) {
	s := openReference(t, 2000)
	if err := s.Seek(1500); err != nil {
		t.Fatalf("seek: %v", err)
	}
	stats, err := s.Render(context.Background(), io.Discard)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	ms := s.Config().FramesToMillis(stats.Frames)
	if ms < 500 || ms > 600 {
		t.Fatalf("expected roughly 500 ms after seeking to 1500, got %d", ms)
	}
}
