package remote

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/loqalabs/loqa-midi/internal/engine"
	"github.com/loqalabs/loqa-midi/internal/engine/reference"
	"github.com/loqalabs/loqa-midi/internal/render"
	"github.com/loqalabs/loqa-midi/internal/smftest"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// pipeFactory serves factory in a goroutine and connects an engine to it.
func pipeFactory(t *testing.T, factory engine.Factory) engine.Factory {
	t.Helper()
	return func(ctx context.Context) (engine.Engine, error) {
		hostR, helperW := io.Pipe()
		helperR, hostW := io.Pipe()
		done := make(chan error, 1)
		go func() {
			err := Serve(ctx, helperR, helperW, factory, newLogger())
			_ = helperW.Close()
			done <- err
		}()
		release := func() error {
			_ = hostW.Close()
			return <-done
		}
		eng, err := Dial(hostR, hostW, release)
		if err != nil {
			_ = hostW.Close()
			<-done
			return nil, err
		}
		return eng, nil
	}
}

type memSource struct {
	data   []byte
	closed bool
}

func (m *memSource) Pull(p []byte, offset int64) int {
	if offset >= int64(len(m.data)) {
		return 0
	}
	return copy(p, m.data[offset:])
}

func (m *memSource) Size() int64 { return int64(len(m.data)) }

func (m *memSource) Close() error {
	m.closed = true
	return nil
}

func TestRemoteSessionRendersToCompletion(t *testing.T) {
	path := smftest.WriteFile(t, "remote.mid", smftest.Song(2000))
	s, err := render.Open(context.Background(), path, pipeFactory(t, reference.New), render.Options{
		Reverb: render.Reverb{Preset: 2, Wet: 900},
		Logger: newLogger(),
	})
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	defer s.Close()

	if d, err := s.Duration(); err != nil || d != 2000 {
		t.Fatalf("expected 2000 ms duration, got %d (%v)", d, err)
	}
	stats, err := s.Render(context.Background(), io.Discard)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if stats.FinalState != engine.StateStopped {
		t.Fatalf("expected stopped, got %s", stats.FinalState)
	}
	if ms := s.Config().FramesToMillis(stats.Frames); ms < 2000 {
		t.Fatalf("expected at least 2000 ms, got %d", ms)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestRemoteErrorsKeepSentinels(t *testing.T) {
	factory := pipeFactory(t, reference.New)
	eng, err := factory(context.Background())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer eng.Shutdown()

	if err := eng.SetParameter(engine.ModuleReverb, engine.ParamReverbWet, -5); !errors.Is(err, engine.ErrInvalidParameter) {
		t.Fatalf("expected ErrInvalidParameter, got %v", err)
	}
	if _, err := eng.OpenStream(&memSource{data: []byte("XMF_2.00")}); !errors.Is(err, engine.ErrUnsupportedFormat) {
		t.Fatalf("expected ErrUnsupportedFormat, got %v", err)
	}

	st, err := eng.OpenStream(&memSource{data: smftest.Song(1000)})
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	if err := st.Prepare(); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if err := st.Locate(1010, false); !errors.Is(err, engine.ErrLocateOutOfRange) {
		t.Fatalf("expected ErrLocateOutOfRange, got %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := st.Close(); !errors.Is(err, engine.ErrStreamClosed) {
		t.Fatalf("expected ErrStreamClosed, got %v", err)
	}
}

func TestRemoteShutdownStopsHelper(t *testing.T) {
	eng, err := pipeFactory(t, reference.New)(context.Background())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if err := eng.Shutdown(); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if err := eng.Shutdown(); !errors.Is(err, engine.ErrEngineShutdown) {
		t.Fatalf("expected ErrEngineShutdown, got %v", err)
	}
	if _, err := eng.Config(); !errors.Is(err, engine.ErrEngineShutdown) {
		t.Fatalf("expected ErrEngineShutdown, got %v", err)
	}
}

func TestRemoteInitFailure(t *testing.T) {
	boom := errors.New("no soundbank")
	failing := func(context.Context) (engine.Engine, error) { return nil, boom }
	if _, err := pipeFactory(t, failing)(context.Background()); !errors.Is(err, ErrRemote) {
		t.Fatalf("expected ErrRemote, got %v", err)
	}
}

func TestNewExecFactoryRejectsBadCommands(t *testing.T) {
	for _, command := range []string{"", "   ", `midiengine "unterminated`} {
		if _, err := NewExecFactory(command, newLogger()); err == nil {
			t.Fatalf("expected %q to be rejected", command)
		}
	}
}
