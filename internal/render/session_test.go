package render

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/loqalabs/loqa-midi/internal/engine"
	"github.com/loqalabs/loqa-midi/internal/engine/enginetest"
	"github.com/loqalabs/loqa-midi/internal/engine/reference"
	"github.com/loqalabs/loqa-midi/internal/smftest"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// chunkWriter records the size of every Write call.
type chunkWriter struct {
	bytes.Buffer
	writes []int
	fail   error
}

func (w *chunkWriter) Write(p []byte) (int, error) {
	if w.fail != nil {
		return 0, w.fail
	}
	w.writes = append(w.writes, len(p))
	return w.Buffer.Write(p)
}

// memSource is an in-memory source that records Close.
type memSource struct {
	data   []byte
	closed int
	fail   error
}

func (m *memSource) Pull(p []byte, offset int64) int {
	if offset >= int64(len(m.data)) {
		return 0
	}
	return copy(p, m.data[offset:])
}

func (m *memSource) Size() int64 { return int64(len(m.data)) }

func (m *memSource) Close() error {
	m.closed++
	return m.fail
}

func openScripted(t *testing.T, script enginetest.Script, opts Options) (*Session, *enginetest.Recorder, *memSource) {
	t.Helper()
	factory, rec := enginetest.NewFactory(script)
	src := &memSource{data: []byte("MThd")}
	opts.Logger = newLogger()
	s, err := OpenSource(context.Background(), "scripted.mid", src, factory, opts)
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	return s, rec, src
}

func TestRenderReferenceToCompletion(t *testing.T) {
	path := smftest.WriteFile(t, "midi_a.mid", smftest.Song(2000))
	s, err := Open(context.Background(), path, reference.New, Options{Logger: newLogger()})
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	cfg := s.Config()
	if cfg.Channels != 2 || cfg.SampleRate != 22050 {
		t.Fatalf("unexpected config %+v", cfg)
	}

	var out chunkWriter
	stats, err := s.Render(context.Background(), &out)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if stats.FinalState != engine.StateStopped {
		t.Fatalf("expected final state stopped, got %s", stats.FinalState)
	}
	if got := int64(out.Len()); got != stats.Bytes || got != stats.Frames*int64(cfg.Channels*engine.SampleWidth) {
		t.Fatalf("byte count mismatch: wrote %d, stats %+v", got, stats)
	}
	if ms := cfg.FramesToMillis(stats.Frames); ms < 2000 {
		t.Fatalf("expected at least 2000 ms of audio, got %d", ms)
	}
	chunk := cfg.BlockBytes() * DefaultAggregation
	for i, n := range out.writes {
		if n%cfg.BlockBytes() != 0 {
			t.Fatalf("write %d of %d bytes is not a whole number of blocks", i, n)
		}
		if i < len(out.writes)-1 && n != chunk {
			t.Fatalf("write %d: expected full chunk of %d bytes, got %d", i, chunk, n)
		}
	}
	if state, _ := s.State(); state != engine.StateStopped {
		t.Fatalf("expected stopped after render, got %s", state)
	}
}

func TestRenderAggregatesInOrder(t *testing.T) {
	s, _, _ := openScripted(t, enginetest.Script{Blocks: 10}, Options{AggregationFactor: 4})
	t.Cleanup(func() { _ = s.Close() })

	var out chunkWriter
	stats, err := s.Render(context.Background(), &out)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	blockBytes := s.Config().BlockBytes()
	want := []int{4 * blockBytes, 4 * blockBytes, 2 * blockBytes}
	if len(out.writes) != len(want) {
		t.Fatalf("expected writes %v, got %v", want, out.writes)
	}
	for i := range want {
		if out.writes[i] != want[i] {
			t.Fatalf("expected writes %v, got %v", want, out.writes)
		}
	}
	if stats.Blocks != 10 || stats.Chunks != 3 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	data := out.Bytes()
	for block := 0; block < 10; block++ {
		sample := int16(binary.LittleEndian.Uint16(data[block*blockBytes:]))
		if sample != int16(block+1) {
			t.Fatalf("block %d carries sample %d", block, sample)
		}
	}
}

func TestShortRenderIsFault(t *testing.T) {
	s, rec, src := openScripted(t, enginetest.Script{Blocks: 10, ShortAt: 3}, Options{})

	var out chunkWriter
	stats, err := s.Render(context.Background(), &out)
	if !errors.Is(err, ErrShortRender) {
		t.Fatalf("expected ErrShortRender, got %v", err)
	}
	if out.Len() != 0 || stats.Bytes != 0 {
		t.Fatalf("expected buffered audio to be discarded, wrote %d bytes", out.Len())
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !rec.Balanced() || src.closed != 1 {
		t.Fatalf("unbalanced teardown: inits=%d shutdowns=%d opens=%d closes=%d source=%d",
			rec.Inits(), rec.Shutdowns(), rec.Opens(), rec.Closes(), src.closed)
	}
}

func TestErrorStateAbortsLoop(t *testing.T) {
	s, _, _ := openScripted(t, enginetest.Script{Blocks: 10, ErrorAfter: 2}, Options{})
	t.Cleanup(func() { _ = s.Close() })

	stats, err := s.Render(context.Background(), io.Discard)
	if !errors.Is(err, ErrEngineFault) {
		t.Fatalf("expected ErrEngineFault, got %v", err)
	}
	if stats.FinalState != engine.StateError || stats.Blocks != 2 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestRenderFailsOnWriteError(t *testing.T) {
	s, _, _ := openScripted(t, enginetest.Script{Blocks: 8}, Options{AggregationFactor: 2})
	t.Cleanup(func() { _ = s.Close() })

	boom := errors.New("disk full")
	_, err := s.Render(context.Background(), &chunkWriter{fail: boom})
	if !errors.Is(err, boom) {
		t.Fatalf("expected write error, got %v", err)
	}
}

func TestRenderHonoursCancellation(t *testing.T) {
	s, rec, _ := openScripted(t, enginetest.Script{Blocks: 1000}, Options{})
	t.Cleanup(func() { _ = s.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Render(ctx, io.Discard); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if rec.Renders() != 0 {
		t.Fatalf("expected no renders after cancellation, got %d", rec.Renders())
	}
}

func TestTeardownCompleteness(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		name   string
		faults enginetest.Faults
		inits  int
		opens  int
	}{
		{"init", enginetest.Faults{Init: boom}, 0, 0},
		{"set parameter", enginetest.Faults{SetParameter: boom}, 1, 0},
		{"open stream", enginetest.Faults{OpenStream: boom}, 1, 0},
		{"prepare", enginetest.Faults{Prepare: boom}, 1, 1},
		{"config", enginetest.Faults{Config: boom}, 1, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			factory, rec := enginetest.NewFactory(enginetest.Script{Blocks: 1, Faults: tt.faults})
			src := &memSource{data: []byte("MThd")}
			_, err := OpenSource(context.Background(), "x.mid", src, factory, Options{Logger: newLogger()})
			if !errors.Is(err, boom) {
				t.Fatalf("expected setup error, got %v", err)
			}
			if rec.Inits() != tt.inits || rec.Opens() != tt.opens {
				t.Fatalf("expected inits=%d opens=%d, got inits=%d opens=%d", tt.inits, tt.opens, rec.Inits(), rec.Opens())
			}
			if !rec.Balanced() {
				t.Fatalf("unbalanced: inits=%d shutdowns=%d opens=%d closes=%d",
					rec.Inits(), rec.Shutdowns(), rec.Opens(), rec.Closes())
			}
			if src.closed != 1 {
				t.Fatalf("expected source closed once, got %d", src.closed)
			}
		})
	}
}

func TestTeardownContinuesAfterFailures(t *testing.T) {
	closeErr := errors.New("close failed")
	shutdownErr := errors.New("shutdown failed")
	sourceErr := errors.New("descriptor close failed")
	factory, rec := enginetest.NewFactory(enginetest.Script{
		Blocks: 1,
		Faults: enginetest.Faults{Close: closeErr, Shutdown: shutdownErr},
	})
	src := &memSource{data: []byte("MThd"), fail: sourceErr}
	s, err := OpenSource(context.Background(), "x.mid", src, factory, Options{Logger: newLogger()})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	err = s.Close()
	for _, want := range []error{closeErr, shutdownErr, sourceErr} {
		if !errors.Is(err, want) {
			t.Fatalf("expected %v in %v", want, err)
		}
	}
	if !rec.Balanced() || src.closed != 1 {
		t.Fatal("expected every teardown step to run")
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second close should be a no-op, got %v", err)
	}
}

func TestOpenMissingFileAcquiresNothing(t *testing.T) {
	factory, rec := enginetest.NewFactory(enginetest.Script{Blocks: 1})
	if _, err := Open(context.Background(), "/nonexistent/file.mid", factory, Options{}); err == nil {
		t.Fatal("expected open error")
	}
	if rec.Inits() != 0 {
		t.Fatalf("expected engine untouched, got %d inits", rec.Inits())
	}
}

func TestReverbParameterOrder(t *testing.T) {
	tests := []struct {
		name   string
		reverb Reverb
		want   []enginetest.Param
	}{
		{
			name:   "chamber",
			reverb: Reverb{Preset: 3, Wet: 1200},
			want: []enginetest.Param{
				{Module: engine.ModuleReverb, Param: engine.ParamReverbWet, Value: 1200},
				{Module: engine.ModuleReverb, Param: engine.ParamReverbPreset, Value: engine.PresetChamber},
				{Module: engine.ModuleReverb, Param: engine.ParamReverbBypass, Value: 0},
			},
		},
		{
			name:   "bypass keeps wet",
			reverb: Reverb{Preset: 0, Wet: 500},
			want: []enginetest.Param{
				{Module: engine.ModuleReverb, Param: engine.ParamReverbWet, Value: 500},
				{Module: engine.ModuleReverb, Param: engine.ParamReverbBypass, Value: 1},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, rec, _ := openScripted(t, enginetest.Script{Blocks: 1}, Options{Reverb: tt.reverb})
			t.Cleanup(func() { _ = s.Close() })
			got := rec.Params()
			if len(got) != len(tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("param %d: expected %+v, got %+v", i, tt.want[i], got[i])
				}
			}
		})
	}
}

func TestInvalidReverbRejectedBeforeSetup(t *testing.T) {
	factory, rec := enginetest.NewFactory(enginetest.Script{Blocks: 1})
	for _, r := range []Reverb{{Preset: 5}, {Preset: -1}, {Wet: 32766}, {Wet: -1}} {
		if _, err := Open(context.Background(), "/unused.mid", factory, Options{Reverb: r}); err == nil {
			t.Fatalf("expected %+v to be rejected", r)
		}
	}
	if rec.Inits() != 0 {
		t.Fatalf("expected no engine init, got %d", rec.Inits())
	}
}

func TestConfigureReverbBeforeStreaming(t *testing.T) {
	s, rec, _ := openScripted(t, enginetest.Script{Blocks: 4}, Options{})
	t.Cleanup(func() { _ = s.Close() })

	if err := s.ConfigureReverb(Reverb{Preset: 3}); err != nil {
		t.Fatalf("configure reverb: %v", err)
	}
	if n := len(rec.Params()); n != 5 {
		t.Fatalf("expected 5 parameter calls, got %d", n)
	}
	if _, err := s.RenderBlock(); err != nil {
		t.Fatalf("render block: %v", err)
	}
	if err := s.ConfigureReverb(Reverb{Preset: 1}); !errors.Is(err, ErrStreamingStarted) {
		t.Fatalf("expected ErrStreamingStarted, got %v", err)
	}
}

func TestOperationsAfterClose(t *testing.T) {
	s, _, _ := openScripted(t, enginetest.Script{Blocks: 4}, Options{})
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := s.Render(context.Background(), io.Discard); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed from Render, got %v", err)
	}
	if err := s.Seek(0); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed from Seek, got %v", err)
	}
	if err := s.Pause(); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed from Pause, got %v", err)
	}
}
