// Package reference provides an in-process engine that honours the full
// streaming contract without synthesizing sound. It parses Standard MIDI
// Files to learn their play time and renders silence for that long, which
// makes it a drop-in backend for pipelines, tests and dry runs.
package reference

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"sort"

	"gitlab.com/gomidi/midi/v2/smf"

	"github.com/loqalabs/loqa-midi/internal/engine"
)

// Output configuration, matching the common embedded synthesizer defaults.
const (
	BlockFrames = 128
	Channels    = 2
	SampleRate  = 22050
)

const pullChunk = 4096

type paramKey struct {
	module engine.Module
	param  engine.Param
}

// Engine is the reference data handle.
type Engine struct {
	cfg      engine.Config
	params   map[paramKey]int32
	shutdown bool
}

var _ engine.Factory = New

// New initializes a reference engine.
func New(_ context.Context) (engine.Engine, error) {
	return &Engine{
		cfg:    engine.Config{BlockFrames: BlockFrames, Channels: Channels, SampleRate: SampleRate},
		params: make(map[paramKey]int32),
	}, nil
}

func (e *Engine) Config() (engine.Config, error) {
	if e.shutdown {
		return engine.Config{}, engine.ErrEngineShutdown
	}
	return e.cfg, nil
}

func (e *Engine) SetParameter(module engine.Module, param engine.Param, value int32) error {
	if e.shutdown {
		return engine.ErrEngineShutdown
	}
	if err := engine.CheckParameter(module, param, value); err != nil {
		return err
	}
	e.params[paramKey{module, param}] = value
	return nil
}

// Parameter returns the last value set for a parameter.
func (e *Engine) Parameter(module engine.Module, param engine.Param) (int32, bool) {
	v, ok := e.params[paramKey{module, param}]
	return v, ok
}

func (e *Engine) OpenStream(src engine.Source) (engine.Stream, error) {
	if e.shutdown {
		return nil, engine.ErrEngineShutdown
	}
	data := readAll(src)
	if !bytes.HasPrefix(data, []byte("MThd")) {
		return nil, fmt.Errorf("%w: missing MThd header", engine.ErrUnsupportedFormat)
	}
	return &stream{
		eng:   e,
		cfg:   e.cfg,
		data:  data,
		state: engine.StatePreparing,
		last:  make([]int16, e.cfg.BlockSamples()),
	}, nil
}

func (e *Engine) Shutdown() error {
	if e.shutdown {
		return engine.ErrEngineShutdown
	}
	e.shutdown = true
	return nil
}

func readAll(src engine.Source) []byte {
	size := src.Size()
	if size <= 0 {
		return nil
	}
	data := make([]byte, 0, size)
	buf := make([]byte, pullChunk)
	for int64(len(data)) < size {
		n := src.Pull(buf, int64(len(data)))
		if n <= 0 {
			break
		}
		data = append(data, buf[:n]...)
	}
	return data
}

// PlayTime returns the play time of a parsed SMF in milliseconds, following
// every tempo change across all tracks.
func PlayTime(s *smf.SMF) (int32, error) {
	ticks, ok := s.TimeFormat.(smf.MetricTicks)
	if !ok {
		return 0, fmt.Errorf("%w: SMPTE time format", engine.ErrUnsupportedFormat)
	}
	res := float64(ticks.Resolution())
	if res <= 0 {
		return 0, fmt.Errorf("invalid resolution %v", res)
	}

	type tempoChange struct {
		tick int64
		bpm  float64
	}
	var changes []tempoChange
	var end int64
	for _, tr := range s.Tracks {
		var abs int64
		for _, ev := range tr {
			abs += int64(ev.Delta)
			var bpm float64
			if ev.Message.GetMetaTempo(&bpm) && bpm > 0 {
				changes = append(changes, tempoChange{tick: abs, bpm: bpm})
			}
		}
		if abs > end {
			end = abs
		}
	}
	sort.SliceStable(changes, func(i, j int) bool { return changes[i].tick < changes[j].tick })

	var micros float64
	bpm := 120.0
	var last int64
	for _, c := range changes {
		if c.tick > end {
			break
		}
		micros += float64(c.tick-last) * 60e6 / (bpm * res)
		last = c.tick
		bpm = c.bpm
	}
	micros += float64(end-last) * 60e6 / (bpm * res)
	ms := micros/1000 + 0.5
	if ms > math.MaxInt32 {
		return 0, fmt.Errorf("%w: play time exceeds %d ms", engine.ErrUnsupportedFormat, int32(math.MaxInt32))
	}
	return int32(ms), nil
}
