// Package smftest builds Standard MIDI File fixtures for tests.
package smftest

import (
	"bytes"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/smf"
)

// Resolution is the ticks-per-quarter-note used by every fixture.
const Resolution = 960

// Tempo places a tempo change at an absolute tick.
type Tempo struct {
	Tick uint32
	BPM  float64
}

// Build returns a single-track SMF holding one note that lasts until endTick,
// with the given tempo changes.
func Build(tempos []Tempo, endTick uint32) []byte {
	sorted := append([]Tempo(nil), tempos...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Tick < sorted[j].Tick })

	var tr smf.Track
	var at uint32
	noteOn := false
	for _, tempo := range sorted {
		tr.Add(tempo.Tick-at, smf.MetaTempo(tempo.BPM))
		at = tempo.Tick
		if !noteOn {
			tr.Add(0, midi.NoteOn(0, 60, 100))
			noteOn = true
		}
	}
	if !noteOn {
		tr.Add(0, midi.NoteOn(0, 60, 100))
	}
	tr.Add(endTick-at, midi.NoteOff(0, 60))
	tr.Close(0)

	s := smf.New()
	s.TimeFormat = smf.MetricTicks(Resolution)
	if err := s.Add(tr); err != nil {
		panic(err)
	}
	var buf bytes.Buffer
	if _, err := s.WriteTo(&buf); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// Song returns an SMF at 120 BPM lasting durationMs.
func Song(durationMs int) []byte {
	ticks := uint32(durationMs * 120 * Resolution / 60000)
	return Build([]Tempo{{Tick: 0, BPM: 120}}, ticks)
}

// WriteFile writes data under t.TempDir and returns the path.
func WriteFile(t testing.TB, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}
