package render

import (
	"fmt"

	"github.com/loqalabs/loqa-midi/internal/engine"
)

// Reverb selects the post-processing reverb. Preset 0 bypasses reverb;
// 1..4 select large hall, hall, chamber and room.
type Reverb struct {
	Preset int
	Wet    int
}

// MaxPreset is the highest user-facing preset number.
const MaxPreset = 4

// PresetNames maps preset numbers to their names.
var PresetNames = [...]string{"none", "large hall", "hall", "chamber", "room"}

func (r Reverb) Validate() error {
	if r.Preset < 0 || r.Preset > MaxPreset {
		return fmt.Errorf("invalid reverb preset: %d (want 0..%d)", r.Preset, MaxPreset)
	}
	if r.Wet < 0 || r.Wet > engine.MaxReverbWet {
		return fmt.Errorf("invalid reverb amount: %d (want 0..%d)", r.Wet, engine.MaxReverbWet)
	}
	return nil
}

// presetIndex maps the user-facing preset to the engine enumeration.
func (r Reverb) presetIndex() (int32, bool) {
	idx := int32(r.Preset - 1)
	if idx < engine.PresetLargeHall || idx > engine.PresetRoom {
		return 0, false
	}
	return idx, true
}

// applyReverb sets wet before preset and bypass so a bypassed engine still
// holds the requested wet level.
func applyReverb(eng engine.Engine, r Reverb) error {
	if err := eng.SetParameter(engine.ModuleReverb, engine.ParamReverbWet, int32(r.Wet)); err != nil {
		return fmt.Errorf("set reverb wet amount: %w", err)
	}
	bypass := true
	if idx, ok := r.presetIndex(); ok {
		bypass = false
		if err := eng.SetParameter(engine.ModuleReverb, engine.ParamReverbPreset, idx); err != nil {
			return fmt.Errorf("set reverb preset: %w", err)
		}
	}
	if err := eng.SetParameter(engine.ModuleReverb, engine.ParamReverbBypass, engine.Bool(bypass)); err != nil {
		return fmt.Errorf("set reverb bypass: %w", err)
	}
	return nil
}
