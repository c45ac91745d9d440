package engine

import "fmt"

// Module selects the engine module a parameter belongs to.
type Module int

const (
	ModuleReverb Module = 2
)

// Param identifies a parameter within a module.
type Param int

const (
	ParamReverbBypass Param = 0
	ParamReverbPreset Param = 1
	ParamReverbWet    Param = 2
)

// Reverb presets, in the engine's enumeration order.
const (
	PresetLargeHall int32 = iota
	PresetHall
	PresetChamber
	PresetRoom
)

// MaxReverbWet is the largest accepted reverb wet amplitude.
const MaxReverbWet = 32765

// CheckParameter validates a parameter/value pair against the shared
// parameter table. Engines implemented in Go use it in SetParameter.
func CheckParameter(module Module, param Param, value int32) error {
	if module != ModuleReverb {
		return fmt.Errorf("%w: module %d", ErrInvalidParameter, module)
	}
	switch param {
	case ParamReverbBypass:
		if value != 0 && value != 1 {
			return fmt.Errorf("%w: bypass %d", ErrInvalidParameter, value)
		}
	case ParamReverbPreset:
		if value < PresetLargeHall || value > PresetRoom {
			return fmt.Errorf("%w: preset %d", ErrInvalidParameter, value)
		}
	case ParamReverbWet:
		if value < 0 || value > MaxReverbWet {
			return fmt.Errorf("%w: wet %d", ErrInvalidParameter, value)
		}
	default:
		return fmt.Errorf("%w: param %d", ErrInvalidParameter, param)
	}
	return nil
}

// Bool converts a flag to the engine's boolean encoding.
func Bool(v bool) int32 {
	if v {
		return 1
	}
	return 0
}
