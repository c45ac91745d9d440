// Package enginetest provides a scripted engine for exercising session and
// driver code without real media: state transitions, short renders and
// failures of any call are driven by a Script, and a Recorder counts every
// acquired and released handle.
package enginetest

import (
	"context"
	"errors"
	"sync"

	"github.com/loqalabs/loqa-midi/internal/engine"
)

// ErrInjected is the default error used by Fail.
var ErrInjected = errors.New("injected engine failure")

// Faults holds an error per engine call; nil means the call succeeds.
type Faults struct {
	Init         error
	Config       error
	SetParameter error
	OpenStream   error
	Prepare      error
	Render       error
	State        error
	Locate       error
	Location     error
	Pause        error
	Resume       error
	Close        error
	Shutdown     error
}

// Script drives the fake engine.
type Script struct {
	Config engine.Config
	// Blocks is the number of full renders before the stream reports STOPPED.
	Blocks int
	// ErrorAfter, when positive, switches the stream to ERROR after that many renders.
	ErrorAfter int
	// ShortAt, when positive, makes that render (1-based) return half a block.
	ShortAt int
	// DurationMs is the play time reported by Duration and used to bound Locate.
	DurationMs int32
	Faults     Faults
}

// DefaultConfig matches the reference engine output.
var DefaultConfig = engine.Config{BlockFrames: 128, Channels: 2, SampleRate: 22050}

// Param records one SetParameter call.
type Param struct {
	Module engine.Module
	Param  engine.Param
	Value  int32
}

// Recorder counts handle acquisitions and releases across every engine a
// factory creates.
type Recorder struct {
	mu        sync.Mutex
	inits     int
	shutdowns int
	opens     int
	closes    int
	renders   int
	params    []Param
}

func (r *Recorder) count(v *int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *v
}

func (r *Recorder) Inits() int     { return r.count(&r.inits) }
func (r *Recorder) Shutdowns() int { return r.count(&r.shutdowns) }
func (r *Recorder) Opens() int     { return r.count(&r.opens) }
func (r *Recorder) Closes() int    { return r.count(&r.closes) }
func (r *Recorder) Renders() int   { return r.count(&r.renders) }

// Params returns the SetParameter calls in order.
func (r *Recorder) Params() []Param {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Param(nil), r.params...)
}

// Balanced reports whether every initialized engine was shut down and every
// opened stream was closed.
func (r *Recorder) Balanced() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inits == r.shutdowns && r.opens == r.closes
}

// NewFactory returns a factory producing engines that follow script.
func NewFactory(script Script) (engine.Factory, *Recorder) {
	if script.Config == (engine.Config{}) {
		script.Config = DefaultConfig
	}
	rec := &Recorder{}
	factory := func(_ context.Context) (engine.Engine, error) {
		if script.Faults.Init != nil {
			return nil, script.Faults.Init
		}
		rec.mu.Lock()
		rec.inits++
		rec.mu.Unlock()
		return &Engine{script: script, rec: rec}, nil
	}
	return factory, rec
}

// Engine is the scripted data handle.
type Engine struct {
	script   Script
	rec      *Recorder
	shutdown bool
}

func (e *Engine) Config() (engine.Config, error) {
	if e.shutdown {
		return engine.Config{}, engine.ErrEngineShutdown
	}
	if e.script.Faults.Config != nil {
		return engine.Config{}, e.script.Faults.Config
	}
	return e.script.Config, nil
}

func (e *Engine) SetParameter(module engine.Module, param engine.Param, value int32) error {
	if e.shutdown {
		return engine.ErrEngineShutdown
	}
	if e.script.Faults.SetParameter != nil {
		return e.script.Faults.SetParameter
	}
	if err := engine.CheckParameter(module, param, value); err != nil {
		return err
	}
	e.rec.mu.Lock()
	e.rec.params = append(e.rec.params, Param{Module: module, Param: param, Value: value})
	e.rec.mu.Unlock()
	return nil
}

func (e *Engine) OpenStream(src engine.Source) (engine.Stream, error) {
	if e.shutdown {
		return nil, engine.ErrEngineShutdown
	}
	if e.script.Faults.OpenStream != nil {
		return nil, e.script.Faults.OpenStream
	}
	// Touch the source the way a real engine reads the header.
	header := make([]byte, 4)
	src.Pull(header, 0)

	e.rec.mu.Lock()
	e.rec.opens++
	e.rec.mu.Unlock()
	return &Stream{eng: e, state: engine.StatePreparing, last: make([]int16, e.script.Config.BlockSamples())}, nil
}

func (e *Engine) Shutdown() error {
	if e.shutdown {
		return engine.ErrEngineShutdown
	}
	e.shutdown = true
	e.rec.mu.Lock()
	e.rec.shutdowns++
	e.rec.mu.Unlock()
	return e.script.Faults.Shutdown
}
