package wasm

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/loqalabs/loqa-midi/internal/engine"
)

// Guest status codes.
const (
	codeFailure           = -1
	codeStreamClosed      = -2
	codeEngineShutdown    = -3
	codeUnsupportedFormat = -4
	codeInvalidParameter  = -5
	codeLocateOutOfRange  = -6
)

// ErrGuest is returned for guest failures without a specific code.
var ErrGuest = errors.New("wasm engine failure")

func codeError(fn string, code int32) error {
	var base error
	switch code {
	case codeStreamClosed:
		base = engine.ErrStreamClosed
	case codeEngineShutdown:
		base = engine.ErrEngineShutdown
	case codeUnsupportedFormat:
		base = engine.ErrUnsupportedFormat
	case codeInvalidParameter:
		base = engine.ErrInvalidParameter
	case codeLocateOutOfRange:
		base = engine.ErrLocateOutOfRange
	default:
		base = ErrGuest
	}
	return fmt.Errorf("%s: %w (code %d)", fn, base, code)
}

var exports = []string{
	"engine_alloc", "engine_init", "engine_config", "engine_set_parameter",
	"engine_open", "engine_prepare", "engine_render", "engine_state",
	"engine_locate", "engine_location", "engine_duration", "engine_pause",
	"engine_resume", "engine_close", "engine_shutdown",
}

type guestEngine struct {
	r        *Runtime
	ctx      context.Context
	mod      api.Module
	fns      map[string]api.Function
	cfgPtr   uint32
	shutdown bool
}

func (r *Runtime) newEngine(ctx context.Context) (engine.Engine, error) {
	mod, err := r.rt.InstantiateModule(ctx, r.compiled, wazero.NewModuleConfig().WithName(""))
	if err != nil {
		return nil, fmt.Errorf("instantiate module: %w", err)
	}
	e := &guestEngine{
		r:   r,
		ctx: context.WithoutCancel(ctx),
		mod: mod,
		fns: make(map[string]api.Function, len(exports)),
	}
	for _, name := range exports {
		fn := mod.ExportedFunction(name)
		if fn == nil {
			mod.Close(ctx)
			return nil, fmt.Errorf("export %q not found", name)
		}
		e.fns[name] = fn
	}
	ptr, err := e.call("engine_alloc", 12)
	if err != nil {
		mod.Close(ctx)
		return nil, err
	}
	e.cfgPtr = uint32(ptr)
	if _, err := e.status("engine_init"); err != nil {
		mod.Close(ctx)
		return nil, err
	}
	return e, nil
}

func (e *guestEngine) call(name string, args ...uint64) (int32, error) {
	res, err := e.fns[name].Call(e.ctx, args...)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if len(res) == 0 {
		return 0, fmt.Errorf("%s: %w: no result", name, ErrGuest)
	}
	return api.DecodeI32(res[0]), nil
}

// status calls name and maps negative results to errors.
func (e *guestEngine) status(name string, args ...uint64) (int32, error) {
	v, err := e.call(name, args...)
	if err != nil {
		return 0, err
	}
	if v < 0 {
		return 0, codeError(name, v)
	}
	return v, nil
}

func (e *guestEngine) Config() (engine.Config, error) {
	if e.shutdown {
		return engine.Config{}, engine.ErrEngineShutdown
	}
	if _, err := e.status("engine_config", api.EncodeU32(e.cfgPtr)); err != nil {
		return engine.Config{}, err
	}
	raw, ok := e.mod.Memory().Read(e.cfgPtr, 12)
	if !ok {
		return engine.Config{}, fmt.Errorf("engine_config: %w: result outside memory", ErrGuest)
	}
	return engine.Config{
		BlockFrames: int(binary.LittleEndian.Uint32(raw[0:])),
		Channels:    int(binary.LittleEndian.Uint32(raw[4:])),
		SampleRate:  int(binary.LittleEndian.Uint32(raw[8:])),
	}, nil
}

func (e *guestEngine) SetParameter(module engine.Module, param engine.Param, value int32) error {
	if e.shutdown {
		return engine.ErrEngineShutdown
	}
	_, err := e.status("engine_set_parameter",
		api.EncodeI32(int32(module)), api.EncodeI32(int32(param)), api.EncodeI32(value))
	return err
}

func (e *guestEngine) OpenStream(src engine.Source) (engine.Stream, error) {
	if e.shutdown {
		return nil, engine.ErrEngineShutdown
	}
	cfg, err := e.Config()
	if err != nil {
		return nil, err
	}
	id := e.r.register(src)
	handle, err := e.status("engine_open", api.EncodeU32(id))
	if err != nil {
		e.r.unregister(id)
		return nil, err
	}
	pcmBytes := cfg.BlockBytes()
	ptr, err := e.call("engine_alloc", api.EncodeI32(int32(pcmBytes)))
	if err != nil {
		_, _ = e.status("engine_close", api.EncodeI32(handle))
		e.r.unregister(id)
		return nil, err
	}
	return &guestStream{eng: e, handle: handle, source: id, cfg: cfg, pcmPtr: uint32(ptr)}, nil
}

func (e *guestEngine) Shutdown() error {
	if e.shutdown {
		return engine.ErrEngineShutdown
	}
	e.shutdown = true
	_, err := e.status("engine_shutdown")
	return errors.Join(err, e.mod.Close(e.ctx))
}

type guestStream struct {
	eng    *guestEngine
	handle int32
	source uint32
	cfg    engine.Config
	pcmPtr uint32
	closed bool
}

func (s *guestStream) status(name string, args ...uint64) (int32, error) {
	if s.closed {
		return 0, engine.ErrStreamClosed
	}
	if s.eng.shutdown {
		return 0, engine.ErrEngineShutdown
	}
	return s.eng.status(name, append([]uint64{api.EncodeI32(s.handle)}, args...)...)
}

func (s *guestStream) Prepare() error {
	_, err := s.status("engine_prepare")
	return err
}

func (s *guestStream) Render(pcm []int16, frames int) (int, error) {
	if frames <= 0 || frames > s.cfg.BlockFrames {
		return 0, fmt.Errorf("render of %d frames, block size is %d", frames, s.cfg.BlockFrames)
	}
	if len(pcm) < frames*s.cfg.Channels {
		return 0, fmt.Errorf("render buffer holds %d samples, need %d", len(pcm), frames*s.cfg.Channels)
	}
	n, err := s.status("engine_render", api.EncodeU32(s.pcmPtr), api.EncodeI32(int32(frames)))
	if err != nil {
		return 0, err
	}
	rendered := min(int(n), frames)
	samples := rendered * s.cfg.Channels
	raw, ok := s.eng.mod.Memory().Read(s.pcmPtr, uint32(samples*engine.SampleWidth))
	if !ok {
		return 0, fmt.Errorf("engine_render: %w: pcm outside memory", ErrGuest)
	}
	for i := 0; i < samples; i++ {
		pcm[i] = int16(binary.LittleEndian.Uint16(raw[i*engine.SampleWidth:]))
	}
	return rendered, nil
}

func (s *guestStream) State() (engine.State, error) {
	v, err := s.status("engine_state")
	if err != nil {
		return engine.StateError, err
	}
	return engine.State(v), nil
}

func (s *guestStream) Locate(ms int32, relative bool) error {
	_, err := s.status("engine_locate", api.EncodeI32(ms), api.EncodeI32(engine.Bool(relative)))
	return err
}

func (s *guestStream) Location() (int32, error) {
	return s.status("engine_location")
}

func (s *guestStream) Duration() (int32, error) {
	return s.status("engine_duration")
}

func (s *guestStream) Pause() error {
	_, err := s.status("engine_pause")
	return err
}

func (s *guestStream) Resume() error {
	_, err := s.status("engine_resume")
	return err
}

func (s *guestStream) Close() error {
	if s.closed {
		return engine.ErrStreamClosed
	}
	_, err := s.status("engine_close")
	s.closed = true
	s.eng.r.unregister(s.source)
	return err
}
