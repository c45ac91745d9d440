// Package wasm loads a synthesis engine compiled to WebAssembly and runs it
// under wazero. The guest exports engine_* functions; the host module "env"
// gives it read access to the stream's source.
//
// Guest ABI (all values i32 unless noted, negative results are error codes):
//
//	engine_alloc(size) ptr
//	engine_init() status
//	engine_config(out_ptr) status      writes block_frames, channels, sample_rate as u32le
//	engine_set_parameter(module, param, value) status
//	engine_open(source) stream
//	engine_prepare(stream) status
//	engine_render(stream, pcm_ptr, frames) frames
//	engine_state(stream) state
//	engine_locate(stream, ms, relative) status
//	engine_location(stream) ms
//	engine_duration(stream) ms
//	engine_pause(stream) status
//	engine_resume(stream) status
//	engine_close(stream) status
//	engine_shutdown() status
//
// Host imports from "env":
//
//	source_size(source) i64
//	source_read(source, offset i64, ptr, len) count
package wasm

//go:generate go run gen_silence.go testdata/silence.wasm

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/loqalabs/loqa-midi/internal/engine"
)

// Runtime holds one compiled engine module. Every engine created by its
// factory is a separate module instance.
type Runtime struct {
	rt       wazero.Runtime
	compiled wazero.CompiledModule
	log      *slog.Logger

	mu         sync.Mutex
	sources    map[uint32]engine.Source
	nextSource uint32
}

// Load compiles the module at path.
func Load(ctx context.Context, path string, log *slog.Logger) (*Runtime, error) {
	wasmBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read wasm module: %w", err)
	}
	return Compile(ctx, wasmBytes, log)
}

// Compile prepares a runtime from module bytes.
func Compile(ctx context.Context, wasmBytes []byte, log *slog.Logger) (*Runtime, error) {
	r := &Runtime{
		rt:      wazero.NewRuntime(ctx),
		log:     log.With(slog.String("component", "wasm-engine")),
		sources: make(map[uint32]engine.Source),
	}
	if err := r.instantiateHostModule(ctx); err != nil {
		r.rt.Close(ctx)
		return nil, fmt.Errorf("instantiate host module: %w", err)
	}
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, r.rt); err != nil {
		r.rt.Close(ctx)
		return nil, fmt.Errorf("instantiate WASI: %w", err)
	}
	compiled, err := r.rt.CompileModule(ctx, wasmBytes)
	if err != nil {
		r.rt.Close(ctx)
		return nil, fmt.Errorf("compile module: %w", err)
	}
	r.compiled = compiled
	return r, nil
}

// Close releases the runtime and every engine instance still open.
func (r *Runtime) Close(ctx context.Context) error {
	if r == nil || r.rt == nil {
		return nil
	}
	return r.rt.Close(ctx)
}

// Factory returns an engine factory backed by this runtime.
func (r *Runtime) Factory() engine.Factory {
	return r.newEngine
}

func (r *Runtime) register(src engine.Source) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextSource++
	r.sources[r.nextSource] = src
	return r.nextSource
}

func (r *Runtime) unregister(id uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sources, id)
}

func (r *Runtime) source(id uint32) (engine.Source, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	src, ok := r.sources[id]
	return src, ok
}

func (r *Runtime) instantiateHostModule(ctx context.Context) error {
	builder := r.rt.NewHostModuleBuilder("env")

	sizeFn := api.GoModuleFunc(func(_ context.Context, _ api.Module, stack []uint64) {
		src, ok := r.source(api.DecodeU32(stack[0]))
		if !ok {
			stack[0] = api.EncodeI64(-1)
			return
		}
		stack[0] = api.EncodeI64(src.Size())
	})
	builder.NewFunctionBuilder().
		WithGoModuleFunction(sizeFn, []api.ValueType{api.ValueTypeI32}, []api.ValueType{api.ValueTypeI64}).
		WithName("source_size").
		WithParameterNames("source").
		Export("source_size")

	readFn := api.GoModuleFunc(func(_ context.Context, mod api.Module, stack []uint64) {
		id := api.DecodeU32(stack[0])
		offset := int64(stack[1])
		ptr := api.DecodeU32(stack[2])
		length := api.DecodeU32(stack[3])
		stack[0] = api.EncodeI32(0)

		src, ok := r.source(id)
		if !ok || length == 0 {
			return
		}
		mem := mod.Memory()
		if mem == nil {
			r.log.Warn("source_read: module has no memory", slog.Uint64("source", uint64(id)))
			return
		}
		buf, ok := mem.Read(ptr, length)
		if !ok {
			r.log.Warn("source_read: buffer outside memory",
				slog.Uint64("ptr", uint64(ptr)), slog.Uint64("len", uint64(length)))
			return
		}
		stack[0] = api.EncodeI32(int32(src.Pull(buf, offset)))
	})
	builder.NewFunctionBuilder().
		WithGoModuleFunction(readFn,
			[]api.ValueType{api.ValueTypeI32, api.ValueTypeI64, api.ValueTypeI32, api.ValueTypeI32},
			[]api.ValueType{api.ValueTypeI32}).
		WithName("source_read").
		WithParameterNames("source", "offset", "ptr", "len").
		WithResultNames("count").
		Export("source_read")

	_, err := builder.Instantiate(ctx)
	return err
}
