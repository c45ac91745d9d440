//go:build ignore

// gen_silence writes testdata/silence.wasm, a fixed-length guest engine used
// by the package tests. The guest accepts sources starting with "MThd",
// plays for 1000 ms at 22050 Hz stereo in 128-frame blocks and fills every
// sample with 7.
package main

import (
	"bytes"
	"encoding/binary"
	"log"
	"os"
)

const (
	i32 = 0x7f
	i64 = 0x7e
)

func uleb(n uint64) []byte {
	var out []byte
	for {
		b := byte(n & 0x7f)
		n >>= 7
		if n != 0 {
			out = append(out, b|0x80)
			continue
		}
		return append(out, b)
	}
}

func sleb(n int64) []byte {
	var out []byte
	for {
		b := byte(n & 0x7f)
		n >>= 7
		if (n == 0 && b&0x40 == 0) || (n == -1 && b&0x40 != 0) {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}

func cat(parts ...[]byte) []byte { return bytes.Join(parts, nil) }

func vec(items ...[]byte) []byte { return cat(uleb(uint64(len(items))), cat(items...)) }

func name(s string) []byte { return cat(uleb(uint64(len(s))), []byte(s)) }

func section(id byte, payload []byte) []byte {
	return cat([]byte{id}, uleb(uint64(len(payload))), payload)
}

func op(code byte, imm []byte) []byte { return cat([]byte{code}, imm) }

func i32c(v int64) []byte  { return op(0x41, sleb(v)) }
func i64c(v int64) []byte  { return op(0x42, sleb(v)) }
func lget(i uint64) []byte { return op(0x20, uleb(i)) }
func lset(i uint64) []byte { return op(0x21, uleb(i)) }
func gget(i uint64) []byte { return op(0x23, uleb(i)) }
func gset(i uint64) []byte { return op(0x24, uleb(i)) }
func call(i uint64) []byte { return op(0x10, uleb(i)) }
func br(i uint64) []byte   { return op(0x0c, uleb(i)) }
func brIf(i uint64) []byte { return op(0x0d, uleb(i)) }
func store(off uint64) []byte {
	return cat([]byte{0x36}, uleb(2), uleb(off))
}

var (
	ifEmpty = []byte{0x04, 0x40}
	end     = []byte{0x0b}
	ret     = []byte{0x0f}
	block   = []byte{0x02, 0x40}
	loop    = []byte{0x03, 0x40}
	eqz     = []byte{0x45}
	eq      = []byte{0x46}
	ne      = []byte{0x47}
	ltS     = []byte{0x48}
	gtS     = []byte{0x4a}
	gtU     = []byte{0x4b}
	geS     = []byte{0x4e}
	add     = []byte{0x6a}
	mul     = []byte{0x6c}
	divS    = []byte{0x6d}
	and     = []byte{0x71}
	i64LtS  = []byte{0x53}
	sel     = []byte{0x1b}
	load    = cat([]byte{0x28}, uleb(2), uleb(0))
	store16 = cat([]byte{0x3b}, uleb(1), uleb(0))
)

func fail(code int64) []byte { return cat(i32c(code), ret) }

const (
	gHeap = iota
	gState
	gFrames
	gBase
	gClosed
	gSource
)

const (
	tSize = iota
	tRead
	tUnary
	tNullary
	tTernary
)

const (
	fSourceSize = 0
	fSourceRead = 1
	imported    = 2
)

const (
	duration = 1000
	rate     = 22050
	mthd     = 0x6468544d
)

type function struct {
	export string
	typ    uint64
	locals []byte
	body   []byte
}

var funcs []function

func fn(export string, typ uint64, locals []byte, body ...[]byte) uint64 {
	if locals == nil {
		locals = []byte{0x00}
	}
	funcs = append(funcs, function{export: export, typ: typ, locals: locals, body: cat(body...)})
	return imported + uint64(len(funcs)) - 1
}

func main() {
	out := "testdata/silence.wasm"
	if len(os.Args) > 1 {
		out = os.Args[1]
	}

	types := vec(
		cat([]byte{0x60}, vec([]byte{i32}), vec([]byte{i64})),
		cat([]byte{0x60}, vec([]byte{i32}, []byte{i64}, []byte{i32}, []byte{i32}), vec([]byte{i32})),
		cat([]byte{0x60}, vec([]byte{i32}), vec([]byte{i32})),
		cat([]byte{0x60}, vec(), vec([]byte{i32})),
		cat([]byte{0x60}, vec([]byte{i32}, []byte{i32}, []byte{i32}), vec([]byte{i32})),
	)
	imports := vec(
		cat(name("env"), name("source_size"), []byte{0x00}, uleb(tSize)),
		cat(name("env"), name("source_read"), []byte{0x00}, uleb(tRead)),
	)

	check := cat(lget(0), i32c(1), ne, ifEmpty, fail(-2), end, gget(gClosed), ifEmpty, fail(-2), end)

	position := fn("", tNullary, nil,
		gget(gBase), gget(gFrames), i32c(1000), mul, i32c(rate), divS, add)
	fn("engine_alloc", tUnary, nil,
		gget(gHeap), gget(gHeap), lget(0), add, i32c(7), add, i32c(-8), and, gset(gHeap))
	fn("engine_init", tNullary, nil, i32c(0))
	fn("engine_config", tUnary, nil,
		lget(0), i32c(128), store(0), lget(0), i32c(2), store(4), lget(0), i32c(rate), store(8), i32c(0))
	fn("engine_set_parameter", tTernary, nil,
		lget(0), i32c(2), ne, ifEmpty, fail(-5), end,
		lget(1), eqz, ifEmpty, lget(2), i32c(1), gtU, ifEmpty, fail(-5), end, i32c(0), ret, end,
		lget(1), i32c(1), eq, ifEmpty, lget(2), i32c(3), gtU, ifEmpty, fail(-5), end, i32c(0), ret, end,
		lget(1), i32c(2), eq, ifEmpty, lget(2), i32c(32765), gtU, ifEmpty, fail(-5), end, i32c(0), ret, end,
		i32c(-5))
	fn("engine_open", tUnary, nil,
		lget(0), call(fSourceSize), i64c(4), i64LtS, ifEmpty, fail(-4), end,
		lget(0), i64c(0), i32c(0), i32c(4), call(fSourceRead), i32c(4), ne, ifEmpty, fail(-4), end,
		i32c(0), load, i32c(mthd), ne, ifEmpty, fail(-4), end,
		lget(0), gset(gSource),
		i32c(0), gset(gState), i32c(0), gset(gFrames), i32c(0), gset(gBase), i32c(0), gset(gClosed),
		i32c(1))
	fn("engine_prepare", tUnary, nil,
		check, gget(gState), ifEmpty, fail(-1), end, i32c(1), gset(gState), i32c(0))
	fn("engine_render", tTernary, vec(cat(uleb(2), []byte{i32})),
		check,
		gget(gState), i32c(2), eq, ifEmpty, lget(2), ret, end,
		gget(gState), i32c(1), ne, ifEmpty, fail(-1), end,
		lget(2), i32c(2), mul, lset(4),
		i32c(0), lset(3),
		block, loop,
		lget(3), lget(4), geS, brIf(1),
		lget(1), lget(3), i32c(2), mul, add, i32c(7), store16,
		lget(3), i32c(1), add, lset(3),
		br(0), end, end,
		gget(gFrames), lget(2), add, gset(gFrames),
		call(position), i32c(duration), geS, ifEmpty, i32c(3), gset(gState), end,
		lget(2))
	fn("engine_state", tUnary, nil, check, gget(gState))
	fn("engine_locate", tTernary, nil,
		check,
		gget(gState), eqz, ifEmpty, fail(-1), end,
		gget(gState), i32c(3), geS, ifEmpty, fail(-1), end,
		lget(2), ifEmpty, lget(1), call(position), add, lset(1), end,
		lget(1), i32c(0), ltS, ifEmpty, fail(-6), end,
		lget(1), i32c(duration), gtS, ifEmpty, fail(-6), end,
		lget(1), gset(gBase), i32c(0), gset(gFrames), i32c(0))
	fn("engine_location", tUnary, nil,
		check, call(position), i32c(duration), call(position), i32c(duration), ltS, sel)
	fn("engine_duration", tUnary, nil, check, i32c(duration))
	fn("engine_pause", tUnary, nil,
		check, gget(gState), i32c(1), ne, ifEmpty, fail(-1), end, i32c(2), gset(gState), i32c(0))
	fn("engine_resume", tUnary, nil,
		check, gget(gState), i32c(2), ne, ifEmpty, fail(-1), end, i32c(1), gset(gState), i32c(0))
	fn("engine_close", tUnary, nil, check, i32c(1), gset(gClosed), i32c(0))
	fn("engine_shutdown", tNullary, nil, i32c(0))

	var fnTypes, exports, bodies [][]byte
	exports = append(exports, cat(name("memory"), []byte{0x02}, uleb(0)))
	for i, f := range funcs {
		fnTypes = append(fnTypes, uleb(f.typ))
		if f.export != "" {
			exports = append(exports, cat(name(f.export), []byte{0x00}, uleb(uint64(imported+i))))
		}
		code := cat(f.locals, f.body, end)
		bodies = append(bodies, cat(uleb(uint64(len(code))), code))
	}
	var globals [][]byte
	for _, v := range []int64{1024, 0, 0, 0, 1, 0} {
		globals = append(globals, cat([]byte{i32, 1}, i32c(v), end))
	}

	version := make([]byte, 4)
	binary.LittleEndian.PutUint32(version, 1)
	module := cat(
		[]byte("\x00asm"), version,
		section(1, types),
		section(2, imports),
		section(3, vec(fnTypes...)),
		section(5, vec(cat([]byte{0x00}, uleb(1)))),
		section(6, vec(globals...)),
		section(7, vec(exports...)),
		section(10, vec(bodies...)),
	)
	if err := os.WriteFile(out, module, 0o644); err != nil {
		log.Fatalf("write %s: %v", out, err)
	}
}
