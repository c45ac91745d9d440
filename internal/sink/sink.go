// Package sink holds the destinations a render session writes PCM chunks to.
// Every sink receives whole chunks of interleaved 16-bit little-endian
// samples, one Write per chunk, and must be closed to finalize its output.
package sink

import (
	"io"
)

// Sink consumes rendered PCM chunks.
type Sink interface {
	io.Writer
	io.Closer
}

// Format describes the PCM layout a sink receives.
type Format struct {
	SampleRate int
	Channels   int
}

type raw struct {
	w io.Writer
}

// Raw writes chunks to w unchanged. Close does not close w.
func Raw(w io.Writer) Sink {
	return raw{w: w}
}

func (r raw) Write(p []byte) (int, error) { return r.w.Write(p) }

func (raw) Close() error { return nil }
