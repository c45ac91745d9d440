// Package remote runs an engine in a helper process. Host and helper
// exchange newline-delimited JSON frames over the helper's stdin and
// stdout. While a call is in flight the helper may ask the host for source
// bytes with pull and size frames, which the host answers before the call's
// result arrives.
package remote

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/loqalabs/loqa-midi/internal/engine"
)

const (
	kindCall   = "call"
	kindResult = "result"
	kindPull   = "pull"
	kindSize   = "size"
	kindReply  = "reply"
)

const (
	opInit         = "init"
	opConfig       = "config"
	opSetParameter = "set_parameter"
	opOpen         = "open"
	opPrepare      = "prepare"
	opRender       = "render"
	opState        = "state"
	opLocate       = "locate"
	opLocation     = "location"
	opDuration     = "duration"
	opPause        = "pause"
	opResume       = "resume"
	opClose        = "close"
	opShutdown     = "shutdown"
)

type frame struct {
	Kind     string         `json:"kind"`
	ID       uint64         `json:"id,omitempty"`
	Op       string         `json:"op,omitempty"`
	Stream   int64          `json:"stream,omitempty"`
	Module   engine.Module  `json:"module,omitempty"`
	Param    engine.Param   `json:"param,omitempty"`
	Value    int32          `json:"value,omitempty"`
	Frames   int            `json:"frames,omitempty"`
	Ms       int32          `json:"ms,omitempty"`
	Relative bool           `json:"relative,omitempty"`
	Offset   int64          `json:"offset,omitempty"`
	Count    int            `json:"count,omitempty"`
	Size     int64          `json:"size,omitempty"`
	Data     []byte         `json:"data,omitempty"`
	State    engine.State   `json:"state,omitempty"`
	Config   *engine.Config `json:"config,omitempty"`
	Code     string         `json:"code,omitempty"`
	Error    string         `json:"error,omitempty"`
}

var sentinels = map[string]error{
	"stream_closed":       engine.ErrStreamClosed,
	"engine_shutdown":     engine.ErrEngineShutdown,
	"unsupported_format":  engine.ErrUnsupportedFormat,
	"invalid_parameter":   engine.ErrInvalidParameter,
	"locate_out_of_range": engine.ErrLocateOutOfRange,
}

// ErrRemote wraps helper failures that carry no engine sentinel.
var ErrRemote = errors.New("remote engine error")

func errorCode(err error) string {
	for code, sentinel := range sentinels {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return ""
}

func decodeError(f frame) error {
	if sentinel, ok := sentinels[f.Code]; ok {
		return fmt.Errorf("%w: %s", sentinel, f.Error)
	}
	return fmt.Errorf("%w: %s", ErrRemote, f.Error)
}

func encodePCM(pcm []int16) []byte {
	out := make([]byte, 0, len(pcm)*engine.SampleWidth)
	for _, v := range pcm {
		out = binary.LittleEndian.AppendUint16(out, uint16(v))
	}
	return out
}

func decodePCM(dst []int16, data []byte) int {
	n := min(len(dst), len(data)/engine.SampleWidth)
	for i := 0; i < n; i++ {
		dst[i] = int16(binary.LittleEndian.Uint16(data[i*engine.SampleWidth:]))
	}
	return n
}
