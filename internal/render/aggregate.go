package render

import (
	"encoding/binary"
	"fmt"

	"github.com/loqalabs/loqa-midi/internal/engine"
)

// DefaultAggregation is the number of rendered blocks batched per write.
const DefaultAggregation = 4

// Aggregator batches whole rendered blocks into one little-endian PCM chunk.
// Its capacity is fixed at construction from the engine configuration.
type Aggregator struct {
	buf        []byte
	blockBytes int
	factor     int
	blocks     int
}

// NewAggregator sizes a buffer for factor blocks of cfg.
func NewAggregator(cfg engine.Config, factor int) *Aggregator {
	if factor <= 0 {
		factor = DefaultAggregation
	}
	return &Aggregator{
		buf:        make([]byte, 0, cfg.BlockBytes()*factor),
		blockBytes: cfg.BlockBytes(),
		factor:     factor,
	}
}

// Append adds one block and reports whether the buffer is now full.
// A full buffer must be Reset before the next Append.
func (a *Aggregator) Append(block []int16) (bool, error) {
	if len(block)*engine.SampleWidth != a.blockBytes {
		return false, fmt.Errorf("aggregate %d samples, block holds %d", len(block), a.blockBytes/engine.SampleWidth)
	}
	if a.blocks >= a.factor {
		return true, fmt.Errorf("aggregation buffer full (%d blocks)", a.blocks)
	}
	for _, v := range block {
		a.buf = binary.LittleEndian.AppendUint16(a.buf, uint16(v))
	}
	a.blocks++
	return a.blocks == a.factor, nil
}

// Bytes returns the aggregated chunk. It is only valid until Reset.
func (a *Aggregator) Bytes() []byte { return a.buf }

// Blocks returns the number of blocks currently held.
func (a *Aggregator) Blocks() int { return a.blocks }

// Capacity returns the size of a full chunk in bytes.
func (a *Aggregator) Capacity() int { return a.blockBytes * a.factor }

// Reset drops buffered audio.
func (a *Aggregator) Reset() {
	a.buf = a.buf[:0]
	a.blocks = 0
}
