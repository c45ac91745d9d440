package render

import (
	"encoding/binary"
	"testing"

	"github.com/loqalabs/loqa-midi/internal/engine"
)

func TestAggregatorFillsAndResets(t *testing.T) {
	cfg := engine.Config{BlockFrames: 4, Channels: 2, SampleRate: 8000}
	agg := NewAggregator(cfg, 3)
	if agg.Capacity() != 48 {
		t.Fatalf("expected capacity 48, got %d", agg.Capacity())
	}

	block := make([]int16, cfg.BlockSamples())
	for i := 1; i <= 3; i++ {
		for j := range block {
			block[j] = int16(-i)
		}
		full, err := agg.Append(block)
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if full != (i == 3) {
			t.Fatalf("append %d: unexpected full=%v", i, full)
		}
	}
	if _, err := agg.Append(block); err == nil {
		t.Fatal("expected append to a full buffer to fail")
	}

	data := agg.Bytes()
	if len(data) != 48 {
		t.Fatalf("expected 48 bytes, got %d", len(data))
	}
	if got := int16(binary.LittleEndian.Uint16(data[16:])); got != -2 {
		t.Fatalf("expected second block to start with -2, got %d", got)
	}

	agg.Reset()
	if agg.Blocks() != 0 || len(agg.Bytes()) != 0 {
		t.Fatal("expected reset to drop buffered audio")
	}
}

func TestAggregatorRejectsPartialBlock(t *testing.T) {
	cfg := engine.Config{BlockFrames: 4, Channels: 2, SampleRate: 8000}
	agg := NewAggregator(cfg, 0)
	if agg.Capacity() != cfg.BlockBytes()*DefaultAggregation {
		t.Fatalf("expected default aggregation, got capacity %d", agg.Capacity())
	}
	if _, err := agg.Append(make([]int16, 3)); err == nil {
		t.Fatal("expected partial block to be rejected")
	}
}
