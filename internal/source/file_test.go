package source

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func writeFixture(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fixture.bin")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	return path
}

func TestPullClampsToLength(t *testing.T) {
	data := []byte("0123456789")
	src, err := Open(writeFixture(t, data))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = src.Close() })

	if src.Size() != int64(len(data)) {
		t.Fatalf("expected size %d, got %d", len(data), src.Size())
	}

	tests := []struct {
		offset int64
		size   int
		want   string
	}{
		{0, 4, "0123"},
		{6, 4, "6789"},
		{8, 4, "89"},
		{10, 4, ""},
		{11, 4, ""},
		{100, 1, ""},
		{0, 0, ""},
		{-3, 2, "01"},
	}
	for _, tt := range tests {
		buf := make([]byte, tt.size)
		n := src.Pull(buf, tt.offset)
		if got := string(buf[:n]); got != tt.want {
			t.Fatalf("Pull(offset=%d, size=%d) = %q, want %q", tt.offset, tt.size, got, tt.want)
		}
	}
}

func TestPullNeverExceedsRemaining(t *testing.T) {
	data := bytes.Repeat([]byte{0xAB}, 37)
	src, err := Open(writeFixture(t, data))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = src.Close() })

	for offset := int64(0); offset <= 40; offset++ {
		for size := 0; size <= 45; size += 5 {
			buf := make([]byte, size)
			n := src.Pull(buf, offset)
			want := size
			if remaining := int(src.Size() - offset); remaining < want {
				want = remaining
			}
			if want < 0 {
				want = 0
			}
			if n != want {
				t.Fatalf("Pull(offset=%d, size=%d) = %d, want %d", offset, size, n, want)
			}
		}
	}
}

func TestOpenSectionUsesBase(t *testing.T) {
	path := writeFixture(t, []byte("headerPAYLOADtrailer"))
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	src, err := OpenSection(f, 6, 7)
	if err != nil {
		t.Fatalf("open section: %v", err)
	}
	t.Cleanup(func() { _ = src.Close() })

	buf := make([]byte, 32)
	n := src.Pull(buf, 0)
	if got := string(buf[:n]); got != "PAYLOAD" {
		t.Fatalf("expected PAYLOAD, got %q", got)
	}
	n = src.Pull(buf[:3], 5)
	if got := string(buf[:n]); got != "AD" {
		t.Fatalf("expected AD, got %q", got)
	}
}

func TestOpenMissingFile(t *testing.T) {
	if _, err := Open(filepath.Join(t.TempDir(), "missing.mid")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	src, err := Open(writeFixture(t, []byte("abc")))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := src.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := src.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if n := src.Pull(make([]byte, 3), 0); n != 0 {
		t.Fatalf("expected 0 bytes after close, got %d", n)
	}
}
