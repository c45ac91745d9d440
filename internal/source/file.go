package source

import (
	"fmt"
	"io"
	"os"
)

// File exposes a region of an open file through bounded random-access reads.
// It is not safe for concurrent use: every Pull moves the file cursor.
type File struct {
	f      *os.File
	base   int64
	length int64
	closed bool
}

// Open opens path and exposes the whole file.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	return &File{f: f, length: info.Size()}, nil
}

// OpenSection exposes length bytes of f starting at base, for data embedded
// in a larger container. The returned File takes ownership of f.
func OpenSection(f *os.File, base, length int64) (*File, error) {
	if base < 0 || length < 0 {
		return nil, fmt.Errorf("invalid section base=%d length=%d", base, length)
	}
	return &File{f: f, base: base, length: length}, nil
}

// Pull reads up to len(p) bytes at offset into p. The request is clamped to
// the section, so reads at or past the end return 0. OS errors surface as a
// short count.
func (s *File) Pull(p []byte, offset int64) int {
	if s.closed {
		return 0
	}
	if offset < 0 {
		offset = 0
	}
	if offset > s.length {
		offset = s.length
	}
	size := int64(len(p))
	if offset+size > s.length {
		size = s.length - offset
	}
	if size <= 0 {
		return 0
	}
	if _, err := s.f.Seek(s.base+offset, io.SeekStart); err != nil {
		return 0
	}
	// A failed or truncated read is reported only through the count.
	n, _ := io.ReadFull(s.f, p[:size])
	return n
}

// Size returns the section length fixed at construction.
func (s *File) Size() int64 {
	return s.length
}

// Close closes the descriptor. Subsequent calls are no-ops.
func (s *File) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.f.Close()
}
