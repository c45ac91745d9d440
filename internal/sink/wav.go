package sink

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const bitDepth = 16

// WAVFile encodes chunks into a 16-bit PCM WAV container. The header sizes
// are patched when the sink is closed.
type WAVFile struct {
	file    *os.File
	enc     *wav.Encoder
	format  Format
	buffer  *audio.IntBuffer
	samples int64
	closed  bool
}

// WAV creates path and returns a sink encoding into it.
func WAV(path string, format Format) (*WAVFile, error) {
	if format.SampleRate <= 0 || format.Channels <= 0 {
		return nil, fmt.Errorf("invalid wav format %+v", format)
	}
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create wav file: %w", err)
	}
	return &WAVFile{
		file:   file,
		enc:    wav.NewEncoder(file, format.SampleRate, bitDepth, format.Channels, 1),
		format: format,
		buffer: &audio.IntBuffer{
			Format:         &audio.Format{NumChannels: format.Channels, SampleRate: format.SampleRate},
			SourceBitDepth: bitDepth,
		},
	}, nil
}

func (s *WAVFile) Write(p []byte) (int, error) {
	if s.closed {
		return 0, os.ErrClosed
	}
	if len(p)%2 != 0 {
		return 0, errors.New("pcm payload not aligned")
	}
	n := len(p) / 2
	if cap(s.buffer.Data) < n {
		s.buffer.Data = make([]int, n)
	}
	s.buffer.Data = s.buffer.Data[:n]
	for i := range s.buffer.Data {
		s.buffer.Data[i] = int(int16(binary.LittleEndian.Uint16(p[i*2:])))
	}
	if err := s.enc.Write(s.buffer); err != nil {
		return 0, fmt.Errorf("write wav: %w", err)
	}
	s.samples += int64(n)
	return len(p), nil
}

// Frames returns the number of frames encoded so far.
func (s *WAVFile) Frames() int64 {
	return s.samples / int64(s.format.Channels)
}

func (s *WAVFile) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	var errs []error
	if s.samples == 0 {
		// The encoder only emits its header on the first write.
		s.buffer.Data = s.buffer.Data[:0]
		if err := s.enc.Write(s.buffer); err != nil {
			errs = append(errs, fmt.Errorf("write wav header: %w", err))
		}
	}
	if err := s.enc.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close wav encoder: %w", err))
	}
	if err := s.file.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close wav file: %w", err))
	}
	return errors.Join(errs...)
}
