package sink

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/loqalabs/loqa-midi/internal/protocol"
)

// Publisher is the subset of *nats.Conn the bus sink needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// BusSink publishes each chunk as a protocol.AudioChunk on the session's
// audio subject. Close publishes an empty final chunk.
type BusSink struct {
	pub       Publisher
	subject   string
	sessionID string
	format    Format
	sequence  int
	closed    bool
}

// Bus returns a sink publishing audio for sessionID.
func Bus(pub Publisher, sessionID string, format Format) *BusSink {
	return &BusSink{
		pub:       pub,
		subject:   protocol.AudioSubject(sessionID),
		sessionID: sessionID,
		format:    format,
	}
}

func (s *BusSink) Write(p []byte) (int, error) {
	if s.closed {
		return 0, errors.New("bus sink closed")
	}
	if err := s.publish(p, false); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Chunks returns the number of chunks published, excluding the final marker.
func (s *BusSink) Chunks() int { return s.sequence }

func (s *BusSink) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.publish(nil, true)
}

func (s *BusSink) publish(pcm []byte, final bool) error {
	chunk := protocol.AudioChunk{
		SessionID:  s.sessionID,
		Sequence:   s.sequence,
		SampleRate: s.format.SampleRate,
		Channels:   s.format.Channels,
		PCM:        pcm,
		Final:      final,
	}
	data, err := json.Marshal(chunk)
	if err != nil {
		return fmt.Errorf("encode audio chunk: %w", err)
	}
	if err := s.pub.Publish(s.subject, data); err != nil {
		return fmt.Errorf("publish audio chunk: %w", err)
	}
	if !final {
		s.sequence++
	}
	return nil
}
