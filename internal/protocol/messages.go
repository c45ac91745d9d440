package protocol

import "time"

// RenderRequest asks the render service to render one file.
type RenderRequest struct {
	SessionID    string `json:"session_id,omitempty"`
	Path         string `json:"path"`
	ReverbPreset int    `json:"reverb_preset"`
	ReverbWet    int    `json:"reverb_wet"`
	SeekMs       int32  `json:"seek_ms,omitempty"`
}

// AudioChunk carries one aggregated PCM chunk. The final chunk of a session
// has Final set and may carry no PCM.
type AudioChunk struct {
	SessionID  string `json:"session_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm,omitempty"`
	Final      bool   `json:"final"`
}

// RenderStatus reports a session state change.
type RenderStatus struct {
	SessionID  string    `json:"session_id"`
	Path       string    `json:"path"`
	Status     string    `json:"status"`
	Blocks     int64     `json:"blocks,omitempty"`
	Bytes      int64     `json:"bytes,omitempty"`
	DurationMs int32     `json:"duration_ms,omitempty"`
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

const (
	StatusAccepted  = "accepted"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

const (
	SubjectRenderRequest     = "midi.render.request"
	SubjectRenderAudioPrefix = "midi.render.audio"
	SubjectRenderStatus      = "midi.render.status"
)

// MaxSessionIDLength bounds client-chosen session ids.
const MaxSessionIDLength = 64

// ValidSessionID reports whether id can be used as a single subject token:
// letters, digits, '-' and '_' only.
func ValidSessionID(id string) bool {
	if id == "" || len(id) > MaxSessionIDLength {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}

// AudioSubject returns the subject audio for sessionID is published on.
func AudioSubject(sessionID string) string {
	return SubjectRenderAudioPrefix + "." + sessionID
}
