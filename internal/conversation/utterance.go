package conversation

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultFailureText replaces the transcript when transcription fails or
// returns nothing.
const DefaultFailureText = "failed STT"

// Utterance is one finished turn of a speaker. It is immutable once emitted.
type Utterance struct {
	// ID is a UUIDv7 string. IDs issued by one process are time ordered.
	ID string

	// Seq orders utterances within one conversation, starting at 1, in the
	// order they were emitted.
	Seq uint64

	// Speaker is the configured speaker name.
	Speaker string

	// StartTime is the wall-clock time the speech started, derived from the
	// capture clock.
	StartTime time.Time

	// DurationMs is the speech length on the capture clock. Never negative.
	DurationMs int64

	// Loudness is the mean frame level of the utterance, rounded to three
	// decimals and clamped to [0, 1].
	Loudness float64

	// Text is the corrected transcript, or the failure text.
	Text string

	// IsCollision is true when the speaker survived an overlap with another
	// speaker.
	IsCollision bool

	// TranscriptionFailed is true when Text is the failure text.
	TranscriptionFailed bool

	// Truncated is true when the recording hit the recorder's length cap.
	Truncated bool
}

// Packet is the JSON shape of an [Utterance] handed to downstream consumers.
type Packet struct {
	UUID        string  `json:"uuid"`
	Speaker     string  `json:"speaker"`
	StartAt     int64   `json:"start_at"`
	DurationMs  int64   `json:"duration_ms"`
	Volume      float64 `json:"volume"`
	Text        string  `json:"text"`
	IsCollision bool    `json:"is_collision"`
}

// Packet converts u to its wire form. StartAt is in Unix milliseconds.
func (u Utterance) Packet() Packet {
	return Packet{
		UUID:        u.ID,
		Speaker:     u.Speaker,
		StartAt:     u.StartTime.UnixMilli(),
		DurationMs:  u.DurationMs,
		Volume:      u.Loudness,
		Text:        u.Text,
		IsCollision: u.IsCollision,
	}
}

// MarshalJSON encodes u as its [Packet].
func (u Utterance) MarshalJSON() ([]byte, error) {
	return json.Marshal(u.Packet())
}

// String returns a short human-readable summary.
func (u Utterance) String() string {
	s := fmt.Sprintf("#%d %s %dms vol=%.3f %q", u.Seq, u.Speaker, u.DurationMs, u.Loudness, u.Text)
	if u.IsCollision {
		s += " (collision)"
	}
	return s
}

// idSource issues utterance IDs and sequence numbers for one conversation.
type idSource struct {
	mu  sync.Mutex
	seq uint64
}

// next returns a fresh UUIDv7 and the next sequence number. Holding mu across
// both keeps ID order and Seq order aligned.
func (s *idSource) next() (string, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails when the random source fails.
		id = uuid.New()
	}
	return id.String(), s.seq
}
