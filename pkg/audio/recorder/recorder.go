// Package recorder buffers a speaker's audio while speech is detected.
//
// A [Recorder] is fed every processed frame through [Recorder.Write]. While
// inactive it only keeps a short pre-roll ring so that the onset of a word,
// which precedes the moment the level crosses the start threshold, is not
// cut off. [Recorder.Start] seeds the recording with the pre-roll and
// [Recorder.Stop] hands back the finished [Segment].
package recorder

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/crosstalk/pkg/audio"
	"github.com/MrWong99/crosstalk/pkg/audio/codec"
)

// Default buffer sizes.
const (
	DefaultPreRoll     = 300 * time.Millisecond
	DefaultMaxDuration = 15 * time.Second
)

var (
	// ErrNotActive is returned by Stop and Discard when no recording is in
	// progress.
	ErrNotActive = errors.New("recorder: not active")

	// ErrAlreadyActive is returned by Start when a recording is in progress.
	ErrAlreadyActive = errors.New("recorder: already active")
)

// Segment is a finished recording.
type Segment struct {
	// Samples holds mono audio at SampleRate, pre-roll included.
	Samples []float32

	// SampleRate in Hz.
	SampleRate int

	// PreRoll is how much audio before Start is included at the head.
	PreRoll time.Duration

	// Truncated is true when the recording hit the maximum duration and
	// later audio was dropped.
	Truncated bool
}

// Duration returns the playback length of the segment.
func (s Segment) Duration() time.Duration {
	if s.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(s.Samples)) * time.Second / time.Duration(s.SampleRate)
}

// Encode encodes the segment with the first encoding in prefs that supports
// its sample rate.
func (s Segment) Encode(prefs []audio.Encoding) (audio.Blob, error) {
	return codec.Encode(codec.Preferred(prefs, s.SampleRate), s.Samples, s.SampleRate)
}

// Option configures a [Recorder].
type Option func(*Recorder)

// WithPreRoll sets how much audio before Start is kept. Zero disables the
// pre-roll.
func WithPreRoll(d time.Duration) Option {
	return func(r *Recorder) { r.preRoll = d }
}

// WithMaxDuration bounds the length of a single recording.
func WithMaxDuration(d time.Duration) Option {
	return func(r *Recorder) { r.maxDuration = d }
}

// Recorder accumulates audio for one speaker. It is safe for concurrent use.
type Recorder struct {
	mu          sync.Mutex
	sampleRate  int
	preRoll     time.Duration
	maxDuration time.Duration

	ring       []float32
	ringPos    int
	ringFilled int

	active     bool
	buf        []float32
	maxSamples int
	headLen    int
	truncated  bool
}

// New creates a recorder for mono audio at sampleRate.
func New(sampleRate int, opts ...Option) (*Recorder, error) {
	r := &Recorder{
		sampleRate:  sampleRate,
		preRoll:     DefaultPreRoll,
		maxDuration: DefaultMaxDuration,
	}
	for _, o := range opts {
		o(r)
	}
	if sampleRate <= 0 {
		return nil, fmt.Errorf("recorder: sample rate must be positive, got %d", sampleRate)
	}
	if r.preRoll < 0 {
		return nil, fmt.Errorf("recorder: pre-roll must not be negative, got %s", r.preRoll)
	}
	if r.maxDuration <= 0 {
		return nil, fmt.Errorf("recorder: max duration must be positive, got %s", r.maxDuration)
	}
	r.ring = make([]float32, samplesFor(sampleRate, r.preRoll))
	r.maxSamples = samplesFor(sampleRate, r.maxDuration) + len(r.ring)
	return r, nil
}

func samplesFor(rate int, d time.Duration) int {
	return int(int64(rate) * int64(d) / int64(time.Second))
}

// Write feeds processed audio into the recorder. While inactive it only
// refreshes the pre-roll; while active it appends to the recording.
func (r *Recorder) Write(samples []float32) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active {
		room := r.maxSamples - len(r.buf)
		if room < len(samples) {
			r.truncated = true
			samples = samples[:max(room, 0)]
		}
		r.buf = append(r.buf, samples...)
		return
	}
	r.pushRing(samples)
}

func (r *Recorder) pushRing(samples []float32) {
	n := len(r.ring)
	if n == 0 {
		return
	}
	if len(samples) >= n {
		copy(r.ring, samples[len(samples)-n:])
		r.ringPos = 0
		r.ringFilled = n
		return
	}
	for _, s := range samples {
		r.ring[r.ringPos] = s
		r.ringPos = (r.ringPos + 1) % n
	}
	r.ringFilled = min(r.ringFilled+len(samples), n)
}

// Start begins a recording seeded with the buffered pre-roll.
func (r *Recorder) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active {
		return ErrAlreadyActive
	}

	buf := make([]float32, 0, r.ringFilled+r.sampleRate)
	n := len(r.ring)
	start := (r.ringPos - r.ringFilled + n) % max(n, 1)
	for i := range r.ringFilled {
		buf = append(buf, r.ring[(start+i)%n])
	}
	r.headLen = r.ringFilled
	r.ringFilled = 0
	r.ringPos = 0

	r.buf = buf
	r.truncated = false
	r.active = true
	return nil
}

// Stop ends the recording and returns it.
func (r *Recorder) Stop() (Segment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.active {
		return Segment{}, ErrNotActive
	}
	seg := Segment{
		Samples:    r.buf,
		SampleRate: r.sampleRate,
		PreRoll:    time.Duration(r.headLen) * time.Second / time.Duration(r.sampleRate),
		Truncated:  r.truncated,
	}
	r.reset()
	return seg, nil
}

// Discard ends the recording and drops the audio.
func (r *Recorder) Discard() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.active {
		return ErrNotActive
	}
	r.reset()
	return nil
}

func (r *Recorder) reset() {
	r.active = false
	r.buf = nil
	r.headLen = 0
	r.truncated = false
}

// Active reports whether a recording is in progress.
func (r *Recorder) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// SampleRate returns the recorder's sample rate.
func (r *Recorder) SampleRate() int { return r.sampleRate }
