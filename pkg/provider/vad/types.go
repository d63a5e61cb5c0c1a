package vad

import "time"

// VADEvent is the result of processing one frame, or of a forced end.
type VADEvent struct {
	// Type is the detection result.
	Type VADEventType

	// Loudness is the RMS level of the processed frame. Zero for events
	// produced by ForceEnd.
	Loudness float64

	// AvgLoudness is the mean frame loudness over the segment, rounded to
	// three decimals and clamped to [0, 1]. Set on VADSpeechEnd and
	// VADSpeechDiscarded.
	AvgLoudness float64

	// Forced is true when the segment was ended by the max-speech cap or by
	// ForceEnd.
	Forced bool

	// Offset is the stream position of the transition, measured from the
	// first processed sample. For VADSpeechStart it is the start of the
	// triggering frame; for a natural VADSpeechEnd it is where the closing
	// silence began; for a forced end it is the current position.
	Offset time.Duration

	// Duration is the length of the segment, i.e. end offset minus start
	// offset. Set on VADSpeechEnd and VADSpeechDiscarded.
	Duration time.Duration
}

// VADEventType enumerates VAD detection states.
type VADEventType int

const (
	// VADSilence indicates an idle stream.
	VADSilence VADEventType = iota

	// VADSpeechStart indicates speech has just begun.
	VADSpeechStart

	// VADSpeechContinue indicates ongoing speech.
	VADSpeechContinue

	// VADSpeechEnd indicates a segment has ended and should be kept.
	VADSpeechEnd

	// VADSpeechDiscarded indicates a segment ended before reaching the
	// minimum speech duration. No speech end is reported for it.
	VADSpeechDiscarded
)

// String returns a lower-case name for the event type.
func (t VADEventType) String() string {
	switch t {
	case VADSilence:
		return "silence"
	case VADSpeechStart:
		return "speech_start"
	case VADSpeechContinue:
		return "speech_continue"
	case VADSpeechEnd:
		return "speech_end"
	case VADSpeechDiscarded:
		return "speech_discarded"
	default:
		return "unknown"
	}
}
