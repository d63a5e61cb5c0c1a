// Package transcript repairs domain vocabulary in finished transcripts.
//
// Recognition backends reliably mishear uncommon proper nouns: player names,
// place names, item names. A [VocabularyCorrector] slides a window over the
// transcript and replaces phrases that sound like a configured vocabulary term
// with that term, recording each substitution as a [Correction].
//
// Correction runs in-process with no network calls, so it adds no noticeable
// latency to utterance delivery.
package transcript

import (
	"context"

	"github.com/MrWong99/crosstalk/pkg/provider/stt"
)

// Correction records one substitution.
type Correction struct {
	// Original is the phrase as transcribed, without surrounding punctuation.
	Original string

	// Corrected is the vocabulary term that replaced it.
	Corrected string

	// Confidence is the similarity score of the match in [0, 1].
	Confidence float64
}

// Result is the output of [Corrector.Correct].
type Result struct {
	// Text is the corrected transcript text. It equals the input text when
	// nothing was replaced.
	Text string

	// Corrections lists every substitution in text order. Empty when nothing
	// was replaced.
	Corrections []Correction
}

// Corrector rewrites transcript text.
//
// Implementations must be safe for concurrent use.
type Corrector interface {
	Correct(ctx context.Context, t stt.Transcript) (Result, error)
}

// Nop is a [Corrector] that returns the text unchanged.
type Nop struct{}

var _ Corrector = Nop{}

// Correct returns t.Text unchanged.
func (Nop) Correct(_ context.Context, t stt.Transcript) (Result, error) {
	return Result{Text: t.Text}, nil
}
