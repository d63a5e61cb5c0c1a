// Package phonetic matches misheard words against a known vocabulary using
// Double Metaphone codes and Jaro-Winkler similarity.
//
// A vocabulary term is a candidate when its metaphone codes overlap the
// input's; candidates are ranked by Jaro-Winkler similarity and accepted above
// the phonetic threshold. Without a phonetic candidate, a stricter fuzzy
// threshold applies to plain string similarity. Multi-word terms ("Tower of
// Whispers") are compared as full strings, with spaces removed, and
// token-by-token, keeping the best score.
package phonetic

import (
	"strings"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85
)

// Option configures a [Matcher].
type Option func(*Matcher)

// WithPhoneticThreshold sets the similarity a phonetic candidate needs.
// Default: 0.70.
func WithPhoneticThreshold(threshold float64) Option {
	return func(m *Matcher) {
		m.phoneticThreshold = threshold
	}
}

// WithFuzzyThreshold sets the similarity a non-phonetic candidate needs.
// Default: 0.85.
func WithFuzzyThreshold(threshold float64) Option {
	return func(m *Matcher) {
		m.fuzzyThreshold = threshold
	}
}

// Matcher is read-only after construction and safe for concurrent use.
type Matcher struct {
	phoneticThreshold float64
	fuzzyThreshold    float64
}

// New returns a Matcher with the given options applied.
func New(opts ...Option) *Matcher {
	m := &Matcher{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// term is one vocabulary entry with its comparison forms precomputed.
type term struct {
	display    string
	lower      string
	tokens     []string
	joined     string
	codes      map[string]struct{}
	tokenCodes []map[string]struct{}
}

// Vocabulary is a prepared term list. Preparing once avoids recomputing
// metaphone codes for every window of every transcript.
type Vocabulary struct {
	terms    []term
	maxWords int
}

// Prepare lower-cases, tokenises and encodes terms. Blank terms are dropped.
func Prepare(terms []string) *Vocabulary {
	v := &Vocabulary{terms: make([]term, 0, len(terms))}
	for _, t := range terms {
		lower := strings.ToLower(strings.TrimSpace(t))
		if lower == "" {
			continue
		}
		tokens := strings.Fields(lower)
		v.terms = append(v.terms, term{
			display:    strings.TrimSpace(t),
			lower:      lower,
			tokens:     tokens,
			joined:     strings.Join(tokens, ""),
			codes:      metaphoneCodes(tokens),
			tokenCodes: perTokenCodes(tokens),
		})
		v.maxWords = max(v.maxWords, len(tokens))
	}
	return v
}

// Len returns the number of usable terms.
func (v *Vocabulary) Len() int { return len(v.terms) }

// MaxWords returns the word count of the longest term, or 0 when empty.
func (v *Vocabulary) MaxWords() int { return v.maxWords }

// Match prepares terms and calls [Matcher.MatchPrepared]. Callers matching
// many phrases against the same list should call [Prepare] once instead.
func (m *Matcher) Match(phrase string, terms []string) (corrected string, confidence float64, matched bool) {
	return m.MatchPrepared(phrase, Prepare(terms))
}

// MatchPrepared returns the vocabulary term closest to phrase. When nothing
// clears the thresholds it returns phrase unchanged, zero confidence and
// false.
func (m *Matcher) MatchPrepared(phrase string, v *Vocabulary) (corrected string, confidence float64, matched bool) {
	lower := strings.ToLower(strings.TrimSpace(phrase))
	if v == nil || v.Len() == 0 || lower == "" {
		return phrase, 0, false
	}
	tokens := strings.Fields(lower)
	codes := metaphoneCodes(tokens)
	joined := strings.Join(tokens, "")

	var (
		best         *term
		bestScore    float64
		bestPhonetic bool
	)
	for i := range v.terms {
		t := &v.terms[i]
		score := similarity(tokens, t.tokens, lower, t.lower, joined, t.joined)

		if overlaps(codes, t.codes) {
			if score >= m.phoneticThreshold && (!bestPhonetic || score > bestScore) {
				best, bestScore, bestPhonetic = t, score, true
			}
			continue
		}
		if !bestPhonetic && score >= m.fuzzyThreshold && score > bestScore {
			best, bestScore = t, score
		}
	}
	if best == nil {
		return phrase, 0, false
	}
	return best.display, bestScore, true
}

// MatchAligned is a stricter [Matcher.MatchPrepared] for correcting running
// text. Only terms with as many words as phrase are considered, a phonetic
// candidate must share a code at every word position, and token scores are
// averaged by position instead of taking the best pair. This keeps a window
// like "the grimjaw" from collapsing into a one-word term.
func (m *Matcher) MatchAligned(phrase string, v *Vocabulary) (corrected string, confidence float64, matched bool) {
	lower := strings.ToLower(strings.TrimSpace(phrase))
	if v == nil || v.Len() == 0 || lower == "" {
		return phrase, 0, false
	}
	tokens := strings.Fields(lower)
	codes := perTokenCodes(tokens)
	joined := strings.Join(tokens, "")

	var (
		best         *term
		bestScore    float64
		bestPhonetic bool
	)
	for i := range v.terms {
		t := &v.terms[i]
		if len(t.tokens) != len(tokens) {
			continue
		}
		score := alignedSimilarity(tokens, t.tokens, lower, t.lower, joined, t.joined)

		sounds := true
		for j := range codes {
			if !overlaps(codes[j], t.tokenCodes[j]) {
				sounds = false
				break
			}
		}
		if sounds {
			if score >= m.phoneticThreshold && (!bestPhonetic || score > bestScore) {
				best, bestScore, bestPhonetic = t, score, true
			}
			continue
		}
		if !bestPhonetic && score >= m.fuzzyThreshold && score > bestScore {
			best, bestScore = t, score
		}
	}
	if best == nil {
		return phrase, 0, false
	}
	return best.display, bestScore, true
}

// HasLength reports whether any term has exactly n words.
func (v *Vocabulary) HasLength(n int) bool {
	for _, t := range v.terms {
		if len(t.tokens) == n {
			return true
		}
	}
	return false
}

func perTokenCodes(tokens []string) []map[string]struct{} {
	out := make([]map[string]struct{}, len(tokens))
	for i, tok := range tokens {
		out[i] = metaphoneCodes([]string{tok})
	}
	return out
}

// alignedSimilarity is the best of the full-string score, the space-free
// score (multi-word only) and the mean positional token score.
func alignedSimilarity(inTokens, termTokens []string, inFull, termFull, inJoined, termJoined string) float64 {
	score := matchr.JaroWinkler(inFull, termFull, false)
	if len(inTokens) > 1 {
		score = max(score, matchr.JaroWinkler(inJoined, termJoined, false))
		var sum float64
		for i := range inTokens {
			sum += matchr.JaroWinkler(inTokens[i], termTokens[i], false)
		}
		score = max(score, sum/float64(len(inTokens)))
	}
	return score
}

// metaphoneCodes returns the union of primary and secondary Double Metaphone
// codes of tokens. Tokens without consonants produce no code.
func metaphoneCodes(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, tok := range tokens {
		primary, secondary := matchr.DoubleMetaphone(tok)
		if primary != "" {
			codes[primary] = struct{}{}
		}
		if secondary != "" {
			codes[secondary] = struct{}{}
		}
	}
	return codes
}

func overlaps(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for c := range a {
		if _, ok := b[c]; ok {
			return true
		}
	}
	return false
}

// similarity is the best Jaro-Winkler score over full strings, space-free
// strings (multi-word only) and every token pair.
func similarity(inTokens, termTokens []string, inFull, termFull, inJoined, termJoined string) float64 {
	score := matchr.JaroWinkler(inFull, termFull, false)
	if len(inTokens) > 1 || len(termTokens) > 1 {
		score = max(score, matchr.JaroWinkler(inJoined, termJoined, false))
	}
	for _, a := range inTokens {
		for _, b := range termTokens {
			score = max(score, matchr.JaroWinkler(a, b, false))
		}
	}
	return score
}
