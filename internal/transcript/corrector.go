package transcript

import (
	"context"
	"strings"
	"sync/atomic"
	"unicode"
	"unicode/utf8"

	"github.com/MrWong99/crosstalk/internal/transcript/phonetic"
	"github.com/MrWong99/crosstalk/pkg/provider/stt"
)

// Option configures a [VocabularyCorrector].
type Option func(*VocabularyCorrector)

// WithMatcher replaces the default [phonetic.Matcher].
func WithMatcher(m *phonetic.Matcher) Option {
	return func(c *VocabularyCorrector) {
		c.matcher = m
	}
}

// WithConfidenceCeiling leaves alone any phrase whose words the backend
// reported with at least this confidence. Zero, the default, disables the
// check.
func WithConfidenceCeiling(ceiling float64) Option {
	return func(c *VocabularyCorrector) {
		c.ceiling = ceiling
	}
}

// VocabularyCorrector replaces phrases that sound like vocabulary terms.
// The vocabulary can be swapped at runtime with [VocabularyCorrector.SetVocabulary].
type VocabularyCorrector struct {
	matcher *phonetic.Matcher
	ceiling float64
	vocab   atomic.Pointer[phonetic.Vocabulary]
}

var _ Corrector = (*VocabularyCorrector)(nil)

// New creates a corrector for terms.
func New(terms []string, opts ...Option) *VocabularyCorrector {
	c := &VocabularyCorrector{matcher: phonetic.New()}
	for _, o := range opts {
		o(c)
	}
	c.SetVocabulary(terms)
	return c
}

// SetVocabulary replaces the vocabulary. In-flight corrections finish with
// the previous list.
func (c *VocabularyCorrector) SetVocabulary(terms []string) {
	c.vocab.Store(phonetic.Prepare(terms))
}

// Vocabulary returns the number of usable terms.
func (c *VocabularyCorrector) Vocabulary() int {
	return c.vocab.Load().Len()
}

// token is one whitespace-separated word split into its punctuation and core.
type token struct {
	lead, core, trail string
}

func splitToken(s string) token {
	start := strings.IndexFunc(s, func(r rune) bool { return !unicode.IsPunct(r) })
	if start < 0 {
		return token{lead: s}
	}
	end := strings.LastIndexFunc(s, func(r rune) bool { return !unicode.IsPunct(r) })
	_, size := utf8.DecodeRuneInString(s[end:])
	return token{lead: s[:start], core: s[start : end+size], trail: s[end+size:]}
}

// Correct replaces vocabulary sound-alikes in t.Text. Longer windows win over
// shorter ones at the same position, so multi-word terms take precedence.
// A window never spans punctuation between words.
func (c *VocabularyCorrector) Correct(ctx context.Context, t stt.Transcript) (Result, error) {
	vocab := c.vocab.Load()
	fields := strings.Fields(t.Text)
	if vocab.Len() == 0 || len(fields) == 0 {
		return Result{Text: t.Text}, nil
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	tokens := make([]token, len(fields))
	for i, f := range fields {
		tokens[i] = splitToken(f)
	}
	confident := c.confidentWords(t.Words)

	var (
		out         []string
		corrections []Correction
		changed     bool
	)
	for i := 0; i < len(tokens); {
		n, repl, conf := c.matchAt(tokens[i:], vocab, confident)
		if n == 0 {
			out = append(out, fields[i])
			i++
			continue
		}
		window := joinCores(tokens[i : i+n])
		first, last := tokens[i], tokens[i+n-1]
		out = append(out, first.lead+repl+last.trail)
		if window != repl {
			changed = true
			corrections = append(corrections, Correction{Original: window, Corrected: repl, Confidence: conf})
		}
		i += n
	}
	if !changed {
		return Result{Text: t.Text}, nil
	}
	return Result{Text: strings.Join(out, " "), Corrections: corrections}, nil
}

// matchAt tries windows starting at tokens[0], longest first. It returns the
// window length (0 for no match), the replacement and its score.
func (c *VocabularyCorrector) matchAt(tokens []token, vocab *phonetic.Vocabulary, confident map[string]bool) (int, string, float64) {
	maxN := min(vocab.MaxWords(), len(tokens))
	for n := maxN; n >= 1; n-- {
		window := tokens[:n]
		if !vocab.HasLength(n) || !usableWindow(window) || allConfident(window, confident) {
			continue
		}
		repl, conf, ok := c.matcher.MatchAligned(joinCores(window), vocab)
		if ok {
			return n, repl, conf
		}
	}
	return 0, "", 0
}

// usableWindow rejects windows with punctuation between their words or with
// a punctuation-only token.
func usableWindow(w []token) bool {
	for i, t := range w {
		if t.core == "" {
			return false
		}
		if i > 0 && t.lead != "" {
			return false
		}
		if i < len(w)-1 && t.trail != "" {
			return false
		}
	}
	return true
}

func (c *VocabularyCorrector) confidentWords(words []stt.WordDetail) map[string]bool {
	if c.ceiling <= 0 || len(words) == 0 {
		return nil
	}
	out := make(map[string]bool, len(words))
	for _, w := range words {
		key := strings.ToLower(splitToken(w.Word).core)
		if w.Confidence >= c.ceiling {
			if _, seen := out[key]; !seen {
				out[key] = true
			}
		} else {
			out[key] = false
		}
	}
	return out
}

func allConfident(w []token, confident map[string]bool) bool {
	if confident == nil {
		return false
	}
	for _, t := range w {
		if !confident[strings.ToLower(t.core)] {
			return false
		}
	}
	return true
}

func joinCores(w []token) string {
	parts := make([]string, len(w))
	for i, t := range w {
		parts[i] = t.core
	}
	return strings.Join(parts, " ")
}
