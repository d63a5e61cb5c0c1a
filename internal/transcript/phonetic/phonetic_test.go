package phonetic_test

import (
	"testing"

	"github.com/MrWong99/crosstalk/internal/transcript/phonetic"
)

func TestMatcher_Match(t *testing.T) {
	t.Parallel()

	vocab := []string{"Eldrinax", "Grimjaw", "Tower of Whispers"}
	tests := []struct {
		name    string
		phrase  string
		want    string
		matched bool
		minConf float64
	}{
		{name: "misheard ending", phrase: "grimjah", want: "Grimjaw", matched: true, minConf: 0.9},
		{name: "multi-word term", phrase: "tower of wispers", want: "Tower of Whispers", matched: true, minConf: 0.7},
		{name: "case insensitive", phrase: "ELDRINAX", want: "Eldrinax", matched: true, minConf: 0.9},
		{name: "exact", phrase: "grimjaw", want: "Grimjaw", matched: true, minConf: 0.9},
		{name: "unrelated", phrase: "hello", want: "hello", matched: false},
		{name: "empty phrase", phrase: "", want: "", matched: false},
	}
	m := phonetic.New()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, conf, ok := m.Match(tt.phrase, vocab)
			if ok != tt.matched {
				t.Fatalf("Match(%q) matched = %v, want %v", tt.phrase, ok, tt.matched)
			}
			if got != tt.want {
				t.Errorf("Match(%q) = %q, want %q", tt.phrase, got, tt.want)
			}
			if !ok && conf != 0 {
				t.Errorf("Match(%q) confidence = %f, want 0 when unmatched", tt.phrase, conf)
			}
			if ok && conf < tt.minConf {
				t.Errorf("Match(%q) confidence = %f, want >= %f", tt.phrase, conf, tt.minConf)
			}
		})
	}
}

func TestMatcher_Thresholds(t *testing.T) {
	t.Parallel()

	m := phonetic.New(
		phonetic.WithPhoneticThreshold(0.99),
		phonetic.WithFuzzyThreshold(0.99),
	)
	if _, _, ok := m.Match("grimjah", []string{"Grimjaw"}); ok {
		t.Fatal("strict thresholds should reject near matches")
	}
}

func TestMatcher_EmptyVocabulary(t *testing.T) {
	t.Parallel()

	m := phonetic.New()
	got, conf, ok := m.Match("eldrinax", nil)
	if ok || got != "eldrinax" || conf != 0 {
		t.Fatalf("Match with no vocabulary = (%q, %f, %v)", got, conf, ok)
	}
	if _, _, ok := m.MatchPrepared("eldrinax", nil); ok {
		t.Fatal("MatchPrepared(nil vocabulary) matched")
	}
}

func TestPrepare(t *testing.T) {
	t.Parallel()

	v := phonetic.Prepare([]string{"  Grimjaw ", "", "Tower of Whispers", "   "})
	if v.Len() != 2 {
		t.Fatalf("Len() = %d, want 2 (blank terms dropped)", v.Len())
	}
	if v.MaxWords() != 3 {
		t.Fatalf("MaxWords() = %d, want 3", v.MaxWords())
	}

	got, _, ok := phonetic.New().MatchPrepared("grimjaw", v)
	if !ok || got != "Grimjaw" {
		t.Fatalf("MatchPrepared = (%q, %v), want trimmed display form", got, ok)
	}
}

func TestMatcher_MatchAligned(t *testing.T) {
	t.Parallel()

	v := phonetic.Prepare([]string{"Grimjaw", "Tower of Whispers"})
	m := phonetic.New()

	tests := []struct {
		phrase  string
		want    string
		matched bool
	}{
		{phrase: "grimjah", want: "Grimjaw", matched: true},
		{phrase: "tower of wispers", want: "Tower of Whispers", matched: true},
		// Word counts differ from every term.
		{phrase: "the grimjaw", want: "the grimjaw", matched: false},
		{phrase: "tower whispers", want: "tower whispers", matched: false},
	}
	for _, tt := range tests {
		t.Run(tt.phrase, func(t *testing.T) {
			got, _, ok := m.MatchAligned(tt.phrase, v)
			if ok != tt.matched || got != tt.want {
				t.Fatalf("MatchAligned(%q) = (%q, %v), want (%q, %v)", tt.phrase, got, ok, tt.want, tt.matched)
			}
		})
	}

	if !v.HasLength(3) || v.HasLength(2) {
		t.Fatal("HasLength reports wrong term lengths")
	}
}
