package rules

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
	"golang.org/x/text/width"
)

// FieldSeparator joins free-text fields before matching so that a keyword
// cannot match across two fields.
const FieldSeparator = "\x1f"

// Normalize canonicalizes text for keyword matching: NFC composition,
// full-width to half-width folding and Unicode case folding.
func Normalize(s string) string {
	if s == "" {
		return ""
	}
	s = norm.NFC.String(s)
	s = width.Fold.String(s)
	// Casers carry state and are not safe for concurrent use.
	return cases.Fold().String(s)
}

// JoinFields normalizes and joins the given free-text fields for matching.
func JoinFields(fields ...string) string {
	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			parts = append(parts, Normalize(f))
		}
	}
	return strings.Join(parts, FieldSeparator)
}

// KeywordSet is an immutable list of literal keywords, pre-normalized.
// Keywords are substrings, not patterns.
type KeywordSet struct {
	words []string
	norm  []string
}

// NewKeywordSet builds a set from the given words. Blank words are dropped and
// duplicates after normalization are kept once, in first-seen order.
func NewKeywordSet(words ...string) KeywordSet {
	s := KeywordSet{}
	seen := make(map[string]bool, len(words))
	for _, w := range words {
		w = strings.TrimSpace(w)
		n := Normalize(w)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		s.words = append(s.words, w)
		s.norm = append(s.norm, n)
	}
	return s
}

// Empty reports whether the set has no keywords.
func (s KeywordSet) Empty() bool { return len(s.norm) == 0 }

// Len returns the number of keywords.
func (s KeywordSet) Len() int { return len(s.norm) }

// Words returns a copy of the keywords as configured.
func (s KeywordSet) Words() []string {
	out := make([]string, len(s.words))
	copy(out, s.words)
	return out
}

// Match normalizes text and returns the first keyword it contains.
func (s KeywordSet) Match(text string) (string, bool) {
	return s.MatchNormalized(Normalize(text))
}

// MatchNormalized is Match for text already passed through Normalize or
// JoinFields.
func (s KeywordSet) MatchNormalized(text string) (string, bool) {
	if text == "" {
		return "", false
	}
	for i, n := range s.norm {
		if strings.Contains(text, n) {
			return s.words[i], true
		}
	}
	return "", false
}
