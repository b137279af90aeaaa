// Package phonetic recovers misheard Bible book names ("Filipians",
// "Colossions", "Habbakuk") from speech-recognition output.
//
// The algorithm proceeds in two stages:
//
//  1. Phonetic candidate filtering: Double Metaphone codes are computed for
//     each input token and, once at construction, for each book name. A book
//     becomes a candidate when any code overlaps.
//
//  2. Jaro-Winkler ranking: among phonetic candidates the book with the
//     highest Jaro-Winkler similarity wins, provided it clears the phonetic
//     threshold. Phonetic candidates are also compared in a sound-alike
//     spelling ("ph" as "f", doubled letters collapsed). With no phonetic candidate a pure Jaro-Winkler pass runs
//     against every book using the stricter fuzzy threshold.
//
// Exact spoken names never reach this package; callers try
// [scripture.Lookup] first.
package phonetic

import (
	"strings"

	"github.com/antzucaro/matchr"

	"github.com/mavrotechnologies/sermon-flow-app-sub000/pkg/scripture"
)

const (
	defaultPhoneticThreshold = 0.85
	defaultFuzzyThreshold    = 0.92
	defaultMinLength         = 4
)

// Option is a functional option for configuring a [Matcher].
type Option func(*Matcher)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score for a
// phonetically matched book. Default: 0.85.
func WithPhoneticThreshold(threshold float64) Option {
	return func(m *Matcher) {
		m.phoneticThreshold = threshold
	}
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score when no phonetic
// candidate exists. Default: 0.92.
func WithFuzzyThreshold(threshold float64) Option {
	return func(m *Matcher) {
		m.fuzzyThreshold = threshold
	}
}

// WithMinLength sets the shortest input, in letters, the matcher will try to
// correct. Short words collide with too many names. Default: 4.
func WithMinLength(n int) Option {
	return func(m *Matcher) {
		m.minLength = n
	}
}

type entry struct {
	book   scripture.Book
	name   string
	tokens []string
	codes  map[string]struct{}
}

// Matcher is read-only after construction and safe for concurrent use.
type Matcher struct {
	phoneticThreshold float64
	fuzzyThreshold    float64
	minLength         int
	entries           []entry
}

// New returns a Matcher indexing every book of the catalog.
func New(opts ...Option) *Matcher {
	m := &Matcher{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
		minLength:         defaultMinLength,
	}
	for _, o := range opts {
		o(m)
	}
	for _, b := range scripture.Books() {
		name := strings.ToLower(b.Name)
		tokens := strings.Fields(name)
		m.entries = append(m.entries, entry{
			book:   b,
			name:   name,
			tokens: tokens,
			codes:  codesForTokens(tokens),
		})
	}
	return m
}

// MatchBook finds the book whose name best resembles phrase. phrase may be a
// single word or an n-gram such as "first corinthian". The returned score is
// the winning Jaro-Winkler similarity.
func (m *Matcher) MatchBook(phrase string) (book scripture.Book, score float64, ok bool) {
	lower := strings.ToLower(strings.TrimSpace(phrase))
	tokens := strings.Fields(lower)
	if len(tokens) == 0 || letters(lower) < m.minLength {
		return scripture.Book{}, 0, false
	}
	inputCodes := codesForTokens(tokens)

	var (
		best         *entry
		bestScore    float64
		bestPhonetic bool
	)
	for i := range m.entries {
		e := &m.entries[i]
		// Token counts must agree, so "the son" never stands in for "1 John".
		if len(e.tokens) != len(tokens) {
			continue
		}
		if len(tokens) > 1 && tokens[0] != e.tokens[0] {
			continue
		}
		jw := bestJWScore(tokens, e.tokens, lower, e.name)
		if codesOverlap(inputCodes, e.codes) {
			jw = max(jw, spellingScore(lower, e.name))
			if jw >= m.phoneticThreshold && (!bestPhonetic || jw > bestScore) {
				best, bestScore, bestPhonetic = e, jw, true
			}
		} else if !bestPhonetic && jw >= m.fuzzyThreshold && jw > bestScore {
			best, bestScore = e, jw
		}
	}
	if best == nil {
		return scripture.Book{}, 0, false
	}
	return best.book, bestScore, true
}

func letters(s string) int {
	n := 0
	for _, r := range s {
		if r >= 'a' && r <= 'z' {
			n++
		}
	}
	return n
}

// codesForTokens returns the union of Double Metaphone codes of tokens,
// skipping empty codes and digit tokens.
func codesForTokens(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		if t == "" || t[0] >= '0' && t[0] <= '9' {
			continue
		}
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}

// bestJWScore compares the full strings and, for multi-word names, the
// space-stripped forms. Pairwise token scores are not used: "john" would
// otherwise score 1.0 against "1 john".
func bestJWScore(inputTokens, entityTokens []string, inputFull, entityFull string) float64 {
	score := matchr.JaroWinkler(inputFull, entityFull, false)
	if len(inputTokens) > 1 || len(entityTokens) > 1 {
		concat1 := strings.Join(inputTokens, "")
		concat2 := strings.Join(entityTokens, "")
		if s := matchr.JaroWinkler(concat1, concat2, false); s > score {
			score = s
		}
	}
	return score
}

// spellingScore compares the sound-alike spellings of two phrases, so that
// "filipians" and "philippians" meet as "filipians". It is only consulted
// once the Double Metaphone codes agree.
func spellingScore(input, entity string) float64 {
	return matchr.JaroWinkler(soundSpelling(input), soundSpelling(entity), false)
}

// soundSpelling drops spaces, writes "ph" as "f" and collapses doubled
// letters.
func soundSpelling(s string) string {
	s = strings.ReplaceAll(strings.ReplaceAll(s, " ", ""), "ph", "f")
	var b strings.Builder
	b.Grow(len(s))
	var prev rune
	for _, r := range s {
		if r != prev {
			b.WriteRune(r)
		}
		prev = r
	}
	return b.String()
}
