// Package normalize canonicalises spoken transcript text into a form the
// reference parsers understand.
//
// Pipeline order
//  1. Unicode NFKC, strip format and combining marks, fold fullwidth forms
//  2. Drop commas and semicolons, collapse whitespace
//  3. Ordinal book names: "First Corinthians", "1st Corinthians", "II Kings"
//  4. Number words to digits: "twenty eight" -> 28, "one hundred nineteen" -> 119
//  5. "chapter X verse Y" -> "X:Y"
//  6. "X:Y through Z" -> "X:Y-Z", bare "verses Y and Z" -> "verses Y-Z"
//  7. "Book X verse Y" and "Book X Y" -> "Book X:Y"
//
// Case is preserved for every token that is not rewritten. All functions are
// pure and safe for concurrent use.
package normalize

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
	"golang.org/x/text/width"

	"github.com/mavrotechnologies/sermon-flow-app-sub000/pkg/scripture"
)

var chainPool = sync.Pool{
	New: func() any {
		return transform.Chain(
			norm.NFKC,
			runes.Remove(runes.In(unicode.Mn)),
			runes.Remove(runes.In(unicode.Cf)),
			width.Fold,
		)
	},
}

var (
	spaceRe     = regexp.MustCompile(`\s+`)
	clauseRe    = regexp.MustCompile(`[,;]`)
	ordinalRe   = regexp.MustCompile(`(?i)\b(first|1st|second|2nd|third|3rd)\s+(samuel|kings|chronicles|corinthians|thessalonians|timothy|peter|john)\b`)
	romanRe     = regexp.MustCompile(`\b(III|II|I)\s+(Samuel|Kings|Chronicles|Corinthians|Thessalonians|Timothy|Peter)\b`)
	romanJohnRe = regexp.MustCompile(`\b(III|II)\s+(John)\b`)
	chapVerseRe = regexp.MustCompile(`(?i)\bchapter\s+(\d{1,3})\.?\s+(?:and\s+)?verses?\s+(\d{1,3})\b`)
	rangeRe     = regexp.MustCompile(`(?i)\b(\d{1,3}):(\d{1,3})\s*(?:through|thru|to|and|-|–)\s*(\d{1,3})\b`)
	bareRangeRe = regexp.MustCompile(`(?i)\b(verses)\s+(\d{1,3})\s+(?:through|thru|to|and)\s+(\d{1,3})\b`)
	bookVerseRe *regexp.Regexp
	bookPairRe  *regexp.Regexp
)

func init() {
	books := bookAlternation()
	bookVerseRe = regexp.MustCompile(`(?i)\b(` + books + `)\s+(\d{1,3})\.?\s+verses?\s+(\d{1,3})\b`)
	bookPairRe = regexp.MustCompile(`(?i)\b(` + books + `)\s+(\d{1,3})\s+(\d{1,3})\b`)
}

// bookAlternation builds a regexp alternation of every spoken book name,
// longest first.
func bookAlternation() string {
	var names []string
	seen := map[string]bool{}
	for _, b := range scripture.Books() {
		for _, n := range append([]string{strings.ToLower(b.Name)}, b.Spoken...) {
			if !seen[n] {
				seen[n] = true
				names = append(names, n)
			}
		}
	}
	sort.Slice(names, func(i, j int) bool { return len(names[i]) > len(names[j]) })
	for i, n := range names {
		parts := strings.Fields(n)
		for j := range parts {
			parts[j] = regexp.QuoteMeta(parts[j])
		}
		names[i] = strings.Join(parts, `\s+`)
	}
	return strings.Join(names, "|")
}

// ascending reports whether the verse range a-b runs forward.
func ascending(a, b string) bool {
	x, _ := strconv.Atoi(a)
	y, _ := strconv.Atoi(b)
	return y > x
}

// Fold applies Unicode folding and whitespace cleanup without any
// scripture-specific rewriting.
func Fold(s string) string {
	if s == "" {
		return ""
	}
	s = strings.ToValidUTF8(s, "")
	tr := chainPool.Get().(transform.Transformer)
	out, _, err := transform.String(tr, s)
	tr.Reset()
	chainPool.Put(tr)
	if err != nil {
		out = s
	}
	out = strings.NewReplacer("’", "'", "‘", "'", "“", `"`, "”", `"`, "—", " ", "…", " ").Replace(out)
	return strings.TrimSpace(spaceRe.ReplaceAllString(out, " "))
}

// Normalize returns text rewritten into parser-friendly form. See the package
// documentation for the rewrite order.
func Normalize(text string) string {
	s := Fold(text)
	if s == "" {
		return ""
	}
	s = clauseRe.ReplaceAllString(s, " ")
	s = spaceRe.ReplaceAllString(s, " ")

	s = ordinalRe.ReplaceAllStringFunc(s, func(m string) string {
		sub := ordinalRe.FindStringSubmatch(m)
		return ordinalDigit(sub[1]) + " " + sub[2]
	})
	s = romanRe.ReplaceAllStringFunc(s, func(m string) string {
		sub := romanRe.FindStringSubmatch(m)
		return romanDigit(sub[1]) + " " + sub[2]
	})
	s = romanJohnRe.ReplaceAllStringFunc(s, func(m string) string {
		sub := romanJohnRe.FindStringSubmatch(m)
		return romanDigit(sub[1]) + " " + sub[2]
	})

	s = ConvertNumberWords(s)

	s = chapVerseRe.ReplaceAllString(s, "$1:$2")
	s = bookVerseRe.ReplaceAllString(s, "$1 $2:$3")
	s = bookPairRe.ReplaceAllString(s, "$1 $2:$3")
	s = rangeRe.ReplaceAllStringFunc(s, func(m string) string {
		sub := rangeRe.FindStringSubmatch(m)
		if !ascending(sub[2], sub[3]) {
			return m
		}
		return sub[1] + ":" + sub[2] + "-" + sub[3]
	})
	s = bareRangeRe.ReplaceAllStringFunc(s, func(m string) string {
		sub := bareRangeRe.FindStringSubmatch(m)
		if !ascending(sub[2], sub[3]) {
			return m
		}
		return sub[1] + " " + sub[2] + "-" + sub[3]
	})

	return strings.TrimSpace(spaceRe.ReplaceAllString(s, " "))
}

func ordinalDigit(w string) string {
	switch strings.ToLower(w) {
	case "first", "1st":
		return "1"
	case "second", "2nd":
		return "2"
	default:
		return "3"
	}
}

func romanDigit(r string) string {
	switch r {
	case "I":
		return "1"
	case "II":
		return "2"
	default:
		return "3"
	}
}
