package scripture

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ErrNoReference is returned by [ParseReference] when s does not contain a
// recognisable reference.
var ErrNoReference = errors.New("scripture: no reference found")

// Match is one explicit reference found by [ParseExplicit].
type Match struct {
	Reference Reference

	// Start and End are byte offsets of the matched span in the input.
	Start, End int
}

var (
	explicitRe *regexp.Regexp
	osisRe     = regexp.MustCompile(`^([1-3]?[A-Za-z]+)\.(\d{1,3})\.(\d{1,3})(?:-(?:[1-3]?[A-Za-z]+\.\d{1,3}\.)?(\d{1,3}))?$`)
)

func init() {
	alts := aliasPattern(written)
	for i, a := range alts {
		// "1 corinthians" must also match "1corinthians" and "1  corinthians".
		parts := strings.Fields(a)
		for j := range parts {
			parts[j] = regexp.QuoteMeta(parts[j])
		}
		alts[i] = strings.Join(parts, `\s*`)
	}
	explicitRe = regexp.MustCompile(`(?i)\b(` + strings.Join(alts, "|") +
		`)\.?\s+(\d{1,3})\s*:\s*(\d{1,3})(?:\s*[-–]\s*(\d{1,3}))?\b`)
}

// ParseExplicit scans text for explicit "Book C:V" and "Book C:V-W"
// references and returns every valid one in order of appearance. Matches
// whose chapter or verse fall outside the book's bounds are dropped.
func ParseExplicit(text string) []Match {
	locs := explicitRe.FindAllStringSubmatchIndex(text, -1)
	if len(locs) == 0 {
		return nil
	}
	out := make([]Match, 0, len(locs))
	for _, loc := range locs {
		name := text[loc[2]:loc[3]]
		b, ok := LookupWritten(name)
		if !ok {
			continue
		}
		ch, _ := strconv.Atoi(text[loc[4]:loc[5]])
		vs, _ := strconv.Atoi(text[loc[6]:loc[7]])
		ref := Reference{Book: b.Name, Chapter: ch, VerseStart: vs}
		if loc[8] >= 0 {
			ve, _ := strconv.Atoi(text[loc[8]:loc[9]])
			if ve > vs {
				ref.VerseEnd = ve
			}
		}
		if !ref.Valid() {
			continue
		}
		out = append(out, Match{Reference: ref, Start: loc[0], End: loc[1]})
	}
	return out
}

// ParseReference parses a single reference in display form ("John 3:16",
// "1 Cor 13:4-7") or OSIS form ("John.3.16", "Rom.8.28-Rom.8.30").
func ParseReference(s string) (Reference, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Reference{}, ErrNoReference
	}
	if m := osisRe.FindStringSubmatch(s); m != nil {
		b, ok := ByOSIS(m[1])
		if !ok {
			return Reference{}, fmt.Errorf("scripture: unknown OSIS book %q", m[1])
		}
		ch, _ := strconv.Atoi(m[2])
		vs, _ := strconv.Atoi(m[3])
		ref := Reference{Book: b.Name, Chapter: ch, VerseStart: vs}
		if m[4] != "" {
			if ve, _ := strconv.Atoi(m[4]); ve > vs {
				ref.VerseEnd = ve
			}
		}
		if !ref.Valid() {
			return Reference{}, fmt.Errorf("scripture: reference %q out of range", s)
		}
		return ref, nil
	}
	matches := ParseExplicit(s)
	if len(matches) == 0 {
		return Reference{}, fmt.Errorf("%w: %q", ErrNoReference, s)
	}
	return matches[0].Reference, nil
}
