package normalize

import (
	"regexp"
	"strings"
)

// vocabulary is the fixed theological vocabulary used both by the
// pre-filter and by the escalation decision.
var vocabulary = []string{
	"scripture", "scriptures", "bible", "verse", "verses", "chapter",
	"gospel", "lord", "god", "jesus", "christ", "holy spirit", "apostle",
	"prophet", "psalmist", "amen", "salvation", "grace", "faith", "heaven",
	"parable", "disciples", "covenant", "resurrection", "it is written",
	"the word says", "thus saith",
}

var (
	digitPairRe  = regexp.MustCompile(`\d[:\s]\d`)
	vocabularyRe *regexp.Regexp
	bookTokenRe  *regexp.Regexp
)

func init() {
	parts := make([]string, len(vocabulary))
	for i, v := range vocabulary {
		parts[i] = strings.ReplaceAll(regexp.QuoteMeta(v), " ", `\s+`)
	}
	vocabularyRe = regexp.MustCompile(`(?i)\b(?:` + strings.Join(parts, "|") + `)\b`)
	bookTokenRe = regexp.MustCompile(`(?i)\b(?:` + bookAlternation() + `)\b`)
}

// MightContainReference is the cheap pre-filter run before the detection
// pipeline. It reports true when text has a book name, a digit pair such
// as "3:16" or "3 16", or theological vocabulary.
func MightContainReference(text string) bool {
	if strings.TrimSpace(text) == "" {
		return false
	}
	return digitPairRe.MatchString(text) ||
		bookTokenRe.MatchString(text) ||
		vocabularyRe.MatchString(text)
}

// HasTheologicalVocabulary reports whether text contains any word from the
// fixed theological vocabulary.
func HasTheologicalVocabulary(text string) bool {
	return vocabularyRe.MatchString(text)
}
