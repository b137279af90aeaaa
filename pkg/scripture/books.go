// Package scripture holds the canonical book catalog, the [Reference] type
// used as the identity of every detection, and the explicit-syntax reference
// parser ("Romans 8:28", "1 Corinthians 13:4-7", "John.3.16").
//
// Everything in this package is immutable after init and safe for concurrent
// use.
package scripture

import (
	"sort"
	"strings"
)

// Testament identifies which half of the canon a book belongs to.
type Testament int

const (
	OldTestament Testament = iota
	NewTestament
)

// Book describes one book of the 66-book Protestant canon.
type Book struct {
	// Name is the canonical display name ("1 Corinthians", "Psalms").
	Name string

	// OSIS is the OSIS book identifier ("1Cor", "Ps").
	OSIS string

	// Chapters is the number of chapters in the book.
	Chapters int

	// Testament is OldTestament or NewTestament.
	Testament Testament

	// Ambiguous is set for book names that are also common English words or
	// first names. Such names need chapter/verse context before they count.
	Ambiguous bool

	// Spoken lists additional lowercase spoken forms ("psalm", "song of songs").
	// The lowercase Name is always an implicit alias.
	Spoken []string

	// Abbrevs lists written abbreviations accepted only in explicit
	// "book chapter:verse" syntax ("Rom", "1 Cor").
	Abbrevs []string
}

// MaxVerse is the highest verse number in any chapter (Psalm 119:176).
const MaxVerse = 176

// MaxChapter is the highest chapter number in any book (Psalms 150).
const MaxChapter = 150

var books = []Book{
	{Name: "Genesis", OSIS: "Gen", Chapters: 50, Abbrevs: []string{"gen"}},
	{Name: "Exodus", OSIS: "Exod", Chapters: 40, Abbrevs: []string{"exod"}},
	{Name: "Leviticus", OSIS: "Lev", Chapters: 27, Abbrevs: []string{"lev"}},
	{Name: "Numbers", OSIS: "Num", Chapters: 36, Abbrevs: []string{"num"}},
	{Name: "Deuteronomy", OSIS: "Deut", Chapters: 34, Abbrevs: []string{"deut"}},
	{Name: "Joshua", OSIS: "Josh", Chapters: 24, Abbrevs: []string{"josh"}},
	{Name: "Judges", OSIS: "Judg", Chapters: 21, Abbrevs: []string{"judg"}},
	{Name: "Ruth", OSIS: "Ruth", Chapters: 4, Ambiguous: true},
	{Name: "1 Samuel", OSIS: "1Sam", Chapters: 31, Abbrevs: []string{"1 sam"}},
	{Name: "2 Samuel", OSIS: "2Sam", Chapters: 24, Abbrevs: []string{"2 sam"}},
	{Name: "1 Kings", OSIS: "1Kgs", Chapters: 22, Abbrevs: []string{"1 kgs"}},
	{Name: "2 Kings", OSIS: "2Kgs", Chapters: 25, Abbrevs: []string{"2 kgs"}},
	{Name: "1 Chronicles", OSIS: "1Chr", Chapters: 29, Abbrevs: []string{"1 chr", "1 chron"}},
	{Name: "2 Chronicles", OSIS: "2Chr", Chapters: 36, Abbrevs: []string{"2 chr", "2 chron"}},
	{Name: "Ezra", OSIS: "Ezra", Chapters: 10},
	{Name: "Nehemiah", OSIS: "Neh", Chapters: 13, Abbrevs: []string{"neh"}},
	{Name: "Esther", OSIS: "Esth", Chapters: 10, Abbrevs: []string{"esth"}},
	{Name: "Job", OSIS: "Job", Chapters: 42, Ambiguous: true},
	{Name: "Psalms", OSIS: "Ps", Chapters: 150, Spoken: []string{"psalm", "the psalms"}, Abbrevs: []string{"ps", "psa"}},
	{Name: "Proverbs", OSIS: "Prov", Chapters: 31, Spoken: []string{"proverb"}, Abbrevs: []string{"prov"}},
	{Name: "Ecclesiastes", OSIS: "Eccl", Chapters: 12, Abbrevs: []string{"eccl", "eccles"}},
	{Name: "Song of Solomon", OSIS: "Song", Chapters: 8, Ambiguous: true, Spoken: []string{"song of songs", "songs of solomon"}},
	{Name: "Isaiah", OSIS: "Isa", Chapters: 66, Abbrevs: []string{"isa"}},
	{Name: "Jeremiah", OSIS: "Jer", Chapters: 52, Abbrevs: []string{"jer"}},
	{Name: "Lamentations", OSIS: "Lam", Chapters: 5, Abbrevs: []string{"lam"}},
	{Name: "Ezekiel", OSIS: "Ezek", Chapters: 48, Abbrevs: []string{"ezek"}},
	{Name: "Daniel", OSIS: "Dan", Chapters: 12, Abbrevs: []string{"dan"}},
	{Name: "Hosea", OSIS: "Hos", Chapters: 14, Abbrevs: []string{"hos"}},
	{Name: "Joel", OSIS: "Joel", Chapters: 3, Ambiguous: true},
	{Name: "Amos", OSIS: "Amos", Chapters: 9, Ambiguous: true},
	{Name: "Obadiah", OSIS: "Obad", Chapters: 1, Abbrevs: []string{"obad"}},
	{Name: "Jonah", OSIS: "Jonah", Chapters: 4, Ambiguous: true},
	{Name: "Micah", OSIS: "Mic", Chapters: 7, Ambiguous: true},
	{Name: "Nahum", OSIS: "Nah", Chapters: 3, Abbrevs: []string{"nah"}},
	{Name: "Habakkuk", OSIS: "Hab", Chapters: 3, Abbrevs: []string{"hab"}},
	{Name: "Zephaniah", OSIS: "Zeph", Chapters: 3, Abbrevs: []string{"zeph"}},
	{Name: "Haggai", OSIS: "Hag", Chapters: 2, Abbrevs: []string{"hag"}},
	{Name: "Zechariah", OSIS: "Zech", Chapters: 14, Abbrevs: []string{"zech"}},
	{Name: "Malachi", OSIS: "Mal", Chapters: 4, Abbrevs: []string{"mal"}},

	{Name: "Matthew", OSIS: "Matt", Chapters: 28, Testament: NewTestament, Abbrevs: []string{"matt", "mt"}},
	{Name: "Mark", OSIS: "Mark", Chapters: 16, Testament: NewTestament, Ambiguous: true, Abbrevs: []string{"mk"}},
	{Name: "Luke", OSIS: "Luke", Chapters: 24, Testament: NewTestament, Abbrevs: []string{"lk"}},
	{Name: "John", OSIS: "John", Chapters: 21, Testament: NewTestament, Ambiguous: true, Abbrevs: []string{"jn"}},
	{Name: "Acts", OSIS: "Acts", Chapters: 28, Testament: NewTestament, Ambiguous: true, Spoken: []string{"acts of the apostles"}},
	{Name: "Romans", OSIS: "Rom", Chapters: 16, Testament: NewTestament, Abbrevs: []string{"rom"}},
	{Name: "1 Corinthians", OSIS: "1Cor", Chapters: 16, Testament: NewTestament, Abbrevs: []string{"1 cor"}},
	{Name: "2 Corinthians", OSIS: "2Cor", Chapters: 13, Testament: NewTestament, Abbrevs: []string{"2 cor"}},
	{Name: "Galatians", OSIS: "Gal", Chapters: 6, Testament: NewTestament, Abbrevs: []string{"gal"}},
	{Name: "Ephesians", OSIS: "Eph", Chapters: 6, Testament: NewTestament, Abbrevs: []string{"eph"}},
	{Name: "Philippians", OSIS: "Phil", Chapters: 4, Testament: NewTestament, Abbrevs: []string{"phil"}},
	{Name: "Colossians", OSIS: "Col", Chapters: 4, Testament: NewTestament, Abbrevs: []string{"col"}},
	{Name: "1 Thessalonians", OSIS: "1Thess", Chapters: 5, Testament: NewTestament, Abbrevs: []string{"1 thess"}},
	{Name: "2 Thessalonians", OSIS: "2Thess", Chapters: 3, Testament: NewTestament, Abbrevs: []string{"2 thess"}},
	{Name: "1 Timothy", OSIS: "1Tim", Chapters: 6, Testament: NewTestament, Abbrevs: []string{"1 tim"}},
	{Name: "2 Timothy", OSIS: "2Tim", Chapters: 4, Testament: NewTestament, Abbrevs: []string{"2 tim"}},
	{Name: "Titus", OSIS: "Titus", Chapters: 3, Testament: NewTestament, Ambiguous: true},
	{Name: "Philemon", OSIS: "Phlm", Chapters: 1, Testament: NewTestament, Abbrevs: []string{"phlm", "philem"}},
	{Name: "Hebrews", OSIS: "Heb", Chapters: 13, Testament: NewTestament, Abbrevs: []string{"heb"}},
	{Name: "James", OSIS: "Jas", Chapters: 5, Testament: NewTestament, Ambiguous: true, Abbrevs: []string{"jas"}},
	{Name: "1 Peter", OSIS: "1Pet", Chapters: 5, Testament: NewTestament, Abbrevs: []string{"1 pet"}},
	{Name: "2 Peter", OSIS: "2Pet", Chapters: 3, Testament: NewTestament, Abbrevs: []string{"2 pet"}},
	{Name: "1 John", OSIS: "1John", Chapters: 5, Testament: NewTestament, Abbrevs: []string{"1 jn"}},
	{Name: "2 John", OSIS: "2John", Chapters: 1, Testament: NewTestament, Abbrevs: []string{"2 jn"}},
	{Name: "3 John", OSIS: "3John", Chapters: 1, Testament: NewTestament, Abbrevs: []string{"3 jn"}},
	{Name: "Jude", OSIS: "Jude", Chapters: 1, Testament: NewTestament, Ambiguous: true},
	{Name: "Revelation", OSIS: "Rev", Chapters: 22, Testament: NewTestament, Spoken: []string{"revelations", "the revelation"}, Abbrevs: []string{"rev"}},
}

var (
	// spoken maps every lowercase spoken alias to its book.
	spoken = map[string]*Book{}
	// written maps spoken aliases plus abbreviations to their book.
	written = map[string]*Book{}
	byName  = map[string]*Book{}
	byOSIS  = map[string]*Book{}

	maxAliasWords int
)

// ordinalWords maps spoken/written ordinal prefixes to the digit used in the
// canonical book name.
var ordinalWords = map[string]string{
	"first": "1", "1st": "1",
	"second": "2", "2nd": "2", "ii": "2",
	"third": "3", "3rd": "3", "iii": "3",
}

func init() {
	for i := range books {
		b := &books[i]
		byName[b.Name] = b
		byOSIS[strings.ToLower(b.OSIS)] = b
		addAlias(spoken, strings.ToLower(b.Name), b)
		for _, a := range b.Spoken {
			addAlias(spoken, a, b)
		}
	}
	for k, v := range spoken {
		written[k] = v
	}
	for i := range books {
		b := &books[i]
		for _, a := range b.Abbrevs {
			addAlias(written, a, b)
		}
	}
}

func addAlias(m map[string]*Book, alias string, b *Book) {
	m[alias] = b
	if n := len(strings.Fields(alias)); n > maxAliasWords {
		maxAliasWords = n
	}
}

// Books returns the catalog in canonical order. The returned slice must not
// be modified.
func Books() []Book {
	return books
}

// MaxAliasWords is the longest spoken alias measured in words.
func MaxAliasWords() int {
	return maxAliasWords
}

// ByName returns the book with the given canonical name.
func ByName(name string) (*Book, bool) {
	b, ok := byName[name]
	return b, ok
}

// ByOSIS returns the book with the given OSIS identifier (case-insensitive).
func ByOSIS(id string) (*Book, bool) {
	b, ok := byOSIS[strings.ToLower(id)]
	return b, ok
}

// Lookup resolves a spoken book name ("first corinthians", "Psalm",
// "song of songs") to its catalog entry. Ordinal prefixes are canonicalised
// before lookup. Abbreviations are not accepted; see [LookupWritten].
func Lookup(name string) (*Book, bool) {
	b, ok := spoken[canonicalAlias(name)]
	return b, ok
}

// LookupWritten is like [Lookup] but also accepts written abbreviations and
// OSIS identifiers ("Rom", "1 Cor", "1Cor").
func LookupWritten(name string) (*Book, bool) {
	key := canonicalAlias(name)
	if b, ok := written[key]; ok {
		return b, true
	}
	if b, ok := byOSIS[strings.ReplaceAll(key, " ", "")]; ok {
		return b, true
	}
	return nil, false
}

// canonicalAlias lowercases name, collapses whitespace, strips a trailing
// period and rewrites a leading ordinal word to its digit.
func canonicalAlias(name string) string {
	fields := strings.Fields(strings.ToLower(strings.TrimSuffix(strings.TrimSpace(name), ".")))
	if len(fields) > 1 {
		if d, ok := ordinalWords[fields[0]]; ok {
			fields[0] = d
		}
	}
	return strings.Join(fields, " ")
}

// aliasPattern returns every alias from m as regexp alternatives, longest
// first so that "1 john" wins over "john".
func aliasPattern(m map[string]*Book) []string {
	out := make([]string, 0, len(m))
	for a := range m {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if len(out[i]) != len(out[j]) {
			return len(out[i]) > len(out[j])
		}
		return out[i] < out[j]
	})
	return out
}
