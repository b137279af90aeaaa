package scripture

import (
	"fmt"
	"strconv"
)

// Key is the identity of a detection: book, chapter and first verse. The end
// of a verse range is informational and not part of the key.
type Key struct {
	Book    string
	Chapter int
	Verse   int
}

// String renders the key as "Book C:V".
func (k Key) String() string {
	return k.Book + " " + strconv.Itoa(k.Chapter) + ":" + strconv.Itoa(k.Verse)
}

// Reference is a single verse or a contiguous verse range within one
// chapter. VerseEnd is zero for a single verse.
type Reference struct {
	Book       string `json:"book" yaml:"book"`
	Chapter    int    `json:"chapter" yaml:"chapter"`
	VerseStart int    `json:"verse_start" yaml:"verse_start"`
	VerseEnd   int    `json:"verse_end,omitempty" yaml:"verse_end,omitempty"`
}

// Key returns the deduplication key of r.
func (r Reference) Key() Key {
	return Key{Book: r.Book, Chapter: r.Chapter, Verse: r.VerseStart}
}

// IsRange reports whether r spans more than one verse.
func (r Reference) IsRange() bool {
	return r.VerseEnd > r.VerseStart
}

// String renders r in display form: "John 3:16" or "John 3:16-18".
func (r Reference) String() string {
	s := fmt.Sprintf("%s %d:%d", r.Book, r.Chapter, r.VerseStart)
	if r.IsRange() {
		s += "-" + strconv.Itoa(r.VerseEnd)
	}
	return s
}

// OSIS renders r as an OSIS reference: "John.3.16" or "John.3.16-John.3.18".
// Returns the empty string when r.Book is not in the catalog.
func (r Reference) OSIS() string {
	b, ok := ByName(r.Book)
	if !ok {
		return ""
	}
	s := fmt.Sprintf("%s.%d.%d", b.OSIS, r.Chapter, r.VerseStart)
	if r.IsRange() {
		s += fmt.Sprintf("-%s.%d.%d", b.OSIS, r.Chapter, r.VerseEnd)
	}
	return s
}

// Valid reports whether r names a catalog book, a chapter that exists in
// that book and verse numbers inside [1, MaxVerse].
func (r Reference) Valid() bool {
	b, ok := ByName(r.Book)
	if !ok {
		return false
	}
	if r.Chapter < 1 || r.Chapter > b.Chapters {
		return false
	}
	if r.VerseStart < 1 || r.VerseStart > MaxVerse {
		return false
	}
	if r.VerseEnd != 0 && (r.VerseEnd < r.VerseStart || r.VerseEnd > MaxVerse) {
		return false
	}
	return true
}

// ChapterKey identifies a chapter within a book.
type ChapterKey struct {
	Book    string
	Chapter int
}

// ChapterKey returns the (book, chapter) pair of r.
func (r Reference) ChapterKey() ChapterKey {
	return ChapterKey{Book: r.Book, Chapter: r.Chapter}
}
