// Package sessionctx remembers which passages a session has referenced and
// uses that memory to resolve relative speech: "verse 17", "the next
// chapter", "as Paul continues".
//
// A [Tracker] belongs to exactly one session. Its state grows until
// [Tracker.Reset].
package sessionctx

import (
	"fmt"
	"regexp"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mavrotechnologies/sermon-flow-app-sub000/internal/clock"
	"github.com/mavrotechnologies/sermon-flow-app-sub000/pkg/scripture"
	"github.com/mavrotechnologies/sermon-flow-app-sub000/pkg/types"
)

// DefaultHintWindow is how far back [Tracker.ContextHint] looks.
const DefaultHintWindow = 3 * time.Minute

// Passage is the per-chapter reference record.
type Passage struct {
	Book       string    `json:"book"`
	Chapter    int       `json:"chapter"`
	Verses     []int     `json:"verses,omitempty"`
	Count      int       `json:"count"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

// Snapshot is a copy of the tracker state.
type Snapshot struct {
	Passages       []Passage            `json:"passages"`
	CurrentBook    string               `json:"current_book,omitempty"`
	CurrentChapter int                  `json:"current_chapter,omitempty"`
	LastReference  *scripture.Reference `json:"last_reference,omitempty"`
}

// Suggestion is a passage inferred from continuation or author phrasing.
// Verse is zero when only the book or chapter can be inferred; Chapter is
// zero when only the book can.
type Suggestion struct {
	Book       string
	Chapter    int
	Verse      int
	Confidence float64
	Reason     string
}

// Option is a functional option for configuring a [Tracker].
type Option func(*Tracker)

// WithClock sets the time source. Default: [clock.Real].
func WithClock(c clock.Clock) Option {
	return func(t *Tracker) {
		t.clock = c
	}
}

// WithHintWindow sets how far back the context hint looks. Default: 3m.
func WithHintWindow(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.hintWindow = d
		}
	}
}

// Tracker is safe for concurrent use.
type Tracker struct {
	clock      clock.Clock
	hintWindow time.Duration

	mu             sync.Mutex
	passages       map[scripture.ChapterKey]*Passage
	currentBook    string
	currentChapter int
	last           *scripture.Reference
}

// New returns an empty Tracker.
func New(opts ...Option) *Tracker {
	t := &Tracker{
		clock:      clock.Real{},
		hintWindow: DefaultHintWindow,
		passages:   make(map[scripture.ChapterKey]*Passage),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// AddReference records ref and makes its chapter current.
func (t *Tracker) AddReference(ref scripture.Reference) {
	if ref.Book == "" || ref.Chapter < 1 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	k := ref.ChapterKey()
	p, ok := t.passages[k]
	if !ok {
		p = &Passage{Book: ref.Book, Chapter: ref.Chapter}
		t.passages[k] = p
	}
	p.Count++
	p.LastSeenAt = t.clock.Now()
	if ref.VerseStart > 0 {
		end := max(ref.VerseEnd, ref.VerseStart)
		for v := ref.VerseStart; v <= end; v++ {
			if !slices.Contains(p.Verses, v) {
				p.Verses = append(p.Verses, v)
			}
		}
		sort.Ints(p.Verses)
	}
	t.currentBook = ref.Book
	t.currentChapter = ref.Chapter
	r := ref
	t.last = &r
}

var (
	nextVerseRe   = regexp.MustCompile(`(?i)\b(?:next|following)\s+verse\b`)
	nextChapterRe = regexp.MustCompile(`(?i)\b(?:next|following)\s+chapter\b`)
	prevChapterRe = regexp.MustCompile(`(?i)\b(?:previous\s+chapter|chapter\s+before)\b`)
	continuesRe   = regexp.MustCompile(`(?i)\b(?:continues|goes\s+on|went\s+on|keeps\s+going)\b`)
	authorRe      = regexp.MustCompile(`(?i)\b(?:(?:apostle|prophet|king)\s+)?(paul|peter|john|david|moses|isaiah|jeremiah|luke|matthew|james|solomon|the\s+psalmist)\s+(?:says|said|writes|wrote|tells|told|continues|goes\s+on|puts\s+it|reminds|declares)\b`)
)

var authorBooks = map[string][]string{
	"paul": {"Romans", "1 Corinthians", "2 Corinthians", "Galatians", "Ephesians",
		"Philippians", "Colossians", "1 Thessalonians", "2 Thessalonians",
		"1 Timothy", "2 Timothy", "Titus", "Philemon"},
	"peter":        {"1 Peter", "2 Peter"},
	"john":         {"John", "1 John", "2 John", "3 John", "Revelation"},
	"david":        {"Psalms"},
	"the psalmist": {"Psalms"},
	"moses":        {"Genesis", "Exodus", "Leviticus", "Numbers", "Deuteronomy"},
	"isaiah":       {"Isaiah"},
	"jeremiah":     {"Jeremiah", "Lamentations"},
	"luke":         {"Luke", "Acts"},
	"matthew":      {"Matthew"},
	"james":        {"James"},
	"solomon":      {"Proverbs", "Ecclesiastes", "Song of Solomon"},
}

// Suggest proposes passages from continuation phrases and author mentions,
// highest confidence first. Continuations need a current chapter.
func (t *Tracker) Suggest(text string) []Suggestion {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []Suggestion
	if t.currentBook != "" && t.currentChapter > 0 {
		book, _ := scripture.ByName(t.currentBook)
		nextVerse := 0
		if v := t.lastVerse(); v > 0 && v < scripture.MaxVerse {
			nextVerse = v + 1
		}
		if nextVerseRe.MatchString(text) && nextVerse > 0 {
			out = append(out, Suggestion{t.currentBook, t.currentChapter, nextVerse, 0.8, "next verse"})
		}
		if nextChapterRe.MatchString(text) && book != nil && t.currentChapter < book.Chapters {
			out = append(out, Suggestion{t.currentBook, t.currentChapter + 1, 1, 0.9, "next chapter"})
		}
		if prevChapterRe.MatchString(text) && t.currentChapter > 1 {
			out = append(out, Suggestion{t.currentBook, t.currentChapter - 1, 1, 0.9, "previous chapter"})
		}
		if continuesRe.MatchString(text) && nextVerse > 0 {
			out = append(out, Suggestion{t.currentBook, t.currentChapter, nextVerse, 0.7, "speaker continues"})
		}
	}
	for _, m := range authorRe.FindAllStringSubmatch(text, -1) {
		author := strings.Join(strings.Fields(strings.ToLower(m[1])), " ")
		if s, ok := t.authorSuggestion(author); ok {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Confidence > out[j].Confidence })
	return out
}

// authorSuggestion prefers the most recently referenced of the author's
// books and points at the verse after the last one heard there. Without
// such a passage it falls back to the first book attributed to the author.
func (t *Tracker) authorSuggestion(author string) (Suggestion, bool) {
	books, ok := authorBooks[author]
	if !ok {
		return Suggestion{}, false
	}
	var best *Passage
	for _, p := range t.passages {
		if !slices.Contains(books, p.Book) {
			continue
		}
		if best == nil || p.LastSeenAt.After(best.LastSeenAt) {
			best = p
		}
	}
	reason := "author: " + author
	if best == nil {
		return Suggestion{Book: books[0], Confidence: 0.4, Reason: reason}, true
	}
	verse := 1
	if n := len(best.Verses); n > 0 {
		verse = best.Verses[n-1] + 1
	}
	if t.last != nil && t.last.Book == best.Book && t.last.Chapter == best.Chapter {
		if v := max(t.last.VerseEnd, t.last.VerseStart); v > 0 {
			verse = v + 1
		}
	}
	if verse > scripture.MaxVerse {
		verse = 0
	}
	return Suggestion{Book: best.Book, Chapter: best.Chapter, Verse: verse, Confidence: 0.6, Reason: reason}, true
}

// lastVerse returns the last verse of the most recent reference when it is
// in the current chapter.
func (t *Tracker) lastVerse() int {
	if t.last == nil || t.last.Book != t.currentBook || t.last.Chapter != t.currentChapter {
		return 0
	}
	return max(t.last.VerseEnd, t.last.VerseStart)
}

var (
	bareVerseRe = regexp.MustCompile(`(?i)\bverses?\s+(\d{1,3})(?:\s*(?:-|–|through|thru|to|and)\s*(\d{1,3}))?\b`)
	bareColonRe = regexp.MustCompile(`\b(\d{1,3}):(\d{1,3})(?:-(\d{1,3}))?\b`)
	trailNumRe  = regexp.MustCompile(`(?i)\s*(?:chapter\s+)?\d{1,3}\s*$`)
)

// Resolve rewrites bare verse references in text ("verse 17", "verses 4
// and 5", "5:3") into full references using the current book and chapter.
// A verse already attached to an explicit book and chapter ("Romans 8 verse
// 28", "John 3:16") is left alone.
func (t *Tracker) Resolve(text string) []scripture.Reference {
	t.mu.Lock()
	book, chapter := t.currentBook, t.currentChapter
	t.mu.Unlock()
	if book == "" || chapter < 1 {
		return nil
	}

	var out []scripture.Reference
	for _, loc := range bareVerseRe.FindAllStringSubmatchIndex(text, -1) {
		if precededByBookChapter(text[:loc[0]]) {
			continue
		}
		start, _ := strconv.Atoi(text[loc[2]:loc[3]])
		end := 0
		if loc[4] >= 0 {
			end, _ = strconv.Atoi(text[loc[4]:loc[5]])
		}
		if ref, ok := makeRef(book, chapter, start, end); ok {
			out = append(out, ref)
		}
	}
	for _, loc := range bareColonRe.FindAllStringSubmatchIndex(text, -1) {
		if precededByBook(text[:loc[0]]) {
			continue
		}
		ch, _ := strconv.Atoi(text[loc[2]:loc[3]])
		start, _ := strconv.Atoi(text[loc[4]:loc[5]])
		end := 0
		if loc[6] >= 0 {
			end, _ = strconv.Atoi(text[loc[6]:loc[7]])
		}
		if ref, ok := makeRef(book, ch, start, end); ok {
			out = append(out, ref)
		}
	}
	return out
}

func makeRef(book string, chapter, start, end int) (scripture.Reference, bool) {
	if end <= start {
		end = 0
	}
	ref := scripture.Reference{Book: book, Chapter: chapter, VerseStart: start, VerseEnd: end}
	return ref, ref.Valid()
}

func precededByBookChapter(prefix string) bool {
	loc := trailNumRe.FindStringIndex(prefix)
	if loc == nil {
		return false
	}
	return endsWithBook(prefix[:loc[0]])
}

func precededByBook(prefix string) bool {
	return endsWithBook(prefix)
}

// endsWithBook reports whether the last one to three words of s name a book.
func endsWithBook(s string) bool {
	words := strings.Fields(s)
	for n := min(scripture.MaxAliasWords(), len(words)); n >= 1; n-- {
		if _, ok := scripture.LookupWritten(strings.Join(words[len(words)-n:], " ")); ok {
			return true
		}
	}
	return false
}

// Candidates runs Resolve and Suggest over text and returns every result
// that names a verse, tagged source=context.
func (t *Tracker) Candidates(text string) []types.Candidate {
	var out []types.Candidate
	for _, ref := range t.Resolve(text) {
		out = append(out, types.Candidate{
			Reference:  ref,
			Source:     types.SourceContext,
			Confidence: types.Confidence{Score: 0.85, Level: types.LevelHigh},
			Reason:     "bare verse resolved against current chapter",
		})
	}
	for _, s := range t.Suggest(text) {
		if s.Chapter == 0 || s.Verse == 0 {
			continue
		}
		ref := scripture.Reference{Book: s.Book, Chapter: s.Chapter, VerseStart: s.Verse}
		if !ref.Valid() {
			continue
		}
		out = append(out, types.Candidate{
			Reference:  ref,
			Source:     types.SourceContext,
			Confidence: types.Confidence{Score: s.Confidence, Level: types.LevelForScore(s.Confidence)},
			Reason:     s.Reason,
		})
	}
	return out
}

// ContextHint summarises the books referenced within the hint window for the
// escalation oracle. It is empty when nothing recent was referenced.
func (t *Tracker) ContextHint() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := t.clock.Now().Add(-t.hintWindow)
	var recent []*Passage
	for _, p := range t.passages {
		if !p.LastSeenAt.Before(cutoff) {
			recent = append(recent, p)
		}
	}
	if len(recent) == 0 {
		return ""
	}
	sort.Slice(recent, func(i, j int) bool { return recent[i].LastSeenAt.After(recent[j].LastSeenAt) })

	parts := make([]string, 0, len(recent))
	for _, p := range recent {
		s := fmt.Sprintf("%s %d", p.Book, p.Chapter)
		if len(p.Verses) > 0 {
			vs := make([]string, len(p.Verses))
			for i, v := range p.Verses {
				vs[i] = strconv.Itoa(v)
			}
			s += " (verses " + strings.Join(vs, ", ") + ")"
		}
		parts = append(parts, s)
	}
	hint := "Recently referenced: " + strings.Join(parts, "; ") + "."
	if t.currentBook != "" {
		hint += fmt.Sprintf(" Currently in %s %d.", t.currentBook, t.currentChapter)
	}
	return hint
}

// Current returns the current book and chapter.
func (t *Tracker) Current() (book string, chapter int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.currentBook, t.currentChapter
}

// Snapshot returns a copy of the tracker state, passages ordered by book and
// chapter.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := Snapshot{CurrentBook: t.currentBook, CurrentChapter: t.currentChapter}
	if t.last != nil {
		r := *t.last
		s.LastReference = &r
	}
	for _, p := range t.passages {
		cp := *p
		cp.Verses = slices.Clone(p.Verses)
		s.Passages = append(s.Passages, cp)
	}
	sort.Slice(s.Passages, func(i, j int) bool {
		if s.Passages[i].Book != s.Passages[j].Book {
			return s.Passages[i].Book < s.Passages[j].Book
		}
		return s.Passages[i].Chapter < s.Passages[j].Chapter
	})
	return s
}

// Reset forgets every reference.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	clear(t.passages)
	t.currentBook = ""
	t.currentChapter = 0
	t.last = nil
}
