// Package stream implements the word-level reference matcher and the
// stability tracker that holds candidates until they have persisted long
// enough to confirm.
//
// The [Matcher] is an incremental state machine fed one word at a time. It
// tracks the active book, chapter and verse and emits a candidate whenever a
// book, chapter and verse have been heard in sequence, even when they arrive
// in different transcript chunks:
//
//	idle --book--> book --1..150--> chapter --1..176--> complete
//
// Book names that are also ordinary English words (Job, Mark, Acts...) only
// activate when "chapter", "verse" or an N:N token is in the rolling window,
// or when the next word starts with a digit.
package stream

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/mavrotechnologies/sermon-flow-app-sub000/internal/phonetic"
	"github.com/mavrotechnologies/sermon-flow-app-sub000/pkg/scripture"
	"github.com/mavrotechnologies/sermon-flow-app-sub000/pkg/types"
)

const (
	// DefaultWindowWords is the size of the rolling word buffer.
	DefaultWindowWords = 20

	// bookTimeout is how many unrelated words may follow a book name before
	// the matcher forgets it.
	bookTimeout = 8

	// tentativeWords is how long an ambiguous book waits for a digit or
	// "chapter"/"verse" before it is dropped.
	tentativeWords = 1
)

var (
	colonRe = regexp.MustCompile(`^(\d{1,3}):(\d{1,3})(?:-(\d{1,3}))?$`)
	rangeRe = regexp.MustCompile(`^(\d{1,3})(?:-(\d{1,3}))?$`)
)

// Phase is the matcher's position in the book/chapter/verse sequence.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseBook
	PhaseChapter
)

// String returns the lowercase phase name.
func (p Phase) String() string {
	switch p {
	case PhaseBook:
		return "book"
	case PhaseChapter:
		return "chapter"
	default:
		return "idle"
	}
}

// Hint asks the verse collaborator to start loading a book or chapter
// before the exact verse is known. Chapter is zero for a book-level hint.
type Hint struct {
	Book    string
	Chapter int
}

// State is a read-only view of the matcher.
type State struct {
	Phase   Phase
	Book    string
	Chapter int
	Verse   int
	Words   []string
}

// Option is a functional option for configuring a [Matcher].
type Option func(*Matcher)

// WithWindowWords sets the rolling buffer size. Default: 20.
func WithWindowWords(n int) Option {
	return func(m *Matcher) {
		if n > 0 {
			m.windowWords = n
		}
	}
}

// WithPhonetic enables fuzzy recovery of misheard book names. Fuzzy books
// are treated as ambiguous.
func WithPhonetic(p *phonetic.Matcher) Option {
	return func(m *Matcher) {
		m.fuzzy = p
	}
}

// WithPrefetch registers a callback fired the first time a book, and the
// first time a book+chapter, is recognised. It is called synchronously from
// [Matcher.Feed] and must not block.
func WithPrefetch(fn func(Hint)) Option {
	return func(m *Matcher) {
		m.onHint = fn
	}
}

type activeBook struct {
	book  *scripture.Book
	fuzzy bool
}

// Matcher is the streaming word-level matcher. It is not safe for concurrent
// use; the owning session serialises access.
type Matcher struct {
	windowWords int
	fuzzy       *phonetic.Matcher
	onHint      func(Hint)

	words []string

	phase     Phase
	active    activeBook
	chapter   int
	verse     int
	idleWords int

	tentative     *activeBook
	tentativeLeft int

	seenBooks    map[string]bool
	seenChapters map[scripture.ChapterKey]bool
}

// NewMatcher returns an idle Matcher.
func NewMatcher(opts ...Option) *Matcher {
	m := &Matcher{
		windowWords:  DefaultWindowWords,
		seenBooks:    make(map[string]bool),
		seenChapters: make(map[scripture.ChapterKey]bool),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Feed splits normalized text into words and feeds each one, returning every
// complete candidate produced.
func (m *Matcher) Feed(text string) []types.Candidate {
	var out []types.Candidate
	for _, raw := range strings.Fields(text) {
		if c, ok := m.FeedWord(raw); ok {
			out = append(out, c)
		}
	}
	return out
}

// FeedWord advances the state machine by one word.
func (m *Matcher) FeedWord(raw string) (types.Candidate, bool) {
	w := cleanWord(raw)
	if w == "" {
		return types.Candidate{}, false
	}
	m.push(w)

	if m.tentative != nil {
		if c, ok, handled := m.resolveTentative(w); handled {
			return c, ok
		}
	}

	if b, fuzzy, ok := m.bookAt(); ok {
		m.startBook(activeBook{book: b, fuzzy: fuzzy})
		return types.Candidate{}, false
	}

	switch m.phase {
	case PhaseBook:
		return m.onBookWord(w)
	case PhaseChapter:
		return m.onChapterWord(w)
	}
	return types.Candidate{}, false
}

func (m *Matcher) resolveTentative(w string) (types.Candidate, bool, bool) {
	t := *m.tentative
	switch {
	case startsWithDigit(w):
		m.tentative = nil
		m.activate(t)
		c, ok := m.onBookWord(w)
		return c, ok, true
	case isMarker(w):
		m.tentative = nil
		m.activate(t)
		return types.Candidate{}, false, true
	}
	m.tentativeLeft--
	if m.tentativeLeft <= 0 {
		m.tentative = nil
	}
	return types.Candidate{}, false, false
}

func (m *Matcher) startBook(b activeBook) {
	if (b.book.Ambiguous || b.fuzzy) && !m.windowHasContext() {
		m.tentative = &b
		m.tentativeLeft = tentativeWords
		return
	}
	m.tentative = nil
	m.activate(b)
}

func (m *Matcher) activate(b activeBook) {
	m.active = b
	m.phase = PhaseBook
	m.chapter = 0
	m.verse = 0
	m.idleWords = 0
	if !m.seenBooks[b.book.Name] {
		m.seenBooks[b.book.Name] = true
		m.hint(Hint{Book: b.book.Name})
	}
}

func (m *Matcher) onBookWord(w string) (types.Candidate, bool) {
	if sub := colonRe.FindStringSubmatch(w); sub != nil {
		ch, _ := strconv.Atoi(sub[1])
		if !m.setChapter(ch) {
			return types.Candidate{}, false
		}
		return m.complete(sub[2], sub[3])
	}
	if sub := rangeRe.FindStringSubmatch(w); sub != nil {
		ch, _ := strconv.Atoi(sub[1])
		m.setChapter(ch)
		return types.Candidate{}, false
	}
	m.tick()
	return types.Candidate{}, false
}

func (m *Matcher) onChapterWord(w string) (types.Candidate, bool) {
	if sub := colonRe.FindStringSubmatch(w); sub != nil {
		// A fresh chapter:verse pair restarts under the same book.
		ch, _ := strconv.Atoi(sub[1])
		if !m.setChapter(ch) {
			return types.Candidate{}, false
		}
		return m.complete(sub[2], sub[3])
	}
	if sub := rangeRe.FindStringSubmatch(w); sub != nil {
		return m.complete(sub[1], sub[2])
	}
	m.tick()
	return types.Candidate{}, false
}

func (m *Matcher) setChapter(ch int) bool {
	if ch < 1 || ch > scripture.MaxChapter || ch > m.active.book.Chapters {
		m.tick()
		return false
	}
	m.chapter = ch
	m.phase = PhaseChapter
	m.idleWords = 0
	key := scripture.ChapterKey{Book: m.active.book.Name, Chapter: ch}
	if !m.seenChapters[key] {
		m.seenChapters[key] = true
		m.hint(Hint{Book: key.Book, Chapter: ch})
	}
	return true
}

func (m *Matcher) complete(startStr, endStr string) (types.Candidate, bool) {
	start, _ := strconv.Atoi(startStr)
	if start < 1 || start > scripture.MaxVerse {
		m.tick()
		return types.Candidate{}, false
	}
	end := 0
	if endStr != "" {
		if e, _ := strconv.Atoi(endStr); e > start && e <= scripture.MaxVerse {
			end = e
		}
	}
	m.verse = start
	ref := scripture.Reference{
		Book:       m.active.book.Name,
		Chapter:    m.chapter,
		VerseStart: start,
		VerseEnd:   end,
	}
	conf := types.Confidence{Score: 0.95, Level: types.LevelHigh}
	reason := "spoken reference"
	switch {
	case m.active.fuzzy:
		conf = types.Confidence{Score: 0.7, Level: types.LevelMedium}
		reason = "spoken reference, fuzzy book name"
	case m.active.book.Ambiguous:
		conf = types.Confidence{Score: 0.85, Level: types.LevelHigh}
	}
	m.phase = PhaseIdle
	return types.Candidate{
		Reference:  ref,
		Source:     types.SourceRegex,
		Confidence: conf,
		Reason:     reason,
	}, true
}

// tick counts an unrelated word and drops the active book after too many.
func (m *Matcher) tick() {
	if isMarker(m.words[len(m.words)-1]) {
		return
	}
	m.idleWords++
	if m.idleWords > bookTimeout {
		m.phase = PhaseIdle
	}
}

// bookAt looks for a book name ending at the newest word, longest n-gram
// first. Exact names win over phonetic matches.
func (m *Matcher) bookAt() (*scripture.Book, bool, bool) {
	maxN := min(scripture.MaxAliasWords(), len(m.words))
	for n := maxN; n >= 1; n-- {
		phrase := strings.Join(m.words[len(m.words)-n:], " ")
		if b, ok := scripture.Lookup(phrase); ok {
			return b, false, true
		}
	}
	if m.fuzzy == nil {
		return nil, false, false
	}
	for n := min(2, len(m.words)); n >= 1; n-- {
		phrase := strings.Join(m.words[len(m.words)-n:], " ")
		if startsWithDigit(phrase) && n == 1 {
			continue
		}
		if b, _, ok := m.fuzzy.MatchBook(phrase); ok {
			bb, _ := scripture.ByName(b.Name)
			return bb, true, true
		}
	}
	return nil, false, false
}

func (m *Matcher) windowHasContext() bool {
	for _, w := range m.words {
		if isMarker(w) || colonRe.MatchString(w) {
			return true
		}
	}
	return false
}

func (m *Matcher) push(w string) {
	m.words = append(m.words, w)
	if over := len(m.words) - m.windowWords; over > 0 {
		m.words = append(m.words[:0], m.words[over:]...)
	}
}

func (m *Matcher) hint(h Hint) {
	if m.onHint != nil {
		m.onHint(h)
	}
}

// State returns a snapshot of the matcher.
func (m *Matcher) State() State {
	s := State{
		Phase:   m.phase,
		Chapter: m.chapter,
		Verse:   m.verse,
		Words:   append([]string(nil), m.words...),
	}
	if m.active.book != nil {
		s.Book = m.active.book.Name
	}
	return s
}

// Reset returns the matcher to idle and forgets every hint already sent.
func (m *Matcher) Reset() {
	m.words = nil
	m.phase = PhaseIdle
	m.active = activeBook{}
	m.chapter = 0
	m.verse = 0
	m.idleWords = 0
	m.tentative = nil
	clear(m.seenBooks)
	clear(m.seenChapters)
}

func cleanWord(w string) string {
	w = strings.ToLower(strings.Trim(w, `.,;!?"'()[]`))
	return strings.ReplaceAll(w, "–", "-")
}

func isMarker(w string) bool {
	switch w {
	case "chapter", "chapters", "verse", "verses":
		return true
	}
	return false
}

func startsWithDigit(w string) bool {
	return w != "" && w[0] >= '0' && w[0] <= '9'
}
