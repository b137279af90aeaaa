// Package corpus holds Bible verse text: the lookup source that fills
// [types.ConfirmedDetection.VerseText] and the verse list the semantic
// full-corpus tier embeds.
//
// Two backends exist. [Memory] is loaded from YAML (or the curated passages)
// and suits tests and small deployments. [SQLite] reads a verses table in a
// SQLite database and can import YAML into it.
package corpus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/mavrotechnologies/sermon-flow-app-sub000/internal/keyword"
	"github.com/mavrotechnologies/sermon-flow-app-sub000/internal/semantic"
	"github.com/mavrotechnologies/sermon-flow-app-sub000/pkg/scripture"
)

// DefaultTranslation is used when a lookup names no translation.
const DefaultTranslation = "KJV"

var (
	// ErrNotFound is returned when a verse is not in the corpus.
	ErrNotFound = errors.New("corpus: verse not found")

	// ErrUnknownTranslation is returned when a translation has no verses.
	ErrUnknownTranslation = errors.New("corpus: unknown translation")
)

// Verse is the text of one verse in one translation.
type Verse struct {
	Translation string
	Reference   scripture.Reference
	Text        string
}

// Corpus is what the rest of the system needs from a verse store.
type Corpus interface {
	// Lookup returns the text of ref in translation. Ranges are joined with
	// single spaces. An empty translation selects the corpus default.
	Lookup(ctx context.Context, ref scripture.Reference, translation string) (string, error)

	// Chapter returns every verse of one chapter in verse order.
	Chapter(ctx context.Context, book string, chapter int, translation string) ([]Verse, error)

	// Translations lists the available translations.
	Translations(ctx context.Context) ([]string, error)

	// Verses returns every verse of the default translation.
	Verses(ctx context.Context) ([]semantic.Entry, error)
}

var (
	_ Corpus               = (*Memory)(nil)
	_ semantic.VerseSource = (*Memory)(nil)
)

// Memory is an in-memory [Corpus]. It is safe for concurrent use.
type Memory struct {
	mu     sync.RWMutex
	def    string
	verses map[string]map[scripture.Key]string
	order  map[string][]scripture.Key
}

// NewMemory returns an empty corpus whose default translation is def
// (DefaultTranslation when empty).
func NewMemory(def string) *Memory {
	if def == "" {
		def = DefaultTranslation
	}
	return &Memory{
		def:    strings.ToUpper(def),
		verses: make(map[string]map[scripture.Key]string),
		order:  make(map[string][]scripture.Key),
	}
}

// Add stores verses, replacing existing text for the same verse.
func (m *Memory) Add(verses ...Verse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, v := range verses {
		tr := strings.ToUpper(v.Translation)
		if tr == "" {
			tr = m.def
		}
		byKey, ok := m.verses[tr]
		if !ok {
			byKey = make(map[scripture.Key]string)
			m.verses[tr] = byKey
		}
		k := v.Reference.Key()
		if _, exists := byKey[k]; !exists {
			m.order[tr] = append(m.order[tr], k)
		}
		byKey[k] = v.Text
	}
}

// Len returns the number of verses in the default translation.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.verses[m.def])
}

// Lookup implements Corpus.
func (m *Memory) Lookup(_ context.Context, ref scripture.Reference, translation string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tr := m.def
	if translation != "" {
		tr = strings.ToUpper(translation)
	}
	byKey, ok := m.verses[tr]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTranslation, tr)
	}
	end := max(ref.VerseStart, ref.VerseEnd)
	parts := make([]string, 0, end-ref.VerseStart+1)
	for v := ref.VerseStart; v <= end; v++ {
		text, ok := byKey[scripture.Key{Book: ref.Book, Chapter: ref.Chapter, Verse: v}]
		if !ok {
			if v == ref.VerseStart {
				return "", fmt.Errorf("%w: %s (%s)", ErrNotFound, ref, tr)
			}
			break
		}
		parts = append(parts, text)
	}
	return strings.Join(parts, " "), nil
}

// Chapter implements Corpus.
func (m *Memory) Chapter(_ context.Context, book string, chapter int, translation string) ([]Verse, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tr := m.def
	if translation != "" {
		tr = strings.ToUpper(translation)
	}
	byKey, ok := m.verses[tr]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTranslation, tr)
	}
	var out []Verse
	for k, text := range byKey {
		if k.Book == book && k.Chapter == chapter {
			out = append(out, Verse{
				Translation: tr,
				Reference:   scripture.Reference{Book: book, Chapter: chapter, VerseStart: k.Verse},
				Text:        text,
			})
		}
	}
	slices.SortFunc(out, func(a, b Verse) int { return a.Reference.VerseStart - b.Reference.VerseStart })
	return out, nil
}

// Translations implements Corpus.
func (m *Memory) Translations(context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.verses))
	for tr := range m.verses {
		out = append(out, tr)
	}
	slices.Sort(out)
	return out, nil
}

// Verses implements Corpus and semantic.VerseSource. Verses come back in
// insertion order.
func (m *Memory) Verses(context.Context) ([]semantic.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := m.order[m.def]
	out := make([]semantic.Entry, 0, len(keys))
	for _, k := range keys {
		out = append(out, semantic.Entry{
			Reference: scripture.Reference{Book: k.Book, Chapter: k.Chapter, VerseStart: k.Verse},
			Text:      m.verses[m.def][k],
		})
	}
	return out, nil
}

// FromPassages builds a corpus from the curated passages. A passage that
// spans a range is stored under its first verse.
func FromPassages(passages []keyword.Passage, translation string) *Memory {
	m := NewMemory(translation)
	for _, p := range passages {
		if p.Text == "" {
			continue
		}
		ref := p.Reference
		ref.VerseEnd = 0
		m.Add(Verse{Reference: ref, Text: p.Text})
	}
	return m
}

type fileYAML struct {
	Translation string      `yaml:"translation"`
	Verses      []verseYAML `yaml:"verses"`
}

type verseYAML struct {
	Ref  string `yaml:"ref"`
	Text string `yaml:"text"`
}

// ParseYAML reads a corpus file:
//
//	translation: KJV
//	verses:
//	  - ref: John 3:16
//	    text: For God so loved the world...
//
// Every ref must be a single valid verse.
func ParseYAML(r io.Reader) ([]Verse, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var f fileYAML
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("corpus: decode yaml: %w", err)
	}
	tr := strings.ToUpper(strings.TrimSpace(f.Translation))
	if tr == "" {
		tr = DefaultTranslation
	}
	var errs []error
	out := make([]Verse, 0, len(f.Verses))
	for i, v := range f.Verses {
		ref, err := scripture.ParseReference(v.Ref)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("verses[%d]: %q: %w", i, v.Ref, err))
			continue
		case ref.IsRange():
			errs = append(errs, fmt.Errorf("verses[%d]: %q: ranges are not allowed", i, v.Ref))
			continue
		case strings.TrimSpace(v.Text) == "":
			errs = append(errs, fmt.Errorf("verses[%d]: %q: text is required", i, v.Ref))
			continue
		}
		ref.VerseEnd = 0
		out = append(out, Verse{Translation: tr, Reference: ref, Text: strings.TrimSpace(v.Text)})
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("corpus: invalid yaml: %w", err)
	}
	return out, nil
}

// LoadYAMLFile parses the corpus file at path.
func LoadYAMLFile(path string) ([]Verse, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("corpus: open %q: %w", path, err)
	}
	defer f.Close()
	return ParseYAML(f)
}
