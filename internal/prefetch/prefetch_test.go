package prefetch_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/mavrotechnologies/sermon-flow-app-sub000/internal/corpus"
	"github.com/mavrotechnologies/sermon-flow-app-sub000/internal/prefetch"
	"github.com/mavrotechnologies/sermon-flow-app-sub000/internal/stream"
	"github.com/mavrotechnologies/sermon-flow-app-sub000/pkg/scripture"
)

type countingSource struct {
	*corpus.Memory
	mu       sync.Mutex
	lookups  int
	chapters int
}

func (s *countingSource) Lookup(ctx context.Context, ref scripture.Reference, tr string) (string, error) {
	s.mu.Lock()
	s.lookups++
	s.mu.Unlock()
	return s.Memory.Lookup(ctx, ref, tr)
}

func (s *countingSource) Chapter(ctx context.Context, book string, ch int, tr string) ([]corpus.Verse, error) {
	s.mu.Lock()
	s.chapters++
	s.mu.Unlock()
	return s.Memory.Chapter(ctx, book, ch, tr)
}

func (s *countingSource) counts() (lookups, chapters int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lookups, s.chapters
}

func newSource() *countingSource {
	m := corpus.NewMemory("KJV")
	m.Add(
		corpus.Verse{Reference: scripture.Reference{Book: "Romans", Chapter: 8, VerseStart: 28}, Text: "And we know that all things work together for good"},
		corpus.Verse{Reference: scripture.Reference{Book: "Romans", Chapter: 8, VerseStart: 29}, Text: "For whom he did foreknow"},
		corpus.Verse{Reference: scripture.Reference{Book: "John", Chapter: 3, VerseStart: 16}, Text: "For God so loved the world"},
	)
	return &countingSource{Memory: m}
}

func TestCache_HintWarmsChapter(t *testing.T) {
	t.Parallel()

	src := newSource()
	c := prefetch.New(src, prefetch.WithTranslation("kjv"))
	defer c.Close()

	c.Hint(stream.Hint{Book: "Romans", Chapter: 8})
	c.Wait()

	text, err := c.Lookup(context.Background(), scripture.Reference{Book: "Romans", Chapter: 8, VerseStart: 28, VerseEnd: 29}, "")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if text != "And we know that all things work together for good For whom he did foreknow" {
		t.Errorf("text = %q", text)
	}
	lookups, chapters := src.counts()
	if lookups != 0 || chapters != 1 {
		t.Errorf("source calls lookups=%d chapters=%d, want 0 and 1", lookups, chapters)
	}
	if st := c.Stats(); st.Hits != 1 || st.Prefetch != 1 {
		t.Errorf("Stats = %+v", st)
	}

	// A repeated hint for a loaded chapter does not reload it.
	c.Hint(stream.Hint{Book: "Romans", Chapter: 8})
	c.Wait()
	if _, chapters := src.counts(); chapters != 1 {
		t.Errorf("chapter loaded %d times, want 1", chapters)
	}
}

func TestCache_BookHintIgnored(t *testing.T) {
	t.Parallel()

	src := newSource()
	c := prefetch.New(src)
	defer c.Close()

	c.Hint(stream.Hint{Book: "Romans"})
	c.Wait()
	if _, chapters := src.counts(); chapters != 0 {
		t.Errorf("book-level hint loaded %d chapters", chapters)
	}
}

func TestCache_MissFallsThroughAndCaches(t *testing.T) {
	t.Parallel()

	src := newSource()
	c := prefetch.New(src, prefetch.WithTranslation("KJV"))
	defer c.Close()

	ref := scripture.Reference{Book: "John", Chapter: 3, VerseStart: 16}
	for range 2 {
		if _, err := c.Lookup(context.Background(), ref, ""); err != nil {
			t.Fatalf("Lookup: %v", err)
		}
	}
	if lookups, _ := src.counts(); lookups != 1 {
		t.Errorf("source looked up %d times, want 1", lookups)
	}

	_, err := c.Lookup(context.Background(), scripture.Reference{Book: "Jude", Chapter: 1, VerseStart: 3}, "")
	if !errors.Is(err, corpus.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}
