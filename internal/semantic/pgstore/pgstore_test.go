package pgstore_test

import (
	"context"
	"os"
	"testing"

	"github.com/mavrotechnologies/sermon-flow-app-sub000/internal/semantic"
	"github.com/mavrotechnologies/sermon-flow-app-sub000/internal/semantic/pgstore"
	"github.com/mavrotechnologies/sermon-flow-app-sub000/pkg/scripture"
)

const testDims = 3

// newTestStore skips unless SERMONFLOW_TEST_POSTGRES_DSN is set. Each test
// uses its own model name so rows never collide.
func newTestStore(t *testing.T, model string) *pgstore.Store {
	t.Helper()
	dsn := os.Getenv("SERMONFLOW_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("SERMONFLOW_TEST_POSTGRES_DSN not set, skipping PostgreSQL integration tests")
	}
	ctx := context.Background()
	s, err := pgstore.New(ctx, dsn, model, testDims)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func TestStore_UpsertCountSearch(t *testing.T) {
	s := newTestStore(t, "test-"+t.Name())
	ctx := context.Background()

	entries := []semantic.Entry{
		{Reference: scripture.Reference{Book: "Genesis", Chapter: 1, VerseStart: 1}, Text: "In the beginning"},
		{Reference: scripture.Reference{Book: "John", Chapter: 1, VerseStart: 1}, Text: "In the beginning was the Word"},
	}
	vecs := [][]float32{{1, 0, 0}, {0, 1, 0}}
	if err := s.Upsert(ctx, entries, vecs); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	// Upserting again must not duplicate rows.
	if err := s.Upsert(ctx, entries, vecs); err != nil {
		t.Fatalf("Upsert again: %v", err)
	}
	n, err := s.Count(ctx)
	if err != nil || n != 2 {
		t.Fatalf("Count = %d, %v; want 2", n, err)
	}

	hits, err := s.Search(ctx, []float32{0, 1, 0}, 5, 0.5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 1 || hits[0].Reference.Book != "John" {
		t.Errorf("hits = %+v, want John 1:1 only", hits)
	}
}

func TestStore_ModelScoped(t *testing.T) {
	a := newTestStore(t, "test-a-"+t.Name())
	b := newTestStore(t, "test-b-"+t.Name())
	ctx := context.Background()

	err := a.Upsert(ctx, []semantic.Entry{{Reference: scripture.Reference{Book: "Jude", Chapter: 1, VerseStart: 3}, Text: "x"}}, [][]float32{{0, 0, 1}})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if n, _ := b.Count(ctx); n != 0 {
		t.Errorf("other model sees %d rows, want 0", n)
	}
}
