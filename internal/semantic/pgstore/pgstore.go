// Package pgstore persists verse embeddings in PostgreSQL with pgvector so
// the full-corpus tier is embedded once per model rather than once per
// process.
package pgstore

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/mavrotechnologies/sermon-flow-app-sub000/internal/semantic"
	"github.com/mavrotechnologies/sermon-flow-app-sub000/pkg/scripture"
)

var _ semantic.VectorStore = (*Store)(nil)

// Store is a [semantic.VectorStore] over one table shared by all models;
// every query is scoped to the model the Store was opened for. It is safe
// for concurrent use.
type Store struct {
	pool  *pgxpool.Pool
	model string
}

// New connects to dsn, registers pgvector types on every connection and
// runs [Migrate]. dims must match the embedding model; changing it later
// needs a manual schema change.
func New(ctx context.Context, dsn string, model string, dims int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("pgstore: parse dsn: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("pgstore: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgstore: ping: %w", err)
	}
	if err := Migrate(ctx, pool, dims); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool, model: model}, nil
}

// Migrate creates the extension, table and HNSW index. It is idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool, dims int) error {
	ddl := fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS verse_embeddings (
    model       TEXT     NOT NULL,
    book        TEXT     NOT NULL,
    chapter     INTEGER  NOT NULL,
    verse       INTEGER  NOT NULL,
    verse_end   INTEGER  NOT NULL DEFAULT 0,
    content     TEXT     NOT NULL,
    embedding   vector(%d) NOT NULL,
    PRIMARY KEY (model, book, chapter, verse)
);

CREATE INDEX IF NOT EXISTS idx_verse_embeddings_embedding
    ON verse_embeddings USING hnsw (embedding vector_cosine_ops);
`, dims)
	if _, err := pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("pgstore: migrate: %w", err)
	}
	return nil
}

// Count implements semantic.VectorStore.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM verse_embeddings WHERE model = $1`, s.model).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("pgstore: count: %w", err)
	}
	return n, nil
}

// Upsert implements semantic.VectorStore. All rows go in one batch.
func (s *Store) Upsert(ctx context.Context, entries []semantic.Entry, vecs [][]float32) error {
	const q = `
		INSERT INTO verse_embeddings (model, book, chapter, verse, verse_end, content, embedding)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (model, book, chapter, verse) DO UPDATE SET
		    verse_end = EXCLUDED.verse_end,
		    content   = EXCLUDED.content,
		    embedding = EXCLUDED.embedding`

	batch := &pgx.Batch{}
	for i, e := range entries {
		r := e.Reference
		batch.Queue(q, s.model, r.Book, r.Chapter, r.VerseStart, r.VerseEnd, e.Text, pgvector.NewVector(vecs[i]))
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("pgstore: upsert: %w", err)
	}
	return nil
}

// Search implements semantic.VectorStore. Cosine distance from pgvector is
// converted to similarity.
func (s *Store) Search(ctx context.Context, query []float32, k int, minSim float64) ([]semantic.Hit, error) {
	const q = `
		SELECT book, chapter, verse, verse_end, content, 1 - (embedding <=> $1) AS similarity
		FROM   verse_embeddings
		WHERE  model = $2
		ORDER  BY embedding <=> $1
		LIMIT  $3`

	rows, err := s.pool.Query(ctx, q, pgvector.NewVector(query), s.model, k)
	if err != nil {
		return nil, fmt.Errorf("pgstore: search: %w", err)
	}
	hits, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (semantic.Hit, error) {
		var (
			h semantic.Hit
			r scripture.Reference
		)
		err := row.Scan(&r.Book, &r.Chapter, &r.VerseStart, &r.VerseEnd, &h.Text, &h.Similarity)
		h.Reference = r
		return h, err
	})
	if err != nil {
		return nil, fmt.Errorf("pgstore: scan rows: %w", err)
	}
	out := hits[:0]
	for _, h := range hits {
		if h.Similarity >= minSim {
			out = append(out, h)
		}
	}
	return out, nil
}

// Ping checks the connection, for readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}
