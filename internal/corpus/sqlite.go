package corpus

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/mavrotechnologies/sermon-flow-app-sub000/internal/semantic"
	"github.com/mavrotechnologies/sermon-flow-app-sub000/pkg/scripture"
)

var (
	_ Corpus               = (*SQLite)(nil)
	_ semantic.VerseSource = (*SQLite)(nil)
)

const schema = `
CREATE TABLE IF NOT EXISTS verses (
    translation TEXT    NOT NULL,
    book        TEXT    NOT NULL,
    chapter     INTEGER NOT NULL,
    verse       INTEGER NOT NULL,
    text        TEXT    NOT NULL,
    ord         INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (translation, book, chapter, verse)
);
CREATE INDEX IF NOT EXISTS idx_verses_ord ON verses (translation, ord);
`

// SQLite is a [Corpus] over a SQLite database with a verses table.
type SQLite struct {
	db  *sql.DB
	def string
}

// OpenSQLite opens (creating if needed) the database at path and ensures
// the schema exists. Pass ":memory:" for a private in-memory database.
func OpenSQLite(ctx context.Context, path, defaultTranslation string) (*SQLite, error) {
	if defaultTranslation == "" {
		defaultTranslation = DefaultTranslation
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("corpus: create db directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("corpus: open database: %w", err)
	}
	if path == ":memory:" {
		// Every connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("corpus: ping database: %w", err)
	}
	for _, p := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("corpus: set pragma %q: %w", p, err)
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("corpus: migrate: %w", err)
	}
	return &SQLite{db: db, def: strings.ToUpper(defaultTranslation)}, nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Import writes verses in a single transaction, replacing existing rows.
// Insertion order is kept for [SQLite.Verses].
func (s *SQLite) Import(ctx context.Context, verses []Verse) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("corpus: begin import: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var base int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(ord), 0) FROM verses`).Scan(&base); err != nil {
		return fmt.Errorf("corpus: import: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO verses (translation, book, chapter, verse, text, ord)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (translation, book, chapter, verse) DO UPDATE SET text = excluded.text`)
	if err != nil {
		return fmt.Errorf("corpus: prepare import: %w", err)
	}
	defer stmt.Close()

	for i, v := range verses {
		tr := strings.ToUpper(v.Translation)
		if tr == "" {
			tr = s.def
		}
		r := v.Reference
		if _, err := stmt.ExecContext(ctx, tr, r.Book, r.Chapter, r.VerseStart, v.Text, base+int64(i)+1); err != nil {
			return fmt.Errorf("corpus: import %s: %w", r, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("corpus: commit import: %w", err)
	}
	return nil
}

// Lookup implements Corpus.
func (s *SQLite) Lookup(ctx context.Context, ref scripture.Reference, translation string) (string, error) {
	tr := s.def
	if translation != "" {
		tr = strings.ToUpper(translation)
	}
	end := max(ref.VerseStart, ref.VerseEnd)
	rows, err := s.db.QueryContext(ctx, `
		SELECT verse, text FROM verses
		WHERE translation = ? AND book = ? AND chapter = ? AND verse BETWEEN ? AND ?
		ORDER BY verse`, tr, ref.Book, ref.Chapter, ref.VerseStart, end)
	if err != nil {
		return "", fmt.Errorf("corpus: lookup %s: %w", ref, err)
	}
	defer rows.Close()

	var (
		parts []string
		next  = ref.VerseStart
	)
	for rows.Next() {
		var (
			verse int
			text  string
		)
		if err := rows.Scan(&verse, &text); err != nil {
			return "", fmt.Errorf("corpus: scan verse: %w", err)
		}
		if verse != next {
			break
		}
		parts = append(parts, text)
		next++
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("corpus: lookup %s: %w", ref, err)
	}
	if len(parts) == 0 {
		if ok, err := s.hasTranslation(ctx, tr); err == nil && !ok {
			return "", fmt.Errorf("%w: %s", ErrUnknownTranslation, tr)
		}
		return "", fmt.Errorf("%w: %s (%s)", ErrNotFound, ref, tr)
	}
	return strings.Join(parts, " "), nil
}

func (s *SQLite) hasTranslation(ctx context.Context, tr string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM verses WHERE translation = ? LIMIT 1`, tr).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// Chapter implements Corpus.
func (s *SQLite) Chapter(ctx context.Context, book string, chapter int, translation string) ([]Verse, error) {
	tr := s.def
	if translation != "" {
		tr = strings.ToUpper(translation)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT verse, text FROM verses
		WHERE translation = ? AND book = ? AND chapter = ?
		ORDER BY verse`, tr, book, chapter)
	if err != nil {
		return nil, fmt.Errorf("corpus: load %s %d: %w", book, chapter, err)
	}
	defer rows.Close()
	var out []Verse
	for rows.Next() {
		v := Verse{Translation: tr, Reference: scripture.Reference{Book: book, Chapter: chapter}}
		if err := rows.Scan(&v.Reference.VerseStart, &v.Text); err != nil {
			return nil, fmt.Errorf("corpus: scan verse: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// Translations implements Corpus.
func (s *SQLite) Translations(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT translation FROM verses ORDER BY translation`)
	if err != nil {
		return nil, fmt.Errorf("corpus: list translations: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var tr string
		if err := rows.Scan(&tr); err != nil {
			return nil, fmt.Errorf("corpus: scan translation: %w", err)
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

// Verses implements Corpus and semantic.VerseSource.
func (s *SQLite) Verses(ctx context.Context) ([]semantic.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT book, chapter, verse, text FROM verses
		WHERE translation = ?
		ORDER BY ord`, s.def)
	if err != nil {
		return nil, fmt.Errorf("corpus: list verses: %w", err)
	}
	defer rows.Close()
	var out []semantic.Entry
	for rows.Next() {
		var e semantic.Entry
		if err := rows.Scan(&e.Reference.Book, &e.Reference.Chapter, &e.Reference.VerseStart, &e.Text); err != nil {
			return nil, fmt.Errorf("corpus: scan verse: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Ping checks the database, for readiness probes.
func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
