package semantic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mavrotechnologies/sermon-flow-app-sub000/pkg/provider/embeddings"
)

// ErrIndexBuilding is returned by [LazyIndex.Search] while the index is
// still being embedded in the background.
var ErrIndexBuilding = errors.New("semantic: full index is building")

// FullIndex is the whole-corpus tier consulted when the curated tier is not
// conclusive.
type FullIndex interface {
	Search(ctx context.Context, query []float32, k int, minSim float64) ([]Hit, error)
}

// VerseSource supplies every verse of the corpus.
type VerseSource interface {
	Verses(ctx context.Context) ([]Entry, error)
}

// LazyIndex is a [FullIndex] that embeds its [VerseSource] into a
// [VectorStore] the first time it is used. A store that already holds
// vectors (a persisted pgvector table) is used as is.
//
// The first Search starts the build in the background and returns
// [ErrIndexBuilding]; later searches are served once the build finishes.
// [LazyIndex.Ensure] builds synchronously.
type LazyIndex struct {
	provider embeddings.Provider
	source   VerseSource
	store    VectorStore

	batchSize   int
	parallelism int

	buildMu sync.Mutex

	mu       sync.Mutex
	ready    bool
	building bool
	lastErr  error
}

var _ FullIndex = (*LazyIndex)(nil)

// LazyOption configures a [LazyIndex].
type LazyOption func(*LazyIndex)

// WithBatchSize sets how many verses go into one EmbedBatch call. Default: 64.
func WithBatchSize(n int) LazyOption {
	return func(l *LazyIndex) {
		if n > 0 {
			l.batchSize = n
		}
	}
}

// WithParallelism bounds concurrent EmbedBatch calls. Default: 4.
func WithParallelism(n int) LazyOption {
	return func(l *LazyIndex) {
		if n > 0 {
			l.parallelism = n
		}
	}
}

// NewLazyIndex returns an unbuilt index.
func NewLazyIndex(p embeddings.Provider, src VerseSource, store VectorStore, opts ...LazyOption) *LazyIndex {
	l := &LazyIndex{provider: p, source: src, store: store, batchSize: 64, parallelism: 4}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Ready reports whether the index is built.
func (l *LazyIndex) Ready() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ready
}

// Search implements FullIndex.
func (l *LazyIndex) Search(ctx context.Context, query []float32, k int, minSim float64) ([]Hit, error) {
	l.mu.Lock()
	ready := l.ready
	if !ready && !l.building {
		l.building = true
		go l.buildAsync(context.WithoutCancel(ctx))
	}
	l.mu.Unlock()
	if !ready {
		return nil, ErrIndexBuilding
	}
	return l.store.Search(ctx, query, k, minSim)
}

// Ensure builds the index if needed and blocks until it is ready.
func (l *LazyIndex) Ensure(ctx context.Context) error {
	l.buildMu.Lock()
	defer l.buildMu.Unlock()
	if l.Ready() {
		return nil
	}
	if err := l.build(ctx); err != nil {
		l.setResult(err)
		return err
	}
	l.setResult(nil)
	return nil
}

// Err returns the error of the last failed build, if any.
func (l *LazyIndex) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastErr
}

func (l *LazyIndex) buildAsync(ctx context.Context) {
	start := time.Now()
	err := l.Ensure(ctx)
	l.mu.Lock()
	l.building = false
	l.mu.Unlock()
	if err != nil {
		slog.Warn("full corpus index build failed", "err", err)
		return
	}
	slog.Info("full corpus index ready", "duration", time.Since(start))
}

func (l *LazyIndex) setResult(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lastErr = err
	if err == nil {
		l.ready = true
	}
}

// build must be called with l.buildMu held.
func (l *LazyIndex) build(ctx context.Context) error {
	n, err := l.store.Count(ctx)
	if err != nil {
		return fmt.Errorf("semantic: count stored vectors: %w", err)
	}
	if n > 0 {
		return nil
	}
	verses, err := l.source.Verses(ctx)
	if err != nil {
		return fmt.Errorf("semantic: load verses: %w", err)
	}
	vecs, err := embedAll(ctx, l.provider, verses, l.batchSize, l.parallelism)
	if err != nil {
		return err
	}
	if err := l.store.Upsert(ctx, verses, vecs); err != nil {
		return fmt.Errorf("semantic: store vectors: %w", err)
	}
	return nil
}

// embedAll embeds entries in parallel batches and returns the vectors in
// entry order.
func embedAll(ctx context.Context, p embeddings.Provider, entries []Entry, batchSize, parallelism int) ([][]float32, error) {
	vecs := make([][]float32, len(entries))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)
	for start := 0; start < len(entries); start += batchSize {
		end := min(start+batchSize, len(entries))
		g.Go(func() error {
			texts := make([]string, 0, end-start)
			for _, e := range entries[start:end] {
				texts = append(texts, e.Text)
			}
			out, err := p.EmbedBatch(gctx, texts)
			if err != nil {
				return fmt.Errorf("semantic: embed batch %d-%d: %w", start, end, err)
			}
			if len(out) != len(texts) {
				return fmt.Errorf("semantic: embed batch %d-%d: got %d vectors", start, end, len(out))
			}
			for i, v := range out {
				if len(v) == 0 {
					return fmt.Errorf("semantic: embed batch %d-%d: empty vector", start, end)
				}
				vecs[start+i] = embeddings.Normalize(slices.Clone(v))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return vecs, nil
}
