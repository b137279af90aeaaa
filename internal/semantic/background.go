package semantic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/mavrotechnologies/sermon-flow-app-sub000/internal/resilience"
	"github.com/mavrotechnologies/sermon-flow-app-sub000/pkg/provider/embeddings"
)

var (
	// ErrWorkerCrashed is returned when a background worker panicked while
	// serving a request.
	ErrWorkerCrashed = errors.New("semantic: embedding worker crashed")

	// ErrClosed is returned by a closed [Background].
	ErrClosed = errors.New("semantic: background embedder closed")
)

type job struct {
	ctx   context.Context
	texts []string
	reply chan jobResult
}

type jobResult struct {
	vecs [][]float32
	err  error
}

// Background runs embedding on a fixed pool of worker goroutines so that
// slow model calls stay off the caller's goroutine until the reply is
// needed. Each request carries its own reply channel. A worker that panics
// fails only the request it was serving with [ErrWorkerCrashed] and keeps
// serving.
type Background struct {
	inner embeddings.Provider
	jobs  chan job
	done  chan struct{}
	once  sync.Once
	wg    sync.WaitGroup
}

var _ embeddings.Provider = (*Background)(nil)

// NewBackground starts workers goroutines (at least one) embedding through
// inner. Call [Background.Close] to stop them.
func NewBackground(inner embeddings.Provider, workers int) *Background {
	b := &Background{
		inner: inner,
		jobs:  make(chan job),
		done:  make(chan struct{}),
	}
	for range max(1, workers) {
		b.wg.Add(1)
		go b.work()
	}
	return b
}

func (b *Background) work() {
	defer b.wg.Done()
	for {
		select {
		case <-b.done:
			return
		case j := <-b.jobs:
			j.reply <- b.run(j)
		}
	}
}

func (b *Background) run(j job) (res jobResult) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("embedding worker panicked", "panic", r, "stack", string(debug.Stack()))
			res = jobResult{err: fmt.Errorf("%w: %v", ErrWorkerCrashed, r)}
		}
	}()
	vecs, err := b.inner.EmbedBatch(j.ctx, j.texts)
	return jobResult{vecs: vecs, err: err}
}

// EmbedBatch implements embeddings.Provider.
func (b *Background) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	j := job{ctx: ctx, texts: texts, reply: make(chan jobResult, 1)}
	select {
	case b.jobs <- j:
	case <-b.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case r := <-j.reply:
		return r.vecs, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Embed implements embeddings.Provider.
func (b *Background) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := b.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("semantic: background embed: got %d vectors", len(vecs))
	}
	return vecs[0], nil
}

// Dimensions implements embeddings.Provider.
func (b *Background) Dimensions() int { return b.inner.Dimensions() }

// ModelID implements embeddings.Provider.
func (b *Background) ModelID() string { return b.inner.ModelID() }

// Close stops the workers. In-flight requests finish first.
func (b *Background) Close() error {
	b.once.Do(func() { close(b.done) })
	b.wg.Wait()
	return nil
}

// Failover wraps p so embedding runs on a [Background] pool and falls back
// to calling p synchronously when the pool fails. The returned Background
// must be closed by the caller.
func Failover(p embeddings.Provider, workers int, cb resilience.CircuitBreakerConfig) (*resilience.EmbeddingsFallback, *Background) {
	bg := NewBackground(p, workers)
	fb := resilience.NewEmbeddingsFallback(bg, "background", resilience.FallbackConfig{CircuitBreaker: cb})
	fb.AddFallback("sync", p)
	return fb, bg
}
