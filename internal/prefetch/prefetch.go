// Package prefetch warms verse text while a reference is still being
// spoken. When the streaming matcher has heard a book and chapter it emits
// a hint; the whole chapter is loaded from the corpus in the background so
// the verse text is already cached when the detection is confirmed.
//
// All exported methods are goroutine-safe.
package prefetch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/mavrotechnologies/sermon-flow-app-sub000/internal/corpus"
	"github.com/mavrotechnologies/sermon-flow-app-sub000/internal/stream"
	"github.com/mavrotechnologies/sermon-flow-app-sub000/pkg/scripture"
)

// Source is the slice of [corpus.Corpus] the cache reads from.
type Source interface {
	Lookup(ctx context.Context, ref scripture.Reference, translation string) (string, error)
	Chapter(ctx context.Context, book string, chapter int, translation string) ([]corpus.Verse, error)
}

// Option is a functional option for configuring a [Cache].
type Option func(*Cache)

// WithTTL sets how long fetched text stays cached. Default: 10m.
func WithTTL(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.ttl = d
		}
	}
}

// WithTranslation sets the translation chapters are prefetched in.
func WithTranslation(tr string) Option {
	return func(c *Cache) {
		c.translation = strings.ToUpper(tr)
	}
}

// WithMaxInflight bounds concurrent chapter loads. Hints beyond the bound
// are dropped. Default: 4.
func WithMaxInflight(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.maxInflight = n
		}
	}
}

// Stats counts cache outcomes.
type Stats struct {
	Hits     int64
	Misses   int64
	Prefetch int64
}

// Cache is a verse-text cache in front of a [Source]. It is owned by its
// creator; nothing is shared between instances.
type Cache struct {
	src         Source
	translation string
	ttl         time.Duration
	maxInflight int

	items *gocache.Cache
	sem   chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	inflight map[string]bool

	hits, misses, prefetched atomic.Int64
}

// New returns a Cache reading from src. Call [Cache.Close] to stop
// outstanding prefetches.
func New(src Source, opts ...Option) *Cache {
	c := &Cache{
		src:         src,
		ttl:         10 * time.Minute,
		maxInflight: 4,
		inflight:    make(map[string]bool),
	}
	for _, o := range opts {
		o(c)
	}
	c.items = gocache.New(c.ttl, 2*c.ttl)
	c.sem = make(chan struct{}, c.maxInflight)
	c.ctx, c.cancel = context.WithCancel(context.Background())
	return c
}

func key(tr, book string, chapter, verse int) string {
	return fmt.Sprintf("%s|%s|%d|%d", tr, book, chapter, verse)
}

// Hint starts loading the hinted chapter. It never blocks. Book-level hints
// (Chapter zero) and chapters already loaded or loading are ignored.
func (c *Cache) Hint(h stream.Hint) {
	if h.Book == "" || h.Chapter <= 0 {
		return
	}
	ck := key(c.translation, h.Book, h.Chapter, 0)
	c.mu.Lock()
	if c.inflight[ck] {
		c.mu.Unlock()
		return
	}
	if _, ok := c.items.Get(ck); ok {
		c.mu.Unlock()
		return
	}
	select {
	case c.sem <- struct{}{}:
	default:
		c.mu.Unlock()
		slog.Debug("prefetch: dropped hint, too many loads in flight", "book", h.Book, "chapter", h.Chapter)
		return
	}
	c.inflight[ck] = true
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		defer func() { <-c.sem }()
		c.loadChapter(ck, h)
	}()
}

func (c *Cache) loadChapter(ck string, h stream.Hint) {
	defer func() {
		c.mu.Lock()
		delete(c.inflight, ck)
		c.mu.Unlock()
	}()
	verses, err := c.src.Chapter(c.ctx, h.Book, h.Chapter, c.translation)
	if err != nil {
		slog.Debug("prefetch: chapter load failed", "book", h.Book, "chapter", h.Chapter, "err", err)
		return
	}
	for _, v := range verses {
		c.items.Set(key(c.translation, v.Reference.Book, v.Reference.Chapter, v.Reference.VerseStart), v.Text, gocache.DefaultExpiration)
	}
	// Chapter marker so repeated hints are no-ops.
	c.items.Set(ck, "", gocache.DefaultExpiration)
	c.prefetched.Add(1)
}

// Lookup returns the text of ref, from the cache when every verse of it is
// cached and from the source otherwise. Source results are cached.
func (c *Cache) Lookup(ctx context.Context, ref scripture.Reference, translation string) (string, error) {
	tr := c.translation
	if translation != "" {
		tr = strings.ToUpper(translation)
	}
	if text, ok := c.cached(tr, ref); ok {
		c.hits.Add(1)
		return text, nil
	}
	c.misses.Add(1)
	text, err := c.src.Lookup(ctx, ref, translation)
	if err != nil {
		return "", err
	}
	if !ref.IsRange() {
		c.items.Set(key(tr, ref.Book, ref.Chapter, ref.VerseStart), text, gocache.DefaultExpiration)
	}
	return text, nil
}

func (c *Cache) cached(tr string, ref scripture.Reference) (string, bool) {
	end := max(ref.VerseStart, ref.VerseEnd)
	parts := make([]string, 0, end-ref.VerseStart+1)
	for v := ref.VerseStart; v <= end; v++ {
		x, ok := c.items.Get(key(tr, ref.Book, ref.Chapter, v))
		if !ok {
			return "", false
		}
		parts = append(parts, x.(string))
	}
	return strings.Join(parts, " "), true
}

// Stats returns hit, miss and prefetch counts.
func (c *Cache) Stats() Stats {
	return Stats{Hits: c.hits.Load(), Misses: c.misses.Load(), Prefetch: c.prefetched.Load()}
}

// Wait blocks until outstanding prefetches finish.
func (c *Cache) Wait() {
	c.wg.Wait()
}

// Reset drops every cached verse.
func (c *Cache) Reset() {
	c.items.Flush()
}

// Close cancels outstanding prefetches and waits for them.
func (c *Cache) Close() error {
	c.cancel()
	c.wg.Wait()
	return nil
}
