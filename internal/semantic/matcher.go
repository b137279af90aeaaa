// Package semantic finds passages by meaning rather than by wording. The
// transcript window and each passage are embedded into unit vectors and
// compared by dot product.
//
// Search is tiered. The curated tier (popular passages, embedded eagerly by
// [Matcher.Warm]) answers first. If it has a high-similarity hit, or enough
// medium hits and the caller does not require high confidence, the full
// corpus is not consulted. Otherwise the [FullIndex] is searched and its
// hits merged in, curated hits winning on duplicate references.
package semantic

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/mavrotechnologies/sermon-flow-app-sub000/internal/keyword"
	"github.com/mavrotechnologies/sermon-flow-app-sub000/pkg/provider/embeddings"
	"github.com/mavrotechnologies/sermon-flow-app-sub000/pkg/scripture"
	"github.com/mavrotechnologies/sermon-flow-app-sub000/pkg/types"
)

// ErrUnavailable is returned while no usable embedding model is loaded.
var ErrUnavailable = errors.New("semantic: model unavailable")

// Config tunes the tiered search.
type Config struct {
	// HighThreshold is the similarity at or above which a hit is high
	// confidence and ends the search. Default: 0.78.
	HighThreshold float64 `yaml:"high_threshold"`

	// MediumThreshold is the similarity at or above which a hit is medium
	// confidence. Default: 0.65.
	MediumThreshold float64 `yaml:"medium_threshold"`

	// MinSimilarity is the lowest similarity reported. Default: 0.55.
	MinSimilarity float64 `yaml:"min_similarity"`

	// MinMediumResults is how many medium curated hits end the search when
	// high confidence is not required. Default: 2.
	MinMediumResults int `yaml:"min_medium_results"`

	// MaxResults caps the hits returned. Default: 5.
	MaxResults int `yaml:"max_results"`

	// UseFullCorpus enables the full tier when a FullIndex is attached.
	UseFullCorpus bool `yaml:"use_full_corpus"`
}

// DefaultConfig returns the default thresholds with the full tier enabled.
func DefaultConfig() Config {
	return Config{
		HighThreshold:    0.78,
		MediumThreshold:  0.65,
		MinSimilarity:    0.55,
		MinMediumResults: 2,
		MaxResults:       5,
		UseFullCorpus:    true,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.HighThreshold <= 0 {
		c.HighThreshold = d.HighThreshold
	}
	if c.MediumThreshold <= 0 {
		c.MediumThreshold = d.MediumThreshold
	}
	if c.MinSimilarity <= 0 {
		c.MinSimilarity = d.MinSimilarity
	}
	if c.MinMediumResults <= 0 {
		c.MinMediumResults = d.MinMediumResults
	}
	if c.MaxResults <= 0 {
		c.MaxResults = d.MaxResults
	}
	return c
}

// Option is a functional option for configuring a [Matcher].
type Option func(*Matcher)

// WithConfig replaces the search thresholds. Zero fields keep defaults.
func WithConfig(cfg Config) Option {
	return func(m *Matcher) {
		m.cfg = cfg.withDefaults()
	}
}

// WithFullIndex attaches the full-corpus tier.
func WithFullIndex(fi FullIndex) Option {
	return func(m *Matcher) {
		m.full = fi
	}
}

// WithQueryCacheTTL sets how long query embeddings are cached. Default: 10m.
func WithQueryCacheTTL(d time.Duration) Option {
	return func(m *Matcher) {
		if d > 0 {
			m.cacheTTL = d
		}
	}
}

// WithWarmup sets the batch size and parallelism of [Matcher.Warm].
func WithWarmup(batchSize, parallelism int) Option {
	return func(m *Matcher) {
		if batchSize > 0 {
			m.batchSize = batchSize
		}
		if parallelism > 0 {
			m.parallelism = parallelism
		}
	}
}

// Matcher is safe for concurrent use. Its query cache belongs to the
// instance.
type Matcher struct {
	provider embeddings.Provider
	curated  []Entry
	store    *MemoryStore
	full     FullIndex
	cfg      Config

	cacheTTL    time.Duration
	cache       *gocache.Cache
	batchSize   int
	parallelism int

	available atomic.Bool
}

// New returns a Matcher over the curated entries. It is unavailable until
// [Matcher.Warm] succeeds.
func New(p embeddings.Provider, curated []Entry, opts ...Option) *Matcher {
	m := &Matcher{
		provider:    p,
		curated:     curated,
		store:       NewMemoryStore(),
		cfg:         DefaultConfig(),
		cacheTTL:    10 * time.Minute,
		batchSize:   32,
		parallelism: 4,
	}
	for _, o := range opts {
		o(m)
	}
	m.cache = gocache.New(m.cacheTTL, 2*m.cacheTTL)
	return m
}

// CuratedEntries converts keyword passages that carry text into entries.
func CuratedEntries(passages []keyword.Passage) []Entry {
	out := make([]Entry, 0, len(passages))
	for _, p := range passages {
		if p.Text == "" {
			continue
		}
		out = append(out, Entry{Reference: p.Reference, Text: p.Text})
	}
	return out
}

// Warm embeds the curated entries. On failure the matcher stays
// unavailable and the error is returned.
func (m *Matcher) Warm(ctx context.Context) error {
	if m.provider == nil {
		return ErrUnavailable
	}
	vecs, err := embedAll(ctx, m.provider, m.curated, m.batchSize, m.parallelism)
	if err != nil {
		m.available.Store(false)
		return fmt.Errorf("semantic: warm curated tier: %w", err)
	}
	if err := m.store.Upsert(ctx, m.curated, vecs); err != nil {
		return fmt.Errorf("semantic: warm curated tier: %w", err)
	}
	m.available.Store(true)
	return nil
}

// Available reports whether the curated tier is loaded.
func (m *Matcher) Available() bool {
	return m.available.Load()
}

// Config returns the active thresholds.
func (m *Matcher) Config() Config {
	return m.cfg
}

// Search runs the tiered search for text. requireHigh forces the full tier
// unless the curated tier has a high hit.
func (m *Matcher) Search(ctx context.Context, text string, requireHigh bool) ([]Hit, error) {
	if !m.Available() {
		return nil, ErrUnavailable
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, nil
	}
	q, err := m.queryVector(ctx, text)
	if err != nil {
		return nil, err
	}

	hits, err := m.store.Search(ctx, q, m.cfg.MaxResults, m.cfg.MinSimilarity)
	if err != nil {
		return nil, fmt.Errorf("semantic: search curated: %w", err)
	}
	for i := range hits {
		hits[i].Curated = true
	}
	if m.conclusive(hits, requireHigh) || m.full == nil || !m.cfg.UseFullCorpus {
		return hits, nil
	}

	fullHits, err := m.full.Search(ctx, q, m.cfg.MaxResults, m.cfg.MinSimilarity)
	if errors.Is(err, ErrIndexBuilding) {
		return hits, nil
	}
	if err != nil {
		return hits, fmt.Errorf("semantic: search full corpus: %w", err)
	}
	return m.merge(hits, fullHits), nil
}

func (m *Matcher) conclusive(hits []Hit, requireHigh bool) bool {
	medium := 0
	for _, h := range hits {
		if h.Similarity >= m.cfg.HighThreshold {
			return true
		}
		if h.Similarity >= m.cfg.MediumThreshold {
			medium++
		}
	}
	return !requireHigh && medium >= m.cfg.MinMediumResults
}

func (m *Matcher) merge(curated, full []Hit) []Hit {
	seen := make(map[scripture.Key]bool, len(curated))
	out := append([]Hit(nil), curated...)
	for _, h := range curated {
		seen[h.Reference.Key()] = true
	}
	for _, h := range full {
		if seen[h.Reference.Key()] {
			continue
		}
		seen[h.Reference.Key()] = true
		out = append(out, h)
	}
	sortHits(out)
	if len(out) > m.cfg.MaxResults {
		out = out[:m.cfg.MaxResults]
	}
	return out
}

// Candidates runs [Matcher.Search] and converts the hits into
// source=semantic candidates.
func (m *Matcher) Candidates(ctx context.Context, text string, requireHigh bool) ([]types.Candidate, error) {
	hits, err := m.Search(ctx, text, requireHigh)
	out := make([]types.Candidate, 0, len(hits))
	for _, h := range hits {
		reason := "semantic: full corpus"
		if h.Curated {
			reason = "semantic: curated"
		}
		out = append(out, types.Candidate{
			Reference:  h.Reference,
			Source:     types.SourceSemantic,
			Confidence: types.Confidence{Score: max(0, h.Similarity), Level: m.Level(h.Similarity)},
			Reason:     reason,
		})
	}
	return out, err
}

// Level maps a similarity onto a categorical confidence.
func (m *Matcher) Level(sim float64) types.Level {
	switch {
	case sim >= m.cfg.HighThreshold:
		return types.LevelHigh
	case sim >= m.cfg.MediumThreshold:
		return types.LevelMedium
	default:
		return types.LevelLow
	}
}

func (m *Matcher) queryVector(ctx context.Context, text string) ([]float32, error) {
	key := strings.ToLower(strings.Join(strings.Fields(text), " "))
	if v, ok := m.cache.Get(key); ok {
		return v.([]float32), nil
	}
	v, err := m.provider.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("semantic: embed query: %w", err)
	}
	if len(v) == 0 {
		return nil, fmt.Errorf("semantic: embed query: empty vector")
	}
	v = embeddings.Normalize(slices.Clone(v))
	m.cache.Set(key, v, gocache.DefaultExpiration)
	return v, nil
}
