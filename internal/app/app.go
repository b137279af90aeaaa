// Package app wires the sermonflow subsystems into a running application.
//
// The App struct owns the full lifecycle: New loads the curated passages
// and the verse corpus, builds the shared semantic matcher and verse cache,
// and creates the [SessionManager] that builds one detection session per
// transcript stream. Shutdown tears everything down in reverse order.
//
// For testing, inject doubles via functional options (WithCorpus,
// WithVectorStore, WithClock). When an option is not provided, New creates
// real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/mavrotechnologies/sermon-flow-app-sub000/internal/clock"
	"github.com/mavrotechnologies/sermon-flow-app-sub000/internal/config"
	"github.com/mavrotechnologies/sermon-flow-app-sub000/internal/corpus"
	"github.com/mavrotechnologies/sermon-flow-app-sub000/internal/health"
	"github.com/mavrotechnologies/sermon-flow-app-sub000/internal/keyword"
	"github.com/mavrotechnologies/sermon-flow-app-sub000/internal/observe"
	"github.com/mavrotechnologies/sermon-flow-app-sub000/internal/phonetic"
	"github.com/mavrotechnologies/sermon-flow-app-sub000/internal/prefetch"
	"github.com/mavrotechnologies/sermon-flow-app-sub000/internal/resilience"
	"github.com/mavrotechnologies/sermon-flow-app-sub000/internal/semantic"
	"github.com/mavrotechnologies/sermon-flow-app-sub000/internal/semantic/pgstore"
	"github.com/mavrotechnologies/sermon-flow-app-sub000/pkg/provider/embeddings"
	"github.com/mavrotechnologies/sermon-flow-app-sub000/pkg/provider/llm"
)

// Providers holds one interface value per provider slot. Nil means the
// provider is not configured. Populated by main.go via the config registry.
type Providers struct {
	LLM        llm.Provider
	Embeddings embeddings.Provider
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers
	metrics   *observe.Metrics
	clock     clock.Clock

	passages []keyword.Passage
	scorer   *keyword.Scorer
	corpus   corpus.Corpus
	vectors  semantic.VectorStore
	pinger   health.Pinger // set when vectors live in PostgreSQL
	semantic *semantic.Matcher
	prefetch *prefetch.Cache
	sessions *SessionManager

	warmCancel context.CancelFunc
	warmWG     sync.WaitGroup

	// closers are called in reverse order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithCorpus injects a verse corpus instead of opening one from config.
func WithCorpus(c corpus.Corpus) Option {
	return func(a *App) { a.corpus = c }
}

// WithVectorStore injects the full-corpus vector store instead of opening
// PostgreSQL or using memory.
func WithVectorStore(s semantic.VectorStore) Option {
	return func(a *App) { a.vectors = s }
}

// WithMetrics replaces the default instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithClock replaces the wall clock for every session.
func WithClock(c clock.Clock) Option {
	return func(a *App) { a.clock = c }
}

// New creates an App by wiring all subsystems together. The providers
// struct comes from main.go. The semantic curated tier warms up in the
// background; until it is ready the semantic stage is skipped.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil {
		providers = &Providers{}
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.clock == nil {
		a.clock = clock.Real{}
	}

	if err := a.initKeyword(); err != nil {
		return nil, fmt.Errorf("app: init keyword: %w", err)
	}
	if err := a.initCorpus(ctx); err != nil {
		a.runClosers()
		return nil, fmt.Errorf("app: init corpus: %w", err)
	}
	if err := a.initSemantic(ctx); err != nil {
		a.runClosers()
		return nil, fmt.Errorf("app: init semantic: %w", err)
	}
	a.initPrefetch()

	a.sessions = NewSessionManager(SessionManagerConfig{
		Session:     cfg.Session,
		Pipeline:    cfg.Pipeline,
		Escalation:  cfg.Escalation,
		MaxSessions: cfg.Server.MaxSessions,
		Scorer:      a.scorer,
		Semantic:    a.semantic,
		Phonetic:    phonetic.New(),
		Lookup:      a.corpus,
		Prefetch:    a.prefetch,
		LLM:         providers.LLM,
		Metrics:     a.metrics,
		Clock:       a.clock,
	})
	if cfg.Escalation.Enabled && providers.LLM == nil {
		slog.Warn("escalation is enabled but no llm provider was created; sessions run without the oracle")
	}

	a.startWarmup()
	return a, nil
}

// initKeyword loads the curated passages and builds the keyword scorer.
func (a *App) initKeyword() error {
	var err error
	if path := a.cfg.Keyword.PassagesFile; path != "" {
		a.passages, err = keyword.LoadFile(path)
	} else {
		a.passages, err = keyword.Builtin()
	}
	if err != nil {
		return err
	}

	opts := []keyword.Option{keyword.WithPassages(a.passages)}
	if a.cfg.Keyword.MinScore > 0 {
		opts = append(opts, keyword.WithMinScore(a.cfg.Keyword.MinScore))
	}
	a.scorer, err = keyword.New(opts...)
	if err != nil {
		return err
	}
	slog.Info("loaded curated passages", "count", len(a.passages), "file", a.cfg.Keyword.PassagesFile)
	return nil
}

// initCorpus opens the SQLite Bible database, or builds an in-memory
// corpus from the curated passages, and imports the configured YAML files.
func (a *App) initCorpus(ctx context.Context) error {
	if a.corpus != nil {
		return nil
	}

	var imported []corpus.Verse
	for _, path := range a.cfg.Corpus.ImportFiles {
		verses, err := corpus.LoadYAMLFile(path)
		if err != nil {
			return err
		}
		imported = append(imported, verses...)
		slog.Info("loaded corpus file", "path", path, "verses", len(verses))
	}

	def := a.cfg.Corpus.DefaultTranslation
	if path := a.cfg.Corpus.SQLitePath; path != "" {
		db, err := corpus.OpenSQLite(ctx, path, def)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, db.Close)
		if len(imported) > 0 {
			if err := db.Import(ctx, imported); err != nil {
				return err
			}
		}
		a.corpus = db
		slog.Info("opened corpus database", "path", path, "translation", def)
		return nil
	}

	mem := corpus.FromPassages(a.passages, def)
	mem.Add(imported...)
	a.corpus = mem
	slog.Info("using in-memory corpus", "verses", mem.Len(), "translation", def)
	return nil
}

// initSemantic builds the semantic matcher over the embedding provider.
// Embedding runs on a background worker pool that fails over to synchronous
// calls. Without an embedding provider the semantic stage has no detector.
func (a *App) initSemantic(ctx context.Context) error {
	p := a.providers.Embeddings
	if p == nil {
		slog.Info("no embedding provider configured; semantic stage disabled")
		return nil
	}

	fb, bg := semantic.Failover(p, a.cfg.Semantic.Workers, resilience.CircuitBreakerConfig{
		Name:          "embeddings",
		OnStateChange: resilience.CountTransitions(a.metrics),
	})
	a.closers = append(a.closers, bg.Close)

	opts := []semantic.Option{semantic.WithConfig(a.cfg.Semantic.Search)}
	if a.cfg.Semantic.Search.UseFullCorpus {
		if a.vectors == nil {
			if dsn := a.cfg.Postgres.DSN; dsn != "" {
				store, err := pgstore.New(ctx, dsn, p.ModelID(), a.cfg.Postgres.EmbeddingDimensions)
				if err != nil {
					return err
				}
				a.closers = append(a.closers, func() error {
					store.Close()
					return nil
				})
				a.vectors = store
				a.pinger = store
				slog.Info("full-corpus vectors in postgres", "model", p.ModelID(), "dims", a.cfg.Postgres.EmbeddingDimensions)
			} else {
				a.vectors = semantic.NewMemoryStore()
			}
		}
		opts = append(opts, semantic.WithFullIndex(semantic.NewLazyIndex(fb, a.corpus, a.vectors)))
	}

	a.semantic = semantic.New(fb, semantic.CuratedEntries(a.passages), opts...)
	return nil
}

func (a *App) initPrefetch() {
	if !a.cfg.Prefetch.Enabled {
		return
	}
	tr := a.cfg.Session.Translation
	if tr == "" {
		tr = a.cfg.Corpus.DefaultTranslation
	}
	a.prefetch = prefetch.New(a.corpus,
		prefetch.WithTTL(a.cfg.Prefetch.TTL),
		prefetch.WithTranslation(tr),
		prefetch.WithMaxInflight(a.cfg.Prefetch.MaxInflight),
	)
	a.closers = append(a.closers, a.prefetch.Close)
}

// startWarmup embeds the curated tier in the background.
func (a *App) startWarmup() {
	if a.semantic == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Semantic.WarmupTimeout)
	a.warmCancel = cancel
	a.warmWG.Add(1)
	go func() {
		defer a.warmWG.Done()
		defer cancel()
		start := a.clock.Now()
		if err := a.semantic.Warm(ctx); err != nil {
			slog.Warn("semantic warm-up failed; semantic stage unavailable", "err", err)
			return
		}
		slog.Info("semantic matcher ready", "duration", a.clock.Now().Sub(start))
	}()
}

// WaitWarm blocks until the semantic warm-up has finished, successfully or
// not, or ctx is done.
func (a *App) WaitWarm(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		a.warmWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sessions returns the session manager.
func (a *App) Sessions() *SessionManager { return a.sessions }

// Corpus returns the verse corpus.
func (a *App) Corpus() corpus.Corpus { return a.corpus }

// SemanticAvailable reports whether the semantic stage can run.
func (a *App) SemanticAvailable() bool {
	return a.semantic != nil && a.semantic.Available()
}

// HealthCheckers returns the readiness checks for the running subsystems.
// The corpus and the PostgreSQL vector store are required; the semantic
// matcher only degrades readiness.
func (a *App) HealthCheckers() []health.Checker {
	checks := []health.Checker{a.corpusCheck()}
	if a.pinger != nil {
		checks = append(checks, health.PingCheck("vectors", a.pinger))
	}
	if a.semantic != nil {
		checks = append(checks, health.AvailabilityCheck("semantic", a.semantic.Available))
	}
	return checks
}

func (a *App) corpusCheck() health.Checker {
	if p, ok := a.corpus.(health.Pinger); ok {
		return health.PingCheck("corpus", p)
	}
	return health.Checker{
		Name: "corpus",
		Check: func(ctx context.Context) error {
			trs, err := a.corpus.Translations(ctx)
			if err != nil {
				return err
			}
			if len(trs) == 0 {
				return errors.New("no translations loaded")
			}
			return nil
		},
	}
}

// ApplyConfig applies a hot-reloaded configuration change. Only the
// pipeline settings reach live sessions; the log level is the caller's
// concern and every other section is logged as needing a restart.
func (a *App) ApplyConfig(d config.ConfigDiff) {
	if d.PipelineChanged {
		a.sessions.SetPipelineConfig(d.NewPipeline)
	}
	if len(d.RestartRequired) > 0 {
		sections := slices.Clone(d.RestartRequired)
		slog.Warn("config changes require a restart to take effect", "sections", sections)
	}
}

// Shutdown stops every session and tears down all subsystems in reverse
// init order. It respects the context deadline: if ctx expires before all
// closers finish, remaining closers are skipped and the context error is
// returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "sessions", a.sessions.Len(), "closers", len(a.closers))

		a.sessions.StopAll()
		if a.warmCancel != nil {
			a.warmCancel()
		}
		a.warmWG.Wait()

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// runClosers releases what a failed New had already opened.
func (a *App) runClosers() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i]()
	}
	a.closers = nil
}
