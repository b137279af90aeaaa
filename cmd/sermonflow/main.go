// Command sermonflow detects scripture references in live sermon
// transcripts.
//
// By default it serves WebSocket detection streams on the configured
// listen address. With -stdin it reads transcript lines from standard input
// instead, one final chunk per line, and prints each confirmed reference.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/mavrotechnologies/sermon-flow-app-sub000/internal/app"
	"github.com/mavrotechnologies/sermon-flow-app-sub000/internal/config"
	"github.com/mavrotechnologies/sermon-flow-app-sub000/internal/health"
	"github.com/mavrotechnologies/sermon-flow-app-sub000/internal/observe"
	"github.com/mavrotechnologies/sermon-flow-app-sub000/internal/resilience"
	"github.com/mavrotechnologies/sermon-flow-app-sub000/internal/server"
	"github.com/mavrotechnologies/sermon-flow-app-sub000/pkg/provider/embeddings"
	"github.com/mavrotechnologies/sermon-flow-app-sub000/pkg/provider/embeddings/lexical"
	ollamaembed "github.com/mavrotechnologies/sermon-flow-app-sub000/pkg/provider/embeddings/ollama"
	oaembed "github.com/mavrotechnologies/sermon-flow-app-sub000/pkg/provider/embeddings/openai"
	"github.com/mavrotechnologies/sermon-flow-app-sub000/pkg/provider/llm"
	"github.com/mavrotechnologies/sermon-flow-app-sub000/pkg/provider/llm/anyllm"
	"github.com/mavrotechnologies/sermon-flow-app-sub000/pkg/types"
)

var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "", "path to the YAML configuration file (empty uses defaults)")
	stdin := flag.Bool("stdin", false, "read transcript lines from stdin instead of serving")
	jsonOut := flag.Bool("json", false, "with -stdin, print detections as JSON lines")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := loadConfig(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "sermonflow: config file %q not found; run without -config to use defaults\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "sermonflow: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(newLogger(&level))

	slog.Info("sermonflow starting",
		"version", version,
		"config", *configPath,
		"mode", mode(*stdin),
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "sermonflow",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	if !*stdin {
		printStartupSummary(cfg)
	}

	application, err := app.New(ctx, cfg, providers, app.WithMetrics(tel.Metrics()))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	var code int
	if *stdin {
		code = runStdin(ctx, application, os.Stdin, os.Stdout, *jsonOut)
	} else {
		code = serve(ctx, cfg, *configPath, application, tel, &level)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return code
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	cfg := config.Default()
	config.ApplyDefaults(cfg)
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func mode(stdin bool) string {
	if stdin {
		return "stdin"
	}
	return "server"
}

// ── Server mode ───────────────────────────────────────────────────────────────

// readinessCacheTTL spaces out Postgres pings when several probes poll
// /readyz.
const readinessCacheTTL = 2 * time.Second

func serve(ctx context.Context, cfg *config.Config, configPath string, application *app.App, tel *observe.Telemetry, level *slog.LevelVar) int {
	srv := server.New(cfg.Server, application.Sessions(),
		server.WithHealth(health.New(application.HealthCheckers()...).CacheFor(readinessCacheTTL)),
		server.WithMetrics(tel.Metrics()),
		server.WithMetricsHandler(tel.Handler()),
	)

	if configPath != "" {
		w, err := config.NewWatcher(configPath, func(old, new *config.Config) {
			d := config.Diff(old, new)
			if d.LogLevelChanged {
				level.Set(slogLevel(d.NewLogLevel))
				slog.Info("log level changed", "level", d.NewLogLevel)
			}
			application.ApplyConfig(d)
		})
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			defer w.Stop()
			go reloadOnHangup(ctx, w)
		}
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	slog.Info("server ready, press Ctrl+C to shut down", "addr", srv.Addr())

	code := 0
	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received, stopping")
	case err := <-errCh:
		if err != nil {
			slog.Error("server error", "err", err)
			code = 1
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "err", err)
		code = 1
	}
	return code
}

// ── Stdin mode ────────────────────────────────────────────────────────────────

// printer writes confirmed detections as tab-separated text or JSON lines.
type printer struct {
	mu   sync.Mutex
	w    io.Writer
	json bool
}

func (p *printer) Emit(_ context.Context, d types.ConfirmedDetection) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.json {
		if err := json.NewEncoder(p.w).Encode(d); err != nil {
			slog.Warn("failed to print detection", "err", err)
		}
		return
	}
	fmt.Fprintf(p.w, "%s\t%s\t%s %.2f\t%s\n",
		d.Reference, d.Source, d.Confidence.Level, d.Confidence.Score, d.VerseText)
}

func runStdin(ctx context.Context, application *app.App, in io.Reader, out io.Writer, jsonOut bool) int {
	sessions := application.Sessions()
	sess, err := sessions.Start(ctx, app.StartOptions{
		ID:   "stdin",
		Sink: &printer{w: out, json: jsonOut},
	})
	if err != nil {
		slog.Error("failed to start session", "err", err)
		return 1
	}

	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for n := 1; sc.Scan(); n++ {
		if ctx.Err() != nil {
			break
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		chunk := types.TranscriptChunk{ID: fmt.Sprintf("line-%d", n), Text: line, IsFinal: true}
		if err := sess.Push(ctx, chunk); err != nil {
			slog.Error("push failed", "line", n, "err", err)
			return 1
		}
	}
	if err := sc.Err(); err != nil {
		slog.Error("read stdin", "err", err)
		return 1
	}

	if err := sessions.Settle(ctx, sess.ID()); err != nil && !errors.Is(err, context.Canceled) {
		slog.Warn("settle interrupted", "err", err)
	}
	slog.Info("transcript done", "confirmed", len(sess.Confirmed()))
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────
	for _, providerName := range anyllm.Backends() {
		if providerName == "ollama" {
			continue
		}
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			p, err := anyllm.New(providerName, entry.Model, opts...)
			if err != nil {
				return nil, err
			}
			return p, nil
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterLLM("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		p, err := anyllm.New("ollama", entry.Model, opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	})

	// ── Embeddings ────────────────────────────────────────────────────────────

	reg.RegisterEmbeddings("openai", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		var opts []oaembed.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaembed.WithBaseURL(entry.BaseURL))
		}
		if dims := config.OptInt(entry.Options, "dimensions"); dims > 0 {
			opts = append(opts, oaembed.WithDimensions(dims))
		}
		p, err := oaembed.New(entry.APIKey, entry.Model, opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	})

	reg.RegisterEmbeddings("ollama", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		var opts []ollamaembed.Option
		if dims := config.OptInt(entry.Options, "dimensions"); dims > 0 {
			opts = append(opts, ollamaembed.WithDimensions(dims))
		}
		if ka := config.OptString(entry.Options, "keep_alive"); ka != "" {
			d, err := time.ParseDuration(ka)
			if err != nil {
				return nil, fmt.Errorf("ollama embeddings: keep_alive: %w", err)
			}
			opts = append(opts, ollamaembed.WithKeepAlive(d))
		}
		p, err := ollamaembed.New(entry.BaseURL, entry.Model, opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	})

	// lexical runs offline and needs no model.
	reg.RegisterEmbeddings("lexical", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		var opts []lexical.Option
		if dims := config.OptInt(entry.Options, "dimensions"); dims > 0 {
			opts = append(opts, lexical.WithDimensions(dims))
		}
		return lexical.New(opts...), nil
	})

	for _, kind := range []string{"llm", "embeddings"} {
		for _, name := range reg.Names(kind) {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

// buildProviders instantiates the providers named in cfg.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}

	if name := cfg.Providers.LLM.Name; name != "" {
		p, err := reg.CreateLLM(cfg.Providers.LLM)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Warn("unknown provider, escalation oracle disabled", "kind", "llm", "name", name)
		} else if err != nil {
			return nil, fmt.Errorf("create llm provider %q: %w", name, err)
		} else {
			ps.LLM = withLLMFallbacks(p, name, cfg.Providers.LLMFallbacks, reg)
			slog.Info("provider created", "kind", "llm", "name", name, "fallbacks", len(cfg.Providers.LLMFallbacks))
		}
	}

	if name := cfg.Providers.Embeddings.Name; name != "" {
		p, err := reg.CreateEmbeddings(cfg.Providers.Embeddings)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Warn("unknown provider, semantic stage disabled", "kind", "embeddings", "name", name)
		} else if err != nil {
			return nil, fmt.Errorf("create embeddings provider %q: %w", name, err)
		} else {
			ps.Embeddings = p
			slog.Info("provider created", "kind", "embeddings", "name", name)
		}
	}

	return ps, nil
}

// withLLMFallbacks wraps primary in a failover group when fallbacks are
// configured. Fallbacks that cannot be created are logged and skipped.
func withLLMFallbacks(primary llm.Provider, name string, entries []config.ProviderEntry, reg *config.Registry) llm.Provider {
	if len(entries) == 0 {
		return primary
	}
	fb := resilience.NewLLMFallback(primary, name, resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			Name:          "llm",
			OnStateChange: resilience.CountTransitions(observe.DefaultMetrics()),
		},
	})
	for i, entry := range entries {
		p, err := reg.CreateLLM(entry)
		if err != nil {
			slog.Warn("skipping llm fallback", "index", i, "name", entry.Name, "err", err)
			continue
		}
		fb.AddFallback(fmt.Sprintf("%s#%d", entry.Name, i), p)
	}
	return fb
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║       sermonflow startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Embeddings", providerValue(cfg.Providers.Embeddings))
	printRow("LLM", providerValue(cfg.Providers.LLM))
	printRow("Escalation", string(cfg.Pipeline.Escalation)+enabled(cfg.Escalation.Enabled, " (oracle)", ""))
	if cfg.Corpus.SQLitePath != "" {
		printRow("Corpus", cfg.Corpus.SQLitePath)
	} else {
		printRow("Corpus", "(in memory)")
	}
	printRow("Full corpus", enabled(cfg.Semantic.Search.UseFullCorpus, enabled(cfg.Postgres.DSN != "", "pgvector", "in memory"), "(disabled)"))
	printRow("Prefetch", enabled(cfg.Prefetch.Enabled, "enabled", "(disabled)"))
	if cfg.Server.MaxSessions > 0 {
		printRow("Max sessions", fmt.Sprint(cfg.Server.MaxSessions))
	}
	printRow("Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func providerValue(e config.ProviderEntry) string {
	switch {
	case e.Name == "":
		return "(not configured)"
	case e.Model != "":
		return e.Name + " / " + e.Model
	}
	return e.Name
}

func enabled(b bool, yes, no string) string {
	if b {
		return yes
	}
	return no
}

func printRow(label, value string) {
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", label, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func newLogger(level slog.Leveler) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// reloadOnHangup re-reads the config file on SIGHUP without waiting for
// the next poll.
func reloadOnHangup(ctx context.Context, w *config.Watcher) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := w.Reload(); err != nil {
				slog.Warn("SIGHUP reload rejected", "err", err)
			}
		}
	}
}
