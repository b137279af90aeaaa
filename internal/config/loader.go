package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":        {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"embeddings": {"openai", "ollama", "lexical"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r over [Default], applies
// defaults and validates the result. Unknown keys are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}
	if cfg.Server.MaxSessions < 0 {
		errs = append(errs, fmt.Errorf("server.max_sessions %d must not be negative", cfg.Server.MaxSessions))
	}

	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("embeddings", cfg.Providers.Embeddings.Name)
	for i, fb := range cfg.Providers.LLMFallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.llm_fallbacks[%d].name is required", i))
			continue
		}
		validateProviderName("llm", fb.Name)
	}

	if err := cfg.Pipeline.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("pipeline: %w", err))
	}
	if err := cfg.Session.Validate(); err != nil {
		errs = append(errs, err)
	}

	s := cfg.Semantic.Search
	if s.HighThreshold > 1 || s.MediumThreshold > 1 || s.MinSimilarity > 1 {
		errs = append(errs, errors.New("semantic.search thresholds must be at most 1"))
	}
	if s.MediumThreshold > 0 && s.HighThreshold > 0 && s.MediumThreshold > s.HighThreshold {
		errs = append(errs, fmt.Errorf("semantic.search.medium_threshold %.2f exceeds high_threshold %.2f", s.MediumThreshold, s.HighThreshold))
	}
	if cfg.Pipeline.Stages.Semantic && cfg.Providers.Embeddings.Name == "" {
		slog.Warn("pipeline.stages.semantic is enabled but providers.embeddings is not configured; the semantic stage will be skipped")
	}

	if cfg.Escalation.Enabled && cfg.Providers.LLM.Name == "" {
		errs = append(errs, errors.New("escalation.enabled requires providers.llm"))
	}
	if cfg.Escalation.Enabled && cfg.Pipeline.Escalation == "never" {
		slog.Warn("escalation is enabled but pipeline.escalation is \"never\"; the oracle will never be called")
	}

	if cfg.Postgres.DSN != "" && cfg.Postgres.EmbeddingDimensions <= 0 {
		errs = append(errs, errors.New("postgres.embedding_dimensions is required when postgres.dsn is set"))
	}
	if cfg.Postgres.DSN != "" && cfg.Providers.Embeddings.Name == "" {
		slog.Warn("postgres.dsn is set but no embedding provider is configured; the full-corpus index will not be used")
	}

	for i, f := range cfg.Corpus.ImportFiles {
		if f == "" {
			errs = append(errs, fmt.Errorf("corpus.import_files[%d] is empty", i))
		}
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
