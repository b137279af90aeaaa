package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mavrotechnologies/sermon-flow-app-sub000/internal/app"
	"github.com/mavrotechnologies/sermon-flow-app-sub000/internal/config"
	"github.com/mavrotechnologies/sermon-flow-app-sub000/pkg/provider/llm"
	llmmock "github.com/mavrotechnologies/sermon-flow-app-sub000/pkg/provider/llm/mock"
	"github.com/mavrotechnologies/sermon-flow-app-sub000/pkg/types"
)

func newStdinApp(t *testing.T) *app.App {
	t.Helper()
	cfg, err := loadConfig("")
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	cfg.Session.StabilityThreshold = 20 * time.Millisecond
	a, err := app.New(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("app.New: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	return a
}

func TestRunStdin_Text(t *testing.T) {
	t.Parallel()

	in := strings.NewReader("good morning church\n\nturn with me to John 3:16\n")
	var out bytes.Buffer
	if code := runStdin(context.Background(), newStdinApp(t), in, &out, false); code != 0 {
		t.Fatalf("exit code = %d", code)
	}
	if !strings.HasPrefix(out.String(), "John 3:16\t") {
		t.Errorf("output = %q, want a John 3:16 row", out.String())
	}
}

func TestRunStdin_JSON(t *testing.T) {
	t.Parallel()

	in := strings.NewReader("Romans 8:28 says all things work together\n")
	var out bytes.Buffer
	if code := runStdin(context.Background(), newStdinApp(t), in, &out, true); code != 0 {
		t.Fatalf("exit code = %d", code)
	}
	var d types.ConfirmedDetection
	if err := json.Unmarshal(bytes.SplitN(out.Bytes(), []byte("\n"), 2)[0], &d); err != nil {
		t.Fatalf("output %q is not a JSON detection: %v", out.String(), err)
	}
	if d.Reference.String() != "Romans 8:28" {
		t.Errorf("reference = %s, want Romans 8:28", d.Reference)
	}
}

func TestLoadConfig(t *testing.T) {
	t.Parallel()

	cfg, err := loadConfig("")
	if err != nil {
		t.Fatalf("defaults: %v", err)
	}
	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("listen addr = %q", cfg.Server.ListenAddr)
	}

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("server:\n  log_level: debug\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = loadConfig(path)
	if err != nil {
		t.Fatalf("file: %v", err)
	}
	if cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("log level = %q, want debug", cfg.Server.LogLevel)
	}

	if _, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected an error for a missing file")
	}
}

func TestBuildProviders(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	cfg := config.Default()
	cfg.Providers.Embeddings = config.ProviderEntry{Name: "lexical", Options: map[string]any{"dimensions": 256}}
	cfg.Providers.LLM = config.ProviderEntry{Name: "not-a-provider"}
	ps, err := buildProviders(cfg, reg)
	if err != nil {
		t.Fatalf("buildProviders: %v", err)
	}
	if ps.Embeddings == nil || ps.Embeddings.Dimensions() != 256 {
		t.Errorf("embeddings = %v, want lexical with 256 dimensions", ps.Embeddings)
	}
	if ps.LLM != nil {
		t.Error("unknown llm provider should be skipped")
	}
}

func TestWithLLMFallbacks(t *testing.T) {
	t.Parallel()

	backup := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "from backup"}}
	reg := config.NewRegistry()
	reg.RegisterLLM("backup", func(config.ProviderEntry) (llm.Provider, error) { return backup, nil })

	primary := &llmmock.Provider{CompleteErr: errors.New("rate limited")}
	if got := withLLMFallbacks(primary, "primary", nil, reg); got != llm.Provider(primary) {
		t.Error("primary should be returned unwrapped without fallbacks")
	}

	p := withLLMFallbacks(primary, "primary", []config.ProviderEntry{{Name: "backup"}, {Name: "missing"}}, reg)
	resp, err := p.Complete(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "from backup" {
		t.Errorf("content = %q, want the fallback reply", resp.Content)
	}
	if backup.Calls() != 1 {
		t.Errorf("backup calls = %d, want 1", backup.Calls())
	}
}
