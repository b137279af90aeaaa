package config_test

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mavrotechnologies/sermon-flow-app-sub000/internal/config"
	"github.com/mavrotechnologies/sermon-flow-app-sub000/internal/detect"
)

const (
	sundayYAML = `
server:
  log_level: info
pipeline:
  escalation: medium-only
`
	retunedYAML = `
server:
  log_level: debug
pipeline:
  escalation: never
`
	brokenYAML = `
server:
  log_level: bananas
`
)

type change struct{ old, new *config.Config }

// recorder collects watcher callbacks.
type recorder struct {
	mu      sync.Mutex
	changes []change
	ch      chan struct{}
}

func newRecorder() *recorder { return &recorder{ch: make(chan struct{}, 16)} }

func (r *recorder) onChange(old, new *config.Config) {
	r.mu.Lock()
	r.changes = append(r.changes, change{old, new})
	r.mu.Unlock()
	r.ch <- struct{}{}
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.changes)
}

func (r *recorder) wait(t *testing.T) change {
	t.Helper()
	select {
	case <-r.ch:
	case <-time.After(2 * time.Second):
		t.Fatal("no config change delivered")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.changes[len(r.changes)-1]
}

// watch writes content to a fresh file and watches it with a fast poll.
func watch(t *testing.T, content string, rec *recorder) (*config.Watcher, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sermonflow.yaml")
	rewrite(t, path, content)
	var cb func(old, new *config.Config)
	if rec != nil {
		cb = rec.onChange
	}
	w, err := config.NewWatcher(path, cb, config.WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	t.Cleanup(w.Stop)
	return w, path
}

// rewrite replaces the file and bumps its mtime so a coarse filesystem
// clock cannot hide the edit.
func rewrite(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	bump(t, path)
}

var bumpMu sync.Mutex
var bumpAt = time.Now()

func bump(t *testing.T, path string) {
	t.Helper()
	bumpMu.Lock()
	bumpAt = bumpAt.Add(time.Second)
	at := bumpAt
	bumpMu.Unlock()
	if err := os.Chtimes(path, at, at); err != nil {
		t.Fatal(err)
	}
}

func TestWatcher_LoadsOnStart(t *testing.T) {
	t.Parallel()

	w, _ := watch(t, sundayYAML, nil)
	cfg := w.Current()
	if cfg.Server.LogLevel != config.LogInfo || cfg.Pipeline.Escalation != detect.PolicyMediumOnly {
		t.Errorf("initial config = %+v / %+v", cfg.Server, cfg.Pipeline)
	}

	for name, path := range map[string]string{
		"missing": filepath.Join(t.TempDir(), "none.yaml"),
		"invalid": func() string {
			p := filepath.Join(t.TempDir(), "bad.yaml")
			rewrite(t, p, brokenYAML)
			return p
		}(),
	} {
		if _, err := config.NewWatcher(path, nil); err == nil {
			t.Errorf("%s file: expected an error", name)
		}
	}
}

func TestWatcher_DeliversPipelineChange(t *testing.T) {
	t.Parallel()

	rec := newRecorder()
	w, path := watch(t, sundayYAML, rec)
	rewrite(t, path, retunedYAML)

	c := rec.wait(t)
	d := config.Diff(c.old, c.new)
	if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
		t.Errorf("diff log level = %+v", d)
	}
	if !d.PipelineChanged || d.NewPipeline.Escalation != detect.PolicyNever {
		t.Errorf("diff pipeline = %+v", d)
	}
	if w.Current() != c.new {
		t.Error("Current does not return the delivered config")
	}
}

func TestWatcher_IgnoresRejectedAndTouchedFiles(t *testing.T) {
	t.Parallel()

	rec := newRecorder()
	w, path := watch(t, sundayYAML, rec)

	bump(t, path)
	rewrite(t, path, brokenYAML)
	time.Sleep(150 * time.Millisecond)

	if n := rec.count(); n != 0 {
		t.Fatalf("callbacks = %d, want 0", n)
	}
	if w.Current().Server.LogLevel != config.LogInfo {
		t.Error("rejected edit replaced the current config")
	}

	// Restoring the accepted content is not a change either.
	rewrite(t, path, sundayYAML)
	time.Sleep(150 * time.Millisecond)
	if n := rec.count(); n != 0 {
		t.Errorf("callbacks after restore = %d, want 0", n)
	}
}

func TestWatcher_Reload(t *testing.T) {
	t.Parallel()

	rec := newRecorder()
	path := filepath.Join(t.TempDir(), "sermonflow.yaml")
	rewrite(t, path, sundayYAML)
	w, err := config.NewWatcher(path, rec.onChange, config.WithInterval(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	rewrite(t, path, brokenYAML)
	if err := w.Reload(); err == nil {
		t.Error("Reload of an invalid file should fail")
	}

	rewrite(t, path, retunedYAML)
	if err := w.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if c := rec.wait(t); c.new.Pipeline.Escalation != detect.PolicyNever {
		t.Errorf("reloaded escalation = %q", c.new.Pipeline.Escalation)
	}
	if err := w.Reload(); err != nil || rec.count() != 1 {
		t.Errorf("unchanged reload: err=%v callbacks=%d", err, rec.count())
	}
}

func TestWatcher_StopTwice(t *testing.T) {
	t.Parallel()

	w, _ := watch(t, sundayYAML, nil)
	w.Stop()
	w.Stop()
}
