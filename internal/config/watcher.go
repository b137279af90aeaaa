package config

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Watcher keeps the last valid configuration loaded from a file. It polls
// the file's size and modification time and, when they move, re-reads it;
// the change callback fires only when the content digest differs and the
// new content validates. Rejected edits are logged once per file version.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, new *Config)
	logger   *slog.Logger

	current atomic.Pointer[Config]

	// reloadMu serialises the poll loop against Reload.
	reloadMu sync.Mutex
	stamp    fileStamp
	digest   uint64

	cancel context.CancelFunc
	done   chan struct{}
}

type fileStamp struct {
	size  int64
	mtime time.Time
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. The default is 5 seconds.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithWatchLogger replaces the default logger.
func WithWatchLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if l != nil {
			w.logger = l
		}
	}
}

// NewWatcher loads path, failing when it is missing or invalid, and starts
// polling it. Call [Watcher.Stop] to end polling.
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 5 * time.Second,
		onChange: onChange,
		logger:   slog.Default(),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	snap, err := w.snapshot()
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	if snap.err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, snap.err)
	}
	w.current.Store(snap.cfg)
	w.stamp, w.digest = snap.stamp, snap.digest

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	go w.loop(ctx)
	return w, nil
}

// Current returns the most recently accepted config.
func (w *Watcher) Current() *Config {
	return w.current.Load()
}

// Reload re-reads the file immediately, ignoring the size and mtime
// shortcut. It returns the validation error for a rejected file; the
// previous config stays current.
func (w *Watcher) Reload() error {
	return w.apply(true)
}

// Stop ends polling and waits for the loop to exit. It is safe to call
// more than once.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = w.apply(false)
		}
	}
}

func (w *Watcher) apply(force bool) error {
	w.reloadMu.Lock()

	if !force {
		info, err := os.Stat(w.path)
		if err != nil {
			w.reloadMu.Unlock()
			w.logger.Warn("config: stat failed", "path", w.path, "err", err)
			return err
		}
		if (fileStamp{size: info.Size(), mtime: info.ModTime()}) == w.stamp {
			w.reloadMu.Unlock()
			return nil
		}
	}

	snap, err := w.snapshot()
	if err != nil {
		w.reloadMu.Unlock()
		w.logger.Warn("config: read failed", "path", w.path, "err", err)
		return err
	}
	w.stamp = snap.stamp
	if snap.digest == w.digest {
		w.reloadMu.Unlock()
		return nil
	}
	if snap.err != nil {
		w.reloadMu.Unlock()
		w.logger.Warn("config: edit rejected, keeping previous config", "path", w.path, "err", snap.err)
		return snap.err
	}
	w.digest = snap.digest
	old := w.current.Swap(snap.cfg)
	w.reloadMu.Unlock()

	w.logger.Info("config: reloaded", "path", w.path)
	if w.onChange != nil {
		w.onChange(old, snap.cfg)
	}
	return nil
}

// snapshot is one read of the file. err carries a parse or validation
// failure; the stamp and digest are valid either way.
type snapshot struct {
	cfg    *Config
	err    error
	stamp  fileStamp
	digest uint64
}

func (w *Watcher) snapshot() (snapshot, error) {
	f, err := os.Open(w.path)
	if err != nil {
		return snapshot{}, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return snapshot{}, err
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(f); err != nil {
		return snapshot{}, err
	}
	cfg, perr := LoadFromReader(bytes.NewReader(buf.Bytes()))
	return snapshot{
		cfg:    cfg,
		err:    perr,
		stamp:  fileStamp{size: info.Size(), mtime: info.ModTime()},
		digest: xxhash.Sum64(buf.Bytes()),
	}, nil
}
