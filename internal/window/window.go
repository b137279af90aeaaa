// Package window holds the sliding window of recent transcript chunks and
// works out which part of the window is new since it was last processed.
package window

import (
	"strings"
	"sync"

	"github.com/mavrotechnologies/sermon-flow-app-sub000/pkg/types"
)

// Config bounds the buffer. Zero fields take the package defaults.
type Config struct {
	MaxSegments  int `yaml:"max_segments"`
	MaxChars     int `yaml:"max_chars"`
	OverlapChars int `yaml:"overlap_chars"`
	MinNewChars  int `yaml:"min_new_chars"`
}

const (
	DefaultMaxSegments  = 4
	DefaultMaxChars     = 800
	DefaultOverlapChars = 100
	DefaultMinNewChars  = 10
)

func (c Config) withDefaults() Config {
	if c.MaxSegments <= 0 {
		c.MaxSegments = DefaultMaxSegments
	}
	if c.MaxChars <= 0 {
		c.MaxChars = DefaultMaxChars
	}
	if c.OverlapChars <= 0 {
		c.OverlapChars = DefaultOverlapChars
	}
	if c.MinNewChars <= 0 {
		c.MinNewChars = DefaultMinNewChars
	}
	return c
}

// Snapshot is the result of [Buffer.NewText].
type Snapshot struct {
	// Full is the combined window text.
	Full string

	// New is the portion of Full after the last processed anchor.
	New string

	// HasNewContent is true when New is longer than the configured minimum.
	HasNewContent bool
}

// Buffer retains the last few chunks. It is safe for concurrent use, though
// the session drives it from a single goroutine.
type Buffer struct {
	cfg Config

	mu       sync.Mutex
	chunks   []types.TranscriptChunk
	anchor   string
	combined string
}

// New returns an empty Buffer.
func New(cfg Config) *Buffer {
	return &Buffer{cfg: cfg.withDefaults()}
}

// Add appends chunk, evicting the oldest beyond MaxSegments. An interim chunk
// replaces a trailing interim chunk, since interim results are superseded by
// whatever the recogniser says next. Empty chunks are ignored.
func (b *Buffer) Add(chunk types.TranscriptChunk) {
	if strings.TrimSpace(chunk.Text) == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if n := len(b.chunks); n > 0 && !b.chunks[n-1].IsFinal {
		b.chunks[n-1] = chunk
	} else {
		b.chunks = append(b.chunks, chunk)
	}
	if over := len(b.chunks) - b.cfg.MaxSegments; over > 0 {
		b.chunks = append(b.chunks[:0], b.chunks[over:]...)
	}
	b.combined = b.join()
}

func (b *Buffer) join() string {
	parts := make([]string, 0, len(b.chunks))
	for _, c := range b.chunks {
		if t := strings.TrimSpace(c.Text); t != "" {
			parts = append(parts, t)
		}
	}
	s := strings.Join(parts, " ")
	if len(s) > b.cfg.MaxChars {
		s = tail(s, b.cfg.MaxChars)
	}
	return s
}

// CombinedText returns the retained chunks joined by spaces, truncated to
// MaxChars keeping the most recent text.
func (b *Buffer) CombinedText() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.combined
}

// NewText compares the tail of the last processed window against the
// current window and returns the text after the overlap.
func (b *Buffer) NewText() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	full := b.combined
	newPart := full
	if b.anchor != "" {
		newPart = afterOverlap(full, tail(b.anchor, b.cfg.OverlapChars))
	}
	newPart = strings.TrimSpace(newPart)
	return Snapshot{
		Full:          full,
		New:           newPart,
		HasNewContent: len(newPart) > b.cfg.MinNewChars,
	}
}

// MarkProcessed snapshots the current window as the next overlap anchor.
func (b *Buffer) MarkProcessed() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.anchor = b.combined
}

// Reset drops every chunk and the anchor.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.chunks = nil
	b.anchor = ""
	b.combined = ""
}

// Len returns the number of retained chunks.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.chunks)
}

// minAnchor is the shortest shrunken suffix still trusted as a boundary.
const minAnchor = 8

// afterOverlap finds the longest suffix of anchor present in full and
// returns what follows its last occurrence. The suffix shrinks word by word
// so a revised or truncated tail still finds a boundary. With no overlap at
// all the whole window is new.
func afterOverlap(full, anchor string) string {
	for a := anchor; len(a) > 0; {
		if idx := strings.LastIndex(full, a); idx >= 0 {
			return full[idx+len(a):]
		}
		sp := strings.IndexByte(a, ' ')
		if sp < 0 || len(a)-sp-1 < minAnchor {
			break
		}
		a = a[sp+1:]
	}
	return full
}

// tail returns the last n bytes of s, moved forward to a rune boundary.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	i := len(s) - n
	for i < len(s) && s[i]&0xC0 == 0x80 {
		i++
	}
	return s[i:]
}
