// Package types defines the data model shared by every detection stage:
// transcript chunks coming in, candidates flowing between stages, and
// confirmed detections going out.
//
// These types are the lingua franca between the detectors, the pipeline and
// the session coordinator. Each package keeps its own internal types; only
// cross-cutting structures live here to avoid circular imports.
package types

import (
	"time"

	"github.com/mavrotechnologies/sermon-flow-app-sub000/pkg/scripture"
)

// TranscriptChunk is one speech-recognition result. Interim chunks are
// superseded by later chunks; a final chunk is authoritative.
type TranscriptChunk struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
	IsFinal   bool      `json:"is_final"`
}

// Source identifies which detector produced a candidate.
type Source string

const (
	SourceRegex    Source = "regex"
	SourceCache    Source = "cache"
	SourceSemantic Source = "semantic"
	SourceContext  Source = "context"
	SourceExternal Source = "external"
)

// Priority returns the dedup priority of s. When two sources propose the same
// key, the higher priority wins.
func (s Source) Priority() int {
	switch s {
	case SourceRegex:
		return 5
	case SourceCache:
		return 4
	case SourceSemantic:
		return 3
	case SourceContext:
		return 2
	case SourceExternal:
		return 1
	}
	return 0
}

// Weight is the per-source contribution used when fusing scores.
func (s Source) Weight() float64 {
	switch s {
	case SourceRegex:
		return 1.0
	case SourceCache:
		return 0.9
	case SourceSemantic:
		return 0.8
	case SourceContext:
		return 0.7
	case SourceExternal:
		return 0.6
	}
	return 0
}

// IsValid reports whether s is a known source.
func (s Source) IsValid() bool {
	return s.Priority() > 0
}

// Level is the categorical confidence of a candidate.
type Level string

const (
	LevelHigh   Level = "high"
	LevelMedium Level = "medium"
	LevelLow    Level = "low"
)

// Rank orders levels: high > medium > low.
func (l Level) Rank() int {
	switch l {
	case LevelHigh:
		return 3
	case LevelMedium:
		return 2
	case LevelLow:
		return 1
	}
	return 0
}

// Weight is the per-level contribution used when fusing scores.
func (l Level) Weight() float64 {
	switch l {
	case LevelHigh:
		return 1.0
	case LevelMedium:
		return 0.7
	case LevelLow:
		return 0.4
	}
	return 0
}

// LevelForScore maps a 0-1 score onto a categorical level using the
// conventional 0.8 / 0.5 cut points.
func LevelForScore(score float64) Level {
	switch {
	case score >= 0.8:
		return LevelHigh
	case score >= 0.5:
		return LevelMedium
	default:
		return LevelLow
	}
}

// Confidence pairs a numeric score in [0, 1] with its categorical level.
type Confidence struct {
	Score float64 `json:"score"`
	Level Level   `json:"level"`
}

// Candidate is a possible detection produced by one detector. Candidates are
// compared by [scripture.Reference.Key].
type Candidate struct {
	Reference  scripture.Reference `json:"reference"`
	Source     Source              `json:"source"`
	Confidence Confidence          `json:"confidence"`

	// Reason is a short human-readable explanation ("explicit reference",
	// "keyword: lord is my shepherd").
	Reason string `json:"reason,omitempty"`

	// FirstSeenAt is when the stability tracker first observed this key.
	FirstSeenAt time.Time `json:"first_seen_at,omitzero"`

	// StableFor is how long the key has been continuously observed.
	StableFor time.Duration `json:"stable_for,omitempty"`
}

// Key returns the deduplication key of c.
func (c Candidate) Key() scripture.Key {
	return c.Reference.Key()
}

// ConfirmedDetection is an immutable record of a reference the session has
// decided to report. At most one exists per key per session.
type ConfirmedDetection struct {
	Reference  scripture.Reference `json:"reference"`
	OSIS       string              `json:"osis"`
	Source     Source              `json:"source"`
	Confidence Confidence          `json:"confidence"`

	// FusedScore combines every source that proposed this key in the run that
	// confirmed it.
	FusedScore float64 `json:"fused_score"`

	// Sources lists every corroborating source, winner first.
	Sources []Source `json:"sources"`

	Reason      string    `json:"reason,omitempty"`
	ChunkID     string    `json:"chunk_id,omitempty"`
	ConfirmedAt time.Time `json:"confirmed_at"`

	// VerseText is filled by the caller's verse lookup. Empty text is valid.
	VerseText string `json:"verse_text,omitempty"`
}

// Key returns the deduplication key of d.
func (d ConfirmedDetection) Key() scripture.Key {
	return d.Reference.Key()
}
