// Package detect is the staged detection pipeline. Each run feeds one
// transcript window through up to four detectors in a fixed order
// (explicit, cache, context, semantic), merges their candidates by
// reference key, fuses the corroborating evidence into one score and
// decides whether the caller should escalate to the external oracle.
//
// The pipeline never calls the oracle itself. Results the caller obtains
// from it are fed back with source=external.
package detect

import (
	"context"
	"time"

	"github.com/mavrotechnologies/sermon-flow-app-sub000/pkg/types"
)

// Stage names one detection stage.
type Stage string

const (
	StageExplicit Stage = "explicit"
	StageCache    Stage = "cache"
	StageContext  Stage = "context"
	StageSemantic Stage = "semantic"
)

// stageOrder is the fixed run order.
var stageOrder = [...]Stage{StageExplicit, StageCache, StageContext, StageSemantic}

// Input is one pipeline run's text.
type Input struct {
	// Text is the normalized full window.
	Text string

	// NewText is the normalized portion of the window not processed before.
	// The context stage reads only this so that a bare "verse 17" is not
	// resolved again on every later window.
	NewText string

	// Streamed holds candidates the word-level matcher produced for the
	// same update. They join the explicit stage's output.
	Streamed []types.Candidate
}

// Detector turns text into candidates. Implementations must be safe for
// use by one pipeline run at a time; the pipeline serialises runs per
// session.
type Detector interface {
	Detect(ctx context.Context, in Input, cfg Config) ([]types.Candidate, error)
}

// DetectorFunc adapts a function to [Detector].
type DetectorFunc func(ctx context.Context, in Input, cfg Config) ([]types.Candidate, error)

// Detect implements Detector.
func (f DetectorFunc) Detect(ctx context.Context, in Input, cfg Config) ([]types.Candidate, error) {
	return f(ctx, in, cfg)
}

// availability is implemented by detectors that can be temporarily unable
// to run.
type availability interface {
	Available() bool
}

// Detection is a deduplicated candidate with its fused evidence.
type Detection struct {
	types.Candidate

	// FusedScore sums sourceWeight x levelWeight x 0.3 over every source
	// that proposed the key, capped at 1.
	FusedScore float64 `json:"fused_score"`

	// Sources lists the contributing sources, winner first.
	Sources []types.Source `json:"sources"`
}

// StageReport records what one stage did in a run.
type StageReport struct {
	Stage      Stage         `json:"stage"`
	Ran        bool          `json:"ran"`
	Skipped    string        `json:"skipped,omitempty"`
	Error      string        `json:"error,omitempty"`
	Panicked   bool          `json:"panicked,omitempty"`
	Duration   time.Duration `json:"duration"`
	Candidates int           `json:"candidates"`
}

// Result is the outcome of one pipeline run.
type Result struct {
	Detections []Detection `json:"detections"`

	// ShouldCallGPT is the escalation signal; see [ShouldEscalate].
	ShouldCallGPT bool `json:"should_call_gpt"`

	// EscalationReason says which rule fired. Empty when ShouldCallGPT is
	// false.
	EscalationReason Reason `json:"escalation_reason,omitempty"`

	// GPTContext is the session context hint for the oracle. Only set when
	// ShouldCallGPT is true.
	GPTContext string `json:"gpt_context,omitempty"`

	// Text is the window the run looked at.
	Text string `json:"text"`

	Stages   []StageReport `json:"stages"`
	Duration time.Duration `json:"duration"`
}

// Report returns the report for stage s.
func (r Result) Report(s Stage) (StageReport, bool) {
	for _, rep := range r.Stages {
		if rep.Stage == s {
			return rep, true
		}
	}
	return StageReport{}, false
}

// HasLevel reports whether any detection is at level l.
func (r Result) HasLevel(l types.Level) bool {
	for _, d := range r.Detections {
		if d.Confidence.Level == l {
			return true
		}
	}
	return false
}

// Status summarises pipeline health.
type Status struct {
	SemanticAvailable bool   `json:"semantic_available"`
	Config            Config `json:"config"`
}
