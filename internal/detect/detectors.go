package detect

import (
	"context"

	"github.com/mavrotechnologies/sermon-flow-app-sub000/internal/keyword"
	"github.com/mavrotechnologies/sermon-flow-app-sub000/internal/semantic"
	"github.com/mavrotechnologies/sermon-flow-app-sub000/internal/sessionctx"
	"github.com/mavrotechnologies/sermon-flow-app-sub000/pkg/scripture"
	"github.com/mavrotechnologies/sermon-flow-app-sub000/pkg/types"
)

// explicitConfidence is the confidence of a written "Book C:V" reference.
var explicitConfidence = types.Confidence{Score: 0.95, Level: types.LevelHigh}

// Explicit parses "Book C:V[-W]" references out of the window and appends
// the word-level matcher's candidates.
func Explicit() Detector {
	return DetectorFunc(func(_ context.Context, in Input, _ Config) ([]types.Candidate, error) {
		matches := scripture.ParseExplicit(in.Text)
		out := make([]types.Candidate, 0, len(matches)+len(in.Streamed))
		for _, m := range matches {
			out = append(out, types.Candidate{
				Reference:  m.Reference,
				Source:     types.SourceRegex,
				Confidence: explicitConfidence,
				Reason:     "explicit reference",
			})
		}
		return append(out, in.Streamed...), nil
	})
}

// Keyword scores the window against the curated passages.
func Keyword(s *keyword.Scorer) Detector {
	return DetectorFunc(func(_ context.Context, in Input, _ Config) ([]types.Candidate, error) {
		return s.Candidates(in.Text), nil
	})
}

// Context resolves relative references in the new text against the
// session's current book and chapter.
func Context(t *sessionctx.Tracker) Detector {
	return DetectorFunc(func(_ context.Context, in Input, _ Config) ([]types.Candidate, error) {
		return t.Candidates(in.NewText), nil
	})
}

type semanticDetector struct {
	m *semantic.Matcher
}

// Semantic runs the tiered embedding search over the window. It reports
// itself unavailable while the matcher has no model loaded.
func Semantic(m *semantic.Matcher) Detector {
	return semanticDetector{m: m}
}

func (d semanticDetector) Available() bool { return d.m.Available() }

func (d semanticDetector) Detect(ctx context.Context, in Input, cfg Config) ([]types.Candidate, error) {
	return d.m.Candidates(ctx, in.Text, cfg.SemanticRequireHigh)
}
