package detect

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mavrotechnologies/sermon-flow-app-sub000/internal/observe"
	"github.com/mavrotechnologies/sermon-flow-app-sub000/pkg/scripture"
	"github.com/mavrotechnologies/sermon-flow-app-sub000/pkg/types"
)

// fuseFactor scales each source's contribution so that about three
// independent signals saturate the fused score.
const fuseFactor = 0.3

// Option is a functional option for configuring a [Pipeline].
type Option func(*Pipeline)

// WithDetector installs d for stage s, replacing any earlier detector.
func WithDetector(s Stage, d Detector) Option {
	return func(p *Pipeline) {
		p.detectors[s] = d
	}
}

// WithConfig sets the initial configuration.
func WithConfig(cfg Config) Option {
	return func(p *Pipeline) {
		p.cfg = cfg.withDefaults()
	}
}

// WithContextHint sets the function that supplies GPTContext on escalation,
// typically [sessionctx.Tracker.ContextHint].
func WithContextHint(fn func() string) Option {
	return func(p *Pipeline) {
		p.hint = fn
	}
}

// WithMetrics records stage metrics on m. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) {
		p.metrics = m
	}
}

// Pipeline runs the detection stages. Run may be called concurrently but a
// session normally serialises its runs; SetConfig is safe at any time.
type Pipeline struct {
	detectors map[Stage]Detector
	hint      func() string
	metrics   *observe.Metrics

	mu  sync.RWMutex
	cfg Config
}

// New returns a pipeline. The explicit detector is installed by default;
// the others are added with [WithDetector].
func New(opts ...Option) *Pipeline {
	p := &Pipeline{
		detectors: map[Stage]Detector{StageExplicit: Explicit()},
		cfg:       DefaultConfig(),
	}
	for _, o := range opts {
		o(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	return p
}

// Config returns the active configuration.
func (p *Pipeline) Config() Config {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg
}

// SetConfig swaps the configuration for subsequent runs.
func (p *Pipeline) SetConfig(cfg Config) {
	p.mu.Lock()
	p.cfg = cfg.withDefaults()
	p.mu.Unlock()
}

// Status reports whether the semantic stage can run and the active
// configuration.
func (p *Pipeline) Status() Status {
	st := Status{Config: p.Config()}
	if d, ok := p.detectors[StageSemantic]; ok {
		st.SemanticAvailable = isAvailable(d)
	}
	return st
}

func isAvailable(d Detector) bool {
	if a, ok := d.(availability); ok {
		return a.Available()
	}
	return true
}

// Run executes the enabled stages over in. It never fails: empty input
// yields an empty result, and a failing stage is recorded in its
// [StageReport] while the others proceed.
func (p *Pipeline) Run(ctx context.Context, in Input) Result {
	start := time.Now()
	cfg := p.Config()
	res := Result{Text: in.Text}
	if strings.TrimSpace(in.Text) == "" && strings.TrimSpace(in.NewText) == "" && len(in.Streamed) == 0 {
		return res
	}

	ctx, span := observe.StartSpan(ctx, "detect.pipeline")
	defer span.End()

	var cands []types.Candidate
	for _, stage := range stageOrder {
		rep := StageReport{Stage: stage}
		d, ok := p.detectors[stage]
		switch {
		case !enabled(cfg.Stages, stage):
			rep.Skipped = "disabled"
		case !ok || d == nil:
			rep.Skipped = "not configured"
		case !isAvailable(d):
			rep.Skipped = "unavailable"
		case stage == StageSemantic && !cfg.SemanticWhenHigh && anyHigh(cands):
			rep.Skipped = "high-confidence result found"
		default:
			out := p.runStage(ctx, stage, d, in, cfg, &rep)
			cands = append(cands, out...)
		}
		res.Stages = append(res.Stages, rep)
	}

	res.Detections = Merge(cands, cfg.MinLevel)
	res.ShouldCallGPT, res.EscalationReason = ShouldEscalate(cfg.Escalation, in.Text, res.Detections)
	if res.ShouldCallGPT {
		if p.hint != nil {
			res.GPTContext = p.hint()
		}
		p.metrics.RecordEscalation(ctx, string(res.EscalationReason))
	}
	res.Duration = time.Since(start)
	p.metrics.PipelineDuration.Record(ctx, res.Duration.Seconds())
	span.SetAttributes(
		attribute.Int("detections", len(res.Detections)),
		attribute.Bool("escalate", res.ShouldCallGPT),
	)
	return res
}

func (p *Pipeline) runStage(ctx context.Context, stage Stage, d Detector, in Input, cfg Config, rep *StageReport) (out []types.Candidate) {
	ctx, span := observe.StartSpan(ctx, "detect.stage."+string(stage), trace.WithAttributes(attribute.String("stage", string(stage))))
	start := time.Now()
	rep.Ran = true

	if stage == StageSemantic {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.SemanticTimeout)
		defer cancel()
	}

	defer func() {
		failure := ""
		if r := recover(); r != nil {
			slog.Error("detection stage panicked", "stage", stage, "panic", r, "stack", string(debug.Stack()))
			rep.Panicked = true
			rep.Error = fmt.Sprint(r)
			failure = "panic"
			out = nil
		} else if rep.Error != "" {
			failure = "error"
		}
		rep.Duration = time.Since(start)
		rep.Candidates = len(out)
		if failure != "" {
			span.SetStatus(codes.Error, rep.Error)
		}
		span.End()
		p.metrics.RecordStage(ctx, string(stage), rep.Duration, failure)
		p.metrics.RecordCandidates(ctx, string(stage), len(out))
	}()

	got, err := d.Detect(ctx, in, cfg)
	if err != nil {
		slog.Warn("detection stage failed", "stage", stage, "err", err)
		rep.Error = err.Error()
	}
	// A failing stage may still return partial results.
	return got
}

func enabled(s Stages, stage Stage) bool {
	switch stage {
	case StageExplicit:
		return s.Explicit
	case StageCache:
		return s.Cache
	case StageContext:
		return s.Context
	case StageSemantic:
		return s.Semantic
	}
	return false
}

func anyHigh(cands []types.Candidate) bool {
	for _, c := range cands {
		if c.Confidence.Level == types.LevelHigh {
			return true
		}
	}
	return false
}

// Better reports whether a should win over b for the same key: higher
// source priority first, then higher level, then higher score.
func Better(a, b types.Candidate) bool {
	if pa, pb := a.Source.Priority(), b.Source.Priority(); pa != pb {
		return pa > pb
	}
	if ra, rb := a.Confidence.Level.Rank(), b.Confidence.Level.Rank(); ra != rb {
		return ra > rb
	}
	return a.Confidence.Score > b.Confidence.Score
}

// Merge deduplicates cands by reference key, fuses the evidence per key and
// drops detections below minLevel. The result is ordered by winner source
// priority, then level, then fused score.
func Merge(cands []types.Candidate, minLevel types.Level) []Detection {
	type group struct {
		best types.Candidate
		// strongest level per contributing source
		levels map[types.Source]types.Level
		order  []types.Source
	}
	groups := make(map[scripture.Key]*group)
	var keys []scripture.Key
	for _, c := range cands {
		k := c.Key()
		g, ok := groups[k]
		if !ok {
			g = &group{best: c, levels: make(map[types.Source]types.Level)}
			groups[k] = g
			keys = append(keys, k)
		} else if Better(c, g.best) {
			g.best = c
		}
		if prev, seen := g.levels[c.Source]; !seen {
			g.levels[c.Source] = c.Confidence.Level
			g.order = append(g.order, c.Source)
		} else if c.Confidence.Level.Rank() > prev.Rank() {
			g.levels[c.Source] = c.Confidence.Level
		}
	}

	floor := minLevel.Rank()
	out := make([]Detection, 0, len(keys))
	for _, k := range keys {
		g := groups[k]
		if g.best.Confidence.Level.Rank() < floor {
			continue
		}
		var fused float64
		for src, lvl := range g.levels {
			fused += src.Weight() * lvl.Weight() * fuseFactor
		}
		sources := []types.Source{g.best.Source}
		for _, s := range g.order {
			if s != g.best.Source {
				sources = append(sources, s)
			}
		}
		out = append(out, Detection{Candidate: g.best, FusedScore: min(fused, 1), Sources: sources})
	}
	slices.SortStableFunc(out, func(a, b Detection) int {
		if Better(a.Candidate, b.Candidate) {
			return -1
		}
		if Better(b.Candidate, a.Candidate) {
			return 1
		}
		return cmp.Compare(b.FusedScore, a.FusedScore)
	})
	return out
}
