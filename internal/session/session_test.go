package session_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/mavrotechnologies/sermon-flow-app-sub000/internal/clock"
	"github.com/mavrotechnologies/sermon-flow-app-sub000/internal/detect"
	"github.com/mavrotechnologies/sermon-flow-app-sub000/internal/keyword"
	"github.com/mavrotechnologies/sermon-flow-app-sub000/internal/observe"
	"github.com/mavrotechnologies/sermon-flow-app-sub000/internal/session"
	"github.com/mavrotechnologies/sermon-flow-app-sub000/internal/sessionctx"
	"github.com/mavrotechnologies/sermon-flow-app-sub000/pkg/scripture"
	"github.com/mavrotechnologies/sermon-flow-app-sub000/pkg/types"
)

func ref(book string, ch, v int) scripture.Reference {
	return scripture.Reference{Book: book, Chapter: ch, VerseStart: v}
}

type collector struct {
	mu  sync.Mutex
	got []types.ConfirmedDetection
}

func (c *collector) Emit(_ context.Context, d types.ConfirmedDetection) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, d)
}

func (c *collector) all() []types.ConfirmedDetection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]types.ConfirmedDetection(nil), c.got...)
}

type lookupFunc func(ctx context.Context, r scripture.Reference, translation string) (string, error)

func (f lookupFunc) Lookup(ctx context.Context, r scripture.Reference, translation string) (string, error) {
	return f(ctx, r, translation)
}

type harness struct {
	clk  *clock.Fake
	sink *collector
	s    *session.Session
}

func newHarness(t *testing.T, cfg session.Config, opts ...session.Option) *harness {
	t.Helper()
	clk := clock.NewFake(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	tr := sessionctx.New(sessionctx.WithClock(clk))
	kw, err := keyword.New()
	if err != nil {
		t.Fatalf("keyword.New: %v", err)
	}
	p := detect.New(
		detect.WithDetector(detect.StageCache, detect.Keyword(kw)),
		detect.WithDetector(detect.StageContext, detect.Context(tr)),
		detect.WithContextHint(tr.ContextHint),
	)
	h := &harness{clk: clk, sink: &collector{}}
	all := append([]session.Option{
		session.WithID("test"),
		session.WithClock(clk),
		session.WithConfig(cfg),
		session.WithSink(h.sink),
	}, opts...)
	h.s = session.New(p, tr, all...)
	t.Cleanup(func() { _ = h.s.Close() })
	return h
}

func (h *harness) final(t *testing.T, id, text string) {
	t.Helper()
	if err := h.s.Push(context.Background(), types.TranscriptChunk{ID: id, Text: text, IsFinal: true}); err != nil {
		t.Fatalf("Push(%q): %v", text, err)
	}
}

func (h *harness) interim(t *testing.T, text string) {
	t.Helper()
	if err := h.s.Push(context.Background(), types.TranscriptChunk{Text: text}); err != nil {
		t.Fatalf("Push(%q): %v", text, err)
	}
}

func TestSession_SpokenReferenceAcrossChunks(t *testing.T) {
	t.Parallel()

	h := newHarness(t, session.Config{})
	h.final(t, "c1", "Let's turn to")
	h.final(t, "c2", "the book of Romans")
	h.final(t, "c3", "chapter eight verse twenty eight")

	if got := h.sink.all(); len(got) != 0 {
		t.Fatalf("confirmed before the stability threshold: %+v", got)
	}
	h.clk.Advance(299 * time.Millisecond)
	if got := h.sink.all(); len(got) != 0 {
		t.Fatalf("confirmed at 299ms: %+v", got)
	}
	h.clk.Advance(time.Millisecond)

	got := h.sink.all()
	if len(got) != 1 {
		t.Fatalf("confirmed = %+v, want exactly Romans 8:28", got)
	}
	d := got[0]
	if d.Reference != ref("Romans", 8, 28) || d.Confidence.Level != types.LevelHigh {
		t.Errorf("detection = %+v, want high Romans 8:28", d)
	}
	if d.Source != types.SourceRegex {
		t.Errorf("Source = %q, want regex", d.Source)
	}
	if d.OSIS != "Rom.8.28" {
		t.Errorf("OSIS = %q", d.OSIS)
	}
}

func TestSession_ConfirmsEachKeyOnce(t *testing.T) {
	t.Parallel()

	h := newHarness(t, session.Config{})
	h.final(t, "c1", "Romans 8:28 tells us all things work together")
	h.clk.Advance(300 * time.Millisecond)
	h.final(t, "c2", "Romans 8:28 tells us all things work together")
	h.final(t, "c3", "again Romans 8:28 for those who love God")
	h.clk.Advance(time.Second)

	got := h.sink.all()
	if len(got) != 1 {
		t.Fatalf("confirmed %d detections, want 1: %+v", len(got), got)
	}
	if c := h.s.Confirmed(); len(c) != 1 || c[0].Key() != got[0].Key() {
		t.Errorf("Confirmed() = %+v", c)
	}
}

func TestSession_AmbiguousBookAloneIsRejected(t *testing.T) {
	t.Parallel()

	h := newHarness(t, session.Config{})
	h.final(t, "c1", "I want to mark this moment in our journal")
	h.clk.Advance(time.Second)
	if got := h.sink.all(); len(got) != 0 {
		t.Errorf("confirmed %+v from an ambiguous book word", got)
	}
}

func TestSession_ParaphraseViaCache(t *testing.T) {
	t.Parallel()

	h := newHarness(t, session.Config{})
	h.final(t, "c1", "the Lord is my shepherd I shall not want")
	h.clk.Advance(300 * time.Millisecond)

	got := h.sink.all()
	if len(got) != 1 || got[0].Reference != ref("Psalms", 23, 1) {
		t.Fatalf("confirmed = %+v, want Psalms 23:1", got)
	}
	if got[0].Confidence.Level.Rank() < types.LevelMedium.Rank() {
		t.Errorf("level = %q, want at least medium", got[0].Confidence.Level)
	}
}

func TestSession_BareVerseResolvesAgainstContext(t *testing.T) {
	t.Parallel()

	h := newHarness(t, session.Config{})
	h.final(t, "c1", "John 3:16 says for God so loved the world")
	h.clk.Advance(300 * time.Millisecond)
	h.final(t, "c2", "verse 17")
	h.clk.Advance(300 * time.Millisecond)

	got := h.sink.all()
	if len(got) != 2 {
		t.Fatalf("confirmed = %+v, want John 3:16 then John 3:17", got)
	}
	if got[0].Reference != ref("John", 3, 16) || got[1].Reference != ref("John", 3, 17) {
		t.Errorf("order = %s, %s", got[0].Reference, got[1].Reference)
	}
}

func TestSession_ShortFinalChunks(t *testing.T) {
	t.Parallel()

	h := newHarness(t, session.Config{})
	h.final(t, "c1", "John 3:16")
	h.clk.Advance(2 * time.Second)
	got := h.sink.all()
	if len(got) != 1 || got[0].Reference != ref("John", 3, 16) {
		t.Fatalf("confirmed = %+v, want John 3:16 from a lone final chunk", got)
	}

	// Interim revisions below the minimum still wait for more speech.
	h.interim(t, "verse 18")
	h.clk.Advance(2 * time.Second)
	if got := h.sink.all(); len(got) != 1 {
		t.Errorf("confirmed = %+v, want nothing new from a short interim chunk", got)
	}
}

func TestSession_KeywordPhraseWithNumberWord(t *testing.T) {
	t.Parallel()

	h := newHarness(t, session.Config{})
	h.final(t, "c1", "A new commandment I give unto you, that ye love one another")
	h.clk.Advance(300 * time.Millisecond)

	got := h.sink.all()
	if len(got) != 1 || got[0].Reference != ref("John", 13, 34) {
		t.Fatalf("confirmed = %+v, want John 13:34", got)
	}
	if got[0].Confidence.Level != types.LevelHigh {
		t.Errorf("level = %q, want high", got[0].Confidence.Level)
	}
}

func TestSession_PruneDropsUnreinforcedCandidates(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	m, err := observe.NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	h := newHarness(t, session.Config{
		StabilityThreshold: 5 * time.Second,
		PruneMaxAge:        2 * time.Second,
	}, session.WithMetrics(m))
	waitFor(t, "prune ticker", func() bool { return h.clk.Tickers() == 1 })

	h.final(t, "c1", "Romans 8:28 is our text this morning")
	if n := pendingGauge(t, reader); n != 1 {
		t.Fatalf("pending gauge = %d, want 1", n)
	}

	// No further input: only the sweep can drop the candidate.
	h.clk.Advance(2100 * time.Millisecond)
	waitFor(t, "sweep", func() bool { return pendingGauge(t, reader) == 0 })

	h.clk.Advance(5 * time.Second)
	if got := h.sink.all(); len(got) != 0 {
		t.Errorf("pruned candidate was confirmed: %+v", got)
	}
	if p := h.s.Pending(); len(p) != 0 {
		t.Errorf("pending = %+v, want none", p)
	}
}

// waitFor polls cond until it holds or a second of real time passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func pendingGauge(t *testing.T, reader *sdkmetric.ManualReader) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != "sermonflow.pending_candidates" {
				continue
			}
			var n int64
			for _, dp := range met.Data.(metricdata.Sum[int64]).DataPoints {
				n += dp.Value
			}
			return n
		}
	}
	return 0
}

func TestSession_InterimDebounce(t *testing.T) {
	t.Parallel()

	var (
		mu   sync.Mutex
		runs int
	)
	h := newHarness(t, session.Config{}, session.WithObserver(func(context.Context, session.Update) {
		mu.Lock()
		runs++
		mu.Unlock()
	}))
	h.interim(t, "turn with me to Romans 8")
	h.clk.Advance(10 * time.Millisecond)
	h.interim(t, "turn with me to Romans 8:28 please")
	h.interim(t, "turn with me to Romans 8:28 please")
	h.clk.Advance(30 * time.Millisecond)

	mu.Lock()
	n := runs
	mu.Unlock()
	if n != 1 {
		t.Fatalf("pipeline ran %d times, want 1 after debounce", n)
	}
	h.clk.Advance(300 * time.Millisecond)
	got := h.sink.all()
	if len(got) != 1 || got[0].Reference != ref("Romans", 8, 28) {
		t.Errorf("confirmed = %+v, want Romans 8:28", got)
	}
}

func TestSession_ClearIsAtomic(t *testing.T) {
	t.Parallel()

	h := newHarness(t, session.Config{})
	h.final(t, "c1", "Romans 8:28 is our text this morning")
	h.s.Clear()
	h.clk.Advance(time.Second)
	if got := h.sink.all(); len(got) != 0 {
		t.Fatalf("timer armed before Clear confirmed %+v", got)
	}
	if p := h.s.Pending(); len(p) != 0 {
		t.Fatalf("pending after Clear = %+v", p)
	}

	h.final(t, "c2", "Romans 8:28 is our text this morning")
	h.clk.Advance(300 * time.Millisecond)
	if got := h.sink.all(); len(got) != 1 {
		t.Errorf("confirmed after Clear = %+v, want 1", got)
	}
}

func TestSession_LookupFailureKeepsDetection(t *testing.T) {
	t.Parallel()

	h := newHarness(t, session.Config{}, session.WithLookup(lookupFunc(
		func(context.Context, scripture.Reference, string) (string, error) {
			return "", errors.New("corpus offline")
		})))
	h.final(t, "c1", "open to John 3:16 with me")
	h.clk.Advance(300 * time.Millisecond)

	got := h.sink.all()
	if len(got) != 1 || got[0].VerseText != "" {
		t.Fatalf("confirmed = %+v, want one detection without text", got)
	}
}

func TestSession_LookupAttachesText(t *testing.T) {
	t.Parallel()

	var translation string
	h := newHarness(t, session.Config{Translation: "WEB"}, session.WithLookup(lookupFunc(
		func(_ context.Context, r scripture.Reference, tr string) (string, error) {
			translation = tr
			return "text of " + r.String(), nil
		})))
	h.final(t, "c1", "open to John 3:16 with me")
	h.clk.Advance(300 * time.Millisecond)

	got := h.sink.all()
	if len(got) != 1 || got[0].VerseText != "text of John 3:16" {
		t.Fatalf("confirmed = %+v", got)
	}
	if translation != "WEB" {
		t.Errorf("translation = %q, want WEB", translation)
	}
}

func TestSession_MediumOnlyEscalates(t *testing.T) {
	t.Parallel()

	medium := detect.DetectorFunc(func(context.Context, detect.Input, detect.Config) ([]types.Candidate, error) {
		return []types.Candidate{{
			Reference:  ref("Philippians", 4, 13),
			Source:     types.SourceCache,
			Confidence: types.Confidence{Score: 0.65, Level: types.LevelMedium},
		}}, nil
	})
	var updates []session.Update
	clk := clock.NewFake(time.Now())
	p := detect.New(detect.WithDetector(detect.StageCache, medium))
	s := session.New(p, nil, session.WithClock(clk), session.WithObserver(func(_ context.Context, u session.Update) {
		updates = append(updates, u)
	}))
	defer s.Close()

	if err := s.Push(context.Background(), types.TranscriptChunk{ID: "c1", Text: "I can do all things through Christ", IsFinal: true}); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if len(updates) != 1 {
		t.Fatalf("updates = %d, want 1", len(updates))
	}
	res := updates[0].Result
	if !res.ShouldCallGPT || res.EscalationReason != detect.ReasonMediumOnly {
		t.Errorf("escalation = %v/%q, want medium_only", res.ShouldCallGPT, res.EscalationReason)
	}
	if updates[0].ChunkID != "c1" {
		t.Errorf("ChunkID = %q", updates[0].ChunkID)
	}
}

func TestSession_InjectExternal(t *testing.T) {
	t.Parallel()

	h := newHarness(t, session.Config{})
	in := []types.Candidate{
		{Reference: ref("John", 3, 16), Source: types.SourceCache, Confidence: types.Confidence{Score: 0.8, Level: types.LevelHigh}},
		{Reference: ref("Jude", 9, 1), Confidence: types.Confidence{Score: 0.9, Level: types.LevelHigh}},
		{Reference: ref("Mark", 1, 1), Confidence: types.Confidence{Score: 0.3, Level: types.LevelLow}},
	}
	out, err := h.s.InjectExternal(context.Background(), in)
	if err != nil {
		t.Fatalf("InjectExternal: %v", err)
	}
	if len(out) != 1 || out[0].Reference != ref("John", 3, 16) || out[0].Source != types.SourceExternal {
		t.Fatalf("injected = %+v, want external John 3:16 only", out)
	}
	again, err := h.s.InjectExternal(context.Background(), in[:1])
	if err != nil {
		t.Fatalf("InjectExternal: %v", err)
	}
	if len(again) != 0 {
		t.Errorf("re-injection confirmed %+v", again)
	}
	if len(h.sink.all()) != 1 {
		t.Errorf("sink got %d detections, want 1", len(h.sink.all()))
	}
}

func TestSession_ClosedRejectsInput(t *testing.T) {
	t.Parallel()

	h := newHarness(t, session.Config{})
	if err := h.s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := h.s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	err := h.s.Push(context.Background(), types.TranscriptChunk{Text: "John 3:16", IsFinal: true})
	if !errors.Is(err, session.ErrClosed) {
		t.Errorf("Push err = %v, want ErrClosed", err)
	}
	if _, err := h.s.InjectExternal(context.Background(), nil); !errors.Is(err, session.ErrClosed) {
		t.Errorf("InjectExternal err = %v, want ErrClosed", err)
	}
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	if err := session.DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	bad := session.Config{MinConfirmLevel: "certain", DebounceDelay: -time.Second}
	if err := bad.Validate(); err == nil {
		t.Error("Validate accepted an unknown level and negative debounce")
	}
}
