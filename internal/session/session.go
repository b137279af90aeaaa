// Package session coordinates one live transcript. It owns the sliding
// window, the streaming word matcher, the detection pipeline, the stability
// tracker and the session context, and decides when a candidate becomes a
// confirmed detection.
//
// Final chunks are processed on arrival. Interim chunks are debounced so a
// burst of revisions costs one pipeline run. A candidate is confirmed once
// it has been observed for the stability threshold; each reference is
// confirmed at most once until [Session.Clear].
//
// All methods are safe for concurrent use. Processing is serialised on the
// session lock, so timer callbacks and Push never interleave.
package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/mavrotechnologies/sermon-flow-app-sub000/internal/clock"
	"github.com/mavrotechnologies/sermon-flow-app-sub000/internal/detect"
	"github.com/mavrotechnologies/sermon-flow-app-sub000/internal/normalize"
	"github.com/mavrotechnologies/sermon-flow-app-sub000/internal/observe"
	"github.com/mavrotechnologies/sermon-flow-app-sub000/internal/sessionctx"
	"github.com/mavrotechnologies/sermon-flow-app-sub000/internal/stream"
	"github.com/mavrotechnologies/sermon-flow-app-sub000/internal/window"
	"github.com/mavrotechnologies/sermon-flow-app-sub000/pkg/scripture"
	"github.com/mavrotechnologies/sermon-flow-app-sub000/pkg/types"
)

// ErrClosed is returned by operations on a closed [Session].
var ErrClosed = errors.New("session: closed")

// Chunk outcomes recorded on the chunk counter.
const (
	outcomeEmpty     = "empty"
	outcomeDuplicate = "duplicate"
	outcomeDebounced = "debounced"
	outcomeStale     = "stale"
	outcomeFiltered  = "filtered"
	outcomeProcessed = "processed"
)

// Sink receives confirmed detections in confirmation order.
type Sink interface {
	Emit(ctx context.Context, d types.ConfirmedDetection)
}

// SinkFunc adapts a function to [Sink].
type SinkFunc func(ctx context.Context, d types.ConfirmedDetection)

// Emit calls f.
func (f SinkFunc) Emit(ctx context.Context, d types.ConfirmedDetection) { f(ctx, d) }

// VerseLookup resolves verse text for a confirmed reference.
type VerseLookup interface {
	Lookup(ctx context.Context, ref scripture.Reference, translation string) (string, error)
}

// Update is passed to observers after every pipeline run.
type Update struct {
	SessionID string
	ChunkID   string
	Result    detect.Result
}

// Observer is called with the session lock held and must not block.
type Observer func(ctx context.Context, u Update)

// Option is a functional option for [New].
type Option func(*Session)

// WithID sets the session identifier used in logs and updates.
func WithID(id string) Option {
	return func(s *Session) { s.id = id }
}

// WithClock replaces the wall clock.
func WithClock(c clock.Clock) Option {
	return func(s *Session) { s.clock = c }
}

// WithConfig replaces the defaults. Zero fields keep defaults.
func WithConfig(cfg Config) Option {
	return func(s *Session) { s.cfg = cfg.WithDefaults() }
}

// WithSink sets where confirmed detections go.
func WithSink(sink Sink) Option {
	return func(s *Session) { s.sink = sink }
}

// WithObserver adds an observer of pipeline results.
func WithObserver(o Observer) Option {
	return func(s *Session) { s.observers = append(s.observers, o) }
}

// WithLookup attaches verse text to detections.
func WithLookup(l VerseLookup) Option {
	return func(s *Session) { s.lookup = l }
}

// WithMetrics replaces the default instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// WithStreamMatcher replaces the word-level matcher, for example to attach
// a prefetch hook.
func WithStreamMatcher(m *stream.Matcher) Option {
	return func(s *Session) { s.matcher = m }
}

// Session is one live transcript. Create it with [New] and release it with
// [Session.Close].
type Session struct {
	id        string
	cfg       Config
	clock     clock.Clock
	pipeline  *detect.Pipeline
	tracker   *sessionctx.Tracker
	matcher   *stream.Matcher
	sink      Sink
	lookup    VerseLookup
	observers []Observer
	metrics   *observe.Metrics

	baseCtx context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	wg      sync.WaitGroup

	mu          sync.Mutex
	closed      bool
	epoch       uint64
	seq         uint64
	buffer      *window.Buffer
	stability   *stream.Stability
	evidence    map[scripture.Key]detect.Detection
	confirmed   map[scripture.Key]bool
	history     []types.ConfirmedDetection
	lastInterim string
	debounce    clock.Timer
	promote     clock.Timer
	pendingSeen int
}

// New returns a running session over p and tr. The tracker is owned by the
// session from here on: Clear resets it.
func New(p *detect.Pipeline, tr *sessionctx.Tracker, opts ...Option) *Session {
	s := &Session{
		cfg:       DefaultConfig(),
		clock:     clock.Real{},
		pipeline:  p,
		tracker:   tr,
		evidence:  make(map[scripture.Key]detect.Detection),
		confirmed: make(map[scripture.Key]bool),
		done:      make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.matcher == nil {
		s.matcher = stream.NewMatcher()
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.tracker == nil {
		s.tracker = sessionctx.New(sessionctx.WithClock(s.clock))
	}
	s.buffer = window.New(s.cfg.Window)
	s.stability = stream.NewStability(s.cfg.StabilityThreshold)
	s.baseCtx, s.cancel = context.WithCancel(observe.WithSession(context.Background(), s.id))

	s.wg.Add(1)
	go s.pruneLoop()
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Tracker returns the session context tracker.
func (s *Session) Tracker() *sessionctx.Tracker { return s.tracker }

// Pipeline returns the detection pipeline.
func (s *Session) Pipeline() *detect.Pipeline { return s.pipeline }

// SetConfig swaps the pipeline configuration for subsequent runs.
func (s *Session) SetConfig(cfg detect.Config) {
	s.pipeline.SetConfig(cfg)
}

func (s *Session) pruneLoop() {
	defer s.wg.Done()
	t := s.clock.NewTicker(s.cfg.PruneInterval)
	defer t.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-t.C():
			s.mu.Lock()
			if !s.closed {
				s.pruneLocked()
			}
			s.mu.Unlock()
		}
	}
}

func (s *Session) pruneLocked() {
	if n := s.stability.Prune(s.clock.Now(), s.cfg.PruneMaxAge); n > 0 {
		slog.Debug("pruned pending candidates", "session", s.id, "count", n)
	}
	s.syncPendingGauge(s.baseCtx)
}

func (s *Session) syncPendingGauge(ctx context.Context) {
	n := s.stability.Len()
	if d := n - s.pendingSeen; d != 0 {
		s.metrics.PendingCandidates.Add(ctx, int64(d))
		s.pendingSeen = n
	}
}

// Push feeds one transcript chunk. Final chunks are processed before Push
// returns; interim chunks are processed after the debounce delay unless a
// newer chunk supersedes them.
func (s *Session) Push(ctx context.Context, chunk types.TranscriptChunk) error {
	ctx = observe.WithSession(ctx, s.id)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if strings.TrimSpace(chunk.Text) == "" {
		s.metrics.RecordChunk(ctx, chunk.IsFinal, outcomeEmpty)
		return nil
	}
	if chunk.Timestamp.IsZero() {
		chunk.Timestamp = s.clock.Now()
	}

	if !chunk.IsFinal && chunk.Text == s.lastInterim {
		s.metrics.RecordChunk(ctx, false, outcomeDuplicate)
		return nil
	}
	s.seq++
	s.stopDebounce()
	if !chunk.IsFinal {
		s.lastInterim = chunk.Text
		s.metrics.RecordChunk(ctx, false, outcomeDebounced)
		epoch, seq := s.epoch, s.seq
		s.debounce = s.clock.AfterFunc(s.cfg.DebounceDelay, func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if s.closed || s.epoch != epoch || s.seq != seq {
				return
			}
			s.debounce = nil
			s.processLocked(s.baseCtx, chunk)
		})
		return nil
	}
	s.lastInterim = ""
	s.processLocked(ctx, chunk)
	return nil
}

func (s *Session) stopDebounce() {
	if s.debounce != nil {
		s.debounce.Stop()
		s.debounce = nil
	}
}

// processLocked runs one chunk through the window, the matchers and the
// pipeline, then confirms whatever has become stable.
func (s *Session) processLocked(ctx context.Context, chunk types.TranscriptChunk) {
	s.buffer.Add(chunk)
	snap := s.buffer.NewText()
	// The minimum only holds back interim revisions. A final chunk is the
	// last chance to see its text, however short.
	if !snap.HasNewContent && (!chunk.IsFinal || snap.New == "") {
		s.metrics.RecordChunk(ctx, chunk.IsFinal, outcomeStale)
		return
	}

	full := normalize.Normalize(snap.Full)
	fresh := normalize.Normalize(snap.New)
	streamed := s.matcher.Feed(fresh)

	if len(streamed) == 0 && !normalize.MightContainReference(full) {
		s.buffer.MarkProcessed()
		s.metrics.RecordChunk(ctx, chunk.IsFinal, outcomeFiltered)
		return
	}

	res := s.pipeline.Run(ctx, detect.Input{Text: full, NewText: fresh, Streamed: streamed})
	s.buffer.MarkProcessed()
	s.metrics.RecordChunk(ctx, chunk.IsFinal, outcomeProcessed)

	now := s.clock.Now()
	var cands []types.Candidate
	for _, d := range res.Detections {
		k := d.Key()
		if s.confirmed[k] || d.Confidence.Level.Rank() < s.cfg.MinConfirmLevel.Rank() {
			continue
		}
		if prev, ok := s.evidence[k]; !ok || detect.Better(d.Candidate, prev.Candidate) || d.FusedScore > prev.FusedScore {
			s.evidence[k] = d
		}
		cands = append(cands, d.Candidate)
	}
	s.stability.Observe(cands, now, !chunk.IsFinal)

	s.confirmStableLocked(ctx, chunk.ID)

	u := Update{SessionID: s.id, ChunkID: chunk.ID, Result: res}
	for _, o := range s.observers {
		o(ctx, u)
	}
}

// confirmStableLocked promotes every stable candidate, drops evidence for
// keys no longer pending and re-arms the promotion timer.
func (s *Session) confirmStableLocked(ctx context.Context, chunkID string) {
	for _, c := range s.stability.Promote(s.clock.Now()) {
		d, ok := s.evidence[c.Key()]
		if !ok {
			d = detect.Detection{Candidate: c, FusedScore: c.Confidence.Score, Sources: []types.Source{c.Source}}
		}
		d.Candidate = c
		s.confirmLocked(ctx, d, chunkID)
	}
	for k := range s.evidence {
		if s.confirmed[k] {
			delete(s.evidence, k)
		}
	}
	s.syncPendingGauge(ctx)
	s.armPromoteLocked()
}

func (s *Session) armPromoteLocked() {
	if s.promote != nil {
		s.promote.Stop()
		s.promote = nil
	}
	at, ok := s.stability.NextDeadline()
	if !ok {
		return
	}
	epoch := s.epoch
	s.promote = s.clock.AfterFunc(max(0, at.Sub(s.clock.Now())), func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed || s.epoch != epoch {
			return
		}
		s.promote = nil
		s.confirmStableLocked(s.baseCtx, "")
	})
}

func (s *Session) confirmLocked(ctx context.Context, d detect.Detection, chunkID string) types.ConfirmedDetection {
	k := d.Key()
	s.confirmed[k] = true
	s.stability.Remove(k)

	cd := types.ConfirmedDetection{
		Reference:   d.Reference,
		OSIS:        d.Reference.OSIS(),
		Source:      d.Source,
		Confidence:  d.Confidence,
		FusedScore:  d.FusedScore,
		Sources:     d.Sources,
		Reason:      d.Reason,
		ChunkID:     chunkID,
		ConfirmedAt: s.clock.Now(),
	}
	cd.VerseText = s.verseText(ctx, d.Reference)
	s.history = append(s.history, cd)

	s.tracker.AddReference(d.Reference)
	s.metrics.RecordDetection(ctx, string(cd.Source), string(cd.Confidence.Level))
	slog.Info("reference confirmed",
		"session", s.id,
		"reference", cd.Reference.String(),
		"source", cd.Source,
		"level", cd.Confidence.Level,
		"fused_score", cd.FusedScore,
	)
	if s.sink != nil {
		s.sink.Emit(ctx, cd)
	}
	return cd
}

func (s *Session) verseText(ctx context.Context, ref scripture.Reference) string {
	if s.lookup == nil {
		return ""
	}
	lctx, cancel := context.WithTimeout(ctx, s.cfg.LookupTimeout)
	defer cancel()
	text, err := s.lookup.Lookup(lctx, ref, s.cfg.Translation)
	if err != nil {
		s.metrics.LookupFailures.Add(ctx, 1)
		slog.Warn("verse lookup failed", "session", s.id, "reference", ref.String(), "err", err)
		return ""
	}
	return text
}

// InjectExternal confirms candidates produced outside the pipeline, such as
// oracle answers. They are tagged source=external and confirmed at once
// when they meet the minimum level and the reference is not yet confirmed.
// It returns what was confirmed.
func (s *Session) InjectExternal(ctx context.Context, cands []types.Candidate) ([]types.ConfirmedDetection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	valid := make([]types.Candidate, 0, len(cands))
	for _, c := range cands {
		if !c.Reference.Valid() {
			slog.Debug("dropping invalid external reference", "session", s.id, "reference", c.Reference.String())
			continue
		}
		c.Source = types.SourceExternal
		if c.Confidence.Level == "" {
			c.Confidence.Level = types.LevelForScore(c.Confidence.Score)
		}
		valid = append(valid, c)
	}

	var out []types.ConfirmedDetection
	for _, d := range detect.Merge(valid, s.cfg.MinConfirmLevel) {
		if s.confirmed[d.Key()] {
			continue
		}
		d.FirstSeenAt = s.clock.Now()
		out = append(out, s.confirmLocked(ctx, d, ""))
		delete(s.evidence, d.Key())
	}
	s.syncPendingGauge(ctx)
	return out, nil
}

// Clear forgets the window, pending candidates, confirmations and session
// context. Timers armed before Clear do nothing when they fire.
func (s *Session) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.epoch++
	s.stopDebounce()
	if s.promote != nil {
		s.promote.Stop()
		s.promote = nil
	}
	s.buffer.Reset()
	s.stability.Reset()
	s.matcher.Reset()
	s.tracker.Reset()
	clear(s.evidence)
	clear(s.confirmed)
	s.history = nil
	s.lastInterim = ""
	s.syncPendingGauge(s.baseCtx)
	slog.Debug("session cleared", "session", s.id)
}

// Confirmed returns every detection confirmed since the last Clear, in
// confirmation order.
func (s *Session) Confirmed() []types.ConfirmedDetection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.ConfirmedDetection(nil), s.history...)
}

// Pending returns the candidates awaiting stability. Stale entries are
// pruned first.
func (s *Session) Pending() []types.Candidate {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked()
	return s.stability.Pending(s.clock.Now())
}

// Close stops the timers and the prune loop. It is safe to call more than
// once.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.stopDebounce()
	if s.promote != nil {
		s.promote.Stop()
		s.promote = nil
	}
	s.stability.Reset()
	s.syncPendingGauge(s.baseCtx)
	s.mu.Unlock()

	close(s.done)
	s.cancel()
	s.wg.Wait()
	return nil
}
