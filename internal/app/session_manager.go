package app

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mavrotechnologies/sermon-flow-app-sub000/internal/clock"
	"github.com/mavrotechnologies/sermon-flow-app-sub000/internal/config"
	"github.com/mavrotechnologies/sermon-flow-app-sub000/internal/detect"
	"github.com/mavrotechnologies/sermon-flow-app-sub000/internal/escalate"
	"github.com/mavrotechnologies/sermon-flow-app-sub000/internal/keyword"
	"github.com/mavrotechnologies/sermon-flow-app-sub000/internal/observe"
	"github.com/mavrotechnologies/sermon-flow-app-sub000/internal/phonetic"
	"github.com/mavrotechnologies/sermon-flow-app-sub000/internal/prefetch"
	"github.com/mavrotechnologies/sermon-flow-app-sub000/internal/semantic"
	"github.com/mavrotechnologies/sermon-flow-app-sub000/internal/session"
	"github.com/mavrotechnologies/sermon-flow-app-sub000/internal/sessionctx"
	"github.com/mavrotechnologies/sermon-flow-app-sub000/internal/stream"
	"github.com/mavrotechnologies/sermon-flow-app-sub000/pkg/provider/llm"
	"github.com/mavrotechnologies/sermon-flow-app-sub000/pkg/types"
)

var (
	// ErrSessionExists is returned by Start when the ID is already live.
	ErrSessionExists = errors.New("app: session already exists")

	// ErrTooManySessions is returned by Start when the session cap is reached.
	ErrTooManySessions = errors.New("app: too many sessions")

	// ErrNoSession is returned when no live session has the given ID.
	ErrNoSession = errors.New("app: no such session")
)

// SessionInfo holds metadata about a live session.
type SessionInfo struct {
	ID         string    `json:"id"`
	StartedAt  time.Time `json:"started_at"`
	Escalation bool      `json:"escalation"`
}

// StartOptions configures one session.
type StartOptions struct {
	// ID names the session. Empty generates a UUID.
	ID string

	// Sink receives confirmed detections. Optional.
	Sink session.Sink

	// Observers see every pipeline result. They run with the session lock
	// held and must not block.
	Observers []session.Observer
}

// SessionManagerConfig holds the dependencies shared by every session.
type SessionManagerConfig struct {
	Session     session.Config
	Pipeline    detect.Config
	Escalation  config.EscalationConfig
	MaxSessions int

	// Scorer backs the cache stage. Required.
	Scorer *keyword.Scorer

	// Semantic backs the semantic stage. Nil leaves the stage without a
	// detector.
	Semantic *semantic.Matcher

	Phonetic *phonetic.Matcher

	// Lookup fills verse text. Prefetch, when set, is used instead and
	// also receives the word matcher's hints.
	Lookup   session.VerseLookup
	Prefetch *prefetch.Cache

	// LLM backs the escalation oracle when escalation is enabled.
	LLM llm.Provider

	Metrics *observe.Metrics
	Clock   clock.Clock
}

type managed struct {
	sess   *session.Session
	oracle *escalate.Oracle
	info   SessionInfo
}

// SessionManager creates and tracks live sessions. Each session gets its
// own pipeline, context tracker, word matcher and escalation oracle; the
// keyword scorer, semantic matcher and verse cache are shared. All exported
// methods are safe for concurrent use.
type SessionManager struct {
	cfg SessionManagerConfig

	mu       sync.Mutex
	pipeline detect.Config
	sessions map[string]*managed
}

// NewSessionManager creates a SessionManager with the given dependencies.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return &SessionManager{
		cfg:      cfg,
		pipeline: cfg.Pipeline,
		sessions: make(map[string]*managed),
	}
}

// Start builds and registers a new session.
func (sm *SessionManager) Start(ctx context.Context, opts StartOptions) (*session.Session, error) {
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()

	if _, ok := sm.sessions[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, id)
	}
	if sm.cfg.MaxSessions > 0 && len(sm.sessions) >= sm.cfg.MaxSessions {
		return nil, fmt.Errorf("%w: limit %d", ErrTooManySessions, sm.cfg.MaxSessions)
	}

	tracker := sessionctx.New(sessionctx.WithClock(sm.cfg.Clock))
	pipeline := sm.newPipeline(tracker)

	var matcherOpts []stream.Option
	if sm.cfg.Phonetic != nil {
		matcherOpts = append(matcherOpts, stream.WithPhonetic(sm.cfg.Phonetic))
	}
	var lookup session.VerseLookup = sm.cfg.Lookup
	if sm.cfg.Prefetch != nil {
		matcherOpts = append(matcherOpts, stream.WithPrefetch(sm.cfg.Prefetch.Hint))
		lookup = sm.cfg.Prefetch
	}

	sessOpts := []session.Option{
		session.WithID(id),
		session.WithClock(sm.cfg.Clock),
		session.WithConfig(sm.cfg.Session),
		session.WithMetrics(sm.cfg.Metrics),
		session.WithStreamMatcher(stream.NewMatcher(matcherOpts...)),
	}
	if lookup != nil {
		sessOpts = append(sessOpts, session.WithLookup(lookup))
	}
	if opts.Sink != nil {
		sessOpts = append(sessOpts, session.WithSink(opts.Sink))
	}
	for _, o := range opts.Observers {
		sessOpts = append(sessOpts, session.WithObserver(o))
	}

	// The oracle observer needs the session it injects into, which does not
	// exist yet; ref is filled in before the first Push can reach it.
	var oracle *escalate.Oracle
	ref := &sessionRef{}
	if sm.cfg.Escalation.Enabled && sm.cfg.LLM != nil {
		oracle = escalate.New(sm.cfg.LLM,
			escalate.WithConfig(sm.cfg.Escalation.Oracle),
			escalate.WithClock(sm.cfg.Clock),
			escalate.WithMetrics(sm.cfg.Metrics),
		)
		sessOpts = append(sessOpts, session.WithObserver(oracle.Observer(ref)))
	}

	sess := session.New(pipeline, tracker, sessOpts...)
	ref.s = sess

	m := &managed{
		sess:   sess,
		oracle: oracle,
		info: SessionInfo{
			ID:         id,
			StartedAt:  sm.cfg.Clock.Now().UTC(),
			Escalation: oracle != nil,
		},
	}
	sm.sessions[id] = m
	sm.cfg.Metrics.ActiveSessions.Add(ctx, 1)

	slog.Info("session started",
		"session_id", id,
		"escalation", oracle != nil,
		"semantic", sm.cfg.Semantic != nil,
		"active", len(sm.sessions),
	)
	return sess, nil
}

func (sm *SessionManager) newPipeline(tracker *sessionctx.Tracker) *detect.Pipeline {
	opts := []detect.Option{
		detect.WithConfig(sm.pipeline),
		detect.WithContextHint(tracker.ContextHint),
		detect.WithMetrics(sm.cfg.Metrics),
		detect.WithDetector(detect.StageContext, detect.Context(tracker)),
	}
	if sm.cfg.Scorer != nil {
		opts = append(opts, detect.WithDetector(detect.StageCache, detect.Keyword(sm.cfg.Scorer)))
	}
	if sm.cfg.Semantic != nil {
		opts = append(opts, detect.WithDetector(detect.StageSemantic, detect.Semantic(sm.cfg.Semantic)))
	}
	return detect.New(opts...)
}

// Stop closes and unregisters the session. In-flight escalations are
// cancelled.
func (sm *SessionManager) Stop(id string) error {
	sm.mu.Lock()
	m, ok := sm.sessions[id]
	if ok {
		delete(sm.sessions, id)
	}
	sm.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSession, id)
	}

	sm.close(m)
	slog.Info("session stopped",
		"session_id", id,
		"confirmed", len(m.sess.Confirmed()),
		"duration", sm.cfg.Clock.Now().Sub(m.info.StartedAt).Round(time.Second),
	)
	return nil
}

func (sm *SessionManager) close(m *managed) {
	if m.oracle != nil {
		_ = m.oracle.Close()
	}
	if err := m.sess.Close(); err != nil {
		slog.Warn("session: close error", "session_id", m.info.ID, "err", err)
	}
	sm.cfg.Metrics.ActiveSessions.Add(context.Background(), -1)
}

// StopAll closes every live session.
func (sm *SessionManager) StopAll() {
	sm.mu.Lock()
	all := make([]*managed, 0, len(sm.sessions))
	for id, m := range sm.sessions {
		all = append(all, m)
		delete(sm.sessions, id)
	}
	sm.mu.Unlock()

	for _, m := range all {
		sm.close(m)
	}
	if len(all) > 0 {
		slog.Info("stopped all sessions", "count", len(all))
	}
}

// Settle waits until candidates observed so far have had time to become
// stable (plus one debounce delay for a trailing interim) and any
// escalation in flight has answered. It is used when input
// ends, before reading the final detections.
func (sm *SessionManager) Settle(ctx context.Context, id string) error {
	sm.mu.Lock()
	m, ok := sm.sessions[id]
	sm.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSession, id)
	}

	scfg := sm.cfg.Session.WithDefaults()
	if err := sm.sleep(ctx, scfg.StabilityThreshold+scfg.DebounceDelay); err != nil {
		return err
	}
	if m.oracle == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		m.oracle.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (sm *SessionManager) sleep(ctx context.Context, d time.Duration) error {
	fired := make(chan struct{})
	t := sm.cfg.Clock.AfterFunc(d, func() { close(fired) })
	select {
	case <-fired:
		return nil
	case <-ctx.Done():
		t.Stop()
		return ctx.Err()
	}
}

// Get returns the live session with the given ID.
func (sm *SessionManager) Get(id string) (*session.Session, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	m, ok := sm.sessions[id]
	if !ok {
		return nil, false
	}
	return m.sess, true
}

// List returns metadata for every live session, oldest first.
func (sm *SessionManager) List() []SessionInfo {
	sm.mu.Lock()
	out := make([]SessionInfo, 0, len(sm.sessions))
	for _, m := range sm.sessions {
		out = append(out, m.info)
	}
	sm.mu.Unlock()
	slices.SortFunc(out, func(a, b SessionInfo) int {
		if c := a.StartedAt.Compare(b.StartedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

// Len returns the number of live sessions.
func (sm *SessionManager) Len() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return len(sm.sessions)
}

// PipelineConfig returns the configuration new sessions start with.
func (sm *SessionManager) PipelineConfig() detect.Config {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.pipeline
}

// SetPipelineConfig swaps cfg into every live session and into sessions
// started later.
func (sm *SessionManager) SetPipelineConfig(cfg detect.Config) {
	sm.mu.Lock()
	sm.pipeline = cfg
	live := make([]*session.Session, 0, len(sm.sessions))
	for _, m := range sm.sessions {
		live = append(live, m.sess)
	}
	sm.mu.Unlock()

	for _, s := range live {
		s.SetConfig(cfg)
	}
	slog.Info("pipeline config applied", "sessions", len(live), "escalation", cfg.Escalation)
}

// sessionRef lets the oracle inject into a session created after it.
type sessionRef struct {
	s *session.Session
}

func (r *sessionRef) InjectExternal(ctx context.Context, cands []types.Candidate) ([]types.ConfirmedDetection, error) {
	if r.s == nil {
		return nil, session.ErrClosed
	}
	return r.s.InjectExternal(ctx, cands)
}
