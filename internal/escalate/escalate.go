// Package escalate asks a language model to identify passages the
// detection pipeline could only guess at. It runs beside a session: the
// session reports every pipeline result to [Oracle.Observer], escalated
// windows are sent to the model in the background, and the answers come
// back through [Injector.InjectExternal] tagged source=external.
//
// One Oracle serves one session. At most one request is in flight and
// requests are spaced by a cooldown; escalations arriving while busy or
// cooling down are dropped, since the next window will carry the same text.
package escalate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mavrotechnologies/sermon-flow-app-sub000/internal/clock"
	"github.com/mavrotechnologies/sermon-flow-app-sub000/internal/observe"
	"github.com/mavrotechnologies/sermon-flow-app-sub000/internal/session"
	"github.com/mavrotechnologies/sermon-flow-app-sub000/pkg/provider/llm"
	"github.com/mavrotechnologies/sermon-flow-app-sub000/pkg/scripture"
	"github.com/mavrotechnologies/sermon-flow-app-sub000/pkg/types"
)

// ErrBadResponse is returned when the model's reply cannot be parsed.
var ErrBadResponse = errors.New("escalate: unparseable model response")

const systemPrompt = `You identify Bible passages quoted, paraphrased or alluded to in a live sermon transcript.
Reply with JSON only, in the form {"references":[{"reference":"John 3:16","confidence":0.9}]}.
Use full English book names and chapter:verse notation. Give verse ranges as "Romans 8:28-30".
Only list passages you are confident about. Reply {"references":[]} when there are none.`

// Config tunes the oracle.
type Config struct {
	// Timeout bounds one model call. Default: 8s.
	Timeout time.Duration `yaml:"timeout"`

	// Cooldown is the minimum gap between two calls. Default: 5s.
	Cooldown time.Duration `yaml:"cooldown"`

	// MaxTokens caps the reply. Default: 256.
	MaxTokens int `yaml:"max_tokens"`

	// Temperature for the completion. Default: 0.
	Temperature float64 `yaml:"temperature"`

	// DefaultConfidence is the score given to answers without one.
	// Default: 0.8.
	DefaultConfidence float64 `yaml:"default_confidence"`
}

// DefaultConfig returns the defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:           8 * time.Second,
		Cooldown:          5 * time.Second,
		MaxTokens:         256,
		DefaultConfidence: 0.8,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.Cooldown < 0 {
		c.Cooldown = 0
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = d.MaxTokens
	}
	if c.DefaultConfidence <= 0 || c.DefaultConfidence > 1 {
		c.DefaultConfidence = d.DefaultConfidence
	}
	return c
}

// Injector receives the oracle's answers. [session.Session] implements it.
type Injector interface {
	InjectExternal(ctx context.Context, cands []types.Candidate) ([]types.ConfirmedDetection, error)
}

var _ Injector = (*session.Session)(nil)

// Option is a functional option for [New].
type Option func(*Oracle)

// WithConfig replaces the defaults.
func WithConfig(cfg Config) Option {
	return func(o *Oracle) { o.cfg = cfg.withDefaults() }
}

// WithClock replaces the wall clock used for the cooldown.
func WithClock(c clock.Clock) Option {
	return func(o *Oracle) { o.clock = c }
}

// WithMetrics replaces the default instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Oracle) { o.metrics = m }
}

// Oracle is safe for concurrent use.
type Oracle struct {
	provider llm.Provider
	cfg      Config
	clock    clock.Clock
	metrics  *observe.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	busy     bool
	lastCall time.Time
	lastText string
}

// New returns an oracle backed by p.
func New(p llm.Provider, opts ...Option) *Oracle {
	o := &Oracle{
		provider: p,
		cfg:      DefaultConfig(),
		clock:    clock.Real{},
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}
	o.ctx, o.cancel = context.WithCancel(context.Background())
	return o
}

// Ask sends one transcript window to the model and returns its answers as
// external candidates. hint is the session context summary and may be
// empty.
func (o *Oracle) Ask(ctx context.Context, text, hint string) ([]types.Candidate, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.Timeout)
	defer cancel()
	ctx, span := observe.StartSpan(ctx, "escalate.ask")
	defer span.End()

	user := "Transcript:\n" + text
	if hint != "" {
		user = "Context: " + hint + "\n\n" + user
	}
	start := time.Now()
	resp, err := o.provider.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: systemPrompt,
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: user}},
		Temperature:  o.cfg.Temperature,
		MaxTokens:    o.cfg.MaxTokens,
	})
	o.metrics.EscalationDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		o.metrics.RecordProviderRequest(ctx, o.provider.ModelID(), "llm", "error")
		return nil, fmt.Errorf("escalate: complete: %w", err)
	}
	o.metrics.RecordProviderRequest(ctx, o.provider.ModelID(), "llm", "ok")
	if resp == nil {
		return nil, fmt.Errorf("escalate: complete: %w", ErrBadResponse)
	}
	return ParseResponse(resp.Content, o.cfg.DefaultConfidence)
}

// Observer returns a session observer that escalates in the background and
// injects the answers into inj. It never blocks the session.
func (o *Oracle) Observer(inj Injector) session.Observer {
	return func(_ context.Context, u session.Update) {
		if !u.Result.ShouldCallGPT {
			return
		}
		if !o.acquire(u.Result.Text) {
			return
		}
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			defer o.release()
			o.escalate(inj, u)
		}()
	}
}

func (o *Oracle) acquire(text string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.ctx.Err() != nil || o.busy || text == o.lastText {
		return false
	}
	now := o.clock.Now()
	if !o.lastCall.IsZero() && now.Sub(o.lastCall) < o.cfg.Cooldown {
		return false
	}
	o.busy = true
	o.lastCall = now
	o.lastText = text
	return true
}

func (o *Oracle) release() {
	o.mu.Lock()
	o.busy = false
	o.mu.Unlock()
}

func (o *Oracle) escalate(inj Injector, u session.Update) {
	cands, err := o.Ask(o.ctx, u.Result.Text, u.Result.GPTContext)
	if err != nil {
		slog.Warn("escalation failed", "session", u.SessionID, "reason", u.Result.EscalationReason, "err", err)
		return
	}
	if len(cands) == 0 {
		slog.Debug("escalation found nothing", "session", u.SessionID)
		return
	}
	confirmed, err := inj.InjectExternal(o.ctx, cands)
	if err != nil {
		if !errors.Is(err, session.ErrClosed) {
			slog.Warn("inject escalation result", "session", u.SessionID, "err", err)
		}
		return
	}
	slog.Info("escalation answered",
		"session", u.SessionID,
		"reason", u.Result.EscalationReason,
		"proposed", len(cands),
		"confirmed", len(confirmed),
	)
}

// Wait blocks until in-flight escalations have finished.
func (o *Oracle) Wait() {
	o.wg.Wait()
}

// Close cancels in-flight escalations and waits for them.
func (o *Oracle) Close() error {
	o.cancel()
	o.wg.Wait()
	return nil
}

type answer struct {
	Reference  string   `json:"reference"`
	Confidence *float64 `json:"confidence,omitempty"`
}

// ParseResponse reads a model reply. It accepts {"references":[...]} whose
// items are either reference strings or {"reference","confidence"}
// objects, optionally wrapped in a Markdown code fence. Items that do not
// parse as a valid reference are skipped.
func ParseResponse(content string, defaultConfidence float64) ([]types.Candidate, error) {
	body := strings.TrimSpace(content)
	body = strings.TrimPrefix(body, "```json")
	body = strings.TrimPrefix(body, "```")
	body = strings.TrimSuffix(body, "```")
	if i, j := strings.Index(body, "{"), strings.LastIndex(body, "}"); i >= 0 && j > i {
		body = body[i : j+1]
	}

	var reply struct {
		References []json.RawMessage `json:"references"`
	}
	if err := json.Unmarshal([]byte(body), &reply); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}

	var out []types.Candidate
	seen := make(map[scripture.Key]bool)
	for _, raw := range reply.References {
		var a answer
		if err := json.Unmarshal(raw, &a.Reference); err != nil {
			if err := json.Unmarshal(raw, &a); err != nil {
				continue
			}
		}
		ref, err := scripture.ParseReference(a.Reference)
		if err != nil || !ref.Valid() || seen[ref.Key()] {
			continue
		}
		seen[ref.Key()] = true
		score := defaultConfidence
		if a.Confidence != nil {
			score = min(max(*a.Confidence, 0), 1)
		}
		out = append(out, types.Candidate{
			Reference:  ref,
			Source:     types.SourceExternal,
			Confidence: types.Confidence{Score: score, Level: types.LevelForScore(score)},
			Reason:     "language model",
		})
	}
	return out, nil
}
