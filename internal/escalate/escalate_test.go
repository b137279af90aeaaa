package escalate_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mavrotechnologies/sermon-flow-app-sub000/internal/clock"
	"github.com/mavrotechnologies/sermon-flow-app-sub000/internal/detect"
	"github.com/mavrotechnologies/sermon-flow-app-sub000/internal/escalate"
	"github.com/mavrotechnologies/sermon-flow-app-sub000/internal/session"
	"github.com/mavrotechnologies/sermon-flow-app-sub000/pkg/provider/llm"
	"github.com/mavrotechnologies/sermon-flow-app-sub000/pkg/provider/llm/mock"
	"github.com/mavrotechnologies/sermon-flow-app-sub000/pkg/scripture"
	"github.com/mavrotechnologies/sermon-flow-app-sub000/pkg/types"
)

func ref(book string, ch, v int) scripture.Reference {
	return scripture.Reference{Book: book, Chapter: ch, VerseStart: v}
}

type recorder struct {
	mu  sync.Mutex
	got [][]types.Candidate
}

func (r *recorder) InjectExternal(_ context.Context, cands []types.Candidate) ([]types.ConfirmedDetection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, cands)
	return nil, nil
}

func (r *recorder) calls() [][]types.Candidate {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]types.Candidate(nil), r.got...)
}

func escalated(text string) session.Update {
	return session.Update{
		SessionID: "s1",
		Result: detect.Result{
			Text:             text,
			ShouldCallGPT:    true,
			EscalationReason: detect.ReasonVocabulary,
			GPTContext:       "recently referenced: Romans",
		},
	}
}

func TestParseResponse(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
		want    []scripture.Reference
		level   types.Level
	}{
		{"strings", `{"references":["John 3:16","Psalm 23:1"]}`, []scripture.Reference{ref("John", 3, 16), ref("Psalms", 23, 1)}, types.LevelHigh},
		{"objects", `{"references":[{"reference":"Romans 8:28","confidence":0.6}]}`, []scripture.Reference{ref("Romans", 8, 28)}, types.LevelMedium},
		{"fenced", "```json\n{\"references\":[\"John 3:16\"]}\n```", []scripture.Reference{ref("John", 3, 16)}, types.LevelHigh},
		{"prose around", `Sure! {"references":["John 3:16"]} Hope that helps.`, []scripture.Reference{ref("John", 3, 16)}, types.LevelHigh},
		{"invalid skipped", `{"references":["Hezekiah 4:1","John 3:16","John 3:16"]}`, []scripture.Reference{ref("John", 3, 16)}, types.LevelHigh},
		{"empty", `{"references":[]}`, nil, ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := escalate.ParseResponse(tc.content, 0.8)
			if err != nil {
				t.Fatalf("ParseResponse: %v", err)
			}
			if len(got) != len(tc.want) {
				t.Fatalf("got %+v, want %v", got, tc.want)
			}
			for i, c := range got {
				if c.Reference != tc.want[i] {
					t.Errorf("[%d] = %s, want %s", i, c.Reference, tc.want[i])
				}
				if c.Source != types.SourceExternal || c.Confidence.Level != tc.level {
					t.Errorf("[%d] source/level = %s/%s", i, c.Source, c.Confidence.Level)
				}
			}
		})
	}
}

func TestParseResponse_Garbage(t *testing.T) {
	t.Parallel()

	if _, err := escalate.ParseResponse("I think it is John 3:16", 0.8); !errors.Is(err, escalate.ErrBadResponse) {
		t.Errorf("err = %v, want ErrBadResponse", err)
	}
}

func TestAsk_PromptCarriesContext(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{CompleteResponse: &llm.CompletionResponse{Content: `{"references":["John 3:16"]}`}}
	o := escalate.New(p)
	defer o.Close()

	got, err := o.Ask(context.Background(), "for God so loved the world", "recently referenced: John")
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if len(got) != 1 || got[0].Reference != ref("John", 3, 16) {
		t.Fatalf("Ask = %+v", got)
	}
	req := p.CompleteCalls[0].Req
	if req.SystemPrompt == "" || len(req.Messages) != 1 {
		t.Fatalf("request = %+v", req)
	}
	msg := req.Messages[0].Content
	if !strings.Contains(msg, "recently referenced: John") || !strings.Contains(msg, "for God so loved the world") {
		t.Errorf("user message = %q", msg)
	}
}

func TestAsk_ProviderError(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{CompleteErr: errors.New("rate limited")}
	o := escalate.New(p)
	defer o.Close()
	if _, err := o.Ask(context.Background(), "text", ""); err == nil {
		t.Fatal("Ask succeeded with a failing provider")
	}
}

func TestObserver_InjectsAnswers(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{CompleteResponse: &llm.CompletionResponse{Content: `{"references":["Romans 8:28"]}`}}
	o := escalate.New(p)
	defer o.Close()
	inj := &recorder{}
	obs := o.Observer(inj)

	obs(context.Background(), session.Update{Result: detect.Result{Text: "no escalation"}})
	obs(context.Background(), escalated("all things work together for good"))
	o.Wait()

	if p.Calls() != 1 {
		t.Fatalf("model called %d times, want 1", p.Calls())
	}
	calls := inj.calls()
	if len(calls) != 1 || len(calls[0]) != 1 || calls[0][0].Reference != ref("Romans", 8, 28) {
		t.Errorf("injected = %+v", calls)
	}
}

func TestObserver_CooldownAndDuplicateText(t *testing.T) {
	t.Parallel()

	clk := clock.NewFake(time.Now())
	p := &mock.Provider{CompleteResponse: &llm.CompletionResponse{Content: `{"references":[]}`}}
	o := escalate.New(p, escalate.WithClock(clk), escalate.WithConfig(escalate.Config{Cooldown: 5 * time.Second}))
	defer o.Close()
	obs := o.Observer(&recorder{})

	obs(context.Background(), escalated("grace upon grace"))
	o.Wait()
	obs(context.Background(), escalated("the gospel of peace"))
	o.Wait()
	if p.Calls() != 1 {
		t.Fatalf("model called %d times inside the cooldown, want 1", p.Calls())
	}

	clk.Advance(5 * time.Second)
	obs(context.Background(), escalated("grace upon grace"))
	o.Wait()
	if p.Calls() != 1 {
		t.Fatalf("identical window escalated again")
	}
	obs(context.Background(), escalated("the gospel of peace"))
	o.Wait()
	if p.Calls() != 2 {
		t.Errorf("model called %d times, want 2", p.Calls())
	}
}

func TestObserver_EndToEndThroughSession(t *testing.T) {
	t.Parallel()

	var (
		mu  sync.Mutex
		got []types.ConfirmedDetection
	)
	p := &mock.Provider{CompleteResponse: &llm.CompletionResponse{Content: `{"references":[{"reference":"Philippians 4:13","confidence":0.9}]}`}}
	o := escalate.New(p)
	defer o.Close()

	cfg := detect.DefaultConfig()
	cfg.Escalation = detect.PolicyAlways
	pipe := detect.New(detect.WithConfig(cfg))
	var s *session.Session
	s = session.New(pipe, nil,
		session.WithClock(clock.NewFake(time.Now())),
		session.WithSink(session.SinkFunc(func(_ context.Context, d types.ConfirmedDetection) {
			mu.Lock()
			got = append(got, d)
			mu.Unlock()
		})),
		session.WithObserver(func(ctx context.Context, u session.Update) {
			o.Observer(s)(ctx, u)
		}),
	)
	defer s.Close()

	err := s.Push(context.Background(), types.TranscriptChunk{Text: "the apostle says I can do all things through him", IsFinal: true})
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	o.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0].Reference != ref("Philippians", 4, 13) || got[0].Source != types.SourceExternal {
		t.Errorf("confirmed = %+v, want external Philippians 4:13", got)
	}
}
