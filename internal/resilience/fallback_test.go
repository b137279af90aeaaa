package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	embmock "github.com/mavrotechnologies/sermon-flow-app-sub000/pkg/provider/embeddings/mock"
	"github.com/mavrotechnologies/sermon-flow-app-sub000/pkg/provider/llm"
	llmmock "github.com/mavrotechnologies/sermon-flow-app-sub000/pkg/provider/llm/mock"
)

func group() *FallbackGroup[string] {
	fg := NewFallbackGroup("primary", "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour},
	})
	fg.AddFallback("secondary", "secondary")
	return fg
}

func TestFallbackGroup_Order(t *testing.T) {
	t.Parallel()

	fg := group()
	got, err := ExecuteWithResult(context.Background(), fg, func(v string) (string, error) { return v, nil })
	if err != nil || got != "primary" {
		t.Fatalf("got %q, %v; want primary", got, err)
	}

	got, err = ExecuteWithResult(context.Background(), fg, func(v string) (string, error) {
		if v == "primary" {
			return "", errTest
		}
		return v, nil
	})
	if err != nil || got != "secondary" {
		t.Fatalf("got %q, %v; want secondary", got, err)
	}
}

func TestFallbackGroup_AllFail(t *testing.T) {
	t.Parallel()

	err := group().Execute(context.Background(), func(string) error { return errTest })
	if !errors.Is(err, ErrAllFailed) || !errors.Is(err, errTest) {
		t.Fatalf("err = %v, want ErrAllFailed wrapping the last error", err)
	}
}

func TestFallbackGroup_SkipsOpenBreaker(t *testing.T) {
	t.Parallel()

	fg := group()
	for range 2 {
		_ = fg.Execute(context.Background(), func(v string) error {
			if v == "primary" {
				return errTest
			}
			return nil
		})
	}
	if fg.States()["primary"] != StateOpen {
		t.Fatalf("states = %v, want primary open", fg.States())
	}

	var called []string
	_ = fg.Execute(context.Background(), func(v string) error {
		called = append(called, v)
		return nil
	})
	if len(called) != 1 || called[0] != "secondary" {
		t.Errorf("called = %v, want only secondary", called)
	}
}

func TestFallbackGroup_StopsOnCancelledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	var called []string
	err := group().Execute(ctx, func(v string) error {
		called = append(called, v)
		cancel()
		return ctx.Err()
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if len(called) != 1 {
		t.Errorf("called = %v, want the primary only", called)
	}
}

func TestEmbeddingsFallback(t *testing.T) {
	t.Parallel()

	primary := &embmock.Provider{EmbedErr: errTest, DimensionsValue: 3, ModelIDValue: "workers"}
	backup := &embmock.Provider{EmbedResult: []float32{1, 0, 0}, DimensionsValue: 3}
	f := NewEmbeddingsFallback(primary, "background", FallbackConfig{})
	f.AddFallback("sync", backup)

	vec, err := f.Embed(context.Background(), "grace")
	if err != nil || len(vec) != 3 {
		t.Fatalf("Embed = %v, %v", vec, err)
	}
	if e, _ := backup.Calls(); e != 1 {
		t.Errorf("backup Embed calls = %d, want 1", e)
	}
	if f.ModelID() != "workers" || f.Dimensions() != 3 {
		t.Errorf("metadata = %s/%d, want the primary's", f.ModelID(), f.Dimensions())
	}
}

func TestLLMFallback(t *testing.T) {
	t.Parallel()

	primary := &llmmock.Provider{CompleteErr: errTest, ModelIDValue: "gpt-4o-mini"}
	backup := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "ok"}}
	f := NewLLMFallback(primary, "openai", FallbackConfig{})
	f.AddFallback("ollama", backup)

	resp, err := f.Complete(context.Background(), llm.CompletionRequest{Messages: []llm.Message{{Role: llm.RoleUser, Content: "x"}}})
	if err != nil || resp.Content != "ok" {
		t.Fatalf("Complete = %+v, %v", resp, err)
	}
	if f.ModelID() != "gpt-4o-mini" {
		t.Errorf("ModelID = %q", f.ModelID())
	}
}
