package lexical_test

import (
	"context"
	"math"
	"slices"
	"testing"

	"github.com/mavrotechnologies/sermon-flow-app-sub000/pkg/provider/embeddings"
	"github.com/mavrotechnologies/sermon-flow-app-sub000/pkg/provider/embeddings/lexical"
)

func TestEmbed_UnitLengthAndDeterministic(t *testing.T) {
	t.Parallel()

	p := lexical.New(lexical.WithDimensions(256))
	if p.Dimensions() != 256 {
		t.Fatalf("Dimensions = %d, want 256", p.Dimensions())
	}
	a, err := p.Embed(context.Background(), "For God so loved the world")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	b, _ := p.Embed(context.Background(), "For God so loved the world")
	if !slices.Equal(a, b) {
		t.Error("Embed is not deterministic")
	}
	if n := embeddings.Dot(a, a); math.Abs(n-1) > 1e-5 {
		t.Errorf("|v|^2 = %v, want 1", n)
	}
}

func TestEmbed_ParaphraseCloserThanUnrelated(t *testing.T) {
	t.Parallel()

	p := lexical.New()
	ctx := context.Background()
	passage, _ := p.Embed(ctx, "For God so loved the world, that he gave his only begotten Son")
	para, _ := p.Embed(ctx, "god loved the world so much he gave his only son")
	other, _ := p.Embed(ctx, "the weather this morning was cold and rainy")

	near, far := embeddings.Dot(passage, para), embeddings.Dot(passage, other)
	if near <= far {
		t.Errorf("paraphrase similarity %v not above unrelated %v", near, far)
	}
	if near < 0.5 {
		t.Errorf("paraphrase similarity %v, want at least 0.5", near)
	}
}

func TestEmbedBatch(t *testing.T) {
	t.Parallel()

	p := lexical.New()
	got, err := p.EmbedBatch(context.Background(), []string{"grace", "faith"})
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if len(got) != 2 || len(got[0]) != lexical.DefaultDimensions {
		t.Fatalf("EmbedBatch shape = %d x %d", len(got), len(got[0]))
	}
	if empty, _ := p.EmbedBatch(context.Background(), nil); empty != nil {
		t.Errorf("EmbedBatch(nil) = %v, want nil", empty)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.EmbedBatch(ctx, []string{"x"}); err == nil {
		t.Error("EmbedBatch with cancelled context succeeded")
	}
}

func TestTokens(t *testing.T) {
	t.Parallel()

	got := lexical.Tokens("Whosoever believeth in him shall not perish")
	want := []string{"whosoever", "believ", "him", "perish"}
	if !slices.Equal(got, want) {
		t.Errorf("Tokens = %q, want %q", got, want)
	}
}
