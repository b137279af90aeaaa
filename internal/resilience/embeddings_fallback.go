package resilience

import (
	"context"

	"github.com/mavrotechnologies/sermon-flow-app-sub000/pkg/provider/embeddings"
)

// EmbeddingsFallback implements [embeddings.Provider] with failover. Every
// entry must produce vectors in the same space as the primary, for example
// a background worker pool and the provider it wraps.
type EmbeddingsFallback struct {
	group *FallbackGroup[embeddings.Provider]
}

var _ embeddings.Provider = (*EmbeddingsFallback)(nil)

// NewEmbeddingsFallback creates an [EmbeddingsFallback] with primary as the
// preferred provider.
func NewEmbeddingsFallback(primary embeddings.Provider, primaryName string, cfg FallbackConfig) *EmbeddingsFallback {
	return &EmbeddingsFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers another provider.
func (f *EmbeddingsFallback) AddFallback(name string, p embeddings.Provider) {
	f.group.AddFallback(name, p)
}

// Embed implements embeddings.Provider.
func (f *EmbeddingsFallback) Embed(ctx context.Context, text string) ([]float32, error) {
	return ExecuteWithResult(ctx, f.group, func(p embeddings.Provider) ([]float32, error) {
		return p.Embed(ctx, text)
	})
}

// EmbedBatch implements embeddings.Provider.
func (f *EmbeddingsFallback) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return ExecuteWithResult(ctx, f.group, func(p embeddings.Provider) ([][]float32, error) {
		return p.EmbedBatch(ctx, texts)
	})
}

// Dimensions returns the primary's dimensions.
func (f *EmbeddingsFallback) Dimensions() int {
	return f.group.Primary().Dimensions()
}

// ModelID returns the primary's model.
func (f *EmbeddingsFallback) ModelID() string {
	return f.group.Primary().ModelID()
}

// States reports each provider's breaker state.
func (f *EmbeddingsFallback) States() map[string]State {
	return f.group.States()
}
