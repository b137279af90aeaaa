// Package mock provides a test double for the embeddings.Provider interface.
//
// Set EmbedFunc for per-text vectors (the semantic matcher tests map each
// passage to its own axis); otherwise EmbedResult is returned for every text.
//
//	p := &mock.Provider{
//	    EmbedFunc: func(text string) []float32 { return axis[text] },
//	    DimensionsValue: 4,
//	}
package mock

import (
	"context"
	"slices"
	"sync"

	"github.com/mavrotechnologies/sermon-flow-app-sub000/pkg/provider/embeddings"
)

// EmbedCall records a single invocation of Embed.
type EmbedCall struct {
	Ctx  context.Context
	Text string
}

// EmbedBatchCall records a single invocation of EmbedBatch.
type EmbedBatchCall struct {
	Ctx   context.Context
	Texts []string
}

// Provider is a mock implementation of embeddings.Provider.
type Provider struct {
	mu sync.Mutex

	// EmbedFunc, if set, computes the vector for each text in Embed and
	// EmbedBatch. It takes precedence over EmbedResult and EmbedBatchResult.
	EmbedFunc func(text string) []float32

	// EmbedResult is returned by Embed when EmbedFunc is nil.
	EmbedResult []float32

	// EmbedErr, if non-nil, is returned as the error from Embed.
	EmbedErr error

	// EmbedBatchResult is returned by EmbedBatch when EmbedFunc is nil. If nil,
	// one nil vector per input is returned.
	EmbedBatchResult [][]float32

	// EmbedBatchErr, if non-nil, is returned as the error from EmbedBatch.
	EmbedBatchErr error

	// PanicValue, if non-nil, makes Embed and EmbedBatch panic with it.
	PanicValue any

	DimensionsValue int
	ModelIDValue    string

	EmbedCalls      []EmbedCall
	EmbedBatchCalls []EmbedBatchCall
}

var _ embeddings.Provider = (*Provider)(nil)

// Embed records the call and returns the configured vector.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	p.mu.Lock()
	p.EmbedCalls = append(p.EmbedCalls, EmbedCall{Ctx: ctx, Text: text})
	fn, res, err, pv := p.EmbedFunc, p.EmbedResult, p.EmbedErr, p.PanicValue
	p.mu.Unlock()

	if pv != nil {
		panic(pv)
	}
	if err != nil {
		return nil, err
	}
	if fn != nil {
		return fn(text), nil
	}
	return slices.Clone(res), nil
}

// EmbedBatch records the call and returns the configured vectors.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	p.mu.Lock()
	p.EmbedBatchCalls = append(p.EmbedBatchCalls, EmbedBatchCall{Ctx: ctx, Texts: slices.Clone(texts)})
	fn, res, err, pv := p.EmbedFunc, p.EmbedBatchResult, p.EmbedBatchErr, p.PanicValue
	p.mu.Unlock()

	if pv != nil {
		panic(pv)
	}
	if err != nil {
		return nil, err
	}
	if fn != nil {
		out := make([][]float32, len(texts))
		for i, t := range texts {
			out[i] = fn(t)
		}
		return out, nil
	}
	if res != nil {
		return res, nil
	}
	return make([][]float32, len(texts)), nil
}

// Dimensions returns DimensionsValue.
func (p *Provider) Dimensions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.DimensionsValue
}

// ModelID returns ModelIDValue, or "mock" when unset.
func (p *Provider) ModelID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ModelIDValue == "" {
		return "mock"
	}
	return p.ModelIDValue
}

// Calls returns the number of Embed and EmbedBatch calls so far.
func (p *Provider) Calls() (embed, batch int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.EmbedCalls), len(p.EmbedBatchCalls)
}

// Reset clears all recorded calls.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.EmbedCalls = nil
	p.EmbedBatchCalls = nil
}
