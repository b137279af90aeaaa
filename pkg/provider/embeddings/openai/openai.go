// Package openai embeds passages and transcript windows through the OpenAI
// embeddings endpoint or any server that speaks the same API (vLLM,
// llama.cpp server, LM Studio) via [WithBaseURL].
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/mavrotechnologies/sermon-flow-app-sub000/pkg/provider/embeddings"
)

const (
	// DefaultModel is used when New receives an empty model name.
	DefaultModel = oai.EmbeddingModelTextEmbedding3Small

	// DefaultMaxBatch is the OpenAI limit on inputs per request. Larger
	// batches, such as a full Bible warm-up, are split.
	DefaultMaxBatch = 2048
)

var _ embeddings.Provider = (*Provider)(nil)

// Provider implements [embeddings.Provider].
type Provider struct {
	client   oai.Client
	model    string
	dims     int
	maxBatch int
}

type settings struct {
	baseURL      string
	organization string
	timeout      time.Duration
	dimensions   int
	maxBatch     int
}

// Option is a functional option for [New].
type Option func(*settings)

// WithBaseURL points the client at an OpenAI-compatible server. Local
// servers may then run without an API key.
func WithBaseURL(url string) Option {
	return func(s *settings) { s.baseURL = url }
}

// WithOrganization sets the OpenAI organization header.
func WithOrganization(org string) Option {
	return func(s *settings) { s.organization = org }
}

// WithTimeout bounds each HTTP request.
func WithTimeout(d time.Duration) Option {
	return func(s *settings) { s.timeout = d }
}

// WithDimensions requests shortened vectors. Only the text-embedding-3
// models honour it; the vector column of a persisted index must match.
func WithDimensions(n int) Option {
	return func(s *settings) { s.dimensions = n }
}

// WithMaxBatch caps inputs per request. Values <= 0 keep [DefaultMaxBatch].
func WithMaxBatch(n int) Option {
	return func(s *settings) {
		if n > 0 {
			s.maxBatch = n
		}
	}
}

// New creates a provider for model. An API key is required unless a base
// URL is configured.
func New(apiKey string, model string, opts ...Option) (*Provider, error) {
	s := &settings{maxBatch: DefaultMaxBatch}
	for _, o := range opts {
		o(s)
	}
	if apiKey == "" && s.baseURL == "" {
		return nil, errors.New("openai embeddings: api key required for the hosted API")
	}
	if model == "" {
		model = DefaultModel
	}

	var reqOpts []option.RequestOption
	if apiKey != "" {
		reqOpts = append(reqOpts, option.WithAPIKey(apiKey))
	}
	if s.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(s.baseURL))
	}
	if s.organization != "" {
		reqOpts = append(reqOpts, option.WithOrganization(s.organization))
	}
	if s.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: s.timeout}))
	}

	return &Provider{
		client:   oai.NewClient(reqOpts...),
		model:    model,
		dims:     s.dimensions,
		maxBatch: s.maxBatch,
	}, nil
}

// Embed returns the vector for one text.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := p.client.Embeddings.New(ctx, p.params(oai.EmbeddingNewParamsInputUnion{
		OfString: param.NewOpt(text),
	}))
	if err != nil {
		return nil, fmt.Errorf("openai embeddings: embed: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, errors.New("openai embeddings: empty response")
	}
	return toFloat32(resp.Data[0].Embedding), nil
}

// EmbedBatch returns vectors in input order, issuing one request per
// maxBatch inputs.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += p.maxBatch {
		end := min(start+p.maxBatch, len(texts))
		vecs, err := p.embedChunk(ctx, texts[start:end])
		if err != nil {
			return nil, fmt.Errorf("openai embeddings: batch [%d:%d]: %w", start, end, err)
		}
		out = append(out, vecs...)
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

func (p *Provider) embedChunk(ctx context.Context, texts []string) ([][]float32, error) {
	resp, err := p.client.Embeddings.New(ctx, p.params(oai.EmbeddingNewParamsInputUnion{
		OfArrayOfStrings: texts,
	}))
	if err != nil {
		return nil, err
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("expected %d embeddings, got %d", len(texts), len(resp.Data))
	}
	vecs := make([][]float32, len(texts))
	for _, e := range resp.Data {
		i := int(e.Index)
		if i < 0 || i >= len(texts) || vecs[i] != nil {
			return nil, fmt.Errorf("unexpected index %d", e.Index)
		}
		vecs[i] = toFloat32(e.Embedding)
	}
	return vecs, nil
}

func (p *Provider) params(in oai.EmbeddingNewParamsInputUnion) oai.EmbeddingNewParams {
	params := oai.EmbeddingNewParams{Model: p.model, Input: in}
	if p.dims > 0 {
		params.Dimensions = param.NewOpt(int64(p.dims))
	}
	return params
}

// Dimensions returns the configured width, or the model's native width.
func (p *Provider) Dimensions() int {
	if p.dims > 0 {
		return p.dims
	}
	return nativeDimensions(p.model)
}

// ModelID returns the model name.
func (p *Provider) ModelID() string { return p.model }

func nativeDimensions(model string) int {
	if strings.Contains(strings.ToLower(model), "text-embedding-3-large") {
		return 3072
	}
	// text-embedding-3-small, ada-002 and most compatible servers.
	return 1536
}

func toFloat32(in []float64) []float32 {
	out := make([]float32, len(in))
	for i, v := range in {
		out[i] = float32(v)
	}
	return out
}
