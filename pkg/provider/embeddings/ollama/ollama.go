// Package ollama embeds text through a local Ollama server, so the semantic
// matcher can run without a hosted API.
//
//	p, err := ollama.New("", "nomic-embed-text") // http://localhost:11434
//	vec, err := p.Embed(ctx, "the lord is my shepherd")
package ollama

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ollama/ollama/api"

	"github.com/mavrotechnologies/sermon-flow-app-sub000/pkg/provider/embeddings"
)

const (
	// DefaultBaseURL is where a stock Ollama install listens.
	DefaultBaseURL = "http://localhost:11434"

	// DefaultMaxBatch bounds inputs per /api/embed call. Ollama accepts
	// more, but a Bible-sized warm-up in one request blocks the runner for
	// minutes.
	DefaultMaxBatch = 256

	probeTimeout = 5 * time.Second
)

var _ embeddings.Provider = (*Provider)(nil)

// Provider implements [embeddings.Provider] over /api/embed. It is safe for
// concurrent use.
type Provider struct {
	client    *api.Client
	model     string
	maxBatch  int
	keepAlive *api.Duration
	truncate  *bool

	// dims is preset, looked up from the model table, or learned from the
	// first successful response.
	dims atomic.Int64
}

type options struct {
	timeout   time.Duration
	dims      int
	maxBatch  int
	keepAlive time.Duration
	noTrunc   bool
}

// Option is a functional option for [New].
type Option func(*options)

// WithTimeout bounds each HTTP request.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithDimensions presets the vector width for models missing from the
// built-in table, avoiding the probe request.
func WithDimensions(n int) Option {
	return func(o *options) { o.dims = n }
}

// WithMaxBatch caps inputs per request. Values <= 0 keep [DefaultMaxBatch].
func WithMaxBatch(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxBatch = n
		}
	}
}

// WithKeepAlive asks the server to keep the model loaded for d after each
// request. Live sessions embed every few seconds; the server default of five
// minutes unloads the model between services.
func WithKeepAlive(d time.Duration) Option {
	return func(o *options) { o.keepAlive = d }
}

// WithoutTruncation makes over-long inputs an error instead of silently
// cutting them to the model's context.
func WithoutTruncation() Option {
	return func(o *options) { o.noTrunc = true }
}

// New creates a provider for model. An empty baseURL selects
// [DefaultBaseURL].
func New(baseURL string, model string, opts ...Option) (*Provider, error) {
	if model == "" {
		return nil, errors.New("ollama embeddings: model must not be empty")
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	base, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("ollama embeddings: base url: %w", err)
	}

	o := options{maxBatch: DefaultMaxBatch}
	for _, opt := range opts {
		opt(&o)
	}

	p := &Provider{
		client:   api.NewClient(base, &http.Client{Timeout: o.timeout}),
		model:    model,
		maxBatch: o.maxBatch,
	}
	if o.keepAlive > 0 {
		p.keepAlive = &api.Duration{Duration: o.keepAlive}
	}
	if o.noTrunc {
		f := false
		p.truncate = &f
	}
	dims := o.dims
	if dims == 0 {
		dims = modelDimensions(model)
	}
	p.dims.Store(int64(dims))
	return p, nil
}

// Embed returns the vector for one text.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := p.request(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("ollama embeddings: embed: %w", err)
	}
	return vecs[0], nil
}

// EmbedBatch returns one vector per text, in order. An empty input returns
// (nil, nil) without a request.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += p.maxBatch {
		end := min(start+p.maxBatch, len(texts))
		vecs, err := p.request(ctx, texts[start:end])
		if err != nil {
			return nil, fmt.Errorf("ollama embeddings: batch [%d:%d]: %w", start, end, err)
		}
		out = append(out, vecs...)
	}
	return out, nil
}

// Dimensions returns the vector width. An unknown model that has not
// answered yet is probed once per call until it does; 0 means the server is
// unreachable.
func (p *Provider) Dimensions() int {
	if d := p.dims.Load(); d > 0 {
		return int(d)
	}
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()
	if _, err := p.request(ctx, []string{"probe"}); err != nil {
		return 0
	}
	return int(p.dims.Load())
}

// ModelID returns the Ollama model tag.
func (p *Provider) ModelID() string { return p.model }

func (p *Provider) request(ctx context.Context, texts []string) ([][]float32, error) {
	resp, err := p.client.Embed(ctx, &api.EmbedRequest{
		Model:     p.model,
		Input:     texts,
		KeepAlive: p.keepAlive,
		Truncate:  p.truncate,
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("expected %d embeddings, got %d", len(texts), len(resp.Embeddings))
	}
	width := len(resp.Embeddings[0])
	for i, v := range resp.Embeddings {
		if len(v) != width || width == 0 {
			return nil, fmt.Errorf("embedding %d has width %d, want %d", i, len(v), width)
		}
	}
	p.dims.CompareAndSwap(0, int64(width))
	return resp.Embeddings, nil
}

// modelDimensions knows the output width of common embedding models. It
// returns 0 for anything else.
func modelDimensions(model string) int {
	name, _, _ := strings.Cut(strings.ToLower(model), ":")
	switch {
	case strings.HasSuffix(name, "nomic-embed-text"):
		return 768
	case strings.HasSuffix(name, "mxbai-embed-large"), strings.HasSuffix(name, "bge-m3"),
		strings.HasSuffix(name, "snowflake-arctic-embed"):
		return 1024
	case strings.HasSuffix(name, "all-minilm"):
		return 384
	}
	return 0
}
