// Package lexical provides an in-process embeddings provider based on
// feature hashing. It needs no model or network and is the fallback when no
// neural embedding backend is configured.
//
// Each text becomes a bag of stemmed unigrams and bigrams; every feature is
// hashed with xxhash into one of Dimensions buckets with a hash-derived sign.
// The resulting vector is L2-normalised, so the dot product of two vectors is
// their cosine similarity. Paraphrases that share vocabulary with a passage
// score high; unrelated text scores near zero.
package lexical

import (
	"context"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"

	"github.com/mavrotechnologies/sermon-flow-app-sub000/pkg/provider/embeddings"
)

// DefaultDimensions is the default vector length.
const DefaultDimensions = 1024

const bigramWeight = 0.5

var _ embeddings.Provider = (*Provider)(nil)

// Provider implements embeddings.Provider by feature hashing. It is
// stateless and safe for concurrent use.
type Provider struct {
	dims int
}

// Option is a functional option for Provider.
type Option func(*Provider)

// WithDimensions sets the vector length. Values below 16 are ignored.
func WithDimensions(n int) Option {
	return func(p *Provider) {
		if n >= 16 {
			p.dims = n
		}
	}
}

// New returns a lexical Provider.
func New(opts ...Option) *Provider {
	p := &Provider{dims: DefaultDimensions}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Embed implements embeddings.Provider.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return p.vector(text), nil
}

// EmbedBatch implements embeddings.Provider.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = p.vector(t)
	}
	return out, nil
}

// Dimensions implements embeddings.Provider.
func (p *Provider) Dimensions() int { return p.dims }

// ModelID implements embeddings.Provider.
func (p *Provider) ModelID() string { return "lexical-xxhash" }

func (p *Provider) vector(text string) []float32 {
	v := make([]float32, p.dims)
	toks := Tokens(text)
	for i, t := range toks {
		p.add(v, t, 1)
		if i > 0 {
			p.add(v, toks[i-1]+" "+t, bigramWeight)
		}
	}
	return embeddings.Normalize(v)
}

func (p *Provider) add(v []float32, feature string, w float32) {
	h := xxhash.Sum64String(feature)
	idx := h % uint64(p.dims)
	if h>>63 == 1 {
		w = -w
	}
	v[idx] += w
}

// Tokens lowercases text, splits it into words, drops stop words and applies
// a light suffix stemmer that also folds archaic verb endings ("loveth",
// "believest").
func Tokens(text string) []string {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
	out := words[:0]
	for _, w := range words {
		w = strings.Trim(w, "'")
		w = strings.TrimSuffix(w, "'s")
		if w == "" || stopWords[w] {
			continue
		}
		out = append(out, stem(w))
	}
	return out
}

var stopWords = map[string]bool{}

func init() {
	for _, w := range strings.Fields(`a an and are as at be but by for from has have he her his i
		in is it its of on or our she so that the their them they this to was we were will
		with you your thee thou thy thine ye unto shall hath doth also all not me my us`) {
		stopWords[w] = true
	}
}

var suffixes = []string{"eth", "est", "ing", "ed", "es", "s"}

func stem(w string) string {
	for _, suf := range suffixes {
		if len(w) > len(suf)+2 && strings.HasSuffix(w, suf) {
			return w[:len(w)-len(suf)]
		}
	}
	return w
}
