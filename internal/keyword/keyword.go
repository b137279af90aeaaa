// Package keyword scores transcript text against a curated set of popular
// passages using weighted keyword and paraphrase phrases. It catches
// quotations and allusions that carry no chapter or verse numbers.
//
// Scoring per passage:
//
//	+10 per keyword phrase present
//	 +7 per paraphrase phrase present
//	 +2 per tag present, only once a keyword or paraphrase has matched
//	 +5 when two or more keywords matched
//
// A score of 15 or more is high confidence, 10 or more medium, anything
// else low. Scores under the minimum (default 7) are dropped.
package keyword

import (
	"bytes"
	_ "embed"
	"fmt"
	"io"
	"os"
	"regexp"
	"slices"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mavrotechnologies/sermon-flow-app-sub000/internal/normalize"
	"github.com/mavrotechnologies/sermon-flow-app-sub000/pkg/scripture"
	"github.com/mavrotechnologies/sermon-flow-app-sub000/pkg/types"
)

//go:embed passages.yaml
var builtin []byte

const (
	keywordWeight    = 10
	paraphraseWeight = 7
	tagWeight        = 2
	multiBonus       = 5

	highScore   = 15
	mediumScore = 10

	// DefaultMinScore is the lowest score reported.
	DefaultMinScore = 7

	// DefaultMaxResults caps the number of results per call.
	DefaultMaxResults = 5
)

// Passage is one curated entry.
type Passage struct {
	Reference   scripture.Reference
	Text        string
	Keywords    []string
	Paraphrases []string
	Tags        []string
}

type passageYAML struct {
	Ref         string   `yaml:"ref"`
	Text        string   `yaml:"text"`
	Keywords    []string `yaml:"keywords"`
	Paraphrases []string `yaml:"paraphrases"`
	Tags        []string `yaml:"tags"`
}

// Match is a scored passage.
type Match struct {
	Passage    *Passage
	Score      int
	Keywords   []string
	Paraphrase []string
}

// Option is a functional option for configuring a [Scorer].
type Option func(*Scorer)

// WithMinScore sets the lowest score reported. Default: 7.
func WithMinScore(n int) Option {
	return func(s *Scorer) {
		s.minScore = n
	}
}

// WithMaxResults caps the number of results. Default: 5.
func WithMaxResults(n int) Option {
	return func(s *Scorer) {
		if n > 0 {
			s.maxResults = n
		}
	}
}

// WithPassages replaces the built-in corpus.
func WithPassages(p []Passage) Option {
	return func(s *Scorer) {
		s.passages = slices.Clone(p)
	}
}

// Scorer is read-only after construction and safe for concurrent use.
type Scorer struct {
	passages   []Passage
	minScore   int
	maxResults int
}

// New returns a Scorer over the built-in corpus unless [WithPassages] is
// given.
func New(opts ...Option) (*Scorer, error) {
	s := &Scorer{
		minScore:   DefaultMinScore,
		maxResults: DefaultMaxResults,
	}
	for _, o := range opts {
		o(s)
	}
	if s.passages == nil {
		p, err := Builtin()
		if err != nil {
			return nil, err
		}
		s.passages = p
	}
	for i := range s.passages {
		p := &s.passages[i]
		p.Keywords = canonPhrases(p.Keywords)
		p.Paraphrases = canonPhrases(p.Paraphrases)
		p.Tags = canonPhrases(p.Tags)
	}
	return s, nil
}

// Builtin parses the embedded corpus.
func Builtin() ([]Passage, error) {
	return Parse(bytes.NewReader(builtin))
}

// LoadFile parses a corpus file in the built-in YAML layout.
func LoadFile(path string) ([]Passage, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("keyword: open %q: %w", path, err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse decodes a YAML list of passages. Unknown fields are rejected.
func Parse(r io.Reader) ([]Passage, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var raw []passageYAML
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("keyword: decode corpus: %w", err)
	}
	out := make([]Passage, 0, len(raw))
	for i, p := range raw {
		ref, err := scripture.ParseReference(p.Ref)
		if err != nil {
			return nil, fmt.Errorf("keyword: entry %d: %w", i, err)
		}
		if len(p.Keywords) == 0 && len(p.Paraphrases) == 0 {
			return nil, fmt.Errorf("keyword: entry %d (%s): no keywords or paraphrases", i, ref)
		}
		out = append(out, Passage{
			Reference:   ref,
			Text:        p.Text,
			Keywords:    p.Keywords,
			Paraphrases: p.Paraphrases,
			Tags:        p.Tags,
		})
	}
	return out, nil
}

// Passages returns the corpus. The slice must not be modified.
func (s *Scorer) Passages() []Passage {
	return s.passages
}

// Score returns up to MaxResults passages whose score reaches MinScore,
// best first.
func (s *Scorer) Score(text string) []Match {
	hay := " " + canon(text) + " "
	if strings.TrimSpace(hay) == "" {
		return nil
	}

	var out []Match
	for i := range s.passages {
		p := &s.passages[i]
		m := Match{Passage: p}
		for _, k := range p.Keywords {
			if contains(hay, k) {
				m.Keywords = append(m.Keywords, k)
			}
		}
		for _, k := range p.Paraphrases {
			if contains(hay, k) {
				m.Paraphrase = append(m.Paraphrase, k)
			}
		}
		if len(m.Keywords) == 0 && len(m.Paraphrase) == 0 {
			continue
		}
		m.Score = keywordWeight*len(m.Keywords) + paraphraseWeight*len(m.Paraphrase)
		for _, tag := range p.Tags {
			if contains(hay, tag) {
				m.Score += tagWeight
			}
		}
		if len(m.Keywords) >= 2 {
			m.Score += multiBonus
		}
		if m.Score < s.minScore {
			continue
		}
		out = append(out, m)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > s.maxResults {
		out = out[:s.maxResults]
	}
	return out
}

// Candidates scores text and converts the matches into source=cache
// candidates.
func (s *Scorer) Candidates(text string) []types.Candidate {
	matches := s.Score(text)
	out := make([]types.Candidate, 0, len(matches))
	for _, m := range matches {
		out = append(out, types.Candidate{
			Reference:  m.Passage.Reference,
			Source:     types.SourceCache,
			Confidence: ConfidenceFor(m.Score),
			Reason:     reason(m),
		})
	}
	return out
}

// ConfidenceFor maps a raw score onto a confidence. The level follows the
// 15/10 cut points; the numeric score rises with the raw score.
func ConfidenceFor(score int) types.Confidence {
	level := types.LevelLow
	switch {
	case score >= highScore:
		level = types.LevelHigh
	case score >= mediumScore:
		level = types.LevelMedium
	}
	return types.Confidence{Score: min(0.99, 0.5+float64(score)/50), Level: level}
}

func reason(m Match) string {
	if len(m.Keywords) > 0 {
		return "keyword: " + m.Keywords[0]
	}
	return "paraphrase: " + m.Paraphrase[0]
}

var nonWordRe = regexp.MustCompile(`[^a-z0-9' ]+`)

// canon lowercases, folds and strips punctuation so phrases match on word
// boundaries regardless of the recogniser's punctuation. Number words become
// digits, so "no one" in a phrase matches the normalized "no 1".
func canon(s string) string {
	s = strings.ToLower(normalize.Fold(s))
	s = strings.ReplaceAll(s, "-", " ")
	s = nonWordRe.ReplaceAllString(s, " ")
	return normalize.ConvertNumberWords(strings.Join(strings.Fields(s), " "))
}

func canonPhrases(in []string) []string {
	out := make([]string, 0, len(in))
	for _, p := range in {
		if c := canon(p); c != "" {
			out = append(out, c)
		}
	}
	return out
}

func contains(hay, phrase string) bool {
	return strings.Contains(hay, " "+phrase+" ")
}
