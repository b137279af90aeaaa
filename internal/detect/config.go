package detect

import (
	"fmt"
	"time"

	"github.com/mavrotechnologies/sermon-flow-app-sub000/pkg/types"
)

// Policy gates the escalation signal.
type Policy string

const (
	// PolicyAlways escalates when local detection found nothing in
	// theological speech, or found only medium-confidence results.
	PolicyAlways Policy = "always"

	// PolicyMediumOnly escalates only on medium-without-high results.
	PolicyMediumOnly Policy = "medium-only"

	// PolicyNever disables escalation.
	PolicyNever Policy = "never"
)

// IsValid reports whether p is a known policy.
func (p Policy) IsValid() bool {
	switch p {
	case PolicyAlways, PolicyMediumOnly, PolicyNever:
		return true
	}
	return false
}

// Stages toggles the individual detection stages.
type Stages struct {
	Explicit bool `yaml:"explicit"`
	Cache    bool `yaml:"cache"`
	Context  bool `yaml:"context"`
	Semantic bool `yaml:"semantic"`
}

// Config is the swappable pipeline configuration. A run reads it once, so a
// [Pipeline.SetConfig] never affects a run already in progress.
type Config struct {
	Stages Stages `yaml:"stages"`

	// Escalation gates ShouldCallGPT. Default: medium-only.
	Escalation Policy `yaml:"escalation"`

	// SemanticRequireHigh makes the semantic stage search the full corpus
	// unless the curated tier has a high-confidence hit.
	SemanticRequireHigh bool `yaml:"semantic_require_high"`

	// SemanticWhenHigh runs the semantic stage even when an earlier stage
	// already produced a high-confidence candidate.
	SemanticWhenHigh bool `yaml:"semantic_when_high"`

	// SemanticTimeout bounds the semantic stage. Default: 2s.
	SemanticTimeout time.Duration `yaml:"semantic_timeout"`

	// MinLevel drops candidates below this level from the result.
	// Default: low (keep everything).
	MinLevel types.Level `yaml:"min_level"`
}

// DefaultConfig enables every stage with the medium-only policy.
func DefaultConfig() Config {
	return Config{
		Stages:          Stages{Explicit: true, Cache: true, Context: true, Semantic: true},
		Escalation:      PolicyMediumOnly,
		SemanticTimeout: 2 * time.Second,
		MinLevel:        types.LevelLow,
	}
}

func (c Config) withDefaults() Config {
	if c.Escalation == "" {
		c.Escalation = PolicyMediumOnly
	}
	if c.SemanticTimeout <= 0 {
		c.SemanticTimeout = 2 * time.Second
	}
	if c.MinLevel == "" {
		c.MinLevel = types.LevelLow
	}
	return c
}

// Validate reports the first configuration problem.
func (c Config) Validate() error {
	if c.Escalation != "" && !c.Escalation.IsValid() {
		return fmt.Errorf("detect: unknown escalation policy %q", c.Escalation)
	}
	if c.MinLevel != "" && c.MinLevel.Rank() == 0 {
		return fmt.Errorf("detect: unknown min_level %q", c.MinLevel)
	}
	if c.SemanticTimeout < 0 {
		return fmt.Errorf("detect: semantic_timeout must be positive")
	}
	return nil
}
