package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/mavrotechnologies/sermon-flow-app-sub000/internal/corpus"
	"github.com/mavrotechnologies/sermon-flow-app-sub000/internal/stream"
	"github.com/mavrotechnologies/sermon-flow-app-sub000/internal/window"
	"github.com/mavrotechnologies/sermon-flow-app-sub000/pkg/types"
)

// Config tunes a [Session]. Zero fields take the defaults of
// [DefaultConfig].
type Config struct {
	Window window.Config `yaml:"window"`

	// StabilityThreshold is how long a candidate must persist before it is
	// confirmed. Default: 300ms.
	StabilityThreshold time.Duration `yaml:"stability_threshold"`

	// DebounceDelay coalesces rapid interim updates. Default: 30ms.
	DebounceDelay time.Duration `yaml:"debounce_delay"`

	// PruneInterval is the cadence of the pending-candidate sweep.
	// Default: 1s.
	PruneInterval time.Duration `yaml:"prune_interval"`

	// PruneMaxAge drops pending candidates not reinforced for this long.
	// Default: 2.5s.
	PruneMaxAge time.Duration `yaml:"prune_max_age"`

	// MinConfirmLevel is the lowest level that may be confirmed.
	// Default: medium.
	MinConfirmLevel types.Level `yaml:"min_confirm_level"`

	// Translation selects the verse text attached to detections.
	// Default: KJV.
	Translation string `yaml:"translation"`

	// LookupTimeout bounds one verse text lookup. Default: 2s.
	LookupTimeout time.Duration `yaml:"lookup_timeout"`
}

// DefaultConfig returns the defaults.
func DefaultConfig() Config {
	return Config{
		StabilityThreshold: stream.DefaultStabilityThreshold,
		DebounceDelay:      30 * time.Millisecond,
		PruneInterval:      time.Second,
		PruneMaxAge:        2500 * time.Millisecond,
		MinConfirmLevel:    types.LevelMedium,
		Translation:        corpus.DefaultTranslation,
		LookupTimeout:      2 * time.Second,
	}
}

// WithDefaults fills zero fields from [DefaultConfig].
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.StabilityThreshold <= 0 {
		c.StabilityThreshold = d.StabilityThreshold
	}
	if c.DebounceDelay <= 0 {
		c.DebounceDelay = d.DebounceDelay
	}
	if c.PruneInterval <= 0 {
		c.PruneInterval = d.PruneInterval
	}
	if c.PruneMaxAge <= 0 {
		c.PruneMaxAge = d.PruneMaxAge
	}
	if c.MinConfirmLevel == "" {
		c.MinConfirmLevel = d.MinConfirmLevel
	}
	if c.Translation == "" {
		c.Translation = d.Translation
	}
	if c.LookupTimeout <= 0 {
		c.LookupTimeout = d.LookupTimeout
	}
	return c
}

// Validate reports every invalid field.
func (c Config) Validate() error {
	var errs []error
	if c.MinConfirmLevel != "" && c.MinConfirmLevel.Rank() == 0 {
		errs = append(errs, fmt.Errorf("session: min_confirm_level %q is not one of high, medium, low", c.MinConfirmLevel))
	}
	if c.StabilityThreshold < 0 {
		errs = append(errs, errors.New("session: stability_threshold must not be negative"))
	}
	if c.PruneMaxAge < 0 || c.PruneInterval < 0 {
		errs = append(errs, errors.New("session: prune durations must not be negative"))
	}
	if c.DebounceDelay < 0 {
		errs = append(errs, errors.New("session: debounce_delay must not be negative"))
	}
	return errors.Join(errs...)
}
