package workflow

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

type Strictness string

const (
	StrictnessLow    Strictness = "low"
	StrictnessMedium Strictness = "medium"
	StrictnessHigh   Strictness = "high"
)

const (
	MaxRefinementLimit    = 5
	MinCheckpointInterval = 1
	MaxCheckpointInterval = 300
)

var ErrInvalidConfig = errors.New("workflow: invalid config")

// Config tunes a single job. CheckpointInterval is in seconds.
type Config struct {
	Preset                  string     `json:"preset,omitempty" yaml:"preset,omitempty"`
	MaxRefinementIterations int        `json:"maxRefinementIterations" yaml:"max_refinement_iterations"`
	EnableReview            bool       `json:"enableReview" yaml:"enable_review"`
	ReviewStrictness        Strictness `json:"reviewStrictness" yaml:"review_strictness"`
	ParallelGeneration      bool       `json:"parallelGeneration" yaml:"parallel_generation"`
	EnableCheckpointing     bool       `json:"enableCheckpointing" yaml:"enable_checkpointing"`
	CheckpointInterval      int        `json:"checkpointInterval" yaml:"checkpoint_interval"`
}

func (c Config) Validate() error {
	if c.MaxRefinementIterations < 0 || c.MaxRefinementIterations > MaxRefinementLimit {
		return fmt.Errorf("%w: maxRefinementIterations must be between 0 and %d, got %d",
			ErrInvalidConfig, MaxRefinementLimit, c.MaxRefinementIterations)
	}
	switch c.ReviewStrictness {
	case StrictnessLow, StrictnessMedium, StrictnessHigh:
	default:
		return fmt.Errorf("%w: reviewStrictness must be low, medium or high, got %q", ErrInvalidConfig, c.ReviewStrictness)
	}
	if c.CheckpointInterval < MinCheckpointInterval || c.CheckpointInterval > MaxCheckpointInterval {
		return fmt.Errorf("%w: checkpointInterval must be between %d and %d seconds, got %d",
			ErrInvalidConfig, MinCheckpointInterval, MaxCheckpointInterval, c.CheckpointInterval)
	}
	return nil
}

var presets = map[string]Config{
	"fast": {
		Preset:                  "fast",
		MaxRefinementIterations: 0,
		EnableReview:            false,
		ReviewStrictness:        StrictnessLow,
		ParallelGeneration:      true,
		EnableCheckpointing:     false,
		CheckpointInterval:      30,
	},
	"balanced": {
		Preset:                  "balanced",
		MaxRefinementIterations: 1,
		EnableReview:            true,
		ReviewStrictness:        StrictnessMedium,
		ParallelGeneration:      true,
		EnableCheckpointing:     true,
		CheckpointInterval:      30,
	},
	"thorough": {
		Preset:                  "thorough",
		MaxRefinementIterations: 2,
		EnableReview:            true,
		ReviewStrictness:        StrictnessHigh,
		ParallelGeneration:      true,
		EnableCheckpointing:     true,
		CheckpointInterval:      20,
	},
	"sequential": {
		Preset:                  "sequential",
		MaxRefinementIterations: 1,
		EnableReview:            true,
		ReviewStrictness:        StrictnessMedium,
		ParallelGeneration:      false,
		EnableCheckpointing:     true,
		CheckpointInterval:      30,
	},
	"debug": {
		Preset:                  "debug",
		MaxRefinementIterations: 0,
		EnableReview:            false,
		ReviewStrictness:        StrictnessLow,
		ParallelGeneration:      false,
		EnableCheckpointing:     true,
		CheckpointInterval:      10,
	},
}

// DefaultPreset is used when a job names no preset and no explicit config.
const DefaultPreset = "balanced"

// PresetByName looks up a named preset. Lookup is case-insensitive.
func PresetByName(name string) (Config, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		key = DefaultPreset
	}
	c, ok := presets[key]
	if !ok {
		return Config{}, fmt.Errorf("%w: unknown preset %q (available: %s)",
			ErrInvalidConfig, name, strings.Join(PresetNames(), ", "))
	}
	return c, nil
}

func PresetNames() []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Presets returns every preset keyed by name.
func Presets() map[string]Config {
	out := make(map[string]Config, len(presets))
	for k, v := range presets {
		out[k] = v
	}
	return out
}

// CustomConfig builds and validates a config that is not one of the presets.
func CustomConfig(maxIterations int, enableReview bool, strictness Strictness, parallel, checkpointing bool, interval int) (Config, error) {
	c := Config{
		Preset:                  "custom",
		MaxRefinementIterations: maxIterations,
		EnableReview:            enableReview,
		ReviewStrictness:        Strictness(strings.ToLower(string(strictness))),
		ParallelGeneration:      parallel,
		EnableCheckpointing:     checkpointing,
		CheckpointInterval:      interval,
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}
