package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

// TeamDefaults is optional, structured team/budget policy loaded from a YAML
// file (e.g. DATA_DIR/defaults.yaml), layered under the environment-driven
// Config above. Operators who never write this file get DefaultTeamDefaults,
// which LoadTeamDefaults returns when the file is missing.
type TeamDefaults struct {
	MinSize     int     `yaml:"min_size"`
	MaxSize     int     `yaml:"max_size"`
	WarnPct     float64 `yaml:"warn_pct"`
	ThrottlePct float64 `yaml:"throttle_pct"`
	HardPct     float64 `yaml:"hard_pct"`

	AutoscaleLowWatermark float64 `yaml:"autoscale_low_watermark"`
	AutoscaleMinInterval  string  `yaml:"autoscale_min_interval"`
	FailureBudgetFraction float64 `yaml:"failure_budget_fraction"`

	// MaxTreeDepth bounds how many parent->child hops a tree-strategy
	// coordinator may spawn before SpawnChild refuses (spec.md REDESIGN
	// FLAGS: "enforce a configurable max_tree_depth").
	MaxTreeDepth int `yaml:"max_tree_depth"`
}

// DefaultTeamDefaults mirrors spec.md §4.5's ladder defaults and §4.2's
// failure-budget guidance when no YAML file is present.
func DefaultTeamDefaults() TeamDefaults {
	return TeamDefaults{
		MinSize:               1,
		MaxSize:               20,
		WarnPct:               0.7,
		ThrottlePct:           0.9,
		HardPct:               1.0,
		AutoscaleLowWatermark: 0.2,
		AutoscaleMinInterval:  "1m",
		FailureBudgetFraction: 0.5,
		MaxTreeDepth:          5,
	}
}

// LoadTeamDefaults reads a YAML defaults file. A missing file is not an
// error — DefaultTeamDefaults is returned instead.
func LoadTeamDefaults(path string) (TeamDefaults, error) {
	defaults := DefaultTeamDefaults()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return defaults, nil
		}
		return defaults, err
	}
	if err := yaml.Unmarshal(data, &defaults); err != nil {
		return defaults, err
	}
	return defaults, nil
}
