// Package config loads and validates the metadynamics engine
// configuration.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

const (
	DefaultNewHillFrequency = 1000
	DefaultReflectionRange  = 6.0
	DefaultTargetDistMinVal = 1.0 / 1000000.0
)

// ColvarConfig describes one collective variable as the bias needs it.
type ColvarConfig struct {
	Name             string  `yaml:"name"`
	Width            float64 `yaml:"width"`
	LowerBoundary    float64 `yaml:"lower_boundary"`
	UpperBoundary    float64 `yaml:"upper_boundary"`
	HardLower        bool    `yaml:"hard_lower_boundary"`
	HardUpper        bool    `yaml:"hard_upper_boundary"`
	ExpandBoundaries bool    `yaml:"expand_boundaries"`
	Periodic         bool    `yaml:"periodic"`
	Period           float64 `yaml:"period"`
}

// Config carries every recognized key of the bias.
type Config struct {
	Name         string `yaml:"name"`
	OutputPrefix string `yaml:"output_prefix"`

	Colvars []ColvarConfig `yaml:"colvars"`

	HillWeight       float64   `yaml:"hillWeight"`
	NewHillFrequency int64     `yaml:"newHillFrequency"`
	HillWidth        float64   `yaml:"hillWidth"`
	GaussianSigmas   []float64 `yaml:"gaussianSigmas"`

	UseGrids             *bool `yaml:"useGrids"`
	GridsUpdateFrequency int64 `yaml:"gridsUpdateFrequency"`
	RebinGrids           bool  `yaml:"rebinGrids"`

	WriteFreeEnergyFile        *bool `yaml:"writeFreeEnergyFile"`
	KeepHills                  bool  `yaml:"keepHills"`
	KeepFreeEnergyFiles        bool  `yaml:"keepFreeEnergyFiles"`
	WritePartialFreeEnergyFile bool  `yaml:"writePartialFreeEnergyFile"`

	WellTempered    bool    `yaml:"wellTempered"`
	BiasTemperature float64 `yaml:"biasTemperature"`

	EBMeta           bool    `yaml:"ebMeta"`
	TargetDistFile   string  `yaml:"targetDistFile"`
	TargetDistMinVal float64 `yaml:"targetDistMinVal"`
	EBMetaEquilSteps int64   `yaml:"ebMetaEquilSteps"`

	UseHillsReflection     bool      `yaml:"useHillsReflection"`
	ReflectionType         string    `yaml:"reflectionType"`
	ReflectionRange        float64   `yaml:"reflectionRange"`
	ReflectionLowLimitNCVs int       `yaml:"reflectionLowLimitNCVs"`
	ReflectionUpLimitNCVs  int       `yaml:"reflectionUpLimitNCVs"`
	ReflectionLowLimitCVs  []int     `yaml:"reflectionLowLimitUseCVs"`
	ReflectionUpLimitCVs   []int     `yaml:"reflectionUpLimitUseCVs"`
	ReflectionLowLimit     []float64 `yaml:"reflectionLowLimit"`
	ReflectionUpLimit      []float64 `yaml:"reflectionUpLimit"`

	UseHillsInterval     bool      `yaml:"useHillsInterval"`
	IntervalLowLimitNCVs int       `yaml:"intervalLowLimitNCVs"`
	IntervalUpLimitNCVs  int       `yaml:"intervalUpLimitNCVs"`
	IntervalLowLimitCVs  []int     `yaml:"intervalLowLimitUseCVs"`
	IntervalUpLimitCVs   []int     `yaml:"intervalUpLimitUseCVs"`
	IntervalLowLimit     []float64 `yaml:"intervalLowLimit"`
	IntervalUpLimit      []float64 `yaml:"intervalUpLimit"`

	MultipleReplicas       bool   `yaml:"multipleReplicas"`
	ReplicaID              string `yaml:"replicaID"`
	ReplicasRegistry       string `yaml:"replicasRegistry"`
	ReplicaUpdateFrequency int64  `yaml:"replicaUpdateFrequency"`

	// WriteHillsTrajectory selects trajectory output: "", "text" or
	// "gzip".
	WriteHillsTrajectory string `yaml:"writeHillsTrajectory"`
}

// DefaultConfig returns a config with every optional key at its
// documented default.
func DefaultConfig() *Config {
	return &Config{
		Name:             "metadynamics",
		OutputPrefix:     "out",
		NewHillFrequency: DefaultNewHillFrequency,
		ReflectionType:   "monodimensional",
		ReflectionRange:  DefaultReflectionRange,
		TargetDistMinVal: DefaultTargetDistMinVal,
	}
}

// Load reads a yaml config file on top of the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the config as yaml.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// GridsEnabled resolves the useGrids default (true).
func (c *Config) GridsEnabled() bool {
	if c.UseGrids == nil {
		return true
	}
	return *c.UseGrids
}

// DumpFES resolves the writeFreeEnergyFile default (true with grids).
func (c *Config) DumpFES() bool {
	if !c.GridsEnabled() {
		return false
	}
	if c.WritePartialFreeEnergyFile {
		return true
	}
	if c.WriteFreeEnergyFile == nil {
		return true
	}
	return *c.WriteFreeEnergyFile
}

// GridsFrequency resolves gridsUpdateFrequency (defaults to the hill
// deposition frequency).
func (c *Config) GridsFrequency() int64 {
	if c.GridsUpdateFrequency > 0 {
		return c.GridsUpdateFrequency
	}
	return c.NewHillFrequency
}

// Validate enforces the input-error rules. It returns the first
// violation found.
func (c *Config) Validate() error {
	if len(c.Colvars) == 0 {
		return fmt.Errorf("config: at least one colvar is required")
	}
	for _, cv := range c.Colvars {
		if cv.Width <= 0 {
			return fmt.Errorf("config: colvar %q: width must be positive", cv.Name)
		}
		if cv.UpperBoundary <= cv.LowerBoundary {
			return fmt.Errorf("config: colvar %q: upper_boundary must exceed lower_boundary", cv.Name)
		}
		if cv.Periodic && cv.Period <= 0 {
			return fmt.Errorf("config: colvar %q: periodic variables need a positive period", cv.Name)
		}
	}
	if c.HillWeight <= 0 {
		return fmt.Errorf("config: hillWeight must be provided, and a positive number")
	}
	if c.NewHillFrequency <= 0 {
		return fmt.Errorf("config: newHillFrequency must be positive")
	}
	if c.HillWidth > 0 && len(c.GaussianSigmas) > 0 {
		return fmt.Errorf("config: hillWidth and gaussianSigmas are mutually exclusive")
	}
	if c.HillWidth <= 0 && len(c.GaussianSigmas) == 0 {
		return fmt.Errorf("config: positive values are required for either hillWidth or gaussianSigmas")
	}
	if len(c.GaussianSigmas) > 0 && len(c.GaussianSigmas) != len(c.Colvars) {
		return fmt.Errorf("config: gaussianSigmas must list one sigma per colvar")
	}
	for _, s := range c.GaussianSigmas {
		if s <= 0 {
			return fmt.Errorf("config: gaussianSigmas must be positive")
		}
	}
	if c.WellTempered && c.BiasTemperature <= 0 {
		return fmt.Errorf("config: biasTemperature must be set to a positive value")
	}
	if c.EBMeta {
		if c.TargetDistFile == "" {
			return fmt.Errorf("config: ebMeta requires targetDistFile")
		}
		if c.TargetDistMinVal < 0 || c.TargetDistMinVal >= 1 {
			return fmt.Errorf("config: targetDistMinVal must be a value between 0 and 1")
		}
		if c.expandBoundaries() {
			return fmt.Errorf("config: expand_boundaries is not supported with ebMeta")
		}
	}
	if c.MultipleReplicas {
		if c.ReplicasRegistry == "" {
			return fmt.Errorf("config: the name of the replicasRegistry file must be provided")
		}
		if c.ReplicaUpdateFrequency <= 0 {
			return fmt.Errorf("config: replicaUpdateFrequency must be positive")
		}
		if c.KeepHills {
			return fmt.Errorf("config: multipleReplicas and keepHills are not supported together")
		}
		if c.expandBoundaries() {
			return fmt.Errorf("config: expand_boundaries is not supported with multipleReplicas")
		}
	}
	if c.UseHillsReflection {
		switch normalizeReflectionType(c.ReflectionType) {
		case "monodimensional", "multidimensional":
		default:
			return fmt.Errorf("config: unknown reflectionType %q", c.ReflectionType)
		}
	}
	switch c.WriteHillsTrajectory {
	case "", "text", "gzip":
	default:
		return fmt.Errorf("config: writeHillsTrajectory must be \"text\" or \"gzip\"")
	}
	return nil
}

func (c *Config) expandBoundaries() bool {
	for _, cv := range c.Colvars {
		if cv.ExpandBoundaries {
			return true
		}
	}
	return false
}

func normalizeReflectionType(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if ch >= 'A' && ch <= 'Z' {
			ch += 'a' - 'A'
		}
		out = append(out, ch)
	}
	return string(out)
}

// ReflectionTypeMono reports whether the monodimensional planner is
// selected.
func (c *Config) ReflectionTypeMono() bool {
	return normalizeReflectionType(c.ReflectionType) != "multidimensional"
}
