package nn

import (
	"bytes"
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned for non-local block configurations that cannot be built.
var ErrInvalidConfig = errors.New("nonlocal: invalid config")

// Config describes a non-local block.
//
// Zero values of InterChannels, BNEpsilon and BNMomentum select the defaults
// (InChannels/2 clamped to 1, 1e-5, 0.1). See Resolved. A zero BNMomentum cannot
// freeze the running statistics; call SetMomentum(0) on the block's BatchNorm.
type Config struct {
	InChannels    int     `yaml:"in_channels"`
	InterChannels int     `yaml:"inter_channels"`
	Dimension     int     `yaml:"dimension"`  // 1, 2 or 3
	SubSample     bool    `yaml:"sub_sample"` // max-pool the g and phi branches
	BatchNorm     bool    `yaml:"bn_layer"`   // batch norm after the W projection
	Reference     bool    `yaml:"reference"`  // 3D only: theta and W work on one reference frame
	BNEpsilon     float32 `yaml:"bn_epsilon"`
	BNMomentum    float32 `yaml:"bn_momentum"`
}

// DefaultConfig returns a config with sub-sampling and batch norm enabled.
func DefaultConfig(inChannels, dimension int) Config {
	return Config{
		InChannels: inChannels,
		Dimension:  dimension,
		SubSample:  true,
		BatchNorm:  true,
	}
}

// ParseConfig decodes a YAML block config.
//
// Keys that are absent keep the DefaultConfig values; unknown keys are rejected.
//
// Example:
//
//	in_channels: 64
//	dimension: 3
//	sub_sample: false
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig(0, 0)

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that the config describes a buildable block.
func (c Config) Validate() error {
	if c.InChannels <= 0 {
		return fmt.Errorf("%w: in_channels must be positive, got %d", ErrInvalidConfig, c.InChannels)
	}
	if c.InterChannels < 0 {
		return fmt.Errorf("%w: inter_channels must not be negative, got %d", ErrInvalidConfig, c.InterChannels)
	}
	if c.Dimension < 1 || c.Dimension > 3 {
		return fmt.Errorf("%w: dimension must be 1, 2 or 3, got %d", ErrInvalidConfig, c.Dimension)
	}
	if c.Reference && c.Dimension != 3 {
		return fmt.Errorf("%w: reference mode requires dimension 3, got %d", ErrInvalidConfig, c.Dimension)
	}
	if c.BNEpsilon < 0 {
		return fmt.Errorf("%w: bn_epsilon must not be negative, got %g", ErrInvalidConfig, c.BNEpsilon)
	}
	if c.BNMomentum < 0 || c.BNMomentum > 1 {
		return fmt.Errorf("%w: bn_momentum must be in [0, 1], got %g", ErrInvalidConfig, c.BNMomentum)
	}
	return nil
}

// Resolved returns a copy with derived defaults filled in.
func (c Config) Resolved() Config {
	if c.InterChannels == 0 {
		c.InterChannels = max(c.InChannels/2, 1)
	}
	if c.BNEpsilon == 0 {
		c.BNEpsilon = DefaultBNEpsilon
	}
	if c.BNMomentum == 0 {
		c.BNMomentum = DefaultBNMomentum
	}
	return c
}

// Metadata returns the config as string key/value pairs for checkpoint headers.
func (c Config) Metadata() map[string]string {
	return map[string]string{
		"in_channels":    fmt.Sprint(c.InChannels),
		"inter_channels": fmt.Sprint(c.InterChannels),
		"dimension":      fmt.Sprint(c.Dimension),
		"sub_sample":     fmt.Sprint(c.SubSample),
		"bn_layer":       fmt.Sprint(c.BatchNorm),
		"reference":      fmt.Sprint(c.Reference),
		"bn_epsilon":     fmt.Sprint(c.BNEpsilon),
		"bn_momentum":    fmt.Sprint(c.BNMomentum),
	}
}
