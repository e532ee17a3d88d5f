package budget

import "fmt"

// Config defines the turn and wall-clock guardrails for a single analysis task.
type Config struct {
	MaxTurns       int
	MaxWallSeconds *int64
	Metadata       map[string]interface{}
}

// Validate ensures the budget values are sane before use.
func (c Config) Validate() error {
	if c.MaxTurns < 1 {
		return fmt.Errorf("max_turns must be at least 1")
	}
	if c.MaxWallSeconds != nil && *c.MaxWallSeconds < 0 {
		return fmt.Errorf("max_wall_seconds cannot be negative")
	}
	return nil
}

// Clone produces a deep copy of the config.
func (c Config) Clone() Config {
	clone := Config{MaxTurns: c.MaxTurns}
	if c.MaxWallSeconds != nil {
		v := *c.MaxWallSeconds
		clone.MaxWallSeconds = &v
	}
	if c.Metadata != nil {
		clone.Metadata = make(map[string]interface{}, len(c.Metadata))
		for k, v := range c.Metadata {
			clone.Metadata[k] = v
		}
	}
	return clone
}

// Merge overlays non-zero values from override onto base.
func Merge(base Config, override Config) Config {
	result := base.Clone()
	if override.MaxTurns > 0 {
		result.MaxTurns = override.MaxTurns
	}
	if override.MaxWallSeconds != nil {
		v := *override.MaxWallSeconds
		result.MaxWallSeconds = &v
	}
	if override.Metadata != nil {
		result.Metadata = make(map[string]interface{}, len(override.Metadata))
		for k, v := range override.Metadata {
			result.Metadata[k] = v
		}
	}
	return result
}

// IsZero reports whether the config defines no explicit limits.
func (c Config) IsZero() bool {
	if c.MaxTurns != 0 {
		return false
	}
	if c.MaxWallSeconds != nil && *c.MaxWallSeconds != 0 {
		return false
	}
	return len(c.Metadata) == 0
}
