// Package config loads process configuration from defaults, an optional YAML
// file and SIGNALFLOW_* environment variables.
package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// unusedDefaultTag disables envDefault handling when re-applying variables
// over values that came from a file.
const unusedDefaultTag = "envDefaultUnused"

// ParseEnv loads configuration from environment variables, filling unset
// fields from their envDefault tags.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// OverrideEnv applies only the environment variables that are set and leaves
// every other field as it is.
func OverrideEnv(target any) error {
	if err := env.ParseWithOptions(target, env.Options{DefaultValueTagName: unusedDefaultTag}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}
