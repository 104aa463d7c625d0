package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// PathEnv names the variable consulted when no -config flag is given.
const PathEnv = "SIGNALFLOW_CONFIG"

// LoadFile decodes the YAML file at path into target. Unknown keys are
// rejected and an empty file is not an error.
func LoadFile(path string, target any) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config %s: %w", path, err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(target); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode config %s: %w", path, err)
	}
	return nil
}

// Load fills target from envDefault tags and the environment. When path is
// set the file is decoded on top and the environment applied again, so the
// precedence is environment, then file, then defaults.
func Load(target any, path string) error {
	if err := ParseEnv(target); err != nil {
		return err
	}
	if path == "" {
		return nil
	}
	if err := LoadFile(path, target); err != nil {
		return err
	}
	return OverrideEnv(target)
}

// PathFromArgs returns the value of the -config flag in args, falling back to
// SIGNALFLOW_CONFIG. Scanning stops at "--".
func PathFromArgs(args []string) string {
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			break
		}
		if !strings.HasPrefix(arg, "-") {
			continue
		}
		name, value, hasValue := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		if name != "config" {
			continue
		}
		if hasValue {
			return value
		}
		if i+1 < len(args) {
			return args[i+1]
		}
	}
	return os.Getenv(PathEnv)
}
