package config

import (
	"errors"
	"os"
	"path/filepath"
)

// DefaultFileName is the config file name looked for during discovery.
const DefaultFileName = "synth.yaml"

// ErrConfigNotFound is returned when no config file could be discovered.
var ErrConfigNotFound = errors.New("failed to find a synth config file")

// Discover walks up from dir looking for synth.yaml, stopping after the
// first directory that contains a .git entry (the repository root).
func Discover(dir string) (string, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}

	for {
		candidate := filepath.Join(dir, DefaultFileName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}

		if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
			return "", ErrConfigNotFound
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", ErrConfigNotFound
		}
		dir = parent
	}
}
