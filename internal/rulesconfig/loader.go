// Package rulesconfig loads detector configuration from YAML rule files
// and directories, and can hot-reload them on change.
package rulesconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/alertforge/watchtower/internal/detect"
)

// File is the top-level shape of one rules YAML file: a flat list of
// detector configs, each tagged with its own `type`.
type File struct {
	Rules []detect.Config `yaml:"rules"`
}

// Load loads detector configs from either a single file or a directory,
// auto-detecting which.
func Load(path string) ([]detect.Config, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("rulesconfig: failed to stat rules path: %w", err)
	}
	if info.IsDir() {
		return LoadDir(path)
	}
	return LoadFile(path)
}

// LoadFile loads and validates detector configs from a single YAML file.
func LoadFile(path string) ([]detect.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("rulesconfig: failed to read rules file: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("rulesconfig: failed to parse rules YAML: %w", err)
	}
	if err := Validate(f.Rules); err != nil {
		return nil, fmt.Errorf("rulesconfig: invalid rules configuration: %w", err)
	}
	return f.Rules, nil
}

// LoadDir loads and merges every .yaml/.yml file under dirPath
// recursively, rejecting duplicate rule IDs across files with a message
// naming both source files.
func LoadDir(dirPath string) ([]detect.Config, error) {
	info, err := os.Stat(dirPath)
	if err != nil {
		return nil, fmt.Errorf("rulesconfig: failed to stat rules directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("rulesconfig: path is not a directory: %s", dirPath)
	}

	idToFile := make(map[string]string)
	var merged []detect.Config

	err = filepath.WalkDir(dirPath, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}
		var f File
		if err := yaml.Unmarshal(data, &f); err != nil {
			return fmt.Errorf("failed to parse %s: %w", path, err)
		}

		for _, cfg := range f.Rules {
			if existing, exists := idToFile[cfg.ID]; exists {
				return fmt.Errorf("duplicate rule ID %s: found in both %s and %s", cfg.ID, existing, path)
			}
			idToFile[cfg.ID] = path
		}
		merged = append(merged, f.Rules...)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := Validate(merged); err != nil {
		return nil, fmt.Errorf("rulesconfig: invalid merged rules configuration: %w", err)
	}
	return merged, nil
}

// Merge appends other's configs onto base, without re-validating; callers
// that need duplicate-ID detection across merged sets should call
// Validate afterward.
func Merge(base, other []detect.Config) []detect.Config {
	return append(append([]detect.Config{}, base...), other...)
}

// Validate checks a set of detector configs for errors: missing required
// identity fields, duplicate IDs, and an unrecognized Type. Per-family
// option validation (num_events > 0, compound_compare_key non-empty, ...)
// happens at detect.Build time, not here — this layer only validates what
// it can check without constructing the detector.
func Validate(cfgs []detect.Config) error {
	seen := make(map[string]bool, len(cfgs))
	known := make(map[string]bool)
	for _, t := range detect.RegisteredTypes() {
		known[t] = true
	}

	for _, cfg := range cfgs {
		if cfg.ID == "" {
			return fmt.Errorf("rulesconfig: rule id is required")
		}
		if seen[cfg.ID] {
			return fmt.Errorf("rulesconfig: duplicate rule ID: %s", cfg.ID)
		}
		seen[cfg.ID] = true

		if cfg.Type == "" {
			return fmt.Errorf("rulesconfig: rule %q: type is required", cfg.ID)
		}
		if !known[cfg.Type] {
			return fmt.Errorf("rulesconfig: rule %q: unknown detector type %q", cfg.ID, cfg.Type)
		}
	}
	return nil
}
