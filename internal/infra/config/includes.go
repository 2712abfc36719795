package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const maxIncludeDepth = 10

// includer overlays included config files onto a Config. visited holds
// absolute paths already loaded on the current chain.
type includer struct {
	visited map[string]bool
}

// apply merges every file named by cfg.Includes, resolved against baseDir,
// in declaration order. Nested includes are followed up to maxIncludeDepth.
func (inc *includer) apply(cfg *Config, baseDir string, depth int) error {
	if depth > maxIncludeDepth {
		return fmt.Errorf("config includes: max depth %d exceeded", maxIncludeDepth)
	}

	patterns := cfg.Includes
	cfg.Includes = nil

	for _, pattern := range patterns {
		paths, err := expandInclude(pattern, baseDir)
		if err != nil {
			return err
		}
		for _, p := range paths {
			if err := inc.merge(cfg, p, depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}

func (inc *includer) merge(cfg *Config, path string, depth int) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("config includes: abs path %q: %w", path, err)
	}
	if inc.visited[abs] {
		return fmt.Errorf("config includes: circular include detected for %q", abs)
	}
	inc.visited[abs] = true

	if err := validatePermissions(abs); err != nil {
		return fmt.Errorf("config includes: %w", err)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return fmt.Errorf("config includes: read %q: %w", abs, err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("config includes: parse %q: %w", abs, err)
	}
	if len(cfg.Includes) > 0 {
		return inc.apply(cfg, filepath.Dir(abs), depth)
	}
	return nil
}

// expandInclude resolves a possibly-globbed include pattern relative to
// baseDir. Patterns may not climb out of baseDir.
func expandInclude(pattern, baseDir string) ([]string, error) {
	if !filepath.IsAbs(pattern) {
		pattern = filepath.Join(baseDir, pattern)
	}
	pattern = filepath.Clean(pattern)

	if rel, err := filepath.Rel(baseDir, pattern); err == nil && strings.HasPrefix(rel, "..") {
		return nil, fmt.Errorf("config includes: path %q escapes config directory", pattern)
	}

	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("config includes: glob %q: %w", pattern, err)
	}
	if len(matches) == 0 && !strings.ContainsAny(pattern, "*?[") {
		// Literal path: let merge report the missing file.
		return []string{pattern}, nil
	}
	return matches, nil
}
