// internal/config/config.go
package config

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"bomp/shared/types"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"
)

// FileNames are the config locations tried, in order, under the project root.
var FileNames = []string{"bomp.yaml", ".config/bomp.yaml"}

const (
	CargoModeAutodetect = "autodetect"
	CargoModePackages   = "packages"
)

type Config struct {
	LogLevel string `yaml:"log_level"` // debug, info, warn, error

	Files []File `yaml:"files"`
	Cargo *Cargo `yaml:"cargo,omitempty"`

	Commit struct {
		Message     string `yaml:"message"`
		TagPrefix   string `yaml:"tag_prefix"`
		AuthorName  string `yaml:"author_name"`
		AuthorEmail string `yaml:"author_email"`
	} `yaml:"commit"`

	Journal struct {
		Enabled *bool  `yaml:"enabled"`
		Dir     string `yaml:"dir"`
	} `yaml:"journal"`

	DriftGuard *bool `yaml:"drift_guard"`
}

// File is one tracked file entry. Path may be a doublestar glob; Search
// switches the entry to context-verified substitution.
type File struct {
	Path   string `yaml:"path"`
	Search string `yaml:"search,omitempty"`
}

type Cargo struct {
	Mode     string   `yaml:"mode"`
	Packages []string `yaml:"packages,omitempty"`
}

// Load reads and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes config YAML, applies defaults and validates it.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Find returns the first existing config file under root.
func Find(root string) (string, error) {
	for _, name := range FileNames {
		p := filepath.Join(root, filepath.FromSlash(name))
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("no configuration file found in %s (tried %s)", root, strings.Join(FileNames, ", "))
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Commit.Message == "" {
		c.Commit.Message = "chore(version): {version}"
	}
	if c.Cargo != nil && c.Cargo.Mode == "" {
		c.Cargo.Mode = CargoModeAutodetect
		if len(c.Cargo.Packages) > 0 {
			c.Cargo.Mode = CargoModePackages
		}
	}
}

// Validate checks entries that would otherwise fail late during planning.
func (c *Config) Validate() error {
	if len(c.Files) == 0 && c.Cargo == nil {
		return fmt.Errorf("config must declare files or cargo")
	}
	seen := make(map[string]bool, len(c.Files))
	for i, f := range c.Files {
		if strings.TrimSpace(f.Path) == "" {
			return fmt.Errorf("files[%d]: path is required", i)
		}
		if !doublestar.ValidatePattern(f.Path) {
			return fmt.Errorf("files[%d]: invalid glob %q", i, f.Path)
		}
		if seen[f.Path] {
			return fmt.Errorf("files[%d]: duplicate path %q", i, f.Path)
		}
		seen[f.Path] = true
		if f.Search != "" {
			if _, err := regexp.Compile(f.Search); err != nil {
				return fmt.Errorf("files[%d]: invalid search pattern: %w", i, err)
			}
		}
	}
	if c.Cargo != nil {
		switch c.Cargo.Mode {
		case CargoModeAutodetect:
		case CargoModePackages:
			if len(c.Cargo.Packages) == 0 {
				return fmt.Errorf("cargo: mode %q requires packages", CargoModePackages)
			}
		default:
			return fmt.Errorf("cargo: unknown mode %q", c.Cargo.Mode)
		}
	}
	if !strings.Contains(c.Commit.Message, "{version}") {
		return fmt.Errorf("commit.message must contain {version}")
	}
	return nil
}

// JournalEnabled defaults to true.
func (c *Config) JournalEnabled() bool {
	return c.Journal.Enabled == nil || *c.Journal.Enabled
}

// DriftGuardEnabled defaults to true.
func (c *Config) DriftGuardEnabled() bool {
	return c.DriftGuard == nil || *c.DriftGuard
}

// ReplacementMode converts the cargo section into a propagator mode.
func (c *Config) ReplacementMode() shared.ReplacementMode {
	if c.Cargo == nil || c.Cargo.Mode == CargoModeAutodetect {
		return shared.Autodetect()
	}
	return shared.ExplicitList(c.Cargo.Packages...)
}

// CommitMessage renders the commit message for a version.
func (c *Config) CommitMessage(version string) string {
	return strings.ReplaceAll(c.Commit.Message, "{version}", version)
}

// TargetSpecs expands file entries against fsys (rooted at the project
// root). Literal paths are kept even when missing so that planning reports
// them; globs expand to the regular files they match.
func (c *Config) TargetSpecs(fsys fs.FS) ([]shared.TargetFileSpec, error) {
	var specs []shared.TargetFileSpec
	seen := make(map[string]bool)

	add := func(p string, f File) {
		p = shared.CleanPath(p)
		if seen[p] {
			return
		}
		seen[p] = true
		spec := shared.TargetFileSpec{Path: p, Mode: shared.Direct}
		if f.Search != "" {
			spec.Mode = shared.ContextVerified
			spec.VerificationPattern = f.Search
		}
		specs = append(specs, spec)
	}

	for _, f := range c.Files {
		if !isGlob(f.Path) {
			add(f.Path, f)
			continue
		}
		matches, err := doublestar.Glob(fsys, f.Path, doublestar.WithFilesOnly())
		if err != nil {
			return nil, fmt.Errorf("expanding %q: %w", f.Path, err)
		}
		if len(matches) == 0 {
			return nil, fmt.Errorf("pattern %q matched no files", f.Path)
		}
		sort.Strings(matches)
		for _, m := range matches {
			add(m, f)
		}
	}
	return specs, nil
}

func isGlob(p string) bool {
	return strings.ContainsAny(p, "*?[{")
}
