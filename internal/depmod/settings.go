package depmod

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Settings is the on-disk shape of an optional depmod.yaml file: an
// alternative to repeating long --external/--override flags on
// the command line.
type Settings struct {
	Overrides []string `yaml:"overrides"`
	Search    []string `yaml:"search"`
	External  []string `yaml:"external"`
	Builtin   bool     `yaml:"builtin"`
	Excludes  []string `yaml:"excludes"`
}

// LoadSettings reads a depmod.yaml file and merges it into cfg: search
// entries from the file are appended after any already in cfg.Search,
// in the order listed (directories, then externals, then the built-in
// pseudo-entry if Builtin is set).
func LoadSettings(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("depmod: reading settings %s: %w", path, err)
	}

	var s Settings
	if err := yaml.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("depmod: parsing settings %s: %w", path, err)
	}

	cfg.Overrides = append(cfg.Overrides, s.Overrides...)
	cfg.Excludes = append(cfg.Excludes, s.Excludes...)

	for _, dir := range s.Search {
		cfg.Search = append(cfg.Search, SearchEntry{Kind: SearchDir, Path: dir})
	}
	for _, ext := range s.External {
		cfg.Search = append(cfg.Search, SearchEntry{Kind: SearchExternal, Path: ext})
	}
	if s.Builtin {
		cfg.Search = append(cfg.Search, SearchEntry{Kind: SearchBuiltin})
	}
	return nil
}
