// Package depmod builds the module dependency graph and index files
// (modules.dep, modules.alias, modules.symbols, ...) from a tree of
// kernel module files, mirroring depmod(8).
package depmod

import (
	"errors"
	"log/slog"
)

// Sentinel errors, matched via errors.Is.
var (
	ErrCycle       = errors.New("depmod: dependency cycle detected")
	ErrInvalidPath = errors.New("depmod: path escapes module root")
)

// SearchKind distinguishes the three kinds of search-list entry that
// can appear in a depmod configuration's priority ranking.
type SearchKind int

const (
	// SearchDir ranks modules by a directory path relative to the
	// module root (e.g. "updates", "kernel").
	SearchDir SearchKind = iota
	// SearchExternal ranks modules found under an absolute directory
	// outside the module root.
	SearchExternal
	// SearchBuiltin is the pseudo search-list entry matching the
	// module root itself, used as the fallback rank for modules that
	// match no other search entry.
	SearchBuiltin
)

// SearchEntry is one entry of the ranked search list; its position in
// Config.Search is its priority (earlier wins).
type SearchEntry struct {
	Kind SearchKind
	Path string
}

// Config holds everything depmod needs to know beyond the module tree
// itself: where to scan, how to rank competing module files with the
// same name, and where to write the result.
type Config struct {
	// ModuleDir is the root of the module tree to scan, normally
	// <sysroot>/<moduledir>/<kernelrelease>.
	ModuleDir string
	// OutputDir receives the emitted index/text files; defaults to
	// ModuleDir when empty.
	OutputDir string
	// Overrides are relative-path prefixes (under ModuleDir) that
	// always win over any other candidate for the same module name.
	Overrides []string
	// Search is the ranked list consulted when no override applies.
	Search []SearchEntry
	// Excludes names additional directories (by basename) to skip,
	// beyond the always-excluded "build"/"source"/dotfiles.
	Excludes []string
}

// Module is one discovered module file plus everything depmod derives
// about it: its resolved dependency list, exported symbols, and
// modinfo-derived aliases/softdeps.
type Module struct {
	Name    string
	Path    string // absolute
	RelPath string // relative to ModuleDir, or "" if outside it

	Deps     []*Module
	Aliases  []string
	SoftPre  []string
	SoftPost []string

	exports map[string]uint64 // symbol name -> CRC, this module's own exports
	needs   []depSymbol        // symbols this module references

	rank int // resolved search priority at insertion time

	// topo-sort bookkeeping, reset per Builder.Resolve call.
	users   int
	visited bool
	sortIdx int
}

type depSymbol struct {
	name string
	crc  uint64
}

// Builder accumulates discovered modules and, once Scan and Resolve
// have run, can Write the resulting index files.
type Builder struct {
	cfg Config
	log *slog.Logger

	byName map[string]*Module
	order  []*Module

	// buildOrder is the optional modules.order sort table: module
	// relpath -> position in the build's link order. Nil if the file is
	// absent.
	buildOrder map[string]int

	progress Progress
}

// SetProgress attaches a Progress sink that Scan reports discovered
// files to. Defaults to a no-op.
func (b *Builder) SetProgress(p Progress) { b.progress = p }

// NewBuilder constructs a Builder for cfg.
func NewBuilder(log *slog.Logger, cfg Config) *Builder {
	if log == nil {
		log = slog.Default()
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = cfg.ModuleDir
	}
	return &Builder{
		cfg:    cfg,
		log:    log,
		byName: make(map[string]*Module),
	}
}

// Modules returns every module currently in the builder, in discovery
// order.
func (b *Builder) Modules() []*Module {
	return b.order
}
