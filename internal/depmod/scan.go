package depmod

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var moduleExtensions = []string{".ko", ".ko.gz", ".ko.xz"}

func hasModuleExtension(name string) bool {
	for _, ext := range moduleExtensions {
		if strings.HasSuffix(name, ext) {
			return true
		}
	}
	return false
}

func shouldExcludeDir(cfg Config, name string) bool {
	if name == "." || name == ".." || strings.HasPrefix(name, ".") {
		return true
	}
	if name == "build" || name == "source" {
		return true
	}
	for _, e := range cfg.Excludes {
		if e == name {
			return true
		}
	}
	return false
}

// pathToModname derives a module's canonical name from its file path:
// basename, minus any compression suffix and the .ko extension, with
// dashes normalized to underscores (module names never contain a raw
// dash on disk once depmod records them).
func pathToModname(path string) string {
	base := filepath.Base(path)
	for _, ext := range moduleExtensions {
		if strings.HasSuffix(base, ext) {
			base = strings.TrimSuffix(base, filepath.Ext(base))
			if strings.HasSuffix(base, ".ko") {
				base = strings.TrimSuffix(base, ".ko")
			}
			break
		}
	}
	return strings.ReplaceAll(base, "-", "_")
}

// safeRel computes path relative to root, refusing any result that
// escapes root via "..". Mirrors the path-escape guard the teacher's
// virtual filesystem layer used for the same purpose (reject traversal
// out of a sandboxed root) before symlink resolution can smuggle a path
// outside the tree being walked.
func safeRel(root, path string) (string, error) {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}
	if rel == ".." || strings.HasPrefix(rel, "../") || filepath.IsAbs(rel) {
		return "", fmt.Errorf("%w: %s", ErrInvalidPath, path)
	}
	return rel, nil
}

// Scan walks cfg.ModuleDir recursively (plus any SearchExternal roots),
// discovering module files and resolving same-name collisions via the
// priority rules: override always wins, then earliest-ranked search
// entry, then first-discovered-wins on a true tie.
func (b *Builder) Scan() error {
	order, err := loadBuildOrder(b.cfg.ModuleDir)
	if err != nil {
		return fmt.Errorf("depmod: reading modules.order: %w", err)
	}
	b.buildOrder = order

	if err := b.walk(b.cfg.ModuleDir, b.cfg.ModuleDir); err != nil {
		return err
	}
	for _, s := range b.cfg.Search {
		if s.Kind == SearchExternal {
			if err := b.walk(s.Path, s.Path); err != nil {
				return err
			}
		}
	}
	return nil
}

func (b *Builder) walk(root, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("depmod: reading %s: %w", dir, err)
	}

	for _, e := range entries {
		name := e.Name()
		full := filepath.Join(dir, name)

		if e.IsDir() {
			if shouldExcludeDir(b.cfg, name) {
				continue
			}
			if err := b.walk(root, full); err != nil {
				return err
			}
			continue
		}

		if !hasModuleExtension(name) {
			continue
		}
		if err := b.considerFile(root, full); err != nil {
			return err
		}
		if b.progress != nil {
			b.progress.Add(1)
		}
	}
	return nil
}

func (b *Builder) considerFile(root, path string) error {
	rel, err := safeRel(root, path)
	if err != nil {
		return err
	}
	if root != b.cfg.ModuleDir {
		// External-root modules are still recorded against the module
		// tree's canonical relpath if they happen to live under it;
		// otherwise there is no meaningful modules.dep relpath and the
		// absolute path is used in the emitted dependency line.
		if r, err := safeRel(b.cfg.ModuleDir, path); err == nil {
			rel = r
		} else {
			rel = ""
		}
	}

	name := pathToModname(path)
	rank := b.resolveRank(rel, path)

	if existing, ok := b.byName[name]; ok {
		if b.existingWins(existing, rel, rank) {
			b.log.Debug("depmod: ignoring lower priority module", "name", name, "path", path, "kept", existing.Path)
			return nil
		}
		b.log.Debug("depmod: replacing lower priority module", "name", name, "old", existing.Path, "new", path)
		delete(b.byName, name)
		b.removeFromOrder(existing)
	}

	mod := &Module{Name: name, Path: path, RelPath: rel, rank: rank}
	b.byName[name] = mod
	b.order = append(b.order, mod)
	return nil
}

func (b *Builder) removeFromOrder(mod *Module) {
	for i, m := range b.order {
		if m == mod {
			b.order = append(b.order[:i], b.order[i+1:]...)
			return
		}
	}
}

// resolveRank returns relpath's priority rank: the index of the first
// matching Config.Search entry, or the built-in pseudo-entry's index if
// none match and one is configured, or -1 if nothing applies.
func (b *Builder) resolveRank(relpath, abspath string) int {
	builtinRank := -1
	for i, s := range b.cfg.Search {
		switch s.Kind {
		case SearchBuiltin:
			builtinRank = i
		case SearchExternal:
			if strings.HasPrefix(abspath, s.Path+string(filepath.Separator)) {
				return i
			}
		case SearchDir:
			if relpath == s.Path || strings.HasPrefix(relpath, s.Path+"/") {
				return i
			}
		}
	}
	return builtinRank
}

// existingWins reports whether the already-inserted module should be
// kept over a newly discovered candidate at (newRel, newRank), per
// spec §4.7's priority rules: override always wins, then earliest
// search rank, then old-wins on a true tie.
func (b *Builder) existingWins(existing *Module, newRel string, newRank int) bool {
	for _, ov := range b.cfg.Overrides {
		newMatch := matchesOverride(newRel, ov)
		oldMatch := matchesOverride(existing.RelPath, ov)
		if newMatch {
			return false
		}
		if oldMatch {
			return true
		}
	}

	switch {
	case existing.rank < 0 && newRank < 0:
		return true // old wins, neither ranked
	case existing.rank < 0:
		return false
	case newRank < 0:
		return true
	case existing.rank == newRank:
		return true // old wins tie
	default:
		return existing.rank < newRank
	}
}

func matchesOverride(relpath, override string) bool {
	if relpath == "" {
		return false
	}
	return relpath == override || strings.HasPrefix(relpath, override+"/")
}
