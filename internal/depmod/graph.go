package depmod

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/tinyrange/kmod/internal/codec"
	"github.com/tinyrange/kmod/internal/elfmeta"
	"github.com/tinyrange/kmod/internal/modconf"
)

// LoadELF reads and decompresses every module's file, extracting its
// exported symbols, undefined (needed) symbols, and modinfo-derived
// aliases/softdeps. Call this before Resolve.
func (b *Builder) LoadELF() error {
	for _, mod := range b.order {
		if err := b.loadOne(mod); err != nil {
			b.log.Warn("depmod: skipping unreadable module", "path", mod.Path, "error", err)
		}
	}
	return nil
}

func (b *Builder) loadOne(mod *Module) error {
	raw, err := os.ReadFile(mod.Path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", mod.Path, err)
	}
	data, err := codec.DecompressPath(mod.Path, raw)
	if err != nil {
		return fmt.Errorf("decompressing %s: %w", mod.Path, err)
	}
	ef, err := elfmeta.New(data)
	if err != nil {
		return fmt.Errorf("parsing %s: %w", mod.Path, err)
	}

	exports, err := ef.GetSymbols()
	if err == nil {
		mod.exports = make(map[string]uint64, len(exports))
		for _, s := range exports {
			mod.exports[s.Symbol] = s.CRC
		}
	}

	if needs, err := ef.GetDependencySymbols(); err == nil {
		mod.needs = make([]depSymbol, len(needs))
		for i, s := range needs {
			mod.needs[i] = depSymbol{name: s.Symbol, crc: s.CRC}
		}
	}

	info, err := ef.GetModinfoStrings()
	if err != nil {
		return nil
	}
	for _, s := range info {
		kv := strings.SplitN(s, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "alias":
			if norm, err := modconf.AliasNormalize(kv[1]); err == nil {
				mod.Aliases = append(mod.Aliases, norm)
			}
		case "softdep":
			pre, post := modconf.ParseSoftdepSpec(kv[1])
			mod.SoftPre = append(mod.SoftPre, pre...)
			mod.SoftPost = append(mod.SoftPost, post...)
		}
	}
	return nil
}

// symbolTable maps an exported symbol name to the module providing it.
// On a collision (two modules exporting the same symbol), the
// earliest-discovered module wins and a warning is logged — discovery
// order already reflects the priority rules Scan applied.
func (b *Builder) symbolTable() map[string]*Module {
	table := make(map[string]*Module)
	for _, mod := range b.order {
		for name := range mod.exports {
			if existing, ok := table[name]; ok && existing != mod {
				b.log.Warn("depmod: duplicate symbol export", "symbol", name, "kept", existing.Name, "ignored", mod.Name)
				continue
			}
			table[name] = mod
		}
	}
	return table
}

// Resolve builds each module's Deps from its undefined symbol
// references, then performs a Kahn's-algorithm topological sort over
// the resulting graph to detect cycles. On success every module's Deps
// and dependency order are final and Write can run.
func (b *Builder) Resolve() error {
	table := b.symbolTable()

	for _, mod := range b.order {
		seen := make(map[*Module]bool)
		for _, need := range mod.needs {
			provider, ok := table[need.name]
			if !ok || provider == mod {
				continue
			}
			if seen[provider] {
				continue
			}
			seen[provider] = true
			mod.Deps = append(mod.Deps, provider)
		}
	}

	return b.detectCycles()
}

// detectCycles runs Kahn's algorithm over the dependency graph (an edge
// mod -> dep for each entry in mod.Deps). users[m] counts how many
// modules depend on m; nodes with users==0 are processed first. Any
// module left unprocessed when the queue empties is part of a cycle.
func (b *Builder) detectCycles() error {
	for _, m := range b.order {
		m.users = 0
		m.visited = false
	}
	for _, m := range b.order {
		for _, d := range m.Deps {
			d.users++
		}
	}

	var queue []*Module
	for _, m := range b.order {
		if m.users == 0 {
			queue = append(queue, m)
		}
	}

	sorted := 0
	for len(queue) > 0 {
		m := queue[0]
		queue = queue[1:]
		m.visited = true
		m.sortIdx = sorted
		sorted++

		for _, d := range m.Deps {
			d.users--
			if d.users == 0 {
				queue = append(queue, d)
			}
		}
	}

	if sorted == len(b.order) {
		return nil
	}

	cycle := b.findCycle()
	return fmt.Errorf("%w: %s", ErrCycle, cycle)
}

// findCycle locates one concrete cycle among the unvisited (unsorted)
// nodes left by detectCycles, for the "A -> B -> C -> A" error message.
func (b *Builder) findCycle() string {
	var unresolved []*Module
	for _, m := range b.order {
		if !m.visited {
			unresolved = append(unresolved, m)
		}
	}
	sort.Slice(unresolved, func(i, j int) bool { return unresolved[i].Name < unresolved[j].Name })

	onStack := make(map[*Module]int)
	var path []*Module

	var visit func(m *Module) []*Module
	visit = func(m *Module) []*Module {
		if idx, ok := onStack[m]; ok {
			return path[idx:]
		}
		if m.visited {
			return nil
		}
		onStack[m] = len(path)
		path = append(path, m)
		for _, d := range m.Deps {
			if d.visited {
				continue
			}
			if cyc := visit(d); cyc != nil {
				return cyc
			}
		}
		path = path[:len(path)-1]
		delete(onStack, m)
		return nil
	}

	for _, m := range unresolved {
		if cyc := visit(m); cyc != nil {
			names := make([]string, 0, len(cyc)+1)
			for _, n := range cyc {
				names = append(names, n.Name)
			}
			names = append(names, cyc[0].Name)
			return strings.Join(names, " -> ")
		}
	}
	return "(cycle detected, path unavailable)"
}
