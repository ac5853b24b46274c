package depmod

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tinyrange/kmod/internal/trie"
)

// Write emits every index and text file depmod produces (spec §6's file
// format table) into cfg.OutputDir. Resolve must have run successfully
// first. Each file is written to a temp file in the output directory
// and atomically renamed into place.
func (b *Builder) Write() error {
	if err := os.MkdirAll(b.cfg.OutputDir, 0o755); err != nil {
		return fmt.Errorf("depmod: creating output dir: %w", err)
	}

	writers := []func() error{
		b.writeModulesDep,
		b.writeModulesAlias,
		b.writeModulesSymbols,
		b.writeModulesSoftdep,
		b.writeBuiltinBin,
		b.writeBuiltinAliasBin,
	}
	for _, w := range writers {
		if err := w(); err != nil {
			return err
		}
	}
	return nil
}

// atomicWriteFile writes data to a temp file under dir and renames it
// to name, guaranteeing the temp file is removed on any failure before
// the rename.
func atomicWriteFile(dir, name string, data []byte) error {
	tmp, err := os.CreateTemp(dir, "."+name+".tmp-*")
	if err != nil {
		return fmt.Errorf("depmod: creating temp file for %s: %w", name, err)
	}
	tmpPath := tmp.Name()
	removed := false
	defer func() {
		if !removed {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("depmod: writing %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("depmod: closing %s: %w", name, err)
	}

	dst := filepath.Join(dir, name)
	if err := os.Rename(tmpPath, dst); err != nil {
		return fmt.Errorf("depmod: renaming into %s: %w", dst, err)
	}
	removed = true
	return nil
}

// depLine renders a module's modules.dep line: "<relpath>: <dep1> ...",
// falling back to the module's absolute path when it has no relpath
// under the module tree.
func depLine(mod *Module) string {
	self := mod.RelPath
	if self == "" {
		self = mod.Path
	}
	var sb strings.Builder
	sb.WriteString(self)
	sb.WriteByte(':')
	for _, d := range mod.Deps {
		sb.WriteByte(' ')
		if d.RelPath != "" {
			sb.WriteString(d.RelPath)
		} else {
			sb.WriteString(d.Path)
		}
	}
	return sb.String()
}

func (b *Builder) writeModulesDep() error {
	var text strings.Builder
	idx := trie.NewBuilder()

	sorted := append([]*Module(nil), b.order...)
	sort.Slice(sorted, func(i, j int) bool { return orderedLess(b.buildOrder, sorted[i], sorted[j]) })

	for _, mod := range sorted {
		line := depLine(mod)
		text.WriteString(line)
		text.WriteByte('\n')
		idx.Insert(mod.Name, line, 0)
	}

	if err := atomicWriteFile(b.cfg.OutputDir, "modules.dep", []byte(text.String())); err != nil {
		return err
	}
	return atomicWriteFile(b.cfg.OutputDir, "modules.dep.bin", idx.Bytes())
}

func (b *Builder) writeModulesAlias() error {
	var text strings.Builder
	idx := trie.NewBuilder()

	type entry struct{ alias, name string }
	var entries []entry
	for _, mod := range b.order {
		for _, a := range mod.Aliases {
			entries = append(entries, entry{a, mod.Name})
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].alias != entries[j].alias {
			return entries[i].alias < entries[j].alias
		}
		return entries[i].name < entries[j].name
	})

	for _, e := range entries {
		fmt.Fprintf(&text, "alias %s %s\n", e.alias, e.name)
		idx.Insert(e.alias, e.name, 0)
	}

	if err := atomicWriteFile(b.cfg.OutputDir, "modules.alias", []byte(text.String())); err != nil {
		return err
	}
	return atomicWriteFile(b.cfg.OutputDir, "modules.alias.bin", idx.Bytes())
}

func (b *Builder) writeModulesSymbols() error {
	var text strings.Builder
	idx := trie.NewBuilder()

	type entry struct{ sym, name string }
	var entries []entry
	for _, mod := range b.order {
		for sym := range mod.exports {
			entries = append(entries, entry{sym, mod.Name})
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].sym != entries[j].sym {
			return entries[i].sym < entries[j].sym
		}
		return entries[i].name < entries[j].name
	})

	for _, e := range entries {
		key := "symbol:" + e.sym
		fmt.Fprintf(&text, "alias %s %s\n", key, e.name)
		idx.Insert(key, e.name, 0)
	}

	if err := atomicWriteFile(b.cfg.OutputDir, "modules.symbols", []byte(text.String())); err != nil {
		return err
	}
	return atomicWriteFile(b.cfg.OutputDir, "modules.symbols.bin", idx.Bytes())
}

func (b *Builder) writeModulesSoftdep() error {
	var text strings.Builder

	sorted := append([]*Module(nil), b.order...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	for _, mod := range sorted {
		if len(mod.SoftPre) == 0 && len(mod.SoftPost) == 0 {
			continue
		}
		fmt.Fprintf(&text, "softdep %s", mod.Name)
		if len(mod.SoftPre) > 0 {
			fmt.Fprintf(&text, " pre: %s", strings.Join(mod.SoftPre, " "))
		}
		if len(mod.SoftPost) > 0 {
			fmt.Fprintf(&text, " post: %s", strings.Join(mod.SoftPost, " "))
		}
		text.WriteByte('\n')
	}

	return atomicWriteFile(b.cfg.OutputDir, "modules.softdep", []byte(text.String()))
}

// writeBuiltinBin re-indexes an existing modules.builtin text file (one
// module basename per line, shipped by the kernel build) into
// modules.builtin.bin. A missing input file is not an error: there may
// be no builtin modules for this kernel.
func (b *Builder) writeBuiltinBin() error {
	f, err := os.Open(filepath.Join(b.cfg.ModuleDir, "modules.builtin"))
	if err != nil {
		return nil
	}
	defer f.Close()

	idx := trie.NewBuilder()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		idx.Insert(pathToModname(line), "", 0)
	}
	return atomicWriteFile(b.cfg.OutputDir, "modules.builtin.bin", idx.Bytes())
}

// writeBuiltinAliasBin re-indexes an existing modules.builtin.modinfo
// file (the kernel build's "modname.key=value\0"-separated modinfo
// dump for built-in modules) into modules.builtin.alias.bin, keeping
// only "alias" entries. A missing input file is not an error.
func (b *Builder) writeBuiltinAliasBin() error {
	data, err := os.ReadFile(filepath.Join(b.cfg.ModuleDir, "modules.builtin.modinfo"))
	if err != nil {
		return nil
	}

	idx := trie.NewBuilder()
	for _, rec := range strings.Split(string(data), "\x00") {
		if rec == "" {
			continue
		}
		dot := strings.IndexByte(rec, '.')
		if dot < 0 {
			continue
		}
		modname, kv := rec[:dot], rec[dot+1:]
		eq := strings.IndexByte(kv, '=')
		if eq < 0 || kv[:eq] != "alias" {
			continue
		}
		idx.Insert(kv[eq+1:], modname, 0)
	}
	return atomicWriteFile(b.cfg.OutputDir, "modules.builtin.alias.bin", idx.Bytes())
}
