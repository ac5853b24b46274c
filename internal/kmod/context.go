package kmod

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/tinyrange/kmod/internal/modconf"
	"github.com/tinyrange/kmod/internal/trie"
)

// Compression names a kernel module's on-disk compression. NewContext
// leaves Context.Compression at CompressionNone; no code in this
// package detects or sets it.
type Compression int

const (
	CompressionNone Compression = iota
	CompressionGzip
	CompressionXZ
)

type pool struct {
	modules map[string]*Module
}

func newPool() *pool { return &pool{modules: make(map[string]*Module)} }

func (p *pool) get(key string) *Module    { return p.modules[key] }
func (p *pool) add(key string, m *Module) { p.modules[key] = m }
func (p *pool) remove(key string)         { delete(p.modules, key) }

// indexSet holds the five on-disk lookup tables a Context consults.
// Any of them may be nil if the corresponding index file does not
// exist (not every installation builds every index).
type indexSet struct {
	dep          *trie.Index
	alias        *trie.Index
	symbols      *trie.Index
	builtin      *trie.Index
	builtinAlias *trie.Index
}

// Context is the process-wide handle described in spec §3: a module
// directory, kernel compression hint, logger, Configuration, the five
// index handles, and the module pool. Callers should Close a Context
// once done to release the mmap'd index files.
type Context struct {
	Sysroot       string
	ModuleDir     string
	KernelRelease string
	Compression   Compression
	Config        *modconf.Config
	Log           *slog.Logger

	indexes indexSet
	pool    *pool

	weakdeps     map[string][]string
	weakdepsOnce bool
	devnames     map[string][2]string
	devnamesOnce bool
}

// NewContext opens the module directory <sysroot>/<moduleDir>/<kernelRelease>
// (or, if moduleDir is absolute, that path verbatim; if moduleDir is
// empty, <sysroot>/lib/modules/<kernelRelease>, with an empty sysroot
// meaning "/"), loads its
// configuration, and mmaps whichever of the five index files are
// present. Missing index files are not an error: lookups through them
// simply return ErrNotFound.
func NewContext(log *slog.Logger, sysroot, moduleDir, kernelRelease string) (*Context, error) {
	if log == nil {
		log = slog.Default()
	}

	dir := moduleDir
	switch {
	case dir == "":
		root := sysroot
		if root == "" {
			root = "/"
		}
		dir = filepath.Join(root, "lib/modules", kernelRelease)
	case !filepath.IsAbs(dir):
		dir = filepath.Join(sysroot, moduleDir, kernelRelease)
	}

	cfg, err := modconf.Load(log, defaultConfigPaths(sysroot))
	if err != nil {
		return nil, fmt.Errorf("%w: loading configuration: %v", ErrIO, err)
	}

	c := &Context{
		Sysroot:       sysroot,
		ModuleDir:     dir,
		KernelRelease: kernelRelease,
		Log:           log,
		Config:        cfg,
		pool:          newPool(),
	}

	c.indexes.dep = c.openIndex("modules.dep.bin")
	c.indexes.alias = c.openIndex("modules.alias.bin")
	c.indexes.symbols = c.openIndex("modules.symbols.bin")
	c.indexes.builtin = c.openIndex("modules.builtin.bin")
	c.indexes.builtinAlias = c.openIndex("modules.builtin.alias.bin")

	return c, nil
}

func defaultConfigPaths(sysroot string) []string {
	base := func(p string) string {
		if sysroot == "" || sysroot == "/" {
			return p
		}
		return filepath.Join(sysroot, p)
	}
	return []string{
		base("/run/modprobe.d"),
		base("/etc/modprobe.d"),
		base("/usr/local/lib/modprobe.d"),
		base("/usr/lib/modprobe.d"),
		base("/lib/modprobe.d"),
	}
}

func (c *Context) openIndex(name string) *trie.Index {
	path := filepath.Join(c.ModuleDir, name)
	idx, err := trie.Open(path)
	if err != nil {
		c.Log.Debug("kmod: index not available", "path", path, "error", err)
		return nil
	}
	return idx
}

// Close unmaps every opened index file.
func (c *Context) Close() error {
	var firstErr error
	for _, idx := range []*trie.Index{c.indexes.dep, c.indexes.alias, c.indexes.symbols, c.indexes.builtin, c.indexes.builtinAlias} {
		if idx == nil {
			continue
		}
		if err := idx.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (c *Context) resolveModulePath(relpath string) string {
	if filepath.IsAbs(relpath) {
		return relpath
	}
	return filepath.Join(c.ModuleDir, relpath)
}

// searchModDep looks up name's full modules.dep line via the dep index.
func (c *Context) searchModDep(name string) (string, error) {
	if c.indexes.dep == nil {
		return "", ErrNotFound
	}
	v, err := c.indexes.dep.Search(name)
	if err != nil {
		return "", fmt.Errorf("%w", ErrNotFound)
	}
	return v.Value, nil
}

func (c *Context) loadWeakdeps() {
	c.weakdepsOnce = true
	c.weakdeps = make(map[string][]string)

	f, err := os.Open(filepath.Join(c.ModuleDir, "modules.weakdep"))
	if err != nil {
		return
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 2 || fields[0] != "weakdep" {
			continue
		}
		c.weakdeps[fields[1]] = append(c.weakdeps[fields[1]], fields[2:]...)
	}
}

func (c *Context) lookupWeakdeps(name string) []string {
	if !c.weakdepsOnce {
		c.loadWeakdeps()
	}
	return c.weakdeps[name]
}

func (c *Context) loadDevnames() {
	c.devnamesOnce = true
	c.devnames = make(map[string][2]string)

	f, err := os.Open(filepath.Join(c.ModuleDir, "modules.devname"))
	if err != nil {
		return
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 3 {
			continue
		}
		c.devnames[fields[0]] = [2]string{fields[1], fields[2]}
	}
}

func (c *Context) lookupDevname(name string) (devname, devnum string) {
	if !c.devnamesOnce {
		c.loadDevnames()
	}
	v := c.devnames[name]
	return v[0], v[1]
}
