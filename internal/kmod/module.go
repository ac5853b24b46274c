package kmod

import (
	"bufio"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/tinyrange/kmod/internal/modconf"
)

// InitState mirrors kmod_module_initstate: the module's reported
// presence in the running kernel.
type InitState int

const (
	StateNotPresent InitState = iota
	StateBuiltin
	StateLive
	StateComing
	StateGoing
)

func (s InitState) String() string {
	switch s {
	case StateBuiltin:
		return "builtin"
	case StateLive:
		return "live"
	case StateComing:
		return "coming"
	case StateGoing:
		return "going"
	default:
		return "not present"
	}
}

// Module is a pool-owned record identified by its hash key (either the
// normalized name, or "<name>\<alias>" when created via an alias
// lookup). Fields other than Name/Alias/Path/HashKey are populated
// lazily and cached; population failures are swallowed, leaving the
// field at its zero value, per the propagation policy in spec §7.
type Module struct {
	ctx     *Context
	Name    string
	Alias   string
	Path    string
	HashKey string
	Builtin bool

	refcount int

	depLoaded bool
	deps      []*Module

	optionsLoaded bool
	options       string

	installLoaded bool
	installCmd    string
	removeLoaded  bool
	removeCmd     string

	softdepLoaded bool
	softdepPre    []string
	softdepPost   []string

	weakdepLoaded bool
	weakdeps      []string

	devnameLoaded bool
	devName       string
	devNum        string

	// Probe Planner visitation state, reset at the start of every plan.
	visited   bool
	required  bool
	ignoreCmd bool
}

// newModule constructs or returns the pool's existing record for key.
func newModule(ctx *Context, key, name, alias string) *Module {
	if m := ctx.pool.get(key); m != nil {
		m.refcount++
		return m
	}
	m := &Module{ctx: ctx, Name: name, Alias: alias, HashKey: key, refcount: 1}
	ctx.pool.add(key, m)
	return m
}

// NewFromName creates or returns the pooled record for a plain module
// name, normalizing dashes/extension first.
func (c *Context) NewFromName(name string) *Module {
	norm := modconf.ModnameNormalize(name)
	return newModule(c, norm, norm, "")
}

// NewFromAlias creates or returns the pooled record for (name, alias),
// keyed distinctly from a plain by-name lookup so the same module can
// exist as multiple provenance-tagged pool entries.
func (c *Context) NewFromAlias(name, alias string) *Module {
	key := name + "\\" + alias
	return newModule(c, key, name, alias)
}

// NewFromPath creates or returns the pooled record for a module file on
// disk, deriving its name from the basename and recording the absolute
// path. Returns ErrInvalidInput if an existing record for the same name
// already carries a different path.
func (c *Context) NewFromPath(path string) (*Module, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if _, err := os.Stat(abs); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}

	name := modconf.PathToModname(path)
	m := newModule(c, name, name, "")
	if m.Path == "" {
		m.Path = abs
	} else if m.Path != abs {
		m.refcount--
		return nil, fmt.Errorf("%w: module %q already exists with path %q, new path %q", ErrInvalidInput, name, m.Path, abs)
	}
	m.Builtin = false
	return m, nil
}

// Ref increments the record's refcount and returns it.
func (m *Module) Ref() *Module {
	m.refcount++
	return m
}

// Unref decrements the refcount; at zero the record is removed from
// its pool.
func (m *Module) Unref() {
	m.refcount--
	if m.refcount <= 0 {
		m.ctx.pool.remove(m.HashKey)
	}
}

// Dependencies lazily parses the module's modules.dep line into direct
// dependency records.
func (m *Module) Dependencies() []*Module {
	if m.depLoaded {
		return m.deps
	}
	m.depLoaded = true

	line, err := m.ctx.searchModDep(m.Name)
	if err != nil || line == "" {
		return nil
	}
	m.deps = parseDepLine(m.ctx, line)
	return m.deps
}

// parseDepLine parses "<relpath>: <relpath>*" into module records,
// per kmod_module_parse_depline: the first field names this module's
// own file (and is discarded here, the caller already knows which
// module this is), the rest are direct dependencies.
func parseDepLine(ctx *Context, line string) []*Module {
	colon := strings.IndexByte(line, ':')
	if colon < 0 {
		return nil
	}
	rest := strings.Fields(line[colon+1:])
	deps := make([]*Module, 0, len(rest))
	for _, relpath := range rest {
		m, err := ctx.NewFromPath(ctx.resolveModulePath(relpath))
		if err != nil {
			continue
		}
		deps = append(deps, m)
	}
	return deps
}

func matchesPattern(pattern, name, alias string) bool {
	if ok, _ := path.Match(pattern, name); ok {
		return true
	}
	if alias != "" {
		if ok, _ := path.Match(pattern, alias); ok {
			return true
		}
	}
	return pattern == name || (alias != "" && pattern == alias)
}

// Options concatenates every Configuration options entry whose pattern
// matches this module's name or alias, in configuration-file order.
func (m *Module) Options() string {
	if m.optionsLoaded {
		return m.options
	}
	m.optionsLoaded = true

	var parts []string
	for _, o := range m.ctx.Config.Options {
		if matchesPattern(o.ModName, m.Name, m.Alias) {
			parts = append(parts, o.Options)
		}
	}
	m.options = strings.Join(parts, " ")
	return m.options
}

// InstallCommand returns the first install-commands entry whose pattern
// matches this module, or "" if none.
func (m *Module) InstallCommand() string {
	if m.installLoaded {
		return m.installCmd
	}
	m.installLoaded = true
	for _, c := range m.ctx.Config.InstallCommands {
		if matchesPattern(c.ModName, m.Name, m.Alias) {
			m.installCmd = c.Command
			break
		}
	}
	return m.installCmd
}

// RemoveCommand returns the first remove-commands entry whose pattern
// matches this module, or "" if none.
func (m *Module) RemoveCommand() string {
	if m.removeLoaded {
		return m.removeCmd
	}
	m.removeLoaded = true
	for _, c := range m.ctx.Config.RemoveCommands {
		if matchesPattern(c.ModName, m.Name, m.Alias) {
			m.removeCmd = c.Command
			break
		}
	}
	return m.removeCmd
}

// Softdeps returns the first matching softdep entry's pre/post module
// name lists.
func (m *Module) Softdeps() (pre, post []string) {
	if m.softdepLoaded {
		return m.softdepPre, m.softdepPost
	}
	m.softdepLoaded = true
	for _, s := range m.ctx.Config.Softdeps {
		if s.ModName == m.Name {
			m.softdepPre = s.Pre
			m.softdepPost = s.Post
			break
		}
	}
	return m.softdepPre, m.softdepPost
}

// WeakDeps returns the module's informational weak-dependency list
// (modules.weakdep): modules loaded opportunistically but whose absence
// is not an error. Unlike Dependencies, these never affect probe
// planning or dependency resolution.
func (m *Module) WeakDeps() []string {
	if m.weakdepLoaded {
		return m.weakdeps
	}
	m.weakdepLoaded = true
	m.weakdeps = m.ctx.lookupWeakdeps(m.Name)
	return m.weakdeps
}

// DevName returns the /dev node name and "<c|b><maj>:<min>" device
// number recorded for this module in modules.devname, if any.
func (m *Module) DevName() (devname, devnum string) {
	if m.devnameLoaded {
		return m.devName, m.devNum
	}
	m.devnameLoaded = true
	m.devName, m.devNum = m.ctx.lookupDevname(m.Name)
	return m.devName, m.devNum
}

// IsBuiltin reports whether the module is compiled into the running
// kernel rather than available as a loadable file.
func (m *Module) IsBuiltin() bool {
	return m.Builtin
}

// InitState reads /sys/module/<name>/initstate, falling back to
// StateComing when the directory exists but the file does not yet
// (module is mid-load), and StateNotPresent when the module is absent
// from the kernel entirely.
func (m *Module) InitState() InitState {
	if m.Builtin {
		return StateBuiltin
	}

	dir := filepath.Join("/sys/module", m.Name)
	data, err := os.ReadFile(filepath.Join(dir, "initstate"))
	if err != nil {
		if st, statErr := os.Stat(dir); statErr == nil && st.IsDir() {
			return StateComing
		}
		return StateNotPresent
	}

	switch strings.TrimSpace(string(data)) {
	case "live":
		return StateLive
	case "coming":
		return StateComing
	case "going":
		return StateGoing
	default:
		return StateNotPresent
	}
}

// Refcnt reads /sys/module/<name>/refcnt.
func (m *Module) Refcnt() (int, error) {
	data, err := os.ReadFile(filepath.Join("/sys/module", m.Name, "refcnt"))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrIO, err)
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return n, nil
}

// Size reads /sys/module/<name>/coresize, falling back to scanning
// /proc/modules.
func (m *Module) Size() (int64, error) {
	dir := filepath.Join("/sys/module", m.Name)
	if data, err := os.ReadFile(filepath.Join(dir, "coresize")); err == nil {
		n, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
		if err == nil {
			return n, nil
		}
	}

	f, err := os.Open("/proc/modules")
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrIO, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 2 || fields[0] != m.Name {
			continue
		}
		n, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		return n, nil
	}
	return 0, fmt.Errorf("%w: module %q not present", ErrNotFound, m.Name)
}

// Holders lists the modules currently depending on this one, read from
// /sys/module/<name>/holders.
func (m *Module) Holders() []*Module {
	entries, err := os.ReadDir(filepath.Join("/sys/module", m.Name, "holders"))
	if err != nil {
		return nil
	}
	var holders []*Module
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") {
			continue
		}
		holders = append(holders, m.ctx.NewFromName(e.Name()))
	}
	return holders
}
