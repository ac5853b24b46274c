package kmod

import (
	"fmt"
	"strings"
)

// ProbeFlags controls kmod_module_probe_insert_module-style insertion
// planning and execution.
type ProbeFlags uint

const (
	ProbeIgnoreLoaded ProbeFlags = 1 << iota
	ProbeFailOnLoaded
	ProbeApplyBlacklist
	ProbeApplyBlacklistAll
	ProbeApplyBlacklistAliasOnly
	ProbeIgnoreCommand
	ProbeDryRun
)

func (f ProbeFlags) has(bit ProbeFlags) bool { return f&bit != 0 }

// RemoveFlags controls removal planning.
type RemoveFlags uint

const (
	RemoveForce RemoveFlags = 1 << iota
	RemoveNonblock
)

func (f RemoveFlags) has(bit RemoveFlags) bool { return f&bit != 0 }

// ActionKind distinguishes a planned insert (direct syscall) from a
// planned install (run a configured shell command instead).
type ActionKind int

const (
	ActionInsert ActionKind = iota
	ActionInstall
	ActionRemove
)

// Action is one step of a probe or removal plan.
type Action struct {
	Module  *Module
	Kind    ActionKind
	Command string // shell command, for ActionInstall/ActionRemove-via-command
	Options string // merged options, for ActionInsert
}

func moduleIsInKernel(m *Module) bool {
	if m.Builtin {
		return true
	}
	return m.InitState() == StateLive
}

func isBlacklisted(c *Context, m *Module) bool {
	for _, b := range c.Config.Blacklists {
		if b == m.Name {
			return true
		}
	}
	return false
}

// GetProbeList builds the flat, ordered insertion plan for mod: direct
// dependencies (each recursively expanded through its own dependencies
// and softdeps), then mod's softdep-pre modules, mod itself, and its
// softdep-post modules, each recursively expanded. When ignoreCmd is
// set, mod's own softdeps are skipped and mod is appended directly.
// Grounded on __kmod_module_get_probe_list/__kmod_module_fill_softdep.
func (c *Context) GetProbeList(mod *Module, ignoreCmd bool) ([]*Module, error) {
	for _, m := range c.pool.modules {
		m.visited = false
		m.required = false
	}

	var list []*Module
	if err := c.fillProbeList(mod, true, ignoreCmd, &list); err != nil {
		return nil, err
	}
	return list, nil
}

func (c *Context) fillProbeList(mod *Module, required, ignoreCmd bool, list *[]*Module) error {
	if mod.visited {
		return nil
	}
	mod.visited = true

	deps := mod.Dependencies()
	if required {
		mod.required = true
		for _, d := range deps {
			d.required = true
		}
	}

	for _, d := range deps {
		if err := c.fillProbeList(d, required, false, list); err != nil {
			return err
		}
	}

	if ignoreCmd {
		*list = append(*list, mod)
		mod.ignoreCmd = true
		return nil
	}
	return c.fillSoftdep(mod, list)
}

func (c *Context) fillSoftdep(mod *Module, list *[]*Module) error {
	pre, post := mod.Softdeps()

	for _, name := range pre {
		if err := c.fillProbeList(c.NewFromName(name), false, false, list); err != nil {
			return err
		}
	}

	*list = append(*list, mod)
	mod.ignoreCmd = len(pre) > 0 || len(post) > 0

	for _, name := range post {
		if err := c.fillProbeList(c.NewFromName(name), false, false, list); err != nil {
			return err
		}
	}
	return nil
}

// ProbeInsertPlan resolves mod's full insertion plan into the ordered
// list of Actions a caller (or Execute) should perform. It does not
// itself touch the kernel.
func (c *Context) ProbeInsertPlan(mod *Module, flags ProbeFlags, extraOptions string) ([]Action, error) {
	if !flags.has(ProbeIgnoreLoaded) && moduleIsInKernel(mod) {
		if flags.has(ProbeFailOnLoaded) {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyLoaded, mod.Name)
		}
		return nil, nil
	}

	if isBlacklisted(c, mod) {
		if mod.Alias != "" && flags.has(ProbeApplyBlacklistAliasOnly) {
			return nil, fmt.Errorf("%w: %s", ErrBlacklisted, mod.Name)
		}
		if flags.has(ProbeApplyBlacklistAll) || flags.has(ProbeApplyBlacklist) {
			return nil, fmt.Errorf("%w: %s", ErrBlacklisted, mod.Name)
		}
	}

	list, err := c.GetProbeList(mod, flags.has(ProbeIgnoreCommand))
	if err != nil {
		return nil, err
	}

	if flags.has(ProbeApplyBlacklistAll) {
		filtered := list[:0]
		for _, m := range list {
			if !isBlacklisted(c, m) {
				filtered = append(filtered, m)
			}
		}
		if len(filtered) == 0 {
			return nil, fmt.Errorf("%w: every planned module is blacklisted", ErrBlacklisted)
		}
		list = filtered
	}

	var actions []Action
	for _, m := range list {
		if !flags.has(ProbeIgnoreLoaded) && moduleIsInKernel(m) {
			if m == mod && flags.has(ProbeFailOnLoaded) {
				break
			}
			continue
		}

		extras := ""
		if m == mod {
			extras = extraOptions
		}
		opts := moduleOptionsConcat(m.Options(), extras)

		if cmd := m.InstallCommand(); cmd != "" && !m.ignoreCmd {
			actions = append(actions, Action{Module: m, Kind: ActionInstall, Command: substituteCmdlineOpts(cmd, opts)})
		} else {
			actions = append(actions, Action{Module: m, Kind: ActionInsert, Options: opts})
		}
	}
	return actions, nil
}

func moduleOptionsConcat(opt, extra string) string {
	opt = strings.TrimSpace(opt)
	extra = strings.TrimSpace(extra)
	switch {
	case opt == "":
		return extra
	case extra == "":
		return opt
	default:
		return opt + " " + extra
	}
}

// substituteCmdlineOpts replaces the literal token $CMDLINE_OPTS inside
// an install/remove command with the module's effective option string.
func substituteCmdlineOpts(cmd, opts string) string {
	return strings.ReplaceAll(cmd, "$CMDLINE_OPTS", opts)
}

// ProbeRemovePlan builds the removal-mode plan for mod: holders in
// reverse dependency order, honoring remove_commands. Refuses (without
// RemoveForce) any module whose kernel refcount is nonzero.
func (c *Context) ProbeRemovePlan(mod *Module, flags RemoveFlags) ([]Action, error) {
	order, err := c.removalOrder(mod)
	if err != nil {
		return nil, err
	}

	var actions []Action
	for _, m := range order {
		if !flags.has(RemoveForce) {
			if n, err := m.Refcnt(); err == nil && n > 0 {
				return actions, fmt.Errorf("%w: %s has %d references", ErrInUse, m.Name, n)
			}
		}
		if cmd := m.RemoveCommand(); cmd != "" && !m.ignoreCmd {
			actions = append(actions, Action{Module: m, Kind: ActionRemove, Command: cmd})
		} else {
			actions = append(actions, Action{Module: m, Kind: ActionRemove})
		}
	}
	return actions, nil
}

// removalOrder walks mod's holders recursively (so dependents are
// removed before their dependency), returning mod itself last.
func (c *Context) removalOrder(mod *Module) ([]*Module, error) {
	var order []*Module
	seen := map[string]bool{}

	var visit func(m *Module)
	visit = func(m *Module) {
		if seen[m.HashKey] {
			return
		}
		seen[m.HashKey] = true
		for _, h := range m.Holders() {
			visit(h)
		}
		order = append(order, m)
	}
	visit(mod)
	return order, nil
}
