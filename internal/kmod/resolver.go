package kmod

import (
	"fmt"
	"path"
	"strings"

	"github.com/tinyrange/kmod/internal/modconf"
)

type lookupFunc func(ctx *Context, s string) []*Module

// genericLookup is the seven-source ordering used by LookupAlias,
// grounded on kmod_module_new_from_lookup's static lookup[] array.
var genericLookup = []lookupFunc{
	lookupConfigAliases,
	lookupModDepExact,
	lookupSymbolsWildcard,
	lookupCommandsExact,
	lookupAliasWildcard,
	lookupBuiltinAliasWildcard,
	lookupBuiltinExact,
}

// strictLookup is the three-source ordering used by LookupName
// (kmod_module_new_from_name_lookup): modules.dep and modules.builtin by
// exact name, plus the modules.builtin.alias wildcard index. The
// configuration aliases, symbols, commands and modules.alias sources are
// not consulted.
var strictLookup = []lookupFunc{
	lookupModDepExact,
	lookupBuiltinAliasWildcard,
	lookupBuiltinExact,
}

// LookupAlias resolves an arbitrary query string — a plain module name,
// a glob alias pattern, a "symbol:<sym>" form, a device alias like
// "pci:...", etc. — against each of the seven sources in order,
// stopping at the first source that yields any result.
func (c *Context) LookupAlias(given string) ([]*Module, error) {
	norm, err := modconf.AliasNormalize(given)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	for _, lookup := range genericLookup {
		if found := lookup(c, norm); len(found) > 0 {
			return found, nil
		}
	}
	return nil, nil
}

// LookupName resolves a literal module name through the three
// strict-ordering sources, returning at most one record.
func (c *Context) LookupName(name string) (*Module, error) {
	norm := modconf.ModnameNormalize(name)

	for _, lookup := range strictLookup {
		if found := lookup(c, norm); len(found) > 0 {
			return found[0], nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
}

func lookupConfigAliases(ctx *Context, s string) []*Module {
	var out []*Module
	for _, a := range ctx.Config.Aliases {
		if ok, _ := path.Match(a.Name, s); ok {
			out = append(out, ctx.NewFromAlias(a.ModName, s))
		}
	}
	return out
}

func lookupModDepExact(ctx *Context, s string) []*Module {
	if _, err := ctx.searchModDep(s); err != nil {
		return nil
	}
	return []*Module{ctx.NewFromName(s)}
}

func lookupSymbolsWildcard(ctx *Context, s string) []*Module {
	if !strings.HasPrefix(s, "symbol:") || ctx.indexes.symbols == nil {
		return nil
	}
	vals, err := ctx.indexes.symbols.SearchWild(s)
	if err != nil {
		return nil
	}
	out := make([]*Module, 0, len(vals))
	for _, v := range vals {
		out = append(out, ctx.NewFromAlias(v.Value, s))
	}
	return out
}

func lookupCommandsExact(ctx *Context, s string) []*Module {
	for _, c := range ctx.Config.InstallCommands {
		if c.ModName == s {
			return []*Module{ctx.NewFromName(s)}
		}
	}
	for _, c := range ctx.Config.RemoveCommands {
		if c.ModName == s {
			return []*Module{ctx.NewFromName(s)}
		}
	}
	return nil
}

func lookupAliasWildcard(ctx *Context, s string) []*Module {
	if ctx.indexes.alias == nil {
		return nil
	}
	vals, err := ctx.indexes.alias.SearchWild(s)
	if err != nil {
		return nil
	}
	out := make([]*Module, 0, len(vals))
	for _, v := range vals {
		out = append(out, ctx.NewFromAlias(v.Value, s))
	}
	return out
}

func lookupBuiltinAliasWildcard(ctx *Context, s string) []*Module {
	if ctx.indexes.builtinAlias == nil {
		return nil
	}
	vals, err := ctx.indexes.builtinAlias.SearchWild(s)
	if err != nil {
		return nil
	}
	out := make([]*Module, 0, len(vals))
	for _, v := range vals {
		m := ctx.NewFromAlias(v.Value, s)
		m.Builtin = true
		out = append(out, m)
	}
	return out
}

func lookupBuiltinExact(ctx *Context, s string) []*Module {
	if ctx.indexes.builtin == nil {
		return nil
	}
	if _, err := ctx.indexes.builtin.Search(s); err != nil {
		return nil
	}
	m := ctx.NewFromName(s)
	m.Builtin = true
	return []*Module{m}
}
