// depmod builds the module dependency and index files
// (modules.dep, modules.alias, modules.symbols, ...) for a tree of
// kernel modules, mirroring depmod(8).
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/tinyrange/kmod/internal/depmod"
)

func main() {
	basedir := flag.String("basedir", "", "image root prepended to moduledir")
	moduledir := flag.String("moduledir", "", "module tree to scan (default <basedir>/lib/modules/<kernelrelease>)")
	outdir := flag.String("outdir", "", "directory to write index files into (default moduledir)")
	configPath := flag.String("config", "", "depmod.yaml settings file")
	external := flagList("external", "external module directory, repeatable")
	override := flagList("override", "relative path prefix whose modules win over any other candidate of the same name, repeatable")
	quiet := flag.Bool("quiet", false, "suppress the scan progress bar")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	flag.Parse()

	kernelRelease := flag.Arg(0)
	if kernelRelease == "" {
		kernelRelease = "default"
	}

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if err := run(log, runArgs{
		basedir:       *basedir,
		moduledir:     *moduledir,
		outdir:        *outdir,
		configPath:    *configPath,
		kernelRelease: kernelRelease,
		external:      *external,
		override:      *override,
		quiet:         *quiet,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "depmod: %v\n", err)
		os.Exit(1)
	}
}

type runArgs struct {
	basedir       string
	moduledir     string
	outdir        string
	configPath    string
	kernelRelease string
	external      []string
	override      []string
	quiet         bool
}

func run(log *slog.Logger, a runArgs) error {
	moduleDir := a.moduledir
	if moduleDir == "" {
		moduleDir = a.basedir + "/lib/modules/" + a.kernelRelease
	}

	cfg := depmod.Config{
		ModuleDir: moduleDir,
		OutputDir: a.outdir,
		Overrides: a.override,
	}
	for _, ext := range a.external {
		cfg.Search = append(cfg.Search, depmod.SearchEntry{Kind: depmod.SearchExternal, Path: ext})
	}

	if a.configPath != "" {
		if err := depmod.LoadSettings(a.configPath, &cfg); err != nil {
			return err
		}
	}

	b := depmod.NewBuilder(log, cfg)
	if !a.quiet {
		b.SetProgress(depmod.NewProgress(0, "scanning modules"))
	}

	if err := b.Scan(); err != nil {
		return fmt.Errorf("scan: %w", err)
	}
	if err := b.LoadELF(); err != nil {
		return fmt.Errorf("reading modules: %w", err)
	}
	if err := b.Resolve(); err != nil {
		return fmt.Errorf("resolving dependencies: %w", err)
	}
	if err := b.Write(); err != nil {
		return fmt.Errorf("writing index files: %w", err)
	}
	return nil
}

// stringList implements flag.Value for a repeatable string flag.
type stringList []string

func (l *stringList) String() string { return fmt.Sprint([]string(*l)) }
func (l *stringList) Set(v string) error {
	*l = append(*l, v)
	return nil
}

func flagList(name, usage string) *stringList {
	l := &stringList{}
	flag.Var(l, name, usage)
	return l
}
