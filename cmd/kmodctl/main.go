// kmodctl loads and unloads kernel modules by name, resolving
// dependencies and soft dependencies the way modprobe(8) does.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	"github.com/tinyrange/kmod/internal/kmod"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: kmod.LevelFromEnv()}))

	var err error
	switch os.Args[1] {
	case "insert":
		err = runInsert(log, os.Args[2:])
	case "remove":
		err = runRemove(log, os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "kmodctl: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: kmodctl insert [options] <modulename> [param=value ...]")
	fmt.Fprintln(os.Stderr, "       kmodctl remove [options] <modulename>")
}

func newContext(log *slog.Logger, sysroot, moduleDir, kernelRelease string) (*kmod.Context, error) {
	return kmod.NewContext(log, sysroot, moduleDir, kernelRelease)
}

func runInsert(log *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("insert", flag.ExitOnError)
	sysroot := fs.String("sysroot", "", "alternate root directory")
	moduleDir := fs.String("moduledir", "", "module tree (default <sysroot>/lib/modules/<kernelrelease>)")
	kernelRelease := fs.String("kernelrelease", "", "kernel release (default: uname -r)")
	force := fs.Bool("force", false, "do not fail if the module is already loaded")
	ignoreBlacklist := fs.Bool("ignore-blacklist", false, "load the module even if it is blacklisted")
	dryRun := fs.Bool("dry-run", false, "print the plan without loading anything")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return fmt.Errorf("missing module name")
	}
	name := fs.Arg(0)
	extraOptions := strings.Join(fs.Args()[1:], " ")

	if *kernelRelease == "" {
		*kernelRelease = unameRelease()
	}

	ctx, err := newContext(log, *sysroot, *moduleDir, *kernelRelease)
	if err != nil {
		return err
	}
	defer ctx.Close()

	mods, err := ctx.LookupAlias(name)
	if err != nil {
		return err
	}
	if len(mods) == 0 {
		return fmt.Errorf("%w: %s", kmod.ErrNotFound, name)
	}

	var flags kmod.ProbeFlags
	if !*force {
		flags |= kmod.ProbeFailOnLoaded
	}
	if !*ignoreBlacklist {
		flags |= kmod.ProbeApplyBlacklist
	}

	actions, err := ctx.ProbeInsertPlan(mods[0], flags, extraOptions)
	if err != nil {
		return err
	}
	if *dryRun {
		for _, a := range actions {
			fmt.Println(describeAction(a))
		}
		return nil
	}

	loader := &kmod.SyscallLoader{}
	return ctx.Execute(actions, loader, runShell)
}

func runRemove(log *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("remove", flag.ExitOnError)
	sysroot := fs.String("sysroot", "", "alternate root directory")
	moduleDir := fs.String("moduledir", "", "module tree (default <sysroot>/lib/modules/<kernelrelease>)")
	kernelRelease := fs.String("kernelrelease", "", "kernel release (default: uname -r)")
	force := fs.Bool("force", false, "plan the removal even if the module has references (delete_module is still called without O_TRUNC)")
	nonblock := fs.Bool("nonblock", false, "accepted but has no effect: delete_module is called without O_NONBLOCK")
	dryRun := fs.Bool("dry-run", false, "print the plan without removing anything")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return fmt.Errorf("missing module name")
	}
	name := fs.Arg(0)

	if *kernelRelease == "" {
		*kernelRelease = unameRelease()
	}

	ctx, err := newContext(log, *sysroot, *moduleDir, *kernelRelease)
	if err != nil {
		return err
	}
	defer ctx.Close()

	mod, err := ctx.LookupName(name)
	if err != nil {
		return err
	}

	var flags kmod.RemoveFlags
	if *force {
		flags |= kmod.RemoveForce
	}
	if *nonblock {
		flags |= kmod.RemoveNonblock
	}

	actions, err := ctx.ProbeRemovePlan(mod, flags)
	if err != nil {
		return err
	}
	if *dryRun {
		for _, a := range actions {
			fmt.Println(describeAction(a))
		}
		return nil
	}

	loader := &kmod.SyscallLoader{}
	return ctx.Execute(actions, loader, runShell)
}

func describeAction(a kmod.Action) string {
	switch a.Kind {
	case kmod.ActionInstall:
		return fmt.Sprintf("install %s  # %s", a.Module.Name, a.Command)
	case kmod.ActionRemove:
		if a.Command != "" {
			return fmt.Sprintf("remove %s  # %s", a.Module.Name, a.Command)
		}
		return fmt.Sprintf("remove %s", a.Module.Name)
	default:
		if a.Options != "" {
			return fmt.Sprintf("insert %s %s", a.Module.Name, a.Options)
		}
		return fmt.Sprintf("insert %s", a.Module.Name)
	}
}

func runShell(cmd string) error {
	c := exec.Command("/bin/sh", "-c", cmd)
	c.Stdout = os.Stdout
	c.Stderr = os.Stderr
	return c.Run()
}

func unameRelease() string {
	out, err := exec.Command("uname", "-r").Output()
	if err != nil {
		return "default"
	}
	return strings.TrimRight(string(out), "\n\r")
}
