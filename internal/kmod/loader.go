package kmod

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/tinyrange/kmod/internal/elfmeta"
)

// Loader is the kernel syscall boundary (spec §6): everything above this
// interface is planning, everything below it is the two or three
// syscalls Linux actually offers for loading and unloading code.
type Loader interface {
	// Insert loads a module file's bytes into the kernel with the given
	// parameter string (a space-separated "key=value" list).
	Insert(path, params string) error
	// Remove unloads a live module by name. force maps to O_TRUNC's
	// cousin for modules: rmmod -f, allowed to detach in-use modules.
	Remove(name string, force, nonblock bool) error
}

// SyscallLoader is the production Loader, backed directly by
// finit_module(2)/init_module(2)/delete_module(2).
type SyscallLoader struct {
	// Strip selects which parts of the module image (ForceModversion,
	// ForceVermagic) are cleared in user space before the copy is
	// loaded with init_module(2). When it is zero the file is loaded
	// with finit_module(2), falling back to init_module(2) on an
	// unmodified copy if the kernel reports ENOSYS.
	Strip elfmeta.StripFlags
}

func (l *SyscallLoader) Insert(path, params string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	defer f.Close()

	if l.Strip == 0 {
		err := unix.FinitModule(int(f.Fd()), params, 0)
		if err == nil {
			return nil
		}
		if err != unix.ENOSYS {
			return translateLoadErr(err)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	ef, err := elfmeta.New(data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	stripped, err := ef.Strip(l.Strip)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := unix.InitModule(stripped, params); err != nil {
		return translateLoadErr(err)
	}
	return nil
}

func (l *SyscallLoader) Remove(name string, force, nonblock bool) error {
	var flags int
	if force {
		flags |= unix.O_TRUNC
	}
	if nonblock {
		flags |= unix.O_NONBLOCK
	}
	if err := unix.DeleteModule(name, flags); err != nil {
		return translateUnloadErr(err)
	}
	return nil
}

func translateLoadErr(err error) error {
	switch err {
	case unix.EEXIST:
		return fmt.Errorf("%w: %v", ErrAlreadyLoaded, err)
	case unix.ENOMEM:
		return fmt.Errorf("%w: %v", ErrOutOfMemory, err)
	case unix.ENOENT, unix.ENOEXEC:
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	default:
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
}

func translateUnloadErr(err error) error {
	switch err {
	case unix.EBUSY, unix.EWOULDBLOCK:
		return fmt.Errorf("%w: %v", ErrInUse, err)
	case unix.ENOENT:
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	default:
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
}

// recordedCall is one Insert or Remove invocation captured by a
// RecordingLoader.
type recordedCall struct {
	Insert bool
	Path   string
	Name   string
	Params string
	Force  bool
}

// RecordingLoader is a Loader that never touches the kernel: it just
// appends every call it receives, for use in probe/plan tests.
type RecordingLoader struct {
	Calls []recordedCall
	// Fail, if set, is returned by every call instead of recording it.
	Fail error
}

func (l *RecordingLoader) Insert(path, params string) error {
	if l.Fail != nil {
		return l.Fail
	}
	l.Calls = append(l.Calls, recordedCall{Insert: true, Path: path, Params: params})
	return nil
}

func (l *RecordingLoader) Remove(name string, force, nonblock bool) error {
	if l.Fail != nil {
		return l.Fail
	}
	l.Calls = append(l.Calls, recordedCall{Insert: false, Name: name, Force: force})
	return nil
}

// Execute runs a plan produced by ProbeInsertPlan/ProbeRemovePlan
// through loader, running install/remove shell commands via runCmd
// where the plan calls for one. It aborts on the first error from a
// module flagged required (or, for removal plans, any error at all —
// removal errors are never "a softdep failed to unload"), and logs and
// continues past errors for non-required (softdep) modules. A removal
// without a remove command is issued as loader.Remove(name, false,
// false): RemoveForce and RemoveNonblock are not passed on to it.
func (c *Context) Execute(actions []Action, loader Loader, runCmd func(cmd string) error) error {
	for _, a := range actions {
		var err error
		switch a.Kind {
		case ActionInsert:
			err = loader.Insert(a.Module.Path, a.Options)
		case ActionInstall:
			if runCmd != nil {
				err = runCmd(a.Command)
			}
		case ActionRemove:
			if a.Command != "" && runCmd != nil {
				err = runCmd(a.Command)
			} else {
				err = loader.Remove(a.Module.Name, false, false)
			}
		}

		if err != nil {
			if a.Module.required || a.Kind == ActionRemove {
				return fmt.Errorf("module %q: %w", a.Module.Name, err)
			}
			c.Log.Warn("kmod: ignoring error for non-required module", "module", a.Module.Name, "error", err)
		}
	}
	return nil
}
