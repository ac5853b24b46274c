package main

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func TestRunEndToEnd(t *testing.T) {
	root := t.TempDir()
	moduleDir := filepath.Join(root, "lib", "modules", "6.1.0-test")
	if err := os.MkdirAll(filepath.Join(moduleDir, "kernel"), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(filepath.Join(moduleDir, "kernel", "placeholder.ko"), []byte("not really an ELF file"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	err := run(log, runArgs{
		moduledir:     moduleDir,
		kernelRelease: "6.1.0-test",
		quiet:         true,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	for _, name := range []string{"modules.dep", "modules.dep.bin", "modules.alias", "modules.symbols", "modules.softdep"} {
		if _, err := os.Stat(filepath.Join(moduleDir, name)); err != nil {
			t.Errorf("expected %s to be written: %v", name, err)
		}
	}
}

func TestRunMissingModuleDirIsNotFatal(t *testing.T) {
	root := t.TempDir()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	err := run(log, runArgs{
		moduledir:     filepath.Join(root, "does-not-exist"),
		kernelRelease: "6.1.0-test",
		quiet:         true,
	})
	if err != nil {
		t.Fatalf("run: unexpected error scanning an absent module dir: %v", err)
	}
}
