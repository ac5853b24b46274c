package trie

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Open mmaps path read-only and parses its header without copying the file
// into the Go heap. The returned Index must be Close()d to unmap.
//
// Mirrors the anonymous-mapping pattern in the teacher's JIT executor
// (internal/asm/amd64/exec.go: unix.Mmap/unix.Munmap around a release-flag
// guard), applied here to a file-backed read-only mapping instead.
func Open(path string) (*Index, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("trie: open %s: %w", path, err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("trie: stat %s: %w", path, err)
	}
	size := int(st.Size())
	if size == 0 {
		return nil, ErrTruncated
	}

	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("trie: mmap %s: %w", path, err)
	}

	released := false
	release := func() error {
		if released {
			return nil
		}
		released = true
		return unix.Munmap(data)
	}

	idx, err := newIndex(data, st.ModTime(), release)
	if err != nil {
		release()
		return nil, err
	}
	return idx, nil
}
