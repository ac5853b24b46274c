package trie

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"
)

var timeZero = time.Time{}

func TestInsertSearch(t *testing.T) {
	b := NewBuilder()
	b.Insert("loop", "kernel/drivers/block/loop.ko", 0)
	b.Insert("loop_fuse", "kernel/drivers/block/loop_fuse.ko", 0)
	b.Insert("ext4", "kernel/fs/ext4/ext4.ko", 0)

	data := b.Bytes()
	idx, err := newIndex(data, timeZero, func() error { return nil })
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	v, err := idx.Search("loop")
	if err != nil {
		t.Fatalf("search loop: %v", err)
	}
	if v.Value != "kernel/drivers/block/loop.ko" {
		t.Fatalf("got %q", v.Value)
	}

	v, err = idx.Search("loop_fuse")
	if err != nil {
		t.Fatalf("search loop_fuse: %v", err)
	}
	if v.Value != "kernel/drivers/block/loop_fuse.ko" {
		t.Fatalf("got %q", v.Value)
	}

	if _, err := idx.Search("nope"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPriorityOrdering(t *testing.T) {
	b := NewBuilder()
	b.Insert("k", "low", 5)
	b.Insert("k", "high", 1)
	b.Insert("k", "mid", 3)

	data := b.Bytes()
	idx, err := newIndex(data, timeZero, func() error { return nil })
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	v, err := idx.Search("k")
	if err != nil {
		t.Fatal(err)
	}
	if v.Value != "high" {
		t.Fatalf("expected first value by ascending priority to be %q, got %q", "high", v.Value)
	}
}

func TestWildcardSearch(t *testing.T) {
	b := NewBuilder()
	b.Insert("pci:v0000103Cd*sv*sd*bc01sc04i*", "mod_fake", 0)

	data := b.Bytes()
	idx, err := newIndex(data, timeZero, func() error { return nil })
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	values, err := idx.SearchWild("pci:v0000103Cd0000323Asv0000103Csd00003233bc01sc04i00")
	if err != nil {
		t.Fatalf("search_wild: %v", err)
	}
	if len(values) != 1 || values[0].Value != "mod_fake" {
		t.Fatalf("got %+v", values)
	}
}

func TestRoundTripViaMmap(t *testing.T) {
	b := NewBuilder()
	for _, kv := range []struct {
		key, val string
		prio     uint32
	}{
		{"alpha", "one", 0},
		{"alphabet", "two", 0},
		{"beta", "three", 0},
	} {
		b.Insert(kv.key, kv.val, kv.prio)
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "modules.alias.bin")
	if err := os.WriteFile(path, b.Bytes(), 0644); err != nil {
		t.Fatal(err)
	}

	idx, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer idx.Close()

	for key, want := range map[string]string{"alpha": "one", "alphabet": "two", "beta": "three"} {
		v, err := idx.Search(key)
		if err != nil {
			t.Fatalf("search %s: %v", key, err)
		}
		if v.Value != want {
			t.Fatalf("search %s: got %q want %q", key, v.Value, want)
		}
	}
}

func TestDump(t *testing.T) {
	b := NewBuilder()
	b.Insert("ext4", "kernel/fs/ext4/ext4.ko", 0)

	idx, err := newIndex(b.Bytes(), timeZero, func() error { return nil })
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if err := idx.Dump(&buf, true); err != nil {
		t.Fatal(err)
	}
	if buf.String() != "alias ext4 kernel/fs/ext4/ext4.ko\n" {
		t.Fatalf("got %q", buf.String())
	}
}

func TestContainsGlob(t *testing.T) {
	// SearchWild depends on glob detection in trie labels.
	if !containsGlob([]byte("a*b")) {
		t.Fatal("expected glob detected")
	}
	if containsGlob([]byte("abc")) {
		t.Fatal("expected no glob detected")
	}
}

