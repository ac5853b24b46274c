package trie

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"time"
)

// Index is a read-only handle on a trie loaded either wholly into memory
// (ReadFile) or mapped from disk (Open, in mmap.go). Both share this
// navigation code since the underlying representation is the same: a
// byte slice containing the on-disk format.
type Index struct {
	data   []byte
	root   uint32
	mtime  time.Time
	closer func() error
}

// ReadFile loads path entirely into memory and parses its header.
func ReadFile(path string) (*Index, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("trie: read %s: %w", path, err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("trie: stat %s: %w", path, err)
	}
	return newIndex(data, info.ModTime(), func() error { return nil })
}

func newIndex(data []byte, mtime time.Time, closer func() error) (*Index, error) {
	if len(data) < 12 {
		return nil, ErrTruncated
	}
	magic := binary.BigEndian.Uint32(data[0:4])
	if magic != Magic {
		return nil, ErrBadMagic
	}
	ver := binary.BigEndian.Uint32(data[4:8])
	if ver>>16 != VersionMajor {
		return nil, ErrBadVersion
	}
	root := binary.BigEndian.Uint32(data[8:12])
	return &Index{data: data, root: root, mtime: mtime, closer: closer}, nil
}

// Close releases resources backing the index (a no-op for ReadFile, an
// munmap for Open).
func (idx *Index) Close() error {
	if idx.closer == nil {
		return nil
	}
	return idx.closer()
}

// ModTime reports the index file's modification time as observed at open
// time, used by staleness checks.
func (idx *Index) ModTime() time.Time {
	return idx.mtime
}

// decodedNode is a node's body parsed out of the backing buffer. Child
// offsets are absolute offset-with-flags words, ready to pass back into
// readNode.
type decodedNode struct {
	prefix      []byte
	firstChild  int
	lastChild   int
	childOffset []uint32 // index 0 corresponds to firstChild
	values      []Value
}

func (idx *Index) readNode(offsetFlags uint32) (decodedNode, error) {
	var n decodedNode
	n.firstChild, n.lastChild = -1, -1

	if offsetFlags == 0 {
		return n, nil
	}

	pos := int(offsetFlags & offsetMask)
	flags := offsetFlags &^ offsetMask
	data := idx.data

	if flags&flagPrefix != 0 {
		end := bytes.IndexByte(data[pos:], 0)
		if end < 0 {
			return n, ErrCorrupt
		}
		n.prefix = data[pos : pos+end]
		pos += end + 1
	}

	if flags&flagChilds != 0 {
		if pos+2 > len(data) {
			return n, ErrCorrupt
		}
		n.firstChild = int(data[pos])
		n.lastChild = int(data[pos+1])
		pos += 2
		count := n.lastChild - n.firstChild + 1
		if count < 0 || pos+count*4 > len(data) {
			return n, ErrCorrupt
		}
		n.childOffset = make([]uint32, count)
		for i := 0; i < count; i++ {
			n.childOffset[i] = binary.BigEndian.Uint32(data[pos : pos+4])
			pos += 4
		}
	}

	if flags&flagValues != 0 {
		if pos+4 > len(data) {
			return n, ErrCorrupt
		}
		count := binary.BigEndian.Uint32(data[pos : pos+4])
		pos += 4
		n.values = make([]Value, 0, count)
		for i := uint32(0); i < count; i++ {
			if pos+4 > len(data) {
				return n, ErrCorrupt
			}
			prio := binary.BigEndian.Uint32(data[pos : pos+4])
			pos += 4
			end := bytes.IndexByte(data[pos:], 0)
			if end < 0 {
				return n, ErrCorrupt
			}
			n.values = append(n.values, Value{Priority: prio, Value: string(data[pos : pos+end])})
			pos += end + 1
		}
	}

	return n, nil
}

func (n decodedNode) childAt(c byte) (uint32, bool) {
	i := int(c)
	if n.firstChild < 0 || i < n.firstChild || i > n.lastChild {
		return 0, false
	}
	off := n.childOffset[i-n.firstChild]
	return off, off != 0
}

// Search performs an exact-match lookup, returning the first (i.e. lowest
// numeric priority, per §3's ascending ordering) value stored at key.
func (idx *Index) Search(key string) (Value, error) {
	node, err := idx.readNode(idx.root)
	if err != nil {
		return Value{}, err
	}
	rem := []byte(key)

	for {
		if len(rem) < len(node.prefix) || !bytes.Equal(rem[:len(node.prefix)], node.prefix) {
			return Value{}, ErrNotFound
		}
		rem = rem[len(node.prefix):]
		if len(rem) == 0 {
			if len(node.values) == 0 {
				return Value{}, ErrNotFound
			}
			return node.values[0], nil
		}
		childOff, ok := node.childAt(rem[0])
		if !ok {
			return Value{}, ErrNotFound
		}
		rem = rem[1:]
		node, err = idx.readNode(childOff)
		if err != nil {
			return Value{}, err
		}
	}
}

// SearchWild performs a wildcard-aware search: trie labels may themselves
// contain glob characters (*, ?, [), in which case the matching subtree is
// exhaustively enumerated and each stored key, used as a glob pattern, is
// matched against key. Results are returned in ascending-priority order
// across the whole result set.
func (idx *Index) SearchWild(key string) ([]Value, error) {
	var out []Value
	if err := idx.searchWild(idx.root, nil, []byte(key), key, &out); err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out, nil
}

func (idx *Index) searchWild(offsetFlags uint32, pathSoFar, remaining []byte, fullKey string, out *[]Value) error {
	if offsetFlags == 0 {
		return nil
	}
	node, err := idx.readNode(offsetFlags)
	if err != nil {
		return err
	}

	if containsGlob(node.prefix) {
		return idx.collectMatching(offsetFlags, pathSoFar, fullKey, out)
	}

	if len(remaining) < len(node.prefix) || !bytes.Equal(remaining[:len(node.prefix)], node.prefix) {
		return nil
	}
	newPath := append(append([]byte(nil), pathSoFar...), node.prefix...)
	rest := remaining[len(node.prefix):]

	if len(rest) == 0 {
		*out = append(*out, node.values...)
		for c := 0; c < maxChildIndex; c++ {
			if isGlobByte(byte(c)) {
				if childOff, ok := node.childAt(byte(c)); ok {
					branchPath := append(append([]byte(nil), newPath...), byte(c))
					if err := idx.collectMatching(childOff, branchPath, fullKey, out); err != nil {
						return err
					}
				}
			}
		}
		return nil
	}

	c := rest[0]
	if childOff, ok := node.childAt(c); ok {
		if err := idx.searchWild(childOff, append(newPath, c), rest[1:], fullKey, out); err != nil {
			return err
		}
	}
	for _, g := range []byte{'*', '?', '['} {
		if g == c {
			continue
		}
		if childOff, ok := node.childAt(g); ok {
			branchPath := append(append([]byte(nil), newPath...), g)
			if err := idx.collectMatching(childOff, branchPath, fullKey, out); err != nil {
				return err
			}
		}
	}
	return nil
}

// collectMatching enumerates every value in the subtree rooted at
// offsetFlags, testing the full reconstructed key of each as a glob
// pattern against fullKey.
func (idx *Index) collectMatching(offsetFlags uint32, pathPrefix []byte, fullKey string, out *[]Value) error {
	if offsetFlags == 0 {
		return nil
	}
	node, err := idx.readNode(offsetFlags)
	if err != nil {
		return err
	}
	full := append(append([]byte(nil), pathPrefix...), node.prefix...)

	if len(node.values) > 0 {
		if ok, merr := path.Match(string(full), fullKey); merr == nil && ok {
			*out = append(*out, node.values...)
		}
	}

	for c := 0; c < maxChildIndex; c++ {
		if childOff, ok := node.childAt(byte(c)); ok {
			branchPath := append(append([]byte(nil), full...), byte(c))
			if err := idx.collectMatching(childOff, branchPath, fullKey, out); err != nil {
				return err
			}
		}
	}
	return nil
}

// Dump writes an in-order traversal of the trie to w, one line per value,
// as "[alias ]<path> <value>" when withAliasPrefix is set, else
// "<path> <value>".
func (idx *Index) Dump(w io.Writer, withAliasPrefix bool) error {
	return idx.dumpNode(w, idx.root, nil, withAliasPrefix)
}

func (idx *Index) dumpNode(w io.Writer, offsetFlags uint32, pathSoFar []byte, withAliasPrefix bool) error {
	if offsetFlags == 0 {
		return nil
	}
	node, err := idx.readNode(offsetFlags)
	if err != nil {
		return err
	}
	full := append(append([]byte(nil), pathSoFar...), node.prefix...)

	for _, v := range node.values {
		if withAliasPrefix {
			if _, err := fmt.Fprintf(w, "alias %s %s\n", full, v.Value); err != nil {
				return err
			}
		} else {
			if _, err := fmt.Fprintf(w, "%s %s\n", full, v.Value); err != nil {
				return err
			}
		}
	}

	for c := 0; c < maxChildIndex; c++ {
		if childOff, ok := node.childAt(byte(c)); ok {
			branchPath := append(append([]byte(nil), full...), byte(c))
			if err := idx.dumpNode(w, childOff, branchPath, withAliasPrefix); err != nil {
				return err
			}
		}
	}
	return nil
}
