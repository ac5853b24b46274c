package trie

import (
	"bytes"
	"encoding/binary"
)

// Builder accumulates key/value/priority triples and serializes them to the
// on-disk trie format. It is the in-memory incremental writer described
// alongside the file and mmap readers: either reader can consume a file
// produced by Builder.
//
// Adapted from the Patricia-insert shape in modindex.go, corrected to
// properly split on partial prefix matches at arbitrary depth and to keep
// value lists priority-ordered (the original only appended in insertion
// order).
type Builder struct {
	root *buildNode
}

type buildNode struct {
	prefix   []byte
	children [maxChildIndex]*buildNode
	values   []Value
}

// NewBuilder returns an empty trie builder.
func NewBuilder() *Builder {
	return &Builder{root: &buildNode{}}
}

// Insert adds value at priority under key. It reports whether an identical
// (priority, value) pair already existed at key.
func (b *Builder) Insert(key string, value string, priority uint32) (duplicate bool) {
	b.root, duplicate = insertNode(b.root, []byte(key), value, priority)
	return duplicate
}

func insertNode(node *buildNode, key []byte, value string, priority uint32) (*buildNode, bool) {
	if node == nil {
		node = &buildNode{prefix: append([]byte(nil), key...)}
		node.addValue(value, priority)
		return node, false
	}

	common := commonPrefixLen(node.prefix, key)

	if common < len(node.prefix) {
		// Split: the existing node's prefix diverges from key at
		// common. Pull out a new parent holding the shared prefix,
		// demote the old node under it keyed by the differing byte.
		splitByte := node.prefix[common]
		parent := &buildNode{prefix: append([]byte(nil), node.prefix[:common]...)}
		node.prefix = node.prefix[common+1:]
		parent.children[splitByte] = node

		rest := key[common:]
		if len(rest) == 0 {
			dup := parent.addValue(value, priority)
			return parent, dup
		}
		c := rest[0]
		child, dup := insertNode(parent.children[c], rest[1:], value, priority)
		parent.children[c] = child
		return parent, dup
	}

	// node.prefix fully consumed by key.
	rest := key[common:]
	if len(rest) == 0 {
		dup := node.addValue(value, priority)
		return node, dup
	}
	c := rest[0]
	child, dup := insertNode(node.children[c], rest[1:], value, priority)
	node.children[c] = child
	return node, dup
}

func commonPrefixLen(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}

// addValue inserts (priority, value) keeping the list ascending by
// priority, ties broken by insertion order. Returns true if an identical
// entry already existed.
func (n *buildNode) addValue(value string, priority uint32) bool {
	for _, v := range n.values {
		if v.Priority == priority && v.Value == value {
			return true
		}
	}
	idx := len(n.values)
	for i, v := range n.values {
		if v.Priority > priority {
			idx = i
			break
		}
	}
	n.values = append(n.values, Value{})
	copy(n.values[idx+1:], n.values[idx:])
	n.values[idx] = Value{Priority: priority, Value: value}
	return false
}

// Bytes serializes the trie to the on-disk format.
func (b *Builder) Bytes() []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.BigEndian, uint32(Magic))
	binary.Write(buf, binary.BigEndian, uint32(version))
	binary.Write(buf, binary.BigEndian, uint32(0)) // root offset placeholder

	rootOffset := serializeNode(buf, b.root)

	out := buf.Bytes()
	binary.BigEndian.PutUint32(out[8:12], rootOffset)
	return out
}

// serializeNode writes node and its children in post-order (children
// first) so each child's absolute byte offset is known before the parent
// references it, and returns node's own offset-with-flags word.
func serializeNode(buf *bytes.Buffer, node *buildNode) uint32 {
	if node == nil {
		return 0
	}

	var childOffsets [maxChildIndex]uint32
	first, last := -1, -1
	for i := 0; i < maxChildIndex; i++ {
		if node.children[i] != nil {
			childOffsets[i] = serializeNode(buf, node.children[i])
			if first < 0 {
				first = i
			}
			last = i
		}
	}

	offset := uint32(buf.Len())
	var flags uint32

	if len(node.prefix) > 0 {
		flags |= flagPrefix
		buf.Write(node.prefix)
		buf.WriteByte(0)
	}

	if first >= 0 {
		flags |= flagChilds
		buf.WriteByte(byte(first))
		buf.WriteByte(byte(last))
		for i := first; i <= last; i++ {
			binary.Write(buf, binary.BigEndian, childOffsets[i])
		}
	}

	if len(node.values) > 0 {
		flags |= flagValues
		binary.Write(buf, binary.BigEndian, uint32(len(node.values)))
		for _, v := range node.values {
			binary.Write(buf, binary.BigEndian, v.Priority)
			buf.WriteString(v.Value)
			buf.WriteByte(0)
		}
	}

	return offset | flags
}
