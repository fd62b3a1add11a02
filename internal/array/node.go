// Package array implements the variable-width arrays a colspec tree is made
// of.
//
// Every array lives in one allocator block that starts with an 8-byte header:
//   - byte 0: flags (0x01 has refs, 0x02 string array)
//   - byte 1: element width in bits (0, 1, 2, 4, 8, 16, 32 or 64)
//   - bytes 2-5: element count (uint32, little-endian)
//   - bytes 6-7: reserved
//
// An array remembers the parent slot that holds its ref. Whenever a mutation
// has to move the array (copy-on-write of a committed block, or growth past
// the block's capacity) the parent slot is rewritten, which in turn may move
// the parent, all the way up to the root.
package array

import (
	"encoding/binary"

	"github.com/arkilian/colspec/internal/alloc"
	"github.com/arkilian/colspec/internal/errors"
)

// HeaderSize is the size of the block header in bytes.
const HeaderSize = 8

const (
	flagHasRefs byte = 0x01
	flagString  byte = 0x02
)

// Type selects whether an integer array holds child refs.
type Type int

const (
	TypeNormal Type = iota
	TypeHasRefs
)

// Parent is implemented by anything that stores the ref of a child array.
type Parent interface {
	// ChildRef returns the ref currently stored in slot ndx.
	ChildRef(ndx int) alloc.Ref

	// UpdateChildRef stores a new ref in slot ndx after the child moved.
	UpdateChildRef(ndx int, ref alloc.Ref)
}

type header struct {
	flags byte
	width int
	size  int
}

func readHeader(buf []byte) header {
	errors.Invariant(len(buf) >= HeaderSize, "array: block of %d bytes has no header", len(buf))
	return header{
		flags: buf[0],
		width: int(buf[1]),
		size:  int(binary.LittleEndian.Uint32(buf[2:6])),
	}
}

func writeHeader(buf []byte, h header) {
	buf[0] = h.flags
	buf[1] = byte(h.width)
	binary.LittleEndian.PutUint32(buf[2:6], uint32(h.size))
	buf[6] = 0
	buf[7] = 0
}

// node is the part shared by integer and string arrays: where the array
// lives and who points at it.
type node struct {
	alloc       *alloc.Allocator
	ref         alloc.Ref
	parent      Parent
	ndxInParent int
}

// Ref returns the current location of the array.
func (n *node) Ref() alloc.Ref { return n.ref }

// Alloc returns the allocator the array lives in.
func (n *node) Alloc() *alloc.Allocator { return n.alloc }

// IsAttached reports whether the array refers to a block.
func (n *node) IsAttached() bool { return n.ref != alloc.NullRef }

// SetParent records the slot that holds this array's ref.
func (n *node) SetParent(p Parent, ndx int) {
	n.parent = p
	n.ndxInParent = ndx
}

// Parent returns the parent set with SetParent, or nil.
func (n *node) Parent() Parent { return n.parent }

// NdxInParent returns the slot index in the parent.
func (n *node) NdxInParent() int { return n.ndxInParent }

// RefFromParent reads the ref currently stored in the parent slot.
func (n *node) RefFromParent() alloc.Ref {
	if n.parent == nil {
		return alloc.NullRef
	}
	return n.parent.ChildRef(n.ndxInParent)
}

// Detach forgets the block without freeing it.
func (n *node) Detach() {
	n.ref = alloc.NullRef
}

func (n *node) bytes() []byte {
	errors.Invariant(n.IsAttached(), "array: use of detached array")
	return n.alloc.Translate(n.ref)
}

// writable returns a block that may be modified in place and holds at least
// needed bytes, moving the array first if the current block is committed or
// too small.
func (n *node) writable(needed int) []byte {
	buf := n.bytes()
	readOnly := n.alloc.IsReadOnly(n.ref)
	if !readOnly && needed <= len(buf) {
		return buf
	}

	capacity := len(buf)
	for capacity < needed {
		capacity *= 2
	}

	newRef, newBuf := n.alloc.Realloc(n.ref, capacity)
	n.ref = newRef
	if n.parent != nil {
		n.parent.UpdateChildRef(n.ndxInParent, newRef)
	}
	return newBuf
}

// refreshRef reports the ref the view should re-attach to, or false when the
// cached ref is known to be current.
//
// A ref below oldBaseline belongs to the previous committed version, which is
// never modified in place, so if the parent still holds the same ref the
// array is unchanged.
func (n *node) refreshRef(oldBaseline alloc.Ref) (alloc.Ref, bool) {
	if n.parent == nil {
		return alloc.NullRef, false
	}
	newRef := n.parent.ChildRef(n.ndxInParent)
	if newRef == n.ref && newRef < oldBaseline {
		return alloc.NullRef, false
	}
	return newRef, true
}

// Destroy frees the block at ref and, for arrays with refs, every block
// reachable from it.
func Destroy(a *alloc.Allocator, ref alloc.Ref) {
	if ref == alloc.NullRef {
		return
	}
	buf := a.Translate(ref)
	h := readHeader(buf)
	if h.flags&flagHasRefs != 0 {
		for i := 0; i < h.size; i++ {
			if child := alloc.Ref(getValue(buf, i, h.width)); child != alloc.NullRef {
				Destroy(a, child)
			}
		}
	}
	a.Free(ref)
}

// Kind is what a block holds according to its header.
type Kind int

const (
	KindInvalid Kind = iota
	KindInts
	KindRefs
	KindStrings
)

// Inspect reports the kind and element count of the array at ref without
// attaching to it. Anything that is not a well-formed array block is
// KindInvalid: an unknown ref, a block shorter than its header claims, an
// unsupported width or string offsets running past the block. Inspect never
// panics, so trees read from outside can be vetted with it before Attach.
func Inspect(a *alloc.Allocator, ref alloc.Ref) (Kind, int) {
	if ref == alloc.NullRef || !a.Contains(ref) {
		return KindInvalid, 0
	}
	buf := a.Translate(ref)
	if len(buf) < HeaderSize {
		return KindInvalid, 0
	}
	h := readHeader(buf)
	if h.flags&^(flagHasRefs|flagString) != 0 {
		return KindInvalid, 0
	}

	if h.flags&flagString != 0 {
		if h.flags&flagHasRefs != 0 || h.width != 0 || !stringsFit(buf, h.size) {
			return KindInvalid, 0
		}
		return KindStrings, h.size
	}

	switch h.width {
	case 0, 1, 2, 4, 8, 16, 32, 64:
	default:
		return KindInvalid, 0
	}
	if HeaderSize+byteSize(h.size, h.width) > len(buf) {
		return KindInvalid, 0
	}
	if h.flags&flagHasRefs != 0 {
		return KindRefs, h.size
	}
	return KindInts, h.size
}

// stringsFit checks that the offset table and the string bytes it
// describes lie inside buf.
func stringsFit(buf []byte, size int) bool {
	dataStart := HeaderSize + 4*size
	if dataStart > len(buf) {
		return false
	}
	prev := uint32(0)
	for i := 0; i < size; i++ {
		end := binary.LittleEndian.Uint32(buf[HeaderSize+4*i:])
		if end < prev {
			return false
		}
		prev = end
	}
	return int(prev) <= len(buf)-dataStart
}
