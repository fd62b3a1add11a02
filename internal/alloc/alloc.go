// Package alloc provides the arena that backs every array of a colspec tree.
//
// Storage is handed out as blocks addressed by a Ref, an 8-byte aligned
// offset into a virtual arena. Ref 0 is the null ref. Blocks below the
// baseline belong to the last committed version and are read-only: an array
// that wants to change one must copy it to a fresh block first and tell its
// parent about the new location. Commit raises the baseline to the end of
// the arena, freezing everything written so far.
//
// The allocator is not safe for concurrent use. A tree has a single writer.
package alloc

import (
	"sort"

	"github.com/arkilian/colspec/internal/errors"
)

// Ref identifies a block in the arena.
type Ref uint64

// NullRef is the zero ref. It never addresses a block.
const NullRef Ref = 0

// Alignment is the granularity of refs and block sizes.
const Alignment = 8

// Allocator owns the blocks of one arena.
type Allocator struct {
	blocks   map[Ref][]byte
	next     Ref
	baseline Ref

	// read-only blocks released since the last commit; they stay readable
	// until then because older views may still point at them
	pendingFree []Ref
}

// New creates an empty allocator with nothing read-only.
func New() *Allocator {
	return &Allocator{
		blocks:   make(map[Ref][]byte),
		next:     Alignment,
		baseline: Alignment,
	}
}

// Alloc reserves a zeroed block of at least size bytes.
func (a *Allocator) Alloc(size int) (Ref, []byte) {
	errors.Invariant(size >= 0, "alloc: negative block size %d", size)
	size = alignUp(size)
	if size == 0 {
		size = Alignment
	}
	ref := a.next
	a.next += Ref(size)
	buf := make([]byte, size)
	a.blocks[ref] = buf
	return ref, buf
}

// Realloc moves the block at ref into a new block of at least size bytes,
// copying the old contents, and frees the old block.
func (a *Allocator) Realloc(ref Ref, size int) (Ref, []byte) {
	old := a.Translate(ref)
	newRef, buf := a.Alloc(size)
	copy(buf, old)
	a.Free(ref)
	return newRef, buf
}

// Translate returns the bytes of the block at ref.
func (a *Allocator) Translate(ref Ref) []byte {
	buf, ok := a.blocks[ref]
	errors.Invariant(ok, "alloc: ref %d does not address a live block", ref)
	return buf
}

// Contains reports whether ref addresses a live block.
func (a *Allocator) Contains(ref Ref) bool {
	_, ok := a.blocks[ref]
	return ok
}

// Free releases the block at ref. Read-only blocks are released at the next
// commit.
func (a *Allocator) Free(ref Ref) {
	if ref == NullRef {
		return
	}
	errors.Invariant(a.Contains(ref), "alloc: double free of ref %d", ref)
	if a.IsReadOnly(ref) {
		for _, p := range a.pendingFree {
			errors.Invariant(p != ref, "alloc: double free of ref %d", ref)
		}
		a.pendingFree = append(a.pendingFree, ref)
		return
	}
	delete(a.blocks, ref)
}

// IsReadOnly reports whether the block at ref belongs to a committed version.
func (a *Allocator) IsReadOnly(ref Ref) bool {
	return ref < a.baseline
}

// Baseline returns the first writable ref.
func (a *Allocator) Baseline() Ref {
	return a.baseline
}

// Commit releases pending frees and freezes every live block. It returns the
// previous baseline, which callers pass to Refresh on their views.
func (a *Allocator) Commit() Ref {
	old := a.baseline
	for _, ref := range a.pendingFree {
		delete(a.blocks, ref)
	}
	a.pendingFree = nil
	a.baseline = a.next
	return old
}

// BlockCount returns the number of live blocks, including blocks waiting to
// be released at commit.
func (a *Allocator) BlockCount() int {
	return len(a.blocks)
}

// UsedBytes returns the total size of live blocks.
func (a *Allocator) UsedBytes() int {
	total := 0
	for _, b := range a.blocks {
		total += len(b)
	}
	return total
}

// liveRefs returns the refs of all blocks that survive a commit, in order.
func (a *Allocator) liveRefs() []Ref {
	pending := make(map[Ref]struct{}, len(a.pendingFree))
	for _, ref := range a.pendingFree {
		pending[ref] = struct{}{}
	}
	refs := make([]Ref, 0, len(a.blocks))
	for ref := range a.blocks {
		if _, ok := pending[ref]; ok {
			continue
		}
		refs = append(refs, ref)
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i] < refs[j] })
	return refs
}

func alignUp(n int) int {
	return (n + Alignment - 1) &^ (Alignment - 1)
}
