package spec

import (
	"github.com/arkilian/colspec/internal/alloc"
	"github.com/arkilian/colspec/internal/array"
	"github.com/arkilian/colspec/internal/errors"
)

// SubspecRef is a handle to the nested schema of a Table column. It holds
// the owning spec and the slot in its sub-spec list, and resolves the
// nested tree afresh every time it is used. It does not own the schema.
type SubspecRef struct {
	parent *Spec
	ndx    int
}

// Ref returns the ref currently stored for the nested schema.
func (r SubspecRef) Ref() alloc.Ref {
	return r.parent.subspecs.GetRef(r.ndx)
}

// ParentArray returns the sub-spec list that holds the nested schema's ref.
func (r SubspecRef) ParentArray() *array.Array {
	return &r.parent.subspecs
}

// NdxInParent returns the slot of the nested schema in ParentArray.
func (r SubspecRef) NdxInParent() int { return r.ndx }

// Spec builds a live view of the nested schema. Changes made through it
// propagate to the owning spec.
func (r SubspecRef) Spec() *Spec {
	p := r.parent
	errors.Invariant(p.subspecs.IsAttached(), "spec: sub-spec %d of a spec without table columns", r.ndx)
	child := Attach(p.alloc, p.subspecs.GetRef(r.ndx), &p.subspecs, r.ndx, WithReplication(p.repl))
	child.parent = p
	return child
}

// SubtableSpec returns a handle to the nested schema of Table column col.
func (s *Spec) SubtableSpec(col int) SubspecRef {
	errors.Invariant(s.RealColumnType(col) == ColTypeTable,
		"spec: column %d is %s, not a Table column", col, s.RealColumnType(col))
	return SubspecRef{parent: s, ndx: s.SubspecIndex(col)}
}

// Subtable returns a read-only view of the nested schema of Table column
// col.
func (s *Spec) Subtable(col int) Reader {
	return s.SubtableSpec(col).Spec().ReadOnly()
}

// SubspecRefAt returns the ref of the nested schema at position ndx of the
// sub-spec list, which counts Table columns only.
func (s *Spec) SubspecRefAt(ndx int) alloc.Ref {
	errors.Invariant(ndx >= 0 && ndx < s.SubspecCount(),
		"spec: sub-spec index %d out of range (%d sub-specs)", ndx, s.SubspecCount())
	return s.subspecs.GetRef(ndx)
}

// SubspecAt returns a handle to the nested schema at position ndx of the
// sub-spec list. It is the inverse of one SubspecPath step.
func (s *Spec) SubspecAt(ndx int) SubspecRef {
	errors.Invariant(ndx >= 0 && ndx < s.SubspecCount(),
		"spec: sub-spec index %d out of range (%d sub-specs)", ndx, s.SubspecCount())
	return SubspecRef{parent: s, ndx: ndx}
}

// SubspecPath returns, outermost first, the sub-spec list positions that lead
// from the root view to s. It is empty for a root view.
func (s *Spec) SubspecPath() []int {
	var path []int
	for cur := s; cur.parent != nil; cur = cur.parent {
		path = append(path, cur.top.NdxInParent())
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}

// Root returns the outermost view s was resolved from.
func (s *Spec) Root() *Spec {
	cur := s
	for cur.parent != nil {
		cur = cur.parent
	}
	return cur
}

// descend follows the Table columns in path and returns the view at the end.
func (s *Spec) descend(path []int) *Spec {
	cur := s
	for _, col := range path {
		cur = cur.SubtableSpec(col).Spec()
	}
	return cur
}
