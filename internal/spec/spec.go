// Package spec implements the schema of a table: column names, column types,
// column attributes and the schemas of sub-table columns, stored as a small
// tree of arrays.
//
// The root ("top") array of a spec has three to five slots:
//   - 0: column types
//   - 1: column names
//   - 2: column attributes
//   - 3: sub-spec refs, one per Table column (zero ref if only slot 4 is needed)
//   - 4: enum key list refs, one per enum-encoded string column
//
// Slots 3 and 4 are added the first time they are needed and never removed.
//
// A Spec is a view. It does not own the storage it is attached to, and
// several views may be attached to the same tree; after one view mutates the
// tree the others must be refreshed. Breaking a structural contract (bad
// column index, wrong column type for the operation, malformed tree) panics.
package spec

import (
	"fmt"

	"github.com/arkilian/colspec/internal/alloc"
	"github.com/arkilian/colspec/internal/array"
	"github.com/arkilian/colspec/internal/errors"
	"github.com/arkilian/colspec/pkg/types"
)

const (
	slotTypes = iota
	slotNames
	slotAttrs
	slotSubspecs
	slotEnumKeys
)

// Spec is a live view of one table schema.
type Spec struct {
	alloc    *alloc.Allocator
	top      array.Array
	types    array.Array
	names    array.StringArray
	attrs    array.Array
	subspecs array.Array
	enumkeys array.Array

	repl Replication

	// set when the view was reached through a SubspecRef
	parent *Spec
}

// Reader is the read-only part of a Spec. Holders of a Reader can inspect
// a schema and its nested schemas but not change them.
type Reader interface {
	ColumnCount() int
	ColumnName(col int) string
	ColumnNames() []string
	ColumnIndex(name string) int
	ColumnType(col int) types.DataType
	ColumnAttr(col int) types.ColumnAttr
	ColumnInfo(col int) types.ColumnInfo
	SubcolumnInfo(path []int) types.ColumnInfo
	Subtable(col int) Reader
}

var _ Reader = (*Spec)(nil)

// ReadOnly returns s behind a Reader that cannot be converted back into a
// Spec.
func (s *Spec) ReadOnly() Reader { return view{s} }

type view struct{ s *Spec }

func (v view) ColumnCount() int { return v.s.ColumnCount() }
func (v view) ColumnName(col int) string { return v.s.ColumnName(col) }
func (v view) ColumnNames() []string { return v.s.ColumnNames() }
func (v view) ColumnIndex(name string) int { return v.s.ColumnIndex(name) }
func (v view) ColumnType(col int) types.DataType { return v.s.ColumnType(col) }
func (v view) ColumnAttr(col int) types.ColumnAttr { return v.s.ColumnAttr(col) }
func (v view) ColumnInfo(col int) types.ColumnInfo { return v.s.ColumnInfo(col) }
func (v view) SubcolumnInfo(path []int) types.ColumnInfo { return v.s.SubcolumnInfo(path) }
func (v view) Subtable(col int) Reader { return v.s.Subtable(col) }

// Option configures a Spec view.
type Option func(*Spec)

// WithReplication routes change notifications to r. Views resolved from this
// one inherit it.
func WithReplication(r Replication) Option {
	return func(s *Spec) {
		if r != nil {
			s.repl = r
		}
	}
}

// Create builds an empty schema tree and returns the ref of its top array.
func Create(a *alloc.Allocator) alloc.Ref {
	top := array.New(a, array.TypeHasRefs)
	top.AddRef(array.New(a, array.TypeNormal).Ref())
	top.AddRef(array.NewString(a).Ref())
	top.AddRef(array.New(a, array.TypeNormal).Ref())
	return top.Ref()
}

// Attach creates a view of the schema whose top array is at ref. parent and
// ndx name the slot that holds ref; parent may be nil for a free-standing
// tree.
func Attach(a *alloc.Allocator, ref alloc.Ref, parent array.Parent, ndx int, opts ...Option) *Spec {
	s := &Spec{alloc: a, repl: NopReplication{}}
	for _, opt := range opts {
		opt(s)
	}
	s.init(ref, parent, ndx)
	return s
}

func (s *Spec) init(ref alloc.Ref, parent array.Parent, ndx int) {
	s.top.Attach(s.alloc, ref)
	s.top.SetParent(parent, ndx)
	n := s.top.Size()
	errors.Invariant(n >= 3 && n <= 5, "spec: top array at %d has %d slots, want 3 to 5", ref, n)

	s.types.Attach(s.alloc, s.top.GetRef(slotTypes))
	s.types.SetParent(&s.top, slotTypes)
	s.names.Attach(s.alloc, s.top.GetRef(slotNames))
	s.names.SetParent(&s.top, slotNames)
	s.attrs.Attach(s.alloc, s.top.GetRef(slotAttrs))
	s.attrs.SetParent(&s.top, slotAttrs)

	s.subspecs.Detach()
	if n > slotSubspecs {
		if ref := s.top.GetRef(slotSubspecs); ref != alloc.NullRef {
			s.subspecs.Attach(s.alloc, ref)
			s.subspecs.SetParent(&s.top, slotSubspecs)
		}
	}

	s.enumkeys.Detach()
	if n > slotEnumKeys {
		s.enumkeys.Attach(s.alloc, s.top.GetRef(slotEnumKeys))
		s.enumkeys.SetParent(&s.top, slotEnumKeys)
	}
}

// Refresh re-reads the tree after something other than this view may have
// moved it: another view's mutation, or a commit. oldBaseline is the
// allocator baseline from before that happened. It reports whether the top
// array changed; when it did not, nothing below it changed either.
func (s *Spec) Refresh(oldBaseline alloc.Ref) bool {
	if !s.top.Refresh(oldBaseline) {
		return false
	}

	s.types.Refresh(oldBaseline)
	s.names.Refresh(oldBaseline)
	s.attrs.Refresh(oldBaseline)

	n := s.top.Size()
	if n > slotSubspecs {
		refreshOptional(&s.subspecs, &s.top, slotSubspecs, oldBaseline)
	}
	if n > slotEnumKeys {
		refreshOptional(&s.enumkeys, &s.top, slotEnumKeys, oldBaseline)
	}
	return true
}

// refreshOptional handles a member that another view may have created or
// that may hold a zero ref.
func refreshOptional(member, top *array.Array, slot int, oldBaseline alloc.Ref) {
	ref := top.GetRef(slot)
	switch {
	case ref == alloc.NullRef:
		member.Detach()
	case member.IsAttached():
		member.Refresh(oldBaseline)
	default:
		member.Attach(top.Alloc(), ref)
		member.SetParent(top, slot)
	}
}

// Close ends the view and notifies replication. Storage is left untouched.
func (s *Spec) Close() {
	if !s.top.IsAttached() {
		return
	}
	s.repl.SpecDestroyed(s)
	s.top.Detach()
	s.types.Detach()
	s.names.Detach()
	s.attrs.Detach()
	s.subspecs.Detach()
	s.enumkeys.Detach()
}

// Ref returns the current location of the top array.
func (s *Spec) Ref() alloc.Ref { return s.top.Ref() }

// Alloc returns the allocator the tree lives in.
func (s *Spec) Alloc() *alloc.Allocator { return s.alloc }

// Replication returns the observer notified by this view.
func (s *Spec) Replication() Replication { return s.repl }

// TopSize returns the number of slots in the top array.
func (s *Spec) TopSize() int { return s.top.Size() }

// SubspecCount returns the number of nested schemas.
func (s *Spec) SubspecCount() int {
	if !s.subspecs.IsAttached() {
		return 0
	}
	return s.subspecs.Size()
}

// EnumKeysCount returns the number of enum key lists.
func (s *Spec) EnumKeysCount() int {
	if !s.enumkeys.IsAttached() {
		return 0
	}
	return s.enumkeys.Size()
}

// ColumnCount returns the number of columns.
func (s *Spec) ColumnCount() int { return s.types.Size() }

// ColumnName returns the name of column col.
func (s *Spec) ColumnName(col int) string {
	s.checkColumn(col)
	return s.names.Get(col)
}

// ColumnNames returns all column names in order.
func (s *Spec) ColumnNames() []string { return s.names.Values() }

// ColumnIndex returns the index of the first column called name, or -1.
func (s *Spec) ColumnIndex(name string) int { return s.names.Find(name) }

// ColumnType returns the type of column col as callers see it. Enum-encoded
// string columns report TypeString.
func (s *Spec) ColumnType(col int) types.DataType {
	return s.RealColumnType(col).DataType()
}

// RealColumnType returns the stored type code of column col.
func (s *Spec) RealColumnType(col int) ColumnType {
	s.checkColumn(col)
	return ColumnType(s.types.Get(col))
}

func (s *Spec) setColumnType(col int, t ColumnType) {
	s.checkColumn(col)
	s.types.Set(col, int64(t))
}

// ColumnAttr returns the attribute bitmask of column col.
func (s *Spec) ColumnAttr(col int) types.ColumnAttr {
	s.checkColumn(col)
	return types.ColumnAttr(s.attrs.Get(col))
}

// SetColumnAttr replaces the attribute bitmask of column col.
func (s *Spec) SetColumnAttr(col int, attr types.ColumnAttr) {
	s.checkColumn(col)
	s.attrs.Set(col, int64(attr))
}

// Equal reports whether both specs have the same column types and names in
// the same order. Attributes and nested schemas are not compared.
func (s *Spec) Equal(other *Spec) bool {
	if !s.types.Compare(&other.types) {
		return false
	}
	return s.names.Compare(&other.names)
}

// Verify checks the structural consistency of the view against its tree.
func (s *Spec) Verify() error {
	n := s.ColumnCount()
	if s.names.Size() != n || s.attrs.Size() != n {
		return fmt.Errorf("spec: column arrays disagree: %d types, %d names, %d attrs",
			n, s.names.Size(), s.attrs.Size())
	}
	if s.types.Ref() != s.top.GetRef(slotTypes) {
		return fmt.Errorf("spec: type array ref %d differs from top slot %d", s.types.Ref(), s.top.GetRef(slotTypes))
	}
	if s.names.Ref() != s.top.GetRef(slotNames) {
		return fmt.Errorf("spec: name array ref %d differs from top slot %d", s.names.Ref(), s.top.GetRef(slotNames))
	}
	if s.attrs.Ref() != s.top.GetRef(slotAttrs) {
		return fmt.Errorf("spec: attribute array ref %d differs from top slot %d", s.attrs.Ref(), s.top.GetRef(slotAttrs))
	}

	tables, enums := 0, 0
	for i := 0; i < n; i++ {
		switch ColumnType(s.types.Get(i)) {
		case ColTypeTable:
			tables++
		case ColTypeStringEnum:
			enums++
		}
	}
	if got := s.SubspecCount(); got != tables {
		return fmt.Errorf("spec: %d sub-specs for %d table columns", got, tables)
	}
	if got := s.EnumKeysCount(); got != enums {
		return fmt.Errorf("spec: %d enum key lists for %d enum columns", got, enums)
	}
	if s.subspecs.IsAttached() && s.subspecs.Ref() != s.top.GetRef(slotSubspecs) {
		return fmt.Errorf("spec: sub-spec array ref %d differs from top slot %d", s.subspecs.Ref(), s.top.GetRef(slotSubspecs))
	}
	if s.enumkeys.IsAttached() && s.enumkeys.Ref() != s.top.GetRef(slotEnumKeys) {
		return fmt.Errorf("spec: enum key array ref %d differs from top slot %d", s.enumkeys.Ref(), s.top.GetRef(slotEnumKeys))
	}
	return nil
}

func (s *Spec) checkColumn(col int) {
	errors.Invariant(col >= 0 && col < s.types.Size(),
		"spec: column index %d out of range (%d columns)", col, s.types.Size())
}
