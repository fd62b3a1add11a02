package spec

import (
	"fmt"

	"github.com/arkilian/colspec/internal/alloc"
	"github.com/arkilian/colspec/internal/array"
	"github.com/arkilian/colspec/internal/errors"
	"github.com/arkilian/colspec/pkg/types"
)

// AddColumn appends a column and returns its index. A Table column gets a
// fresh empty nested schema. owner names the table the change is reported
// under.
//
// The column is in place even when the replication observer fails; the
// returned error only reports that the change was not recorded.
func (s *Spec) AddColumn(owner string, typ types.DataType, name string, attrs ...types.ColumnAttr) (int, error) {
	errors.Invariant(typ.Valid(), "spec: cannot add column %q of unknown type %d", name, int(typ))

	attr := types.AttrNone
	for _, a := range attrs {
		attr |= a
	}

	s.names.Add(name)
	s.types.Add(int64(typ))
	s.attrs.Add(int64(attr))

	if typ == types.TypeTable {
		if !s.subspecs.IsAttached() {
			s.subspecs.Create(s.alloc, array.TypeHasRefs)
			if s.top.Size() == slotSubspecs {
				s.top.AddRef(s.subspecs.Ref())
			} else {
				s.top.SetRef(slotSubspecs, s.subspecs.Ref())
			}
			s.subspecs.SetParent(&s.top, slotSubspecs)
		}
		s.subspecs.AddRef(Create(s.alloc))
	}

	col := s.names.Size() - 1
	if err := s.repl.ColumnAdded(owner, s, typ, name); err != nil {
		return col, errors.Wrap(errors.ErrCategorySchema, errors.CodeReplication,
			fmt.Sprintf("failed to record new column %q of table %q", name, owner), err)
	}
	return col, nil
}

// AddSubcolumn adds a column to the nested schema reached by following the
// Table columns in path. An empty path adds to s itself.
func (s *Spec) AddSubcolumn(owner string, path []int, typ types.DataType, name string) (int, error) {
	if len(path) == 0 {
		return s.AddColumn(owner, typ, name)
	}
	return s.descend(path).AddColumn(owner, typ, name)
}

// AddSubtableColumn adds a Table column and returns a handle to its nested
// schema.
func (s *Spec) AddSubtableColumn(owner, name string) (SubspecRef, error) {
	col, err := s.AddColumn(owner, types.TypeTable, name)
	return s.SubtableSpec(col), err
}

// RenameColumn changes the name of column col.
func (s *Spec) RenameColumn(col int, name string) {
	s.checkColumn(col)
	s.names.Set(col, name)
}

// RenameSubcolumn renames the column at the end of path. All but the last
// element of path must be Table columns.
func (s *Spec) RenameSubcolumn(path []int, name string) {
	errors.Invariant(len(path) > 0, "spec: empty column path")
	last := len(path) - 1
	s.descend(path[:last]).RenameColumn(path[last], name)
}

// RemoveColumn deletes column col. The nested schema of a Table column and
// the key list of an enum column are destroyed with it.
func (s *Spec) RemoveColumn(col int) {
	s.checkColumn(col)

	switch ColumnType(s.types.Get(col)) {
	case ColTypeTable:
		ndx := s.SubspecIndex(col)
		array.Destroy(s.alloc, s.subspecs.GetRef(ndx))
		s.subspecs.Erase(ndx)
	case ColTypeStringEnum:
		ndx := s.EnumKeysIndex(col)
		array.Destroy(s.alloc, s.enumkeys.GetRef(ndx))
		s.enumkeys.Erase(ndx)
	}

	s.names.Erase(col)
	s.types.Erase(col)
	s.attrs.Erase(col)
}

// RemoveSubcolumn removes the column at the end of path.
func (s *Spec) RemoveSubcolumn(path []int) {
	errors.Invariant(len(path) > 0, "spec: empty column path")
	last := len(path) - 1
	s.descend(path[:last]).RemoveColumn(path[last])
}

// UpgradeStringToEnum switches a string column to enum encoding. keysRef is
// the key list the caller built; the returned parent and slot are where it
// now lives, so the caller can attach to it.
func (s *Spec) UpgradeStringToEnum(col int, keysRef alloc.Ref) (array.Parent, int) {
	errors.Invariant(s.RealColumnType(col) == ColTypeString,
		"spec: column %d is %s, only String columns can be enum-encoded", col, s.RealColumnType(col))

	if !s.enumkeys.IsAttached() {
		s.enumkeys.Create(s.alloc, array.TypeHasRefs)
		if s.top.Size() == slotSubspecs {
			s.top.AddRef(alloc.NullRef)
		}
		if s.top.Size() == slotEnumKeys {
			s.top.AddRef(s.enumkeys.Ref())
		} else {
			s.top.SetRef(slotEnumKeys, s.enumkeys.Ref())
		}
		s.enumkeys.SetParent(&s.top, slotEnumKeys)
	}

	pos := s.EnumKeysIndex(col)
	s.enumkeys.InsertRef(pos, keysRef)
	s.setColumnType(col, ColTypeStringEnum)

	return &s.enumkeys, pos
}

// EnumKeysRef returns the key list of enum column col together with the
// slot that holds it.
func (s *Spec) EnumKeysRef(col int) (alloc.Ref, array.Parent, int) {
	errors.Invariant(s.RealColumnType(col) == ColTypeStringEnum,
		"spec: column %d is not enum-encoded", col)
	ndx := s.EnumKeysIndex(col)
	return s.enumkeys.GetRef(ndx), &s.enumkeys, ndx
}

// SubspecIndex returns the position in the sub-spec list that belongs to
// column col: the number of Table columns before it.
func (s *Spec) SubspecIndex(col int) int {
	return s.countBefore(col, ColTypeTable)
}

// EnumKeysIndex returns the position in the enum key list that belongs to
// column col: the number of enum columns before it.
func (s *Spec) EnumKeysIndex(col int) int {
	return s.countBefore(col, ColTypeStringEnum)
}

// countBefore is recomputed on every call because columns may have been
// added or removed since the last one.
func (s *Spec) countBefore(col int, t ColumnType) int {
	errors.Invariant(col >= 0 && col <= s.types.Size(),
		"spec: column index %d out of range (%d columns)", col, s.types.Size())
	n := 0
	for i := 0; i < col; i++ {
		if ColumnType(s.types.Get(i)) == t {
			n++
		}
	}
	return n
}

// ColumnPos returns the physical slot of column col in the row storage
// layer. Every indexed column before col takes an extra slot for its index.
func (s *Spec) ColumnPos(col int) int {
	errors.Invariant(col >= 0 && col <= s.attrs.Size(),
		"spec: column index %d out of range (%d columns)", col, s.attrs.Size())
	offset := 0
	for i := 0; i < col; i++ {
		if types.ColumnAttr(s.attrs.Get(i)).Has(types.AttrIndexed) {
			offset++
		}
	}
	return col + offset
}

// ColumnInfo describes where column col is stored.
func (s *Spec) ColumnInfo(col int) types.ColumnInfo {
	return types.ColumnInfo{
		ColumnRefIndex: s.ColumnPos(col),
		HasIndex:       s.ColumnAttr(col).Has(types.AttrIndexed),
	}
}

// SubcolumnInfo describes the column at the end of path.
func (s *Spec) SubcolumnInfo(path []int) types.ColumnInfo {
	errors.Invariant(len(path) > 0, "spec: empty column path")
	last := len(path) - 1
	return s.descend(path[:last]).ColumnInfo(path[last])
}
