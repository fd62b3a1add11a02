package group

import (
	"fmt"

	"github.com/arkilian/colspec/internal/array"
	"github.com/arkilian/colspec/internal/errors"
	"github.com/arkilian/colspec/internal/spec"
	"github.com/arkilian/colspec/pkg/types"
)

// Table is a view of one table of a group. Every schema edit goes through
// it so that link targets stay aligned with the columns and the group's
// Recorder sees the change. Nested columns are addressed by a column path:
// all but the last element name Table columns to descend through, the last
// one names the column itself.
type Table struct {
	group   *Group
	ndx     int
	name    string
	spec    *spec.Spec
	targets array.Array
}

// Name returns the table name.
func (t *Table) Name() string { return t.name }

// Index returns the position of the table in its group.
func (t *Table) Index() int { return t.ndx }

// Group returns the group the table belongs to.
func (t *Table) Group() *Group { return t.group }

// Schema returns a read-only view of the table's columns and nested
// schemas.
func (t *Table) Schema() spec.Reader { return t.spec.ReadOnly() }

// SameSchema reports whether both tables have the same top-level column
// names and types.
func (t *Table) SameSchema(other *Table) bool {
	t.group.mu.Lock()
	defer t.group.mu.Unlock()
	if other.group != t.group {
		other.group.mu.Lock()
		defer other.group.mu.Unlock()
	}
	return t.spec.Equal(other.spec)
}

// ColumnCount returns the number of top-level columns.
func (t *Table) ColumnCount() int {
	t.group.mu.Lock()
	defer t.group.mu.Unlock()
	return t.spec.ColumnCount()
}

// ColumnIndex returns the index of the column called name, or -1.
func (t *Table) ColumnIndex(name string) int {
	t.group.mu.Lock()
	defer t.group.mu.Unlock()
	return t.spec.ColumnIndex(name)
}

// ColumnName returns the name of top-level column col.
func (t *Table) ColumnName(col int) string {
	t.group.mu.Lock()
	defer t.group.mu.Unlock()
	return t.spec.ColumnName(col)
}

// ColumnType returns the type of top-level column col.
func (t *Table) ColumnType(col int) types.DataType {
	t.group.mu.Lock()
	defer t.group.mu.Unlock()
	return t.spec.ColumnType(col)
}

// AddColumn appends a column. Link columns added this way have no target
// table; use AddLinkColumn to record one.
func (t *Table) AddColumn(typ types.DataType, name string, attrs ...types.ColumnAttr) (int, error) {
	t.group.mu.Lock()
	defer t.group.mu.Unlock()
	return t.addIn(t.spec, typ, name, attrs)
}

// AddLinkColumn appends a Link or LinkList column pointing at rows of the
// table called target.
func (t *Table) AddLinkColumn(typ types.DataType, name, target string) (int, error) {
	errors.Invariant(typ.IsLink(), "group: %s is not a link type", typ)

	t.group.mu.Lock()
	defer t.group.mu.Unlock()

	if t.group.names.Find(target) < 0 {
		return -1, errors.NewSchemaError(errors.CodeTableNotFound,
			fmt.Sprintf("link column '%s' of table '%s' targets unknown table '%s'", name, t.name, target))
	}
	col, err := t.addIn(t.spec, typ, name, nil)
	if err != nil {
		return col, err
	}
	return col, t.linkIn(t.spec, col, target)
}

// AddSubcolumn adds a column to the nested schema reached through the Table
// columns in path. Nested schemas cannot hold links.
func (t *Table) AddSubcolumn(path []int, typ types.DataType, name string) (int, error) {
	errors.Invariant(!typ.IsLink(), "group: link column '%s' inside a sub-table", name)

	t.group.mu.Lock()
	defer t.group.mu.Unlock()
	return t.addIn(t.descend(path), typ, name, nil)
}

// RenameColumn renames top-level column col.
func (t *Table) RenameColumn(col int, name string) error {
	return t.RenameSubcolumn([]int{col}, name)
}

// RenameSubcolumn renames the column at the end of path.
func (t *Table) RenameSubcolumn(path []int, name string) error {
	t.group.mu.Lock()
	defer t.group.mu.Unlock()
	s, col := t.at(path)
	return t.renameIn(s, col, name)
}

// RemoveColumn deletes top-level column col and its link target entry.
func (t *Table) RemoveColumn(col int) error {
	return t.RemoveSubcolumn([]int{col})
}

// RemoveSubcolumn deletes the column at the end of path together with any
// nested schema or enum key list it owns.
func (t *Table) RemoveSubcolumn(path []int) error {
	t.group.mu.Lock()
	defer t.group.mu.Unlock()
	s, col := t.at(path)
	return t.removeIn(s, col)
}

// SetColumnAttr replaces the attributes of top-level column col.
func (t *Table) SetColumnAttr(col int, attr types.ColumnAttr) error {
	return t.SetSubcolumnAttr([]int{col}, attr)
}

// SetSubcolumnAttr replaces the attributes of the column at the end of
// path.
func (t *Table) SetSubcolumnAttr(path []int, attr types.ColumnAttr) error {
	t.group.mu.Lock()
	defer t.group.mu.Unlock()
	s, col := t.at(path)
	return t.setAttrIn(s, col, attr)
}

// UpgradeStringToEnum switches String column col to enum encoding with keys
// as its key list. The column keeps reporting TypeString.
func (t *Table) UpgradeStringToEnum(col int, keys []string) error {
	return t.UpgradeSubcolumnToEnum([]int{col}, keys)
}

// UpgradeSubcolumnToEnum enum-encodes the String column at the end of path.
func (t *Table) UpgradeSubcolumnToEnum(path []int, keys []string) error {
	t.group.mu.Lock()
	defer t.group.mu.Unlock()
	s, col := t.at(path)
	return t.upgradeIn(s, col, keys)
}

// EnumKeys returns the key list of the enum-encoded column at the end of
// path.
func (t *Table) EnumKeys(path []int) []string {
	t.group.mu.Lock()
	defer t.group.mu.Unlock()
	s, col := t.at(path)
	ref, _, _ := s.EnumKeysRef(col)
	return array.StringFromRef(t.group.alloc, ref).Values()
}

// LinkTarget returns the table that link column col points at.
func (t *Table) LinkTarget(col int) (*Table, error) {
	t.group.mu.Lock()
	defer t.group.mu.Unlock()

	errors.Invariant(t.spec.ColumnType(col).IsLink(),
		"group: column %d of table '%s' is %s, not a link", col, t.name, t.spec.ColumnType(col))

	target := int(t.targets.Get(col))
	if target == 0 {
		return nil, errors.NewSchemaError(errors.CodeTableNotFound,
			fmt.Sprintf("link column '%s' of table '%s' has no target table", t.spec.ColumnName(col), t.name))
	}
	return t.group.table(target - 1), nil
}

// The helpers below run with the group lock held. s is either t.spec or a
// view resolved from it; only edits on t.spec touch the link targets.

// descend follows the Table columns in path from the table's schema.
func (t *Table) descend(path []int) *spec.Spec {
	s := t.spec
	for _, col := range path {
		s = s.SubtableSpec(col).Spec()
	}
	return s
}

// at splits a column path into the schema holding the column and its index.
func (t *Table) at(path []int) (*spec.Spec, int) {
	errors.Invariant(len(path) > 0, "group: empty column path")
	last := len(path) - 1
	return t.descend(path[:last]), path[last]
}

func (t *Table) addIn(s *spec.Spec, typ types.DataType, name string, attrs []types.ColumnAttr) (int, error) {
	col, err := s.AddColumn(t.name, typ, name, attrs...)
	// the column exists even if recording it failed
	if s == t.spec {
		t.targets.Add(0)
	}
	return col, err
}

func (t *Table) linkIn(s *spec.Spec, col int, target string) error {
	ndx := t.group.names.Find(target)
	errors.Invariant(ndx >= 0, "group: link target '%s' is not a table", target)
	t.targets.Set(col, int64(ndx)+1)
	return t.recorded(t.group.repl.LinkTargetSet(t.name, s, col, target), "link target of column %d", col)
}

func (t *Table) renameIn(s *spec.Spec, col int, name string) error {
	s.RenameColumn(col, name)
	return t.recorded(t.group.repl.ColumnRenamed(t.name, s, col, name), "rename of column %d", col)
}

func (t *Table) removeIn(s *spec.Spec, col int) error {
	s.RemoveColumn(col)
	if s == t.spec {
		t.targets.Erase(col)
	}
	return t.recorded(t.group.repl.ColumnRemoved(t.name, s, col), "removal of column %d", col)
}

func (t *Table) setAttrIn(s *spec.Spec, col int, attr types.ColumnAttr) error {
	s.SetColumnAttr(col, attr)
	return t.recorded(t.group.repl.ColumnAttrSet(t.name, s, col, attr), "attributes of column %d", col)
}

func (t *Table) upgradeIn(s *spec.Spec, col int, keys []string) error {
	list := array.NewString(t.group.alloc)
	for _, k := range keys {
		list.Add(k)
	}
	s.UpgradeStringToEnum(col, list.Ref())
	return t.recorded(t.group.repl.EnumUpgraded(t.name, s, col, keys), "enum upgrade of column %d", col)
}

// recorded wraps a Recorder failure. The edit itself has already happened.
func (t *Table) recorded(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return errors.Wrap(errors.ErrCategorySchema, errors.CodeReplication,
		fmt.Sprintf("failed to record %s of table '%s'", fmt.Sprintf(format, args...), t.name), err)
}
