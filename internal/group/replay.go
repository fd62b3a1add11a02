package group

import (
	"fmt"

	"github.com/arkilian/colspec/internal/errors"
	"github.com/arkilian/colspec/internal/replication"
	"github.com/arkilian/colspec/internal/spec"
)

// Apply replays changelog instructions on g. Tables named by select-spec
// instructions are created when missing. Edits are passed to the group's
// own Recorder like any other, so a tracked group re-logs what it replays.
func (g *Group) Apply(instrs []*replication.Instruction) error {
	var (
		table  *Table
		target *spec.Spec
	)
	for _, in := range instrs {
		if in.Op == replication.OpSelectSpec {
			t, err := g.GetOrAddTable(in.Table)
			if err != nil {
				return err
			}
			s, err := g.selectSpec(t, in.Path)
			if err != nil {
				return fmt.Errorf("instruction %d: %w", in.Seq, err)
			}
			table, target = t, s
			continue
		}

		if target == nil {
			return errors.NewInternalError(
				fmt.Sprintf("instruction %d (%s) arrives before any spec is selected", in.Seq, in.Op), nil)
		}
		if err := g.applyEdit(table, target, in); err != nil {
			return fmt.Errorf("instruction %d: %w", in.Seq, err)
		}
	}
	return nil
}

// applyEdit runs one schema edit against s, a view of t's schema. The
// instruction is checked first so that a bad log fails with an error.
func (g *Group) applyEdit(t *Table, s *spec.Spec, in *replication.Instruction) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if in.Op != replication.OpAddColumn && (in.Col < 0 || in.Col >= s.ColumnCount()) {
		return errors.NewSchemaError(errors.CodeColumnNotFound,
			fmt.Sprintf("%s on column %d of table '%s', which has %d columns", in.Op, in.Col, t.name, s.ColumnCount()))
	}

	switch in.Op {
	case replication.OpAddColumn:
		if !in.Type.Valid() {
			return errors.NewSchemaError(errors.CodeInvalidType,
				fmt.Sprintf("column '%s' of table '%s' has unknown type %d", in.Name, t.name, int(in.Type)))
		}
		_, err := t.addIn(s, in.Type, in.Name, nil)
		return err

	case replication.OpRemoveColumn:
		return t.removeIn(s, in.Col)

	case replication.OpRenameColumn:
		return t.renameIn(s, in.Col, in.Name)

	case replication.OpSetColumnAttr:
		return t.setAttrIn(s, in.Col, in.Attr)

	case replication.OpUpgradeToEnum:
		if s.RealColumnType(in.Col) != spec.ColTypeString {
			return errors.NewSchemaError(errors.CodeInvalidType,
				fmt.Sprintf("column %d of table '%s' is %s, only String columns can be enum-encoded",
					in.Col, t.name, s.RealColumnType(in.Col)))
		}
		return t.upgradeIn(s, in.Col, in.Keys)

	case replication.OpSetLinkTarget:
		if s != t.spec || !s.ColumnType(in.Col).IsLink() {
			return errors.NewSchemaError(errors.CodeInvalidType,
				fmt.Sprintf("column %d of table '%s' cannot hold a link target", in.Col, t.name))
		}
		if g.names.Find(in.Target) < 0 {
			return errors.NewSchemaError(errors.CodeTableNotFound,
				fmt.Sprintf("link column %d of table '%s' targets unknown table '%s'", in.Col, t.name, in.Target))
		}
		return t.linkIn(s, in.Col, in.Target)
	}
	return errors.NewInternalError(fmt.Sprintf("unknown op %s", in.Op), nil)
}

// selectSpec follows sub-spec list positions from the table's schema.
func (g *Group) selectSpec(t *Table, path []int) (*spec.Spec, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	cur := t.spec
	for depth, ndx := range path {
		if ndx < 0 || ndx >= cur.SubspecCount() {
			return nil, errors.NewSchemaError(errors.CodeTableNotFound,
				fmt.Sprintf("table '%s' has no sub-table %d at depth %d", t.name, ndx, depth))
		}
		cur = cur.SubspecAt(ndx).Spec()
	}
	return cur, nil
}
