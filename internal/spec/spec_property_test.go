package spec

import (
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/arkilian/colspec/internal/alloc"
	"github.com/arkilian/colspec/internal/array"
	"github.com/arkilian/colspec/pkg/types"
)

var publicTypes = []types.DataType{
	types.TypeInt, types.TypeBool, types.TypeString, types.TypeBinary,
	types.TypeTable, types.TypeMixed, types.TypeDate, types.TypeFloat,
	types.TypeDouble, types.TypeLink, types.TypeLinkList,
}

func genTypes() gopter.Gen {
	return gen.SliceOf(gen.IntRange(0, len(publicTypes)-1)).Map(func(idx []int) []types.DataType {
		out := make([]types.DataType, len(idx))
		for i, n := range idx {
			out[i] = publicTypes[n]
		}
		return out
	})
}

func buildSpec(typs []types.DataType) (*alloc.Allocator, *Spec) {
	a := alloc.New()
	s := Attach(a, Create(a), nil, 0)
	for i, typ := range typs {
		if _, err := s.AddColumn("t", typ, fmt.Sprintf("c%d", i)); err != nil {
			panic(err)
		}
	}
	return a, s
}

// TestProperty_ColumnArraysStayParallel checks that any sequence of adds and
// removes leaves names, types and attributes the same length, with one
// sub-spec per Table column.
func TestProperty_ColumnArraysStayParallel(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("arrays parallel after adds and removes", prop.ForAll(
		func(typs []types.DataType, removals []int) bool {
			_, s := buildSpec(typs)
			for _, r := range removals {
				if s.ColumnCount() == 0 {
					break
				}
				s.RemoveColumn(r % s.ColumnCount())
			}

			tables := 0
			for i := 0; i < s.ColumnCount(); i++ {
				if s.ColumnType(i) == types.TypeTable {
					tables++
				}
			}
			return s.Verify() == nil && s.SubspecCount() == tables &&
				len(s.ColumnNames()) == s.ColumnCount()
		},
		genTypes(),
		gen.SliceOf(gen.IntRange(0, 1000)),
	))

	properties.TestingRun(t)
}

// TestProperty_SubspecOrderFollowsTableColumns tags each nested schema with
// the name of its column and checks the k-th sub-spec belongs to the k-th
// Table column, before and after removals.
func TestProperty_SubspecOrderFollowsTableColumns(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	ordered := func(a *alloc.Allocator, s *Spec) bool {
		k := 0
		for col := 0; col < s.ColumnCount(); col++ {
			if s.ColumnType(col) != types.TypeTable {
				continue
			}
			nested := Attach(a, s.SubspecRefAt(k), nil, 0)
			if nested.ColumnName(0) != "tag-"+s.ColumnName(col) {
				return false
			}
			k++
		}
		return k == s.SubspecCount()
	}

	properties.Property("k-th sub-spec belongs to k-th table column", prop.ForAll(
		func(typs []types.DataType, removals []int) bool {
			a, s := buildSpec(typs)
			for col := 0; col < s.ColumnCount(); col++ {
				if s.ColumnType(col) == types.TypeTable {
					if _, err := s.AddSubcolumn("t", []int{col}, types.TypeInt, "tag-"+s.ColumnName(col)); err != nil {
						return false
					}
				}
			}
			if !ordered(a, s) {
				return false
			}
			for _, r := range removals {
				if s.ColumnCount() == 0 {
					break
				}
				s.RemoveColumn(r % s.ColumnCount())
				if !ordered(a, s) {
					return false
				}
			}
			return true
		},
		genTypes(),
		gen.SliceOfN(3, gen.IntRange(0, 1000)),
	))

	properties.TestingRun(t)
}

// TestProperty_ColumnPos checks that the physical slot of a column is its
// index plus the number of indexed columns before it.
func TestProperty_ColumnPos(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("column pos counts indexed columns", prop.ForAll(
		func(indexed []bool, toggle int) bool {
			a := alloc.New()
			s := Attach(a, Create(a), nil, 0)
			for i, idx := range indexed {
				attr := types.AttrNone
				if idx {
					attr = types.AttrIndexed
				}
				if _, err := s.AddColumn("t", types.TypeInt, fmt.Sprintf("c%d", i), attr); err != nil {
					return false
				}
			}
			if len(indexed) > 0 {
				// Flipping the index bit of one column shifts every later column.
				col := toggle % len(indexed)
				indexed[col] = !indexed[col]
				attr := types.AttrNone
				if indexed[col] {
					attr = types.AttrIndexed
				}
				s.SetColumnAttr(col, attr)
			}

			offset := 0
			for i, idx := range indexed {
				info := s.ColumnInfo(i)
				if info.ColumnRefIndex != i+offset || info.HasIndex != idx {
					return false
				}
				if idx {
					offset++
				}
			}
			return s.ColumnPos(len(indexed)) == len(indexed)+offset
		},
		gen.SliceOf(gen.Bool()),
		gen.IntRange(0, 1000),
	))

	properties.TestingRun(t)
}

// TestProperty_SnapshotRoundTrip saves a random schema, with nested tables
// and enum-encoded strings, and checks the reloaded tree is equal.
func TestProperty_SnapshotRoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("encode and decode preserve the schema", prop.ForAll(
		func(typs []types.DataType, enum []bool) bool {
			a, s := buildSpec(typs)
			for col := 0; col < s.ColumnCount() && col < len(enum); col++ {
				if enum[col] && s.RealColumnType(col) == ColTypeString {
					keys := array.NewString(a)
					keys.Add(s.ColumnName(col))
					s.UpgradeStringToEnum(col, keys.Ref())
				}
				if s.ColumnType(col) == types.TypeTable {
					if _, err := s.AddSubcolumn("t", []int{col}, types.TypeString, "x"); err != nil {
						return false
					}
				}
			}

			restoredAlloc, top, err := alloc.DecodeSnapshot(a.EncodeSnapshot(s.Ref()))
			if err != nil {
				return false
			}
			restored := Attach(restoredAlloc, top, nil, 0)
			if !restored.Equal(s) || restored.Verify() != nil {
				return false
			}
			if restored.EnumKeysCount() != s.EnumKeysCount() || restored.SubspecCount() != s.SubspecCount() {
				return false
			}
			for k := 0; k < restored.SubspecCount(); k++ {
				nested := Attach(restoredAlloc, restored.SubspecRefAt(k), nil, 0)
				if len(nested.ColumnNames()) != 1 || nested.ColumnName(0) != "x" {
					return false
				}
			}
			return true
		},
		genTypes(),
		gen.SliceOf(gen.Bool()),
	))

	properties.TestingRun(t)
}
