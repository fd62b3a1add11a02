package types

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestDataType_String(t *testing.T) {
	tests := []struct {
		typ  DataType
		want string
	}{
		{TypeInt, "Int"},
		{TypeString, "String"},
		{TypeTable, "Table"},
		{TypeLinkList, "LinkList"},
		{DataType(3), "DataType(3)"},
	}
	for _, tt := range tests {
		if got := tt.typ.String(); got != tt.want {
			t.Errorf("DataType(%d).String() = %q, want %q", int(tt.typ), got, tt.want)
		}
	}
}

func TestDataType_ValidAndIsLink(t *testing.T) {
	// 3 is reserved for the internal enum encoding and never reported
	if DataType(3).Valid() {
		t.Error("DataType(3) should not be valid")
	}
	for typ := range dataTypeNames {
		if !typ.Valid() {
			t.Errorf("%s should be valid", typ)
		}
		wantLink := typ == TypeLink || typ == TypeLinkList
		if typ.IsLink() != wantLink {
			t.Errorf("%s.IsLink() = %v, want %v", typ, typ.IsLink(), wantLink)
		}
	}
}

func TestProperty_ColumnAttrHas(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("union has both operands", prop.ForAll(
		func(a, b int) bool {
			x, y := ColumnAttr(a), ColumnAttr(b)
			u := x | y
			return u.Has(x) && u.Has(y) && u.Has(AttrNone)
		},
		gen.IntRange(0, 7),
		gen.IntRange(0, 7),
	))

	properties.Property("has is exact for single flags", prop.ForAll(
		func(a int) bool {
			x := ColumnAttr(a)
			for _, f := range []ColumnAttr{AttrIndexed, AttrUnique, AttrSorted} {
				if x.Has(f) != (int(x)&int(f) != 0) {
					return false
				}
			}
			return true
		},
		gen.IntRange(0, 7),
	))

	properties.TestingRun(t)
}
