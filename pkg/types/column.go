package types

import "fmt"

// DataType is the column type reported to callers. The numeric values are
// part of the on-disk layout: they are stored verbatim in a spec's type
// array.
type DataType int

const (
	TypeInt      DataType = 0
	TypeBool     DataType = 1
	TypeString   DataType = 2
	TypeBinary   DataType = 4
	TypeTable    DataType = 5
	TypeMixed    DataType = 6
	TypeDate     DataType = 7
	TypeFloat    DataType = 9
	TypeDouble   DataType = 10
	TypeLink     DataType = 12
	TypeLinkList DataType = 13
)

var dataTypeNames = map[DataType]string{
	TypeInt:      "Int",
	TypeBool:     "Bool",
	TypeString:   "String",
	TypeBinary:   "Binary",
	TypeTable:    "Table",
	TypeMixed:    "Mixed",
	TypeDate:     "Date",
	TypeFloat:    "Float",
	TypeDouble:   "Double",
	TypeLink:     "Link",
	TypeLinkList: "LinkList",
}

// String returns the display name of the type.
func (t DataType) String() string {
	if name, ok := dataTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("DataType(%d)", int(t))
}

// Valid reports whether t is one of the defined data types.
func (t DataType) Valid() bool {
	_, ok := dataTypeNames[t]
	return ok
}

// IsLink reports whether columns of this type point at rows of another table.
func (t DataType) IsLink() bool {
	return t == TypeLink || t == TypeLinkList
}

// ColumnAttr is a per-column attribute bitmask.
type ColumnAttr int

const (
	AttrNone    ColumnAttr = 0
	AttrIndexed ColumnAttr = 1
	AttrUnique  ColumnAttr = 2
	AttrSorted  ColumnAttr = 4
)

// Has reports whether all bits of flag are set.
func (a ColumnAttr) Has(flag ColumnAttr) bool {
	return a&flag == flag
}

// ColumnInfo is a resolved column descriptor for the row-storage layer.
type ColumnInfo struct {
	// ColumnRefIndex is the physical slot in the table's column ref list.
	// Each indexed column before this one occupies one extra slot.
	ColumnRefIndex int

	// HasIndex reports whether the column carries a search index
	HasIndex bool
}
