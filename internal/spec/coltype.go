package spec

import (
	"fmt"

	"github.com/arkilian/colspec/pkg/types"
)

// ColumnType is the type code stored in a spec's type array. It extends
// types.DataType with encodings that are never shown to callers.
type ColumnType int

const (
	ColTypeInt        = ColumnType(types.TypeInt)
	ColTypeBool       = ColumnType(types.TypeBool)
	ColTypeString     = ColumnType(types.TypeString)
	ColTypeStringEnum ColumnType = 3
	ColTypeBinary     = ColumnType(types.TypeBinary)
	ColTypeTable      = ColumnType(types.TypeTable)
	ColTypeMixed      = ColumnType(types.TypeMixed)
	ColTypeDate       = ColumnType(types.TypeDate)
	ColTypeFloat      = ColumnType(types.TypeFloat)
	ColTypeDouble     = ColumnType(types.TypeDouble)
	ColTypeLink       = ColumnType(types.TypeLink)
	ColTypeLinkList   = ColumnType(types.TypeLinkList)
)

// DataType returns the type reported to callers.
func (t ColumnType) DataType() types.DataType {
	if t == ColTypeStringEnum {
		return types.TypeString
	}
	return types.DataType(t)
}

func (t ColumnType) String() string {
	if t == ColTypeStringEnum {
		return "StringEnum"
	}
	if types.DataType(t).Valid() {
		return types.DataType(t).String()
	}
	return fmt.Sprintf("ColumnType(%d)", int(t))
}

// Replication is notified of schema changes so they can be shipped to other
// copies of the database.
type Replication interface {
	// ColumnAdded runs after a column has been added to s on behalf of the
	// table named owner.
	ColumnAdded(owner string, s *Spec, typ types.DataType, name string) error

	// SpecDestroyed runs when a view is closed. Implementations must drop
	// any reference they keep to s.
	SpecDestroyed(s *Spec)
}

// NopReplication ignores every notification.
type NopReplication struct{}

func (NopReplication) ColumnAdded(string, *Spec, types.DataType, string) error { return nil }

func (NopReplication) SpecDestroyed(*Spec) {}
