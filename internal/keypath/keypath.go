// Package keypath resolves dotted property paths such as "author.books"
// against the tables of a group, following link columns from table to
// table. Failures are ordinary errors carrying the message shown to the
// user of the query language.
package keypath

import (
	"fmt"
	"strings"

	"github.com/arkilian/colspec/internal/errors"
	"github.com/arkilian/colspec/internal/group"
	"github.com/arkilian/colspec/pkg/types"
)

const classPrefix = "class_"

// KeyPath is a parsed dotted path.
type KeyPath []string

// Parse splits a dotted path into its elements.
func Parse(path string) (KeyPath, error) {
	if path == "" {
		return nil, errors.NewKeyPathError(errors.CodeEmptyPath, "Key path must not be empty")
	}
	elems := strings.Split(path, ".")
	for _, e := range elems {
		if e == "" {
			return nil, errors.NewKeyPathError(errors.CodeEmptyPath,
				fmt.Sprintf("Key path '%s' has an empty element", path))
		}
	}
	return elems, nil
}

func (k KeyPath) String() string { return strings.Join(k, ".") }

// Property is the result of resolving a key path.
type Property struct {
	// Links holds the link column traversed at each step before the last.
	Links []int
	// Table owns Column.
	Table *group.Table
	// Column is the index of the final property in Table.
	Column int
	// Type is the type of the final property.
	Type types.DataType
}

// Subquery is a resolved key path ending in a list of links.
type Subquery struct {
	Property
	// Target is the table the list points at; the subquery runs over it.
	Target *group.Table
}

// Resolve walks path from t. Every element but the last must be a link
// column. m may be nil.
func Resolve(t *group.Table, path string, m *Mapping) (*Property, error) {
	processed, err := m.Process(t, path)
	if err != nil {
		return nil, err
	}
	elems, err := Parse(processed)
	if err != nil {
		return nil, err
	}

	prop := &Property{Table: t}
	for i, elem := range elems {
		col := prop.Table.ColumnIndex(elem)
		if col < 0 {
			return nil, errors.NewKeyPathError(errors.CodeNoProperty,
				fmt.Sprintf("No property '%s' on object of type '%s'", elem, printableName(prop.Table.Name())))
		}
		typ := prop.Table.ColumnType(col)

		if i == len(elems)-1 {
			prop.Column = col
			prop.Type = typ
			break
		}

		if !typ.IsLink() {
			return nil, errors.NewKeyPathError(errors.CodeNotALink,
				fmt.Sprintf("Property '%s' is not a link in object of type '%s'", elem, printableName(prop.Table.Name())))
		}
		next, err := prop.Table.LinkTarget(col)
		if err != nil {
			return nil, err
		}
		prop.Links = append(prop.Links, col)
		prop.Table = next
	}
	return prop, nil
}

// ResolveSubquery resolves path like Resolve and additionally requires the
// final property to be a list of links.
func ResolveSubquery(t *group.Table, path string, m *Mapping) (*Subquery, error) {
	prop, err := Resolve(t, path, m)
	if err != nil {
		return nil, err
	}
	if prop.Type != types.TypeLinkList {
		name := prop.Table.ColumnName(prop.Column)
		return nil, errors.NewKeyPathError(errors.CodeNotAList,
			fmt.Sprintf("A subquery must operate on a list property, but '%s' is type '%s'", name, prop.Type))
	}
	target, err := prop.Table.LinkTarget(prop.Column)
	if err != nil {
		return nil, err
	}
	return &Subquery{Property: *prop, Target: target}, nil
}

// printableName drops the storage prefix some bindings put on table names.
func printableName(table string) string {
	return strings.TrimPrefix(table, classPrefix)
}
