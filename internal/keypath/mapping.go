package keypath

import (
	"fmt"
	"strings"

	"github.com/arkilian/colspec/internal/errors"
	"github.com/arkilian/colspec/internal/group"
)

// maxSubstitutions bounds alias chains so that a cycle fails instead of
// looping.
const maxSubstitutions = 50

type aliasKey struct {
	table string
	alias string
}

// Mapping rewrites aliases in key paths to column names, per table.
type Mapping struct {
	aliases map[aliasKey]string
}

// NewMapping returns an empty mapping.
func NewMapping() *Mapping {
	return &Mapping{aliases: make(map[aliasKey]string)}
}

// AddAlias makes alias stand for name in paths starting at table. It
// reports false if the alias was already defined for that table.
func (m *Mapping) AddAlias(table, alias, name string) bool {
	key := aliasKey{table: table, alias: alias}
	if _, ok := m.aliases[key]; ok {
		return false
	}
	m.aliases[key] = name
	return true
}

// HasAlias reports whether alias is defined for table.
func (m *Mapping) HasAlias(table, alias string) bool {
	_, ok := m.aliases[aliasKey{table: table, alias: alias}]
	return ok
}

// Process replaces every alias in path with the name it stands for,
// following link columns to find the table each element belongs to.
// Elements that cannot be resolved are left as they are.
func (m *Mapping) Process(t *group.Table, path string) (string, error) {
	elems, err := Parse(path)
	if err != nil {
		return "", err
	}

	cur := t
	for i, elem := range elems {
		if cur == nil {
			break
		}
		name, err := m.substitute(cur.Name(), elem)
		if err != nil {
			return "", err
		}
		elems[i] = name

		col := cur.ColumnIndex(name)
		if col < 0 || !cur.ColumnType(col).IsLink() {
			cur = nil
			continue
		}
		next, err := cur.LinkTarget(col)
		if err != nil {
			cur = nil
			continue
		}
		cur = next
	}
	return strings.Join(elems, "."), nil
}

func (m *Mapping) substitute(table, elem string) (string, error) {
	if m == nil {
		return elem, nil
	}
	name := elem
	for n := 0; ; n++ {
		mapped, ok := m.aliases[aliasKey{table: table, alias: name}]
		if !ok {
			return name, nil
		}
		if n >= maxSubstitutions {
			return "", errors.NewKeyPathError(errors.CodeAliasLoop,
				fmt.Sprintf("Substitution loop detected while processing '%s' -> '%s' found in type '%s'",
					name, mapped, printableName(table)))
		}
		name = mapped
	}
}
