package spec

import (
	"fmt"

	"github.com/arkilian/colspec/internal/alloc"
	"github.com/arkilian/colspec/internal/array"
	"github.com/arkilian/colspec/pkg/types"
)

// Check validates the schema tree at ref and every nested schema below it
// without attaching to them, and reports the first problem found. Attach
// treats a malformed tree as a broken contract and panics, so trees that
// come from outside the process go through Check first.
//
// seen collects every ref the tree uses. Passing the same map when checking
// several trees of one allocator also catches blocks shared between them.
// It may be nil.
func Check(a *alloc.Allocator, ref alloc.Ref, seen map[alloc.Ref]bool) error {
	if seen == nil {
		seen = make(map[alloc.Ref]bool)
	}
	c := checker{alloc: a, seen: seen}
	return c.spec(ref)
}

type checker struct {
	alloc *alloc.Allocator
	seen  map[alloc.Ref]bool
}

// inspect claims ref and checks that it holds an array of the given kind.
func (c *checker) inspect(ref alloc.Ref, want array.Kind, what string) (int, error) {
	if c.seen[ref] {
		return 0, fmt.Errorf("spec: %s at %d is reachable twice", what, ref)
	}
	kind, n := array.Inspect(c.alloc, ref)
	if kind != want {
		return 0, fmt.Errorf("spec: %s at %d is not a well-formed array of the expected kind", what, ref)
	}
	c.seen[ref] = true
	return n, nil
}

func (c *checker) spec(ref alloc.Ref) error {
	slots, err := c.inspect(ref, array.KindRefs, "top array")
	if err != nil {
		return err
	}
	if slots < 3 || slots > 5 {
		return fmt.Errorf("spec: top array at %d has %d slots, want 3 to 5", ref, slots)
	}
	top := array.FromRef(c.alloc, ref)

	cols, err := c.inspect(top.GetRef(slotTypes), array.KindInts, "type array")
	if err != nil {
		return err
	}
	if n, err := c.inspect(top.GetRef(slotNames), array.KindStrings, "name array"); err != nil {
		return err
	} else if n != cols {
		return fmt.Errorf("spec: %d names for %d columns", n, cols)
	}
	if n, err := c.inspect(top.GetRef(slotAttrs), array.KindInts, "attribute array"); err != nil {
		return err
	} else if n != cols {
		return fmt.Errorf("spec: %d attributes for %d columns", n, cols)
	}

	tables, enums := 0, 0
	typeArr := array.FromRef(c.alloc, top.GetRef(slotTypes))
	for i := 0; i < cols; i++ {
		switch t := ColumnType(typeArr.Get(i)); {
		case t == ColTypeTable:
			tables++
		case t == ColTypeStringEnum:
			enums++
		case !types.DataType(t).Valid():
			return fmt.Errorf("spec: column %d has unknown type code %d", i, int(t))
		}
	}

	subspecs := alloc.NullRef
	if slots > slotSubspecs {
		subspecs = top.GetRef(slotSubspecs)
	}
	if subspecs == alloc.NullRef {
		if tables > 0 {
			return fmt.Errorf("spec: %d table columns without a sub-spec list", tables)
		}
	} else {
		n, err := c.inspect(subspecs, array.KindRefs, "sub-spec list")
		if err != nil {
			return err
		}
		if n != tables {
			return fmt.Errorf("spec: %d sub-specs for %d table columns", n, tables)
		}
		list := array.FromRef(c.alloc, subspecs)
		for i := 0; i < n; i++ {
			if err := c.spec(list.GetRef(i)); err != nil {
				return fmt.Errorf("sub-spec %d: %w", i, err)
			}
		}
	}

	if slots <= slotEnumKeys {
		if enums > 0 {
			return fmt.Errorf("spec: %d enum columns without an enum key list", enums)
		}
		return nil
	}
	n, err := c.inspect(top.GetRef(slotEnumKeys), array.KindRefs, "enum key list")
	if err != nil {
		return err
	}
	if n != enums {
		return fmt.Errorf("spec: %d enum key lists for %d enum columns", n, enums)
	}
	keys := array.FromRef(c.alloc, top.GetRef(slotEnumKeys))
	for i := 0; i < n; i++ {
		if _, err := c.inspect(keys.GetRef(i), array.KindStrings, "enum keys"); err != nil {
			return err
		}
	}
	return nil
}
