package spec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arkilian/colspec/internal/alloc"
	"github.com/arkilian/colspec/internal/array"
	"github.com/arkilian/colspec/pkg/types"
)

func mixedSpec(t *testing.T) (*alloc.Allocator, *Spec) {
	t.Helper()
	a, s := newSpec(t)
	mustAdd(t, s, types.TypeInt, "a")
	b := mustAdd(t, s, types.TypeTable, "b")
	mustAdd(t, s, types.TypeString, "c")
	_, err := s.AddSubcolumn("t", []int{b}, types.TypeTable, "inner")
	require.NoError(t, err)

	keys := array.NewString(a)
	keys.Add("x")
	s.UpgradeStringToEnum(2, keys.Ref())
	return a, s
}

func TestCheck_AcceptsWellFormedTrees(t *testing.T) {
	_, empty := newSpec(t)
	assert.NoError(t, Check(empty.Alloc(), empty.Ref(), nil))

	a, s := mixedSpec(t)
	require.NoError(t, Check(a, s.Ref(), nil))

	restoredAlloc, top, err := alloc.DecodeSnapshot(a.EncodeSnapshot(s.Ref()))
	require.NoError(t, err)
	assert.NoError(t, Check(restoredAlloc, top, nil))
}

func TestCheck_RejectsMalformedTrees(t *testing.T) {
	cases := []struct {
		name    string
		corrupt func(a *alloc.Allocator, s *Spec) alloc.Ref
		want    string
	}{
		{"not a top array", func(a *alloc.Allocator, s *Spec) alloc.Ref {
			return array.New(a, array.TypeNormal).Ref()
		}, "top array"},
		{"null ref", func(a *alloc.Allocator, s *Spec) alloc.Ref {
			return alloc.NullRef
		}, "top array"},
		{"sub-spec cycle", func(a *alloc.Allocator, s *Spec) alloc.Ref {
			s.subspecs.SetRef(0, s.Ref())
			return s.Ref()
		}, "reachable twice"},
		{"names out of step", func(a *alloc.Allocator, s *Spec) alloc.Ref {
			s.names.Add("extra")
			return s.Ref()
		}, "4 names for 3 columns"},
		{"unknown type code", func(a *alloc.Allocator, s *Spec) alloc.Ref {
			s.types.Set(0, 42)
			return s.Ref()
		}, "unknown type code 42"},
		{"enum keys are not strings", func(a *alloc.Allocator, s *Spec) alloc.Ref {
			s.enumkeys.SetRef(0, array.New(a, array.TypeNormal).Ref())
			return s.Ref()
		}, "enum keys"},
		{"table column without sub-spec", func(a *alloc.Allocator, s *Spec) alloc.Ref {
			s.types.Set(0, int64(ColTypeTable))
			return s.Ref()
		}, "1 sub-specs for 2 table columns"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a, s := mixedSpec(t)
			err := Check(a, tc.corrupt(a, s), nil)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestCheck_SharedSeenCatchesCrossTreeSharing(t *testing.T) {
	a := alloc.New()
	ref := Create(a)
	seen := make(map[alloc.Ref]bool)
	require.NoError(t, Check(a, ref, seen))
	assert.Error(t, Check(a, ref, seen))
}
