package keypath

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arkilian/colspec/internal/errors"
	"github.com/arkilian/colspec/internal/group"
	"github.com/arkilian/colspec/pkg/types"
)

// library builds class_Person -> dog (Link) -> class_Dog, and
// class_Person.pets (LinkList) -> class_Dog.
func library(t *testing.T) (*group.Group, *group.Table) {
	t.Helper()
	g := group.New()

	dog, err := g.AddTable("class_Dog")
	require.NoError(t, err)
	_, err = dog.AddColumn(types.TypeString, "name")
	require.NoError(t, err)
	_, err = dog.AddColumn(types.TypeInt, "age")
	require.NoError(t, err)

	person, err := g.AddTable("class_Person")
	require.NoError(t, err)
	_, err = person.AddColumn(types.TypeString, "name")
	require.NoError(t, err)
	_, err = person.AddLinkColumn(types.TypeLink, "dog", "class_Dog")
	require.NoError(t, err)
	_, err = person.AddLinkColumn(types.TypeLinkList, "pets", "class_Dog")
	require.NoError(t, err)
	_, err = person.AddLinkColumn(types.TypeLink, "friend", "class_Person")
	require.NoError(t, err)
	return g, person
}

func TestParse(t *testing.T) {
	kp, err := Parse("a.b.c")
	require.NoError(t, err)
	assert.Equal(t, KeyPath{"a", "b", "c"}, kp)
	assert.Equal(t, "a.b.c", kp.String())

	for _, bad := range []string{"", "a..b", ".a", "a."} {
		_, err := Parse(bad)
		assert.Equal(t, errors.CodeEmptyPath, errors.GetCode(err), "path %q", bad)
	}
}

func TestResolve_FollowsLinks(t *testing.T) {
	_, person := library(t)

	prop, err := Resolve(person, "friend.dog.age", nil)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 1}, prop.Links)
	assert.Equal(t, "class_Dog", prop.Table.Name())
	assert.Equal(t, 1, prop.Column)
	assert.Equal(t, types.TypeInt, prop.Type)

	prop, err = Resolve(person, "name", nil)
	require.NoError(t, err)
	assert.Empty(t, prop.Links)
	assert.Same(t, person, prop.Table)
}

func TestResolve_Errors(t *testing.T) {
	_, person := library(t)

	_, err := Resolve(person, "dog.weight", nil)
	require.Error(t, err)
	assert.Equal(t, errors.CodeNoProperty, errors.GetCode(err))
	assert.Contains(t, err.Error(), "No property 'weight' on object of type 'Dog'")

	_, err = Resolve(person, "name.length", nil)
	require.Error(t, err)
	assert.Equal(t, errors.CodeNotALink, errors.GetCode(err))
	assert.Contains(t, err.Error(), "Property 'name' is not a link in object of type 'Person'")
}

func TestResolveSubquery(t *testing.T) {
	_, person := library(t)

	sq, err := ResolveSubquery(person, "friend.pets", nil)
	require.NoError(t, err)
	assert.Equal(t, []int{3}, sq.Links)
	assert.Equal(t, 2, sq.Column)
	assert.Equal(t, "class_Dog", sq.Target.Name())

	_, err = ResolveSubquery(person, "dog", nil)
	require.Error(t, err)
	assert.Equal(t, errors.CodeNotAList, errors.GetCode(err))
	assert.Contains(t, err.Error(), "A subquery must operate on a list property, but 'dog' is type 'Link'")

	_, err = ResolveSubquery(person, "dog.name", nil)
	assert.Contains(t, err.Error(), "but 'name' is type 'String'")
}

func TestMapping_Aliases(t *testing.T) {
	_, person := library(t)

	m := NewMapping()
	assert.True(t, m.AddAlias("class_Person", "buddy", "friend"))
	assert.True(t, m.AddAlias("class_Person", "doggo", "dog"))
	assert.True(t, m.AddAlias("class_Dog", "years", "age"))
	assert.False(t, m.AddAlias("class_Person", "buddy", "dog"), "alias already defined")
	assert.True(t, m.HasAlias("class_Dog", "years"))
	assert.False(t, m.HasAlias("class_Person", "years"))

	processed, err := m.Process(person, "buddy.doggo.years")
	require.NoError(t, err)
	assert.Equal(t, "friend.dog.age", processed)

	// aliases are per table: "years" is not defined on Person
	processed, err = m.Process(person, "years")
	require.NoError(t, err)
	assert.Equal(t, "years", processed)

	prop, err := Resolve(person, "buddy.doggo.years", m)
	require.NoError(t, err)
	assert.Equal(t, types.TypeInt, prop.Type)
}

func TestMapping_ChainedAndLoopingAliases(t *testing.T) {
	_, person := library(t)

	m := NewMapping()
	m.AddAlias("class_Person", "pal", "buddy")
	m.AddAlias("class_Person", "buddy", "friend")
	processed, err := m.Process(person, "pal.name")
	require.NoError(t, err)
	assert.Equal(t, "friend.name", processed)

	m.AddAlias("class_Person", "ping", "pong")
	m.AddAlias("class_Person", "pong", "ping")
	_, err = m.Process(person, "ping")
	require.Error(t, err)
	assert.Equal(t, errors.CodeAliasLoop, errors.GetCode(err))
	assert.Contains(t, err.Error(), "found in type 'Person'")
}

func TestMapping_StopsAtUnknownElements(t *testing.T) {
	_, person := library(t)

	m := NewMapping()
	m.AddAlias("class_Dog", "years", "age")
	processed, err := m.Process(person, "nope.years")
	require.NoError(t, err)
	assert.Equal(t, "nope.years", processed)
}
