package group

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arkilian/colspec/internal/alloc"
	"github.com/arkilian/colspec/internal/array"
	"github.com/arkilian/colspec/internal/errors"
	"github.com/arkilian/colspec/internal/replication"
	"github.com/arkilian/colspec/internal/spec"
	"github.com/arkilian/colspec/pkg/types"
)

func buildLibrary(t *testing.T, opts ...Option) *Group {
	t.Helper()
	g := New(opts...)

	authors, err := g.AddTable("authors")
	require.NoError(t, err)
	_, err = authors.AddColumn(types.TypeString, "name", types.AttrIndexed)
	require.NoError(t, err)

	books, err := g.AddTable("books")
	require.NoError(t, err)
	_, err = books.AddColumn(types.TypeString, "title")
	require.NoError(t, err)
	_, err = books.AddLinkColumn(types.TypeLink, "author", "authors")
	require.NoError(t, err)
	chapters, err := books.AddColumn(types.TypeTable, "chapters")
	require.NoError(t, err)
	_, err = books.AddSubcolumn([]int{chapters}, types.TypeInt, "pages")
	require.NoError(t, err)

	_, err = authors.AddLinkColumn(types.TypeLinkList, "books", "books")
	require.NoError(t, err)
	return g
}

func TestAddTable(t *testing.T) {
	g := New()
	people, err := g.AddTable("people")
	require.NoError(t, err)
	assert.Equal(t, "people", people.Name())
	assert.Equal(t, 0, people.Index())

	_, err = g.AddTable("people")
	require.Error(t, err)
	assert.Equal(t, errors.CodeTableExists, errors.GetCode(err))

	same, err := g.Table("people")
	require.NoError(t, err)
	assert.Same(t, people, same)

	_, err = g.Table("missing")
	assert.Equal(t, errors.CodeTableNotFound, errors.GetCode(err))

	assert.Equal(t, []string{"people"}, g.TableNames())
	assert.True(t, g.HasTable("people"))
	assert.NoError(t, g.Verify())
}

func TestLinkTargets(t *testing.T) {
	g := buildLibrary(t)
	books, err := g.Table("books")
	require.NoError(t, err)
	authors, err := g.Table("authors")
	require.NoError(t, err)

	target, err := books.LinkTarget(books.ColumnIndex("author"))
	require.NoError(t, err)
	assert.Same(t, authors, target)

	back, err := authors.LinkTarget(authors.ColumnIndex("books"))
	require.NoError(t, err)
	assert.Same(t, books, back)

	assert.Panics(t, func() { _, _ = books.LinkTarget(0) })

	_, err = books.AddLinkColumn(types.TypeLink, "publisher", "publishers")
	assert.Equal(t, errors.CodeTableNotFound, errors.GetCode(err))
	assert.NoError(t, g.Verify())
}

func TestLinkColumnWithoutTarget(t *testing.T) {
	g := New()
	tbl, err := g.AddTable("t")
	require.NoError(t, err)
	col, err := tbl.AddColumn(types.TypeLink, "dangling")
	require.NoError(t, err)

	_, err = tbl.LinkTarget(col)
	assert.Equal(t, errors.CodeTableNotFound, errors.GetCode(err))
}

func TestRemoveColumn_KeepsTargetsAligned(t *testing.T) {
	g := buildLibrary(t)
	books, err := g.Table("books")
	require.NoError(t, err)

	require.NoError(t, books.RemoveColumn(0))
	assert.Equal(t, []string{"author", "chapters"}, books.Schema().ColumnNames())

	target, err := books.LinkTarget(0)
	require.NoError(t, err)
	assert.Equal(t, "authors", target.Name())
	assert.NoError(t, g.Verify())
}

func TestCommit_LaterChangesCopy(t *testing.T) {
	g := buildLibrary(t)
	before := g.Encode()
	committedTop := g.Ref()

	assert.Equal(t, uint64(1), g.Commit())

	books, err := g.Table("books")
	require.NoError(t, err)
	_, err = books.AddColumn(types.TypeDate, "published")
	require.NoError(t, err)

	assert.NotEqual(t, committedTop, g.Ref())
	assert.NoError(t, g.Verify())
	assert.True(t, g.Alloc().Contains(committedTop), "committed top lives until the next commit")

	g.Commit()
	assert.False(t, g.Alloc().Contains(committedTop))
	assert.Equal(t, uint64(2), g.Version())

	// the earlier blob is unaffected by later changes
	old, err := Decode(before)
	require.NoError(t, err)
	oldBooks, err := old.Table("books")
	require.NoError(t, err)
	assert.Equal(t, 3, oldBooks.ColumnCount())
}

func TestSaveOpen(t *testing.T) {
	g := buildLibrary(t)
	g.Commit()
	path := filepath.Join(t.TempDir(), "nested", "library.cspec")
	require.NoError(t, g.Save(path))

	opened, err := Open(path)
	require.NoError(t, err)
	assert.Equal(t, g.ID(), opened.ID())
	assert.Equal(t, g.TableNames(), opened.TableNames())
	require.NoError(t, opened.Verify())

	for _, name := range g.TableNames() {
		want, err := g.Table(name)
		require.NoError(t, err)
		got, err := opened.Table(name)
		require.NoError(t, err)
		assert.True(t, want.SameSchema(got), "table %s", name)
	}

	books, err := opened.Table("books")
	require.NoError(t, err)
	chapters := books.Schema().Subtable(books.ColumnIndex("chapters"))
	assert.Equal(t, []string{"pages"}, chapters.ColumnNames())

	// restored arrays are read-only, changes still work
	_, err = books.AddColumn(types.TypeBool, "in_print")
	require.NoError(t, err)
	assert.NoError(t, opened.Verify())
}

func TestOpen_Errors(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "absent.cspec"))
	assert.Error(t, err)

	data := New().Encode()
	data[len(data)-1] ^= 0xFF
	_, err = Decode(data)
	assert.Error(t, err)
}

func TestWriteTo(t *testing.T) {
	g := buildLibrary(t)
	var buf bytes.Buffer
	n, err := g.WriteTo(&buf)
	require.NoError(t, err)
	assert.Equal(t, int64(buf.Len()), n)

	decoded, err := Decode(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, g.TableNames(), decoded.TableNames())
}

func TestApply_ReplaysChangelog(t *testing.T) {
	c := replication.NewChangelog(nil)
	source := buildLibrary(t, WithReplication(c))

	replica := New()
	require.NoError(t, replica.Apply(c.Instructions()))

	for _, name := range source.TableNames() {
		want, err := source.Table(name)
		require.NoError(t, err)
		got, err := replica.Table(name)
		require.NoError(t, err)
		assert.True(t, want.SameSchema(got), "table %s", name)
	}
	books, err := replica.Table("books")
	require.NoError(t, err)
	nested := books.Schema().Subtable(2)
	assert.Equal(t, []string{"pages"}, nested.ColumnNames())
	assert.NoError(t, replica.Verify())

	author, err := books.LinkTarget(books.ColumnIndex("author"))
	require.NoError(t, err)
	assert.Equal(t, "authors", author.Name())
}

func TestApply_ThroughSegmentLog(t *testing.T) {
	dir := t.TempDir()
	l, err := replication.OpenLog(dir, 64*1024*1024)
	require.NoError(t, err)
	buildLibrary(t, WithReplication(replication.NewChangelog(l)))
	require.NoError(t, l.Close())

	instrs, err := replication.ReadAll(dir)
	require.NoError(t, err)

	replica := New()
	require.NoError(t, replica.Apply(instrs))
	assert.Equal(t, []string{"authors", "books"}, replica.TableNames())
}

func TestApply_RejectsAddWithoutSelect(t *testing.T) {
	err := New().Apply([]*replication.Instruction{{Seq: 1, Op: replication.OpAddColumn, Name: "x"}})
	assert.Error(t, err)

	err = New().Apply([]*replication.Instruction{{Seq: 1, Op: replication.OpSelectSpec, Table: "t", Path: []int{0}}})
	assert.Equal(t, errors.CodeTableNotFound, errors.GetCode(err))
}

func TestReplicatedSeq_SurvivesSaveOpen(t *testing.T) {
	g := New()
	assert.Equal(t, uint64(0), g.ReplicatedSeq())

	g.SetReplicatedSeq(41)
	g.Commit()
	g.SetReplicatedSeq(42)

	path := filepath.Join(t.TempDir(), "seq.cspec")
	require.NoError(t, g.Save(path))

	opened, err := Open(path)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), opened.ReplicatedSeq())
	assert.Equal(t, g.ID(), opened.ID())
}

func TestApply_RemoveThenNestedAddAfterSave(t *testing.T) {
	c := replication.NewChangelog(nil)
	g := New(WithReplication(c))
	tbl, err := g.AddTable("t")
	require.NoError(t, err)
	_, err = tbl.AddColumn(types.TypeTable, "a")
	require.NoError(t, err)
	_, err = tbl.AddColumn(types.TypeTable, "b")
	require.NoError(t, err)

	g.Commit()
	path := filepath.Join(t.TempDir(), "t.cspec")
	require.NoError(t, g.Save(path))
	c.Drain()

	require.NoError(t, tbl.RemoveColumn(0))
	_, err = tbl.AddSubcolumn([]int{0}, types.TypeInt, "x")
	require.NoError(t, err)

	opened, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, opened.Apply(c.Drain()))

	got, err := opened.Table("t")
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, got.Schema().ColumnNames())
	assert.Equal(t, []string{"x"}, got.Schema().Subtable(0).ColumnNames())
	assert.NoError(t, opened.Verify())
}

func TestApply_ReplaysEveryEditKind(t *testing.T) {
	c := replication.NewChangelog(nil)
	g := New(WithReplication(c))
	_, err := g.AddTable("owners")
	require.NoError(t, err)
	pets, err := g.AddTable("pets")
	require.NoError(t, err)
	for _, col := range []struct {
		typ  types.DataType
		name string
	}{
		{types.TypeString, "name"},
		{types.TypeString, "nick"},
		{types.TypeTable, "visits"},
	} {
		_, err = pets.AddColumn(col.typ, col.name)
		require.NoError(t, err)
	}
	_, err = pets.AddSubcolumn([]int{2}, types.TypeDate, "when")
	require.NoError(t, err)
	_, err = pets.AddSubcolumn([]int{2}, types.TypeString, "note")
	require.NoError(t, err)

	g.Commit()
	path := filepath.Join(t.TempDir(), "pets.cspec")
	require.NoError(t, g.Save(path))
	c.Drain()

	require.NoError(t, pets.RenameColumn(1, "alias"))
	require.NoError(t, pets.SetColumnAttr(0, types.AttrIndexed))
	require.NoError(t, pets.UpgradeStringToEnum(1, []string{"rex", "tom"}))
	_, err = pets.AddLinkColumn(types.TypeLink, "owner", "owners")
	require.NoError(t, err)
	require.NoError(t, pets.RenameSubcolumn([]int{2, 0}, "at"))
	require.NoError(t, pets.UpgradeSubcolumnToEnum([]int{2, 1}, []string{"ok"}))
	require.NoError(t, pets.RemoveSubcolumn([]int{2, 0}))

	opened, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, opened.Apply(c.Drain()))
	require.NoError(t, opened.Verify())

	got, err := opened.Table("pets")
	require.NoError(t, err)
	schema := got.Schema()
	assert.Equal(t, []string{"name", "alias", "visits", "owner"}, schema.ColumnNames())
	assert.Equal(t, types.AttrIndexed, schema.ColumnAttr(0))
	assert.Equal(t, types.TypeString, schema.ColumnType(1))
	assert.Equal(t, []string{"rex", "tom"}, got.EnumKeys([]int{1}))
	assert.Equal(t, []string{"note"}, schema.Subtable(2).ColumnNames())
	assert.Equal(t, []string{"ok"}, got.EnumKeys([]int{2, 0}))

	owner, err := got.LinkTarget(3)
	require.NoError(t, err)
	assert.Equal(t, "owners", owner.Name())
	assert.True(t, pets.SameSchema(got))
}

func TestApply_RejectsBadEdits(t *testing.T) {
	sel := &replication.Instruction{Seq: 1, Op: replication.OpSelectSpec, Table: "t"}
	addInt := &replication.Instruction{Seq: 2, Op: replication.OpAddColumn, Type: types.TypeInt, Name: "i"}

	tests := []struct {
		name string
		in   *replication.Instruction
		code string
	}{
		{"remove missing column", &replication.Instruction{Seq: 3, Op: replication.OpRemoveColumn, Col: 5}, errors.CodeColumnNotFound},
		{"rename negative column", &replication.Instruction{Seq: 3, Op: replication.OpRenameColumn, Col: -1, Name: "x"}, errors.CodeColumnNotFound},
		{"unknown type", &replication.Instruction{Seq: 3, Op: replication.OpAddColumn, Type: types.DataType(99), Name: "x"}, errors.CodeInvalidType},
		{"enum on int", &replication.Instruction{Seq: 3, Op: replication.OpUpgradeToEnum, Col: 0, Keys: []string{"a"}}, errors.CodeInvalidType},
		{"target on int", &replication.Instruction{Seq: 3, Op: replication.OpSetLinkTarget, Col: 0, Target: "t"}, errors.CodeInvalidType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var err error
			assert.NotPanics(t, func() {
				err = New().Apply([]*replication.Instruction{sel, addInt, tt.in})
			})
			require.Error(t, err)
			assert.Equal(t, tt.code, errors.GetCode(err))
		})
	}

	err := New().Apply([]*replication.Instruction{
		sel,
		{Seq: 2, Op: replication.OpAddColumn, Type: types.TypeLink, Name: "l"},
		{Seq: 3, Op: replication.OpSetLinkTarget, Col: 0, Target: "nowhere"},
	})
	assert.Equal(t, errors.CodeTableNotFound, errors.GetCode(err))
}

func TestDecode_RejectsMalformedTrees(t *testing.T) {
	withTable := func(edit func(g *Group, tbl *Table)) []byte {
		g := New()
		tbl, err := g.AddTable("t")
		require.NoError(t, err)
		_, err = tbl.AddColumn(types.TypeInt, "i")
		require.NoError(t, err)
		_, err = g.AddTable("u")
		require.NoError(t, err)
		edit(g, tbl)
		return g.Encode()
	}

	tests := []struct {
		name string
		blob func() []byte
	}{
		{"null top", func() []byte { return alloc.New().EncodeSnapshot(alloc.NullRef) }},
		{"string top", func() []byte {
			a := alloc.New()
			s := array.NewString(a)
			s.Add("x")
			return a.EncodeSnapshot(s.Ref())
		}},
		{"spec slot holds plain ints", func() []byte {
			return withTable(func(g *Group, _ *Table) {
				g.specs.SetRef(0, array.New(g.alloc, array.TypeNormal).Ref())
			})
		}},
		{"link target past last table", func() []byte {
			return withTable(func(_ *Group, tbl *Table) { tbl.targets.Set(0, 7) })
		}},
		{"link lists shared", func() []byte {
			return withTable(func(g *Group, _ *Table) { g.links.SetRef(1, g.links.GetRef(0)) })
		}},
		{"id is not a uuid", func() []byte {
			return withTable(func(g *Group, _ *Table) { g.meta.Set(metaID, "not-a-uuid") })
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			blob := tt.blob()
			var err error
			assert.NotPanics(t, func() { _, err = Decode(blob) })
			require.Error(t, err)
			assert.Equal(t, errors.CodeCorruptionDetected, errors.GetCode(err))

			assert.NotPanics(t, func() { _, err = Read(bytes.NewReader(blob)) })
			assert.Equal(t, errors.CodeCorruptionDetected, errors.GetCode(err))
		})
	}
}

func TestSchema_IsReadOnly(t *testing.T) {
	g := buildLibrary(t)
	books, err := g.Table("books")
	require.NoError(t, err)

	_, mutable := books.Schema().(*spec.Spec)
	assert.False(t, mutable)
	_, mutable = books.Schema().Subtable(books.ColumnIndex("chapters")).(*spec.Spec)
	assert.False(t, mutable)

	// edits go through the table and keep link targets in step
	require.NoError(t, books.RemoveColumn(books.ColumnIndex("title")))
	require.NoError(t, books.RemoveSubcolumn([]int{books.ColumnIndex("chapters"), 0}))
	assert.Equal(t, []string{"author", "chapters"}, books.Schema().ColumnNames())
	assert.Empty(t, books.Schema().Subtable(1).ColumnNames())

	author, err := books.LinkTarget(0)
	require.NoError(t, err)
	assert.Equal(t, "authors", author.Name())
	assert.NoError(t, g.Verify())
}
