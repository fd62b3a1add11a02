package snapshot

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arkilian/colspec/internal/catalog"
	"github.com/arkilian/colspec/internal/errors"
	"github.com/arkilian/colspec/internal/group"
	"github.com/arkilian/colspec/internal/storage"
	"github.com/arkilian/colspec/pkg/types"
)

type fixture struct {
	store *storage.LocalStorage
	cat   *catalog.SQLiteCatalog
	pub   *Publisher
	clock time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	store, err := storage.NewLocalStorage(filepath.Join(dir, "objects"))
	require.NoError(t, err)
	cat, err := catalog.NewCatalog(filepath.Join(dir, "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })

	f := &fixture{store: store, cat: cat, clock: time.Unix(1760000000, 0)}
	f.pub = NewPublisher(store, cat, WithPruneConcurrency(2))
	f.pub.now = func() time.Time {
		f.clock = f.clock.Add(time.Second)
		return f.clock
	}
	return f
}

func newGroup(t *testing.T) *group.Group {
	t.Helper()
	g := group.New()
	people, err := g.AddTable("people")
	require.NoError(t, err)
	_, err = people.AddColumn(types.TypeString, "name", types.AttrIndexed)
	require.NoError(t, err)
	_, err = people.AddColumn(types.TypeInt, "age")
	require.NoError(t, err)
	return g
}

func TestPublish_UploadsAndRegisters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g := newGroup(t)

	rec, err := f.pub.Publish(ctx, g)
	require.NoError(t, err)

	assert.Equal(t, g.ID().String(), rec.GroupID)
	assert.Equal(t, ObjectPath(rec.SnapshotID), rec.ObjectPath)
	assert.Equal(t, 1, rec.TableCount)
	require.Len(t, rec.Tables, 1)
	assert.Equal(t, "people", rec.Tables[0].Name)

	data, err := f.store.Get(ctx, rec.ObjectPath)
	require.NoError(t, err)
	assert.Equal(t, g.Encode(), data)
	assert.Equal(t, int64(len(data)), rec.SizeBytes)

	etag, ok := f.store.GetETag(rec.ObjectPath)
	require.True(t, ok)
	assert.Equal(t, etag, rec.Checksum)

	stored, err := f.cat.GetSnapshot(ctx, rec.SnapshotID)
	require.NoError(t, err)
	assert.Equal(t, rec.ObjectPath, stored.ObjectPath)
}

func TestRestore_RoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g := newGroup(t)

	rec, err := f.pub.Publish(ctx, g)
	require.NoError(t, err)

	restored, err := f.pub.Restore(ctx, rec.SnapshotID)
	require.NoError(t, err)
	assert.Equal(t, g.ID(), restored.ID())
	assert.Equal(t, []string{"people"}, restored.TableNames())

	people, err := restored.Table("people")
	require.NoError(t, err)
	assert.Equal(t, 2, people.ColumnCount())
	assert.Equal(t, 1, people.ColumnIndex("age"))
	assert.NoError(t, restored.Verify())
}

func TestRestoreLatest_PicksNewest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g := newGroup(t)

	_, err := f.pub.Publish(ctx, g)
	require.NoError(t, err)

	people, err := g.Table("people")
	require.NoError(t, err)
	_, err = people.AddColumn(types.TypeDate, "born")
	require.NoError(t, err)
	second, err := f.pub.Publish(ctx, g)
	require.NoError(t, err)

	latest, err := f.pub.Latest(ctx, g.ID().String())
	require.NoError(t, err)
	assert.Equal(t, second.SnapshotID, latest.SnapshotID)

	restored, err := f.pub.RestoreLatest(ctx, g.ID().String())
	require.NoError(t, err)
	restoredPeople, err := restored.Table("people")
	require.NoError(t, err)
	assert.Equal(t, 3, restoredPeople.ColumnCount())
}

func TestRestore_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.pub.Restore(ctx, "missing")
	assert.Equal(t, errors.CodeSnapshotNotFound, errors.GetCode(err))

	rec, err := f.pub.Publish(ctx, newGroup(t))
	require.NoError(t, err)

	_, err = f.store.Put(ctx, rec.ObjectPath, []byte("short"))
	require.NoError(t, err)
	_, err = f.pub.Restore(ctx, rec.SnapshotID)
	assert.Equal(t, errors.CodeChecksumMismatch, errors.GetCode(err))

	require.NoError(t, f.store.Delete(ctx, rec.ObjectPath))
	_, err = f.pub.Restore(ctx, rec.SnapshotID)
	assert.Equal(t, errors.CodeObjectNotFound, errors.GetCode(err))
	assert.Equal(t, errors.ErrCategoryStorage, errors.GetCategory(err))
}

func TestPrune_KeepsNewest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g := newGroup(t)

	var ids []string
	for i := 0; i < 5; i++ {
		rec, err := f.pub.Publish(ctx, g)
		require.NoError(t, err)
		ids = append(ids, rec.SnapshotID)
	}
	other, err := f.pub.Publish(ctx, newGroup(t))
	require.NoError(t, err)

	res, err := f.pub.Prune(ctx, g.ID().String(), 2)
	require.NoError(t, err)
	assert.Empty(t, res.Failed)
	assert.ElementsMatch(t, ids[:3], res.Deleted)

	remaining, err := f.cat.ListSnapshots(ctx, g.ID().String())
	require.NoError(t, err)
	require.Len(t, remaining, 2)
	assert.Equal(t, ids[4], remaining[0].SnapshotID)
	assert.Equal(t, ids[3], remaining[1].SnapshotID)

	objects, err := f.store.ListObjects(ctx, "snapshots")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		ObjectPath(ids[3]), ObjectPath(ids[4]), ObjectPath(other.SnapshotID),
	}, objects)
}

func TestPrune_NothingToDo(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g := newGroup(t)

	_, err := f.pub.Publish(ctx, g)
	require.NoError(t, err)

	res, err := f.pub.Prune(ctx, g.ID().String(), 3)
	require.NoError(t, err)
	assert.Empty(t, res.Deleted)
	assert.Empty(t, res.Failed)
}
