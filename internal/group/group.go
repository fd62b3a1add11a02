// Package group holds a set of named tables whose schemas share one
// allocator. The group's top array has four slots:
//   - 0: table names
//   - 1: spec top refs, one per table
//   - 2: link target lists, one per table
//   - 3: metadata strings (group id, replicated sequence number)
//
// A link target list has one entry per top-level column of its table: zero
// for ordinary columns, target table index + 1 for link columns.
package group

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"github.com/arkilian/colspec/internal/alloc"
	"github.com/arkilian/colspec/internal/array"
	"github.com/arkilian/colspec/internal/errors"
	"github.com/arkilian/colspec/internal/replication"
	"github.com/arkilian/colspec/internal/spec"
	"github.com/arkilian/colspec/pkg/types"
)

const (
	slotNames = iota
	slotSpecs
	slotLinks
	slotMeta
	topSize
)

const (
	metaID = iota
	metaReplicatedSeq
)

// Group is a collection of named tables.
type Group struct {
	mu    sync.Mutex
	id    uuid.UUID
	alloc *alloc.Allocator
	top   array.Array
	names array.StringArray
	specs array.Array
	links array.Array
	meta  array.StringArray
	repl  Recorder

	tables  map[int]*Table
	version uint64
}

// Recorder is told about every schema edit made through a group's tables.
// Column additions arrive through the embedded spec.Replication hook, which
// the schema views call themselves; the other edits are reported by Table.
type Recorder interface {
	spec.Replication
	ColumnRemoved(owner string, s *spec.Spec, col int) error
	ColumnRenamed(owner string, s *spec.Spec, col int, name string) error
	ColumnAttrSet(owner string, s *spec.Spec, col int, attr types.ColumnAttr) error
	EnumUpgraded(owner string, s *spec.Spec, col int, keys []string) error
	LinkTargetSet(owner string, s *spec.Spec, col int, target string) error
}

var _ Recorder = (*replication.Changelog)(nil)

type nopRecorder struct{ spec.NopReplication }

func (nopRecorder) ColumnRemoved(string, *spec.Spec, int) error { return nil }
func (nopRecorder) ColumnRenamed(string, *spec.Spec, int, string) error { return nil }
func (nopRecorder) ColumnAttrSet(string, *spec.Spec, int, types.ColumnAttr) error { return nil }
func (nopRecorder) EnumUpgraded(string, *spec.Spec, int, []string) error { return nil }
func (nopRecorder) LinkTargetSet(string, *spec.Spec, int, string) error { return nil }

// Option configures a Group.
type Option func(*Group)

// WithReplication routes every schema edit of every table to r.
func WithReplication(r Recorder) Option {
	return func(g *Group) {
		if r != nil {
			g.repl = r
		}
	}
}

// New creates an empty group with a fresh id.
func New(opts ...Option) *Group {
	g := newGroup(alloc.New(), opts)
	g.id = uuid.New()

	top := array.New(g.alloc, array.TypeHasRefs)
	top.AddRef(array.NewString(g.alloc).Ref())
	top.AddRef(array.New(g.alloc, array.TypeHasRefs).Ref())
	top.AddRef(array.New(g.alloc, array.TypeHasRefs).Ref())
	meta := array.NewString(g.alloc)
	meta.Add(g.id.String())
	meta.Add("0")
	top.AddRef(meta.Ref())

	g.attach(top.Ref())
	return g
}

func newGroup(a *alloc.Allocator, opts []Option) *Group {
	g := &Group{
		alloc:  a,
		repl:   nopRecorder{},
		tables: make(map[int]*Table),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Group) attach(ref alloc.Ref) {
	g.top.Attach(g.alloc, ref)
	errors.Invariant(g.top.Size() == topSize, "group: top array at %d has %d slots, want %d", ref, g.top.Size(), topSize)

	g.names.Attach(g.alloc, g.top.GetRef(slotNames))
	g.names.SetParent(&g.top, slotNames)
	g.specs.Attach(g.alloc, g.top.GetRef(slotSpecs))
	g.specs.SetParent(&g.top, slotSpecs)
	g.links.Attach(g.alloc, g.top.GetRef(slotLinks))
	g.links.SetParent(&g.top, slotLinks)
	g.meta.Attach(g.alloc, g.top.GetRef(slotMeta))
	g.meta.SetParent(&g.top, slotMeta)
}

// ID returns the identifier the group was created with. It survives
// Save/Open.
func (g *Group) ID() uuid.UUID { return g.id }

// Alloc returns the allocator holding the group's arrays.
func (g *Group) Alloc() *alloc.Allocator { return g.alloc }

// Ref returns the current location of the top array.
func (g *Group) Ref() alloc.Ref { return g.top.Ref() }

// Version returns the number of commits since the group was created or
// opened.
func (g *Group) Version() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.version
}

// ReplicatedSeq returns the sequence number of the last replication
// instruction already reflected in the group, or 0.
func (g *Group) ReplicatedSeq() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.meta.Size() <= metaReplicatedSeq {
		return 0
	}
	seq, err := strconv.ParseUint(g.meta.Get(metaReplicatedSeq), 10, 64)
	if err != nil {
		return 0
	}
	return seq
}

// SetReplicatedSeq records that every instruction up to seq is reflected
// in the group. It is stored with the group and survives Save/Open.
func (g *Group) SetReplicatedSeq(seq uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	v := strconv.FormatUint(seq, 10)
	if g.meta.Size() <= metaReplicatedSeq {
		g.meta.Add(v)
		return
	}
	g.meta.Set(metaReplicatedSeq, v)
}

// TableCount returns the number of tables.
func (g *Group) TableCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.names.Size()
}

// TableNames returns the table names in creation order.
func (g *Group) TableNames() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.names.Values()
}

// HasTable reports whether a table called name exists.
func (g *Group) HasTable(name string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.names.Find(name) >= 0
}

// AddTable creates an empty table.
func (g *Group) AddTable(name string) (*Table, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.names.Find(name) >= 0 {
		return nil, errors.NewSchemaError(errors.CodeTableExists,
			fmt.Sprintf("table '%s' already exists", name))
	}

	g.names.Add(name)
	g.specs.AddRef(spec.Create(g.alloc))
	g.links.AddRef(array.New(g.alloc, array.TypeNormal).Ref())

	return g.table(g.names.Size() - 1), nil
}

// Table returns the table called name.
func (g *Group) Table(name string) (*Table, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	ndx := g.names.Find(name)
	if ndx < 0 {
		return nil, errors.NewSchemaError(errors.CodeTableNotFound,
			fmt.Sprintf("no table named '%s'", name))
	}
	return g.table(ndx), nil
}

// TableAt returns the table at position ndx.
func (g *Group) TableAt(ndx int) *Table {
	g.mu.Lock()
	defer g.mu.Unlock()
	errors.Invariant(ndx >= 0 && ndx < g.names.Size(), "group: table index %d out of range (%d tables)", ndx, g.names.Size())
	return g.table(ndx)
}

// GetOrAddTable returns the table called name, creating it if needed.
func (g *Group) GetOrAddTable(name string) (*Table, error) {
	if t, err := g.Table(name); err == nil {
		return t, nil
	}
	return g.AddTable(name)
}

// table returns the cached view of table ndx. Callers hold g.mu.
func (g *Group) table(ndx int) *Table {
	if t, ok := g.tables[ndx]; ok {
		return t
	}
	t := &Table{group: g, ndx: ndx, name: g.names.Get(ndx)}
	t.spec = spec.Attach(g.alloc, g.specs.GetRef(ndx), &g.specs, ndx, spec.WithReplication(g.repl))
	t.targets.Attach(g.alloc, g.links.GetRef(ndx))
	t.targets.SetParent(&g.links, ndx)
	g.tables[ndx] = t
	return t
}

// Commit makes every change so far permanent: later changes copy the
// arrays they touch instead of overwriting them. It returns the new
// version number.
func (g *Group) Commit() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	oldBaseline := g.alloc.Commit()
	for _, t := range g.tables {
		t.spec.Refresh(oldBaseline)
		t.targets.Refresh(oldBaseline)
	}
	g.version++
	log.Printf("group: committed version %d of %s (%d blocks, %d bytes)",
		g.version, g.id, g.alloc.BlockCount(), g.alloc.UsedBytes())
	return g.version
}

// Verify checks the group's bookkeeping and every table schema.
func (g *Group) Verify() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	n := g.names.Size()
	if g.specs.Size() != n || g.links.Size() != n {
		return fmt.Errorf("group: %d names, %d specs, %d link lists", n, g.specs.Size(), g.links.Size())
	}
	for i := 0; i < n; i++ {
		t := g.table(i)
		if err := t.spec.Verify(); err != nil {
			return fmt.Errorf("group: table '%s': %w", t.name, err)
		}
		if t.targets.Size() != t.spec.ColumnCount() {
			return fmt.Errorf("group: table '%s' has %d link entries for %d columns",
				t.name, t.targets.Size(), t.spec.ColumnCount())
		}
		for col := 0; col < t.targets.Size(); col++ {
			target := int(t.targets.Get(col))
			if target > n {
				return fmt.Errorf("group: table '%s' column %d links to table %d of %d", t.name, col, target-1, n)
			}
			if target > 0 && !t.spec.ColumnType(col).IsLink() {
				return fmt.Errorf("group: table '%s' column %d has a link target but is %s",
					t.name, col, t.spec.ColumnType(col))
			}
		}
	}
	return nil
}

// Encode returns the group as a snapshot blob.
func (g *Group) Encode() []byte {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.alloc.EncodeSnapshot(g.top.Ref())
}

// WriteTo writes the group as a snapshot blob.
func (g *Group) WriteTo(w io.Writer) (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.alloc.WriteSnapshot(w, g.top.Ref())
}

// Save writes the group to path, replacing any existing file.
func (g *Group) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to create group file: %w", err)
	}
	if _, err := g.WriteTo(f); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to write group file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to fsync group file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to close group file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename group file: %w", err)
	}
	return nil
}

// Decode rebuilds a group from a snapshot blob. Every restored array is
// treated as committed. A blob whose tree does not have the shape of a
// group is reported as CORRUPTION_DETECTED.
func Decode(data []byte, opts ...Option) (*Group, error) {
	a, top, err := alloc.DecodeSnapshot(data)
	if err != nil {
		return nil, err
	}
	return restore(a, top, opts)
}

// Read rebuilds a group from a snapshot stream.
func Read(r io.Reader, opts ...Option) (*Group, error) {
	a, top, err := alloc.ReadSnapshot(r)
	if err != nil {
		return nil, err
	}
	return restore(a, top, opts)
}

// Open loads a group saved with Save.
func Open(path string, opts ...Option) (*Group, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read group file: %w", err)
	}
	defer f.Close()

	g, err := Read(f, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to open group %s: %w", path, err)
	}
	log.Printf("group: opened %s from %s (%d tables)", g.id, path, g.names.Size())
	return g, nil
}

func restore(a *alloc.Allocator, top alloc.Ref, opts []Option) (*Group, error) {
	id, err := checkTree(a, top)
	if err != nil {
		return nil, err
	}
	g := newGroup(a, opts)
	g.id = id
	g.attach(top)
	return g, nil
}

func corrupt(format string, args ...interface{}) error {
	return errors.NewSnapshotError(errors.CodeCorruptionDetected, fmt.Sprintf(format, args...), nil)
}

// checkTree vets a decoded tree before anything attaches to it, so that a
// malformed blob is reported instead of tripping an invariant. It returns
// the group id stored in the metadata.
func checkTree(a *alloc.Allocator, top alloc.Ref) (uuid.UUID, error) {
	if kind, n := array.Inspect(a, top); kind != array.KindRefs || n != topSize {
		return uuid.Nil, corrupt("group top array at %d is not a %d-slot ref array", top, topSize)
	}
	hdr := array.FromRef(a, top)
	seen := map[alloc.Ref]bool{top: true}

	slots := []struct {
		slot int
		kind array.Kind
		name string
	}{
		{slotNames, array.KindStrings, "table names"},
		{slotSpecs, array.KindRefs, "spec list"},
		{slotLinks, array.KindRefs, "link target lists"},
		{slotMeta, array.KindStrings, "metadata"},
	}
	sizes := make([]int, topSize)
	for _, s := range slots {
		ref := hdr.GetRef(s.slot)
		kind, n := array.Inspect(a, ref)
		if kind != s.kind || seen[ref] {
			return uuid.Nil, corrupt("group %s at %d is malformed", s.name, ref)
		}
		seen[ref] = true
		sizes[s.slot] = n
	}

	tables := sizes[slotNames]
	if sizes[slotSpecs] != tables || sizes[slotLinks] != tables {
		return uuid.Nil, corrupt("group has %d names, %d specs, %d link lists",
			tables, sizes[slotSpecs], sizes[slotLinks])
	}

	meta := array.StringFromRef(a, hdr.GetRef(slotMeta))
	if meta.Size() <= metaID {
		return uuid.Nil, corrupt("group metadata has no id")
	}
	id, err := uuid.Parse(meta.Get(metaID))
	if err != nil {
		return uuid.Nil, errors.NewSnapshotError(errors.CodeCorruptionDetected, "group id is not a uuid", err)
	}

	specs := array.FromRef(a, hdr.GetRef(slotSpecs))
	links := array.FromRef(a, hdr.GetRef(slotLinks))
	for i := 0; i < tables; i++ {
		ref := specs.GetRef(i)
		if err := spec.Check(a, ref, seen); err != nil {
			return uuid.Nil, errors.NewSnapshotError(errors.CodeCorruptionDetected,
				fmt.Sprintf("schema of table %d is malformed", i), err)
		}
		_, cols := array.Inspect(a, array.FromRef(a, ref).GetRef(0))

		linkRef := links.GetRef(i)
		kind, n := array.Inspect(a, linkRef)
		if kind != array.KindInts || seen[linkRef] {
			return uuid.Nil, corrupt("link target list of table %d at %d is malformed", i, linkRef)
		}
		seen[linkRef] = true
		if n != cols {
			return uuid.Nil, corrupt("table %d has %d link entries for %d columns", i, n, cols)
		}
		for col, target := range array.FromRef(a, linkRef).Values() {
			if target < 0 || target > int64(tables) {
				return uuid.Nil, corrupt("table %d column %d links to table %d of %d", i, col, target-1, tables)
			}
		}
	}
	return id, nil
}
