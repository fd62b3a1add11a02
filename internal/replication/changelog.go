package replication

import (
	"sync"
	"time"

	"github.com/arkilian/colspec/internal/spec"
	"github.com/arkilian/colspec/pkg/types"
)

// Changelog turns schema change notifications into instructions. Column
// additions arrive through the spec.Replication hook; removals, renames,
// attribute changes, enum upgrades and link targets through the methods
// the group calls. It only emits a select-spec instruction when the change
// targets a different spec than the previous one.
type Changelog struct {
	mu       sync.Mutex
	log      *Log
	pending  []*Instruction
	selected *spec.Spec
	table    string
	seq      uint64
	now      func() time.Time
}

var _ spec.Replication = (*Changelog)(nil)

// NewChangelog returns a changelog that keeps instructions in memory and,
// when l is not nil, also appends them to l.
func NewChangelog(l *Log) *Changelog {
	return &Changelog{log: l, now: time.Now}
}

// ColumnAdded implements spec.Replication.
func (c *Changelog) ColumnAdded(owner string, s *spec.Spec, typ types.DataType, name string) error {
	return c.record(owner, s, &Instruction{Op: OpAddColumn, Type: typ, Name: name})
}

// ColumnRemoved records that column col of s was removed.
func (c *Changelog) ColumnRemoved(owner string, s *spec.Spec, col int) error {
	return c.record(owner, s, &Instruction{Op: OpRemoveColumn, Col: col})
}

// ColumnRenamed records that column col of s is now called name.
func (c *Changelog) ColumnRenamed(owner string, s *spec.Spec, col int, name string) error {
	return c.record(owner, s, &Instruction{Op: OpRenameColumn, Col: col, Name: name})
}

// ColumnAttrSet records new attributes for column col of s.
func (c *Changelog) ColumnAttrSet(owner string, s *spec.Spec, col int, attr types.ColumnAttr) error {
	return c.record(owner, s, &Instruction{Op: OpSetColumnAttr, Col: col, Attr: attr})
}

// EnumUpgraded records that string column col of s was enum-encoded with
// keys as its key list.
func (c *Changelog) EnumUpgraded(owner string, s *spec.Spec, col int, keys []string) error {
	k := make([]string, len(keys))
	copy(k, keys)
	return c.record(owner, s, &Instruction{Op: OpUpgradeToEnum, Col: col, Keys: k})
}

// LinkTargetSet records that link column col of s points at target.
func (c *Changelog) LinkTargetSet(owner string, s *spec.Spec, col int, target string) error {
	return c.record(owner, s, &Instruction{Op: OpSetLinkTarget, Col: col, Target: target})
}

// record emits instr, preceded by a select-spec instruction when s is not
// the spec the previous instruction targeted.
func (c *Changelog) record(owner string, s *spec.Spec, instr *Instruction) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.selected != s || c.table != owner {
		sel := &Instruction{Op: OpSelectSpec, Table: owner, Path: s.SubspecPath()}
		if err := c.emit(sel); err != nil {
			return err
		}
		c.selected = s
		c.table = owner
	}
	return c.emit(instr)
}

// SpecDestroyed implements spec.Replication.
func (c *Changelog) SpecDestroyed(s *spec.Spec) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.selected == s {
		c.selected = nil
		c.table = ""
	}
}

func (c *Changelog) emit(instr *Instruction) error {
	instr.Timestamp = c.now().UnixNano()
	if c.log != nil {
		if _, err := c.log.Append(instr); err != nil {
			// a failed write must not leave a selection the replica never saw
			c.selected = nil
			c.table = ""
			return err
		}
	} else {
		c.seq++
		instr.Seq = c.seq
	}
	c.pending = append(c.pending, instr)
	return nil
}

// Instructions returns the instructions recorded since the last Drain.
func (c *Changelog) Instructions() []*Instruction {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Instruction, len(c.pending))
	copy(out, c.pending)
	return out
}

// Drain returns the recorded instructions and forgets them. The next change
// starts with a fresh select-spec instruction.
func (c *Changelog) Drain() []*Instruction {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.pending
	c.pending = nil
	c.selected = nil
	c.table = ""
	return out
}
