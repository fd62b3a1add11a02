// Package replication records schema changes so they can be replayed on
// another copy of a group.
package replication

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/golang/snappy"

	"github.com/arkilian/colspec/internal/errors"
	"github.com/arkilian/colspec/pkg/types"
)

// Op identifies the kind of an instruction.
type Op uint8

const (
	// OpSelectSpec makes the spec at Table/Path the target of the
	// instructions that follow.
	OpSelectSpec Op = iota + 1
	// OpAddColumn adds a column to the selected spec.
	OpAddColumn
	// OpRemoveColumn removes column Col of the selected spec.
	OpRemoveColumn
	// OpRenameColumn renames column Col of the selected spec to Name.
	OpRenameColumn
	// OpSetColumnAttr replaces the attributes of column Col.
	OpSetColumnAttr
	// OpUpgradeToEnum switches string column Col to enum encoding with
	// Keys as its key list.
	OpUpgradeToEnum
	// OpSetLinkTarget points link column Col at the table named Target.
	OpSetLinkTarget
)

var opNames = map[Op]string{
	OpSelectSpec:    "select-spec",
	OpAddColumn:     "add-column",
	OpRemoveColumn:  "remove-column",
	OpRenameColumn:  "rename-column",
	OpSetColumnAttr: "set-column-attr",
	OpUpgradeToEnum: "upgrade-to-enum",
	OpSetLinkTarget: "set-link-target",
}

func (o Op) String() string {
	if name, ok := opNames[o]; ok {
		return name
	}
	return fmt.Sprintf("op(%d)", uint8(o))
}

// Instruction is a single changelog record.
type Instruction struct {
	Seq       uint64           `json:"seq"`
	Op        Op               `json:"op"`
	Table     string           `json:"table,omitempty"`
	Path      []int            `json:"path,omitempty"`
	Type      types.DataType   `json:"type,omitempty"`
	Name      string           `json:"name,omitempty"`
	Col       int              `json:"col,omitempty"`
	Attr      types.ColumnAttr `json:"attr,omitempty"`
	Keys      []string         `json:"keys,omitempty"`
	Target    string           `json:"target,omitempty"`
	Timestamp int64            `json:"timestamp"`
}

const segmentPrefix = "repl_"

// MaxRecordSize bounds the payload of one record. Readers treat a larger
// length field as corruption instead of allocating it.
const MaxRecordSize = 16 * 1024 * 1024

func segmentName(id uint64) string {
	return fmt.Sprintf("%s%016x.log", segmentPrefix, id)
}

// Log appends instructions to rotating segment files. Each record is
// [length:4][crc32:4][payload:length] where the payload is the
// snappy-compressed JSON encoding of the instruction.
type Log struct {
	dir        string
	segment    *os.File
	segmentID  uint64
	offset     int64
	maxSegSize int64
	seq        uint64
	mu         sync.Mutex
}

// OpenLog opens the log in dir, continuing after the last record of the
// newest existing segment.
func OpenLog(dir string, maxSegSize int64) (*Log, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create replication directory: %w", err)
	}

	l := &Log{dir: dir, maxSegSize: maxSegSize}

	segments, err := Segments(dir)
	if err != nil {
		return nil, err
	}
	if len(segments) > 0 {
		last := segments[len(segments)-1]
		if _, err := fmt.Sscanf(filepath.Base(last)[len(segmentPrefix):], "%016x", &l.segmentID); err != nil {
			return nil, fmt.Errorf("failed to parse segment name %s: %w", last, err)
		}
		if err := trimTornTail(last); err != nil {
			return nil, err
		}
		// the newest segment is empty right after a rotation
		for i := len(segments) - 1; i >= 0; i-- {
			instrs, err := ReadSegment(segments[i])
			if err != nil {
				return nil, err
			}
			if n := len(instrs); n > 0 {
				l.seq = instrs[n-1].Seq
				break
			}
		}
	}

	if err := l.openSegment(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Log) openSegment() error {
	path := filepath.Join(l.dir, segmentName(l.segmentID))
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("failed to open segment file: %w", err)
	}

	offset, err := file.Seek(0, io.SeekEnd)
	if err != nil {
		file.Close()
		return fmt.Errorf("failed to seek segment: %w", err)
	}

	l.segment = file
	l.offset = offset
	return nil
}

// Append assigns the next sequence number to instr and writes it.
func (l *Log) Append(instr *Instruction) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.segment == nil {
		return 0, fmt.Errorf("replication log is closed")
	}

	l.seq++
	instr.Seq = l.seq

	raw, err := json.Marshal(instr)
	if err != nil {
		l.seq--
		return 0, fmt.Errorf("failed to serialize instruction: %w", err)
	}
	payload := snappy.Encode(nil, raw)
	if len(payload) > MaxRecordSize {
		l.seq--
		return 0, fmt.Errorf("instruction %d is %d bytes, over the %d byte record limit", instr.Seq, len(payload), MaxRecordSize)
	}

	if err := l.writeRecord(payload); err != nil {
		l.seq--
		return 0, err
	}
	return l.seq, nil
}

func (l *Log) writeRecord(payload []byte) error {
	var hdr [8]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(hdr[4:8], crc32.ChecksumIEEE(payload))

	if _, err := l.segment.Write(hdr[:]); err != nil {
		return fmt.Errorf("failed to write record header: %w", err)
	}
	if _, err := l.segment.Write(payload); err != nil {
		return fmt.Errorf("failed to write payload: %w", err)
	}
	if err := l.segment.Sync(); err != nil {
		return fmt.Errorf("failed to fsync: %w", err)
	}

	l.offset += int64(len(hdr) + len(payload))
	if l.offset >= l.maxSegSize {
		return l.rotate()
	}
	return nil
}

// Rotate closes the current segment and starts a new one.
func (l *Log) Rotate() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rotate()
}

func (l *Log) rotate() error {
	if l.segment != nil {
		if err := l.segment.Close(); err != nil {
			return fmt.Errorf("failed to close segment: %w", err)
		}
	}
	l.segmentID++
	log.Printf("replication: rotating to segment %s", segmentName(l.segmentID))
	return l.openSegment()
}

// Seq returns the sequence number of the last appended instruction.
func (l *Log) Seq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq
}

// AdvanceTo makes sure the next appended instruction gets a sequence
// number above seq. Used after old segments were pruned.
func (l *Log) AdvanceTo(seq uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if seq > l.seq {
		l.seq = seq
	}
}

// Prune removes every segment older than the current one and returns how
// many were removed.
func (l *Log) Prune() (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	segments, err := Segments(l.dir)
	if err != nil {
		return 0, err
	}
	current := segmentName(l.segmentID)
	removed := 0
	for _, path := range segments {
		if filepath.Base(path) >= current {
			continue
		}
		if err := os.Remove(path); err != nil {
			return removed, fmt.Errorf("failed to remove segment %s: %w", path, err)
		}
		removed++
	}
	return removed, nil
}

// Dir returns the directory holding the segments.
func (l *Log) Dir() string { return l.dir }

// Close fsyncs and closes the current segment.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.segment == nil {
		return nil
	}
	if err := l.segment.Sync(); err != nil {
		return fmt.Errorf("failed to fsync on close: %w", err)
	}
	if err := l.segment.Close(); err != nil {
		return fmt.Errorf("failed to close segment: %w", err)
	}
	l.segment = nil
	return nil
}

// Segments returns the segment files in dir, oldest first.
func Segments(dir string) ([]string, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read replication directory: %w", err)
	}

	var paths []string
	for _, f := range files {
		name := f.Name()
		if f.IsDir() || !strings.HasPrefix(name, segmentPrefix) || !strings.HasSuffix(name, ".log") {
			continue
		}
		paths = append(paths, filepath.Join(dir, name))
	}
	// zero-padded hex ids sort lexically
	sort.Strings(paths)
	return paths, nil
}

// ReadSegment reads the instructions of a segment file. A record cut short
// at the end of the file is a write interrupted by a crash and ends the
// read. A complete record that fails its checksum or does not decode is
// corruption: every later instruction may depend on it, so ReadSegment
// returns the instructions before it together with a CORRUPTION_DETECTED
// error.
func ReadSegment(path string) ([]*Instruction, error) {
	instrs, _, err := readSegment(path)
	return instrs, err
}

// readSegment also returns the offset just past the last intact record.
func readSegment(path string) ([]*Instruction, int64, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open segment: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, 0, fmt.Errorf("failed to stat segment: %w", err)
	}
	size := info.Size()

	var (
		instrs []*Instruction
		offset int64
		hdr    [8]byte
	)
	corrupt := func(format string, args ...interface{}) ([]*Instruction, int64, error) {
		msg := fmt.Sprintf("%s at offset %d: %s", filepath.Base(path), offset, fmt.Sprintf(format, args...))
		return instrs, offset, errors.NewReplicationError(errors.CodeCorruptionDetected, msg, nil)
	}

	for {
		if _, err := io.ReadFull(file, hdr[:]); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return instrs, offset, nil
			}
			return instrs, offset, fmt.Errorf("failed to read record header: %w", err)
		}
		length := int64(binary.LittleEndian.Uint32(hdr[0:4]))
		crc := binary.LittleEndian.Uint32(hdr[4:8])

		if length > MaxRecordSize {
			return corrupt("record length %d exceeds %d", length, MaxRecordSize)
		}
		if offset+int64(len(hdr))+length > size {
			return instrs, offset, nil
		}

		payload := make([]byte, length)
		if _, err := io.ReadFull(file, payload); err != nil {
			return instrs, offset, fmt.Errorf("failed to read record payload: %w", err)
		}
		if crc32.ChecksumIEEE(payload) != crc {
			return corrupt("checksum mismatch")
		}
		raw, err := snappy.Decode(nil, payload)
		if err != nil {
			return corrupt("payload is not snappy data: %v", err)
		}
		var instr Instruction
		if err := json.Unmarshal(raw, &instr); err != nil {
			return corrupt("malformed instruction: %v", err)
		}
		instrs = append(instrs, &instr)
		offset += int64(len(hdr)) + length
	}
}

// trimTornTail cuts a partially written final record off the segment at
// path so that new records are appended after the last intact one.
func trimTornTail(path string) error {
	_, end, err := readSegment(path)
	if err != nil {
		return err
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to stat segment: %w", err)
	}
	if info.Size() == end {
		return nil
	}
	log.Printf("replication: [WARN] dropping %d bytes of torn record at the end of %s", info.Size()-end, filepath.Base(path))
	if err := os.Truncate(path, end); err != nil {
		return fmt.Errorf("failed to trim segment %s: %w", path, err)
	}
	return nil
}

// ReadAll reads every segment in dir in order.
func ReadAll(dir string) ([]*Instruction, error) {
	segments, err := Segments(dir)
	if err != nil {
		return nil, err
	}
	var all []*Instruction
	for _, path := range segments {
		instrs, err := ReadSegment(path)
		if err != nil {
			return nil, err
		}
		all = append(all, instrs...)
	}
	return all, nil
}
