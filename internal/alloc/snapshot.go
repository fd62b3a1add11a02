package alloc

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/golang/snappy"
	"github.com/spaolacci/murmur3"

	"github.com/arkilian/colspec/internal/errors"
)

// Snapshot framing:
//   - 4 bytes: magic "CSPC"
//   - 2 bytes: format version (uint16, little-endian)
//   - 2 bytes: reserved
//   - 8 bytes: murmur3 Sum64 of the compressed body
//   - remaining: snappy-compressed body
//
// Body:
//   - 8 bytes: top ref
//   - 8 bytes: arena end (next free ref)
//   - 4 bytes: block count
//   - per block: 8 bytes ref, 4 bytes length, length bytes
const (
	snapshotMagic      = "CSPC"
	SnapshotVersion    = 1
	snapshotHeaderSize = 16
	blockHeaderSize    = 12
	bodyHeaderSize     = 20
)

// EncodeSnapshot serialises every live block together with the ref of the
// tree root. Blocks waiting to be released at commit are left out.
func (a *Allocator) EncodeSnapshot(top Ref) []byte {
	refs := a.liveRefs()

	size := bodyHeaderSize
	for _, ref := range refs {
		size += blockHeaderSize + len(a.blocks[ref])
	}

	body := make([]byte, size)
	binary.LittleEndian.PutUint64(body[0:8], uint64(top))
	binary.LittleEndian.PutUint64(body[8:16], uint64(a.next))
	binary.LittleEndian.PutUint32(body[16:20], uint32(len(refs)))

	offset := bodyHeaderSize
	for _, ref := range refs {
		block := a.blocks[ref]
		binary.LittleEndian.PutUint64(body[offset:offset+8], uint64(ref))
		binary.LittleEndian.PutUint32(body[offset+8:offset+12], uint32(len(block)))
		offset += blockHeaderSize
		copy(body[offset:], block)
		offset += len(block)
	}

	compressed := snappy.Encode(nil, body)

	out := make([]byte, snapshotHeaderSize+len(compressed))
	copy(out[0:4], snapshotMagic)
	binary.LittleEndian.PutUint16(out[4:6], SnapshotVersion)
	binary.LittleEndian.PutUint64(out[8:16], murmur3.Sum64(compressed))
	copy(out[snapshotHeaderSize:], compressed)
	return out
}

// WriteSnapshot writes EncodeSnapshot(top) to w and returns the number of
// bytes written.
func (a *Allocator) WriteSnapshot(w io.Writer, top Ref) (int64, error) {
	n, err := w.Write(a.EncodeSnapshot(top))
	if err != nil {
		return int64(n), fmt.Errorf("alloc: failed to write snapshot: %w", err)
	}
	return int64(n), nil
}

// DecodeSnapshot rebuilds an allocator from snapshot bytes and returns it
// with the stored top ref. Every restored block is read-only.
func DecodeSnapshot(data []byte) (*Allocator, Ref, error) {
	if len(data) < snapshotHeaderSize {
		return nil, NullRef, corrupt("snapshot too short: %d bytes", len(data))
	}
	if string(data[0:4]) != snapshotMagic {
		return nil, NullRef, corrupt("bad magic %q", data[0:4])
	}
	if v := binary.LittleEndian.Uint16(data[4:6]); v != SnapshotVersion {
		return nil, NullRef, errors.NewSnapshotError(errors.CodeUnsupportedVersion,
			fmt.Sprintf("snapshot format version %d is not supported", v), nil)
	}

	compressed := data[snapshotHeaderSize:]
	if sum := binary.LittleEndian.Uint64(data[8:16]); sum != murmur3.Sum64(compressed) {
		return nil, NullRef, errors.NewSnapshotError(errors.CodeChecksumMismatch,
			"snapshot checksum mismatch", nil)
	}

	body, err := snappy.Decode(nil, compressed)
	if err != nil {
		return nil, NullRef, errors.NewSnapshotError(errors.CodeCorruptionDetected,
			"snapshot body is not valid snappy data", err)
	}
	if len(body) < bodyHeaderSize {
		return nil, NullRef, corrupt("snapshot body too short: %d bytes", len(body))
	}

	top := Ref(binary.LittleEndian.Uint64(body[0:8]))
	next := Ref(binary.LittleEndian.Uint64(body[8:16]))
	count := int(binary.LittleEndian.Uint32(body[16:20]))

	if next < Alignment || next%Alignment != 0 {
		return nil, NullRef, corrupt("invalid arena end %d", next)
	}

	a := &Allocator{
		blocks:   make(map[Ref][]byte, count),
		next:     next,
		baseline: next,
	}

	offset := bodyHeaderSize
	lastEnd := Ref(Alignment)
	for i := 0; i < count; i++ {
		if offset+blockHeaderSize > len(body) {
			return nil, NullRef, corrupt("block %d header truncated", i)
		}
		ref := Ref(binary.LittleEndian.Uint64(body[offset : offset+8]))
		length := int(binary.LittleEndian.Uint32(body[offset+8 : offset+12]))
		offset += blockHeaderSize

		if ref%Alignment != 0 || length == 0 || length%Alignment != 0 {
			return nil, NullRef, corrupt("block %d misaligned (ref=%d, len=%d)", i, ref, length)
		}
		if ref < lastEnd || ref+Ref(length) > next {
			return nil, NullRef, corrupt("block %d overlaps or exceeds the arena (ref=%d, len=%d)", i, ref, length)
		}
		if offset+length > len(body) {
			return nil, NullRef, corrupt("block %d payload truncated", i)
		}

		block := make([]byte, length)
		copy(block, body[offset:offset+length])
		a.blocks[ref] = block
		offset += length
		lastEnd = ref + Ref(length)
	}

	if offset != len(body) {
		return nil, NullRef, corrupt("%d trailing bytes after last block", len(body)-offset)
	}
	if top != NullRef && !a.Contains(top) {
		return nil, NullRef, corrupt("top ref %d does not address a block", top)
	}

	return a, top, nil
}

// ReadSnapshot reads all of r and decodes it.
func ReadSnapshot(r io.Reader) (*Allocator, Ref, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, NullRef, fmt.Errorf("alloc: failed to read snapshot: %w", err)
	}
	return DecodeSnapshot(data)
}

func corrupt(format string, args ...interface{}) error {
	return errors.NewSnapshotError(errors.CodeCorruptionDetected, fmt.Sprintf(format, args...), nil)
}
