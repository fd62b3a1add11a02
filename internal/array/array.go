package array

import (
	"encoding/binary"

	"github.com/arkilian/colspec/internal/alloc"
	"github.com/arkilian/colspec/internal/errors"
)

// Array is a packed sequence of integers whose element width grows to fit
// the widest value stored. Widths below 8 bits hold unsigned values, wider
// widths are two's-complement.
//
// An Array with refs stores child refs and implements Parent for them.
type Array struct {
	node
	hasRefs bool
	width   int
	size    int
}

// New creates an empty array in a.
func New(a *alloc.Allocator, t Type) *Array {
	arr := &Array{}
	arr.Create(a, t)
	return arr
}

// FromRef attaches a new view to the array at ref.
func FromRef(a *alloc.Allocator, ref alloc.Ref) *Array {
	arr := &Array{}
	arr.Attach(a, ref)
	return arr
}

// Create allocates an empty array and attaches the receiver to it. Any
// previous attachment is dropped without freeing it.
func (arr *Array) Create(a *alloc.Allocator, t Type) {
	ref, buf := a.Alloc(HeaderSize)
	h := header{}
	if t == TypeHasRefs {
		h.flags = flagHasRefs
	}
	writeHeader(buf, h)
	arr.Attach(a, ref)
}

// Attach points the receiver at the array stored at ref.
func (arr *Array) Attach(a *alloc.Allocator, ref alloc.Ref) {
	errors.Invariant(ref != alloc.NullRef, "array: attach to null ref")
	arr.alloc = a
	arr.ref = ref
	h := readHeader(a.Translate(ref))
	errors.Invariant(h.flags&flagString == 0, "array: ref %d holds a string array", ref)
	arr.hasRefs = h.flags&flagHasRefs != 0
	arr.width = h.width
	arr.size = h.size
}

// Refresh re-attaches to the ref held by the parent slot if it may have
// changed since oldBaseline. It reports whether it re-attached.
func (arr *Array) Refresh(oldBaseline alloc.Ref) bool {
	ref, changed := arr.refreshRef(oldBaseline)
	if !changed {
		return false
	}
	arr.Attach(arr.alloc, ref)
	return true
}

// Size returns the number of elements.
func (arr *Array) Size() int { return arr.size }

// Width returns the current element width in bits.
func (arr *Array) Width() int { return arr.width }

// HasRefs reports whether the elements are child refs.
func (arr *Array) HasRefs() bool { return arr.hasRefs }

// Get returns element i.
func (arr *Array) Get(i int) int64 {
	arr.checkIndex(i, arr.size)
	return getValue(arr.bytes(), i, arr.width)
}

// GetRef returns element i as a ref.
func (arr *Array) GetRef(i int) alloc.Ref {
	return alloc.Ref(arr.Get(i))
}

// Values returns a copy of all elements.
func (arr *Array) Values() []int64 {
	if !arr.IsAttached() {
		return nil
	}
	buf := arr.bytes()
	vals := make([]int64, arr.size)
	for i := range vals {
		vals[i] = getValue(buf, i, arr.width)
	}
	return vals
}

// Set overwrites element i, widening the array if v does not fit.
func (arr *Array) Set(i int, v int64) {
	arr.checkIndex(i, arr.size)
	if w := bitWidth(v); w > arr.width {
		vals := arr.Values()
		vals[i] = v
		arr.store(vals, w)
		return
	}
	buf := arr.writable(HeaderSize + byteSize(arr.size, arr.width))
	setValue(buf, i, arr.width, v)
}

// SetRef stores a ref in element i.
func (arr *Array) SetRef(i int, ref alloc.Ref) { arr.Set(i, int64(ref)) }

// Add appends v.
func (arr *Array) Add(v int64) { arr.Insert(arr.size, v) }

// AddRef appends a ref.
func (arr *Array) AddRef(ref alloc.Ref) { arr.Add(int64(ref)) }

// Insert places v before element i. i may equal Size.
func (arr *Array) Insert(i int, v int64) {
	arr.checkIndex(i, arr.size+1)
	w := arr.width
	if vw := bitWidth(v); vw > w {
		w = vw
	}
	vals := arr.Values()
	vals = append(vals, 0)
	copy(vals[i+1:], vals[i:])
	vals[i] = v
	arr.store(vals, w)
}

// InsertRef places a ref before element i.
func (arr *Array) InsertRef(i int, ref alloc.Ref) { arr.Insert(i, int64(ref)) }

// Erase removes element i. Child arrays are not destroyed.
func (arr *Array) Erase(i int) {
	arr.checkIndex(i, arr.size)
	vals := arr.Values()
	vals = append(vals[:i], vals[i+1:]...)
	arr.store(vals, arr.width)
}

// Clear removes all elements. Child arrays are not destroyed.
func (arr *Array) Clear() {
	arr.store(nil, 0)
}

// Destroy frees the array and everything reachable from it, then detaches.
func (arr *Array) Destroy() {
	if !arr.IsAttached() {
		return
	}
	Destroy(arr.alloc, arr.ref)
	arr.Detach()
}

// Compare reports whether both arrays hold the same values.
func (arr *Array) Compare(other *Array) bool {
	if arr.size != other.size {
		return false
	}
	for i := 0; i < arr.size; i++ {
		if arr.Get(i) != other.Get(i) {
			return false
		}
	}
	return true
}

// ChildRef implements Parent.
func (arr *Array) ChildRef(ndx int) alloc.Ref { return arr.GetRef(ndx) }

// UpdateChildRef implements Parent.
func (arr *Array) UpdateChildRef(ndx int, ref alloc.Ref) { arr.SetRef(ndx, ref) }

func (arr *Array) store(vals []int64, width int) {
	buf := arr.writable(HeaderSize + byteSize(len(vals), width))
	h := header{width: width, size: len(vals)}
	if arr.hasRefs {
		h.flags = flagHasRefs
	}
	writeHeader(buf, h)
	for i, v := range vals {
		setValue(buf, i, width, v)
	}
	arr.width = width
	arr.size = len(vals)
}

func (arr *Array) checkIndex(i, limit int) {
	errors.Invariant(i >= 0 && i < limit, "array: index %d out of range (size %d)", i, arr.size)
}

// bitWidth returns the smallest supported width that can hold v.
func bitWidth(v int64) int {
	switch {
	case v == 0:
		return 0
	case v == 1:
		return 1
	case v >= 0 && v <= 3:
		return 2
	case v >= 0 && v <= 15:
		return 4
	case v >= -1<<7 && v < 1<<7:
		return 8
	case v >= -1<<15 && v < 1<<15:
		return 16
	case v >= -1<<31 && v < 1<<31:
		return 32
	default:
		return 64
	}
}

func byteSize(count, width int) int {
	return (count*width + 7) / 8
}

func getValue(buf []byte, i, width int) int64 {
	data := buf[HeaderSize:]
	switch width {
	case 0:
		return 0
	case 1, 2, 4:
		bit := i * width
		b := data[bit/8]
		return int64((b >> (bit % 8)) & (1<<width - 1))
	case 8:
		return int64(int8(data[i]))
	case 16:
		return int64(int16(binary.LittleEndian.Uint16(data[i*2:])))
	case 32:
		return int64(int32(binary.LittleEndian.Uint32(data[i*4:])))
	case 64:
		return int64(binary.LittleEndian.Uint64(data[i*8:]))
	}
	errors.Invariant(false, "array: unsupported width %d", width)
	return 0
}

func setValue(buf []byte, i, width int, v int64) {
	data := buf[HeaderSize:]
	switch width {
	case 0:
	case 1, 2, 4:
		bit := i * width
		shift := bit % 8
		mask := byte(1<<width-1) << shift
		data[bit/8] = data[bit/8]&^mask | byte(v)<<shift&mask
	case 8:
		data[i] = byte(v)
	case 16:
		binary.LittleEndian.PutUint16(data[i*2:], uint16(v))
	case 32:
		binary.LittleEndian.PutUint32(data[i*4:], uint32(v))
	case 64:
		binary.LittleEndian.PutUint64(data[i*8:], uint64(v))
	default:
		errors.Invariant(false, "array: unsupported width %d", width)
	}
}
