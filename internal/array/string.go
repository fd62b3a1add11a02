package array

import (
	"encoding/binary"

	"github.com/arkilian/colspec/internal/alloc"
	"github.com/arkilian/colspec/internal/errors"
)

// StringArray is a sequence of strings. The payload is one uint32 end offset
// per element followed by the concatenated string bytes.
type StringArray struct {
	node
	size int
}

// NewString creates an empty string array in a.
func NewString(a *alloc.Allocator) *StringArray {
	s := &StringArray{}
	s.Create(a)
	return s
}

// StringFromRef attaches a new view to the string array stored at ref.
func StringFromRef(a *alloc.Allocator, ref alloc.Ref) *StringArray {
	s := &StringArray{}
	s.Attach(a, ref)
	return s
}

// Create allocates an empty string array and attaches the receiver to it.
func (s *StringArray) Create(a *alloc.Allocator) {
	ref, buf := a.Alloc(HeaderSize)
	writeHeader(buf, header{flags: flagString})
	s.Attach(a, ref)
}

// Attach points the receiver at the string array stored at ref.
func (s *StringArray) Attach(a *alloc.Allocator, ref alloc.Ref) {
	errors.Invariant(ref != alloc.NullRef, "array: attach to null ref")
	s.alloc = a
	s.ref = ref
	h := readHeader(a.Translate(ref))
	errors.Invariant(h.flags&flagString != 0, "array: ref %d is not a string array", ref)
	s.size = h.size
}

// Refresh re-attaches to the ref held by the parent slot if it may have
// changed since oldBaseline. It reports whether it re-attached.
func (s *StringArray) Refresh(oldBaseline alloc.Ref) bool {
	ref, changed := s.refreshRef(oldBaseline)
	if !changed {
		return false
	}
	s.Attach(s.alloc, ref)
	return true
}

// Size returns the number of strings.
func (s *StringArray) Size() int { return s.size }

// Get returns string i.
func (s *StringArray) Get(i int) string {
	errors.Invariant(i >= 0 && i < s.size, "array: string index %d out of range (size %d)", i, s.size)
	buf := s.bytes()
	begin, end := s.bounds(buf, i)
	return string(buf[begin:end])
}

// Values returns a copy of all strings.
func (s *StringArray) Values() []string {
	if !s.IsAttached() {
		return nil
	}
	buf := s.bytes()
	vals := make([]string, s.size)
	for i := range vals {
		begin, end := s.bounds(buf, i)
		vals[i] = string(buf[begin:end])
	}
	return vals
}

// Find returns the index of the first element equal to v, or -1.
func (s *StringArray) Find(v string) int {
	buf := s.bytes()
	for i := 0; i < s.size; i++ {
		begin, end := s.bounds(buf, i)
		if string(buf[begin:end]) == v {
			return i
		}
	}
	return -1
}

// Set replaces string i.
func (s *StringArray) Set(i int, v string) {
	errors.Invariant(i >= 0 && i < s.size, "array: string index %d out of range (size %d)", i, s.size)
	vals := s.Values()
	vals[i] = v
	s.store(vals)
}

// Add appends v.
func (s *StringArray) Add(v string) { s.Insert(s.size, v) }

// Insert places v before element i. i may equal Size.
func (s *StringArray) Insert(i int, v string) {
	errors.Invariant(i >= 0 && i <= s.size, "array: string index %d out of range (size %d)", i, s.size)
	vals := s.Values()
	vals = append(vals, "")
	copy(vals[i+1:], vals[i:])
	vals[i] = v
	s.store(vals)
}

// Erase removes string i.
func (s *StringArray) Erase(i int) {
	errors.Invariant(i >= 0 && i < s.size, "array: string index %d out of range (size %d)", i, s.size)
	vals := s.Values()
	vals = append(vals[:i], vals[i+1:]...)
	s.store(vals)
}

// Destroy frees the array and detaches.
func (s *StringArray) Destroy() {
	if !s.IsAttached() {
		return
	}
	s.alloc.Free(s.ref)
	s.Detach()
}

// Compare reports whether both arrays hold the same strings.
func (s *StringArray) Compare(other *StringArray) bool {
	if s.size != other.size {
		return false
	}
	for i := 0; i < s.size; i++ {
		if s.Get(i) != other.Get(i) {
			return false
		}
	}
	return true
}

func (s *StringArray) bounds(buf []byte, i int) (int, int) {
	dataStart := HeaderSize + 4*s.size
	begin := 0
	if i > 0 {
		begin = int(binary.LittleEndian.Uint32(buf[HeaderSize+4*(i-1):]))
	}
	end := int(binary.LittleEndian.Uint32(buf[HeaderSize+4*i:]))
	return dataStart + begin, dataStart + end
}

func (s *StringArray) store(vals []string) {
	total := 0
	for _, v := range vals {
		total += len(v)
	}
	buf := s.writable(HeaderSize + 4*len(vals) + total)
	writeHeader(buf, header{flags: flagString, size: len(vals)})

	dataStart := HeaderSize + 4*len(vals)
	end := 0
	for i, v := range vals {
		copy(buf[dataStart+end:], v)
		end += len(v)
		binary.LittleEndian.PutUint32(buf[HeaderSize+4*i:], uint32(end))
	}
	s.size = len(vals)
}
