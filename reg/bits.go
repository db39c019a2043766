package reg

import (
	"strings"
	"unsafe"
)

// Unsigned is the set of integer types a register or bit field can be backed by.
type Unsigned interface {
	~uint8 | ~uint16 | ~uint32 | ~uint64
}

// Get reports whether bit i of v is set. Bits beyond the width of T are never set.
func Get[T Unsigned](v T, i uint) bool {
	b := T(1) << i
	return b != 0 && v&b == b
}

// Set returns v with bit i set (on) or cleared (!on). All other bits are
// left untouched. Setting a bit beyond the width of T is a no-op.
func Set[T Unsigned](v T, i uint, on bool) T {
	b := T(1) << i
	if on {
		return v | b
	}

	return v &^ b
}

// Field extracts the width-bit field of v starting at bit lo.
func Field[T Unsigned](v T, lo, width uint) T {
	return (v >> lo) & mask[T](width)
}

// WithField returns v with the width-bit field at lo replaced by x. Bits of x
// above width are discarded, and bits of v outside the field are kept.
func WithField[T Unsigned](v T, lo, width uint, x T) T {
	m := mask[T](width) << lo
	return v&^m | (x<<lo)&m
}

func mask[T Unsigned](width uint) T {
	if width >= bitsOf[T]() {
		return ^T(0)
	}

	return T(1)<<width - 1
}

func bitsOf[T Unsigned]() uint {
	var z T
	return uint(unsafe.Sizeof(z)) * 8
}

// Bit names a single bit of a register.
type Bit struct {
	Name  string
	Index uint
}

// Bits is a table of named bits. It replaces per-field accessors: registers
// declare their layout as data and callers look bits up by name.
type Bits []Bit

// Lookup returns the index of the bit with the given name.
func (bb Bits) Lookup(name string) (uint, bool) {
	for _, b := range bb {
		if b.Name == name {
			return b.Index, true
		}
	}

	return 0, false
}

// Index is like Lookup but panics if the bit isn't in the table.
func (bb Bits) Index(name string) uint {
	i, ok := bb.Lookup(name)
	if !ok {
		panic("reg: unknown bit " + name)
	}

	return i
}

// Mask returns a uint64 with the named bits set.
func (bb Bits) Mask(names ...string) uint64 {
	var m uint64
	for _, n := range names {
		m = Set(m, bb.Index(n), true)
	}

	return m
}

// Format returns the names of the bits set in v, in table order, joined by "|".
func (bb Bits) Format(v uint64) string {
	var names []string
	for _, b := range bb {
		if Get(v, b.Index) {
			names = append(names, b.Name)
		}
	}

	if len(names) == 0 {
		return "0"
	}

	return strings.Join(names, "|")
}
