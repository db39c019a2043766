// Package reg provides volatile access to memory-mapped hardware registers.
//
// A Space performs single full-width loads and stores. A Block is an opaque
// window into a Space, and a Reg is a typed register inside a Block. Callers
// never see a raw address: everything goes through Read, Write, and Modify.
package reg

import (
	"fmt"
	"unsafe"
)

// Space is a region of register address space. Each Load or Store is exactly
// one access of size bytes (1, 2, 4, or 8) at off; implementations must not
// split, merge, cache, or reorder accesses.
type Space interface {
	Load(off uint64, size int) uint64
	Store(off uint64, size int, v uint64)
}

// Block is a window of size bytes starting at off within a Space.
type Block struct {
	sp   Space
	off  uint64
	size uint64
}

// NewBlock returns a block covering the first size bytes of sp.
func NewBlock(sp Space, size uint64) Block {
	return Block{sp: sp, size: size}
}

// Sub returns the block of size bytes at off within b.
// It panics if the sub-block doesn't fit.
func (b Block) Sub(off, size uint64) Block {
	b.check(off, size)
	return Block{sp: b.sp, off: b.off + off, size: size}
}

// Size returns the size of the block in bytes.
func (b Block) Size() uint64 {
	return b.size
}

// Valid reports whether the block is backed by a Space.
func (b Block) Valid() bool {
	return b.sp != nil
}

func (b Block) check(off, size uint64) {
	if b.sp == nil {
		panic("reg: access through an unmapped block")
	}

	if off+size < off || off+size > b.size {
		panic(fmt.Sprintf("reg: access [%#x, %#x) outside block of size %#x", off, off+size, b.size))
	}
}

// Reg is a register of type T at a fixed offset in a Block.
type Reg[T Unsigned] struct {
	blk Block
	off uint64
}

// At returns the register of type T at off in b.
// It panics if the register doesn't fit in the block.
func At[T Unsigned](b Block, off uint64) Reg[T] {
	var z T
	b.check(off, uint64(unsafe.Sizeof(z)))
	return Reg[T]{blk: b, off: off}
}

func (r Reg[T]) size() int {
	var z T
	return int(unsafe.Sizeof(z))
}

// Read performs one volatile load of the register.
func (r Reg[T]) Read() T {
	return T(r.blk.sp.Load(r.blk.off+r.off, r.size()))
}

// Write performs one volatile store to the register.
func (r Reg[T]) Write(v T) {
	r.blk.sp.Store(r.blk.off+r.off, r.size(), uint64(v))
}

// Modify reads the register, applies f to a local copy, and writes the copy
// back. It isn't atomic; callers that share a register must serialize.
func (r Reg[T]) Modify(f func(v *T)) {
	v := r.Read()
	f(&v)
	r.Write(v)
}

// Get reports whether bit i of the register is set.
func (r Reg[T]) Get(i uint) bool {
	return Get(r.Read(), i)
}

// Set sets or clears bit i of the register with a read-modify-write.
func (r Reg[T]) Set(i uint, on bool) {
	r.Modify(func(v *T) {
		*v = Set(*v, i, on)
	})
}
