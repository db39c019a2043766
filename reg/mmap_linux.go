//go:build linux

package reg

import (
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Mapping is a Space backed by memory mapped into the process, such as a
// device BAR mapped from /dev/mem or a sysfs resource file.
type Mapping struct {
	mem []byte
}

var (
	ErrMap       = errors.New("reg: map failed")
	ErrUnaligned = errors.New("reg: unaligned mapping")
)

// Map maps size bytes of the file at path, starting at off, for shared
// read-write access. The offset must be a multiple of the host page size.
func Map(path string, off int64, size int) (*Mapping, error) {
	if pgsz := int64(os.Getpagesize()); off%pgsz != 0 {
		return nil, fmt.Errorf("%w: %w: offset %#x", ErrMap, ErrUnaligned, off)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMap, err)
	}

	defer f.Close()

	mem, err := unix.Mmap(int(f.Fd()), off, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrMap, path, err)
	}

	return &Mapping{mem: mem}, nil
}

// Mem returns an anonymous, zeroed Mapping of size bytes. It behaves like
// device memory that nothing else writes to.
func Mem(size int) (*Mapping, error) {
	mem, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)

	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMap, err)
	}

	return &Mapping{mem: mem}, nil
}

// Len returns the size of the mapping in bytes.
func (m *Mapping) Len() int {
	return len(m.mem)
}

func (m *Mapping) ptr(off uint64, size int) unsafe.Pointer {
	if off%uint64(size) != 0 || off+uint64(size) > uint64(len(m.mem)) {
		panic(fmt.Sprintf("reg: bad %d-byte access at %#x", size, off))
	}

	return unsafe.Pointer(&m.mem[off])
}

func (m *Mapping) Load(off uint64, size int) uint64 {
	p := m.ptr(off, size)
	switch size {
	case 1:
		return uint64(load8((*uint8)(p)))
	case 2:
		return uint64(load16((*uint16)(p)))
	case 4:
		return uint64(atomic.LoadUint32((*uint32)(p)))
	case 8:
		return atomic.LoadUint64((*uint64)(p))
	default:
		panic(size)
	}
}

func (m *Mapping) Store(off uint64, size int, v uint64) {
	p := m.ptr(off, size)
	switch size {
	case 1:
		store8((*uint8)(p), uint8(v))
	case 2:
		store16((*uint16)(p), uint16(v))
	case 4:
		atomic.StoreUint32((*uint32)(p), uint32(v))
	case 8:
		atomic.StoreUint64((*uint64)(p), v)
	default:
		panic(size)
	}
}

// Close unmaps the memory. The Mapping must not be used afterwards.
func (m *Mapping) Close() error {
	if m.mem == nil {
		return nil
	}

	err := unix.Munmap(m.mem)
	m.mem = nil
	return err
}

// sync/atomic has no 8- or 16-bit operations. These must stay out of line.

//go:noinline
func load8(p *uint8) uint8 { return *p }

//go:noinline
func load16(p *uint16) uint16 { return *p }

//go:noinline
func store8(p *uint8, v uint8) { *p = v }

//go:noinline
func store16(p *uint16, v uint16) { *p = v }
