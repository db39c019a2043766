// Package alloc implements a bump allocator for memory shared with a device.
//
// A Pool hands out regions of a fixed, page-aligned block of memory. Regions
// are never freed individually; the pool lives as long as the controller that
// uses it. Regions don't straddle a boundary-aligned block (4K by default)
// unless they are larger than the boundary, as the xHCI requires for its
// contexts and rings.
package alloc

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Config describes a new Pool.
type Config struct {

	// Size is the size of the pool in bytes. The pool starts on a page
	// boundary. If Size is 0, the pool is 64K.
	Size int

	// Boundary is the power-of-two block size regions must not straddle.
	// If Boundary is 0, it is 4096.
	Boundary int
}

// Pool is a fixed-size bump allocator. A Pool is safe for concurrent use;
// only one allocation is in flight at a time.
type Pool struct {
	mu       sync.Mutex
	mem      []byte
	boundary uintptr

	// captured on first use
	base uintptr
	end  uintptr
	cur  uintptr
}

// Region is an allocated block of pool memory.
type Region struct {
	Offset uintptr // from the start of the pool
	Addr   uintptr
	Bytes  []byte
}

const (
	SizeDefault     = 64 << 10
	BoundaryDefault = 4096
)

var (
	ErrConfig    = errors.New("alloc: invalid config")
	ErrAllocMem  = errors.New("alloc: pool memory allocation failed")
	ErrExhausted = errors.New("alloc: pool exhausted")
)

// New reserves the pool's memory.
func New(cfg Config) (*Pool, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	mem, err := unix.Mmap(-1, 0, cfg.Size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)

	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAllocMem, err)
	}

	p := &Pool{
		mem:      mem,
		boundary: uintptr(cfg.Boundary),
	}

	return p, nil
}

// Alloc returns a region of size bytes aligned to align, a power of two.
// It returns false if the pool is exhausted or align is invalid.
func (p *Pool) Alloc(size, align int) (Region, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.alloc(size, align)
}

// Reserve calls fn with exclusive use of the pool. The pool is released when
// fn returns or panics.
func (p *Pool) Reserve(fn func(a *Arena) error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return fn(&Arena{p: p})
}

// Arena allocates from a reserved Pool. It is only valid inside Reserve.
type Arena struct {
	p *Pool
}

// Alloc is like Pool.Alloc but doesn't lock the pool.
func (a *Arena) Alloc(size, align int) (Region, bool) {
	return a.p.alloc(size, align)
}

// Slice allocates n elements of type T from p, aligned for T.
func Slice[T any](p *Pool, n int) ([]T, bool) {
	var z T

	if n < 0 {
		return nil, false
	}

	r, ok := p.Alloc(n*int(unsafe.Sizeof(z)), int(unsafe.Alignof(z)))
	if !ok || n == 0 || len(r.Bytes) == 0 {
		return []T{}, ok
	}

	return unsafe.Slice((*T)(unsafe.Pointer(&r.Bytes[0])), n), true
}

// Used returns the number of bytes consumed, including alignment padding.
func (p *Pool) Used() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.init()
	return int(p.cur - p.base)
}

// Free returns the number of bytes after the cursor.
func (p *Pool) Free() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.init()
	return int(p.end - p.cur)
}

// Close releases the pool's memory. Regions must not be used afterwards.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.mem == nil {
		return nil
	}

	err := unix.Munmap(p.mem)
	p.mem = nil
	p.base, p.end, p.cur = 0, 0, 0
	return err
}

func (p *Pool) init() {
	if p.base == 0 && p.end == 0 && len(p.mem) > 0 {
		p.base = uintptr(unsafe.Pointer(&p.mem[0]))
		p.end = p.base + uintptr(len(p.mem))
		p.cur = p.base
	}
}

func (p *Pool) alloc(size, align int) (Region, bool) {
	if size < 0 || align < 0 || align&(align-1) != 0 {
		return Region{}, false
	}

	if align == 0 {
		align = 1
	}

	p.init()
	if p.base == 0 {
		return Region{}, false
	}

	var (
		sz  = uintptr(size)
		ptr = roundUp(p.cur, uintptr(align))
	)

	// move to the next boundary if the region would cross it; a region
	// larger than the boundary starts on one
	if sz > 0 && ptr/p.boundary != (ptr+sz-1)/p.boundary {
		ptr = roundUp(roundUp(ptr, p.boundary), uintptr(align))
	}

	if ptr < p.cur || ptr+sz < ptr || ptr+sz > p.end {
		return Region{}, false
	}

	p.cur = ptr + sz

	off := ptr - p.base
	r := Region{
		Offset: off,
		Addr:   ptr,
		Bytes:  p.mem[off : off+sz : off+sz],
	}

	return r, true
}

func roundUp(v, align uintptr) uintptr {
	return (v + align - 1) &^ (align - 1)
}

func (cfg Config) validate() error {
	if cfg.Size <= 0 {
		return fmt.Errorf("pool is too small: %d", cfg.Size)
	}

	if b := cfg.Boundary; b <= 0 || b&(b-1) != 0 {
		return fmt.Errorf("boundary must be a power of two: %d", b)
	}

	return nil
}

func (cfg Config) withDefaults() Config {
	if cfg.Size == 0 {
		cfg.Size = SizeDefault
	}

	if cfg.Boundary == 0 {
		cfg.Boundary = BoundaryDefault
	}

	return cfg
}
