// Package pcisim simulates PCI configuration space behind the legacy
// configuration ports. A Bus is a pci.Port, so a pci.Config can scan it like
// real hardware.
package pcisim

import (
	"encoding/binary"
	"fmt"
	"slices"
	"sync"

	"github.com/c35s/bringup/pci"
)

// ConfigSize is the size of a function's legacy configuration space.
const ConfigSize = 256

// Function describes a simulated function's configuration header.
type Function struct {
	Vendor     uint16
	DeviceID   uint16
	Class      pci.ClassCode
	HeaderType uint8

	// SecondaryBus is the bridge's secondary bus number. It is only
	// meaningful for bridges.
	SecondaryBus uint8

	// BAR holds the raw base address registers. A bridge has only the first two.
	BAR [pci.NumBARs]uint32
}

// Access is a configuration read decoded from CONFIG_ADDRESS.
type Access struct {
	Addr pci.Address
	Off  uint8
}

// Bus is a simulated set of configuration spaces.
type Bus struct {
	mu     sync.Mutex
	addr   uint32
	spaces map[pci.Address]*[ConfigSize]byte
	log    []Access
}

var le = binary.LittleEndian

// New returns an empty bus. Every function reads as absent until it is added.
func New() *Bus {
	return &Bus{
		spaces: make(map[pci.Address]*[ConfigSize]byte),
	}
}

// Add installs a function at a, replacing any existing one.
func (b *Bus) Add(a pci.Address, f Function) {
	var cs [ConfigSize]byte

	le.PutUint16(cs[0x00:], f.Vendor)
	le.PutUint16(cs[0x02:], f.DeviceID)
	cs[0x09] = f.Class.Interface
	cs[0x0a] = f.Class.Sub
	cs[0x0b] = f.Class.Base
	cs[0x0e] = f.HeaderType

	nbar := pci.NumBARs
	if f.Class.IsBridge() {
		nbar = 2
	}

	for i := 0; i < nbar; i++ {
		le.PutUint32(cs[0x10+4*i:], f.BAR[i])
	}

	if f.Class.IsBridge() {
		cs[0x18] = a.Bus
		cs[0x19] = f.SecondaryBus
		cs[0x1a] = f.SecondaryBus
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.spaces[a] = &cs
}

// SetConfig installs a function at a from a raw configuration space. Short
// spaces are zero-padded; bytes past ConfigSize are ignored.
func (b *Bus) SetConfig(a pci.Address, space []byte) {
	cs := new([ConfigSize]byte)
	copy(cs[:], space)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.spaces[a] = cs
}

// Config returns a copy of the configuration space of the function at a.
func (b *Bus) Config(a pci.Address) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	cs, ok := b.spaces[a]
	if !ok {
		return nil, false
	}

	return slices.Clone(cs[:]), true
}

// Addresses returns the addresses of all installed functions in bus, device,
// function order.
func (b *Bus) Addresses() []pci.Address {
	b.mu.Lock()
	defer b.mu.Unlock()

	aa := make([]pci.Address, 0, len(b.spaces))
	for a := range b.spaces {
		aa = append(aa, a)
	}

	slices.SortFunc(aa, func(x, y pci.Address) int {
		return addrKey(x) - addrKey(y)
	})

	return aa
}

func addrKey(a pci.Address) int {
	return int(a.Bus)<<8 | int(a.Device)<<3 | int(a.Function)
}

// Accesses returns the configuration reads performed so far, in order.
func (b *Bus) Accesses() []Access {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.log)
}

// Out32 implements pci.Port.
func (b *Bus) Out32(port uint16, v uint32) {
	if port != pci.PortConfigAddress {
		panic(fmt.Sprintf("pcisim: write to port %#x", port))
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.addr = v
}

// In32 implements pci.Port. Reads of absent functions return all ones.
func (b *Bus) In32(port uint16) uint32 {
	if port != pci.PortConfigData {
		panic(fmt.Sprintf("pcisim: read from port %#x", port))
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.addr&(1<<31) == 0 {
		return 0xffffffff
	}

	var (
		a = pci.Address{
			Bus:      uint8(b.addr >> 16),
			Device:   uint8(b.addr>>11) & 0x1f,
			Function: uint8(b.addr>>8) & 0x7,
		}

		off = uint8(b.addr & 0xfc)
	)

	b.log = append(b.log, Access{Addr: a, Off: off})

	cs, ok := b.spaces[a]
	if !ok {
		return 0xffffffff
	}

	return le.Uint32(cs[off:])
}
