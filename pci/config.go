// Package pci discovers PCI functions through the legacy configuration
// mechanism (CONFIG_ADDRESS at port 0xcf8, CONFIG_DATA at port 0xcfc).
package pci

import (
	"sync"
)

// Port performs 32-bit port I/O.
type Port interface {
	Out32(port uint16, v uint32)
	In32(port uint16) uint32
}

// configuration mechanism #1 ports

const (
	PortConfigAddress = 0xcf8 // CONFIG_ADDRESS (W)
	PortConfigData    = 0xcfc // CONFIG_DATA (R)
)

// configuration space register offsets

const (
	regID         = 0x00 // device id [31:16], vendor id [15:0]
	regClass      = 0x08 // base [31:24], sub [23:16], interface [15:8], revision [7:0]
	regHeader     = 0x0c // bist [31:24], header type [23:16]
	regBAR0       = 0x10 // base address registers 0x10-0x24
	regBusNumbers = 0x18 // bridges: subordinate [23:16], secondary [15:8], primary [7:0]
)

const (
	InvalidVendorID = 0xffff
	MaxDevices      = 32
	MaxFunctions    = 8

	headerMultiFunction = 1 << 7
)

// Config serializes access to the configuration ports. The address write and
// the data read of one configuration cycle happen under a single lock; an
// access interleaved between them would corrupt both cycles.
type Config struct {
	mu   sync.Mutex
	port Port
}

// NewConfig returns a Config that performs configuration cycles on port.
// A system should have exactly one Config per Port.
func NewConfig(port Port) *Config {
	return &Config{port: port}
}

// MakeAddress composes the CONFIG_ADDRESS word for a configuration register.
// The low two bits of off are dropped: registers are dword-aligned.
func MakeAddress(bus, device, function, off uint8) uint32 {
	return 1<<31 |
		uint32(bus)<<16 |
		uint32(device)<<11 |
		uint32(function)<<8 |
		uint32(off&0xfc)
}

// Read reads the 32-bit configuration register at off.
func (c *Config) Read(a Address, off uint8) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.port.Out32(PortConfigAddress, MakeAddress(a.Bus, a.Device, a.Function, off))
	return c.port.In32(PortConfigData)
}

// VendorID returns the function's vendor id. InvalidVendorID means no
// function is present at a.
func (c *Config) VendorID(a Address) uint16 {
	return uint16(c.Read(a, regID))
}

// DeviceID returns the function's vendor-assigned device id.
func (c *Config) DeviceID(a Address) uint16 {
	return uint16(c.Read(a, regID) >> 16)
}

// HeaderType returns the function's header type byte, including the
// multi-function bit.
func (c *Config) HeaderType(a Address) uint8 {
	return uint8(c.Read(a, regHeader) >> 16)
}

// ClassCode returns the function's class code.
func (c *Config) ClassCode(a Address) ClassCode {
	r := c.Read(a, regClass)
	return ClassCode{
		Base:      uint8(r >> 24),
		Sub:       uint8(r >> 16),
		Interface: uint8(r >> 8),
	}
}

// BusNumbers returns the raw bus number register of a PCI-to-PCI bridge.
func (c *Config) BusNumbers(a Address) uint32 {
	return c.Read(a, regBusNumbers)
}

// SecondaryBus returns the secondary bus number of a PCI-to-PCI bridge.
func (c *Config) SecondaryBus(a Address) uint8 {
	return uint8(c.BusNumbers(a) >> 8)
}

// IsSingleFunction reports whether a header type describes a single-function device.
func IsSingleFunction(headerType uint8) bool {
	return headerType&headerMultiFunction == 0
}
