package pci

import (
	"errors"
	"fmt"
)

var (
	ErrFull       = errors.New("pci: device list is full")
	ErrOutOfRange = errors.New("pci: BAR index out of range")
)

// Address identifies a PCI function.
type Address struct {
	Bus      uint8
	Device   uint8
	Function uint8
}

func (a Address) String() string {
	return fmt.Sprintf("%02x:%02x.%x", a.Bus, a.Device, a.Function)
}

// ClassCode identifies the kind of a PCI function.
type ClassCode struct {
	Base      uint8
	Sub       uint8
	Interface uint8
}

var (
	ClassXHCI   = ClassCode{Base: 0x0c, Sub: 0x03, Interface: 0x30}
	ClassBridge = ClassCode{Base: 0x06, Sub: 0x04} // PCI-to-PCI bridge, any interface
)

// IsBridge reports whether the class code is a PCI-to-PCI bridge.
func (cc ClassCode) IsBridge() bool {
	return cc.Base == ClassBridge.Base && cc.Sub == ClassBridge.Sub
}

func (cc ClassCode) String() string {
	return fmt.Sprintf("(0x%02x, 0x%02x, 0x%02x)", cc.Base, cc.Sub, cc.Interface)
}

// Device is a function recorded by a scan.
type Device struct {
	Address
	HeaderType uint8
	Class      ClassCode
}

func (d Device) String() string {
	return fmt.Sprintf("%v class %v header 0x%02x", d.Address, d.Class, d.HeaderType)
}

// DeviceList is a fixed-capacity, insertion-ordered list of devices.
type DeviceList struct {
	devices [MaxDevices]Device
	count   int
}

// Add appends d. It returns ErrFull if the list already holds MaxDevices devices.
func (l *DeviceList) Add(d Device) error {
	if l.count >= len(l.devices) {
		return fmt.Errorf("%w: can't add %v", ErrFull, d.Address)
	}

	l.devices[l.count] = d
	l.count++

	return nil
}

// Len returns the number of devices in the list.
func (l *DeviceList) Len() int {
	return l.count
}

// At returns the i'th device in scan order.
func (l *DeviceList) At(i int) Device {
	return l.devices[:l.count][i]
}

// Devices returns a copy of the list's devices in scan order.
func (l *DeviceList) Devices() []Device {
	return append([]Device(nil), l.devices[:l.count]...)
}
