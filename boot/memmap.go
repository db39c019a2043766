package boot

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"slices"
	"strconv"
	"strings"
)

// MemoryType is the type of a memory map entry.
type MemoryType uint32

const (
	Reserved MemoryType = iota
	LoaderCode
	LoaderData
	BootServicesCode
	BootServicesData
	RuntimeServicesCode
	RuntimeServicesData
	Conventional
	Unusable
	ACPIReclaim
	ACPINonVolatile
	MMIO
	MMIOPortSpace
	PALCode
	Persistent
)

var memoryTypeNames = [...]string{
	Reserved:            "reserved",
	LoaderCode:          "loader-code",
	LoaderData:          "loader-data",
	BootServicesCode:    "boot-services-code",
	BootServicesData:    "boot-services-data",
	RuntimeServicesCode: "runtime-services-code",
	RuntimeServicesData: "runtime-services-data",
	Conventional:        "conventional",
	Unusable:            "unusable",
	ACPIReclaim:         "acpi-reclaim",
	ACPINonVolatile:     "acpi-nvs",
	MMIO:                "mmio",
	MMIOPortSpace:       "mmio-port-space",
	PALCode:             "pal-code",
	Persistent:          "persistent",
}

func (t MemoryType) String() string {
	if int(t) < len(memoryTypeNames) {
		return memoryTypeNames[t]
	}

	return fmt.Sprintf("MemoryType(%#x)", uint32(t))
}

// Free reports whether memory of this type is free once boot services
// have exited.
func (t MemoryType) Free() bool {
	switch t {
	case LoaderCode, LoaderData, BootServicesCode, BootServicesData, Conventional:
		return true
	}

	return false
}

// MemoryDescriptor is one memory map entry. It has the layout of
// EFI_MEMORY_DESCRIPTOR.
type MemoryDescriptor struct {
	Type          MemoryType
	_             uint32
	PhysicalStart uint64
	VirtualStart  uint64
	NumberOfPages uint64
	Attribute     uint64
}

const (
	// DescriptorSize is the size of a marshaled MemoryDescriptor in bytes.
	DescriptorSize = 40

	// PageSize is the size of a memory map page in bytes.
	PageSize = 4096
)

var ErrMemoryMap = errors.New("boot: bad memory map")

// Size returns the size of the described region in bytes.
func (d MemoryDescriptor) Size() uint64 {
	return d.NumberOfPages * PageSize
}

// End returns the first physical address after the region.
func (d MemoryDescriptor) End() uint64 {
	return d.PhysicalStart + d.Size()
}

func (d MemoryDescriptor) String() string {
	return fmt.Sprintf("[%#016x-%#016x) %v", d.PhysicalStart, d.End(), d.Type)
}

// MarshalBinary marshals the descriptor into the layout of EFI_MEMORY_DESCRIPTOR.
func (d *MemoryDescriptor) MarshalBinary() (data []byte, err error) {
	b := new(bytes.Buffer)
	if err := binary.Write(b, binary.LittleEndian, d); err != nil {
		panic(err)
	}

	return b.Bytes(), nil
}

// UnmarshalBinary unmarshals a descriptor. It returns io.ErrUnexpectedEOF if
// the given data is too short.
func (d *MemoryDescriptor) UnmarshalBinary(data []byte) error {
	if len(data) < DescriptorSize {
		return io.ErrUnexpectedEOF
	}

	if err := binary.Read(bytes.NewReader(data[:DescriptorSize]), binary.LittleEndian, d); err != nil {
		panic(err)
	}

	return nil
}

// MemoryMap is the firmware memory map.
type MemoryMap []MemoryDescriptor

// ParseMemoryMap decodes count consecutive descriptors from data.
func ParseMemoryMap(data []byte, count int) (MemoryMap, error) {
	if count < 0 || len(data)/DescriptorSize < count {
		return nil, fmt.Errorf("%w: %d descriptors in %d bytes: %w", ErrMemoryMap, count, len(data), io.ErrUnexpectedEOF)
	}

	mm := make(MemoryMap, count)
	for i := range mm {
		if err := mm[i].UnmarshalBinary(data[i*DescriptorSize:]); err != nil {
			return nil, err
		}
	}

	return mm, nil
}

// MarshalBinary marshals the map as consecutive descriptors.
func (mm MemoryMap) MarshalBinary() (data []byte, err error) {
	b := new(bytes.Buffer)
	if err := binary.Write(b, binary.LittleEndian, []MemoryDescriptor(mm)); err != nil {
		panic(err)
	}

	return b.Bytes(), nil
}

// ConventionalBytes returns the total size of the conventional memory regions.
func (mm MemoryMap) ConventionalBytes() uint64 {
	var n uint64
	for _, d := range mm {
		if d.Type == Conventional {
			n += d.Size()
		}
	}

	return n
}

// FreeBytes returns the total size of the regions that are free once boot
// services have exited.
func (mm MemoryMap) FreeBytes() uint64 {
	var n uint64
	for _, d := range mm {
		if d.Type.Free() {
			n += d.Size()
		}
	}

	return n
}

// Sorted returns a copy of the map ordered by physical address.
func (mm MemoryMap) Sorted() MemoryMap {
	s := slices.Clone(mm)
	slices.SortFunc(s, func(a, b MemoryDescriptor) int {
		switch {
		case a.PhysicalStart < b.PhysicalStart:
			return -1
		case a.PhysicalStart > b.PhysicalStart:
			return 1
		}

		return 0
	})

	return s
}

// FromRuntimeMap reads the memory map the kernel exports in
// /sys/firmware/efi/runtime-map. Each entry is a numbered directory holding
// one hexadecimal value per file.
func FromRuntimeMap(fsys fs.FS) (MemoryMap, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, err
	}

	var mm MemoryMap
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}

		if _, err := strconv.Atoi(e.Name()); err != nil {
			continue
		}

		d, err := readRuntimeEntry(fsys, e.Name())
		if err != nil {
			return nil, fmt.Errorf("%w: entry %s: %w", ErrMemoryMap, e.Name(), err)
		}

		mm = append(mm, d)
	}

	return mm.Sorted(), nil
}

func readRuntimeEntry(fsys fs.FS, dir string) (d MemoryDescriptor, err error) {
	var typ uint64

	fields := []struct {
		name string
		val  *uint64
	}{
		{"type", &typ},
		{"phys_addr", &d.PhysicalStart},
		{"virt_addr", &d.VirtualStart},
		{"num_pages", &d.NumberOfPages},
		{"attribute", &d.Attribute},
	}

	for _, f := range fields {
		b, err := fs.ReadFile(fsys, path.Join(dir, f.name))
		if err != nil {
			return d, err
		}

		s := strings.TrimPrefix(strings.TrimSpace(string(b)), "0x")
		if *f.val, err = strconv.ParseUint(s, 16, 64); err != nil {
			return d, fmt.Errorf("%s: %w", f.name, err)
		}
	}

	d.Type = MemoryType(typ)
	return d, nil
}
