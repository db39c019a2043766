package pci

import "fmt"

const (
	NumBARs = 6

	barType64 = 1 << 2 // memory BAR type bits [2:1] = 0b10
)

// ReadBAR reads base address register index (0-5) of d.
//
// A 32-bit BAR is returned exactly as read. If bit 2 is set, the BAR is the low
// half of a 64-bit BAR and the next register holds the high half; the halves
// are combined as high<<32 | low. Control bits in the low half are not masked.
// A 64-bit BAR can't start at index 5.
func (c *Config) ReadBAR(d Device, index int) (uint64, error) {
	if index < 0 || index >= NumBARs {
		return 0, fmt.Errorf("%w: %d", ErrOutOfRange, index)
	}

	off := uint8(regBAR0 + 4*index)

	lo := c.Read(d.Address, off)
	if lo&barType64 == 0 {
		return uint64(lo), nil
	}

	if index >= NumBARs-1 {
		return 0, fmt.Errorf("%w: 64-bit BAR at index %d", ErrOutOfRange, index)
	}

	hi := c.Read(d.Address, off+4)
	return uint64(hi)<<32 | uint64(lo), nil
}
