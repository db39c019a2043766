package pci

// NewFakeIOPort returns an IOPort whose out and in instructions are replaced
// by the given functions.
func NewFakeIOPort(out func(port uint16, v uint32), in func(port uint16) uint32) *IOPort {
	p, err := startPort(func() error { return nil }, out, in)
	if err != nil {
		panic(err)
	}

	return p
}
