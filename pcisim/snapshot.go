package pcisim

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"strings"

	"github.com/c35s/bringup/pci"
	"github.com/cavaliergopher/cpio"
)

// A snapshot is a cpio archive with one entry per function, named like the
// function's sysfs directory: "0000:bb:dd.f/config".

var ErrSnapshot = errors.New("pcisim: bad snapshot")

const configName = "config"

// FunctionName returns the sysfs-style name of the function at a in PCI segment 0.
func FunctionName(a pci.Address) string {
	return fmt.Sprintf("0000:%02x:%02x.%x", a.Bus, a.Device, a.Function)
}

// ParseFunctionName parses a sysfs-style function name. Only segment 0 is
// reachable through the legacy configuration mechanism.
func ParseFunctionName(name string) (pci.Address, error) {
	var (
		seg, bus, dev, fn uint
		a                 pci.Address
	)

	if _, err := fmt.Sscanf(name, "%04x:%02x:%02x.%1x", &seg, &bus, &dev, &fn); err != nil {
		return a, fmt.Errorf("%w: function name %q: %w", ErrSnapshot, name, err)
	}

	if seg != 0 || bus > 0xff || dev >= 32 || fn >= pci.MaxFunctions {
		return a, fmt.Errorf("%w: function name %q out of range", ErrSnapshot, name)
	}

	a.Bus = uint8(bus)
	a.Device = uint8(dev)
	a.Function = uint8(fn)

	return a, nil
}

// WriteSnapshot writes the configuration spaces of b's functions to w.
func WriteSnapshot(w io.Writer, b *Bus) error {
	cw := cpio.NewWriter(w)

	for _, a := range b.Addresses() {
		cs, _ := b.Config(a)

		err := cw.WriteHeader(&cpio.Header{
			Name: path.Join(FunctionName(a), configName),
			Mode: 0644,
			Size: int64(len(cs)),
		})

		if err != nil {
			return err
		}

		if _, err := cw.Write(cs); err != nil {
			return err
		}
	}

	return cw.Close()
}

// ReadSnapshot reads a snapshot written by WriteSnapshot or cmd/pci-dump.
// Entries other than configuration spaces are skipped.
func ReadSnapshot(r io.Reader) (*Bus, error) {
	var (
		b  = New()
		cr = cpio.NewReader(r)
	)

	for {
		hdr, err := cr.Next()
		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrSnapshot, err)
		}

		dir, file := path.Split(hdr.Name)
		if file != configName {
			continue
		}

		a, err := ParseFunctionName(strings.TrimSuffix(dir, "/"))
		if err != nil {
			return nil, err
		}

		cs, err := io.ReadAll(io.LimitReader(cr, ConfigSize))
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrSnapshot, hdr.Name, err)
		}

		b.SetConfig(a, cs)
	}

	return b, nil
}

// FromSysfs builds a bus from a directory laid out like /sys/bus/pci/devices.
// Functions outside segment 0 are skipped. Unprivileged readers only see the
// first 64 bytes of each configuration space; the rest reads as zero.
func FromSysfs(fsys fs.FS) (*Bus, error) {
	ents, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, err
	}

	b := New()
	for _, e := range ents {
		a, err := ParseFunctionName(e.Name())
		if err != nil {
			continue
		}

		cs, err := fs.ReadFile(fsys, path.Join(e.Name(), configName))
		if err != nil {
			return nil, err
		}

		b.SetConfig(a, cs)
	}

	return b, nil
}
