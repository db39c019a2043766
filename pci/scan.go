package pci

import (
	"fmt"
	"log/slog"
)

// Scanner enumerates the functions reachable from the host bridge.
type Scanner struct {
	Config *Config

	// Logger, if set, receives a debug record per recorded function.
	Logger *slog.Logger

	list   *DeviceList
	onPath [256]bool // buses on the current bridge path
}

// ScanAll scans every bus reachable from the host bridge at 00:00.0 and
// returns the functions found, depth first: a bridge's whole subtree is
// recorded before the scan continues with the bridge's siblings. Any error
// aborts the scan and no partial result is returned.
func (s *Scanner) ScanAll() (*DeviceList, error) {
	s.list = new(DeviceList)
	s.onPath = [256]bool{}

	defer func() {
		s.list = nil
	}()

	host := Address{}
	if IsSingleFunction(s.Config.HeaderType(host)) {
		if err := s.scanBus(0); err != nil {
			return nil, err
		}

		return s.list, nil
	}

	// Each function of a multi-function host bridge is a host controller
	// for the bus of the same number.
	for fn := uint8(0); fn < MaxFunctions; fn++ {
		if s.Config.VendorID(Address{Function: fn}) == InvalidVendorID {
			continue
		}

		if err := s.scanBus(fn); err != nil {
			return nil, err
		}
	}

	return s.list, nil
}

func (s *Scanner) scanBus(bus uint8) error {
	if s.onPath[bus] {
		s.logger().Warn("pci bus loop", "bus", bus)
		return nil
	}

	s.onPath[bus] = true
	defer func() {
		s.onPath[bus] = false
	}()

	for dev := uint8(0); dev < 32; dev++ {
		if s.Config.VendorID(Address{Bus: bus, Device: dev}) == InvalidVendorID {
			continue
		}

		if err := s.scanDevice(bus, dev); err != nil {
			return err
		}
	}

	return nil
}

func (s *Scanner) scanDevice(bus, dev uint8) error {
	if err := s.scanFunction(Address{Bus: bus, Device: dev}); err != nil {
		return err
	}

	if IsSingleFunction(s.Config.HeaderType(Address{Bus: bus, Device: dev})) {
		return nil
	}

	for fn := uint8(1); fn < MaxFunctions; fn++ {
		a := Address{Bus: bus, Device: dev, Function: fn}
		if s.Config.VendorID(a) == InvalidVendorID {
			continue
		}

		if err := s.scanFunction(a); err != nil {
			return err
		}
	}

	return nil
}

func (s *Scanner) scanFunction(a Address) error {
	d := Device{
		Address:    a,
		HeaderType: s.Config.HeaderType(a),
		Class:      s.Config.ClassCode(a),
	}

	if err := s.list.Add(d); err != nil {
		return err
	}

	s.logger().Debug("pci function", "addr", a, "class", d.Class, "header", d.HeaderType)

	if d.Class.IsBridge() {
		sec := s.Config.SecondaryBus(a)
		if err := s.scanBus(sec); err != nil {
			return fmt.Errorf("bridge %v to bus %d: %w", a, sec, err)
		}
	}

	return nil
}

func (s *Scanner) logger() *slog.Logger {
	log := s.Logger
	if log == nil {
		log = slog.Default()
	}

	return log.With("component", "pci")
}

// FindByClass returns the first device in l whose class code is cc. A match
// whose vendor is preferredVendor ends the search at once; otherwise the first
// match in scan order wins.
func (c *Config) FindByClass(l *DeviceList, cc ClassCode, preferredVendor uint16) (Device, bool) {
	var (
		found Device
		ok    bool
	)

	for i := 0; i < l.Len(); i++ {
		d := l.At(i)
		if d.Class != cc {
			continue
		}

		if c.VendorID(d.Address) == preferredVendor {
			return d, true
		}

		if !ok {
			found, ok = d, true
		}
	}

	return found, ok
}
