// pci-dump writes a cpio snapshot of the PCI configuration spaces, read from
// sysfs or through the configuration ports. The snapshot can be scanned later with
// bringup -snapshot.
package main

import (
	"encoding/binary"
	"flag"
	"log/slog"
	"os"

	"github.com/c35s/bringup/pci"
	"github.com/c35s/bringup/pcisim"
)

func main() {
	var (
		sysfs   = flag.String("sysfs", "/sys/bus/pci/devices", "read configuration spaces from this directory")
		usePort = flag.Bool("port", false, "scan through the configuration ports instead of reading sysfs")
		outPath = flag.String("o", "", "write the snapshot to this file instead of stdout")
	)

	flag.Parse()

	var (
		bus *pcisim.Bus
		err error
	)

	if *usePort {
		bus, err = scanPort()
	} else {
		bus, err = pcisim.FromSysfs(os.DirFS(*sysfs))
	}

	if err != nil {
		panic(err)
	}

	out := os.Stdout
	if *outPath != "" {
		if out, err = os.Create(*outPath); err != nil {
			panic(err)
		}

		defer out.Close()
	}

	if err := pcisim.WriteSnapshot(out, bus); err != nil {
		panic(err)
	}

	slog.Info("wrote snapshot", "functions", len(bus.Addresses()))
}

// scanPort scans the hardware and copies each function's configuration space.
func scanPort() (*pcisim.Bus, error) {
	p, err := pci.OpenIOPort()
	if err != nil {
		return nil, err
	}

	defer p.Close()

	conf := pci.NewConfig(p)
	s := pci.Scanner{Config: conf}

	list, err := s.ScanAll()
	if err != nil {
		return nil, err
	}

	bus := pcisim.New()
	for _, d := range list.Devices() {
		cs := make([]byte, pcisim.ConfigSize)
		for off := 0; off < pcisim.ConfigSize; off += 4 {
			binary.LittleEndian.PutUint32(cs[off:], conf.Read(d.Address, uint8(off)))
		}

		bus.SetConfig(d.Address, cs)
	}

	return bus, nil
}
