// sim-example runs the whole bring-up pipeline against simulated hardware:
// scan a PCI bus, pick the xHCI controller, decode its BAR, and reset it.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/c35s/bringup/alloc"
	"github.com/c35s/bringup/pci"
	"github.com/c35s/bringup/pcisim"
	"github.com/c35s/bringup/xhci"
	"github.com/c35s/bringup/xhcisim"
)

func main() {
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))

	bus := pcisim.New()
	bus.Add(pci.Address{}, pcisim.Function{Vendor: 0x8086, DeviceID: 0x29c0, Class: pci.ClassCode{Base: 0x06}})
	bus.Add(pci.Address{Device: 0x1c}, pcisim.Function{Vendor: 0x8086, Class: pci.ClassBridge, HeaderType: 0x01, SecondaryBus: 1})
	bus.Add(pci.Address{Bus: 1}, pcisim.Function{Vendor: 0x1b36, DeviceID: 0x000d, Class: pci.ClassXHCI, BAR: [6]uint32{0xfea00004, 0}})
	bus.Add(pci.Address{Device: 0x1f}, pcisim.Function{Vendor: 0x8086, DeviceID: 0x2918, Class: pci.ClassCode{Base: 0x06, Sub: 0x01}})

	conf := pci.NewConfig(bus)
	s := pci.Scanner{Config: conf, Logger: log}

	list, err := s.ScanAll()
	if err != nil {
		panic(err)
	}

	for _, d := range list.Devices() {
		fmt.Println(d)
	}

	dev, ok := conf.FindByClass(list, pci.ClassXHCI, 0x8086)
	if !ok {
		panic("no xHCI controller")
	}

	bar, err := conf.ReadBAR(dev, 0)
	if err != nil {
		panic(err)
	}

	base, err := xhci.MMIOBase(bar)
	if err != nil {
		panic(err)
	}

	fmt.Printf("xHCI at %v, registers at %#x\n", dev.Address, base)

	// the simulator stands in for the mapping at base
	regs := xhcisim.New(xhcisim.Config{
		MaxSlots:   32,
		MaxPorts:   8,
		HCSParams2: 4 << 27,
		Running:    true,
		HaltDelay:  2,
		ResetDelay: 3,
		ReadyDelay: 2,
	})

	pool, err := alloc.New(alloc.Config{})
	if err != nil {
		panic(err)
	}

	defer pool.Close()

	c, err := xhci.New(regs.Block(), xhci.Config{
		Timeout:      100 * time.Millisecond,
		PollInterval: 10 * time.Microsecond,
		Pool:         pool,
		Logger:       log,

		Setup: func(a *alloc.Arena, c *xhci.Controller) error {
			if _, ok := c.AllocContextArray(a); !ok {
				return alloc.ErrExhausted
			}

			_, ok := xhci.AllocDeviceContexts(a, 2)
			if !ok {
				return alloc.ErrExhausted
			}

			return nil
		},
	})

	if err != nil {
		panic(err)
	}

	if err := c.Init(context.Background()); err != nil {
		panic(err)
	}

	fmt.Println(c.Capabilities())
	fmt.Printf("state %v, %d doorbells, %d pool bytes used\n", c.State(), c.Doorbells().Len(), pool.Used())
}
