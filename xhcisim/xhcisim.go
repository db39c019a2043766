// Package xhcisim simulates the register file of an xHCI host controller.
//
// A Controller is a reg.Space covering the capability, operational, runtime,
// and doorbell registers. It models the stop and reset handshake with
// configurable delays, counted in register reads, so bring-up code can be
// tested without hardware or wall-clock time.
package xhcisim

import (
	"fmt"
	"sync"

	"github.com/c35s/bringup/reg"
	"github.com/c35s/bringup/xhci"
)

// Config describes a simulated controller. Zero fields take the defaults
// noted below.
type Config struct {
	CapLength      uint8  // 0x40
	HCIVersion     uint16 // 0x0100
	MaxSlots       uint8  // 64
	MaxIntrs       uint16 // 1
	MaxPorts       uint8  // 4
	HCSParams2     uint32
	HCSParams3     uint32
	HCCParams1     uint32
	HCCParams2     uint32
	DoorbellOffset uint32 // 0x2000
	RuntimeOffset  uint32 // 0x1000
	Size           uint64 // 0x4000

	// USBCmd is the USBCMD value at power-on. If Running is set, the
	// controller starts with run_stop set and hc_halted clear.
	USBCmd  uint32
	Running bool

	// Config is the value of CONFIG at power-on and after a reset.
	Config uint32

	// HaltDelay is the number of USBSTS reads after run_stop is cleared
	// that still see hc_halted clear.
	HaltDelay int

	// ResetDelay is the number of USBCMD reads after hc_reset is set that
	// still see it set.
	ResetDelay int

	// ReadyDelay is the number of USBSTS reads after the reset completes
	// that still see cnr set.
	ReadyDelay int

	// Stuck keeps the named transitions from ever completing.
	Stuck Stuck
}

// Stuck is a set of transitions that never complete.
type Stuck uint8

const (
	StuckRunning Stuck = 1 << iota
	StuckResetting
	StuckNotReady
)

// Access is one load or store seen by the simulator.
type Access struct {
	Off   uint64
	Size  int
	Write bool
	Value uint64
}

// Registers is a snapshot of the simulated operational registers.
type Registers struct {
	USBCmd uint32
	USBSts uint32
	DNCtrl uint32
	Config uint32
	CRCR   uint64
	DCBAAP uint64
	Resets int
}

// Controller is a simulated controller. It is safe for concurrent use.
type Controller struct {
	cfg    Config
	opBase uint64

	mu    sync.Mutex
	state controllerState
	log   []Access
}

type controllerState struct {
	usbcmd uint32
	usbsts uint32
	dnctrl uint32
	config uint32
	crcr   uint64
	dcbaap uint64

	doorbell [numDoorbells]uint32
	runtime  map[uint64]uint64

	// reads left until the transition completes; 0 when idle, -1 when stuck
	halting   int
	resetting int
	readying  int

	resets int
}

const (
	numDoorbells = 256
	opSize       = 0x40
	pageSize4K   = 1
)

var (
	cmdRunStop = xhci.USBCmdBits.Index("run_stop")
	cmdReset   = xhci.USBCmdBits.Index("hc_reset")

	stsHalted   = xhci.USBStsBits.Index("hc_halted")
	stsNotReady = xhci.USBStsBits.Index("cnr")

	// write-1-to-clear status bits
	stsRW1C = uint32(xhci.USBStsBits.Mask("hse", "eint", "pcd", "sre"))
)

// New returns a powered-on controller.
func New(cfg Config) *Controller {
	cfg = cfg.withDefaults()

	c := &Controller{
		cfg:    cfg,
		opBase: uint64(cfg.CapLength),
	}

	c.state.usbcmd = cfg.USBCmd
	c.state.config = cfg.Config
	c.state.runtime = make(map[uint64]uint64)

	if cfg.Running {
		c.state.usbcmd = reg.Set(c.state.usbcmd, cmdRunStop, true)
	} else {
		c.state.usbcmd = reg.Set(c.state.usbcmd, cmdRunStop, false)
		c.state.usbsts = reg.Set(c.state.usbsts, stsHalted, true)
	}

	return c
}

// Size returns the size of the simulated register region.
func (c *Controller) Size() uint64 {
	return c.cfg.Size
}

// Block returns a block covering the whole register region.
func (c *Controller) Block() reg.Block {
	return reg.NewBlock(c, c.cfg.Size)
}

// Accesses returns every load and store seen so far, in order.
func (c *Controller) Accesses() []Access {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Access(nil), c.log...)
}

// Registers returns the operational registers without side effects.
func (c *Controller) Registers() Registers {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Registers{
		USBCmd: c.state.usbcmd,
		USBSts: c.state.usbsts,
		DNCtrl: c.state.dnctrl,
		Config: c.state.config,
		CRCR:   c.state.crcr,
		DCBAAP: c.state.dcbaap,
		Resets: c.state.resets,
	}
}

// Doorbell returns doorbell register i without side effects.
func (c *Controller) Doorbell(i int) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.doorbell[i]
}

// Load implements reg.Space.
func (c *Controller) Load(off uint64, size int) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	v := c.load(off, size)
	c.log = append(c.log, Access{Off: off, Size: size, Value: v})
	return v
}

// Store implements reg.Space.
func (c *Controller) Store(off uint64, size int, v uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.log = append(c.log, Access{Off: off, Size: size, Write: true, Value: v})
	c.store(off, size, v)
}

func (c *Controller) load(off uint64, size int) uint64 {
	switch c.region(off) {
	case regionCap:
		return c.readCap(off, size)

	case regionOp:
		return c.readOp(off-c.opBase, size)

	case regionRuntime:
		return c.state.runtime[off]

	case regionDoorbell:
		mustSize(off, size, 4)
		return uint64(c.state.doorbell[(off-c.doorbellBase())/4])

	default:
		panic(fmt.Sprintf("xhcisim: load of %d bytes at unknown offset %#x", size, off))
	}
}

func (c *Controller) store(off uint64, size int, v uint64) {
	switch c.region(off) {
	case regionOp:
		c.writeOp(off-c.opBase, size, v)

	case regionRuntime:
		c.state.runtime[off] = v

	case regionDoorbell:
		mustSize(off, size, 4)
		c.state.doorbell[(off-c.doorbellBase())/4] = uint32(v)

	default:
		panic(fmt.Sprintf("xhcisim: store of %d bytes to read-only or unknown offset %#x", size, off))
	}
}

func (c *Controller) doorbellBase() uint64 {
	return uint64(c.cfg.DoorbellOffset &^ 0x3)
}

type region int

const (
	regionNone region = iota
	regionCap
	regionOp
	regionRuntime
	regionDoorbell
)

func (c *Controller) region(off uint64) region {
	var (
		rts = uint64(c.cfg.RuntimeOffset &^ 0x1f)
		db  = c.doorbellBase()
	)

	switch {
	case off < 0x20:
		return regionCap

	case off >= c.opBase && off < c.opBase+opSize:
		return regionOp

	case off >= rts && off < rts+0x20+0x20*uint64(c.cfg.MaxIntrs):
		return regionRuntime

	case off >= db && off < db+4*numDoorbells:
		return regionDoorbell
	}

	return regionNone
}

func (c *Controller) readCap(off uint64, size int) uint64 {
	cfg := c.cfg

	switch off {
	case xhci.CapLength:
		if size == 4 {
			return uint64(cfg.CapLength) | uint64(cfg.HCIVersion)<<16
		}

		mustSize(off, size, 1)
		return uint64(cfg.CapLength)

	case xhci.HCIVersion:
		mustSize(off, size, 2)
		return uint64(cfg.HCIVersion)
	}

	mustSize(off, size, 4)

	switch off {
	case xhci.HCSParams1:
		return uint64(cfg.MaxSlots) | uint64(cfg.MaxIntrs&0x7ff)<<8 | uint64(cfg.MaxPorts)<<24

	case xhci.HCSParams2:
		return uint64(cfg.HCSParams2)

	case xhci.HCSParams3:
		return uint64(cfg.HCSParams3)

	case xhci.HCCParams1:
		return uint64(cfg.HCCParams1)

	case xhci.DBOff:
		return uint64(cfg.DoorbellOffset)

	case xhci.RTSOff:
		return uint64(cfg.RuntimeOffset)

	case xhci.HCCParams2:
		return uint64(cfg.HCCParams2)

	default:
		panic(fmt.Sprintf("xhcisim: load of reserved capability register %#x", off))
	}
}

func (c *Controller) readOp(off uint64, size int) uint64 {
	s := &c.state

	switch off {
	case xhci.USBCmd:
		mustSize(off, size, 4)
		v := s.usbcmd
		if tick(&s.resetting) {
			c.completeReset()
		}

		return uint64(v)

	case xhci.USBSts:
		mustSize(off, size, 4)
		v := s.usbsts
		if tick(&s.halting) {
			s.usbsts = reg.Set(s.usbsts, stsHalted, true)
		}

		if s.resetting == 0 && tick(&s.readying) {
			s.usbsts = reg.Set(s.usbsts, stsNotReady, false)
		}

		return uint64(v)

	case xhci.PageSize:
		mustSize(off, size, 4)
		return pageSize4K

	case xhci.DNCtrl:
		mustSize(off, size, 4)
		return uint64(s.dnctrl)

	case xhci.CRCR:
		// the command ring pointer reads as zero
		mustSize(off, size, 8)
		return s.crcr & 0x8

	case xhci.DCBAAP:
		mustSize(off, size, 8)
		return s.dcbaap

	case xhci.ConfigReg:
		mustSize(off, size, 4)
		return uint64(s.config)

	default:
		panic(fmt.Sprintf("xhcisim: load of reserved operational register %#x", off))
	}
}

func (c *Controller) writeOp(off uint64, size int, v uint64) {
	s := &c.state

	switch off {
	case xhci.USBCmd:
		mustSize(off, size, 4)
		c.writeUSBCmd(uint32(v))

	case xhci.USBSts:
		mustSize(off, size, 4)
		s.usbsts &^= uint32(v) & stsRW1C

	case xhci.DNCtrl:
		mustSize(off, size, 4)
		s.dnctrl = uint32(v)

	case xhci.CRCR:
		mustSize(off, size, 8)
		s.crcr = v

	case xhci.DCBAAP:
		mustSize(off, size, 8)
		s.dcbaap = v &^ 0x3f

	case xhci.ConfigReg:
		mustSize(off, size, 4)
		s.config = uint32(v)

	default:
		panic(fmt.Sprintf("xhcisim: store to read-only or reserved operational register %#x", off))
	}
}

func (c *Controller) writeUSBCmd(v uint32) {
	s := &c.state

	if s.resetting != 0 {
		panic("xhcisim: USBCMD written during reset")
	}

	if reg.Get(v, cmdReset) {
		if !reg.Get(s.usbsts, stsHalted) {
			panic("xhcisim: hc_reset set while the controller is running")
		}

		s.usbcmd = v
		s.resets++
		s.usbsts = reg.Set(s.usbsts, stsNotReady, true)

		switch {
		case c.cfg.Stuck&StuckResetting != 0:
			s.resetting = -1
		case c.cfg.ResetDelay > 0:
			s.resetting = c.cfg.ResetDelay
		default:
			c.completeReset()
		}

		return
	}

	was := reg.Get(s.usbcmd, cmdRunStop)
	s.usbcmd = v

	switch now := reg.Get(v, cmdRunStop); {
	case was && !now:
		switch {
		case c.cfg.Stuck&StuckRunning != 0:
			s.halting = -1
		case c.cfg.HaltDelay > 0:
			s.halting = c.cfg.HaltDelay
		default:
			s.usbsts = reg.Set(s.usbsts, stsHalted, true)
		}

	case !was && now:
		s.halting = 0
		s.usbsts = reg.Set(s.usbsts, stsHalted, false)
	}
}

// completeReset puts the operational registers in their reset state.
func (c *Controller) completeReset() {
	s := &c.state

	s.usbcmd = 0
	s.usbsts = reg.Set(uint32(0), stsHalted, true)
	s.dnctrl = 0
	s.config = c.cfg.Config
	s.crcr = 0
	s.dcbaap = 0
	s.doorbell = [numDoorbells]uint32{}
	s.halting = 0
	s.resetting = 0

	switch {
	case c.cfg.Stuck&StuckNotReady != 0:
		s.readying = -1
	case c.cfg.ReadyDelay > 0:
		s.readying = c.cfg.ReadyDelay
	default:
		s.readying = 0
		return
	}

	s.usbsts = reg.Set(s.usbsts, stsNotReady, true)
}

// tick counts down one read of a pending transition and reports whether the
// transition completed.
func tick(n *int) bool {
	if *n <= 0 {
		return false
	}

	*n--
	return *n == 0
}

func mustSize(off uint64, size, want int) {
	if size != want {
		panic(fmt.Sprintf("xhcisim: %d-byte access to %d-byte register at %#x", size, want, off))
	}
}

func (cfg Config) withDefaults() Config {
	if cfg.CapLength == 0 {
		cfg.CapLength = 0x40
	}

	if cfg.HCIVersion == 0 {
		cfg.HCIVersion = 0x0100
	}

	if cfg.MaxSlots == 0 {
		cfg.MaxSlots = 64
	}

	if cfg.MaxIntrs == 0 {
		cfg.MaxIntrs = 1
	}

	if cfg.MaxPorts == 0 {
		cfg.MaxPorts = 4
	}

	if cfg.DoorbellOffset == 0 {
		cfg.DoorbellOffset = 0x2000
	}

	if cfg.RuntimeOffset == 0 {
		cfg.RuntimeOffset = 0x1000
	}

	if cfg.Size == 0 {
		cfg.Size = 0x4000
	}

	return cfg
}
