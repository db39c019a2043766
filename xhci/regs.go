package xhci

import (
	"fmt"

	"github.com/c35s/bringup/reg"
)

// capability register offsets

const (
	CapLength  = 0x00 // capability register length (R, 8)
	HCIVersion = 0x02 // interface version number, BCD (R, 16)
	HCSParams1 = 0x04 // structural parameters 1 (R)
	HCSParams2 = 0x08 // structural parameters 2 (R)
	HCSParams3 = 0x0c // structural parameters 3 (R)
	HCCParams1 = 0x10 // capability parameters 1 (R)
	DBOff      = 0x14 // doorbell array offset, low 2 bits reserved (R)
	RTSOff     = 0x18 // runtime register space offset, low 5 bits reserved (R)
	HCCParams2 = 0x1c // capability parameters 2 (R)

	capSize = 0x20
)

// operational register offsets, relative to CAPLENGTH

const (
	USBCmd    = 0x00 // USB command (RW)
	USBSts    = 0x04 // USB status (RW1C)
	PageSize  = 0x08 // page size (R)
	DNCtrl    = 0x14 // device notification control (RW)
	CRCR      = 0x18 // command ring control (RW, 64)
	DCBAAP    = 0x30 // device context base address array pointer (RW, 64)
	ConfigReg = 0x38 // configure (RW)

	opSize = 0x40
)

const (
	dbOffMask  = ^uint32(0x3)
	rtsOffMask = ^uint32(0x1f)
)

// USBCmdBits names the USBCMD bits.
var USBCmdBits = reg.Bits{
	{Name: "run_stop", Index: 0},
	{Name: "hc_reset", Index: 1},
	{Name: "inte", Index: 2},   // interrupter enable
	{Name: "hsee", Index: 3},   // host system error enable
	{Name: "lhcrst", Index: 7}, // light host controller reset
	{Name: "css", Index: 8},    // controller save state
	{Name: "crs", Index: 9},    // controller restore state
	{Name: "ewe", Index: 10},   // event wrap enable
	{Name: "eu3s", Index: 11},  // enable U3 MFINDEX stop
}

// USBStsBits names the USBSTS bits.
var USBStsBits = reg.Bits{
	{Name: "hc_halted", Index: 0},
	{Name: "hse", Index: 2},  // host system error
	{Name: "eint", Index: 3}, // event interrupt
	{Name: "pcd", Index: 4},  // port change detect
	{Name: "sss", Index: 8},  // save state status
	{Name: "rss", Index: 9},  // restore state status
	{Name: "sre", Index: 10}, // save/restore error
	{Name: "cnr", Index: 11}, // controller not ready
	{Name: "hce", Index: 12}, // host controller error
}

var (
	cmdRunStop = USBCmdBits.Index("run_stop")
	cmdReset   = USBCmdBits.Index("hc_reset")

	// cleared before the controller is stopped
	cmdInterruptBits = uint32(USBCmdBits.Mask("inte", "hsee", "ewe"))

	stsHalted   = USBStsBits.Index("hc_halted")
	stsNotReady = USBStsBits.Index("cnr")
)

// HCSPARAMS1: MaxSlots [7:0], MaxIntrs [18:8], MaxPorts [31:24].
type StructParams1 uint32

func (p StructParams1) MaxDeviceSlots() uint8   { return uint8(reg.Field(p, 0, 8)) }
func (p StructParams1) MaxInterrupters() uint16 { return uint16(reg.Field(p, 8, 11)) }
func (p StructParams1) MaxPorts() uint8         { return uint8(reg.Field(p, 24, 8)) }

func (p StructParams1) String() string {
	return fmt.Sprintf("0x%08x (slots: %d ports: %d)", uint32(p), p.MaxDeviceSlots(), p.MaxPorts())
}

// HCSPARAMS2: Max Scratchpad Bufs Hi [25:21], Max Scratchpad Bufs Lo [31:27].
type StructParams2 uint32

// MaxScratchpadBufs returns the number of scratchpad buffers the controller needs.
func (p StructParams2) MaxScratchpadBufs() int {
	hi := int(reg.Field(p, 21, 5))
	lo := int(reg.Field(p, 27, 5))
	return hi<<5 | lo
}

func (p StructParams2) String() string {
	return fmt.Sprintf("0x%08x (max_scratchpad_buf: %d)", uint32(p), p.MaxScratchpadBufs())
}

// HCCPARAMS1: AC64 [0], xECP [31:16].
type CapParams1 uint32

func (p CapParams1) AC64() bool { return reg.Get(p, 0) }

// XECP returns the offset of the extended capabilities list in dwords.
func (p CapParams1) XECP() uint16 { return uint16(reg.Field(p, 16, 16)) }

func (p CapParams1) String() string {
	return fmt.Sprintf("0x%08x (xECP: 0x%08x)", uint32(p), p.XECP())
}

// Capabilities is a snapshot of the capability registers.
type Capabilities struct {
	CapLength      uint8
	HCIVersion     uint16
	HCSParams1     StructParams1
	HCSParams2     StructParams2
	HCSParams3     uint32
	HCCParams1     CapParams1
	DoorbellOffset uint32 // low 2 bits masked
	RuntimeOffset  uint32 // low 5 bits masked
	HCCParams2     uint32
}

func readCapabilities(b reg.Block) Capabilities {
	return Capabilities{
		CapLength:      reg.At[uint8](b, CapLength).Read(),
		HCIVersion:     reg.At[uint16](b, HCIVersion).Read(),
		HCSParams1:     StructParams1(reg.At[uint32](b, HCSParams1).Read()),
		HCSParams2:     StructParams2(reg.At[uint32](b, HCSParams2).Read()),
		HCSParams3:     reg.At[uint32](b, HCSParams3).Read(),
		HCCParams1:     CapParams1(reg.At[uint32](b, HCCParams1).Read()),
		DoorbellOffset: reg.At[uint32](b, DBOff).Read() & dbOffMask,
		RuntimeOffset:  reg.At[uint32](b, RTSOff).Read() & rtsOffMask,
		HCCParams2:     reg.At[uint32](b, HCCParams2).Read(),
	}
}

func (c Capabilities) String() string {
	return fmt.Sprintf("cap_length: %d, hci_version: 0x%02x, hcs_params1: %v, hcs_params2: %v, "+
		"hcs_params3: 0x%08x, hcc_params1: %v, db_off: 0x%08x, rts_off: 0x%08x, hcc_params2: 0x%08x",
		c.CapLength, c.HCIVersion, c.HCSParams1, c.HCSParams2, c.HCSParams3,
		c.HCCParams1, c.DoorbellOffset, c.RuntimeOffset, c.HCCParams2)
}

// Operational holds the operational registers.
type Operational struct {
	USBCmd   reg.Reg[uint32]
	USBSts   reg.Reg[uint32]
	PageSize reg.Reg[uint32]
	DNCtrl   reg.Reg[uint32]
	CRCR     reg.Reg[uint64]
	DCBAAP   reg.Reg[uint64]
	Config   reg.Reg[uint32]
}

func mapOperational(b reg.Block) Operational {
	return Operational{
		USBCmd:   reg.At[uint32](b, USBCmd),
		USBSts:   reg.At[uint32](b, USBSts),
		PageSize: reg.At[uint32](b, PageSize),
		DNCtrl:   reg.At[uint32](b, DNCtrl),
		CRCR:     reg.At[uint64](b, CRCR),
		DCBAAP:   reg.At[uint64](b, DCBAAP),
		Config:   reg.At[uint32](b, ConfigReg),
	}
}

// Doorbell is the value of a doorbell register: DB Target [7:0], DB Stream ID [31:16].
type Doorbell uint32

func (d Doorbell) Target() uint8    { return uint8(reg.Field(d, 0, 8)) }
func (d Doorbell) StreamID() uint16 { return uint16(reg.Field(d, 16, 16)) }

// WithTarget returns d with its target replaced.
func (d Doorbell) WithTarget(target uint8) Doorbell {
	return reg.WithField(d, 0, 8, Doorbell(target))
}

// WithStreamID returns d with its stream id replaced.
func (d Doorbell) WithStreamID(id uint16) Doorbell {
	return reg.WithField(d, 16, 16, Doorbell(id))
}

// Doorbells is the doorbell array. Doorbell 0 belongs to the host controller;
// doorbell n belongs to device slot n.
type Doorbells struct {
	blk reg.Block
	n   int
}

// Len returns the number of doorbells in the array.
func (db Doorbells) Len() int {
	return db.n
}

// Register returns doorbell register i.
func (db Doorbells) Register(i int) reg.Reg[uint32] {
	if i < 0 || i >= db.n {
		panic(fmt.Sprintf("xhci: doorbell %d out of range [0, %d)", i, db.n))
	}

	return reg.At[uint32](db.blk, uint64(4*i))
}

// SetTarget writes doorbell i's target, leaving its stream id unchanged.
func (db Doorbells) SetTarget(i int, target uint8) {
	db.Register(i).Modify(func(v *uint32) {
		*v = uint32(Doorbell(*v).WithTarget(target))
	})
}

// SetStreamID writes doorbell i's stream id, leaving its target unchanged.
func (db Doorbells) SetStreamID(i int, id uint16) {
	db.Register(i).Modify(func(v *uint32) {
		*v = uint32(Doorbell(*v).WithStreamID(id))
	})
}
