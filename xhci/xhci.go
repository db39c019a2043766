// Package xhci brings an xHCI USB host controller from power-on to a reset,
// ready, and configured state.
//
// New reads the capability registers; Init runs the stop/reset/ready
// handshake. Every poll is bounded by Config.Timeout.
package xhci

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/c35s/bringup/alloc"
	"github.com/c35s/bringup/reg"
)

// Config configures a Controller.
type Config struct {

	// Clock is the time source for polls.
	// If Clock is nil, the system clock is used.
	Clock Clock

	// Timeout bounds each poll. If Timeout is 0, it is 1s.
	// A negative Timeout polls forever.
	Timeout time.Duration

	// PollInterval is the delay between two reads of a polled register.
	// If PollInterval is 0, it is 1ms.
	PollInterval time.Duration

	// Pool is reserved after the controller is configured. It holds the
	// controller's device contexts and rings. Pool may be nil.
	Pool *alloc.Pool

	// Setup is called with the reserved pool once the controller is
	// configured. After it succeeds it isn't called again, so a repeated
	// Init doesn't allocate twice. If Setup is nil, the pool is only reserved.
	Setup func(a *alloc.Arena, c *Controller) error

	// Logger is the controller's logger.
	// If Logger is nil, slog.Default() is used.
	Logger *slog.Logger
}

// State is the bring-up state of a Controller.
type State int

const (
	Uninitialized State = iota
	CapabilitiesRead
	Halting
	Halted
	Resetting
	Reset
	Ready
	Configured
)

var stateNames = [...]string{
	Uninitialized:    "uninitialized",
	CapabilitiesRead: "capabilities-read",
	Halting:          "halting",
	Halted:           "halted",
	Resetting:        "resetting",
	Reset:            "reset",
	Ready:            "ready",
	Configured:       "configured",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}

	return stateNames[s]
}

// Controller is an xHCI host controller. It owns its register block for the
// duration of bring-up; it isn't safe for concurrent use.
type Controller struct {
	cfg   Config
	log   *slog.Logger
	regs  reg.Block
	caps  Capabilities
	op    Operational
	db    Doorbells
	state State
	setUp bool
}

const (
	TimeoutDefault      = time.Second
	PollIntervalDefault = time.Millisecond
)

var (
	ErrConfig     = errors.New("xhci: invalid config")
	ErrRegisters  = errors.New("xhci: register block doesn't match the capabilities")
	ErrTimeout    = errors.New("xhci: timed out")
	ErrInvalidBAR = errors.New("xhci: invalid BAR")
	ErrState      = errors.New("xhci: wrong state")
	ErrSetup      = errors.New("xhci: setup failed")
)

// MMIOBase returns the base address of the register block described by bar,
// a memory BAR as read from the controller's configuration space.
func MMIOBase(bar uint64) (uint64, error) {
	if bar&1 != 0 {
		return 0, fmt.Errorf("%w: %#x is an I/O BAR", ErrInvalidBAR, bar)
	}

	base := bar &^ 0xf
	if base == 0 {
		return 0, fmt.Errorf("%w: %#x is unassigned", ErrInvalidBAR, bar)
	}

	return base, nil
}

// New reads the capability registers at the start of regs, which must cover
// the controller's whole MMIO region.
func New(regs reg.Block, cfg Config) (*Controller, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	if !regs.Valid() || regs.Size() < capSize {
		return nil, fmt.Errorf("%w: block of size %#x", ErrRegisters, regs.Size())
	}

	c := &Controller{
		cfg:  cfg,
		log:  cfg.Logger.With("component", "xhci"),
		regs: regs,
	}

	c.caps = readCapabilities(regs.Sub(0, capSize))
	if err := c.checkLayout(); err != nil {
		return nil, err
	}

	c.op = mapOperational(regs.Sub(uint64(c.caps.CapLength), opSize))
	c.setState(CapabilitiesRead)
	c.log.Info("read capabilities", "caps", c.caps)

	return c, nil
}

func (c *Controller) checkLayout() error {
	var (
		size  = c.regs.Size()
		capl  = uint64(c.caps.CapLength)
		dboff = uint64(c.caps.DoorbellOffset)
		ndb   = uint64(c.caps.HCSParams1.MaxDeviceSlots()) + 1
	)

	switch {
	case capl < capSize:
		return fmt.Errorf("%w: cap_length %#x overlaps the capability registers", ErrRegisters, capl)

	case capl+opSize > size:
		return fmt.Errorf("%w: operational registers at %#x exceed size %#x", ErrRegisters, capl, size)

	case dboff < capl+opSize || dboff+4*ndb > size:
		return fmt.Errorf("%w: %d doorbells at %#x don't fit size %#x", ErrRegisters, ndb, dboff, size)
	}

	return nil
}

// Init stops, resets, and configures the controller. If a poll times out,
// Init returns an error wrapping ErrTimeout and the controller stays in the
// last state it reached; Init may be called again.
func (c *Controller) Init(ctx context.Context) error {
	if c.state == Uninitialized {
		return fmt.Errorf("%w: %v", ErrState, c.state)
	}

	op := c.op

	op.USBCmd.Modify(func(v *uint32) {
		*v &^= cmdInterruptBits
	})

	c.setState(Halting)
	if !op.USBSts.Get(stsHalted) {
		op.USBCmd.Set(cmdRunStop, false)
	}

	if err := c.waitFor(ctx, "hc_halted", func() bool { return op.USBSts.Get(stsHalted) }); err != nil {
		return err
	}

	c.setState(Halted)

	op.USBCmd.Set(cmdReset, true)
	c.setState(Resetting)

	if err := c.waitFor(ctx, "hc_reset clear", func() bool { return !op.USBCmd.Get(cmdReset) }); err != nil {
		return err
	}

	c.setState(Reset)

	if err := c.waitFor(ctx, "cnr clear", func() bool { return !op.USBSts.Get(stsNotReady) }); err != nil {
		return err
	}

	c.setState(Ready)

	slots := c.caps.HCSParams1.MaxDeviceSlots()
	op.Config.Modify(func(v *uint32) {
		*v |= uint32(slots)
	})

	c.setState(Configured)

	n := int(slots) + 1
	c.db = Doorbells{
		blk: c.regs.Sub(uint64(c.caps.DoorbellOffset), uint64(4*n)),
		n:   n,
	}

	if c.cfg.Pool != nil {
		if err := c.cfg.Pool.Reserve(func(a *alloc.Arena) error {
			if c.cfg.Setup == nil || c.setUp {
				return nil
			}

			return c.cfg.Setup(a, c)
		}); err != nil {
			return fmt.Errorf("%w: %w", ErrSetup, err)
		}

		c.setUp = true
	}

	c.log.Info("controller configured",
		"slots", slots,
		"ports", c.caps.HCSParams1.MaxPorts(),
		"usbcmd", USBCmdBits.Format(uint64(op.USBCmd.Read())),
		"usbsts", USBStsBits.Format(uint64(op.USBSts.Read())))

	return nil
}

// State returns the controller's bring-up state.
func (c *Controller) State() State {
	return c.state
}

// Capabilities returns the capability registers read by New.
func (c *Controller) Capabilities() Capabilities {
	return c.caps
}

// Operational returns the operational registers.
func (c *Controller) Operational() Operational {
	return c.op
}

// Doorbells returns the doorbell array. It is empty until the controller is
// configured.
func (c *Controller) Doorbells() Doorbells {
	return c.db
}

func (c *Controller) setState(s State) {
	c.log.Debug("state change", "from", c.state, "to", s)
	c.state = s
}

func (cfg Config) validate() error {
	if cfg.PollInterval < 0 {
		return fmt.Errorf("negative poll interval: %v", cfg.PollInterval)
	}

	return nil
}

func (cfg Config) withDefaults() Config {
	if cfg.Clock == nil {
		cfg.Clock = SystemClock
	}

	if cfg.Timeout == 0 {
		cfg.Timeout = TimeoutDefault
	}

	if cfg.PollInterval == 0 {
		cfg.PollInterval = PollIntervalDefault
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return cfg
}
