package xhci_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
	"unsafe"

	"github.com/c35s/bringup/alloc"
	"github.com/c35s/bringup/xhci"
	"github.com/c35s/bringup/xhcisim"
	"github.com/google/go-cmp/cmp"
)

// fakeClock advances only when a poll waits.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.now = c.now.Add(d)
	ch := make(chan time.Time, 1)
	ch <- c.now
	return ch
}

func testConfig() xhci.Config {
	return xhci.Config{
		Clock:        &fakeClock{now: time.Unix(0, 0)},
		Timeout:      10 * time.Millisecond,
		PollInterval: time.Millisecond,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func newController(t *testing.T, sim *xhcisim.Controller, cfg xhci.Config) *xhci.Controller {
	t.Helper()

	c, err := xhci.New(sim.Block(), cfg)
	if err != nil {
		t.Fatal(err)
	}

	if s := c.State(); s != xhci.CapabilitiesRead {
		t.Fatalf("state after New: %v", s)
	}

	return c
}

const (
	bitRunStop = 1 << 0
	bitReset   = 1 << 1
	bitINTE    = 1 << 2
	bitHSEE    = 1 << 3
	bitEWE     = 1 << 10
	bitEU3S    = 1 << 11
)

func TestInit(t *testing.T) {
	sim := xhcisim.New(xhcisim.Config{
		MaxSlots:   32,
		USBCmd:     bitINTE | bitHSEE | bitEWE | bitEU3S,
		Running:    true,
		Config:     0x300,
		HaltDelay:  3,
		ResetDelay: 2,
		ReadyDelay: 5,
	})

	c := newController(t, sim, testConfig())
	if err := c.Init(context.Background()); err != nil {
		t.Fatal(err)
	}

	if s := c.State(); s != xhci.Configured {
		t.Fatalf("state %v", s)
	}

	if v := c.Operational().USBCmd.Read(); v&(bitINTE|bitHSEE|bitEWE) != 0 {
		t.Errorf("usbcmd %#x has interrupt bits set", v)
	}

	if v := c.Operational().Config.Read(); v != 0x300|32 {
		t.Errorf("config %#x", v)
	}

	var writes []xhcisim.Access
	for _, a := range sim.Accesses() {
		if a.Write {
			writes = append(writes, a)
		}
	}

	const op = 0x40
	want := []xhcisim.Access{
		{Off: op + xhci.USBCmd, Size: 4, Write: true, Value: bitRunStop | bitEU3S},
		{Off: op + xhci.USBCmd, Size: 4, Write: true, Value: bitEU3S},
		{Off: op + xhci.USBCmd, Size: 4, Write: true, Value: bitEU3S | bitReset},
		{Off: op + xhci.ConfigReg, Size: 4, Write: true, Value: 0x320},
	}

	if diff := cmp.Diff(want, writes); diff != "" {
		t.Errorf("writes differ (-want +got):\n%s", diff)
	}

	if n := sim.Registers().Resets; n != 1 {
		t.Errorf("%d resets", n)
	}
}

func TestInitAlreadyHalted(t *testing.T) {
	sim := xhcisim.New(xhcisim.Config{MaxSlots: 8})

	c := newController(t, sim, testConfig())
	if err := c.Init(context.Background()); err != nil {
		t.Fatal(err)
	}

	var cmdWrites []uint64
	for _, a := range sim.Accesses() {
		if a.Write && a.Off == 0x40+xhci.USBCmd {
			cmdWrites = append(cmdWrites, a.Value)
		}
	}

	// no run_stop write
	if diff := cmp.Diff([]uint64{0, bitReset}, cmdWrites); diff != "" {
		t.Errorf("usbcmd writes differ (-want +got):\n%s", diff)
	}

	if v := sim.Registers().Config; v != 8 {
		t.Errorf("config %#x", v)
	}
}

func TestInitTimeout(t *testing.T) {
	for _, tc := range []struct {
		stuck xhcisim.Stuck
		state xhci.State
	}{
		{xhcisim.StuckRunning, xhci.Halting},
		{xhcisim.StuckResetting, xhci.Resetting},
		{xhcisim.StuckNotReady, xhci.Reset},
	} {
		sim := xhcisim.New(xhcisim.Config{Running: true, Stuck: tc.stuck})
		c := newController(t, sim, testConfig())

		err := c.Init(context.Background())
		if !errors.Is(err, xhci.ErrTimeout) {
			t.Errorf("stuck %d: %v isn't ErrTimeout", tc.stuck, err)
			continue
		}

		if s := c.State(); s != tc.state {
			t.Errorf("stuck %d: state %v != %v", tc.stuck, s, tc.state)
		}
	}
}

func TestInitRetryAfterTimeout(t *testing.T) {
	sim := xhcisim.New(xhcisim.Config{Running: true, HaltDelay: 50})
	c := newController(t, sim, testConfig())

	if err := c.Init(context.Background()); !errors.Is(err, xhci.ErrTimeout) {
		t.Fatalf("%v isn't ErrTimeout", err)
	}

	// the halt keeps counting down across calls
	var err error
	for i := 0; i < 10; i++ {
		if err = c.Init(context.Background()); !errors.Is(err, xhci.ErrTimeout) {
			break
		}
	}

	if err != nil {
		t.Fatal(err)
	}

	if s := c.State(); s != xhci.Configured {
		t.Errorf("state %v", s)
	}
}

func TestInitCanceled(t *testing.T) {
	sim := xhcisim.New(xhcisim.Config{Running: true, Stuck: xhcisim.StuckRunning})

	cfg := testConfig()
	cfg.Timeout = -1

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := newController(t, sim, cfg)
	if err := c.Init(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("%v isn't context.Canceled", err)
	}
}

func TestInitUninitialized(t *testing.T) {
	var c xhci.Controller
	if err := c.Init(context.Background()); !errors.Is(err, xhci.ErrState) {
		t.Fatalf("%v isn't ErrState", err)
	}
}

func TestCapabilities(t *testing.T) {
	sim := xhcisim.New(xhcisim.Config{
		CapLength:      0x20,
		HCIVersion:     0x0110,
		MaxSlots:       64,
		MaxIntrs:       8,
		MaxPorts:       15,
		HCSParams2:     1<<21 | 2<<27,
		HCSParams3:     0x00ff000a,
		HCCParams1:     0x01230001,
		HCCParams2:     0x3f,
		DoorbellOffset: 0x2003,
		RuntimeOffset:  0x101f,
	})

	c := newController(t, sim, testConfig())
	caps := c.Capabilities()

	want := xhci.Capabilities{
		CapLength:      0x20,
		HCIVersion:     0x0110,
		HCSParams1:     64 | 8<<8 | 15<<24,
		HCSParams2:     1<<21 | 2<<27,
		HCSParams3:     0x00ff000a,
		HCCParams1:     0x01230001,
		DoorbellOffset: 0x2000,
		RuntimeOffset:  0x1000,
		HCCParams2:     0x3f,
	}

	if diff := cmp.Diff(want, caps); diff != "" {
		t.Fatalf("capabilities differ (-want +got):\n%s", diff)
	}

	if n := caps.HCSParams1.MaxDeviceSlots(); n != 64 {
		t.Errorf("slots %d", n)
	}

	if n := caps.HCSParams1.MaxInterrupters(); n != 8 {
		t.Errorf("interrupters %d", n)
	}

	if n := caps.HCSParams1.MaxPorts(); n != 15 {
		t.Errorf("ports %d", n)
	}

	if n := caps.HCSParams2.MaxScratchpadBufs(); n != 34 {
		t.Errorf("scratchpad bufs %d", n)
	}

	if x := caps.HCCParams1.XECP(); x != 0x0123 {
		t.Errorf("xECP %#x", x)
	}

	if !caps.HCCParams1.AC64() {
		t.Error("AC64 clear")
	}
}

func TestNewRejectsLayout(t *testing.T) {
	for _, cfg := range []xhcisim.Config{
		{CapLength: 0x10},
		{DoorbellOffset: 0x3f00},
		{CapLength: 0xf0, Size: 0x100, DoorbellOffset: 0x80},
	} {
		sim := xhcisim.New(cfg)
		if _, err := xhci.New(sim.Block(), testConfig()); !errors.Is(err, xhci.ErrRegisters) {
			t.Errorf("%+v: %v isn't ErrRegisters", cfg, err)
		}
	}
}

func TestDoorbells(t *testing.T) {
	sim := xhcisim.New(xhcisim.Config{MaxSlots: 4})
	c := newController(t, sim, testConfig())

	if n := c.Doorbells().Len(); n != 0 {
		t.Fatalf("%d doorbells before Init", n)
	}

	if err := c.Init(context.Background()); err != nil {
		t.Fatal(err)
	}

	db := c.Doorbells()
	if n := db.Len(); n != 5 {
		t.Fatalf("%d doorbells", n)
	}

	db.SetTarget(3, 0x12)
	db.SetStreamID(3, 0xbeef)
	if v := sim.Doorbell(3); v != 0xbeef0012 {
		t.Fatalf("doorbell %#08x", v)
	}

	db.SetTarget(3, 5)
	if v := sim.Doorbell(3); v != 0xbeef0005 {
		t.Fatalf("doorbell %#08x", v)
	}

	func() {
		defer func() {
			if recover() == nil {
				t.Error("no panic")
			}
		}()

		db.Register(5)
	}()
}

func TestDoorbellFields(t *testing.T) {
	d := xhci.Doorbell(0xffffffff)

	if v := d.WithTarget(0); v != 0xffffff00 {
		t.Errorf("target cleared: %#08x", uint32(v))
	}

	if v := d.WithStreamID(0); v != 0x0000ffff {
		t.Errorf("stream id cleared: %#08x", uint32(v))
	}

	d = xhci.Doorbell(0).WithTarget(0xab).WithStreamID(0x1234)
	if d.Target() != 0xab || d.StreamID() != 0x1234 {
		t.Errorf("target %#x stream %#x", d.Target(), d.StreamID())
	}
}

func newPool(t *testing.T) *alloc.Pool {
	t.Helper()

	p, err := alloc.New(alloc.Config{Size: 16384})
	if err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() { p.Close() })
	return p
}

func TestSetup(t *testing.T) {
	sim := xhcisim.New(xhcisim.Config{MaxSlots: 16})
	pool := newPool(t)

	var (
		dcbaa []uint64
		ctxs  []*xhci.DeviceContext
	)

	cfg := testConfig()
	cfg.Pool = pool
	cfg.Setup = func(a *alloc.Arena, c *xhci.Controller) error {
		if s := c.State(); s != xhci.Configured {
			t.Errorf("setup in state %v", s)
		}

		var ok bool
		if dcbaa, ok = c.AllocContextArray(a); !ok {
			return errors.New("no room for the context array")
		}

		if ctxs, ok = xhci.AllocDeviceContexts(a, 3); !ok {
			return errors.New("no room for the device contexts")
		}

		return nil
	}

	c := newController(t, sim, cfg)
	if err := c.Init(context.Background()); err != nil {
		t.Fatal(err)
	}

	if len(dcbaa) != 17 || uintptr(unsafe.Pointer(&dcbaa[0]))%64 != 0 {
		t.Errorf("context array len %d at %p", len(dcbaa), &dcbaa[0])
	}

	if len(ctxs) != 3 {
		t.Fatalf("%d device contexts", len(ctxs))
	}

	for i, dc := range ctxs {
		p := uintptr(unsafe.Pointer(dc))
		if p%64 != 0 || p/4096 != (p+1023)/4096 {
			t.Errorf("context %d at %#x", i, p)
		}
	}

	if sz := unsafe.Sizeof(xhci.DeviceContext{}); sz != 1024 {
		t.Errorf("device context is %d bytes", sz)
	}

	// 136-byte array at 0, contexts at 192, 1216, 2240
	if used := pool.Used(); used != 3264 {
		t.Errorf("used %d", used)
	}
}

func TestSetupError(t *testing.T) {
	sim := xhcisim.New(xhcisim.Config{})
	pool := newPool(t)
	boom := errors.New("boom")

	cfg := testConfig()
	cfg.Pool = pool
	cfg.Setup = func(*alloc.Arena, *xhci.Controller) error { return boom }

	c := newController(t, sim, cfg)
	err := c.Init(context.Background())
	if !errors.Is(err, xhci.ErrSetup) || !errors.Is(err, boom) {
		t.Fatalf("%v isn't ErrSetup and boom", err)
	}

	// the pool was released
	if _, ok := pool.Alloc(64, 64); !ok {
		t.Error("pool still reserved")
	}
}

func TestSetupOnce(t *testing.T) {
	sim := xhcisim.New(xhcisim.Config{MaxSlots: 16})
	pool := newPool(t)

	var calls int

	cfg := testConfig()
	cfg.Pool = pool
	cfg.Setup = func(a *alloc.Arena, c *xhci.Controller) error {
		calls++
		if _, ok := c.AllocContextArray(a); !ok {
			return alloc.ErrExhausted
		}

		return nil
	}

	c := newController(t, sim, cfg)
	for i := 0; i < 3; i++ {
		if err := c.Init(context.Background()); err != nil {
			t.Fatalf("init %d: %v", i, err)
		}
	}

	if calls != 1 {
		t.Errorf("setup called %d times", calls)
	}

	// one 136-byte context array
	if used := pool.Used(); used != 136 {
		t.Errorf("used %d", used)
	}

	if n := sim.Registers().Resets; n != 3 {
		t.Errorf("%d resets", n)
	}
}

func TestSetupRetryAfterError(t *testing.T) {
	sim := xhcisim.New(xhcisim.Config{})
	pool := newPool(t)
	boom := errors.New("boom")

	var calls int

	cfg := testConfig()
	cfg.Pool = pool
	cfg.Setup = func(*alloc.Arena, *xhci.Controller) error {
		if calls++; calls == 1 {
			return boom
		}

		return nil
	}

	c := newController(t, sim, cfg)
	if err := c.Init(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("%v isn't boom", err)
	}

	for i := 0; i < 2; i++ {
		if err := c.Init(context.Background()); err != nil {
			t.Fatal(err)
		}
	}

	if calls != 2 {
		t.Errorf("setup called %d times", calls)
	}
}

func TestMMIOBase(t *testing.T) {
	for _, tc := range []struct {
		bar  uint64
		want uint64
		err  error
	}{
		{0xfebf0000, 0xfebf0000, nil},
		{0xfebf000c, 0xfebf0000, nil},
		{0x1_c0000004, 0x1_c0000000, nil},
		{0xe001, 0, xhci.ErrInvalidBAR},
		{0x4, 0, xhci.ErrInvalidBAR},
	} {
		got, err := xhci.MMIOBase(tc.bar)
		if !errors.Is(err, tc.err) {
			t.Errorf("%#x: error %v isn't %v", tc.bar, err, tc.err)
			continue
		}

		if got != tc.want {
			t.Errorf("%#x: base %#x != %#x", tc.bar, got, tc.want)
		}
	}
}

func TestStateString(t *testing.T) {
	for s, want := range map[xhci.State]string{
		xhci.Uninitialized: "uninitialized",
		xhci.Halting:       "halting",
		xhci.Configured:    "configured",
		xhci.State(42):     "State(42)",
	} {
		if got := s.String(); got != want {
			t.Errorf("%q != %q", got, want)
		}
	}
}

func TestBitTables(t *testing.T) {
	if s := xhci.USBCmdBits.Format(bitRunStop | bitEWE); s != "run_stop|ewe" {
		t.Errorf("usbcmd %q", s)
	}

	if s := xhci.USBStsBits.Format(1<<0 | 1<<11); s != "hc_halted|cnr" {
		t.Errorf("usbsts %q", s)
	}
}
