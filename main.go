package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/c35s/bringup/alloc"
	"github.com/c35s/bringup/boot"
	"github.com/c35s/bringup/pci"
	"github.com/c35s/bringup/pcisim"
	"github.com/c35s/bringup/reg"
	"github.com/c35s/bringup/xhci"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"
)

func main() {
	cfg, err := parseArgs(os.Args[1:], os.Stderr)
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	log := newLogger(cfg, os.Stderr)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("bring-up failed", "err", err)
		stop()
		os.Exit(1)
	}
}

func newLogger(cfg toolConfig, w *os.File) *slog.Logger {
	var lvl slog.Level
	lvl.UnmarshalText([]byte(cfg.LogLevel))

	opts := &slog.HandlerOptions{Level: lvl}

	format := cfg.LogFormat
	if format == "" {
		format = "json"
		if term.IsTerminal(int(w.Fd())) {
			format = "text"
		}
	}

	if format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}

	return slog.New(slog.NewJSONHandler(w, opts))
}

func run(ctx context.Context, cfg toolConfig, log *slog.Logger) error {
	if cfg.MemMap != "" {
		mm, err := boot.FromRuntimeMap(os.DirFS(cfg.MemMap))
		if err != nil {
			return err
		}

		log.Info("memory map",
			"entries", len(mm),
			"conventional", mm.ConventionalBytes(),
			"free", mm.FreeBytes())

		for _, d := range mm {
			log.Debug("memory region", "region", d)
		}
	}

	port, closePort, err := openPort(cfg)
	if err != nil {
		return err
	}

	defer closePort()

	conf := pci.NewConfig(port)
	scanner := pci.Scanner{Config: conf, Logger: log}

	list, err := scanner.ScanAll()
	if err != nil {
		return err
	}

	for _, d := range list.Devices() {
		log.Info("found function",
			"dev", d,
			"vendor", fmt.Sprintf("%#04x", conf.VendorID(d.Address)),
			"device", fmt.Sprintf("%#04x", conf.DeviceID(d.Address)))
	}

	targets := selectControllers(conf, list, cfg)
	if len(targets) == 0 {
		return errors.New("bringup: no xHCI controller found")
	}

	if cfg.Snapshot != "" {
		for _, d := range targets {
			bar, err := conf.ReadBAR(d, 0)
			if err != nil {
				return fmt.Errorf("%v: %w", d.Address, err)
			}

			base, err := xhci.MMIOBase(bar)
			log.Info("would bring up", "dev", d.Address, "bar0", fmt.Sprintf("%#x", bar), "base", fmt.Sprintf("%#x", base), "err", err)
		}

		return nil
	}

	pool, err := alloc.New(alloc.Config{Size: cfg.PoolSize})
	if err != nil {
		return err
	}

	defer pool.Close()

	g, ctx := errgroup.WithContext(ctx)
	for _, d := range targets {
		d := d
		g.Go(func() error {
			if err := bringUp(ctx, cfg, conf, pool, d, log.With("dev", d.Address.String())); err != nil {
				return fmt.Errorf("%v: %w", d.Address, err)
			}

			return nil
		})
	}

	return g.Wait()
}

// openPort returns the configuration port: the hardware ports, or a
// simulated bus loaded from a snapshot.
func openPort(cfg toolConfig) (pci.Port, func() error, error) {
	if cfg.Snapshot != "" {
		f, err := os.Open(cfg.Snapshot)
		if err != nil {
			return nil, nil, err
		}

		defer f.Close()

		bus, err := pcisim.ReadSnapshot(f)
		if err != nil {
			return nil, nil, err
		}

		return bus, func() error { return nil }, nil
	}

	p, err := pci.OpenIOPort()
	if err != nil {
		return nil, nil, err
	}

	return p, p.Close, nil
}

func selectControllers(conf *pci.Config, list *pci.DeviceList, cfg toolConfig) []pci.Device {
	if !cfg.All {
		d, ok := conf.FindByClass(list, pci.ClassXHCI, cfg.PreferredVendor)
		if !ok {
			return nil
		}

		return []pci.Device{d}
	}

	var dd []pci.Device
	for _, d := range list.Devices() {
		if d.Class == pci.ClassXHCI {
			dd = append(dd, d)
		}
	}

	return dd
}

func bringUp(ctx context.Context, cfg toolConfig, conf *pci.Config, pool *alloc.Pool, d pci.Device, log *slog.Logger) error {
	bar, err := conf.ReadBAR(d, 0)
	if err != nil {
		return err
	}

	base, err := xhci.MMIOBase(bar)
	if err != nil {
		return err
	}

	m, err := mapRegisters(cfg, d, base)
	if err != nil {
		return err
	}

	defer m.Close()

	log.Info("mapped registers", "base", fmt.Sprintf("%#x", base), "size", m.Len())

	c, err := xhci.New(reg.NewBlock(m, uint64(m.Len())), xhci.Config{
		Timeout:      cfg.Timeout,
		PollInterval: cfg.PollInterval,
		Pool:         pool,
		Setup:        setupContexts(log),
		Logger:       log,
	})

	if err != nil {
		return err
	}

	return c.Init(ctx)
}

// mapRegisters maps the controller's BAR0, through its sysfs resource file
// or at base in /dev/mem.
func mapRegisters(cfg toolConfig, d pci.Device, base uint64) (*reg.Mapping, error) {
	if cfg.DevMem {
		return reg.Map("/dev/mem", int64(base), cfg.MMIOSize)
	}

	path := filepath.Join(cfg.Sysfs, pcisim.FunctionName(d.Address), "resource0")
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	return reg.Map(path, 0, int(fi.Size()))
}

// setupContexts carves the device context base address array out of the
// pool. User space has no physical addresses, so the array isn't handed to
// the controller.
func setupContexts(log *slog.Logger) func(*alloc.Arena, *xhci.Controller) error {
	return func(a *alloc.Arena, c *xhci.Controller) error {
		dcbaa, ok := c.AllocContextArray(a)
		if !ok {
			return alloc.ErrExhausted
		}

		log.Debug("allocated context array",
			"entries", len(dcbaa),
			"scratchpad_bufs", c.Capabilities().HCSParams2.MaxScratchpadBufs())

		return nil
	}
}
