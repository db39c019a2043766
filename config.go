package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"time"

	"go.yaml.in/yaml/v3"
)

// toolConfig is read from an optional YAML file, then overridden by any
// flags given on the command line.
type toolConfig struct {
	Sysfs    string `yaml:"sysfs"`
	Snapshot string `yaml:"snapshot"`
	MemMap   string `yaml:"memmap"`

	PreferredVendor uint16 `yaml:"preferred_vendor"`
	All             bool   `yaml:"all"`
	DevMem          bool   `yaml:"dev_mem"`
	MMIOSize        int    `yaml:"mmio_size"`

	Timeout      time.Duration `yaml:"timeout"`
	PollInterval time.Duration `yaml:"poll_interval"`
	PoolSize     int           `yaml:"pool_size"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

var errUsage = errors.New("bringup: usage")

func defaultConfig() toolConfig {
	return toolConfig{
		Sysfs:           "/sys/bus/pci/devices",
		PreferredVendor: 0x8086,
		MMIOSize:        64 << 10,
		Timeout:         time.Second,
		PollInterval:    time.Millisecond,
		PoolSize:        64 << 10,
		LogLevel:        "info",
	}
}

func parseArgs(args []string, stderr io.Writer) (toolConfig, error) {
	var (
		cfg    = defaultConfig()
		fs     = flag.NewFlagSet("bringup", flag.ContinueOnError)
		file   = fs.String("config", "", "read settings from a YAML file")
		vendor = fs.String("vendor", "0x8086", "prefer xHCI controllers from this PCI vendor")
		flags  = cfg
	)

	fs.SetOutput(stderr)
	fs.StringVar(&flags.Sysfs, "sysfs", cfg.Sysfs, "find BAR resource files under this directory")
	fs.StringVar(&flags.Snapshot, "snapshot", "", "scan a configuration space snapshot instead of the hardware; implies no bring-up")
	fs.StringVar(&flags.MemMap, "memmap", "", "summarize the EFI runtime memory map in this directory")
	fs.BoolVar(&flags.All, "all", false, "bring up every xHCI controller instead of one")
	fs.BoolVar(&flags.DevMem, "devmem", false, "map registers through /dev/mem instead of sysfs")
	fs.IntVar(&flags.MMIOSize, "mmio-size", cfg.MMIOSize, "map this many register bytes with -devmem")
	fs.DurationVar(&flags.Timeout, "timeout", cfg.Timeout, "give up on a register poll after this long")
	fs.DurationVar(&flags.PollInterval, "poll", cfg.PollInterval, "wait this long between register polls")
	fs.IntVar(&flags.PoolSize, "pool", cfg.PoolSize, "reserve this many bytes for controller structures")
	fs.StringVar(&flags.LogLevel, "log-level", cfg.LogLevel, "log at this level (debug, info, warn, error)")
	fs.StringVar(&flags.LogFormat, "log-format", "", "log as text or json; the default depends on the terminal")

	if err := fs.Parse(args); err != nil {
		return cfg, fmt.Errorf("%w: %w", errUsage, err)
	}

	if fs.NArg() > 0 {
		return cfg, fmt.Errorf("%w: unexpected arguments %q", errUsage, fs.Args())
	}

	if *file != "" {
		f, err := os.Open(*file)
		if err != nil {
			return cfg, err
		}

		defer f.Close()

		if err := loadConfig(f, &cfg); err != nil {
			return cfg, fmt.Errorf("bringup: %s: %w", *file, err)
		}
	}

	var err error
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "sysfs":
			cfg.Sysfs = flags.Sysfs
		case "snapshot":
			cfg.Snapshot = flags.Snapshot
		case "memmap":
			cfg.MemMap = flags.MemMap
		case "all":
			cfg.All = flags.All
		case "devmem":
			cfg.DevMem = flags.DevMem
		case "mmio-size":
			cfg.MMIOSize = flags.MMIOSize
		case "timeout":
			cfg.Timeout = flags.Timeout
		case "poll":
			cfg.PollInterval = flags.PollInterval
		case "pool":
			cfg.PoolSize = flags.PoolSize
		case "log-level":
			cfg.LogLevel = flags.LogLevel
		case "log-format":
			cfg.LogFormat = flags.LogFormat
		case "vendor":
			v, perr := strconv.ParseUint(*vendor, 0, 16)
			if perr != nil {
				err = fmt.Errorf("%w: -vendor: %w", errUsage, perr)
			}

			cfg.PreferredVendor = uint16(v)
		}
	})

	if err != nil {
		return cfg, err
	}

	return cfg, cfg.validate()
}

func loadConfig(r io.Reader, cfg *toolConfig) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}

	return nil
}

func (cfg toolConfig) validate() error {
	if cfg.MMIOSize <= 0 {
		return fmt.Errorf("%w: mmio size must be positive: %d", errUsage, cfg.MMIOSize)
	}

	if cfg.PoolSize <= 0 {
		return fmt.Errorf("%w: pool size must be positive: %d", errUsage, cfg.PoolSize)
	}

	switch cfg.LogFormat {
	case "", "text", "json":
	default:
		return fmt.Errorf("%w: unknown log format %q", errUsage, cfg.LogFormat)
	}

	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		return fmt.Errorf("%w: %w", errUsage, err)
	}

	return nil
}
