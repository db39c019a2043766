package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/c35s/bringup/pci"
	"github.com/c35s/bringup/pcisim"
	"github.com/google/go-cmp/cmp"
)

func writeFile(t *testing.T, name, data string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}

	return path
}

func TestParseArgsDefaults(t *testing.T) {
	cfg, err := parseArgs(nil, io.Discard)
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff(defaultConfig(), cfg); diff != "" {
		t.Fatalf("config differs (-want +got):\n%s", diff)
	}
}

func TestParseArgsFileThenFlags(t *testing.T) {
	path := writeFile(t, "bringup.yaml", `
preferred_vendor: 0x1b36
all: true
timeout: 250ms
pool_size: 8192
log_level: debug
`)

	cfg, err := parseArgs([]string{"-config", path, "-pool", "16384", "-vendor", "0x1022"}, io.Discard)
	if err != nil {
		t.Fatal(err)
	}

	want := defaultConfig()
	want.PreferredVendor = 0x1022
	want.All = true
	want.Timeout = 250 * time.Millisecond
	want.PoolSize = 16384
	want.LogLevel = "debug"

	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Fatalf("config differs (-want +got):\n%s", diff)
	}
}

func TestParseArgsErrors(t *testing.T) {
	unknown := writeFile(t, "unknown.yaml", "no_such_setting: 1\n")

	for _, args := range [][]string{
		{"-vendor", "0x12345"},
		{"-log-format", "xml"},
		{"-log-level", "loud"},
		{"-pool", "0"},
		{"extra"},
		{"-no-such-flag"},
	} {
		if _, err := parseArgs(args, io.Discard); !errors.Is(err, errUsage) {
			t.Errorf("%q: %v isn't errUsage", args, err)
		}
	}

	if _, err := parseArgs([]string{"-config", unknown}, io.Discard); err == nil || !strings.Contains(err.Error(), "no_such_setting") {
		t.Errorf("unknown setting: %v", err)
	}
}

func testBus() *pcisim.Bus {
	bus := pcisim.New()
	bus.Add(pci.Address{}, pcisim.Function{Vendor: 0x8086, Class: pci.ClassCode{Base: 0x06}})
	bus.Add(pci.Address{Device: 1}, pcisim.Function{Vendor: 0x1b36, DeviceID: 0x000d, Class: pci.ClassXHCI, BAR: [6]uint32{0xfebf0000}})
	bus.Add(pci.Address{Device: 2}, pcisim.Function{Vendor: 0x8086, DeviceID: 0x1e31, Class: pci.ClassXHCI, BAR: [6]uint32{0xc0000004, 0x1}})
	return bus
}

func TestSelectControllers(t *testing.T) {
	conf := pci.NewConfig(testBus())
	s := pci.Scanner{Config: conf}

	list, err := s.ScanAll()
	if err != nil {
		t.Fatal(err)
	}

	cfg := defaultConfig()

	var got []pci.Address
	for _, d := range selectControllers(conf, list, cfg) {
		got = append(got, d.Address)
	}

	if diff := cmp.Diff([]pci.Address{{Device: 2}}, got); diff != "" {
		t.Errorf("preferred differs (-want +got):\n%s", diff)
	}

	cfg.All = true
	got = got[:0]
	for _, d := range selectControllers(conf, list, cfg) {
		got = append(got, d.Address)
	}

	if diff := cmp.Diff([]pci.Address{{Device: 1}, {Device: 2}}, got); diff != "" {
		t.Errorf("all differs (-want +got):\n%s", diff)
	}
}

func TestRunSnapshot(t *testing.T) {
	buf := new(bytes.Buffer)
	if err := pcisim.WriteSnapshot(buf, testBus()); err != nil {
		t.Fatal(err)
	}

	cfg := defaultConfig()
	cfg.Snapshot = writeFile(t, "pci.cpio", buf.String())
	cfg.All = true

	out := new(bytes.Buffer)
	log := slog.New(slog.NewTextHandler(out, nil))

	if err := run(context.Background(), cfg, log); err != nil {
		t.Fatal(err)
	}

	for _, s := range []string{
		"msg=\"found function\"",
		"msg=\"would bring up\" dev=00:01.0 bar0=0xfebf0000 base=0xfebf0000",
		"msg=\"would bring up\" dev=00:02.0 bar0=0x1c0000004 base=0x1c0000000",
	} {
		if !strings.Contains(out.String(), s) {
			t.Errorf("log is missing %q:\n%s", s, out)
		}
	}
}

func TestRunSnapshotWithoutController(t *testing.T) {
	bus := pcisim.New()
	bus.Add(pci.Address{}, pcisim.Function{Vendor: 0x8086})

	buf := new(bytes.Buffer)
	if err := pcisim.WriteSnapshot(buf, bus); err != nil {
		t.Fatal(err)
	}

	cfg := defaultConfig()
	cfg.Snapshot = writeFile(t, "pci.cpio", buf.String())

	err := run(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err == nil || !strings.Contains(err.Error(), "no xHCI controller") {
		t.Fatalf("err %v", err)
	}
}

func TestNewLoggerFormat(t *testing.T) {
	f, err := os.Create(filepath.Join(t.TempDir(), "log"))
	if err != nil {
		t.Fatal(err)
	}

	defer f.Close()

	cfg := defaultConfig()
	cfg.LogLevel = "warn"

	// a file isn't a terminal
	log := newLogger(cfg, f)
	log.Info("dropped")
	log.Warn("kept", "n", 1)

	data, err := os.ReadFile(f.Name())
	if err != nil {
		t.Fatal(err)
	}

	if s := string(data); strings.Contains(s, "dropped") || !strings.Contains(s, `"msg":"kept","n":1`) {
		t.Errorf("log %q", s)
	}
}
