package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const sampleINI = `
[general]
log_level = DEBUG

[transport.inverter1]
transport = modbus
protocol_version = huawei_sun2000
bridge = influx1
read_interval = 1.5
write = write
device_name = inverter1
port = /dev/ttyUSB0
baudrate = 9600

[transport.influx1]
transport = tssink
measurement = power
batch_size = 500
batch_timeout = 10.0
max_backlog_size = 10000
enable_persistent_storage = true
`

func writeSample(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.cfg")
	if err := os.WriteFile(path, []byte(sampleINI), 0o644); err != nil {
		t.Fatalf("writing sample config: %v", err)
	}
	return path
}

func TestLoadFileParsesGeneralSection(t *testing.T) {
	cfg, err := LoadFile(writeSample(t))
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if cfg.LogLevel != "DEBUG" {
		t.Fatalf("expected log level DEBUG, got %q", cfg.LogLevel)
	}
}

func TestLoadFileParsesTransportSections(t *testing.T) {
	cfg, err := LoadFile(writeSample(t))
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if len(cfg.Transports) != 2 {
		t.Fatalf("expected 2 transports, got %d", len(cfg.Transports))
	}

	var inv *TransportConfig
	for i := range cfg.Transports {
		if cfg.Transports[i].Name == "inverter1" {
			inv = &cfg.Transports[i]
		}
	}
	if inv == nil {
		t.Fatal("expected a transport named inverter1")
	}
	if inv.Transport != "modbus" {
		t.Fatalf("expected transport kind modbus, got %q", inv.Transport)
	}
	if inv.Bridge != "influx1" {
		t.Fatalf("expected bridge influx1, got %q", inv.Bridge)
	}
	if inv.ReadInterval != 1500*time.Millisecond {
		t.Fatalf("expected read_interval 1.5s, got %v", inv.ReadInterval)
	}
	if inv.BaudRate != 9600 {
		t.Fatalf("expected baudrate 9600, got %d", inv.BaudRate)
	}
	if inv.DeviceName != "inverter1" {
		t.Fatalf("expected device_name inverter1, got %q", inv.DeviceName)
	}
}

func TestLoadFileParsesTimeSeriesTransport(t *testing.T) {
	cfg, err := LoadFile(writeSample(t))
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	var ts *TransportConfig
	for i := range cfg.Transports {
		if cfg.Transports[i].Name == "influx1" {
			ts = &cfg.Transports[i]
		}
	}
	if ts == nil {
		t.Fatal("expected a transport named influx1")
	}
	if ts.BatchSize != 500 {
		t.Fatalf("expected batch_size 500, got %d", ts.BatchSize)
	}
	if ts.BatchTimeout != 10*time.Second {
		t.Fatalf("expected batch_timeout 10s, got %v", ts.BatchTimeout)
	}
	if !ts.EnablePersistentStorage {
		t.Fatal("expected enable_persistent_storage true")
	}
}

func TestLoadFileRejectsMissingFile(t *testing.T) {
	if _, err := LoadFile("/nonexistent/path/config.cfg"); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestDeviceNameFallsBackToShortKey(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.cfg")
	content := "[transport.dev1]\nname = shortform\nmanufacturer = acme\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if len(cfg.Transports) != 1 {
		t.Fatalf("expected 1 transport, got %d", len(cfg.Transports))
	}
	if cfg.Transports[0].DeviceName != "shortform" {
		t.Fatalf("expected device name fallback to 'name' key, got %q", cfg.Transports[0].DeviceName)
	}
	if cfg.Transports[0].DeviceManufacturer != "acme" {
		t.Fatalf("expected manufacturer fallback, got %q", cfg.Transports[0].DeviceManufacturer)
	}
}
