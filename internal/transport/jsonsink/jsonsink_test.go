package jsonsink

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jpl-devices/fieldgw/internal/gateway"
)

func TestWriteToFileAppendMode(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.jsonl")

	s, err := New(Config{OutputFile: path, AppendMode: true, IncludeTimestamp: true, IncludeDeviceInfo: true})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer s.Close()

	rec := gateway.Record{
		Data:      map[string]interface{}{"voltage": 230.0},
		Source:    gateway.DeviceMetadata{Name: "inverter1"},
		Timestamp: time.Unix(1000, 0),
	}
	if err := s.Write(rec); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading output: %v", err)
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(bytes.TrimSpace(data), &decoded); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if decoded["timestamp"] != float64(1000) {
		t.Fatalf("expected timestamp 1000, got %v", decoded["timestamp"])
	}
	device, ok := decoded["device"].(map[string]interface{})
	if !ok || device["Name"] != "inverter1" {
		t.Fatalf("expected device info present, got %v", decoded["device"])
	}
}

func TestWriteOneValuePerLine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.jsonl")
	s, err := New(Config{OutputFile: path, AppendMode: true})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := s.Write(gateway.Record{Data: map[string]interface{}{"n": i}}); err != nil {
			t.Fatalf("write %d failed: %v", i, err)
		}
	}
	s.Close()

	f, _ := os.Open(path)
	defer f.Close()
	scanner := bufio.NewScanner(f)
	lines := 0
	for scanner.Scan() {
		lines++
	}
	if lines != 3 {
		t.Fatalf("expected 3 lines, got %d", lines)
	}
}
