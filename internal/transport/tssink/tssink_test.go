package tssink

import (
	"strings"
	"testing"
	"time"
)

func TestEncodeLineSortsTagsAndFields(t *testing.T) {
	p := Point{
		Measurement: "inverter",
		Tags:        map[string]string{"b": "2", "a": "1"},
		Fields:      map[string]interface{}{"voltage": 230.5, "online": true},
		Timestamp:   time.Unix(0, 1000),
	}
	line, err := EncodeLine(p)
	if err != nil {
		t.Fatalf("EncodeLine failed: %v", err)
	}
	s := string(line)
	if !containsInOrder(s, "a=1", "b=2") {
		t.Fatalf("expected sorted tags, got %q", s)
	}
	if !containsInOrder(s, "online=", "voltage=") {
		t.Fatalf("expected sorted fields, got %q", s)
	}
}

func TestEncodeLineSkipsUnsupportedFieldType(t *testing.T) {
	p := Point{
		Measurement: "m",
		Fields:      map[string]interface{}{"bad": struct{}{}, "good": int64(5)},
		Timestamp:   time.Unix(0, 1),
	}
	line, err := EncodeLine(p)
	if err != nil {
		t.Fatalf("EncodeLine failed: %v", err)
	}
	if !containsInOrder(string(line), "good=5i") {
		t.Fatalf("expected good field present, got %q", string(line))
	}
}

func TestBacklogAppendAndDrain(t *testing.T) {
	dir := t.TempDir()
	b, err := NewBacklog(dir, "test1", 0, 0)
	if err != nil {
		t.Fatalf("NewBacklog failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		p := Point{Measurement: "m", Fields: map[string]interface{}{"n": int64(i)}, Timestamp: time.Now()}
		if err := b.Append(p); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}
	if b.Len() != 3 {
		t.Fatalf("expected 3 entries, got %d", b.Len())
	}
	lines := b.Drain()
	if len(lines) != 3 {
		t.Fatalf("expected 3 drained lines, got %d", len(lines))
	}
}

func TestBacklogBoundedRingBuffer(t *testing.T) {
	dir := t.TempDir()
	b, err := NewBacklog(dir, "test2", 2, 0)
	if err != nil {
		t.Fatalf("NewBacklog failed: %v", err)
	}
	for i := 0; i < 5; i++ {
		p := Point{Measurement: "m", Fields: map[string]interface{}{"n": int64(i)}, Timestamp: time.Now()}
		if err := b.Append(p); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}
	if b.Len() != 2 {
		t.Fatalf("expected ring buffer capped at 2, got %d", b.Len())
	}
}

func TestBacklogEvictsStaleEntriesOnDrain(t *testing.T) {
	dir := t.TempDir()
	b, err := NewBacklog(dir, "test3", 0, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("NewBacklog failed: %v", err)
	}
	p := Point{Measurement: "m", Fields: map[string]interface{}{"n": int64(1)}, Timestamp: time.Now()}
	if err := b.Append(p); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	lines := b.Drain()
	if len(lines) != 0 {
		t.Fatalf("expected stale entry evicted, got %d lines", len(lines))
	}
}

func TestBacklogPersistsAcrossReload(t *testing.T) {
	dir := t.TempDir()
	b, err := NewBacklog(dir, "test4", 0, time.Hour)
	if err != nil {
		t.Fatalf("NewBacklog failed: %v", err)
	}
	p := Point{Measurement: "m", Fields: map[string]interface{}{"n": int64(42)}, Timestamp: time.Now()}
	if err := b.Append(p); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	reloaded, err := NewBacklog(dir, "test4", 0, time.Hour)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if reloaded.Len() != 1 {
		t.Fatalf("expected 1 entry to survive reload, got %d", reloaded.Len())
	}
}

func TestSinkBuffersToBacklogWhenDisconnected(t *testing.T) {
	dir := t.TempDir()
	s, err := New(Config{
		Name:         "offline",
		URL:          "http://127.0.0.1:0",
		Token:        "x",
		Org:          "org",
		Bucket:       "bucket",
		BatchSize:    2,
		BatchTimeout: time.Hour,
		BacklogDir:   dir,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer s.Close()

	if s.connected {
		t.Fatalf("expected sink to start disconnected against an unreachable URL")
	}

	p1 := Point{Measurement: "m", Fields: map[string]interface{}{"n": int64(1)}, Timestamp: time.Now()}
	p2 := Point{Measurement: "m", Fields: map[string]interface{}{"n": int64(2)}, Timestamp: time.Now()}
	if err := s.Write(p1); err != nil {
		t.Fatalf("Write 1 failed: %v", err)
	}
	if err := s.Write(p2); err != nil {
		t.Fatalf("Write 2 failed: %v", err)
	}

	if s.backlog.Len() != 2 {
		t.Fatalf("expected batch-size trigger to flush 2 points into backlog, got %d", s.backlog.Len())
	}
}

func TestSinkFlushByBatchTimeout(t *testing.T) {
	dir := t.TempDir()
	s, err := New(Config{
		Name:         "timeoutcase",
		URL:          "http://127.0.0.1:0",
		Token:        "x",
		Org:          "org",
		Bucket:       "bucket",
		BatchSize:    1000,
		BatchTimeout: 10 * time.Millisecond,
		BacklogDir:   dir,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer s.Close()

	p1 := Point{Measurement: "m", Fields: map[string]interface{}{"n": int64(1)}, Timestamp: time.Now()}
	if err := s.Write(p1); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	p2 := Point{Measurement: "m", Fields: map[string]interface{}{"n": int64(2)}, Timestamp: time.Now()}
	if err := s.Write(p2); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	if s.backlog.Len() != 2 {
		t.Fatalf("expected age trigger to flush both batched points, got %d", s.backlog.Len())
	}
}

func containsInOrder(s string, parts ...string) bool {
	idx := 0
	for _, p := range parts {
		i := strings.Index(s[idx:], p)
		if i < 0 {
			return false
		}
		idx += i + len(p)
	}
	return true
}
