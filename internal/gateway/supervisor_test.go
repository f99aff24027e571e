package gateway

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jpl-devices/fieldgw/internal/diagserver"
)

type fakeSource struct {
	name     string
	interval time.Duration
	mu       sync.Mutex
	records  []Record
	i        int
	connects int
}

func (f *fakeSource) Name() string { return f.name }
func (f *fakeSource) Kind() string { return "fake-source" }
func (f *fakeSource) Connected() bool { return true }
func (f *fakeSource) Connect(ctx context.Context) error {
	f.mu.Lock()
	f.connects++
	f.mu.Unlock()
	return nil
}
func (f *fakeSource) Status() diagserver.TransportStatus {
	return diagserver.TransportStatus{Name: f.name, Kind: "fake-source", Connected: true}
}
func (f *fakeSource) ReadInterval() time.Duration { return f.interval }
func (f *fakeSource) ReadData(ctx context.Context) (*Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.i >= len(f.records) {
		return nil, nil
	}
	rec := f.records[f.i]
	f.i++
	return &rec, nil
}

type fakeSink struct {
	name string
	mu   sync.Mutex
	got  []Record
}

func (f *fakeSink) Name() string      { return f.name }
func (f *fakeSink) Kind() string      { return "fake-sink" }
func (f *fakeSink) Connected() bool   { return true }
func (f *fakeSink) Connect(ctx context.Context) error { return nil }
func (f *fakeSink) Status() diagserver.TransportStatus {
	return diagserver.TransportStatus{Name: f.name, Kind: "fake-sink", Connected: true}
}
func (f *fakeSink) WriteData(ctx context.Context, rec Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, rec)
	return nil
}
func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.got)
}

func TestCooperativeModeConnectsSingleTransport(t *testing.T) {
	src := &fakeSource{
		name:     "modbus1",
		interval: time.Millisecond,
		records:  []Record{{SourceName: "modbus1", TargetName: "modbus1", Data: map[string]interface{}{"v": 1}}},
	}
	sup := NewSupervisor([]Transport{src}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	sup.Run(ctx)

	if src.connects == 0 {
		t.Fatal("expected at least one connect attempt")
	}
}

func TestParallelModeDeliversBridgedRecordToNamedSink(t *testing.T) {
	src := &fakeSource{
		name:     "modbus1",
		interval: 5 * time.Millisecond,
		records: []Record{
			{SourceName: "modbus1", TargetName: "json-out", Data: map[string]interface{}{"v": 1}},
			{SourceName: "modbus1", TargetName: "json-out", Data: map[string]interface{}{"v": 2}},
		},
	}
	sink := &fakeSink{name: "json-out"}
	other := &fakeSink{name: "influx-out"}

	sup := NewSupervisor([]Transport{src, sink, other}, map[string]string{"modbus1": "json-out"})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	sup.Run(ctx)

	if sink.count() == 0 {
		t.Fatal("expected json-out sink to receive at least one record")
	}
	if other.count() != 0 {
		t.Fatalf("expected influx-out sink to receive nothing, got %d", other.count())
	}
}

func TestRouteWriteReachesWritableSource(t *testing.T) {
	src := &writableFakeSource{fakeSource: fakeSource{name: "modbus1"}}
	sup := NewSupervisor([]Transport{src}, nil)

	err := sup.RouteWrite(context.Background(), WriteRequest{TargetName: "modbus1", Variable: "setpoint", Value: 42})
	if err != nil {
		t.Fatalf("RouteWrite failed: %v", err)
	}
	if src.lastWrite.Variable != "setpoint" {
		t.Fatalf("expected write routed to source, got %+v", src.lastWrite)
	}
}

func TestRouteWriteFailsForUnknownTarget(t *testing.T) {
	sup := NewSupervisor(nil, nil)
	if err := sup.RouteWrite(context.Background(), WriteRequest{TargetName: "nope"}); err == nil {
		t.Fatal("expected error for unknown target")
	}
}

type writableFakeSource struct {
	fakeSource
	lastWrite WriteRequest
}

func (w *writableFakeSource) HandleWrite(ctx context.Context, req WriteRequest) error {
	w.lastWrite = req
	return nil
}
