package modbus

import (
	"errors"
	"testing"
	"time"

	gomodbus "github.com/goburrow/modbus"

	"github.com/jpl-devices/fieldgw/internal/protocolspec"
	"github.com/jpl-devices/fieldgw/internal/registers"
)

// fakeClient implements github.com/goburrow/modbus's Client interface so
// the adaptive-pacing and retry logic can be exercised without a real bus.
type fakeClient struct {
	holding map[uint16][]byte
	failN   int // number of leading calls to fail before succeeding
	calls   int
}

func (f *fakeClient) ReadCoils(address, quantity uint16) ([]byte, error) { return nil, nil }
func (f *fakeClient) ReadDiscreteInputs(address, quantity uint16) ([]byte, error) {
	return nil, nil
}
func (f *fakeClient) WriteSingleCoil(address, value uint16) ([]byte, error)             { return nil, nil }
func (f *fakeClient) WriteMultipleCoils(address, quantity uint16, value []byte) ([]byte, error) {
	return nil, nil
}
func (f *fakeClient) ReadInputRegisters(address, quantity uint16) ([]byte, error) {
	return f.ReadHoldingRegisters(address, quantity)
}
func (f *fakeClient) ReadHoldingRegisters(address, quantity uint16) ([]byte, error) {
	f.calls++
	if f.calls <= f.failN {
		return nil, errors.New("simulated timeout")
	}
	var out []byte
	for i := uint16(0); i < quantity; i++ {
		w := f.holding[address+i]
		if w == nil {
			w = []byte{0, 0}
		}
		out = append(out, w...)
	}
	return out, nil
}
func (f *fakeClient) WriteSingleRegister(address, value uint16) ([]byte, error) {
	f.holding[address] = []byte{byte(value >> 8), byte(value)}
	return nil, nil
}
func (f *fakeClient) WriteMultipleRegisters(address, quantity uint16, value []byte) ([]byte, error) {
	return nil, nil
}
func (f *fakeClient) ReadWriteMultipleRegisters(readAddress, readQuantity, writeAddress, writeQuantity uint16, value []byte) ([]byte, error) {
	return nil, nil
}
func (f *fakeClient) MaskWriteRegister(address, andMask, orMask uint16) ([]byte, error) {
	return nil, nil
}
func (f *fakeClient) ReadFIFOQueue(address uint16) ([]byte, error) { return nil, nil }

var _ gomodbus.Client = (*fakeClient)(nil)

func newTestSession(client gomodbus.Client) *Session {
	return &Session{
		bus:          BusConfig{Kind: BusTCP, Host: "127.0.0.1", Port: 502},
		client:       client,
		nominalDelay: time.Millisecond,
		currentDelay: time.Millisecond,
	}
}

func TestBusStringDistinguishesRTUAndTCP(t *testing.T) {
	rtu := BusConfig{Kind: BusRTU, SerialPort: "/dev/ttyUSB0", BaudRate: 9600}
	tcp := BusConfig{Kind: BusTCP, Host: "10.0.0.5", Port: 502}
	if rtu.BusString() == tcp.BusString() {
		t.Fatal("expected distinct bus strings for RTU and TCP configs")
	}
	if rtu.BusString() != (BusConfig{Kind: BusRTU, SerialPort: "/dev/ttyUSB0", BaudRate: 9600}).BusString() {
		t.Fatal("expected identical RTU configs to share a bus string")
	}
}

func TestReadRegistersSuccess(t *testing.T) {
	fc := &fakeClient{holding: map[uint16][]byte{10: {0x00, 0x2A}}}
	s := newTestSession(fc)

	raw := s.ReadRegisters(protocolspec.Holding, []protocolspec.ReadRange{{Start: 10, Count: 1}})
	if raw[10] != registers.RawWord(0x2A) {
		t.Fatalf("expected register 10 = 42, got %v", raw[10])
	}
}

func TestReadRegistersRetriesThenSucceeds(t *testing.T) {
	fc := &fakeClient{holding: map[uint16][]byte{5: {0x00, 0x07}}, failN: 3}
	s := newTestSession(fc)

	raw := s.ReadRegisters(protocolspec.Holding, []protocolspec.ReadRange{{Start: 5, Count: 1}})
	if raw[5] != registers.RawWord(7) {
		t.Fatalf("expected eventual success after retries, got %v", raw[5])
	}
	if s.currentDelay <= s.nominalDelay {
		t.Fatalf("expected delay to have grown above nominal during retries, got %v (nominal %v)", s.currentDelay, s.nominalDelay)
	}
}

func TestReadRegistersExhaustsRetries(t *testing.T) {
	fc := &fakeClient{holding: map[uint16][]byte{}, failN: 100}
	s := newTestSession(fc)

	raw := s.ReadRegisters(protocolspec.Holding, []protocolspec.ReadRange{{Start: 1, Count: 1}})
	if len(raw) != 0 {
		t.Fatalf("expected no registers after exhausting retries, got %v", raw)
	}
	if s.currentDelay != maxDelay && s.currentDelay < s.nominalDelay+maxRetries*delayStep-delayStep {
		t.Fatalf("expected delay to have climbed close to its cap, got %v", s.currentDelay)
	}
}

func TestWriteSingleRegisterAndReadBack(t *testing.T) {
	fc := &fakeClient{holding: map[uint16][]byte{}}
	s := newTestSession(fc)

	if err := s.WriteSingleRegister(20, 0x00FF); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	v, err := s.ReadSingleRegister(20)
	if err != nil || v != 0x00FF {
		t.Fatalf("expected read-back 0xFF, got %v, %v", v, err)
	}
}

func TestRegistryAcquireReleaseRefcounts(t *testing.T) {
	reg := NewRegistry()
	cfg := BusConfig{Kind: BusTCP, Host: "127.0.0.1", Port: 15020}
	_ = reg
	_ = cfg
	// acquiring a real TCP session requires a live listener; refcount
	// bookkeeping itself is exercised directly against the map instead.
	s := newTestSession(&fakeClient{holding: map[uint16][]byte{}})
	reg.sessions[cfg.BusString()] = s
	s.refs = 1

	s.refs++
	if s.refs != 2 {
		t.Fatalf("expected refcount 2, got %d", s.refs)
	}
	reg.Release(s)
	if _, ok := reg.sessions[cfg.BusString()]; !ok {
		t.Fatal("session should remain registered while refs > 0")
	}
	reg.Release(s)
	if _, ok := reg.sessions[cfg.BusString()]; ok {
		t.Fatal("session should be evicted once refs reach 0")
	}
}
