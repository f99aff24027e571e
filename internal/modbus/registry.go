// Package modbus implements the read/write engine of spec §4.D: batched
// register reads with adaptive inter-request pacing and bounded retries,
// a write-safety gate, and serial-number discovery, layered on top of
// github.com/goburrow/modbus client handlers. Sessions are shared by bus
// string across transports through a process-wide, reference-counted
// registry, grounded on the teacher's connection pool.
package modbus

import (
	"fmt"
	"sync"
	"time"

	"github.com/goburrow/modbus"
	"github.com/goburrow/serial"
	"github.com/sirupsen/logrus"
)

// WritePolicy controls whether the engine will commit writes to a bus.
type WritePolicy int

const (
	// PolicyRead never writes, regardless of validation score.
	PolicyRead WritePolicy = iota
	// PolicyWrite requires validate_registry to score >= 90% before
	// enabling writes.
	PolicyWrite
	// PolicyRelaxed enables writes with a warning even below the
	// threshold.
	PolicyRelaxed
	// PolicyUnsafe enables writes immediately, bypassing validation.
	PolicyUnsafe
)

// BusKind distinguishes the wire transport backing a Session.
type BusKind int

const (
	BusRTU BusKind = iota
	BusTCP
	BusUDP
	BusTLS
)

// BusConfig identifies and configures one physical bus. Two transports
// with an identical BusString share a Session.
type BusConfig struct {
	Kind BusKind

	// Serial
	SerialPort string
	BaudRate   int
	DataBits   int
	StopBits   int
	Parity     string

	// TCP/UDP/TLS
	Host string
	Port int

	SlaveID byte
	Timeout time.Duration
}

// BusString returns the registry key for cfg, per spec §4.D ("a
// process-wide registry keyed by the bus string").
func (c BusConfig) BusString() string {
	switch c.Kind {
	case BusRTU:
		return fmt.Sprintf("rtu:%s@%d", c.SerialPort, c.BaudRate)
	default:
		return fmt.Sprintf("tcp:%s:%d", c.Host, c.Port)
	}
}

// Session wraps one physical bus connection: a goburrow/modbus client and
// handler, the adaptive pacing state, and a mutex that serializes every
// read/write so sharers never interleave requests on the wire.
type Session struct {
	mu sync.Mutex

	bus    BusConfig
	client modbus.Client
	closer interface{ Close() error }

	nominalDelay time.Duration
	currentDelay time.Duration

	firstConnect bool

	refs int
}

// Registry is the process-wide map of bus string -> *Session, reference
// counted so the last transport releasing a bus closes its connection.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry returns an empty session registry.
func NewRegistry() *Registry {
	return &Registry{sessions: map[string]*Session{}}
}

// Acquire returns the Session for cfg's bus string, creating and
// connecting one if this is the first acquirer. Every Acquire must be
// matched with a Release.
func (r *Registry) Acquire(cfg BusConfig) (*Session, error) {
	key := cfg.BusString()

	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[key]; ok {
		s.refs++
		return s, nil
	}

	s, err := newSession(cfg)
	if err != nil {
		return nil, err
	}
	s.refs = 1
	r.sessions[key] = s
	return s, nil
}

// Release decrements s's reference count, closing and evicting it from
// the registry once the last transport has released it.
func (r *Registry) Release(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s.refs--
	if s.refs > 0 {
		return
	}
	key := s.bus.BusString()
	delete(r.sessions, key)
	if s.closer != nil {
		if err := s.closer.Close(); err != nil {
			logrus.WithError(err).WithField("bus", key).Warn("modbus: error closing session")
		}
	}
}

func newSession(cfg BusConfig) (*Session, error) {
	nominal := 850 * time.Millisecond
	s := &Session{
		bus:          cfg,
		nominalDelay: nominal,
		currentDelay: nominal,
		firstConnect: true,
	}

	switch cfg.Kind {
	case BusRTU:
		h := modbus.NewRTUClientHandler(cfg.SerialPort)
		h.BaudRate = cfg.BaudRate
		h.DataBits = nonZero(cfg.DataBits, 8)
		h.StopBits = nonZero(cfg.StopBits, 1)
		h.Parity = nonEmpty(cfg.Parity, "N")
		h.SlaveId = cfg.SlaveID
		h.Timeout = nonZeroDuration(cfg.Timeout, 7*time.Second)
		if err := h.Connect(); err != nil {
			return nil, fmt.Errorf("modbus: connecting to %s: %w", cfg.BusString(), err)
		}
		s.client = modbus.NewClient(h)
		s.closer = h
	default:
		h := modbus.NewTCPClientHandler(fmt.Sprintf("%s:%d", cfg.Host, cfg.Port))
		h.SlaveId = cfg.SlaveID
		h.Timeout = nonZeroDuration(cfg.Timeout, 7*time.Second)
		if err := h.Connect(); err != nil {
			return nil, fmt.Errorf("modbus: connecting to %s: %w", cfg.BusString(), err)
		}
		s.client = modbus.NewClient(h)
		s.closer = h
	}

	return s, nil
}

func nonZero(v, fallback int) int {
	if v == 0 {
		return fallback
	}
	return v
}

func nonZeroDuration(v, fallback time.Duration) time.Duration {
	if v == 0 {
		return fallback
	}
	return v
}

func nonEmpty(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

// SerialConfig builds a goburrow/serial config for the rare case a
// transport needs to open a bare serial line outside the Modbus client
// (e.g. to probe before committing to a protocol).
func (c BusConfig) SerialConfig() *serial.Config {
	return &serial.Config{
		Address:  c.SerialPort,
		BaudRate: c.BaudRate,
		DataBits: nonZero(c.DataBits, 8),
		StopBits: nonZero(c.StopBits, 1),
		Parity:   nonEmpty(c.Parity, "N"),
		Timeout:  nonZeroDuration(c.Timeout, 7*time.Second),
	}
}
