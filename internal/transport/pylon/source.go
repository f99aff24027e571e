package pylon

import (
	"bufio"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/goburrow/serial"

	"github.com/jpl-devices/fieldgw/internal/comm"
	"github.com/jpl-devices/fieldgw/internal/diagserver"
	"github.com/jpl-devices/fieldgw/internal/gateway"
)

// Config identifies the serial line and the fixed request frame a Source
// issues on every poll (spec §6: Pylon's INFO payload is an opaque,
// device-specific command/response body outside this gateway's decoding
// responsibility).
type Config struct {
	Port     string
	BaudRate int

	Ver, Adr, Cid1, Cid2 byte
	RequestInfo          []byte
}

// Source polls a Pylon-framed serial device with a fixed request frame
// each tick and reports the response INFO field hex-encoded, per spec §6.
type Source struct {
	name         string
	meta         gateway.DeviceMetadata
	bridgeTarget string
	interval     time.Duration
	cfg          Config

	mu      sync.Mutex
	rw      io.ReadWriteCloser
	r       *bufio.Reader
	open    bool
	lastErr error
}

// NewSource builds a Pylon gateway.Source.
func NewSource(name string, meta gateway.DeviceMetadata, bridgeTarget string, interval time.Duration, cfg Config) *Source {
	if interval <= 0 {
		interval = time.Second
	}
	return &Source{name: name, meta: meta, bridgeTarget: bridgeTarget, interval: interval, cfg: cfg}
}

func (s *Source) Name() string                { return s.name }
func (s *Source) Kind() string                { return "pylon" }
func (s *Source) ReadInterval() time.Duration { return s.interval }

func (s *Source) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

// Connect opens the serial line via the shared goburrow/serial conn
// maker (the same library internal/comm already uses).
func (s *Source) Connect(ctx context.Context) error {
	maker := comm.SerialConnMaker(&serial.Config{
		Address:  s.cfg.Port,
		BaudRate: s.cfg.BaudRate,
		DataBits: 8,
		StopBits: 1,
		Parity:   "N",
		Timeout:  7 * time.Second,
	})
	rw, err := maker()
	if err != nil {
		s.mu.Lock()
		s.lastErr = err
		s.mu.Unlock()
		return fmt.Errorf("pylon: %s: opening %s: %w", s.name, s.cfg.Port, err)
	}

	s.mu.Lock()
	s.rw = rw
	s.r = bufio.NewReader(rw)
	s.open = true
	s.lastErr = nil
	s.mu.Unlock()
	return nil
}

func (s *Source) Status() diagserver.TransportStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := diagserver.TransportStatus{Name: s.name, Kind: "pylon", Connected: s.open}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}

// ReadData issues the configured request frame and decodes the reply.
func (s *Source) ReadData(ctx context.Context) (*gateway.Record, error) {
	s.mu.Lock()
	rw, r := s.rw, s.r
	s.mu.Unlock()
	if rw == nil {
		return nil, fmt.Errorf("pylon: %s: not connected", s.name)
	}

	req := Frame{Ver: s.cfg.Ver, Adr: s.cfg.Adr, Cid1: s.cfg.Cid1, Cid2: s.cfg.Cid2, Info: s.cfg.RequestInfo}
	if _, err := rw.Write(req.Encode()); err != nil {
		s.markDown(err)
		return nil, fmt.Errorf("pylon: %s: write: %w", s.name, err)
	}

	raw, err := ReadFrame(r)
	if err != nil {
		s.markDown(err)
		return nil, fmt.Errorf("pylon: %s: read: %w", s.name, err)
	}
	frame, err := Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("pylon: %s: decode: %w", s.name, err)
	}

	return &gateway.Record{
		SourceName: s.name,
		TargetName: s.bridgeTarget,
		Data: map[string]interface{}{
			"cid2": fmt.Sprintf("0x%02X", frame.Cid2),
			"info": hex.EncodeToString(frame.Info),
		},
		Source:    s.meta,
		Timestamp: time.Now(),
	}, nil
}

func (s *Source) markDown(err error) {
	s.mu.Lock()
	s.open = false
	s.lastErr = err
	s.mu.Unlock()
}
