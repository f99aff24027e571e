// Package jsonsink implements the JSON output sink (spec §4.E): a
// single writer, unbatched, emitting one JSON value per write() call to
// stdout or an append/truncate file.
package jsonsink

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/jpl-devices/fieldgw/internal/diagserver"
	"github.com/jpl-devices/fieldgw/internal/gateway"
)

// Config selects the sink's destination and rendering options.
type Config struct {
	Name string // transport name

	OutputFile        string // empty means stdout
	AppendMode        bool
	PrettyPrint       bool
	IncludeTimestamp  bool
	IncludeDeviceInfo bool
}

// Sink is a single-writer JSON destination.
type Sink struct {
	cfg Config

	mu  sync.Mutex
	w   io.Writer
	f   *os.File
	enc *json.Encoder
}

// New opens the sink's destination according to cfg.
func New(cfg Config) (*Sink, error) {
	s := &Sink{cfg: cfg}
	if cfg.OutputFile == "" {
		s.w = os.Stdout
	} else {
		flag := os.O_CREATE | os.O_WRONLY
		if cfg.AppendMode {
			flag |= os.O_APPEND
		} else {
			flag |= os.O_TRUNC
		}
		f, err := os.OpenFile(cfg.OutputFile, flag, 0o644)
		if err != nil {
			return nil, fmt.Errorf("jsonsink: opening %s: %w", cfg.OutputFile, err)
		}
		s.f = f
		s.w = f
	}
	s.enc = json.NewEncoder(s.w)
	if cfg.PrettyPrint {
		s.enc.SetIndent("", "  ")
	}
	return s, nil
}

type payload struct {
	Device    *gateway.DeviceMetadata `json:"device,omitempty"`
	Timestamp *float64                `json:"timestamp,omitempty"`
	Data      map[string]interface{}  `json:"data"`
}

// Write renders one record as a single JSON value, per spec §4.E.
func (s *Sink) Write(rec gateway.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := payload{Data: rec.Data}
	if s.cfg.IncludeDeviceInfo {
		p.Device = &rec.Source
	}
	if s.cfg.IncludeTimestamp {
		ts := float64(rec.Timestamp.UnixNano()) / float64(time.Second)
		p.Timestamp = &ts
	}
	return s.enc.Encode(p)
}

// Close releases the underlying file, if any.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f != nil {
		return s.f.Close()
	}
	return nil
}

func (s *Sink) Name() string    { return s.cfg.Name }
func (s *Sink) Kind() string    { return "jsonsink" }
func (s *Sink) Connected() bool { return true } // a file/stdout writer has no reconnect state

func (s *Sink) Connect(ctx context.Context) error { return nil }

func (s *Sink) Status() diagserver.TransportStatus {
	return diagserver.TransportStatus{Name: s.cfg.Name, Kind: "jsonsink", Connected: true}
}

// WriteData adapts gateway.Record delivery onto Write.
func (s *Sink) WriteData(ctx context.Context, rec gateway.Record) error {
	return s.Write(rec)
}
