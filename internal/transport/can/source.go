package can

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/jpl-devices/fieldgw/internal/diagserver"
	"github.com/jpl-devices/fieldgw/internal/gateway"
)

// Source adapts a passive Bus into a gateway.Source: each tick it
// snapshots the frame cache and reports every cached arbitration id as a
// hex-encoded data field, since CAN signal layouts are device-specific
// and (per spec's out-of-scope collaborators) not part of this gateway's
// decoding responsibility.
type Source struct {
	name         string
	meta         gateway.DeviceMetadata
	bridgeTarget string
	interval     time.Duration

	bus *Bus
}

// NewSource builds a CAN gateway.Source around bus.
func NewSource(name string, meta gateway.DeviceMetadata, bridgeTarget string, interval time.Duration, bus *Bus) *Source {
	if interval <= 0 {
		interval = time.Second
	}
	return &Source{name: name, meta: meta, bridgeTarget: bridgeTarget, interval: interval, bus: bus}
}

func (s *Source) Name() string             { return s.name }
func (s *Source) Kind() string             { return "can" }
func (s *Source) Connected() bool          { return s.bus.Started() && s.bus.Err() == nil }
func (s *Source) ReadInterval() time.Duration { return s.interval }

// Connect starts the bus's background passive reader if it isn't
// already running.
func (s *Source) Connect(ctx context.Context) error {
	s.bus.Start(ctx)
	return nil
}

func (s *Source) Status() diagserver.TransportStatus {
	st := diagserver.TransportStatus{Name: s.name, Kind: "can", Connected: s.Connected()}
	if err := s.bus.Err(); err != nil {
		st.LastError = err.Error()
	}
	return st
}

// ReadData reports the current frame cache. A nil, nil return means the
// cache is empty this tick.
func (s *Source) ReadData(ctx context.Context) (*gateway.Record, error) {
	snap := s.bus.Snapshot()
	if len(snap) == 0 {
		return nil, nil
	}

	data := make(map[string]interface{}, len(snap))
	for id, f := range snap {
		key := fmt.Sprintf("0x%03x", id)
		data[key] = hex.EncodeToString(f.Data[:f.Length])
	}

	return &gateway.Record{
		SourceName: s.name,
		TargetName: s.bridgeTarget,
		Data:       data,
		Source:     s.meta,
		Timestamp:  time.Now(),
	}, nil
}
