package modbus

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jpl-devices/fieldgw/internal/gwerrors"
	"github.com/jpl-devices/fieldgw/internal/protocolspec"
	"github.com/jpl-devices/fieldgw/internal/registers"
)

const (
	maxDelay       = 60 * time.Second
	delayStep      = 50 * time.Millisecond
	maxRetries     = 7
)

// ReadRegisters implements read_modbus_registers (spec §4.D): it walks
// ranges, sleeping for the session's adaptive delay before each read,
// classifying the outcome, and merging successful reads into the
// returned raw map keyed by absolute register address.
func (s *Session) ReadRegisters(rt protocolspec.RegistryType, ranges []protocolspec.ReadRange) registers.RawSource {
	out := registers.RawSource{}

	for _, rg := range ranges {
		words, ok := s.readRangeWithRetry(rt, rg)
		if !ok {
			continue
		}
		for i, w := range words {
			out[rg.Start+i] = registers.RawWord(w)
		}
	}
	return out
}

func (s *Session) readRangeWithRetry(rt protocolspec.RegistryType, rg protocolspec.ReadRange) ([]uint16, bool) {
	for attempt := 0; attempt < maxRetries; attempt++ {
		s.mu.Lock()
		time.Sleep(s.currentDelay)
		words, err := s.readOnce(rt, rg)
		if err != nil || len(words) == 0 {
			s.currentDelay += delayStep
			if s.currentDelay > maxDelay {
				s.currentDelay = maxDelay
			}
			s.mu.Unlock()
			logrus.WithFields(logrus.Fields{
				"bus":     s.bus.BusString(),
				"range":   rg,
				"attempt": attempt + 1,
				"err":     err,
			}).WithError(gwerrors.ErrTransientIO).Debug("modbus: read failed, retrying")
			continue
		}
		if s.currentDelay > s.nominalDelay {
			s.currentDelay -= delayStep
			if s.currentDelay < s.nominalDelay {
				s.currentDelay = s.nominalDelay
			}
		}
		s.mu.Unlock()
		return words, true
	}
	logrus.WithFields(logrus.Fields{
		"bus":   s.bus.BusString(),
		"range": rg,
	}).Warn("modbus: range exhausted retries, skipping")
	return nil, false
}

// readOnce must be called with s.mu held.
func (s *Session) readOnce(rt protocolspec.RegistryType, rg protocolspec.ReadRange) ([]uint16, error) {
	var raw []byte
	var err error
	switch rt {
	case protocolspec.Input:
		raw, err = s.client.ReadInputRegisters(uint16(rg.Start), uint16(rg.Count))
	default:
		raw, err = s.client.ReadHoldingRegisters(uint16(rg.Start), uint16(rg.Count))
	}
	if err != nil {
		return nil, err
	}
	return bytesToWords(raw), nil
}

func bytesToWords(b []byte) []uint16 {
	n := len(b) / 2
	out := make([]uint16, n)
	for i := 0; i < n; i++ {
		out[i] = uint16(b[2*i])<<8 | uint16(b[2*i+1])
	}
	return out
}

// WriteSingleRegister commits a single-register write (Modbus function
// 0x06), the sole write primitive per spec §4.C step 6.
func (s *Session) WriteSingleRegister(address int, value uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.client.WriteSingleRegister(uint16(address), value)
	return err
}

// ReadSingleRegister reads one holding register, used by the register
// processor's read-modify-write path for bit-field writes.
func (s *Session) ReadSingleRegister(address int) (registers.RawWord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, err := s.client.ReadHoldingRegisters(uint16(address), 1)
	if err != nil {
		return 0, err
	}
	words := bytesToWords(raw)
	if len(words) == 0 {
		return 0, gwerrors.ErrTransientIO
	}
	return registers.RawWord(words[0]), nil
}
