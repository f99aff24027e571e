package modbus

import (
	"github.com/sirupsen/logrus"

	"github.com/jpl-devices/fieldgw/internal/protocolspec"
	"github.com/jpl-devices/fieldgw/internal/registers"
)

// EnableWrite implements enable_write (spec §4.D): it decides whether s
// may accept outbound writes under policy, reading and scoring the full
// HOLDING map when policy requires validation.
func (s *Session) EnableWrite(spec *protocolspec.Spec, policy WritePolicy) bool {
	if policy == PolicyUnsafe {
		logrus.WithField("bus", s.bus.BusString()).Warn("modbus: writes enabled unsafely, validation bypassed")
		return true
	}

	entries := spec.Entries[protocolspec.Holding]
	score, maxScore := validateRegistry(s, spec, entries)
	pct := 0
	if maxScore > 0 {
		pct = score * 100 / maxScore
	}

	if pct >= 90 {
		return true
	}
	if policy == PolicyRelaxed {
		logrus.WithFields(logrus.Fields{
			"bus":   s.bus.BusString(),
			"score": pct,
		}).Warn("modbus: write enabled under RELAXED policy despite low validation score")
		return true
	}

	logrus.WithFields(logrus.Fields{
		"bus":   s.bus.BusString(),
		"score": pct,
	}).Warn("write disabled")
	return false
}

// validateRegistry reads every non-excluded HOLDING entry and sums
// validate_registry_entry's score against the maximum attainable score,
// excluding READ_DISABLED and WRITE_ONLY entries from the denominator.
func validateRegistry(s *Session, spec *protocolspec.Spec, entries []*protocolspec.RegistryMapEntry) (score, maxScore int) {
	var eligible []*protocolspec.RegistryMapEntry
	maxRegister := 0
	for _, e := range entries {
		if e.WriteMode == protocolspec.ReadDisabled || e.WriteMode == protocolspec.WriteOnly {
			continue
		}
		eligible = append(eligible, e)
		if e.Register > maxRegister {
			maxRegister = e.Register
		}
	}

	ranges := protocolspec.CalculateRegistryRanges(eligible, maxRegister, spec.Settings.BatchSize, true, 0)
	raw := s.ReadRegisters(protocolspec.Holding, ranges)
	decoded := registers.Decode(spec, eligible, raw)

	for _, e := range eligible {
		maxScore++
		if v, ok := decoded[e.VariableName]; ok {
			score += registers.ValidateEntry(spec, e, v)
		}
	}
	return score, maxScore
}
