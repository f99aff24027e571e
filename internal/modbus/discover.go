package modbus

import (
	"strings"

	"github.com/jpl-devices/fieldgw/internal/protocolspec"
	"github.com/jpl-devices/fieldgw/internal/registers"
)

var legacySerialNames = []string{
	"serial_no_1", "serial_no_2", "serial_no_3", "serial_no_4", "serial_no_5",
}

// ReadSerialNumber implements read_serial_number (spec §4.D): it derives
// a stable device_identifier, trying the modern "serial_number" entry
// first, then falling back to the legacy five-register ASCII convention.
func (s *Session) ReadSerialNumber(spec *protocolspec.Spec) string {
	if sn, ok := s.trySerialNumberEntry(spec, protocolspec.Input); ok {
		return sn
	}
	if sn, ok := s.trySerialNumberEntry(spec, protocolspec.Holding); ok {
		return sn
	}
	return s.tryLegacySerialNumber(spec)
}

func (s *Session) trySerialNumberEntry(spec *protocolspec.Spec, rt protocolspec.RegistryType) (string, bool) {
	var target *protocolspec.RegistryMapEntry
	for _, e := range spec.Entries[rt] {
		if e.VariableName == "serial_number" || e.DocumentedName == "serial_number" {
			target = e
			break
		}
	}
	if target == nil {
		return "", false
	}

	ranges := protocolspec.CalculateRegistryRanges([]*protocolspec.RegistryMapEntry{target}, target.Register+8, spec.Settings.BatchSize, true, 0)
	raw := s.ReadRegisters(rt, ranges)
	decoded := registers.Decode(spec, []*protocolspec.RegistryMapEntry{target}, raw)

	v, ok := decoded["serial_number"]
	if !ok {
		return "", false
	}
	sn, _ := v.(string)
	sn = strings.TrimSpace(sn)
	if sn == "" || sn == "None" {
		return "", false
	}
	return sn, true
}

// tryLegacySerialNumber reads the five fixed "Serial No N" HOLDING
// registers and concatenates their ASCII bytes in both natural and
// reversed per-register order, preferring the reversed form when it is
// cleanly alphanumeric.
func (s *Session) tryLegacySerialNumber(spec *protocolspec.Spec) string {
	var byDocName = map[string]*protocolspec.RegistryMapEntry{}
	for _, e := range spec.Entries[protocolspec.Holding] {
		byDocName[e.DocumentedName] = e
	}

	var naturalWords, reversedWords []uint16
	for _, name := range legacySerialNames {
		e, ok := byDocName[name]
		if !ok {
			continue
		}
		ranges := protocolspec.CalculateRegistryRanges([]*protocolspec.RegistryMapEntry{e}, e.Register, spec.Settings.BatchSize, true, 0)
		raw := s.ReadRegisters(protocolspec.Holding, ranges)
		word, ok := raw[e.Register].(registers.RawWord)
		if !ok {
			continue
		}
		naturalWords = append(naturalWords, uint16(word))
		reversedWords = append([]uint16{uint16(word)}, reversedWords...)
	}

	natural := legacyWordsToASCII(naturalWords)
	reversed := legacyWordsToASCII(reversedWords)
	if isCleanAlphanumeric(reversed) {
		return reversed
	}
	return natural
}

func legacyWordsToASCII(words []uint16) string {
	var sb strings.Builder
	for _, w := range words {
		lo := byte(w & 0xFF)
		hi := byte(w >> 8)
		if lo != 0 {
			sb.WriteByte(lo)
		}
		if hi != 0 {
			sb.WriteByte(hi)
		}
	}
	return strings.TrimSpace(sb.String())
}

func isCleanAlphanumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !(r >= 'A' && r <= 'Z' || r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '_') {
			return false
		}
	}
	return true
}
