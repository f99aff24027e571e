// Package protocolspec loads a declarative protocol specification (JSON
// code tables + settings, CSV register maps with overrides, masks and
// screens) and computes batched read-range plans from it, per spec §4.B.
package protocolspec

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/jpl-devices/fieldgw/internal/regtype"
)

// RegistryType distinguishes the Modbus function-code dimension of an
// entry, or ZERO for protocols without one (e.g. CAN, Pylon).
type RegistryType int

const (
	// Zero is used by protocols with no command/registry dimension.
	Zero RegistryType = iota
	// Holding is function code 0x03.
	Holding
	// Input is function code 0x04.
	Input
)

func (t RegistryType) String() string {
	switch t {
	case Holding:
		return "holding"
	case Input:
		return "input"
	default:
		return "zero"
	}
}

// WriteMode is the per-entry access policy.
type WriteMode int

const (
	// Read is the default: the entry participates in read plans only.
	Read WriteMode = iota
	// ReadDisabled entries are never read or written.
	ReadDisabled
	// Write entries are read and, subject to validation, writable.
	Write
	// WriteOnly entries are skipped in read plans.
	WriteOnly
)

func (m WriteMode) String() string {
	switch m {
	case ReadDisabled:
		return "READ_DISABLED"
	case Write:
		return "WRITE"
	case WriteOnly:
		return "WRITE_ONLY"
	default:
		return "READ"
	}
}

// ParseWriteMode maps the CSV "write"/"writable" column aliases from
// spec §4.B onto a WriteMode.
func ParseWriteMode(s string) WriteMode {
	switch normalizeToken(s) {
	case "r", "no", "read", "wd":
		return Read
	case "rd", "disabled", "d", "readdisabled":
		return ReadDisabled
	case "r/w", "rw", "w", "yes", "write":
		return Write
	case "wo":
		return WriteOnly
	default:
		return Read
	}
}

// Values describes the validation domain of an entry: either an
// enumerated allow-list, a numeric range, or an ASCII regex. At most one
// of these representations is populated, per spec §3/§4.B.
type Values struct {
	Enumerated []int
	HasRange   bool
	Min, Max   float64
	Regex      *regexp.Regexp
}

// RegistryMapEntry is one row of the decoded register map, per spec §3.
type RegistryMapEntry struct {
	RegistryType RegistryType
	Register     int
	RegisterBit  int // 0 if none
	RegisterByte int // byte offset within the register, 0 if none

	VariableName   string
	DocumentedName string

	Unit    string
	UnitMod float64

	DataType       regtype.DataType
	DataTypeSize   int
	DataByteOrder  regtype.ByteOrder
	HasByteOrder   bool // true if the entry overrides the protocol default

	Concatenate           bool
	ConcatenateRegisters  []int

	Values Values

	ReadCommand  []byte
	ReadInterval int64 // milliseconds
	// NextReadTimestamp is mutable per-entry scheduling state, owned
	// exclusively by the transport worker that polls this entry (spec §9).
	NextReadTimestamp int64 // epoch milliseconds

	WriteMode WriteMode
}

// Identity returns the tuple that uniquely identifies an entry, per
// spec §3: (registry_type, register, register_bit, register_byte).
func (e *RegistryMapEntry) Identity() [4]int {
	return [4]int{int(e.RegistryType), e.Register, e.RegisterBit, e.RegisterByte}
}

// EffectiveByteOrder resolves the entry's byte order against the
// protocol-wide default.
func (e *RegistryMapEntry) EffectiveByteOrder(protocolDefault regtype.ByteOrder) regtype.ByteOrder {
	if e.HasByteOrder {
		return e.DataByteOrder
	}
	return protocolDefault
}

// CodeTable maps an integer-stringified value, or a bit-position token
// ("bN" or "bI&bJ&..."), to a human label.
type CodeTable map[string]string

// Settings holds the protocol-level default settings parsed from the
// non-"_codes" keys of the JSON spec file (spec §3).
type Settings struct {
	Transport           string
	ByteOrder           regtype.ByteOrder
	BatchSize           int
	Baud                int
	SendInputRegister   bool
	SendHoldingRegister bool
	BatchDelaySeconds   float64
	ReadIntervalMs      int64
	// InvertShort resolves the §9 Open Question: the reference always
	// negates SHORT after sign-extension; this flag lets a protocol's
	// JSON settings disable that behavior.
	InvertShort bool
}

// DefaultSettings returns the baseline settings applied before a
// protocol's JSON overrides them.
func DefaultSettings() Settings {
	return Settings{
		ByteOrder:           regtype.BigEndian,
		BatchSize:           45,
		BatchDelaySeconds:   0.85,
		SendHoldingRegister: true,
		InvertShort:         true,
	}
}

// Spec is a fully loaded, immutable-after-load protocol specification:
// one register map per RegistryType plus settings and code tables.
type Spec struct {
	Name     string
	Settings Settings
	Codes    map[string]CodeTable // keyed by "<variable_name>_codes"

	Entries map[RegistryType][]*RegistryMapEntry
}

// CodesFor returns the code table for variableName, if any.
func (s *Spec) CodesFor(variableName string) (CodeTable, bool) {
	ct, ok := s.Codes[variableName+"_codes"]
	return ct, ok
}

// AllEntries returns every entry across all registry types, in a stable
// order (Zero, Holding, Input, and within each by CSV row order).
func (s *Spec) AllEntries() []*RegistryMapEntry {
	var out []*RegistryMapEntry
	for _, rt := range []RegistryType{Zero, Holding, Input} {
		out = append(out, s.Entries[rt]...)
	}
	return out
}

var variableNameRe = regexp.MustCompile(`^[a-z0-9_]+$`)

// ValidVariableName reports whether name matches the canonical
// machine-safe form required by spec §3.
func ValidVariableName(name string) bool {
	return variableNameRe.MatchString(name)
}

func normalizeToken(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), "")
}

// errInvalidName is returned (wrapped) when the loader must drop a row.
func errInvalidName(name string) error {
	return fmt.Errorf("protocolspec: invalid variable name %q", name)
}
