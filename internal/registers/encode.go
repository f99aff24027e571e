package registers

import (
	"fmt"

	"github.com/jpl-devices/fieldgw/internal/gwerrors"
	"github.com/jpl-devices/fieldgw/internal/protocolspec"
	"github.com/jpl-devices/fieldgw/internal/regtype"
)

// ReadWord reads the current value of a single register, used by Encode's
// read-modify-write path for bit-field, BYTE and FLAGS entries. The
// caller supplies this against whatever transport owns the connection.
type ReadWord func(register int) (RawWord, error)

// scoreThreshold is the write-safety gate: a write is rejected unless
// ValidateEntry's score, as a fraction of participating registers, meets
// this threshold. Callers bypass the gate entirely via unsafe=true
// (spec §4.C's UNSAFE mode).
const scoreThreshold = 0.9

// Encode implements write_variable (spec §4.C): it resolves value against
// e's code table or numeric domain, applies unit_mod in reverse, and
// produces the register word(s) to write. For BITS/SBITS/SMBITS, BYTE and
// FLAGS entries it reads the current register via read to preserve the
// untouched bits.
//
// value may be a string (code-table label or decimal literal), an int64,
// or a float64. Encode returns the updated raw word for e.Register, and
// for UINT/INT the word pair as two raw words starting at e.Register.
func Encode(spec *protocolspec.Spec, e *protocolspec.RegistryMapEntry, value interface{}, unsafe bool, read ReadWord) ([]RawWord, error) {
	if e.WriteMode != protocolspec.Write && e.WriteMode != protocolspec.WriteOnly {
		return nil, fmt.Errorf("registers: %s is not writable: %w", e.VariableName, gwerrors.ErrValidation)
	}

	resolved, err := resolveWriteValue(spec, e, value)
	if err != nil {
		return nil, err
	}

	if !unsafe {
		score := ValidateEntry(spec, e, toValidationForm(value, resolved))
		total := 1
		if n := len(e.ConcatenateRegisters); n > 1 {
			total = n
		}
		if float64(score)/float64(total) < scoreThreshold {
			return nil, fmt.Errorf("registers: value %v rejected for %s (score %d/%d): %w", value, e.VariableName, score, total, gwerrors.ErrValidation)
		}
	}

	switch e.DataType {
	case regtype.UInt, regtype.Int:
		u := uint64(resolved)
		return []RawWord{RawWord(u >> 16), RawWord(u & 0xFFFF)}, nil
	case regtype.Bits, regtype.SBits, regtype.SMBits:
		if read == nil {
			return nil, fmt.Errorf("registers: %s requires read-modify-write but no reader was supplied", e.VariableName)
		}
		current, err := read(e.Register)
		if err != nil {
			return nil, fmt.Errorf("registers: read-modify-write read failed for %s: %w", e.VariableName, err)
		}
		updated := regtype.EncodeBits(uint32(current), uint(e.RegisterBit), uint(e.DataTypeSize), uint64(resolved))
		return []RawWord{RawWord(updated)}, nil
	case regtype.Flags8, regtype.Flags16, regtype.Flags32:
		if read == nil {
			return nil, fmt.Errorf("registers: %s requires read-modify-write but no reader was supplied", e.VariableName)
		}
		current, err := read(e.Register)
		if err != nil {
			return nil, fmt.Errorf("registers: read-modify-write read failed for %s: %w", e.VariableName, err)
		}
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("registers: flags field %s requires a digit-string value", e.VariableName)
		}
		bits, err := regtype.EncodeFlagWindow(s)
		if err != nil {
			return nil, fmt.Errorf("registers: %s: %w", e.VariableName, err)
		}
		updated := regtype.EncodeBits(uint32(current), uint(e.RegisterBit), flagSize(e.DataType), bits)
		return []RawWord{RawWord(updated)}, nil
	case regtype.Byte:
		if read == nil {
			return nil, fmt.Errorf("registers: %s requires read-modify-write but no reader was supplied", e.VariableName)
		}
		current, err := read(e.Register)
		if err != nil {
			return nil, fmt.Errorf("registers: read-modify-write read failed for %s: %w", e.VariableName, err)
		}
		updated := regtype.EncodeBits(uint32(current), uint(e.RegisterBit), 8, uint64(resolved))
		return []RawWord{RawWord(updated)}, nil
	default: // USHORT, SHORT
		return []RawWord{RawWord(resolved & 0xFFFF)}, nil
	}
}

// resolveWriteValue turns a caller-supplied label/number into the plain
// integer that belongs in the register, undoing code-table substitution
// and unit_mod scaling (spec §4.C's write path is decode's mirror image).
func resolveWriteValue(spec *protocolspec.Spec, e *protocolspec.RegistryMapEntry, value interface{}) (int64, error) {
	if s, ok := value.(string); ok {
		ct, found := spec.CodesFor(e.DocumentedName)
		if !found {
			ct, found = spec.CodesFor(e.VariableName)
		}
		if found {
			if n, ok := protocolspec.ReverseCodeLookup(ct, s); ok {
				return n, nil
			}
			return 0, fmt.Errorf("registers: %q is not a valid label for %s: %w", s, e.VariableName, gwerrors.ErrValidation)
		}
	}

	f, ok := toFloat(value)
	if !ok {
		return 0, fmt.Errorf("registers: cannot interpret %v as a value for %s", value, e.VariableName)
	}
	if e.UnitMod != 0 && e.UnitMod != 1 {
		f = f / e.UnitMod
	}
	// round toward zero, matching the register's integer representation
	return int64(f), nil
}

// toValidationForm reconstructs the shape ValidateEntry expects: a label
// string for code-table/ASCII entries (the caller's original value), else
// the resolved raw register integer.
func toValidationForm(value interface{}, resolved int64) interface{} {
	if s, ok := value.(string); ok {
		return s
	}
	return resolved
}
