// Package registers implements the register processor (spec §4.C): it
// applies a loaded protocol specification to a raw register/byte map,
// producing named decoded values, and provides the inverse write-encode
// path with read-modify-write and validation.
package registers

import (
	"fmt"
	"strings"

	"github.com/jpl-devices/fieldgw/internal/protocolspec"
	"github.com/jpl-devices/fieldgw/internal/regtype"
)

// RawWord is the Modbus-style representation: one 16-bit word per
// register address.
type RawWord = uint16

// RawSource is the input to Decode: register address -> either a
// RawWord (Modbus path) or a []byte (CAN/framed path), per spec §4.C.
type RawSource map[int]interface{}

// Decode applies entries against raw, producing variable_name -> decoded
// value. Values are int64, float64, or string.
func Decode(spec *protocolspec.Spec, entries []*protocolspec.RegistryMapEntry, raw RawSource) map[string]interface{} {
	out := map[string]interface{}{}
	pieces := map[int]interface{}{} // per-register decoded piece, for concatenation

	for _, e := range entries {
		rawVal, ok := raw[e.Register]
		if !ok {
			continue
		}

		order := e.EffectiveByteOrder(spec.Settings.ByteOrder)

		var piece interface{}
		var err error
		switch v := rawVal.(type) {
		case []byte:
			piece, err = decodeByteAddressed(spec, e, v, order)
		case RawWord:
			piece, err = decodeWordAddressed(spec, e, raw, v, order)
		default:
			continue
		}
		if err != nil {
			continue // malformed entry/value: skip, per SpecError-style tolerance
		}

		piece = applyUnitMod(piece, e.UnitMod)
		if !isFlagType(e.DataType) {
			piece = applyCodeTable(spec, e, piece)
		}

		if e.Concatenate {
			pieces[e.Register] = piece
			if allPiecesReady(e.ConcatenateRegisters, pieces) {
				out[e.VariableName] = joinPieces(e, pieces)
			}
			continue
		}

		out[e.VariableName] = piece
	}

	return out
}

func isFlagType(dt regtype.DataType) bool {
	return dt == regtype.Flags8 || dt == regtype.Flags16 || dt == regtype.Flags32
}

func decodeByteAddressed(spec *protocolspec.Spec, e *protocolspec.RegistryMapEntry, b []byte, order regtype.ByteOrder) (interface{}, error) {
	if e.RegisterByte > 0 && e.RegisterByte < len(b) {
		b = b[e.RegisterByte:]
	}
	if e.DataTypeSize > 0 && e.DataTypeSize < len(b) {
		b = b[:e.DataTypeSize]
	}

	switch e.DataType {
	case regtype.Byte:
		if len(b) < 1 {
			return nil, fmt.Errorf("registers: short buffer for BYTE")
		}
		return int64(b[0]), nil
	case regtype.UShort:
		return decodeFixedUnsigned(b, order, 2)
	case regtype.UInt:
		return decodeFixedUnsigned(b, order, 4)
	case regtype.Short:
		return decodeFixedSigned(b, order, 2)
	case regtype.Int:
		return decodeFixedSigned(b, order, 4)
	case regtype.Flags8, regtype.Flags16, regtype.Flags32:
		word, err := bytesToWord(b, order)
		if err != nil {
			return nil, err
		}
		return decodeFlags(spec, e, word), nil
	case regtype.Bits:
		word, err := bytesToWord(b, order)
		if err != nil {
			return nil, err
		}
		return int64(regtype.DecodeBits(word, uint(e.RegisterBit), uint(e.DataTypeSize))), nil
	case regtype.SBits:
		word, err := bytesToWord(b, order)
		if err != nil {
			return nil, err
		}
		return regtype.DecodeSBits(word, uint(e.RegisterBit), uint(e.DataTypeSize)), nil
	case regtype.SMBits:
		word, err := bytesToWord(b, order)
		if err != nil {
			return nil, err
		}
		return regtype.DecodeSMBits(word, uint(e.RegisterBit), uint(e.DataTypeSize)), nil
	case regtype.ASCII:
		s, err := regtype.DecodeASCII(b)
		if err != nil {
			return nil, err
		}
		return s, nil
	case regtype.Hex:
		return regtype.HexString(b), nil
	default:
		return decodeFixedUnsigned(b, order, 2)
	}
}

func decodeWordAddressed(spec *protocolspec.Spec, e *protocolspec.RegistryMapEntry, raw RawSource, word RawWord, order regtype.ByteOrder) (interface{}, error) {
	switch e.DataType {
	case regtype.UInt:
		hi := uint32(word)
		lo := uint32(0)
		if next, ok := raw[e.Register+1].(RawWord); ok {
			lo = uint32(next)
		}
		return int64((hi << 16) | lo), nil
	case regtype.Int:
		hi := uint32(word)
		lo := uint32(0)
		if next, ok := raw[e.Register+1].(RawWord); ok {
			lo = uint32(next)
		}
		return int64(int32((hi << 16) | lo)), nil
	case regtype.Short:
		v := int64(int16(word))
		// the reference negates SHORT after sign-extension (spec §4.C/§8-S3)
		if spec.Settings.InvertShort {
			v = -v
		}
		return v, nil
	case regtype.Byte:
		return int64(byte(word)), nil
	case regtype.Flags8, regtype.Flags16, regtype.Flags32:
		return decodeFlags(spec, e, uint32(word)), nil
	case regtype.Bits:
		return int64(regtype.DecodeBits(uint32(word), uint(e.RegisterBit), uint(e.DataTypeSize))), nil
	case regtype.SBits:
		return regtype.DecodeSBits(uint32(word), uint(e.RegisterBit), uint(e.DataTypeSize)), nil
	case regtype.SMBits:
		return regtype.DecodeSMBits(uint32(word), uint(e.RegisterBit), uint(e.DataTypeSize)), nil
	case regtype.ASCII:
		b := wordToASCIIBytes(e, word, order)
		s, err := regtype.DecodeASCII(b)
		if err != nil {
			return nil, err
		}
		return s, nil
	case regtype.Hex:
		b := regtype.WordToASCIIBytes(word, order)
		return regtype.HexString(b), nil
	default: // USHORT
		return int64(word), nil
	}
}

// wordToASCIIBytes applies the serial-number-discovery low-byte-first
// convention (spec §4.A) when the entry's variable name contains
// "serial"; other ASCII fields use the selected byte order.
func wordToASCIIBytes(e *protocolspec.RegistryMapEntry, word RawWord, order regtype.ByteOrder) []byte {
	if strings.Contains(e.VariableName, "serial") {
		return regtype.WordToASCIIBytesLowHighFirst(word)
	}
	return regtype.WordToASCIIBytes(word, order)
}

func decodeFlags(spec *protocolspec.Spec, e *protocolspec.RegistryMapEntry, word uint32) string {
	size := flagSize(e.DataType)
	bits := regtype.DecodeFlagWindow(word, uint(e.RegisterBit), size)

	ct, ok := spec.CodesFor(e.DocumentedName)
	if !ok {
		ct, ok = spec.CodesFor(e.VariableName)
	}
	if ok {
		return protocolspec.FlagLabels(ct, bits)
	}
	return regtype.FlagWindowDigitString(bits)
}

func flagSize(dt regtype.DataType) uint {
	switch dt {
	case regtype.Flags8:
		return 8
	case regtype.Flags16:
		return 16
	case regtype.Flags32:
		return 32
	default:
		return 16
	}
}

func decodeFixedUnsigned(b []byte, order regtype.ByteOrder, width int) (interface{}, error) {
	if len(b) < width {
		return nil, fmt.Errorf("registers: short buffer, need %d got %d", width, len(b))
	}
	v, err := regtype.DecodeUnsigned(b[:width], order)
	if err != nil {
		return nil, err
	}
	return int64(v), nil
}

func decodeFixedSigned(b []byte, order regtype.ByteOrder, width int) (interface{}, error) {
	if len(b) < width {
		return nil, fmt.Errorf("registers: short buffer, need %d got %d", width, len(b))
	}
	v, err := regtype.DecodeSigned(b[:width], order)
	if err != nil {
		return nil, err
	}
	return v, nil
}

func bytesToWord(b []byte, order regtype.ByteOrder) (uint32, error) {
	switch len(b) {
	case 0:
		return 0, fmt.Errorf("registers: empty buffer")
	case 1:
		return uint32(b[0]), nil
	case 2:
		v, err := regtype.DecodeUnsigned(b, order)
		return uint32(v), err
	default:
		v, err := regtype.DecodeUnsigned(b[:4], order)
		return uint32(v), err
	}
}

func applyUnitMod(v interface{}, mod float64) interface{} {
	if mod == 1 || mod == 0 {
		return v
	}
	switch n := v.(type) {
	case int64:
		return float64(n) * mod
	case float64:
		return n * mod
	default:
		return v
	}
}

func applyCodeTable(spec *protocolspec.Spec, e *protocolspec.RegistryMapEntry, v interface{}) interface{} {
	ct, ok := spec.CodesFor(e.DocumentedName)
	if !ok {
		ct, ok = spec.CodesFor(e.VariableName)
	}
	if !ok {
		return v
	}
	var intVal int64
	switch n := v.(type) {
	case int64:
		intVal = n
	case float64:
		intVal = int64(n)
	default:
		return v
	}
	if label, found := protocolspec.ResolveCodeLabel(ct, intVal); found {
		return label
	}
	return v
}

func allPiecesReady(regs []int, pieces map[int]interface{}) bool {
	for _, r := range regs {
		if _, ok := pieces[r]; !ok {
			return false
		}
	}
	return true
}

func joinPieces(e *protocolspec.RegistryMapEntry, pieces map[int]interface{}) interface{} {
	if e.DataType == regtype.ASCII || e.DataType == regtype.Hex {
		var sb strings.Builder
		for _, r := range e.ConcatenateRegisters {
			s, _ := pieces[r].(string)
			sb.WriteString(s)
		}
		joined := sb.String()
		joined = strings.ReplaceAll(joined, "\x00", " ")
		return strings.TrimSpace(joined)
	}
	// numeric concatenation: join as comma list by default
	var parts []string
	for _, r := range e.ConcatenateRegisters {
		parts = append(parts, fmt.Sprintf("%v", pieces[r]))
	}
	return strings.Join(parts, ",")
}
