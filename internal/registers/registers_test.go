package registers

import (
	"testing"

	"github.com/jpl-devices/fieldgw/internal/protocolspec"
	"github.com/jpl-devices/fieldgw/internal/regtype"
)

func baseSpec() *protocolspec.Spec {
	return &protocolspec.Spec{
		Settings: protocolspec.DefaultSettings(),
		Codes:    map[string]protocolspec.CodeTable{},
	}
}

// S6: register 40 = 0x00F0, BITS(4) at bit 4. Decoding should yield 15;
// writing 3 should produce 0x0030 with the untouched bits preserved, and
// reading it back should again yield 3.
func TestBitsReadModifyWriteRoundTrip(t *testing.T) {
	spec := baseSpec()
	e := &protocolspec.RegistryMapEntry{
		Register:     40,
		RegisterBit:  4,
		DataType:     regtype.Bits,
		DataTypeSize: 4,
		VariableName: "flag_nibble",
		WriteMode:    protocolspec.Write,
	}

	raw := RawSource{40: RawWord(0x00F0)}
	decoded := Decode(spec, []*protocolspec.RegistryMapEntry{e}, raw)
	if decoded["flag_nibble"] != int64(15) {
		t.Fatalf("expected decode 15, got %v", decoded["flag_nibble"])
	}

	current := RawWord(0x00F0)
	read := func(register int) (RawWord, error) { return current, nil }

	words, err := Encode(spec, e, int64(3), false, read)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if len(words) != 1 || words[0] != 0x0030 {
		t.Fatalf("expected wire write 0x0030, got %#v", words)
	}

	current = words[0]
	raw2 := RawSource{40: current}
	decoded2 := Decode(spec, []*protocolspec.RegistryMapEntry{e}, raw2)
	if decoded2["flag_nibble"] != int64(3) {
		t.Fatalf("read-back mismatch: got %v", decoded2["flag_nibble"])
	}
}

func TestEncodeRejectsOutOfRange(t *testing.T) {
	spec := baseSpec()
	e := &protocolspec.RegistryMapEntry{
		Register:     10,
		DataType:     regtype.UShort,
		VariableName: "setpoint",
		WriteMode:    protocolspec.Write,
		UnitMod:      1,
		Values:       protocolspec.Values{HasRange: true, Min: 0, Max: 100},
	}
	if _, err := Encode(spec, e, int64(500), false, nil); err == nil {
		t.Fatal("expected validation rejection for out-of-range write")
	}
	words, err := Encode(spec, e, int64(50), false, nil)
	if err != nil || words[0] != 50 {
		t.Fatalf("expected accepted in-range write, got %#v, %v", words, err)
	}
}

func TestEncodeUnsafeBypassesValidation(t *testing.T) {
	spec := baseSpec()
	e := &protocolspec.RegistryMapEntry{
		Register:     10,
		DataType:     regtype.UShort,
		VariableName: "setpoint",
		WriteMode:    protocolspec.Write,
		UnitMod:      1,
		Values:       protocolspec.Values{HasRange: true, Min: 0, Max: 100},
	}
	words, err := Encode(spec, e, int64(500), true, nil)
	if err != nil || words[0] != 500 {
		t.Fatalf("unsafe write should bypass validation, got %#v, %v", words, err)
	}
}

func TestEncodeCodeTableLabel(t *testing.T) {
	spec := baseSpec()
	spec.Codes["mode_codes"] = protocolspec.CodeTable{"0": "off", "1": "on"}
	e := &protocolspec.RegistryMapEntry{
		Register:       20,
		DataType:       regtype.UShort,
		VariableName:   "mode",
		DocumentedName: "mode",
		WriteMode:      protocolspec.Write,
		UnitMod:        1,
	}
	words, err := Encode(spec, e, "on", false, nil)
	if err != nil || words[0] != 1 {
		t.Fatalf("expected label 'on' to resolve to 1, got %#v, %v", words, err)
	}
	if _, err := Encode(spec, e, "bogus", false, nil); err == nil {
		t.Fatal("expected rejection of unknown label")
	}
}

func TestEncodeUnitModInverse(t *testing.T) {
	spec := baseSpec()
	e := &protocolspec.RegistryMapEntry{
		Register:     30,
		DataType:     regtype.UShort,
		VariableName: "voltage",
		WriteMode:    protocolspec.Write,
		UnitMod:      0.1,
	}
	words, err := Encode(spec, e, float64(23.0), false, nil)
	if err != nil || words[0] != 230 {
		t.Fatalf("expected raw 230 for 23.0 at unit_mod 0.1, got %#v, %v", words, err)
	}
}

func TestEncodeRejectsNonWritable(t *testing.T) {
	spec := baseSpec()
	e := &protocolspec.RegistryMapEntry{
		Register:     1,
		DataType:     regtype.UShort,
		VariableName: "readonly_val",
		WriteMode:    protocolspec.Read,
	}
	if _, err := Encode(spec, e, int64(1), false, nil); err == nil {
		t.Fatal("expected rejection of write to a non-writable entry")
	}
}

func TestDecodeFlagsWithCodeTable(t *testing.T) {
	spec := baseSpec()
	spec.Codes["alarms_codes"] = protocolspec.CodeTable{"b0": "overtemp", "b1": "undervolt"}
	e := &protocolspec.RegistryMapEntry{
		Register:       5,
		DataType:       regtype.Flags16,
		VariableName:   "alarms",
		DocumentedName: "alarms",
	}
	raw := RawSource{5: RawWord(0x0003)}
	decoded := Decode(spec, []*protocolspec.RegistryMapEntry{e}, raw)
	s, ok := decoded["alarms"].(string)
	if !ok {
		t.Fatalf("expected string flags decode, got %v", decoded["alarms"])
	}
	if s != "overtemp,undervolt" {
		t.Fatalf("expected both labels set, got %q", s)
	}
}

func TestDecodeUIntAcrossWords(t *testing.T) {
	spec := baseSpec()
	e := &protocolspec.RegistryMapEntry{
		Register:     100,
		DataType:     regtype.UInt,
		VariableName: "total_energy",
	}
	raw := RawSource{100: RawWord(0x0001), 101: RawWord(0x0000)}
	decoded := Decode(spec, []*protocolspec.RegistryMapEntry{e}, raw)
	if decoded["total_energy"] != int64(0x00010000) {
		t.Fatalf("expected combined 32-bit value, got %v", decoded["total_energy"])
	}
}

func TestDecodeShortInversion(t *testing.T) {
	spec := baseSpec()
	e := &protocolspec.RegistryMapEntry{
		Register:     7,
		DataType:     regtype.Short,
		VariableName: "current",
	}
	raw := RawSource{7: RawWord(0xFFF6)} // -10 as int16
	decoded := Decode(spec, []*protocolspec.RegistryMapEntry{e}, raw)
	if decoded["current"] != int64(10) {
		t.Fatalf("expected inverted SHORT to yield 10, got %v", decoded["current"])
	}
}

func TestValidateEntryASCIIConcatenatedScore(t *testing.T) {
	spec := baseSpec()
	e := &protocolspec.RegistryMapEntry{
		DataType:             regtype.ASCII,
		VariableName:         "serial_number",
		ConcatenateRegisters: []int{1, 2, 3},
	}
	score := ValidateEntry(spec, e, "ABC123")
	if score != 3 {
		t.Fatalf("expected score 3 for 3 participating registers, got %d", score)
	}
	if ValidateEntry(spec, e, "") != 0 {
		t.Fatal("empty ASCII value should score 0")
	}
}
