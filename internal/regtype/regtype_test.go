package regtype

import "testing"

func TestParseDataTypeAliases(t *testing.T) {
	cases := map[string]DataType{
		"UINT8":  Byte,
		"UINT16": UShort,
		"INT16":  Short,
		"UINT32": UInt,
		"INT32":  Int,
		"":       UShort,
	}
	for in, want := range cases {
		got, _, err := ParseDataType(in)
		if err != nil {
			t.Fatalf("ParseDataType(%q) error: %v", in, err)
		}
		if got != want {
			t.Errorf("ParseDataType(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestParseDataTypeLength(t *testing.T) {
	dt, length, err := ParseDataType("BITS.4")
	if err != nil {
		t.Fatal(err)
	}
	if dt != Bits || length != 4 {
		t.Fatalf("got %v/%d, want BITS/4", dt, length)
	}
}

func TestDecodeUnsignedSigned(t *testing.T) {
	u, err := DecodeUnsigned([]byte{0xFF, 0xFE}, BigEndian)
	if err != nil || u != 0xFFFE {
		t.Fatalf("DecodeUnsigned = %d, %v", u, err)
	}
	s, err := DecodeSigned([]byte{0xFF, 0xFE}, BigEndian)
	if err != nil || s != -2 {
		t.Fatalf("DecodeSigned = %d, %v, want -2", s, err)
	}
}

// S6: BITS(4) read-modify-write round trip.
func TestBitsReadModifyWrite(t *testing.T) {
	word := uint32(0x00F0)
	current := DecodeBits(word, 4, 4)
	if current != 0xF {
		t.Fatalf("current = %x, want 0xF", current)
	}
	newWord := EncodeBits(word, 4, 4, 3)
	if newWord != 0x0030 {
		t.Fatalf("newWord = %x, want 0x30", newWord)
	}
	roundTrip := DecodeBits(newWord, 4, 4)
	if roundTrip != 3 {
		t.Fatalf("round trip = %d, want 3", roundTrip)
	}
}

func TestSBitsSignExtend(t *testing.T) {
	// 4-bit field 0b1110 (=14 unsigned) at bit 0 -> -2 signed
	word := uint32(0x000E)
	got := DecodeSBits(word, 0, 4)
	if got != -2 {
		t.Fatalf("DecodeSBits = %d, want -2", got)
	}
}

func TestSMBits(t *testing.T) {
	// sign bit at position 0, magnitude (3 bits) at position 1: value = -5
	// magnitude bits 101 = 5, sign bit = 1
	word := uint32(0)
	word |= 1 << 0  // sign
	word |= 5 << 1  // magnitude
	got := DecodeSMBits(word, 0, 4)
	if got != -5 {
		t.Fatalf("DecodeSMBits = %d, want -5", got)
	}
}

func TestFlagWindowDigitString(t *testing.T) {
	// S4: register 0x0005 = 0b101, bits 0 and 2 set
	bits := DecodeFlagWindow(0x0005, 0, 16)
	s := FlagWindowDigitString(bits[:4])
	if s != "1010" {
		t.Fatalf("flag digit string = %q, want 1010", s)
	}
}

func TestEncodeFlagWindowRoundTrip(t *testing.T) {
	v, err := EncodeFlagWindow("1010")
	if err != nil {
		t.Fatal(err)
	}
	// left-most char is the highest displayed bit (size-1); "1010" size=4
	// -> bit3=1,bit2=0,bit1=1,bit0=0 => 0b1010 = 10
	if v != 0b1010 {
		t.Fatalf("EncodeFlagWindow = %b, want 1010", v)
	}
}

func TestASCIIRoundTrip(t *testing.T) {
	b := []byte("hello")
	s, err := DecodeASCII(b)
	if err != nil || s != "hello" {
		t.Fatalf("DecodeASCII = %q, %v", s, err)
	}
}

func TestHexString(t *testing.T) {
	if HexString([]byte{0xDE, 0xAD}) != "dead" {
		t.Fatalf("HexString mismatch")
	}
}

func TestWordToASCIIBytesLowHighFirst(t *testing.T) {
	// S5: byte layout spells 'H','N' from a single word, low byte first
	word := uint16('H') | uint16('N')<<8
	b := WordToASCIIBytesLowHighFirst(word)
	if string(b) != "HN" {
		t.Fatalf("got %q, want HN", b)
	}
}
