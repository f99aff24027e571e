package protocolspec

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/jpl-devices/fieldgw/internal/regtype"
)

// sniffDelimiter picks ';' unless commas strictly outnumber semicolons in
// the header line, per spec §4.B.
func sniffDelimiter(headerLine string) rune {
	commas := strings.Count(headerLine, ",")
	semis := strings.Count(headerLine, ";")
	if commas > semis {
		return ','
	}
	return ';'
}

// normalizeHeader lowercases and strips a column header, collapsing
// underscores to spaces so "read_interval" and "read interval" match.
func normalizeHeader(h string) string {
	h = strings.ToLower(strings.TrimSpace(h))
	h = strings.ReplaceAll(h, "_", " ")
	return strings.Join(strings.Fields(h), " ")
}

// normalizeName lowercases a documented/variable name and converts
// whitespace/dashes to underscores, producing a snake_case candidate
// that is then validated against the variable-name pattern.
func normalizeName(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		case r == '_':
			return r
		case r == ' ', r == '-', r == '.', r == '/':
			return '_'
		default:
			return -1
		}
	}, s)
	for strings.Contains(s, "__") {
		s = strings.ReplaceAll(s, "__", "_")
	}
	return strings.Trim(s, "_")
}

var unitNumRe = regexp.MustCompile(`^-?\d+(\.\d+)?`)

// parseUnit implements the §4.B unit-cell grammar: if the cell contains
// "or" or ":" it is treated as a literal unit symbol with mod=1;
// otherwise the leading numeric substring is the multiplier and the
// alphanumeric remainder is the unit symbol. unit_mod==0 normalizes to 1.
func parseUnit(cell string) (unit string, mod float64) {
	cell = strings.TrimSpace(cell)
	if cell == "" {
		return "", 1
	}
	if strings.Contains(cell, "or") || strings.Contains(cell, ":") {
		return cell, 1
	}
	m := unitNumRe.FindString(cell)
	if m == "" {
		return cell, 1
	}
	mod, err := strconv.ParseFloat(m, 64)
	if err != nil || mod == 0 {
		mod = 1
	}
	unit = strings.TrimSpace(cell[len(m):])
	return unit, mod
}

// parseDataTypeColumn parses the "<TYPE>[.<len>][_LE|_BE]" data-type
// column per §4.B, returning the type, optional length, and byte order
// override (hasOrder=false means "use protocol default").
func parseDataTypeColumn(cell string) (dt regtype.DataType, length int, order regtype.ByteOrder, hasOrder bool, err error) {
	cell = strings.TrimSpace(cell)
	if cell == "" {
		return regtype.UShort, 0, regtype.BigEndian, false, nil
	}
	upper := strings.ToUpper(cell)
	switch {
	case strings.HasSuffix(upper, "_LE"):
		order, hasOrder = regtype.LittleEndian, true
		cell = cell[:len(cell)-3]
	case strings.HasSuffix(upper, "_BE"):
		order, hasOrder = regtype.BigEndian, true
		cell = cell[:len(cell)-3]
	}
	dt, length, err = regtype.ParseDataType(cell)
	return dt, length, order, hasOrder, err
}

// parseRegister implements the §4.B register-address grammar: decimal or
// hex ("x..."/"0x..."), "N.bM" (bit), "N.M" (byte), or "[r]A[-~]B" (an
// inclusive, optionally-reversed range implying concatenation).
type parsedRegister struct {
	Register    int
	Bit         int
	Byte        int
	IsRange     bool
	RangeRegs   []int // materialization order, reversed if "r" prefix given
}

func parseRegister(cell string) (parsedRegister, error) {
	cell = strings.TrimSpace(cell)
	reversed := false
	if strings.HasPrefix(cell, "r") {
		reversed = true
		cell = cell[1:]
	}

	if idx := strings.IndexAny(cell, "-~"); idx > 0 && !strings.Contains(cell[:idx], ".") {
		startStr, endStr := cell[:idx], cell[idx+1:]
		start, err := parseRegAddr(startStr)
		if err != nil {
			return parsedRegister{}, err
		}
		end, err := parseRegAddr(endStr)
		if err != nil {
			return parsedRegister{}, err
		}
		if end < start {
			start, end = end, start
		}
		var regs []int
		for r := start; r <= end; r++ {
			regs = append(regs, r)
		}
		if reversed {
			for i, j := 0, len(regs)-1; i < j; i, j = i+1, j-1 {
				regs[i], regs[j] = regs[j], regs[i]
			}
		}
		return parsedRegister{Register: regs[0], IsRange: true, RangeRegs: regs}, nil
	}

	if idx := strings.Index(cell, ".b"); idx >= 0 {
		reg, err := parseRegAddr(cell[:idx])
		if err != nil {
			return parsedRegister{}, err
		}
		bit, err := strconv.Atoi(cell[idx+2:])
		if err != nil {
			return parsedRegister{}, fmt.Errorf("protocolspec: bad bit offset in %q: %w", cell, err)
		}
		return parsedRegister{Register: reg, Bit: bit}, nil
	}

	if idx := strings.IndexByte(cell, '.'); idx >= 0 {
		reg, err := parseRegAddr(cell[:idx])
		if err != nil {
			return parsedRegister{}, err
		}
		byteOff, err := strconv.Atoi(cell[idx+1:])
		if err != nil {
			return parsedRegister{}, fmt.Errorf("protocolspec: bad byte offset in %q: %w", cell, err)
		}
		return parsedRegister{Register: reg, Byte: byteOff}, nil
	}

	reg, err := parseRegAddr(cell)
	if err != nil {
		return parsedRegister{}, err
	}
	return parsedRegister{Register: reg}, nil
}

// parseRegAddr parses a decimal or hex ("x.."/"0x..") register address,
// zero-padding odd-length hex strings on the left, per §4.B / the
// reference's strtoint convention.
func parseRegAddr(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	hexPart := ""
	switch {
	case strings.HasPrefix(s, "0x"):
		hexPart = s[2:]
	case strings.HasPrefix(s, "x"):
		hexPart = s[1:]
	}
	if hexPart != "" {
		if len(hexPart)%2 != 0 {
			hexPart = "0" + hexPart
		}
		v, err := strconv.ParseInt(hexPart, 16, 64)
		if err != nil {
			return 0, fmt.Errorf("protocolspec: bad hex register %q: %w", s, err)
		}
		return int(v), nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("protocolspec: bad register %q: %w", s, err)
	}
	return v, nil
}

// parseValues implements the §4.B "values" cell grammar. inlineCodes
// receives any JSON object embedded in the cell, to be installed by the
// caller under first-writer-wins precedence (spec §9).
func parseValues(cell string) (v Values, inlineCodes CodeTable, err error) {
	cell = strings.TrimSpace(cell)
	if cell == "" {
		return Values{}, nil, nil
	}

	if strings.Contains(cell, "{") {
		var ct CodeTable
		if jerr := json.Unmarshal([]byte(cell), &ct); jerr == nil {
			return Values{}, ct, nil
		}
		// fall through to other grammars if JSON parse failed
	}

	if strings.Contains(cell, ",") {
		var enumerated []int
		for _, tok := range strings.Split(cell, ",") {
			tok = strings.TrimSpace(tok)
			if tok == "" {
				continue
			}
			if idx := strings.IndexByte(tok, '-'); idx > 0 {
				a, aerr := strconv.Atoi(strings.TrimSpace(tok[:idx]))
				b, berr := strconv.Atoi(strings.TrimSpace(tok[idx+1:]))
				if aerr == nil && berr == nil {
					if b < a {
						a, b = b, a
					}
					for i := a; i <= b; i++ {
						enumerated = append(enumerated, i)
					}
					continue
				}
			}
			if n, nerr := strconv.Atoi(tok); nerr == nil {
				enumerated = append(enumerated, n)
			}
		}
		return Values{Enumerated: enumerated}, nil, nil
	}

	if strings.HasPrefix(cell, "^") && strings.HasSuffix(cell, "$") {
		re, rerr := regexp.Compile(cell)
		if rerr != nil {
			return Values{}, nil, fmt.Errorf("protocolspec: bad value regex %q: %w", cell, rerr)
		}
		return Values{Regex: re}, nil, nil
	}

	rangeCell := strings.TrimPrefix(cell, "r")
	if idx := strings.IndexAny(rangeCell, "-~"); idx > 0 {
		minStr, maxStr := rangeCell[:idx], rangeCell[idx+1:]
		min, minErr := strconv.ParseFloat(strings.TrimSpace(minStr), 64)
		max, maxErr := strconv.ParseFloat(strings.TrimSpace(maxStr), 64)
		if minErr == nil && maxErr == nil {
			if max < min {
				min, max = max, min
			}
			return Values{HasRange: true, Min: min, Max: max}, nil, nil
		}
	}

	if n, nerr := strconv.ParseFloat(cell, 64); nerr == nil {
		return Values{Enumerated: []int{int(n)}}, nil, nil
	}
	return Values{Regex: regexp.MustCompile("^" + regexp.QuoteMeta(cell) + "$")}, nil, nil
}

// parseReadCommand implements the §4.B "read command" grammar: a
// leading "x" means hex-decode the remainder, otherwise UTF-8 encode
// the literal cell value.
func parseReadCommand(cell string) ([]byte, error) {
	cell = strings.TrimSpace(cell)
	if cell == "" {
		return nil, nil
	}
	if strings.HasPrefix(cell, "x") {
		b, err := hexDecodeOdd(cell[1:])
		if err != nil {
			return nil, fmt.Errorf("protocolspec: bad read command %q: %w", cell, err)
		}
		return b, nil
	}
	return []byte(cell), nil
}

func hexDecodeOdd(s string) ([]byte, error) {
	if len(s)%2 != 0 {
		s = "0" + s
	}
	out := make([]byte, len(s)/2)
	for i := 0; i < len(out); i++ {
		v, err := strconv.ParseUint(s[i*2:i*2+2], 16, 8)
		if err != nil {
			return nil, err
		}
		out[i] = byte(v)
	}
	return out, nil
}

var readIntervalRe = regexp.MustCompile(`^([0-9.]+)\s*(x|ms|s)?$`)

// parseReadInterval implements the §4.B read-interval grammar, returning
// milliseconds. transportDefaultSeconds is the owning transport's
// default read interval; "x" multiplies it. When the cell is
// missing/zero, the result is protocolDefaultMs if the protocol's JSON
// settings provide one (>0), else transportDefaultSeconds*1000.
func parseReadInterval(cell string, transportDefaultSeconds float64, protocolDefaultMs int64) int64 {
	fallback := func() int64 {
		if protocolDefaultMs > 0 {
			return protocolDefaultMs
		}
		return int64(transportDefaultSeconds * 1000)
	}

	cell = strings.TrimSpace(cell)
	if cell == "" {
		return fallback()
	}
	m := readIntervalRe.FindStringSubmatch(cell)
	if m == nil {
		return fallback()
	}
	val, err := strconv.ParseFloat(m[1], 64)
	if err != nil || val == 0 {
		return fallback()
	}
	switch m[2] {
	case "x", "":
		return int64(val * transportDefaultSeconds * 1000)
	case "s":
		return int64(val * 1000)
	case "ms":
		return int64(val)
	default:
		return fallback()
	}
}
