package registers

import (
	"regexp"
	"strconv"

	"github.com/jpl-devices/fieldgw/internal/protocolspec"
	"github.com/jpl-devices/fieldgw/internal/regtype"
)

var asciiSanityRe = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ValidateEntry implements validate_registry_entry (spec §4.C): it
// returns a score used both by write-safety gating and protocol-scoring
// diagnostics.
//
//   - a code-table entry scores 1 if v resolves to a valid label, else 0.
//   - ASCII scores the number of participating registers (or 1) if v is
//     non-empty, passes the sanity filter, and (if set) matches the
//     value regex; else 0.
//   - everything else scores 1 if value_min <= v <= value_max.
func ValidateEntry(spec *protocolspec.Spec, e *protocolspec.RegistryMapEntry, v interface{}) int {
	if ct, ok := spec.CodesFor(e.DocumentedName); ok {
		if validLabel(ct, v) {
			return 1
		}
		return 0
	}
	if ct, ok := spec.CodesFor(e.VariableName); ok {
		if validLabel(ct, v) {
			return 1
		}
		return 0
	}

	if e.DataType == regtype.ASCII {
		return validateASCII(e, v)
	}

	n, ok := toFloat(v)
	if !ok {
		return 0
	}
	if e.Values.HasRange {
		if n >= e.Values.Min && n <= e.Values.Max {
			return 1
		}
		return 0
	}
	if len(e.Values.Enumerated) > 0 {
		for _, allowed := range e.Values.Enumerated {
			if int(n) == allowed {
				return 1
			}
		}
		return 0
	}
	// no explicit domain: anything decodable is accepted
	return 1
}

func validLabel(ct protocolspec.CodeTable, v interface{}) bool {
	s, ok := v.(string)
	if !ok {
		return false
	}
	for _, label := range ct {
		if label == s {
			return true
		}
	}
	return false
}

func validateASCII(e *protocolspec.RegistryMapEntry, v interface{}) int {
	s, ok := v.(string)
	if !ok || s == "" {
		return 0
	}
	if !asciiSanityRe.MatchString(s) {
		return 0
	}
	if e.Values.Regex != nil && !e.Values.Regex.MatchString(s) {
		return 0
	}
	n := len(e.ConcatenateRegisters)
	if n == 0 {
		n = 1
	}
	return n
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
