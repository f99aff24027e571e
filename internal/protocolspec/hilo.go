package protocolspec

import (
	"strings"

	"github.com/jpl-devices/fieldgw/internal/regtype"
)

// coalesceHiLo implements the §4.B high/low pair coalescing pass:
// traversing in reverse, a "<name>_l" entry immediately following a
// "<name>_h" entry is merged into it, widening USHORT->UINT and
// stripping the "_h"/"_l" suffixes, yielding a single 32-bit composite.
func coalesceHiLo(entries []*RegistryMapEntry) []*RegistryMapEntry {
	if len(entries) < 2 {
		return entries
	}
	out := make([]*RegistryMapEntry, len(entries))
	copy(out, entries)

	for i := len(out) - 1; i >= 1; i-- {
		lo := out[i]
		hi := out[i-1]
		if lo == nil || hi == nil {
			continue
		}
		if !strings.HasSuffix(lo.DocumentedName, "_l") {
			continue
		}
		expectedHiName := strings.TrimSuffix(lo.DocumentedName, "_l") + "_h"
		if hi.DocumentedName != expectedHiName {
			continue
		}

		if hi.DataType == regtype.UShort && lo.DataType == regtype.UShort {
			hi.DataType = regtype.UInt
		} else if hi.DataType == regtype.UShort {
			hi.DataType = lo.DataType
		}
		hi.DocumentedName = strings.TrimSuffix(hi.DocumentedName, "_h")
		hi.VariableName = strings.TrimSuffix(hi.VariableName, "_h")

		out = append(out[:i], out[i+1:]...)
	}
	return out
}
