package protocolspec

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/jpl-devices/fieldgw/internal/regtype"
)

// loadJSONFile splits a protocol's JSON file into settings (keys not
// ending "_codes") and code tables (everything else), per spec §3/§4.B.
func loadJSONFile(raw []byte) (Settings, map[string]CodeTable, error) {
	settings := DefaultSettings()
	codes := map[string]CodeTable{}
	if len(raw) == 0 {
		return settings, codes, nil
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		return settings, codes, fmt.Errorf("protocolspec: parsing json: %w", err)
	}

	for key, val := range doc {
		if strings.HasSuffix(key, "_codes") {
			var ct CodeTable
			if err := json.Unmarshal(val, &ct); err != nil {
				continue // malformed code table: skip, keep loading
			}
			codes[key] = ct
			continue
		}
		applySetting(&settings, key, val)
	}
	return settings, codes, nil
}

func applySetting(s *Settings, key string, val json.RawMessage) {
	var str string
	var num float64
	var b bool

	switch strings.ToLower(key) {
	case "transport", "reader":
		if json.Unmarshal(val, &str) == nil {
			s.Transport = str
		}
	case "byteorder":
		if json.Unmarshal(val, &str) == nil {
			s.ByteOrder = regtype.ParseByteOrder(str)
		}
	case "batch_size":
		if json.Unmarshal(val, &num) == nil {
			s.BatchSize = int(num)
		}
	case "baud":
		if json.Unmarshal(val, &num) == nil {
			s.Baud = int(num)
		}
	case "send_input_register":
		if json.Unmarshal(val, &b) == nil {
			s.SendInputRegister = b
		}
	case "send_holding_register":
		if json.Unmarshal(val, &b) == nil {
			s.SendHoldingRegister = b
		}
	case "batch_delay":
		if json.Unmarshal(val, &num) == nil {
			s.BatchDelaySeconds = num
		}
	case "read_interval":
		if json.Unmarshal(val, &num) == nil {
			s.ReadIntervalMs = int64(num)
		}
	case "invert_short":
		if json.Unmarshal(val, &b) == nil {
			s.InvertShort = b
		}
	}
}

// ResolveCodeLabel looks up an integer value's label in a code table,
// returning (label, true) if present.
func ResolveCodeLabel(ct CodeTable, value int64) (string, bool) {
	label, ok := ct[strconv.FormatInt(value, 10)]
	return label, ok
}

// ReverseCodeLookup maps a human label back to its integer key, used by
// the write-encode path when the caller supplies a label instead of a
// raw integer.
func ReverseCodeLookup(ct CodeTable, label string) (int64, bool) {
	for k, v := range ct {
		if v == label {
			if n, err := strconv.ParseInt(k, 10, 64); err == nil {
				return n, true
			}
		}
	}
	return 0, false
}

// flagLabels resolves the comma-joined label list for a FLAGS* value
// per spec §4.A/§4.C/§8-S4/S5: one label per set single-bit token "bN",
// plus one label per composite token "bI&bJ&..." whose bits are ALL set.
// Output order is deterministic (single-bit tokens first in bit order,
// then composite tokens in the order their keys sort), matching the
// "comma-joined list" requirement without over-specifying reference
// iteration order.
// FlagLabels is the exported entry point used by the register processor.
func FlagLabels(ct CodeTable, bits []bool) string {
	return flagLabels(ct, bits)
}

func flagLabels(ct CodeTable, bits []bool) string {
	isSet := func(n int) bool {
		return n >= 0 && n < len(bits) && bits[n]
	}

	var singleLabels []struct {
		bit   int
		label string
	}
	var compositeKeys []string

	for key := range ct {
		if !strings.HasPrefix(key, "b") {
			continue
		}
		if strings.Contains(key, "&") {
			compositeKeys = append(compositeKeys, key)
			continue
		}
		n, err := strconv.Atoi(key[1:])
		if err != nil {
			continue
		}
		if isSet(n) {
			singleLabels = append(singleLabels, struct {
				bit   int
				label string
			}{n, ct[key]})
		}
	}
	sort.Slice(singleLabels, func(i, j int) bool { return singleLabels[i].bit < singleLabels[j].bit })
	sort.Strings(compositeKeys)

	var out []string
	for _, sl := range singleLabels {
		out = append(out, sl.label)
	}
	for _, key := range compositeKeys {
		parts := strings.Split(key, "&")
		allSet := true
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if !strings.HasPrefix(p, "b") {
				allSet = false
				break
			}
			n, err := strconv.Atoi(p[1:])
			if err != nil || !isSet(n) {
				allSet = false
				break
			}
		}
		if allSet {
			out = append(out, ct[key])
		}
	}
	return strings.Join(out, ",")
}
