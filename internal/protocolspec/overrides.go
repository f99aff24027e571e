package protocolspec

// applyOverrides implements the §4.B override-file semantics: a sibling
// <map>.override.csv indexed by both "documented name" and "register".
// For each base row, a matching override row's non-empty fields replace
// the base fields. Override rows that are not consumed by any base row,
// and whose own keys are unique within the override file, are emitted as
// new entries appended at the end.
func applyOverrides(base []*RegistryMapEntry, overridePath string, rt RegistryType, spec *Spec, transportDefaultSeconds float64) ([]*RegistryMapEntry, error) {
	rows, err := readCSVRows(overridePath)
	if err != nil {
		return base, err
	}

	type overrideRow struct {
		row     rawRow
		consumed bool
	}
	var overrides []*overrideRow
	byDocName := map[string][]*overrideRow{}
	byRegister := map[string][]*overrideRow{}

	for _, r := range rows {
		or := &overrideRow{row: r}
		overrides = append(overrides, or)
		if dn, ok := r.get("documented name"); ok && dn != "" {
			byDocName[normalizeName(dn)] = append(byDocName[normalizeName(dn)], or)
		}
		if reg, ok := r.get("register"); ok && reg != "" {
			byRegister[reg] = append(byRegister[reg], or)
		}
	}

	findMatch := func(e *RegistryMapEntry) *overrideRow {
		if candidates, ok := byDocName[e.DocumentedName]; ok && len(candidates) == 1 {
			return candidates[0]
		}
		for cell, candidates := range byRegister {
			if len(candidates) != 1 {
				continue
			}
			p, err := parseRegister(cell)
			if err == nil && !p.IsRange && p.Register == e.Register && p.Bit == e.RegisterBit && p.Byte == e.RegisterByte {
				return candidates[0]
			}
		}
		return nil
	}

	for _, e := range base {
		match := findMatch(e)
		if match == nil {
			continue
		}
		mergeOverrideRow(e, match.row)
		match.consumed = true
	}

	for _, or := range overrides {
		if or.consumed {
			continue
		}
		dn, _ := or.row.get("documented name")
		reg, _ := or.row.get("register")
		uniqueDoc := dn != "" && len(byDocName[normalizeName(dn)]) == 1
		uniqueReg := reg != "" && len(byRegister[reg]) == 1
		if !uniqueDoc || !uniqueReg {
			continue
		}
		built, err := buildEntries(or.row, rt, spec, transportDefaultSeconds)
		if err != nil {
			continue
		}
		base = append(base, built...)
	}

	return base, nil
}

// mergeOverrideRow replaces base's fields with any non-empty columns
// present in the override row. Only the columns the override grammar
// recognizes are considered (spec §4.B).
func mergeOverrideRow(base *RegistryMapEntry, row rawRow) {
	if v, ok := row.get("unit"); ok && v != "" {
		unit, mod := parseUnit(v)
		base.Unit, base.UnitMod = unit, mod
	}
	if v, ok := row.get("data type"); ok && v != "" {
		dt, length, order, hasOrder, err := parseDataTypeColumn(v)
		if err == nil {
			base.DataType, base.DataTypeSize = dt, length
			if hasOrder {
				base.DataByteOrder, base.HasByteOrder = order, true
			}
		}
	}
	if v, ok := row.get("values"); ok && v != "" {
		values, _, err := parseValues(v)
		if err == nil {
			base.Values = values
		}
	}
	if v, ok := row.get("read command"); ok && v != "" {
		if cmd, err := parseReadCommand(v); err == nil {
			base.ReadCommand = cmd
		}
	}
	if v, ok := row.get("read interval"); ok && v != "" {
		base.ReadInterval = parseReadInterval(v, TransportDefaultSeconds, 0)
	}
	if v, ok := row.get("write"); ok && v != "" {
		base.WriteMode = ParseWriteMode(v)
	} else if v, ok := row.get("writable"); ok && v != "" {
		base.WriteMode = ParseWriteMode(v)
	}
}
