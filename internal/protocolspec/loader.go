package protocolspec

import (
	"encoding/csv"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/transform"
)

// TransportDefaultSeconds is the fallback transport read interval used
// when neither a CSV cell nor the protocol JSON supplies one.
const TransportDefaultSeconds = 10.0

// Load loads the protocol specification named name from directory dir,
// per spec §4.B/§6. Missing files are tolerated (SpecError semantics):
// the loader continues with empty tables/maps for whatever could not be
// found. Malformed register map rows are logged as warnings and skipped.
func Load(dir, name string, transportDefaultSeconds float64) (*Spec, error) {
	spec := &Spec{
		Name:    name,
		Codes:   map[string]CodeTable{},
		Entries: map[RegistryType][]*RegistryMapEntry{},
	}

	if raw, err := os.ReadFile(filepath.Join(dir, name+".json")); err == nil {
		settings, codes, jerr := loadJSONFile(raw)
		if jerr != nil {
			return spec, fmt.Errorf("protocolspec: %s.json: %w", name, jerr)
		}
		spec.Settings = settings
		spec.Codes = codes
	} else {
		spec.Settings = DefaultSettings()
	}

	for _, rt := range []RegistryType{Zero, Holding, Input} {
		fileName := mapFileName(name, rt)
		path := resolveMapFile(dir, name, fileName)
		if path == "" {
			continue
		}
		entries, err := loadRegisterMap(path, rt, spec, transportDefaultSeconds)
		if err != nil {
			return spec, fmt.Errorf("protocolspec: %s: %w", fileName, err)
		}

		overridePath := findOverride(path)
		if overridePath != "" {
			entries, err = applyOverrides(entries, overridePath, rt, spec, transportDefaultSeconds)
			if err != nil {
				return spec, fmt.Errorf("protocolspec: %s: %w", overridePath, err)
			}
		}

		entries = coalesceHiLo(entries)
		spec.Entries[rt] = entries
	}

	return spec, nil
}

func mapFileName(name string, rt RegistryType) string {
	switch rt {
	case Holding:
		return name + ".holding_registry_map.csv"
	case Input:
		return name + ".input_registry_map.csv"
	default:
		return name + ".registry_map.csv"
	}
}

// resolveMapFile implements the §4.B resolution order: exact path;
// D/<prefix>/<file> where prefix is the substring of name before the
// first underscore; finally a recursive glob within D.
func resolveMapFile(dir, name, fileName string) string {
	exact := filepath.Join(dir, fileName)
	if fileExists(exact) {
		return exact
	}
	prefix := name
	if idx := strings.IndexByte(name, '_'); idx >= 0 {
		prefix = name[:idx]
	}
	prefixed := filepath.Join(dir, prefix, fileName)
	if fileExists(prefixed) {
		return prefixed
	}
	var found string
	filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || found != "" || d.IsDir() {
			return nil
		}
		if filepath.Base(path) == fileName {
			found = path
		}
		return nil
	})
	return found
}

func findOverride(mapPath string) string {
	candidate := strings.TrimSuffix(mapPath, ".csv") + ".override.csv"
	if fileExists(candidate) {
		return candidate
	}
	return ""
}

func fileExists(path string) bool {
	st, err := os.Stat(path)
	return err == nil && !st.IsDir()
}

// rawRow is a case-insensitive, underscore-normalized column lookup over
// one CSV data row.
type rawRow map[string]string

func (r rawRow) get(keys ...string) (string, bool) {
	for _, k := range keys {
		if v, ok := r[k]; ok {
			return v, true
		}
	}
	return "", false
}

// readCSVRows reads a Latin-1 (per spec §6) delimited CSV file and
// returns normalized-header rows.
func readCSVRows(path string) ([]rawRow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	decoder := charmap.ISO8859_1.NewDecoder()
	tr := transform.NewReader(f, decoder)

	all, err := io.ReadAll(tr)
	if err != nil {
		return nil, err
	}
	lines := strings.SplitN(string(all), "\n", 2)
	if len(lines) == 0 {
		return nil, nil
	}
	delim := sniffDelimiter(lines[0])

	reader := csv.NewReader(strings.NewReader(string(all)))
	reader.Comma = delim
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	records, err := reader.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}

	headers := make([]string, len(records[0]))
	for i, h := range records[0] {
		headers[i] = normalizeHeader(h)
	}

	var rows []rawRow
	for _, rec := range records[1:] {
		row := rawRow{}
		for i, v := range rec {
			if i >= len(headers) {
				continue
			}
			row[headers[i]] = v
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func loadRegisterMap(path string, rt RegistryType, spec *Spec, transportDefaultSeconds float64) ([]*RegistryMapEntry, error) {
	rows, err := readCSVRows(path)
	if err != nil {
		return nil, err
	}
	var entries []*RegistryMapEntry
	for _, row := range rows {
		built, err := buildEntries(row, rt, spec, transportDefaultSeconds)
		if err != nil {
			// malformed row: warn-and-skip per §3 invariant
			logrus.WithError(err).WithField("file", path).Warn("protocolspec: skipping malformed register map row")
			continue
		}
		entries = append(entries, built...)
	}
	return entries, nil
}

// buildEntries converts one CSV row into one or more RegistryMapEntry
// values (more than one when the register column is a concatenated
// range), per spec §4.B.
func buildEntries(row rawRow, rt RegistryType, spec *Spec, transportDefaultSeconds float64) ([]*RegistryMapEntry, error) {
	documented, _ := row.get("documented name")
	varNameCol, _ := row.get("variable name")

	documentedName := normalizeName(documented)
	variableName := normalizeName(varNameCol)
	if variableName == "" {
		variableName = documentedName
	}
	if variableName == "" || !ValidVariableName(variableName) {
		return nil, errInvalidName(variableName)
	}

	registerCell, _ := row.get("register")
	parsedReg, err := parseRegister(registerCell)
	if err != nil {
		return nil, err
	}

	unitCell, _ := row.get("unit")
	unit, unitMod := parseUnit(unitCell)

	dtCell, _ := row.get("data type")
	dt, length, order, hasOrder, err := parseDataTypeColumn(dtCell)
	if err != nil {
		return nil, err
	}

	valuesCell, _ := row.get("values")
	values, inlineCodes, err := parseValues(valuesCell)
	if err != nil {
		return nil, err
	}
	if inlineCodes != nil {
		key := documentedName + "_codes"
		if _, exists := spec.Codes[key]; !exists {
			spec.Codes[key] = inlineCodes
		}
	}

	var readCmd []byte
	if rcCell, ok := row.get("read command"); ok {
		readCmd, err = parseReadCommand(rcCell)
		if err != nil {
			return nil, err
		}
	}

	riCell, _ := row.get("read interval")
	readInterval := parseReadInterval(riCell, transportDefaultSeconds, spec.Settings.ReadIntervalMs)

	writeCell, ok := row.get("write")
	if !ok {
		writeCell, _ = row.get("writable")
	}
	writeMode := ParseWriteMode(writeCell)

	base := &RegistryMapEntry{
		RegistryType:   rt,
		VariableName:   variableName,
		DocumentedName: documentedName,
		Unit:           unit,
		UnitMod:        unitMod,
		DataType:       dt,
		DataTypeSize:   length,
		DataByteOrder:  order,
		HasByteOrder:   hasOrder,
		Values:         values,
		ReadCommand:    readCmd,
		ReadInterval:   readInterval,
		WriteMode:      writeMode,
	}

	if !parsedReg.IsRange {
		base.Register = parsedReg.Register
		base.RegisterBit = parsedReg.Bit
		base.RegisterByte = parsedReg.Byte
		return []*RegistryMapEntry{base}, nil
	}

	base.Register = parsedReg.RangeRegs[0]
	base.Concatenate = true
	base.ConcatenateRegisters = parsedReg.RangeRegs
	entries := []*RegistryMapEntry{base}
	for _, r := range parsedReg.RangeRegs[1:] {
		dup := *base
		dup.Register = r
		entries = append(entries, &dup)
	}
	return entries, nil
}
