package protocolspec

import (
	"bufio"
	"os"
	"strings"
)

// LoadNameSet parses a variable_mask.txt/variable_screen.txt style file:
// newline-separated lowercase names, "#"-prefixed lines are comments.
// A missing file yields an empty (non-nil) set, which callers treat as
// "no mask/screen configured" per spec §6.
func LoadNameSet(path string) (map[string]struct{}, error) {
	set := map[string]struct{}{}
	if path == "" {
		return set, nil
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return set, nil
		}
		return set, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		set[strings.ToLower(line)] = struct{}{}
	}
	return set, sc.Err()
}

// ApplyMaskAndScreen implements spec §4.B: if mask is non-empty, drop
// every entry whose documented or variable name is absent from it; if
// screen is non-empty, drop entries present in it under either name
// form. Per spec §9's Open Question resolution, the screen is treated
// purely as an exclusion list (not cross-checked against the mask).
func ApplyMaskAndScreen(entries []*RegistryMapEntry, mask, screen map[string]struct{}) []*RegistryMapEntry {
	if len(mask) == 0 && len(screen) == 0 {
		return entries
	}
	out := entries[:0:0]
	for _, e := range entries {
		if len(mask) > 0 {
			_, okDoc := mask[e.DocumentedName]
			_, okVar := mask[e.VariableName]
			if !okDoc && !okVar {
				continue
			}
		}
		if len(screen) > 0 {
			_, okDoc := screen[e.DocumentedName]
			_, okVar := screen[e.VariableName]
			if okDoc || okVar {
				continue
			}
		}
		out = append(out, e)
	}
	return out
}
