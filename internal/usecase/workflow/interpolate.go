package workflow

import (
	"encoding/json"
	"fmt"
	"regexp"
)

var markerRe = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_]*)\s*\}\}`)

// Interpolate replaces {{name}} markers with values from vars. Markers with
// no matching variable are left verbatim.
func Interpolate(text string, vars map[string]any) string {
	if len(vars) == 0 {
		return text
	}
	return markerRe.ReplaceAllStringFunc(text, func(marker string) string {
		name := markerRe.FindStringSubmatch(marker)[1]
		v, ok := vars[name]
		if !ok {
			return marker
		}
		return Stringify(v)
	})
}

// Stringify renders a context value for inclusion in prompt text.
func Stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	case bool, int, int64, float64, float32, int32, uint, uint32, uint64:
		return fmt.Sprint(t)
	default:
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(data)
	}
}

// StringVars converts string variables to a context map.
func StringVars(vars map[string]string) map[string]any {
	out := make(map[string]any, len(vars))
	for k, v := range vars {
		out[k] = v
	}
	return out
}
