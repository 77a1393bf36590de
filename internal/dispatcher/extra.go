package dispatcher

import (
	"encoding/json"
	"strconv"
	"strings"
)

// ParseExtra decodes the opaque extra payload. Valid JSON yields the decoded
// value; anything else is returned as the raw string. Empty yields nil.
func ParseExtra(raw string) any {
	if raw == "" {
		return nil
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return raw
	}
	return v
}

// PageSpec extracts the pages-to-delete spec from a parsed extra payload:
// an object with a truthy pagesToDelete, or a bare string.
func PageSpec(extra any) (string, error) {
	var spec string
	switch v := extra.(type) {
	case map[string]any:
		if p, ok := v["pagesToDelete"]; ok && truthy(p) {
			spec = stringify(p)
		}
	case string:
		spec = v
	}
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return "", ErrMissingPageSpec
	}
	return spec, nil
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case float64:
		return t != 0
	case string:
		return t != ""
	}
	return true
}

// stringify renders a decoded JSON value the way a page list is usually
// written: arrays join their elements with commas.
func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case []any:
		parts := make([]string, 0, len(t))
		for _, e := range t {
			parts = append(parts, stringify(e))
		}
		return strings.Join(parts, ",")
	}
	return ""
}
