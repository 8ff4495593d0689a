package rules

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// toFloat accepts JSON/YAML numbers and numeric strings. Non-finite
// values are rejected.
func toFloat(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case uint64:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// toMinutes accepts whole numbers only.
func toMinutes(v any) (int, bool) {
	f, ok := toFloat(v)
	if !ok || f != math.Trunc(f) || f > math.MaxInt32 || f < math.MinInt32 {
		return 0, false
	}
	return int(f), true
}

// entry is one element of a list or map section
type entry struct {
	key   string
	value any
}

// entries flattens a list or map into ordered entries. Map entries are
// sorted by key; list entries are keyed by index.
func entries(v any) ([]entry, error) {
	switch c := v.(type) {
	case nil:
		return nil, nil
	case []any:
		out := make([]entry, len(c))
		for i, item := range c {
			out[i] = entry{key: strconv.Itoa(i), value: item}
		}
		return out, nil
	case map[string]any:
		keys := make([]string, 0, len(c))
		for k := range c {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make([]entry, len(keys))
		for i, k := range keys {
			out[i] = entry{key: k, value: c[k]}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected a list or map, got %T", v)
	}
}

// stringValues extracts string values from a list or map section
func stringValues(section string, v any, report *Report) []string {
	items, err := entries(v)
	if err != nil {
		report.drop(section, "", "%v", err)
		return nil
	}

	out := make([]string, 0, len(items))
	for _, e := range items {
		s, ok := e.value.(string)
		if !ok {
			report.drop(section, e.key, "not a string (%T)", e.value)
			continue
		}
		if strings.TrimSpace(s) == "" {
			report.drop(section, e.key, "blank value")
			continue
		}
		out = append(out, strings.TrimSpace(s))
	}
	return out
}

// normalizeMap converts map[any]any trees into map[string]any.
func normalizeMap(v any) any {
	switch c := v.(type) {
	case map[string]any:
		for k, item := range c {
			c[k] = normalizeMap(item)
		}
		return c
	case map[any]any:
		out := make(map[string]any, len(c))
		for k, item := range c {
			out[fmt.Sprint(k)] = normalizeMap(item)
		}
		return out
	case []any:
		for i, item := range c {
			c[i] = normalizeMap(item)
		}
		return c
	default:
		return v
	}
}
