package rules

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goodtune/timeguard/internal/geo"
	"github.com/goodtune/timeguard/internal/policy"
	"gopkg.in/yaml.v3"
)

// Format is the encoding of a rule document
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// DefaultRadiusMeters applies to geofences without a radius.
const DefaultRadiusMeters = 500.0

const (
	sectionApps      = "blocked_packages"
	sectionURLs      = "blocked_urls"
	sectionLimits    = "time_limits"
	sectionGeofences = "geofences"
)

// FormatFromPath picks the format from a file extension.
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	default:
		return "", fmt.Errorf("unsupported rules file extension: %q (must be .json, .yaml or .yml)", filepath.Ext(path))
	}
}

// LoadFile reads and decodes a rule document from disk.
func LoadFile(path string, cacheSize int) (*policy.RuleSet, *Report, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return nil, nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read rules file: %w", err)
	}

	return Decode(data, format, cacheSize)
}

// Decode parses a rule document and builds a snapshot from it.
// Malformed entries are dropped and listed in the report; only a
// document that cannot be parsed at all is an error.
func Decode(data []byte, format Format, cacheSize int) (*policy.RuleSet, *Report, error) {
	def, report, err := Parse(data, format)
	if err != nil {
		return nil, nil, err
	}
	def.CacheSize = cacheSize
	return policy.NewRuleSet(def), report, nil
}

// Parse decodes a rule document into a Definition.
//
// The document is either flat:
//
//	blocked_packages: [...]
//	blocked_urls: {...}
//	time_limits: {...}
//	geofences: {...}
//
// or nested the way the parent app writes it, with the first three
// sections under "rules" and geofences beside it.
func Parse(data []byte, format Format) (policy.Definition, *Report, error) {
	root, err := unmarshal(data, format)
	if err != nil {
		return policy.Definition{}, nil, err
	}

	report := &Report{}
	rulesNode := root
	if nested, ok := root["rules"].(map[string]any); ok {
		rulesNode = nested
	}

	fencesNode := root[sectionGeofences]
	if fencesNode == nil {
		fencesNode = rulesNode[sectionGeofences]
	}

	def := policy.Definition{
		BlockedApps: stringValues(sectionApps, rulesNode[sectionApps], report),
		BlockedURLs: stringValues(sectionURLs, rulesNode[sectionURLs], report),
		TimeLimits:  decodeLimits(rulesNode[sectionLimits], report),
		Geofences:   decodeGeofences(fencesNode, report),
	}

	return def, report, nil
}

func unmarshal(data []byte, format Format) (map[string]any, error) {
	var doc any

	switch format {
	case FormatJSON:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		if err := dec.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to parse JSON rules: %w", err)
		}
	case FormatYAML:
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("failed to parse YAML rules: %w", err)
		}
		doc = normalizeMap(doc)
	default:
		return nil, fmt.Errorf("unsupported rules format: %q", format)
	}

	if doc == nil {
		return map[string]any{}, nil
	}
	root, ok := doc.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("rules document must be an object, got %T", doc)
	}
	return root, nil
}

// restoreAppID undoes the key escaping used for time limit keys, where
// "." is stored as "_". Keys that already contain a dot are kept.
func restoreAppID(key string) string {
	if strings.Contains(key, ".") {
		return key
	}
	return strings.ReplaceAll(key, "_", ".")
}

func decodeLimits(v any, report *Report) map[string]int {
	limits := make(map[string]int)
	if v == nil {
		return limits
	}

	m, ok := v.(map[string]any)
	if !ok {
		report.drop(sectionLimits, "", "expected a map, got %T", v)
		return limits
	}

	for key, raw := range m {
		appID := restoreAppID(strings.TrimSpace(key))
		if appID == "" {
			report.drop(sectionLimits, key, "blank app id")
			continue
		}
		minutes, ok := toMinutes(raw)
		if !ok {
			report.drop(sectionLimits, key, "not a whole number of minutes (%v)", raw)
			continue
		}
		if minutes < 0 {
			report.drop(sectionLimits, key, "negative limit %d", minutes)
			continue
		}
		// Zero means no limit
		if minutes == 0 {
			continue
		}
		limits[appID] = minutes
	}
	return limits
}

func decodeGeofences(v any, report *Report) []geo.Fence {
	items, err := entries(v)
	if err != nil {
		report.drop(sectionGeofences, "", "%v", err)
		return nil
	}

	_, fromList := v.([]any)
	fences := make([]geo.Fence, 0, len(items))
	for _, e := range items {
		fields, ok := e.value.(map[string]any)
		if !ok {
			report.drop(sectionGeofences, e.key, "not an object (%T)", e.value)
			continue
		}

		name := e.key
		if fromList {
			name, _ = fields["name"].(string)
			name = strings.TrimSpace(name)
			if name == "" {
				report.drop(sectionGeofences, e.key, "missing name")
				continue
			}
		}

		if f, ok := decodeFence(name, fields, report); ok {
			fences = append(fences, f)
		}
	}
	return fences
}

func decodeFence(name string, fields map[string]any, report *Report) (geo.Fence, bool) {
	lat, ok := toFloat(fields["lat"])
	if !ok {
		report.drop(sectionGeofences, name, "lat is missing or not a number")
		return geo.Fence{}, false
	}
	lon, ok := toFloat(fields["lon"])
	if !ok {
		report.drop(sectionGeofences, name, "lon is missing or not a number")
		return geo.Fence{}, false
	}
	center := geo.Point{Lat: lat, Lon: lon}
	if !center.Valid() {
		report.drop(sectionGeofences, name, "center %v,%v out of range", lat, lon)
		return geo.Fence{}, false
	}

	radius := DefaultRadiusMeters
	if raw, present := fields["radius"]; present && raw != nil {
		r, ok := toFloat(raw)
		if !ok {
			report.drop(sectionGeofences, name, "radius is not a finite number (%v)", raw)
			return geo.Fence{}, false
		}
		if r < 0 {
			report.drop(sectionGeofences, name, "negative radius %v", r)
			return geo.Fence{}, false
		}
		radius = r
	}

	apps := stringValues(sectionGeofences+"."+name+".blocked_apps", fields["blocked_apps"], report)
	return geo.NewFence(name, center, radius, apps), true
}
