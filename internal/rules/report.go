package rules

import (
	"fmt"
	"strings"
)

// Drop describes one entry discarded while decoding a rule document
type Drop struct {
	Section string // blocked_packages, blocked_urls, time_limits, geofences
	Key     string
	Reason  string
}

func (d Drop) String() string {
	if d.Key == "" {
		return fmt.Sprintf("%s: %s", d.Section, d.Reason)
	}
	return fmt.Sprintf("%s[%s]: %s", d.Section, d.Key, d.Reason)
}

// Report lists everything Decode discarded
type Report struct {
	Dropped []Drop
}

func (r *Report) drop(section, key, format string, args ...any) {
	r.Dropped = append(r.Dropped, Drop{
		Section: section,
		Key:     key,
		Reason:  fmt.Sprintf(format, args...),
	})
}

// Len returns the number of dropped entries.
func (r *Report) Len() int {
	if r == nil {
		return 0
	}
	return len(r.Dropped)
}

func (r *Report) String() string {
	if r.Len() == 0 {
		return "no entries dropped"
	}
	lines := make([]string, len(r.Dropped))
	for i, d := range r.Dropped {
		lines[i] = d.String()
	}
	return strings.Join(lines, "\n")
}
