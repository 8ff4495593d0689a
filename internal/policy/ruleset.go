package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/goodtune/timeguard/internal/geo"
	"github.com/goodtune/timeguard/internal/metrics"
	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultURLCacheSize is used when a Definition leaves CacheSize unset.
const DefaultURLCacheSize = 512

// Definition is the raw content of a rule snapshot.
type Definition struct {
	BlockedApps []string
	BlockedURLs []string
	TimeLimits  map[string]int // minutes per day
	Geofences   []geo.Fence
	CacheSize   int // URL decision cache entries
}

// urlPattern keeps the pattern as configured alongside its normalized form
type urlPattern struct {
	raw        string
	normalized string
}

// urlMatch is a cached URL evaluation
type urlMatch struct {
	blocked bool
	pattern string
}

// RuleSet is an immutable snapshot of every blocking rule. It is built
// once by NewRuleSet and replaced wholesale through a RuleStore.
type RuleSet struct {
	blockedApps map[string]struct{}
	urls        []urlPattern
	limits      map[string]int
	fences      *geo.Index
	fingerprint string
	version     atomic.Uint64

	urlCache *lru.Cache[string, urlMatch]
}

// NewRuleSet builds a snapshot. Blank app IDs, patterns that normalize to
// nothing, non-positive limits and repeated fence names are ignored.
func NewRuleSet(def Definition) *RuleSet {
	rs := &RuleSet{
		blockedApps: make(map[string]struct{}, len(def.BlockedApps)),
		limits:      make(map[string]int, len(def.TimeLimits)),
	}

	for _, app := range def.BlockedApps {
		app = strings.TrimSpace(app)
		if app == "" {
			continue
		}
		rs.blockedApps[app] = struct{}{}
	}

	seenURL := make(map[string]bool, len(def.BlockedURLs))
	for _, raw := range def.BlockedURLs {
		norm := NormalizeURL(raw)
		if norm == "" || seenURL[norm] {
			continue
		}
		seenURL[norm] = true
		rs.urls = append(rs.urls, urlPattern{raw: raw, normalized: norm})
	}

	for app, minutes := range def.TimeLimits {
		app = strings.TrimSpace(app)
		if app == "" || minutes <= 0 {
			continue
		}
		rs.limits[app] = minutes
	}

	seenFence := make(map[string]bool, len(def.Geofences))
	fences := make([]geo.Fence, 0, len(def.Geofences))
	for _, f := range def.Geofences {
		if seenFence[f.Name] {
			continue
		}
		seenFence[f.Name] = true
		fences = append(fences, f)
	}
	// NewIndex clones each fence, so later edits to def do not reach the snapshot
	rs.fences = geo.NewIndex(fences)

	size := def.CacheSize
	if size <= 0 {
		size = DefaultURLCacheSize
	}
	// lru.New only fails for a non-positive size
	rs.urlCache, _ = lru.New[string, urlMatch](size)

	rs.fingerprint = rs.computeFingerprint()
	return rs
}

// computeFingerprint hashes a canonical rendering of the rules. Two
// snapshots with the same fingerprint make identical decisions.
func (rs *RuleSet) computeFingerprint() string {
	h := sha256.New()

	writeSorted(h, "app", rs.BlockedApps())

	patterns := make([]string, len(rs.urls))
	for i, p := range rs.urls {
		patterns[i] = p.normalized
	}
	writeSorted(h, "url", patterns)

	limitKeys := make([]string, 0, len(rs.limits))
	for app := range rs.limits {
		limitKeys = append(limitKeys, app)
	}
	sort.Strings(limitKeys)
	for _, app := range limitKeys {
		fmt.Fprintf(h, "limit\x00%s\x00%d\n", app, rs.limits[app])
	}

	// Fence order matters for which fence a decision names
	for _, f := range rs.fences.Fences() {
		fmt.Fprintf(h, "fence\x00%s\x00%g\x00%g\x00%g\n", f.Name, f.Center.Lat, f.Center.Lon, f.RadiusMeters)
		apps := make([]string, 0, len(f.BlockedApps))
		for app := range f.BlockedApps {
			apps = append(apps, app)
		}
		writeSorted(h, "fence-app", apps)
	}

	return hex.EncodeToString(h.Sum(nil))
}

func writeSorted(w io.Writer, tag string, values []string) {
	sort.Strings(values)
	for _, v := range values {
		fmt.Fprintf(w, "%s\x00%s\n", tag, v)
	}
}

// Fingerprint returns the content hash of the snapshot.
func (rs *RuleSet) Fingerprint() string {
	if rs == nil {
		return ""
	}
	return rs.fingerprint
}

// Version returns the store-assigned install version, 0 before install.
func (rs *RuleSet) Version() uint64 {
	if rs == nil {
		return 0
	}
	return rs.version.Load()
}

// BlockedApps returns the globally blocked app IDs in sorted order.
func (rs *RuleSet) BlockedApps() []string {
	if rs == nil {
		return nil
	}
	apps := make([]string, 0, len(rs.blockedApps))
	for app := range rs.blockedApps {
		apps = append(apps, app)
	}
	sort.Strings(apps)
	return apps
}

// BlockedURLs returns the URL patterns as configured.
func (rs *RuleSet) BlockedURLs() []string {
	if rs == nil {
		return nil
	}
	out := make([]string, len(rs.urls))
	for i, p := range rs.urls {
		out[i] = p.raw
	}
	return out
}

// TimeLimits returns a copy of the per-app daily limits.
func (rs *RuleSet) TimeLimits() map[string]int {
	out := make(map[string]int)
	if rs == nil {
		return out
	}
	for app, minutes := range rs.limits {
		out[app] = minutes
	}
	return out
}

// IsAppListed reports whether appID is on the global block list.
func (rs *RuleSet) IsAppListed(appID string) bool {
	if rs == nil {
		return false
	}
	_, ok := rs.blockedApps[appID]
	return ok
}

// TimeLimit returns the daily limit for appID in minutes, 0 for none.
func (rs *RuleSet) TimeLimit(appID string) int {
	if rs == nil {
		return 0
	}
	return rs.limits[appID]
}

// Geofences returns the geofence index of the snapshot.
func (rs *RuleSet) Geofences() *geo.Index {
	if rs == nil {
		return nil
	}
	return rs.fences
}

// MatchURL evaluates text against the URL patterns and returns the
// matching pattern as configured. Blank input never matches.
func (rs *RuleSet) MatchURL(text string) (string, bool) {
	if rs == nil || len(rs.urls) == 0 {
		return "", false
	}

	url := NormalizeURL(text)
	if url == "" {
		return "", false
	}

	if m, ok := rs.urlCache.Get(url); ok {
		metrics.URLCacheHits.Inc()
		return m.pattern, m.blocked
	}
	metrics.URLCacheMisses.Inc()

	var m urlMatch
	for _, p := range rs.urls {
		if urlMatches(url, p.normalized) {
			m = urlMatch{blocked: true, pattern: p.raw}
			break
		}
	}
	rs.urlCache.Add(url, m)

	return m.pattern, m.blocked
}
