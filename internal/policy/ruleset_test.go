package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/goodtune/timeguard/internal/geo"
	"github.com/rs/zerolog"
)

func TestNormalizeURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"https://www.reddit.com/r/x", "reddit.com/r/x"},
		{"HTTP://WWW.Example.COM/", "example.com"},
		{"example.com///", "example.com"},
		{"  youtube.com  ", "youtube.com"},
		{"m.www.site.org", "m.www.site.org"},
		{"ftp://files.example.com", "ftp://files.example.com"},
		{"https://", ""},
		{"www.", ""},
		{"", ""},
	}

	for _, tt := range tests {
		if got := NormalizeURL(tt.in); got != tt.want {
			t.Errorf("NormalizeURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRuleSet_IgnoresBlankEntries(t *testing.T) {
	rs := NewRuleSet(Definition{
		BlockedApps: []string{"", "  ", "com.game"},
		BlockedURLs: []string{"", "https://", "www.", "reddit"},
		TimeLimits:  map[string]int{"com.zero": 0, "com.negative": -5, "": 10, "com.video": 30},
	})

	if got := rs.BlockedApps(); len(got) != 1 || got[0] != "com.game" {
		t.Errorf("Expected [com.game], got %v", got)
	}
	if got := rs.BlockedURLs(); len(got) != 1 || got[0] != "reddit" {
		t.Errorf("Expected [reddit], got %v", got)
	}
	if got := rs.TimeLimits(); len(got) != 1 || got["com.video"] != 30 {
		t.Errorf("Expected only com.video limit, got %v", got)
	}

	// A blank pattern would otherwise match every URL.
	if _, blocked := rs.MatchURL("golang.org"); blocked {
		t.Error("Expected golang.org to be allowed")
	}
}

func TestRuleSet_FingerprintIgnoresOrder(t *testing.T) {
	a := NewRuleSet(Definition{
		BlockedApps: []string{"com.a", "com.b"},
		BlockedURLs: []string{"reddit", "tiktok"},
		TimeLimits:  map[string]int{"com.a": 5, "com.b": 10},
	})
	b := NewRuleSet(Definition{
		BlockedApps: []string{"com.b", "com.a", "com.a"},
		BlockedURLs: []string{"https://www.tiktok", "REDDIT"},
		TimeLimits:  map[string]int{"com.b": 10, "com.a": 5},
		CacheSize:   8,
	})
	if a.Fingerprint() != b.Fingerprint() {
		t.Error("Expected equivalent rule sets to share a fingerprint")
	}

	c := NewRuleSet(Definition{
		BlockedApps: []string{"com.a", "com.b"},
		BlockedURLs: []string{"reddit", "tiktok"},
		TimeLimits:  map[string]int{"com.a": 5, "com.b": 11},
	})
	if a.Fingerprint() == c.Fingerprint() {
		t.Error("Expected a changed limit to change the fingerprint")
	}
}

func TestRuleSet_FingerprintTracksFenceOrder(t *testing.T) {
	one := geo.NewFence("one", school, 100, []string{"com.game"})
	two := geo.NewFence("two", school, 200, []string{"com.game"})

	a := NewRuleSet(Definition{Geofences: []geo.Fence{one, two}})
	b := NewRuleSet(Definition{Geofences: []geo.Fence{two, one}})
	if a.Fingerprint() == b.Fingerprint() {
		t.Error("Expected fence order to affect the fingerprint")
	}
}

func TestRuleSet_DuplicateFenceNamesKeepFirst(t *testing.T) {
	rs := NewRuleSet(Definition{Geofences: []geo.Fence{
		geo.NewFence("school", school, 100, []string{"com.game"}),
		geo.NewFence("school", school, 9000, []string{"com.chat"}),
	}})

	fences := rs.Geofences().Fences()
	if len(fences) != 1 {
		t.Fatalf("Expected 1 fence, got %d", len(fences))
	}
	if fences[0].RadiusMeters != 100 {
		t.Errorf("Expected first fence to win, got radius %v", fences[0].RadiusMeters)
	}
}

func TestRuleSet_FencesAreCopied(t *testing.T) {
	fence := geo.NewFence("school", school, 500, []string{"com.game"})
	rs := NewRuleSet(Definition{Geofences: []geo.Fence{fence}})
	fingerprint := rs.Fingerprint()

	fence.BlockedApps["com.chat"] = struct{}{}
	delete(fence.BlockedApps, "com.game")

	if _, ok := rs.Geofences().Blocking(school, "com.game"); !ok {
		t.Error("Expected snapshot to keep blocking com.game")
	}
	if _, ok := rs.Geofences().Blocking(school, "com.chat"); ok {
		t.Error("Expected caller edits not to reach the snapshot")
	}

	// Edits through the accessor do not leak back either.
	rs.Geofences().Fences()[0].BlockedApps["com.video"] = struct{}{}
	if _, ok := rs.Geofences().Blocking(school, "com.video"); ok {
		t.Error("Expected Fences to return copies")
	}

	if rs.Fingerprint() != fingerprint {
		t.Error("Expected fingerprint to be unchanged")
	}
	if got := NewRuleSet(Definition{Geofences: rs.Geofences().Fences()}).Fingerprint(); got != fingerprint {
		t.Errorf("Expected rebuilt snapshot to match, got %s want %s", got, fingerprint)
	}
}

func TestRuleSet_URLCacheIsPerSnapshot(t *testing.T) {
	old := NewRuleSet(Definition{BlockedURLs: []string{"reddit"}, CacheSize: 4})
	if _, blocked := old.MatchURL("reddit.com"); !blocked {
		t.Fatal("Expected reddit.com to be blocked")
	}
	// Cached answer on the old snapshot.
	if _, blocked := old.MatchURL("https://reddit.com/"); !blocked {
		t.Fatal("Expected cached block")
	}

	fresh := NewRuleSet(Definition{BlockedURLs: []string{"tiktok"}, CacheSize: 4})
	if _, blocked := fresh.MatchURL("reddit.com"); blocked {
		t.Error("Expected new snapshot not to reuse the old cache")
	}
}

func TestRuleSet_NilIsEmpty(t *testing.T) {
	var rs *RuleSet
	if rs.IsAppListed("com.game") || rs.TimeLimit("com.game") != 0 || rs.Version() != 0 {
		t.Error("Expected nil rule set to hold no rules")
	}
	if _, blocked := rs.MatchURL("reddit.com"); blocked {
		t.Error("Expected nil rule set not to block URLs")
	}
	if rs.Geofences().Len() != 0 {
		t.Error("Expected nil rule set to have no geofences")
	}
}

func TestAtomicRuleStore_Versions(t *testing.T) {
	store := NewAtomicRuleStore()
	if store.Load() != nil {
		t.Fatal("Expected empty store")
	}

	first := NewRuleSet(Definition{BlockedApps: []string{"com.a"}})
	if !store.Install(first) {
		t.Fatal("Expected first install")
	}
	if first.Version() != 1 {
		t.Errorf("Expected version 1, got %d", first.Version())
	}

	if store.Install(NewRuleSet(Definition{BlockedApps: []string{"com.a"}})) {
		t.Error("Expected duplicate install to be skipped")
	}
	if store.Load() != first {
		t.Error("Expected original snapshot to stay active")
	}

	second := NewRuleSet(Definition{BlockedApps: []string{"com.b"}})
	if !store.Install(second) || second.Version() != 2 {
		t.Errorf("Expected second install at version 2, got %d", second.Version())
	}

	if store.Install(nil) {
		t.Error("Expected nil install to be rejected")
	}
}

func TestAtomicRuleStore_ReadersSeeWholeSnapshots(t *testing.T) {
	store := NewAtomicRuleStore()
	// Every snapshot lists the same app in all three places; a torn read
	// would observe a mismatch.
	build := func(app string) *RuleSet {
		return NewRuleSet(Definition{
			BlockedApps: []string{app},
			BlockedURLs: []string{app},
			TimeLimits:  map[string]int{app: 1},
		})
	}
	store.Install(build("app-0"))

	var wg sync.WaitGroup
	stop := make(chan struct{})

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				rs := store.Load()
				apps := rs.BlockedApps()
				if len(apps) != 1 {
					t.Errorf("Expected one app, got %v", apps)
					return
				}
				if rs.TimeLimit(apps[0]) != 1 || rs.BlockedURLs()[0] != apps[0] {
					t.Errorf("Torn snapshot observed for %s", apps[0])
					return
				}
			}
		}()
	}

	for i := 1; i <= 200; i++ {
		store.Install(build(fmt.Sprintf("app-%d", i)))
	}
	close(stop)
	wg.Wait()
}

func TestAtomicLocationStore_LatestWins(t *testing.T) {
	store := NewAtomicLocationStore()
	if _, ok := store.Latest(); ok {
		t.Fatal("Expected no sample initially")
	}

	store.Install(geo.Sample{Point: geo.Point{Lat: 1, Lon: 1}})
	store.Install(geo.Sample{Point: geo.Point{Lat: 2, Lon: 2}})

	got, ok := store.Latest()
	if !ok || got.Point.Lat != 2 {
		t.Errorf("Expected latest sample lat=2, got %+v", got)
	}
}

func TestAction_JSON(t *testing.T) {
	var a Action
	if err := json.Unmarshal([]byte(`"block"`), &a); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if a != ActionBlock {
		t.Errorf("Expected BLOCK, got %s", a)
	}
	if err := json.Unmarshal([]byte(`"bypass"`), &a); err == nil {
		t.Error("Expected error for unknown action")
	}

	data, err := json.Marshal(Decision{Kind: KindURL, Action: ActionBlock, Reason: ReasonBlockedURL, Subject: "reddit.com"})
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	var back map[string]any
	_ = json.Unmarshal(data, &back)
	if back["action"] != "BLOCK" || back["reason"] != "blocked_url" {
		t.Errorf("Unexpected decision JSON: %s", data)
	}
}

func TestTicker_ChargesForegroundApp(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	engine.InstallRuleSet(NewRuleSet(Definition{TimeLimits: map[string]int{"com.game": 2}}))
	engine.DecideApp(ctx, "com.game")

	decisions := make(chan Decision, 8)
	ticker := NewTicker(engine, 5*time.Millisecond, func(d Decision) { decisions <- d }, zerolog.Nop())
	ticker.Start(ctx)
	defer ticker.Stop()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case d := <-decisions:
			if d.Blocked() {
				if d.Reason != ReasonTimeLimit {
					t.Errorf("Expected %s, got %s", ReasonTimeLimit, d.Reason)
				}
				return
			}
		case <-deadline:
			t.Fatal("Timed out waiting for time limit block")
		}
	}
}
