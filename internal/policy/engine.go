package policy

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/goodtune/timeguard/internal/geo"
	"github.com/goodtune/timeguard/internal/metrics"
	"github.com/rs/zerolog"
)

// UsageTracker interface for usage tracking
type UsageTracker interface {
	Tick(ctx context.Context, appID string, now time.Time) (int, error)
	UsedToday(ctx context.Context, appID string, now time.Time) (int, error)
}

// Engine combines the active rule snapshot, usage counters and the last
// known location to decide whether apps and URLs are blocked.
//
// Evaluation never fails: missing rules, missing location and usage store
// errors all resolve towards ALLOW.
type Engine struct {
	rules      RuleStore
	usage      UsageTracker
	location   LocationStore
	hostAppID  string
	exempt     map[string]struct{}
	clock      Clock
	foreground atomic.Pointer[Observation]
	logger     zerolog.Logger
}

// NewEngine creates a new policy engine. Nil stores are replaced with
// empty in-process ones.
func NewEngine(rules RuleStore, usage UsageTracker, location LocationStore, hostAppID string, logger zerolog.Logger) *Engine {
	if rules == nil {
		rules = NewAtomicRuleStore()
	}
	if location == nil {
		location = NewAtomicLocationStore()
	}

	e := &Engine{
		rules:     rules,
		usage:     usage,
		location:  location,
		hostAppID: hostAppID,
		clock:     RealClock{},
		logger:    logger.With().Str("component", "policy").Logger(),
	}

	e.logger.Info().Str("host_app_id", hostAppID).Msg("Policy engine initialized")
	return e
}

// SetClock sets the clock used for usage accounting (for testing)
func (e *Engine) SetClock(clock Clock) {
	e.clock = clock
}

// Now returns the engine clock's current time.
func (e *Engine) Now() time.Time {
	return e.clock.Now()
}

// SetExemptApps sets the apps that are never app-blocked, such as the
// system settings screen. Call before the engine is shared.
func (e *Engine) SetExemptApps(apps []string) {
	exempt := make(map[string]struct{}, len(apps))
	for _, app := range apps {
		if app != "" {
			exempt[app] = struct{}{}
		}
	}
	e.exempt = exempt
}

// HostAppID returns the identifier that is never blocked.
func (e *Engine) HostAppID() string {
	return e.hostAppID
}

// Rules returns the active rule snapshot, nil if none was installed.
func (e *Engine) Rules() *RuleSet {
	return e.rules.Load()
}

// Ready reports whether a rule snapshot has been installed.
func (e *Engine) Ready() bool {
	return e.rules.Load() != nil
}

// InstallRuleSet atomically replaces the active rules. Installing a
// snapshot identical to the active one is a no-op and returns false.
func (e *Engine) InstallRuleSet(rs *RuleSet) bool {
	if rs == nil {
		metrics.RuleSetInstalls.WithLabelValues("rejected").Inc()
		return false
	}

	if !e.rules.Install(rs) {
		metrics.RuleSetInstalls.WithLabelValues("unchanged").Inc()
		e.logger.Debug().Str("fingerprint", rs.Fingerprint()).Msg("Rule snapshot unchanged, skipping install")
		return false
	}

	metrics.RuleSetInstalls.WithLabelValues("installed").Inc()
	metrics.RuleSetVersion.Set(float64(rs.Version()))
	metrics.Geofences.Set(float64(rs.Geofences().Len()))

	e.logger.Info().
		Uint64("version", rs.Version()).
		Str("fingerprint", rs.Fingerprint()).
		Int("blocked_apps", len(rs.blockedApps)).
		Int("blocked_urls", len(rs.urls)).
		Int("time_limits", len(rs.limits)).
		Int("geofences", rs.Geofences().Len()).
		Msg("Rule snapshot installed")

	return true
}

// InstallLocation replaces the last known location. Samples with
// coordinates outside WGS84 bounds are rejected.
func (e *Engine) InstallLocation(sample geo.Sample) bool {
	if !sample.Point.Valid() {
		metrics.LocationUpdates.WithLabelValues("rejected").Inc()
		e.logger.Warn().
			Float64("lat", sample.Point.Lat).
			Float64("lon", sample.Point.Lon).
			Msg("Rejecting invalid location sample")
		return false
	}

	e.location.Install(sample)
	metrics.LocationUpdates.WithLabelValues("accepted").Inc()
	e.logger.Debug().
		Float64("lat", sample.Point.Lat).
		Float64("lon", sample.Point.Lon).
		Time("captured_at", sample.CapturedAt).
		Msg("Location updated")
	return true
}

// Location returns the last known location.
func (e *Engine) Location() (geo.Sample, bool) {
	return e.location.Latest()
}

// Foreground returns the current foreground observation. State is
// StateUnknown until the first foreground event.
func (e *Engine) Foreground() Observation {
	if obs := e.foreground.Load(); obs != nil {
		return *obs
	}
	return Observation{State: StateUnknown}
}

// EvaluateApp decides whether appID is blocked at now and point. A nil
// point skips geofence evaluation. Checks run in a fixed order: host app,
// exempt apps, time limit, global block list, geofences.
func (e *Engine) EvaluateApp(ctx context.Context, appID string, now time.Time, point *geo.Point) Decision {
	rs := e.rules.Load()
	d := Decision{
		Kind:           KindApp,
		Action:         ActionAllow,
		Subject:        appID,
		RuleSetVersion: rs.Version(),
		DecidedAt:      now,
	}

	if appID == e.hostAppID {
		d.Reason = ReasonHostApp
		return d
	}

	if _, ok := e.exempt[appID]; ok {
		d.Reason = ReasonExemptApp
		return d
	}

	if rs == nil {
		d.Reason = ReasonNoRules
		return d
	}

	if limit := rs.TimeLimit(appID); limit > 0 && e.usage != nil {
		used, err := e.usage.UsedToday(ctx, appID, now)
		if err != nil {
			metrics.UsageErrors.Inc()
			e.logger.Warn().Err(err).Str("app_id", appID).Msg("Usage lookup failed, ignoring time limit")
		} else {
			d.UsedMinutes = used
			d.LimitMinutes = limit
			if used >= limit {
				d.Action = ActionBlock
				d.Reason = ReasonTimeLimit
				return d
			}
		}
	}

	if rs.IsAppListed(appID) {
		d.Action = ActionBlock
		d.Reason = ReasonBlockedApp
		return d
	}

	if point != nil {
		if f, ok := rs.Geofences().Blocking(*point, appID); ok {
			d.Action = ActionBlock
			d.Reason = ReasonGeofence
			d.MatchedRule = f.Name
			return d
		}
	}

	return d
}

// IsAppBlocked reports whether appID is blocked at now and point.
func (e *Engine) IsAppBlocked(ctx context.Context, appID string, now time.Time, point *geo.Point) bool {
	return e.EvaluateApp(ctx, appID, now, point).Blocked()
}

// IsURLBlocked reports whether text matches a blocked URL pattern.
func (e *Engine) IsURLBlocked(text string) bool {
	_, blocked := e.rules.Load().MatchURL(text)
	return blocked
}

// DecideApp handles a foreground change to appID and returns the
// decision. Duplicate events for the same app keep the original
// observation time.
func (e *Engine) DecideApp(ctx context.Context, appID string) Decision {
	start := time.Now()
	now := e.clock.Now()

	d := e.EvaluateApp(ctx, appID, now, e.lastPoint())
	e.observe(appID, d, now)
	e.record(d, start)
	return d
}

// EvaluateURL decides whether raw URL-bar text is blocked without
// recording the decision.
func (e *Engine) EvaluateURL(text string) Decision {
	rs := e.rules.Load()

	d := Decision{
		Kind:           KindURL,
		Action:         ActionAllow,
		Subject:        text,
		RuleSetVersion: rs.Version(),
		DecidedAt:      e.clock.Now(),
	}
	if pattern, blocked := rs.MatchURL(text); blocked {
		d.Action = ActionBlock
		d.Reason = ReasonBlockedURL
		d.MatchedRule = pattern
	}
	return d
}

// DecideURL evaluates raw URL-bar text.
func (e *Engine) DecideURL(text string) Decision {
	start := time.Now()
	d := e.EvaluateURL(text)
	e.record(d, start)
	return d
}

// Tick credits one usage interval to appID and re-evaluates it, so a
// time limit crossed mid-session produces a block. The foreground state
// only changes if appID is still the foreground app once evaluation
// finishes.
func (e *Engine) Tick(ctx context.Context, appID string) Decision {
	cur := e.foreground.Load()
	if cur != nil && cur.AppID != appID {
		cur = nil
	}
	d, _ := e.tick(ctx, appID, cur)
	return d
}

// TickForeground ticks the current foreground app. It returns false when
// no app is in the foreground state, and when the foreground switched
// while the tick was evaluated. Blocked apps are not charged.
func (e *Engine) TickForeground(ctx context.Context) (Decision, bool) {
	cur := e.foreground.Load()
	if cur == nil || cur.State != StateForeground || cur.AppID == "" {
		return Decision{}, false
	}
	return e.tick(ctx, cur.AppID, cur)
}

func (e *Engine) tick(ctx context.Context, appID string, cur *Observation) (Decision, bool) {
	start := time.Now()
	now := e.clock.Now()

	if e.usage != nil {
		if _, err := e.usage.Tick(ctx, appID, now); err != nil {
			metrics.UsageErrors.Inc()
			e.logger.Error().Err(err).Str("app_id", appID).Msg("Failed to record usage tick")
		}
	}

	d := e.EvaluateApp(ctx, appID, now, e.lastPoint())
	current := true
	if cur != nil {
		current = e.observeFrom(cur, d, now)
	}
	e.record(d, start)
	return d, current
}

// Recheck re-evaluates the current foreground app without charging usage,
// for use after the rules or location change. It returns false when
// there is no foreground app, and when the foreground switched while the
// recheck was evaluated.
func (e *Engine) Recheck(ctx context.Context) (Decision, bool) {
	cur := e.foreground.Load()
	if cur == nil || cur.State == StateUnknown || cur.AppID == "" {
		return Decision{}, false
	}

	start := time.Now()
	now := e.clock.Now()
	d := e.EvaluateApp(ctx, cur.AppID, now, e.lastPoint())
	current := e.observeFrom(cur, d, now)
	e.record(d, start)
	return d, current
}

func (e *Engine) lastPoint() *geo.Point {
	sample, ok := e.location.Latest()
	if !ok {
		return nil
	}
	return &sample.Point
}

// observe advances the foreground state machine for appID. A new
// foreground event always wins over the stored observation.
func (e *Engine) observe(appID string, d Decision, now time.Time) {
	next := &Observation{AppID: appID, State: stateFor(d), Since: now}

	for {
		cur := e.foreground.Load()
		if cur != nil && cur.AppID == appID && cur.State == next.State {
			return
		}
		if e.foreground.CompareAndSwap(cur, next) {
			e.logStateChange(next)
			return
		}
	}
}

// observeFrom applies d to the observation it was evaluated against. It
// reports false and leaves the state alone if the foreground moved on in
// the meantime.
func (e *Engine) observeFrom(cur *Observation, d Decision, now time.Time) bool {
	state := stateFor(d)
	if cur.State == state {
		return e.foreground.Load() == cur
	}

	next := &Observation{AppID: cur.AppID, State: state, Since: now}
	if !e.foreground.CompareAndSwap(cur, next) {
		e.logger.Debug().
			Str("app_id", cur.AppID).
			Msg("Foreground changed during evaluation, dropping stale state")
		return false
	}
	e.logStateChange(next)
	return true
}

func stateFor(d Decision) State {
	if d.Blocked() {
		return StateBlocked
	}
	return StateForeground
}

func (e *Engine) logStateChange(obs *Observation) {
	e.logger.Debug().
		Str("app_id", obs.AppID).
		Stringer("state", obs.State).
		Msg("Foreground state changed")
}

func (e *Engine) record(d Decision, start time.Time) {
	metrics.DecisionsTotal.WithLabelValues(string(d.Kind), string(d.Action), d.Reason.label()).Inc()
	metrics.DecisionDuration.WithLabelValues(string(d.Kind)).Observe(time.Since(start).Seconds())

	if d.Blocked() {
		e.logger.Info().
			Str("kind", string(d.Kind)).
			Str("subject", d.Subject).
			Str("reason", string(d.Reason)).
			Str("matched_rule", d.MatchedRule).
			Int("used_minutes", d.UsedMinutes).
			Int("limit_minutes", d.LimitMinutes).
			Uint64("ruleset_version", d.RuleSetVersion).
			Msg("Blocked")
		return
	}

	e.logger.Debug().
		Str("kind", string(d.Kind)).
		Str("subject", d.Subject).
		Str("reason", string(d.Reason)).
		Msg("Allowed")
}
