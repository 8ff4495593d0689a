package admin

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/goodtune/timeguard/internal/geo"
	"github.com/goodtune/timeguard/internal/policy"
	"github.com/goodtune/timeguard/internal/usage"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Default API request budget, shared by all clients.
const (
	DefaultRequestRate  = rate.Limit(20)
	DefaultRequestBurst = 40
)

// Views serves a read-mostly JSON API over the running engine.
type Views struct {
	engine    *policy.Engine
	tracker   *usage.Tracker
	reload    func() error
	limiter   *rate.Limiter
	startTime time.Time
	logger    zerolog.Logger
}

// NewViews creates the API views. reload may be nil, in which case rule
// reloads are refused.
func NewViews(engine *policy.Engine, tracker *usage.Tracker, reload func() error, logger zerolog.Logger) *Views {
	return &Views{
		engine:    engine,
		tracker:   tracker,
		reload:    reload,
		limiter:   rate.NewLimiter(DefaultRequestRate, DefaultRequestBurst),
		startTime: time.Now(),
		logger:    logger.With().Str("component", "admin").Logger(),
	}
}

// RulesStatus summarises the active rule snapshot.
type RulesStatus struct {
	Version     uint64   `json:"version"`
	Fingerprint string   `json:"fingerprint"`
	BlockedApps []string `json:"blocked_apps"`
	BlockedURLs []string `json:"blocked_urls"`
	TimeLimits  int      `json:"time_limits"`
	Geofences   []string `json:"geofences"`
}

// Status is the response of GET /api/status.
type Status struct {
	Ready         bool         `json:"ready"`
	UptimeSeconds int          `json:"uptime_seconds"`
	HostAppID     string       `json:"host_app_id"`
	Rules         *RulesStatus `json:"rules,omitempty"`
	Foreground    *Foreground  `json:"foreground,omitempty"`
	Location      *geo.Sample  `json:"location,omitempty"`
}

// Foreground is the current foreground observation.
type Foreground struct {
	AppID string    `json:"app_id"`
	State string    `json:"state"`
	Since time.Time `json:"since"`
}

// GetStatus returns engine readiness, rule summary, foreground app and
// last known location.
func (v *Views) GetStatus(w http.ResponseWriter, r *http.Request) {
	status := Status{
		Ready:         v.engine.Ready(),
		UptimeSeconds: int(time.Since(v.startTime).Seconds()),
		HostAppID:     v.engine.HostAppID(),
	}

	if rs := v.engine.Rules(); rs != nil {
		fences := rs.Geofences().Fences()
		names := make([]string, len(fences))
		for i, f := range fences {
			names[i] = f.Name
		}
		status.Rules = &RulesStatus{
			Version:     rs.Version(),
			Fingerprint: rs.Fingerprint(),
			BlockedApps: rs.BlockedApps(),
			BlockedURLs: rs.BlockedURLs(),
			TimeLimits:  len(rs.TimeLimits()),
			Geofences:   names,
		}
	}

	if obs := v.engine.Foreground(); obs.State != policy.StateUnknown {
		status.Foreground = &Foreground{AppID: obs.AppID, State: obs.State.String(), Since: obs.Since}
	}

	if sample, ok := v.engine.Location(); ok {
		status.Location = &sample
	}

	writeJSON(w, http.StatusOK, status)
}

// GetUsage returns today's usage for every app with a record or a limit.
func (v *Views) GetUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	now := v.engine.Now()

	limits := v.engine.Rules().TimeLimits()
	seen := make(map[string]bool)
	out := []*usage.UsageStats{}

	records, err := v.tracker.Today(ctx, now)
	if err != nil {
		v.logger.Error().Err(err).Msg("Failed to list usage")
		writeError(w, http.StatusInternalServerError, "server_error", "Failed to list usage")
		return
	}

	appIDs := make([]string, 0, len(records)+len(limits))
	for _, rec := range records {
		appIDs = append(appIDs, rec.AppID)
		seen[rec.AppID] = true
	}
	for appID := range limits {
		if !seen[appID] {
			appIDs = append(appIDs, appID)
		}
	}

	for _, appID := range appIDs {
		stats, err := v.tracker.Stats(ctx, appID, limits[appID], now)
		if err != nil {
			v.logger.Error().Err(err).Str("app_id", appID).Msg("Failed to read usage")
			writeError(w, http.StatusInternalServerError, "server_error", "Failed to read usage")
			return
		}
		out = append(out, stats)
	}

	writeJSON(w, http.StatusOK, map[string]any{"usage": out})
}

// CheckApp evaluates an app without changing foreground state or usage.
// Query: app_id (required), lat and lon (optional, default to the last
// known location).
func (v *Views) CheckApp(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	appID := q.Get("app_id")
	if appID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "app_id is required")
		return
	}

	var point *geo.Point
	if q.Has("lat") || q.Has("lon") {
		lat, errLat := strconv.ParseFloat(q.Get("lat"), 64)
		lon, errLon := strconv.ParseFloat(q.Get("lon"), 64)
		p := geo.Point{Lat: lat, Lon: lon}
		if errLat != nil || errLon != nil || !p.Valid() {
			writeError(w, http.StatusBadRequest, "bad_request", "lat and lon must both be valid coordinates")
			return
		}
		point = &p
	} else if sample, ok := v.engine.Location(); ok {
		point = &sample.Point
	}

	writeJSON(w, http.StatusOK, v.engine.EvaluateApp(r.Context(), appID, v.engine.Now(), point))
}

// CheckURL evaluates URL-bar text without recording a decision.
// Query: text.
func (v *Views) CheckURL(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, v.engine.EvaluateURL(r.URL.Query().Get("text")))
}

// ReloadRules reloads the rules file.
func (v *Views) ReloadRules(w http.ResponseWriter, r *http.Request) {
	if v.reload == nil {
		writeError(w, http.StatusNotImplemented, "not_supported", "Rule reload is not available")
		return
	}

	v.logger.Info().Msg("Manual rule reload requested")
	if err := v.reload(); err != nil {
		v.logger.Error().Err(err).Msg("Failed to reload rules")
		writeError(w, http.StatusInternalServerError, "server_error", "Failed to reload rules: "+err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Rules reloaded successfully",
		"version": v.engine.Rules().Version(),
	})
}

// Mux is satisfied by *http.ServeMux and the metrics server.
type Mux interface {
	Handle(pattern string, handler http.Handler)
}

// Register mounts the API under /api/ on m.
func (v *Views) Register(m Mux, token string) {
	router := mux.NewRouter()
	router.Use(LoggingMiddleware(v.logger))
	router.Use(RateLimitMiddleware(v.limiter))
	router.Use(TokenMiddleware(token))

	router.HandleFunc("/api/status", v.GetStatus).Methods("GET")
	router.HandleFunc("/api/usage", v.GetUsage).Methods("GET")
	router.HandleFunc("/api/check/app", v.CheckApp).Methods("GET")
	router.HandleFunc("/api/check/url", v.CheckURL).Methods("GET")
	router.HandleFunc("/api/rules/reload", v.ReloadRules).Methods("POST")

	m.Handle("/api/", router)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{
		"error":   code,
		"message": message,
	})
}
