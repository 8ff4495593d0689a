package policy

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Action represents the policy decision action
type Action string

const (
	ActionAllow Action = "ALLOW"
	ActionBlock Action = "BLOCK"
)

// UnmarshalJSON implements json.Unmarshaler to normalize action to uppercase.
func (a *Action) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	normalized := Action(strings.ToUpper(s))

	switch normalized {
	case ActionAllow, ActionBlock:
		*a = normalized
		return nil
	default:
		return fmt.Errorf("invalid action: %s (must be ALLOW or BLOCK)", s)
	}
}

// MarshalJSON implements json.Marshaler to ensure uppercase output.
func (a Action) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(a))
}

// Reason identifies the rule branch that produced a decision
type Reason string

const (
	ReasonNone       Reason = ""
	ReasonHostApp    Reason = "host_app"
	ReasonExemptApp  Reason = "exempt_app"
	ReasonNoRules    Reason = "no_rules"
	ReasonTimeLimit  Reason = "time_limit"
	ReasonBlockedApp Reason = "blocked_app"
	ReasonGeofence   Reason = "geofence"
	ReasonBlockedURL Reason = "blocked_url"
)

// label returns the reason as a metrics label value
func (r Reason) label() string {
	if r == ReasonNone {
		return "none"
	}
	return string(r)
}

// Kind is what a decision was made about
type Kind string

const (
	KindApp Kind = "app"
	KindURL Kind = "url"
)

// Decision represents the result of policy evaluation
type Decision struct {
	Kind           Kind      `json:"kind"`
	Action         Action    `json:"action"`
	Reason         Reason    `json:"reason,omitempty"`
	Subject        string    `json:"subject"`                // App ID or raw URL text
	MatchedRule    string    `json:"matched_rule,omitempty"` // URL pattern or geofence name
	UsedMinutes    int       `json:"used_minutes,omitempty"`
	LimitMinutes   int       `json:"limit_minutes,omitempty"`
	RuleSetVersion uint64    `json:"ruleset_version"`
	DecidedAt      time.Time `json:"decided_at"`
}

// Blocked reports whether the decision is a block.
func (d Decision) Blocked() bool {
	return d.Action == ActionBlock
}

// State is the lifecycle of the currently observed foreground app
type State int

const (
	StateUnknown State = iota
	StateForeground
	StateBlocked
)

func (s State) String() string {
	switch s {
	case StateForeground:
		return "foreground"
	case StateBlocked:
		return "blocked"
	default:
		return "unknown"
	}
}

// Observation is the engine's view of the current foreground app
type Observation struct {
	AppID string
	State State
	Since time.Time
}
