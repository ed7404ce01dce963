package types

// Action is the outcome of an authorization decision.
type Action string

const (
	ActionAllow Action = "allow"
	ActionDeny  Action = "deny"
	// ActionUnknown is returned by cache lookups that miss.
	ActionUnknown Action = "unknown"
)

// Decision pairs an action with whether it may be cached. Transient
// outcomes (lookup errors, degraded enrichment) are never cacheable.
type Decision struct {
	Action    Action `json:"action"`
	Cacheable bool   `json:"cacheable"`
	Rule      string `json:"rule,omitempty"`
	Message   string `json:"message,omitempty"`
}

// ClientMode selects the default action when no rule matches.
type ClientMode string

const (
	// ModeMonitor allows unmatched executions and records them.
	ModeMonitor ClientMode = "monitor"
	// ModeLockdown denies anything without an allow rule.
	ModeLockdown ClientMode = "lockdown"
)

func (m ClientMode) Valid() bool {
	return m == ModeMonitor || m == ModeLockdown
}

// DefaultAction is the unmatched-rule action for the mode.
func (m ClientMode) DefaultAction() Action {
	if m == ModeLockdown {
		return ActionDeny
	}
	return ActionAllow
}
