package engine

import "github.com/rustyeddy/autotrader/state"

// ValidTransitions defines the allowed run-mode transitions. Emergency
// stop is reachable from anywhere and leaves only through an explicit
// operator clear.
var ValidTransitions = map[state.RunMode][]state.RunMode{
	state.Stopped:       {state.Running, state.EmergencyStop},
	state.Running:       {state.Paused, state.Stopped, state.EmergencyStop},
	state.Paused:        {state.Running, state.Stopped, state.EmergencyStop},
	state.EmergencyStop: {state.Stopped},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to state.RunMode) bool {
	for _, m := range ValidTransitions[from] {
		if m == to {
			return true
		}
	}
	return false
}

// ModeInfo returns an operator-facing description of a run mode.
func ModeInfo(m state.RunMode) string {
	switch m {
	case state.Stopped:
		return "engine stopped; no trading activity"
	case state.Running:
		return "engine running; entries and exits enabled"
	case state.Paused:
		return "engine paused; exits only, no new entries"
	case state.EmergencyStop:
		return "EMERGENCY STOP; all trading blocked until cleared"
	default:
		return "unknown state"
	}
}
