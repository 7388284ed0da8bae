package ratelimit

import "strings"

// KeyForDecision builds a limiter key for the resolved scope.
func KeyForDecision(decision Decision) string {
	if decision.Limit <= 0 {
		return ""
	}
	switch decision.Scope {
	case ScopeProfile:
		id := strings.TrimSpace(decision.ProfileID)
		if id == "" {
			return ""
		}
		return "p:" + id
	case ScopeGlobal:
		return "global"
	default:
		return ""
	}
}
