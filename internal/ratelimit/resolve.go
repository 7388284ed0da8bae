package ratelimit

import "strings"

// ResolveLimit picks the limit and scope for a request against profileID.
// Requests without an active profile share one global bucket.
func ResolveLimit(cfg SettingsConfig, profileID string) Decision {
	if cfg.Limit <= 0 {
		return Decision{}
	}
	profileID = strings.TrimSpace(profileID)
	if profileID == "" {
		return Decision{Limit: cfg.Limit, Scope: ScopeGlobal}
	}
	return Decision{Limit: cfg.Limit, Scope: ScopeProfile, ProfileID: profileID}
}
