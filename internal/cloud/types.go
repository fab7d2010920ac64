package cloud

import "github.com/hyperengineering/edgeguard"

// rulesResponse is the body of GET /api/v1/rules.
type rulesResponse struct {
	Version string                   `json:"version"`
	Rules   []edgeguard.RuleSnapshot `json:"rules"`
}
