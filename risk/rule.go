package risk

import "time"

// Rule names dispatched through the evaluator table. Unknown names are
// rejected at engine construction.
const (
	RuleRapidRequests       = "rapid_requests"
	RuleFailedLogins        = "failed_logins"
	RuleSuspiciousUserAgent = "suspicious_user_agent"
	RuleResourceVolume      = "resource_volume"
	RuleBruteForceProbe     = "brute_force_probe"
)

// Rule is one weighted risk signal. Threshold and Window parameterize the
// observation the rule counts; Weight is its maximum score contribution.
type Rule struct {
	Name        string
	Description string
	Weight      int
	Enabled     bool
	Threshold   int
	Window      time.Duration
}

// DefaultRules is the signal table used when the configuration supplies none.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:        RuleRapidRequests,
			Description: "Request rate far above normal interactive use.",
			Weight:      30,
			Enabled:     true,
			Threshold:   60,
			Window:      time.Minute,
		},
		{
			Name:        RuleFailedLogins,
			Description: "Repeated failed login attempts.",
			Weight:      40,
			Enabled:     true,
			Threshold:   5,
			Window:      15 * time.Minute,
		},
		{
			Name:        RuleSuspiciousUserAgent,
			Description: "Automation signature or missing user agent.",
			Weight:      25,
			Enabled:     true,
		},
		{
			Name:        RuleResourceVolume,
			Description: "Unusually many distinct resources accessed.",
			Weight:      35,
			Enabled:     true,
			Threshold:   20,
			Window:      10 * time.Minute,
		},
		{
			Name:        RuleBruteForceProbe,
			Description: "Failed attempts spread across distinct resources.",
			Weight:      45,
			Enabled:     true,
			Threshold:   3,
			Window:      5 * time.Minute,
		},
	}
}
