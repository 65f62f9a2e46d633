package ratelimit

import (
	"strings"
	"time"
)

// SubjectKind selects what a rule counts against.
type SubjectKind string

const (
	// SubjectIP counts per client network address.
	SubjectIP SubjectKind = "ip"
	// SubjectUser counts per authenticated user ID.
	SubjectUser SubjectKind = "user"
)

// Rule is a single rate-limit policy. A request is counted against every
// rule it matches; rules are conjunctive, the tightest one wins.
type Rule struct {
	ID string

	// Methods restricts the rule to the listed HTTP methods. Empty matches
	// all methods.
	Methods []string
	// PathPrefix restricts the rule to paths under the prefix. Empty
	// matches every path.
	PathPrefix string

	Subject     SubjectKind
	Window      time.Duration
	MaxRequests int

	// RoleMultipliers scales the quota for elevated roles, e.g. {"admin": 5}.
	RoleMultipliers map[string]float64
}

// Clone returns a deep copy of the rule.
func (r Rule) Clone() Rule {
	out := r
	if r.Methods != nil {
		out.Methods = make([]string, len(r.Methods))
		copy(out.Methods, r.Methods)
	}
	if r.RoleMultipliers != nil {
		out.RoleMultipliers = make(map[string]float64, len(r.RoleMultipliers))
		for k, v := range r.RoleMultipliers {
			out.RoleMultipliers[k] = v
		}
	}
	return out
}

// Matches reports whether the rule applies to the request descriptor. A
// user-scoped rule never matches anonymous traffic.
func (r Rule) Matches(d Descriptor) bool {
	if len(r.Methods) > 0 {
		found := false
		for _, m := range r.Methods {
			if strings.EqualFold(m, d.Method) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if r.PathPrefix != "" && !strings.HasPrefix(d.Path, r.PathPrefix) {
		return false
	}

	switch r.Subject {
	case SubjectUser:
		return d.UserID != ""
	default:
		return d.IP != ""
	}
}

// limitFor applies the role multiplier to the base quota.
func (r Rule) limitFor(role string) int {
	limit := r.MaxRequests
	if role == "" || r.RoleMultipliers == nil {
		return limit
	}
	mult, ok := r.RoleMultipliers[role]
	if !ok || mult <= 0 {
		return limit
	}
	scaled := int(float64(limit) * mult)
	if scaled < 1 {
		scaled = 1
	}
	return scaled
}

// DefaultRules is the rule table used when the configuration supplies none.
func DefaultRules() []Rule {
	return []Rule{
		{
			ID:          "auth_login",
			Methods:     []string{"POST"},
			PathPrefix:  "/auth",
			Subject:     SubjectIP,
			Window:      time.Minute,
			MaxRequests: 5,
		},
		{
			ID:          "api_write",
			Methods:     []string{"POST", "PUT", "PATCH", "DELETE"},
			PathPrefix:  "/api",
			Subject:     SubjectUser,
			Window:      time.Minute,
			MaxRequests: 30,
			RoleMultipliers: map[string]float64{
				"admin":       5,
				"super_admin": 10,
			},
		},
		{
			ID:          "api_read",
			Methods:     []string{"GET", "HEAD"},
			PathPrefix:  "/api",
			Subject:     SubjectUser,
			Window:      time.Minute,
			MaxRequests: 120,
			RoleMultipliers: map[string]float64{
				"admin":       5,
				"super_admin": 10,
			},
		},
		{
			ID:          "admin_endpoints",
			PathPrefix:  "/admin",
			Subject:     SubjectUser,
			Window:      time.Minute,
			MaxRequests: 60,
		},
	}
}
