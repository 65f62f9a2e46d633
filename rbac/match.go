package rbac

import "strings"

// Specificity tiers for permission matching, most specific first:
// exact resource + exact action, exact resource + wildcard action,
// wildcard resource + exact action, full wildcard.
const (
	tierExactExact = 4
	tierExactAny   = 3
	tierAnyExact   = 2
	tierAnyAny     = 1
)

// matchTier returns the specificity tier at which the permission covers the
// (resource, action) pair, or 0 when it does not.
func matchTier(p Permission, resource, action string) int {
	resourceExact := p.Resource == resource
	resourceAny := p.Resource == Wildcard
	if !resourceExact && !resourceAny {
		return 0
	}

	actionExact := actionListContains(p.Action, action)
	actionAny := p.Action == Wildcard

	switch {
	case resourceExact && actionExact:
		return tierExactExact
	case resourceExact && actionAny:
		return tierExactAny
	case resourceAny && actionExact:
		return tierAnyExact
	case resourceAny && actionAny:
		return tierAnyAny
	default:
		return 0
	}
}

// actionListContains reports whether the comma-separated action list names
// the action exactly. The wildcard is handled separately.
func actionListContains(list, action string) bool {
	if list == "" || list == Wildcard || action == "" {
		return false
	}
	for _, candidate := range strings.Split(list, ",") {
		if strings.TrimSpace(candidate) == action {
			return true
		}
	}
	return false
}

// rankMatches returns the permissions covering (resource, action), ordered
// most specific first. Order within a tier follows the input order, so a
// role's own grants come before inherited ones when the caller appends them
// that way.
func rankMatches(perms []Permission, resource, action string) []Permission {
	var (
		matched []Permission
		tiers   []int
	)
	for _, p := range perms {
		tier := matchTier(p, resource, action)
		if tier == 0 {
			continue
		}
		// Insertion sort by tier, stable.
		pos := len(matched)
		for pos > 0 && tiers[pos-1] < tier {
			pos--
		}
		matched = append(matched, Permission{})
		tiers = append(tiers, 0)
		copy(matched[pos+1:], matched[pos:])
		copy(tiers[pos+1:], tiers[pos:])
		matched[pos] = p
		tiers[pos] = tier
	}
	return matched
}
