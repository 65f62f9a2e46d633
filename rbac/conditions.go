package rbac

import (
	"net/netip"
	"strings"
	"time"
)

// Context is the request situation a permission's conditions are evaluated
// against. A zero Now means time conditions use the wall clock.
type Context struct {
	UserID   string
	Role     string
	TenantID string
	IP       string
	Now      time.Time
}

// Condition failure reasons, distinguished from a plain missing grant so
// callers can tell "you never had this" from "not from here / not now".
const (
	ReasonNoGrant           = "no_grant"
	ReasonTenantNotAllowed  = "tenant_not_allowed"
	ReasonIPNotAllowed      = "ip_not_allowed"
	ReasonOutsideTimeWindow = "outside_time_window"
	ReasonAssignmentExpired = "assignment_expired"
)

// evaluateConditions returns "" when every condition passes, otherwise the
// reason code of the first failing condition. Evaluation order is tenant,
// IP, time.
func evaluateConditions(conds *Conditions, rc Context) string {
	if conds == nil {
		return ""
	}

	if len(conds.Tenants) > 0 {
		allowed := false
		for _, tenant := range conds.Tenants {
			if tenant == rc.TenantID {
				allowed = true
				break
			}
		}
		if !allowed {
			return ReasonTenantNotAllowed
		}
	}

	if len(conds.IPAllowList) > 0 {
		if !ipAllowed(conds.IPAllowList, rc.IP) {
			return ReasonIPNotAllowed
		}
	}

	if conds.Time != nil {
		now := rc.Now
		if now.IsZero() {
			now = time.Now()
		}
		if !conds.Time.Contains(now.UTC()) {
			return ReasonOutsideTimeWindow
		}
	}

	return ""
}

// Contains reports whether t falls inside the window. The hour range is
// [StartHour, EndHour) and may wrap midnight.
func (w TimeWindow) Contains(t time.Time) bool {
	if len(w.Days) > 0 {
		dayOK := false
		for _, day := range w.Days {
			if t.Weekday() == day {
				dayOK = true
				break
			}
		}
		if !dayOK {
			return false
		}
	}

	if w.StartHour == w.EndHour {
		// Degenerate window covers the whole day.
		return true
	}

	hour := t.Hour()
	if w.StartHour < w.EndHour {
		return hour >= w.StartHour && hour < w.EndHour
	}
	return hour >= w.StartHour || hour < w.EndHour
}

func ipAllowed(allowList []string, ip string) bool {
	if ip == "" {
		return false
	}

	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}

	for _, entry := range allowList {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			prefix, err := netip.ParsePrefix(entry)
			if err != nil {
				continue
			}
			if prefix.Contains(addr) {
				return true
			}
			continue
		}
		if allowed, err := netip.ParseAddr(entry); err == nil && allowed == addr {
			return true
		}
	}

	return false
}
