package rbac

import "time"

// Wildcard matches any resource or any action in a permission.
const Wildcard = "*"

// Permission grants one or more actions on a resource. Resource is a single
// name or the wildcard; Action is a comma-separated list or the wildcard.
// Conditions, when present, must all pass for the grant to apply.
type Permission struct {
	Resource   string      `json:"resource"`
	Action     string      `json:"action"`
	Conditions *Conditions `json:"conditions,omitempty"`
}

// Conditions restrict when a permission applies. Empty fields do not
// constrain.
type Conditions struct {
	// Tenants lists the tenant IDs the grant is valid in.
	Tenants []string `json:"tenants,omitempty"`
	// IPAllowList holds exact IPs or CIDR prefixes the caller must match.
	IPAllowList []string `json:"ip_allow_list,omitempty"`
	// Time restricts the grant to a recurring window.
	Time *TimeWindow `json:"time,omitempty"`
}

// TimeWindow is a recurring window in UTC. StartHour is inclusive, EndHour
// exclusive; a window may wrap midnight (e.g. 22 to 6). Empty Days means
// every day.
type TimeWindow struct {
	StartHour int            `json:"start_hour"`
	EndHour   int            `json:"end_hour"`
	Days      []time.Weekday `json:"days,omitempty"`
}

// Role is a named permission bundle. Parents pull in inherited permissions;
// the parent graph must stay acyclic. System roles ship with the gate and
// cannot be modified.
type Role struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Permissions  []Permission `json:"permissions"`
	Parents      []string     `json:"parents,omitempty"`
	System       bool         `json:"system,omitempty"`
	TenantScoped bool         `json:"tenant_scoped,omitempty"`
}

// Clone returns a deep copy of the role.
func (r Role) Clone() Role {
	out := r
	if r.Permissions != nil {
		out.Permissions = make([]Permission, len(r.Permissions))
		for i, p := range r.Permissions {
			out.Permissions[i] = p
			if p.Conditions != nil {
				conds := *p.Conditions
				conds.Tenants = append([]string(nil), p.Conditions.Tenants...)
				conds.IPAllowList = append([]string(nil), p.Conditions.IPAllowList...)
				if p.Conditions.Time != nil {
					tw := *p.Conditions.Time
					tw.Days = append([]time.Weekday(nil), p.Conditions.Time.Days...)
					conds.Time = &tw
				}
				out.Permissions[i].Conditions = &conds
			}
		}
	}
	out.Parents = append([]string(nil), r.Parents...)
	return out
}

// Assignment grants a user a role within a tenant, optionally time-bounded.
type Assignment struct {
	UserID     string    `json:"user_id"`
	RoleID     string    `json:"role_id"`
	TenantID   string    `json:"tenant_id,omitempty"`
	AssignedBy string    `json:"assigned_by,omitempty"`
	AssignedAt time.Time `json:"assigned_at"`
	ExpiresAt  time.Time `json:"expires_at,omitempty"`
	Active     bool      `json:"active"`
}

// LiveAt reports whether the assignment is in force at t.
func (a Assignment) LiveAt(t time.Time) bool {
	if !a.Active {
		return false
	}
	if !a.AssignedAt.IsZero() && t.Before(a.AssignedAt) {
		return false
	}
	if !a.ExpiresAt.IsZero() && !t.Before(a.ExpiresAt) {
		return false
	}
	return true
}

// Expired reports whether the assignment was live once but has lapsed.
func (a Assignment) Expired(t time.Time) bool {
	return a.Active && !a.ExpiresAt.IsZero() && !t.Before(a.ExpiresAt)
}

// SystemRoles returns the built-in role set: user < business_user < admin,
// plus the unconditional super_admin. The chain gives each elevated role
// everything below it.
func SystemRoles() []Role {
	return []Role{
		{
			ID:     "user",
			Name:   "User",
			System: true,
			Permissions: []Permission{
				{Resource: "profile", Action: "read,update"},
				{Resource: "session", Action: "read,delete"},
			},
		},
		{
			ID:      "business_user",
			Name:    "Business User",
			System:  true,
			Parents: []string{"user"},
			Permissions: []Permission{
				{Resource: "report", Action: "read,create"},
				{Resource: "export", Action: "create"},
			},
		},
		{
			ID:      "admin",
			Name:    "Administrator",
			System:  true,
			Parents: []string{"business_user"},
			Permissions: []Permission{
				{Resource: "user", Action: Wildcard},
				{Resource: "role", Action: "read"},
				{Resource: Wildcard, Action: "read"},
			},
		},
		{
			ID:     "super_admin",
			Name:   "Super Administrator",
			System: true,
		},
	}
}
