package rbac

import (
	"context"
	"time"
)

// Decision is the outcome of a permission check. Reason is one of the
// Reason* codes when Granted is false; Matched carries the permission that
// granted (or whose conditions failed) when one was found.
type Decision struct {
	Granted bool
	Reason  string
	Matched *Permission
}

// Controller answers "may this caller perform this action on this
// resource". It combines the caller's base role with any live assignments,
// resolves the effective permission set through the cache, and evaluates
// condition guards at the winning specificity tier.
type Controller struct {
	registry    *Registry
	assignments AssignmentStore
	resolver    *Resolver
	superRole   string
}

// NewController wires a [Controller] from its parts. superRole names the
// role that bypasses all checks.
func NewController(registry *Registry, assignments AssignmentStore, resolver *Resolver, superRole string) *Controller {
	if superRole == "" {
		superRole = "super_admin"
	}
	return &Controller{
		registry:    registry,
		assignments: assignments,
		resolver:    resolver,
		superRole:   superRole,
	}
}

// Registry exposes the role graph for admin surfaces.
func (c *Controller) Registry() *Registry {
	return c.registry
}

// HasPermission evaluates the caller's access to (resource, action).
//
// The super role grants unconditionally. Otherwise the caller's roles are
// the base role from rc plus live assignments; matching permissions are
// ranked by specificity and only the most specific tier is considered. The
// first permission in that tier whose conditions pass grants; if every one
// fails, the check denies with the first failure's reason even when a
// broader unconditioned grant exists. When the only roles that could have
// granted came from lapsed assignments, the reason is assignment_expired.
func (c *Controller) HasPermission(ctx context.Context, rc Context, resource, action string) (Decision, error) {
	now := rc.Now
	if now.IsZero() {
		now = time.Now()
		rc.Now = now
	}

	if rc.Role == c.superRole {
		return Decision{Granted: true}, nil
	}

	var roles []string
	if rc.Role != "" {
		if _, ok := c.registry.Get(rc.Role); ok {
			roles = append(roles, rc.Role)
		}
	}

	var lapsed []string
	if c.assignments != nil && rc.UserID != "" {
		assigned, err := c.assignments.ListForUser(ctx, rc.TenantID, rc.UserID)
		if err != nil {
			return Decision{}, err
		}
		for _, a := range assigned {
			if a.RoleID == c.superRole && a.LiveAt(now) {
				return Decision{Granted: true}, nil
			}
			if _, ok := c.registry.Get(a.RoleID); !ok {
				continue
			}
			if a.LiveAt(now) {
				roles = append(roles, a.RoleID)
			} else if a.Expired(now) {
				lapsed = append(lapsed, a.RoleID)
			}
		}
	}

	decision, err := c.decide(ctx, rc, roles, resource, action)
	if err != nil {
		return Decision{}, err
	}
	if decision.Granted || decision.Reason != ReasonNoGrant || len(lapsed) == 0 {
		return decision, nil
	}

	// No live grant; check whether a lapsed assignment would have granted,
	// to report the sharper reason.
	lapsedDecision, err := c.decide(ctx, rc, lapsed, resource, action)
	if err != nil {
		return Decision{}, err
	}
	if lapsedDecision.Granted {
		return Decision{Reason: ReasonAssignmentExpired}, nil
	}

	return decision, nil
}

func (c *Controller) decide(ctx context.Context, rc Context, roles []string, resource, action string) (Decision, error) {
	if len(roles) == 0 {
		return Decision{Reason: ReasonNoGrant}, nil
	}

	perms, err := c.resolver.EffectivePermissions(ctx, rc.TenantID, rc.UserID, roles)
	if err != nil {
		return Decision{}, err
	}

	ranked := rankMatches(perms, resource, action)
	if len(ranked) == 0 {
		return Decision{Reason: ReasonNoGrant}, nil
	}

	// Conditions are judged at the winning specificity tier only. A failed
	// guard on the best match is a deny with that guard's reason; broader
	// grants further down the ranking must not resurrect the request.
	topTier := matchTier(ranked[0], resource, action)
	var firstFailure string
	for i := range ranked {
		if matchTier(ranked[i], resource, action) != topTier {
			break
		}
		reason := evaluateConditions(ranked[i].Conditions, rc)
		if reason == "" {
			return Decision{Granted: true, Matched: &ranked[i]}, nil
		}
		if firstFailure == "" {
			firstFailure = reason
		}
	}

	return Decision{Reason: firstFailure, Matched: &ranked[0]}, nil
}

// Assign grants the user a role and invalidates cached permission sets.
func (c *Controller) Assign(ctx context.Context, a Assignment) error {
	if _, ok := c.registry.Get(a.RoleID); !ok {
		return ErrRoleNotFound
	}
	if a.AssignedAt.IsZero() {
		a.AssignedAt = time.Now().UTC()
	}
	a.Active = true

	if err := c.assignments.Put(ctx, a); err != nil {
		return err
	}
	return c.resolver.Invalidate(ctx)
}

// Revoke removes a role assignment and invalidates cached permission sets.
func (c *Controller) Revoke(ctx context.Context, tenantID, userID, roleID string) error {
	if err := c.assignments.Remove(ctx, tenantID, userID, roleID); err != nil {
		return err
	}
	return c.resolver.Invalidate(ctx)
}

// AssignmentsForUser lists the user's stored assignments, live or not.
func (c *Controller) AssignmentsForUser(ctx context.Context, tenantID, userID string) ([]Assignment, error) {
	return c.assignments.ListForUser(ctx, tenantID, userID)
}

// CreateRole registers a custom role and invalidates cached permission sets.
func (c *Controller) CreateRole(ctx context.Context, role Role) error {
	role.System = false
	if err := c.registry.Register(role); err != nil {
		return err
	}
	return c.resolver.Invalidate(ctx)
}

// UpdateRole replaces a custom role and invalidates cached permission sets.
func (c *Controller) UpdateRole(ctx context.Context, role Role) error {
	if err := c.registry.Update(role); err != nil {
		return err
	}
	return c.resolver.Invalidate(ctx)
}
