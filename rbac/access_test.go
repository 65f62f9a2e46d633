package rbac

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestController(t *testing.T, extra ...Role) (*Controller, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	registry, err := NewRegistry(append(SystemRoles(), extra...))
	if err != nil {
		t.Fatalf("registry: %v", err)
	}

	resolver := NewResolver(client, registry, time.Hour)
	store := NewRedisAssignmentStore(client)
	return NewController(registry, store, resolver, ""), mr
}

func mustCheck(t *testing.T, c *Controller, rc Context, resource, action string) Decision {
	t.Helper()

	d, err := c.HasPermission(context.Background(), rc, resource, action)
	if err != nil {
		t.Fatalf("HasPermission(%s, %s): %v", resource, action, err)
	}
	return d
}

func TestSuperRoleBypassesEverything(t *testing.T) {
	c, _ := newTestController(t)

	d := mustCheck(t, c, Context{UserID: "root", Role: "super_admin"}, "anything", "obliterate")
	if !d.Granted {
		t.Fatalf("super role denied: %+v", d)
	}
}

func TestBaseRoleGrants(t *testing.T) {
	c, _ := newTestController(t)
	rc := Context{UserID: "u1", Role: "user"}

	if d := mustCheck(t, c, rc, "profile", "read"); !d.Granted {
		t.Fatalf("profile read denied: %+v", d)
	}
	if d := mustCheck(t, c, rc, "profile", "update"); !d.Granted {
		t.Fatalf("profile update denied: %+v", d)
	}

	d := mustCheck(t, c, rc, "profile", "delete")
	if d.Granted || d.Reason != ReasonNoGrant {
		t.Fatalf("profile delete: %+v, want no_grant denial", d)
	}
	if d := mustCheck(t, c, rc, "report", "read"); d.Granted {
		t.Fatalf("user must not see reports: %+v", d)
	}
}

func TestInheritanceChain(t *testing.T) {
	c, _ := newTestController(t)
	rc := Context{UserID: "u1", Role: "admin"}

	// Own grant, inherited from business_user, inherited from user.
	for _, tc := range []struct{ resource, action string }{
		{"user", "delete"},
		{"report", "create"},
		{"profile", "update"},
	} {
		if d := mustCheck(t, c, rc, tc.resource, tc.action); !d.Granted {
			t.Fatalf("admin denied %s %s: %+v", tc.resource, tc.action, d)
		}
	}

	// The wildcard read grant covers resources no role names.
	if d := mustCheck(t, c, rc, "invoice", "read"); !d.Granted {
		t.Fatalf("admin wildcard read denied: %+v", d)
	}
	if d := mustCheck(t, c, rc, "invoice", "delete"); d.Granted {
		t.Fatalf("wildcard read must not grant writes: %+v", d)
	}
}

func TestFailedConditionOnBestMatchDoesNotFallBack(t *testing.T) {
	c, _ := newTestController(t,
		Role{
			ID: "analyst",
			Permissions: []Permission{
				{Resource: "doc", Action: "read", Conditions: &Conditions{Tenants: []string{"t1"}}},
				{Resource: Wildcard, Action: "read"},
			},
		},
	)

	// The exact grant outranks the wildcard; when its tenant condition fails
	// the broader unconditioned grant must not resurrect the request.
	d := mustCheck(t, c, Context{UserID: "u1", Role: "analyst", TenantID: "t2"}, "doc", "read")
	if d.Granted {
		t.Fatalf("broader grant applied past a failed condition: %+v", d)
	}
	if d.Reason != ReasonTenantNotAllowed {
		t.Fatalf("reason=%q, want tenant_not_allowed", d.Reason)
	}
	if d.Matched == nil || d.Matched.Resource != "doc" {
		t.Fatalf("denial should carry the best match, got %+v", d.Matched)
	}

	// From the allowed tenant the exact grant applies as before.
	if d := mustCheck(t, c, Context{UserID: "u1", Role: "analyst", TenantID: "t1"}, "doc", "read"); !d.Granted {
		t.Fatalf("exact grant denied in its tenant: %+v", d)
	}

	// The wildcard still covers resources the exact grant never named.
	if d := mustCheck(t, c, Context{UserID: "u1", Role: "analyst", TenantID: "t2"}, "invoice", "read"); !d.Granted {
		t.Fatalf("wildcard read denied for an unguarded resource: %+v", d)
	}
}

func TestSameTierSiblingGrantStillApplies(t *testing.T) {
	c, _ := newTestController(t,
		Role{
			ID: "dual",
			Permissions: []Permission{
				{Resource: "doc", Action: "read", Conditions: &Conditions{Tenants: []string{"t1"}}},
				{Resource: "doc", Action: "read,update"},
			},
		},
	)

	// Both grants sit in the exact/exact tier; the unconditioned sibling
	// passes even though the guarded one fails.
	d := mustCheck(t, c, Context{UserID: "u1", Role: "dual", TenantID: "t9"}, "doc", "read")
	if !d.Granted {
		t.Fatalf("same-tier sibling grant denied: %+v", d)
	}
}

func TestConditionFailureReportsMostSpecificReason(t *testing.T) {
	c, _ := newTestController(t,
		Role{
			ID: "restricted",
			Permissions: []Permission{
				{Resource: "vault", Action: "open", Conditions: &Conditions{Tenants: []string{"t1"}}},
			},
		},
	)

	d := mustCheck(t, c, Context{UserID: "u1", Role: "restricted", TenantID: "t9"}, "vault", "open")
	if d.Granted {
		t.Fatalf("expected denial: %+v", d)
	}
	if d.Reason != ReasonTenantNotAllowed {
		t.Fatalf("reason=%q, want tenant_not_allowed", d.Reason)
	}
	if d.Matched == nil || d.Matched.Resource != "vault" {
		t.Fatalf("denial should carry the failing permission, got %+v", d.Matched)
	}
}

func TestIPConditions(t *testing.T) {
	c, _ := newTestController(t,
		Role{
			ID: "office_only",
			Permissions: []Permission{
				{Resource: "ledger", Action: "read", Conditions: &Conditions{
					IPAllowList: []string{"10.0.0.0/8", "192.0.2.7"},
				}},
			},
		},
	)

	rc := Context{UserID: "u1", Role: "office_only"}

	rc.IP = "10.1.2.3"
	if d := mustCheck(t, c, rc, "ledger", "read"); !d.Granted {
		t.Fatalf("CIDR member denied: %+v", d)
	}

	rc.IP = "192.0.2.7"
	if d := mustCheck(t, c, rc, "ledger", "read"); !d.Granted {
		t.Fatalf("exact IP denied: %+v", d)
	}

	rc.IP = "198.51.100.1"
	d := mustCheck(t, c, rc, "ledger", "read")
	if d.Granted || d.Reason != ReasonIPNotAllowed {
		t.Fatalf("outside allowlist: %+v, want ip_not_allowed", d)
	}

	rc.IP = ""
	d = mustCheck(t, c, rc, "ledger", "read")
	if d.Granted || d.Reason != ReasonIPNotAllowed {
		t.Fatalf("missing IP must fail the allowlist: %+v", d)
	}
}

func TestTimeWindowConditions(t *testing.T) {
	c, _ := newTestController(t,
		Role{
			ID: "night_shift",
			Permissions: []Permission{
				{Resource: "console", Action: "use", Conditions: &Conditions{
					Time: &TimeWindow{StartHour: 22, EndHour: 6},
				}},
			},
		},
	)

	rc := Context{UserID: "u1", Role: "night_shift"}

	rc.Now = time.Date(2026, 3, 2, 23, 30, 0, 0, time.UTC)
	if d := mustCheck(t, c, rc, "console", "use"); !d.Granted {
		t.Fatalf("inside wrapped window denied: %+v", d)
	}

	rc.Now = time.Date(2026, 3, 3, 5, 0, 0, 0, time.UTC)
	if d := mustCheck(t, c, rc, "console", "use"); !d.Granted {
		t.Fatalf("early morning inside wrapped window denied: %+v", d)
	}

	rc.Now = time.Date(2026, 3, 3, 12, 0, 0, 0, time.UTC)
	d := mustCheck(t, c, rc, "console", "use")
	if d.Granted || d.Reason != ReasonOutsideTimeWindow {
		t.Fatalf("midday check: %+v, want outside_time_window", d)
	}
}

func TestAssignmentsGrantAndRevoke(t *testing.T) {
	c, _ := newTestController(t)
	ctx := context.Background()

	if err := c.Assign(ctx, Assignment{UserID: "u1", RoleID: "business_user"}); err != nil {
		t.Fatalf("assign: %v", err)
	}

	rc := Context{UserID: "u1"}
	if d := mustCheck(t, c, rc, "report", "create"); !d.Granted {
		t.Fatalf("assigned role denied: %+v", d)
	}

	if err := c.Revoke(ctx, "", "u1", "business_user"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	d := mustCheck(t, c, rc, "report", "create")
	if d.Granted {
		t.Fatalf("revoked role still grants (stale cache?): %+v", d)
	}

	if err := c.Revoke(ctx, "", "u1", "business_user"); !errors.Is(err, ErrAssignmentNotFound) {
		t.Fatalf("expected ErrAssignmentNotFound, got %v", err)
	}
}

func TestAssigningUnknownRoleFails(t *testing.T) {
	c, _ := newTestController(t)

	err := c.Assign(context.Background(), Assignment{UserID: "u1", RoleID: "ghost"})
	if !errors.Is(err, ErrRoleNotFound) {
		t.Fatalf("expected ErrRoleNotFound, got %v", err)
	}
}

func TestExpiredAssignmentReportsSharperReason(t *testing.T) {
	c, _ := newTestController(t)
	ctx := context.Background()

	if err := c.Assign(ctx, Assignment{
		UserID:     "u1",
		RoleID:     "business_user",
		AssignedAt: time.Now().Add(-2 * time.Hour),
		ExpiresAt:  time.Now().Add(-time.Hour),
	}); err != nil {
		t.Fatalf("assign: %v", err)
	}

	d := mustCheck(t, c, Context{UserID: "u1"}, "report", "create")
	if d.Granted {
		t.Fatalf("lapsed assignment must not grant: %+v", d)
	}
	if d.Reason != ReasonAssignmentExpired {
		t.Fatalf("reason=%q, want assignment_expired", d.Reason)
	}

	// A resource the lapsed role never granted stays a plain no_grant.
	d = mustCheck(t, c, Context{UserID: "u1"}, "vault", "open")
	if d.Reason != ReasonNoGrant {
		t.Fatalf("reason=%q, want no_grant", d.Reason)
	}
}

func TestAssignmentStoreFaultSurfaces(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	registry, err := NewRegistry(SystemRoles())
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	c := NewController(registry, NewRedisAssignmentStore(client), NewResolver(client, registry, time.Minute), "")

	mr.Close()

	if _, err := c.HasPermission(context.Background(), Context{UserID: "u1"}, "profile", "read"); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
}

func TestCacheFaultFallsBackToComputation(t *testing.T) {
	// With no Redis at all the resolver still computes from the registry.
	registry, err := NewRegistry(SystemRoles())
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	resolver := NewResolver(nil, registry, time.Minute)

	perms, err := resolver.EffectivePermissions(context.Background(), "", "u1", []string{"admin"})
	if err != nil {
		t.Fatalf("effective permissions: %v", err)
	}
	if len(perms) == 0 {
		t.Fatal("expected the full inherited permission set")
	}

	seen := map[string]bool{}
	for _, p := range perms {
		seen[p.Resource+" "+p.Action] = true
	}
	if !seen["profile read,update"] || !seen["report read,create"] {
		t.Fatalf("inherited permissions missing: %v", seen)
	}
}
