package goGate

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	internalaudit "github.com/MrEthical07/goGate/internal/audit"
	"github.com/MrEthical07/goGate/ratelimit"
	"github.com/MrEthical07/goGate/rbac"
	"github.com/MrEthical07/goGate/risk"
	"github.com/MrEthical07/goGate/session"
)

// Gate composes the rate limiter, risk engine, session manager, and access
// controller into one per-request pipeline. Build one with [New].
type Gate struct {
	config Config
	redis  redis.UniversalClient

	limiter    *ratelimit.Limiter
	riskEngine *risk.Engine
	blocklist  *risk.Blocklist
	sessions   *session.Manager
	csrf       *session.CSRFManager
	access     *rbac.Controller

	audit    *internalaudit.Dispatcher
	eventLog *internalaudit.RedisLog
	metrics  *Metrics
}

// Check runs the full pipeline for one request. Stage order is fixed:
// active block, rate limit, risk assessment, session validation (with
// anti-forgery on mutating methods), then the permission check. The first
// denying stage short-circuits; every denial is a structured [Decision],
// never an error.
func (g *Gate) Check(ctx context.Context, req Request) Decision {
	if g == nil {
		return Decision{Allowed: false, Status: http.StatusServiceUnavailable}
	}

	start := time.Now()
	defer func() {
		g.metrics.Observe(MetricCheckLatency, time.Since(start))
	}()

	decision := Decision{
		Allowed:  true,
		Status:   http.StatusOK,
		Resource: req.Resource,
		Action:   req.Action,
	}

	if req.Identity.TenantID == "" {
		req.Identity.TenantID = tenantIDFromContext(ctx)
	}
	if req.IP == "" {
		req.IP = clientIPFromContext(ctx)
	}
	if req.UserAgent == "" {
		req.UserAgent = userAgentFromContext(ctx)
	}

	// An active block short-circuits before anything is counted; blocked
	// traffic must not keep consuming quota or feeding its own risk score.
	if block := g.activeBlock(ctx, req); block != nil {
		g.metrics.Inc(MetricBlockShortCircuit)
		g.emitAudit(ctx, auditEventRequestBlocked, false, req, block.Score, ErrRiskBlocked, func() map[string]string {
			return map[string]string{
				"rule":       block.Rule,
				"expires_at": block.ExpiresAt.Format(time.RFC3339),
			}
		})

		decision.Allowed = false
		decision.Status = http.StatusTooManyRequests
		decision.Reason = ReasonRiskBlocked
		decision.RiskScore = block.Score
		if retry := time.Until(block.ExpiresAt); retry > 0 {
			decision.RetryAfterSeconds = int(retry/time.Second) + 1
		}
		return decision
	}

	if g.config.RateLimit.Enabled {
		res, err := g.limiter.Allow(ctx, ratelimit.Descriptor{
			Method: req.Method,
			Path:   req.Path,
			IP:     req.IP,
			UserID: req.Identity.UserID,
			Role:   req.Identity.Role,
		})
		switch {
		case err != nil:
			// Fail open: a store outage must not take the API down.
			g.metrics.Inc(MetricStoreFailOpen)
			log.Print("goGate: rate limiter unavailable, failing open: ", err)
		case res.RuleID != "":
			decision.Limit = res.Limit
			decision.Remaining = res.Remaining
			decision.ResetAt = res.ResetAt

			if !res.Allowed {
				g.metrics.Inc(MetricRateLimited)
				g.emitAudit(ctx, auditEventRateLimitTriggered, false, req, 0, ErrRateLimited, func() map[string]string {
					return map[string]string{"rule": res.RuleID}
				})

				decision.Allowed = false
				decision.Status = http.StatusTooManyRequests
				decision.Reason = ReasonRateLimited
				decision.RetryAfterSeconds = int(res.RetryAfter / time.Second)
				if decision.RetryAfterSeconds < 1 {
					decision.RetryAfterSeconds = 1
				}
				return decision
			}
		}
	}

	if g.config.Risk.Enabled {
		assessment, err := g.riskEngine.Evaluate(ctx, risk.Input{
			IP:         req.IP,
			UserID:     req.Identity.UserID,
			UserAgent:  req.UserAgent,
			Endpoint:   req.Method + " " + req.Path,
			Action:     req.Action,
			ResourceID: req.ResourceID,
		})
		if err != nil {
			// Fail open, same rationale as the limiter.
			g.metrics.Inc(MetricStoreFailOpen)
			log.Print("goGate: risk engine unavailable, failing open: ", err)
		} else {
			decision.RiskScore = assessment.Score

			if assessment.Score >= g.config.Risk.BlockThreshold {
				if d := g.placeBlock(ctx, req, assessment); d != nil {
					decision = *d
					decision.Resource = req.Resource
					decision.Action = req.Action
					return decision
				}
			} else if assessment.Score >= g.config.Risk.FlagThreshold {
				g.metrics.Inc(MetricRiskFlagged)
				g.emitAudit(ctx, auditEventRiskFlagged, true, req, assessment.Score, nil, func() map[string]string {
					return map[string]string{"rule": assessment.TopRule()}
				})
			}
		}
	}

	authenticated := req.Identity.UserID != "" || req.SessionID != ""
	if authenticated {
		sess, denied := g.validateSession(ctx, &req, &decision)
		if denied {
			return decision
		}

		if g.csrf != nil && isMutating(req.Method) {
			if err := g.verifyCSRF(req); err != nil {
				g.metrics.Inc(MetricCSRFRejected)
				g.emitAudit(ctx, auditEventCSRFRejected, false, req, decision.RiskScore, err, nil)

				decision.Allowed = false
				decision.Status = http.StatusForbidden
				decision.Reason = ReasonCSRFInvalid
				return decision
			}
		}

		if req.Resource != "" && req.Action != "" {
			if denied := g.checkPermission(ctx, req, sess, &decision); denied {
				return decision
			}
		}
	}

	g.metrics.Inc(MetricRequestAllowed)
	g.emitAudit(ctx, auditEventRequestAllowed, true, req, decision.RiskScore, nil, nil)
	return decision
}

// activeBlock returns the first block in force for the request subject,
// user before IP. Store faults fail open.
func (g *Gate) activeBlock(ctx context.Context, req Request) *risk.Block {
	if g.blocklist == nil {
		return nil
	}

	if req.Identity.UserID != "" {
		block, err := g.blocklist.Get(ctx, string(SubjectUser), req.Identity.UserID)
		if err != nil {
			g.metrics.Inc(MetricStoreFailOpen)
			log.Print("goGate: block lookup failed, failing open: ", err)
			return nil
		}
		if block != nil {
			return block
		}
	}

	if req.IP != "" {
		block, err := g.blocklist.Get(ctx, string(SubjectIP), req.IP)
		if err != nil {
			g.metrics.Inc(MetricStoreFailOpen)
			log.Print("goGate: block lookup failed, failing open: ", err)
			return nil
		}
		if block != nil {
			return block
		}
	}

	return nil
}

// placeBlock records a temporary block for the request subject and returns
// the denial. A store fault leaves the subject unblocked (fail open) and
// returns nil.
func (g *Gate) placeBlock(ctx context.Context, req Request, assessment risk.Assessment) *Decision {
	subjectType := string(SubjectIP)
	subject := req.IP
	if req.Identity.UserID != "" {
		subjectType = string(SubjectUser)
		subject = req.Identity.UserID
	}
	if subject == "" {
		return nil
	}

	block := risk.Block{
		SubjectType: subjectType,
		Subject:     subject,
		Reason:      string(ReasonRiskBlocked),
		Rule:        assessment.TopRule(),
		Score:       assessment.Score,
	}
	if err := g.blocklist.Put(ctx, block, g.config.Risk.BlockDuration); err != nil {
		g.metrics.Inc(MetricStoreFailOpen)
		log.Print("goGate: block placement failed, failing open: ", err)
		return nil
	}

	g.metrics.Inc(MetricRiskBlocked)
	g.emitAudit(ctx, auditEventRiskBlocked, false, req, assessment.Score, ErrRiskBlocked, func() map[string]string {
		return map[string]string{
			"rule":     assessment.TopRule(),
			"duration": g.config.Risk.BlockDuration.String(),
		}
	})

	return &Decision{
		Allowed:           false,
		Status:            http.StatusTooManyRequests,
		Reason:            ReasonRiskBlocked,
		RiskScore:         assessment.Score,
		RetryAfterSeconds: int(g.config.Risk.BlockDuration / time.Second),
	}
}

// validateSession resolves and checks the request's session, filling the
// identity from the record when the caller left it empty. Session lookups
// fail closed: a store outage must not bypass authentication.
func (g *Gate) validateSession(ctx context.Context, req *Request, decision *Decision) (*session.Session, bool) {
	deny := func(err error) (*session.Session, bool) {
		g.metrics.Inc(MetricSessionInvalid)
		g.emitAudit(ctx, auditEventSessionInvalid, false, *req, decision.RiskScore, err, nil)

		decision.Allowed = false
		decision.Status = http.StatusUnauthorized
		decision.Reason = ReasonSessionInvalid
		return nil, true
	}

	if req.SessionID == "" {
		return deny(ErrSessionNotFound)
	}

	sess, drifts, err := g.sessions.Validate(ctx, req.Identity.TenantID, req.SessionID, req.IP, req.UserAgent)
	if err != nil {
		if !errors.Is(err, session.ErrNotFound) {
			g.metrics.Inc(MetricStoreFailClosed)
			log.Print("goGate: session lookup failed, failing closed: ", err)
		}
		return deny(ErrSessionNotFound)
	}

	if req.Identity.UserID != "" && req.Identity.UserID != sess.UserID {
		return deny(ErrSessionNotFound)
	}
	req.Identity.UserID = sess.UserID
	if req.Identity.Role == "" {
		req.Identity.Role = sess.Role
	}

	for _, drift := range drifts {
		g.metrics.Inc(MetricSessionDrift)
		d := drift
		g.emitAudit(ctx, auditEventSessionDrift, true, *req, decision.RiskScore, nil, func() map[string]string {
			return map[string]string{
				"kind":     d.Kind,
				"previous": d.Previous,
				"current":  d.Current,
			}
		})
	}

	return sess, false
}

func (g *Gate) verifyCSRF(req Request) error {
	if req.CSRFToken == "" {
		return ErrCSRFMissing
	}
	if err := g.csrf.Verify(req.CSRFToken, req.SessionID); err != nil {
		return ErrCSRFInvalid
	}
	return nil
}

// checkPermission runs the access controller. Assignment-store faults fail
// closed: granting on unknown assignments would widen access during an
// outage.
func (g *Gate) checkPermission(ctx context.Context, req Request, sess *session.Session, decision *Decision) bool {
	role := req.Identity.Role
	if role == "" && sess != nil {
		role = sess.Role
	}

	result, err := g.access.HasPermission(ctx, rbac.Context{
		UserID:   req.Identity.UserID,
		Role:     role,
		TenantID: req.Identity.TenantID,
		IP:       req.IP,
		Now:      time.Now(),
	}, req.Resource, req.Action)
	if err != nil {
		g.metrics.Inc(MetricStoreFailClosed)
		log.Print("goGate: permission check failed, failing closed: ", err)
		result = rbac.Decision{Reason: rbac.ReasonNoGrant}
	}

	if result.Granted {
		g.metrics.Inc(MetricPermissionGranted)
		return false
	}

	g.metrics.Inc(MetricPermissionDenied)
	g.emitAudit(ctx, auditEventPermissionDenied, false, req, decision.RiskScore, ErrPermissionDenied, func() map[string]string {
		return map[string]string{"reason": result.Reason}
	})

	decision.Allowed = false
	decision.Status = http.StatusForbidden
	decision.Reason = ReasonCode(result.Reason)
	return true
}

func isMutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	default:
		return false
	}
}

/*
====================================
SESSION SURFACE
====================================
*/

// CreateSession opens a session for an authenticated identity and returns
// it with a bound anti-forgery token. Sessions evicted by the concurrency
// cap are reported as security events.
func (g *Gate) CreateSession(ctx context.Context, identity Identity, ip, userAgent, deviceFingerprint string) (*session.Session, string, error) {
	if g == nil {
		return nil, "", ErrGateNotReady
	}
	if identity.UserID == "" {
		return nil, "", ErrInvalidRequest
	}
	if identity.TenantID == "" {
		identity.TenantID = tenantIDFromContext(ctx)
	}

	sess := &session.Session{
		UserID:            identity.UserID,
		TenantID:          identity.TenantID,
		Role:              identity.Role,
		IP:                ip,
		UserAgent:         userAgent,
		DeviceFingerprint: deviceFingerprint,
	}

	evicted, err := g.sessions.Create(ctx, sess)
	if err != nil {
		return nil, "", err
	}

	req := Request{Identity: identity, IP: ip, UserAgent: userAgent, SessionID: sess.SessionID}
	g.metrics.Inc(MetricSessionCreated)
	g.emitAudit(ctx, auditEventSessionCreated, true, req, 0, nil, nil)

	for _, victim := range evicted {
		v := victim
		g.metrics.Inc(MetricSessionEvicted)
		g.emitAudit(ctx, auditEventSessionEvicted, true, Request{
			Identity:  identity,
			IP:        ip,
			UserAgent: userAgent,
			SessionID: v.SessionID,
		}, 0, nil, func() map[string]string {
			return map[string]string{
				"created_at": strconv.FormatInt(v.CreatedAt, 10),
				"evicted_by": sess.SessionID,
			}
		})
	}

	var csrfToken string
	if g.csrf != nil {
		csrfToken, err = g.csrf.Issue(sess.SessionID)
		if err != nil {
			return nil, "", err
		}
	}

	return sess, csrfToken, nil
}

// RefreshCSRFToken issues a fresh anti-forgery token for a live session.
func (g *Gate) RefreshCSRFToken(ctx context.Context, tenantID, sessionID string) (string, error) {
	if g == nil {
		return "", ErrGateNotReady
	}
	if g.csrf == nil {
		return "", ErrCSRFInvalid
	}
	if _, err := g.sessions.Touch(ctx, tenantID, sessionID); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return "", ErrSessionNotFound
		}
		return "", err
	}
	return g.csrf.Issue(sessionID)
}

// DestroySession removes a single session.
func (g *Gate) DestroySession(ctx context.Context, tenantID, sessionID string) error {
	if g == nil {
		return ErrGateNotReady
	}
	return g.sessions.Destroy(ctx, tenantID, sessionID)
}

// ListSessions returns the user's live sessions, oldest first.
func (g *Gate) ListSessions(ctx context.Context, tenantID, userID string) ([]*session.Session, error) {
	if g == nil {
		return nil, ErrGateNotReady
	}
	return g.sessions.ListForUser(ctx, tenantID, userID)
}

// DestroySessions removes every session of the user except the one named
// by exceptSessionID (pass "" to remove all). Returns the destroyed count.
func (g *Gate) DestroySessions(ctx context.Context, tenantID, userID, exceptSessionID string) (int, error) {
	if g == nil {
		return 0, ErrGateNotReady
	}

	n, err := g.sessions.DestroyAllForUser(ctx, tenantID, userID, exceptSessionID)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		g.emitAudit(ctx, auditEventSessionsDestroyed, true, Request{
			Identity: Identity{UserID: userID, TenantID: tenantID},
		}, 0, nil, func() map[string]string {
			return map[string]string{"count": strconv.Itoa(n)}
		})
	}
	return n, nil
}

/*
====================================
RISK SURFACE
====================================
*/

// ReportFailedLogin feeds a failed authentication attempt into the risk
// engine and places a block when the resulting score crosses the threshold.
// resourceID names the account or resource that was targeted.
func (g *Gate) ReportFailedLogin(ctx context.Context, ip, userID, userAgent, resourceID string) (int, error) {
	if g == nil {
		return 0, ErrGateNotReady
	}
	if !g.config.Risk.Enabled {
		return 0, nil
	}

	req := Request{
		Identity:   Identity{UserID: userID},
		IP:         ip,
		UserAgent:  userAgent,
		Action:     risk.ActionFailedLogin,
		ResourceID: resourceID,
	}

	assessment, err := g.riskEngine.Evaluate(ctx, risk.Input{
		IP:         ip,
		UserID:     userID,
		UserAgent:  userAgent,
		Action:     risk.ActionFailedLogin,
		ResourceID: resourceID,
	})
	if err != nil {
		g.metrics.Inc(MetricStoreFailOpen)
		return 0, err
	}

	g.emitAudit(ctx, auditEventFailedLogin, false, req, assessment.Score, nil, func() map[string]string {
		return map[string]string{"resource_id": resourceID}
	})

	if assessment.Score >= g.config.Risk.BlockThreshold {
		g.placeBlock(ctx, req, assessment)
	}

	return assessment.Score, nil
}

// UnblockSubject lifts an active block before its natural expiry.
func (g *Gate) UnblockSubject(ctx context.Context, subjectType SubjectType, subject string) error {
	if g == nil {
		return ErrGateNotReady
	}
	if err := g.blocklist.Remove(ctx, string(subjectType), subject); err != nil {
		return err
	}
	g.emitAudit(ctx, auditEventSubjectUnblocked, true, Request{}, 0, nil, func() map[string]string {
		return map[string]string{
			"subject_type": string(subjectType),
			"subject":      subject,
		}
	})
	return nil
}

/*
====================================
ROLE SURFACE
====================================
*/

// CreateRole registers a custom role.
func (g *Gate) CreateRole(ctx context.Context, role rbac.Role) error {
	if g == nil {
		return ErrGateNotReady
	}
	if err := g.access.CreateRole(ctx, role); err != nil {
		return err
	}
	g.emitAudit(ctx, auditEventRoleCreated, true, Request{}, 0, nil, func() map[string]string {
		return map[string]string{"role": role.ID}
	})
	return nil
}

// UpdateRole replaces a custom role.
func (g *Gate) UpdateRole(ctx context.Context, role rbac.Role) error {
	if g == nil {
		return ErrGateNotReady
	}
	if err := g.access.UpdateRole(ctx, role); err != nil {
		return err
	}
	g.emitAudit(ctx, auditEventRoleUpdated, true, Request{}, 0, nil, func() map[string]string {
		return map[string]string{"role": role.ID}
	})
	return nil
}

// AssignRole grants a user a role, optionally time-bounded.
func (g *Gate) AssignRole(ctx context.Context, assignment rbac.Assignment) error {
	if g == nil {
		return ErrGateNotReady
	}
	if err := g.access.Assign(ctx, assignment); err != nil {
		return err
	}
	g.emitAudit(ctx, auditEventRoleAssigned, true, Request{
		Identity: Identity{UserID: assignment.UserID, TenantID: assignment.TenantID},
	}, 0, nil, func() map[string]string {
		return map[string]string{
			"role":        assignment.RoleID,
			"assigned_by": assignment.AssignedBy,
		}
	})
	return nil
}

// RevokeRole removes a role assignment.
func (g *Gate) RevokeRole(ctx context.Context, tenantID, userID, roleID string) error {
	if g == nil {
		return ErrGateNotReady
	}
	if err := g.access.Revoke(ctx, tenantID, userID, roleID); err != nil {
		return err
	}
	g.emitAudit(ctx, auditEventRoleRevoked, true, Request{
		Identity: Identity{UserID: userID, TenantID: tenantID},
	}, 0, nil, func() map[string]string {
		return map[string]string{"role": roleID}
	})
	return nil
}

// Roles lists every registered role.
func (g *Gate) Roles() []rbac.Role {
	if g == nil {
		return nil
	}
	return g.access.Registry().List()
}

/*
====================================
ANALYTICS SURFACE
====================================
*/

// EventCounts returns per-type security event counts over the day range.
func (g *Gate) EventCounts(ctx context.Context, from, to time.Time) (map[string]int64, error) {
	if g == nil || g.eventLog == nil {
		return map[string]int64{}, nil
	}
	return g.eventLog.EventCounts(ctx, from, to)
}

// TopBlockedSubjects returns the subjects with the most block events over
// the day range.
func (g *Gate) TopBlockedSubjects(ctx context.Context, from, to time.Time, n int) ([]internalaudit.BlockedSubject, error) {
	if g == nil || g.eventLog == nil {
		return []internalaudit.BlockedSubject{}, nil
	}
	return g.eventLog.TopBlockedSubjects(ctx, from, to, n)
}

// RiskScoreDistribution returns event counts grouped into score deciles
// over the day range.
func (g *Gate) RiskScoreDistribution(ctx context.Context, from, to time.Time) (map[string]int64, error) {
	if g == nil || g.eventLog == nil {
		return map[string]int64{}, nil
	}
	return g.eventLog.RiskScoreDistribution(ctx, from, to)
}

// MetricsSnapshot returns a point-in-time copy of all metrics.
func (g *Gate) MetricsSnapshot() MetricsSnapshot {
	if g == nil {
		return MetricsSnapshot{Counters: map[MetricID]uint64{}, Histograms: map[MetricID][]uint64{}}
	}
	return g.metrics.Snapshot()
}

// AuditDropped returns how many events the dispatcher dropped under
// backpressure.
func (g *Gate) AuditDropped() uint64 {
	if g == nil {
		return 0
	}
	return g.audit.Dropped()
}

// Close drains the audit dispatcher. The Redis client is owned by the
// caller and stays open.
func (g *Gate) Close() {
	if g == nil {
		return
	}
	g.audit.Close()
}
