package goGate

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

const (
	auditEventRequestAllowed     = "request_allowed"
	auditEventRequestBlocked     = "request_blocked"
	auditEventRateLimitTriggered = "rate_limit_triggered"
	auditEventRiskFlagged        = "risk_flagged"
	auditEventRiskBlocked        = "risk_blocked"
	auditEventSessionCreated     = "session_created"
	auditEventSessionEvicted     = "session_evicted"
	auditEventSessionInvalid     = "session_invalid"
	auditEventSessionDrift       = "session_drift"
	auditEventSessionsDestroyed  = "sessions_destroyed"
	auditEventCSRFRejected       = "csrf_rejected"
	auditEventPermissionDenied   = "permission_denied"
	auditEventFailedLogin        = "failed_login"
	auditEventRoleCreated        = "role_created"
	auditEventRoleUpdated        = "role_updated"
	auditEventRoleAssigned       = "role_assigned"
	auditEventRoleRevoked        = "role_revoked"
	auditEventSubjectUnblocked   = "subject_unblocked"
)

// blockEventTypes feed the top-blocked-subjects aggregate in the event log.
func blockEventTypes() []string {
	return []string{auditEventRequestBlocked, auditEventRiskBlocked}
}

// GateErrorCode is the machine-readable error tag carried on audit events.
type GateErrorCode string

const (
	gateErrRateLimited      GateErrorCode = "rate_limited"
	gateErrRiskBlocked      GateErrorCode = "risk_blocked"
	gateErrSessionNotFound  GateErrorCode = "session_not_found"
	gateErrCSRFInvalid      GateErrorCode = "csrf_invalid"
	gateErrPermissionDenied GateErrorCode = "permission_denied"
	gateErrUnavailable      GateErrorCode = "backend_unavailable"
	gateErrInternal         GateErrorCode = "internal_error"
)

func gateErrorCode(err error) GateErrorCode {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, ErrRateLimited):
		return gateErrRateLimited
	case errors.Is(err, ErrRiskBlocked):
		return gateErrRiskBlocked
	case errors.Is(err, ErrSessionNotFound),
		errors.Is(err, ErrSessionLimitExceeded):
		return gateErrSessionNotFound
	case errors.Is(err, ErrCSRFInvalid),
		errors.Is(err, ErrCSRFMissing):
		return gateErrCSRFInvalid
	case errors.Is(err, ErrPermissionDenied):
		return gateErrPermissionDenied
	case errors.Is(err, ErrStoreUnavailable):
		return gateErrUnavailable
	default:
		return gateErrInternal
	}
}

func (g *Gate) emitAudit(
	ctx context.Context,
	eventType string,
	success bool,
	req Request,
	riskScore int,
	err error,
	detailsBuilder func() map[string]string,
) {
	if g == nil || g.audit == nil {
		return
	}

	tenantID := req.Identity.TenantID
	if tenantID == "" {
		tenantID = tenantIDFromContext(ctx)
	}
	ip := req.IP
	if ip == "" {
		ip = clientIPFromContext(ctx)
	}
	userAgent := req.UserAgent
	if userAgent == "" {
		userAgent = userAgentFromContext(ctx)
	}

	var details map[string]string
	if detailsBuilder != nil {
		details = detailsBuilder()
	}

	subjectType := string(SubjectIP)
	if req.Identity.UserID != "" {
		subjectType = string(SubjectUser)
	}

	event := SecurityEvent{
		ID:          uuid.NewString(),
		Timestamp:   time.Now().UTC(),
		EventType:   eventType,
		SubjectType: subjectType,
		UserID:      req.Identity.UserID,
		TenantID:    tenantID,
		SessionID:   req.SessionID,
		IP:          ip,
		UserAgent:   userAgent,
		Endpoint:    req.Method + " " + req.Path,
		Action:      req.Action,
		RiskScore:   riskScore,
		Success:     success,
		Details:     details,
	}
	if code := gateErrorCode(err); code != "" {
		event.Error = string(code)
	}

	g.audit.Emit(ctx, event)
}
