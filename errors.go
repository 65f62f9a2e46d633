package goGate

import "errors"

var (
	// ErrGateNotReady is returned when a Gate method is invoked before Build.
	ErrGateNotReady = errors.New("gate not initialized")
	// ErrStoreUnavailable wraps any Redis transport or command failure.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrRateLimited is returned when a request exceeds a rate-limit rule.
	ErrRateLimited = errors.New("rate limited")
	// ErrRiskBlocked is returned while a temporary risk block is in force.
	ErrRiskBlocked = errors.New("subject blocked by risk engine")
	// ErrSessionNotFound is returned when the session does not exist or expired.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionLimitExceeded is returned when a user is over the session cap.
	ErrSessionLimitExceeded = errors.New("session limit exceeded")
	// ErrCSRFInvalid is returned when an anti-forgery token fails verification.
	ErrCSRFInvalid = errors.New("invalid anti-forgery token")
	// ErrCSRFMissing is returned when a mutating request carries no anti-forgery token.
	ErrCSRFMissing = errors.New("missing anti-forgery token")
	// ErrPermissionDenied is returned when no effective permission grants the request.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrRoleNotFound is returned when a referenced role is not registered.
	ErrRoleNotFound = errors.New("role not found")
	// ErrRoleCycle is returned when a role registration would create an inheritance cycle.
	ErrRoleCycle = errors.New("role inheritance cycle")
	// ErrSystemRoleImmutable is returned on attempts to modify a built-in role.
	ErrSystemRoleImmutable = errors.New("system role immutable")
	// ErrAssignmentNotFound is returned when revoking a role the user does not hold.
	ErrAssignmentNotFound = errors.New("role assignment not found")
	// ErrInvalidRequest is returned when a Check input is missing required fields.
	ErrInvalidRequest = errors.New("invalid request")
)
