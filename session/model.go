package session

// CurrentSchemaVersion is the codec version written for new sessions.
// Records carrying an older version are rewritten on read.
const CurrentSchemaVersion = 1

// SecurityContext is free-form security state carried inside the session
// record.
type SecurityContext struct {
	LoginAttempts     int  `json:"login_attempts,omitempty"`
	Locked            bool `json:"locked,omitempty"`
	TwoFactorVerified bool `json:"two_factor_verified,omitempty"`
}

// Session is the authoritative server-side record of one authenticated
// browser or client. FirstIP and FirstUserAgent keep the values observed at
// creation; IP and UserAgent track the most recent request so drift updates
// never destroy the original observation.
type Session struct {
	SessionID string `json:"-"`

	SchemaVersion int    `json:"v"`
	UserID        string `json:"uid"`
	TenantID      string `json:"tid"`
	Role          string `json:"role,omitempty"`

	IP                string `json:"ip,omitempty"`
	UserAgent         string `json:"ua,omitempty"`
	DeviceFingerprint string `json:"dfp,omitempty"`
	FirstIP           string `json:"fip,omitempty"`
	FirstUserAgent    string `json:"fua,omitempty"`

	Security SecurityContext `json:"sec,omitempty"`

	CreatedAt    int64 `json:"cat"`
	LastActivity int64 `json:"lat"`
	ExpiresAt    int64 `json:"exp"`
}
