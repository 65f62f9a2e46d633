package goGate

import (
	"errors"
	"time"

	"github.com/MrEthical07/goGate/ratelimit"
	"github.com/MrEthical07/goGate/risk"
)

// Config carries every tuning knob of the gate. Zero values are replaced by
// defaults in [Builder.Build]; a Config is cloned on the way in and treated
// as immutable afterwards.
type Config struct {
	RateLimit RateLimitConfig
	Risk      RiskConfig
	Session   SessionConfig
	Access    AccessConfig
	CSRF      CSRFConfig
	Audit     AuditConfig
	Metrics   MetricsConfig
}

/*
====================================
RATE LIMIT CONFIG
====================================
*/

// RateLimitConfig selects the active rule table. An empty Rules slice
// activates [ratelimit.DefaultRules].
type RateLimitConfig struct {
	Enabled bool
	Rules   []ratelimit.Rule
}

/*
====================================
RISK CONFIG
====================================
*/

// RiskConfig controls risk scoring and blocking thresholds.
type RiskConfig struct {
	Enabled bool
	Rules   []risk.Rule

	// BlockThreshold is the score at or above which a temporary block is
	// placed. FlagThreshold marks the lower bound of the moderate band that
	// is logged without blocking.
	BlockThreshold int
	FlagThreshold  int
	BlockDuration  time.Duration
}

/*
====================================
SESSION CONFIG
====================================
*/

// SessionConfig controls session lifetime and the concurrency cap.
type SessionConfig struct {
	KeyPrefix          string
	MaxSessionsPerUser int
	IdleLifetime       time.Duration
	AbsoluteLifetime   time.Duration
	RollingExpiration  bool
}

/*
====================================
ACCESS CONFIG
====================================
*/

// AccessConfig controls permission resolution and caching.
type AccessConfig struct {
	// SuperRole bypasses all permission checks. Defaults to "super_admin".
	SuperRole string
	// CacheTTL bounds how long a cached effective-permission set may be
	// served; version-key invalidation usually retires entries sooner.
	CacheTTL time.Duration
}

// CSRFConfig controls anti-forgery token issuance for mutating requests.
type CSRFConfig struct {
	Enabled    bool
	SigningKey []byte
	TokenTTL   time.Duration
}

// AuditConfig controls the async event dispatcher and the Redis event log.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
	// Retention bounds the Redis event log. Values are clamped to [7d, 30d].
	Retention time.Duration
}

// MetricsConfig controls the in-process metrics system.
type MetricsConfig struct {
	Enabled                 bool
	EnableLatencyHistograms bool
}

func defaultConfig() Config {
	return Config{
		RateLimit: RateLimitConfig{
			Enabled: true,
		},
		Risk: RiskConfig{
			Enabled:        true,
			BlockThreshold: 75,
			FlagThreshold:  40,
			BlockDuration:  time.Hour,
		},
		Session: SessionConfig{
			KeyPrefix:          "gs",
			MaxSessionsPerUser: 5,
			IdleLifetime:       30 * time.Minute,
			AbsoluteLifetime:   12 * time.Hour,
			RollingExpiration:  true,
		},
		Access: AccessConfig{
			SuperRole: "super_admin",
			CacheTTL:  30 * time.Second,
		},
		CSRF: CSRFConfig{
			Enabled:  true,
			TokenTTL: time.Hour,
		},
		Audit: AuditConfig{
			Enabled:    true,
			BufferSize: 1024,
			DropIfFull: true,
			Retention:  14 * 24 * time.Hour,
		},
		Metrics: MetricsConfig{
			Enabled:                 true,
			EnableLatencyHistograms: true,
		},
	}
}

// Validate rejects configurations the gate cannot run with.
func (c Config) Validate() error {
	if c.Risk.Enabled {
		if c.Risk.BlockThreshold <= 0 || c.Risk.BlockThreshold > 100 {
			return errors.New("Risk.BlockThreshold must be in (0, 100]")
		}
		if c.Risk.FlagThreshold < 0 || c.Risk.FlagThreshold >= c.Risk.BlockThreshold {
			return errors.New("Risk.FlagThreshold must be in [0, BlockThreshold)")
		}
		if c.Risk.BlockDuration <= 0 {
			return errors.New("Risk.BlockDuration must be positive")
		}
	}

	if c.Session.MaxSessionsPerUser <= 0 {
		return errors.New("Session.MaxSessionsPerUser must be positive")
	}
	if c.Session.IdleLifetime <= 0 {
		return errors.New("Session.IdleLifetime must be positive")
	}
	if c.Session.AbsoluteLifetime > 0 && c.Session.AbsoluteLifetime < c.Session.IdleLifetime {
		return errors.New("Session.AbsoluteLifetime must not be shorter than IdleLifetime")
	}

	if c.Access.CacheTTL <= 0 {
		return errors.New("Access.CacheTTL must be positive")
	}

	if c.CSRF.Enabled {
		if len(c.CSRF.SigningKey) < 32 {
			return errors.New("CSRF.SigningKey must be at least 32 bytes")
		}
		if c.CSRF.TokenTTL <= 0 {
			return errors.New("CSRF.TokenTTL must be positive")
		}
	}

	for _, rule := range c.RateLimit.Rules {
		if rule.ID == "" {
			return errors.New("rate limit rule without ID")
		}
		if rule.MaxRequests <= 0 || rule.Window <= 0 {
			return errors.New("rate limit rule " + rule.ID + " needs positive MaxRequests and Window")
		}
	}

	for _, rule := range c.Risk.Rules {
		if rule.Name == "" {
			return errors.New("risk rule without name")
		}
		if rule.Weight < 0 || rule.Weight > 100 {
			return errors.New("risk rule " + rule.Name + " weight must be in [0, 100]")
		}
	}

	return nil
}

func cloneConfig(cfg Config) Config {
	out := cfg

	if cfg.RateLimit.Rules != nil {
		out.RateLimit.Rules = make([]ratelimit.Rule, len(cfg.RateLimit.Rules))
		copy(out.RateLimit.Rules, cfg.RateLimit.Rules)
		for i := range out.RateLimit.Rules {
			out.RateLimit.Rules[i] = out.RateLimit.Rules[i].Clone()
		}
	}
	if cfg.Risk.Rules != nil {
		out.Risk.Rules = make([]risk.Rule, len(cfg.Risk.Rules))
		copy(out.Risk.Rules, cfg.Risk.Rules)
	}
	out.CSRF.SigningKey = cloneBytes(cfg.CSRF.SigningKey)

	return out
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// normalizeRetention clamps the audit log retention into the supported band.
func normalizeRetention(d time.Duration) time.Duration {
	const (
		minRetention = 7 * 24 * time.Hour
		maxRetention = 30 * 24 * time.Hour
	)
	if d <= 0 {
		return 14 * 24 * time.Hour
	}
	if d < minRetention {
		return minRetention
	}
	if d > maxRetention {
		return maxRetention
	}
	return d
}
