package goGate

import (
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	internalaudit "github.com/MrEthical07/goGate/internal/audit"
	"github.com/MrEthical07/goGate/ratelimit"
	"github.com/MrEthical07/goGate/rbac"
	"github.com/MrEthical07/goGate/risk"
	"github.com/MrEthical07/goGate/session"
)

// Builder assembles a [Gate]. Chain the With* methods and finish with
// Build; a builder is single-use.
type Builder struct {
	config    Config
	redis     redis.UniversalClient
	roles     []rbac.Role
	auditSink Sink
	built     bool
}

// New starts a builder with default configuration.
func New() *Builder {
	return &Builder{config: defaultConfig()}
}

// WithRedis sets the Redis client shared by every component. Required.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithConfig replaces the default configuration. The config is copied, so
// later mutation of the argument has no effect.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithRoles registers custom roles alongside the built-in system roles.
func (b *Builder) WithRoles(roles []rbac.Role) *Builder {
	for _, role := range roles {
		b.roles = append(b.roles, role.Clone())
	}
	return b
}

// WithAuditSink adds a sink that receives every security event in addition
// to the Redis event log.
func (b *Builder) WithAuditSink(sink Sink) *Builder {
	b.auditSink = sink
	return b
}

// WithMetricsEnabled toggles metric collection.
func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

// Build validates the configuration and wires the gate.
func (b *Builder) Build() (*Gate, error) {
	if b.built {
		return nil, errors.New("goGate: builder already used")
	}
	b.built = true

	if b.redis == nil {
		return nil, fmt.Errorf("%w: redis client is required", ErrGateNotReady)
	}

	cfg := b.config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.Audit.Retention = normalizeRetention(cfg.Audit.Retention)

	riskRules := cfg.Risk.Rules
	if len(riskRules) == 0 {
		riskRules = risk.DefaultRules()
	}
	riskEngine, err := risk.NewEngine(b.redis, riskRules)
	if err != nil {
		return nil, err
	}

	roles := rbac.SystemRoles()
	roles = append(roles, b.roles...)
	registry, err := rbac.NewRegistry(roles)
	if err != nil {
		return nil, err
	}

	resolver := rbac.NewResolver(b.redis, registry, cfg.Access.CacheTTL)
	assignments := rbac.NewRedisAssignmentStore(b.redis)
	access := rbac.NewController(registry, assignments, resolver, cfg.Access.SuperRole)

	sessions := session.NewManager(b.redis, session.Config{
		KeyPrefix:          cfg.Session.KeyPrefix,
		MaxSessionsPerUser: cfg.Session.MaxSessionsPerUser,
		IdleLifetime:       cfg.Session.IdleLifetime,
		AbsoluteLifetime:   cfg.Session.AbsoluteLifetime,
		RollingExpiration:  cfg.Session.RollingExpiration,
	})

	var csrf *session.CSRFManager
	if cfg.CSRF.Enabled {
		csrf, err = session.NewCSRFManager(cfg.CSRF.SigningKey, cfg.CSRF.TokenTTL)
		if err != nil {
			return nil, err
		}
	}

	g := &Gate{
		config:     cfg,
		redis:      b.redis,
		limiter:    ratelimit.New(b.redis, cfg.RateLimit.Rules),
		riskEngine: riskEngine,
		blocklist:  risk.NewBlocklist(b.redis),
		sessions:   sessions,
		csrf:       csrf,
		access:     access,
		metrics:    NewMetrics(cfg.Metrics),
	}

	if cfg.Audit.Enabled {
		g.eventLog = internalaudit.NewRedisLog(b.redis, cfg.Audit.Retention, blockEventTypes())
		sink := Sink(g.eventLog)
		if b.auditSink != nil {
			sink = NewMultiSink(b.auditSink, g.eventLog)
		}
		g.audit = internalaudit.NewDispatcher(internalaudit.Config{
			Enabled:    true,
			BufferSize: cfg.Audit.BufferSize,
			DropIfFull: cfg.Audit.DropIfFull,
		}, sink)
	}

	return g, nil
}
