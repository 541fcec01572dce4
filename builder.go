package acctguard

import (
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stellwolf/acctguard/jwt"
	"github.com/stellwolf/acctguard/password"
	"github.com/stellwolf/acctguard/session"
)

// JWTConfig configures the built-in token issuer when no external issuer
// is supplied.
type JWTConfig struct {
	AccessTTL     time.Duration
	SigningMethod string
	PrivateKey    []byte
	PublicKey     []byte
	Issuer        string
	Audience      string
}

// Builder assembles an [Engine]. Account and vault persistence are always
// caller-provided; the pending-change store, reset store, and token issuer
// fall back to built-in Redis implementations when a Redis client is set.
type Builder struct {
	config Config
	redis  *redis.Client

	accounts AccountStore
	vaults   VaultStore
	pending  PendingChangeStore
	resets   ForgotPasswordStore
	issuer   TokenIssuer
	notifier NotificationDispatcher
	clock    Clock

	jwtConfig *JWTConfig
	auditSink AuditSink

	built bool
}

// New returns a builder preloaded with the default configuration.
func New() *Builder {
	return &Builder{config: defaultConfig()}
}

// WithConfig replaces the configuration. Zero-valued fields are filled
// from defaults at Build.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cfg
	return b
}

// WithRedis sets the Redis client backing the built-in stores and the
// default token issuer.
func (b *Builder) WithRedis(client *redis.Client) *Builder {
	b.redis = client
	return b
}

// WithAccountStore sets the account persistence contract. Required.
func (b *Builder) WithAccountStore(store AccountStore) *Builder {
	b.accounts = store
	return b
}

// WithVaultStore sets the salt persistence contract. Required.
func (b *Builder) WithVaultStore(store VaultStore) *Builder {
	b.vaults = store
	return b
}

// WithPendingChangeStore overrides the built-in Redis pending-change store.
func (b *Builder) WithPendingChangeStore(store PendingChangeStore) *Builder {
	b.pending = store
	return b
}

// WithForgotPasswordStore overrides the built-in Redis reset store.
func (b *Builder) WithForgotPasswordStore(store ForgotPasswordStore) *Builder {
	b.resets = store
	return b
}

// WithTokenIssuer sets an external token issuer instead of the built-in
// JWT one.
func (b *Builder) WithTokenIssuer(issuer TokenIssuer) *Builder {
	b.issuer = issuer
	return b
}

// WithJWT configures the built-in token issuer. Ignored when an external
// issuer is set.
func (b *Builder) WithJWT(cfg JWTConfig) *Builder {
	b.jwtConfig = &cfg
	return b
}

// WithNotificationDispatcher sets the outbound token delivery channel.
// Without one, tokens are only observable through the stores.
func (b *Builder) WithNotificationDispatcher(dispatcher NotificationDispatcher) *Builder {
	b.notifier = dispatcher
	return b
}

// WithClock overrides the time source. Tests use this for deterministic
// expiry and lockout behavior.
func (b *Builder) WithClock(clock Clock) *Builder {
	b.clock = clock
	return b
}

// WithAuditSink enables auditing into the given sink.
func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	b.config.Audit.Enabled = true
	return b
}

// WithMetricsEnabled toggles the in-process counters.
func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

// WithLatencyHistograms toggles login latency buckets.
func (b *Builder) WithLatencyHistograms(enabled bool) *Builder {
	b.config.Metrics.EnableLatencyHistograms = enabled
	return b
}

// Build validates the configuration, fills defaults, and wires the engine.
// A builder builds once.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	cfg := fillConfigDefaults(b.config)
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	if b.accounts == nil {
		return nil, errors.New("account store required")
	}
	if b.vaults == nil {
		return nil, errors.New("vault store required")
	}

	clock := b.clock
	if clock == nil {
		clock = SystemClock()
	}

	pending := b.pending
	if pending == nil {
		if b.redis == nil {
			return nil, errors.New("pending change store or redis client required")
		}
		pending = NewRedisPendingChangeStore(b.redis, clock)
	}

	resets := b.resets
	if resets == nil {
		if b.redis == nil {
			return nil, errors.New("forgot password store or redis client required")
		}
		resets = NewRedisForgotPasswordStore(b.redis, clock, cfg.Reset.RetentionTTL)
	}

	issuer := b.issuer
	if issuer == nil {
		if b.jwtConfig == nil {
			return nil, errors.New("token issuer or jwt config required")
		}
		if b.redis == nil {
			return nil, errors.New("built-in token issuer requires redis client")
		}

		manager, err := jwt.NewManager(jwt.Config{
			AccessTTL:     b.jwtConfig.AccessTTL,
			SigningMethod: jwt.SigningMethod(b.jwtConfig.SigningMethod),
			PrivateKey:    b.jwtConfig.PrivateKey,
			PublicKey:     b.jwtConfig.PublicKey,
			Issuer:        b.jwtConfig.Issuer,
			Audience:      b.jwtConfig.Audience,
		}, clock.Now)
		if err != nil {
			return nil, err
		}
		issuer = NewJWTTokenIssuer(manager, session.NewStore(b.redis, "as", clock.Now), clock)
	}

	cipher, err := password.NewCipher(password.Config{
		Memory:      cfg.Password.Memory,
		Time:        cfg.Password.Time,
		Parallelism: cfg.Password.Parallelism,
		SaltLength:  cfg.Password.SaltLength,
		KeyLength:   cfg.Password.KeyLength,
	})
	if err != nil {
		return nil, err
	}

	engine := &Engine{
		config:   cfg,
		accounts: b.accounts,
		vaults:   b.vaults,
		pending:  pending,
		resets:   resets,
		issuer:   issuer,
		notifier: b.notifier,
		cipher:   cipher,
		lockout:  newLockoutGuard(cfg.Lockout, clock),
		audit:    newAuditDispatcher(cfg.Audit, b.auditSink),
		metrics:  NewMetrics(cfg.Metrics),
		clock:    clock,
	}

	b.built = true
	return engine, nil
}
