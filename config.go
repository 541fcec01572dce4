package acctguard

import (
	"errors"
	"time"
)

// Config groups the per-concern engine settings. Zero values are filled
// from defaultConfig by [Builder.Build]; validation rejects configurations
// below the enforced floors.
type Config struct {
	Lockout      LockoutConfig
	Password     PasswordConfig
	Verification VerificationConfig
	Reset        ResetConfig
	Session      SessionConfig
	Audit        AuditConfig
	Metrics      MetricsConfig
}

// LockoutConfig controls the failed-login lockout state machine.
type LockoutConfig struct {
	// Threshold is the failed-attempt count that triggers a block.
	Threshold int
	// Duration is how long a triggered block lasts. Recovery is lazy: the
	// block is lifted on the next access after expiry, never by a sweeper.
	Duration time.Duration
}

// PasswordConfig fixes the credential derivation parameters and the
// uniqueness guard's probe budget.
type PasswordConfig struct {
	Memory      uint32 // KB
	Time        uint32
	Parallelism uint8
	SaltLength  uint32 // bytes of raw salt before encoding
	KeyLength   uint32 // bytes of derived hash

	// UniquenessAttempts bounds the re-salting probe loop per candidate
	// secret.
	UniquenessAttempts int
	// MinEntropyBits is the password strength floor enforced at
	// registration and reset.
	MinEntropyBits float64
}

// VerificationConfig controls registration and pending-change tokens.
type VerificationConfig struct {
	// Window is the verification token lifetime; a pending change also
	// blocks the account for exactly this long.
	Window time.Duration
	// TokenLength is the byte length of raw verification tokens before
	// encoding.
	TokenLength int
}

// ResetConfig controls forgot-password requests.
type ResetConfig struct {
	// TTL is the nominal reset token lifetime stored on the request.
	TTL time.Duration
	// RetentionTTL bounds how long the store keeps a reset record. It is
	// deliberately decoupled from TTL: redeem does not compare ExpiresAt,
	// so retention is the only thing that ultimately retires a token.
	RetentionTTL time.Duration
}

// SessionConfig controls session lifetimes handed to the token issuer.
type SessionConfig struct {
	// TTL is the session lifetime for ordinary logins.
	TTL time.Duration
	// RememberTTL is the extended lifetime when the caller sets the
	// remember flag.
	RememberTTL time.Duration
}

// AuditConfig controls the async audit dispatcher.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

// MetricsConfig controls the in-process metrics system.
type MetricsConfig struct {
	Enabled                 bool
	EnableLatencyHistograms bool
}

func defaultConfig() Config {
	return Config{
		Lockout: LockoutConfig{
			Threshold: 5,
			Duration:  24 * time.Hour,
		},
		Password: PasswordConfig{
			Memory:             8192,
			Time:               4,
			Parallelism:        1,
			SaltLength:         16,
			KeyLength:          40,
			UniquenessAttempts: 10,
			MinEntropyBits:     30,
		},
		Verification: VerificationConfig{
			Window:      24 * time.Hour,
			TokenLength: 32,
		},
		Reset: ResetConfig{
			TTL:          15 * time.Minute,
			RetentionTTL: 7 * 24 * time.Hour,
		},
		Session: SessionConfig{
			TTL:         24 * time.Hour,
			RememberTTL: 30 * 24 * time.Hour,
		},
		Audit: AuditConfig{
			Enabled:    false,
			BufferSize: 256,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

func validateConfig(cfg Config) error {
	if cfg.Lockout.Threshold < 1 {
		return errors.New("lockout threshold must be >= 1")
	}
	if cfg.Lockout.Duration <= 0 {
		return errors.New("lockout duration must be positive")
	}
	if cfg.Password.Memory < 8192 {
		return errors.New("password memory must be >= 8192 KB")
	}
	if cfg.Password.Time < 1 {
		return errors.New("password time must be >= 1")
	}
	if cfg.Password.Parallelism < 1 {
		return errors.New("password parallelism must be >= 1")
	}
	if cfg.Password.SaltLength < 16 {
		return errors.New("password salt length must be >= 16")
	}
	if cfg.Password.KeyLength < 16 {
		return errors.New("password key length must be >= 16")
	}
	if cfg.Password.UniquenessAttempts < 1 {
		return errors.New("uniqueness attempt budget must be >= 1")
	}
	if cfg.Verification.Window <= 0 {
		return errors.New("verification window must be positive")
	}
	if cfg.Verification.TokenLength < 16 {
		return errors.New("verification token length must be >= 16")
	}
	if cfg.Reset.TTL <= 0 {
		return errors.New("reset ttl must be positive")
	}
	if cfg.Reset.RetentionTTL < cfg.Reset.TTL {
		return errors.New("reset retention must cover the reset ttl")
	}
	if cfg.Session.TTL <= 0 {
		return errors.New("session ttl must be positive")
	}
	if cfg.Session.RememberTTL < cfg.Session.TTL {
		return errors.New("remember ttl must be >= session ttl")
	}
	return nil
}

func fillConfigDefaults(cfg Config) Config {
	def := defaultConfig()

	if cfg.Lockout.Threshold == 0 {
		cfg.Lockout.Threshold = def.Lockout.Threshold
	}
	if cfg.Lockout.Duration == 0 {
		cfg.Lockout.Duration = def.Lockout.Duration
	}
	if cfg.Password.Memory == 0 {
		cfg.Password.Memory = def.Password.Memory
	}
	if cfg.Password.Time == 0 {
		cfg.Password.Time = def.Password.Time
	}
	if cfg.Password.Parallelism == 0 {
		cfg.Password.Parallelism = def.Password.Parallelism
	}
	if cfg.Password.SaltLength == 0 {
		cfg.Password.SaltLength = def.Password.SaltLength
	}
	if cfg.Password.KeyLength == 0 {
		cfg.Password.KeyLength = def.Password.KeyLength
	}
	if cfg.Password.UniquenessAttempts == 0 {
		cfg.Password.UniquenessAttempts = def.Password.UniquenessAttempts
	}
	if cfg.Password.MinEntropyBits == 0 {
		cfg.Password.MinEntropyBits = def.Password.MinEntropyBits
	}
	if cfg.Verification.Window == 0 {
		cfg.Verification.Window = def.Verification.Window
	}
	if cfg.Verification.TokenLength == 0 {
		cfg.Verification.TokenLength = def.Verification.TokenLength
	}
	if cfg.Reset.TTL == 0 {
		cfg.Reset.TTL = def.Reset.TTL
	}
	if cfg.Reset.RetentionTTL == 0 {
		cfg.Reset.RetentionTTL = def.Reset.RetentionTTL
	}
	if cfg.Session.TTL == 0 {
		cfg.Session.TTL = def.Session.TTL
	}
	if cfg.Session.RememberTTL == 0 {
		cfg.Session.RememberTTL = def.Session.RememberTTL
	}
	if cfg.Audit.BufferSize == 0 {
		cfg.Audit.BufferSize = def.Audit.BufferSize
	}

	return cfg
}
