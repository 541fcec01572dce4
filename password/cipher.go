package password

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
)

const (
	minMemoryKB    uint32 = 8 * 1024
	minTimeCost    uint32 = 1
	minParallelism uint8  = 1
	minSaltLength  uint32 = 16
	minKeyLength   uint32 = 16
)

// ErrCorruptCredential signals malformed salt or hash material. A plain
// mismatch is never an error; Verify reports it as false.
var ErrCorruptCredential = errors.New("corrupt credential material")

// Config fixes the argon2id derivation parameters. Instances are validated
// once in NewCipher and treated as immutable afterwards.
type Config struct {
	Memory      uint32 // KB
	Time        uint32
	Parallelism uint8
	SaltLength  uint32 // raw bytes before encoding
	KeyLength   uint32
}

// Cipher derives and verifies credential hashes from a secret plus a
// per-account salt. The salt is prefixed to the secret before derivation
// and doubles as the argon2 salt input, so the stored hash is fully
// determined by (secret, salt) and the fixed parameters.
type Cipher struct {
	config Config
}

// NewCipher validates cfg against the parameter floors and returns a ready
// cipher.
func NewCipher(cfg Config) (*Cipher, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	return &Cipher{config: cfg}, nil
}

// GenerateSalt produces a fresh random opaque salt, base64url encoded.
// Salts are unique enough to avoid cross-account collision but uniqueness
// is not enforced.
func (c *Cipher) GenerateSalt() (string, error) {
	raw := make([]byte, c.config.SaltLength)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// Hash derives the credential hash for secret under salt. The derivation is
// deterministic: identical inputs always produce identical hashes.
func (c *Cipher) Hash(secret, salt string) string {
	key := argon2.IDKey(
		[]byte(salt+secret),
		[]byte(salt),
		c.config.Time,
		c.config.Memory,
		c.config.Parallelism,
		c.config.KeyLength,
	)
	return base64.RawStdEncoding.EncodeToString(key)
}

// Verify re-derives and compares in constant time. It returns false on a
// mismatch and errors only on malformed input.
func (c *Cipher) Verify(secret, salt, hash string) (bool, error) {
	if salt == "" {
		return false, fmt.Errorf("%w: empty salt", ErrCorruptCredential)
	}

	stored, err := base64.RawStdEncoding.DecodeString(hash)
	if err != nil {
		return false, fmt.Errorf("%w: undecodable hash", ErrCorruptCredential)
	}
	if uint32(len(stored)) != c.config.KeyLength {
		return false, fmt.Errorf("%w: unexpected hash length %d", ErrCorruptCredential, len(stored))
	}

	computed := argon2.IDKey(
		[]byte(salt+secret),
		[]byte(salt),
		c.config.Time,
		c.config.Memory,
		c.config.Parallelism,
		c.config.KeyLength,
	)

	return subtle.ConstantTimeCompare(computed, stored) == 1, nil
}

func validateConfig(cfg Config) error {
	if cfg.Memory < minMemoryKB {
		return errors.New("password memory must be >= 8192 KB")
	}
	if cfg.Time < minTimeCost {
		return errors.New("password time must be >= 1")
	}
	if cfg.Parallelism < minParallelism {
		return errors.New("password parallelism must be >= 1")
	}
	if cfg.SaltLength < minSaltLength {
		return errors.New("password salt length must be >= 16")
	}
	if cfg.KeyLength < minKeyLength {
		return errors.New("password key length must be >= 16")
	}
	return nil
}
