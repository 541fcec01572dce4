package jwt

import (
	"crypto/ed25519"
	"crypto/rand"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func hs256Config() Config {
	return Config{
		AccessTTL:     15 * time.Minute,
		SigningMethod: MethodHS256,
		PrivateKey:    []byte("0123456789abcdef0123456789abcdef"),
		Issuer:        "acctguard-test",
	}
}

func TestManagerHS256RoundTrip(t *testing.T) {
	clock := newFakeClock()
	manager, err := NewManager(hs256Config(), clock.Now)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	token, expiresAt, err := manager.CreateAccess("acct-1", "sid-1")
	if err != nil {
		t.Fatalf("CreateAccess failed: %v", err)
	}
	wantExpiry := clock.Now().Add(15 * time.Minute)
	if !expiresAt.Equal(wantExpiry) {
		t.Fatalf("expiresAt = %v, want %v", expiresAt, wantExpiry)
	}

	claims, err := manager.ParseAccess(token)
	if err != nil {
		t.Fatalf("ParseAccess failed: %v", err)
	}
	if claims.AID != "acct-1" || claims.SID != "sid-1" {
		t.Fatalf("claims = %+v", claims)
	}
	if claims.Issuer != "acctguard-test" {
		t.Fatalf("issuer = %q", claims.Issuer)
	}
}

func TestManagerEd25519RoundTrip(t *testing.T) {
	public, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}

	clock := newFakeClock()
	manager, err := NewManager(Config{
		AccessTTL:     15 * time.Minute,
		SigningMethod: MethodEd25519,
		PrivateKey:    private,
		PublicKey:     public,
	}, clock.Now)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	token, _, err := manager.CreateAccess("acct-1", "sid-1")
	if err != nil {
		t.Fatalf("CreateAccess failed: %v", err)
	}
	claims, err := manager.ParseAccess(token)
	if err != nil {
		t.Fatalf("ParseAccess failed: %v", err)
	}
	if claims.AID != "acct-1" {
		t.Fatalf("claims = %+v", claims)
	}
}

func TestManagerRejectsExpiredToken(t *testing.T) {
	clock := newFakeClock()
	manager, err := NewManager(hs256Config(), clock.Now)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	token, _, err := manager.CreateAccess("acct-1", "sid-1")
	if err != nil {
		t.Fatalf("CreateAccess failed: %v", err)
	}

	clock.Advance(16 * time.Minute)
	if _, err := manager.ParseAccess(token); err == nil {
		t.Fatal("expired token must not parse")
	}
}

func TestManagerLeewayToleratesSkew(t *testing.T) {
	clock := newFakeClock()
	cfg := hs256Config()
	cfg.Leeway = time.Minute
	manager, err := NewManager(cfg, clock.Now)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	token, _, err := manager.CreateAccess("acct-1", "sid-1")
	if err != nil {
		t.Fatalf("CreateAccess failed: %v", err)
	}

	// 30s past expiry, inside the leeway.
	clock.Advance(15*time.Minute + 30*time.Second)
	if _, err := manager.ParseAccess(token); err != nil {
		t.Fatalf("token inside leeway rejected: %v", err)
	}
}

func TestManagerRejectsForeignSignature(t *testing.T) {
	clock := newFakeClock()
	manager, err := NewManager(hs256Config(), clock.Now)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	otherCfg := hs256Config()
	otherCfg.PrivateKey = []byte("ffffffffffffffffffffffffffffffff")
	other, err := NewManager(otherCfg, clock.Now)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	token, _, err := other.CreateAccess("acct-1", "sid-1")
	if err != nil {
		t.Fatalf("CreateAccess failed: %v", err)
	}
	if _, err := manager.ParseAccess(token); err == nil {
		t.Fatal("token signed with a foreign key must not parse")
	}
}

func TestNewManagerValidation(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
	}{
		{"zero ttl", Config{SigningMethod: MethodHS256, PrivateKey: []byte("k")}},
		{"excessive leeway", Config{AccessTTL: time.Minute, Leeway: 5 * time.Minute, SigningMethod: MethodHS256, PrivateKey: []byte("k")}},
		{"missing hs256 key", Config{AccessTTL: time.Minute, SigningMethod: MethodHS256}},
		{"bad ed25519 key", Config{AccessTTL: time.Minute, SigningMethod: MethodEd25519, PrivateKey: []byte("short"), PublicKey: []byte("short")}},
		{"unknown method", Config{AccessTTL: time.Minute, SigningMethod: "rs512"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewManager(tc.cfg, nil); err == nil {
				t.Fatal("expected config to be rejected")
			}
		})
	}
}
