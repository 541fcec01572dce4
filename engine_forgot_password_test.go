package acctguard

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRequestPasswordReset_DispatchesToken(t *testing.T) {
	env := newTestEngine(t, engineTestConfig())
	env.registerActive(t, "mira@example.com", "mira", testSecret)

	if err := env.engine.RequestPasswordReset(context.Background(), "mira@example.com"); err != nil {
		t.Fatalf("RequestPasswordReset failed: %v", err)
	}

	sent := env.notifier.waitForSend(t)
	if sent.Template != TemplatePasswordReset {
		t.Fatalf("template = %v, want TemplatePasswordReset", sent.Template)
	}
	if sent.Destination != "mira@example.com" {
		t.Fatalf("destination = %q", sent.Destination)
	}
	if sent.Token == "" {
		t.Fatal("empty reset token dispatched")
	}
}

func TestRequestPasswordReset_UnknownEmail(t *testing.T) {
	env := newTestEngine(t, engineTestConfig())

	err := env.engine.RequestPasswordReset(context.Background(), "nobody@example.com")
	if !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestRequestPasswordReset_InactiveAccount(t *testing.T) {
	env := newTestEngine(t, engineTestConfig())

	if _, err := env.engine.Register(context.Background(), RegisterInput{
		Email:    "mira@example.com",
		Username: "mira",
		Secret:   testSecret,
	}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	env.notifier.waitForSend(t)

	if err := env.engine.RequestPasswordReset(context.Background(), "mira@example.com"); !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound for inactive account, got %v", err)
	}
}

func TestRequestPasswordReset_WorksWhileBlocked(t *testing.T) {
	env := newTestEngine(t, engineTestConfig())
	env.registerActive(t, "mira@example.com", "mira", testSecret)

	for i := 0; i < 3; i++ {
		env.engine.Login(context.Background(), IdentifierEmail, "mira@example.com", "wrong-secret", false)
	}

	if err := env.engine.RequestPasswordReset(context.Background(), "mira@example.com"); err != nil {
		t.Fatalf("reset request must bypass the lockout, got %v", err)
	}
}

func TestRedeemPasswordReset_RotatesCredential(t *testing.T) {
	env := newTestEngine(t, engineTestConfig())
	id := env.registerActive(t, "mira@example.com", "mira", testSecret)

	if err := env.engine.RequestPasswordReset(context.Background(), "mira@example.com"); err != nil {
		t.Fatalf("RequestPasswordReset failed: %v", err)
	}
	sent := env.notifier.waitForSend(t)

	newSecret := "sable-meridian-3307"
	if err := env.engine.RedeemPasswordReset(context.Background(), sent.Token, newSecret, newSecret); err != nil {
		t.Fatalf("RedeemPasswordReset failed: %v", err)
	}

	if env.vaults.updateSaltCalls != 1 {
		t.Fatalf("salt rotations = %d, want 1", env.vaults.updateSaltCalls)
	}
	env.issuer.mu.Lock()
	revokedAll := append([]string(nil), env.issuer.revokedAll...)
	env.issuer.mu.Unlock()
	if len(revokedAll) != 1 || revokedAll[0] != id {
		t.Fatalf("revokedAll = %v, want [%s]", revokedAll, id)
	}

	if _, err := env.engine.Login(context.Background(), IdentifierEmail, "mira@example.com", testSecret, false); !errors.Is(err, ErrInvalidSecret) {
		t.Fatalf("old secret must be rejected, got %v", err)
	}
	if _, err := env.engine.Login(context.Background(), IdentifierEmail, "mira@example.com", newSecret, false); err != nil {
		t.Fatalf("new secret login failed: %v", err)
	}
}

func TestRedeemPasswordReset_ConfirmationMismatch(t *testing.T) {
	env := newTestEngine(t, engineTestConfig())
	env.registerActive(t, "mira@example.com", "mira", testSecret)

	if err := env.engine.RequestPasswordReset(context.Background(), "mira@example.com"); err != nil {
		t.Fatalf("RequestPasswordReset failed: %v", err)
	}
	sent := env.notifier.waitForSend(t)

	err := env.engine.RedeemPasswordReset(context.Background(), sent.Token, "sable-meridian-3307", "different")
	if !errors.Is(err, ErrSecretMismatch) {
		t.Fatalf("expected ErrSecretMismatch, got %v", err)
	}

	// The token is still live and the credential untouched.
	if env.vaults.updateSaltCalls != 0 {
		t.Fatal("salt must not rotate on a mismatch")
	}
	newSecret := "sable-meridian-3307"
	if err := env.engine.RedeemPasswordReset(context.Background(), sent.Token, newSecret, newSecret); err != nil {
		t.Fatalf("redeem after mismatch failed: %v", err)
	}
}

func TestRedeemPasswordReset_UnknownToken(t *testing.T) {
	env := newTestEngine(t, engineTestConfig())

	err := env.engine.RedeemPasswordReset(context.Background(), "forged", "sable-meridian-3307", "sable-meridian-3307")
	if !errors.Is(err, ErrRequestNotFound) {
		t.Fatalf("expected ErrRequestNotFound, got %v", err)
	}
}

func TestRedeemPasswordReset_SingleUse(t *testing.T) {
	env := newTestEngine(t, engineTestConfig())
	env.registerActive(t, "mira@example.com", "mira", testSecret)

	if err := env.engine.RequestPasswordReset(context.Background(), "mira@example.com"); err != nil {
		t.Fatalf("RequestPasswordReset failed: %v", err)
	}
	sent := env.notifier.waitForSend(t)

	newSecret := "sable-meridian-3307"
	if err := env.engine.RedeemPasswordReset(context.Background(), sent.Token, newSecret, newSecret); err != nil {
		t.Fatalf("first redeem failed: %v", err)
	}
	if err := env.engine.RedeemPasswordReset(context.Background(), sent.Token, newSecret+"-b", newSecret+"-b"); !errors.Is(err, ErrRequestNotFound) {
		t.Fatalf("expected ErrRequestNotFound on replay, got %v", err)
	}
}

func TestRedeemPasswordReset_NominalExpiryNotEnforced(t *testing.T) {
	env := newTestEngine(t, engineTestConfig())
	env.registerActive(t, "mira@example.com", "mira", testSecret)

	if err := env.engine.RequestPasswordReset(context.Background(), "mira@example.com"); err != nil {
		t.Fatalf("RequestPasswordReset failed: %v", err)
	}
	sent := env.notifier.waitForSend(t)

	// Well past the request's nominal TTL but inside retention: the token
	// still redeems. Retention is the only lifetime the store enforces.
	env.clock.Advance(env.engine.config.Reset.TTL + 6*time.Hour)

	newSecret := "sable-meridian-3307"
	if err := env.engine.RedeemPasswordReset(context.Background(), sent.Token, newSecret, newSecret); err != nil {
		t.Fatalf("redeem within retention failed: %v", err)
	}
}

func TestRedeemPasswordReset_WorksWhileBlocked(t *testing.T) {
	env := newTestEngine(t, engineTestConfig())
	id := env.registerActive(t, "mira@example.com", "mira", testSecret)

	if err := env.engine.RequestPasswordReset(context.Background(), "mira@example.com"); err != nil {
		t.Fatalf("RequestPasswordReset failed: %v", err)
	}
	sent := env.notifier.waitForSend(t)

	for i := 0; i < 3; i++ {
		env.engine.Login(context.Background(), IdentifierEmail, "mira@example.com", "wrong-secret", false)
	}
	if account := env.accounts.get(id); !account.Blocked {
		t.Fatal("setup: account should be blocked")
	}

	newSecret := "sable-meridian-3307"
	if err := env.engine.RedeemPasswordReset(context.Background(), sent.Token, newSecret, newSecret); err != nil {
		t.Fatalf("redeem while blocked failed: %v", err)
	}
}
