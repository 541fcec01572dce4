package acctguard

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestChangeEmail_OpensRequestAndBlocksAccount(t *testing.T) {
	env := newTestEngine(t, engineTestConfig())
	id := env.registerActive(t, "mira@example.com", "mira", testSecret)

	if err := env.engine.ChangeEmail(context.Background(), id, "mira@example.com", "new@example.com"); err != nil {
		t.Fatalf("ChangeEmail failed: %v", err)
	}

	account := env.accounts.get(id)
	if account.Email != "new@example.com" {
		t.Fatalf("email = %q, want tentative new value", account.Email)
	}
	if !account.Blocked {
		t.Fatal("account must be blocked while the change is unverified")
	}
	wantExpiry := env.clock.Now().Add(env.engine.config.Verification.Window)
	if !account.BlockExpiresAt.Equal(wantExpiry) {
		t.Fatalf("BlockExpiresAt = %v, want %v", account.BlockExpiresAt, wantExpiry)
	}

	// The token travels to the new address, not the one being replaced.
	sent := env.notifier.waitForSend(t)
	if sent.Destination != "new@example.com" {
		t.Fatalf("destination = %q, want new@example.com", sent.Destination)
	}
	if sent.Template != TemplateChangeEmail {
		t.Fatalf("template = %v, want TemplateChangeEmail", sent.Template)
	}
}

func TestChangeUsername_TokenGoesToEmailOnFile(t *testing.T) {
	env := newTestEngine(t, engineTestConfig())
	id := env.registerActive(t, "mira@example.com", "mira", testSecret)

	if err := env.engine.ChangeUsername(context.Background(), id, "mira", "mira_v2"); err != nil {
		t.Fatalf("ChangeUsername failed: %v", err)
	}

	sent := env.notifier.waitForSend(t)
	if sent.Destination != "mira@example.com" {
		t.Fatalf("destination = %q, want the address on file", sent.Destination)
	}
	if sent.Template != TemplateChangeUsername {
		t.Fatalf("template = %v, want TemplateChangeUsername", sent.Template)
	}
	if account := env.accounts.get(id); account.Username != "mira_v2" {
		t.Fatalf("username = %q, want tentative new value", account.Username)
	}
}

func TestChangeEmail_StaleOldValue(t *testing.T) {
	env := newTestEngine(t, engineTestConfig())
	id := env.registerActive(t, "mira@example.com", "mira", testSecret)

	err := env.engine.ChangeEmail(context.Background(), id, "outdated@example.com", "new@example.com")
	if !errors.Is(err, ErrStaleValue) {
		t.Fatalf("expected ErrStaleValue, got %v", err)
	}

	account := env.accounts.get(id)
	if account.Email != "mira@example.com" || account.Blocked {
		t.Fatal("stale request must leave the account untouched")
	}
	count, err := env.engine.pending.CountUnverified(context.Background(), id)
	if err != nil {
		t.Fatalf("CountUnverified failed: %v", err)
	}
	if count != 0 {
		t.Fatal("stale request must not open a pending change")
	}
}

func TestChangeEmail_NewValueAlreadyTaken(t *testing.T) {
	env := newTestEngine(t, engineTestConfig())
	id := env.registerActive(t, "mira@example.com", "mira", testSecret)
	env.registerActive(t, "taken@example.com", "taken", testSecret+"-b")

	err := env.engine.ChangeEmail(context.Background(), id, "mira@example.com", "taken@example.com")
	if !errors.Is(err, ErrIdentifierTaken) {
		t.Fatalf("expected ErrIdentifierTaken, got %v", err)
	}
	var conflict *ConflictError
	if !errors.As(err, &conflict) || conflict.Field != "email" {
		t.Fatalf("expected ConflictError for email, got %v", err)
	}
}

func TestChange_SecondRequestReportsPendingChange(t *testing.T) {
	env := newTestEngine(t, engineTestConfig())
	id := env.registerActive(t, "mira@example.com", "mira", testSecret)

	if err := env.engine.ChangeEmail(context.Background(), id, "mira@example.com", "new@example.com"); err != nil {
		t.Fatalf("ChangeEmail failed: %v", err)
	}
	env.notifier.waitForSend(t)

	// The open request rejects any further request regardless of kind, and
	// the rejection names the pending change, not the block it placed.
	err := env.engine.ChangeUsername(context.Background(), id, "mira", "mira_v2")
	if !errors.Is(err, ErrPendingChangeExists) {
		t.Fatalf("expected ErrPendingChangeExists, got %v", err)
	}
}

func TestChange_LockoutBlockedAccountRejected(t *testing.T) {
	env := newTestEngine(t, engineTestConfig())
	id := env.registerActive(t, "mira@example.com", "mira", testSecret)

	// Trip the login lockout; this block has nothing to do with the change
	// workflow, so change requests report it as a block.
	for i := 0; i < env.engine.config.Lockout.Threshold; i++ {
		env.engine.Login(context.Background(), IdentifierEmail, "mira@example.com", "wrong-secret", false)
	}

	err := env.engine.ChangeEmail(context.Background(), id, "mira@example.com", "new@example.com")
	if !errors.Is(err, ErrAccountBlocked) {
		t.Fatalf("expected ErrAccountBlocked, got %v", err)
	}

	err = env.engine.ChangePassword(context.Background(), id, testSecret, "drifting-comet-8841")
	if !errors.Is(err, ErrAccountBlocked) {
		t.Fatalf("expected ErrAccountBlocked, got %v", err)
	}
	if env.vaults.updateSaltCalls != 0 {
		t.Fatal("salt must not rotate for a blocked account")
	}
}

func TestChange_SlotContestedAtStore(t *testing.T) {
	env := newTestEngine(t, engineTestConfig())
	id := env.registerActive(t, "mira@example.com", "mira", testSecret)

	// Occupy the slot directly, as a racing request would, so the account
	// itself carries no block.
	err := env.engine.pending.Create(context.Background(), &PendingChange{
		AccountID: id,
		Kind:      ChangeUsername,
		Token:     "contender",
		ExpiresAt: env.clock.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("seeding pending change failed: %v", err)
	}

	if err := env.engine.ChangeEmail(context.Background(), id, "mira@example.com", "new@example.com"); !errors.Is(err, ErrPendingChangeExists) {
		t.Fatalf("expected ErrPendingChangeExists, got %v", err)
	}
}

func TestVerifyPendingChange_RedeemClearsBlock(t *testing.T) {
	env := newTestEngine(t, engineTestConfig())
	id := env.registerActive(t, "mira@example.com", "mira", testSecret)

	if err := env.engine.ChangeEmail(context.Background(), id, "mira@example.com", "new@example.com"); err != nil {
		t.Fatalf("ChangeEmail failed: %v", err)
	}
	sent := env.notifier.waitForSend(t)

	public, err := env.engine.VerifyPendingChange(context.Background(), id, sent.Token, ChangeEmail)
	if err != nil {
		t.Fatalf("VerifyPendingChange failed: %v", err)
	}
	if public.Blocked {
		t.Fatal("block not cleared on redeem")
	}
	if public.Email != "new@example.com" {
		t.Fatalf("email = %q", public.Email)
	}

	account := env.accounts.get(id)
	if account.VerificationToken != "" {
		t.Fatal("verification token not cleared")
	}

	// Once verified, login works again.
	if _, err := env.engine.Login(context.Background(), IdentifierEmail, "new@example.com", testSecret, false); err != nil {
		t.Fatalf("login after redeem failed: %v", err)
	}
}

func TestVerifyPendingChange_SecondRedeemRejected(t *testing.T) {
	env := newTestEngine(t, engineTestConfig())
	id := env.registerActive(t, "mira@example.com", "mira", testSecret)

	if err := env.engine.ChangeUsername(context.Background(), id, "mira", "mira_v2"); err != nil {
		t.Fatalf("ChangeUsername failed: %v", err)
	}
	sent := env.notifier.waitForSend(t)

	if _, err := env.engine.VerifyPendingChange(context.Background(), id, sent.Token, ChangeUsername); err != nil {
		t.Fatalf("first redeem failed: %v", err)
	}
	if _, err := env.engine.VerifyPendingChange(context.Background(), id, sent.Token, ChangeUsername); !errors.Is(err, ErrRequestNotFound) {
		t.Fatalf("expected ErrRequestNotFound on second redeem, got %v", err)
	}
}

func TestVerifyPendingChange_KindMustMatch(t *testing.T) {
	env := newTestEngine(t, engineTestConfig())
	id := env.registerActive(t, "mira@example.com", "mira", testSecret)

	if err := env.engine.ChangeUsername(context.Background(), id, "mira", "mira_v2"); err != nil {
		t.Fatalf("ChangeUsername failed: %v", err)
	}
	sent := env.notifier.waitForSend(t)

	if _, err := env.engine.VerifyPendingChange(context.Background(), id, sent.Token, ChangeEmail); !errors.Is(err, ErrRequestNotFound) {
		t.Fatalf("expected ErrRequestNotFound on kind mismatch, got %v", err)
	}
}

func TestVerifyPendingChange_ExpiredToken(t *testing.T) {
	env := newTestEngine(t, engineTestConfig())
	id := env.registerActive(t, "mira@example.com", "mira", testSecret)

	if err := env.engine.ChangeUsername(context.Background(), id, "mira", "mira_v2"); err != nil {
		t.Fatalf("ChangeUsername failed: %v", err)
	}
	sent := env.notifier.waitForSend(t)

	env.clock.Advance(env.engine.config.Verification.Window + time.Minute)
	if _, err := env.engine.VerifyPendingChange(context.Background(), id, sent.Token, ChangeUsername); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
}

func TestChangePassword_RotatesCredentialImmediately(t *testing.T) {
	env := newTestEngine(t, engineTestConfig())
	id := env.registerActive(t, "mira@example.com", "mira", testSecret)

	newSecret := "drifting-comet-8841"
	if err := env.engine.ChangePassword(context.Background(), id, testSecret, newSecret); err != nil {
		t.Fatalf("ChangePassword failed: %v", err)
	}

	if env.vaults.updateSaltCalls != 1 {
		t.Fatalf("salt rotations = %d, want 1", env.vaults.updateSaltCalls)
	}

	sent := env.notifier.waitForSend(t)
	if sent.Template != TemplateChangePassword {
		t.Fatalf("template = %v, want TemplateChangePassword", sent.Template)
	}

	// The old credential is already dead, and live sessions with it.
	env.issuer.mu.Lock()
	revokedAll := len(env.issuer.revokedAll)
	env.issuer.mu.Unlock()
	if revokedAll != 1 {
		t.Fatalf("revokedAll calls = %d, want 1", revokedAll)
	}

	if _, err := env.engine.VerifyPendingChange(context.Background(), id, sent.Token, ChangePassword); err != nil {
		t.Fatalf("redeem failed: %v", err)
	}
	if _, err := env.engine.Login(context.Background(), IdentifierEmail, "mira@example.com", testSecret, false); !errors.Is(err, ErrInvalidSecret) {
		t.Fatalf("old secret must be rejected, got %v", err)
	}
	if _, err := env.engine.Login(context.Background(), IdentifierEmail, "mira@example.com", newSecret, false); err != nil {
		t.Fatalf("new secret login failed: %v", err)
	}
}

func TestChangePassword_RejectedRequestLeavesCredentialIntact(t *testing.T) {
	env := newTestEngine(t, engineTestConfig())
	id := env.registerActive(t, "mira@example.com", "mira", testSecret)

	if err := env.engine.ChangeEmail(context.Background(), id, "mira@example.com", "new@example.com"); err != nil {
		t.Fatalf("ChangeEmail failed: %v", err)
	}
	sent := env.notifier.waitForSend(t)

	// The slot is held, so the rotation is rejected before the vault is
	// touched. A rotated salt here would orphan the stored credential.
	err := env.engine.ChangePassword(context.Background(), id, testSecret, "drifting-comet-8841")
	if !errors.Is(err, ErrPendingChangeExists) {
		t.Fatalf("expected ErrPendingChangeExists, got %v", err)
	}
	if env.vaults.updateSaltCalls != 0 {
		t.Fatalf("salt rotations = %d, want 0 after a rejected request", env.vaults.updateSaltCalls)
	}

	// The current secret still works once the open request is redeemed.
	if _, err := env.engine.VerifyPendingChange(context.Background(), id, sent.Token, ChangeEmail); err != nil {
		t.Fatalf("redeem failed: %v", err)
	}
	if _, err := env.engine.Login(context.Background(), IdentifierEmail, "new@example.com", testSecret, false); err != nil {
		t.Fatalf("login with current secret failed: %v", err)
	}
}

func TestChangePassword_WrongOldSecret(t *testing.T) {
	env := newTestEngine(t, engineTestConfig())
	id := env.registerActive(t, "mira@example.com", "mira", testSecret)

	err := env.engine.ChangePassword(context.Background(), id, "wrong-old", "drifting-comet-8841")
	if !errors.Is(err, ErrStaleValue) {
		t.Fatalf("expected ErrStaleValue, got %v", err)
	}
	if env.vaults.updateSaltCalls != 0 {
		t.Fatal("salt must not rotate on a rejected request")
	}
}

func TestChangePassword_WeakNewSecret(t *testing.T) {
	env := newTestEngine(t, engineTestConfig())
	id := env.registerActive(t, "mira@example.com", "mira", testSecret)

	err := env.engine.ChangePassword(context.Background(), id, testSecret, "aaa")
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestChangePassword_UnknownAccount(t *testing.T) {
	env := newTestEngine(t, engineTestConfig())

	err := env.engine.ChangePassword(context.Background(), "missing", testSecret, "drifting-comet-8841")
	if !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
}
