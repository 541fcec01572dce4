package acctguard

import (
	"context"
	"errors"
	"time"

	passwordvalidator "github.com/wagslane/go-password-validator"

	"github.com/stellwolf/acctguard/internal"
)

// ChangeEmail starts a verification-gated email change. The account's
// email is updated tentatively and the account is blocked until the token
// dispatched to the new address is redeemed or the window expires.
func (e *Engine) ChangeEmail(ctx context.Context, accountID, oldEmail, newEmail string) error {
	return e.changeIdentifier(ctx, accountID, ChangeEmail, IdentifierEmail, oldEmail, newEmail, TemplateChangeEmail)
}

// ChangeUsername starts a verification-gated username change.
func (e *Engine) ChangeUsername(ctx context.Context, accountID, oldUsername, newUsername string) error {
	return e.changeIdentifier(ctx, accountID, ChangeUsername, IdentifierUsername, oldUsername, newUsername, TemplateChangeUsername)
}

// ChangePhoneNumber starts a verification-gated phone number change.
func (e *Engine) ChangePhoneNumber(ctx context.Context, accountID, oldPhone, newPhone string) error {
	return e.changeIdentifier(ctx, accountID, ChangePhone, IdentifierPhone, oldPhone, newPhone, TemplateChangePhone)
}

func (e *Engine) changeIdentifier(
	ctx context.Context,
	accountID string,
	kind ChangeKind,
	idKind IdentifierKind,
	oldValue, newValue string,
	template TemplateKind,
) error {
	if e == nil || e.accounts == nil || e.pending == nil {
		return ErrEngineNotReady
	}

	account, err := e.accounts.FindByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return err
		}
		return wrapBackendError(err)
	}

	var current string
	switch idKind {
	case IdentifierUsername:
		current = account.Username
	case IdentifierPhone:
		current = account.PhoneNumber
	default:
		current = account.Email
	}
	if current != oldValue {
		e.metricInc(MetricChangeRejected)
		e.emitAudit(ctx, AuditChangeRequested, false, account.ID, ErrStaleValue, changeMeta(kind))
		return ErrStaleValue
	}

	exists, err := e.accounts.ExistsByIdentifier(ctx, idKind, newValue)
	if err != nil {
		return wrapBackendError(err)
	}
	if exists {
		e.metricInc(MetricChangeConflict)
		e.emitAudit(ctx, AuditChangeRequested, false, account.ID, ErrIdentifierTaken, changeMeta(kind))
		return &ConflictError{Field: idKind.Field()}
	}

	update := AccountUpdate{}
	switch idKind {
	case IdentifierUsername:
		update.Username = &newValue
	case IdentifierPhone:
		update.PhoneNumber = &newValue
	default:
		update.Email = &newValue
	}

	// Email changes verify against the new address; everything else goes to
	// the address on file.
	destination := account.Email
	if kind == ChangeEmail {
		destination = newValue
	}

	return e.openChange(ctx, account, kind, update, destination, template)
}

// ChangePassword starts a verification-gated credential rotation. The new
// credential takes effect immediately: the fresh salt is written to the
// vault and the new hash to the account before the request is even
// created, so the old secret stops working as soon as this returns.
func (e *Engine) ChangePassword(ctx context.Context, accountID, oldSecret, newSecret string) error {
	if e == nil || e.accounts == nil || e.vaults == nil || e.pending == nil {
		return ErrEngineNotReady
	}

	account, err := e.accounts.FindByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return err
		}
		return wrapBackendError(err)
	}

	vault, err := e.vaults.FindByAccount(ctx, account.ID)
	if err != nil {
		return wrapBackendError(err)
	}

	ok, err := e.cipher.Verify(oldSecret, vault.Salt, account.Credential)
	if err != nil {
		return wrapBackendError(err)
	}
	if !ok {
		e.metricInc(MetricChangeRejected)
		e.emitAudit(ctx, AuditChangeRequested, false, account.ID, ErrStaleValue, changeMeta(ChangePassword))
		return ErrStaleValue
	}

	if err := passwordvalidator.Validate(newSecret, e.config.Password.MinEntropyBits); err != nil {
		e.metricInc(MetricChangeRejected)
		return &ValidationError{Fields: map[string]string{"secret": err.Error()}}
	}
	acceptable, err := newUniquenessGuard(e.cipher, e.accounts, e.config.Password.UniquenessAttempts).
		IsAcceptable(ctx, newSecret)
	if err != nil {
		return err
	}
	if !acceptable {
		e.metricInc(MetricChangeRejected)
		return ErrSecretNotAcceptable
	}

	// Admission is settled before the vault is touched. A rejected request
	// must leave the current salt, and with it the current credential,
	// fully intact.
	if err := e.changeAdmissible(ctx, account, ChangePassword); err != nil {
		return err
	}

	newSalt, err := e.cipher.GenerateSalt()
	if err != nil {
		return wrapBackendError(err)
	}
	if err := e.vaults.UpdateSalt(ctx, account.ID, newSalt); err != nil {
		return wrapBackendError(err)
	}

	newCredential := e.cipher.Hash(newSecret, newSalt)
	update := AccountUpdate{Credential: &newCredential}

	if err := e.openChange(ctx, account, ChangePassword, update, account.Email, TemplateChangePassword); err != nil {
		return err
	}

	// The credential rotated; every live session dies with it.
	if revoker, ok := e.issuer.(AccountSessionRevoker); ok {
		if err := revoker.RevokeAll(ctx, account.ID); err != nil {
			e.emitAudit(ctx, AuditChangeRequested, false, account.ID, err, changeMeta(ChangePassword))
		}
	}
	return nil
}

// changeAdmissible decides whether the account may open a new change
// request. The pending slot is consulted first: an account blocked only by
// its own open request reports [ErrPendingChangeExists], never
// [ErrAccountBlocked]. The block rejection is reserved for blocks the
// workflow did not place itself, such as a login lockout.
func (e *Engine) changeAdmissible(ctx context.Context, account *Account, kind ChangeKind) error {
	inFlight, err := e.pending.CountUnverified(ctx, account.ID)
	if err != nil {
		return wrapBackendError(err)
	}
	if inFlight > 0 {
		e.metricInc(MetricChangeRejected)
		e.emitAudit(ctx, AuditChangeRequested, false, account.ID, ErrPendingChangeExists, changeMeta(kind))
		return ErrPendingChangeExists
	}

	e.lockout.LazyUnblock(account)
	if blocked, remaining := e.lockout.HardBlockRemaining(account); blocked {
		e.metricInc(MetricChangeRejected)
		e.emitAudit(ctx, AuditChangeRequested, false, account.ID, ErrAccountBlocked, changeMeta(kind))
		return &BlockedError{RetryAfter: remaining}
	}
	return nil
}

// openChange runs the shared tail of every change request: admission
// checks, request creation, tentative apply, and token dispatch.
func (e *Engine) openChange(
	ctx context.Context,
	account *Account,
	kind ChangeKind,
	update AccountUpdate,
	destination string,
	template TemplateKind,
) error {
	if err := e.changeAdmissible(ctx, account, kind); err != nil {
		return err
	}

	token, err := internal.NewVerificationToken(e.config.Verification.TokenLength)
	if err != nil {
		return wrapBackendError(err)
	}

	now := e.clock.Now()
	expiresAt := now.Add(e.config.Verification.Window)
	change := &PendingChange{
		AccountID: account.ID,
		Kind:      kind,
		Token:     token,
		ExpiresAt: expiresAt,
		Meta:      requestMetaFromContext(ctx),
	}

	// The store rechecks under WATCH; the count above only filters the
	// common case.
	if err := e.pending.Create(ctx, change); err != nil {
		if errors.Is(err, ErrPendingChangeExists) {
			e.metricInc(MetricChangeRejected)
			return err
		}
		return wrapBackendError(err)
	}

	blocked := true
	update.Blocked = &blocked
	update.BlockExpiresAt = &expiresAt
	update.VerificationToken = &token
	update.VerificationExpiresAt = &expiresAt

	if _, err := e.accounts.Update(ctx, account.ID, update); err != nil {
		return wrapBackendError(err)
	}

	e.notifyAsync(account.ID, token, destination, template)

	e.metricInc(MetricChangeRequested)
	e.emitAudit(ctx, AuditChangeRequested, true, account.ID, nil, changeMeta(kind))
	return nil
}

// VerifyPendingChange redeems a change request. On success the request is
// marked verified, the account's block and token fields are cleared, and
// the refreshed public view is returned. A second redeem of the same
// token reports [ErrRequestNotFound].
func (e *Engine) VerifyPendingChange(ctx context.Context, accountID, token string, kind ChangeKind) (*PublicAccount, error) {
	if e == nil || e.accounts == nil || e.pending == nil {
		return nil, ErrEngineNotReady
	}

	if _, err := e.pending.FindUnverified(ctx, accountID, token, kind); err != nil {
		if errors.Is(err, ErrRequestNotFound) || errors.Is(err, ErrTokenExpired) {
			e.metricInc(MetricChangeRejected)
			e.emitAudit(ctx, AuditChangeVerified, false, accountID, err, changeMeta(kind))
			return nil, err
		}
		return nil, wrapBackendError(err)
	}

	if err := e.pending.MarkVerified(ctx, accountID); err != nil {
		if errors.Is(err, ErrRequestNotFound) {
			return nil, err
		}
		return nil, wrapBackendError(err)
	}

	unblocked := false
	emptyToken := ""
	var zeroTime time.Time
	updated, err := e.accounts.Update(ctx, accountID, AccountUpdate{
		Blocked:               &unblocked,
		BlockExpiresAt:        &zeroTime,
		VerificationToken:     &emptyToken,
		VerificationExpiresAt: &zeroTime,
	})
	if err != nil {
		return nil, wrapBackendError(err)
	}

	e.metricInc(MetricChangeVerified)
	e.emitAudit(ctx, AuditChangeVerified, true, accountID, nil, changeMeta(kind))
	return updated.Public(), nil
}

func changeMeta(kind ChangeKind) func() map[string]string {
	return func() map[string]string {
		return map[string]string{"kind": kind.String()}
	}
}
