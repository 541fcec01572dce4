package acctguard

import (
	"context"
	"errors"

	passwordvalidator "github.com/wagslane/go-password-validator"

	"github.com/stellwolf/acctguard/internal"
)

// RequestPasswordReset issues a reset token for the active account behind
// the email address. The caller can tell a missing account from a
// successful request; see the package documentation for why that
// disclosure is kept.
func (e *Engine) RequestPasswordReset(ctx context.Context, email string) error {
	if e == nil || e.accounts == nil || e.resets == nil {
		return ErrEngineNotReady
	}

	account, err := e.accounts.FindByIdentifier(ctx, IdentifierEmail, email)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			e.metricInc(MetricResetRejected)
			e.emitAudit(ctx, AuditResetRequested, false, "", ErrAccountNotFound, nil)
			return ErrAccountNotFound
		}
		return wrapBackendError(err)
	}
	if !account.Active {
		e.metricInc(MetricResetRejected)
		e.emitAudit(ctx, AuditResetRequested, false, account.ID, ErrAccountNotFound, nil)
		return ErrAccountNotFound
	}

	token, err := internal.NewVerificationToken(e.config.Verification.TokenLength)
	if err != nil {
		return wrapBackendError(err)
	}

	request := &ForgotPasswordRequest{
		Email:     account.Email,
		AccountID: account.ID,
		Token:     token,
		ExpiresAt: e.clock.Now().Add(e.config.Reset.TTL),
		Meta:      requestMetaFromContext(ctx),
	}
	if err := e.resets.Create(ctx, request); err != nil {
		return wrapBackendError(err)
	}

	e.notifyAsync(account.ID, token, account.Email, TemplatePasswordReset)

	e.metricInc(MetricResetRequested)
	e.emitAudit(ctx, AuditResetRequested, true, account.ID, nil, nil)
	return nil
}

// RedeemPasswordReset rotates the credential behind a reset token. The
// request's stored expiry is never compared against the clock here: the
// store's retention window is what ultimately retires a token. The reset
// path is independent of the account's blocked state.
func (e *Engine) RedeemPasswordReset(ctx context.Context, token, newSecret, confirmSecret string) error {
	if e == nil || e.accounts == nil || e.vaults == nil || e.resets == nil {
		return ErrEngineNotReady
	}

	if newSecret != confirmSecret {
		e.metricInc(MetricResetRejected)
		e.emitAudit(ctx, AuditResetRedeemed, false, "", ErrSecretMismatch, nil)
		return ErrSecretMismatch
	}
	if err := passwordvalidator.Validate(newSecret, e.config.Password.MinEntropyBits); err != nil {
		e.metricInc(MetricResetRejected)
		return &ValidationError{Fields: map[string]string{"secret": err.Error()}}
	}
	acceptable, err := newUniquenessGuard(e.cipher, e.accounts, e.config.Password.UniquenessAttempts).
		IsAcceptable(ctx, newSecret)
	if err != nil {
		return err
	}
	if !acceptable {
		e.metricInc(MetricResetRejected)
		return ErrSecretNotAcceptable
	}

	request, err := e.resets.Consume(ctx, token)
	if err != nil {
		if errors.Is(err, ErrRequestNotFound) {
			e.metricInc(MetricResetRejected)
			e.emitAudit(ctx, AuditResetRedeemed, false, "", ErrRequestNotFound, nil)
			return ErrRequestNotFound
		}
		return wrapBackendError(err)
	}

	newSalt, err := e.cipher.GenerateSalt()
	if err != nil {
		return wrapBackendError(err)
	}
	if err := e.vaults.UpdateSalt(ctx, request.AccountID, newSalt); err != nil {
		return wrapBackendError(err)
	}

	newCredential := e.cipher.Hash(newSecret, newSalt)
	if _, err := e.accounts.Update(ctx, request.AccountID, AccountUpdate{Credential: &newCredential}); err != nil {
		return wrapBackendError(err)
	}

	if revoker, ok := e.issuer.(AccountSessionRevoker); ok {
		if err := revoker.RevokeAll(ctx, request.AccountID); err != nil {
			e.emitAudit(ctx, AuditResetRedeemed, false, request.AccountID, err, nil)
		}
	}

	e.metricInc(MetricResetRedeemed)
	e.emitAudit(ctx, AuditResetRedeemed, true, request.AccountID, nil, nil)
	return nil
}
