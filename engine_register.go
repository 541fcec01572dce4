package acctguard

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/mail"
	"time"

	"github.com/google/uuid"
	passwordvalidator "github.com/wagslane/go-password-validator"

	"github.com/stellwolf/acctguard/internal"
)

// Register creates an inactive account and dispatches a verification
// token to its email address. Validation failures are aggregated: every
// failing field is reported in one [ValidationError] rather than stopping
// at the first.
func (e *Engine) Register(ctx context.Context, input RegisterInput) (*PublicAccount, error) {
	if e == nil || e.accounts == nil || e.vaults == nil {
		return nil, ErrEngineNotReady
	}

	fields := map[string]string{}

	if _, err := mail.ParseAddress(input.Email); err != nil {
		fields["email"] = "invalid email address"
	}
	if len(input.Username) < 3 || len(input.Username) > 64 {
		fields["username"] = "must be between 3 and 64 characters"
	}
	if err := passwordvalidator.Validate(input.Secret, e.config.Password.MinEntropyBits); err != nil {
		fields["secret"] = err.Error()
	}

	// Conflict checks run even when format checks failed, so a duplicate
	// email is reported alongside a weak secret in the same aggregate.
	// Fields that already failed their format check are skipped.
	taken, err := e.identifiersTaken(ctx, input, fields)
	if err != nil {
		return nil, err
	}
	for field, message := range taken {
		fields[field] = message
	}

	if _, bad := fields["secret"]; !bad {
		acceptable, err := newUniquenessGuard(e.cipher, e.accounts, e.config.Password.UniquenessAttempts).
			IsAcceptable(ctx, input.Secret)
		if err != nil {
			return nil, err
		}
		if !acceptable {
			fields["secret"] = ErrSecretNotAcceptable.Error()
		}
	}

	if len(fields) > 0 {
		e.metricInc(MetricRegisterRejected)
		e.emitAudit(ctx, AuditRegister, false, "", ErrValidation, func() map[string]string {
			return fields
		})
		return nil, &ValidationError{Fields: fields}
	}

	salt, err := e.cipher.GenerateSalt()
	if err != nil {
		return nil, wrapBackendError(err)
	}
	token, err := internal.NewVerificationToken(e.config.Verification.TokenLength)
	if err != nil {
		return nil, wrapBackendError(err)
	}

	now := e.clock.Now()
	account := &Account{
		ID:          uuid.NewString(),
		Email:       input.Email,
		Username:    input.Username,
		PhoneNumber: input.PhoneNumber,
		Credential:  e.cipher.Hash(input.Secret, salt),

		Active: false,

		VerificationToken:     token,
		VerificationExpiresAt: now.Add(e.config.Verification.Window),

		FirstName: input.FirstName,
		LastName:  input.LastName,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := e.accounts.Create(ctx, account); err != nil {
		return nil, wrapBackendError(err)
	}
	if err := e.vaults.Create(ctx, &Vault{AccountID: account.ID, Salt: salt}); err != nil {
		return nil, wrapBackendError(err)
	}

	e.notifyAsync(account.ID, token, account.Email, TemplateRegistration)

	e.metricInc(MetricRegisterSuccess)
	e.emitAudit(ctx, AuditRegister, true, account.ID, nil, nil)

	return account.Public(), nil
}

// VerifyRegistration activates the account addressed by email when the
// presented token matches and is still inside its window.
func (e *Engine) VerifyRegistration(ctx context.Context, email, token string) (*PublicAccount, error) {
	if e == nil || e.accounts == nil {
		return nil, ErrEngineNotReady
	}

	account, err := e.accounts.FindByIdentifier(ctx, IdentifierEmail, email)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return nil, ErrRequestNotFound
		}
		return nil, wrapBackendError(err)
	}

	if account.Active || account.VerificationToken == "" {
		return nil, ErrRequestNotFound
	}
	if subtle.ConstantTimeCompare([]byte(account.VerificationToken), []byte(token)) != 1 {
		e.emitAudit(ctx, AuditRegisterVerified, false, account.ID, ErrRequestNotFound, nil)
		return nil, ErrRequestNotFound
	}
	if e.clock.Now().After(account.VerificationExpiresAt) {
		e.emitAudit(ctx, AuditRegisterVerified, false, account.ID, ErrTokenExpired, nil)
		return nil, ErrTokenExpired
	}

	active := true
	emptyToken := ""
	var zeroTime time.Time
	updated, err := e.accounts.Update(ctx, account.ID, AccountUpdate{
		Active:                &active,
		VerificationToken:     &emptyToken,
		VerificationExpiresAt: &zeroTime,
	})
	if err != nil {
		return nil, wrapBackendError(err)
	}

	e.metricInc(MetricRegisterVerified)
	e.emitAudit(ctx, AuditRegisterVerified, true, account.ID, nil, nil)
	return updated.Public(), nil
}

// identifiersTaken checks each supplied identifier for an existing owner,
// skipping identifiers already listed in failed.
func (e *Engine) identifiersTaken(ctx context.Context, input RegisterInput, failed map[string]string) (map[string]string, error) {
	taken := map[string]string{}

	checks := []struct {
		kind  IdentifierKind
		value string
	}{
		{IdentifierEmail, input.Email},
		{IdentifierUsername, input.Username},
		{IdentifierPhone, input.PhoneNumber},
	}

	for _, check := range checks {
		if check.value == "" {
			continue
		}
		if _, bad := failed[check.kind.Field()]; bad {
			continue
		}
		exists, err := e.accounts.ExistsByIdentifier(ctx, check.kind, check.value)
		if err != nil {
			return nil, wrapBackendError(err)
		}
		if exists {
			taken[check.kind.Field()] = "already in use"
		}
	}
	return taken, nil
}
