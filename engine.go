package acctguard

import (
	"context"
	"errors"
	"time"

	"github.com/stellwolf/acctguard/password"
)

// Engine is the account security core. Build one with [Builder]; a zero
// Engine is not usable. All methods are safe for concurrent use.
type Engine struct {
	config   Config
	accounts AccountStore
	vaults   VaultStore
	pending  PendingChangeStore
	resets   ForgotPasswordStore
	issuer   TokenIssuer
	notifier NotificationDispatcher
	cipher   *password.Cipher
	lockout  *lockoutGuard
	audit    *auditDispatcher
	metrics  *Metrics
	clock    Clock
}

// Close drains and stops the audit dispatcher. The engine must not be used
// after Close.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	if e.audit != nil {
		e.audit.Close()
	}
}

// AuditDropped reports audit events lost to a full buffer.
func (e *Engine) AuditDropped() uint64 {
	if e == nil || e.audit == nil {
		return 0
	}
	return e.audit.Dropped()
}

// MetricsSnapshot returns a point-in-time copy of the engine counters.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil || e.metrics == nil {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}
	return e.metrics.Snapshot()
}

func (e *Engine) metricInc(id MetricID) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.Inc(id)
}

func (e *Engine) emitAudit(
	ctx context.Context,
	eventType string,
	success bool,
	accountID string,
	err error,
	metadataBuilder func() map[string]string,
) {
	if e == nil || e.audit == nil {
		return
	}

	var metadata map[string]string
	if metadataBuilder != nil {
		metadata = metadataBuilder()
	}

	event := AuditEvent{
		Timestamp: e.clock.Now().UTC(),
		EventType: eventType,
		AccountID: accountID,
		IP:        clientIPFromContext(ctx),
		Success:   success,
		Metadata:  metadata,
	}
	if err != nil {
		event.Error = err.Error()
	}

	e.audit.Emit(ctx, event)
}

// notifyAsync dispatches a notification without blocking the calling
// workflow. Delivery failures are observed, never surfaced.
func (e *Engine) notifyAsync(accountID, token, destination string, template TemplateKind) {
	if e.notifier == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := e.notifier.Send(ctx, token, destination, template); err != nil {
			e.metricInc(MetricNotificationFailure)
			e.emitAudit(ctx, AuditNotificationFailed, false, accountID, err, func() map[string]string {
				return map[string]string{"template": templateName(template)}
			})
		}
	}()
}

func templateName(t TemplateKind) string {
	switch t {
	case TemplateRegistration:
		return "registration"
	case TemplateChangeEmail:
		return "change_email"
	case TemplateChangeUsername:
		return "change_username"
	case TemplateChangePhone:
		return "change_phone"
	case TemplateChangePassword:
		return "change_password"
	case TemplatePasswordReset:
		return "password_reset"
	default:
		return "unknown"
	}
}

// Login authenticates an account addressed by the given identifier kind
// and, on success, delegates session minting to the token issuer. remember
// extends the session lifetime to the configured remember TTL.
func (e *Engine) Login(ctx context.Context, kind IdentifierKind, identifier, secret string, remember bool) (*LoginResult, error) {
	if e == nil || e.accounts == nil || e.issuer == nil {
		return nil, ErrEngineNotReady
	}

	start := e.clock.Now()
	defer func() {
		e.metrics.Observe(MetricLoginLatency, e.clock.Now().Sub(start))
	}()

	account, err := e.accounts.FindByIdentifier(ctx, kind, identifier)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			e.metricInc(MetricLoginFailure)
			e.emitAudit(ctx, AuditLoginFailure, false, "", ErrInvalidIdentifier, func() map[string]string {
				return map[string]string{"identifier_kind": kind.Field()}
			})
			return nil, &IdentifierError{Field: kind.Field()}
		}
		return nil, wrapBackendError(err)
	}

	// Expired blocks lift on access, never by a sweeper.
	unblocked := e.lockout.LazyUnblock(account)

	if blocked, remaining := e.lockout.HardBlockRemaining(account); blocked {
		e.metricInc(MetricLoginBlocked)
		e.emitAudit(ctx, AuditLoginBlocked, false, account.ID, ErrAccountBlocked, nil)
		return nil, &BlockedError{RetryAfter: remaining}
	}

	if !account.Active {
		e.metricInc(MetricLoginFailure)
		e.emitAudit(ctx, AuditLoginFailure, false, account.ID, ErrNotActivated, nil)
		return nil, ErrNotActivated
	}

	vault, err := e.vaults.FindByAccount(ctx, account.ID)
	if err != nil {
		return nil, wrapBackendError(err)
	}

	ok, err := e.cipher.Verify(secret, vault.Salt, account.Credential)
	if err != nil {
		// Corrupt stored material, not a mismatch.
		return nil, wrapBackendError(err)
	}
	if !ok {
		crossed := e.lockout.RecordFailure(account)
		if err := e.persistLockoutState(ctx, account); err != nil {
			return nil, err
		}
		e.metricInc(MetricLoginFailure)
		if crossed {
			e.metricInc(MetricLockoutTriggered)
			e.emitAudit(ctx, AuditLockoutTriggered, false, account.ID, ErrAccountBlocked, nil)
			return nil, &BlockedError{RetryAfter: account.BlockExpiresAt.Sub(e.clock.Now())}
		}
		e.emitAudit(ctx, AuditLoginFailure, false, account.ID, ErrInvalidSecret, nil)
		return nil, ErrInvalidSecret
	}

	hadFailures := account.LoginAttemptCount != 0
	e.lockout.RecordSuccess(account)
	if hadFailures || unblocked {
		if err := e.persistLockoutState(ctx, account); err != nil {
			return nil, err
		}
	}

	meta := requestMetaFromContext(ctx)
	now := e.clock.Now()
	ttl := e.config.Session.TTL
	if remember {
		ttl = e.config.Session.RememberTTL
	}

	sc := SessionContext{
		AccountID:   account.ID,
		IP:          meta.IP,
		UserAgent:   meta.UserAgent,
		Fingerprint: meta.Fingerprint,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}

	pair, err := e.issuer.Mint(ctx, sc)
	if err != nil || pair.AccessToken == "" || pair.RefreshToken == "" {
		e.metricInc(MetricLoginFailure)
		e.emitAudit(ctx, AuditLoginFailure, false, account.ID, ErrSessionUnavailable, nil)
		return nil, ErrSessionUnavailable
	}

	e.metricInc(MetricLoginSuccess)
	e.emitAudit(ctx, AuditLoginSuccess, true, account.ID, nil, nil)

	return &LoginResult{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		Account:      account.Public(),
		ExpiresAt:    sc.ExpiresAt,
	}, nil
}

// Logout revokes the presented refresh token at the issuer.
func (e *Engine) Logout(ctx context.Context, refreshToken string) error {
	if e == nil || e.issuer == nil {
		return ErrEngineNotReady
	}

	meta := requestMetaFromContext(ctx)
	sc := SessionContext{IP: meta.IP, UserAgent: meta.UserAgent, Fingerprint: meta.Fingerprint}

	if err := e.issuer.Revoke(ctx, refreshToken, sc); err != nil {
		return wrapBackendError(err)
	}

	e.metricInc(MetricLogout)
	e.emitAudit(ctx, AuditLogout, true, "", nil, nil)
	return nil
}

// RefreshSession hands the refresh token to the issuer without making the
// caller wait: the delegation runs in the background and its outcome is
// observed through audit and metrics only. The returned channel carries
// the result for callers that do want it and is buffered, so ignoring it
// leaks nothing.
func (e *Engine) RefreshSession(ctx context.Context, refreshToken string) (<-chan TokenPair, error) {
	if e == nil || e.issuer == nil {
		return nil, ErrEngineNotReady
	}

	meta := requestMetaFromContext(ctx)
	sc := SessionContext{IP: meta.IP, UserAgent: meta.UserAgent, Fingerprint: meta.Fingerprint}

	out := make(chan TokenPair, 1)
	go func() {
		defer close(out)

		refreshCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		pair, err := e.issuer.Refresh(refreshCtx, refreshToken, sc)
		if err != nil || pair.AccessToken == "" || pair.RefreshToken == "" {
			e.metricInc(MetricRefreshFailure)
			e.emitAudit(refreshCtx, AuditSessionRefresh, false, "", err, nil)
			return
		}

		e.metricInc(MetricRefreshSuccess)
		e.emitAudit(refreshCtx, AuditSessionRefresh, true, "", nil, nil)
		out <- pair
	}()

	return out, nil
}

// persistLockoutState writes the lockout-related account fields in one
// update.
func (e *Engine) persistLockoutState(ctx context.Context, account *Account) error {
	update := AccountUpdate{
		Blocked:           &account.Blocked,
		BlockExpiresAt:    &account.BlockExpiresAt,
		LoginAttemptCount: &account.LoginAttemptCount,
	}
	if _, err := e.accounts.Update(ctx, account.ID, update); err != nil {
		return wrapBackendError(err)
	}
	return nil
}
