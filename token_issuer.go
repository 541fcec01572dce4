package acctguard

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stellwolf/acctguard/internal"
	"github.com/stellwolf/acctguard/jwt"
	"github.com/stellwolf/acctguard/session"
)

// AccountSessionRevoker is implemented by token issuers that can revoke
// every live session of an account at once. The engine uses it, when
// available, after password rotations.
type AccountSessionRevoker interface {
	RevokeAll(ctx context.Context, accountID string) error
}

// jwtTokenIssuer is the built-in [TokenIssuer]: JWT access tokens plus
// opaque rotating refresh tokens over the Redis session store. A refresh
// token encodes the session ID and a one-use secret; presenting a secret
// that was already rotated away destroys the session.
type jwtTokenIssuer struct {
	manager  *jwt.Manager
	sessions *session.Store
	clock    Clock
}

// NewJWTTokenIssuer wires the default issuer from its parts.
func NewJWTTokenIssuer(manager *jwt.Manager, sessions *session.Store, clock Clock) TokenIssuer {
	return &jwtTokenIssuer{manager: manager, sessions: sessions, clock: clock}
}

func (t *jwtTokenIssuer) Mint(ctx context.Context, sc SessionContext) (TokenPair, error) {
	sid, err := internal.NewSessionID()
	if err != nil {
		return TokenPair{}, err
	}
	secret, err := internal.NewRefreshSecret()
	if err != nil {
		return TokenPair{}, err
	}

	sess := &session.Session{
		SessionID:   sid.String(),
		AccountID:   sc.AccountID,
		RefreshHash: internal.HashRefreshSecret(secret),
		IPHash:      internal.HashToken(sc.IP),
		AgentHash:   internal.HashToken(sc.UserAgent),
		CreatedAt:   sc.CreatedAt.Unix(),
		ExpiresAt:   sc.ExpiresAt.Unix(),
	}

	ttl := sc.ExpiresAt.Sub(t.clock.Now())
	if ttl <= 0 {
		return TokenPair{}, fmt.Errorf("session context expires in the past")
	}
	if err := t.sessions.Save(ctx, sess, ttl); err != nil {
		return TokenPair{}, fmt.Errorf("%w: %v", ErrSessionUnavailable, err)
	}

	access, _, err := t.manager.CreateAccess(sc.AccountID, sess.SessionID)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, err := internal.EncodeRefreshToken(sess.SessionID, secret)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{AccessToken: access, RefreshToken: refresh}, nil
}

func (t *jwtTokenIssuer) Refresh(ctx context.Context, refreshToken string, _ SessionContext) (TokenPair, error) {
	sessionID, secret, err := internal.DecodeRefreshToken(refreshToken)
	if err != nil {
		return TokenPair{}, fmt.Errorf("%w: %v", ErrTokenExpired, err)
	}

	nextSecret, err := internal.NewRefreshSecret()
	if err != nil {
		return TokenPair{}, err
	}

	sess, err := t.sessions.RotateRefreshHash(
		ctx,
		sessionID,
		internal.HashRefreshSecret(secret),
		internal.HashRefreshSecret(nextSecret),
	)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) || errors.Is(err, session.ErrRefreshMismatch) {
			return TokenPair{}, fmt.Errorf("%w: %v", ErrTokenExpired, err)
		}
		return TokenPair{}, fmt.Errorf("%w: %v", ErrSessionUnavailable, err)
	}

	access, _, err := t.manager.CreateAccess(sess.AccountID, sessionID)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, err := internal.EncodeRefreshToken(sessionID, nextSecret)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{AccessToken: access, RefreshToken: refresh}, nil
}

func (t *jwtTokenIssuer) Revoke(ctx context.Context, refreshToken string, _ SessionContext) error {
	sessionID, _, err := internal.DecodeRefreshToken(refreshToken)
	if err != nil {
		// A malformed token addresses no session; revoking it is a no-op.
		return nil
	}
	if err := t.sessions.Delete(ctx, sessionID); err != nil {
		return fmt.Errorf("%w: %v", ErrSessionUnavailable, err)
	}
	return nil
}

// RevokeAll destroys every live session of the account.
func (t *jwtTokenIssuer) RevokeAll(ctx context.Context, accountID string) error {
	if err := t.sessions.DeleteAllForAccount(ctx, accountID); err != nil {
		return fmt.Errorf("%w: %v", ErrSessionUnavailable, err)
	}
	return nil
}

// NewRedisSessionStore is a convenience constructor for the session store
// used by the default issuer.
func NewRedisSessionStore(redisClient redis.UniversalClient, clock Clock) *session.Store {
	now := time.Now
	if clock != nil {
		now = clock.Now
	}
	return session.NewStore(redisClient, "as", now)
}
