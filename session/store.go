package session

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned when no live session exists for a session ID.
var ErrNotFound = errors.New("session not found")

// ErrRefreshMismatch is returned when the presented refresh secret does not
// match the stored hash. The session is destroyed when this happens: a
// mismatch after a legitimate rotation means the old token was replayed.
var ErrRefreshMismatch = errors.New("session refresh secret mismatch")

// ErrRedisUnavailable wraps transport-level Redis failures.
var ErrRedisUnavailable = errors.New("session redis unavailable")

const txRetries = 4

// Store persists sessions in Redis. Each session lives under its own key
// with a TTL; an additional per-account set indexes live session IDs so
// that a password change can revoke everything at once.
type Store struct {
	redis  redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewStore creates a session [Store] backed by the given Redis client.
// prefix namespaces the Redis keys; now is the time source (nil means
// wall clock).
func NewStore(redisClient redis.UniversalClient, prefix string, now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{redis: redisClient, prefix: prefix, now: now}
}

func (s *Store) key(sessionID string) string {
	return s.prefix + ":" + sessionID
}

func (s *Store) accountKey(accountID string) string {
	return s.prefix + ":acct:" + accountID
}

// Save persists the session with the given TTL and indexes it under its
// account.
func (s *Store) Save(ctx context.Context, sess *Session, ttl time.Duration) error {
	data, err := Encode(sess)
	if err != nil {
		return err
	}

	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key(sess.SessionID), data, ttl)
		pipe.SAdd(ctx, s.accountKey(sess.AccountID), sess.SessionID)
		pipe.Expire(ctx, s.accountKey(sess.AccountID), ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// Get fetches a live session. Expired sessions are removed on access and
// reported as [ErrNotFound].
func (s *Store) Get(ctx context.Context, sessionID string) (*Session, error) {
	data, err := s.redis.Get(ctx, s.key(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	sess, err := Decode(data)
	if err != nil {
		return nil, err
	}
	sess.SessionID = sessionID

	if s.now().Unix() > sess.ExpiresAt {
		if err := s.remove(ctx, sess.AccountID, sessionID); err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}
	return sess, nil
}

// Delete removes a session and its index entry. Deleting an absent session
// is not an error.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	data, err := s.redis.Get(ctx, s.key(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	sess, err := Decode(data)
	if err != nil {
		return err
	}
	return s.remove(ctx, sess.AccountID, sessionID)
}

// DeleteAllForAccount revokes every indexed session of one account. A
// session created concurrently with this call can escape the sweep; it
// expires on its own TTL.
func (s *Store) DeleteAllForAccount(ctx context.Context, accountID string) error {
	accountKey := s.accountKey(accountID)

	sessionIDs, err := s.redis.SMembers(ctx, accountKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, sessionID := range sessionIDs {
			pipe.Del(ctx, s.key(sessionID))
		}
		pipe.Del(ctx, accountKey)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// ActiveSessionIDs returns the indexed session IDs of an account.
func (s *Store) ActiveSessionIDs(ctx context.Context, accountID string) ([]string, error) {
	ids, err := s.redis.SMembers(ctx, s.accountKey(accountID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return ids, nil
}

// RotateRefreshHash compares the presented refresh hash against the stored
// one and, on match, swaps in the next hash under WATCH so concurrent
// rotations cannot both win. A mismatch destroys the session before
// returning [ErrRefreshMismatch]: the only way a stale secret reaches this
// point is replay of an already-rotated token.
func (s *Store) RotateRefreshHash(ctx context.Context, sessionID string, provided, next [32]byte) (*Session, error) {
	key := s.key(sessionID)

	for i := 0; i < txRetries; i++ {
		var rotated *Session

		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				return ErrNotFound
			}
			if err != nil {
				return err
			}

			sess, err := Decode(data)
			if err != nil {
				return err
			}
			sess.SessionID = sessionID

			if s.now().Unix() > sess.ExpiresAt {
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Del(ctx, key)
					pipe.SRem(ctx, s.accountKey(sess.AccountID), sessionID)
					return nil
				})
				if err != nil {
					return err
				}
				return ErrNotFound
			}

			if subtle.ConstantTimeCompare(sess.RefreshHash[:], provided[:]) != 1 {
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Del(ctx, key)
					pipe.SRem(ctx, s.accountKey(sess.AccountID), sessionID)
					return nil
				})
				if err != nil {
					return err
				}
				return ErrRefreshMismatch
			}

			sess.RefreshHash = next
			updated, err := Encode(sess)
			if err != nil {
				return err
			}

			ttl := time.Unix(sess.ExpiresAt, 0).Sub(s.now())
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, updated, ttl)
				return nil
			})
			if err != nil {
				return err
			}

			rotated = sess
			return nil
		}, key)

		if err == redis.TxFailedErr {
			continue
		}
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrRefreshMismatch) {
			return nil, err
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
		return rotated, nil
	}
	return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, redis.TxFailedErr)
}

func (s *Store) remove(ctx context.Context, accountID, sessionID string) error {
	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.key(sessionID))
		pipe.SRem(ctx, s.accountKey(accountID), sessionID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}
