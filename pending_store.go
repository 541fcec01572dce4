package acctguard

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stellwolf/acctguard/internal"
)

const (
	pendingChangeKeyPrefix      = "apc"
	pendingChangeRecordVersion1 = 1

	// Conditional writes retry a handful of times on WATCH conflicts before
	// reporting the key as contended.
	pendingChangeTxRetries = 4
)

// pendingChangeRecord is the stored shape of a [PendingChange]. The token
// is kept only as a digest; the plaintext leaves the process exactly once,
// inside the outbound notification.
type pendingChangeRecord struct {
	Kind      ChangeKind
	Verified  bool
	ExpiresAt int64
	AccountID string
	TokenHash [32]byte
	Meta      RequestMeta
}

// redisPendingChangeStore keeps at most one pending change record per
// account, keyed by account ID. The single-in-flight invariant is enforced
// here with a WATCH-guarded conditional write, not just checked upstream.
type redisPendingChangeStore struct {
	redis  *redis.Client
	clock  Clock
	prefix string
}

// NewRedisPendingChangeStore returns a [PendingChangeStore] over the given
// Redis client.
func NewRedisPendingChangeStore(redisClient *redis.Client, clock Clock) PendingChangeStore {
	return &redisPendingChangeStore{
		redis:  redisClient,
		clock:  clock,
		prefix: pendingChangeKeyPrefix,
	}
}

func (s *redisPendingChangeStore) key(accountID string) string {
	return s.prefix + ":" + accountID
}

// Create writes the change request unless an unverified one already holds
// the slot. The check and the write run under WATCH so two concurrent
// requests for the same account cannot both succeed.
func (s *redisPendingChangeStore) Create(ctx context.Context, change *PendingChange) error {
	now := s.clock.Now()
	ttl := change.ExpiresAt.Sub(now)
	if ttl <= 0 {
		return fmt.Errorf("pending change already expired at creation")
	}

	record := &pendingChangeRecord{
		Kind:      change.Kind,
		ExpiresAt: change.ExpiresAt.Unix(),
		AccountID: change.AccountID,
		TokenHash: internal.HashToken(change.Token),
		Meta:      change.Meta,
	}
	encoded, err := encodePendingChangeRecord(record)
	if err != nil {
		return err
	}

	key := s.key(change.AccountID)
	for i := 0; i < pendingChangeTxRetries; i++ {
		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil && !errors.Is(err, redis.Nil) {
				return err
			}

			if err == nil {
				existing, err := decodePendingChangeRecord(data)
				if err != nil {
					return err
				}
				if !existing.Verified && now.Unix() <= existing.ExpiresAt {
					return ErrPendingChangeExists
				}
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, encoded, ttl)
				return nil
			})
			return err
		}, key)

		if err == redis.TxFailedErr {
			continue
		}
		if errors.Is(err, ErrPendingChangeExists) {
			return err
		}
		if err != nil {
			return wrapBackendError(err)
		}
		return nil
	}
	return wrapBackendError(redis.TxFailedErr)
}

func (s *redisPendingChangeStore) FindUnverified(ctx context.Context, accountID, token string, kind ChangeKind) (*PendingChange, error) {
	data, err := s.redis.Get(ctx, s.key(accountID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrRequestNotFound
	}
	if err != nil {
		return nil, wrapBackendError(err)
	}

	record, err := decodePendingChangeRecord(data)
	if err != nil {
		return nil, err
	}

	if record.Verified || record.Kind != kind {
		return nil, ErrRequestNotFound
	}
	if s.clock.Now().Unix() > record.ExpiresAt {
		// Lazy expiry: the record dies on access, not on a sweep.
		s.redis.Del(ctx, s.key(accountID))
		return nil, ErrTokenExpired
	}

	provided := internal.HashToken(token)
	if subtle.ConstantTimeCompare(record.TokenHash[:], provided[:]) != 1 {
		return nil, ErrRequestNotFound
	}

	return &PendingChange{
		AccountID: record.AccountID,
		Kind:      record.Kind,
		Token:     token,
		ExpiresAt: time.Unix(record.ExpiresAt, 0),
		Meta:      record.Meta,
	}, nil
}

// MarkVerified flips the record's verified flag in place. The record keeps
// its remaining TTL and is never matched by FindUnverified again.
func (s *redisPendingChangeStore) MarkVerified(ctx context.Context, accountID string) error {
	key := s.key(accountID)
	for i := 0; i < pendingChangeTxRetries; i++ {
		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				return ErrRequestNotFound
			}
			if err != nil {
				return err
			}

			record, err := decodePendingChangeRecord(data)
			if err != nil {
				return err
			}
			if record.Verified {
				return ErrRequestNotFound
			}

			record.Verified = true
			updated, err := encodePendingChangeRecord(record)
			if err != nil {
				return err
			}

			ttl := time.Unix(record.ExpiresAt, 0).Sub(s.clock.Now())
			if ttl <= 0 {
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Del(ctx, key)
					return nil
				})
				if err != nil {
					return err
				}
				return ErrRequestNotFound
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, updated, ttl)
				return nil
			})
			return err
		}, key)

		if err == redis.TxFailedErr {
			continue
		}
		if errors.Is(err, ErrRequestNotFound) {
			return err
		}
		if err != nil {
			return wrapBackendError(err)
		}
		return nil
	}
	return wrapBackendError(redis.TxFailedErr)
}

func (s *redisPendingChangeStore) CountUnverified(ctx context.Context, accountID string) (int64, error) {
	data, err := s.redis.Get(ctx, s.key(accountID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, wrapBackendError(err)
	}

	record, err := decodePendingChangeRecord(data)
	if err != nil {
		return 0, err
	}
	if record.Verified || s.clock.Now().Unix() > record.ExpiresAt {
		return 0, nil
	}
	return 1, nil
}

func encodePendingChangeRecord(record *pendingChangeRecord) ([]byte, error) {
	var buf bytes.Buffer

	buf.WriteByte(pendingChangeRecordVersion1)
	buf.WriteByte(byte(record.Kind))
	if record.Verified {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
	if err := binary.Write(&buf, binary.BigEndian, record.ExpiresAt); err != nil {
		return nil, err
	}

	for _, field := range []string{record.AccountID, record.Meta.IP, record.Meta.UserAgent, record.Meta.Fingerprint} {
		if len(field) > 65535 {
			return nil, errors.New("pending change record field too long")
		}
		if err := binary.Write(&buf, binary.BigEndian, uint16(len(field))); err != nil {
			return nil, err
		}
		buf.WriteString(field)
	}
	buf.Write(record.TokenHash[:])

	return buf.Bytes(), nil
}

func decodePendingChangeRecord(data []byte) (*pendingChangeRecord, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != pendingChangeRecordVersion1 {
		return nil, errors.New("invalid pending change record version")
	}

	kind, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	verified, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}

	record := &pendingChangeRecord{
		Kind:     ChangeKind(kind),
		Verified: verified == 1,
	}
	if err := binary.Read(reader, binary.BigEndian, &record.ExpiresAt); err != nil {
		return nil, err
	}

	fields := make([]string, 4)
	for i := range fields {
		var length uint16
		if err := binary.Read(reader, binary.BigEndian, &length); err != nil {
			return nil, err
		}
		raw := make([]byte, length)
		if _, err := io.ReadFull(reader, raw); err != nil {
			return nil, err
		}
		fields[i] = string(raw)
	}
	record.AccountID = fields[0]
	record.Meta = RequestMeta{IP: fields[1], UserAgent: fields[2], Fingerprint: fields[3]}

	if _, err := io.ReadFull(reader, record.TokenHash[:]); err != nil {
		return nil, err
	}

	return record, nil
}
