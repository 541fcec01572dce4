package session

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
)

const formatVersion1 = 1

// Encode serializes a session into the compact binary record stored in
// Redis. SessionID is the Redis key and is not part of the record.
func Encode(s *Session) ([]byte, error) {
	var buf bytes.Buffer

	buf.WriteByte(formatVersion1)

	if len(s.AccountID) > 255 {
		return nil, errors.New("account id too long")
	}
	buf.WriteByte(byte(len(s.AccountID)))
	buf.WriteString(s.AccountID)

	buf.Write(s.RefreshHash[:])
	buf.Write(s.IPHash[:])
	buf.Write(s.AgentHash[:])

	if err := binary.Write(&buf, binary.BigEndian, s.CreatedAt); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, s.ExpiresAt); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Decode parses a stored session record. The caller fills in SessionID.
func Decode(data []byte) (*Session, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != formatVersion1 {
		return nil, errors.New("invalid session record version")
	}

	s := &Session{}

	accountLen, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	accountID := make([]byte, accountLen)
	if _, err := io.ReadFull(reader, accountID); err != nil {
		return nil, err
	}
	s.AccountID = string(accountID)

	if _, err := io.ReadFull(reader, s.RefreshHash[:]); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(reader, s.IPHash[:]); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(reader, s.AgentHash[:]); err != nil {
		return nil, err
	}

	if err := binary.Read(reader, binary.BigEndian, &s.CreatedAt); err != nil {
		return nil, err
	}
	if err := binary.Read(reader, binary.BigEndian, &s.ExpiresAt); err != nil {
		return nil, err
	}

	return s, nil
}
