package session

// Session is one live authenticated session. RefreshHash holds a digest of
// the current refresh secret; the plaintext secret only ever exists inside
// the refresh token handed to the caller.
type Session struct {
	SessionID string
	AccountID string

	RefreshHash [32]byte
	IPHash      [32]byte
	AgentHash   [32]byte

	CreatedAt int64
	ExpiresAt int64
}
