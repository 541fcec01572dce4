package acctguard

import (
	"context"
	"fmt"

	"github.com/stellwolf/acctguard/password"
)

// uniquenessGuard decides whether a candidate secret may be used. A
// candidate is acceptable when at least one freshly salted hash of it is
// absent from storage within the attempt budget. Purely a decision: no
// state survives a call and nothing is persisted.
type uniquenessGuard struct {
	cipher   *password.Cipher
	accounts AccountStore
	attempts int
}

func newUniquenessGuard(cipher *password.Cipher, accounts AccountStore, attempts int) *uniquenessGuard {
	return &uniquenessGuard{cipher: cipher, accounts: accounts, attempts: attempts}
}

// IsAcceptable probes storage with fresh salts until an unseen hash turns
// up or the budget runs out. Exhausting the budget rejects the candidate.
func (g *uniquenessGuard) IsAcceptable(ctx context.Context, secret string) (bool, error) {
	for attempt := 0; attempt < g.attempts; attempt++ {
		salt, err := g.cipher.GenerateSalt()
		if err != nil {
			return false, fmt.Errorf("generate salt: %w", err)
		}

		count, err := g.accounts.CountByCredential(ctx, g.cipher.Hash(secret, salt))
		if err != nil {
			return false, wrapBackendError(err)
		}
		if count == 0 {
			return true, nil
		}
	}
	return false, nil
}
