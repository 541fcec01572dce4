package acctguard

import "time"

// lockoutGuard is the per-account login lockout state machine. It mutates
// the in-memory account only; persisting the touched fields is the caller's
// job so one store round-trip can cover several transitions.
type lockoutGuard struct {
	config LockoutConfig
	clock  Clock
}

func newLockoutGuard(cfg LockoutConfig, clock Clock) *lockoutGuard {
	return &lockoutGuard{config: cfg, clock: clock}
}

// RecordFailure increments the failed-attempt counter. When the new count
// reaches the threshold the account transitions to blocked until now plus
// the lockout duration and the counter resets to zero. Returns true when
// this failure triggered the block.
func (g *lockoutGuard) RecordFailure(account *Account) bool {
	account.LoginAttemptCount++
	if account.LoginAttemptCount < g.config.Threshold {
		return false
	}

	account.Blocked = true
	account.BlockExpiresAt = g.clock.Now().Add(g.config.Duration)
	account.LoginAttemptCount = 0
	return true
}

// RecordSuccess resets the failed-attempt counter.
func (g *lockoutGuard) RecordSuccess(account *Account) {
	account.LoginAttemptCount = 0
}

// LazyUnblock lifts an expired block on access. Recovery only ever happens
// here: an account that is never touched again stays formally blocked.
// Returns true when the account transitioned back to active.
func (g *lockoutGuard) LazyUnblock(account *Account) bool {
	if !account.Blocked || account.BlockExpiresAt.IsZero() {
		return false
	}
	if g.clock.Now().Before(account.BlockExpiresAt) {
		return false
	}

	account.Blocked = false
	account.BlockExpiresAt = time.Time{}
	return true
}

// HardBlockRemaining reports whether the account is currently blocked and,
// if so, how long until the block expires. A block without an expiry is
// indefinite.
func (g *lockoutGuard) HardBlockRemaining(account *Account) (bool, time.Duration) {
	if !account.Blocked {
		return false, 0
	}
	if account.BlockExpiresAt.IsZero() {
		return true, 0
	}

	remaining := account.BlockExpiresAt.Sub(g.clock.Now())
	if remaining <= 0 {
		return false, 0
	}
	return true, remaining
}
