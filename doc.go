// Package acctguard implements the security core for a multi-identifier
// account model: credential hashing with per-account salts, login lockout
// with lazy recovery, the single-in-flight verification workflow that gates
// changes to primary account fields, password reset, and session
// coordination against an external token issuer.
//
// The package is transport-agnostic. Callers wire an [Engine] through
// [Builder.Build] with their own [AccountStore] and [VaultStore]
// implementations; pending-change and reset records default to the
// Redis-backed stores in this package when a client is supplied via
// [Builder.WithRedis]. Engine methods are safe for concurrent use after
// Build.
//
// # Architecture boundaries
//
//   - The engine never issues session tokens itself; it delegates to a
//     [TokenIssuer]. A JWT-based default backed by the session subpackage is
//     installed when none is provided.
//   - Outbound mail is a [NotificationDispatcher] contract. Delivery is
//     best-effort and never blocks workflow completion.
//   - Time is read through [Clock] so lockout and expiry logic is
//     deterministic under test.
package acctguard
