// Package password implements the credential cipher: argon2id derivation
// of account credential hashes from a secret and a per-account salt.
package password
