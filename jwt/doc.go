// Package jwt issues and verifies the short-lived access tokens used by
// the default token issuer. HS256 and Ed25519 are supported; the refresh
// side of the protocol is opaque and lives outside this package.
package jwt
