// Package session stores live sessions in Redis as compact binary records
// with per-key TTLs and a per-account index for bulk revocation. Refresh
// secret rotation runs under WATCH so a replayed token destroys the
// session instead of splitting it.
package session
