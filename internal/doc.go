// Package internal holds token and session identifier primitives shared by
// the engine and its default token issuer. Nothing here is part of the
// public API.
package internal
