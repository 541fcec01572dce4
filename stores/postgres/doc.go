// Package postgres provides PostgreSQL-backed account and vault stores
// using the pgx stdlib driver. Schema:
//
//	CREATE TABLE accounts (
//	    id                      TEXT PRIMARY KEY,
//	    email                   TEXT NOT NULL UNIQUE,
//	    username                TEXT NOT NULL UNIQUE,
//	    phone_number            TEXT UNIQUE,
//	    credential              TEXT NOT NULL,
//	    active                  BOOLEAN NOT NULL DEFAULT FALSE,
//	    blocked                 BOOLEAN NOT NULL DEFAULT FALSE,
//	    block_expires_at        TIMESTAMPTZ,
//	    login_attempt_count     INTEGER NOT NULL DEFAULT 0,
//	    verification_token      TEXT,
//	    verification_expires_at TIMESTAMPTZ,
//	    first_name              TEXT NOT NULL DEFAULT '',
//	    last_name               TEXT NOT NULL DEFAULT '',
//	    birthday                TIMESTAMPTZ,
//	    photo_url               TEXT NOT NULL DEFAULT '',
//	    created_at              TIMESTAMPTZ NOT NULL,
//	    updated_at              TIMESTAMPTZ NOT NULL
//	);
//	CREATE INDEX accounts_credential_idx ON accounts (credential);
//
//	CREATE TABLE vaults (
//	    account_id TEXT PRIMARY KEY REFERENCES accounts (id),
//	    salt       TEXT NOT NULL
//	);
package postgres
