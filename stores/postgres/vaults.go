package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/stellwolf/acctguard"
)

// VaultRepository implements [acctguard.VaultStore] over PostgreSQL.
type VaultRepository struct {
	db *sql.DB
}

func NewVaultRepository(db *sql.DB) *VaultRepository {
	return &VaultRepository{db: db}
}

func (r *VaultRepository) Create(ctx context.Context, vault *acctguard.Vault) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO vaults (account_id, salt) VALUES ($1, $2)`,
		vault.AccountID, vault.Salt,
	)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *VaultRepository) FindByAccount(ctx context.Context, accountID string) (*acctguard.Vault, error) {
	vault := &acctguard.Vault{}
	err := r.db.QueryRowContext(ctx,
		`SELECT account_id, salt FROM vaults WHERE account_id = $1`, accountID,
	).Scan(&vault.AccountID, &vault.Salt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, acctguard.ErrAccountNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return vault, nil
}

func (r *VaultRepository) UpdateSalt(ctx context.Context, accountID, salt string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE vaults SET salt = $1 WHERE account_id = $2`, salt, accountID,
	)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if affected == 0 {
		return acctguard.ErrAccountNotFound
	}
	return nil
}
