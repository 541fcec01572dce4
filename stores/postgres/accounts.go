package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/stellwolf/acctguard"
)

const uniqueViolationCode = "23505"

const accountColumns = `id, email, username, phone_number, credential, active, blocked,
	block_expires_at, login_attempt_count, verification_token, verification_expires_at,
	first_name, last_name, birthday, photo_url, created_at, updated_at`

// AccountRepository implements [acctguard.AccountStore] over PostgreSQL.
type AccountRepository struct {
	db *sql.DB
}

func NewAccountRepository(db *sql.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

func (r *AccountRepository) Create(ctx context.Context, account *acctguard.Account) error {
	query := `INSERT INTO accounts
		(id, email, username, phone_number, credential, active, blocked,
		 block_expires_at, login_attempt_count, verification_token, verification_expires_at,
		 first_name, last_name, birthday, photo_url, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`

	_, err := r.db.ExecContext(ctx, query,
		account.ID, account.Email, account.Username, nullString(account.PhoneNumber),
		account.Credential, account.Active, account.Blocked,
		nullTime(account.BlockExpiresAt), account.LoginAttemptCount,
		nullString(account.VerificationToken), nullTime(account.VerificationExpiresAt),
		account.FirstName, account.LastName, nullTime(account.Birthday),
		account.PhotoURL, account.CreatedAt, account.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode {
			return fmt.Errorf("%w: %s", acctguard.ErrIdentifierTaken, pgErr.ConstraintName)
		}
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *AccountRepository) FindByID(ctx context.Context, id string) (*acctguard.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1`
	return r.scanAccount(r.db.QueryRowContext(ctx, query, id))
}

func (r *AccountRepository) FindByIdentifier(ctx context.Context, kind acctguard.IdentifierKind, value string) (*acctguard.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE ` + identifierColumn(kind) + ` = $1`
	return r.scanAccount(r.db.QueryRowContext(ctx, query, value))
}

func (r *AccountRepository) ExistsByIdentifier(ctx context.Context, kind acctguard.IdentifierKind, value string) (bool, error) {
	query := `SELECT EXISTS (SELECT 1 FROM accounts WHERE ` + identifierColumn(kind) + ` = $1)`

	var exists bool
	if err := r.db.QueryRowContext(ctx, query, value).Scan(&exists); err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	return exists, nil
}

func (r *AccountRepository) CountByCredential(ctx context.Context, credential string) (int64, error) {
	var count int64
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM accounts WHERE credential = $1`, credential,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return count, nil
}

func (r *AccountRepository) Update(ctx context.Context, id string, update acctguard.AccountUpdate) (*acctguard.Account, error) {
	assignments := []string{"updated_at = NOW()"}
	args := []interface{}{}

	add := func(column string, value interface{}) {
		args = append(args, value)
		assignments = append(assignments, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if update.Email != nil {
		add("email", *update.Email)
	}
	if update.Username != nil {
		add("username", *update.Username)
	}
	if update.PhoneNumber != nil {
		add("phone_number", nullString(*update.PhoneNumber))
	}
	if update.Credential != nil {
		add("credential", *update.Credential)
	}
	if update.Active != nil {
		add("active", *update.Active)
	}
	if update.Blocked != nil {
		add("blocked", *update.Blocked)
	}
	if update.BlockExpiresAt != nil {
		add("block_expires_at", nullTime(*update.BlockExpiresAt))
	}
	if update.LoginAttemptCount != nil {
		add("login_attempt_count", *update.LoginAttemptCount)
	}
	if update.VerificationToken != nil {
		add("verification_token", nullString(*update.VerificationToken))
	}
	if update.VerificationExpiresAt != nil {
		add("verification_expires_at", nullTime(*update.VerificationExpiresAt))
	}
	if update.FirstName != nil {
		add("first_name", *update.FirstName)
	}
	if update.LastName != nil {
		add("last_name", *update.LastName)
	}
	if update.Birthday != nil {
		add("birthday", nullTime(*update.Birthday))
	}
	if update.PhotoURL != nil {
		add("photo_url", *update.PhotoURL)
	}

	args = append(args, id)
	query := fmt.Sprintf(
		`UPDATE accounts SET %s WHERE id = $%d RETURNING `+accountColumns,
		strings.Join(assignments, ", "), len(args),
	)

	account, err := r.scanAccount(r.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode {
			return nil, fmt.Errorf("%w: %s", acctguard.ErrIdentifierTaken, pgErr.ConstraintName)
		}
		return nil, err
	}
	return account, nil
}

func (r *AccountRepository) scanAccount(row *sql.Row) (*acctguard.Account, error) {
	account := &acctguard.Account{}
	var (
		phone, token    sql.NullString
		blockExpires    sql.NullTime
		verifExpires    sql.NullTime
		birthday        sql.NullTime
		firstName, last sql.NullString
		photo           sql.NullString
	)

	err := row.Scan(
		&account.ID, &account.Email, &account.Username, &phone,
		&account.Credential, &account.Active, &account.Blocked,
		&blockExpires, &account.LoginAttemptCount, &token, &verifExpires,
		&firstName, &last, &birthday, &photo,
		&account.CreatedAt, &account.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, acctguard.ErrAccountNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}

	account.PhoneNumber = phone.String
	account.VerificationToken = token.String
	account.BlockExpiresAt = blockExpires.Time
	account.VerificationExpiresAt = verifExpires.Time
	account.Birthday = birthday.Time
	account.FirstName = firstName.String
	account.LastName = last.String
	account.PhotoURL = photo.String
	return account, nil
}

func identifierColumn(kind acctguard.IdentifierKind) string {
	switch kind {
	case acctguard.IdentifierUsername:
		return "username"
	case acctguard.IdentifierPhone:
		return "phone_number"
	default:
		return "email"
	}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
