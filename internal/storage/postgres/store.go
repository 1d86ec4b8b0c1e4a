// Package postgres stores account records in PostgreSQL through pgx.
//
// The store expects this table; creating it is left to the operator:
//
//	CREATE TABLE accounts (
//	    id         uuid PRIMARY KEY,
//	    username   text NOT NULL CONSTRAINT accounts_username_key UNIQUE,
//	    email      text NOT NULL CONSTRAINT accounts_email_key UNIQUE,
//	    full_name  text NOT NULL DEFAULT '',
//	    active     boolean NOT NULL DEFAULT true,
//	    credits    numeric(20,2) NOT NULL CHECK (credits >= 0),
//	    version    bigint NOT NULL,
//	    created_at timestamptz NOT NULL,
//	    updated_at timestamptz NOT NULL
//	);
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"credits-ledger/internal/account"
)

const (
	uniqueViolation     = "23505"
	usernameConstraint  = "accounts_username_key"
	emailConstraint     = "accounts_email_key"
	selectColumns       = `id::text, username, email, full_name, active, credits::text, version, created_at, updated_at`
	returningAllColumns = ` RETURNING ` + selectColumns
)

// DB is the subset of *pgxpool.Pool the store uses.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// AccountStore implements account.Store on a PostgreSQL table
type AccountStore struct {
	db  DB
	now func() time.Time
}

// NewAccountStore creates a store over a pool or connection
func NewAccountStore(db DB) *AccountStore {
	return &AccountStore{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Find retrieves an account by id
func (s *AccountStore) Find(ctx context.Context, id string) (*account.Account, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, account.ErrAccountNotFound
	}
	query := `SELECT ` + selectColumns + ` FROM accounts WHERE id = $1`
	return s.queryOne(ctx, query, id)
}

// FindByUsername retrieves an account by username
func (s *AccountStore) FindByUsername(ctx context.Context, username string) (*account.Account, error) {
	query := `SELECT ` + selectColumns + ` FROM accounts WHERE username = $1`
	return s.queryOne(ctx, query, username)
}

// FindByEmail retrieves an account by email
func (s *AccountStore) FindByEmail(ctx context.Context, email string) (*account.Account, error) {
	query := `SELECT ` + selectColumns + ` FROM accounts WHERE email = $1`
	return s.queryOne(ctx, query, email)
}

// List returns all accounts ordered by creation time, then id
func (s *AccountStore) List(ctx context.Context) ([]*account.Account, error) {
	rows, err := s.db.Query(ctx, `SELECT `+selectColumns+` FROM accounts ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	accounts := []*account.Account{}
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, acc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	return accounts, nil
}

// Save inserts or updates an account
func (s *AccountStore) Save(ctx context.Context, acc *account.Account) (*account.Account, error) {
	if err := acc.Validate(); err != nil {
		return nil, err
	}
	if acc.ID == "" {
		return s.insert(ctx, acc)
	}
	return s.update(ctx, acc)
}

// Exists reports whether the account is stored
func (s *AccountStore) Exists(ctx context.Context, id string) (bool, error) {
	if _, err := uuid.Parse(id); err != nil {
		return false, nil
	}
	var exists bool
	err := s.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM accounts WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check account: %w", err)
	}
	return exists, nil
}

// Delete removes an account
func (s *AccountStore) Delete(ctx context.Context, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return account.ErrAccountNotFound
	}
	tag, err := s.db.Exec(ctx, `DELETE FROM accounts WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return account.ErrAccountNotFound
	}
	return nil
}

func (s *AccountStore) insert(ctx context.Context, acc *account.Account) (*account.Account, error) {
	query := `
		INSERT INTO accounts (id, username, email, full_name, active, credits, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6::numeric, 1, $7, $7)` + returningAllColumns

	now := s.now()
	saved, err := s.queryOne(ctx, query,
		uuid.NewString(), acc.Username, acc.Email, acc.FullName, acc.Active, acc.Balance.String(), now,
	)
	if err != nil {
		return nil, mapWriteError(err)
	}
	return saved, nil
}

// update is a compare-and-set on version. When no row matches, an existence check
// tells a deleted record apart from a stale version.
func (s *AccountStore) update(ctx context.Context, acc *account.Account) (*account.Account, error) {
	if _, err := uuid.Parse(acc.ID); err != nil {
		return nil, account.ErrAccountNotFound
	}

	query := `
		UPDATE accounts
		SET username = $2, email = $3, full_name = $4, active = $5, credits = $6::numeric,
		    version = version + 1, updated_at = $8
		WHERE id = $1 AND version = $7` + returningAllColumns

	saved, err := s.queryOne(ctx, query,
		acc.ID, acc.Username, acc.Email, acc.FullName, acc.Active, acc.Balance.String(), acc.Version, s.now(),
	)
	if errors.Is(err, account.ErrAccountNotFound) {
		exists, existsErr := s.Exists(ctx, acc.ID)
		if existsErr != nil {
			return nil, existsErr
		}
		if exists {
			return nil, account.ErrVersionConflict
		}
		return nil, account.ErrAccountNotFound
	}
	if err != nil {
		return nil, mapWriteError(err)
	}
	return saved, nil
}

func (s *AccountStore) queryOne(ctx context.Context, query string, args ...any) (*account.Account, error) {
	acc, err := scanAccount(s.db.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, account.ErrAccountNotFound
	}
	return acc, err
}

// scanAccount maps one row in selectColumns order
func scanAccount(row pgx.Row) (*account.Account, error) {
	var (
		acc     account.Account
		credits string
	)
	err := row.Scan(
		&acc.ID, &acc.Username, &acc.Email, &acc.FullName, &acc.Active,
		&credits, &acc.Version, &acc.CreatedAt, &acc.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan account: %w", err)
	}

	balance, err := decimal.NewFromString(credits)
	if err != nil {
		return nil, fmt.Errorf("invalid credits value %q: %w", credits, err)
	}
	acc.Balance = balance
	acc.CreatedAt = acc.CreatedAt.UTC()
	acc.UpdatedAt = acc.UpdatedAt.UTC()
	return &acc, nil
}

// mapWriteError translates unique violations into the duplicate-key errors
func mapWriteError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		switch pgErr.ConstraintName {
		case usernameConstraint:
			return account.ErrDuplicateUsername
		case emailConstraint:
			return account.ErrDuplicateEmail
		}
	}
	return fmt.Errorf("failed to save account: %w", err)
}
