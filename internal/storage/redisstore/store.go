// Package redisstore keeps account records in Redis hashes.
//
// Layout under a key prefix P:
//
//	P:account:<id>          hash with the record fields
//	P:username:<username>   id owning the username
//	P:email:<email>         id owning the email
//	P:accounts              sorted set of ids scored by creation time
//
// Writes run inside WATCH/MULTI so a concurrent writer aborts the
// transaction instead of being overwritten.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"credits-ledger/internal/account"
)

const (
	defaultPrefix = "credits"

	// Inserts and deletes retry on a lost WATCH race.
	maxTxAttempts = 10
)

// AccountStore implements account.Store on Redis
type AccountStore struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewAccountStore creates a store. An empty prefix uses "credits".
func NewAccountStore(client redis.UniversalClient, prefix string) *AccountStore {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &AccountStore{
		client: client,
		prefix: prefix,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *AccountStore) accountKey(id string) string       { return s.prefix + ":account:" + id }
func (s *AccountStore) usernameKey(username string) string { return s.prefix + ":username:" + username }
func (s *AccountStore) emailKey(email string) string       { return s.prefix + ":email:" + email }
func (s *AccountStore) listKey() string                    { return s.prefix + ":accounts" }

// Find retrieves an account by id
func (s *AccountStore) Find(ctx context.Context, id string) (*account.Account, error) {
	fields, err := s.client.HGetAll(ctx, s.accountKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return decodeAccount(fields)
}

// FindByUsername retrieves an account by username
func (s *AccountStore) FindByUsername(ctx context.Context, username string) (*account.Account, error) {
	return s.findByIndex(ctx, s.usernameKey(username))
}

// FindByEmail retrieves an account by email
func (s *AccountStore) FindByEmail(ctx context.Context, email string) (*account.Account, error) {
	return s.findByIndex(ctx, s.emailKey(email))
}

func (s *AccountStore) findByIndex(ctx context.Context, indexKey string) (*account.Account, error) {
	id, err := s.client.Get(ctx, indexKey).Result()
	if errors.Is(err, redis.Nil) {
		return nil, account.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve index: %w", err)
	}
	return s.Find(ctx, id)
}

// List returns all accounts ordered by creation time, then id
func (s *AccountStore) List(ctx context.Context) ([]*account.Account, error) {
	ids, err := s.client.ZRange(ctx, s.listKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, s.accountKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load accounts: %w", err)
	}

	accounts := make([]*account.Account, 0, len(ids))
	for _, cmd := range cmds {
		acc, err := decodeAccount(cmd.Val())
		if errors.Is(err, account.ErrAccountNotFound) {
			continue // deleted between ZRANGE and HGETALL
		}
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, acc)
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
	n, err := s.client.Exists(ctx, s.accountKey(id)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check account: %w", err)
	}
	return n > 0, nil
}

// Delete removes an account and its index entries
func (s *AccountStore) Delete(ctx context.Context, id string) error {
	key := s.accountKey(id)
	txf := func(tx *redis.Tx) error {
		fields, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		existing, err := decodeAccount(fields)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key, s.usernameKey(existing.Username), s.emailKey(existing.Email))
			pipe.ZRem(ctx, s.listKey(), id)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil && !errors.Is(err, account.ErrAccountNotFound) {
			return fmt.Errorf("failed to delete account: %w", err)
		}
		return err
	}
	return fmt.Errorf("failed to delete account %s: %w", id, redis.TxFailedErr)
}

func (s *AccountStore) insert(ctx context.Context, acc *account.Account) (*account.Account, error) {
	// Microseconds keep the sorted-set score exact in a float64.
	now := s.now().Truncate(time.Microsecond)
	stored := acc.Clone()
	stored.ID = uuid.NewString()
	stored.Version = 1
	stored.CreatedAt = now
	stored.UpdatedAt = now

	key := s.accountKey(stored.ID)
	usernameKey := s.usernameKey(stored.Username)
	emailKey := s.emailKey(stored.Email)

	txf := func(tx *redis.Tx) error {
		if err := checkFree(ctx, tx, usernameKey, "", account.ErrDuplicateUsername); err != nil {
			return err
		}
		if err := checkFree(ctx, tx, emailKey, "", account.ErrDuplicateEmail); err != nil {
			return err
		}
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, encodeAccount(stored))
			pipe.Set(ctx, usernameKey, stored.ID, 0)
			pipe.Set(ctx, emailKey, stored.ID, 0)
			pipe.ZAdd(ctx, s.listKey(), redis.Z{Score: float64(now.UnixMicro()), Member: stored.ID})
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		err := s.client.Watch(ctx, txf, usernameKey, emailKey)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, mapWriteError(err)
		}
		return stored.Clone(), nil
	}
	return nil, fmt.Errorf("failed to insert account: %w", redis.TxFailedErr)
}

// update compares the stored version inside WATCH. A lost race is a
// version conflict; the caller decides whether to retry.
func (s *AccountStore) update(ctx context.Context, acc *account.Account) (*account.Account, error) {
	key := s.accountKey(acc.ID)
	usernameKey := s.usernameKey(acc.Username)
	emailKey := s.emailKey(acc.Email)

	var stored *account.Account
	txf := func(tx *redis.Tx) error {
		fields, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		existing, err := decodeAccount(fields)
		if err != nil {
			return err
		}
		if existing.Version != acc.Version {
			return account.ErrVersionConflict
		}
		if err := checkFree(ctx, tx, usernameKey, acc.ID, account.ErrDuplicateUsername); err != nil {
			return err
		}
		if err := checkFree(ctx, tx, emailKey, acc.ID, account.ErrDuplicateEmail); err != nil {
			return err
		}

		stored = acc.Clone()
		stored.Version = existing.Version + 1
		stored.CreatedAt = existing.CreatedAt
		stored.UpdatedAt = s.now()

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, encodeAccount(stored))
			if existing.Username != stored.Username {
				pipe.Del(ctx, s.usernameKey(existing.Username))
				pipe.Set(ctx, usernameKey, stored.ID, 0)
			}
			if existing.Email != stored.Email {
				pipe.Del(ctx, s.emailKey(existing.Email))
				pipe.Set(ctx, emailKey, stored.ID, 0)
			}
			return nil
		})
		return err
	}

	err := s.client.Watch(ctx, txf, key, usernameKey, emailKey)
	if errors.Is(err, redis.TxFailedErr) {
		return nil, account.ErrVersionConflict
	}
	if err != nil {
		return nil, mapWriteError(err)
	}
	return stored.Clone(), nil
}

// checkFree fails with dup when indexKey is owned by an id other than selfID
func checkFree(ctx context.Context, tx *redis.Tx, indexKey, selfID string, dup error) error {
	owner, err := tx.Get(ctx, indexKey).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return err
	}
	if owner != selfID {
		return dup
	}
	return nil
}

func mapWriteError(err error) error {
	switch {
	case errors.Is(err, account.ErrAccountNotFound),
		errors.Is(err, account.ErrVersionConflict),
		errors.Is(err, account.ErrDuplicateUsername),
		errors.Is(err, account.ErrDuplicateEmail):
		return err
	}
	return fmt.Errorf("failed to save account: %w", err)
}

func encodeAccount(acc *account.Account) map[string]any {
	return map[string]any{
		"id":         acc.ID,
		"username":   acc.Username,
		"email":      acc.Email,
		"full_name":  acc.FullName,
		"active":     strconv.FormatBool(acc.Active),
		"credits":    acc.Balance.String(),
		"version":    strconv.FormatInt(acc.Version, 10),
		"created_at": acc.CreatedAt.UTC().Format(time.RFC3339Nano),
		"updated_at": acc.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}

// decodeAccount maps an HGETALL reply; an empty reply means no record
func decodeAccount(fields map[string]string) (*account.Account, error) {
	if len(fields) == 0 {
		return nil, account.ErrAccountNotFound
	}

	active, err := strconv.ParseBool(fields["active"])
	if err != nil {
		return nil, fmt.Errorf("invalid active flag: %w", err)
	}
	balance, err := decimal.NewFromString(fields["credits"])
	if err != nil {
		return nil, fmt.Errorf("invalid credits value: %w", err)
	}
	version, err := strconv.ParseInt(fields["version"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid version: %w", err)
	}
	createdAt, err := time.Parse(time.RFC3339Nano, fields["created_at"])
	if err != nil {
		return nil, fmt.Errorf("invalid created_at: %w", err)
	}
	updatedAt, err := time.Parse(time.RFC3339Nano, fields["updated_at"])
	if err != nil {
		return nil, fmt.Errorf("invalid updated_at: %w", err)
	}

	return &account.Account{
		ID:        fields["id"],
		Username:  fields["username"],
		Email:     fields["email"],
		FullName:  fields["full_name"],
		Active:    active,
		Balance:   balance,
		Version:   version,
		CreatedAt: createdAt,
		UpdatedAt: updatedAt,
	}, nil
}
