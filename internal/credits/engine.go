package credits

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"credits-ledger/internal/account"
	"credits-ledger/internal/money"
)

// Engine applies debits and credits to account balances.
//
// Every mutation of one account runs as a read-validate-write cycle while
// holding that account's lock, and the write is a versioned Save, so a
// writer outside this process cannot be overwritten either. A balance is
// never written below zero.
type Engine struct {
	store    account.Store
	recorder Recorder
	locks    *LockTable
	config   Config
	logger   zerolog.Logger
	now      func() time.Time
}

// NewEngine creates a new engine. recorder may be nil.
func NewEngine(store account.Store, recorder Recorder, config *Config) *Engine {
	if config == nil {
		config = DefaultConfig()
	}
	cfg := *config
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	return &Engine{
		store:    store,
		recorder: recorder,
		locks:    NewLockTable(cfg.LockShards),
		config:   cfg,
		logger:   log.With().Str("component", "credits").Logger(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// GetBalance returns the current balance of an account
func (e *Engine) GetBalance(ctx context.Context, accountID string) (decimal.Decimal, error) {
	acc, err := e.store.Find(ctx, accountID)
	if err != nil {
		return decimal.Zero, e.storeError(accountID, err)
	}
	return acc.Balance, nil
}

// Debit subtracts amount from the balance and returns the new balance.
// Returns *InsufficientCreditsError, leaving the account untouched, when
// the balance is smaller than amount.
func (e *Engine) Debit(ctx context.Context, accountID string, amount decimal.Decimal) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, invalidAmount(amount)
	}

	return e.mutate(ctx, accountID, EventTypeDebit, amount, func(balance decimal.Decimal) (decimal.Decimal, error) {
		if balance.LessThan(amount) {
			return decimal.Zero, &InsufficientCreditsError{
				AccountID: accountID,
				Available: balance,
				Requested: amount,
			}
		}
		return balance.Sub(amount), nil
	})
}

// Credit adds amount to the balance and returns the new balance
func (e *Engine) Credit(ctx context.Context, accountID string, amount decimal.Decimal) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, invalidAmount(amount)
	}

	return e.mutate(ctx, accountID, EventTypeCredit, amount, func(balance decimal.Decimal) (decimal.Decimal, error) {
		return balance.Add(amount), nil
	})
}

// mutate runs the read-validate-write cycle for one account
func (e *Engine) mutate(
	ctx context.Context,
	accountID string,
	eventType EventType,
	amount decimal.Decimal,
	apply func(balance decimal.Decimal) (decimal.Decimal, error),
) (decimal.Decimal, error) {
	lockCtx := ctx
	if e.config.LockTimeout > 0 {
		var cancel context.CancelFunc
		lockCtx, cancel = context.WithTimeout(ctx, e.config.LockTimeout)
		defer cancel()
	}

	unlock, err := e.locks.Acquire(lockCtx, accountID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("acquire lock for account %s: %w", accountID, err)
	}
	defer unlock()

	for attempt := 1; attempt <= e.config.MaxAttempts; attempt++ {
		acc, err := e.store.Find(ctx, accountID)
		if err != nil {
			return decimal.Zero, e.storeError(accountID, err)
		}

		before := acc.Balance
		after, err := apply(before)
		if err != nil {
			e.logger.Debug().
				Str("account_id", accountID).
				Str("type", string(eventType)).
				Str("amount", money.Format(amount)).
				Str("available", money.Format(before)).
				Msg("balance transition rejected")
			return decimal.Zero, err
		}

		acc.Balance = after
		saved, err := e.store.Save(ctx, acc)
		if errors.Is(err, account.ErrVersionConflict) {
			e.logger.Debug().
				Str("account_id", accountID).
				Int("attempt", attempt).
				Msg("version conflict, retrying")
			continue
		}
		if err != nil {
			return decimal.Zero, e.storeError(accountID, err)
		}

		e.record(ctx, Event{
			ID:         ulid.MustNew(ulid.Timestamp(e.now()), rand.Reader).String(),
			AccountID:  accountID,
			Type:       eventType,
			Amount:     amount,
			Before:     before,
			After:      saved.Balance,
			Version:    saved.Version,
			OccurredAt: e.now(),
		})
		return saved.Balance, nil
	}

	e.logger.Warn().
		Str("account_id", accountID).
		Int("attempts", e.config.MaxAttempts).
		Msg("retry budget exhausted")
	return decimal.Zero, &ConflictError{AccountID: accountID, Attempts: e.config.MaxAttempts}
}

// record hands a committed event to the recorder. The balance is already
// written, so a failure is only logged.
func (e *Engine) record(ctx context.Context, event Event) {
	if e.recorder == nil {
		return
	}
	if err := e.recorder.Record(ctx, event); err != nil {
		e.logger.Warn().
			Err(err).
			Str("account_id", event.AccountID).
			Str("event_id", event.ID).
			Msg("failed to record balance event")
	}
}

// storeError annotates not-found with the account id; any other store
// failure is returned unchanged.
func (e *Engine) storeError(accountID string, err error) error {
	if errors.Is(err, account.ErrAccountNotFound) {
		return fmt.Errorf("account %s: %w", accountID, ErrAccountNotFound)
	}
	return err
}
