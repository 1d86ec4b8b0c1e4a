// Package directory manages the lifecycle of account records: creation
// with defaults, lookup, profile updates and deletion. Balances are only
// set here at creation; every later change goes through the credits engine.
package directory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"credits-ledger/internal/account"
)

// NewAccount describes an account to create. Nil pointers take defaults.
type NewAccount struct {
	Username string
	Email    string
	FullName string
	Active   *bool            // default: true
	Balance  *decimal.Decimal // default: 0
}

// Profile holds the attributes Update may change
type Profile struct {
	Username string
	Email    string
	FullName string
	Active   bool
}

// Config holds configuration for the directory service
type Config struct {
	MaxAttempts int // Update attempts on version conflict (default: 5)
}

// DefaultConfig returns default directory configuration
func DefaultConfig() *Config {
	return &Config{MaxAttempts: 5}
}

// Service is the CRUD front of the account store
type Service struct {
	store  account.Store
	config Config
	logger zerolog.Logger
}

// NewService creates a new directory service
func NewService(store account.Store, config *Config) *Service {
	if config == nil {
		config = DefaultConfig()
	}
	cfg := *config
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	return &Service{
		store:  store,
		config: cfg,
		logger: log.With().Str("component", "directory").Logger(),
	}
}

// Create stores a new account after applying defaults
func (s *Service) Create(ctx context.Context, req NewAccount) (*account.Account, error) {
	acc := &account.Account{
		Username: strings.TrimSpace(req.Username),
		Email:    strings.TrimSpace(req.Email),
		FullName: strings.TrimSpace(req.FullName),
		Active:   true,
		Balance:  decimal.Zero,
	}
	if req.Active != nil {
		acc.Active = *req.Active
	}
	if req.Balance != nil {
		acc.Balance = *req.Balance
	}
	if err := validate(acc.Username, acc.Email); err != nil {
		return nil, err
	}
	if acc.Balance.IsNegative() {
		return nil, fmt.Errorf("%w: initial balance must not be negative", account.ErrInvalidArgument)
	}

	created, err := s.store.Save(ctx, acc)
	if err != nil {
		return nil, err
	}
	s.logger.Info().
		Str("account_id", created.ID).
		Str("username", created.Username).
		Msg("account created")
	return created, nil
}

// Get returns an account by id
func (s *Service) Get(ctx context.Context, id string) (*account.Account, error) {
	return s.store.Find(ctx, id)
}

// GetByUsername returns an account by username
func (s *Service) GetByUsername(ctx context.Context, username string) (*account.Account, error) {
	return s.store.FindByUsername(ctx, strings.TrimSpace(username))
}

// GetByEmail returns an account by email
func (s *Service) GetByEmail(ctx context.Context, email string) (*account.Account, error) {
	return s.store.FindByEmail(ctx, strings.TrimSpace(email))
}

// List returns every account
func (s *Service) List(ctx context.Context) ([]*account.Account, error) {
	return s.store.List(ctx)
}

// Update replaces the profile of an account. The balance is carried over
// from a fresh read, and a version conflict causes a re-read, so a
// concurrently committed debit or credit is never overwritten.
func (s *Service) Update(ctx context.Context, id string, profile Profile) (*account.Account, error) {
	profile.Username = strings.TrimSpace(profile.Username)
	profile.Email = strings.TrimSpace(profile.Email)
	profile.FullName = strings.TrimSpace(profile.FullName)
	if err := validate(profile.Username, profile.Email); err != nil {
		return nil, err
	}

	for attempt := 1; attempt <= s.config.MaxAttempts; attempt++ {
		acc, err := s.store.Find(ctx, id)
		if err != nil {
			return nil, err
		}
		acc.Username = profile.Username
		acc.Email = profile.Email
		acc.FullName = profile.FullName
		acc.Active = profile.Active

		updated, err := s.store.Save(ctx, acc)
		if errors.Is(err, account.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return updated, nil
	}
	return nil, fmt.Errorf("update account %s: %w", id, account.ErrVersionConflict)
}

// Delete removes an account
func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	s.logger.Info().Str("account_id", id).Msg("account deleted")
	return nil
}

// Exists reports whether an account exists
func (s *Service) Exists(ctx context.Context, id string) (bool, error) {
	return s.store.Exists(ctx, id)
}

func validate(username, email string) error {
	if username == "" {
		return fmt.Errorf("%w: username is required", account.ErrInvalidArgument)
	}
	if email == "" {
		return fmt.Errorf("%w: email is required", account.ErrInvalidArgument)
	}
	local, domain, ok := strings.Cut(email, "@")
	if !ok || local == "" || domain == "" || strings.Contains(domain, "@") {
		return fmt.Errorf("%w: invalid email %q", account.ErrInvalidArgument, email)
	}
	return nil
}
