package account

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory implementation of Store
type MemoryStore struct {
	mu sync.RWMutex

	// Primary storage: id -> Account
	accounts map[string]*Account

	// Unique alternate keys
	byUsername map[string]string // username -> id
	byEmail    map[string]string // email -> id

	now func() time.Time
}

// NewMemoryStore creates a new in-memory account store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:   make(map[string]*Account),
		byUsername: make(map[string]string),
		byEmail:    make(map[string]string),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Find retrieves an account by id
func (s *MemoryStore) Find(ctx context.Context, id string) (*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acc, exists := s.accounts[id]
	if !exists {
		return nil, ErrAccountNotFound
	}
	return acc.Clone(), nil
}

// FindByUsername retrieves an account by username
func (s *MemoryStore) FindByUsername(ctx context.Context, username string) (*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.findByKey(s.byUsername, username)
}

// FindByEmail retrieves an account by email
func (s *MemoryStore) FindByEmail(ctx context.Context, email string) (*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.findByKey(s.byEmail, email)
}

// List returns all accounts ordered by creation time, then id
func (s *MemoryStore) List(ctx context.Context) ([]*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Account, 0, len(s.accounts))
	for _, acc := range s.accounts {
		out = append(out, acc.Clone())
	}
	sortAccounts(out)
	return out, nil
}

// Save inserts or updates an account
func (s *MemoryStore) Save(ctx context.Context, acc *Account) (*Account, error) {
	if err := acc.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if acc.ID == "" {
		return s.insert(acc)
	}
	return s.update(acc)
}

// Exists reports whether the account is stored
func (s *MemoryStore) Exists(ctx context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, exists := s.accounts[id]
	return exists, nil
}

// Delete removes an account and its index entries
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.accounts[id]
	if !exists {
		return ErrAccountNotFound
	}
	s.removeFromIndexes(existing)
	delete(s.accounts, id)
	return nil
}

// Snapshot copies the current contents of the store
func (s *MemoryStore) Snapshot() Snapshot {
	accounts, _ := s.List(context.Background())
	return Snapshot{
		Version:    1,
		CapturedAt: s.now(),
		Accounts:   accounts,
	}
}

// Restore replaces the store contents with a snapshot
func (s *MemoryStore) Restore(snap Snapshot) error {
	accounts := make(map[string]*Account, len(snap.Accounts))
	byUsername := make(map[string]string, len(snap.Accounts))
	byEmail := make(map[string]string, len(snap.Accounts))

	for _, acc := range snap.Accounts {
		if err := acc.Validate(); err != nil || acc.ID == "" {
			return ErrInvalidArgument
		}
		if _, dup := byUsername[acc.Username]; dup {
			return ErrDuplicateUsername
		}
		if _, dup := byEmail[acc.Email]; dup {
			return ErrDuplicateEmail
		}
		accounts[acc.ID] = acc.Clone()
		byUsername[acc.Username] = acc.ID
		byEmail[acc.Email] = acc.ID
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts = accounts
	s.byUsername = byUsername
	s.byEmail = byEmail
	return nil
}

// Helper methods

func (s *MemoryStore) findByKey(index map[string]string, key string) (*Account, error) {
	id, exists := index[key]
	if !exists {
		return nil, ErrAccountNotFound
	}
	acc, exists := s.accounts[id]
	if !exists {
		return nil, ErrAccountNotFound
	}
	return acc.Clone(), nil
}

func (s *MemoryStore) insert(acc *Account) (*Account, error) {
	if err := s.checkUnique(acc, ""); err != nil {
		return nil, err
	}

	now := s.now()
	stored := acc.Clone()
	stored.ID = uuid.NewString()
	stored.Version = 1
	stored.CreatedAt = now
	stored.UpdatedAt = now

	s.accounts[stored.ID] = stored
	s.addToIndexes(stored)
	return stored.Clone(), nil
}

func (s *MemoryStore) update(acc *Account) (*Account, error) {
	existing, exists := s.accounts[acc.ID]
	if !exists {
		return nil, ErrAccountNotFound
	}
	if existing.Version != acc.Version {
		return nil, ErrVersionConflict
	}
	if err := s.checkUnique(acc, acc.ID); err != nil {
		return nil, err
	}

	stored := acc.Clone()
	stored.Version = existing.Version + 1
	stored.CreatedAt = existing.CreatedAt
	stored.UpdatedAt = s.now()

	s.removeFromIndexes(existing)
	s.accounts[stored.ID] = stored
	s.addToIndexes(stored)
	return stored.Clone(), nil
}

// checkUnique verifies alternate keys are not owned by another account.
func (s *MemoryStore) checkUnique(acc *Account, selfID string) error {
	if owner, taken := s.byUsername[acc.Username]; taken && owner != selfID {
		return ErrDuplicateUsername
	}
	if owner, taken := s.byEmail[acc.Email]; taken && owner != selfID {
		return ErrDuplicateEmail
	}
	return nil
}

func (s *MemoryStore) addToIndexes(acc *Account) {
	s.byUsername[acc.Username] = acc.ID
	s.byEmail[acc.Email] = acc.ID
}

func (s *MemoryStore) removeFromIndexes(acc *Account) {
	delete(s.byUsername, acc.Username)
	delete(s.byEmail, acc.Email)
}

func sortAccounts(accounts []*Account) {
	sort.Slice(accounts, func(i, j int) bool {
		if !accounts[i].CreatedAt.Equal(accounts[j].CreatedAt) {
			return accounts[i].CreatedAt.Before(accounts[j].CreatedAt)
		}
		return accounts[i].ID < accounts[j].ID
	})
}
