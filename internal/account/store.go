package account

import "context"

// Store is durable keyed storage of account records.
type Store interface {
	// Find returns the account with the given ID or ErrAccountNotFound.
	Find(ctx context.Context, id string) (*Account, error)

	// FindByUsername looks an account up by its unique username.
	FindByUsername(ctx context.Context, username string) (*Account, error)

	// FindByEmail looks an account up by its unique email.
	FindByEmail(ctx context.Context, email string) (*Account, error)

	// List returns every account ordered by creation time.
	List(ctx context.Context) ([]*Account, error)

	// Save inserts the account when ID is empty, otherwise updates it.
	// An update succeeds only if the stored version equals acc.Version and
	// returns ErrVersionConflict when it does not. Updating a missing record
	// returns ErrAccountNotFound; records are never re-created by Save.
	Save(ctx context.Context, acc *Account) (*Account, error)

	// Exists reports whether an account with the given ID is stored.
	Exists(ctx context.Context, id string) (bool, error)

	// Delete removes an account or returns ErrAccountNotFound.
	Delete(ctx context.Context, id string) error
}
