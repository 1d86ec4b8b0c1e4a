package persistence

import (
	"context"

	"credits-ledger/internal/account"
	"credits-ledger/internal/credits"
)

// Journal defines the interface for the balance event log
type Journal interface {
	credits.Recorder

	// ReadFrom reads events for an account with version >= fromVersion
	ReadFrom(ctx context.Context, accountID string, fromVersion int64) ([]credits.Event, error)

	// LastVersion returns the version of the last event for an account
	LastVersion(ctx context.Context, accountID string) (int64, error)

	// ListAccounts lists all accounts that have journal entries
	ListAccounts(ctx context.Context) ([]string, error)

	// Close closes the journal
	Close() error
}

// SnapshotStore defines the interface for account snapshot persistence
type SnapshotStore interface {
	// Save writes a snapshot, replacing the previous one
	Save(ctx context.Context, snapshot account.Snapshot) error

	// Load loads the latest snapshot; ok is false when none exists
	Load(ctx context.Context) (snapshot account.Snapshot, ok bool, err error)
}
