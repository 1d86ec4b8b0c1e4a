package credits

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// EventType names a balance transition
type EventType string

const (
	EventTypeDebit  EventType = "DEBIT"
	EventTypeCredit EventType = "CREDIT"
)

// Event records one committed balance transition
type Event struct {
	ID         string          `json:"id"`         // ULID, sortable by time
	AccountID  string          `json:"account_id"` // Account the transition applies to
	Type       EventType       `json:"type"`
	Amount     decimal.Decimal `json:"amount"`
	Before     decimal.Decimal `json:"before"`
	After      decimal.Decimal `json:"after"`
	Version    int64           `json:"version"` // Record version after the write
	OccurredAt time.Time       `json:"occurred_at"`
}

// Recorder receives events after the balance write has been committed.
type Recorder interface {
	Record(ctx context.Context, event Event) error
}

// MultiRecorder fans an event out to every recorder in order
type MultiRecorder []Recorder

// Record calls every recorder and joins their errors
func (m MultiRecorder) Record(ctx context.Context, event Event) error {
	var errs []error
	for _, r := range m {
		if r == nil {
			continue
		}
		if err := r.Record(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Config holds configuration for the engine
type Config struct {
	LockShards  int           // Number of lock table shards (default: 16)
	MaxAttempts int           // Read-validate-write attempts before ErrConflict (default: 5)
	LockTimeout time.Duration // Upper bound on waiting for an account lock, 0 = wait for ctx
}

// DefaultConfig returns default engine configuration
func DefaultConfig() *Config {
	return &Config{
		LockShards:  16,
		MaxAttempts: 5,
	}
}
