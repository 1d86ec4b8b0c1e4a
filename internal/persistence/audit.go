package persistence

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"credits-ledger/internal/account"
	"credits-ledger/internal/credits"
	"credits-ledger/internal/money"
)

// VerifyChain checks that a sequence of events for one account is a
// consistent history: versions strictly increase, each event starts from
// the previous event's result, and no balance goes negative.
func VerifyChain(events []credits.Event) error {
	for i, event := range events {
		var want decimal.Decimal
		switch event.Type {
		case credits.EventTypeDebit:
			want = event.Before.Sub(event.Amount)
		case credits.EventTypeCredit:
			want = event.Before.Add(event.Amount)
		default:
			return fmt.Errorf("event %s: unknown type %q", event.ID, event.Type)
		}

		if !event.Amount.IsPositive() {
			return fmt.Errorf("event %s: non-positive amount %s", event.ID, money.Format(event.Amount))
		}
		if !event.After.Equal(want) {
			return fmt.Errorf("event %s: after %s does not follow from before %s", event.ID, money.Format(event.After), money.Format(event.Before))
		}
		if event.After.IsNegative() {
			return fmt.Errorf("event %s: negative balance %s", event.ID, money.Format(event.After))
		}

		if i == 0 {
			continue
		}
		prev := events[i-1]
		if event.Version <= prev.Version {
			return fmt.Errorf("version regression detected: %d after %d", event.Version, prev.Version)
		}
		if !event.Before.Equal(prev.After) {
			return fmt.Errorf("balance gap detected at version %d: expected %s, got %s",
				event.Version, money.Format(prev.After), money.Format(event.Before))
		}
	}
	return nil
}

// Discrepancy describes an account whose stored balance disagrees with
// its journal.
type Discrepancy struct {
	AccountID string
	Reason    string
}

// Auditor compares stored balances against the journal
type Auditor struct {
	store   account.Store
	journal Journal
}

// NewAuditor creates a new auditor
func NewAuditor(store account.Store, journal Journal) *Auditor {
	return &Auditor{
		store:   store,
		journal: journal,
	}
}

// Audit checks every journaled account. A deleted account is skipped.
func (a *Auditor) Audit(ctx context.Context) ([]Discrepancy, error) {
	accountIDs, err := a.journal.ListAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list journaled accounts: %w", err)
	}

	var found []Discrepancy
	for _, accountID := range accountIDs {
		d, err := a.AuditAccount(ctx, accountID)
		if errors.Is(err, account.ErrAccountNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if d != nil {
			found = append(found, *d)
		}
	}
	return found, nil
}

// AuditAccount checks one account; it returns nil when the journal and
// the store agree.
func (a *Auditor) AuditAccount(ctx context.Context, accountID string) (*Discrepancy, error) {
	acc, err := a.store.Find(ctx, accountID)
	if err != nil {
		return nil, err
	}

	events, err := a.journal.ReadFrom(ctx, accountID, 1)
	if err != nil {
		return nil, fmt.Errorf("failed to read journal: %w", err)
	}
	if len(events) == 0 {
		return nil, nil
	}

	if err := VerifyChain(events); err != nil {
		return &Discrepancy{AccountID: accountID, Reason: err.Error()}, nil
	}

	last := events[len(events)-1]
	if last.Version > acc.Version {
		return &Discrepancy{
			AccountID: accountID,
			Reason:    fmt.Sprintf("journal version %d is ahead of stored version %d", last.Version, acc.Version),
		}, nil
	}
	if !last.After.Equal(acc.Balance) {
		return &Discrepancy{
			AccountID: accountID,
			Reason:    fmt.Sprintf("stored balance %s, journal balance %s", money.Format(acc.Balance), money.Format(last.After)),
		}, nil
	}
	return nil, nil
}
