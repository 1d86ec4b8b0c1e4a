package mongodb

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"credits-ledger/internal/credits"
)

func TestNewAuditLog(t *testing.T) {
	occurred := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	recorded := occurred.Add(time.Second)

	doc := NewAuditLog(credits.Event{
		ID:         "01HZY",
		AccountID:  "acc-1",
		Type:       credits.EventTypeCredit,
		Amount:     decimal.RequireFromString("0.10"),
		Before:     decimal.RequireFromString("0.20"),
		After:      decimal.RequireFromString("0.30"),
		Version:    3,
		OccurredAt: occurred,
	}, recorded)

	if doc.ID != "01HZY" || doc.AccountID != "acc-1" || doc.Type != "CREDIT" {
		t.Errorf("unexpected identity fields %+v", doc)
	}
	if doc.Amount != "0.1" || doc.After != "0.3" {
		t.Errorf("expected exact decimal strings, got amount=%s after=%s", doc.Amount, doc.After)
	}
	if doc.Version != 3 || !doc.RecordedAt.Equal(recorded) {
		t.Errorf("unexpected version or timestamp %+v", doc)
	}
}
