package credits

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"credits-ledger/internal/account"
	"credits-ledger/internal/money"
)

// countingStore counts store calls and can inject faults before Save.
type countingStore struct {
	account.Store
	finds      atomic.Int64
	saves      atomic.Int64
	beforeSave func(acc *account.Account) error
}

func (s *countingStore) Find(ctx context.Context, id string) (*account.Account, error) {
	s.finds.Add(1)
	return s.Store.Find(ctx, id)
}

func (s *countingStore) Save(ctx context.Context, acc *account.Account) (*account.Account, error) {
	s.saves.Add(1)
	if s.beforeSave != nil {
		if err := s.beforeSave(acc); err != nil {
			return nil, err
		}
	}
	return s.Store.Save(ctx, acc)
}

type captureRecorder struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (r *captureRecorder) Record(ctx context.Context, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return r.err
}

func (r *captureRecorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func seedAccount(t *testing.T, store account.Store, balance string) *account.Account {
	t.Helper()
	acc, err := store.Save(context.Background(), &account.Account{
		Username: "user-" + balance,
		Email:    "user-" + balance + "@example.com",
		Active:   true,
		Balance:  money.MustParse(balance),
	})
	if err != nil {
		t.Fatalf("seed account failed: %v", err)
	}
	return acc
}

func assertBalance(t *testing.T, store account.Store, id, want string) {
	t.Helper()
	acc, err := store.Find(context.Background(), id)
	if err != nil {
		t.Fatalf("Find failed: %v", err)
	}
	if !acc.Balance.Equal(money.MustParse(want)) {
		t.Fatalf("expected stored balance %s, got %s", want, money.Format(acc.Balance))
	}
}

func TestDebit_Success(t *testing.T) {
	store := account.NewMemoryStore()
	eng := NewEngine(store, nil, nil)
	acc := seedAccount(t, store, "1500.00")

	got, err := eng.Debit(context.Background(), acc.ID, money.MustParse("499.99"))
	if err != nil {
		t.Fatalf("Debit failed: %v", err)
	}
	if !got.Equal(money.MustParse("1000.01")) {
		t.Errorf("expected 1000.01, got %s", money.Format(got))
	}
	assertBalance(t, store, acc.ID, "1000.01")
}

func TestDebit_ExactBalanceLeavesZero(t *testing.T) {
	store := account.NewMemoryStore()
	eng := NewEngine(store, nil, nil)
	acc := seedAccount(t, store, "0.30")

	// 0.1 + 0.2 style amounts must compare exactly at the boundary.
	got, err := eng.Debit(context.Background(), acc.ID, money.MustParse("0.30"))
	if err != nil {
		t.Fatalf("Debit of the full balance failed: %v", err)
	}
	if !got.IsZero() {
		t.Errorf("expected zero balance, got %s", money.Format(got))
	}
}

func TestDebit_InsufficientCredits(t *testing.T) {
	store := account.NewMemoryStore()
	eng := NewEngine(store, nil, nil)
	acc := seedAccount(t, store, "800.00")

	_, err := eng.Debit(context.Background(), acc.ID, money.MustParse("900.00"))
	if !errors.Is(err, ErrInsufficientCredits) {
		t.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}

	var insufficient *InsufficientCreditsError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected *InsufficientCreditsError, got %T", err)
	}
	if !insufficient.Available.Equal(money.MustParse("800")) {
		t.Errorf("expected available 800.00, got %s", money.Format(insufficient.Available))
	}
	if !insufficient.Requested.Equal(money.MustParse("900")) {
		t.Errorf("expected requested 900.00, got %s", money.Format(insufficient.Requested))
	}
	want := "insufficient credits: account=" + acc.ID + " available=800.00 requested=900.00"
	if err.Error() != want {
		t.Errorf("unexpected message:\n got: %s\nwant: %s", err.Error(), want)
	}
	if KindOf(err) != KindInsufficientCredits {
		t.Errorf("expected kind %s, got %s", KindInsufficientCredits, KindOf(err))
	}

	assertBalance(t, store, acc.ID, "800.00")
}

func TestCredit_Success(t *testing.T) {
	store := account.NewMemoryStore()
	eng := NewEngine(store, nil, nil)
	acc := seedAccount(t, store, "2000.00")

	got, err := eng.Credit(context.Background(), acc.ID, money.MustParse("500.00"))
	if err != nil {
		t.Fatalf("Credit failed: %v", err)
	}
	if !got.Equal(money.MustParse("2500.00")) {
		t.Errorf("expected 2500.00, got %s", money.Format(got))
	}
	assertBalance(t, store, acc.ID, "2500.00")
}

func TestCredit_NoUpperBound(t *testing.T) {
	store := account.NewMemoryStore()
	eng := NewEngine(store, nil, nil)
	acc := seedAccount(t, store, "1.00")

	huge := decimal.RequireFromString("99999999999999999999999999999.99")
	got, err := eng.Credit(context.Background(), acc.ID, huge)
	if err != nil {
		t.Fatalf("Credit failed: %v", err)
	}
	if !got.Equal(huge.Add(money.MustParse("1"))) {
		t.Errorf("expected %s, got %s", huge.Add(money.MustParse("1")), got)
	}
}

func TestInvalidAmount_NoStoreAccess(t *testing.T) {
	backing := account.NewMemoryStore()
	acc := seedAccount(t, backing, "1500.00")
	store := &countingStore{Store: backing}
	eng := NewEngine(store, nil, nil)

	amounts := []decimal.Decimal{
		money.MustParse("-100.00"),
		decimal.Zero,
		money.MustParse("-0.01"),
	}
	for _, id := range []string{acc.ID, "does-not-exist"} {
		for _, amount := range amounts {
			if _, err := eng.Debit(context.Background(), id, amount); !errors.Is(err, ErrInvalidAmount) {
				t.Errorf("Debit(%s, %s): expected ErrInvalidAmount, got %v", id, amount, err)
			}
			if _, err := eng.Credit(context.Background(), id, amount); !errors.Is(err, ErrInvalidAmount) {
				t.Errorf("Credit(%s, %s): expected ErrInvalidAmount, got %v", id, amount, err)
			}
		}
	}

	if n := store.finds.Load() + store.saves.Load(); n != 0 {
		t.Errorf("expected no store access, got %d calls", n)
	}
	assertBalance(t, backing, acc.ID, "1500.00")
}

func TestAccountNotFound(t *testing.T) {
	backing := account.NewMemoryStore()
	store := &countingStore{Store: backing}
	eng := NewEngine(store, nil, nil)
	ctx := context.Background()

	if _, err := eng.GetBalance(ctx, "missing"); !errors.Is(err, ErrAccountNotFound) {
		t.Errorf("GetBalance: expected ErrAccountNotFound, got %v", err)
	}
	if _, err := eng.Debit(ctx, "missing", money.MustParse("1")); !errors.Is(err, ErrAccountNotFound) {
		t.Errorf("Debit: expected ErrAccountNotFound, got %v", err)
	}
	if _, err := eng.Credit(ctx, "missing", money.MustParse("1")); !errors.Is(err, ErrAccountNotFound) {
		t.Errorf("Credit: expected ErrAccountNotFound, got %v", err)
	}
	if store.saves.Load() != 0 {
		t.Errorf("expected no saves, got %d", store.saves.Load())
	}
	list, _ := backing.List(ctx)
	if len(list) != 0 {
		t.Errorf("expected store to stay empty, got %d accounts", len(list))
	}
}

func TestGetBalance(t *testing.T) {
	store := account.NewMemoryStore()
	eng := NewEngine(store, nil, nil)
	acc := seedAccount(t, store, "42.42")

	got, err := eng.GetBalance(context.Background(), acc.ID)
	if err != nil {
		t.Fatalf("GetBalance failed: %v", err)
	}
	if !got.Equal(money.MustParse("42.42")) {
		t.Errorf("expected 42.42, got %s", money.Format(got))
	}
}

func TestDebit_NotIdempotent(t *testing.T) {
	store := account.NewMemoryStore()
	eng := NewEngine(store, nil, nil)
	acc := seedAccount(t, store, "100.00")

	first, err := eng.Debit(context.Background(), acc.ID, money.MustParse("10"))
	if err != nil {
		t.Fatalf("first Debit failed: %v", err)
	}
	second, err := eng.Debit(context.Background(), acc.ID, money.MustParse("10"))
	if err != nil {
		t.Fatalf("second Debit failed: %v", err)
	}
	if !first.GreaterThan(second) {
		t.Fatalf("expected decreasing balances, got %s then %s", first, second)
	}
	if !second.Equal(money.MustParse("80")) {
		t.Errorf("expected 80.00, got %s", money.Format(second))
	}
}

func TestConcurrentDebits_ExactlyOneSucceeds(t *testing.T) {
	store := account.NewMemoryStore()
	eng := NewEngine(store, nil, nil)
	acc := seedAccount(t, store, "1000.00")

	var (
		wg           sync.WaitGroup
		successes    atomic.Int64
		insufficient atomic.Int64
	)
	start := make(chan struct{})
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := eng.Debit(context.Background(), acc.ID, money.MustParse("800.00"))
			switch {
			case err == nil:
				successes.Add(1)
			case errors.Is(err, ErrInsufficientCredits):
				insufficient.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if successes.Load() != 1 || insufficient.Load() != 1 {
		t.Fatalf("expected 1 success and 1 insufficient, got %d and %d", successes.Load(), insufficient.Load())
	}
	assertBalance(t, store, acc.ID, "200.00")
}

func TestConcurrentMixedOperations_NoLostUpdates(t *testing.T) {
	store := account.NewMemoryStore()
	recorder := &captureRecorder{}
	eng := NewEngine(store, recorder, nil)
	acc := seedAccount(t, store, "100.00")

	const numOps = 100
	var (
		wg       sync.WaitGroup
		debited  atomic.Int64
		credited atomic.Int64
	)
	for i := 0; i < numOps; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			if _, err := eng.Debit(context.Background(), acc.ID, money.MustParse("3.00")); err == nil {
				debited.Add(1)
			} else if !errors.Is(err, ErrInsufficientCredits) {
				t.Errorf("unexpected debit error: %v", err)
			}
		}()
		go func() {
			defer wg.Done()
			if _, err := eng.Credit(context.Background(), acc.ID, money.MustParse("1.00")); err == nil {
				credited.Add(1)
			} else {
				t.Errorf("unexpected credit error: %v", err)
			}
		}()
	}
	wg.Wait()

	want := money.MustParse("100").
		Sub(money.MustParse("3").Mul(decimal.NewFromInt(debited.Load()))).
		Add(money.MustParse("1").Mul(decimal.NewFromInt(credited.Load())))
	got, err := eng.GetBalance(context.Background(), acc.ID)
	if err != nil {
		t.Fatalf("GetBalance failed: %v", err)
	}
	if !got.Equal(want) {
		t.Fatalf("lost update: expected %s, got %s", want, got)
	}

	// The recorded transitions must chain without gaps or negatives.
	events := recorder.Events()
	if int64(len(events)) != debited.Load()+credited.Load() {
		t.Fatalf("expected %d events, got %d", debited.Load()+credited.Load(), len(events))
	}
	byVersion := make(map[int64]Event, len(events))
	for _, ev := range events {
		if ev.After.IsNegative() {
			t.Fatalf("negative balance recorded: %+v", ev)
		}
		byVersion[ev.Version] = ev
	}
	for v := int64(2); v <= int64(len(events))+1; v++ {
		ev, ok := byVersion[v]
		if !ok {
			t.Fatalf("missing event for version %d", v)
		}
		if prev, ok := byVersion[v-1]; ok && !prev.After.Equal(ev.Before) {
			t.Fatalf("version %d starts at %s, previous ended at %s", v, ev.Before, prev.After)
		}
	}
}

func TestTwoEnginesSharingStore_VersionCheckSerializes(t *testing.T) {
	// Two engines model two processes: their lock tables are independent,
	// so only the store's version check keeps them consistent.
	store := account.NewMemoryStore()
	engA := NewEngine(store, nil, nil)
	engB := NewEngine(store, nil, nil)
	acc := seedAccount(t, store, "1000.00")

	for round := 0; round < 20; round++ {
		current, err := store.Find(context.Background(), acc.ID)
		if err != nil {
			t.Fatalf("Find failed: %v", err)
		}
		current.Balance = money.MustParse("1000.00")
		if _, err := store.Save(context.Background(), current); err != nil {
			t.Fatalf("reset failed: %v", err)
		}

		var (
			wg        sync.WaitGroup
			successes atomic.Int64
		)
		start := make(chan struct{})
		for _, eng := range []*Engine{engA, engB} {
			wg.Add(1)
			go func(eng *Engine) {
				defer wg.Done()
				<-start
				_, err := eng.Debit(context.Background(), acc.ID, money.MustParse("800.00"))
				switch {
				case err == nil:
					successes.Add(1)
				case errors.Is(err, ErrInsufficientCredits), errors.Is(err, ErrConflict):
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}(eng)
		}
		close(start)
		wg.Wait()

		if successes.Load() != 1 {
			t.Fatalf("round %d: expected exactly one success, got %d", round, successes.Load())
		}
		assertBalance(t, store, acc.ID, "200.00")
	}
}

func TestVersionConflict_RetriedThenSucceeds(t *testing.T) {
	backing := account.NewMemoryStore()
	acc := seedAccount(t, backing, "100.00")

	var injected atomic.Int64
	store := &countingStore{Store: backing}
	store.beforeSave = func(*account.Account) error {
		if injected.Add(1) <= 2 {
			return account.ErrVersionConflict
		}
		return nil
	}
	eng := NewEngine(store, nil, &Config{LockShards: 4, MaxAttempts: 3})

	got, err := eng.Debit(context.Background(), acc.ID, money.MustParse("40"))
	if err != nil {
		t.Fatalf("Debit failed: %v", err)
	}
	if !got.Equal(money.MustParse("60")) {
		t.Errorf("expected 60.00, got %s", money.Format(got))
	}
	if store.finds.Load() != 3 {
		t.Errorf("expected a fresh read per attempt (3), got %d", store.finds.Load())
	}
}

func TestVersionConflict_BudgetExhausted(t *testing.T) {
	backing := account.NewMemoryStore()
	acc := seedAccount(t, backing, "100.00")
	store := &countingStore{Store: backing}
	store.beforeSave = func(*account.Account) error { return account.ErrVersionConflict }
	recorder := &captureRecorder{}
	eng := NewEngine(store, recorder, &Config{LockShards: 4, MaxAttempts: 4})

	_, err := eng.Credit(context.Background(), acc.ID, money.MustParse("5"))
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	var conflict *ConflictError
	if !errors.As(err, &conflict) || conflict.Attempts != 4 {
		t.Fatalf("expected *ConflictError with 4 attempts, got %v", err)
	}
	if !KindOf(err).Retryable() {
		t.Error("conflict must be retryable by the caller")
	}
	if len(recorder.Events()) != 0 {
		t.Error("no event may be recorded for a failed operation")
	}
	assertBalance(t, backing, acc.ID, "100.00")
}

func TestDeleteDuringDebit_ReportsNotFound(t *testing.T) {
	backing := account.NewMemoryStore()
	acc := seedAccount(t, backing, "100.00")
	store := &countingStore{Store: backing}
	store.beforeSave = func(a *account.Account) error {
		return backing.Delete(context.Background(), a.ID)
	}
	eng := NewEngine(store, nil, nil)

	_, err := eng.Debit(context.Background(), acc.ID, money.MustParse("10"))
	if !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
	if exists, _ := backing.Exists(context.Background(), acc.ID); exists {
		t.Fatal("deleted account must not be resurrected")
	}
}

func TestStoreFailure_PropagatedUnchanged(t *testing.T) {
	backing := account.NewMemoryStore()
	acc := seedAccount(t, backing, "100.00")
	unavailable := errors.New("storage unavailable")
	store := &countingStore{Store: backing}
	store.beforeSave = func(*account.Account) error { return unavailable }
	eng := NewEngine(store, nil, nil)

	_, err := eng.Credit(context.Background(), acc.ID, money.MustParse("1"))
	if err != unavailable {
		t.Fatalf("expected the store error unchanged, got %v", err)
	}
	if KindOf(err) != KindInternal {
		t.Errorf("expected kind %s, got %s", KindInternal, KindOf(err))
	}
}

func TestRecorder_ReceivesCommittedTransitions(t *testing.T) {
	store := account.NewMemoryStore()
	recorder := &captureRecorder{}
	eng := NewEngine(store, recorder, nil)
	acc := seedAccount(t, store, "10.00")
	ctx := context.Background()

	if _, err := eng.Credit(ctx, acc.ID, money.MustParse("5")); err != nil {
		t.Fatalf("Credit failed: %v", err)
	}
	if _, err := eng.Debit(ctx, acc.ID, money.MustParse("100")); err == nil {
		t.Fatal("expected insufficient credits")
	}
	if _, err := eng.Debit(ctx, acc.ID, money.MustParse("2.50")); err != nil {
		t.Fatalf("Debit failed: %v", err)
	}

	events := recorder.Events()
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Type != EventTypeCredit || !events[0].Before.Equal(money.MustParse("10")) || !events[0].After.Equal(money.MustParse("15")) {
		t.Errorf("unexpected credit event: %+v", events[0])
	}
	if events[1].Type != EventTypeDebit || !events[1].After.Equal(money.MustParse("12.50")) {
		t.Errorf("unexpected debit event: %+v", events[1])
	}
	if events[0].ID == "" || events[0].ID == events[1].ID {
		t.Errorf("expected unique event ids, got %q and %q", events[0].ID, events[1].ID)
	}
	if events[1].Version <= events[0].Version {
		t.Errorf("expected increasing versions, got %d then %d", events[0].Version, events[1].Version)
	}
}

func TestRecorderFailure_DoesNotFailOperation(t *testing.T) {
	store := account.NewMemoryStore()
	recorder := &captureRecorder{err: errors.New("broker down")}
	eng := NewEngine(store, recorder, nil)
	acc := seedAccount(t, store, "10.00")

	got, err := eng.Debit(context.Background(), acc.ID, money.MustParse("1"))
	if err != nil {
		t.Fatalf("Debit must succeed when recording fails, got %v", err)
	}
	if !got.Equal(money.MustParse("9")) {
		t.Errorf("expected 9.00, got %s", money.Format(got))
	}
}

func TestDistinctAccountsDoNotBlock(t *testing.T) {
	store := account.NewMemoryStore()
	// One shard forces both keys through the same bookkeeping map.
	eng := NewEngine(store, nil, &Config{LockShards: 1, MaxAttempts: 5})
	a := seedAccount(t, store, "10.00")
	b := seedAccount(t, store, "20.00")

	unlock, err := eng.locks.Acquire(context.Background(), a.ID)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := eng.Debit(ctx, b.ID, money.MustParse("1")); err != nil {
		t.Fatalf("debit on another account blocked or failed: %v", err)
	}
}

func TestLockTimeout(t *testing.T) {
	store := account.NewMemoryStore()
	eng := NewEngine(store, nil, &Config{LockShards: 2, MaxAttempts: 5, LockTimeout: 20 * time.Millisecond})
	acc := seedAccount(t, store, "10.00")

	unlock, err := eng.locks.Acquire(context.Background(), acc.ID)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer unlock()

	_, err = eng.Debit(context.Background(), acc.ID, money.MustParse("1"))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	assertBalance(t, store, acc.ID, "10.00")
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		err  error
		want Kind
	}{
		{nil, KindNone},
		{invalidAmount(decimal.Zero), KindInvalidAmount},
		{account.ErrAccountNotFound, KindAccountNotFound},
		{&InsufficientCreditsError{}, KindInsufficientCredits},
		{&ConflictError{}, KindConflict},
		{errors.New("boom"), KindInternal},
	}
	for _, tt := range tests {
		if got := KindOf(tt.err); got != tt.want {
			t.Errorf("KindOf(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
