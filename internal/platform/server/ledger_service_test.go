package server

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/fairlinestudio/open-pay-go/internal/platform/clock"
	"github.com/fairlinestudio/open-pay-go/internal/platform/errs"
)

func testLedger(t *testing.T) (*LedgerService, *clock.Fixed) {
	t.Helper()
	clk := &clock.Fixed{T: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	return NewMemoryLedgerService(clk, nil, nil), clk
}

func mustAccount(t *testing.T, svc *LedgerService, owner, subtype, currency string, allowNegative bool) LedgerAccount {
	t.Helper()
	acct, err := svc.GetOrCreateAccount(context.Background(), owner, subtype, currency, allowNegative)
	if err != nil {
		t.Fatalf("GetOrCreateAccount(%s/%s): %v", owner, subtype, err)
	}
	return acct
}

func TestPostMovesFundsWithTwoLegs(t *testing.T) {
	svc, _ := testLedger(t)
	ctx := context.Background()

	system := mustAccount(t, svc, "system", "external", "EUR", true)
	user := mustAccount(t, svc, "user-1", "real", "EUR", false)

	res, err := svc.Post(ctx, PostRequest{
		FromAccountID: system.ID,
		ToAccountID:   user.ID,
		Amount:        100000,
		Currency:      "EUR",
		Type:          "deposit",
		ExternalRef:   "psp-001",
	})
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	if len(res.Postings) != 2 {
		t.Fatalf("postings = %d, want 2", len(res.Postings))
	}
	if res.Postings[0].Direction != DirectionDebit || res.Postings[0].AccountID != system.ID {
		t.Errorf("first leg = %+v, want debit on system", res.Postings[0])
	}
	if res.Postings[1].Direction != DirectionCredit || res.Postings[1].AccountID != user.ID {
		t.Errorf("second leg = %+v, want credit on user", res.Postings[1])
	}
	if res.ToBalanceBefore != 0 || res.ToBalanceAfter != 100000 {
		t.Errorf("user balance %d -> %d, want 0 -> 100000", res.ToBalanceBefore, res.ToBalanceAfter)
	}

	bal, err := svc.BalanceByOwner(ctx, "user-1", "real", "EUR")
	if err != nil {
		t.Fatalf("BalanceByOwner: %v", err)
	}
	if bal != 100000 {
		t.Errorf("balance = %d, want 100000", bal)
	}

	// Withdraw part of it back out.
	res, err = svc.Post(ctx, PostRequest{
		FromAccountID: user.ID,
		ToAccountID:   system.ID,
		Amount:        30000,
		Currency:      "EUR",
		Type:          "withdrawal",
	})
	if err != nil {
		t.Fatalf("withdrawal: %v", err)
	}
	if res.FromBalanceAfter != 70000 {
		t.Errorf("user balance after withdrawal = %d, want 70000", res.FromBalanceAfter)
	}
}

func TestPostRejectsInvalidRequests(t *testing.T) {
	svc, _ := testLedger(t)
	ctx := context.Background()

	eur := mustAccount(t, svc, "user-1", "real", "EUR", false)
	usd := mustAccount(t, svc, "user-2", "real", "USD", false)
	system := mustAccount(t, svc, "system", "external", "EUR", true)

	tests := []struct {
		name string
		req  PostRequest
		kind errs.Kind
	}{
		{"zero amount", PostRequest{FromAccountID: system.ID, ToAccountID: eur.ID, Amount: 0, Currency: "EUR", Type: "deposit"}, errs.InvalidInput},
		{"negative amount", PostRequest{FromAccountID: system.ID, ToAccountID: eur.ID, Amount: -5, Currency: "EUR", Type: "deposit"}, errs.InvalidInput},
		{"same account", PostRequest{FromAccountID: eur.ID, ToAccountID: eur.ID, Amount: 10, Currency: "EUR", Type: "deposit"}, errs.InvalidInput},
		{"missing type", PostRequest{FromAccountID: system.ID, ToAccountID: eur.ID, Amount: 10, Currency: "EUR"}, errs.InvalidInput},
		{"currency mismatch", PostRequest{FromAccountID: eur.ID, ToAccountID: usd.ID, Amount: 10, Currency: "EUR", Type: "transfer"}, errs.CurrencyMismatch},
		{"unknown account", PostRequest{FromAccountID: "nope", ToAccountID: eur.ID, Amount: 10, Currency: "EUR", Type: "deposit"}, errs.NotFound},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Post(ctx, tc.req)
			if !errs.Is(err, tc.kind) {
				t.Errorf("kind = %v (%v), want %v", errs.KindOf(err), err, tc.kind)
			}
		})
	}
}

func TestPostOverdrawGuard(t *testing.T) {
	svc, _ := testLedger(t)
	ctx := context.Background()

	system := mustAccount(t, svc, "system", "external", "EUR", true)
	user := mustAccount(t, svc, "user-1", "real", "EUR", false)

	if _, err := svc.Post(ctx, PostRequest{
		FromAccountID: system.ID, ToAccountID: user.ID,
		Amount: 500, Currency: "EUR", Type: "deposit",
	}); err != nil {
		t.Fatalf("seed deposit: %v", err)
	}

	_, err := svc.Post(ctx, PostRequest{
		FromAccountID: user.ID, ToAccountID: system.ID,
		Amount: 501, Currency: "EUR", Type: "withdrawal",
	})
	if !errs.Is(err, errs.InsufficientFunds) {
		t.Fatalf("overdraw kind = %v, want insufficient_funds", errs.KindOf(err))
	}
	if bal, _ := svc.Balance(ctx, user.ID); bal != 500 {
		t.Errorf("balance after rejected overdraw = %d, want 500", bal)
	}

	// AllowOverdraw bypasses the guard; used for system reversals.
	res, err := svc.Post(ctx, PostRequest{
		FromAccountID: user.ID, ToAccountID: system.ID,
		Amount: 600, Currency: "EUR", Type: "deposit_reversal",
		AllowOverdraw: true,
	})
	if err != nil {
		t.Fatalf("reversal: %v", err)
	}
	if res.FromBalanceAfter != -100 {
		t.Errorf("balance after reversal = %d, want -100", res.FromBalanceAfter)
	}
}

func TestPostIdempotentExternalRef(t *testing.T) {
	svc, _ := testLedger(t)
	ctx := context.Background()

	system := mustAccount(t, svc, "system", "external", "EUR", true)
	user := mustAccount(t, svc, "user-1", "real", "EUR", false)

	req := PostRequest{
		FromAccountID: system.ID, ToAccountID: user.ID,
		Amount: 2500, Currency: "EUR", Type: "deposit", ExternalRef: "psp-42",
	}
	first, err := svc.Post(ctx, req)
	if err != nil {
		t.Fatalf("first post: %v", err)
	}
	second, err := svc.Post(ctx, req)
	if err != nil {
		t.Fatalf("replay post: %v", err)
	}
	if !second.Duplicate {
		t.Error("replay not flagged duplicate")
	}
	if second.Transaction.ID != first.Transaction.ID {
		t.Errorf("replay transaction id = %s, want %s", second.Transaction.ID, first.Transaction.ID)
	}
	if bal, _ := svc.Balance(ctx, user.ID); bal != 2500 {
		t.Errorf("balance after replay = %d, want 2500 (applied once)", bal)
	}

	// Same ref under a different type is a distinct operation.
	res, err := svc.Post(ctx, PostRequest{
		FromAccountID: system.ID, ToAccountID: user.ID,
		Amount: 100, Currency: "EUR", Type: "bonus_credit", ExternalRef: "psp-42",
	})
	if err != nil {
		t.Fatalf("different type post: %v", err)
	}
	if res.Duplicate {
		t.Error("different type flagged duplicate")
	}

	refs, err := svc.TransactionsByExternalRef(ctx, "psp-42")
	if err != nil {
		t.Fatalf("TransactionsByExternalRef: %v", err)
	}
	if len(refs) != 2 {
		t.Errorf("transactions under ref = %d, want 2", len(refs))
	}
}

func TestPostConcurrentDepositsSum(t *testing.T) {
	svc, _ := testLedger(t)
	ctx := context.Background()

	system := mustAccount(t, svc, "system", "external", "EUR", true)
	user := mustAccount(t, svc, "user-1", "real", "EUR", false)

	var wg sync.WaitGroup
	errCh := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Post(ctx, PostRequest{
				FromAccountID: system.ID, ToAccountID: user.ID,
				Amount: 1000, Currency: "EUR", Type: "deposit",
			})
			errCh <- err
		}()
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		if err != nil {
			t.Fatalf("concurrent post: %v", err)
		}
	}

	bal, err := svc.Balance(ctx, user.ID)
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if bal != 10000 {
		t.Errorf("balance = %d, want 10000", bal)
	}
	sysBal, _ := svc.Balance(ctx, system.ID)
	if sysBal != -10000 {
		t.Errorf("system balance = %d, want -10000 (double entry)", sysBal)
	}
}

// flakyLedger fails the first posts with a transient conflict before
// delegating, exercising the retry loop.
type flakyLedger struct {
	ledgerStore
	mu       sync.Mutex
	failures int
	posts    int
}

func (f *flakyLedger) post(ctx context.Context, tx LedgerTransaction, postingIDs [2]string, allowOverdraw bool) (PostResult, error) {
	f.mu.Lock()
	f.posts++
	fail := f.failures > 0
	if fail {
		f.failures--
	}
	f.mu.Unlock()
	if fail {
		return PostResult{}, errs.E(errs.TransientConflict, "serialization failure")
	}
	return f.ledgerStore.post(ctx, tx, postingIDs, allowOverdraw)
}

func TestPostRetriesTransientConflicts(t *testing.T) {
	clk := &clock.Fixed{T: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	flaky := &flakyLedger{ledgerStore: newMemoryLedger(), failures: 2}
	svc := newLedgerService(flaky, clk, nil, nil)
	ctx := context.Background()

	system := mustAccount(t, svc, "system", "external", "EUR", true)
	user := mustAccount(t, svc, "user-1", "real", "EUR", false)

	res, err := svc.Post(ctx, PostRequest{
		FromAccountID: system.ID, ToAccountID: user.ID,
		Amount: 100, Currency: "EUR", Type: "deposit",
	})
	if err != nil {
		t.Fatalf("Post after transient conflicts: %v", err)
	}
	if res.ToBalanceAfter != 100 {
		t.Errorf("balance = %d, want 100", res.ToBalanceAfter)
	}
	if flaky.posts != 3 {
		t.Errorf("store posts = %d, want 3 (two failures, one success)", flaky.posts)
	}
}

func TestPostGivesUpAfterThreeAttempts(t *testing.T) {
	clk := &clock.Fixed{T: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	flaky := &flakyLedger{ledgerStore: newMemoryLedger(), failures: 10}
	svc := newLedgerService(flaky, clk, nil, nil)
	ctx := context.Background()

	system := mustAccount(t, svc, "system", "external", "EUR", true)
	user := mustAccount(t, svc, "user-1", "real", "EUR", false)

	_, err := svc.Post(ctx, PostRequest{
		FromAccountID: system.ID, ToAccountID: user.ID,
		Amount: 100, Currency: "EUR", Type: "deposit",
	})
	if !errs.Is(err, errs.TransientConflict) {
		t.Fatalf("kind = %v, want transient_conflict", errs.KindOf(err))
	}
	if flaky.posts != 3 {
		t.Errorf("store posts = %d, want 3", flaky.posts)
	}
}

func TestPostAppendsAuditEvents(t *testing.T) {
	svc, _ := testLedger(t)
	ctx := context.Background()

	system := mustAccount(t, svc, "system", "external", "EUR", true)
	user := mustAccount(t, svc, "user-1", "real", "EUR", false)

	req := PostRequest{
		FromAccountID: system.ID, ToAccountID: user.ID,
		Amount: 777, Currency: "EUR", Type: "deposit", ExternalRef: "psp-7",
	}
	res, err := svc.Post(ctx, req)
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	// The duplicate replay must not add a second event.
	if _, err := svc.Post(ctx, req); err != nil {
		t.Fatalf("replay: %v", err)
	}

	events := svc.Trail().Events()
	if len(events) != 1 {
		t.Fatalf("audit events = %d, want 1", len(events))
	}
	ev := events[0]
	if ev.ObjectID != res.Transaction.ID || ev.Action != "deposit" {
		t.Errorf("event = %+v, want deposit on %s", ev, res.Transaction.ID)
	}
	if broken := svc.Trail().Verify(); broken != -1 {
		t.Errorf("Verify = %d, want -1 (intact chain)", broken)
	}
}

func TestGetOrCreateAccountIsIdempotent(t *testing.T) {
	svc, _ := testLedger(t)

	first := mustAccount(t, svc, "user-1", "real", "EUR", false)
	again := mustAccount(t, svc, "user-1", "real", "EUR", false)
	if first.ID != again.ID {
		t.Errorf("second create returned %s, want %s", again.ID, first.ID)
	}

	other := mustAccount(t, svc, "user-1", "bonus", "EUR", false)
	if other.ID == first.ID {
		t.Error("distinct subtype shares an account")
	}
}
