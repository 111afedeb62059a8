package server

import (
	"context"
	"strings"
	"sync"

	"github.com/fairlinestudio/open-pay-go/internal/platform/errs"
)

// memoryLedger keeps the full ledger under one mutex. Used by tests and by
// deployments running without postgres.
type memoryLedger struct {
	mu           sync.Mutex
	accounts     map[string]*LedgerAccount
	byOwner      map[string]string // owner|subtype|currency -> account id
	txs          map[string]LedgerTransaction
	postingsByTx map[string][]LedgerPosting
	resultByRef  map[string]PostResult // from|to|type|ref -> first commit
}

func newMemoryLedger() *memoryLedger {
	return &memoryLedger{
		accounts:     make(map[string]*LedgerAccount),
		byOwner:      make(map[string]string),
		txs:          make(map[string]LedgerTransaction),
		postingsByTx: make(map[string][]LedgerPosting),
		resultByRef:  make(map[string]PostResult),
	}
}

func ownerKey(ownerID, subtype, currency string) string {
	return strings.Join([]string{ownerID, subtype, currency}, "|")
}

func refKey(tx LedgerTransaction) string {
	return strings.Join([]string{tx.FromAccountID, tx.ToAccountID, tx.Type, tx.ExternalRef}, "|")
}

func (m *memoryLedger) createAccount(_ context.Context, acct LedgerAccount) (LedgerAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := ownerKey(acct.OwnerID, acct.Subtype, acct.Currency)
	if id, ok := m.byOwner[key]; ok {
		return *m.accounts[id], nil
	}
	stored := acct
	m.accounts[acct.ID] = &stored
	m.byOwner[key] = acct.ID
	return stored, nil
}

func (m *memoryLedger) findAccount(_ context.Context, id string) (LedgerAccount, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct, ok := m.accounts[id]
	if !ok {
		return LedgerAccount{}, false, nil
	}
	return *acct, true, nil
}

func (m *memoryLedger) findAccountByOwner(_ context.Context, ownerID, subtype, currency string) (LedgerAccount, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byOwner[ownerKey(ownerID, subtype, currency)]
	if !ok {
		return LedgerAccount{}, false, nil
	}
	return *m.accounts[id], true, nil
}

func (m *memoryLedger) post(_ context.Context, tx LedgerTransaction, postingIDs [2]string, allowOverdraw bool) (PostResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if tx.ExternalRef != "" {
		if prev, ok := m.resultByRef[refKey(tx)]; ok {
			prev.Duplicate = true
			return prev, nil
		}
	}

	from, ok := m.accounts[tx.FromAccountID]
	if !ok {
		return PostResult{}, errs.E(errs.NotFound, "source account not found", "accountId", tx.FromAccountID)
	}
	to, ok := m.accounts[tx.ToAccountID]
	if !ok {
		return PostResult{}, errs.E(errs.NotFound, "destination account not found", "accountId", tx.ToAccountID)
	}
	if from.Currency != tx.Currency || to.Currency != tx.Currency {
		return PostResult{}, errs.E(errs.CurrencyMismatch, "account currencies must match the transaction",
			"currency", tx.Currency, "fromCurrency", from.Currency, "toCurrency", to.Currency)
	}
	if !from.AllowNegative && !allowOverdraw && from.Balance < tx.Amount {
		return PostResult{}, errs.E(errs.InsufficientFunds, "source balance too low",
			"accountId", from.ID, "balance", from.Balance, "amount", tx.Amount)
	}

	res := PostResult{
		Transaction:       tx,
		FromBalanceBefore: from.Balance,
		ToBalanceBefore:   to.Balance,
	}
	from.Balance -= tx.Amount
	to.Balance += tx.Amount
	res.FromBalanceAfter = from.Balance
	res.ToBalanceAfter = to.Balance

	postings := []LedgerPosting{
		{ID: postingIDs[0], TransactionID: tx.ID, AccountID: from.ID, Direction: DirectionDebit, Amount: tx.Amount, Currency: tx.Currency, CreatedAt: tx.CreatedAt},
		{ID: postingIDs[1], TransactionID: tx.ID, AccountID: to.ID, Direction: DirectionCredit, Amount: tx.Amount, Currency: tx.Currency, CreatedAt: tx.CreatedAt},
	}
	res.Postings = postings

	m.txs[tx.ID] = tx
	m.postingsByTx[tx.ID] = postings
	if tx.ExternalRef != "" {
		m.resultByRef[refKey(tx)] = res
	}
	return res, nil
}

func (m *memoryLedger) findTransaction(_ context.Context, id string) (LedgerTransaction, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.txs[id]
	return tx, ok, nil
}

func (m *memoryLedger) postingsByTransaction(_ context.Context, txID string) ([]LedgerPosting, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]LedgerPosting, len(m.postingsByTx[txID]))
	copy(out, m.postingsByTx[txID])
	return out, nil
}

func (m *memoryLedger) transactionsByExternalRef(_ context.Context, externalRef string) ([]LedgerTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]LedgerTransaction, 0, 2)
	for _, tx := range m.txs {
		if tx.ExternalRef == externalRef {
			out = append(out, tx)
		}
	}
	return out, nil
}
