package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/fairlinestudio/open-pay-go/internal/platform/audit"
	"github.com/fairlinestudio/open-pay-go/internal/platform/clock"
	"github.com/fairlinestudio/open-pay-go/internal/platform/errs"
)

const (
	DirectionDebit  = "debit"
	DirectionCredit = "credit"
)

type LedgerAccount struct {
	ID            string    `json:"id"`
	OwnerID       string    `json:"ownerId"`
	Subtype       string    `json:"subtype"`
	Currency      string    `json:"currency"`
	AllowNegative bool      `json:"allowNegative"`
	Balance       int64     `json:"balance"`
	CreatedAt     time.Time `json:"createdAt"`
}

type LedgerTransaction struct {
	ID            string    `json:"id"`
	FromAccountID string    `json:"fromAccountId"`
	ToAccountID   string    `json:"toAccountId"`
	Amount        int64     `json:"amount"`
	Currency      string    `json:"currency"`
	Type          string    `json:"type"`
	ExternalRef   string    `json:"externalRef,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

type LedgerPosting struct {
	ID            string    `json:"id"`
	TransactionID string    `json:"transactionId"`
	AccountID     string    `json:"accountId"`
	Direction     string    `json:"direction"`
	Amount        int64     `json:"amount"`
	Currency      string    `json:"currency"`
	CreatedAt     time.Time `json:"createdAt"`
}

type PostRequest struct {
	FromAccountID string
	ToAccountID   string
	Amount        int64
	Currency      string
	Type          string
	ExternalRef   string
	// AllowOverdraw bypasses the source overdraw guard. Reserved for
	// system-initiated reversals.
	AllowOverdraw bool
}

// PostResult carries the committed transaction plus the authoritative
// balances read inside the same atomic scope.
type PostResult struct {
	Transaction       LedgerTransaction `json:"transaction"`
	Postings          []LedgerPosting   `json:"postings"`
	FromBalanceBefore int64             `json:"fromBalanceBefore"`
	FromBalanceAfter  int64             `json:"fromBalanceAfter"`
	ToBalanceBefore   int64             `json:"toBalanceBefore"`
	ToBalanceAfter    int64             `json:"toBalanceAfter"`
	Duplicate         bool              `json:"duplicate,omitempty"`
}

// ledgerStore is the atomic persistence contract. post commits both legs
// and the balance mutations in one transaction or not at all; conflicting
// concurrent posts surface as TransientConflict.
type ledgerStore interface {
	createAccount(ctx context.Context, acct LedgerAccount) (LedgerAccount, error)
	findAccount(ctx context.Context, id string) (LedgerAccount, bool, error)
	findAccountByOwner(ctx context.Context, ownerID, subtype, currency string) (LedgerAccount, bool, error)
	post(ctx context.Context, tx LedgerTransaction, postingIDs [2]string, allowOverdraw bool) (PostResult, error)
	findTransaction(ctx context.Context, id string) (LedgerTransaction, bool, error)
	postingsByTransaction(ctx context.Context, txID string) ([]LedgerPosting, error)
	transactionsByExternalRef(ctx context.Context, externalRef string) ([]LedgerTransaction, error)
}

const (
	ledgerPostAttempts = 3
	ledgerPostBackoff  = 100 * time.Millisecond
)

type LedgerService struct {
	store   ledgerStore
	clk     clock.Clock
	trail   *audit.Trail
	metrics *Metrics
}

func newLedgerService(store ledgerStore, clk clock.Clock, trail *audit.Trail, m *Metrics) *LedgerService {
	if trail == nil {
		trail = audit.NewTrail()
	}
	return &LedgerService{store: store, clk: clk, trail: trail, metrics: m}
}

// NewMemoryLedgerService keeps the ledger in process memory.
func NewMemoryLedgerService(clk clock.Clock, trail *audit.Trail, m *Metrics) *LedgerService {
	return newLedgerService(newMemoryLedger(), clk, trail, m)
}

// NewPostgresLedgerService persists the ledger through db.
func NewPostgresLedgerService(db *sql.DB, clk clock.Clock, trail *audit.Trail, m *Metrics) *LedgerService {
	return newLedgerService(newPostgresLedger(db), clk, trail, m)
}

func (s *LedgerService) now() time.Time {
	return s.clk.Now().UTC()
}

func (s *LedgerService) Trail() *audit.Trail {
	return s.trail
}

// GetOrCreateAccount returns the account for (owner, subtype, currency),
// creating it with a zero balance when absent. Existing accounts keep their
// allowNegative flag.
func (s *LedgerService) GetOrCreateAccount(ctx context.Context, ownerID, subtype, currency string, allowNegative bool) (LedgerAccount, error) {
	if ownerID == "" || subtype == "" || currency == "" {
		return LedgerAccount{}, errs.E(errs.InvalidInput, "owner, subtype and currency are required")
	}
	if acct, found, err := s.store.findAccountByOwner(ctx, ownerID, subtype, currency); err != nil {
		return LedgerAccount{}, err
	} else if found {
		return acct, nil
	}
	acct := LedgerAccount{
		ID:            uuid.NewString(),
		OwnerID:       ownerID,
		Subtype:       subtype,
		Currency:      currency,
		AllowNegative: allowNegative,
		CreatedAt:     s.now(),
	}
	created, err := s.store.createAccount(ctx, acct)
	if err != nil {
		return LedgerAccount{}, err
	}
	return created, nil
}

// Post moves amount from one account to another as exactly one debit and
// one credit in a single atomic scope. Duplicate externalRefs replay the
// original commit.
func (s *LedgerService) Post(ctx context.Context, req PostRequest) (PostResult, error) {
	if req.FromAccountID == "" || req.ToAccountID == "" {
		return PostResult{}, errs.E(errs.InvalidInput, "both account ids are required")
	}
	if req.FromAccountID == req.ToAccountID {
		return PostResult{}, errs.E(errs.InvalidInput, "accounts must differ")
	}
	if req.Amount <= 0 {
		return PostResult{}, errs.E(errs.InvalidInput, "amount must be a positive integer", "amount", req.Amount)
	}
	if req.Currency == "" || req.Type == "" {
		return PostResult{}, errs.E(errs.InvalidInput, "currency and type are required")
	}

	tx := LedgerTransaction{
		ID:            uuid.NewString(),
		FromAccountID: req.FromAccountID,
		ToAccountID:   req.ToAccountID,
		Amount:        req.Amount,
		Currency:      req.Currency,
		Type:          req.Type,
		ExternalRef:   req.ExternalRef,
		CreatedAt:     s.now(),
	}
	postingIDs := [2]string{uuid.NewString(), uuid.NewString()}

	var res PostResult
	var err error
	backoff := ledgerPostBackoff
	for attempt := 0; attempt < ledgerPostAttempts; attempt++ {
		if attempt > 0 {
			s.metrics.ledgerRetry()
			select {
			case <-ctx.Done():
				return PostResult{}, errs.E(errs.Expired, "post cancelled", "type", req.Type)
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		res, err = s.store.post(ctx, tx, postingIDs, req.AllowOverdraw)
		if err == nil || !errs.Retriable(err) {
			break
		}
	}
	if err != nil {
		s.metrics.ledgerPost(req.Type, "error")
		return PostResult{}, err
	}
	if res.Duplicate {
		s.metrics.ledgerPost(req.Type, "duplicate")
		return res, nil
	}

	s.appendPostAudit(req, res)
	s.metrics.ledgerPost(req.Type, "ok")
	return res, nil
}

func (s *LedgerService) appendPostAudit(req PostRequest, res PostResult) {
	before, _ := json.Marshal(map[string]any{
		"fromBalance": res.FromBalanceBefore,
		"toBalance":   res.ToBalanceBefore,
	})
	after, _ := json.Marshal(map[string]any{
		"fromBalance": res.FromBalanceAfter,
		"toBalance":   res.ToBalanceAfter,
	})
	now := s.now()
	_, _ = s.trail.Append(audit.Event{
		AuditID:    res.Transaction.ID,
		OccurredAt: now,
		RecordedAt: now,
		ActorID:    "ledger",
		ActorType:  "service",
		ObjectType: "ledger_transaction",
		ObjectID:   res.Transaction.ID,
		Action:     req.Type,
		Before:     before,
		After:      after,
		Result:     audit.ResultSuccess,
	})
}

func (s *LedgerService) Balance(ctx context.Context, accountID string) (int64, error) {
	acct, found, err := s.store.findAccount(ctx, accountID)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, errs.E(errs.NotFound, "account not found", "accountId", accountID)
	}
	return acct.Balance, nil
}

func (s *LedgerService) BalanceByOwner(ctx context.Context, ownerID, subtype, currency string) (int64, error) {
	acct, found, err := s.store.findAccountByOwner(ctx, ownerID, subtype, currency)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, errs.E(errs.NotFound, "account not found",
			"ownerId", ownerID, "subtype", subtype, "currency", currency)
	}
	return acct.Balance, nil
}

func (s *LedgerService) Account(ctx context.Context, accountID string) (LedgerAccount, error) {
	acct, found, err := s.store.findAccount(ctx, accountID)
	if err != nil {
		return LedgerAccount{}, err
	}
	if !found {
		return LedgerAccount{}, errs.E(errs.NotFound, "account not found", "accountId", accountID)
	}
	return acct, nil
}

func (s *LedgerService) Transaction(ctx context.Context, id string) (LedgerTransaction, error) {
	tx, found, err := s.store.findTransaction(ctx, id)
	if err != nil {
		return LedgerTransaction{}, err
	}
	if !found {
		return LedgerTransaction{}, errs.E(errs.NotFound, "transaction not found", "transactionId", id)
	}
	return tx, nil
}

// Postings returns the committed legs of a transaction, used by recovery
// handlers to decide whether an operation left ledger effects behind.
func (s *LedgerService) Postings(ctx context.Context, txID string) ([]LedgerPosting, error) {
	return s.store.postingsByTransaction(ctx, txID)
}

// TransactionsByExternalRef returns every committed transaction recorded
// under an external reference, across types.
func (s *LedgerService) TransactionsByExternalRef(ctx context.Context, externalRef string) ([]LedgerTransaction, error) {
	if externalRef == "" {
		return nil, errs.E(errs.InvalidInput, "externalRef is required")
	}
	return s.store.transactionsByExternalRef(ctx, externalRef)
}
