package server

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/fairlinestudio/open-pay-go/internal/platform/bus"
	"github.com/fairlinestudio/open-pay-go/internal/platform/clock"
	"github.com/fairlinestudio/open-pay-go/internal/platform/errs"
	"github.com/fairlinestudio/open-pay-go/internal/platform/opstate"
	"github.com/fairlinestudio/open-pay-go/internal/platform/repo"
	"github.com/fairlinestudio/open-pay-go/internal/platform/saga"
)

const (
	WalletStatusActive    = "active"
	WalletStatusSuspended = "suspended"
	WalletStatusClosed    = "closed"

	BalanceReal   = "real"
	BalanceBonus  = "bonus"
	BalanceLocked = "locked"

	TransferStatusPending   = "pending"
	TransferStatusApproved  = "approved"
	TransferStatusFailed    = "failed"
	TransferStatusCanceled  = "canceled"
	TransferStatusRecovered = "recovered"

	opTypeTransfer = "transfer"
)

// creditTypes and debitTypes fix the sign rule per wallet transaction type.
var creditTypes = map[string]bool{
	"deposit": true, "transfer_in": true, "win": true, "refund": true, "bonus_credit": true,
}

var debitTypes = map[string]bool{
	"withdrawal": true, "transfer_out": true, "bet": true,
}

// Wallet is a projection over three ledger accounts sharing the wallet id
// as owner. The accounts are created lazily on first posting; balances are
// always read from the ledger, never stored here.
type Wallet struct {
	repo.Meta      `bson:",inline"`
	OwnerID        string `json:"ownerId" bson:"ownerId"`
	TenantID       string `json:"tenantId" bson:"tenantId"`
	Currency       string `json:"currency" bson:"currency"`
	Category       string `json:"category" bson:"category"`
	Status         string `json:"status" bson:"status"`
	TotalDeposited int64  `json:"totalDeposited" bson:"totalDeposited"`
	TotalWithdrawn int64  `json:"totalWithdrawn" bson:"totalWithdrawn"`
}

type WalletBalances struct {
	Real   int64 `json:"real"`
	Bonus  int64 `json:"bonus"`
	Locked int64 `json:"locked"`
}

type WalletTransaction struct {
	repo.Meta           `bson:",inline"`
	WalletID            string `json:"walletId" bson:"walletId"`
	UserID              string `json:"userId" bson:"userId"`
	Type                string `json:"type" bson:"type"`
	BalanceType         string `json:"balanceType" bson:"balanceType"`
	Amount              int64  `json:"amount" bson:"amount"`
	Currency            string `json:"currency" bson:"currency"`
	Status              string `json:"status" bson:"status"`
	BalanceBefore       int64  `json:"balanceBefore" bson:"balanceBefore"`
	BalanceAfter        int64  `json:"balanceAfter" bson:"balanceAfter"`
	Description         string `json:"description,omitempty" bson:"description,omitempty"`
	ExternalRef         string `json:"externalRef,omitempty" bson:"externalRef,omitempty"`
	LedgerTransactionID string `json:"ledgerTransactionId" bson:"ledgerTransactionId"`
}

type Transfer struct {
	repo.Meta            `bson:",inline"`
	FromUserID           string   `json:"fromUserId" bson:"fromUserId"`
	ToUserID             string   `json:"toUserId" bson:"toUserId"`
	TenantID             string   `json:"tenantId,omitempty" bson:"tenantId,omitempty"`
	Amount               int64    `json:"amount" bson:"amount"`
	FeeAmount            int64    `json:"feeAmount,omitempty" bson:"feeAmount,omitempty"`
	Currency             string   `json:"currency" bson:"currency"`
	Status               string   `json:"status" bson:"status"`
	FromBalanceType      string   `json:"fromBalanceType" bson:"fromBalanceType"`
	ToBalanceType        string   `json:"toBalanceType" bson:"toBalanceType"`
	Method               string   `json:"method,omitempty" bson:"method,omitempty"`
	ExternalRef          string   `json:"externalRef,omitempty" bson:"externalRef,omitempty"`
	LedgerTransactionIDs []string `json:"ledgerTransactionIds,omitempty" bson:"ledgerTransactionIds,omitempty"`
	RecoveryOperationID  string   `json:"recoveryOperationId,omitempty" bson:"recoveryOperationId,omitempty"`
	FailureReason        string   `json:"failureReason,omitempty" bson:"failureReason,omitempty"`
}

func WalletIndexes() []repo.Index {
	return []repo.Index{
		{Fields: []string{"ownerId", "currency", "category"}, Unique: true},
	}
}

func TransferIndexes() []repo.Index {
	return []repo.Index{
		{Fields: []string{"status", "createdAt"}},
		{Fields: []string{"fromUserId", "createdAt"}},
	}
}

func WalletTransactionIndexes() []repo.Index {
	return []repo.Index{
		{Fields: []string{"walletId", "createdAt"}},
		{Fields: []string{"ledgerTransactionId"}},
	}
}

type WalletService struct {
	wallets   *repo.Repository[*Wallet]
	walletTxs *repo.Repository[*WalletTransaction]
	transfers *repo.Repository[*Transfer]
	ledger    *LedgerService
	sagas     *saga.Orchestrator
	tracker   *opstate.Tracker
	broker    bus.Bus
	clk       clock.Clock
	metrics   *Metrics
}

func NewWalletService(
	wallets *repo.Repository[*Wallet],
	walletTxs *repo.Repository[*WalletTransaction],
	transfers *repo.Repository[*Transfer],
	ledger *LedgerService,
	sagas *saga.Orchestrator,
	tracker *opstate.Tracker,
	broker bus.Bus,
	clk clock.Clock,
	m *Metrics,
) *WalletService {
	return &WalletService{
		wallets:   wallets,
		walletTxs: walletTxs,
		transfers: transfers,
		ledger:    ledger,
		sagas:     sagas,
		tracker:   tracker,
		broker:    broker,
		clk:       clk,
		metrics:   m,
	}
}

// CreateWallet is idempotent by (owner, currency, category).
func (s *WalletService) CreateWallet(ctx context.Context, ownerID, tenantID, currency, category string) (*Wallet, error) {
	if ownerID == "" || currency == "" {
		return nil, errs.E(errs.InvalidInput, "owner and currency are required")
	}
	if category == "" {
		category = "main"
	}
	w := &Wallet{
		OwnerID:  ownerID,
		TenantID: tenantID,
		Currency: currency,
		Category: category,
		Status:   WalletStatusActive,
	}
	err := s.wallets.Create(ctx, w)
	if err == nil {
		return w, nil
	}
	if !errs.Is(err, errs.Conflict) {
		return nil, err
	}
	return s.wallets.FindOne(ctx, repo.Filter{
		"ownerId": ownerID, "currency": currency, "category": category,
	})
}

func (s *WalletService) Wallet(ctx context.Context, id string) (*Wallet, error) {
	return s.wallets.FindByID(ctx, id)
}

func (s *WalletService) WalletByOwner(ctx context.Context, ownerID, currency, category string) (*Wallet, error) {
	if category == "" {
		category = "main"
	}
	return s.wallets.FindOne(ctx, repo.Filter{
		"ownerId": ownerID, "currency": currency, "category": category,
	})
}

// account resolves (and lazily creates) the ledger account behind one of
// the wallet's balance types.
func (s *WalletService) account(ctx context.Context, w *Wallet, balanceType string) (LedgerAccount, error) {
	switch balanceType {
	case BalanceReal, BalanceBonus, BalanceLocked:
	default:
		return LedgerAccount{}, errs.E(errs.InvalidInput, "unknown balance type", "balanceType", balanceType)
	}
	return s.ledger.GetOrCreateAccount(ctx, w.ID, balanceType, w.Currency, false)
}

func (s *WalletService) systemAccount(ctx context.Context, currency string) (LedgerAccount, error) {
	return s.ledger.GetOrCreateAccount(ctx, "system", "external", currency, true)
}

func (s *WalletService) feeAccount(ctx context.Context, currency string) (LedgerAccount, error) {
	return s.ledger.GetOrCreateAccount(ctx, "system", "fee", currency, false)
}

// Balances reads all three balance types from the ledger. Accounts not yet
// posted against read as zero.
func (s *WalletService) Balances(ctx context.Context, walletID string) (WalletBalances, error) {
	w, err := s.wallets.FindByID(ctx, walletID)
	if err != nil {
		return WalletBalances{}, err
	}
	var b WalletBalances
	for _, bt := range []struct {
		name string
		dst  *int64
	}{{BalanceReal, &b.Real}, {BalanceBonus, &b.Bonus}, {BalanceLocked, &b.Locked}} {
		bal, err := s.ledger.BalanceByOwner(ctx, w.ID, bt.name, w.Currency)
		if err != nil {
			if errs.Is(err, errs.NotFound) {
				continue
			}
			return WalletBalances{}, err
		}
		*bt.dst = bal
	}
	return b, nil
}

type WalletTransactionRequest struct {
	WalletID    string
	UserID      string
	Type        string
	BalanceType string
	Amount      int64
	Description string
	ExternalRef string
}

// CreateWalletTransaction applies one signed movement against a wallet
// balance, counterpartied by the system external account. Balance before
// and after come from the committed post, never from a separate read.
func (s *WalletService) CreateWalletTransaction(ctx context.Context, req WalletTransactionRequest) (*WalletTransaction, error) {
	credit := creditTypes[req.Type]
	if !credit && !debitTypes[req.Type] {
		return nil, errs.E(errs.InvalidInput, "unknown transaction type", "type", req.Type)
	}
	if req.Amount <= 0 {
		return nil, errs.E(errs.InvalidInput, "amount must be a positive integer", "amount", req.Amount)
	}
	if req.BalanceType == "" {
		req.BalanceType = BalanceReal
	}

	w, err := s.wallets.FindByID(ctx, req.WalletID)
	if err != nil {
		return nil, err
	}
	if w.Status != WalletStatusActive {
		return nil, errs.E(errs.Forbidden, "wallet is not active", "walletId", w.ID, "status", w.Status)
	}

	acct, err := s.account(ctx, w, req.BalanceType)
	if err != nil {
		return nil, err
	}
	system, err := s.systemAccount(ctx, w.Currency)
	if err != nil {
		return nil, err
	}

	opID := uuid.NewString()
	_, _ = s.tracker.SetState(ctx, "wallet_transaction", opID, opstate.StatusInProgress, []string{"post", "record"})

	post := PostRequest{
		FromAccountID: system.ID,
		ToAccountID:   acct.ID,
		Amount:        req.Amount,
		Currency:      w.Currency,
		Type:          req.Type,
		ExternalRef:   req.ExternalRef,
	}
	if !credit {
		post.FromAccountID, post.ToAccountID = acct.ID, system.ID
	}

	res, err := s.ledger.Post(ctx, post)
	if err != nil {
		_ = s.tracker.MarkFailed(ctx, "wallet_transaction", opID, err.Error())
		return nil, err
	}
	if res.Duplicate {
		_ = s.tracker.MarkCompleted(ctx, "wallet_transaction", opID)
		prior, err := s.walletTxs.FindOne(ctx, repo.Filter{"ledgerTransactionId": res.Transaction.ID})
		if err == nil {
			return prior, nil
		}
		if !errs.Is(err, errs.NotFound) {
			return nil, err
		}
		// The post committed earlier but the record write was lost; fall
		// through and write it from the replayed result.
	}

	before, after := res.ToBalanceBefore, res.ToBalanceAfter
	if !credit {
		before, after = res.FromBalanceBefore, res.FromBalanceAfter
	}
	tx := &WalletTransaction{
		WalletID:            w.ID,
		UserID:              req.UserID,
		Type:                req.Type,
		BalanceType:         req.BalanceType,
		Amount:              req.Amount,
		Currency:            w.Currency,
		Status:              TransferStatusApproved,
		BalanceBefore:       before,
		BalanceAfter:        after,
		Description:         req.Description,
		ExternalRef:         req.ExternalRef,
		LedgerTransactionID: res.Transaction.ID,
	}
	if err := s.walletTxs.Create(ctx, tx); err != nil {
		_ = s.tracker.MarkFailed(ctx, "wallet_transaction", opID, err.Error())
		return nil, err
	}

	switch req.Type {
	case "deposit":
		w.TotalDeposited += req.Amount
		_ = s.wallets.Update(ctx, w)
	case "withdrawal":
		w.TotalWithdrawn += req.Amount
		_ = s.wallets.Update(ctx, w)
	}

	_ = s.tracker.MarkCompleted(ctx, "wallet_transaction", opID)
	s.publishPayment(ctx, "payment."+req.Type, req.UserID, w.TenantID, map[string]any{
		"walletId":    w.ID,
		"transaction": tx.ID,
		"amount":      req.Amount,
		"currency":    w.Currency,
		"balanceType": req.BalanceType,
	})
	return tx, nil
}

type TransferRequest struct {
	FromUserID      string
	ToUserID        string
	TenantID        string
	Amount          int64
	FeeAmount       int64
	Currency        string
	FromBalanceType string
	ToBalanceType   string
	Method          string
	ExternalRef     string
}

// CreateTransfer moves funds between two users' wallets as a saga of up to
// three ledger legs (debit source, credit destination, credit fee). Any
// leg's failure compensates the earlier legs and records the transfer as
// failed.
func (s *WalletService) CreateTransfer(ctx context.Context, req TransferRequest) (*Transfer, error) {
	if req.FromUserID == "" || req.ToUserID == "" {
		return nil, errs.E(errs.InvalidInput, "both user ids are required")
	}
	if req.FromUserID == req.ToUserID {
		return nil, errs.E(errs.InvalidInput, "cannot transfer to yourself")
	}
	if req.Amount <= 0 {
		return nil, errs.E(errs.InvalidInput, "amount must be a positive integer", "amount", req.Amount)
	}
	if req.FeeAmount < 0 {
		return nil, errs.E(errs.InvalidInput, "fee must not be negative", "fee", req.FeeAmount)
	}
	if req.FromBalanceType == "" {
		req.FromBalanceType = BalanceReal
	}
	if req.ToBalanceType == "" {
		req.ToBalanceType = BalanceReal
	}

	fromWallet, err := s.WalletByOwner(ctx, req.FromUserID, req.Currency, "main")
	if err != nil {
		return nil, err
	}
	toWallet, err := s.WalletByOwner(ctx, req.ToUserID, req.Currency, "main")
	if err != nil {
		return nil, err
	}
	for _, w := range []*Wallet{fromWallet, toWallet} {
		if w.Status != WalletStatusActive {
			return nil, errs.E(errs.Forbidden, "wallet is not active", "walletId", w.ID, "status", w.Status)
		}
	}

	fromAcct, err := s.account(ctx, fromWallet, req.FromBalanceType)
	if err != nil {
		return nil, err
	}
	toAcct, err := s.account(ctx, toWallet, req.ToBalanceType)
	if err != nil {
		return nil, err
	}
	system, err := s.systemAccount(ctx, req.Currency)
	if err != nil {
		return nil, err
	}

	tr := &Transfer{
		FromUserID:      req.FromUserID,
		ToUserID:        req.ToUserID,
		TenantID:        req.TenantID,
		Amount:          req.Amount,
		FeeAmount:       req.FeeAmount,
		Currency:        req.Currency,
		Status:          TransferStatusPending,
		FromBalanceType: req.FromBalanceType,
		ToBalanceType:   req.ToBalanceType,
		Method:          req.Method,
		ExternalRef:     req.ExternalRef,
	}
	if err := s.transfers.Create(ctx, tr); err != nil {
		return nil, err
	}

	steps := s.transferSteps(tr, fromAcct, toAcct, system)
	stepNames := make([]string, len(steps))
	for i, st := range steps {
		stepNames[i] = st.Name
	}
	_, _ = s.tracker.SetState(ctx, opTypeTransfer, tr.ID, opstate.StatusInProgress, stepNames)

	result, err := s.sagas.Execute(ctx, tr.ID, steps, map[string]any{"transferId": tr.ID})
	if err != nil {
		_ = s.tracker.MarkFailed(ctx, opTypeTransfer, tr.ID, err.Error())
		tr.Status = TransferStatusFailed
		tr.FailureReason = err.Error()
		_ = s.transfers.Update(ctx, tr)
		s.metrics.transfer(TransferStatusFailed)
		return tr, err
	}

	if !result.Success {
		// Compensation already unwound the committed legs, so none are
		// attributed to the failed transfer.
		if !result.Compensated {
			tr.LedgerTransactionIDs = ledgerIDsFromRun(result.Values)
		}
		tr.Status = TransferStatusFailed
		tr.FailureReason = strings.Join(result.Errors, "; ")
		if err := s.transfers.Update(ctx, tr); err != nil {
			return nil, err
		}
		_ = s.tracker.MarkFailed(ctx, opTypeTransfer, tr.ID, tr.FailureReason)
		s.metrics.transfer(TransferStatusFailed)
		return tr, nil
	}

	tr.Status = TransferStatusApproved
	if err := s.transfers.Update(ctx, tr); err != nil {
		return nil, err
	}
	_ = s.tracker.MarkCompleted(ctx, opTypeTransfer, tr.ID)
	s.metrics.transfer(TransferStatusApproved)
	s.publishPayment(ctx, "payment.transfer_completed", req.FromUserID, req.TenantID, map[string]any{
		"transferId": tr.ID,
		"toUserId":   req.ToUserID,
		"amount":     req.Amount,
		"fee":        req.FeeAmount,
		"currency":   req.Currency,
	})
	return tr, nil
}

func (s *WalletService) transferSteps(tr *Transfer, fromAcct, toAcct, system LedgerAccount) []saga.Step {
	total := tr.Amount + tr.FeeAmount
	steps := []saga.Step{
		{
			Name:     "debit_source",
			Critical: true,
			Execute: func(ctx context.Context, run *saga.Run) error {
				res, err := s.ledger.Post(ctx, PostRequest{
					FromAccountID: fromAcct.ID,
					ToAccountID:   system.ID,
					Amount:        total,
					Currency:      tr.Currency,
					Type:          "transfer_out",
					ExternalRef:   transferRef(tr, "out"),
				})
				if err != nil {
					return err
				}
				run.Set("ledger:debit_source", res.Transaction.ID)
				_ = s.tracker.UpdateHeartbeat(ctx, opTypeTransfer, tr.ID, "debit_source")
				return nil
			},
			Compensate: func(ctx context.Context, run *saga.Run) error {
				_, err := s.ledger.Post(ctx, PostRequest{
					FromAccountID: system.ID,
					ToAccountID:   fromAcct.ID,
					Amount:        total,
					Currency:      tr.Currency,
					Type:          "transfer_reversal",
					ExternalRef:   transferRef(tr, "out_reversal"),
					AllowOverdraw: true,
				})
				return err
			},
		},
		{
			Name:     "credit_destination",
			Critical: true,
			Execute: func(ctx context.Context, run *saga.Run) error {
				res, err := s.ledger.Post(ctx, PostRequest{
					FromAccountID: system.ID,
					ToAccountID:   toAcct.ID,
					Amount:        tr.Amount,
					Currency:      tr.Currency,
					Type:          "transfer_in",
					ExternalRef:   transferRef(tr, "in"),
				})
				if err != nil {
					return err
				}
				run.Set("ledger:credit_destination", res.Transaction.ID)
				_ = s.tracker.UpdateHeartbeat(ctx, opTypeTransfer, tr.ID, "credit_destination")
				return nil
			},
			Compensate: func(ctx context.Context, run *saga.Run) error {
				_, err := s.ledger.Post(ctx, PostRequest{
					FromAccountID: toAcct.ID,
					ToAccountID:   system.ID,
					Amount:        tr.Amount,
					Currency:      tr.Currency,
					Type:          "transfer_reversal",
					ExternalRef:   transferRef(tr, "in_reversal"),
					AllowOverdraw: true,
				})
				return err
			},
		},
	}
	if tr.FeeAmount > 0 {
		steps = append(steps, saga.Step{
			Name:     "credit_fee",
			Critical: true,
			Execute: func(ctx context.Context, run *saga.Run) error {
				fee, err := s.feeAccount(ctx, tr.Currency)
				if err != nil {
					return err
				}
				res, err := s.ledger.Post(ctx, PostRequest{
					FromAccountID: system.ID,
					ToAccountID:   fee.ID,
					Amount:        tr.FeeAmount,
					Currency:      tr.Currency,
					Type:          "transfer_fee",
					ExternalRef:   transferRef(tr, "fee"),
				})
				if err != nil {
					return err
				}
				run.Set("ledger:credit_fee", res.Transaction.ID)
				_ = s.tracker.UpdateHeartbeat(ctx, opTypeTransfer, tr.ID, "credit_fee")
				return nil
			},
			Compensate: func(ctx context.Context, run *saga.Run) error {
				fee, err := s.feeAccount(ctx, tr.Currency)
				if err != nil {
					return err
				}
				_, err = s.ledger.Post(ctx, PostRequest{
					FromAccountID: fee.ID,
					ToAccountID:   system.ID,
					Amount:        tr.FeeAmount,
					Currency:      tr.Currency,
					Type:          "transfer_reversal",
					ExternalRef:   transferRef(tr, "fee_reversal"),
					AllowOverdraw: true,
				})
				return err
			},
		})
	}
	return steps
}

func transferRef(tr *Transfer, leg string) string {
	return "transfer:" + tr.ID + ":" + leg
}

func ledgerIDsFromRun(values map[string]any) []string {
	var out []string
	for _, key := range []string{"ledger:debit_source", "ledger:credit_destination", "ledger:credit_fee"} {
		if id, ok := values[key].(string); ok && id != "" {
			out = append(out, id)
		}
	}
	return out
}

func (s *WalletService) Transfer(ctx context.Context, id string) (*Transfer, error) {
	return s.transfers.FindByID(ctx, id)
}

// SetWalletStatus enforces the monotone active -> suspended -> closed
// lifecycle.
func (s *WalletService) SetWalletStatus(ctx context.Context, walletID, status string) (*Wallet, error) {
	rank := map[string]int{WalletStatusActive: 0, WalletStatusSuspended: 1, WalletStatusClosed: 2}
	next, ok := rank[status]
	if !ok {
		return nil, errs.E(errs.InvalidInput, "unknown wallet status", "status", status)
	}
	w, err := s.wallets.FindByID(ctx, walletID)
	if err != nil {
		return nil, err
	}
	if next < rank[w.Status] {
		return nil, errs.E(errs.Conflict, "wallet status cannot move backwards",
			"current", w.Status, "requested", status)
	}
	w.Status = status
	if err := s.wallets.Update(ctx, w); err != nil {
		return nil, err
	}
	return w, nil
}

func (s *WalletService) WalletTransactions(ctx context.Context, walletID, cursor string, limit int) (repo.Page[*WalletTransaction], error) {
	return s.walletTxs.Paginate(ctx, repo.Query{
		Filter: repo.Filter{"walletId": walletID},
		Sort:   "-createdAt",
	}, cursor, limit)
}

// ConvertBonus moves released bonus funds into the real balance. The amount
// is clamped to what the bonus account still holds, so a bonus partially
// consumed by wagers converts only its remainder. Returns the amount moved.
func (s *WalletService) ConvertBonus(ctx context.Context, ownerID, currency string, amount int64, ref string) (int64, error) {
	w, err := s.WalletByOwner(ctx, ownerID, currency, "main")
	if err != nil {
		return 0, err
	}
	bonusAcct, err := s.account(ctx, w, BalanceBonus)
	if err != nil {
		return 0, err
	}
	realAcct, err := s.account(ctx, w, BalanceReal)
	if err != nil {
		return 0, err
	}
	if held := bonusAcct.Balance; amount > held {
		amount = held
	}
	if amount <= 0 {
		return 0, nil
	}
	res, err := s.ledger.Post(ctx, PostRequest{
		FromAccountID: bonusAcct.ID,
		ToAccountID:   realAcct.ID,
		Amount:        amount,
		Currency:      currency,
		Type:          "bonus_conversion",
		ExternalRef:   ref,
	})
	if err != nil {
		return 0, err
	}
	if res.Duplicate {
		return res.Transaction.Amount, nil
	}
	return amount, nil
}

// ReclaimBonus returns remaining bonus funds to the system pool when a
// bonus expires or is forfeited. Clamped like ConvertBonus.
func (s *WalletService) ReclaimBonus(ctx context.Context, ownerID, currency string, amount int64, ref string) (int64, error) {
	w, err := s.WalletByOwner(ctx, ownerID, currency, "main")
	if err != nil {
		return 0, err
	}
	bonusAcct, err := s.account(ctx, w, BalanceBonus)
	if err != nil {
		return 0, err
	}
	system, err := s.systemAccount(ctx, currency)
	if err != nil {
		return 0, err
	}
	if held := bonusAcct.Balance; amount > held {
		amount = held
	}
	if amount <= 0 {
		return 0, nil
	}
	res, err := s.ledger.Post(ctx, PostRequest{
		FromAccountID: bonusAcct.ID,
		ToAccountID:   system.ID,
		Amount:        amount,
		Currency:      currency,
		Type:          "bonus_reclaim",
		ExternalRef:   ref,
	})
	if err != nil {
		return 0, err
	}
	if res.Duplicate {
		return res.Transaction.Amount, nil
	}
	return amount, nil
}

func (s *WalletService) publishPayment(ctx context.Context, eventType, userID, tenantID string, data map[string]any) {
	if s.broker == nil {
		return
	}
	_ = s.broker.Publish(ctx, bus.ChannelPayment, bus.Envelope{
		EventType: eventType,
		UserID:    userID,
		TenantID:  tenantID,
		Data:      data,
		Timestamp: s.clk.Now().UTC(),
	})
}
