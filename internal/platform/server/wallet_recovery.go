package server

import (
	"context"

	"github.com/fairlinestudio/open-pay-go/internal/platform/errs"
	"github.com/fairlinestudio/open-pay-go/internal/platform/recovery"
)

// TransferRecoveryHandler restores ledger consistency for transfers left in
// a bad state: it reverses every committed leg in reverse order with a new
// reversal transfer as the audit anchor.
type TransferRecoveryHandler struct {
	wallet *WalletService
}

func NewTransferRecoveryHandler(wallet *WalletService) *TransferRecoveryHandler {
	return &TransferRecoveryHandler{wallet: wallet}
}

func (h *TransferRecoveryHandler) GetOperationType() string {
	return opTypeTransfer
}

func (h *TransferRecoveryHandler) FindOperation(ctx context.Context, id string) (*recovery.Operation, error) {
	tr, err := h.wallet.transfers.FindByID(ctx, id)
	if err != nil {
		if errs.Is(err, errs.NotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &recovery.Operation{
		ID:     tr.ID,
		Type:   opTypeTransfer,
		Status: tr.Status,
		Meta: map[string]any{
			"ledgerTransactionIds": tr.LedgerTransactionIDs,
		},
	}, nil
}

func (h *TransferRecoveryHandler) FindRelatedPostings(ctx context.Context, op *recovery.Operation) ([]string, error) {
	tr, err := h.wallet.transfers.FindByID(ctx, op.ID)
	if err != nil {
		return nil, err
	}
	var postings []string
	for _, txID := range tr.LedgerTransactionIDs {
		legs, err := h.wallet.ledger.Postings(ctx, txID)
		if err != nil {
			return nil, err
		}
		for _, leg := range legs {
			postings = append(postings, leg.ID)
		}
	}
	return postings, nil
}

func (h *TransferRecoveryHandler) NeedsRecovery(_ context.Context, op *recovery.Operation, postings []string) (bool, error) {
	return recovery.NeedsRecoveryDefault(op, postings), nil
}

// ReverseOperation posts the opposite of every committed leg, newest first,
// and records a reversal transfer pointing back at the original.
func (h *TransferRecoveryHandler) ReverseOperation(ctx context.Context, op *recovery.Operation) (string, error) {
	tr, err := h.wallet.transfers.FindByID(ctx, op.ID)
	if err != nil {
		return "", err
	}

	reversal := &Transfer{
		FromUserID:      tr.ToUserID,
		ToUserID:        tr.FromUserID,
		TenantID:        tr.TenantID,
		Amount:          tr.Amount,
		FeeAmount:       tr.FeeAmount,
		Currency:        tr.Currency,
		Status:          TransferStatusPending,
		FromBalanceType: tr.ToBalanceType,
		ToBalanceType:   tr.FromBalanceType,
		Method:          "recovery",
		ExternalRef:     "recovery:" + tr.ID,
	}
	if err := h.wallet.transfers.Create(ctx, reversal); err != nil {
		return "", err
	}

	for i := len(tr.LedgerTransactionIDs) - 1; i >= 0; i-- {
		orig, err := h.wallet.ledger.Transaction(ctx, tr.LedgerTransactionIDs[i])
		if err != nil {
			return "", err
		}
		res, err := h.wallet.ledger.Post(ctx, PostRequest{
			FromAccountID: orig.ToAccountID,
			ToAccountID:   orig.FromAccountID,
			Amount:        orig.Amount,
			Currency:      orig.Currency,
			Type:          orig.Type + "_reversal",
			ExternalRef:   "recovery:" + orig.ID,
			AllowOverdraw: true,
		})
		if err != nil {
			reversal.Status = TransferStatusFailed
			reversal.FailureReason = err.Error()
			_ = h.wallet.transfers.Update(ctx, reversal)
			return "", err
		}
		reversal.LedgerTransactionIDs = append(reversal.LedgerTransactionIDs, res.Transaction.ID)
	}

	reversal.Status = TransferStatusApproved
	if err := h.wallet.transfers.Update(ctx, reversal); err != nil {
		return "", err
	}
	h.wallet.metrics.recoveryRun(string(recovery.ActionReversed))
	return reversal.ID, nil
}

func (h *TransferRecoveryHandler) DeleteOperation(ctx context.Context, id string) error {
	err := h.wallet.transfers.Delete(ctx, id)
	if err == nil {
		h.wallet.metrics.recoveryRun(string(recovery.ActionDeleted))
	}
	return err
}

func (h *TransferRecoveryHandler) UpdateStatus(ctx context.Context, id, status string, meta map[string]any) error {
	tr, err := h.wallet.transfers.FindByID(ctx, id)
	if err != nil {
		return err
	}
	tr.Status = status
	if recID, ok := meta["recoveryOperationId"].(string); ok {
		tr.RecoveryOperationID = recID
	}
	return h.wallet.transfers.Update(ctx, tr)
}
