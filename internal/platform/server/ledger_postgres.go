package server

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/fairlinestudio/open-pay-go/internal/platform/errs"
)

// postgresLedger persists the ledger in three tables:
//
//	CREATE TABLE ledger_accounts (
//	    id             TEXT PRIMARY KEY,
//	    owner_id       TEXT NOT NULL,
//	    subtype        TEXT NOT NULL,
//	    currency       TEXT NOT NULL,
//	    allow_negative BOOLEAN NOT NULL DEFAULT FALSE,
//	    balance        BIGINT NOT NULL DEFAULT 0,
//	    created_at     TIMESTAMPTZ NOT NULL,
//	    UNIQUE (owner_id, subtype, currency)
//	);
//
//	CREATE TABLE ledger_transactions (
//	    id              TEXT PRIMARY KEY,
//	    from_account_id TEXT NOT NULL REFERENCES ledger_accounts(id),
//	    to_account_id   TEXT NOT NULL REFERENCES ledger_accounts(id),
//	    amount          BIGINT NOT NULL CHECK (amount > 0),
//	    currency        TEXT NOT NULL,
//	    type            TEXT NOT NULL,
//	    external_ref    TEXT NOT NULL DEFAULT '',
//	    created_at      TIMESTAMPTZ NOT NULL
//	);
//	CREATE UNIQUE INDEX ledger_transactions_ref
//	    ON ledger_transactions (from_account_id, to_account_id, type, external_ref)
//	    WHERE external_ref <> '';
//
//	CREATE TABLE ledger_postings (
//	    id             TEXT PRIMARY KEY,
//	    transaction_id TEXT NOT NULL REFERENCES ledger_transactions(id),
//	    account_id     TEXT NOT NULL REFERENCES ledger_accounts(id),
//	    direction      TEXT NOT NULL CHECK (direction IN ('debit', 'credit')),
//	    amount         BIGINT NOT NULL CHECK (amount > 0),
//	    currency       TEXT NOT NULL,
//	    created_at     TIMESTAMPTZ NOT NULL
//	);
type postgresLedger struct {
	db *sql.DB
}

func newPostgresLedger(db *sql.DB) *postgresLedger {
	return &postgresLedger{db: db}
}

// pgErrKind maps postgres failures onto retriable and terminal kinds.
// 40001 is serialization_failure, 40P01 is deadlock_detected.
func pgErrKind(err error) errs.Kind {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01":
			return errs.TransientConflict
		case "23505":
			return errs.Conflict
		}
	}
	return errs.DependencyUnavailable
}

func (p *postgresLedger) createAccount(ctx context.Context, acct LedgerAccount) (LedgerAccount, error) {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO ledger_accounts (id, owner_id, subtype, currency, allow_negative, balance, created_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6)
		ON CONFLICT (owner_id, subtype, currency) DO NOTHING`,
		acct.ID, acct.OwnerID, acct.Subtype, acct.Currency, acct.AllowNegative, acct.CreatedAt)
	if err != nil {
		return LedgerAccount{}, errs.Wrap(pgErrKind(err), "account insert failed", err, "ownerId", acct.OwnerID)
	}
	created, found, err := p.findAccountByOwner(ctx, acct.OwnerID, acct.Subtype, acct.Currency)
	if err != nil {
		return LedgerAccount{}, err
	}
	if !found {
		return LedgerAccount{}, errs.E(errs.DependencyUnavailable, "account vanished after insert", "ownerId", acct.OwnerID)
	}
	return created, nil
}

func (p *postgresLedger) findAccount(ctx context.Context, id string) (LedgerAccount, bool, error) {
	return p.scanAccount(p.db.QueryRowContext(ctx, `
		SELECT id, owner_id, subtype, currency, allow_negative, balance, created_at
		FROM ledger_accounts WHERE id = $1`, id))
}

func (p *postgresLedger) findAccountByOwner(ctx context.Context, ownerID, subtype, currency string) (LedgerAccount, bool, error) {
	return p.scanAccount(p.db.QueryRowContext(ctx, `
		SELECT id, owner_id, subtype, currency, allow_negative, balance, created_at
		FROM ledger_accounts WHERE owner_id = $1 AND subtype = $2 AND currency = $3`,
		ownerID, subtype, currency))
}

func (p *postgresLedger) scanAccount(row *sql.Row) (LedgerAccount, bool, error) {
	var acct LedgerAccount
	err := row.Scan(&acct.ID, &acct.OwnerID, &acct.Subtype, &acct.Currency,
		&acct.AllowNegative, &acct.Balance, &acct.CreatedAt)
	if err == sql.ErrNoRows {
		return LedgerAccount{}, false, nil
	}
	if err != nil {
		return LedgerAccount{}, false, errs.Wrap(pgErrKind(err), "account query failed", err)
	}
	return acct, true, nil
}

func (p *postgresLedger) post(ctx context.Context, tx LedgerTransaction, postingIDs [2]string, allowOverdraw bool) (PostResult, error) {
	dbTx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return PostResult{}, errs.Wrap(errs.DependencyUnavailable, "begin transaction failed", err)
	}
	defer dbTx.Rollback()

	if tx.ExternalRef != "" {
		if prev, found, err := p.replay(ctx, dbTx, tx); err != nil {
			return PostResult{}, err
		} else if found {
			return prev, nil
		}
	}

	// Lock both accounts in id order so concurrent posts never deadlock.
	first, second := tx.FromAccountID, tx.ToAccountID
	if second < first {
		first, second = second, first
	}
	locked := map[string]LedgerAccount{}
	for _, id := range []string{first, second} {
		var acct LedgerAccount
		err := dbTx.QueryRowContext(ctx, `
			SELECT id, currency, allow_negative, balance
			FROM ledger_accounts WHERE id = $1 FOR UPDATE`, id).
			Scan(&acct.ID, &acct.Currency, &acct.AllowNegative, &acct.Balance)
		if err == sql.ErrNoRows {
			return PostResult{}, errs.E(errs.NotFound, "account not found", "accountId", id)
		}
		if err != nil {
			return PostResult{}, errs.Wrap(pgErrKind(err), "account lock failed", err, "accountId", id)
		}
		locked[id] = acct
	}
	from, to := locked[tx.FromAccountID], locked[tx.ToAccountID]

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
		FromBalanceAfter:  from.Balance - tx.Amount,
		ToBalanceAfter:    to.Balance + tx.Amount,
	}

	_, err = dbTx.ExecContext(ctx, `
		INSERT INTO ledger_transactions (id, from_account_id, to_account_id, amount, currency, type, external_ref, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		tx.ID, tx.FromAccountID, tx.ToAccountID, tx.Amount, tx.Currency, tx.Type, tx.ExternalRef, tx.CreatedAt)
	if err != nil {
		// A racing duplicate hit the partial unique index; replay it.
		if pgErrKind(err) == errs.Conflict && tx.ExternalRef != "" {
			return PostResult{}, errs.Wrap(errs.TransientConflict, "duplicate reference raced", err, "externalRef", tx.ExternalRef)
		}
		return PostResult{}, errs.Wrap(pgErrKind(err), "transaction insert failed", err)
	}

	postings := []LedgerPosting{
		{ID: postingIDs[0], TransactionID: tx.ID, AccountID: tx.FromAccountID, Direction: DirectionDebit, Amount: tx.Amount, Currency: tx.Currency, CreatedAt: tx.CreatedAt},
		{ID: postingIDs[1], TransactionID: tx.ID, AccountID: tx.ToAccountID, Direction: DirectionCredit, Amount: tx.Amount, Currency: tx.Currency, CreatedAt: tx.CreatedAt},
	}
	for _, po := range postings {
		_, err = dbTx.ExecContext(ctx, `
			INSERT INTO ledger_postings (id, transaction_id, account_id, direction, amount, currency, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			po.ID, po.TransactionID, po.AccountID, po.Direction, po.Amount, po.Currency, po.CreatedAt)
		if err != nil {
			return PostResult{}, errs.Wrap(pgErrKind(err), "posting insert failed", err)
		}
	}
	res.Postings = postings

	_, err = dbTx.ExecContext(ctx,
		`UPDATE ledger_accounts SET balance = balance - $1 WHERE id = $2`, tx.Amount, tx.FromAccountID)
	if err != nil {
		return PostResult{}, errs.Wrap(pgErrKind(err), "debit balance update failed", err)
	}
	_, err = dbTx.ExecContext(ctx,
		`UPDATE ledger_accounts SET balance = balance + $1 WHERE id = $2`, tx.Amount, tx.ToAccountID)
	if err != nil {
		return PostResult{}, errs.Wrap(pgErrKind(err), "credit balance update failed", err)
	}

	if err := dbTx.Commit(); err != nil {
		return PostResult{}, errs.Wrap(pgErrKind(err), "commit failed", err)
	}
	return res, nil
}

// replay reconstructs the original commit for a duplicate external reference.
func (p *postgresLedger) replay(ctx context.Context, dbTx *sql.Tx, tx LedgerTransaction) (PostResult, bool, error) {
	var prev LedgerTransaction
	err := dbTx.QueryRowContext(ctx, `
		SELECT id, from_account_id, to_account_id, amount, currency, type, external_ref, created_at
		FROM ledger_transactions
		WHERE from_account_id = $1 AND to_account_id = $2 AND type = $3 AND external_ref = $4`,
		tx.FromAccountID, tx.ToAccountID, tx.Type, tx.ExternalRef).
		Scan(&prev.ID, &prev.FromAccountID, &prev.ToAccountID, &prev.Amount,
			&prev.Currency, &prev.Type, &prev.ExternalRef, &prev.CreatedAt)
	if err == sql.ErrNoRows {
		return PostResult{}, false, nil
	}
	if err != nil {
		return PostResult{}, false, errs.Wrap(pgErrKind(err), "duplicate lookup failed", err)
	}
	postings, err := p.postingsInTx(ctx, dbTx, prev.ID)
	if err != nil {
		return PostResult{}, false, err
	}
	return PostResult{Transaction: prev, Postings: postings, Duplicate: true}, true, nil
}

func (p *postgresLedger) findTransaction(ctx context.Context, id string) (LedgerTransaction, bool, error) {
	var tx LedgerTransaction
	err := p.db.QueryRowContext(ctx, `
		SELECT id, from_account_id, to_account_id, amount, currency, type, external_ref, created_at
		FROM ledger_transactions WHERE id = $1`, id).
		Scan(&tx.ID, &tx.FromAccountID, &tx.ToAccountID, &tx.Amount,
			&tx.Currency, &tx.Type, &tx.ExternalRef, &tx.CreatedAt)
	if err == sql.ErrNoRows {
		return LedgerTransaction{}, false, nil
	}
	if err != nil {
		return LedgerTransaction{}, false, errs.Wrap(pgErrKind(err), "transaction query failed", err)
	}
	return tx, true, nil
}

func (p *postgresLedger) postingsByTransaction(ctx context.Context, txID string) ([]LedgerPosting, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, transaction_id, account_id, direction, amount, currency, created_at
		FROM ledger_postings WHERE transaction_id = $1 ORDER BY direction`, txID)
	if err != nil {
		return nil, errs.Wrap(pgErrKind(err), "postings query failed", err)
	}
	defer rows.Close()
	return scanPostings(rows)
}

func (p *postgresLedger) postingsInTx(ctx context.Context, dbTx *sql.Tx, txID string) ([]LedgerPosting, error) {
	rows, err := dbTx.QueryContext(ctx, `
		SELECT id, transaction_id, account_id, direction, amount, currency, created_at
		FROM ledger_postings WHERE transaction_id = $1 ORDER BY direction`, txID)
	if err != nil {
		return nil, errs.Wrap(pgErrKind(err), "postings query failed", err)
	}
	defer rows.Close()
	return scanPostings(rows)
}

func scanPostings(rows *sql.Rows) ([]LedgerPosting, error) {
	out := make([]LedgerPosting, 0, 2)
	for rows.Next() {
		var po LedgerPosting
		if err := rows.Scan(&po.ID, &po.TransactionID, &po.AccountID,
			&po.Direction, &po.Amount, &po.Currency, &po.CreatedAt); err != nil {
			return nil, errs.Wrap(errs.DependencyUnavailable, "posting scan failed", err)
		}
		out = append(out, po)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap(pgErrKind(err), "postings iteration failed", err)
	}
	return out, nil
}

func (p *postgresLedger) transactionsByExternalRef(ctx context.Context, externalRef string) ([]LedgerTransaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, from_account_id, to_account_id, amount, currency, type, external_ref, created_at
		FROM ledger_transactions WHERE external_ref = $1 ORDER BY created_at`, externalRef)
	if err != nil {
		return nil, errs.Wrap(pgErrKind(err), "transaction query failed", err)
	}
	defer rows.Close()
	out := make([]LedgerTransaction, 0, 2)
	for rows.Next() {
		var tx LedgerTransaction
		if err := rows.Scan(&tx.ID, &tx.FromAccountID, &tx.ToAccountID, &tx.Amount,
			&tx.Currency, &tx.Type, &tx.ExternalRef, &tx.CreatedAt); err != nil {
			return nil, errs.Wrap(errs.DependencyUnavailable, "transaction scan failed", err)
		}
		out = append(out, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap(pgErrKind(err), "transaction iteration failed", err)
	}
	return out, nil
}
