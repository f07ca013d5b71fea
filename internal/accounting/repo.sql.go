package accounting

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-rental/internal/platform/db"
	"github.com/odyssey-erp/odyssey-rental/internal/shared"
)

// TxRepository exposes transactional operations.
type TxRepository interface {
	InsertAccount(ctx context.Context, account Account) (Account, error)
	GetAccount(ctx context.Context, id int64) (Account, error)
	AccountsByIDs(ctx context.Context, ids []int64) (map[int64]Account, error)
	AccountCodeExists(ctx context.Context, companyID int64, code string) (bool, error)
	CountActiveChildren(ctx context.Context, accountID int64) (int, error)
	CountAccountLines(ctx context.Context, accountID int64) (int, error)
	SetAccountActive(ctx context.Context, accountID int64, active bool, at time.Time) error
	ListAccounts(ctx context.Context, companyID int64) ([]Account, error)
	GetAccountMapping(ctx context.Context, companyID int64, module, key string) (AccountMapping, error)
	UpsertAccountMapping(ctx context.Context, mapping AccountMapping) error

	InsertTransaction(ctx context.Context, trx Transaction) (Transaction, error)
	ReplaceLines(ctx context.Context, transactionID int64, lines []LineInput) ([]TransactionLine, error)
	GetTransaction(ctx context.Context, id int64) (Transaction, error)
	GetTransactionForUpdate(ctx context.Context, id int64) (Transaction, error)
	MarkPosted(ctx context.Context, id int64, at time.Time, actorID int64) error
	MarkVoided(ctx context.Context, id int64, at time.Time, reason string, reversedBy *int64) error
	DeleteTransaction(ctx context.Context, id int64) error
	SumPostedLines(ctx context.Context, accountID int64, asOf *time.Time) (debit, credit decimal.Decimal, err error)
}

// Repository persists accounting entities.
type Repository struct {
	runner *db.Runner
}

// NewRepository constructs Repository.
func NewRepository(runner *db.Runner) *Repository {
	return &Repository{runner: runner}
}

type txRepository struct {
	tx pgx.Tx
}

// WithTx executes fn within the ambient serializable unit, starting one if needed.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil || r.runner == nil {
		return errors.New("accounting repository not initialised")
	}
	return r.runner.Run(ctx, func(ctx context.Context, tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

const accountColumns = `id, company_id, code, name, type, sub_type, parent_id, is_active, created_at, updated_at`

func scanAccount(row pgx.Row) (Account, error) {
	var a Account
	err := row.Scan(&a.ID, &a.CompanyID, &a.Code, &a.Name, &a.Type, &a.SubType, &a.ParentID, &a.IsActive, &a.CreatedAt, &a.UpdatedAt)
	return a, err
}

func (r *txRepository) InsertAccount(ctx context.Context, account Account) (Account, error) {
	row := r.tx.QueryRow(ctx, `INSERT INTO accounts (company_id, code, name, type, sub_type, parent_id, is_active, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$8) RETURNING id`, account.CompanyID, account.Code, account.Name, account.Type, account.SubType, account.ParentID, account.IsActive, account.CreatedAt)
	if err := row.Scan(&account.ID); err != nil {
		if db.IsUniqueViolation(err, "uq_accounts_company_code") {
			return Account{}, ErrAccountCodeTaken
		}
		return Account{}, err
	}
	return account, nil
}

func (r *txRepository) GetAccount(ctx context.Context, id int64) (Account, error) {
	account, err := scanAccount(r.tx.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id=$1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, fmt.Errorf("account %d: %w", id, shared.ErrAccountNotFound)
		}
		return Account{}, err
	}
	return account, nil
}

func (r *txRepository) AccountsByIDs(ctx context.Context, ids []int64) (map[int64]Account, error) {
	rows, err := r.tx.Query(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ANY($1) FOR SHARE`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[int64]Account, len(ids))
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out[account.ID] = account
	}
	return out, rows.Err()
}

func (r *txRepository) AccountCodeExists(ctx context.Context, companyID int64, code string) (bool, error) {
	var exists bool
	err := r.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM accounts WHERE company_id=$1 AND code=$2)`, companyID, code).Scan(&exists)
	return exists, err
}

func (r *txRepository) CountActiveChildren(ctx context.Context, accountID int64) (int, error) {
	var n int
	err := r.tx.QueryRow(ctx, `SELECT COUNT(*) FROM accounts WHERE parent_id=$1 AND is_active`, accountID).Scan(&n)
	return n, err
}

func (r *txRepository) CountAccountLines(ctx context.Context, accountID int64) (int, error) {
	var n int
	err := r.tx.QueryRow(ctx, `SELECT COUNT(*) FROM transaction_lines WHERE account_id=$1`, accountID).Scan(&n)
	return n, err
}

func (r *txRepository) SetAccountActive(ctx context.Context, accountID int64, active bool, at time.Time) error {
	cmd, err := r.tx.Exec(ctx, `UPDATE accounts SET is_active=$2, updated_at=$3 WHERE id=$1`, accountID, active, at)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return fmt.Errorf("account %d: %w", accountID, shared.ErrAccountNotFound)
	}
	return nil
}

func (r *txRepository) ListAccounts(ctx context.Context, companyID int64) ([]Account, error) {
	rows, err := r.tx.Query(ctx, `SELECT `+accountColumns+` FROM accounts WHERE company_id=$1 ORDER BY code`, companyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var accounts []Account
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, account)
	}
	return accounts, rows.Err()
}

func (r *txRepository) GetAccountMapping(ctx context.Context, companyID int64, module, key string) (AccountMapping, error) {
	var mapping AccountMapping
	err := r.tx.QueryRow(ctx, `SELECT company_id, module, key, account_id, updated_at FROM account_mappings
WHERE company_id=$1 AND module=$2 AND key=$3`, companyID, module, key).
		Scan(&mapping.CompanyID, &mapping.Module, &mapping.Key, &mapping.AccountID, &mapping.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return AccountMapping{}, fmt.Errorf("%s/%s: %w", module, key, ErrMappingNotFound)
		}
		return AccountMapping{}, err
	}
	return mapping, nil
}

func (r *txRepository) UpsertAccountMapping(ctx context.Context, mapping AccountMapping) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO account_mappings (company_id, module, key, account_id, updated_at)
VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (company_id, module, key) DO UPDATE SET account_id=EXCLUDED.account_id, updated_at=EXCLUDED.updated_at`,
		mapping.CompanyID, mapping.Module, mapping.Key, mapping.AccountID, mapping.UpdatedAt)
	return err
}

func (r *txRepository) InsertTransaction(ctx context.Context, trx Transaction) (Transaction, error) {
	row := r.tx.QueryRow(ctx, `INSERT INTO transactions (company_id, type, status, number, date, description, reference, reversal_of_id, created_by, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$10) RETURNING id`,
		trx.CompanyID, trx.Type, trx.Status, trx.Number, trx.Date, trx.Description, trx.Reference, trx.ReversalOfID, nullInt(trx.CreatedBy), trx.CreatedAt)
	if err := row.Scan(&trx.ID); err != nil {
		if db.IsUniqueViolation(err, "uq_transactions_company_number") {
			return Transaction{}, fmt.Errorf("transaction number %s: %w", trx.Number, db.ErrRetryable)
		}
		return Transaction{}, err
	}
	return trx, nil
}

func (r *txRepository) ReplaceLines(ctx context.Context, transactionID int64, lines []LineInput) ([]TransactionLine, error) {
	if _, err := r.tx.Exec(ctx, `DELETE FROM transaction_lines WHERE transaction_id=$1`, transactionID); err != nil {
		return nil, err
	}
	out := make([]TransactionLine, 0, len(lines))
	for idx, line := range lines {
		stored := TransactionLine{
			TransactionID: transactionID,
			AccountID:     line.AccountID,
			Description:   line.Description,
			Debit:         line.Debit,
			Credit:        line.Credit,
			LineNumber:    idx + 1,
		}
		err := r.tx.QueryRow(ctx, `INSERT INTO transaction_lines (transaction_id, line_number, account_id, description, debit, credit)
VALUES ($1,$2,$3,$4,$5,$6) RETURNING id`, transactionID, stored.LineNumber, line.AccountID, line.Description, line.Debit, line.Credit).Scan(&stored.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, stored)
	}
	return out, nil
}

func (r *txRepository) GetTransaction(ctx context.Context, id int64) (Transaction, error) {
	return r.loadTransaction(ctx, id, "")
}

func (r *txRepository) GetTransactionForUpdate(ctx context.Context, id int64) (Transaction, error) {
	return r.loadTransaction(ctx, id, " FOR UPDATE")
}

func (r *txRepository) loadTransaction(ctx context.Context, id int64, lock string) (Transaction, error) {
	var trx Transaction
	err := r.tx.QueryRow(ctx, `SELECT id, company_id, type, status, number, date, description, reference, reversal_of_id, reversed_by_id,
posted_at, posted_by, voided_at, void_reason, COALESCE(created_by, 0), created_at, updated_at
FROM transactions WHERE id=$1`+lock, id).
		Scan(&trx.ID, &trx.CompanyID, &trx.Type, &trx.Status, &trx.Number, &trx.Date, &trx.Description, &trx.Reference, &trx.ReversalOfID, &trx.ReversedByID,
			&trx.PostedAt, &trx.PostedBy, &trx.VoidedAt, &trx.VoidReason, &trx.CreatedBy, &trx.CreatedAt, &trx.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transaction{}, fmt.Errorf("transaction %d: %w", id, ErrTransactionNotFound)
		}
		return Transaction{}, err
	}
	rows, err := r.tx.Query(ctx, `SELECT id, transaction_id, account_id, description, debit, credit, line_number
FROM transaction_lines WHERE transaction_id=$1 ORDER BY line_number`, id)
	if err != nil {
		return Transaction{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var line TransactionLine
		if err := rows.Scan(&line.ID, &line.TransactionID, &line.AccountID, &line.Description, &line.Debit, &line.Credit, &line.LineNumber); err != nil {
			return Transaction{}, err
		}
		trx.Lines = append(trx.Lines, line)
	}
	if err := rows.Err(); err != nil {
		return Transaction{}, err
	}
	return trx, nil
}

func (r *txRepository) MarkPosted(ctx context.Context, id int64, at time.Time, actorID int64) error {
	cmd, err := r.tx.Exec(ctx, `UPDATE transactions SET status='POSTED', posted_at=$2, posted_by=$3, updated_at=$2
WHERE id=$1 AND status='DRAFT'`, id, at, nullInt(actorID))
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return fmt.Errorf("transaction %d: %w", id, ErrTransactionNotFound)
	}
	return nil
}

func (r *txRepository) MarkVoided(ctx context.Context, id int64, at time.Time, reason string, reversedBy *int64) error {
	cmd, err := r.tx.Exec(ctx, `UPDATE transactions SET status='VOID', voided_at=$2, void_reason=$3, reversed_by_id=$4, updated_at=$2
WHERE id=$1 AND status IN ('DRAFT','POSTED')`, id, at, reason, reversedBy)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return fmt.Errorf("transaction %d: %w", id, ErrTransactionNotFound)
	}
	return nil
}

func (r *txRepository) DeleteTransaction(ctx context.Context, id int64) error {
	cmd, err := r.tx.Exec(ctx, `DELETE FROM transactions WHERE id=$1 AND status='DRAFT'`, id)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return fmt.Errorf("transaction %d: %w", id, ErrTransactionNotFound)
	}
	return nil
}

// SumPostedLines counts lines of every entry that reached the ledger, including entries later
// voided, since their reversal offsets them.
func (r *txRepository) SumPostedLines(ctx context.Context, accountID int64, asOf *time.Time) (decimal.Decimal, decimal.Decimal, error) {
	var debit, credit decimal.Decimal
	err := r.tx.QueryRow(ctx, `SELECT COALESCE(SUM(l.debit),0), COALESCE(SUM(l.credit),0)
FROM transaction_lines l JOIN transactions t ON t.id = l.transaction_id
WHERE l.account_id=$1 AND t.posted_at IS NOT NULL AND ($2::date IS NULL OR t.date <= $2::date)`, accountID, asOf).Scan(&debit, &credit)
	return debit, credit, err
}

func nullInt(val int64) any {
	if val == 0 {
		return nil
	}
	return val
}
