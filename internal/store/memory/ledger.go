package memory

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-rental/internal/accounting"
	"github.com/odyssey-erp/odyssey-rental/internal/platform/db"
	"github.com/odyssey-erp/odyssey-rental/internal/shared"
)

// LedgerRepository implements accounting.RepositoryPort.
type LedgerRepository struct {
	s *Store
}

// WithTx joins or opens a unit.
func (r *LedgerRepository) WithTx(ctx context.Context, fn func(context.Context, accounting.TxRepository) error) error {
	return r.s.Run(ctx, func(ctx context.Context) error {
		return fn(ctx, ledgerTx{st: r.s.st})
	})
}

type ledgerTx struct {
	st *state
}

func (t ledgerTx) InsertAccount(_ context.Context, account accounting.Account) (accounting.Account, error) {
	for _, existing := range t.st.accounts {
		if existing.CompanyID == account.CompanyID && existing.Code == account.Code {
			return accounting.Account{}, accounting.ErrAccountCodeTaken
		}
	}
	account.ID = t.st.id()
	account.UpdatedAt = account.CreatedAt
	t.st.accounts[account.ID] = account
	return account, nil
}

func (t ledgerTx) GetAccount(_ context.Context, id int64) (accounting.Account, error) {
	account, ok := t.st.accounts[id]
	if !ok {
		return accounting.Account{}, fmt.Errorf("account %d: %w", id, shared.ErrAccountNotFound)
	}
	return account, nil
}

func (t ledgerTx) AccountsByIDs(_ context.Context, ids []int64) (map[int64]accounting.Account, error) {
	out := make(map[int64]accounting.Account, len(ids))
	for _, id := range ids {
		if account, ok := t.st.accounts[id]; ok {
			out[id] = account
		}
	}
	return out, nil
}

func (t ledgerTx) AccountCodeExists(_ context.Context, companyID int64, code string) (bool, error) {
	for _, account := range t.st.accounts {
		if account.CompanyID == companyID && account.Code == code {
			return true, nil
		}
	}
	return false, nil
}

func (t ledgerTx) CountActiveChildren(_ context.Context, accountID int64) (int, error) {
	n := 0
	for _, account := range t.st.accounts {
		if account.ParentID != nil && *account.ParentID == accountID && account.IsActive {
			n++
		}
	}
	return n, nil
}

func (t ledgerTx) CountAccountLines(_ context.Context, accountID int64) (int, error) {
	n := 0
	for _, trx := range t.st.transactions {
		for _, line := range trx.Lines {
			if line.AccountID == accountID {
				n++
			}
		}
	}
	return n, nil
}

func (t ledgerTx) SetAccountActive(_ context.Context, accountID int64, active bool, at time.Time) error {
	account, ok := t.st.accounts[accountID]
	if !ok {
		return fmt.Errorf("account %d: %w", accountID, shared.ErrAccountNotFound)
	}
	account.IsActive = active
	account.UpdatedAt = at
	t.st.accounts[accountID] = account
	return nil
}

func (t ledgerTx) ListAccounts(_ context.Context, companyID int64) ([]accounting.Account, error) {
	var out []accounting.Account
	for _, account := range t.st.accounts {
		if account.CompanyID == companyID {
			out = append(out, account)
		}
	}
	slices.SortFunc(out, func(a, b accounting.Account) int { return strings.Compare(a.Code, b.Code) })
	return out, nil
}

func (t ledgerTx) GetAccountMapping(_ context.Context, companyID int64, module, key string) (accounting.AccountMapping, error) {
	mapping, ok := t.st.mappings[mappingKey{companyID, module, key}]
	if !ok {
		return accounting.AccountMapping{}, fmt.Errorf("%s/%s: %w", module, key, accounting.ErrMappingNotFound)
	}
	return mapping, nil
}

func (t ledgerTx) UpsertAccountMapping(_ context.Context, mapping accounting.AccountMapping) error {
	t.st.mappings[mappingKey{mapping.CompanyID, mapping.Module, mapping.Key}] = mapping
	return nil
}

func (t ledgerTx) InsertTransaction(_ context.Context, trx accounting.Transaction) (accounting.Transaction, error) {
	for _, existing := range t.st.transactions {
		if existing.CompanyID == trx.CompanyID && existing.Number == trx.Number {
			return accounting.Transaction{}, fmt.Errorf("transaction number %s: %w", trx.Number, db.ErrRetryable)
		}
	}
	trx.ID = t.st.id()
	trx.UpdatedAt = trx.CreatedAt
	trx.Lines = nil
	t.st.transactions[trx.ID] = trx
	return trx, nil
}

func (t ledgerTx) ReplaceLines(_ context.Context, transactionID int64, lines []accounting.LineInput) ([]accounting.TransactionLine, error) {
	trx, ok := t.st.transactions[transactionID]
	if !ok {
		return nil, fmt.Errorf("transaction %d: %w", transactionID, accounting.ErrTransactionNotFound)
	}
	out := make([]accounting.TransactionLine, 0, len(lines))
	for idx, line := range lines {
		out = append(out, accounting.TransactionLine{
			ID:            t.st.id(),
			TransactionID: transactionID,
			AccountID:     line.AccountID,
			Description:   line.Description,
			Debit:         line.Debit,
			Credit:        line.Credit,
			LineNumber:    idx + 1,
		})
	}
	trx.Lines = out
	t.st.transactions[transactionID] = trx
	return slices.Clone(out), nil
}

func (t ledgerTx) GetTransaction(_ context.Context, id int64) (accounting.Transaction, error) {
	return t.loadTransaction(id)
}

func (t ledgerTx) GetTransactionForUpdate(_ context.Context, id int64) (accounting.Transaction, error) {
	return t.loadTransaction(id)
}

func (t ledgerTx) loadTransaction(id int64) (accounting.Transaction, error) {
	trx, ok := t.st.transactions[id]
	if !ok {
		return accounting.Transaction{}, fmt.Errorf("transaction %d: %w", id, accounting.ErrTransactionNotFound)
	}
	trx.Lines = slices.Clone(trx.Lines)
	return trx, nil
}

func (t ledgerTx) MarkPosted(_ context.Context, id int64, at time.Time, actorID int64) error {
	trx, ok := t.st.transactions[id]
	if !ok || trx.Status != accounting.TransactionStatusDraft {
		return fmt.Errorf("transaction %d: %w", id, accounting.ErrTransactionNotFound)
	}
	trx.Status = accounting.TransactionStatusPosted
	trx.PostedAt = &at
	if actorID != 0 {
		trx.PostedBy = &actorID
	}
	trx.UpdatedAt = at
	t.st.transactions[id] = trx
	return nil
}

func (t ledgerTx) MarkVoided(_ context.Context, id int64, at time.Time, reason string, reversedBy *int64) error {
	trx, ok := t.st.transactions[id]
	if !ok || (trx.Status != accounting.TransactionStatusDraft && trx.Status != accounting.TransactionStatusPosted) {
		return fmt.Errorf("transaction %d: %w", id, accounting.ErrTransactionNotFound)
	}
	trx.Status = accounting.TransactionStatusVoid
	trx.VoidedAt = &at
	trx.VoidReason = reason
	trx.ReversedByID = reversedBy
	trx.UpdatedAt = at
	t.st.transactions[id] = trx
	return nil
}

func (t ledgerTx) DeleteTransaction(_ context.Context, id int64) error {
	trx, ok := t.st.transactions[id]
	if !ok || trx.Status != accounting.TransactionStatusDraft {
		return fmt.Errorf("transaction %d: %w", id, accounting.ErrTransactionNotFound)
	}
	delete(t.st.transactions, id)
	return nil
}

func (t ledgerTx) SumPostedLines(_ context.Context, accountID int64, asOf *time.Time) (decimal.Decimal, decimal.Decimal, error) {
	debit, credit := decimal.Zero, decimal.Zero
	for _, trx := range t.st.transactions {
		if trx.PostedAt == nil {
			continue
		}
		if asOf != nil && !sameDayOrBefore(trx.Date, *asOf) {
			continue
		}
		for _, line := range trx.Lines {
			if line.AccountID == accountID {
				debit = debit.Add(line.Debit)
				credit = credit.Add(line.Credit)
			}
		}
	}
	return debit, credit, nil
}
