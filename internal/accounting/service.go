package accounting

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-rental/internal/audit"
	"github.com/odyssey-erp/odyssey-rental/internal/sequence"
	"github.com/odyssey-erp/odyssey-rental/internal/shared"
)

var (
	// ErrTransactionNotFound indicates a missing journal entry.
	ErrTransactionNotFound = fmt.Errorf("accounting: transaction not found: %w", shared.ErrNotFound)
	// ErrMappingNotFound indicates no account mapping for the key.
	ErrMappingNotFound = fmt.Errorf("accounting: account mapping not found: %w", shared.ErrAccountNotFound)
	// ErrAccountCodeTaken indicates a duplicate account code inside a company.
	ErrAccountCodeTaken = &shared.ValidationError{Field: "code", Reason: "already used in company"}
	// ErrAccountInUse blocks deactivation of referenced accounts.
	ErrAccountInUse = &shared.ValidationError{Field: "account_id", Reason: "has active children or journal lines"}
)

// RepositoryPort abstracts transactional repository behaviour.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

// Sequencer allocates document numbers inside the caller's unit.
type Sequencer interface {
	Next(ctx context.Context, scope sequence.Scope) (string, error)
}

// Service coordinates the chart of accounts and the DRAFT → POSTED → VOID journal lifecycle.
type Service struct {
	repo   RepositoryPort
	seq    Sequencer
	audit  audit.Sink
	logger *slog.Logger
	now    func() time.Time
}

// NewService constructs the ledger service.
func NewService(repo RepositoryPort, seq Sequencer, sink audit.Sink, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if sink == nil {
		sink = audit.Nop{}
	}
	return &Service{repo: repo, seq: seq, audit: sink, logger: logger, now: time.Now}
}

// WithNow overrides the clock for testing.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

func (s *Service) atomic(ctx context.Context, ev audit.Event, fn func(context.Context, TxRepository, *audit.Event) error) error {
	return audit.Atomic(ctx, s.audit, ev, s.repo.WithTx, fn)
}

// CreateAccount adds a node to the company's chart of accounts.
func (s *Service) CreateAccount(ctx context.Context, input AccountInput) (Account, error) {
	var account Account
	ev := audit.Event{ActorID: input.ActorID, CompanyID: input.CompanyID, Action: "account.create", Entity: "account"}
	err := s.atomic(ctx, ev, func(ctx context.Context, tx TxRepository, ev *audit.Event) error {
		if err := shared.ValidateStruct(input); err != nil {
			return err
		}
		input.Code = strings.TrimSpace(input.Code)
		taken, err := tx.AccountCodeExists(ctx, input.CompanyID, input.Code)
		if err != nil {
			return err
		}
		if taken {
			return ErrAccountCodeTaken
		}
		if input.ParentID != nil {
			parent, err := tx.GetAccount(ctx, *input.ParentID)
			if err != nil {
				return err
			}
			if parent.CompanyID != input.CompanyID || !parent.IsActive {
				return fmt.Errorf("parent %d: %w", *input.ParentID, shared.ErrAccountNotFound)
			}
		}
		now := s.now()
		account, err = tx.InsertAccount(ctx, Account{
			CompanyID: input.CompanyID,
			Code:      input.Code,
			Name:      input.Name,
			Type:      input.Type,
			SubType:   input.SubType,
			ParentID:  input.ParentID,
			IsActive:  true,
			CreatedAt: now,
			UpdatedAt: now,
		})
		if err != nil {
			return err
		}
		ev.EntityID = strconv.FormatInt(account.ID, 10)
		ev.Set("code", account.Code)
		return nil
	})
	if err != nil {
		return Account{}, err
	}
	return account, nil
}

// DeactivateAccount flags an account inactive once nothing references it.
func (s *Service) DeactivateAccount(ctx context.Context, accountID, actorID int64) error {
	ev := audit.Event{ActorID: actorID, Action: "account.deactivate", Entity: "account", EntityID: strconv.FormatInt(accountID, 10)}
	return s.atomic(ctx, ev, func(ctx context.Context, tx TxRepository, ev *audit.Event) error {
		account, err := tx.GetAccount(ctx, accountID)
		if err != nil {
			return err
		}
		ev.CompanyID = account.CompanyID
		if !account.IsActive {
			return nil
		}
		children, err := tx.CountActiveChildren(ctx, accountID)
		if err != nil {
			return err
		}
		lines, err := tx.CountAccountLines(ctx, accountID)
		if err != nil {
			return err
		}
		if children > 0 || lines > 0 {
			return ErrAccountInUse
		}
		return tx.SetAccountActive(ctx, accountID, false, s.now())
	})
}

// ListAccounts returns the company chart ordered by code.
func (s *Service) ListAccounts(ctx context.Context, companyID int64) ([]Account, error) {
	var accounts []Account
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		accounts, err = tx.ListAccounts(ctx, companyID)
		return err
	})
	return accounts, err
}

// SetAccountMapping binds an integration key to an active company account.
func (s *Service) SetAccountMapping(ctx context.Context, mapping AccountMapping, actorID int64) error {
	mapping.Module = strings.ToUpper(strings.TrimSpace(mapping.Module))
	ev := audit.Event{ActorID: actorID, CompanyID: mapping.CompanyID, Action: "account_mapping.set", Entity: "account_mapping", EntityID: mapping.Module + ":" + mapping.Key}
	return s.atomic(ctx, ev, func(ctx context.Context, tx TxRepository, ev *audit.Event) error {
		if mapping.CompanyID <= 0 || mapping.Module == "" || mapping.Key == "" {
			return shared.Invalid("mapping", "company, module and key are required")
		}
		if _, err := s.activeAccounts(ctx, tx, mapping.CompanyID, []int64{mapping.AccountID}); err != nil {
			return err
		}
		mapping.UpdatedAt = s.now()
		ev.Set("account_id", mapping.AccountID)
		return tx.UpsertAccountMapping(ctx, mapping)
	})
}

// ResolveAccount returns the account mapped to module/key for the company.
func (s *Service) ResolveAccount(ctx context.Context, companyID int64, module, key string) (int64, error) {
	var accountID int64
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		mapping, err := tx.GetAccountMapping(ctx, companyID, strings.ToUpper(module), key)
		if err != nil {
			return err
		}
		accountID = mapping.AccountID
		return nil
	})
	return accountID, err
}

// EnsureAccounts requires every id to be an active account of the company.
func (s *Service) EnsureAccounts(ctx context.Context, companyID int64, ids ...int64) error {
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		_, err := s.activeAccounts(ctx, tx, companyID, ids)
		return err
	})
}

// CreateJournalEntry records a DRAFT journal voucher after checking balance and accounts.
func (s *Service) CreateJournalEntry(ctx context.Context, input JournalInput) (Transaction, error) {
	var created Transaction
	ev := audit.Event{ActorID: input.ActorID, CompanyID: input.CompanyID, Action: "transaction.create", Entity: "transaction"}
	err := s.atomic(ctx, ev, func(ctx context.Context, tx TxRepository, ev *audit.Event) error {
		if err := shared.ValidateStruct(input); err != nil {
			return err
		}
		if err := CheckBalanced(input.Lines); err != nil {
			return err
		}
		if _, err := s.activeAccounts(ctx, tx, input.CompanyID, accountIDs(input.Lines)); err != nil {
			return err
		}
		number, err := s.seq.Next(ctx, sequence.YearScope(input.CompanyID, sequence.KindJournal, sequence.PrefixJournal, input.Date))
		if err != nil {
			return err
		}
		created, err = s.insertDraft(ctx, tx, DraftInput{
			CompanyID:   input.CompanyID,
			Type:        TransactionTypeJournal,
			Number:      number,
			Date:        input.Date,
			Description: input.Description,
			Reference:   input.Reference,
			ActorID:     input.ActorID,
		}, nil)
		if err != nil {
			return err
		}
		created.Lines, err = tx.ReplaceLines(ctx, created.ID, input.Lines)
		if err != nil {
			return err
		}
		ev.EntityID = strconv.FormatInt(created.ID, 10)
		ev.Set("number", created.Number)
		return nil
	})
	if err != nil {
		return Transaction{}, err
	}
	return created, nil
}

// CreateDraft opens a line-less DRAFT owned by an invoice or payment. It joins the caller's unit.
func (s *Service) CreateDraft(ctx context.Context, input DraftInput) (Transaction, error) {
	var created Transaction
	ev := audit.Event{ActorID: input.ActorID, CompanyID: input.CompanyID, Action: "transaction.create", Entity: "transaction"}
	err := s.atomic(ctx, ev, func(ctx context.Context, tx TxRepository, ev *audit.Event) error {
		if err := shared.ValidateStruct(input); err != nil {
			return err
		}
		var err error
		created, err = s.insertDraft(ctx, tx, input, nil)
		if err != nil {
			return err
		}
		ev.EntityID = strconv.FormatInt(created.ID, 10)
		ev.Set("number", created.Number)
		return nil
	})
	if err != nil {
		return Transaction{}, err
	}
	return created, nil
}

// ReplaceDraftLines swaps the lines of a DRAFT entry.
func (s *Service) ReplaceDraftLines(ctx context.Context, transactionID int64, lines []LineInput, actorID int64) (Transaction, error) {
	var updated Transaction
	ev := audit.Event{ActorID: actorID, Action: "transaction.edit", Entity: "transaction", EntityID: strconv.FormatInt(transactionID, 10)}
	err := s.atomic(ctx, ev, func(ctx context.Context, tx TxRepository, ev *audit.Event) error {
		current, err := tx.GetTransactionForUpdate(ctx, transactionID)
		if err != nil {
			return err
		}
		ev.CompanyID = current.CompanyID
		if current.Status != TransactionStatusDraft {
			return shared.Transition("transaction", current.Status, TransactionStatusDraft)
		}
		if err := CheckBalanced(lines); err != nil {
			return err
		}
		if _, err := s.activeAccounts(ctx, tx, current.CompanyID, accountIDs(lines)); err != nil {
			return err
		}
		current.Lines, err = tx.ReplaceLines(ctx, current.ID, lines)
		if err != nil {
			return err
		}
		updated = current
		return nil
	})
	if err != nil {
		return Transaction{}, err
	}
	return updated, nil
}

// DiscardDraft deletes a DRAFT journal voucher. Billing drafts are cancelled through their owners.
func (s *Service) DiscardDraft(ctx context.Context, transactionID, actorID int64) error {
	ev := audit.Event{ActorID: actorID, Action: "transaction.discard", Entity: "transaction", EntityID: strconv.FormatInt(transactionID, 10)}
	return s.atomic(ctx, ev, func(ctx context.Context, tx TxRepository, ev *audit.Event) error {
		current, err := tx.GetTransactionForUpdate(ctx, transactionID)
		if err != nil {
			return err
		}
		ev.CompanyID = current.CompanyID
		ev.Set("number", current.Number)
		if current.Status != TransactionStatusDraft {
			return shared.Transition("transaction", current.Status, TransactionStatusDraft)
		}
		if current.Type != TransactionTypeJournal {
			return shared.Invalid("type", "only journal vouchers can be discarded")
		}
		return tx.DeleteTransaction(ctx, current.ID)
	})
}

// PostTransaction moves a DRAFT entry into the permanent ledger.
func (s *Service) PostTransaction(ctx context.Context, transactionID, actorID int64) (Transaction, error) {
	var posted Transaction
	ev := audit.Event{ActorID: actorID, Action: "transaction.post", Entity: "transaction", EntityID: strconv.FormatInt(transactionID, 10)}
	err := s.atomic(ctx, ev, func(ctx context.Context, tx TxRepository, ev *audit.Event) error {
		current, err := tx.GetTransactionForUpdate(ctx, transactionID)
		if err != nil {
			return err
		}
		ev.CompanyID = current.CompanyID
		ev.Set("number", current.Number)
		posted, err = s.post(ctx, tx, current, actorID)
		return err
	})
	if err != nil {
		return Transaction{}, err
	}
	return posted, nil
}

// PostWithLines replaces a draft's lines and posts it in one step. Invoice and payment posting
// use it to materialise their journal lines.
func (s *Service) PostWithLines(ctx context.Context, transactionID int64, lines []LineInput, actorID int64) (Transaction, error) {
	var posted Transaction
	ev := audit.Event{ActorID: actorID, Action: "transaction.post", Entity: "transaction", EntityID: strconv.FormatInt(transactionID, 10)}
	err := s.atomic(ctx, ev, func(ctx context.Context, tx TxRepository, ev *audit.Event) error {
		current, err := tx.GetTransactionForUpdate(ctx, transactionID)
		if err != nil {
			return err
		}
		ev.CompanyID = current.CompanyID
		if current.Status != TransactionStatusDraft {
			return shared.Transition("transaction", current.Status, TransactionStatusPosted)
		}
		if err := CheckBalanced(lines); err != nil {
			return err
		}
		current.Lines, err = tx.ReplaceLines(ctx, current.ID, lines)
		if err != nil {
			return err
		}
		posted, err = s.post(ctx, tx, current, actorID)
		return err
	})
	if err != nil {
		return Transaction{}, err
	}
	return posted, nil
}

// CancelDraft marks a never-posted billing draft VOID without a reversal; its number stays consumed.
func (s *Service) CancelDraft(ctx context.Context, transactionID, actorID int64, reason string) (Transaction, error) {
	var cancelled Transaction
	ev := audit.Event{ActorID: actorID, Action: "transaction.cancel", Entity: "transaction", EntityID: strconv.FormatInt(transactionID, 10)}
	err := s.atomic(ctx, ev, func(ctx context.Context, tx TxRepository, ev *audit.Event) error {
		current, err := tx.GetTransactionForUpdate(ctx, transactionID)
		if err != nil {
			return err
		}
		ev.CompanyID = current.CompanyID
		if current.Status != TransactionStatusDraft {
			return shared.Transition("transaction", current.Status, TransactionStatusVoid)
		}
		if current.Type == TransactionTypeJournal {
			return shared.Invalid("type", "discard journal voucher drafts instead")
		}
		now := s.now()
		if err := tx.MarkVoided(ctx, current.ID, now, reason, nil); err != nil {
			return err
		}
		current.Status = TransactionStatusVoid
		current.VoidedAt = &now
		current.VoidReason = reason
		cancelled = current
		return nil
	})
	if err != nil {
		return Transaction{}, err
	}
	return cancelled, nil
}

// VoidTransaction marks a POSTED entry VOID and posts its reversal under a new journal number.
func (s *Service) VoidTransaction(ctx context.Context, transactionID, actorID int64, reason string) (VoidResult, error) {
	var result VoidResult
	ev := audit.Event{ActorID: actorID, Action: "transaction.void", Entity: "transaction", EntityID: strconv.FormatInt(transactionID, 10)}
	err := s.atomic(ctx, ev, func(ctx context.Context, tx TxRepository, ev *audit.Event) error {
		original, err := tx.GetTransactionForUpdate(ctx, transactionID)
		if err != nil {
			return err
		}
		ev.CompanyID = original.CompanyID
		ev.Set("number", original.Number)
		ev.Set("reason", reason)
		if original.Status != TransactionStatusPosted {
			return shared.Transition("transaction", original.Status, TransactionStatusVoid)
		}
		now := s.now()
		number, err := s.seq.Next(ctx, sequence.YearScope(original.CompanyID, sequence.KindJournal, sequence.PrefixJournal, now))
		if err != nil {
			return err
		}
		reversal, err := s.insertDraft(ctx, tx, DraftInput{
			CompanyID:   original.CompanyID,
			Type:        TransactionTypeJournal,
			Number:      number,
			Date:        now,
			Description: defaultReversalMemo(original.Number, reason),
			Reference:   original.Number,
			ActorID:     actorID,
		}, &original.ID)
		if err != nil {
			return err
		}
		if err := tx.MarkVoided(ctx, original.ID, now, reason, &reversal.ID); err != nil {
			return err
		}
		reversal.Lines, err = tx.ReplaceLines(ctx, reversal.ID, ReverseLines(original.Lines))
		if err != nil {
			return err
		}
		reversal, err = s.post(ctx, tx, reversal, actorID)
		if err != nil {
			return err
		}
		original.Status = TransactionStatusVoid
		original.VoidedAt = &now
		original.VoidReason = reason
		original.ReversedByID = &reversal.ID
		result = VoidResult{Voided: original, Reversal: reversal}
		ev.Set("reversal_number", reversal.Number)
		return nil
	})
	if err != nil {
		return VoidResult{}, err
	}
	s.logger.Info("transaction voided",
		slog.String("number", result.Voided.Number),
		slog.String("reversal", result.Reversal.Number))
	return result, nil
}

// GetTransaction loads an entry with its lines.
func (s *Service) GetTransaction(ctx context.Context, transactionID int64) (Transaction, error) {
	var trx Transaction
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		trx, err = tx.GetTransaction(ctx, transactionID)
		return err
	})
	return trx, err
}

// GetAccountBalance sums posted lines for the account, optionally up to asOf inclusive.
func (s *Service) GetAccountBalance(ctx context.Context, accountID int64, asOf *time.Time) (Balance, error) {
	var balance Balance
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		account, err := tx.GetAccount(ctx, accountID)
		if err != nil {
			return err
		}
		debit, credit, err := tx.SumPostedLines(ctx, accountID, asOf)
		if err != nil {
			return err
		}
		balance = Balance{
			AccountID: accountID,
			Type:      account.Type,
			Debit:     debit,
			Credit:    credit,
			Balance:   account.Type.SignedBalance(debit, credit),
			AsOf:      asOf,
		}
		return nil
	})
	return balance, err
}

// TrialBalance lists posted positions for every company account.
func (s *Service) TrialBalance(ctx context.Context, companyID int64, asOf *time.Time) (TrialBalance, error) {
	tb := TrialBalance{CompanyID: companyID, AsOf: asOf, TotalDebit: decimal.Zero, TotalCredit: decimal.Zero}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		accounts, err := tx.ListAccounts(ctx, companyID)
		if err != nil {
			return err
		}
		for _, account := range accounts {
			debit, credit, err := tx.SumPostedLines(ctx, account.ID, asOf)
			if err != nil {
				return err
			}
			if debit.IsZero() && credit.IsZero() {
				continue
			}
			tb.Rows = append(tb.Rows, Balance{
				AccountID: account.ID,
				Type:      account.Type,
				Debit:     debit,
				Credit:    credit,
				Balance:   account.Type.SignedBalance(debit, credit),
				AsOf:      asOf,
			})
			tb.TotalDebit = tb.TotalDebit.Add(debit)
			tb.TotalCredit = tb.TotalCredit.Add(credit)
		}
		return nil
	})
	if err != nil {
		return TrialBalance{}, err
	}
	if !tb.TotalDebit.Equal(tb.TotalCredit) {
		return tb, fmt.Errorf("accounting: trial balance debit %s != credit %s: %w", tb.TotalDebit, tb.TotalCredit, shared.ErrUnbalanced)
	}
	return tb, nil
}

func (s *Service) insertDraft(ctx context.Context, tx TxRepository, input DraftInput, reversalOf *int64) (Transaction, error) {
	now := s.now()
	return tx.InsertTransaction(ctx, Transaction{
		CompanyID:    input.CompanyID,
		Type:         input.Type,
		Status:       TransactionStatusDraft,
		Number:       input.Number,
		Date:         input.Date,
		Description:  input.Description,
		Reference:    input.Reference,
		ReversalOfID: reversalOf,
		CreatedBy:    input.ActorID,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
}

// post re-runs every posting check against the stored lines, then stamps postedAt.
func (s *Service) post(ctx context.Context, tx TxRepository, trx Transaction, actorID int64) (Transaction, error) {
	if trx.Status != TransactionStatusDraft {
		return Transaction{}, shared.Transition("transaction", trx.Status, TransactionStatusPosted)
	}
	lines := LinesToInputs(trx.Lines)
	if err := CheckBalanced(lines); err != nil {
		return Transaction{}, err
	}
	if _, err := s.activeAccounts(ctx, tx, trx.CompanyID, accountIDs(lines)); err != nil {
		return Transaction{}, err
	}
	now := s.now()
	if err := tx.MarkPosted(ctx, trx.ID, now, actorID); err != nil {
		return Transaction{}, err
	}
	trx.Status = TransactionStatusPosted
	trx.PostedAt = &now
	if actorID != 0 {
		trx.PostedBy = &actorID
	}
	debit, _ := trx.Totals()
	s.logger.Debug("transaction posted", slog.String("number", trx.Number), slog.String("amount", debit.StringFixed(2)))
	return trx, nil
}

// activeAccounts loads ids and requires each to be an active account of the company.
func (s *Service) activeAccounts(ctx context.Context, tx TxRepository, companyID int64, ids []int64) (map[int64]Account, error) {
	if len(ids) == 0 {
		return map[int64]Account{}, nil
	}
	found, err := tx.AccountsByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	var missing []string
	for _, id := range ids {
		account, ok := found[id]
		if !ok || account.CompanyID != companyID || !account.IsActive {
			missing = append(missing, strconv.FormatInt(id, 10))
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("accounts [%s]: %w", strings.Join(missing, ","), shared.ErrAccountNotFound)
	}
	return found, nil
}
