package ar

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-rental/internal/accounting"
	"github.com/odyssey-erp/odyssey-rental/internal/audit"
	"github.com/odyssey-erp/odyssey-rental/internal/sequence"
	"github.com/odyssey-erp/odyssey-rental/internal/shared"
)

// RepositoryPort defines transactional data access for AR.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

// Ledger is the subset of the ledger engine billing documents drive.
type Ledger interface {
	EnsureAccounts(ctx context.Context, companyID int64, ids ...int64) error
	CreateDraft(ctx context.Context, input accounting.DraftInput) (accounting.Transaction, error)
	PostWithLines(ctx context.Context, transactionID int64, lines []accounting.LineInput, actorID int64) (accounting.Transaction, error)
	VoidTransaction(ctx context.Context, transactionID, actorID int64, reason string) (accounting.VoidResult, error)
	CancelDraft(ctx context.Context, transactionID, actorID int64, reason string) (accounting.Transaction, error)
}

// Sequencer allocates document numbers inside the caller's unit.
type Sequencer interface {
	Next(ctx context.Context, scope sequence.Scope) (string, error)
}

// InvoiceService translates billing events into INVOICE journal entries.
type InvoiceService struct {
	repo   RepositoryPort
	ledger Ledger
	seq    Sequencer
	audit  audit.Sink
	logger *slog.Logger
	now    func() time.Time
}

// NewInvoiceService builds an InvoiceService.
func NewInvoiceService(repo RepositoryPort, ledger Ledger, seq Sequencer, sink audit.Sink, logger *slog.Logger) *InvoiceService {
	if logger == nil {
		logger = slog.Default()
	}
	if sink == nil {
		sink = audit.Nop{}
	}
	return &InvoiceService{repo: repo, ledger: ledger, seq: seq, audit: sink, logger: logger, now: time.Now}
}

// WithNow overrides the clock for testing.
func (s *InvoiceService) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

func (s *InvoiceService) atomic(ctx context.Context, ev audit.Event, fn func(context.Context, TxRepository, *audit.Event) error) error {
	return audit.Atomic(ctx, s.audit, ev, s.repo.WithTx, fn)
}

// CreateInvoice prices the items, allocates an INV number and opens the DRAFT invoice together
// with its DRAFT transaction. No journal lines exist until posting.
func (s *InvoiceService) CreateInvoice(ctx context.Context, input InvoiceInput) (Invoice, error) {
	var created Invoice
	ev := audit.Event{ActorID: input.ActorID, CompanyID: input.CompanyID, Action: "invoice.create", Entity: "invoice"}
	err := s.atomic(ctx, ev, func(ctx context.Context, tx TxRepository, ev *audit.Event) error {
		if err := shared.ValidateStruct(input); err != nil {
			return err
		}
		if input.DueDate.Before(input.IssueDate) {
			return shared.Invalid("due_date", "must not precede issue_date")
		}
		if input.TaxRate.IsPositive() && input.TaxAccountID == nil {
			return shared.Invalid("tax_account_id", "is required when tax_rate is non-zero")
		}
		totals, err := ComputeTotals(input.Items, input.TaxRate)
		if err != nil {
			return err
		}
		if !totals.Total.IsPositive() {
			return shared.Invalid("total_amount", "must be positive")
		}
		if _, err := ensureCustomer(ctx, tx, input.CompanyID, input.CustomerID); err != nil {
			return err
		}
		accountIDs := []int64{input.ReceivableAccountID, input.RevenueAccountID}
		if input.TaxAccountID != nil {
			accountIDs = append(accountIDs, *input.TaxAccountID)
		}
		if err := s.ledger.EnsureAccounts(ctx, input.CompanyID, accountIDs...); err != nil {
			return err
		}
		now := s.now()
		number, err := s.seq.Next(ctx, sequence.YearScope(input.CompanyID, sequence.KindInvoice, sequence.PrefixInvoice, now))
		if err != nil {
			return err
		}
		trx, err := s.ledger.CreateDraft(ctx, accounting.DraftInput{
			CompanyID:   input.CompanyID,
			Type:        accounting.TransactionTypeInvoice,
			Number:      number,
			Date:        input.IssueDate,
			Description: "Invoice " + number,
			Reference:   input.Reference,
			ActorID:     input.ActorID,
		})
		if err != nil {
			return err
		}
		created, err = tx.InsertInvoice(ctx, Invoice{
			CompanyID:           input.CompanyID,
			CustomerID:          input.CustomerID,
			TransactionID:       trx.ID,
			Number:              number,
			Status:              InvoiceStatusDraft,
			IssueDate:           input.IssueDate,
			DueDate:             input.DueDate,
			ReceivableAccountID: input.ReceivableAccountID,
			RevenueAccountID:    input.RevenueAccountID,
			TaxAccountID:        input.TaxAccountID,
			TaxRate:             input.TaxRate,
			Subtotal:            totals.Subtotal,
			TaxAmount:           totals.TaxAmount,
			TotalAmount:         totals.Total,
			PaidAmount:          decimal.Zero,
			Reference:           input.Reference,
			Notes:               input.Notes,
			CreatedBy:           input.ActorID,
			CreatedAt:           now,
			UpdatedAt:           now,
			Items:               totals.Items,
		})
		if err != nil {
			return err
		}
		ev.EntityID = strconv.FormatInt(created.ID, 10)
		ev.Set("number", created.Number)
		ev.Set("total_amount", created.TotalAmount.StringFixed(2))
		return nil
	})
	if err != nil {
		return Invoice{}, err
	}
	return created, nil
}

// PostInvoice books receivable against revenue and tax, then marks the invoice SENT.
func (s *InvoiceService) PostInvoice(ctx context.Context, invoiceID, actorID int64) (Invoice, error) {
	var posted Invoice
	ev := audit.Event{ActorID: actorID, Action: "invoice.post", Entity: "invoice", EntityID: strconv.FormatInt(invoiceID, 10)}
	err := s.atomic(ctx, ev, func(ctx context.Context, tx TxRepository, ev *audit.Event) error {
		inv, err := tx.GetInvoiceForUpdate(ctx, invoiceID)
		if err != nil {
			return err
		}
		ev.CompanyID = inv.CompanyID
		ev.Set("number", inv.Number)
		if inv.Status != InvoiceStatusDraft {
			return shared.Transition("invoice", inv.Status, InvoiceStatusSent)
		}
		lines, err := invoiceLines(inv)
		if err != nil {
			return err
		}
		trx, err := s.ledger.PostWithLines(ctx, inv.TransactionID, lines, actorID)
		if err != nil {
			return err
		}
		inv.Status = InvoiceStatusSent
		inv.PostedAt = trx.PostedAt
		inv.UpdatedAt = s.now()
		if err := tx.UpdateInvoiceState(ctx, inv); err != nil {
			return err
		}
		posted = inv
		return nil
	})
	if err != nil {
		return Invoice{}, err
	}
	return posted, nil
}

// VoidInvoice cancels an unpaid invoice and its transaction: drafts are voided in place,
// posted ones are reversed.
func (s *InvoiceService) VoidInvoice(ctx context.Context, invoiceID, actorID int64, reason string) (Invoice, error) {
	var voided Invoice
	ev := audit.Event{ActorID: actorID, Action: "invoice.void", Entity: "invoice", EntityID: strconv.FormatInt(invoiceID, 10)}
	err := s.atomic(ctx, ev, func(ctx context.Context, tx TxRepository, ev *audit.Event) error {
		inv, err := tx.GetInvoiceForUpdate(ctx, invoiceID)
		if err != nil {
			return err
		}
		ev.CompanyID = inv.CompanyID
		ev.Set("number", inv.Number)
		ev.Set("reason", reason)
		if inv.Status == InvoiceStatusVoid {
			return shared.Transition("invoice", inv.Status, InvoiceStatusVoid)
		}
		if inv.PaidAmount.IsPositive() {
			return shared.Invalid("paid_amount", "invoice has payments; void them first")
		}
		if inv.Status == InvoiceStatusDraft {
			_, err = s.ledger.CancelDraft(ctx, inv.TransactionID, actorID, reason)
		} else {
			_, err = s.ledger.VoidTransaction(ctx, inv.TransactionID, actorID, reason)
		}
		if err != nil {
			return err
		}
		now := s.now()
		inv.Status = InvoiceStatusVoid
		inv.VoidedAt = &now
		inv.UpdatedAt = now
		if err := tx.UpdateInvoiceState(ctx, inv); err != nil {
			return err
		}
		voided = inv
		return nil
	})
	if err != nil {
		return Invoice{}, err
	}
	return voided, nil
}

// GetInvoice loads an invoice with its items.
func (s *InvoiceService) GetInvoice(ctx context.Context, invoiceID int64) (Invoice, error) {
	var inv Invoice
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		inv, err = tx.GetInvoice(ctx, invoiceID)
		return err
	})
	return inv, err
}

// MarkOverdue flags unpaid SENT invoices whose due date has passed. Each invoice runs in its
// own unit; the count of flagged invoices is returned alongside the first failure.
func (s *InvoiceService) MarkOverdue(ctx context.Context, limit int) (int, error) {
	asOf := s.now()
	var ids []int64
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		ids, err = tx.ListOverdueCandidates(ctx, asOf, limit)
		return err
	})
	if err != nil {
		return 0, err
	}
	var (
		flagged  int
		firstErr error
	)
	for _, id := range ids {
		changed, err := s.markOverdue(ctx, id)
		if err != nil {
			s.logger.Warn("mark invoice overdue failed", slog.Int64("invoice_id", id), slog.Any("error", err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if changed {
			flagged++
		}
	}
	return flagged, firstErr
}

func (s *InvoiceService) markOverdue(ctx context.Context, invoiceID int64) (bool, error) {
	var changed bool
	ev := audit.Event{Action: "invoice.overdue", Entity: "invoice", EntityID: strconv.FormatInt(invoiceID, 10)}
	err := s.atomic(ctx, ev, func(ctx context.Context, tx TxRepository, ev *audit.Event) error {
		inv, err := tx.GetInvoiceForUpdate(ctx, invoiceID)
		if err != nil {
			return err
		}
		ev.CompanyID = inv.CompanyID
		ev.Set("number", inv.Number)
		if inv.Status != InvoiceStatusSent {
			return nil
		}
		next := DeriveStatus(inv, s.now())
		if next != InvoiceStatusOverdue {
			return nil
		}
		inv.Status = next
		inv.UpdatedAt = s.now()
		changed = true
		return tx.UpdateInvoiceState(ctx, inv)
	})
	return changed, err
}

// settle moves paidAmount by delta on a locked invoice and recomputes its status.
func settle(ctx context.Context, tx TxRepository, invoiceID int64, delta decimal.Decimal, now time.Time) (Invoice, error) {
	inv, err := tx.GetInvoiceForUpdate(ctx, invoiceID)
	if err != nil {
		return Invoice{}, err
	}
	if err := payable(inv); err != nil {
		return Invoice{}, err
	}
	paid := inv.PaidAmount.Add(delta)
	if paid.GreaterThan(inv.TotalAmount) {
		return Invoice{}, fmt.Errorf("invoice %s balance %s, payment %s: %w", inv.Number, inv.BalanceAmount().StringFixed(2), delta.StringFixed(2), shared.ErrOverpayment)
	}
	if paid.IsNegative() {
		return Invoice{}, shared.Invalid("paid_amount", "cannot drop below zero")
	}
	inv.PaidAmount = paid
	inv.Status = DeriveStatus(inv, now)
	inv.UpdatedAt = now
	if err := tx.UpdateInvoiceState(ctx, inv); err != nil {
		return Invoice{}, err
	}
	return inv, nil
}

func payable(inv Invoice) error {
	switch inv.Status {
	case InvoiceStatusVoid:
		return shared.Invalid("invoice_id", "invoice is void")
	case InvoiceStatusDraft:
		return shared.Invalid("invoice_id", "invoice is not posted")
	}
	return nil
}

func invoiceLines(inv Invoice) ([]accounting.LineInput, error) {
	if inv.TaxAmount.IsPositive() && inv.TaxAccountID == nil {
		return nil, shared.Invalid("tax_account_id", "is required when tax_amount is non-zero")
	}
	lines := []accounting.LineInput{
		{AccountID: inv.ReceivableAccountID, Description: "Receivable " + inv.Number, Debit: inv.TotalAmount, Credit: decimal.Zero},
		{AccountID: inv.RevenueAccountID, Description: "Revenue " + inv.Number, Debit: decimal.Zero, Credit: inv.Subtotal},
	}
	if inv.TaxAmount.IsPositive() {
		lines = append(lines, accounting.LineInput{AccountID: *inv.TaxAccountID, Description: "Tax " + inv.Number, Debit: decimal.Zero, Credit: inv.TaxAmount})
	}
	return lines, nil
}

func ensureCustomer(ctx context.Context, tx TxRepository, companyID, customerID int64) (Customer, error) {
	customer, err := tx.GetCustomer(ctx, customerID)
	if err != nil {
		return Customer{}, err
	}
	if customer.CompanyID != companyID || !customer.IsActive {
		return Customer{}, fmt.Errorf("customer %d: %w", customerID, shared.ErrCustomerNotFound)
	}
	return customer, nil
}
