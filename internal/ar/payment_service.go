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
	"github.com/odyssey-erp/odyssey-rental/internal/money"
	"github.com/odyssey-erp/odyssey-rental/internal/sequence"
	"github.com/odyssey-erp/odyssey-rental/internal/shared"
)

// PaymentService translates collections into PAYMENT journal entries and settles invoices.
type PaymentService struct {
	repo   RepositoryPort
	ledger Ledger
	seq    Sequencer
	audit  audit.Sink
	logger *slog.Logger
	now    func() time.Time
}

// NewPaymentService builds a PaymentService.
func NewPaymentService(repo RepositoryPort, ledger Ledger, seq Sequencer, sink audit.Sink, logger *slog.Logger) *PaymentService {
	if logger == nil {
		logger = slog.Default()
	}
	if sink == nil {
		sink = audit.Nop{}
	}
	return &PaymentService{repo: repo, ledger: ledger, seq: seq, audit: sink, logger: logger, now: time.Now}
}

// WithNow overrides the clock for testing.
func (s *PaymentService) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

func (s *PaymentService) atomic(ctx context.Context, ev audit.Event, fn func(context.Context, TxRepository, *audit.Event) error) error {
	return audit.Atomic(ctx, s.audit, ev, s.repo.WithTx, fn)
}

// CreatePayment records a DRAFT payment. A linked invoice is locked and its balance checked.
func (s *PaymentService) CreatePayment(ctx context.Context, input PaymentInput) (Payment, error) {
	var created Payment
	ev := audit.Event{ActorID: input.ActorID, CompanyID: input.CompanyID, Action: "payment.create", Entity: "payment"}
	err := s.atomic(ctx, ev, func(ctx context.Context, tx TxRepository, ev *audit.Event) error {
		if err := shared.ValidateStruct(input); err != nil {
			return err
		}
		if err := money.Check("amount", input.Amount); err != nil {
			return err
		}
		if !input.Amount.IsPositive() {
			return shared.Invalid("amount", "must be positive")
		}
		customerID := input.CustomerID
		receivableID := input.ReceivableAccountID
		if input.InvoiceID != nil {
			inv, err := tx.GetInvoiceForUpdate(ctx, *input.InvoiceID)
			if err != nil {
				return err
			}
			if inv.CompanyID != input.CompanyID {
				return fmt.Errorf("invoice %d: %w", inv.ID, shared.ErrNotFound)
			}
			if err := payable(inv); err != nil {
				return err
			}
			if input.Amount.GreaterThan(inv.BalanceAmount()) {
				return fmt.Errorf("invoice %s balance %s, payment %s: %w", inv.Number, inv.BalanceAmount().StringFixed(2), input.Amount.StringFixed(2), shared.ErrOverpayment)
			}
			if customerID != 0 && customerID != inv.CustomerID {
				return shared.Invalid("customer_id", "does not match invoice customer")
			}
			customerID = inv.CustomerID
			if receivableID == 0 {
				receivableID = inv.ReceivableAccountID
			}
			ev.Set("invoice_number", inv.Number)
		}
		if receivableID == 0 {
			return shared.Invalid("receivable_account_id", "is required without an invoice")
		}
		if customerID != 0 {
			if _, err := ensureCustomer(ctx, tx, input.CompanyID, customerID); err != nil {
				return err
			}
		}
		if err := s.ledger.EnsureAccounts(ctx, input.CompanyID, input.DepositAccountID, receivableID); err != nil {
			return err
		}
		now := s.now()
		number, err := s.seq.Next(ctx, sequence.YearScope(input.CompanyID, sequence.KindPayment, input.Method.Prefix(), now))
		if err != nil {
			return err
		}
		trx, err := s.ledger.CreateDraft(ctx, accounting.DraftInput{
			CompanyID:   input.CompanyID,
			Type:        accounting.TransactionTypePayment,
			Number:      number,
			Date:        input.PaymentDate,
			Description: "Payment " + number,
			Reference:   input.Reference,
			ActorID:     input.ActorID,
		})
		if err != nil {
			return err
		}
		created, err = tx.InsertPayment(ctx, Payment{
			CompanyID:           input.CompanyID,
			CustomerID:          customerID,
			InvoiceID:           input.InvoiceID,
			TransactionID:       trx.ID,
			Number:              number,
			Method:              input.Method,
			Status:              PaymentStatusDraft,
			Amount:              input.Amount,
			PaymentDate:         input.PaymentDate,
			DepositAccountID:    input.DepositAccountID,
			ReceivableAccountID: receivableID,
			Reference:           input.Reference,
			CreatedBy:           input.ActorID,
			CreatedAt:           now,
			UpdatedAt:           now,
		})
		if err != nil {
			return err
		}
		ev.EntityID = strconv.FormatInt(created.ID, 10)
		ev.Set("number", created.Number)
		ev.Set("amount", created.Amount.StringFixed(2))
		return nil
	})
	if err != nil {
		return Payment{}, err
	}
	return created, nil
}

// PostPayment books deposit against receivable and applies the amount to the linked invoice.
// The invoice balance is re-checked under lock, so concurrent drafts cannot overpay it.
func (s *PaymentService) PostPayment(ctx context.Context, paymentID, actorID int64) (Payment, error) {
	var posted Payment
	ev := audit.Event{ActorID: actorID, Action: "payment.post", Entity: "payment", EntityID: strconv.FormatInt(paymentID, 10)}
	err := s.atomic(ctx, ev, func(ctx context.Context, tx TxRepository, ev *audit.Event) error {
		p, err := tx.GetPaymentForUpdate(ctx, paymentID)
		if err != nil {
			return err
		}
		ev.CompanyID = p.CompanyID
		ev.Set("number", p.Number)
		if p.Status != PaymentStatusDraft {
			return shared.Transition("payment", p.Status, PaymentStatusPosted)
		}
		now := s.now()
		if p.InvoiceID != nil {
			inv, err := settle(ctx, tx, *p.InvoiceID, p.Amount, now)
			if err != nil {
				return err
			}
			ev.Set("invoice_status", string(inv.Status))
		}
		trx, err := s.ledger.PostWithLines(ctx, p.TransactionID, paymentLines(p), actorID)
		if err != nil {
			return err
		}
		p.Status = PaymentStatusPosted
		p.PostedAt = trx.PostedAt
		p.UpdatedAt = now
		if err := tx.UpdatePaymentState(ctx, p); err != nil {
			return err
		}
		posted = p
		return nil
	})
	if err != nil {
		return Payment{}, err
	}
	return posted, nil
}

// VoidPayment reverses a POSTED payment and takes its amount back off the linked invoice.
func (s *PaymentService) VoidPayment(ctx context.Context, paymentID, actorID int64, reason string) (Payment, error) {
	var voided Payment
	ev := audit.Event{ActorID: actorID, Action: "payment.void", Entity: "payment", EntityID: strconv.FormatInt(paymentID, 10)}
	err := s.atomic(ctx, ev, func(ctx context.Context, tx TxRepository, ev *audit.Event) error {
		p, err := tx.GetPaymentForUpdate(ctx, paymentID)
		if err != nil {
			return err
		}
		ev.CompanyID = p.CompanyID
		ev.Set("number", p.Number)
		ev.Set("reason", reason)
		if p.Status != PaymentStatusPosted {
			return shared.Transition("payment", p.Status, PaymentStatusVoid)
		}
		if _, err := s.ledger.VoidTransaction(ctx, p.TransactionID, actorID, reason); err != nil {
			return err
		}
		now := s.now()
		if p.InvoiceID != nil {
			if _, err := settle(ctx, tx, *p.InvoiceID, p.Amount.Neg(), now); err != nil {
				return err
			}
		}
		p.Status = PaymentStatusVoid
		p.VoidedAt = &now
		p.UpdatedAt = now
		if err := tx.UpdatePaymentState(ctx, p); err != nil {
			return err
		}
		voided = p
		return nil
	})
	if err != nil {
		return Payment{}, err
	}
	return voided, nil
}

// GetPayment loads a payment.
func (s *PaymentService) GetPayment(ctx context.Context, paymentID int64) (Payment, error) {
	var p Payment
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		p, err = tx.GetPayment(ctx, paymentID)
		return err
	})
	return p, err
}

func paymentLines(p Payment) []accounting.LineInput {
	return []accounting.LineInput{
		{AccountID: p.DepositAccountID, Description: "Receipt " + p.Number, Debit: p.Amount, Credit: decimal.Zero},
		{AccountID: p.ReceivableAccountID, Description: "Settlement " + p.Number, Debit: decimal.Zero, Credit: p.Amount},
	}
}
