package ar

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-rental/internal/money"
	"github.com/odyssey-erp/odyssey-rental/internal/sequence"
	"github.com/odyssey-erp/odyssey-rental/internal/shared"
)

// InvoiceStatus enumerates AR invoice statuses.
type InvoiceStatus string

const (
	InvoiceStatusDraft         InvoiceStatus = "DRAFT"
	InvoiceStatusSent          InvoiceStatus = "SENT"
	InvoiceStatusPartiallyPaid InvoiceStatus = "PARTIALLY_PAID"
	InvoiceStatusPaid          InvoiceStatus = "PAID"
	InvoiceStatusOverdue       InvoiceStatus = "OVERDUE"
	InvoiceStatusVoid          InvoiceStatus = "VOID"
)

// PaymentStatus enumerates payment lifecycle values.
type PaymentStatus string

const (
	PaymentStatusDraft  PaymentStatus = "DRAFT"
	PaymentStatusPosted PaymentStatus = "POSTED"
	PaymentStatusVoid   PaymentStatus = "VOID"
)

// PaymentMethod selects the deposit channel and number prefix.
type PaymentMethod string

const (
	PaymentMethodCash         PaymentMethod = "CASH"
	PaymentMethodBankTransfer PaymentMethod = "BANK_TRANSFER"
	PaymentMethodCard         PaymentMethod = "CARD"
	PaymentMethodCheque       PaymentMethod = "CHEQUE"
)

// Prefix returns CP for cash receipts and BP for bank-cleared ones.
func (m PaymentMethod) Prefix() string {
	if m == PaymentMethodCash {
		return sequence.PrefixCashPayment
	}
	return sequence.PrefixBankPayment
}

// Customer is the billed party of an invoice and the renter of a booking.
type Customer struct {
	ID            int64
	CompanyID     int64
	Code          string
	Name          string
	Email         string
	Phone         string
	IDNumber      string
	DriverLicense string
	Address       string
	IsActive      bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Invoice mirrors one INVOICE ledger transaction. Balance is derived.
type Invoice struct {
	ID                  int64
	CompanyID           int64
	CustomerID          int64
	TransactionID       int64
	Number              string
	Status              InvoiceStatus
	IssueDate           time.Time
	DueDate             time.Time
	ReceivableAccountID int64
	RevenueAccountID    int64
	TaxAccountID        *int64
	TaxRate             decimal.Decimal
	Subtotal            decimal.Decimal
	TaxAmount           decimal.Decimal
	TotalAmount         decimal.Decimal
	PaidAmount          decimal.Decimal
	Reference           string
	Notes               string
	CreatedBy           int64
	PostedAt            *time.Time
	VoidedAt            *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
	Items               []InvoiceItem
}

// BalanceAmount is totalAmount - paidAmount.
func (i Invoice) BalanceAmount() decimal.Decimal {
	return i.TotalAmount.Sub(i.PaidAmount)
}

// InvoiceItem is one billed line.
type InvoiceItem struct {
	ID          int64
	InvoiceID   int64
	LineNumber  int
	Description string
	Quantity    decimal.Decimal
	UnitPrice   decimal.Decimal
	Amount      decimal.Decimal
}

// InvoiceItemInput describes a billed line.
type InvoiceItemInput struct {
	Description string `validate:"required,max=255"`
	Quantity    decimal.Decimal
	UnitPrice   decimal.Decimal
}

// InvoiceInput captures fields required to bill a customer.
type InvoiceInput struct {
	CompanyID           int64     `validate:"required,gt=0"`
	CustomerID          int64     `validate:"required,gt=0"`
	IssueDate           time.Time `validate:"required"`
	DueDate             time.Time `validate:"required"`
	ReceivableAccountID int64     `validate:"required,gt=0"`
	RevenueAccountID    int64     `validate:"required,gt=0"`
	TaxAccountID        *int64
	TaxRate             decimal.Decimal
	Reference           string `validate:"max=128"`
	Notes               string
	ActorID             int64
	Items               []InvoiceItemInput `validate:"required,min=1,dive"`
}

// Payment mirrors one PAYMENT ledger transaction.
type Payment struct {
	ID                  int64
	CompanyID           int64
	CustomerID          int64
	InvoiceID           *int64
	TransactionID       int64
	Number              string
	Method              PaymentMethod
	Status              PaymentStatus
	Amount              decimal.Decimal
	PaymentDate         time.Time
	DepositAccountID    int64
	ReceivableAccountID int64
	Reference           string
	CreatedBy           int64
	PostedAt            *time.Time
	VoidedAt            *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// PaymentInput captures fields required to record a receipt.
type PaymentInput struct {
	CompanyID           int64         `validate:"required,gt=0"`
	CustomerID          int64         `validate:"omitempty,gt=0"`
	InvoiceID           *int64        `validate:"omitempty,gt=0"`
	Method              PaymentMethod `validate:"required,oneof=CASH BANK_TRANSFER CARD CHEQUE"`
	Amount              decimal.Decimal
	PaymentDate         time.Time `validate:"required"`
	DepositAccountID    int64     `validate:"required,gt=0"`
	ReceivableAccountID int64     `validate:"omitempty,gt=0"`
	Reference           string    `validate:"max=128"`
	ActorID             int64
}

// InvoiceTotals holds the rounded figures an invoice is booked with.
type InvoiceTotals struct {
	Items     []InvoiceItem
	Subtotal  decimal.Decimal
	TaxAmount decimal.Decimal
	Total     decimal.Decimal
}

// ComputeTotals validates item precision and derives subtotal, tax and total. Item amounts and
// tax are rounded to cents before summing so the journal lines balance exactly.
func ComputeTotals(items []InvoiceItemInput, taxRate decimal.Decimal) (InvoiceTotals, error) {
	if len(items) == 0 {
		return InvoiceTotals{}, shared.Invalid("items", "at least one line item is required")
	}
	if err := money.Check("tax_rate", taxRate); err != nil {
		return InvoiceTotals{}, err
	}
	if taxRate.IsNegative() || taxRate.GreaterThan(decimal.NewFromInt(100)) {
		return InvoiceTotals{}, shared.Invalid("tax_rate", "must be between 0 and 100")
	}
	out := InvoiceTotals{Subtotal: decimal.Zero}
	for idx, item := range items {
		if err := money.Check(fmt.Sprintf("items[%d].quantity", idx), item.Quantity); err != nil {
			return InvoiceTotals{}, err
		}
		if err := money.Check(fmt.Sprintf("items[%d].unit_price", idx), item.UnitPrice); err != nil {
			return InvoiceTotals{}, err
		}
		if !item.Quantity.IsPositive() {
			return InvoiceTotals{}, shared.Invalid(fmt.Sprintf("items[%d].quantity", idx), "must be positive")
		}
		if item.UnitPrice.IsNegative() {
			return InvoiceTotals{}, shared.Invalid(fmt.Sprintf("items[%d].unit_price", idx), "must not be negative")
		}
		amount := money.Round(item.Quantity.Mul(item.UnitPrice))
		if err := money.Check(fmt.Sprintf("items[%d].amount", idx), amount); err != nil {
			return InvoiceTotals{}, err
		}
		out.Items = append(out.Items, InvoiceItem{
			LineNumber:  idx + 1,
			Description: item.Description,
			Quantity:    item.Quantity,
			UnitPrice:   item.UnitPrice,
			Amount:      amount,
		})
		out.Subtotal = out.Subtotal.Add(amount)
	}
	out.TaxAmount = money.Percent(out.Subtotal, taxRate)
	out.Total = out.Subtotal.Add(out.TaxAmount)
	if err := money.Check("subtotal", out.Subtotal); err != nil {
		return InvoiceTotals{}, err
	}
	if err := money.Check("total_amount", out.Total); err != nil {
		return InvoiceTotals{}, err
	}
	return out, nil
}

// DeriveStatus recomputes the settlement status of a posted invoice.
func DeriveStatus(inv Invoice, now time.Time) InvoiceStatus {
	switch inv.Status {
	case InvoiceStatusDraft, InvoiceStatusVoid:
		return inv.Status
	}
	switch {
	case inv.PaidAmount.GreaterThanOrEqual(inv.TotalAmount):
		return InvoiceStatusPaid
	case inv.PaidAmount.IsPositive():
		return InvoiceStatusPartiallyPaid
	case PastDue(inv.DueDate, now):
		return InvoiceStatusOverdue
	default:
		return InvoiceStatusSent
	}
}

// PastDue reports whether now falls after the due date's calendar day.
func PastDue(due, now time.Time) bool {
	y, m, d := due.Date()
	endOfDue := time.Date(y, m, d, 0, 0, 0, 0, due.Location()).AddDate(0, 0, 1)
	return !now.Before(endOfDue)
}
