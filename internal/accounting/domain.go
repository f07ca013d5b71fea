package accounting

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-rental/internal/money"
	"github.com/odyssey-erp/odyssey-rental/internal/shared"
)

// AccountType enumerates CoA categories.
type AccountType string

const (
	AccountTypeAsset     AccountType = "ASSET"
	AccountTypeLiability AccountType = "LIABILITY"
	AccountTypeEquity    AccountType = "EQUITY"
	AccountTypeRevenue   AccountType = "REVENUE"
	AccountTypeExpense   AccountType = "EXPENSE"
)

// Valid reports whether t is a known account type.
func (t AccountType) Valid() bool {
	switch t {
	case AccountTypeAsset, AccountTypeLiability, AccountTypeEquity, AccountTypeRevenue, AccountTypeExpense:
		return true
	}
	return false
}

// DebitNormal reports whether balances of this type grow with debits.
func (t AccountType) DebitNormal() bool {
	return t == AccountTypeAsset || t == AccountTypeExpense
}

// SignedBalance applies the type polarity to raw debit and credit totals.
func (t AccountType) SignedBalance(debit, credit decimal.Decimal) decimal.Decimal {
	if t.DebitNormal() {
		return debit.Sub(credit)
	}
	return credit.Sub(debit)
}

// TransactionType enumerates journal entry origins.
type TransactionType string

const (
	TransactionTypeJournal TransactionType = "JOURNAL_VOUCHER"
	TransactionTypeInvoice TransactionType = "INVOICE"
	TransactionTypePayment TransactionType = "PAYMENT"
)

// TransactionStatus enumerates journal lifecycle values.
type TransactionStatus string

const (
	TransactionStatusDraft  TransactionStatus = "DRAFT"
	TransactionStatusPosted TransactionStatus = "POSTED"
	TransactionStatusVoid   TransactionStatus = "VOID"
)

// Account models a chart of accounts node.
type Account struct {
	ID        int64
	CompanyID int64
	Code      string
	Name      string
	Type      AccountType
	SubType   string
	ParentID  *int64
	IsActive  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Transaction is a journal entry header plus its ordered lines.
type Transaction struct {
	ID           int64
	CompanyID    int64
	Type         TransactionType
	Status       TransactionStatus
	Number       string
	Date         time.Time
	Description  string
	Reference    string
	ReversalOfID *int64
	ReversedByID *int64
	PostedAt     *time.Time
	PostedBy     *int64
	VoidedAt     *time.Time
	VoidReason   string
	CreatedBy    int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
	Lines        []TransactionLine
}

// WasPosted reports whether the entry ever reached the permanent ledger.
func (t Transaction) WasPosted() bool {
	return t.PostedAt != nil
}

// Totals sums both sides of the lines.
func (t Transaction) Totals() (debit, credit decimal.Decimal) {
	debit, credit = decimal.Zero, decimal.Zero
	for _, l := range t.Lines {
		debit = debit.Add(l.Debit)
		credit = credit.Add(l.Credit)
	}
	return debit, credit
}

// TransactionLine stores debit or credit amount for an account.
type TransactionLine struct {
	ID            int64
	TransactionID int64
	AccountID     int64
	Description   string
	Debit         decimal.Decimal
	Credit        decimal.Decimal
	LineNumber    int
}

// AccountMapping links integration keys to ledger accounts.
type AccountMapping struct {
	CompanyID int64
	Module    string
	Key       string
	AccountID int64
	UpdatedAt time.Time
}

// Well-known mapping keys consumed by billing and booking.
const (
	MappingModuleBilling = "BILLING"

	KeyReceivable = "ar.receivable"
	KeyRevenue    = "rental.revenue"
	KeyTaxPayable = "tax.payable"
	KeyCash       = "cash"
	KeyBank       = "bank"
)

// Balance is the posted position of one account.
type Balance struct {
	AccountID int64
	Type      AccountType
	Debit     decimal.Decimal
	Credit    decimal.Decimal
	Balance   decimal.Decimal
	AsOf      *time.Time
}

// TrialBalance aggregates balances for a company.
type TrialBalance struct {
	CompanyID   int64
	AsOf        *time.Time
	Rows        []Balance
	TotalDebit  decimal.Decimal
	TotalCredit decimal.Decimal
}

// AccountInput creates a chart of accounts node.
type AccountInput struct {
	CompanyID int64       `validate:"required,gt=0"`
	Code      string      `validate:"required,max=32"`
	Name      string      `validate:"required,max=128"`
	Type      AccountType `validate:"required,oneof=ASSET LIABILITY EQUITY REVENUE EXPENSE"`
	SubType   string      `validate:"max=64"`
	ParentID  *int64
	ActorID   int64
}

// LineInput describes a journal line.
type LineInput struct {
	AccountID   int64 `validate:"required,gt=0"`
	Description string
	Debit       decimal.Decimal
	Credit      decimal.Decimal
}

// JournalInput groups fields required to create a journal voucher.
type JournalInput struct {
	CompanyID   int64     `validate:"required,gt=0"`
	Date        time.Time `validate:"required"`
	Description string    `validate:"max=512"`
	Reference   string    `validate:"max=128"`
	ActorID     int64
	Lines       []LineInput `validate:"required,min=2,dive"`
}

// DraftInput opens a line-less draft owned by a billing document.
type DraftInput struct {
	CompanyID   int64           `validate:"required,gt=0"`
	Type        TransactionType `validate:"required,oneof=JOURNAL_VOUCHER INVOICE PAYMENT"`
	Number      string          `validate:"required"`
	Date        time.Time       `validate:"required"`
	Description string
	Reference   string
	ActorID     int64
}

// VoidResult pairs the voided entry with its posted reversal.
type VoidResult struct {
	Voided   Transaction
	Reversal Transaction
}

// ValidateLines checks every line is a well-formed single-sided amount and returns the totals.
func ValidateLines(lines []LineInput) (debit, credit decimal.Decimal, err error) {
	debit, credit = decimal.Zero, decimal.Zero
	if len(lines) < 2 {
		return debit, credit, shared.Invalid("lines", "journal requires at least two lines")
	}
	for idx, line := range lines {
		if line.AccountID <= 0 {
			return debit, credit, shared.Invalid(fmt.Sprintf("lines[%d].account_id", idx), "is required")
		}
		if err := money.Check(fmt.Sprintf("lines[%d].debit", idx), line.Debit); err != nil {
			return debit, credit, err
		}
		if err := money.Check(fmt.Sprintf("lines[%d].credit", idx), line.Credit); err != nil {
			return debit, credit, err
		}
		if line.Debit.IsNegative() || line.Credit.IsNegative() {
			return debit, credit, shared.Invalid(fmt.Sprintf("lines[%d]", idx), "negative amount")
		}
		if line.Debit.IsPositive() == line.Credit.IsPositive() {
			return debit, credit, shared.Invalid(fmt.Sprintf("lines[%d]", idx), "exactly one of debit or credit must be non-zero")
		}
		debit = debit.Add(line.Debit)
		credit = credit.Add(line.Credit)
	}
	return debit, credit, nil
}

// CheckBalanced validates lines and requires Σdebit == Σcredit exactly.
func CheckBalanced(lines []LineInput) error {
	debit, credit, err := ValidateLines(lines)
	if err != nil {
		return err
	}
	if !debit.Equal(credit) {
		return fmt.Errorf("debit %s != credit %s: %w", debit, credit, shared.ErrUnbalanced)
	}
	return nil
}

// ReverseLines swaps debit and credit on every line.
func ReverseLines(lines []TransactionLine) []LineInput {
	out := make([]LineInput, 0, len(lines))
	for _, line := range lines {
		out = append(out, LineInput{
			AccountID:   line.AccountID,
			Description: line.Description,
			Debit:       line.Credit,
			Credit:      line.Debit,
		})
	}
	return out
}

// LinesToInputs copies stored lines back into inputs.
func LinesToInputs(lines []TransactionLine) []LineInput {
	out := make([]LineInput, 0, len(lines))
	for _, line := range lines {
		out = append(out, LineInput{AccountID: line.AccountID, Description: line.Description, Debit: line.Debit, Credit: line.Credit})
	}
	return out
}

func accountIDs(lines []LineInput) []int64 {
	seen := make(map[int64]struct{}, len(lines))
	ids := make([]int64, 0, len(lines))
	for _, l := range lines {
		if _, ok := seen[l.AccountID]; ok {
			continue
		}
		seen[l.AccountID] = struct{}{}
		ids = append(ids, l.AccountID)
	}
	return ids
}

func defaultReversalMemo(number, reason string) string {
	if reason == "" {
		return fmt.Sprintf("Reversal of %s", number)
	}
	return fmt.Sprintf("Reversal of %s: %s", number, reason)
}
