package ar_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/odyssey-rental/internal/accounting"
	"github.com/odyssey-erp/odyssey-rental/internal/ar"
	"github.com/odyssey-erp/odyssey-rental/internal/shared"
	"github.com/odyssey-erp/odyssey-rental/internal/testing/rentaltest"
)

func invoiceInput(env *rentaltest.Env, customerID int64, taxRate string, items ...ar.InvoiceItemInput) ar.InvoiceInput {
	issue := env.Clock.Now()
	in := ar.InvoiceInput{
		CompanyID:           rentaltest.CompanyID,
		CustomerID:          customerID,
		IssueDate:           issue,
		DueDate:             issue.AddDate(0, 0, 14),
		ReceivableAccountID: env.Accounts.Receivable,
		RevenueAccountID:    env.Accounts.Revenue,
		TaxRate:             decimal.RequireFromString(taxRate),
		ActorID:             3,
		Items:               items,
	}
	if in.TaxRate.IsPositive() {
		in.TaxAccountID = &env.Accounts.TaxPayable
	}
	return in
}

func item(desc, qty, price string) ar.InvoiceItemInput {
	return ar.InvoiceItemInput{Description: desc, Quantity: decimal.RequireFromString(qty), UnitPrice: decimal.RequireFromString(price)}
}

func postedInvoice(t *testing.T, env *rentaltest.Env, customerID int64, total string) ar.Invoice {
	t.Helper()
	ctx := context.Background()
	inv, err := env.Invoices.CreateInvoice(ctx, invoiceInput(env, customerID, "0", item("Rental", "1", total)))
	require.NoError(t, err)
	inv, err = env.Invoices.PostInvoice(ctx, inv.ID, 3)
	require.NoError(t, err)
	return inv
}

func pay(env *rentaltest.Env, invoiceID int64, method ar.PaymentMethod, amount string) ar.PaymentInput {
	deposit := env.Accounts.Bank
	if method == ar.PaymentMethodCash {
		deposit = env.Accounts.Cash
	}
	return ar.PaymentInput{
		CompanyID:        rentaltest.CompanyID,
		InvoiceID:        &invoiceID,
		Method:           method,
		Amount:           decimal.RequireFromString(amount),
		PaymentDate:      env.Clock.Now(),
		DepositAccountID: deposit,
		ActorID:          3,
	}
}

func balance(t *testing.T, env *rentaltest.Env, accountID int64) string {
	t.Helper()
	b, err := env.Ledger.GetAccountBalance(context.Background(), accountID, nil)
	require.NoError(t, err)
	return b.Balance.StringFixed(2)
}

func TestComputeTotalsRoundsBeforeSumming(t *testing.T) {
	totals, err := ar.ComputeTotals([]ar.InvoiceItemInput{
		item("Rental", "3", "333.33"),
		item("Baby seat", "0.5", "10.01"),
	}, decimal.RequireFromString("11"))
	require.NoError(t, err)
	require.Equal(t, "999.99", totals.Items[0].Amount.StringFixed(2))
	require.Equal(t, "5.01", totals.Items[1].Amount.StringFixed(2))
	require.Equal(t, "1005.00", totals.Subtotal.StringFixed(2))
	require.Equal(t, "110.55", totals.TaxAmount.StringFixed(2))
	require.Equal(t, "1115.55", totals.Total.StringFixed(2))

	_, err = ar.ComputeTotals([]ar.InvoiceItemInput{item("Rental", "1", "10.001")}, decimal.Zero)
	require.ErrorIs(t, err, shared.ErrPrecisionExceeded)
	_, err = ar.ComputeTotals([]ar.InvoiceItemInput{item("Rental", "0", "10")}, decimal.Zero)
	require.ErrorIs(t, err, shared.ErrValidation)
	_, err = ar.ComputeTotals([]ar.InvoiceItemInput{item("Rental", "1", "10")}, decimal.NewFromInt(101))
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestDeriveStatus(t *testing.T) {
	due := rentaltest.Day(2025, time.March, 20)
	base := ar.Invoice{Status: ar.InvoiceStatusSent, DueDate: due, TotalAmount: decimal.NewFromInt(100), PaidAmount: decimal.Zero}
	cases := []struct {
		name string
		inv  func(ar.Invoice) ar.Invoice
		now  time.Time
		want ar.InvoiceStatus
	}{
		{"unpaid on due day", func(i ar.Invoice) ar.Invoice { return i }, due.Add(23 * time.Hour), ar.InvoiceStatusSent},
		{"unpaid after due day", func(i ar.Invoice) ar.Invoice { return i }, due.AddDate(0, 0, 1), ar.InvoiceStatusOverdue},
		{"partial", func(i ar.Invoice) ar.Invoice { i.PaidAmount = decimal.NewFromInt(40); return i }, due.AddDate(0, 0, 5), ar.InvoiceStatusPartiallyPaid},
		{"paid", func(i ar.Invoice) ar.Invoice { i.PaidAmount = decimal.NewFromInt(100); return i }, due.AddDate(0, 0, 5), ar.InvoiceStatusPaid},
		{"draft stays", func(i ar.Invoice) ar.Invoice { i.Status = ar.InvoiceStatusDraft; return i }, due.AddDate(0, 0, 5), ar.InvoiceStatusDraft},
		{"void stays", func(i ar.Invoice) ar.Invoice { i.Status = ar.InvoiceStatusVoid; return i }, due.AddDate(0, 0, 5), ar.InvoiceStatusVoid},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, ar.DeriveStatus(tc.inv(base), tc.now))
		})
	}
}

func TestCreateAndPostInvoice(t *testing.T) {
	env := rentaltest.New(t)
	ctx := context.Background()
	cust := env.Customer("budi")

	inv, err := env.Invoices.CreateInvoice(ctx, invoiceInput(env, cust.ID, "11", item("Avanza 2 days", "2", "350000")))
	require.NoError(t, err)
	require.Equal(t, "INV-2025-0001", inv.Number)
	require.Equal(t, ar.InvoiceStatusDraft, inv.Status)
	require.Equal(t, "777000.00", inv.TotalAmount.StringFixed(2))

	trx, err := env.Ledger.GetTransaction(ctx, inv.TransactionID)
	require.NoError(t, err)
	require.Equal(t, inv.Number, trx.Number)
	require.Equal(t, accounting.TransactionTypeInvoice, trx.Type)
	require.Empty(t, trx.Lines)

	posted, err := env.Invoices.PostInvoice(ctx, inv.ID, 3)
	require.NoError(t, err)
	require.Equal(t, ar.InvoiceStatusSent, posted.Status)
	require.NotNil(t, posted.PostedAt)

	require.Equal(t, "777000.00", balance(t, env, env.Accounts.Receivable))
	require.Equal(t, "700000.00", balance(t, env, env.Accounts.Revenue))
	require.Equal(t, "77000.00", balance(t, env, env.Accounts.TaxPayable))

	_, err = env.Invoices.PostInvoice(ctx, inv.ID, 3)
	require.ErrorIs(t, err, shared.ErrInvalidTransition)
}

func TestCreateInvoiceRejections(t *testing.T) {
	env := rentaltest.New(t)
	ctx := context.Background()
	cust := env.Customer("sari")

	_, err := env.Invoices.CreateInvoice(ctx, invoiceInput(env, 999, "0", item("Rental", "1", "10")))
	require.ErrorIs(t, err, shared.ErrCustomerNotFound)

	noTaxAccount := invoiceInput(env, cust.ID, "11", item("Rental", "1", "10"))
	noTaxAccount.TaxAccountID = nil
	_, err = env.Invoices.CreateInvoice(ctx, noTaxAccount)
	require.ErrorIs(t, err, shared.ErrValidation)

	early := invoiceInput(env, cust.ID, "0", item("Rental", "1", "10"))
	early.DueDate = early.IssueDate.AddDate(0, 0, -1)
	_, err = env.Invoices.CreateInvoice(ctx, early)
	require.ErrorIs(t, err, shared.ErrValidation)

	free := invoiceInput(env, cust.ID, "0", item("Courtesy", "1", "0"))
	_, err = env.Invoices.CreateInvoice(ctx, free)
	require.ErrorIs(t, err, shared.ErrValidation)

	// rejected creations consume no numbers
	inv, err := env.Invoices.CreateInvoice(ctx, invoiceInput(env, cust.ID, "0", item("Rental", "1", "10")))
	require.NoError(t, err)
	require.Equal(t, "INV-2025-0001", inv.Number)
}

func TestConcurrentInvoiceNumbersAreUnique(t *testing.T) {
	env := rentaltest.New(t)
	cust := env.Customer("andi")
	const n = 20

	numbers := make([]string, n)
	var g errgroup.Group
	for i := 0; i < n; i++ {
		g.Go(func() error {
			inv, err := env.Invoices.CreateInvoice(context.Background(), invoiceInput(env, cust.ID, "0", item(fmt.Sprintf("Rental %d", i), "1", "100")))
			if err != nil {
				return err
			}
			numbers[i] = inv.Number
			return nil
		})
	}
	require.NoError(t, g.Wait())

	seen := make(map[string]bool, n)
	for _, number := range numbers {
		require.False(t, seen[number], "duplicate %s", number)
		seen[number] = true
	}
	for i := 1; i <= n; i++ {
		require.True(t, seen[fmt.Sprintf("INV-2025-%04d", i)])
	}
}

func TestPaymentsSettleInvoice(t *testing.T) {
	env := rentaltest.New(t)
	ctx := context.Background()
	cust := env.Customer("dewi")
	inv := postedInvoice(t, env, cust.ID, "1000")

	first, err := env.Payments.CreatePayment(ctx, pay(env, inv.ID, ar.PaymentMethodCash, "400"))
	require.NoError(t, err)
	require.Equal(t, "CP-2025-0001", first.Number)
	require.Equal(t, cust.ID, first.CustomerID)
	require.Equal(t, env.Accounts.Receivable, first.ReceivableAccountID)

	// drafts do not move the invoice
	current, err := env.Invoices.GetInvoice(ctx, inv.ID)
	require.NoError(t, err)
	require.True(t, current.PaidAmount.IsZero())

	_, err = env.Payments.PostPayment(ctx, first.ID, 3)
	require.NoError(t, err)
	current, err = env.Invoices.GetInvoice(ctx, inv.ID)
	require.NoError(t, err)
	require.Equal(t, ar.InvoiceStatusPartiallyPaid, current.Status)
	require.Equal(t, "600.00", current.BalanceAmount().StringFixed(2))

	second, err := env.Payments.CreatePayment(ctx, pay(env, inv.ID, ar.PaymentMethodBankTransfer, "600"))
	require.NoError(t, err)
	require.Equal(t, "BP-2025-0001", second.Number)
	_, err = env.Payments.PostPayment(ctx, second.ID, 3)
	require.NoError(t, err)

	current, err = env.Invoices.GetInvoice(ctx, inv.ID)
	require.NoError(t, err)
	require.Equal(t, ar.InvoiceStatusPaid, current.Status)
	require.Equal(t, "0.00", balance(t, env, env.Accounts.Receivable))
	require.Equal(t, "400.00", balance(t, env, env.Accounts.Cash))
	require.Equal(t, "600.00", balance(t, env, env.Accounts.Bank))
}

func TestOverpaymentRejected(t *testing.T) {
	env := rentaltest.New(t)
	ctx := context.Background()
	cust := env.Customer("eko")
	inv := postedInvoice(t, env, cust.ID, "500")

	_, err := env.Payments.CreatePayment(ctx, pay(env, inv.ID, ar.PaymentMethodCash, "500.01"))
	require.ErrorIs(t, err, shared.ErrOverpayment)

	// two drafts each fit the open balance, the second post must not
	a, err := env.Payments.CreatePayment(ctx, pay(env, inv.ID, ar.PaymentMethodCash, "300"))
	require.NoError(t, err)
	b, err := env.Payments.CreatePayment(ctx, pay(env, inv.ID, ar.PaymentMethodCard, "300"))
	require.NoError(t, err)
	_, err = env.Payments.PostPayment(ctx, a.ID, 3)
	require.NoError(t, err)
	_, err = env.Payments.PostPayment(ctx, b.ID, 3)
	require.ErrorIs(t, err, shared.ErrOverpayment)

	stillDraft, err := env.Payments.GetPayment(ctx, b.ID)
	require.NoError(t, err)
	require.Equal(t, ar.PaymentStatusDraft, stillDraft.Status)
	require.Equal(t, "300.00", balance(t, env, env.Accounts.Cash))
	require.Equal(t, "0.00", balance(t, env, env.Accounts.Bank))
}

func TestPaymentPrecisionAndDraftInvoice(t *testing.T) {
	env := rentaltest.New(t)
	ctx := context.Background()
	cust := env.Customer("fajar")
	draft, err := env.Invoices.CreateInvoice(ctx, invoiceInput(env, cust.ID, "0", item("Rental", "1", "100")))
	require.NoError(t, err)

	_, err = env.Payments.CreatePayment(ctx, pay(env, draft.ID, ar.PaymentMethodCash, "10"))
	require.ErrorIs(t, err, shared.ErrValidation)
	_, err = env.Payments.CreatePayment(ctx, pay(env, draft.ID, ar.PaymentMethodCash, "10.125"))
	require.ErrorIs(t, err, shared.ErrPrecisionExceeded)
}

func TestVoidPaymentRestoresBalance(t *testing.T) {
	env := rentaltest.New(t)
	ctx := context.Background()
	cust := env.Customer("gita")
	inv := postedInvoice(t, env, cust.ID, "250")

	p, err := env.Payments.CreatePayment(ctx, pay(env, inv.ID, ar.PaymentMethodCash, "250"))
	require.NoError(t, err)
	_, err = env.Payments.PostPayment(ctx, p.ID, 3)
	require.NoError(t, err)

	_, err = env.Invoices.VoidInvoice(ctx, inv.ID, 3, "wrong customer")
	require.ErrorIs(t, err, shared.ErrValidation, "paid invoices cannot be voided")

	voided, err := env.Payments.VoidPayment(ctx, p.ID, 3, "bounced")
	require.NoError(t, err)
	require.Equal(t, ar.PaymentStatusVoid, voided.Status)

	current, err := env.Invoices.GetInvoice(ctx, inv.ID)
	require.NoError(t, err)
	require.Equal(t, ar.InvoiceStatusSent, current.Status)
	require.True(t, current.PaidAmount.IsZero())
	require.Equal(t, "0.00", balance(t, env, env.Accounts.Cash))
	require.Equal(t, "250.00", balance(t, env, env.Accounts.Receivable))

	_, err = env.Payments.VoidPayment(ctx, p.ID, 3, "again")
	require.ErrorIs(t, err, shared.ErrInvalidTransition)
}

func TestVoidInvoice(t *testing.T) {
	env := rentaltest.New(t)
	ctx := context.Background()
	cust := env.Customer("hadi")

	draft, err := env.Invoices.CreateInvoice(ctx, invoiceInput(env, cust.ID, "0", item("Rental", "1", "90")))
	require.NoError(t, err)
	voidedDraft, err := env.Invoices.VoidInvoice(ctx, draft.ID, 3, "typo")
	require.NoError(t, err)
	require.Equal(t, ar.InvoiceStatusVoid, voidedDraft.Status)
	trx, err := env.Ledger.GetTransaction(ctx, draft.TransactionID)
	require.NoError(t, err)
	require.Equal(t, accounting.TransactionStatusVoid, trx.Status)
	require.Nil(t, trx.ReversedByID, "never-posted drafts need no reversal")

	posted := postedInvoice(t, env, cust.ID, "120")
	require.Equal(t, "INV-2025-0002", posted.Number, "voided drafts keep their number")
	_, err = env.Invoices.VoidInvoice(ctx, posted.ID, 3, "cancelled rental")
	require.NoError(t, err)
	require.Equal(t, "0.00", balance(t, env, env.Accounts.Receivable))
	require.Equal(t, "0.00", balance(t, env, env.Accounts.Revenue))

	_, err = env.Invoices.VoidInvoice(ctx, posted.ID, 3, "twice")
	require.ErrorIs(t, err, shared.ErrInvalidTransition)
	_, err = env.Payments.CreatePayment(ctx, pay(env, posted.ID, ar.PaymentMethodCash, "1"))
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestMarkOverdue(t *testing.T) {
	env := rentaltest.New(t)
	ctx := context.Background()
	cust := env.Customer("indah")
	late := postedInvoice(t, env, cust.ID, "100")
	partial := postedInvoice(t, env, cust.ID, "100")
	p, err := env.Payments.CreatePayment(ctx, pay(env, partial.ID, ar.PaymentMethodCash, "10"))
	require.NoError(t, err)
	_, err = env.Payments.PostPayment(ctx, p.ID, 3)
	require.NoError(t, err)

	// due day itself is not overdue yet
	env.Clock.Set(late.DueDate.Add(12 * time.Hour))
	flagged, err := env.Invoices.MarkOverdue(ctx, 10)
	require.NoError(t, err)
	require.Zero(t, flagged)

	env.Clock.Set(rentaltest.Day(late.DueDate.Year(), late.DueDate.Month(), late.DueDate.Day()).AddDate(0, 0, 1))
	flagged, err = env.Invoices.MarkOverdue(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, flagged)

	current, err := env.Invoices.GetInvoice(ctx, late.ID)
	require.NoError(t, err)
	require.Equal(t, ar.InvoiceStatusOverdue, current.Status)
	other, err := env.Invoices.GetInvoice(ctx, partial.ID)
	require.NoError(t, err)
	require.Equal(t, ar.InvoiceStatusPartiallyPaid, other.Status)

	flagged, err = env.Invoices.MarkOverdue(ctx, 10)
	require.NoError(t, err)
	require.Zero(t, flagged, "already overdue invoices are not flagged again")

	// paying an overdue invoice settles it
	p, err = env.Payments.CreatePayment(ctx, pay(env, late.ID, ar.PaymentMethodCash, "100"))
	require.NoError(t, err)
	_, err = env.Payments.PostPayment(ctx, p.ID, 3)
	require.NoError(t, err)
	current, err = env.Invoices.GetInvoice(ctx, late.ID)
	require.NoError(t, err)
	require.Equal(t, ar.InvoiceStatusPaid, current.Status)
}
