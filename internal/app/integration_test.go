//go:build integration

package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/odyssey-rental/internal/accounting"
	"github.com/odyssey-erp/odyssey-rental/internal/ar"
	"github.com/odyssey-erp/odyssey-rental/internal/fleet"
	"github.com/odyssey-erp/odyssey-rental/internal/platform/db"
	"github.com/odyssey-erp/odyssey-rental/internal/rental"
	"github.com/odyssey-erp/odyssey-rental/internal/shared"
	"github.com/odyssey-erp/odyssey-rental/internal/testing/pgtest"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

const companyID int64 = 1

func postgresServices(t *testing.T) (*Services, *testClock, *pgtest.DB) {
	t.Helper()
	pool := pgtest.Setup(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	runner := db.NewRunner(pool, db.DefaultTxOptions(), logger)
	services := NewServices(nil, runner, client, logger, nil)

	clock := &testClock{now: time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)}
	services.Ledger.WithNow(clock.Now)
	services.Invoices.WithNow(clock.Now)
	services.Payments.WithNow(clock.Now)
	services.Fleet.WithNow(clock.Now)
	services.Rental.WithNow(clock.Now)

	seedChart(t, services.Ledger)
	return services, clock, &pgtest.DB{Pool: pool}
}

func seedChart(t *testing.T, ledger *accounting.Service) {
	ctx := context.Background()
	create := func(code, name string, typ accounting.AccountType) int64 {
		acc, err := ledger.CreateAccount(ctx, accounting.AccountInput{CompanyID: companyID, Code: code, Name: name, Type: typ})
		require.NoError(t, err)
		return acc.ID
	}
	mappings := map[string]int64{
		accounting.KeyCash:       create("1100", "Cash on hand", accounting.AccountTypeAsset),
		accounting.KeyBank:       create("1200", "Bank", accounting.AccountTypeAsset),
		accounting.KeyReceivable: create("1300", "Accounts receivable", accounting.AccountTypeAsset),
		accounting.KeyTaxPayable: create("2100", "Tax payable", accounting.AccountTypeLiability),
		accounting.KeyRevenue:    create("4000", "Rental revenue", accounting.AccountTypeRevenue),
	}
	for key, id := range mappings {
		require.NoError(t, ledger.SetAccountMapping(ctx, accounting.AccountMapping{
			CompanyID: companyID, Module: accounting.MappingModuleBilling, Key: key, AccountID: id,
		}, 0))
	}
}

func TestPostgresBookingLifecycle(t *testing.T) {
	services, clock, pg := postgresServices(t)
	ctx := context.Background()

	customerID := pg.SeedCustomer(t, companyID, "C-001", "Budi")
	vehicleID := pg.SeedVehicle(t, companyID, "B 1234 XYZ", 350000, 7000000)

	_, err := services.Ledger.CreateAccount(ctx, accounting.AccountInput{CompanyID: companyID, Code: "1100", Name: "Dup", Type: accounting.AccountTypeAsset})
	require.ErrorIs(t, err, accounting.ErrAccountCodeTaken)

	created, err := services.Rental.CreateBooking(ctx, rental.BookingInput{
		CompanyID:  companyID,
		CustomerID: customerID,
		VehicleID:  vehicleID,
		StartDate:  time.Date(2025, time.March, 12, 9, 0, 0, 0, time.UTC),
		EndDate:    time.Date(2025, time.March, 15, 9, 0, 0, 0, time.UTC),
		ActorID:    7,
	})
	require.NoError(t, err)
	require.Equal(t, "BK-2025-0001", created.Booking.Number)
	require.Equal(t, rental.BookingPending, created.Booking.Status)
	require.Equal(t, fleet.LockTempBooked, created.Vehicle.LockStatus)

	confirmed, err := services.Rental.ConfirmBooking(ctx, created.Booking.ID, 7)
	require.NoError(t, err)
	require.Equal(t, rental.BookingConfirmed, confirmed.Booking.Status)
	require.NotNil(t, confirmed.Invoice)
	require.True(t, strings.HasPrefix(confirmed.Invoice.Number, "INV-2025-"), confirmed.Invoice.Number)
	require.Equal(t, ar.InvoiceStatusDraft, confirmed.Invoice.Status)

	stored, err := services.Invoices.GetInvoice(ctx, confirmed.Invoice.ID)
	require.NoError(t, err)
	require.True(t, stored.Subtotal.Equal(confirmed.Booking.TotalAmount))
	require.Len(t, stored.Items, 1)

	events := pg.Count(t, `SELECT COUNT(*) FROM audit_outbox WHERE entity = 'booking'`)
	require.GreaterOrEqual(t, events, 2)

	clock.Advance(time.Hour)
	second := pg.SeedVehicle(t, companyID, "B 5678 XYZ", 300000, 6000000)
	next, err := services.Rental.CreateBooking(ctx, rental.BookingInput{
		CompanyID:  companyID,
		CustomerID: customerID,
		VehicleID:  second,
		StartDate:  time.Date(2025, time.March, 20, 9, 0, 0, 0, time.UTC),
		EndDate:    time.Date(2025, time.March, 22, 9, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	require.Equal(t, "BK-2025-0002", next.Booking.Number)
}

func TestPostgresSweepCancelsLapsedHold(t *testing.T) {
	services, clock, pg := postgresServices(t)
	ctx := context.Background()

	customerID := pg.SeedCustomer(t, companyID, "C-002", "Sari")
	vehicleID := pg.SeedVehicle(t, companyID, "D 4321 ABC", 400000, 8000000)

	created, err := services.Rental.CreateBooking(ctx, rental.BookingInput{
		CompanyID:  companyID,
		CustomerID: customerID,
		VehicleID:  vehicleID,
		StartDate:  time.Date(2025, time.April, 1, 9, 0, 0, 0, time.UTC),
		EndDate:    time.Date(2025, time.April, 3, 9, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	res, err := services.Sweeper.RunOnce(ctx)
	require.NoError(t, err)
	require.Zero(t, res.Scanned, "hold has not lapsed yet")

	clock.Advance(fleet.DefaultHold + time.Minute)
	res, err = services.Sweeper.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Cancelled)
	require.Empty(t, res.Failed)

	got, err := services.Rental.GetBooking(ctx, created.Booking.ID)
	require.NoError(t, err)
	require.Equal(t, rental.BookingCancelled, got.Booking.Status)
	require.Equal(t, fleet.LockAvailable, got.Vehicle.LockStatus)
	require.Nil(t, got.Vehicle.TempLockedUntil)

	res, err = services.Sweeper.RunOnce(ctx)
	require.NoError(t, err)
	require.Zero(t, res.Scanned)
}

func accountID(t *testing.T, pg *pgtest.DB, code string) int64 {
	t.Helper()
	var id int64
	err := pg.Pool.QueryRow(context.Background(), `SELECT id FROM accounts WHERE company_id = $1 AND code = $2`, companyID, code).Scan(&id)
	require.NoError(t, err)
	return id
}

// contended units may exhaust their retries; they must never commit a duplicate or an overpayment
func requireContention(t *testing.T, err error, allowed ...error) {
	t.Helper()
	allowed = append(allowed, shared.ErrSequenceGenerationFailed, shared.ErrConcurrencyConflict)
	for _, target := range allowed {
		if errors.Is(err, target) {
			return
		}
	}
	require.Fail(t, "unexpected error under contention", "%v", err)
}

func rentalInvoice(t *testing.T, pg *pgtest.DB, customerID int64, issue time.Time, total string) ar.InvoiceInput {
	return ar.InvoiceInput{
		CompanyID:           companyID,
		CustomerID:          customerID,
		IssueDate:           issue,
		DueDate:             issue.AddDate(0, 0, 7),
		ReceivableAccountID: accountID(t, pg, "1300"),
		RevenueAccountID:    accountID(t, pg, "4000"),
		Items: []ar.InvoiceItemInput{{
			Description: "Rental",
			Quantity:    decimal.NewFromInt(1),
			UnitPrice:   decimal.RequireFromString(total),
		}},
	}
}

func TestPostgresConcurrentInvoiceNumbersAreGapFree(t *testing.T) {
	services, clock, pg := postgresServices(t)
	customerID := pg.SeedCustomer(t, companyID, "C-003", "Rina")
	input := rentalInvoice(t, pg, customerID, clock.Now(), "250000")
	const n = 8

	numbers := make([]string, n)
	errs := make([]error, n)
	var g errgroup.Group
	for i := 0; i < n; i++ {
		g.Go(func() error {
			inv, err := services.Invoices.CreateInvoice(context.Background(), input)
			numbers[i], errs[i] = inv.Number, err
			return nil
		})
	}
	require.NoError(t, g.Wait())

	seen := make(map[string]bool, n)
	for i := range numbers {
		if errs[i] != nil {
			requireContention(t, errs[i])
			continue
		}
		require.False(t, seen[numbers[i]], "duplicate %s", numbers[i])
		seen[numbers[i]] = true
	}
	require.NotEmpty(t, seen)
	for i := 1; i <= len(seen); i++ {
		require.True(t, seen[fmt.Sprintf("INV-2025-%04d", i)], "gap at %d", i)
	}
	require.Equal(t, len(seen), pg.Count(t, `SELECT COUNT(*) FROM invoices WHERE company_id = $1`, companyID))
	require.Equal(t, len(seen), pg.Count(t, `SELECT COUNT(*) FROM transactions WHERE company_id = $1 AND number LIKE 'INV-%'`, companyID))
}

func TestPostgresConcurrentPaymentsNeverOverpay(t *testing.T) {
	services, clock, pg := postgresServices(t)
	ctx := context.Background()
	customerID := pg.SeedCustomer(t, companyID, "C-004", "Tono")

	inv, err := services.Invoices.CreateInvoice(ctx, rentalInvoice(t, pg, customerID, clock.Now(), "900000"))
	require.NoError(t, err)
	inv, err = services.Invoices.PostInvoice(ctx, inv.ID, 7)
	require.NoError(t, err)

	// drafts only check the posted balance, so all of them fit before any posts
	const n = 6
	share := decimal.RequireFromString("300000")
	drafts := make([]ar.Payment, n)
	for i := range drafts {
		drafts[i], err = services.Payments.CreatePayment(ctx, ar.PaymentInput{
			CompanyID:        companyID,
			InvoiceID:        &inv.ID,
			Method:           ar.PaymentMethodBankTransfer,
			Amount:           share,
			PaymentDate:      clock.Now(),
			DepositAccountID: accountID(t, pg, "1200"),
			ActorID:          7,
		})
		require.NoError(t, err)
	}

	errs := make([]error, n)
	var g errgroup.Group
	for i := range drafts {
		g.Go(func() error {
			_, errs[i] = services.Payments.PostPayment(context.Background(), drafts[i].ID, 7)
			return nil
		})
	}
	require.NoError(t, g.Wait())

	posted := 0
	for _, err := range errs {
		if err != nil {
			requireContention(t, err, shared.ErrOverpayment)
			continue
		}
		posted++
	}
	require.LessOrEqual(t, posted, 3)
	require.Positive(t, posted)

	current, err := services.Invoices.GetInvoice(ctx, inv.ID)
	require.NoError(t, err)
	require.False(t, current.PaidAmount.GreaterThan(current.TotalAmount))
	require.True(t, current.PaidAmount.Equal(share.Mul(decimal.NewFromInt(int64(posted)))))
	require.Equal(t, posted, pg.Count(t, `SELECT COUNT(*) FROM payments WHERE invoice_id = $1 AND status = 'POSTED'`, inv.ID))
}
