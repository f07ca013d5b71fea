// Package rentaltest wires the ledger, billing, fleet and booking services over the memory
// store with a controllable clock.
package rentaltest

import (
	"context"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-rental/internal/accounting"
	"github.com/odyssey-erp/odyssey-rental/internal/ar"
	"github.com/odyssey-erp/odyssey-rental/internal/fleet"
	"github.com/odyssey-erp/odyssey-rental/internal/rental"
	"github.com/odyssey-erp/odyssey-rental/internal/sequence"
	"github.com/odyssey-erp/odyssey-rental/internal/store/memory"
	_ "github.com/odyssey-erp/odyssey-rental/internal/testing/guard"
)

// CompanyID is the company every fixture record belongs to.
const CompanyID int64 = 1

// Clock is a settable time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// Now returns the current fixture time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Set pins the clock.
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// Accounts holds the seeded chart.
type Accounts struct {
	Cash       int64
	Bank       int64
	Receivable int64
	Revenue    int64
	TaxPayable int64
	Equity     int64
	Expense    int64
}

// Env is a fully wired service graph.
type Env struct {
	Store    *memory.Store
	Clock    *Clock
	Ledger   *accounting.Service
	Invoices *ar.InvoiceService
	Payments *ar.PaymentService
	Fleet    *fleet.Manager
	Rental   *rental.Service
	Accounts Accounts
}

// Start is the default fixture time.
var Start = time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)

// New builds an Env with the chart of accounts and billing mappings seeded.
func New(t testing.TB) *Env {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memory.New()
	clock := &Clock{now: Start}
	sink := store.AuditSink()
	seq := sequence.NewGenerator(store.Sequence(), logger)

	ledger := accounting.NewService(store.Ledger(), seq, sink, logger)
	ledger.WithNow(clock.Now)
	invoices := ar.NewInvoiceService(store.Billing(), ledger, seq, sink, logger)
	invoices.WithNow(clock.Now)
	payments := ar.NewPaymentService(store.Billing(), ledger, seq, sink, logger)
	payments.WithNow(clock.Now)
	manager := fleet.NewManager(store.Fleet(), sink, logger, fleet.DefaultHold)
	manager.WithNow(clock.Now)
	bookings := rental.NewService(rental.Deps{
		Repo:     store.Rental(),
		Locks:    manager,
		Billing:  invoices,
		Accounts: ledger,
		Sequence: seq,
		Audit:    sink,
		Logger:   logger,
	})
	bookings.WithNow(clock.Now)

	env := &Env{
		Store:    store,
		Clock:    clock,
		Ledger:   ledger,
		Invoices: invoices,
		Payments: payments,
		Fleet:    manager,
		Rental:   bookings,
	}
	env.seedChart(t)
	return env
}

func (e *Env) seedChart(t testing.TB) {
	ctx := context.Background()
	create := func(code, name string, typ accounting.AccountType) int64 {
		acc, err := e.Ledger.CreateAccount(ctx, accounting.AccountInput{CompanyID: CompanyID, Code: code, Name: name, Type: typ})
		require.NoError(t, err)
		return acc.ID
	}
	e.Accounts = Accounts{
		Cash:       create("1100", "Cash on hand", accounting.AccountTypeAsset),
		Bank:       create("1200", "Bank", accounting.AccountTypeAsset),
		Receivable: create("1300", "Accounts receivable", accounting.AccountTypeAsset),
		TaxPayable: create("2100", "Tax payable", accounting.AccountTypeLiability),
		Equity:     create("3000", "Owner equity", accounting.AccountTypeEquity),
		Revenue:    create("4000", "Rental revenue", accounting.AccountTypeRevenue),
		Expense:    create("5000", "Operating expense", accounting.AccountTypeExpense),
	}
	mappings := map[string]int64{
		accounting.KeyReceivable: e.Accounts.Receivable,
		accounting.KeyRevenue:    e.Accounts.Revenue,
		accounting.KeyTaxPayable: e.Accounts.TaxPayable,
		accounting.KeyCash:       e.Accounts.Cash,
		accounting.KeyBank:       e.Accounts.Bank,
	}
	for key, id := range mappings {
		require.NoError(t, e.Ledger.SetAccountMapping(ctx, accounting.AccountMapping{
			CompanyID: CompanyID, Module: accounting.MappingModuleBilling, Key: key, AccountID: id,
		}, 0))
	}
}

// Customer seeds an active customer.
func (e *Env) Customer(name string) ar.Customer {
	now := e.Clock.Now()
	return e.Store.SeedCustomer(ar.Customer{
		CompanyID:     CompanyID,
		Code:          "C-" + name,
		Name:          name,
		Phone:         "+62 811 000 000",
		IDNumber:      "ID-" + name,
		DriverLicense: "DL-" + name,
		Address:       "Jl. Sudirman 1",
		IsActive:      true,
		CreatedAt:     now,
		UpdatedAt:     now,
	})
}

// Vehicle seeds an AVAILABLE vehicle priced at daily and monthly.
func (e *Env) Vehicle(plate string, daily, monthly int64) fleet.Vehicle {
	now := e.Clock.Now()
	return e.Store.SeedVehicle(fleet.Vehicle{
		CompanyID:   CompanyID,
		PlateNumber: plate,
		Make:        "Toyota",
		Model:       "Avanza",
		Year:        2023,
		Color:       "Silver",
		DailyRate:   decimal.NewFromInt(daily),
		MonthlyRate: decimal.NewFromInt(monthly),
		Odometer:    12000,
		LockStatus:  fleet.LockAvailable,
		IsActive:    true,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
}

// Dec parses a decimal literal, failing the test on bad input.
func Dec(t testing.TB, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	require.NoError(t, err)
	return d
}

// Day returns midnight UTC of the given date.
func Day(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// ID formats an id the way audit events carry it.
func ID(id int64) string {
	return strconv.FormatInt(id, 10)
}
