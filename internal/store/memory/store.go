// Package memory keeps every repository port in process memory. A unit holds a global mutex
// and restores a snapshot of the state when it fails, which gives the services the same
// all-or-nothing behaviour the PostgreSQL runner provides. Stored records are never mutated in
// place; writers replace whole values so the shallow snapshot stays valid.
package memory

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/odyssey-erp/odyssey-rental/internal/accounting"
	"github.com/odyssey-erp/odyssey-rental/internal/ar"
	"github.com/odyssey-erp/odyssey-rental/internal/audit"
	"github.com/odyssey-erp/odyssey-rental/internal/fleet"
	"github.com/odyssey-erp/odyssey-rental/internal/platform/db"
	"github.com/odyssey-erp/odyssey-rental/internal/rental"
)

type mappingKey struct {
	companyID int64
	module    string
	key       string
}

type state struct {
	nextID       int64
	accounts     map[int64]accounting.Account
	mappings     map[mappingKey]accounting.AccountMapping
	transactions map[int64]accounting.Transaction
	customers    map[int64]ar.Customer
	invoices     map[int64]ar.Invoice
	payments     map[int64]ar.Payment
	vehicles     map[int64]fleet.Vehicle
	bookings     map[int64]rental.Booking
	contracts    map[int64]rental.RentalContract
	settings     map[int64]rental.CompanySettings
	outbox       []audit.Event
}

func newState() *state {
	return &state{
		accounts:     make(map[int64]accounting.Account),
		mappings:     make(map[mappingKey]accounting.AccountMapping),
		transactions: make(map[int64]accounting.Transaction),
		customers:    make(map[int64]ar.Customer),
		invoices:     make(map[int64]ar.Invoice),
		payments:     make(map[int64]ar.Payment),
		vehicles:     make(map[int64]fleet.Vehicle),
		bookings:     make(map[int64]rental.Booking),
		contracts:    make(map[int64]rental.RentalContract),
		settings:     make(map[int64]rental.CompanySettings),
	}
}

func (st *state) clone() *state {
	return &state{
		nextID:       st.nextID,
		accounts:     maps.Clone(st.accounts),
		mappings:     maps.Clone(st.mappings),
		transactions: maps.Clone(st.transactions),
		customers:    maps.Clone(st.customers),
		invoices:     maps.Clone(st.invoices),
		payments:     maps.Clone(st.payments),
		vehicles:     maps.Clone(st.vehicles),
		bookings:     maps.Clone(st.bookings),
		contracts:    maps.Clone(st.contracts),
		settings:     maps.Clone(st.settings),
		outbox:       slices.Clone(st.outbox),
	}
}

func (st *state) id() int64 {
	st.nextID++
	return st.nextID
}

// Store is the in-memory backend.
type Store struct {
	mu     sync.Mutex
	st     *state
	retry  db.RetryPolicy
	commit int
}

// Option configures a Store.
type Option func(*Store)

// WithRetry overrides the retry policy applied to outermost units.
func WithRetry(policy db.RetryPolicy) Option {
	return func(s *Store) { s.retry = policy }
}

// New returns an empty store. Units retry retryable failures with a short backoff.
func New(opts ...Option) *Store {
	s := &Store{st: newState(), retry: db.RetryPolicy{MaxAttempts: 5, BaseDelay: time.Millisecond}}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type unitKey struct{}

func inUnit(ctx context.Context) bool {
	v, _ := ctx.Value(unitKey{}).(bool)
	return v
}

// Run executes fn as one atomic unit. Nested calls join the enclosing unit.
func (s *Store) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	if inUnit(ctx) {
		return fn(ctx)
	}
	return db.Retry(ctx, s.retry, func(ctx context.Context) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		saved := s.st.clone()
		if err := fn(context.WithValue(ctx, unitKey{}, true)); err != nil {
			s.st = saved
			return err
		}
		s.commit++
		return nil
	})
}

// Commits reports how many outermost units committed.
func (s *Store) Commits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commit
}

// Ledger exposes the accounting repository port.
func (s *Store) Ledger() *LedgerRepository { return &LedgerRepository{s: s} }

// Billing exposes the receivables repository port.
func (s *Store) Billing() *BillingRepository { return &BillingRepository{s: s} }

// Fleet exposes the vehicle repository port.
func (s *Store) Fleet() *FleetRepository { return &FleetRepository{s: s} }

// Rental exposes the booking and contract repository port.
func (s *Store) Rental() *RentalRepository { return &RentalRepository{s: s} }

// Sequence exposes the number allocation store.
func (s *Store) Sequence() *SequenceStore { return &SequenceStore{s: s} }

// SeedCustomer stores c, assigning an id when missing.
func (s *Store) SeedCustomer(c ar.Customer) ar.Customer {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == 0 {
		c.ID = s.st.id()
	}
	s.st.customers[c.ID] = c
	return c
}

// SeedVehicle stores v, defaulting the lock status to AVAILABLE.
func (s *Store) SeedVehicle(v fleet.Vehicle) fleet.Vehicle {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v.ID == 0 {
		v.ID = s.st.id()
	}
	if v.LockStatus == "" {
		v.LockStatus = fleet.LockAvailable
	}
	s.st.vehicles[v.ID] = v
	return v
}

// SeedSettings stores company booking settings.
func (s *Store) SeedSettings(cs rental.CompanySettings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.settings[cs.CompanyID] = cs
}

// SeedAccount stores an account, assigning an id when missing.
func (s *Store) SeedAccount(a accounting.Account) accounting.Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.ID == 0 {
		a.ID = s.st.id()
	}
	s.st.accounts[a.ID] = a
	return a
}

// Vehicle returns the committed vehicle state.
func (s *Store) Vehicle(id int64) (fleet.Vehicle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.st.vehicles[id]
	return v, ok
}

// Transactions returns every committed ledger transaction of a company ordered by id.
func (s *Store) Transactions(companyID int64) []accounting.Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []accounting.Transaction
	for _, trx := range s.st.transactions {
		if trx.CompanyID == companyID {
			trx.Lines = slices.Clone(trx.Lines)
			out = append(out, trx)
		}
	}
	slices.SortFunc(out, func(a, b accounting.Transaction) int { return int(a.ID - b.ID) })
	return out
}

func sameDayOrBefore(t, ref time.Time) bool {
	ty, tm, td := t.Date()
	ry, rm, rd := ref.Date()
	if ty != ry {
		return ty < ry
	}
	if tm != rm {
		return tm < rm
	}
	return td <= rd
}
