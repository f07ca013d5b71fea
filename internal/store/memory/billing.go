package memory

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/odyssey-erp/odyssey-rental/internal/ar"
	"github.com/odyssey-erp/odyssey-rental/internal/platform/db"
	"github.com/odyssey-erp/odyssey-rental/internal/shared"
)

// BillingRepository implements ar.RepositoryPort.
type BillingRepository struct {
	s *Store
}

// WithTx joins or opens a unit.
func (r *BillingRepository) WithTx(ctx context.Context, fn func(context.Context, ar.TxRepository) error) error {
	return r.s.Run(ctx, func(ctx context.Context) error {
		return fn(ctx, billingTx{st: r.s.st})
	})
}

type billingTx struct {
	st *state
}

func (t billingTx) GetCustomer(_ context.Context, id int64) (ar.Customer, error) {
	return customer(t.st, id)
}

func customer(st *state, id int64) (ar.Customer, error) {
	c, ok := st.customers[id]
	if !ok {
		return ar.Customer{}, fmt.Errorf("customer %d: %w", id, shared.ErrCustomerNotFound)
	}
	return c, nil
}

func (t billingTx) InsertInvoice(_ context.Context, inv ar.Invoice) (ar.Invoice, error) {
	for _, existing := range t.st.invoices {
		if existing.CompanyID == inv.CompanyID && existing.Number == inv.Number {
			return ar.Invoice{}, fmt.Errorf("invoice number %s: %w", inv.Number, db.ErrRetryable)
		}
	}
	inv.ID = t.st.id()
	inv.UpdatedAt = inv.CreatedAt
	items := make([]ar.InvoiceItem, len(inv.Items))
	for i, item := range inv.Items {
		item.ID = t.st.id()
		item.InvoiceID = inv.ID
		items[i] = item
	}
	inv.Items = items
	t.st.invoices[inv.ID] = inv
	inv.Items = slices.Clone(items)
	return inv, nil
}

func (t billingTx) GetInvoice(_ context.Context, id int64) (ar.Invoice, error) {
	return t.loadInvoice(id)
}

func (t billingTx) GetInvoiceForUpdate(_ context.Context, id int64) (ar.Invoice, error) {
	return t.loadInvoice(id)
}

func (t billingTx) loadInvoice(id int64) (ar.Invoice, error) {
	inv, ok := t.st.invoices[id]
	if !ok {
		return ar.Invoice{}, fmt.Errorf("invoice %d: %w", id, ar.ErrInvoiceNotFound)
	}
	inv.Items = slices.Clone(inv.Items)
	return inv, nil
}

func (t billingTx) UpdateInvoiceState(_ context.Context, inv ar.Invoice) error {
	stored, ok := t.st.invoices[inv.ID]
	if !ok {
		return fmt.Errorf("invoice %d: %w", inv.ID, ar.ErrInvoiceNotFound)
	}
	stored.Status = inv.Status
	stored.PaidAmount = inv.PaidAmount
	stored.PostedAt = inv.PostedAt
	stored.VoidedAt = inv.VoidedAt
	stored.UpdatedAt = inv.UpdatedAt
	t.st.invoices[inv.ID] = stored
	return nil
}

func (t billingTx) ListOverdueCandidates(_ context.Context, asOf time.Time, limit int) ([]int64, error) {
	var candidates []ar.Invoice
	for _, inv := range t.st.invoices {
		if inv.Status == ar.InvoiceStatusSent && inv.PaidAmount.IsZero() && !sameDayOrBefore(asOf, inv.DueDate) {
			candidates = append(candidates, inv)
		}
	}
	slices.SortFunc(candidates, func(a, b ar.Invoice) int {
		if c := a.DueDate.Compare(b.DueDate); c != 0 {
			return c
		}
		return int(a.ID - b.ID)
	})
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	ids := make([]int64, len(candidates))
	for i, inv := range candidates {
		ids[i] = inv.ID
	}
	return ids, nil
}

func (t billingTx) InsertPayment(_ context.Context, p ar.Payment) (ar.Payment, error) {
	for _, existing := range t.st.payments {
		if existing.CompanyID == p.CompanyID && existing.Number == p.Number {
			return ar.Payment{}, fmt.Errorf("payment number %s: %w", p.Number, db.ErrRetryable)
		}
	}
	p.ID = t.st.id()
	p.UpdatedAt = p.CreatedAt
	t.st.payments[p.ID] = p
	return p, nil
}

func (t billingTx) GetPayment(_ context.Context, id int64) (ar.Payment, error) {
	return t.loadPayment(id)
}

func (t billingTx) GetPaymentForUpdate(_ context.Context, id int64) (ar.Payment, error) {
	return t.loadPayment(id)
}

func (t billingTx) loadPayment(id int64) (ar.Payment, error) {
	p, ok := t.st.payments[id]
	if !ok {
		return ar.Payment{}, fmt.Errorf("payment %d: %w", id, ar.ErrPaymentNotFound)
	}
	return p, nil
}

func (t billingTx) UpdatePaymentState(_ context.Context, p ar.Payment) error {
	stored, ok := t.st.payments[p.ID]
	if !ok {
		return fmt.Errorf("payment %d: %w", p.ID, ar.ErrPaymentNotFound)
	}
	stored.Status = p.Status
	stored.PostedAt = p.PostedAt
	stored.VoidedAt = p.VoidedAt
	stored.UpdatedAt = p.UpdatedAt
	t.st.payments[p.ID] = stored
	return nil
}
