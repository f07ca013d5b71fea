package ar

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/odyssey-erp/odyssey-rental/internal/platform/db"
	"github.com/odyssey-erp/odyssey-rental/internal/shared"
)

var (
	// ErrInvoiceNotFound indicates a missing invoice.
	ErrInvoiceNotFound = fmt.Errorf("ar: invoice not found: %w", shared.ErrNotFound)
	// ErrPaymentNotFound indicates a missing payment.
	ErrPaymentNotFound = fmt.Errorf("ar: payment not found: %w", shared.ErrNotFound)
)

// TxRepository exposes transactional operations.
type TxRepository interface {
	GetCustomer(ctx context.Context, id int64) (Customer, error)
	InsertInvoice(ctx context.Context, inv Invoice) (Invoice, error)
	GetInvoice(ctx context.Context, id int64) (Invoice, error)
	GetInvoiceForUpdate(ctx context.Context, id int64) (Invoice, error)
	UpdateInvoiceState(ctx context.Context, inv Invoice) error
	ListOverdueCandidates(ctx context.Context, asOf time.Time, limit int) ([]int64, error)
	InsertPayment(ctx context.Context, p Payment) (Payment, error)
	GetPayment(ctx context.Context, id int64) (Payment, error)
	GetPaymentForUpdate(ctx context.Context, id int64) (Payment, error)
	UpdatePaymentState(ctx context.Context, p Payment) error
}

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	runner *db.Runner
}

// NewRepository constructs a repository.
func NewRepository(runner *db.Runner) *Repository {
	return &Repository{runner: runner}
}

type txRepo struct {
	tx pgx.Tx
}

// WithTx joins or opens the serializable unit.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil || r.runner == nil {
		return errors.New("ar repository not initialised")
	}
	return r.runner.Run(ctx, func(ctx context.Context, tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx})
	})
}

func (r *txRepo) GetCustomer(ctx context.Context, id int64) (Customer, error) {
	var c Customer
	err := r.tx.QueryRow(ctx, `SELECT id, company_id, code, name, email, phone, id_number, driver_license, address, is_active, created_at, updated_at
FROM customers WHERE id=$1`, id).
		Scan(&c.ID, &c.CompanyID, &c.Code, &c.Name, &c.Email, &c.Phone, &c.IDNumber, &c.DriverLicense, &c.Address, &c.IsActive, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Customer{}, fmt.Errorf("customer %d: %w", id, shared.ErrCustomerNotFound)
		}
		return Customer{}, err
	}
	return c, nil
}

func (r *txRepo) InsertInvoice(ctx context.Context, inv Invoice) (Invoice, error) {
	var taxAccount pgtype.Int8
	if inv.TaxAccountID != nil {
		taxAccount = pgtype.Int8{Int64: *inv.TaxAccountID, Valid: true}
	}
	err := r.tx.QueryRow(ctx, `INSERT INTO invoices (
	company_id, customer_id, transaction_id, number, status, issue_date, due_date,
	receivable_account_id, revenue_account_id, tax_account_id, tax_rate,
	subtotal, tax_amount, total_amount, paid_amount, reference, notes, created_by, created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$19) RETURNING id`,
		inv.CompanyID, inv.CustomerID, inv.TransactionID, inv.Number, inv.Status, inv.IssueDate, inv.DueDate,
		inv.ReceivableAccountID, inv.RevenueAccountID, taxAccount, inv.TaxRate,
		inv.Subtotal, inv.TaxAmount, inv.TotalAmount, inv.PaidAmount, inv.Reference, inv.Notes, nullInt(inv.CreatedBy), inv.CreatedAt,
	).Scan(&inv.ID)
	if err != nil {
		if db.IsUniqueViolation(err, "uq_invoices_company_number") {
			return Invoice{}, fmt.Errorf("invoice number %s: %w", inv.Number, db.ErrRetryable)
		}
		return Invoice{}, err
	}
	for i := range inv.Items {
		item := &inv.Items[i]
		item.InvoiceID = inv.ID
		if err := r.tx.QueryRow(ctx, `INSERT INTO invoice_items (invoice_id, line_number, description, quantity, unit_price, amount)
VALUES ($1,$2,$3,$4,$5,$6) RETURNING id`, inv.ID, item.LineNumber, item.Description, item.Quantity, item.UnitPrice, item.Amount).Scan(&item.ID); err != nil {
			return Invoice{}, err
		}
	}
	return inv, nil
}

func (r *txRepo) GetInvoice(ctx context.Context, id int64) (Invoice, error) {
	return r.loadInvoice(ctx, id, "")
}

func (r *txRepo) GetInvoiceForUpdate(ctx context.Context, id int64) (Invoice, error) {
	return r.loadInvoice(ctx, id, " FOR UPDATE")
}

func (r *txRepo) loadInvoice(ctx context.Context, id int64, lock string) (Invoice, error) {
	var (
		inv        Invoice
		taxAccount pgtype.Int8
		createdBy  pgtype.Int8
	)
	err := r.tx.QueryRow(ctx, `SELECT id, company_id, customer_id, transaction_id, number, status, issue_date, due_date,
receivable_account_id, revenue_account_id, tax_account_id, tax_rate, subtotal, tax_amount, total_amount, paid_amount,
reference, notes, created_by, posted_at, voided_at, created_at, updated_at
FROM invoices WHERE id=$1`+lock, id).
		Scan(&inv.ID, &inv.CompanyID, &inv.CustomerID, &inv.TransactionID, &inv.Number, &inv.Status, &inv.IssueDate, &inv.DueDate,
			&inv.ReceivableAccountID, &inv.RevenueAccountID, &taxAccount, &inv.TaxRate, &inv.Subtotal, &inv.TaxAmount, &inv.TotalAmount, &inv.PaidAmount,
			&inv.Reference, &inv.Notes, &createdBy, &inv.PostedAt, &inv.VoidedAt, &inv.CreatedAt, &inv.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Invoice{}, fmt.Errorf("invoice %d: %w", id, ErrInvoiceNotFound)
		}
		return Invoice{}, err
	}
	if taxAccount.Valid {
		v := taxAccount.Int64
		inv.TaxAccountID = &v
	}
	inv.CreatedBy = createdBy.Int64
	rows, err := r.tx.Query(ctx, `SELECT id, invoice_id, line_number, description, quantity, unit_price, amount
FROM invoice_items WHERE invoice_id=$1 ORDER BY line_number`, id)
	if err != nil {
		return Invoice{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var item InvoiceItem
		if err := rows.Scan(&item.ID, &item.InvoiceID, &item.LineNumber, &item.Description, &item.Quantity, &item.UnitPrice, &item.Amount); err != nil {
			return Invoice{}, err
		}
		inv.Items = append(inv.Items, item)
	}
	if err := rows.Err(); err != nil {
		return Invoice{}, err
	}
	return inv, nil
}

func (r *txRepo) UpdateInvoiceState(ctx context.Context, inv Invoice) error {
	cmd, err := r.tx.Exec(ctx, `UPDATE invoices SET status=$2, paid_amount=$3, posted_at=$4, voided_at=$5, updated_at=$6 WHERE id=$1`,
		inv.ID, inv.Status, inv.PaidAmount, inv.PostedAt, inv.VoidedAt, inv.UpdatedAt)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return fmt.Errorf("invoice %d: %w", inv.ID, ErrInvoiceNotFound)
	}
	return nil
}

func (r *txRepo) ListOverdueCandidates(ctx context.Context, asOf time.Time, limit int) ([]int64, error) {
	rows, err := r.tx.Query(ctx, `SELECT id FROM invoices
WHERE status='SENT' AND paid_amount = 0 AND due_date < $1::date
ORDER BY due_date, id LIMIT $2`, asOf, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

const paymentColumns = `id, company_id, customer_id, invoice_id, transaction_id, number, method, status, amount, payment_date,
deposit_account_id, receivable_account_id, reference, created_by, posted_at, voided_at, created_at, updated_at`

func (r *txRepo) InsertPayment(ctx context.Context, p Payment) (Payment, error) {
	var invoiceID, customerID pgtype.Int8
	if p.InvoiceID != nil {
		invoiceID = pgtype.Int8{Int64: *p.InvoiceID, Valid: true}
	}
	if p.CustomerID > 0 {
		customerID = pgtype.Int8{Int64: p.CustomerID, Valid: true}
	}
	err := r.tx.QueryRow(ctx, `INSERT INTO payments (
	company_id, customer_id, invoice_id, transaction_id, number, method, status, amount, payment_date,
	deposit_account_id, receivable_account_id, reference, created_by, created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$14) RETURNING id`,
		p.CompanyID, customerID, invoiceID, p.TransactionID, p.Number, p.Method, p.Status, p.Amount, p.PaymentDate,
		p.DepositAccountID, p.ReceivableAccountID, p.Reference, nullInt(p.CreatedBy), p.CreatedAt,
	).Scan(&p.ID)
	if err != nil {
		if db.IsUniqueViolation(err, "uq_payments_company_number") {
			return Payment{}, fmt.Errorf("payment number %s: %w", p.Number, db.ErrRetryable)
		}
		return Payment{}, err
	}
	return p, nil
}

func (r *txRepo) GetPayment(ctx context.Context, id int64) (Payment, error) {
	return r.loadPayment(ctx, id, "")
}

func (r *txRepo) GetPaymentForUpdate(ctx context.Context, id int64) (Payment, error) {
	return r.loadPayment(ctx, id, " FOR UPDATE")
}

func (r *txRepo) loadPayment(ctx context.Context, id int64, lock string) (Payment, error) {
	var (
		p                                Payment
		customerID, invoiceID, createdBy pgtype.Int8
	)
	err := r.tx.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id=$1`+lock, id).
		Scan(&p.ID, &p.CompanyID, &customerID, &invoiceID, &p.TransactionID, &p.Number, &p.Method, &p.Status, &p.Amount, &p.PaymentDate,
			&p.DepositAccountID, &p.ReceivableAccountID, &p.Reference, &createdBy, &p.PostedAt, &p.VoidedAt, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Payment{}, fmt.Errorf("payment %d: %w", id, ErrPaymentNotFound)
		}
		return Payment{}, err
	}
	if invoiceID.Valid {
		v := invoiceID.Int64
		p.InvoiceID = &v
	}
	p.CustomerID = customerID.Int64
	p.CreatedBy = createdBy.Int64
	return p, nil
}

func (r *txRepo) UpdatePaymentState(ctx context.Context, p Payment) error {
	cmd, err := r.tx.Exec(ctx, `UPDATE payments SET status=$2, posted_at=$3, voided_at=$4, updated_at=$5 WHERE id=$1`,
		p.ID, p.Status, p.PostedAt, p.VoidedAt, p.UpdatedAt)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return fmt.Errorf("payment %d: %w", p.ID, ErrPaymentNotFound)
	}
	return nil
}

func nullInt(val int64) any {
	if val == 0 {
		return nil
	}
	return val
}
