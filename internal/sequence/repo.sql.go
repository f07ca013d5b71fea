package sequence

import (
	"context"
	"fmt"

	"github.com/odyssey-erp/odyssey-rental/internal/platform/db"
)

var kindTables = map[Kind]string{
	KindJournal:  "transactions",
	KindInvoice:  "invoices",
	KindPayment:  "payments",
	KindBooking:  "bookings",
	KindContract: "rental_contracts",
}

// Repository is the PostgreSQL Store. It must be used inside a db.Runner unit.
type Repository struct {
	runner *db.Runner
}

// NewRepository constructs Repository.
func NewRepository(runner *db.Runner) *Repository {
	return &Repository{runner: runner}
}

func tableFor(kind Kind) (string, error) {
	table, ok := kindTables[kind]
	if !ok {
		return "", fmt.Errorf("sequence: unknown kind %q", kind)
	}
	return table, nil
}

// LockScope serialises allocators of the same scope for the rest of the transaction.
func (r *Repository) LockScope(ctx context.Context, scope Scope) error {
	return db.AdvisoryLock(ctx, r.runner.Conn(ctx), scope.LockKey())
}

// TallyNumbers counts existing numbers under a row-level lock.
func (r *Repository) TallyNumbers(ctx context.Context, scope Scope) (Tally, error) {
	table, err := tableFor(scope.Kind)
	if err != nil {
		return Tally{}, err
	}
	query := fmt.Sprintf(`SELECT COUNT(*), COALESCE(MAX(serial), 0) FROM (
	SELECT CAST(NULLIF(regexp_replace(substr(number, $3), '[^0-9]', '', 'g'), '') AS BIGINT) AS serial
	FROM %s WHERE company_id = $1 AND number LIKE $2 FOR UPDATE
) locked`, table)
	stem := scope.Stem()
	var tally Tally
	err = r.runner.Conn(ctx).QueryRow(ctx, query, scope.CompanyID, stem+"%", len(stem)+1).Scan(&tally.Count, &tally.MaxSerial)
	if err != nil {
		return Tally{}, err
	}
	return tally, nil
}

// NumberExists re-checks the exact candidate.
func (r *Repository) NumberExists(ctx context.Context, scope Scope, number string) (bool, error) {
	table, err := tableFor(scope.Kind)
	if err != nil {
		return false, err
	}
	var exists bool
	query := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE company_id = $1 AND number = $2)`, table)
	if err := r.runner.Conn(ctx).QueryRow(ctx, query, scope.CompanyID, number).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}
