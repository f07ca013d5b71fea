package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/odyssey-erp/odyssey-rental/internal/sequence"
)

// SequenceStore implements sequence.Store over the numbered records in the store.
type SequenceStore struct {
	s *Store
}

// LockScope is satisfied by the unit mutex.
func (q *SequenceStore) LockScope(ctx context.Context, scope sequence.Scope) error {
	return q.s.Run(ctx, func(context.Context) error { return nil })
}

// TallyNumbers counts numbers under the scope stem.
func (q *SequenceStore) TallyNumbers(ctx context.Context, scope sequence.Scope) (sequence.Tally, error) {
	var tally sequence.Tally
	err := q.s.Run(ctx, func(context.Context) error {
		numbers, err := q.numbers(scope)
		if err != nil {
			return err
		}
		for _, n := range numbers {
			if !strings.HasPrefix(n, scope.Stem()) {
				continue
			}
			tally.Count++
			if serial, ok := sequence.Serial(scope, n); ok && serial > tally.MaxSerial {
				tally.MaxSerial = serial
			}
		}
		return nil
	})
	return tally, err
}

// NumberExists re-checks the exact candidate.
func (q *SequenceStore) NumberExists(ctx context.Context, scope sequence.Scope, number string) (bool, error) {
	var exists bool
	err := q.s.Run(ctx, func(context.Context) error {
		numbers, err := q.numbers(scope)
		if err != nil {
			return err
		}
		for _, n := range numbers {
			if n == number {
				exists = true
				break
			}
		}
		return nil
	})
	return exists, err
}

func (q *SequenceStore) numbers(scope sequence.Scope) ([]string, error) {
	st := q.s.st
	var out []string
	switch scope.Kind {
	case sequence.KindJournal:
		for _, r := range st.transactions {
			if r.CompanyID == scope.CompanyID {
				out = append(out, r.Number)
			}
		}
	case sequence.KindInvoice:
		for _, r := range st.invoices {
			if r.CompanyID == scope.CompanyID {
				out = append(out, r.Number)
			}
		}
	case sequence.KindPayment:
		for _, r := range st.payments {
			if r.CompanyID == scope.CompanyID {
				out = append(out, r.Number)
			}
		}
	case sequence.KindBooking:
		for _, r := range st.bookings {
			if r.CompanyID == scope.CompanyID {
				out = append(out, r.Number)
			}
		}
	case sequence.KindContract:
		for _, r := range st.contracts {
			if r.CompanyID == scope.CompanyID {
				out = append(out, r.Number)
			}
		}
	default:
		return nil, fmt.Errorf("sequence: unknown kind %q", scope.Kind)
	}
	return out, nil
}
