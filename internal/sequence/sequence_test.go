package sequence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-rental/internal/platform/db"
	"github.com/odyssey-erp/odyssey-rental/internal/shared"
)

type stubStore struct {
	numbers []string
	taken   map[string]bool
	locked  []string
}

func (s *stubStore) LockScope(ctx context.Context, scope Scope) error {
	s.locked = append(s.locked, scope.LockKey())
	return nil
}

func (s *stubStore) TallyNumbers(ctx context.Context, scope Scope) (Tally, error) {
	var tally Tally
	for _, n := range s.numbers {
		serial, ok := Serial(scope, n)
		if !ok {
			continue
		}
		tally.Count++
		if serial > tally.MaxSerial {
			tally.MaxSerial = serial
		}
	}
	return tally, nil
}

func (s *stubStore) NumberExists(ctx context.Context, scope Scope, number string) (bool, error) {
	for _, n := range s.numbers {
		if n == number {
			return true, nil
		}
	}
	return s.taken[number], nil
}

var jan = time.Date(2025, 1, 10, 9, 0, 0, 0, time.UTC)

func TestNextFormatsPerYear(t *testing.T) {
	store := &stubStore{}
	gen := NewGenerator(store, nil)

	number, err := gen.Next(context.Background(), YearScope(7, KindInvoice, PrefixInvoice, jan))
	require.NoError(t, err)
	require.Equal(t, "INV-2025-0001", number)
	require.Equal(t, []string{"seq:7:invoice:INV-2025"}, store.locked)

	store.numbers = []string{"INV-2025-0001", "INV-2025-0002", "INV-2024-0009"}
	number, err = gen.Next(context.Background(), YearScope(7, KindInvoice, PrefixInvoice, jan))
	require.NoError(t, err)
	require.Equal(t, "INV-2025-0003", number)
}

func TestNextSkipsPastGaps(t *testing.T) {
	store := &stubStore{numbers: []string{"JV-2025-0001", "JV-2025-0004"}}
	number, err := NewGenerator(store, nil).Next(context.Background(), YearScope(1, KindJournal, PrefixJournal, jan))
	require.NoError(t, err)
	require.Equal(t, "JV-2025-0005", number)
}

func TestNextReportsConflictAsRetryable(t *testing.T) {
	store := &stubStore{taken: map[string]bool{"BK-2025-0001": true}}
	_, err := NewGenerator(store, nil).Next(context.Background(), YearScope(1, KindBooking, PrefixBooking, jan))
	require.ErrorIs(t, err, ErrConflict)
	require.ErrorIs(t, err, db.ErrRetryable)
}

func TestRetriedConflictSurfacesSequenceFailure(t *testing.T) {
	store := &stubStore{taken: map[string]bool{"BK-2025-0001": true}}
	gen := NewGenerator(store, nil)
	err := db.Retry(context.Background(), db.RetryPolicy{MaxAttempts: 5, BaseDelay: time.Millisecond}, func(ctx context.Context) error {
		_, err := gen.Next(ctx, YearScope(1, KindBooking, PrefixBooking, jan))
		return err
	})
	require.ErrorIs(t, err, shared.ErrSequenceGenerationFailed)
	require.Contains(t, err.Error(), "BK-2025-0001")
	require.Len(t, store.locked, 5)
}

func TestDayScope(t *testing.T) {
	scope := DayScope(3, KindContract, "RNT", jan)
	require.Equal(t, "RNT-20250110-0001", scope.Format(1))
	serial, ok := Serial(scope, "RNT-20250110-0042")
	require.True(t, ok)
	require.Equal(t, int64(42), serial)
	_, ok = Serial(scope, "RNT-20250111-0042")
	require.False(t, ok)
}

func TestScopeValidation(t *testing.T) {
	gen := NewGenerator(&stubStore{}, nil)
	_, err := gen.Next(context.Background(), Scope{Kind: KindInvoice, Prefix: "INV", Period: "2025"})
	require.ErrorIs(t, err, shared.ErrValidation)
	_, err = gen.Next(context.Background(), Scope{CompanyID: 1, Kind: KindInvoice, Prefix: "IN-V", Period: "2025"})
	require.ErrorIs(t, err, shared.ErrValidation)
}
