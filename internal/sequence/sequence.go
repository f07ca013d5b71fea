// Package sequence allocates human-readable document numbers such as INV-2025-0001.
//
// Numbers are unique per (company, kind, prefix, period). Allocation must run inside the
// caller's atomic unit: the store takes a scope lock plus a locking read over existing
// numbers, the candidate is derived from that tally, and its existence is re-checked before
// it is handed out. A taken candidate yields ErrConflict, which the transaction runner
// treats as retryable so the whole unit re-runs with backoff.
package sequence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/odyssey-erp/odyssey-rental/internal/platform/db"
	"github.com/odyssey-erp/odyssey-rental/internal/shared"
)

// Kind identifies the numbered record family.
type Kind string

const (
	KindJournal  Kind = "journal"
	KindInvoice  Kind = "invoice"
	KindPayment  Kind = "payment"
	KindBooking  Kind = "booking"
	KindContract Kind = "contract"
)

// Common prefixes.
const (
	PrefixJournal     = "JV"
	PrefixInvoice     = "INV"
	PrefixCashPayment = "CP"
	PrefixBankPayment = "BP"
	PrefixBooking     = "BK"
	PrefixContract    = "RC"
)

const defaultWidth = 4

// ErrConflict indicates the candidate number was already present.
var ErrConflict = fmt.Errorf("sequence: candidate already allocated: %w", db.ErrRetryable)

// Scope selects the counter a number is drawn from.
type Scope struct {
	CompanyID int64
	Kind      Kind
	Prefix    string
	Period    string
	Width     int
}

// YearScope scopes numbers per calendar year: PREFIX-YYYY-NNNN.
func YearScope(companyID int64, kind Kind, prefix string, at time.Time) Scope {
	return Scope{CompanyID: companyID, Kind: kind, Prefix: prefix, Period: at.Format("2006")}
}

// DayScope scopes numbers per calendar day: PREFIX-YYYYMMDD-NNNN.
func DayScope(companyID int64, kind Kind, prefix string, at time.Time) Scope {
	return Scope{CompanyID: companyID, Kind: kind, Prefix: prefix, Period: at.Format("20060102")}
}

// Stem is the shared leading part of every number in the scope, e.g. "INV-2025-".
func (s Scope) Stem() string {
	return s.Prefix + "-" + s.Period + "-"
}

// Format renders serial n in the scope.
func (s Scope) Format(n int64) string {
	width := s.Width
	if width <= 0 {
		width = defaultWidth
	}
	return fmt.Sprintf("%s%0*d", s.Stem(), width, n)
}

// LockKey names the advisory lock guarding the scope.
func (s Scope) LockKey() string {
	return fmt.Sprintf("seq:%d:%s:%s", s.CompanyID, s.Kind, strings.TrimSuffix(s.Stem(), "-"))
}

// Validate checks the scope is addressable.
func (s Scope) Validate() error {
	switch {
	case s.CompanyID <= 0:
		return shared.Invalid("company_id", "is required")
	case s.Kind == "":
		return shared.Invalid("kind", "is required")
	case s.Prefix == "" || strings.ContainsAny(s.Prefix, "%_-"):
		return shared.Invalid("prefix", "must be non-empty without -, _ or %")
	case s.Period == "":
		return shared.Invalid("period", "is required")
	}
	return nil
}

// Tally summarises the numbers already present in a scope.
type Tally struct {
	Count     int64
	MaxSerial int64
}

// Store is implemented by persistence backends. All calls run inside the caller's unit.
type Store interface {
	LockScope(ctx context.Context, scope Scope) error
	TallyNumbers(ctx context.Context, scope Scope) (Tally, error)
	NumberExists(ctx context.Context, scope Scope, number string) (bool, error)
}

// Generator allocates numbers.
type Generator struct {
	store  Store
	logger *slog.Logger
}

// NewGenerator constructs a Generator.
func NewGenerator(store Store, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{store: store, logger: logger}
}

// Next returns the next free number in scope. The caller persists it in the same unit.
func (g *Generator) Next(ctx context.Context, scope Scope) (string, error) {
	if g == nil || g.store == nil {
		return "", errors.New("sequence: generator not configured")
	}
	if err := scope.Validate(); err != nil {
		return "", err
	}
	if err := g.store.LockScope(ctx, scope); err != nil {
		return "", fmt.Errorf("sequence: lock %s: %w", scope.LockKey(), err)
	}
	tally, err := g.store.TallyNumbers(ctx, scope)
	if err != nil {
		return "", fmt.Errorf("sequence: tally %s: %w", scope.LockKey(), err)
	}
	serial := tally.Count
	if tally.MaxSerial > serial {
		serial = tally.MaxSerial
	}
	candidate := scope.Format(serial + 1)
	exists, err := g.store.NumberExists(ctx, scope, candidate)
	if err != nil {
		return "", fmt.Errorf("sequence: check %s: %w", candidate, err)
	}
	if exists {
		g.logger.Debug("sequence candidate taken", slog.String("number", candidate))
		return "", fmt.Errorf("%s: %w", candidate, ErrConflict)
	}
	return candidate, nil
}

// Serial parses the trailing counter of a number within scope; ok is false when the number
// does not belong to the scope.
func Serial(scope Scope, number string) (int64, bool) {
	rest, found := strings.CutPrefix(number, scope.Stem())
	if !found || rest == "" {
		return 0, false
	}
	var n int64
	for _, r := range rest {
		if r < '0' || r > '9' {
			return 0, false
		}
		n = n*10 + int64(r-'0')
	}
	return n, true
}
