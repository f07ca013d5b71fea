package rental

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/odyssey-erp/odyssey-rental/internal/platform/cache"
)

// DefaultSweepInterval is how often Run reconciles lapsed holds.
const DefaultSweepInterval = 5 * time.Minute

// Expirer is the booking surface the sweeper drives.
type Expirer interface {
	ExpiredPendingBookings(ctx context.Context, limit int) ([]int64, error)
	ExpireBooking(ctx context.Context, bookingID int64) (bool, error)
}

// Lease serialises sweeps across processes.
type Lease interface {
	Acquire(ctx context.Context) (func(context.Context) error, error)
}

// SweepResult summarises one sweep pass.
type SweepResult struct {
	Scanned   int
	Cancelled int
	Skipped   int
	Failed    map[int64]error
	LeaseHeld bool
}

// SweeperConfig configures a Sweeper.
type SweeperConfig struct {
	Interval time.Duration
	Batch    int
	Lease    Lease
	Logger   *slog.Logger
	Observer func(SweepResult, error)
}

// Sweeper cancels PENDING bookings whose temporary hold lapsed and frees their vehicles.
type Sweeper struct {
	bookings Expirer
	interval time.Duration
	batch    int
	lease    Lease
	logger   *slog.Logger
	observer func(SweepResult, error)
}

// NewSweeper builds a sweeper over bookings.
func NewSweeper(bookings Expirer, cfg SweeperConfig) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultSweepInterval
	}
	if cfg.Batch <= 0 {
		cfg.Batch = 100
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Sweeper{
		bookings: bookings,
		interval: cfg.Interval,
		batch:    cfg.Batch,
		lease:    cfg.Lease,
		logger:   cfg.Logger,
		observer: cfg.Observer,
	}
}

// RunOnce performs a single pass. Each booking is expired in its own unit, so one failure
// leaves the rest of the batch unaffected and is reported in Failed.
func (s *Sweeper) RunOnce(ctx context.Context) (res SweepResult, err error) {
	defer func() {
		if s.observer != nil {
			s.observer(res, err)
		}
	}()
	if s.lease != nil {
		release, err := s.lease.Acquire(ctx)
		if errors.Is(err, cache.ErrLeaseHeld) {
			s.logger.Debug("sweep skipped, lease held elsewhere")
			return SweepResult{LeaseHeld: true}, nil
		}
		if err != nil {
			return SweepResult{}, err
		}
		defer func() {
			if rerr := release(context.WithoutCancel(ctx)); rerr != nil {
				s.logger.Warn("sweep lease release", slog.Any("error", rerr))
			}
		}()
	}

	ids, err := s.bookings.ExpiredPendingBookings(ctx, s.batch)
	if err != nil {
		return SweepResult{}, err
	}
	res.Scanned = len(ids)
	for _, id := range ids {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		expired, err := s.bookings.ExpireBooking(ctx, id)
		switch {
		case err != nil:
			if res.Failed == nil {
				res.Failed = make(map[int64]error)
			}
			res.Failed[id] = err
			s.logger.Error("expire booking", slog.Int64("booking_id", id), slog.Any("error", err))
		case expired:
			res.Cancelled++
		default:
			res.Skipped++
		}
	}
	if res.Scanned > 0 {
		s.logger.Info("expiry sweep completed",
			slog.Int("scanned", res.Scanned),
			slog.Int("cancelled", res.Cancelled),
			slog.Int("skipped", res.Skipped),
			slog.Int("failed", len(res.Failed)),
		)
	}
	return res, nil
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("expiry sweep", slog.Any("error", err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
