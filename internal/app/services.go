package app

import (
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/odyssey-rental/internal/accounting"
	"github.com/odyssey-erp/odyssey-rental/internal/ar"
	"github.com/odyssey-erp/odyssey-rental/internal/audit"
	"github.com/odyssey-erp/odyssey-rental/internal/fleet"
	"github.com/odyssey-erp/odyssey-rental/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-rental/internal/platform/db"
	"github.com/odyssey-erp/odyssey-rental/internal/rental"
	"github.com/odyssey-erp/odyssey-rental/internal/sequence"
	"github.com/odyssey-erp/odyssey-rental/internal/shared"
)

// SweepJobName names the expiry sweep lease and log attributes.
const SweepJobName = "booking_expiry"

// Services is the Postgres-backed service graph shared by the worker and the CLI.
type Services struct {
	Ledger   *accounting.Service
	Invoices *ar.InvoiceService
	Payments *ar.PaymentService
	Fleet    *fleet.Manager
	Rental   *rental.Service
	Sweeper  *rental.Sweeper
}

// NewServices wires repositories over runner. Audit events go to the outbox, inside the
// business transaction, and to the log. A nil redis client disables the sweep lease.
func NewServices(cfg *Config, runner *db.Runner, redisClient redis.Cmdable, logger *slog.Logger, observe func(rental.SweepResult, error)) *Services {
	if logger == nil {
		logger = slog.Default()
	}
	sink := audit.Fanout{audit.NewOutboxSink(runner), audit.LogSink{Logger: logger}}
	seq := sequence.NewGenerator(sequence.NewRepository(runner), logger)

	hold := fleet.DefaultHold
	interval := rental.DefaultSweepInterval
	batch, leaseTTL := 0, time.Minute
	if cfg != nil {
		hold = cfg.DefaultTempLock
		interval = cfg.SweepInterval
		batch = cfg.SweepBatch
		leaseTTL = cfg.SweepLeaseTTL
	}

	ledger := accounting.NewService(accounting.NewRepository(runner), seq, sink, logger)
	invoices := ar.NewInvoiceService(ar.NewRepository(runner), ledger, seq, sink, logger)
	payments := ar.NewPaymentService(ar.NewRepository(runner), ledger, seq, sink, logger)
	manager := fleet.NewManager(fleet.NewRepository(runner), sink, logger, hold)
	bookings := rental.NewService(rental.Deps{
		Repo:     rental.NewRepository(runner),
		Locks:    manager,
		Billing:  invoices,
		Accounts: ledger,
		Sequence: seq,
		Audit:    sink,
		Logger:   logger,
	})

	sweepCfg := rental.SweeperConfig{
		Interval: interval,
		Batch:    batch,
		Logger:   logger.With(slog.String("job", SweepJobName)),
		Observer: observe,
	}
	if redisClient != nil {
		sweepCfg.Lease = cache.NewLease(redisClient, shared.LeaseKey(SweepJobName), leaseTTL)
	}

	return &Services{
		Ledger:   ledger,
		Invoices: invoices,
		Payments: payments,
		Fleet:    manager,
		Rental:   bookings,
		Sweeper:  rental.NewSweeper(bookings, sweepCfg),
	}
}
