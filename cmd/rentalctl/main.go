// Command rentalctl is the operator CLI for the rental back office.
//
//	rentalctl sweep [-json]            run one booking expiry pass in-process
//	rentalctl trigger <job> [-limit n] enqueue booking_expiry or invoice_overdue
//	rentalctl queue [-scheduled n]     print default queue counters
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/odyssey-rental/cmd/rentalctl/cli"
	"github.com/odyssey-erp/odyssey-rental/internal/app"
	"github.com/odyssey-erp/odyssey-rental/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-rental/internal/platform/db"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

func usage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "usage: rentalctl <sweep|trigger|queue> [flags]")
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		usage(stderr)
		return 2
	}
	cfg, err := app.LoadConfig()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "load config: %v\n", err)
		return 1
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	switch args[0] {
	case "sweep":
		fs := flag.NewFlagSet("sweep", flag.ContinueOnError)
		fs.SetOutput(stderr)
		asJSON := fs.Bool("json", false, "print JSON")
		if err := fs.Parse(args[1:]); err != nil {
			return 2
		}
		return sweep(ctx, cfg, logger, cli.SweepOptions{JSONOutput: *asJSON, Stdout: stdout, Stderr: stderr})
	case "trigger":
		fs := flag.NewFlagSet("trigger", flag.ContinueOnError)
		fs.SetOutput(stderr)
		limit := fs.Int("limit", 0, "batch size for invoice_overdue")
		if err := fs.Parse(args[1:]); err != nil {
			return 2
		}
		if fs.NArg() != 1 {
			_, _ = fmt.Fprintln(stderr, "trigger: job name required (booking_expiry, invoice_overdue)")
			return 2
		}
		jobsCLI, err := cli.NewJobsCLI(cache.QueueOpts(cfg.RedisAddr))
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "trigger: %v\n", err)
			return 1
		}
		defer jobsCLI.Close()
		info, err := jobsCLI.Trigger(ctx, fs.Arg(0), *limit)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "trigger: %v\n", err)
			return 1
		}
		_, _ = fmt.Fprintf(stdout, "enqueued %s id=%s queue=%s\n", info.Type, info.ID, info.Queue)
		return 0
	case "queue":
		fs := flag.NewFlagSet("queue", flag.ContinueOnError)
		fs.SetOutput(stderr)
		scheduled := fs.Int("scheduled", 0, "also list up to n scheduled tasks")
		if err := fs.Parse(args[1:]); err != nil {
			return 2
		}
		jobsCLI, err := cli.NewJobsCLI(cache.QueueOpts(cfg.RedisAddr))
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "queue: %v\n", err)
			return 1
		}
		defer jobsCLI.Close()
		stats, err := jobsCLI.InspectQueue(ctx)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "queue: %v\n", err)
			return 1
		}
		_ = json.NewEncoder(stdout).Encode(stats)
		if *scheduled > 0 {
			tasks, err := jobsCLI.ListScheduled(ctx, *scheduled)
			if err != nil {
				_, _ = fmt.Fprintf(stderr, "queue: list scheduled: %v\n", err)
				return 1
			}
			for _, t := range tasks {
				_, _ = fmt.Fprintf(stdout, "%s %s next=%s\n", t.ID, t.Type, t.NextProcessAt.UTC().Format("2006-01-02T15:04:05Z"))
			}
		}
		return 0
	default:
		usage(stderr)
		return 2
	}
}

func sweep(ctx context.Context, cfg *app.Config, logger *slog.Logger, opts cli.SweepOptions) int {
	pool, err := db.New(ctx, cfg.PGDSN, cfg.PGMaxConns)
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "sweep: %v\n", err)
		return 1
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		// without redis the pass runs unleased; row locks still keep it correct
		logger.Warn("redis unavailable, sweeping without lease", slog.Any("error", err))
	}
	var lease redis.Cmdable
	if redisClient != nil {
		defer redisClient.Close()
		lease = redisClient
	}
	services := app.NewServices(cfg, db.NewRunner(pool, cfg.TxOptions(), logger), lease, logger, nil)
	return cli.SweepCommand(ctx, services.Sweeper, opts)
}
