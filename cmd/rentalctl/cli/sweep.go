package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/odyssey-erp/odyssey-rental/jobs"
)

// SweepOptions defines available flags for the sweep command.
type SweepOptions struct {
	JSONOutput bool
	Stdout     io.Writer
	Stderr     io.Writer
}

// SweepSummary describes the JSON response for sweep.
type SweepSummary struct {
	OK        bool           `json:"ok"`
	Scanned   int            `json:"scanned"`
	Cancelled int            `json:"cancelled"`
	Skipped   int            `json:"skipped"`
	LeaseHeld bool           `json:"lease_held"`
	Failures  []SweepFailure `json:"failures"`
}

// SweepFailure names a booking that could not be expired.
type SweepFailure struct {
	BookingID int64  `json:"booking_id"`
	Error     string `json:"error"`
}

// SweepCommand runs one expiry pass in-process and prints the outcome. Exit code 10 means
// some bookings failed to expire.
func SweepCommand(ctx context.Context, sweeper jobs.SweepRunner, opts SweepOptions) int {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if sweeper == nil {
		_, _ = fmt.Fprintln(opts.Stderr, "sweep: sweeper not configured")
		return 1
	}
	res, err := sweeper.RunOnce(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "sweep: %v\n", err)
		return 1
	}

	summary := SweepSummary{
		Scanned:   res.Scanned,
		Cancelled: res.Cancelled,
		Skipped:   res.Skipped,
		LeaseHeld: res.LeaseHeld,
		Failures:  make([]SweepFailure, 0, len(res.Failed)),
	}
	for id, err := range res.Failed {
		summary.Failures = append(summary.Failures, SweepFailure{BookingID: id, Error: err.Error()})
	}
	sort.Slice(summary.Failures, func(i, j int) bool { return summary.Failures[i].BookingID < summary.Failures[j].BookingID })
	summary.OK = len(summary.Failures) == 0

	if opts.JSONOutput {
		if err := json.NewEncoder(opts.Stdout).Encode(summary); err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "sweep: encode json: %v\n", err)
			return 1
		}
	} else {
		renderSweepHuman(opts.Stdout, summary)
	}
	if !summary.OK {
		return 10
	}
	return 0
}

func renderSweepHuman(out io.Writer, s SweepSummary) {
	if s.LeaseHeld {
		_, _ = fmt.Fprintln(out, "Another sweeper holds the lease, nothing done.")
		return
	}
	_, _ = fmt.Fprintf(out, "Scanned %d lapsed booking(s): %d cancelled, %d skipped\n", s.Scanned, s.Cancelled, s.Skipped)
	if len(s.Failures) == 0 {
		return
	}
	_, _ = fmt.Fprintf(out, "%d failure(s):\n", len(s.Failures))
	for _, f := range s.Failures {
		_, _ = fmt.Fprintf(out, " - booking %d: %s\n", f.BookingID, f.Error)
	}
}
