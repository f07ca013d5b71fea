// Package audit defines the sink through which ledger, billing and booking operations
// report what they did. Storage and formatting belong to an external audit subsystem.
package audit

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Outcome records whether the audited operation committed.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Event is one audited business action.
type Event struct {
	ID        uuid.UUID
	ActorID   int64
	CompanyID int64
	Action    string
	Entity    string
	EntityID  string
	Outcome   Outcome
	Error     string
	Meta      map[string]any
	At        time.Time
}

// Set records a metadata attribute.
func (e *Event) Set(key string, value any) {
	if e.Meta == nil {
		e.Meta = make(map[string]any)
	}
	e.Meta[key] = value
}

// Sink receives audit events. Success events are emitted inside the business transaction.
type Sink interface {
	Emit(ctx context.Context, ev Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev Event) error

// Emit calls f.
func (f SinkFunc) Emit(ctx context.Context, ev Event) error { return f(ctx, ev) }

// Nop discards events.
type Nop struct{}

// Emit does nothing.
func (Nop) Emit(context.Context, Event) error { return nil }

// Fanout emits to every sink and joins their errors.
type Fanout []Sink

// Emit forwards ev to each sink.
func (f Fanout) Emit(ctx context.Context, ev Event) error {
	var errs []error
	for _, s := range f {
		if s == nil {
			continue
		}
		if err := s.Emit(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogSink writes events through slog.
type LogSink struct {
	Logger *slog.Logger
}

// Emit logs ev.
func (s LogSink) Emit(ctx context.Context, ev Event) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	level := slog.LevelInfo
	if ev.Outcome == OutcomeFailure {
		level = slog.LevelWarn
	}
	attrs := []slog.Attr{
		slog.String("event_id", ev.ID.String()),
		slog.Int64("actor_id", ev.ActorID),
		slog.Int64("company_id", ev.CompanyID),
		slog.String("entity", ev.Entity),
		slog.String("entity_id", ev.EntityID),
		slog.String("outcome", string(ev.Outcome)),
	}
	if ev.Error != "" {
		attrs = append(attrs, slog.String("error", ev.Error))
	}
	logger.LogAttrs(ctx, level, "audit "+ev.Action, attrs...)
	return nil
}

type unitKey struct{}

// InUnit reports whether ctx already belongs to an audited atomic unit.
func InUnit(ctx context.Context) bool {
	v, _ := ctx.Value(unitKey{}).(bool)
	return v
}

// Atomic runs fn through withTx and emits ev exactly once for the outermost unit: on
// success inside the transaction, so audit and business state commit together; on
// failure after rollback, with OutcomeFailure. Nested calls join the outer unit and
// emit nothing of their own.
func Atomic[T any](
	ctx context.Context,
	sink Sink,
	ev Event,
	withTx func(context.Context, func(context.Context, T) error) error,
	fn func(ctx context.Context, tx T, ev *Event) error,
) error {
	if InUnit(ctx) {
		return withTx(ctx, func(ctx context.Context, tx T) error {
			var discarded Event
			return fn(ctx, tx, &discarded)
		})
	}
	if sink == nil {
		sink = Nop{}
	}
	unitCtx := context.WithValue(ctx, unitKey{}, true)
	attempt := ev
	err := withTx(unitCtx, func(ctx context.Context, tx T) error {
		attempt = ev
		attempt.Meta = cloneMeta(ev.Meta)
		if err := fn(ctx, tx, &attempt); err != nil {
			return err
		}
		attempt.ID = uuid.New()
		attempt.At = time.Now().UTC()
		attempt.Outcome = OutcomeSuccess
		return sink.Emit(ctx, attempt)
	})
	if err == nil {
		return nil
	}
	attempt.ID = uuid.New()
	attempt.At = time.Now().UTC()
	attempt.Outcome = OutcomeFailure
	attempt.Error = err.Error()
	_ = sink.Emit(context.WithoutCancel(ctx), attempt)
	return err
}

func cloneMeta(meta map[string]any) map[string]any {
	if meta == nil {
		return nil
	}
	out := make(map[string]any, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}
