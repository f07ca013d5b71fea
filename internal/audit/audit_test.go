package audit

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	events []Event
	inUnit []bool
}

func (s *recordingSink) Emit(ctx context.Context, ev Event) error {
	s.events = append(s.events, ev)
	s.inUnit = append(s.inUnit, InUnit(ctx))
	return nil
}

type fakeTx struct{ committed bool }

func runFake(tx *fakeTx) func(context.Context, func(context.Context, *fakeTx) error) error {
	return func(ctx context.Context, fn func(context.Context, *fakeTx) error) error {
		if err := fn(ctx, tx); err != nil {
			return err
		}
		tx.committed = true
		return nil
	}
}

func TestAtomicEmitsOnceInsideUnit(t *testing.T) {
	sink := &recordingSink{}
	tx := &fakeTx{}
	err := Atomic(context.Background(), sink, Event{ActorID: 9, Action: "invoice.post", Entity: "invoice"}, runFake(tx),
		func(ctx context.Context, tx *fakeTx, ev *Event) error {
			ev.EntityID = "42"
			ev.Set("number", "INV-2025-0001")
			return Atomic(ctx, sink, Event{Action: "transaction.post", Entity: "transaction"}, runFake(tx),
				func(ctx context.Context, tx *fakeTx, ev *Event) error {
					ev.EntityID = "nested"
					return nil
				})
		})
	require.NoError(t, err)
	require.True(t, tx.committed)
	require.Len(t, sink.events, 1)
	ev := sink.events[0]
	require.Equal(t, "invoice.post", ev.Action)
	require.Equal(t, "42", ev.EntityID)
	require.Equal(t, OutcomeSuccess, ev.Outcome)
	require.Equal(t, "INV-2025-0001", ev.Meta["number"])
	require.True(t, sink.inUnit[0])
}

func TestAtomicReportsFailureAfterRollback(t *testing.T) {
	sink := &recordingSink{}
	boom := errors.New("already void")
	err := Atomic(context.Background(), sink, Event{Action: "transaction.void", Entity: "transaction", EntityID: "7"}, runFake(&fakeTx{}),
		func(ctx context.Context, tx *fakeTx, ev *Event) error {
			return boom
		})
	require.ErrorIs(t, err, boom)
	require.Len(t, sink.events, 1)
	require.Equal(t, OutcomeFailure, sink.events[0].Outcome)
	require.Equal(t, "already void", sink.events[0].Error)
	require.False(t, sink.inUnit[0])
}

func TestFanoutJoinsErrors(t *testing.T) {
	bad := SinkFunc(func(context.Context, Event) error { return errors.New("down") })
	rec := &recordingSink{}
	err := Fanout{rec, nil, bad}.Emit(context.Background(), Event{Action: "a"})
	require.EqualError(t, err, "down")
	require.Len(t, rec.events, 1)
}
