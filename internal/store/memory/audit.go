package memory

import (
	"context"
	"slices"

	"github.com/odyssey-erp/odyssey-rental/internal/audit"
)

// AuditSink records events in the store. Success events emitted inside a unit roll back with it.
func (s *Store) AuditSink() audit.Sink {
	return audit.SinkFunc(func(ctx context.Context, ev audit.Event) error {
		if inUnit(ctx) {
			s.st.outbox = append(s.st.outbox, ev)
			return nil
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		s.st.outbox = append(s.st.outbox, ev)
		return nil
	})
}

// Events returns the recorded audit events in emission order.
func (s *Store) Events() []audit.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.st.outbox)
}
