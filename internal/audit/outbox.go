package audit

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/odyssey-erp/odyssey-rental/internal/platform/db"
)

// OutboxSink appends events to audit_outbox. Inside a db.Runner unit the row commits or
// rolls back with the business mutation; the external audit subsystem drains the table.
type OutboxSink struct {
	runner *db.Runner
}

// NewOutboxSink returns a new OutboxSink.
func NewOutboxSink(runner *db.Runner) *OutboxSink {
	return &OutboxSink{runner: runner}
}

// Emit persists the event into the outbox.
func (s *OutboxSink) Emit(ctx context.Context, ev Event) error {
	if s == nil || s.runner == nil {
		return errors.New("audit outbox not initialised")
	}
	if ev.Action == "" || ev.Entity == "" {
		return errors.New("audit event requires action/entity")
	}
	metaJSON, err := json.Marshal(ev.Meta)
	if err != nil {
		return err
	}
	_, err = s.runner.Conn(ctx).Exec(ctx, `INSERT INTO audit_outbox (id, actor_id, company_id, action, entity, entity_id, outcome, error, meta, occurred_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		ev.ID, ev.ActorID, ev.CompanyID, ev.Action, ev.Entity, ev.EntityID, string(ev.Outcome), ev.Error, metaJSON, ev.At)
	return err
}
