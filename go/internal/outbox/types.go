package outbox

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/fontyslads/ctf-portal-sub000/go/internal/events"
	"github.com/fontyslads/ctf-portal-sub000/go/internal/portal/db"
	"github.com/fontyslads/ctf-portal-sub000/go/internal/sqlutil"
)

// OutboxEvent represents an outbox row waiting to be relayed
type OutboxEvent struct {
	ID        uuid.UUID       `json:"id"`
	TeamID    string          `json:"team_id,omitempty"` // empty for exercise-wide events
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

func eventFromRow(row db.Outbox) OutboxEvent {
	return OutboxEvent{
		ID:        row.ID,
		TeamID:    sqlutil.FromSqlString(row.TeamID, ""),
		EventType: row.EventType,
		Payload:   row.Payload.RawMessage,
		CreatedAt: sqlutil.FromMillis(row.CreatedAtMs),
	}
}

// Envelope wraps the event the way the gateway expects it on the wire.
func (e OutboxEvent) Envelope() events.Envelope {
	payload := e.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	return events.Envelope{
		EventID:   e.ID.String(),
		EventType: e.EventType,
		TeamID:    e.TeamID,
		Timestamp: e.CreatedAt,
		Payload:   payload,
	}
}
