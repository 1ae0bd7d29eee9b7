package gateway

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/fontyslads/ctf-portal-sub000/go/internal/events"
)

// EventType represents the type of event pushed to a team
type EventType string

const (
	EventTypeConnected          EventType = "Connected"
	EventTypeChallengeSolved    EventType = EventType(events.EventTypeChallengeSolved)
	EventTypeChallengeAttempted EventType = EventType(events.EventTypeChallengeAttempted)
	EventTypeChallengeStarted   EventType = EventType(events.EventTypeChallengeStarted)
	EventTypeWorkshopStarted    EventType = EventType(events.EventTypeWorkshopStarted)
)

// TeamEvent is the websocket frame. Clients treat any event as a cue to
// re-list their challenges.
type TeamEvent struct {
	ID        string          `json:"id"`
	TeamID    string          `json:"team_id,omitempty"` // empty for exercise-wide events
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ConnectedPayload is sent once the connection is registered.
type ConnectedPayload struct {
	ConnectionID string `json:"connection_id"`
	TeamID       string `json:"team_id,omitempty"`
	Admin        bool   `json:"admin"`
}

// eventFromEnvelope converts a relayed envelope into a websocket frame.
func eventFromEnvelope(env events.Envelope) (*TeamEvent, error) {
	t := EventType(env.EventType)
	switch t {
	case EventTypeChallengeSolved, EventTypeChallengeAttempted, EventTypeChallengeStarted, EventTypeWorkshopStarted:
	default:
		return nil, fmt.Errorf("unknown event type: %s", env.EventType)
	}

	return &TeamEvent{
		ID:        env.EventID,
		TeamID:    env.TeamID,
		Type:      t,
		Timestamp: env.Timestamp,
		Data:      env.Payload,
	}, nil
}
