package events

import (
	"encoding/json"
	"time"
)

// Event payload types that are shared between the portal, the outbox relay and the gateway

const (
	EventTypeChallengeSolved    = "ChallengeSolved"
	EventTypeChallengeAttempted = "ChallengeAttempted"
	EventTypeChallengeStarted   = "ChallengeStarted"
	EventTypeWorkshopStarted    = "WorkshopStarted"
)

// ChallengeSolvedPayload is the payload for a ChallengeSolved event
type ChallengeSolvedPayload struct {
	TeamID          string     `json:"team_id"`
	ChallengeID     int        `json:"challenge_id"`
	Attempts        int        `json:"attempts"`
	SolvedAt        time.Time  `json:"solved_at"`
	NextChallengeID *int       `json:"next_challenge_id,omitempty"`
	NextStartTime   *time.Time `json:"next_start_time,omitempty"`
}

// ChallengeAttemptedPayload is the payload for a rejected flag submission
type ChallengeAttemptedPayload struct {
	TeamID      string    `json:"team_id"`
	ChallengeID int       `json:"challenge_id"`
	Attempts    int       `json:"attempts"`
	AttemptedAt time.Time `json:"attempted_at"`
}

// ChallengeStartedPayload is the payload for a ChallengeStarted event
type ChallengeStartedPayload struct {
	TeamID           string    `json:"team_id"`
	ChallengeID      int       `json:"challenge_id"`
	StartedAt        time.Time `json:"started_at"`
	TimeLimitSeconds int       `json:"time_limit_seconds"`
}

// WorkshopStartedPayload is the payload for a WorkshopStarted event
type WorkshopStartedPayload struct {
	StartedAt    time.Time `json:"started_at"`
	TeamsStarted int       `json:"teams_started"`
	StartedBy    string    `json:"started_by"`
}

// Envelope is what the relay publishes and the gateway consumes
type Envelope struct {
	EventID   string          `json:"eventId"`
	EventType string          `json:"eventType"`
	TeamID    string          `json:"teamId,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}
