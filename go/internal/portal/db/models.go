package db

import (
	"database/sql"

	"github.com/google/uuid"
	"github.com/sqlc-dev/pqtype"
)

type Team struct {
	ID          string
	Name        string
	CreatedAtMs int64
}

type Challenge struct {
	ID               int32
	Description      string
	FlagSha256       string
	TimeLimitSeconds int32
}

type TeamProgress struct {
	TeamID      string
	ChallengeID int32
	Status      string
	StartTimeMs sql.NullInt64
	Attempts    int32
	SolvedAtMs  sql.NullInt64
}

type Outbox struct {
	ID          uuid.UUID
	TeamID      sql.NullString
	EventType   string
	Payload     pqtype.NullRawMessage
	CreatedAtMs int64
	SentAtMs    sql.NullInt64
}
