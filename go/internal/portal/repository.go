package portal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sqlc-dev/pqtype"

	"github.com/fontyslads/ctf-portal-sub000/go/internal/models"
	"github.com/fontyslads/ctf-portal-sub000/go/internal/portal/db"
	"github.com/fontyslads/ctf-portal-sub000/go/internal/sqlutil"
)

// Progress is one team's state on one challenge.
type Progress struct {
	TeamID      string
	ChallengeID int
	Status      models.ChallengeStatus
	StartTime   *time.Time
	Attempts    int
	SolvedAt    *time.Time
}

// Repository implements portal data access operations
type Repository struct {
	db      *sql.DB
	queries *db.Queries
}

// NewRepository creates a new portal repository
func NewRepository(database *sql.DB) *Repository {
	return &Repository{
		db:      database,
		queries: db.New(database),
	}
}

// InTx runs fn with a repository bound to a single transaction.
func (r *Repository) InTx(ctx context.Context, fn func(tx ProgressRepository) error) error {
	return sqlutil.Run(ctx, r.db,
		func(tx *sql.Tx) *db.Queries { return r.queries.WithTx(tx) },
		func(q *db.Queries) error {
			return fn(&Repository{db: r.db, queries: q})
		},
	)
}

// UpsertTeam creates a team or renames an existing one
func (r *Repository) UpsertTeam(ctx context.Context, team models.Team) error {
	err := r.queries.UpsertTeam(ctx, db.UpsertTeamParams{
		ID:          team.ID,
		Name:        team.Name,
		CreatedAtMs: sqlutil.ToMillis(team.CreatedAt),
	})
	if err != nil {
		return fmt.Errorf("failed to upsert team: %w", err)
	}
	return nil
}

// GetTeam retrieves a team by ID
func (r *Repository) GetTeam(ctx context.Context, id string) (*models.Team, error) {
	team, err := r.queries.GetTeam(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("team %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get team: %w", err)
	}
	return &models.Team{
		ID:        team.ID,
		Name:      team.Name,
		CreatedAt: sqlutil.FromMillis(team.CreatedAtMs),
	}, nil
}

// ListTeamIDs returns every registered team
func (r *Repository) ListTeamIDs(ctx context.Context) ([]string, error) {
	ids, err := r.queries.ListTeamIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list teams: %w", err)
	}
	return ids, nil
}

// UpsertChallenge creates or updates a challenge definition
func (r *Repository) UpsertChallenge(ctx context.Context, def models.ChallengeDefinition) error {
	err := r.queries.UpsertChallenge(ctx, db.UpsertChallengeParams{
		ID:               int32(def.ID),
		Description:      def.Description,
		FlagSha256:       def.FlagHash,
		TimeLimitSeconds: int32(def.TimeLimitSeconds),
	})
	if err != nil {
		return fmt.Errorf("failed to upsert challenge: %w", err)
	}
	return nil
}

// ListDefinitions returns the challenge sequence in order
func (r *Repository) ListDefinitions(ctx context.Context) ([]models.ChallengeDefinition, error) {
	rows, err := r.queries.ListChallenges(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list challenges: %w", err)
	}

	defs := make([]models.ChallengeDefinition, len(rows))
	for i, row := range rows {
		defs[i] = r.dbChallengeToModel(row)
	}
	return defs, nil
}

// GetDefinition retrieves one challenge definition
func (r *Repository) GetDefinition(ctx context.Context, id int) (*models.ChallengeDefinition, error) {
	row, err := r.queries.GetChallenge(ctx, int32(id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("challenge %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get challenge: %w", err)
	}
	def := r.dbChallengeToModel(row)
	return &def, nil
}

// EnsureProgress creates missing progress rows for teamID
func (r *Repository) EnsureProgress(ctx context.Context, teamID string, challengeIDs []int) error {
	for _, id := range challengeIDs {
		err := r.queries.EnsureTeamProgress(ctx, db.EnsureTeamProgressParams{
			TeamID:      teamID,
			ChallengeID: int32(id),
		})
		if err != nil {
			return fmt.Errorf("failed to create progress for challenge %d: %w", id, err)
		}
	}
	return nil
}

// ListProgress returns a team's progress rows in challenge order
func (r *Repository) ListProgress(ctx context.Context, teamID string) ([]Progress, error) {
	rows, err := r.queries.ListTeamProgress(ctx, teamID)
	if err != nil {
		return nil, fmt.Errorf("failed to list progress: %w", err)
	}

	progress := make([]Progress, len(rows))
	for i, row := range rows {
		progress[i] = r.dbProgressToModel(row)
	}
	return progress, nil
}

// GetProgress retrieves one progress row
func (r *Repository) GetProgress(ctx context.Context, teamID string, challengeID int) (*Progress, error) {
	row, err := r.queries.GetTeamProgress(ctx, db.GetTeamProgressParams{
		TeamID:      teamID,
		ChallengeID: int32(challengeID),
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("progress %s/%d: %w", teamID, challengeID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get progress: %w", err)
	}
	p := r.dbProgressToModel(row)
	return &p, nil
}

// RecordInvalidAttempt marks an unsolved challenge INVALID and counts the attempt
func (r *Repository) RecordInvalidAttempt(ctx context.Context, teamID string, challengeID int) error {
	n, err := r.queries.RecordInvalidAttempt(ctx, db.RecordInvalidAttemptParams{
		TeamID:      teamID,
		ChallengeID: int32(challengeID),
	})
	if err != nil {
		return fmt.Errorf("failed to record attempt: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("record attempt %s/%d: %w", teamID, challengeID, ErrNotActive)
	}
	return nil
}

// MarkSolved marks a challenge VALID. It reports false if it already was.
func (r *Repository) MarkSolved(ctx context.Context, teamID string, challengeID int, at time.Time) (bool, error) {
	n, err := r.queries.MarkSolved(ctx, db.MarkSolvedParams{
		SolvedAtMs:  sqlutil.ToMillis(at),
		TeamID:      teamID,
		ChallengeID: int32(challengeID),
	})
	if err != nil {
		return false, fmt.Errorf("failed to mark solved: %w", err)
	}
	return n == 1, nil
}

// StartChallenge sets the start time once. It reports false if it was already set.
func (r *Repository) StartChallenge(ctx context.Context, teamID string, challengeID int, at time.Time) (bool, error) {
	n, err := r.queries.StartChallenge(ctx, db.StartChallengeParams{
		StartTimeMs: sqlutil.ToMillis(at),
		TeamID:      teamID,
		ChallengeID: int32(challengeID),
	})
	if err != nil {
		return false, fmt.Errorf("failed to start challenge: %w", err)
	}
	return n == 1, nil
}

// InsertOutboxEvent stores a domain event for the relay. teamID may be empty
// for events addressed to every team.
func (r *Repository) InsertOutboxEvent(ctx context.Context, teamID, eventType string, payload any, at time.Time) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", eventType, err)
	}

	err = r.queries.InsertOutboxEvent(ctx, db.InsertOutboxEventParams{
		ID:          uuid.New(),
		TeamID:      sqlutil.ToSqlString(teamID),
		EventType:   eventType,
		Payload:     pqtype.NullRawMessage{RawMessage: data, Valid: true},
		CreatedAtMs: sqlutil.ToMillis(at),
	})
	if err != nil {
		return fmt.Errorf("failed to insert %s outbox event: %w", eventType, err)
	}
	return nil
}

func (r *Repository) dbChallengeToModel(row db.Challenge) models.ChallengeDefinition {
	return models.ChallengeDefinition{
		ID:               int(row.ID),
		Description:      row.Description,
		FlagHash:         row.FlagSha256,
		TimeLimitSeconds: int(row.TimeLimitSeconds),
	}
}

func (r *Repository) dbProgressToModel(row db.TeamProgress) Progress {
	return Progress{
		TeamID:      row.TeamID,
		ChallengeID: int(row.ChallengeID),
		Status:      models.ChallengeStatus(row.Status),
		StartTime:   sqlutil.FromNullMillis(row.StartTimeMs),
		Attempts:    int(row.Attempts),
		SolvedAt:    sqlutil.FromNullMillis(row.SolvedAtMs),
	}
}
