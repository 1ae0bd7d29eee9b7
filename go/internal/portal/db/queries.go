package db

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	"github.com/sqlc-dev/pqtype"
)

const upsertTeam = `
INSERT INTO teams (id, name, created_at_ms)
VALUES ($1, $2, $3)
ON CONFLICT (id) DO UPDATE SET name = excluded.name
`

type UpsertTeamParams struct {
	ID          string
	Name        string
	CreatedAtMs int64
}

func (q *Queries) UpsertTeam(ctx context.Context, arg UpsertTeamParams) error {
	_, err := q.db.ExecContext(ctx, upsertTeam, arg.ID, arg.Name, arg.CreatedAtMs)
	return err
}

const getTeam = `
SELECT id, name, created_at_ms FROM teams WHERE id = $1
`

func (q *Queries) GetTeam(ctx context.Context, id string) (Team, error) {
	row := q.db.QueryRowContext(ctx, getTeam, id)
	var i Team
	err := row.Scan(&i.ID, &i.Name, &i.CreatedAtMs)
	return i, err
}

const listTeamIDs = `
SELECT id FROM teams ORDER BY id
`

func (q *Queries) ListTeamIDs(ctx context.Context) ([]string, error) {
	rows, err := q.db.QueryContext(ctx, listTeamIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		items = append(items, id)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const upsertChallenge = `
INSERT INTO challenges (id, description, flag_sha256, time_limit_seconds)
VALUES ($1, $2, $3, $4)
ON CONFLICT (id) DO UPDATE SET
    description = excluded.description,
    flag_sha256 = excluded.flag_sha256,
    time_limit_seconds = excluded.time_limit_seconds
`

type UpsertChallengeParams struct {
	ID               int32
	Description      string
	FlagSha256       string
	TimeLimitSeconds int32
}

func (q *Queries) UpsertChallenge(ctx context.Context, arg UpsertChallengeParams) error {
	_, err := q.db.ExecContext(ctx, upsertChallenge,
		arg.ID,
		arg.Description,
		arg.FlagSha256,
		arg.TimeLimitSeconds,
	)
	return err
}

const getChallenge = `
SELECT id, description, flag_sha256, time_limit_seconds FROM challenges WHERE id = $1
`

func (q *Queries) GetChallenge(ctx context.Context, id int32) (Challenge, error) {
	row := q.db.QueryRowContext(ctx, getChallenge, id)
	var i Challenge
	err := row.Scan(&i.ID, &i.Description, &i.FlagSha256, &i.TimeLimitSeconds)
	return i, err
}

const listChallenges = `
SELECT id, description, flag_sha256, time_limit_seconds FROM challenges ORDER BY id
`

func (q *Queries) ListChallenges(ctx context.Context) ([]Challenge, error) {
	rows, err := q.db.QueryContext(ctx, listChallenges)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []Challenge
	for rows.Next() {
		var i Challenge
		if err := rows.Scan(&i.ID, &i.Description, &i.FlagSha256, &i.TimeLimitSeconds); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const ensureTeamProgress = `
INSERT INTO team_progress (team_id, challenge_id, status, attempts)
VALUES ($1, $2, 'NOT_SUBMITTED', 0)
ON CONFLICT (team_id, challenge_id) DO NOTHING
`

type EnsureTeamProgressParams struct {
	TeamID      string
	ChallengeID int32
}

func (q *Queries) EnsureTeamProgress(ctx context.Context, arg EnsureTeamProgressParams) error {
	_, err := q.db.ExecContext(ctx, ensureTeamProgress, arg.TeamID, arg.ChallengeID)
	return err
}

const listTeamProgress = `
SELECT team_id, challenge_id, status, start_time_ms, attempts, solved_at_ms
FROM team_progress
WHERE team_id = $1
ORDER BY challenge_id
`

func (q *Queries) ListTeamProgress(ctx context.Context, teamID string) ([]TeamProgress, error) {
	rows, err := q.db.QueryContext(ctx, listTeamProgress, teamID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []TeamProgress
	for rows.Next() {
		var i TeamProgress
		if err := rows.Scan(
			&i.TeamID,
			&i.ChallengeID,
			&i.Status,
			&i.StartTimeMs,
			&i.Attempts,
			&i.SolvedAtMs,
		); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const getTeamProgress = `
SELECT team_id, challenge_id, status, start_time_ms, attempts, solved_at_ms
FROM team_progress
WHERE team_id = $1 AND challenge_id = $2
`

type GetTeamProgressParams struct {
	TeamID      string
	ChallengeID int32
}

func (q *Queries) GetTeamProgress(ctx context.Context, arg GetTeamProgressParams) (TeamProgress, error) {
	row := q.db.QueryRowContext(ctx, getTeamProgress, arg.TeamID, arg.ChallengeID)
	var i TeamProgress
	err := row.Scan(
		&i.TeamID,
		&i.ChallengeID,
		&i.Status,
		&i.StartTimeMs,
		&i.Attempts,
		&i.SolvedAtMs,
	)
	return i, err
}

const recordInvalidAttempt = `
UPDATE team_progress
SET status = 'INVALID', attempts = attempts + 1
WHERE team_id = $1 AND challenge_id = $2 AND status <> 'VALID'
`

type RecordInvalidAttemptParams struct {
	TeamID      string
	ChallengeID int32
}

func (q *Queries) RecordInvalidAttempt(ctx context.Context, arg RecordInvalidAttemptParams) (int64, error) {
	result, err := q.db.ExecContext(ctx, recordInvalidAttempt, arg.TeamID, arg.ChallengeID)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

const markSolved = `
UPDATE team_progress
SET status = 'VALID', attempts = attempts + 1, solved_at_ms = $1
WHERE team_id = $2 AND challenge_id = $3 AND status <> 'VALID'
`

type MarkSolvedParams struct {
	SolvedAtMs  int64
	TeamID      string
	ChallengeID int32
}

func (q *Queries) MarkSolved(ctx context.Context, arg MarkSolvedParams) (int64, error) {
	result, err := q.db.ExecContext(ctx, markSolved, arg.SolvedAtMs, arg.TeamID, arg.ChallengeID)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

const startChallenge = `
UPDATE team_progress
SET start_time_ms = $1
WHERE team_id = $2 AND challenge_id = $3 AND start_time_ms IS NULL
`

type StartChallengeParams struct {
	StartTimeMs int64
	TeamID      string
	ChallengeID int32
}

func (q *Queries) StartChallenge(ctx context.Context, arg StartChallengeParams) (int64, error) {
	result, err := q.db.ExecContext(ctx, startChallenge, arg.StartTimeMs, arg.TeamID, arg.ChallengeID)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

const insertOutboxEvent = `
INSERT INTO outbox (id, team_id, event_type, payload, created_at_ms)
VALUES ($1, $2, $3, $4, $5)
`

type InsertOutboxEventParams struct {
	ID          uuid.UUID
	TeamID      sql.NullString
	EventType   string
	Payload     pqtype.NullRawMessage
	CreatedAtMs int64
}

func (q *Queries) InsertOutboxEvent(ctx context.Context, arg InsertOutboxEventParams) error {
	_, err := q.db.ExecContext(ctx, insertOutboxEvent,
		arg.ID,
		arg.TeamID,
		arg.EventType,
		arg.Payload,
		arg.CreatedAtMs,
	)
	return err
}

const fetchUnsentOutbox = `
SELECT id, team_id, event_type, payload, created_at_ms, sent_at_ms
FROM outbox
WHERE sent_at_ms IS NULL
ORDER BY created_at_ms, id
LIMIT $1
`

func (q *Queries) FetchUnsentOutbox(ctx context.Context, limit int32) ([]Outbox, error) {
	rows, err := q.db.QueryContext(ctx, fetchUnsentOutbox, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []Outbox
	for rows.Next() {
		var i Outbox
		if err := rows.Scan(
			&i.ID,
			&i.TeamID,
			&i.EventType,
			&i.Payload,
			&i.CreatedAtMs,
			&i.SentAtMs,
		); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const fetchOutboxByID = `
SELECT id, team_id, event_type, payload, created_at_ms, sent_at_ms
FROM outbox
WHERE id = $1
`

func (q *Queries) FetchOutboxByID(ctx context.Context, id uuid.UUID) (Outbox, error) {
	row := q.db.QueryRowContext(ctx, fetchOutboxByID, id)
	var i Outbox
	err := row.Scan(
		&i.ID,
		&i.TeamID,
		&i.EventType,
		&i.Payload,
		&i.CreatedAtMs,
		&i.SentAtMs,
	)
	return i, err
}

const markOutboxSent = `
UPDATE outbox SET sent_at_ms = $1 WHERE id = $2 AND sent_at_ms IS NULL
`

type MarkOutboxSentParams struct {
	SentAtMs int64
	ID       uuid.UUID
}

func (q *Queries) MarkOutboxSent(ctx context.Context, arg MarkOutboxSentParams) error {
	_, err := q.db.ExecContext(ctx, markOutboxSent, arg.SentAtMs, arg.ID)
	return err
}

const countUnsentOutbox = `
SELECT COUNT(*) FROM outbox WHERE sent_at_ms IS NULL
`

func (q *Queries) CountUnsentOutbox(ctx context.Context) (int64, error) {
	row := q.db.QueryRowContext(ctx, countUnsentOutbox)
	var count int64
	err := row.Scan(&count)
	return count, err
}
