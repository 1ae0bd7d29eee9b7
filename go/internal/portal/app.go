package portal

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/fontyslads/ctf-portal-sub000/go/internal/events"
	"github.com/fontyslads/ctf-portal-sub000/go/internal/models"
)

// ProgressRepository defines what the app layer needs inside a transaction
type ProgressRepository interface {
	GetTeam(ctx context.Context, id string) (*models.Team, error)
	ListTeamIDs(ctx context.Context) ([]string, error)
	ListDefinitions(ctx context.Context) ([]models.ChallengeDefinition, error)
	GetDefinition(ctx context.Context, id int) (*models.ChallengeDefinition, error)
	EnsureProgress(ctx context.Context, teamID string, challengeIDs []int) error
	ListProgress(ctx context.Context, teamID string) ([]Progress, error)
	GetProgress(ctx context.Context, teamID string, challengeID int) (*Progress, error)
	RecordInvalidAttempt(ctx context.Context, teamID string, challengeID int) error
	MarkSolved(ctx context.Context, teamID string, challengeID int, at time.Time) (bool, error)
	StartChallenge(ctx context.Context, teamID string, challengeID int, at time.Time) (bool, error)
	InsertOutboxEvent(ctx context.Context, teamID, eventType string, payload any, at time.Time) error
}

// PortalRepository defines what the app layer needs from the repository
type PortalRepository interface {
	ProgressRepository
	UpsertTeam(ctx context.Context, team models.Team) error
	UpsertChallenge(ctx context.Context, def models.ChallengeDefinition) error
	InTx(ctx context.Context, fn func(tx ProgressRepository) error) error
}

// NotActiveError is returned for submissions against a challenge that has
// not started or is already solved. It carries the team's current record.
type NotActiveError struct {
	Challenge models.Challenge
}

func (e *NotActiveError) Error() string {
	if e.Challenge.Status == models.ChallengeStatusValid {
		return fmt.Sprintf("challenge %d is already solved", e.Challenge.ID)
	}
	return fmt.Sprintf("challenge %d is not active", e.Challenge.ID)
}

func (e *NotActiveError) Unwrap() []error {
	if e.Challenge.Status == models.ChallengeStatusValid {
		return []error{ErrNotActive, ErrAlreadySolved}
	}
	return []error{ErrNotActive}
}

// App handles challenge progression on the server
type App struct {
	repo    PortalRepository
	limiter AttemptLimiter
	clock   clockwork.Clock
}

// NewApp creates a new portal App
func NewApp(repo PortalRepository, limiter AttemptLimiter, clock clockwork.Clock) *App {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &App{
		repo:    repo,
		limiter: limiter,
		clock:   clock,
	}
}

// Bootstrap loads the exercise definition into the database and makes sure
// every team has a progress row per challenge. Existing progress is kept.
func (a *App) Bootstrap(ctx context.Context, ex *Exercise) error {
	now := a.clock.Now()
	defs := ex.Definitions()
	ids := make([]int, len(defs))
	for i, def := range defs {
		if err := a.repo.UpsertChallenge(ctx, def); err != nil {
			return err
		}
		ids[i] = def.ID
	}

	for _, team := range ex.TeamModels() {
		team.CreatedAt = now
		if err := a.repo.UpsertTeam(ctx, team); err != nil {
			return err
		}
		if err := a.repo.EnsureProgress(ctx, team.ID, ids); err != nil {
			return err
		}
	}

	log.Info().
		Int("teams", len(ex.Teams)).
		Int("challenges", len(defs)).
		Msg("exercise loaded")
	return nil
}

// ListTeamChallenges returns the team's ordered challenge collection.
// Descriptions of challenges that have not started are withheld.
func (a *App) ListTeamChallenges(ctx context.Context, teamID string) ([]models.Challenge, error) {
	if _, err := a.repo.GetTeam(ctx, teamID); err != nil {
		return nil, err
	}

	defs, err := a.repo.ListDefinitions(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := a.repo.ListProgress(ctx, teamID)
	if err != nil {
		return nil, err
	}

	byID := make(map[int]*Progress, len(rows))
	for i := range rows {
		byID[rows[i].ChallengeID] = &rows[i]
	}

	out := make([]models.Challenge, len(defs))
	for i, def := range defs {
		out[i] = toChallenge(def, byID[def.ID])
	}
	return out, nil
}

// Submit checks a flag for the team's active challenge. A wrong flag is not
// an error: the returned record carries INVALID.
func (a *App) Submit(ctx context.Context, teamID string, req models.SubmissionRequest) (*models.SubmissionResponse, error) {
	if strings.TrimSpace(req.Value) == "" {
		return nil, ErrEmptySubmission
	}

	def, err := a.repo.GetDefinition(ctx, req.ID)
	if err != nil {
		return nil, err
	}

	blocked, err := a.limiter.Blocked(ctx, teamID, req.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to check attempt limit: %w", err)
	}
	if blocked {
		submissionsTotal.WithLabelValues(outcomeRateLimited).Inc()
		log.Warn().Str("team_id", teamID).Int("challenge_id", req.ID).Msg("submission rate limited")
		return nil, ErrRateLimited
	}

	var (
		resp      *models.SubmissionResponse
		startedAt *time.Time
	)
	now := a.clock.Now()
	correct := CheckFlag(req.Value, def.FlagHash)

	err = a.repo.InTx(ctx, func(tx ProgressRepository) error {
		p, err := tx.GetProgress(ctx, teamID, def.ID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		if p == nil || p.StartTime == nil || p.Status == models.ChallengeStatusValid {
			return &NotActiveError{Challenge: toChallenge(*def, p)}
		}
		startedAt = p.StartTime

		if !correct {
			resp, err = a.rejectFlag(ctx, tx, *def, teamID, now)
			return err
		}
		resp, err = a.acceptFlag(ctx, tx, *def, teamID, now)
		return err
	})

	var notActive *NotActiveError
	switch {
	case errors.As(err, &notActive):
		submissionsTotal.WithLabelValues(outcomeNotActive).Inc()
		return nil, err
	case err != nil:
		return nil, fmt.Errorf("failed to record submission: %w", err)
	}

	label := strconv.Itoa(def.ID)
	if correct {
		submissionsTotal.WithLabelValues(outcomeValid).Inc()
		solveSeconds.WithLabelValues(label).Observe(now.Sub(*startedAt).Seconds())
		if resp.NextChallengeID != nil && resp.NextStartTime != nil {
			challengesStarted.WithLabelValues(strconv.Itoa(*resp.NextChallengeID)).Inc()
		}
	} else {
		submissionsTotal.WithLabelValues(outcomeInvalid).Inc()
		if err := a.limiter.RecordFailure(ctx, teamID, def.ID); err != nil {
			log.Warn().Err(err).Str("team_id", teamID).Int("challenge_id", def.ID).Msg("failed to count wrong flag")
		}
	}

	log.Info().
		Str("team_id", teamID).
		Int("challenge_id", def.ID).
		Str("status", string(resp.Status)).
		Msg("submission recorded")
	return resp, nil
}

func (a *App) rejectFlag(ctx context.Context, tx ProgressRepository, def models.ChallengeDefinition, teamID string, now time.Time) (*models.SubmissionResponse, error) {
	if err := tx.RecordInvalidAttempt(ctx, teamID, def.ID); err != nil {
		return nil, err
	}
	p, err := tx.GetProgress(ctx, teamID, def.ID)
	if err != nil {
		return nil, err
	}

	err = tx.InsertOutboxEvent(ctx, teamID, events.EventTypeChallengeAttempted, events.ChallengeAttemptedPayload{
		TeamID:      teamID,
		ChallengeID: def.ID,
		Attempts:    p.Attempts,
		AttemptedAt: now,
	}, now)
	if err != nil {
		return nil, err
	}

	return &models.SubmissionResponse{Challenge: toChallenge(def, p)}, nil
}

func (a *App) acceptFlag(ctx context.Context, tx ProgressRepository, def models.ChallengeDefinition, teamID string, now time.Time) (*models.SubmissionResponse, error) {
	solved, err := tx.MarkSolved(ctx, teamID, def.ID, now)
	if err != nil {
		return nil, err
	}
	if !solved {
		// lost a race against a concurrent correct submission
		p, err := tx.GetProgress(ctx, teamID, def.ID)
		if err != nil {
			return nil, err
		}
		return nil, &NotActiveError{Challenge: toChallenge(def, p)}
	}

	p, err := tx.GetProgress(ctx, teamID, def.ID)
	if err != nil {
		return nil, err
	}
	resp := &models.SubmissionResponse{Challenge: toChallenge(def, p)}

	next, err := nextDefinition(ctx, tx, def.ID)
	if err != nil {
		return nil, err
	}
	if next != nil {
		if err := tx.EnsureProgress(ctx, teamID, []int{next.ID}); err != nil {
			return nil, err
		}
		started, err := tx.StartChallenge(ctx, teamID, next.ID, now)
		if err != nil {
			return nil, err
		}
		nextID := next.ID
		resp.NextChallengeID = &nextID
		if started {
			startTime := now
			resp.NextStartTime = &startTime
			err = tx.InsertOutboxEvent(ctx, teamID, events.EventTypeChallengeStarted, events.ChallengeStartedPayload{
				TeamID:           teamID,
				ChallengeID:      next.ID,
				StartedAt:        now,
				TimeLimitSeconds: next.TimeLimitSeconds,
			}, now)
			if err != nil {
				return nil, err
			}
		}
	}

	err = tx.InsertOutboxEvent(ctx, teamID, events.EventTypeChallengeSolved, events.ChallengeSolvedPayload{
		TeamID:          teamID,
		ChallengeID:     def.ID,
		Attempts:        p.Attempts,
		SolvedAt:        now,
		NextChallengeID: resp.NextChallengeID,
		NextStartTime:   resp.NextStartTime,
	}, now)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// StartWorkshop starts the first challenge for every team that has not
// started yet. It reports whether any team was started, so repeating the
// call is harmless.
func (a *App) StartWorkshop(ctx context.Context, startedBy string) (bool, error) {
	now := a.clock.Now()
	var (
		started []string
		firstID int
	)

	err := a.repo.InTx(ctx, func(tx ProgressRepository) error {
		defs, err := tx.ListDefinitions(ctx)
		if err != nil {
			return err
		}
		if len(defs) == 0 {
			return nil
		}
		ids := make([]int, len(defs))
		for i, def := range defs {
			ids[i] = def.ID
		}
		first := defs[0]
		firstID = first.ID

		teams, err := tx.ListTeamIDs(ctx)
		if err != nil {
			return err
		}
		for _, teamID := range teams {
			if err := tx.EnsureProgress(ctx, teamID, ids); err != nil {
				return err
			}
			ok, err := tx.StartChallenge(ctx, teamID, first.ID, now)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			started = append(started, teamID)
			err = tx.InsertOutboxEvent(ctx, teamID, events.EventTypeChallengeStarted, events.ChallengeStartedPayload{
				TeamID:           teamID,
				ChallengeID:      first.ID,
				StartedAt:        now,
				TimeLimitSeconds: first.TimeLimitSeconds,
			}, now)
			if err != nil {
				return err
			}
		}

		if len(started) == 0 {
			return nil
		}
		return tx.InsertOutboxEvent(ctx, "", events.EventTypeWorkshopStarted, events.WorkshopStartedPayload{
			StartedAt:    now,
			TeamsStarted: len(started),
			StartedBy:    startedBy,
		}, now)
	})
	if err != nil {
		return false, fmt.Errorf("failed to start workshop: %w", err)
	}

	if len(started) == 0 {
		log.Info().Str("started_by", startedBy).Msg("workshop already running")
		return false, nil
	}

	workshopStarts.Inc()
	challengesStarted.WithLabelValues(strconv.Itoa(firstID)).Add(float64(len(started)))
	log.Info().
		Str("started_by", startedBy).
		Strs("teams", started).
		Msg("workshop started")
	return true, nil
}

func nextDefinition(ctx context.Context, tx ProgressRepository, id int) (*models.ChallengeDefinition, error) {
	defs, err := tx.ListDefinitions(ctx)
	if err != nil {
		return nil, err
	}
	for i, def := range defs {
		if def.ID == id && i+1 < len(defs) {
			return &defs[i+1], nil
		}
	}
	return nil, nil
}

func toChallenge(def models.ChallengeDefinition, p *Progress) models.Challenge {
	c := models.Challenge{
		ID:               def.ID,
		Status:           models.ChallengeStatusNotSubmitted,
		TimeLimitSeconds: def.TimeLimitSeconds,
	}
	if p == nil {
		return c
	}
	c.Status = p.Status
	c.StartTime = p.StartTime
	if p.StartTime != nil {
		c.Description = def.Description
	}
	return c
}
