package main

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/fontyslads/ctf-portal-sub000/go/internal/auth"
	"github.com/fontyslads/ctf-portal-sub000/go/internal/portal"
)

type Services struct {
	Portal   *portal.Service
	Verifier auth.Verifier

	closers []func() error
}

func (s *Services) Close() {
	for _, closeFn := range s.closers {
		if err := closeFn(); err != nil {
			log.Warn().Err(err).Msg("failed to close service dependency")
		}
	}
}

func setupServices(ctx context.Context, database *sql.DB, config Config) (*Services, error) {
	// Wire up dependency injection chain
	// Database layer → Repository layer → App layer → Service layer
	clock := clockwork.NewRealClock()
	services := &Services{}

	exercise, err := portal.LoadExercise(config.ExerciseFile)
	if err != nil {
		return nil, err
	}

	issuer, err := auth.NewIssuer(config.JWTSecret, 0, clock)
	if err != nil {
		return nil, fmt.Errorf("failed to create credential verifier: %w", err)
	}
	services.Verifier = issuer

	var limiter portal.AttemptLimiter
	if config.RedisURL != "" {
		redisLimiter, err := portal.NewRedisLimiter(ctx, config.RedisURL, config.Limiter)
		if err != nil {
			return nil, fmt.Errorf("failed to create redis limiter: %w", err)
		}
		services.closers = append(services.closers, redisLimiter.Close)
		limiter = redisLimiter
		log.Info().Msg("submission limiter backed by redis")
	} else {
		memoryLimiter, err := portal.NewMemoryLimiter(config.Limiter, clock)
		if err != nil {
			return nil, fmt.Errorf("failed to create limiter: %w", err)
		}
		limiter = memoryLimiter
		log.Info().Msg("submission limiter kept in memory")
	}

	repo := portal.NewRepository(database)
	app := portal.NewApp(repo, limiter, clock)
	if err := app.Bootstrap(ctx, exercise); err != nil {
		services.Close()
		return nil, fmt.Errorf("failed to load exercise %s: %w", config.ExerciseFile, err)
	}
	log.Info().
		Int("teams", len(exercise.Teams)).
		Int("challenges", len(exercise.Challenges)).
		Msg("exercise loaded")

	services.Portal = portal.NewService(app)
	return services, nil
}
