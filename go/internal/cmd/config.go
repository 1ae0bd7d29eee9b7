package main

import (
	"fmt"
	"time"

	"github.com/fontyslads/ctf-portal-sub000/go/internal/dbconfig"
	"github.com/fontyslads/ctf-portal-sub000/go/internal/portal"
)

type Config struct {
	Port         string
	ExerciseFile string
	JWTSecret    string
	RedisURL     string
	Limiter      portal.LimiterConfig
	ShutdownWait time.Duration
}

func loadConfig() (Config, error) {
	limiter := portal.DefaultLimiterConfig()
	limiter.MaxAttempts = dbconfig.GetEnvAsInt("SUBMIT_MAX_ATTEMPTS", limiter.MaxAttempts)
	limiter.Window = dbconfig.DurationFromEnv("SUBMIT_WINDOW", limiter.Window)
	if err := limiter.Validate(); err != nil {
		return Config{}, fmt.Errorf("SUBMIT_MAX_ATTEMPTS/SUBMIT_WINDOW: %w", err)
	}

	return Config{
		Port:         dbconfig.GetEnv("PORT", "8080"),
		ExerciseFile: dbconfig.GetEnv("EXERCISE_FILE", "exercise.yaml"),
		JWTSecret:    dbconfig.GetEnv("JWT_SECRET", ""),
		RedisURL:     dbconfig.GetEnv("REDIS_URL", ""),
		Limiter:      limiter,
		ShutdownWait: dbconfig.DurationFromEnv("SHUTDOWN_TIMEOUT", 10*time.Second),
	}, nil
}
