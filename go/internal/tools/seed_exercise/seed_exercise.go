package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/fontyslads/ctf-portal-sub000/go/internal/dbconfig"
	"github.com/fontyslads/ctf-portal-sub000/go/internal/portal"
)

var (
	exerciseFile = flag.String("exercise", "", "exercise YAML to seed (default $EXERCISE_FILE or exercise.yaml)")
	reset        = flag.Bool("reset", false, "wipe team progress and undelivered events before seeding")
)

func main() {
	_ = godotenv.Load()
	flag.Parse()
	ctx := context.Background()

	if *exerciseFile == "" {
		*exerciseFile = dbconfig.GetEnv("EXERCISE_FILE", "exercise.yaml")
	}

	// 1) Load the exercise
	exercise, err := portal.LoadExercise(*exerciseFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load exercise: %v\n", err)
		os.Exit(1)
	}

	// 2) Connect using shared dbconfig
	cfg := dbconfig.NewConfigFromEnv()
	pool, err := pgxpool.New(ctx, cfg.DSN())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect: %v\n", err)
		os.Exit(1)
	}
	defer pool.Close()

	// 3) Upsert everything in one transaction
	var teams, challenges, progress int64
	err = pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		if *reset {
			if _, err := tx.Exec(ctx, `DELETE FROM team_progress`); err != nil {
				return fmt.Errorf("reset progress: %w", err)
			}
			if _, err := tx.Exec(ctx, `DELETE FROM outbox WHERE sent_at_ms IS NULL`); err != nil {
				return fmt.Errorf("reset outbox: %w", err)
			}
		}

		batch := &pgx.Batch{}
		for _, def := range exercise.Definitions() {
			batch.Queue(`
                INSERT INTO challenges (id, description, flag_sha256, time_limit_seconds)
                VALUES ($1, $2, $3, $4)
                ON CONFLICT (id) DO UPDATE SET
                  description = EXCLUDED.description,
                  flag_sha256 = EXCLUDED.flag_sha256,
                  time_limit_seconds = EXCLUDED.time_limit_seconds
            `, def.ID, def.Description, def.FlagHash, def.TimeLimitSeconds).
				Exec(func(ct pgconn.CommandTag) error {
					challenges += ct.RowsAffected()
					return nil
				})
		}

		now := time.Now().UnixMilli()
		for _, team := range exercise.TeamModels() {
			batch.Queue(`
                INSERT INTO teams (id, name, created_at_ms) VALUES ($1, $2, $3)
                ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name
            `, team.ID, team.Name, now).
				Exec(func(ct pgconn.CommandTag) error {
					teams += ct.RowsAffected()
					return nil
				})

			for _, def := range exercise.Definitions() {
				batch.Queue(`
                    INSERT INTO team_progress (team_id, challenge_id) VALUES ($1, $2)
                    ON CONFLICT (team_id, challenge_id) DO NOTHING
                `, team.ID, def.ID).
					Exec(func(ct pgconn.CommandTag) error {
						progress += ct.RowsAffected()
						return nil
					})
			}
		}

		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "seed failed: %v\n", err)
		os.Exit(1)
	}

	// 4) Print summary
	fmt.Printf(
		"Exercise seed complete: %d challenges, %d teams upserted, %d progress rows created\n",
		challenges, teams, progress,
	)
}
