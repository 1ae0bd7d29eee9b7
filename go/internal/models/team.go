package models

import (
	"time"
)

// Team represents a participating team in the exercise.
type Team struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// ChallengeDefinition is the server-side description of a stage, including the
// hash of its flag. It is never sent to participants.
type ChallengeDefinition struct {
	ID               int    `json:"id" yaml:"id"`
	Description      string `json:"description" yaml:"description"`
	FlagHash         string `json:"-" yaml:"flag_sha256"`
	TimeLimitSeconds int    `json:"time_limit_seconds" yaml:"time_limit_seconds"`
}
