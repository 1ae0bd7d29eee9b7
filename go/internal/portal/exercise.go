package portal

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/fontyslads/ctf-portal-sub000/go/internal/models"
)

// Exercise is the classroom setup: the teams taking part and the ordered
// challenge sequence they work through.
type Exercise struct {
	Teams      []ExerciseTeam      `yaml:"teams"`
	Challenges []ExerciseChallenge `yaml:"challenges"`
}

type ExerciseTeam struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// ExerciseChallenge carries either the plain flag or its SHA-256. A plain
// flag is hashed on load and never stored.
type ExerciseChallenge struct {
	ID               int    `yaml:"id"`
	Description      string `yaml:"description"`
	Flag             string `yaml:"flag,omitempty"`
	FlagSHA256       string `yaml:"flag_sha256,omitempty"`
	TimeLimitSeconds int    `yaml:"time_limit_seconds"`
}

// LoadExercise reads and validates an exercise YAML file.
func LoadExercise(path string) (*Exercise, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read exercise file: %w", err)
	}
	return ParseExercise(data)
}

func ParseExercise(data []byte) (*Exercise, error) {
	var ex Exercise
	if err := yaml.Unmarshal(data, &ex); err != nil {
		return nil, fmt.Errorf("failed to parse exercise: %w", err)
	}
	if err := ex.validate(); err != nil {
		return nil, fmt.Errorf("invalid exercise: %w", err)
	}
	return &ex, nil
}

func (e *Exercise) validate() error {
	if len(e.Challenges) == 0 {
		return errors.New("no challenges defined")
	}

	seenTeams := make(map[string]bool, len(e.Teams))
	for _, t := range e.Teams {
		if t.ID == "" {
			return errors.New("team without id")
		}
		if seenTeams[t.ID] {
			return fmt.Errorf("duplicate team %q", t.ID)
		}
		seenTeams[t.ID] = true
	}

	// ids define the order, so they must be strictly increasing
	prev := 0
	for i, c := range e.Challenges {
		if i > 0 && c.ID <= prev {
			return fmt.Errorf("challenge %d listed after %d", c.ID, prev)
		}
		prev = c.ID
		if c.TimeLimitSeconds <= 0 {
			return fmt.Errorf("challenge %d: time_limit_seconds must be positive", c.ID)
		}
		if c.Flag == "" && c.FlagSHA256 == "" {
			return fmt.Errorf("challenge %d: no flag", c.ID)
		}
	}
	return nil
}

// TeamModels returns the exercise teams. Name defaults to the id.
func (e *Exercise) TeamModels() []models.Team {
	teams := make([]models.Team, len(e.Teams))
	for i, t := range e.Teams {
		name := t.Name
		if name == "" {
			name = t.ID
		}
		teams[i] = models.Team{ID: t.ID, Name: name}
	}
	return teams
}

// Definitions returns the challenge sequence with flags reduced to hashes.
func (e *Exercise) Definitions() []models.ChallengeDefinition {
	defs := make([]models.ChallengeDefinition, len(e.Challenges))
	for i, c := range e.Challenges {
		hash := c.FlagSHA256
		if c.Flag != "" {
			hash = HashFlag(c.Flag)
		}
		defs[i] = models.ChallengeDefinition{
			ID:               c.ID,
			Description:      c.Description,
			FlagHash:         hash,
			TimeLimitSeconds: c.TimeLimitSeconds,
		}
	}
	return defs
}
