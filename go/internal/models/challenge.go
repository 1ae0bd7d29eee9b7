package models

import (
	"time"
)

// ChallengeStatus defines the submission status of a challenge.
type ChallengeStatus string

const (
	ChallengeStatusNotSubmitted ChallengeStatus = "NOT_SUBMITTED"
	ChallengeStatusValid        ChallengeStatus = "VALID"
	ChallengeStatusInvalid      ChallengeStatus = "INVALID"
	ChallengeStatusTimedOut     ChallengeStatus = "TIMED_OUT" // local only, never sent by the server
)

// Terminal reports whether no further local transition is permitted.
// A server VALID may still replace a local TIMED_OUT.
func (s ChallengeStatus) Terminal() bool {
	return s == ChallengeStatusValid || s == ChallengeStatusTimedOut
}

// Known reports whether s is one of the defined statuses.
func (s ChallengeStatus) Known() bool {
	switch s {
	case ChallengeStatusNotSubmitted, ChallengeStatusValid, ChallengeStatusInvalid, ChallengeStatusTimedOut:
		return true
	}
	return false
}

// Challenge is one stage of the exercise as seen by a team.
type Challenge struct {
	ID               int             `json:"id"` // position in the fixed sequence
	Description      string          `json:"description"`
	Status           ChallengeStatus `json:"status"`
	StartTime        *time.Time      `json:"start_time,omitempty"` // nil until the challenge becomes active
	TimeLimitSeconds int             `json:"time_limit_seconds"`
}

// TimeLimit returns the allotted duration once active.
func (c Challenge) TimeLimit() time.Duration {
	return time.Duration(c.TimeLimitSeconds) * time.Second
}

// Deadline returns startTime + timeLimit, or false if the challenge never started.
func (c Challenge) Deadline() (time.Time, bool) {
	if c.StartTime == nil {
		return time.Time{}, false
	}
	return c.StartTime.Add(c.TimeLimit()), true
}

// SubmissionRequest is the body of a flag submission.
type SubmissionRequest struct {
	ID    int    `json:"id"`
	Value string `json:"value"`
}

// SubmissionResponse is the updated challenge record returned for a submission.
// NextChallengeID and NextStartTime are set when the submission moved the team
// on to the next challenge.
type SubmissionResponse struct {
	Challenge
	NextChallengeID *int       `json:"next_challenge_id,omitempty"`
	NextStartTime   *time.Time `json:"next_start_time,omitempty"`
}

// WorkshopStartResponse is the result of the administrative start trigger.
type WorkshopStartResponse struct {
	Started bool `json:"started"`
}

// ErrorResponse is the JSON body attached to API faults.
type ErrorResponse struct {
	Error     string     `json:"error"`
	Challenge *Challenge `json:"challenge,omitempty"`
}
