package progress

import (
	"time"

	"github.com/fontyslads/ctf-portal-sub000/go/internal/models"
)

// FindActiveChallenge returns the last challenge in collection order that is
// still open and has been started. ok is false when nothing is active.
func FindActiveChallenge(collection []models.Challenge) (active models.Challenge, ok bool) {
	for i := len(collection) - 1; i >= 0; i-- {
		c := collection[i]
		if c.Status.Terminal() || c.StartTime == nil {
			continue
		}
		return c, true
	}
	return models.Challenge{}, false
}

// IsAttemptable reports whether a submission for c makes sense at now.
func IsAttemptable(c models.Challenge, now time.Time) bool {
	if c.Status.Terminal() {
		return false
	}
	deadline, started := c.Deadline()
	if !started {
		return false
	}
	return now.Before(deadline)
}

// statusRank orders non-terminal statuses. Terminal statuses are handled
// separately in Reconcile.
func statusRank(s models.ChallengeStatus) int {
	switch s {
	case models.ChallengeStatusInvalid:
		return 1
	default:
		return 0
	}
}

// Reconcile merges an incoming record into the local one by value.
//
// Status never moves backwards: a local VALID is kept, a local TIMED_OUT is
// kept unless the incoming status is VALID, and INVALID is not reset to
// NOT_SUBMITTED. An incoming TIMED_OUT is ignored. A start time, once known,
// is never cleared.
func Reconcile(local, incoming models.Challenge) models.Challenge {
	merged := incoming
	if merged.StartTime == nil {
		merged.StartTime = local.StartTime
	}

	switch {
	case !incoming.Status.Known():
		merged.Status = local.Status
	case incoming.Status == models.ChallengeStatusTimedOut:
		// only local expiry times a challenge out
		merged.Status = local.Status
	case incoming.Status == models.ChallengeStatusValid:
	case local.Status == models.ChallengeStatusValid:
		merged.Status = local.Status
	case local.Status == models.ChallengeStatusTimedOut:
		merged.Status = local.Status
	case statusRank(incoming.Status) < statusRank(local.Status):
		merged.Status = local.Status
	}

	return merged
}

// MergeChallenge returns a copy of collection with the entry matching
// incoming.ID reconciled. found is false when no entry has that id.
func MergeChallenge(collection []models.Challenge, incoming models.Challenge) (merged []models.Challenge, found bool) {
	merged = cloneCollection(collection)
	for i := range merged {
		if merged[i].ID != incoming.ID {
			continue
		}
		merged[i] = Reconcile(merged[i], incoming)
		return merged, true
	}
	return merged, false
}

// MergeCollection takes the incoming listing as the new collection, with every
// entry reconciled against the local entry of the same id.
func MergeCollection(local, incoming []models.Challenge) []models.Challenge {
	byID := make(map[int]models.Challenge, len(local))
	for _, c := range local {
		byID[c.ID] = c
	}

	merged := make([]models.Challenge, 0, len(incoming))
	for _, c := range incoming {
		if prev, ok := byID[c.ID]; ok {
			c = Reconcile(prev, c)
		}
		merged = append(merged, cloneChallenge(c))
	}
	return merged
}

func cloneCollection(collection []models.Challenge) []models.Challenge {
	if collection == nil {
		return nil
	}
	out := make([]models.Challenge, len(collection))
	for i, c := range collection {
		out[i] = cloneChallenge(c)
	}
	return out
}

func cloneChallenge(c models.Challenge) models.Challenge {
	if c.StartTime != nil {
		t := *c.StartTime
		c.StartTime = &t
	}
	return c
}
