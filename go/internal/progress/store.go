package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/fontyslads/ctf-portal-sub000/go/clients/portal_client"
	"github.com/fontyslads/ctf-portal-sub000/go/internal/coordinator"
	"github.com/fontyslads/ctf-portal-sub000/go/internal/models"
	"github.com/rs/zerolog/log"
)

// ErrUnavailable is returned when the challenge listing could not be fetched.
// The collection is left as it was.
var ErrUnavailable = errors.New("challenges temporarily unavailable")

// Observer receives a copy of the collection after every mutation.
type Observer func(collection []models.Challenge)

// Store owns a team's challenge collection. Remote operations share one
// coordinator, so a listing and a submission supersede each other.
//
// Observers are called synchronously, in mutation order, before the mutating
// method returns. They must not call mutating Store methods themselves.
type Store struct {
	coord *coordinator.Coordinator

	notifyMu sync.Mutex // serializes mutation + notification

	mu         sync.RWMutex
	challenges []models.Challenge
	observers  map[int]Observer
	nextObs    int
}

func NewStore(coord *coordinator.Coordinator) *Store {
	return &Store{
		coord:     coord,
		observers: make(map[int]Observer),
	}
}

// Subscribe registers fn and returns a function that removes it.
func (s *Store) Subscribe(fn Observer) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextObs
	s.nextObs++
	s.observers[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.observers, id)
		s.mu.Unlock()
	}
}

// Snapshot returns a copy of the collection.
func (s *Store) Snapshot() []models.Challenge {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneCollection(s.challenges)
}

// Challenge returns the entry with the given id.
func (s *Store) Challenge(id int) (models.Challenge, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.challenges {
		if c.ID == id {
			return cloneChallenge(c), true
		}
	}
	return models.Challenge{}, false
}

// ListChallenges refreshes the collection from the server. applied is false
// when the call was superseded or failed; only failures return an error.
func (s *Store) ListChallenges(ctx context.Context) (applied bool, err error) {
	call, err := s.coord.Read(ctx, portal_client.ChallengesEndpoint)
	if errors.Is(err, coordinator.ErrSuperseded) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	err = s.coord.Settle(call, func(payload json.RawMessage) error {
		var incoming []models.Challenge
		if err := json.Unmarshal(payload, &incoming); err != nil {
			return fmt.Errorf("failed to decode challenge listing: %w", err)
		}
		s.mutate(func(local []models.Challenge) []models.Challenge {
			return MergeCollection(local, incoming)
		})
		return nil
	})
	if errors.Is(err, coordinator.ErrSuperseded) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	return true, nil
}

// SubmitAttempt sends a flag for challenge id and merges the updated record.
//
// A nil challenge with a nil error means the submission was superseded by a
// newer request and its outcome discarded. A rejection is returned unchanged;
// if the rejection carries a challenge record, that record is merged first.
func (s *Store) SubmitAttempt(ctx context.Context, id int, value string) (*models.Challenge, error) {
	req := models.SubmissionRequest{ID: id, Value: value}

	call, err := s.coord.Create(ctx, portal_client.SubmitEndpoint, req)
	if errors.Is(err, coordinator.ErrSuperseded) {
		return nil, nil
	}
	if err != nil {
		if call != nil {
			s.adoptRejection(call, id)
		}
		return nil, err
	}

	var result *models.Challenge
	err = s.coord.Settle(call, func(payload json.RawMessage) error {
		var resp models.SubmissionResponse
		if err := json.Unmarshal(payload, &resp); err != nil {
			return fmt.Errorf("failed to decode submission response: %w", err)
		}
		result = s.applySubmission(resp)
		return nil
	})
	if errors.Is(err, coordinator.ErrSuperseded) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return result, nil
}

// MarkTimedOut moves a started, open challenge to TIMED_OUT. It reports
// whether the transition happened.
func (s *Store) MarkTimedOut(id int) bool {
	changed := false
	s.mutate(func(local []models.Challenge) []models.Challenge {
		for i := range local {
			c := &local[i]
			if c.ID != id {
				continue
			}
			if c.Status.Terminal() || c.StartTime == nil {
				return nil
			}
			c.Status = models.ChallengeStatusTimedOut
			changed = true
			return local
		}
		return nil
	})

	if changed {
		log.Info().Int("challenge_id", id).Msg("challenge timed out")
	}
	return changed
}

func (s *Store) applySubmission(resp models.SubmissionResponse) *models.Challenge {
	var result *models.Challenge
	s.mutate(func(local []models.Challenge) []models.Challenge {
		merged, found := MergeChallenge(local, resp.Challenge)
		if !found {
			log.Warn().Int("challenge_id", resp.ID).Msg("submission response for unknown challenge")
			return nil
		}

		if resp.NextStartTime != nil {
			startNext(merged, resp)
		}

		for i := range merged {
			if merged[i].ID == resp.ID {
				c := cloneChallenge(merged[i])
				result = &c
				break
			}
		}
		return merged
	})
	return result
}

// startNext sets the start time of the challenge that follows resp, unless it
// is already known.
func startNext(collection []models.Challenge, resp models.SubmissionResponse) {
	next := -1
	for i := range collection {
		if resp.NextChallengeID != nil {
			if collection[i].ID == *resp.NextChallengeID {
				next = i
				break
			}
			continue
		}
		if collection[i].ID == resp.ID && i+1 < len(collection) {
			next = i + 1
			break
		}
	}
	if next < 0 || collection[next].StartTime != nil {
		return
	}
	t := *resp.NextStartTime
	collection[next].StartTime = &t
}

func (s *Store) adoptRejection(call *coordinator.Call, id int) {
	err := s.coord.Settle(call, func(payload json.RawMessage) error {
		var body models.ErrorResponse
		if err := json.Unmarshal(payload, &body); err != nil {
			return err
		}
		if body.Challenge == nil || body.Challenge.ID != id {
			return nil
		}
		s.mutate(func(local []models.Challenge) []models.Challenge {
			merged, found := MergeChallenge(local, *body.Challenge)
			if !found {
				return nil
			}
			return merged
		})
		return nil
	})
	if err != nil && !errors.Is(err, coordinator.ErrSuperseded) {
		log.Debug().Err(err).Int("challenge_id", id).Msg("rejection body not adopted")
	}
}

// mutate applies fn to a working copy. A nil result means nothing changed and
// observers are not called.
func (s *Store) mutate(fn func(local []models.Challenge) []models.Challenge) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	next := fn(cloneCollection(s.challenges))
	if next == nil {
		s.mu.Unlock()
		return
	}
	s.challenges = next
	snapshot := cloneCollection(next)
	observers := make([]Observer, 0, len(s.observers))
	for i := 0; i < s.nextObs; i++ {
		if fn, ok := s.observers[i]; ok {
			observers = append(observers, fn)
		}
	}
	s.mu.Unlock()

	for _, observer := range observers {
		observer(cloneCollection(snapshot))
	}
}
