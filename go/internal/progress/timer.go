package progress

import (
	"context"
	"sync"
	"time"

	"github.com/fontyslads/ctf-portal-sub000/go/internal/models"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// Clock is the interface we use for time operations.
// In production, use clockwork.NewRealClock(). In tests, a FakeClock.
type Clock interface {
	Now() time.Time
	NewTimer(d time.Duration) clockwork.Timer
	NewTicker(d time.Duration) clockwork.Ticker
}

// ChallengeSource is the part of Store the timer engine depends on.
type ChallengeSource interface {
	Subscribe(fn Observer) (unsubscribe func())
	Snapshot() []models.Challenge
	MarkTimedOut(id int) bool
}

// Countdown is one reading of the active challenge's clock.
type Countdown struct {
	ChallengeID int
	Active      bool
	Expiry      time.Time
	Remaining   time.Duration
}

// instance identifies one activation of a challenge.
type instance struct {
	id    int
	start int64 // start time, unix nanos
}

// TimerEngine tracks the active challenge and expires it locally when its
// time limit runs out. The expiry signal fires once per activation.
type TimerEngine struct {
	source ChallengeSource
	clock  Clock

	mu        sync.Mutex
	active    *models.Challenge
	expiry    time.Time
	armed     bool
	current   instance
	stop      chan struct{}
	fired     map[instance]bool
	listeners []func(models.Challenge)
	closed    bool

	unsubscribe func()
}

// NewTimerEngine subscribes to source and arms a timer for its active challenge.
func NewTimerEngine(source ChallengeSource, clock Clock) *TimerEngine {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	e := &TimerEngine{
		source: source,
		clock:  clock,
		fired:  make(map[instance]bool),
	}
	e.unsubscribe = source.Subscribe(e.recompute)
	e.recompute(source.Snapshot())
	return e
}

// OnExpire registers fn to be called after a challenge has been timed out.
func (e *TimerEngine) OnExpire(fn func(models.Challenge)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, fn)
}

// ExpiryInstant returns the deadline of the active challenge in collection,
// or now when nothing is active.
func (e *TimerEngine) ExpiryInstant(collection []models.Challenge) time.Time {
	active, ok := FindActiveChallenge(collection)
	if !ok {
		return e.clock.Now()
	}
	deadline, _ := active.Deadline()
	return deadline
}

// Active returns the challenge currently being timed.
func (e *TimerEngine) Active() (models.Challenge, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active == nil {
		return models.Challenge{}, false
	}
	return cloneChallenge(*e.active), true
}

// Remaining returns the time left on the active challenge, never negative.
func (e *TimerEngine) Remaining() time.Duration {
	return e.Countdown().Remaining
}

// Countdown returns the current reading of the clock.
func (e *TimerEngine) Countdown() Countdown {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock.Now()
	if e.active == nil {
		return Countdown{Expiry: now}
	}
	remaining := e.expiry.Sub(now)
	if remaining < 0 {
		remaining = 0
	}
	return Countdown{
		ChallengeID: e.active.ID,
		Active:      true,
		Expiry:      e.expiry,
		Remaining:   remaining,
	}
}

// Watch calls fn with a fresh countdown immediately and then every interval
// until ctx is done.
func (e *TimerEngine) Watch(ctx context.Context, interval time.Duration, fn func(Countdown)) {
	ticker := e.clock.NewTicker(interval)
	defer ticker.Stop()

	fn(e.Countdown())
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			fn(e.Countdown())
		}
	}
}

// Close stops the engine. No expiry fires afterwards.
func (e *TimerEngine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.disarm()
	e.mu.Unlock()

	e.unsubscribe()
}

// recompute derives the active challenge and its expiry from scratch.
func (e *TimerEngine) recompute(collection []models.Challenge) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return
	}

	active, ok := FindActiveChallenge(collection)
	if !ok {
		if e.active != nil {
			log.Debug().Int("challenge_id", e.active.ID).Msg("no active challenge")
		}
		e.active = nil
		e.expiry = e.clock.Now()
		e.disarm()
		return
	}

	deadline, _ := active.Deadline()
	key := instance{id: active.ID, start: active.StartTime.UnixNano()}
	e.active = &active
	e.expiry = deadline

	if e.armed && e.current == key {
		return
	}
	e.disarm()
	if e.fired[key] {
		return
	}

	// earlier challenges can no longer become active
	for k := range e.fired {
		if k.id != key.id {
			delete(e.fired, k)
		}
	}

	e.current = key
	e.armed = true
	stop := make(chan struct{})
	e.stop = stop

	d := deadline.Sub(e.clock.Now())
	if d <= 0 {
		go e.expire(key)
		return
	}

	timer := e.clock.NewTimer(d)
	go func(t clockwork.Timer) {
		select {
		case <-t.Chan():
			e.expire(key)
		case <-stop:
			stopAndDrainTimer(t)
		}
	}(timer)

	log.Debug().
		Int("challenge_id", key.id).
		Time("deadline", deadline).
		Dur("duration", d).
		Msg("armed challenge timer")
}

// disarm must be called with e.mu held.
func (e *TimerEngine) disarm() {
	if e.stop != nil {
		close(e.stop)
		e.stop = nil
	}
	e.armed = false
}

func (e *TimerEngine) expire(key instance) {
	e.mu.Lock()
	if e.closed || e.fired[key] || !e.armed || e.current != key || e.active == nil {
		e.mu.Unlock()
		return
	}
	e.fired[key] = true
	expired := cloneChallenge(*e.active)
	listeners := append([]func(models.Challenge){}, e.listeners...)
	e.mu.Unlock()

	log.Info().
		Int("challenge_id", key.id).
		Msg("challenge time limit reached")

	if !e.source.MarkTimedOut(key.id) {
		return
	}
	expired.Status = models.ChallengeStatusTimedOut
	for _, fn := range listeners {
		fn(expired)
	}
}

// stopAndDrainTimer stops a timer and drains its channel if it already fired.
func stopAndDrainTimer(timer clockwork.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.Chan():
		default:
		}
	}
}
