package progress

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/fontyslads/ctf-portal-sub000/go/clients/portal_client"
	"github.com/fontyslads/ctf-portal-sub000/go/internal/models"
	"github.com/jonboulle/clockwork"
	"go.uber.org/mock/gomock"
)

func expiredChannel(e *TimerEngine) <-chan models.Challenge {
	ch := make(chan models.Challenge, 4)
	e.OnExpire(func(c models.Challenge) { ch <- c })
	return ch
}

func waitExpiry(t *testing.T, ch <-chan models.Challenge) models.Challenge {
	t.Helper()
	select {
	case c := <-ch:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("no expiry signal")
		return models.Challenge{}
	}
}

func assertNoExpiry(t *testing.T, ch <-chan models.Challenge) {
	t.Helper()
	select {
	case c := <-ch:
		t.Fatalf("unexpected expiry signal for challenge %d", c.ID)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTimerEngineExpiresActiveChallengeOnce(t *testing.T) {
	store, _ := newSeededStore(t, threeStages())
	clock := clockwork.NewFakeClockAt(t0)

	engine := NewTimerEngine(store, clock)
	defer engine.Close()
	expired := expiredChannel(engine)

	if got := engine.ExpiryInstant(store.Snapshot()); !got.Equal(t0.Add(300 * time.Second)) {
		t.Fatalf("expiry instant = %v", got)
	}

	// repeated recomputation over the same collection must not re-arm
	for i := 0; i < 3; i++ {
		engine.recompute(store.Snapshot())
	}

	clock.Advance(301 * time.Second)

	c := waitExpiry(t, expired)
	if c.ID != 2 || c.Status != models.ChallengeStatusTimedOut {
		t.Fatalf("expired %+v", c)
	}

	s := statuses(store.Snapshot())
	if s[2] != models.ChallengeStatusTimedOut {
		t.Errorf("challenge 2 status = %s", s[2])
	}
	third, _ := store.Challenge(3)
	if third.Status != models.ChallengeStatusNotSubmitted || third.StartTime != nil {
		t.Errorf("challenge 3 activated locally: %+v", third)
	}
	if _, ok := engine.Active(); ok {
		t.Error("engine still reports an active challenge")
	}
	if got := engine.Remaining(); got != 0 {
		t.Errorf("remaining = %v, want 0", got)
	}

	clock.Advance(10 * time.Minute)
	assertNoExpiry(t, expired)
}

func TestTimerEngineExpiresImmediatelyWhenAlreadyLate(t *testing.T) {
	store, _ := newSeededStore(t, threeStages())
	clock := clockwork.NewFakeClockAt(t0.Add(time.Hour))

	engine := NewTimerEngine(store, clock)
	defer engine.Close()

	deadline := time.Now().Add(2 * time.Second)
	for statuses(store.Snapshot())[2] != models.ChallengeStatusTimedOut {
		if time.Now().After(deadline) {
			t.Fatal("challenge 2 not timed out")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestTimerEngineResetsOnProgression(t *testing.T) {
	store, transport := newSeededStore(t, threeStages())
	clock := clockwork.NewFakeClockAt(t0.Add(100 * time.Second))

	engine := NewTimerEngine(store, clock)
	defer engine.Close()
	expired := expiredChannel(engine)

	if got := engine.Remaining(); got != 200*time.Second {
		t.Fatalf("remaining = %v, want 200s", got)
	}

	resp := models.SubmissionResponse{
		Challenge:     challenge(2, models.ChallengeStatusValid, at(0)),
		NextStartTime: at(100 * time.Second),
	}
	transport.EXPECT().
		Do(gomock.Any(), http.MethodPost, portal_client.SubmitEndpoint, gomock.Any()).
		Return(mustJSON(t, resp), nil)

	if _, err := store.SubmitAttempt(context.Background(), 2, "flag{two}"); err != nil {
		t.Fatalf("submit: %v", err)
	}

	active, ok := engine.Active()
	if !ok || active.ID != 3 {
		t.Fatalf("active = %+v, %v", active, ok)
	}
	if got := engine.Remaining(); got != 300*time.Second {
		t.Errorf("remaining = %v, want 300s", got)
	}

	// the old deadline passes without firing
	clock.Advance(250 * time.Second)
	assertNoExpiry(t, expired)

	clock.Advance(60 * time.Second)
	if c := waitExpiry(t, expired); c.ID != 3 {
		t.Errorf("expired challenge %d, want 3", c.ID)
	}
}

func TestTimerEngineLateValidAfterTimeout(t *testing.T) {
	store, transport := newSeededStore(t, threeStages())
	clock := clockwork.NewFakeClockAt(t0)

	engine := NewTimerEngine(store, clock)
	defer engine.Close()
	expired := expiredChannel(engine)

	clock.Advance(301 * time.Second)
	waitExpiry(t, expired)

	resp := models.SubmissionResponse{
		Challenge:     challenge(2, models.ChallengeStatusValid, at(0)),
		NextStartTime: at(302 * time.Second),
	}
	transport.EXPECT().
		Do(gomock.Any(), http.MethodPost, portal_client.SubmitEndpoint, gomock.Any()).
		Return(mustJSON(t, resp), nil)

	if _, err := store.SubmitAttempt(context.Background(), 2, "flag{two}"); err != nil {
		t.Fatalf("submit: %v", err)
	}

	if s := statuses(store.Snapshot()); s[2] != models.ChallengeStatusValid {
		t.Errorf("challenge 2 status = %s, want VALID", s[2])
	}
	if active, ok := engine.Active(); !ok || active.ID != 3 {
		t.Errorf("active = %+v, %v", active, ok)
	}
}

func TestExpiryInstantWithoutActiveChallenge(t *testing.T) {
	store, _ := newSeededStore(t, []models.Challenge{challenge(1, models.ChallengeStatusNotSubmitted, nil)})
	clock := clockwork.NewFakeClockAt(t0)

	engine := NewTimerEngine(store, clock)
	defer engine.Close()

	if got := engine.ExpiryInstant(store.Snapshot()); !got.Equal(t0) {
		t.Errorf("expiry instant = %v, want now", got)
	}
	if cd := engine.Countdown(); cd.Active || cd.Remaining != 0 {
		t.Errorf("countdown = %+v", cd)
	}
}

func TestWatchTicks(t *testing.T) {
	store, _ := newSeededStore(t, threeStages())
	clock := clockwork.NewFakeClockAt(t0)

	engine := NewTimerEngine(store, clock)
	defer engine.Close()

	ctx, cancel := context.WithCancel(context.Background())
	readings := make(chan Countdown, 4)
	done := make(chan struct{})
	go func() {
		engine.Watch(ctx, time.Second, func(cd Countdown) { readings <- cd })
		close(done)
	}()

	first := <-readings
	if !first.Active || first.ChallengeID != 2 || first.Remaining != 300*time.Second {
		t.Fatalf("first reading = %+v", first)
	}

	clock.Advance(time.Second)
	select {
	case cd := <-readings:
		if cd.Remaining != 299*time.Second {
			t.Errorf("remaining = %v, want 299s", cd.Remaining)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no tick")
	}

	cancel()
	<-done
}

func TestCloseStopsExpiry(t *testing.T) {
	store, _ := newSeededStore(t, threeStages())
	clock := clockwork.NewFakeClockAt(t0)

	engine := NewTimerEngine(store, clock)
	expired := expiredChannel(engine)
	engine.Close()

	clock.Advance(time.Hour)
	assertNoExpiry(t, expired)
	if s := statuses(store.Snapshot()); s[2] != models.ChallengeStatusNotSubmitted {
		t.Errorf("challenge 2 status = %s after close", s[2])
	}
}

func TestTimerEngineForgetsEarlierActivations(t *testing.T) {
	store, _ := newSeededStore(t, threeStages())
	clock := clockwork.NewFakeClockAt(t0)

	engine := NewTimerEngine(store, clock)
	defer engine.Close()
	expired := expiredChannel(engine)

	clock.Advance(301 * time.Second)
	if c := waitExpiry(t, expired); c.ID != 2 {
		t.Fatalf("expired challenge %d, want 2", c.ID)
	}

	engine.recompute([]models.Challenge{
		challenge(1, models.ChallengeStatusValid, at(-10*time.Minute)),
		challenge(2, models.ChallengeStatusValid, at(0)),
		challenge(3, models.ChallengeStatusNotSubmitted, at(6*time.Minute)),
	})

	engine.mu.Lock()
	remembered := len(engine.fired)
	engine.mu.Unlock()
	if remembered != 0 {
		t.Errorf("engine remembers %d fired activations, want 0", remembered)
	}
	if active, ok := engine.Active(); !ok || active.ID != 3 {
		t.Errorf("active = %+v, %v", active, ok)
	}
}
