package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	_ "modernc.org/sqlite"

	"github.com/fontyslads/ctf-portal-sub000/go/internal/events"
	"github.com/fontyslads/ctf-portal-sub000/go/internal/portal"
)

var epoch = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type fakePublisher struct {
	mu        sync.Mutex
	failFirst int // fail this many calls before succeeding
	calls     int
	published []OutboxEvent
	notify    chan OutboxEvent
}

func newFakePublisher(failFirst int) *fakePublisher {
	return &fakePublisher{failFirst: failFirst, notify: make(chan OutboxEvent, 16)}
}

func (p *fakePublisher) Publish(_ context.Context, event OutboxEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.calls <= p.failFirst {
		return errors.New("broker unavailable")
	}
	p.published = append(p.published, event)
	p.notify <- event
	return nil
}

func (p *fakePublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.published))
	for i, e := range p.published {
		out[i] = e.EventType
	}
	return out
}

type relayEnv struct {
	db    *sql.DB
	repo  *Repository
	clock *clockwork.FakeClock
}

func newRelayEnv(t *testing.T) *relayEnv {
	t.Helper()
	database, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	database.SetMaxOpenConns(1)
	t.Cleanup(func() { database.Close() })

	if err := portal.Migrate(context.Background(), database, false); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return &relayEnv{
		db:    database,
		repo:  NewRepository(database),
		clock: clockwork.NewFakeClockAt(epoch),
	}
}

// insert writes an event the way the portal does and returns its id.
func (e *relayEnv) insert(t *testing.T, teamID, eventType string, payload any) string {
	t.Helper()
	e.clock.Advance(time.Millisecond)
	err := portal.NewRepository(e.db).InsertOutboxEvent(context.Background(), teamID, eventType, payload, e.clock.Now())
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	unsent, err := e.repo.FetchUnsent(context.Background(), 100)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	return unsent[len(unsent)-1].ID.String()
}

func testRelayConfig() RelayConfig {
	cfg := DefaultRelayConfig()
	cfg.RetryDelay = 0
	cfg.MaxRetries = 2
	return cfg
}

func TestProcessUnsentRelaysInOrder(t *testing.T) {
	env := newRelayEnv(t)
	env.insert(t, "red", events.EventTypeChallengeStarted, events.ChallengeStartedPayload{TeamID: "red", ChallengeID: 1})
	env.insert(t, "", events.EventTypeWorkshopStarted, events.WorkshopStartedPayload{TeamsStarted: 1})
	env.insert(t, "red", events.EventTypeChallengeSolved, events.ChallengeSolvedPayload{TeamID: "red", ChallengeID: 1})

	pub := newFakePublisher(0)
	relay := NewRelay(env.repo, pub, nil, env.clock, testRelayConfig())

	if err := relay.ProcessUnsent(context.Background()); err != nil {
		t.Fatalf("process: %v", err)
	}

	want := []string{events.EventTypeChallengeStarted, events.EventTypeWorkshopStarted, events.EventTypeChallengeSolved}
	got := pub.types()
	if len(got) != len(want) {
		t.Fatalf("published %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("published[%d] = %s, want %s", i, got[i], want[i])
		}
	}

	if pub.published[1].TeamID != "" || pub.published[0].TeamID != "red" {
		t.Errorf("team ids = %q, %q", pub.published[0].TeamID, pub.published[1].TeamID)
	}

	if n, _ := env.repo.CountUnsent(context.Background()); n != 0 {
		t.Errorf("%d events left unsent", n)
	}

	if err := relay.ProcessUnsent(context.Background()); err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if len(pub.types()) != 3 {
		t.Error("second sweep republished events")
	}

	processed, last, _ := relay.Stats()
	if processed != 3 || !last.Equal(env.clock.Now()) {
		t.Errorf("stats = %d, %v", processed, last)
	}
}

func TestPublishRetries(t *testing.T) {
	env := newRelayEnv(t)
	env.insert(t, "red", events.EventTypeChallengeStarted, nil)

	pub := newFakePublisher(2) // succeeds on the last allowed attempt
	reg := prometheus.NewRegistry()
	metrics := NewPrometheusMetrics(reg)
	relay := NewRelay(env.repo, pub, metrics, env.clock, testRelayConfig())

	if err := relay.ProcessUnsent(context.Background()); err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(pub.types()) != 1 {
		t.Fatalf("published %d events, want 1", len(pub.types()))
	}

	failures := testutil.ToFloat64(metrics.publishAttempts.WithLabelValues(events.EventTypeChallengeStarted, "1", "failure"))
	success := testutil.ToFloat64(metrics.publishAttempts.WithLabelValues(events.EventTypeChallengeStarted, "3", "success"))
	if failures != 1 || success != 1 {
		t.Errorf("attempt metrics: first failure=%v third success=%v", failures, success)
	}
	if lag := testutil.ToFloat64(metrics.outboxLag); lag != 0 {
		t.Errorf("lag = %v, want 0", lag)
	}
}

func TestPublishGivesUp(t *testing.T) {
	env := newRelayEnv(t)
	env.insert(t, "red", events.EventTypeChallengeStarted, nil)

	pub := newFakePublisher(100)
	relay := NewRelay(env.repo, pub, nil, env.clock, testRelayConfig())

	if err := relay.ProcessUnsent(context.Background()); err == nil {
		t.Fatal("expected an error")
	}
	if pub.calls != 3 {
		t.Errorf("calls = %d, want 3", pub.calls)
	}
	if n, _ := env.repo.CountUnsent(context.Background()); n != 1 {
		t.Errorf("unsent = %d, want 1", n)
	}
}

func TestHandleNotification(t *testing.T) {
	env := newRelayEnv(t)
	id := env.insert(t, "blue", events.EventTypeChallengeAttempted, events.ChallengeAttemptedPayload{TeamID: "blue", ChallengeID: 2, Attempts: 1})

	pub := newFakePublisher(0)
	relay := NewRelay(env.repo, pub, nil, env.clock, testRelayConfig())
	ctx := context.Background()

	if err := relay.HandleNotification(ctx, "not-a-uuid"); err == nil {
		t.Error("bad id accepted")
	}
	if err := relay.HandleNotification(ctx, "00000000-0000-0000-0000-000000000001"); !errors.Is(err, ErrEventNotFound) {
		t.Errorf("unknown id err = %v", err)
	}

	if err := relay.HandleNotification(ctx, id); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if err := relay.HandleNotification(ctx, id); err != nil {
		t.Fatalf("handle again: %v", err)
	}
	if len(pub.types()) != 1 {
		t.Errorf("published %d times, want 1", len(pub.types()))
	}

	var payload events.ChallengeAttemptedPayload
	if err := json.Unmarshal(pub.published[0].Payload, &payload); err != nil || payload.Attempts != 1 {
		t.Errorf("payload = %s", pub.published[0].Payload)
	}
}

func TestRunRelaysNotifiedAndSweptEvents(t *testing.T) {
	env := newRelayEnv(t)
	pub := newFakePublisher(0)
	cfg := testRelayConfig()
	cfg.FallbackInterval = time.Minute
	relay := NewRelay(env.repo, pub, nil, env.clock, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	notes := make(chan string)
	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx, notes) }()

	id := env.insert(t, "red", events.EventTypeChallengeStarted, nil)
	notes <- id
	waitPublished(t, pub, events.EventTypeChallengeStarted)

	// inserted without a notification: the fallback sweep picks it up
	env.insert(t, "red", events.EventTypeChallengeSolved, nil)
	if err := env.clock.BlockUntilContext(ctx, 1); err != nil {
		t.Fatalf("waiting for ticker: %v", err)
	}
	env.clock.Advance(time.Minute)
	waitPublished(t, pub, events.EventTypeChallengeSolved)

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("relay did not stop")
	}
	if _, _, running := relay.Stats(); running {
		t.Error("relay still reports running")
	}
}

func waitPublished(t *testing.T, pub *fakePublisher, eventType string) {
	t.Helper()
	select {
	case ev := <-pub.notify:
		if ev.EventType != eventType {
			t.Fatalf("published %s, want %s", ev.EventType, eventType)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", eventType)
	}
}

type brokerUp bool

func (b brokerUp) Connected() bool { return bool(b) }

func TestHealthChecker(t *testing.T) {
	env := newRelayEnv(t)
	relay := NewRelay(env.repo, newFakePublisher(0), nil, env.clock, testRelayConfig())
	checker := NewHealthChecker(relay, env.repo, env.db, brokerUp(true), env.clock, time.Minute)

	rec := httptest.NewRecorder()
	checker.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("idle relay status = %d, want 503", rec.Code)
	}

	relay.setRunning(true)
	env.insert(t, "red", events.EventTypeChallengeStarted, nil)
	status := checker.Check(context.Background())
	if !status.Healthy || status.PendingEvents != 1 || !status.DatabaseConnected {
		t.Errorf("status = %+v", status)
	}

	checker.broker = brokerUp(false)
	if checker.Check(context.Background()).Healthy {
		t.Error("healthy with broker down")
	}
}

func TestEnvelope(t *testing.T) {
	env := newRelayEnv(t)
	env.insert(t, "", events.EventTypeWorkshopStarted, events.WorkshopStartedPayload{TeamsStarted: 2, StartedBy: "admin"})
	unsent, err := env.repo.FetchUnsent(context.Background(), 1)
	if err != nil || len(unsent) != 1 {
		t.Fatalf("fetch: %v", err)
	}

	data, err := json.Marshal(unsent[0].Envelope())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["eventType"] != events.EventTypeWorkshopStarted || decoded["eventId"] != unsent[0].ID.String() {
		t.Errorf("envelope = %s", data)
	}
	if _, ok := decoded["teamId"]; ok {
		t.Error("exercise-wide event carries a team id")
	}
	if payload, ok := decoded["payload"].(map[string]any); !ok || payload["teams_started"] != float64(2) {
		t.Errorf("payload = %v", decoded["payload"])
	}

	if subject := DefaultJetStreamConfig().Subject(events.EventTypeWorkshopStarted); subject != "ctf.events.WorkshopStarted" {
		t.Errorf("subject = %s", subject)
	}
}
