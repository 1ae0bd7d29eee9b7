package portal

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/mock/gomock"
	_ "modernc.org/sqlite"

	"github.com/fontyslads/ctf-portal-sub000/go/internal/events"
	"github.com/fontyslads/ctf-portal-sub000/go/internal/models"
	"github.com/fontyslads/ctf-portal-sub000/go/internal/portal/db"
)

const testExercise = `
teams:
  - id: red
    name: Red Team
  - id: blue
challenges:
  - id: 1
    description: find the banner
    flag: CTF{one}
    time_limit_seconds: 300
  - id: 2
    description: read the config
    flag: CTF{two}
    time_limit_seconds: 300
  - id: 3
    description: escalate
    flag_sha256: 2a5b4b1f7f2f0b3b3b5f1d1b6b0a3d0c8f6e5a4c3b2a19080706050403020100
    time_limit_seconds: 600
`

var epoch = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type testEnv struct {
	app     *App
	repo    *Repository
	db      *sql.DB
	clock   *clockwork.FakeClock
	limiter *MockAttemptLimiter
}

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	database, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	// every connection to :memory: is its own database
	database.SetMaxOpenConns(1)
	t.Cleanup(func() { database.Close() })

	if err := Migrate(context.Background(), database, false); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return database
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	database := openTestDB(t)
	clock := clockwork.NewFakeClockAt(epoch)
	limiter := NewMockAttemptLimiter(gomock.NewController(t))
	repo := NewRepository(database)
	app := NewApp(repo, limiter, clock)

	ex, err := ParseExercise([]byte(testExercise))
	if err != nil {
		t.Fatalf("parse exercise: %v", err)
	}
	if err := app.Bootstrap(context.Background(), ex); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	return &testEnv{app: app, repo: repo, db: database, clock: clock, limiter: limiter}
}

func (e *testEnv) allowAll() {
	e.limiter.EXPECT().Blocked(gomock.Any(), gomock.Any(), gomock.Any()).Return(false, nil).AnyTimes()
	e.limiter.EXPECT().RecordFailure(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil).AnyTimes()
}

func (e *testEnv) start(t *testing.T) {
	t.Helper()
	started, err := e.app.StartWorkshop(context.Background(), "instructor")
	if err != nil || !started {
		t.Fatalf("start workshop: started=%v err=%v", started, err)
	}
}

func (e *testEnv) unsentEvents(t *testing.T) []db.Outbox {
	t.Helper()
	rows, err := db.New(e.db).FetchUnsentOutbox(context.Background(), 100)
	if err != nil {
		t.Fatalf("fetch outbox: %v", err)
	}
	return rows
}

func eventTypes(rows []db.Outbox) map[string]int {
	out := make(map[string]int)
	for _, r := range rows {
		out[r.EventType]++
	}
	return out
}

func TestParseExerciseRejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"no challenges", "teams: [{id: red}]"},
		{"duplicate team", "teams: [{id: red}, {id: red}]\nchallenges: [{id: 1, flag: x, time_limit_seconds: 60}]"},
		{"out of order", "challenges: [{id: 2, flag: x, time_limit_seconds: 60}, {id: 1, flag: y, time_limit_seconds: 60}]"},
		{"zero limit", "challenges: [{id: 1, flag: x, time_limit_seconds: 0}]"},
		{"no flag", "challenges: [{id: 1, time_limit_seconds: 60}]"},
		{"not yaml", "challenges: [{"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseExercise([]byte(tt.yaml)); err == nil {
				t.Fatal("expected an error")
			}
		})
	}
}

func TestExerciseHashesPlainFlags(t *testing.T) {
	ex, err := ParseExercise([]byte(testExercise))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	defs := ex.Definitions()
	if !CheckFlag("CTF{one}", defs[0].FlagHash) {
		t.Error("plain flag was not hashed")
	}
	if defs[2].FlagHash != ex.Challenges[2].FlagSHA256 {
		t.Error("pre-hashed flag was changed")
	}
	if teams := ex.TeamModels(); teams[1].Name != "blue" {
		t.Errorf("unnamed team got name %q", teams[1].Name)
	}
}

func TestListBeforeStart(t *testing.T) {
	env := newTestEnv(t)

	got, err := env.app.ListTeamChallenges(context.Background(), "red")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d challenges, want 3", len(got))
	}
	for _, c := range got {
		if c.Status != models.ChallengeStatusNotSubmitted || c.StartTime != nil || c.Description != "" {
			t.Errorf("challenge %d = %+v, want untouched and hidden", c.ID, c)
		}
	}

	if _, err := env.app.ListTeamChallenges(context.Background(), "green"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown team err = %v, want ErrNotFound", err)
	}
}

func TestStartWorkshopIsOneShot(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.start(t)

	env.clock.Advance(time.Minute)
	again, err := env.app.StartWorkshop(ctx, "instructor")
	if err != nil {
		t.Fatalf("second start: %v", err)
	}
	if again {
		t.Error("second start reported started")
	}

	for _, team := range []string{"red", "blue"} {
		got, err := env.app.ListTeamChallenges(ctx, team)
		if err != nil {
			t.Fatalf("list %s: %v", team, err)
		}
		if got[0].StartTime == nil || !got[0].StartTime.Equal(epoch) {
			t.Errorf("%s challenge 1 start = %v, want %v", team, got[0].StartTime, epoch)
		}
		if got[0].Description != "find the banner" {
			t.Errorf("%s challenge 1 description hidden after start", team)
		}
		if got[1].StartTime != nil {
			t.Errorf("%s challenge 2 started early", team)
		}
	}

	types := eventTypes(env.unsentEvents(t))
	if types[events.EventTypeChallengeStarted] != 2 || types[events.EventTypeWorkshopStarted] != 1 {
		t.Errorf("outbox = %v", types)
	}
}

func TestSubmitBeforeStartIsNotActive(t *testing.T) {
	env := newTestEnv(t)
	env.allowAll()

	_, err := env.app.Submit(context.Background(), "red", models.SubmissionRequest{ID: 1, Value: "CTF{one}"})

	var notActive *NotActiveError
	if !errors.As(err, &notActive) {
		t.Fatalf("err = %v, want NotActiveError", err)
	}
	if !errors.Is(err, ErrNotActive) || errors.Is(err, ErrAlreadySolved) {
		t.Errorf("err = %v, want ErrNotActive only", err)
	}
	if notActive.Challenge.ID != 1 || notActive.Challenge.Status != models.ChallengeStatusNotSubmitted {
		t.Errorf("carried record = %+v", notActive.Challenge)
	}
}

func TestSubmitWrongFlag(t *testing.T) {
	env := newTestEnv(t)
	env.allowAll()
	env.start(t)
	ctx := context.Background()

	for want := 1; want <= 2; want++ {
		resp, err := env.app.Submit(ctx, "red", models.SubmissionRequest{ID: 1, Value: "CTF{nope}"})
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
		if resp.Status != models.ChallengeStatusInvalid || resp.NextChallengeID != nil {
			t.Fatalf("resp = %+v, want INVALID without progression", resp)
		}

		p, err := env.repo.GetProgress(ctx, "red", 1)
		if err != nil {
			t.Fatalf("progress: %v", err)
		}
		if p.Attempts != want {
			t.Errorf("attempts = %d, want %d", p.Attempts, want)
		}
	}

	blue, err := env.app.ListTeamChallenges(ctx, "blue")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if blue[0].Status != models.ChallengeStatusNotSubmitted {
		t.Errorf("other team changed to %s", blue[0].Status)
	}

	if n := eventTypes(env.unsentEvents(t))[events.EventTypeChallengeAttempted]; n != 2 {
		t.Errorf("attempted events = %d, want 2", n)
	}
}

func TestSubmitCorrectFlagStartsNext(t *testing.T) {
	env := newTestEnv(t)
	env.allowAll()
	env.start(t)
	ctx := context.Background()

	env.clock.Advance(90 * time.Second)
	solvedAt := env.clock.Now()

	// surrounding whitespace is not part of the flag
	resp, err := env.app.Submit(ctx, "red", models.SubmissionRequest{ID: 1, Value: "  CTF{one}\n"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if resp.Status != models.ChallengeStatusValid {
		t.Fatalf("status = %s, want VALID", resp.Status)
	}
	if resp.NextChallengeID == nil || *resp.NextChallengeID != 2 {
		t.Fatalf("next id = %v, want 2", resp.NextChallengeID)
	}
	if resp.NextStartTime == nil || !resp.NextStartTime.Equal(solvedAt) {
		t.Fatalf("next start = %v, want %v", resp.NextStartTime, solvedAt)
	}

	got, err := env.app.ListTeamChallenges(ctx, "red")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if got[1].StartTime == nil || !got[1].StartTime.Equal(solvedAt) {
		t.Errorf("challenge 2 start = %v, want %v", got[1].StartTime, solvedAt)
	}
	if got[2].StartTime != nil {
		t.Error("challenge 3 started")
	}

	_, err = env.app.Submit(ctx, "red", models.SubmissionRequest{ID: 1, Value: "CTF{one}"})
	if !errors.Is(err, ErrAlreadySolved) || !errors.Is(err, ErrNotActive) {
		t.Errorf("resubmit err = %v, want already solved", err)
	}

	types := eventTypes(env.unsentEvents(t))
	if types[events.EventTypeChallengeSolved] != 1 || types[events.EventTypeChallengeStarted] != 3 {
		t.Errorf("outbox = %v", types)
	}
}

func TestSubmitAfterTimeLimitIsAccepted(t *testing.T) {
	env := newTestEnv(t)
	env.allowAll()
	env.start(t)

	env.clock.Advance(301 * time.Second)
	resp, err := env.app.Submit(context.Background(), "blue", models.SubmissionRequest{ID: 1, Value: "CTF{one}"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if resp.Status != models.ChallengeStatusValid {
		t.Errorf("status = %s, want VALID", resp.Status)
	}
}

func TestSubmitLastChallenge(t *testing.T) {
	env := newTestEnv(t)
	env.allowAll()
	env.start(t)
	ctx := context.Background()

	if _, err := env.app.Submit(ctx, "red", models.SubmissionRequest{ID: 1, Value: "CTF{one}"}); err != nil {
		t.Fatalf("submit 1: %v", err)
	}
	if _, err := env.app.Submit(ctx, "red", models.SubmissionRequest{ID: 2, Value: "CTF{two}"}); err != nil {
		t.Fatalf("submit 2: %v", err)
	}

	// challenge 3 is stored pre-hashed; only a wrong value can be exercised
	resp, err := env.app.Submit(ctx, "red", models.SubmissionRequest{ID: 3, Value: "guess"})
	if err != nil {
		t.Fatalf("submit 3: %v", err)
	}
	if resp.Status != models.ChallengeStatusInvalid || resp.NextChallengeID != nil {
		t.Errorf("resp = %+v", resp)
	}
}

func TestSubmitGuards(t *testing.T) {
	env := newTestEnv(t)
	env.start(t)
	ctx := context.Background()

	if _, err := env.app.Submit(ctx, "red", models.SubmissionRequest{ID: 1, Value: "   "}); !errors.Is(err, ErrEmptySubmission) {
		t.Errorf("empty value err = %v", err)
	}
	if _, err := env.app.Submit(ctx, "red", models.SubmissionRequest{ID: 42, Value: "x"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown challenge err = %v", err)
	}

	env.limiter.EXPECT().Blocked(gomock.Any(), "red", 1).Return(true, nil)
	if _, err := env.app.Submit(ctx, "red", models.SubmissionRequest{ID: 1, Value: "CTF{one}"}); !errors.Is(err, ErrRateLimited) {
		t.Errorf("limited err = %v", err)
	}

	boom := errors.New("redis down")
	env.limiter.EXPECT().Blocked(gomock.Any(), "red", 1).Return(false, boom)
	if _, err := env.app.Submit(ctx, "red", models.SubmissionRequest{ID: 1, Value: "CTF{one}"}); !errors.Is(err, boom) {
		t.Errorf("limiter failure err = %v", err)
	}

	p, err := env.repo.GetProgress(ctx, "red", 1)
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if p.Status != models.ChallengeStatusNotSubmitted || p.Attempts != 0 {
		t.Errorf("guarded submissions changed progress: %+v", p)
	}
}

func TestOnlyWrongFlagsSpendAttemptBudget(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	limiter, err := NewMemoryLimiter(LimiterConfig{MaxAttempts: 2, Window: time.Minute}, clock)
	if err != nil {
		t.Fatalf("limiter: %v", err)
	}
	app := NewApp(NewRepository(openTestDB(t)), limiter, clock)
	ex, err := ParseExercise([]byte(testExercise))
	if err != nil {
		t.Fatalf("parse exercise: %v", err)
	}
	ctx := context.Background()
	if err := app.Bootstrap(ctx, ex); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	// submissions to a locked challenge are refused without counting
	var notActive *NotActiveError
	for i := 0; i < 3; i++ {
		if _, err := app.Submit(ctx, "red", models.SubmissionRequest{ID: 2, Value: "CTF{nope}"}); !errors.As(err, &notActive) {
			t.Fatalf("locked submit err = %v, want NotActiveError", err)
		}
	}
	if started, err := app.StartWorkshop(ctx, "instructor"); err != nil || !started {
		t.Fatalf("start workshop: started=%v err=%v", started, err)
	}

	resp, err := app.Submit(ctx, "red", models.SubmissionRequest{ID: 1, Value: "CTF{nope}"})
	if err != nil || resp.Status != models.ChallengeStatusInvalid {
		t.Fatalf("first wrong flag: resp=%+v err=%v", resp, err)
	}
	resp, err = app.Submit(ctx, "red", models.SubmissionRequest{ID: 1, Value: "CTF{one}"})
	if err != nil || resp.Status != models.ChallengeStatusValid {
		t.Fatalf("right flag after one wrong: resp=%+v err=%v", resp, err)
	}

	// challenge 2 never had its budget touched by the locked attempts
	for i := 0; i < 2; i++ {
		if _, err := app.Submit(ctx, "red", models.SubmissionRequest{ID: 2, Value: "CTF{nope}"}); err != nil {
			t.Fatalf("wrong flag %d: %v", i+1, err)
		}
	}
	if _, err := app.Submit(ctx, "red", models.SubmissionRequest{ID: 2, Value: "CTF{two}"}); !errors.Is(err, ErrRateLimited) {
		t.Errorf("spent budget err = %v, want ErrRateLimited", err)
	}

	clock.Advance(time.Minute)
	resp, err = app.Submit(ctx, "red", models.SubmissionRequest{ID: 2, Value: "CTF{two}"})
	if err != nil || resp.Status != models.ChallengeStatusValid {
		t.Errorf("next window: resp=%+v err=%v", resp, err)
	}
}
