package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/fontyslads/ctf-portal-sub000/go/clients/portal_client"
	"github.com/fontyslads/ctf-portal-sub000/go/internal/auth"
	"github.com/fontyslads/ctf-portal-sub000/go/internal/coordinator"
	"github.com/fontyslads/ctf-portal-sub000/go/internal/models"
	"github.com/fontyslads/ctf-portal-sub000/go/internal/progress"
)

func newTestConsole(t *testing.T, admin bool) (*console, *bytes.Buffer) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	started := clock.Now().Add(-time.Minute)

	mux := http.NewServeMux()
	mux.HandleFunc("GET "+portal_client.ChallengesEndpoint, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]models.Challenge{
			{ID: 2, Status: models.ChallengeStatusNotSubmitted, TimeLimitSeconds: 300},
			{ID: 1, Description: "Find the banner", Status: models.ChallengeStatusNotSubmitted, StartTime: &started, TimeLimitSeconds: 300},
		})
	})
	mux.HandleFunc("POST "+portal_client.SubmitEndpoint, func(w http.ResponseWriter, r *http.Request) {
		var req models.SubmissionRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		resp := models.SubmissionResponse{Challenge: models.Challenge{
			ID: req.ID, Description: "Find the banner", StartTime: &started, TimeLimitSeconds: 300,
			Status: models.ChallengeStatusInvalid,
		}}
		if req.Value == "CTF{banner}" {
			resp.Status = models.ChallengeStatusValid
		}
		_ = json.NewEncoder(w).Encode(resp)
	})
	mux.HandleFunc("POST "+portal_client.WorkshopStartEndpoint, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(models.WorkshopStartResponse{Started: true})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	client := portal_client.NewPortalClient(srv.URL, "unused")
	out := &bytes.Buffer{}
	c := &console{
		out:      out,
		claims:   &auth.Claims{Team: "red", Admin: admin},
		clock:    clock,
		store:    progress.NewStore(coordinator.New("challenges", client)),
		workshop: coordinator.New("workshop", client),
	}
	c.engine = progress.NewTimerEngine(c.store, clock)
	t.Cleanup(c.engine.Close)
	return c, out
}

func TestConsoleListAndSubmit(t *testing.T) {
	c, out := newTestConsole(t, false)
	ctx := context.Background()

	c.dispatch(ctx, "list")
	listing := out.String()
	if !strings.Contains(listing, "[1] NOT_SUBMITTED  Find the banner") {
		t.Errorf("active challenge not rendered:\n%s", listing)
	}
	if !strings.Contains(listing, "[2] NOT_SUBMITTED  (locked)") {
		t.Errorf("locked challenge not rendered:\n%s", listing)
	}
	if strings.Index(listing, "[1]") > strings.Index(listing, "[2]") {
		t.Errorf("challenges not in order:\n%s", listing)
	}

	out.Reset()
	c.dispatch(ctx, "time")
	if !strings.Contains(out.String(), "Challenge 1: 4m0s left") {
		t.Errorf("countdown = %q", out.String())
	}

	out.Reset()
	c.dispatch(ctx, "submit 1 nope")
	if !strings.Contains(out.String(), "Wrong flag for challenge 1.") {
		t.Errorf("invalid submission output = %q", out.String())
	}

	out.Reset()
	c.dispatch(ctx, "submit 1 CTF{banner}")
	if !strings.Contains(out.String(), "Challenge 1 solved!") {
		t.Errorf("valid submission output = %q", out.String())
	}

	out.Reset()
	c.dispatch(ctx, "submit one CTF{banner}")
	if !strings.Contains(out.String(), `"one" is not a challenge id`) {
		t.Errorf("bad id output = %q", out.String())
	}
}

func TestConsoleStartIsAdminOnly(t *testing.T) {
	ctx := context.Background()

	participant, out := newTestConsole(t, false)
	participant.dispatch(ctx, "start")
	if strings.Contains(out.String(), "Workshop started.") {
		t.Error("participant started the workshop")
	}

	admin, out := newTestConsole(t, true)
	admin.dispatch(ctx, "start")
	if !strings.Contains(out.String(), "Workshop started.") {
		t.Errorf("admin start output = %q", out.String())
	}

	if quit := admin.dispatch(ctx, "quit"); !quit {
		t.Error("quit did not end the session")
	}
}

func TestSubscriptionCallsOnEveryFrame(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for i := 0; i < 2; i++ {
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ChallengeStarted"}`))
		}
		// hold the connection until the client goes away
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	events := make(chan struct{}, 2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub := newSubscription("ws"+strings.TrimPrefix(srv.URL, "http"), clockwork.NewFakeClock(), func() {
		events <- struct{}{}
	})
	done := make(chan struct{})
	go func() {
		sub.Run(ctx)
		close(done)
	}()

	for i := 0; i < 2; i++ {
		select {
		case <-events:
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d events delivered", i)
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("subscription did not stop")
	}
}
