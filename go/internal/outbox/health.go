package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

type HealthStatus struct {
	Healthy           bool      `json:"healthy"`
	LastEventTime     time.Time `json:"last_event_time"`
	EventsProcessed   uint64    `json:"events_processed"`
	PendingEvents     int       `json:"pending_events"`
	DatabaseConnected bool      `json:"database_connected"`
	BrokerConnected   bool      `json:"broker_connected"`
	RelayActive       bool      `json:"relay_active"`
	Errors            []string  `json:"errors"`
}

// Pinger is satisfied by *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// BrokerStatus is satisfied by *JetStreamPublisher.
type BrokerStatus interface {
	Connected() bool
}

type HealthChecker struct {
	relay     *Relay
	repo      OutboxRepository
	db        Pinger
	broker    BrokerStatus
	clock     clockwork.Clock
	threshold time.Duration // how long pending events may sit without progress
}

func NewHealthChecker(relay *Relay, repo OutboxRepository, db Pinger, broker BrokerStatus, clock clockwork.Clock, threshold time.Duration) *HealthChecker {
	return &HealthChecker{
		relay:     relay,
		repo:      repo,
		db:        db,
		broker:    broker,
		clock:     clock,
		threshold: threshold,
	}
}

func (h *HealthChecker) Check(ctx context.Context) HealthStatus {
	status := HealthStatus{Healthy: true, Errors: []string{}}
	fail := func(format string, args ...any) {
		status.Healthy = false
		status.Errors = append(status.Errors, fmt.Sprintf(format, args...))
	}

	status.EventsProcessed, status.LastEventTime, status.RelayActive = h.relay.Stats()
	if !status.RelayActive {
		fail("relay not active")
	}

	if err := h.db.PingContext(ctx); err != nil {
		fail("database ping failed: %v", err)
	} else {
		status.DatabaseConnected = true
		pending, err := h.repo.CountUnsent(ctx)
		if err != nil {
			status.Errors = append(status.Errors, fmt.Sprintf("failed to count pending events: %v", err))
		}
		status.PendingEvents = pending
	}

	if h.broker != nil {
		status.BrokerConnected = h.broker.Connected()
		if !status.BrokerConnected {
			fail("broker disconnected")
		}
	}

	if status.PendingEvents > 0 && !status.LastEventTime.IsZero() {
		if idle := h.clock.Since(status.LastEventTime); idle > h.threshold {
			fail("no events relayed for %s", idle)
		}
	}
	return status
}

func (h *HealthChecker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := h.Check(ctx)

	w.Header().Set("Content-Type", "application/json")
	if !status.Healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(status); err != nil {
		log.Warn().Err(err).Msg("failed to write health response")
	}
}
