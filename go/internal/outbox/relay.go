package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// OutboxRepository defines what the relay needs from storage
type OutboxRepository interface {
	FetchUnsent(ctx context.Context, limit int32) ([]OutboxEvent, error)
	FetchPending(ctx context.Context, id uuid.UUID) (*OutboxEvent, bool, error)
	MarkSent(ctx context.Context, id uuid.UUID, at time.Time) error
	CountUnsent(ctx context.Context) (int, error)
}

type RelayConfig struct {
	FallbackInterval time.Duration // How often to sweep for missed events
	MaxRetries       int
	RetryDelay       time.Duration // grows linearly per attempt
	BatchSize        int32
}

func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		FallbackInterval: 30 * time.Second,
		MaxRetries:       5,
		RetryDelay:       200 * time.Millisecond,
		BatchSize:        100,
	}
}

// Relay moves outbox rows to the broker. Notifications carry a single event
// id; an empty id asks for a full sweep.
type Relay struct {
	repo      OutboxRepository
	publisher Publisher
	metrics   MetricsCollector
	clock     clockwork.Clock
	cfg       RelayConfig

	// serializes sweeps and single-event handling
	work sync.Mutex

	mu        sync.Mutex
	running   bool
	processed uint64
	lastEvent time.Time
}

func NewRelay(repo OutboxRepository, publisher Publisher, metrics MetricsCollector, clock clockwork.Clock, cfg RelayConfig) *Relay {
	if metrics == nil {
		metrics = NoOpMetricsCollector{}
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Relay{
		repo:      repo,
		publisher: publisher,
		metrics:   metrics,
		clock:     clock,
		cfg:       cfg,
	}
}

// Run sweeps once, then relays notified events until ctx is done. The
// fallback ticker catches anything a lost notification left behind.
func (r *Relay) Run(ctx context.Context, notifications <-chan string) error {
	r.setRunning(true)
	defer r.setRunning(false)

	log.Info().
		Dur("fallback_interval", r.cfg.FallbackInterval).
		Int32("batch_size", r.cfg.BatchSize).
		Msg("outbox relay started")

	if err := r.ProcessUnsent(ctx); err != nil {
		log.Error().Err(err).Msg("initial sweep failed")
	}

	ticker := r.clock.NewTicker(r.cfg.FallbackInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("outbox relay shutting down")
			return nil
		case extra, ok := <-notifications:
			if !ok {
				notifications = nil
				log.Warn().Msg("notification channel closed, relying on fallback sweeps")
				continue
			}
			if extra == "" {
				if err := r.ProcessUnsent(ctx); err != nil {
					log.Error().Err(err).Msg("failed to process unsent events")
				}
				continue
			}
			if err := r.HandleNotification(ctx, extra); err != nil {
				log.Error().Err(err).Str("event_id", extra).Msg("failed to handle notification")
			}
		case <-ticker.Chan():
			if err := r.ProcessUnsent(ctx); err != nil {
				log.Error().Err(err).Msg("failed to process unsent events")
			}
		}
	}
}

// HandleNotification relays the event whose id arrived on the notify channel.
func (r *Relay) HandleNotification(ctx context.Context, extra string) error {
	id, err := uuid.Parse(extra)
	if err != nil {
		return fmt.Errorf("invalid event ID in notification: %w", err)
	}

	r.work.Lock()
	defer r.work.Unlock()

	event, sent, err := r.repo.FetchPending(ctx, id)
	if err != nil {
		return err
	}
	if sent {
		// a sweep got there first
		log.Debug().Str("event_id", extra).Msg("event already relayed")
		return nil
	}

	return r.relay(ctx, *event)
}

// ProcessUnsent relays one batch of unsent events, oldest first. A failed
// event stays unsent and is retried by a later sweep.
func (r *Relay) ProcessUnsent(ctx context.Context) error {
	r.work.Lock()
	defer r.work.Unlock()

	start := r.clock.Now()
	unsent, err := r.repo.FetchUnsent(ctx, r.cfg.BatchSize)
	if err != nil {
		return err
	}

	relayed := 0
	var failed []error
	for _, event := range unsent {
		if err := r.relay(ctx, event); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Error().Err(err).Str("event_id", event.ID.String()).Msg("failed to relay event")
			failed = append(failed, err)
			continue
		}
		relayed++
	}
	r.metrics.RecordBatchProcessed(relayed, r.clock.Since(start))

	if pending, err := r.repo.CountUnsent(ctx); err == nil {
		r.metrics.RecordOutboxLag(pending)
	}

	if len(unsent) > 0 {
		log.Info().
			Int("relayed", relayed).
			Int("failed", len(failed)).
			Msg("processed unsent events batch")
	}
	if len(failed) > 0 {
		return fmt.Errorf("%d of %d events not relayed: %w", len(failed), len(unsent), errors.Join(failed...))
	}
	return nil
}

func (r *Relay) relay(ctx context.Context, event OutboxEvent) error {
	if err := r.publishWithRetry(ctx, event); err != nil {
		return err
	}
	if err := r.repo.MarkSent(ctx, event.ID, r.clock.Now()); err != nil {
		return err
	}

	r.mu.Lock()
	r.processed++
	r.lastEvent = r.clock.Now()
	r.mu.Unlock()

	log.Debug().
		Str("event_id", event.ID.String()).
		Str("event_type", event.EventType).
		Str("team_id", event.TeamID).
		Msg("relayed outbox event")
	return nil
}

// publishWithRetry attempts to publish with a linearly growing delay.
func (r *Relay) publishWithRetry(ctx context.Context, event OutboxEvent) error {
	var lastErr error

	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if delay := r.cfg.RetryDelay * time.Duration(attempt); delay > 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-r.clock.After(delay):
				}
			}
		}

		err := r.publisher.Publish(ctx, event)
		r.metrics.RecordPublishAttempt(event.EventType, attempt+1, err == nil)
		if err == nil {
			if attempt > 0 {
				log.Info().
					Int("attempt", attempt+1).
					Str("event_id", event.ID.String()).
					Msg("publish succeeded after retry")
			}
			return nil
		}

		lastErr = err
		log.Warn().
			Err(err).
			Int("attempt", attempt+1).
			Str("event_id", event.ID.String()).
			Msg("failed to publish, retrying")
	}

	return fmt.Errorf("publish failed after %d attempts: %w", r.cfg.MaxRetries+1, lastErr)
}

// Stats reports relayed events and the time of the last one.
func (r *Relay) Stats() (processed uint64, last time.Time, running bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.processed, r.lastEvent, r.running
}

func (r *Relay) setRunning(v bool) {
	r.mu.Lock()
	r.running = v
	r.mu.Unlock()
}
