package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

// PgNotifier turns Postgres NOTIFY messages into event ids for the relay.
type PgNotifier struct {
	listener     *pq.Listener
	channel      string
	pingInterval time.Duration
}

func NewPgNotifier(dsn, channel string, pingInterval time.Duration) (*PgNotifier, error) {
	l := pq.NewListener(
		dsn,
		10*time.Second,
		time.Minute,
		func(ev pq.ListenerEventType, err error) {
			if err != nil {
				log.Error().Err(err).Int("event", int(ev)).Msg("listener event")
			}
		},
	)
	if err := l.Listen(channel); err != nil {
		_ = l.Close()
		return nil, fmt.Errorf("failed to listen to channel: %w", err)
	}

	log.Info().Str("channel", channel).Msg("listening for notifications")
	return &PgNotifier{
		listener:     l,
		channel:      channel,
		pingInterval: pingInterval,
	}, nil
}

// Notifications forwards each notified id until ctx is done. After a
// reconnect an empty id is sent, since notifications may have been missed.
func (n *PgNotifier) Notifications(ctx context.Context) <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)
		ping := time.NewTicker(n.pingInterval)
		defer ping.Stop()

		for {
			var extra string
			select {
			case <-ctx.Done():
				return
			case note := <-n.listener.Notify:
				if note != nil {
					extra = note.Extra
				}
			case <-ping.C:
				if err := n.listener.Ping(); err != nil {
					log.Error().Err(err).Msg("failed to ping listener")
				}
				continue
			}

			select {
			case out <- extra:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func (n *PgNotifier) Close() error {
	return n.listener.Close()
}
