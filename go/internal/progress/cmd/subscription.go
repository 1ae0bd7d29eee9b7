package main

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

const (
	minBackoff = time.Second
	maxBackoff = 30 * time.Second
)

// subscription keeps a gateway websocket open and calls onEvent for every
// frame. Frames are only a cue to re-list, so their content is ignored.
type subscription struct {
	url     string
	clock   clockwork.Clock
	dialer  *websocket.Dialer
	onEvent func()
}

func newSubscription(url string, clock clockwork.Clock, onEvent func()) *subscription {
	return &subscription{
		url:     url,
		clock:   clock,
		dialer:  websocket.DefaultDialer,
		onEvent: onEvent,
	}
}

// Run reconnects with exponential backoff until ctx is done.
func (s *subscription) Run(ctx context.Context) {
	backoff := minBackoff
	for {
		connected, err := s.listen(ctx)
		if ctx.Err() != nil {
			return
		}
		if connected {
			backoff = minBackoff
		}
		log.Warn().Err(err).Dur("retry_in", backoff).Msg("gateway connection lost")

		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

func (s *subscription) listen(ctx context.Context) (connected bool, err error) {
	conn, _, err := s.dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	log.Info().Msg("subscribed to live updates")
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return true, err
		}
		s.onEvent()
	}
}
