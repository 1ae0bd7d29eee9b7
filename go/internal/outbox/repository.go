package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fontyslads/ctf-portal-sub000/go/internal/portal/db"
	"github.com/fontyslads/ctf-portal-sub000/go/internal/sqlutil"
)

var ErrEventNotFound = errors.New("outbox event not found")

// Repository reads and acknowledges outbox rows
type Repository struct {
	queries *db.Queries
}

// NewRepository creates a new outbox repository
func NewRepository(database *sql.DB) *Repository {
	return &Repository{queries: db.New(database)}
}

// FetchUnsent returns up to limit unsent events, oldest first
func (r *Repository) FetchUnsent(ctx context.Context, limit int32) ([]OutboxEvent, error) {
	rows, err := r.queries.FetchUnsentOutbox(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch unsent outbox events: %w", err)
	}

	out := make([]OutboxEvent, len(rows))
	for i, row := range rows {
		out[i] = eventFromRow(row)
	}
	return out, nil
}

// FetchPending returns the event if it has not been sent yet. sent is true
// when the row exists but was already relayed.
func (r *Repository) FetchPending(ctx context.Context, id uuid.UUID) (event *OutboxEvent, sent bool, err error) {
	row, err := r.queries.FetchOutboxByID(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("%w: %s", ErrEventNotFound, id)
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to fetch outbox event: %w", err)
	}
	if row.SentAtMs.Valid {
		return nil, true, nil
	}
	ev := eventFromRow(row)
	return &ev, false, nil
}

// MarkSent acknowledges a relayed event
func (r *Repository) MarkSent(ctx context.Context, id uuid.UUID, at time.Time) error {
	err := r.queries.MarkOutboxSent(ctx, db.MarkOutboxSentParams{
		SentAtMs: sqlutil.ToMillis(at),
		ID:       id,
	})
	if err != nil {
		return fmt.Errorf("failed to mark outbox event %s as sent: %w", id, err)
	}
	return nil
}

// CountUnsent returns how many events are waiting
func (r *Repository) CountUnsent(ctx context.Context) (int, error) {
	n, err := r.queries.CountUnsentOutbox(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to count unsent outbox events: %w", err)
	}
	return int(n), nil
}
