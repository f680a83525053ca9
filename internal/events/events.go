// Package events carries the notifications the engine emits after each
// committed state change to the WebSocket hub and the Kafka topic.
package events

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/atmx/pool-engine/internal/metrics"
	"github.com/atmx/pool-engine/internal/model"
)

// Type names an event.
type Type string

const (
	PoolCreated    Type = "pool_created"
	BetPlaced      Type = "bet_placed"
	WinnerDeclared Type = "winner_declared"
	WinnerPaidOut  Type = "winner_paid_out"
	PoolSettled    Type = "pool_settled"
)

// Event is the JSON envelope published for every state change. Fields not
// relevant to Type are omitted.
type Event struct {
	ID         string            `json:"id"`
	Type       Type              `json:"type"`
	Pool       string            `json:"pool"`
	StreamID   string            `json:"stream_id,omitempty"`
	Actor      string            `json:"actor,omitempty"` // admin, bettor or declarer
	Bet        string            `json:"bet,omitempty"`
	Side       model.Side        `json:"side,omitempty"`
	Amount     uint64            `json:"amount,omitempty"`
	Deadline   *time.Time        `json:"deadline,omitempty"`
	Payout     *model.Payout     `json:"payout,omitempty"`
	Settlement *model.Settlement `json:"settlement,omitempty"`
	At         time.Time         `json:"at"`
}

// New returns an event with a fresh id.
func New(t Type, pool string, at time.Time) Event {
	return Event{
		ID:   uuid.New().String(),
		Type: t,
		Pool: pool,
		At:   at.UTC(),
	}
}

// Publisher delivers events to a sink.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Multi fans an event out to every publisher, returning the joined errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(context.Context, Event) error { return nil }

// Emit publishes e and logs a failure without returning it. The state change
// the event describes has already committed.
func Emit(ctx context.Context, p Publisher, e Event) {
	if p == nil {
		return
	}
	if err := p.Publish(ctx, e); err != nil {
		slog.Warn("event publish failed", "type", e.Type, "pool", e.Pool, "id", e.ID, "err", err)
	}
}

func record(sink string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.EventsPublished.WithLabelValues(sink, result).Inc()
}
