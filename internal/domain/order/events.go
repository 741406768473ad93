package order

import (
	"context"
	"time"
)

// Event describes a committed lifecycle transition.
type Event struct {
	ID           string
	OrderID      string
	CustomerName string
	Status       Status
	At           time.Time
}

// Publisher delivers lifecycle events to interested parties. Events are
// published only after the transition is durable; a failed publish does not
// undo the transition.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// NopPublisher discards events.
type NopPublisher struct{}

// Publish implements Publisher.
func (NopPublisher) Publish(context.Context, Event) error { return nil }
