package order

import "slices"

// Status is a stage of the order lifecycle.
type Status string

const (
	StatusReceived       Status = "received"
	StatusConfirmed      Status = "confirmed"
	StatusShipped        Status = "shipped"
	StatusOutForDelivery Status = "out_for_delivery"
	StatusDelivered      Status = "delivered"
	StatusCancelled      Status = "cancelled"
)

// flow is the forward delivery path. Each advance moves one position.
var flow = []Status{
	StatusReceived,
	StatusConfirmed,
	StatusShipped,
	StatusOutForDelivery,
	StatusDelivered,
}

// Flow returns the forward lifecycle stages in order.
func Flow() []Status { return slices.Clone(flow) }

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s == StatusCancelled || slices.Contains(flow, s)
}

// Terminal reports whether no further transition is possible from s.
func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusCancelled
}

// Cancellable reports whether an order in s may still be cancelled.
func (s Status) Cancellable() bool {
	return s == StatusReceived || s == StatusConfirmed
}

// Next returns the stage following s on the delivery path.
func (s Status) Next() (Status, bool) {
	i := slices.Index(flow, s)
	if i < 0 || i == len(flow)-1 {
		return "", false
	}
	return flow[i+1], true
}

// CanTransition reports whether an order may move from one status to another
// in a single step.
func CanTransition(from, to Status) bool {
	if to == StatusCancelled {
		return from.Cancellable()
	}
	next, ok := from.Next()
	return ok && next == to
}
