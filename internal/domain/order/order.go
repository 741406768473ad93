package order

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xenking/quickcart/internal/failure"
)

// Order is a placed order. Only Status and History change after placement.
type Order struct {
	ID              string
	CustomerName    string
	DeliveryAddress string
	Lines           []Line
	Total           decimal.Decimal
	Status          Status
	History         []StatusChange
	PlacedAt        time.Time
}

// Line is an order line frozen at placement time.
type Line struct {
	ItemID    string
	Name      string
	Quantity  int
	UnitPrice decimal.Decimal
	Notes     string
}

// StatusChange records when an order entered a status.
type StatusChange struct {
	Status Status
	At     time.Time
}

// Ledger is the durable store of placed orders. Mutating methods hold
// exclusive access to the ledger for their whole read-modify-write cycle and
// fail with failure.Busy when it cannot be acquired in time.
type Ledger interface {
	// Append stores a new order.
	Append(ctx context.Context, o Order) error
	// Modify applies fn to the stored order and persists the result. Nothing
	// is written when fn returns an error.
	Modify(ctx context.Context, id string, fn func(*Order) error) (Order, error)
	// Get returns a committed order.
	Get(ctx context.Context, id string) (Order, error)
	// List returns all committed orders in placement order.
	List(ctx context.Context) ([]Order, error)
}

// Clone returns a deep copy of o.
func (o Order) Clone() Order {
	o.Lines = slices.Clone(o.Lines)
	o.History = slices.Clone(o.History)
	return o
}

// LastChange returns the most recent history entry.
func (o Order) LastChange() StatusChange {
	if len(o.History) == 0 {
		return StatusChange{Status: o.Status, At: o.PlacedAt}
	}
	return o.History[len(o.History)-1]
}

// apply moves o to status at the given time. Timestamps never go backwards:
// a clock step back is clamped to the previous entry.
func (o *Order) apply(op string, to Status, at time.Time) error {
	if !CanTransition(o.Status, to) {
		return failure.New(failure.InvalidTransition, op, o.ID,
			fmt.Sprintf("cannot move from %s to %s", o.Status, to))
	}
	if last := o.LastChange().At; at.Before(last) {
		at = last
	}
	o.Status = to
	o.History = append(o.History, StatusChange{Status: to, At: at})
	return nil
}

// Validate checks the structural invariants of a persisted order.
func (o Order) Validate() error {
	switch {
	case strings.TrimSpace(o.ID) == "":
		return fmt.Errorf("order id is required")
	case strings.TrimSpace(o.CustomerName) == "":
		return fmt.Errorf("customer name is required")
	case len(o.Lines) == 0:
		return fmt.Errorf("order has no lines")
	case o.Total.IsNegative():
		return fmt.Errorf("total %s is negative", o.Total)
	case o.PlacedAt.IsZero():
		return fmt.Errorf("placed_at is required")
	case !o.Status.Valid():
		return fmt.Errorf("unknown status %q", o.Status)
	}

	seen := make(map[string]struct{}, len(o.Lines))
	for _, l := range o.Lines {
		if l.ItemID == "" {
			return fmt.Errorf("line without item id")
		}
		if _, dup := seen[l.ItemID]; dup {
			return fmt.Errorf("duplicate line for item %s", l.ItemID)
		}
		seen[l.ItemID] = struct{}{}
		if l.Quantity < 1 {
			return fmt.Errorf("line %s has quantity %d", l.ItemID, l.Quantity)
		}
		if l.UnitPrice.IsNegative() {
			return fmt.Errorf("line %s has negative price", l.ItemID)
		}
	}

	return validateHistory(o.Status, o.History)
}

func validateHistory(status Status, history []StatusChange) error {
	if len(history) == 0 {
		return fmt.Errorf("status history is empty")
	}
	if history[0].Status != StatusReceived {
		return fmt.Errorf("status history starts with %s", history[0].Status)
	}
	for i := 1; i < len(history); i++ {
		prev, cur := history[i-1], history[i]
		if !CanTransition(prev.Status, cur.Status) {
			return fmt.Errorf("status history moves from %s to %s", prev.Status, cur.Status)
		}
		if cur.At.Before(prev.At) {
			return fmt.Errorf("status history goes back in time at %s", cur.Status)
		}
	}
	if last := history[len(history)-1].Status; last != status {
		return fmt.Errorf("status %s does not match history tail %s", status, last)
	}
	return nil
}

// computeTotal sums quantity × unit price, rounded to cents.
func computeTotal(lines []Line) decimal.Decimal {
	total := decimal.Zero
	for _, l := range lines {
		total = total.Add(l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity))))
	}
	return total.Round(2)
}
