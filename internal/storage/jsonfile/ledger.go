package jsonfile

import (
	"context"

	"github.com/xenking/quickcart/internal/domain/order"
	"github.com/xenking/quickcart/internal/failure"
)

var _ order.Ledger = (*Ledger)(nil)

// Ledger implements order.Ledger on top of a Gateway.
type Ledger struct {
	g *Gateway
}

// NewLedger returns a Ledger that persists through g.
func NewLedger(g *Gateway) *Ledger {
	return &Ledger{g: g}
}

// Append stores a new order. A duplicate id is rejected as corrupt data.
func (l *Ledger) Append(ctx context.Context, o order.Order) error {
	return l.g.Update(ctx, func(orders []order.Order) ([]order.Order, error) {
		for _, existing := range orders {
			if existing.ID == o.ID {
				return nil, failure.New(failure.CorruptData, "ledger.append", o.ID, "order id already used")
			}
		}
		return append(orders, o.Clone()), nil
	})
}

// Modify applies fn to the stored order under exclusive access.
func (l *Ledger) Modify(ctx context.Context, id string, fn func(*order.Order) error) (order.Order, error) {
	var out order.Order
	err := l.g.Update(ctx, func(orders []order.Order) ([]order.Order, error) {
		for i := range orders {
			if orders[i].ID != id {
				continue
			}
			if err := fn(&orders[i]); err != nil {
				return nil, err
			}
			out = orders[i].Clone()
			return orders, nil
		}
		return nil, failure.New(failure.NotFound, "ledger.modify", id, "unknown order")
	})
	if err != nil {
		return order.Order{}, err
	}
	return out, nil
}

// Get returns the committed order with the given id.
func (l *Ledger) Get(ctx context.Context, id string) (order.Order, error) {
	snap, err := l.g.loadLedger(ctx, "ledger.get")
	if err != nil {
		return order.Order{}, err
	}
	i, ok := snap.index[id]
	if !ok {
		return order.Order{}, failure.New(failure.NotFound, "ledger.get", id, "unknown order")
	}
	return snap.orders[i].Clone(), nil
}

// List returns every committed order in placement order.
func (l *Ledger) List(ctx context.Context) ([]order.Order, error) {
	return l.g.ReadLedger(ctx)
}
