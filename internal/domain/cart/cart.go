// Package cart implements the per-session shopping cart.
//
// A Cart is owned by a single session and is not safe for concurrent use;
// callers serialize access per session.
package cart

import (
	"slices"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/xenking/quickcart/internal/domain/catalog"
	"github.com/xenking/quickcart/internal/failure"
)

// Catalog resolves catalog items by id.
type Catalog interface {
	Get(id string) (catalog.Item, error)
}

// Line is a single (item, quantity) pair with optional customer notes.
// Quantity is always at least 1.
type Line struct {
	ItemID   string `json:"item_id"`
	Quantity int    `json:"quantity"`
	Notes    string `json:"notes,omitempty"`
}

// PricedLine is a Line resolved against the live catalog.
type PricedLine struct {
	Line
	Item     catalog.Item
	Subtotal decimal.Decimal
}

// Pricing is a cart resolved against the live catalog.
type Pricing struct {
	Lines []PricedLine
	Total decimal.Decimal
	// Unavailable holds lines whose item has left the catalog since it was
	// added. They are not part of Total and fail order placement.
	Unavailable []Line
}

// Cart maps item ids to quantities, remembering first-insertion order.
type Cart struct {
	catalog Catalog
	qty     map[string]int
	notes   map[string]string
	order   []string
}

// New returns an empty cart that validates items against cat.
func New(cat Catalog) *Cart {
	return &Cart{
		catalog: cat,
		qty:     make(map[string]int),
		notes:   make(map[string]string),
	}
}

// Add puts qty units of itemID into the cart, merging with an existing line.
func (c *Cart) Add(itemID string, qty int) error {
	return c.AddWithNotes(itemID, qty, "")
}

// AddWithNotes is Add with customer notes for the line. On merge the latest
// non-empty notes replace the earlier ones.
func (c *Cart) AddWithNotes(itemID string, qty int, notes string) error {
	if qty < 1 {
		return failure.New(failure.InvalidQuantity, "cart.add", itemID, "quantity must be at least 1")
	}
	if _, err := c.catalog.Get(itemID); err != nil {
		return err
	}
	if _, ok := c.qty[itemID]; !ok {
		c.order = append(c.order, itemID)
	}
	c.qty[itemID] += qty
	if notes = strings.TrimSpace(notes); notes != "" {
		c.notes[itemID] = notes
	}
	return nil
}

// Remove takes qty units of itemID out of the cart. Removing as many or more
// units than held deletes the line.
func (c *Cart) Remove(itemID string, qty int) error {
	if qty < 1 {
		return failure.New(failure.InvalidQuantity, "cart.remove", itemID, "quantity must be at least 1")
	}
	held, ok := c.qty[itemID]
	if !ok {
		return failure.New(failure.NotFound, "cart.remove", itemID, "item is not in the cart")
	}
	if qty >= held {
		c.drop(itemID)
		return nil
	}
	c.qty[itemID] = held - qty
	return nil
}

// SetQuantity replaces the quantity of an existing line. A quantity below 1
// removes the line.
func (c *Cart) SetQuantity(itemID string, qty int) error {
	if _, ok := c.qty[itemID]; !ok {
		return failure.New(failure.NotFound, "cart.set_quantity", itemID, "item is not in the cart")
	}
	if qty < 1 {
		c.drop(itemID)
		return nil
	}
	c.qty[itemID] = qty
	return nil
}

func (c *Cart) drop(itemID string) {
	delete(c.qty, itemID)
	delete(c.notes, itemID)
	c.order = slices.DeleteFunc(c.order, func(id string) bool { return id == itemID })
}

// Quantity returns the held quantity of itemID, zero when absent.
func (c *Cart) Quantity(itemID string) int { return c.qty[itemID] }

// Len returns the number of lines.
func (c *Cart) Len() int { return len(c.order) }

// IsEmpty reports whether the cart has no lines.
func (c *Cart) IsEmpty() bool { return len(c.order) == 0 }

// Lines returns the lines in insertion order.
func (c *Cart) Lines() []Line {
	out := make([]Line, len(c.order))
	for i, id := range c.order {
		out[i] = c.line(id)
	}
	return out
}

func (c *Cart) line(id string) Line {
	return Line{ItemID: id, Quantity: c.qty[id], Notes: c.notes[id]}
}

// Priced resolves every line against the live catalog. Totals are a preview
// and move with catalog prices.
func (c *Cart) Priced() Pricing {
	p := Pricing{
		Lines: make([]PricedLine, 0, len(c.order)),
		Total: decimal.Zero,
	}
	for _, id := range c.order {
		l := c.line(id)
		it, err := c.catalog.Get(id)
		if err != nil {
			p.Unavailable = append(p.Unavailable, l)
			continue
		}
		sub := it.Price.Mul(decimal.NewFromInt(int64(l.Quantity)))
		p.Lines = append(p.Lines, PricedLine{Line: l, Item: it, Subtotal: sub})
		p.Total = p.Total.Add(sub)
	}
	p.Total = p.Total.Round(2)
	return p
}

// Total returns the sum of quantity × live price over the available lines.
func (c *Cart) Total() decimal.Decimal {
	return c.Priced().Total
}

// Snapshot returns an immutable copy of the current lines.
func (c *Cart) Snapshot() Snapshot {
	return Snapshot{lines: c.Lines()}
}

// Clear removes every line.
func (c *Cart) Clear() {
	clear(c.qty)
	clear(c.notes)
	c.order = c.order[:0]
}

// Snapshot is a frozen copy of cart lines, decoupled from later cart changes.
type Snapshot struct {
	lines []Line
}

// Lines returns a copy of the frozen lines.
func (s Snapshot) Lines() []Line { return slices.Clone(s.lines) }

// Len returns the number of frozen lines.
func (s Snapshot) Len() int { return len(s.lines) }
