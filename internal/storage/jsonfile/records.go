package jsonfile

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xenking/quickcart/internal/domain/catalog"
	"github.com/xenking/quickcart/internal/domain/order"
)

// catalogFile is the envelope form of the catalog file.
type catalogFile struct {
	Meta  catalog.Meta `json:"meta"`
	Items []itemRecord `json:"items"`
}

// itemRecord is the on-disk form of a catalog item. Older files spell the
// unit field "units".
type itemRecord struct {
	ID       string      `json:"id"`
	Name     string      `json:"name"`
	Brand    string      `json:"brand,omitempty"`
	Tags     []string    `json:"tags,omitempty"`
	Price    json.Number `json:"price"`
	Unit     string      `json:"unit,omitempty"`
	Units    string      `json:"units,omitempty"`
	Category string      `json:"category,omitempty"`
	Size     string      `json:"size,omitempty"`
}

func (r itemRecord) item() (catalog.Item, error) {
	price, err := parseMoney(r.Price, "price")
	if err != nil {
		return catalog.Item{}, err
	}
	unit := r.Unit
	if unit == "" {
		unit = r.Units
	}
	return catalog.Item{
		ID:       r.ID,
		Name:     r.Name,
		Brand:    r.Brand,
		Tags:     r.Tags,
		Price:    price,
		Unit:     unit,
		Category: r.Category,
		Size:     r.Size,
	}, nil
}

func newItemRecord(it catalog.Item) itemRecord {
	return itemRecord{
		ID:       it.ID,
		Name:     it.Name,
		Brand:    it.Brand,
		Tags:     it.Tags,
		Price:    json.Number(it.Price.String()),
		Unit:     it.Unit,
		Category: it.Category,
		Size:     it.Size,
	}
}

type orderRecord struct {
	ID              string         `json:"order_id"`
	CustomerName    string         `json:"customer_name"`
	DeliveryAddress string         `json:"delivery_address,omitempty"`
	Lines           []lineRecord   `json:"lines"`
	Total           json.Number    `json:"total"`
	Status          string         `json:"status"`
	History         []changeRecord `json:"status_history"`
	PlacedAt        time.Time      `json:"placed_at"`
}

type lineRecord struct {
	ItemID    string      `json:"item_id"`
	Name      string      `json:"name"`
	Quantity  int         `json:"quantity"`
	UnitPrice json.Number `json:"unit_price"`
	Notes     string      `json:"notes,omitempty"`
}

type changeRecord struct {
	Status string    `json:"status"`
	At     time.Time `json:"at"`
}

func money(d decimal.Decimal) json.Number {
	return json.Number(d.StringFixed(2))
}

func parseMoney(n json.Number, field string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(n.String())
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%s: %w", field, err)
	}
	return d, nil
}

func newOrderRecord(o order.Order) orderRecord {
	r := orderRecord{
		ID:              o.ID,
		CustomerName:    o.CustomerName,
		DeliveryAddress: o.DeliveryAddress,
		Lines:           make([]lineRecord, len(o.Lines)),
		Total:           money(o.Total),
		Status:          string(o.Status),
		History:         make([]changeRecord, len(o.History)),
		PlacedAt:        o.PlacedAt.UTC(),
	}
	for i, l := range o.Lines {
		r.Lines[i] = lineRecord{
			ItemID:    l.ItemID,
			Name:      l.Name,
			Quantity:  l.Quantity,
			UnitPrice: money(l.UnitPrice),
			Notes:     l.Notes,
		}
	}
	for i, h := range o.History {
		r.History[i] = changeRecord{Status: string(h.Status), At: h.At.UTC()}
	}
	return r
}

func (r orderRecord) order() (order.Order, error) {
	total, err := parseMoney(r.Total, "total")
	if err != nil {
		return order.Order{}, err
	}
	o := order.Order{
		ID:              r.ID,
		CustomerName:    r.CustomerName,
		DeliveryAddress: r.DeliveryAddress,
		Lines:           make([]order.Line, len(r.Lines)),
		Total:           total,
		Status:          order.Status(r.Status),
		History:         make([]order.StatusChange, len(r.History)),
		PlacedAt:        r.PlacedAt,
	}
	for i, l := range r.Lines {
		price, err := parseMoney(l.UnitPrice, "unit_price")
		if err != nil {
			return order.Order{}, err
		}
		o.Lines[i] = order.Line{
			ItemID:    l.ItemID,
			Name:      l.Name,
			Quantity:  l.Quantity,
			UnitPrice: price,
			Notes:     l.Notes,
		}
	}
	for i, h := range r.History {
		o.History[i] = order.StatusChange{Status: order.Status(h.Status), At: h.At}
	}
	return o, o.Validate()
}
