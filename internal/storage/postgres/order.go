package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/xenking/quickcart/internal/domain/order"
	"github.com/xenking/quickcart/internal/failure"
)

var _ order.Ledger = (*LedgerRepository)(nil)

const orderColumns = `id, customer_name, delivery_address, lines, total, status, status_history, placed_at`

// lineRow and changeRow are the JSONB forms of order lines and history.
type lineRow struct {
	ItemID    string          `json:"item_id"`
	Name      string          `json:"name"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Notes     string          `json:"notes,omitempty"`
}

type changeRow struct {
	Status string    `json:"status"`
	At     time.Time `json:"at"`
}

// LedgerRepository implements order.Ledger backed by PostgreSQL. Row locks
// are bounded by lockTimeout; a timeout surfaces as failure.Busy.
type LedgerRepository struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
}

// NewLedgerRepository returns a LedgerRepository that uses the given pool.
func NewLedgerRepository(pool *pgxpool.Pool, lockTimeout time.Duration) *LedgerRepository {
	if lockTimeout <= 0 {
		lockTimeout = 2 * time.Second
	}
	return &LedgerRepository{pool: pool, lockTimeout: lockTimeout}
}

// Append persists a new order.
func (r *LedgerRepository) Append(ctx context.Context, o order.Order) error {
	const op = "ledger.append"
	if err := o.Validate(); err != nil {
		return failure.Wrap(failure.CorruptData, op, o.ID, err)
	}

	lines, history := toRows(o)
	_, err := r.pool.Exec(ctx,
		`INSERT INTO orders (`+orderColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		o.ID, o.CustomerName, o.DeliveryAddress, lines, o.Total, string(o.Status), history, o.PlacedAt,
	)
	return classify(op, o.ID, err)
}

// Modify locks the order row, applies fn and writes back the new status and
// history in one transaction.
func (r *LedgerRepository) Modify(ctx context.Context, id string, fn func(*order.Order) error) (order.Order, error) {
	const op = "ledger.modify"

	var out order.Order
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", r.lockTimeout.Milliseconds())); err != nil {
			return err
		}

		o, err := scanOrder(tx.QueryRow(ctx,
			`SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return err
		}
		if err := fn(&o); err != nil {
			return err
		}
		if err := o.Validate(); err != nil {
			return failure.Wrap(failure.CorruptData, op, id, err)
		}

		_, history := toRows(o)
		if _, err := tx.Exec(ctx,
			`UPDATE orders SET status = $2, status_history = $3 WHERE id = $1`,
			id, string(o.Status), history,
		); err != nil {
			return err
		}
		out = o
		return nil
	})
	if err != nil {
		return order.Order{}, r.notFound(op, id, err)
	}
	return out, nil
}

// Get returns the order with the given id.
func (r *LedgerRepository) Get(ctx context.Context, id string) (order.Order, error) {
	o, err := scanOrder(r.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if err != nil {
		return order.Order{}, r.notFound("ledger.get", id, err)
	}
	return o, nil
}

// List returns all orders in placement order.
func (r *LedgerRepository) List(ctx context.Context) ([]order.Order, error) {
	const op = "ledger.list"

	rows, err := r.pool.Query(ctx, `SELECT `+orderColumns+` FROM orders ORDER BY seq`)
	if err != nil {
		return nil, classify(op, "", err)
	}
	defer rows.Close()

	var out []order.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, classify(op, "", err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(op, "", err)
	}
	return out, nil
}

func (r *LedgerRepository) notFound(op, id string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return failure.New(failure.NotFound, op, id, "unknown order")
	}
	return classify(op, id, err)
}

func toRows(o order.Order) ([]lineRow, []changeRow) {
	lines := make([]lineRow, len(o.Lines))
	for i, l := range o.Lines {
		lines[i] = lineRow{ItemID: l.ItemID, Name: l.Name, Quantity: l.Quantity, UnitPrice: l.UnitPrice, Notes: l.Notes}
	}
	history := make([]changeRow, len(o.History))
	for i, h := range o.History {
		history[i] = changeRow{Status: string(h.Status), At: h.At.UTC()}
	}
	return lines, history
}

func scanOrder(row pgx.Row) (order.Order, error) {
	var (
		o       order.Order
		status  string
		lines   []lineRow
		history []changeRow
	)
	if err := row.Scan(
		&o.ID, &o.CustomerName, &o.DeliveryAddress, &lines, &o.Total, &status, &history, &o.PlacedAt,
	); err != nil {
		return order.Order{}, err
	}

	o.Status = order.Status(status)
	o.PlacedAt = o.PlacedAt.UTC()
	o.Lines = make([]order.Line, len(lines))
	for i, l := range lines {
		o.Lines[i] = order.Line{ItemID: l.ItemID, Name: l.Name, Quantity: l.Quantity, UnitPrice: l.UnitPrice, Notes: l.Notes}
	}
	o.History = make([]order.StatusChange, len(history))
	for i, h := range history {
		o.History[i] = order.StatusChange{Status: order.Status(h.Status), At: h.At.UTC()}
	}
	if err := o.Validate(); err != nil {
		return order.Order{}, failure.Wrap(failure.CorruptData, "order.scan", o.ID, err)
	}
	return o, nil
}
