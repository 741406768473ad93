package postgres

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/xenking/quickcart/internal/domain/catalog"
)

var _ catalog.Source = (*CatalogRepository)(nil)

// CatalogRepository stores the catalog in PostgreSQL.
type CatalogRepository struct {
	pool *pgxpool.Pool
}

// NewCatalogRepository returns a CatalogRepository that uses the given pool.
func NewCatalogRepository(pool *pgxpool.Pool) *CatalogRepository {
	return &CatalogRepository{pool: pool}
}

// ReadCatalog returns the store metadata and all items in catalog order.
func (r *CatalogRepository) ReadCatalog(ctx context.Context) (catalog.Meta, []catalog.Item, error) {
	const op = "catalog.read"

	var meta catalog.Meta
	err := r.pool.QueryRow(ctx, `SELECT store_name, currency FROM catalog_meta`).
		Scan(&meta.StoreName, &meta.Currency)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return catalog.Meta{}, nil, classify(op, "catalog_meta", err)
	}

	rows, err := r.pool.Query(ctx,
		`SELECT id, name, brand, tags, price, unit, category, size FROM catalog_items ORDER BY position`)
	if err != nil {
		return catalog.Meta{}, nil, classify(op, "catalog_items", err)
	}
	items, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (catalog.Item, error) {
		var (
			it    catalog.Item
			price decimal.Decimal
		)
		err := row.Scan(&it.ID, &it.Name, &it.Brand, &it.Tags, &price, &it.Unit, &it.Category, &it.Size)
		it.Price = price
		return it, err
	})
	if err != nil {
		return catalog.Meta{}, nil, classify(op, "catalog_items", err)
	}
	return meta, items, nil
}

// ReplaceCatalog swaps the whole catalog in one transaction.
func (r *CatalogRepository) ReplaceCatalog(ctx context.Context, meta catalog.Meta, items []catalog.Item) error {
	const op = "catalog.replace"

	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO catalog_meta (singleton, store_name, currency) VALUES (TRUE, $1, $2)
			 ON CONFLICT (singleton) DO UPDATE SET store_name = EXCLUDED.store_name, currency = EXCLUDED.currency`,
			meta.StoreName, meta.Currency,
		); err != nil {
			return errors.Wrap(err, "upsert meta")
		}
		if _, err := tx.Exec(ctx, `DELETE FROM catalog_items`); err != nil {
			return errors.Wrap(err, "clear items")
		}

		_, err := tx.CopyFrom(ctx,
			pgx.Identifier{"catalog_items"},
			[]string{"position", "id", "name", "brand", "tags", "price", "unit", "category", "size"},
			pgx.CopyFromSlice(len(items), func(i int) ([]any, error) {
				it := items[i]
				tags := it.Tags
				if tags == nil {
					tags = []string{}
				}
				return []any{int32(i), it.ID, it.Name, it.Brand, tags, it.Price, it.Unit, it.Category, it.Size}, nil
			}),
		)
		if err != nil {
			return errors.Wrap(err, "copy items")
		}
		return nil
	})
	return classify(op, "catalog_items", err)
}
