package jsonfile

import (
	"bytes"
	"context"
	"encoding/json"
	"io/fs"

	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"github.com/xenking/quickcart/internal/domain/catalog"
	"github.com/xenking/quickcart/internal/failure"
)

var _ catalog.Source = (*Gateway)(nil)

// ReadCatalog reads and decodes the catalog file.
func (g *Gateway) ReadCatalog(ctx context.Context) (catalog.Meta, []catalog.Item, error) {
	const op = "catalog.read"

	data, err := g.readFile(ctx, g.cfg.CatalogPath)
	if err != nil {
		return catalog.Meta{}, nil, failure.Wrap(failure.IOError, op, g.cfg.CatalogPath, err)
	}
	meta, items, err := DecodeCatalog(data)
	if err != nil {
		return catalog.Meta{}, nil, failure.Wrap(failure.CorruptData, op, g.cfg.CatalogPath, err)
	}
	return meta, items, nil
}

// EnsureCatalog writes sample to the catalog path when the file is missing
// blank or holds no items. It reports whether the sample was written. A catalog
// file that fails to decode is left untouched and reported as CorruptData.
func (g *Gateway) EnsureCatalog(ctx context.Context, sample []byte) (bool, error) {
	const op = "catalog.seed"

	data, err := g.readFile(ctx, g.cfg.CatalogPath)
	switch {
	case len(bytes.TrimSpace(data)) == 0 && err == nil:
		// Blank file, seed it.
	case err == nil:
		_, items, err := DecodeCatalog(data)
		if err != nil {
			return false, failure.Wrap(failure.CorruptData, op, g.cfg.CatalogPath, err)
		}
		if len(items) > 0 {
			return false, nil
		}
	case !errors.Is(err, fs.ErrNotExist):
		return false, failure.Wrap(failure.IOError, op, g.cfg.CatalogPath, err)
	}

	if _, items, err := DecodeCatalog(sample); err != nil || len(items) == 0 {
		return false, failure.New(failure.CorruptData, op, "sample", "sample catalog is empty or malformed")
	}
	if err := g.writeFile(ctx, op, g.cfg.CatalogPath, sample); err != nil {
		return false, err
	}
	g.lg.Info("Seeded sample catalog", zap.String("path", g.cfg.CatalogPath))
	return true, nil
}

// DecodeCatalog parses a catalog file. Both a bare JSON array of items and
// the {"meta", "items"} envelope are accepted.
func DecodeCatalog(data []byte) (catalog.Meta, []catalog.Item, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return catalog.Meta{}, nil, errors.New("catalog is empty")
	}

	var (
		meta    catalog.Meta
		records []itemRecord
	)
	switch data[0] {
	case '[':
		if err := json.Unmarshal(data, &records); err != nil {
			return catalog.Meta{}, nil, errors.Wrap(err, "decode items")
		}
	case '{':
		var f catalogFile
		if err := json.Unmarshal(data, &f); err != nil {
			return catalog.Meta{}, nil, errors.Wrap(err, "decode catalog")
		}
		meta, records = f.Meta, f.Items
	default:
		return catalog.Meta{}, nil, errors.Errorf("unexpected catalog start %q", data[0])
	}

	items := make([]catalog.Item, len(records))
	for i, r := range records {
		it, err := r.item()
		if err != nil {
			return catalog.Meta{}, nil, errors.Wrapf(err, "item #%d (%s)", i, r.ID)
		}
		items[i] = it
	}
	return meta, items, nil
}

// DecodeItem parses a single catalog item, as found on one line of an
// NDJSON catalog export.
func DecodeItem(data []byte) (catalog.Item, error) {
	var r itemRecord
	if err := json.Unmarshal(data, &r); err != nil {
		return catalog.Item{}, errors.Wrap(err, "decode item")
	}
	it, err := r.item()
	if err != nil {
		return catalog.Item{}, errors.Wrapf(err, "item %s", r.ID)
	}
	return it, nil
}

// EncodeCatalog renders items in the envelope format.
func EncodeCatalog(meta catalog.Meta, items []catalog.Item) ([]byte, error) {
	f := catalogFile{Meta: meta, Items: make([]itemRecord, len(items))}
	for i, it := range items {
		f.Items[i] = newItemRecord(it)
	}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return nil, errors.Wrap(err, "encode catalog")
	}
	return append(data, '\n'), nil
}
