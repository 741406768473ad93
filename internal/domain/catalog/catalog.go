// Package catalog holds the immutable product list of the store.
package catalog

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/xenking/quickcart/internal/failure"
)

// Item represents a catalog entry available for purchase.
type Item struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Brand    string          `json:"brand,omitempty"`
	Tags     []string        `json:"tags,omitempty"`
	Price    decimal.Decimal `json:"price"`
	Unit     string          `json:"unit,omitempty"`
	Category string          `json:"category,omitempty"`
	Size     string          `json:"size,omitempty"`
}

// Meta describes the store the catalog belongs to.
type Meta struct {
	StoreName string `json:"store_name,omitempty"`
	Currency  string `json:"currency,omitempty"`
}

// Source loads the full catalog. Implementations return failure.CorruptData
// for malformed content and failure.IOError for storage failures.
type Source interface {
	ReadCatalog(ctx context.Context) (Meta, []Item, error)
}

// Store is a read-only, validated view over a loaded catalog. A Store is
// never mutated after construction; a refresh builds a new Store.
type Store struct {
	meta  Meta
	items []Item
	byID  map[string]int
}

// NewStore validates items and builds a Store that preserves their order.
func NewStore(meta Meta, items []Item) (*Store, error) {
	s := &Store{
		meta:  meta,
		items: make([]Item, 0, len(items)),
		byID:  make(map[string]int, len(items)),
	}
	for i, it := range items {
		if err := validate(it); err != nil {
			return nil, failure.New(failure.CorruptData, "catalog.load", it.ID,
				fmt.Sprintf("item #%d: %s", i, err))
		}
		if _, dup := s.byID[it.ID]; dup {
			return nil, failure.New(failure.CorruptData, "catalog.load", it.ID, "duplicate item id")
		}
		it.Tags = dedupeTags(it.Tags)
		s.byID[it.ID] = len(s.items)
		s.items = append(s.items, it)
	}
	return s, nil
}

// Load reads the catalog from src and builds a Store.
func Load(ctx context.Context, src Source) (*Store, error) {
	meta, items, err := src.ReadCatalog(ctx)
	if err != nil {
		return nil, err
	}
	return NewStore(meta, items)
}

func validate(it Item) error {
	switch {
	case strings.TrimSpace(it.ID) == "":
		return fmt.Errorf("id is required")
	case strings.TrimSpace(it.Name) == "":
		return fmt.Errorf("name is required")
	case it.Price.IsNegative():
		return fmt.Errorf("price %s is negative", it.Price)
	}
	return nil
}

func dedupeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" || slices.Contains(out, t) {
			continue
		}
		out = append(out, t)
	}
	return out
}

// Meta returns the store metadata.
func (s *Store) Meta() Meta { return s.meta }

// Len returns the number of items.
func (s *Store) Len() int { return len(s.items) }

// All returns the items in catalog order. The returned slice is a copy.
func (s *Store) All() []Item {
	out := make([]Item, len(s.items))
	for i, it := range s.items {
		it.Tags = slices.Clone(it.Tags)
		out[i] = it
	}
	return out
}

// Get returns the item with the given id or a failure.NotFound error.
func (s *Store) Get(id string) (Item, error) {
	i, ok := s.byID[id]
	if !ok {
		return Item{}, failure.New(failure.NotFound, "catalog.get", id, "unknown item")
	}
	it := s.items[i]
	it.Tags = slices.Clone(it.Tags)
	return it, nil
}
