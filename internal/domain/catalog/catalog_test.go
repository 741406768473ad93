package catalog

import (
	"context"
	"testing"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/quickcart/internal/failure"
)

type mockSource struct {
	meta  Meta
	items []Item
	err   error
}

func (m *mockSource) ReadCatalog(_ context.Context) (Meta, []Item, error) {
	return m.meta, m.items, m.err
}

func item(id, name, price string, tags ...string) Item {
	return Item{ID: id, Name: name, Price: decimal.RequireFromString(price), Tags: tags}
}

func TestNewStore_PreservesOrder(t *testing.T) {
	s, err := NewStore(Meta{StoreName: "QuickCart"}, []Item{
		item("tea-250g", "Red Label Tea", "140"),
		item("bread-1", "Whole Wheat Bread", "3.50"),
		item("milk-1l", "Amul Taaza Milk", "72"),
	})
	require.NoError(t, err)

	all := s.All()
	require.Len(t, all, 3)
	assert.Equal(t, "tea-250g", all[0].ID)
	assert.Equal(t, "bread-1", all[1].ID)
	assert.Equal(t, "milk-1l", all[2].ID)
	assert.Equal(t, 3, s.Len())
	assert.Equal(t, "QuickCart", s.Meta().StoreName)
}

func TestNewStore_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		items []Item
	}{
		{name: "missing id", items: []Item{item("", "Bread", "1")}},
		{name: "missing name", items: []Item{item("bread-1", " ", "1")}},
		{name: "negative price", items: []Item{item("bread-1", "Bread", "-0.01")}},
		{name: "duplicate id", items: []Item{item("bread-1", "Bread", "1"), item("bread-1", "Other", "2")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewStore(Meta{}, tt.items)
			require.ErrorIs(t, err, failure.CorruptData)
		})
	}
}

func TestNewStore_DedupesTags(t *testing.T) {
	s, err := NewStore(Meta{}, []Item{item("potato-1kg", "Fresh Potatoes", "40", "veg", "aloo", "veg", " ")})
	require.NoError(t, err)

	it, err := s.Get("potato-1kg")
	require.NoError(t, err)
	assert.Equal(t, []string{"veg", "aloo"}, it.Tags)
}

func TestStore_Get(t *testing.T) {
	s, err := NewStore(Meta{}, []Item{item("bread-1", "Whole Wheat Bread", "3.50")})
	require.NoError(t, err)

	it, err := s.Get("bread-1")
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("3.50").Equal(it.Price))

	_, err = s.Get("missing")
	require.ErrorIs(t, err, failure.NotFound)
	assert.Equal(t, "missing", failure.SubjectOf(err))
}

func TestStore_AllIsACopy(t *testing.T) {
	s, err := NewStore(Meta{}, []Item{item("bread-1", "Whole Wheat Bread", "3.50", "bakery")})
	require.NoError(t, err)

	all := s.All()
	all[0].Name = "changed"
	all[0].Tags[0] = "changed"

	it, err := s.Get("bread-1")
	require.NoError(t, err)
	assert.Equal(t, "Whole Wheat Bread", it.Name)
	assert.Equal(t, []string{"bakery"}, it.Tags)
}

func TestLoad(t *testing.T) {
	src := &mockSource{items: []Item{item("bread-1", "Whole Wheat Bread", "3.50")}}
	s, err := Load(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Len())

	src = &mockSource{err: failure.New(failure.IOError, "catalog.read", "catalog.json", "")}
	_, err = Load(context.Background(), src)
	require.ErrorIs(t, err, failure.IOError)

	src = &mockSource{err: errors.New("boom")}
	_, err = Load(context.Background(), src)
	require.Error(t, err)
}
