package shop

import (
	"context"
	"fmt"
	"maps"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/quickcart/db"
	"github.com/xenking/quickcart/internal/domain/catalog"
	"github.com/xenking/quickcart/internal/domain/order"
	"github.com/xenking/quickcart/internal/domain/session"
	"github.com/xenking/quickcart/internal/failure"
	"github.com/xenking/quickcart/internal/storage/jsonfile"
)

// stubSource is a catalog source whose content can change between reloads.
type stubSource struct {
	mu    sync.Mutex
	items []catalog.Item
	err   error
}

func (s *stubSource) ReadCatalog(context.Context) (catalog.Meta, []catalog.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return catalog.Meta{}, nil, s.err
	}
	out := make([]catalog.Item, len(s.items))
	copy(out, s.items)
	return catalog.Meta{StoreName: "Test Store", Currency: "INR"}, out, nil
}

func (s *stubSource) set(items []catalog.Item, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items, s.err = items, err
}

func price(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func baseItems() []catalog.Item {
	return []catalog.Item{
		{ID: "bread-1", Name: "Whole Wheat Bread", Tags: []string{"bread", "bakery"}, Price: price("3.50")},
		{ID: "milk-1l", Name: "Amul Taaza Milk", Brand: "Amul", Tags: []string{"milk", "dairy"}, Price: price("72.00")},
		{ID: "tea-250g", Name: "Red Label Tea", Brand: "Brooke Bond", Tags: []string{"tea", "chai"}, Price: price("140.00")},
	}
}

type fixture struct {
	engine  *Engine
	source  *stubSource
	gateway *jsonfile.Gateway
}

func newFixture(t *testing.T, opts ...Option) fixture {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	g, err := jsonfile.Open(ctx, jsonfile.Config{
		CatalogPath: filepath.Join(dir, "catalog.json"),
		LedgerPath:  filepath.Join(dir, "orders.json"),
		LockTimeout: 5 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = g.Close() })

	svc, err := order.NewService(jsonfile.NewLedger(g))
	require.NoError(t, err)

	src := &stubSource{items: baseItems()}
	e, err := New(ctx, src, svc, opts...)
	require.NoError(t, err)
	return fixture{engine: e, source: src, gateway: g}
}

func TestEngine_TusharScenario(t *testing.T) {
	ctx := context.Background()
	e := newFixture(t).engine

	view, err := e.AddToCart("s1", "bread-1", 2, "")
	require.NoError(t, err)
	assert.Equal(t, "7.00", view.Total.StringFixed(2))

	o, err := e.PlaceOrder(ctx, "s1", PlaceOrderInput{CustomerName: "Tushar"})
	require.NoError(t, err)
	assert.Equal(t, "7.00", o.Total.StringFixed(2))
	assert.Equal(t, order.StatusReceived, o.Status)

	view, err = e.ViewCart("s1")
	require.NoError(t, err)
	assert.Empty(t, view.Lines)

	_, err = e.AdvanceOrder(ctx, o.ID)
	require.NoError(t, err)

	tracked, err := e.TrackOrder(ctx, "s1", "")
	require.NoError(t, err)
	assert.Equal(t, o.ID, tracked.ID)
	assert.Equal(t, order.StatusConfirmed, tracked.Status)
	assert.Len(t, tracked.History, 2)
}

func TestEngine_CartRoundTrip(t *testing.T) {
	e := newFixture(t).engine

	_, err := e.AddToCart("s1", "milk-1l", 3, "")
	require.NoError(t, err)
	view, err := e.RemoveFromCart("s1", "milk-1l", 3)
	require.NoError(t, err)
	assert.Empty(t, view.Lines)
	assert.True(t, view.Total.IsZero())
}

func TestEngine_CartErrors(t *testing.T) {
	e := newFixture(t).engine

	_, err := e.AddToCart("s1", "caviar", 1, "")
	require.ErrorIs(t, err, failure.NotFound)
	assert.Equal(t, "caviar", failure.SubjectOf(err))

	_, err = e.AddToCart("s1", "bread-1", 0, "")
	require.ErrorIs(t, err, failure.InvalidQuantity)

	_, err = e.RemoveFromCart("s1", "bread-1", 1)
	require.ErrorIs(t, err, failure.NotFound)

	_, err = e.ViewCart(" ")
	require.ErrorIs(t, err, failure.InvalidInput)
}

func TestEngine_SetQuantityAndClear(t *testing.T) {
	e := newFixture(t).engine

	_, err := e.AddToCart("s1", "bread-1", 1, "")
	require.NoError(t, err)
	_, err = e.AddToCart("s1", "tea-250g", 1, "")
	require.NoError(t, err)

	view, err := e.SetCartQuantity("s1", "bread-1", 4)
	require.NoError(t, err)
	require.Len(t, view.Lines, 2)
	assert.Equal(t, "bread-1", view.Lines[0].ItemID)
	assert.Equal(t, 4, view.Lines[0].Quantity)
	assert.Equal(t, "154.00", view.Total.StringFixed(2))

	view, err = e.SetCartQuantity("s1", "bread-1", 0)
	require.NoError(t, err)
	require.Len(t, view.Lines, 1)

	view, err = e.ClearCart("s1")
	require.NoError(t, err)
	assert.Empty(t, view.Lines)
}

func TestEngine_Search(t *testing.T) {
	e := newFixture(t).engine

	results := e.Search("bred", 0)
	require.NotEmpty(t, results)
	assert.Equal(t, "bread-1", results[0].Item.ID)

	assert.Empty(t, e.Search("xyzxyz", 0))

	results = e.Search("chai", 1)
	require.Len(t, results, 1)
	assert.Equal(t, "tea-250g", results[0].Item.ID)
}

func TestEngine_PriceStabilityAcrossReload(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	e := f.engine

	_, err := e.AddToCart("s1", "bread-1", 2, "")
	require.NoError(t, err)
	o, err := e.PlaceOrder(ctx, "s1", PlaceOrderInput{CustomerName: "Tushar"})
	require.NoError(t, err)

	items := baseItems()
	items[0].Price = price("5.00")
	f.source.set(items, nil)
	_, err = e.ReloadCatalog(ctx)
	require.NoError(t, err)

	tracked, err := e.TrackOrder(ctx, "", o.ID)
	require.NoError(t, err)
	assert.Equal(t, "7.00", tracked.Total.StringFixed(2))
	assert.Equal(t, "3.50", tracked.Lines[0].UnitPrice.StringFixed(2))

	view, err := e.AddToCart("s2", "bread-1", 2, "")
	require.NoError(t, err)
	assert.Equal(t, "10.00", view.Total.StringFixed(2))
}

func TestEngine_ReloadFailureKeepsCatalog(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.source.set(nil, failure.New(failure.CorruptData, "catalog.read", "catalog.json", "broken"))
	_, err := f.engine.ReloadCatalog(ctx)
	require.ErrorIs(t, err, failure.CorruptData)

	assert.Equal(t, 3, f.engine.Catalog().Len())
	_, err = f.engine.Item("bread-1")
	require.NoError(t, err)

	f.source.set([]catalog.Item{{ID: "x", Name: "X", Price: price("1")}, {ID: "x", Name: "Y", Price: price("1")}}, nil)
	_, err = f.engine.ReloadCatalog(ctx)
	require.ErrorIs(t, err, failure.CorruptData)
	assert.Equal(t, 3, f.engine.Catalog().Len())
}

func TestEngine_PlaceOrderFailures(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	e := f.engine

	_, err := e.PlaceOrder(ctx, "s1", PlaceOrderInput{CustomerName: "Tushar"})
	require.ErrorIs(t, err, failure.InvalidInput)

	_, err = e.AddToCart("s1", "milk-1l", 1, "")
	require.NoError(t, err)
	_, err = e.PlaceOrder(ctx, "s1", PlaceOrderInput{})
	require.ErrorIs(t, err, failure.InvalidInput)
	assert.Equal(t, "customer_name", failure.SubjectOf(err))

	// The item vanishes from the catalog before checkout; the cart is kept.
	f.source.set(baseItems()[:1], nil)
	_, err = e.ReloadCatalog(ctx)
	require.NoError(t, err)

	_, err = e.PlaceOrder(ctx, "s1", PlaceOrderInput{CustomerName: "Tushar"})
	require.ErrorIs(t, err, failure.NotFound)
	assert.Equal(t, "milk-1l", failure.SubjectOf(err))

	s, ok := e.Sessions().Lookup("s1")
	require.True(t, ok)
	_ = s.Do(func(st *session.State) error {
		assert.Equal(t, 1, st.Cart.Quantity("milk-1l"))
		return nil
	})
}

func TestEngine_CartSurvivesItemDroppedByReload(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	e := f.engine

	_, err := e.AddToCart("s1", "bread-1", 1, "")
	require.NoError(t, err)

	f.source.set(baseItems()[1:], nil)
	_, err = e.ReloadCatalog(ctx)
	require.NoError(t, err)

	view, err := e.AddToCart("s1", "milk-1l", 2, "")
	require.NoError(t, err)
	require.Len(t, view.Lines, 1)
	assert.Equal(t, "milk-1l", view.Lines[0].ItemID)
	assert.Equal(t, "144.00", view.Total.StringFixed(2))
	require.Len(t, view.Unavailable, 1)
	assert.Equal(t, "bread-1", view.Unavailable[0].ItemID)

	// A failed mutation leaves the cart as it was.
	_, err = e.AddToCart("s1", "bread-1", 1, "")
	require.ErrorIs(t, err, failure.NotFound)
	view, err = e.ViewCart("s1")
	require.NoError(t, err)
	assert.Equal(t, 2, view.Lines[0].Quantity)
	assert.Equal(t, 1, view.Unavailable[0].Quantity)

	_, err = e.PlaceOrder(ctx, "s1", PlaceOrderInput{CustomerName: "Tushar"})
	require.ErrorIs(t, err, failure.NotFound)
	assert.Equal(t, "bread-1", failure.SubjectOf(err))

	view, err = e.RemoveFromCart("s1", "bread-1", 1)
	require.NoError(t, err)
	assert.Empty(t, view.Unavailable)
	o, err := e.PlaceOrder(ctx, "s1", PlaceOrderInput{CustomerName: "Tushar"})
	require.NoError(t, err)
	assert.Equal(t, "144.00", o.Total.StringFixed(2))
}

func TestEngine_NotesReachOrder(t *testing.T) {
	ctx := context.Background()
	e := newFixture(t).engine

	_, err := e.AddToCart("s1", "bread-1", 1, "sliced")
	require.NoError(t, err)
	view, err := e.AddToCart("s1", "bread-1", 1, "")
	require.NoError(t, err)
	assert.Equal(t, "sliced", view.Lines[0].Notes)

	o, err := e.PlaceOrder(ctx, "s1", PlaceOrderInput{CustomerName: "Tushar"})
	require.NoError(t, err)
	require.Len(t, o.Lines, 1)
	assert.Equal(t, "sliced", o.Lines[0].Notes)

	tracked, err := e.TrackOrder(ctx, "s1", "")
	require.NoError(t, err)
	assert.Equal(t, "sliced", tracked.Lines[0].Notes)
}

func TestEngine_RemembersCustomerName(t *testing.T) {
	ctx := context.Background()
	e := newFixture(t).engine

	_, err := e.AddToCart("s1", "bread-1", 1, "")
	require.NoError(t, err)
	_, err = e.PlaceOrder(ctx, "s1", PlaceOrderInput{CustomerName: "Tushar"})
	require.NoError(t, err)

	_, err = e.AddToCart("s1", "tea-250g", 1, "")
	require.NoError(t, err)
	second, err := e.PlaceOrder(ctx, "s1", PlaceOrderInput{})
	require.NoError(t, err)
	assert.Equal(t, "Tushar", second.CustomerName)
}

func TestEngine_CancelRules(t *testing.T) {
	ctx := context.Background()
	e := newFixture(t).engine

	_, err := e.CancelOrder(ctx, "fresh", "")
	require.ErrorIs(t, err, failure.InvalidInput)

	_, err = e.AddToCart("s1", "bread-1", 1, "")
	require.NoError(t, err)
	o, err := e.PlaceOrder(ctx, "s1", PlaceOrderInput{CustomerName: "Tushar"})
	require.NoError(t, err)

	for range 2 {
		_, err = e.AdvanceOrder(ctx, o.ID)
		require.NoError(t, err)
	}
	_, err = e.CancelOrder(ctx, "s1", "")
	require.ErrorIs(t, err, failure.InvalidTransition)

	_, err = e.AddToCart("s1", "bread-1", 1, "")
	require.NoError(t, err)
	o2, err := e.PlaceOrder(ctx, "s1", PlaceOrderInput{CustomerName: "Tushar"})
	require.NoError(t, err)
	cancelled, err := e.CancelOrder(ctx, "s1", o2.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusCancelled, cancelled.Status)

	_, err = e.AdvanceOrder(ctx, o2.ID)
	require.ErrorIs(t, err, failure.InvalidTransition)

	_, err = e.TrackOrder(ctx, "s1", "missing")
	require.ErrorIs(t, err, failure.NotFound)
}

func TestEngine_ConcurrentPlacements(t *testing.T) {
	ctx := context.Background()
	e := newFixture(t).engine

	const sessions = 12
	ids := make([]string, sessions)
	var wg sync.WaitGroup
	for i := range sessions {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sid := fmt.Sprintf("s%d", i)
			if _, err := e.AddToCart(sid, "bread-1", i+1, ""); !assert.NoError(t, err) {
				return
			}
			o, err := e.PlaceOrder(ctx, sid, PlaceOrderInput{CustomerName: fmt.Sprintf("Customer %d", i)})
			if assert.NoError(t, err) {
				ids[i] = o.ID
			}
		}()
	}
	wg.Wait()

	all, err := e.OrderHistory(ctx, "", sessions*2)
	require.NoError(t, err)
	require.Len(t, all, sessions)

	seen := make(map[string]bool)
	for _, o := range all {
		assert.False(t, seen[o.ID])
		seen[o.ID] = true
	}
	for _, id := range ids {
		assert.True(t, seen[id], "order %s missing from ledger", id)
	}
}

func TestEngine_OrderHistory(t *testing.T) {
	ctx := context.Background()
	e := newFixture(t, WithHistoryLimit(2)).engine

	for i := range 3 {
		_, err := e.AddToCart("s1", "bread-1", 1, "")
		require.NoError(t, err)
		_, err = e.PlaceOrder(ctx, "s1", PlaceOrderInput{CustomerName: fmt.Sprintf("c%d", i%2)})
		require.NoError(t, err)
	}

	recent, err := e.OrderHistory(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "c0", recent[0].CustomerName)

	mine, err := e.OrderHistory(ctx, "C1", 10)
	require.NoError(t, err)
	require.Len(t, mine, 1)
}

func TestEngine_EndSession(t *testing.T) {
	e := newFixture(t).engine

	_, err := e.AddToCart("s1", "bread-1", 1, "")
	require.NoError(t, err)
	assert.True(t, e.EndSession("s1"))
	assert.False(t, e.EndSession("s1"))

	view, err := e.ViewCart("s1")
	require.NoError(t, err)
	assert.Empty(t, view.Lines)
}

func TestNew_CatalogError(t *testing.T) {
	svc, err := order.NewService(nil)
	require.NoError(t, err)
	_, err = New(context.Background(), &stubSource{err: errors.New("unavailable")}, svc)
	require.Error(t, err)
}

func TestEngine_SampleCatalogRecipes(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	g, err := jsonfile.Open(ctx, jsonfile.Config{
		CatalogPath: filepath.Join(dir, "catalog.json"),
		LedgerPath:  filepath.Join(dir, "orders.json"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = g.Close() })
	_, err = g.EnsureCatalog(ctx, db.SampleCatalog)
	require.NoError(t, err)

	svc, err := order.NewService(jsonfile.NewLedger(g))
	require.NoError(t, err)
	e, err := New(ctx, g, svc)
	require.NoError(t, err)

	dish, servings := ParseRecipeRequest("ingredients for chai for two")
	res, err := e.AddRecipe("s1", dish, servings)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Servings)
	require.Len(t, res.Added, 4)
	for _, l := range res.Cart.Lines {
		assert.Equal(t, 2, l.Quantity)
	}
	// 2 × (72 + 140 + 60 + 20)
	assert.Equal(t, "584.00", res.Cart.Total.StringFixed(2))

	res, err = e.AddRecipe("s1", "Maggi", 1)
	require.NoError(t, err)
	assert.Equal(t, "maggi-masala", res.Added[0].ID)

	res, err = e.AddRecipe("s2", "potatoes", 1)
	require.NoError(t, err)
	assert.Equal(t, "potato-1kg", res.Added[0].ID)

	_, err = e.AddRecipe("s1", "xyzxyz", 1)
	require.ErrorIs(t, err, failure.NotFound)
	_, err = e.AddRecipe("s1", "chai", 0)
	require.ErrorIs(t, err, failure.InvalidQuantity)

	results := e.Search("bred", 0)
	require.NotEmpty(t, results)
	assert.Equal(t, "bread-wheat-400g", results[0].Item.ID)
}

func TestDefaultRecipes(t *testing.T) {
	recipes := DefaultRecipes()
	assert.ElementsMatch(t, []string{"chai", "maggi", "paneer butter masala", "dal chawal"}, slices.Collect(maps.Keys(recipes)))
	for dish, ids := range recipes {
		assert.NotEmpty(t, ids, dish)
	}
}

func TestParseRecipeRequest(t *testing.T) {
	tests := []struct {
		in       string
		dish     string
		servings int
	}{
		{in: "chai", dish: "chai", servings: 1},
		{in: "ingredients for chai for two", dish: "chai", servings: 2},
		{in: "Ingredients for paneer butter masala for 4 people", dish: "paneer butter masala", servings: 4},
		{in: "dal chawal for three persons", dish: "dal chawal", servings: 3},
		{in: "ingredient for maggi for 0", dish: "maggi", servings: 1},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			dish, servings := ParseRecipeRequest(tt.in)
			assert.Equal(t, tt.dish, dish)
			assert.Equal(t, tt.servings, servings)
		})
	}
}
