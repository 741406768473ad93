// Package shop exposes the operations a dialogue layer drives: catalog
// search, per-session carts and the order lifecycle.
package shop

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xenking/quickcart/internal/domain/cart"
	"github.com/xenking/quickcart/internal/domain/catalog"
	"github.com/xenking/quickcart/internal/domain/order"
	"github.com/xenking/quickcart/internal/domain/search"
	"github.com/xenking/quickcart/internal/domain/session"
	"github.com/xenking/quickcart/internal/failure"
)

const (
	defaultSearchLimit  = 10
	defaultHistoryLimit = 5
)

// CartView is a cart priced against the live catalog. Unavailable lists
// lines whose item was dropped by a catalog reload; they must be removed
// before the cart can be ordered.
type CartView struct {
	Lines       []cart.PricedLine
	Total       decimal.Decimal
	Unavailable []cart.Line
}

// PlaceOrderInput holds the customer details for placing an order. A blank
// name falls back to the name remembered by the session.
type PlaceOrderInput struct {
	CustomerName    string
	DeliveryAddress string
}

type liveCatalog struct {
	store    *catalog.Store
	index    *search.Index
	loadedAt time.Time
}

// Engine is the dialogue-layer API. It owns the live catalog, which is
// swapped as a whole on reload.
type Engine struct {
	source       catalog.Source
	orders       *order.Service
	matcher      *search.Matcher
	sessions     *session.Registry
	recipes      map[string][]string
	lg           *zap.Logger
	searchLimit  int
	historyLimit int

	live     atomic.Pointer[liveCatalog]
	reloadMu sync.Mutex
}

// Option configures an Engine.
type Option func(*engineOptions)

type engineOptions struct {
	lg           *zap.Logger
	matcher      *search.Matcher
	searchLimit  int
	historyLimit int
	sessionTTL   time.Duration
	recipes      map[string][]string
}

// WithLogger sets the engine logger.
func WithLogger(lg *zap.Logger) Option {
	return func(o *engineOptions) { o.lg = lg }
}

// WithMatcher overrides the search matcher.
func WithMatcher(m *search.Matcher) Option {
	return func(o *engineOptions) { o.matcher = m }
}

// WithSearchLimit sets the result cap used when a search passes no limit.
func WithSearchLimit(n int) Option {
	return func(o *engineOptions) { o.searchLimit = n }
}

// WithHistoryLimit sets the default order history length.
func WithHistoryLimit(n int) Option {
	return func(o *engineOptions) { o.historyLimit = n }
}

// WithSessionTTL sets the idle expiry of sessions.
func WithSessionTTL(ttl time.Duration) Option {
	return func(o *engineOptions) { o.sessionTTL = ttl }
}

// WithRecipes replaces the built-in recipe book. Keys are dish names, values
// are catalog item ids.
func WithRecipes(recipes map[string][]string) Option {
	return func(o *engineOptions) { o.recipes = recipes }
}

// New loads the catalog from source and returns a ready Engine.
func New(ctx context.Context, source catalog.Source, orders *order.Service, opts ...Option) (*Engine, error) {
	o := engineOptions{
		lg:           zap.NewNop(),
		searchLimit:  defaultSearchLimit,
		historyLimit: defaultHistoryLimit,
		sessionTTL:   session.DefaultIdleTTL,
		recipes:      DefaultRecipes(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.matcher == nil {
		o.matcher = search.New()
	}

	e := &Engine{
		source:       source,
		orders:       orders,
		matcher:      o.matcher,
		recipes:      normalizeRecipes(o.recipes),
		lg:           o.lg,
		searchLimit:  o.searchLimit,
		historyLimit: o.historyLimit,
	}
	e.sessions = session.NewRegistry(e,
		session.WithIdleTTL(o.sessionTTL),
		session.WithLogger(o.lg.Named("session")),
	)

	if _, err := e.ReloadCatalog(ctx); err != nil {
		return nil, err
	}
	return e, nil
}

// Sessions returns the session registry.
func (e *Engine) Sessions() *session.Registry { return e.sessions }

// Catalog returns the live catalog store.
func (e *Engine) Catalog() *catalog.Store { return e.live.Load().store }

// CatalogLoadedAt returns when the live catalog was loaded.
func (e *Engine) CatalogLoadedAt() time.Time { return e.live.Load().loadedAt }

// Get resolves an item against the live catalog. It lets carts and order
// placement see reloads immediately.
func (e *Engine) Get(id string) (catalog.Item, error) {
	return e.live.Load().store.Get(id)
}

// Item returns a single catalog item.
func (e *Engine) Item(id string) (catalog.Item, error) {
	return e.Get(strings.TrimSpace(id))
}

// ReloadCatalog re-reads the whole catalog and swaps it in. On failure the
// previous catalog stays live. Existing orders are unaffected because their
// prices were frozen at placement.
func (e *Engine) ReloadCatalog(ctx context.Context) (*catalog.Store, error) {
	e.reloadMu.Lock()
	defer e.reloadMu.Unlock()

	store, err := catalog.Load(ctx, e.source)
	if err != nil {
		e.lg.Error("Catalog reload failed", zap.Error(err))
		return nil, err
	}
	e.live.Store(&liveCatalog{
		store:    store,
		index:    search.NewIndex(store.All()),
		loadedAt: time.Now(),
	})
	e.lg.Info("Catalog loaded",
		zap.String("store", store.Meta().StoreName),
		zap.Int("items", store.Len()),
	)
	return store, nil
}

// Search ranks catalog items against query. A non-positive limit uses the
// engine default.
func (e *Engine) Search(query string, limit int) []search.Result {
	if limit <= 0 {
		limit = e.searchLimit
	}
	return e.matcher.Search(e.live.Load().index, query, limit)
}

// AddToCart adds qty units of itemID to the session cart. Non-empty notes
// replace the notes already on the line.
func (e *Engine) AddToCart(sid, itemID string, qty int, notes string) (CartView, error) {
	return e.withCart(sid, func(c *cart.Cart) error {
		return c.AddWithNotes(strings.TrimSpace(itemID), qty, notes)
	})
}

// RemoveFromCart removes up to qty units of itemID from the session cart.
func (e *Engine) RemoveFromCart(sid, itemID string, qty int) (CartView, error) {
	return e.withCart(sid, func(c *cart.Cart) error {
		return c.Remove(strings.TrimSpace(itemID), qty)
	})
}

// SetCartQuantity sets the quantity of itemID; below 1 removes the line.
func (e *Engine) SetCartQuantity(sid, itemID string, qty int) (CartView, error) {
	return e.withCart(sid, func(c *cart.Cart) error {
		return c.SetQuantity(strings.TrimSpace(itemID), qty)
	})
}

// ViewCart returns the priced session cart.
func (e *Engine) ViewCart(sid string) (CartView, error) {
	return e.withCart(sid, func(*cart.Cart) error { return nil })
}

// ClearCart empties the session cart.
func (e *Engine) ClearCart(sid string) (CartView, error) {
	return e.withCart(sid, func(c *cart.Cart) error {
		c.Clear()
		return nil
	})
}

func (e *Engine) withCart(sid string, fn func(c *cart.Cart) error) (CartView, error) {
	s, err := e.sessions.Get(sid)
	if err != nil {
		return CartView{}, err
	}
	var view CartView
	err = s.Do(func(st *session.State) error {
		if err := fn(st.Cart); err != nil {
			return err
		}
		view = priced(st.Cart)
		return nil
	})
	return view, err
}

func priced(c *cart.Cart) CartView {
	p := c.Priced()
	return CartView{Lines: p.Lines, Total: p.Total, Unavailable: p.Unavailable}
}

// PlaceOrder turns the session cart into an order. The cart is cleared only
// after the order is durable.
func (e *Engine) PlaceOrder(ctx context.Context, sid string, in PlaceOrderInput) (order.Order, error) {
	s, err := e.sessions.Get(sid)
	if err != nil {
		return order.Order{}, err
	}

	var placed order.Order
	err = s.Do(func(st *session.State) error {
		name := strings.TrimSpace(in.CustomerName)
		if name == "" {
			name = st.CustomerName
		}
		o, err := e.orders.PlaceOrder(ctx, e, order.PlaceOrderRequest{
			CustomerName:    name,
			DeliveryAddress: in.DeliveryAddress,
			Items:           st.Cart.Snapshot(),
		})
		if err != nil {
			return err
		}
		st.Cart.Clear()
		st.CustomerName = o.CustomerName
		st.LastOrderID = o.ID
		placed = o
		return nil
	})
	return placed, err
}

// TrackOrder returns the order and its status history. A blank orderID
// tracks the last order placed in the session.
func (e *Engine) TrackOrder(ctx context.Context, sid, orderID string) (order.Order, error) {
	id, err := e.resolveOrderID(sid, orderID)
	if err != nil {
		return order.Order{}, err
	}
	return e.orders.Track(ctx, id)
}

// CancelOrder cancels an order that has not shipped. A blank orderID
// cancels the last order placed in the session.
func (e *Engine) CancelOrder(ctx context.Context, sid, orderID string) (order.Order, error) {
	id, err := e.resolveOrderID(sid, orderID)
	if err != nil {
		return order.Order{}, err
	}
	return e.orders.Cancel(ctx, id)
}

// AdvanceOrder moves the order one lifecycle stage forward.
func (e *Engine) AdvanceOrder(ctx context.Context, orderID string) (order.Order, error) {
	return e.orders.Advance(ctx, strings.TrimSpace(orderID))
}

// OrderHistory lists recent orders, newest first. A non-positive limit uses
// the engine default.
func (e *Engine) OrderHistory(ctx context.Context, customer string, limit int) ([]order.Order, error) {
	if limit <= 0 {
		limit = e.historyLimit
	}
	return e.orders.History(ctx, customer, limit)
}

// EndSession discards the session and its cart.
func (e *Engine) EndSession(sid string) bool {
	return e.sessions.End(sid)
}

func (e *Engine) resolveOrderID(sid, orderID string) (string, error) {
	if id := strings.TrimSpace(orderID); id != "" {
		return id, nil
	}
	if s, ok := e.sessions.Lookup(sid); ok {
		var last string
		_ = s.Do(func(st *session.State) error {
			last = st.LastOrderID
			return nil
		})
		if last != "" {
			return last, nil
		}
	}
	return "", failure.New(failure.InvalidInput, "shop.order", "order_id", "order id is required")
}
