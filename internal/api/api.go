// Package api binds the shop engine to JSON over HTTP.
package api

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-faster/jx"

	"github.com/xenking/quickcart/internal/domain/auth"
	"github.com/xenking/quickcart/internal/domain/catalog"
	"github.com/xenking/quickcart/internal/domain/order"
	"github.com/xenking/quickcart/internal/domain/search"
	"github.com/xenking/quickcart/internal/failure"
	"github.com/xenking/quickcart/internal/shop"
)

// Prefix is the path prefix of every API route.
const Prefix = "/api"

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 64 << 10

// Shop is the engine surface served over HTTP.
type Shop interface {
	Search(query string, limit int) []search.Result
	Item(id string) (catalog.Item, error)
	ReloadCatalog(ctx context.Context) (*catalog.Store, error)
	AddToCart(sid, itemID string, qty int, notes string) (shop.CartView, error)
	RemoveFromCart(sid, itemID string, qty int) (shop.CartView, error)
	SetCartQuantity(sid, itemID string, qty int) (shop.CartView, error)
	ViewCart(sid string) (shop.CartView, error)
	ClearCart(sid string) (shop.CartView, error)
	AddRecipe(sid, dish string, servings int) (shop.RecipeResult, error)
	PlaceOrder(ctx context.Context, sid string, in shop.PlaceOrderInput) (order.Order, error)
	TrackOrder(ctx context.Context, sid, orderID string) (order.Order, error)
	CancelOrder(ctx context.Context, sid, orderID string) (order.Order, error)
	AdvanceOrder(ctx context.Context, orderID string) (order.Order, error)
	OrderHistory(ctx context.Context, customer string, limit int) ([]order.Order, error)
	EndSession(sid string) bool
}

var _ Shop = (*shop.Engine)(nil)

// Handler serves the API routes.
type Handler struct {
	shop Shop
	auth Authenticator
}

// NewHandler creates a Handler over s.
func NewHandler(s Shop, opts ...Option) *Handler {
	h := &Handler{shop: s}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register adds every route to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	route := func(pattern string, fn http.HandlerFunc) {
		method, path, _ := strings.Cut(pattern, " ")
		mux.HandleFunc(method+" "+Prefix+path, fn)
	}

	route("GET /catalog/search", h.search)
	route("GET /catalog/items/{id}", h.item)
	route("POST /catalog/reload", h.operator(auth.ScopeCatalog, h.reload))

	route("DELETE /sessions/{sid}", h.endSession)
	route("GET /sessions/{sid}/cart", h.viewCart)
	route("DELETE /sessions/{sid}/cart", h.clearCart)
	route("POST /sessions/{sid}/cart/items", h.addItem)
	route("PUT /sessions/{sid}/cart/items/{id}", h.setQuantity)
	route("DELETE /sessions/{sid}/cart/items/{id}", h.removeItem)
	route("POST /sessions/{sid}/recipes", h.addRecipe)
	route("POST /sessions/{sid}/orders", h.placeOrder)
	route("GET /sessions/{sid}/orders/latest", h.trackLatest)
	route("POST /sessions/{sid}/orders/latest/cancel", h.cancelLatest)

	route("GET /orders", h.history)
	route("GET /orders/{id}", h.track)
	route("POST /orders/{id}/advance", h.operator(auth.ScopeOrders, h.advance))
	route("POST /orders/{id}/cancel", h.cancel)
}

func (h *Handler) search(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		writeError(w, r, err)
		return
	}
	q := r.URL.Query().Get("q")
	results := h.shop.Search(q, limit)
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeSearch(e, q, results) })
}

func (h *Handler) item(w http.ResponseWriter, r *http.Request) {
	it, err := h.shop.Item(r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeItem(e, it) })
}

func (h *Handler) reload(w http.ResponseWriter, r *http.Request) {
	store, err := h.shop.ReloadCatalog(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		meta := store.Meta()
		e.ObjStart()
		e.FieldStart("store_name")
		e.Str(meta.StoreName)
		e.FieldStart("currency")
		e.Str(meta.Currency)
		e.FieldStart("items")
		e.Int(store.Len())
		e.ObjEnd()
	})
}

func (h *Handler) endSession(w http.ResponseWriter, r *http.Request) {
	if !h.shop.EndSession(r.PathValue("sid")) {
		writeError(w, r, failure.New(failure.NotFound, "api.end_session", r.PathValue("sid"), "no such session"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) viewCart(w http.ResponseWriter, r *http.Request) {
	h.respondCart(w, r, h.shop.ViewCart)
}

func (h *Handler) clearCart(w http.ResponseWriter, r *http.Request) {
	h.respondCart(w, r, h.shop.ClearCart)
}

func (h *Handler) addItem(w http.ResponseWriter, r *http.Request) {
	var req cartItemRequest
	if err := decodeBody(w, r, req.decode); err != nil {
		writeError(w, r, err)
		return
	}
	if !req.hasQuantity {
		req.Quantity = 1
	}
	h.respondCart(w, r, func(sid string) (shop.CartView, error) {
		return h.shop.AddToCart(sid, req.ItemID, req.Quantity, req.Notes)
	})
}

func (h *Handler) setQuantity(w http.ResponseWriter, r *http.Request) {
	var req cartItemRequest
	if err := decodeBody(w, r, req.decode); err != nil {
		writeError(w, r, err)
		return
	}
	if !req.hasQuantity {
		writeError(w, r, failure.New(failure.InvalidInput, "api.set_quantity", "quantity", "quantity is required"))
		return
	}
	h.respondCart(w, r, func(sid string) (shop.CartView, error) {
		return h.shop.SetCartQuantity(sid, r.PathValue("id"), req.Quantity)
	})
}

func (h *Handler) removeItem(w http.ResponseWriter, r *http.Request) {
	// Without a quantity the whole line goes.
	qty, err := queryQuantity(r, math.MaxInt)
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.respondCart(w, r, func(sid string) (shop.CartView, error) {
		return h.shop.RemoveFromCart(sid, r.PathValue("id"), qty)
	})
}

func (h *Handler) respondCart(w http.ResponseWriter, r *http.Request, fn func(sid string) (shop.CartView, error)) {
	sid := r.PathValue("sid")
	view, err := fn(sid)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeCart(e, sid, view) })
}

func (h *Handler) addRecipe(w http.ResponseWriter, r *http.Request) {
	var req recipeRequest
	if err := decodeBody(w, r, req.decode); err != nil {
		writeError(w, r, err)
		return
	}
	dish, servings := req.Dish, req.Servings
	if req.Text != "" {
		dish, servings = shop.ParseRecipeRequest(req.Text)
	} else if servings == 0 {
		servings = 1
	}

	sid := r.PathValue("sid")
	res, err := h.shop.AddRecipe(sid, dish, servings)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeRecipe(e, sid, res) })
}

func (h *Handler) placeOrder(w http.ResponseWriter, r *http.Request) {
	var req placeOrderRequest
	if err := decodeBody(w, r, req.decode); err != nil {
		writeError(w, r, err)
		return
	}
	o, err := h.shop.PlaceOrder(r.Context(), r.PathValue("sid"), shop.PlaceOrderInput{
		CustomerName:    req.CustomerName,
		DeliveryAddress: req.DeliveryAddress,
	})
	h.respondOrder(w, r, http.StatusCreated, o, err)
}

func (h *Handler) trackLatest(w http.ResponseWriter, r *http.Request) {
	o, err := h.shop.TrackOrder(r.Context(), r.PathValue("sid"), "")
	h.respondOrder(w, r, http.StatusOK, o, err)
}

func (h *Handler) cancelLatest(w http.ResponseWriter, r *http.Request) {
	o, err := h.shop.CancelOrder(r.Context(), r.PathValue("sid"), "")
	h.respondOrder(w, r, http.StatusOK, o, err)
}

func (h *Handler) history(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		writeError(w, r, err)
		return
	}
	orders, err := h.shop.OrderHistory(r.Context(), r.URL.Query().Get("customer"), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.ObjStart()
		e.FieldStart("orders")
		e.ArrStart()
		for _, o := range orders {
			encodeOrder(e, o)
		}
		e.ArrEnd()
		e.ObjEnd()
	})
}

func (h *Handler) track(w http.ResponseWriter, r *http.Request) {
	o, err := h.shop.TrackOrder(r.Context(), "", r.PathValue("id"))
	h.respondOrder(w, r, http.StatusOK, o, err)
}

func (h *Handler) advance(w http.ResponseWriter, r *http.Request) {
	o, err := h.shop.AdvanceOrder(r.Context(), r.PathValue("id"))
	h.respondOrder(w, r, http.StatusOK, o, err)
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	o, err := h.shop.CancelOrder(r.Context(), "", r.PathValue("id"))
	h.respondOrder(w, r, http.StatusOK, o, err)
}

func (h *Handler) respondOrder(w http.ResponseWriter, r *http.Request, status int, o order.Order, err error) {
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, status, func(e *jx.Encoder) { encodeOrder(e, o) })
}

// queryQuantity reads the quantity parameter. A non-integer quantity is
// reported as a bad quantity.
func queryQuantity(r *http.Request, def int) (int, error) {
	n, err := queryInt(r, "quantity", def)
	if err != nil {
		return 0, failure.New(failure.InvalidQuantity, "api.query", "quantity", "quantity must be an integer")
	}
	return n, nil
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, failure.New(failure.InvalidInput, "api.query", name, "must be an integer")
	}
	return n, nil
}
