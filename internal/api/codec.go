package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xenking/quickcart/internal/domain/catalog"
	"github.com/xenking/quickcart/internal/domain/order"
	"github.com/xenking/quickcart/internal/domain/search"
	"github.com/xenking/quickcart/internal/failure"
	"github.com/xenking/quickcart/internal/shop"
)

type cartItemRequest struct {
	ItemID      string
	Quantity    int
	Notes       string
	hasQuantity bool
}

func (req *cartItemRequest) decode(d *jx.Decoder) error {
	return d.Obj(func(d *jx.Decoder, key string) error {
		switch key {
		case "item_id":
			v, err := d.Str()
			req.ItemID = v
			return err
		case "notes":
			v, err := d.Str()
			req.Notes = v
			return err
		case "quantity":
			v, err := d.Int()
			if err != nil {
				return failure.Wrap(failure.InvalidQuantity, "api.decode", "quantity", err)
			}
			req.Quantity, req.hasQuantity = v, true
			return nil
		default:
			return d.Skip()
		}
	})
}

type recipeRequest struct {
	Text     string
	Dish     string
	Servings int
}

func (req *recipeRequest) decode(d *jx.Decoder) error {
	return d.Obj(func(d *jx.Decoder, key string) error {
		switch key {
		case "text":
			v, err := d.Str()
			req.Text = v
			return err
		case "dish":
			v, err := d.Str()
			req.Dish = v
			return err
		case "servings":
			v, err := d.Int()
			if err != nil {
				return failure.Wrap(failure.InvalidQuantity, "api.decode", "servings", err)
			}
			req.Servings = v
			return nil
		default:
			return d.Skip()
		}
	})
}

type placeOrderRequest struct {
	CustomerName    string
	DeliveryAddress string
}

func (req *placeOrderRequest) decode(d *jx.Decoder) error {
	return d.Obj(func(d *jx.Decoder, key string) error {
		switch key {
		case "customer_name":
			v, err := d.Str()
			req.CustomerName = v
			return err
		case "delivery_address":
			v, err := d.Str()
			req.DeliveryAddress = v
			return err
		default:
			return d.Skip()
		}
	})
}

// decodeBody runs fn over the request body. An empty body decodes to the
// zero request.
func decodeBody(w http.ResponseWriter, r *http.Request, fn func(d *jx.Decoder) error) error {
	if r.ContentLength == 0 {
		return nil
	}
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	d := jx.Decode(body, 4096)
	if d.Next() == jx.Invalid {
		// Chunked request with no content.
		return nil
	}
	if err := fn(d); err != nil {
		if failure.KindOf(err) != "" {
			return err
		}
		return failure.Wrap(failure.InvalidInput, "api.decode", "body", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, fn func(e *jx.Encoder)) {
	var e jx.Encoder
	fn(&e)
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(e.Bytes())))
	w.WriteHeader(status)
	_, _ = w.Write(e.Bytes())
}

// statusOf maps an error kind to its HTTP status.
func statusOf(kind failure.Kind) int {
	switch kind {
	case failure.NotFound:
		return http.StatusNotFound
	case failure.InvalidQuantity:
		return http.StatusUnprocessableEntity
	case failure.InvalidInput:
		return http.StatusBadRequest
	case failure.InvalidTransition:
		return http.StatusConflict
	case failure.Busy:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := failure.KindOf(err)
	status := statusOf(kind)
	kindName := string(kind)
	if kindName == "" {
		kindName = "internal"
	}

	message := err.Error()
	if status >= http.StatusInternalServerError {
		zctx.From(r.Context()).Error("Request failed",
			zap.String("kind", kindName),
			zap.Error(err),
		)
		if kind == "" {
			message = "internal server error"
		}
	}
	if errors.Is(err, failure.Busy) {
		w.Header().Set("Retry-After", "1")
	}

	writeJSON(w, status, func(e *jx.Encoder) {
		e.ObjStart()
		e.FieldStart("code")
		e.Int(status)
		e.FieldStart("kind")
		e.Str(kindName)
		if subject := failure.SubjectOf(err); subject != "" {
			e.FieldStart("subject")
			e.Str(subject)
		}
		e.FieldStart("message")
		e.Str(message)
		e.ObjEnd()
	})
}

func encodeMoney(e *jx.Encoder, d decimal.Decimal) {
	e.RawStr(d.StringFixed(2))
}

func encodeItem(e *jx.Encoder, it catalog.Item) {
	e.ObjStart()
	e.FieldStart("id")
	e.Str(it.ID)
	e.FieldStart("name")
	e.Str(it.Name)
	if it.Brand != "" {
		e.FieldStart("brand")
		e.Str(it.Brand)
	}
	e.FieldStart("tags")
	e.ArrStart()
	for _, tag := range it.Tags {
		e.Str(tag)
	}
	e.ArrEnd()
	e.FieldStart("price")
	encodeMoney(e, it.Price)
	if it.Unit != "" {
		e.FieldStart("unit")
		e.Str(it.Unit)
	}
	if it.Category != "" {
		e.FieldStart("category")
		e.Str(it.Category)
	}
	if it.Size != "" {
		e.FieldStart("size")
		e.Str(it.Size)
	}
	e.ObjEnd()
}

func encodeSearch(e *jx.Encoder, query string, results []search.Result) {
	e.ObjStart()
	e.FieldStart("query")
	e.Str(query)
	e.FieldStart("results")
	e.ArrStart()
	for _, res := range results {
		e.ObjStart()
		e.FieldStart("item")
		encodeItem(e, res.Item)
		e.FieldStart("score")
		e.Float64(res.Score)
		e.ObjEnd()
	}
	e.ArrEnd()
	e.ObjEnd()
}

func encodeCart(e *jx.Encoder, sid string, view shop.CartView) {
	e.ObjStart()
	e.FieldStart("session_id")
	e.Str(sid)
	e.FieldStart("lines")
	e.ArrStart()
	for _, l := range view.Lines {
		e.ObjStart()
		e.FieldStart("item_id")
		e.Str(l.ItemID)
		e.FieldStart("name")
		e.Str(l.Item.Name)
		e.FieldStart("quantity")
		e.Int(l.Quantity)
		e.FieldStart("unit_price")
		encodeMoney(e, l.Item.Price)
		e.FieldStart("subtotal")
		encodeMoney(e, l.Subtotal)
		encodeNotes(e, l.Notes)
		e.ObjEnd()
	}
	e.ArrEnd()
	if len(view.Unavailable) > 0 {
		e.FieldStart("unavailable")
		e.ArrStart()
		for _, l := range view.Unavailable {
			e.ObjStart()
			e.FieldStart("item_id")
			e.Str(l.ItemID)
			e.FieldStart("quantity")
			e.Int(l.Quantity)
			encodeNotes(e, l.Notes)
			e.ObjEnd()
		}
		e.ArrEnd()
	}
	e.FieldStart("total")
	encodeMoney(e, view.Total)
	e.ObjEnd()
}

func encodeNotes(e *jx.Encoder, notes string) {
	if notes != "" {
		e.FieldStart("notes")
		e.Str(notes)
	}
}

func encodeRecipe(e *jx.Encoder, sid string, res shop.RecipeResult) {
	e.ObjStart()
	e.FieldStart("dish")
	e.Str(res.Dish)
	e.FieldStart("servings")
	e.Int(res.Servings)
	e.FieldStart("added")
	e.ArrStart()
	for _, it := range res.Added {
		e.Str(it.ID)
	}
	e.ArrEnd()
	e.FieldStart("cart")
	encodeCart(e, sid, res.Cart)
	e.ObjEnd()
}

func encodeOrder(e *jx.Encoder, o order.Order) {
	e.ObjStart()
	e.FieldStart("order_id")
	e.Str(o.ID)
	e.FieldStart("customer_name")
	e.Str(o.CustomerName)
	if o.DeliveryAddress != "" {
		e.FieldStart("delivery_address")
		e.Str(o.DeliveryAddress)
	}
	e.FieldStart("status")
	e.Str(string(o.Status))
	e.FieldStart("total")
	encodeMoney(e, o.Total)
	e.FieldStart("placed_at")
	e.Str(o.PlacedAt.UTC().Format(time.RFC3339Nano))

	e.FieldStart("lines")
	e.ArrStart()
	for _, l := range o.Lines {
		e.ObjStart()
		e.FieldStart("item_id")
		e.Str(l.ItemID)
		e.FieldStart("name")
		e.Str(l.Name)
		e.FieldStart("quantity")
		e.Int(l.Quantity)
		e.FieldStart("unit_price")
		encodeMoney(e, l.UnitPrice)
		encodeNotes(e, l.Notes)
		e.ObjEnd()
	}
	e.ArrEnd()

	e.FieldStart("status_history")
	e.ArrStart()
	for _, c := range o.History {
		e.ObjStart()
		e.FieldStart("status")
		e.Str(string(c.Status))
		e.FieldStart("at")
		e.Str(c.At.UTC().Format(time.RFC3339Nano))
		e.ObjEnd()
	}
	e.ArrEnd()
	e.ObjEnd()
}
