package order

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/xenking/quickcart/internal/domain/cart"
	"github.com/xenking/quickcart/internal/domain/catalog"
	"github.com/xenking/quickcart/internal/failure"
)

// Catalog resolves catalog items at placement time.
type Catalog interface {
	Get(id string) (catalog.Item, error)
}

// PlaceOrderRequest holds the input for placing an order.
type PlaceOrderRequest struct {
	CustomerName    string
	DeliveryAddress string
	Items           cart.Snapshot
}

// Service owns order placement and every later lifecycle transition.
type Service struct {
	ledger Ledger
	events Publisher
	lg     *zap.Logger
	now    func() time.Time
	newID  func() (string, error)

	tracer      trace.Tracer
	placed      metric.Int64Counter
	transitions metric.Int64Counter
}

// Option configures a Service.
type Option func(*serviceOptions)

type serviceOptions struct {
	events         Publisher
	lg             *zap.Logger
	now            func() time.Time
	newID          func() (string, error)
	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider
}

// WithPublisher sets the lifecycle event publisher.
func WithPublisher(p Publisher) Option {
	return func(o *serviceOptions) { o.events = p }
}

// WithLogger sets the service logger.
func WithLogger(lg *zap.Logger) Option {
	return func(o *serviceOptions) { o.lg = lg }
}

// WithClock overrides the time source used for status timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *serviceOptions) { o.now = now }
}

// WithIDGenerator overrides order id generation.
func WithIDGenerator(gen func() (string, error)) Option {
	return func(o *serviceOptions) { o.newID = gen }
}

// WithMeterProvider sets the meter provider for order metrics.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *serviceOptions) { o.meterProvider = mp }
}

// WithTracerProvider sets the tracer provider for order spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *serviceOptions) { o.tracerProvider = tp }
}

// NewID returns a time-ordered UUIDv7 string.
func NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", errors.Wrap(err, "generate order id")
	}
	return id.String(), nil
}

// NewService creates an order Service persisting through ledger.
func NewService(ledger Ledger, opts ...Option) (*Service, error) {
	o := serviceOptions{
		events:         NopPublisher{},
		lg:             zap.NewNop(),
		now:            time.Now,
		newID:          NewID,
		meterProvider:  metricnoop.NewMeterProvider(),
		tracerProvider: tracenoop.NewTracerProvider(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	meter := o.meterProvider.Meter("quickcart/order")
	placed, err := meter.Int64Counter("quickcart.orders.placed",
		metric.WithDescription("Orders placed"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create placed counter")
	}
	transitions, err := meter.Int64Counter("quickcart.orders.transitions",
		metric.WithDescription("Order lifecycle transitions by target status"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create transitions counter")
	}

	return &Service{
		ledger:      ledger,
		events:      o.events,
		lg:          o.lg,
		now:         o.now,
		newID:       o.newID,
		tracer:      o.tracerProvider.Tracer("quickcart/order"),
		placed:      placed,
		transitions: transitions,
	}, nil
}

// PlaceOrder freezes the cart snapshot into a new order priced from cat,
// appends it to the ledger and returns it.
func (s *Service) PlaceOrder(ctx context.Context, cat Catalog, req PlaceOrderRequest) (_ Order, rerr error) {
	ctx, span := s.tracer.Start(ctx, "order.PlaceOrder")
	defer func() { endSpan(span, rerr) }()

	const op = "order.place"

	customer := strings.TrimSpace(req.CustomerName)
	if customer == "" {
		return Order{}, failure.New(failure.InvalidInput, op, "customer_name", "customer name is required")
	}
	if req.Items.Len() == 0 {
		return Order{}, failure.New(failure.InvalidInput, op, "cart", "cart is empty")
	}

	// Freeze names and prices as of now; later catalog changes do not touch
	// the order.
	items := req.Items.Lines()
	lines := make([]Line, 0, len(items))
	for _, it := range items {
		if it.Quantity < 1 {
			return Order{}, failure.New(failure.InvalidQuantity, op, it.ItemID, "quantity must be at least 1")
		}
		ci, err := cat.Get(it.ItemID)
		if err != nil {
			return Order{}, err
		}
		lines = append(lines, Line{
			ItemID:    ci.ID,
			Name:      ci.Name,
			Quantity:  it.Quantity,
			UnitPrice: ci.Price,
			Notes:     it.Notes,
		})
	}

	id, err := s.newID()
	if err != nil {
		return Order{}, err
	}
	now := s.now().UTC()
	o := Order{
		ID:              id,
		CustomerName:    customer,
		DeliveryAddress: strings.TrimSpace(req.DeliveryAddress),
		Lines:           lines,
		Total:           computeTotal(lines),
		Status:          StatusReceived,
		History:         []StatusChange{{Status: StatusReceived, At: now}},
		PlacedAt:        now,
	}
	if err := s.ledger.Append(ctx, o); err != nil {
		return Order{}, errors.Wrap(err, "append order")
	}

	span.SetAttributes(attribute.String("order.id", o.ID))
	s.placed.Add(ctx, 1)
	s.lg.Info("Order placed",
		zap.String("order_id", o.ID),
		zap.String("customer", o.CustomerName),
		zap.Int("lines", len(o.Lines)),
		zap.Stringer("total", o.Total),
	)
	s.publish(ctx, o)

	return o.Clone(), nil
}

// Advance moves the order exactly one stage forward. A terminal order fails
// with failure.InvalidTransition so callers can detect completion.
func (s *Service) Advance(ctx context.Context, id string) (Order, error) {
	return s.transition(ctx, "order.advance", id, func(o *Order) (Status, error) {
		next, ok := o.Status.Next()
		if !ok {
			return "", failure.New(failure.InvalidTransition, "order.advance", id,
				"order is "+string(o.Status))
		}
		return next, nil
	})
}

// TransitionTo moves the order to an explicit target, which must be the
// immediate successor or, where allowed, cancelled.
func (s *Service) TransitionTo(ctx context.Context, id string, to Status) (Order, error) {
	if !to.Valid() {
		return Order{}, failure.New(failure.InvalidInput, "order.transition", string(to), "unknown status")
	}
	return s.transition(ctx, "order.transition", id, func(*Order) (Status, error) {
		return to, nil
	})
}

// Cancel cancels an order that has not shipped yet.
func (s *Service) Cancel(ctx context.Context, id string) (Order, error) {
	return s.transition(ctx, "order.cancel", id, func(o *Order) (Status, error) {
		if !o.Status.Cancellable() {
			return "", failure.New(failure.InvalidTransition, "order.cancel", id,
				"order is "+string(o.Status))
		}
		return StatusCancelled, nil
	})
}

func (s *Service) transition(
	ctx context.Context,
	op, id string,
	target func(*Order) (Status, error),
) (_ Order, rerr error) {
	ctx, span := s.tracer.Start(ctx, op, trace.WithAttributes(attribute.String("order.id", id)))
	defer func() { endSpan(span, rerr) }()

	o, err := s.ledger.Modify(ctx, id, func(o *Order) error {
		to, err := target(o)
		if err != nil {
			return err
		}
		return o.apply(op, to, s.now().UTC())
	})
	if err != nil {
		return Order{}, err
	}

	s.transitions.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(o.Status))))
	s.lg.Info("Order status changed",
		zap.String("order_id", o.ID),
		zap.String("status", string(o.Status)),
	)
	s.publish(ctx, o)

	return o, nil
}

// Track returns the committed order with its full status history. It never
// mutates the ledger.
func (s *Service) Track(ctx context.Context, id string) (Order, error) {
	return s.ledger.Get(ctx, id)
}

// History returns up to limit orders, newest first, optionally restricted to
// a customer name (case-insensitive). A limit of zero or less means no cap.
func (s *Service) History(ctx context.Context, customer string, limit int) ([]Order, error) {
	all, err := s.ledger.List(ctx)
	if err != nil {
		return nil, err
	}
	customer = strings.TrimSpace(customer)

	var out []Order
	for _, o := range slices.Backward(all) {
		if customer != "" && !strings.EqualFold(o.CustomerName, customer) {
			continue
		}
		out = append(out, o)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Active returns every order that has not reached a terminal status.
func (s *Service) Active(ctx context.Context) ([]Order, error) {
	all, err := s.ledger.List(ctx)
	if err != nil {
		return nil, err
	}
	return slices.DeleteFunc(all, func(o Order) bool { return o.Status.Terminal() }), nil
}

func (s *Service) publish(ctx context.Context, o Order) {
	last := o.LastChange()
	id, err := uuid.NewRandom()
	if err != nil {
		s.lg.Warn("Generate event id", zap.Error(err))
		return
	}
	ev := Event{
		ID:           id.String(),
		OrderID:      o.ID,
		CustomerName: o.CustomerName,
		Status:       last.Status,
		At:           last.At,
	}
	if err := s.events.Publish(ctx, ev); err != nil {
		s.lg.Warn("Publish order event",
			zap.String("order_id", o.ID),
			zap.String("status", string(last.Status)),
			zap.Error(err),
		)
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
