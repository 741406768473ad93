// Package delivery moves placed orders through the delivery stages on a
// timer, standing in for a real fulfilment backend.
package delivery

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/xenking/quickcart/internal/domain/order"
	"github.com/xenking/quickcart/internal/failure"
)

// Defaults for Config.
const (
	DefaultInterval   = time.Second
	DefaultStageDelay = 5 * time.Second
)

// Orders is the subset of order.Service the simulator drives.
type Orders interface {
	Active(ctx context.Context) ([]order.Order, error)
	Advance(ctx context.Context, id string) (order.Order, error)
}

// Config controls simulation pacing.
type Config struct {
	// Interval between scans of the active orders.
	Interval time.Duration
	// StageDelay is how long an order stays in a stage before advancing.
	StageDelay time.Duration
}

// Simulator advances every active order one stage once it has spent
// StageDelay in its current stage. Cancelled and delivered orders are left
// alone.
type Simulator struct {
	orders Orders
	cfg    Config
	now    func() time.Time
	lg     *zap.Logger

	lastTick atomic.Int64
}

// Option configures a Simulator.
type Option func(*Simulator)

// WithLogger sets the simulator logger.
func WithLogger(lg *zap.Logger) Option {
	return func(s *Simulator) { s.lg = lg }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Simulator) { s.now = now }
}

// New creates a Simulator. Zero config fields take the defaults.
func New(orders Orders, cfg Config, opts ...Option) *Simulator {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.StageDelay <= 0 {
		cfg.StageDelay = DefaultStageDelay
	}
	s := &Simulator{
		orders: orders,
		cfg:    cfg,
		now:    time.Now,
		lg:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run scans and advances orders every Interval until ctx is done. Tick
// failures are logged and retried on the next scan.
func (s *Simulator) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.Tick(ctx); err != nil {
				if ctx.Err() == nil {
					s.lg.Warn("Delivery tick failed", zap.Error(err))
				}
				continue
			}
			s.lastTick.Store(s.now().UnixNano())
		}
	}
}

// LastTick returns when the last successful scan finished, or the zero
// time before the first one.
func (s *Simulator) LastTick() time.Time {
	n := s.lastTick.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Tick performs a single scan and returns how many orders advanced.
func (s *Simulator) Tick(ctx context.Context) (int, error) {
	active, err := s.orders.Active(ctx)
	if err != nil {
		return 0, err
	}

	now := s.now()
	var advanced int
	for _, o := range active {
		if now.Sub(o.LastChange().At) < s.cfg.StageDelay {
			continue
		}
		next, err := s.orders.Advance(ctx, o.ID)
		switch {
		case err == nil:
			advanced++
			s.lg.Info("Order advanced",
				zap.String("order_id", next.ID),
				zap.String("status", string(next.Status)),
			)
		case failure.KindOf(err) == failure.InvalidTransition:
			// Cancelled or finished since the scan.
			s.lg.Debug("Order no longer advances", zap.String("order_id", o.ID))
		case failure.Retryable(err):
			s.lg.Debug("Ledger busy, retrying next tick", zap.String("order_id", o.ID))
		default:
			return advanced, err
		}
	}
	return advanced, nil
}
