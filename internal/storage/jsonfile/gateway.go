// Package jsonfile persists the catalog and the order ledger as JSON files.
//
// The Gateway is the only writer of the ledger file. Mutations run under an
// in-process semaphore and an OS file lock on "<ledger>.lock", so several
// processes may share one ledger. Every write goes through a temp file and a
// rename, which means readers never observe a partially written ledger and
// can proceed without taking the lock.
package jsonfile

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-faster/errors"
	"github.com/gofrs/flock"
	"github.com/moby/sys/atomicwriter"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"

	"github.com/xenking/quickcart/internal/domain/order"
	"github.com/xenking/quickcart/internal/failure"
)

const (
	defaultLockTimeout   = 2 * time.Second
	defaultIORetries     = 3
	defaultRetryInterval = 20 * time.Millisecond

	lockPollInterval = 5 * time.Millisecond
	filePerm         = 0o644
)

// Config describes the files managed by a Gateway.
type Config struct {
	CatalogPath string
	LedgerPath  string
	// LockTimeout bounds how long a mutation waits for exclusive access
	// before failing with failure.Busy.
	LockTimeout time.Duration
	// IORetries is the number of retries after a failed filesystem call.
	IORetries int
	// RetryInterval is the initial backoff between retries.
	RetryInterval time.Duration
}

func (c *Config) setDefaults() {
	if c.LockTimeout <= 0 {
		c.LockTimeout = defaultLockTimeout
	}
	if c.IORetries < 0 {
		c.IORetries = 0
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = defaultRetryInterval
	}
}

// Option configures a Gateway.
type Option func(*options)

type options struct {
	lg            *zap.Logger
	meterProvider metric.MeterProvider
}

// WithLogger sets the gateway logger.
func WithLogger(lg *zap.Logger) Option {
	return func(o *options) { o.lg = lg }
}

// WithMeterProvider sets the meter provider used for lock wait metrics.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) { o.meterProvider = mp }
}

// Gateway reads and writes the catalog and ledger files.
type Gateway struct {
	cfg      Config
	lg       *zap.Logger
	sem      chan struct{}
	lock     *flock.Flock
	closed   atomic.Bool
	lockWait metric.Float64Histogram

	mu   sync.Mutex
	snap *ledgerSnapshot
}

// ledgerSnapshot is an immutable decode of a committed ledger file.
type ledgerSnapshot struct {
	info   os.FileInfo
	orders []order.Order
	index  map[string]int
}

func newSnapshot(info os.FileInfo, orders []order.Order) *ledgerSnapshot {
	s := &ledgerSnapshot{
		info:   info,
		orders: orders,
		index:  make(map[string]int, len(orders)),
	}
	for i, o := range orders {
		s.index[o.ID] = i
	}
	return s
}

func (s *ledgerSnapshot) matches(info os.FileInfo) bool {
	return s.info != nil &&
		os.SameFile(s.info, info) &&
		s.info.Size() == info.Size() &&
		s.info.ModTime().Equal(info.ModTime())
}

// Open prepares the ledger directory and creates an empty ledger file when
// none exists.
func Open(ctx context.Context, cfg Config, opts ...Option) (*Gateway, error) {
	if cfg.LedgerPath == "" {
		return nil, errors.New("ledger path is required")
	}
	cfg.setDefaults()

	o := options{
		lg:            zap.NewNop(),
		meterProvider: metricnoop.NewMeterProvider(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	lockWait, err := o.meterProvider.Meter("quickcart/jsonfile").Float64Histogram(
		"quickcart.ledger.lock_wait",
		metric.WithDescription("Time spent waiting for exclusive ledger access"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create lock wait histogram")
	}

	if err := os.MkdirAll(filepath.Dir(cfg.LedgerPath), 0o755); err != nil {
		return nil, failure.Wrap(failure.IOError, "ledger.open", cfg.LedgerPath, err)
	}

	g := &Gateway{
		cfg:      cfg,
		lg:       o.lg,
		sem:      make(chan struct{}, 1),
		lock:     flock.New(cfg.LedgerPath + ".lock"),
		lockWait: lockWait,
	}
	if err := g.ensureLedger(ctx); err != nil {
		_ = g.lock.Close()
		return nil, err
	}
	return g, nil
}

func (g *Gateway) ensureLedger(ctx context.Context) error {
	const op = "ledger.open"

	release, err := g.acquire(ctx, op)
	if err != nil {
		return err
	}
	defer release()

	_, err = os.Stat(g.cfg.LedgerPath)
	switch {
	case err == nil:
		return nil
	case !errors.Is(err, fs.ErrNotExist):
		return failure.Wrap(failure.IOError, op, g.cfg.LedgerPath, err)
	}

	g.lg.Info("Creating empty ledger", zap.String("path", g.cfg.LedgerPath))
	return g.writeFile(ctx, op, g.cfg.LedgerPath, []byte("[]\n"))
}

// Close waits for an in-flight mutation and releases the lock file. Later
// calls fail with failure.IOError.
func (g *Gateway) Close() error {
	if !g.closed.CompareAndSwap(false, true) {
		return nil
	}
	g.sem <- struct{}{}
	if err := g.lock.Close(); err != nil {
		return failure.Wrap(failure.IOError, "ledger.close", g.lock.Path(), err)
	}
	return nil
}

// LedgerPath returns the path of the ledger file.
func (g *Gateway) LedgerPath() string { return g.cfg.LedgerPath }

// CatalogPath returns the path of the catalog file.
func (g *Gateway) CatalogPath() string { return g.cfg.CatalogPath }

// ReadLedger returns the last committed ledger. It does not take the lock.
func (g *Gateway) ReadLedger(ctx context.Context) ([]order.Order, error) {
	snap, err := g.loadLedger(ctx, "ledger.read")
	if err != nil {
		return nil, err
	}
	return cloneOrders(snap.orders), nil
}

// WriteLedger replaces the ledger with orders.
func (g *Gateway) WriteLedger(ctx context.Context, orders []order.Order) error {
	return g.Update(ctx, func([]order.Order) ([]order.Order, error) {
		return orders, nil
	})
}

// Update runs fn on the current ledger under exclusive access and commits
// the slice it returns. Nothing is written when fn fails. Once the lock is
// held the write runs to completion even if ctx is cancelled.
func (g *Gateway) Update(ctx context.Context, fn func(orders []order.Order) ([]order.Order, error)) error {
	const op = "ledger.update"

	release, err := g.acquire(ctx, op)
	if err != nil {
		return err
	}
	defer release()

	ctx = context.WithoutCancel(ctx)
	snap, err := g.loadLedger(ctx, op)
	if err != nil {
		return err
	}
	next, err := fn(cloneOrders(snap.orders))
	if err != nil {
		return err
	}
	return g.commit(ctx, op, next)
}

// Check reports whether the ledger is readable and well formed.
func (g *Gateway) Check(ctx context.Context) error {
	_, err := g.loadLedger(ctx, "ledger.check")
	return err
}

func (g *Gateway) acquire(ctx context.Context, op string) (func(), error) {
	if g.closed.Load() {
		return nil, g.errClosed(op)
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, g.cfg.LockTimeout)
	defer cancel()

	select {
	case g.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, g.lockFailed(ctx, op, ctx.Err())
	}
	if g.closed.Load() {
		<-g.sem
		return nil, g.errClosed(op)
	}

	locked, err := g.lock.TryLockContext(ctx, lockPollInterval)
	if err != nil || !locked {
		<-g.sem
		return nil, g.lockFailed(ctx, op, err)
	}
	g.lockWait.Record(ctx, time.Since(start).Seconds())

	return func() {
		if err := g.lock.Unlock(); err != nil {
			g.lg.Warn("Release ledger lock", zap.Error(err))
		}
		<-g.sem
	}, nil
}

func (g *Gateway) lockFailed(ctx context.Context, op string, err error) error {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return failure.New(failure.Busy, op, g.cfg.LedgerPath,
			fmt.Sprintf("ledger lock not acquired within %s", g.cfg.LockTimeout))
	case ctx.Err() != nil:
		return errors.Wrap(ctx.Err(), op)
	default:
		return failure.Wrap(failure.IOError, op, g.lock.Path(), err)
	}
}

func (g *Gateway) errClosed(op string) error {
	return failure.New(failure.IOError, op, g.cfg.LedgerPath, "gateway is closed")
}

func (g *Gateway) loadLedger(ctx context.Context, op string) (*ledgerSnapshot, error) {
	if g.closed.Load() {
		return nil, g.errClosed(op)
	}

	var (
		snap *ledgerSnapshot
		info os.FileInfo
		data []byte
	)
	err := g.retry(ctx, func() error {
		f, err := os.Open(g.cfg.LedgerPath)
		if err != nil {
			return err
		}
		defer func() { _ = f.Close() }()

		if info, err = f.Stat(); err != nil {
			return err
		}
		if snap = g.cached(info); snap != nil {
			return nil
		}
		data, err = io.ReadAll(f)
		return err
	})
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return newSnapshot(nil, nil), nil
	case err != nil:
		return nil, failure.Wrap(failure.IOError, op, g.cfg.LedgerPath, err)
	case snap != nil:
		return snap, nil
	}

	orders, err := decodeLedger(data)
	if err != nil {
		return nil, failure.Wrap(failure.CorruptData, op, g.cfg.LedgerPath, err)
	}
	snap = newSnapshot(info, orders)
	g.store(snap)
	return snap, nil
}

func (g *Gateway) cached(info os.FileInfo) *ledgerSnapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.snap != nil && g.snap.matches(info) {
		return g.snap
	}
	return nil
}

func (g *Gateway) store(snap *ledgerSnapshot) {
	g.mu.Lock()
	g.snap = snap
	g.mu.Unlock()
}

func (g *Gateway) commit(ctx context.Context, op string, orders []order.Order) error {
	data, err := encodeLedger(orders)
	if err != nil {
		return failure.Wrap(failure.CorruptData, op, g.cfg.LedgerPath, err)
	}
	if err := g.writeFile(ctx, op, g.cfg.LedgerPath, data); err != nil {
		return err
	}

	info, err := os.Stat(g.cfg.LedgerPath)
	if err != nil {
		g.store(nil)
		return nil
	}
	g.store(newSnapshot(info, cloneOrders(orders)))
	return nil
}

func (g *Gateway) writeFile(ctx context.Context, op, path string, data []byte) error {
	err := g.retry(ctx, func() error {
		return atomicwriter.WriteFile(path, data, filePerm)
	})
	if err != nil {
		return failure.Wrap(failure.IOError, op, path, err)
	}
	return nil
}

func (g *Gateway) readFile(ctx context.Context, path string) ([]byte, error) {
	var data []byte
	err := g.retry(ctx, func() error {
		var err error
		data, err = os.ReadFile(path)
		return err
	})
	return data, err
}

// retry runs fn with exponential backoff. Missing files and permission
// errors are not retried.
func (g *Gateway) retry(ctx context.Context, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = g.cfg.RetryInterval
	b.MaxInterval = 10 * g.cfg.RetryInterval

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := fn()
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(g.cfg.IORetries)+1),
		backoff.WithNotify(func(err error, next time.Duration) {
			g.lg.Debug("Retrying file operation", zap.Error(err), zap.Duration("next", next))
		}),
	)
	return err
}

func decodeLedger(data []byte) ([]order.Order, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var records []orderRecord
	if err := dec.Decode(&records); err != nil {
		return nil, errors.Wrap(err, "decode ledger")
	}

	orders := make([]order.Order, 0, len(records))
	seen := make(map[string]struct{}, len(records))
	for i, r := range records {
		o, err := r.order()
		if err != nil {
			return nil, errors.Wrapf(err, "order #%d (%s)", i, r.ID)
		}
		if _, dup := seen[o.ID]; dup {
			return nil, errors.Errorf("duplicate order id %s", o.ID)
		}
		seen[o.ID] = struct{}{}
		orders = append(orders, o)
	}
	return orders, nil
}

func encodeLedger(orders []order.Order) ([]byte, error) {
	records := make([]orderRecord, 0, len(orders))
	seen := make(map[string]struct{}, len(orders))
	for _, o := range orders {
		if err := o.Validate(); err != nil {
			return nil, errors.Wrapf(err, "order %s", o.ID)
		}
		if _, dup := seen[o.ID]; dup {
			return nil, errors.Errorf("duplicate order id %s", o.ID)
		}
		seen[o.ID] = struct{}{}
		records = append(records, newOrderRecord(o))
	}

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return nil, errors.Wrap(err, "encode ledger")
	}
	return append(data, '\n'), nil
}

func cloneOrders(orders []order.Order) []order.Order {
	out := make([]order.Order, len(orders))
	for i, o := range orders {
		out[i] = o.Clone()
	}
	return out
}
