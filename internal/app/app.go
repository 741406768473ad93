package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/quickcart/db"
	"github.com/xenking/quickcart/internal/api"
	"github.com/xenking/quickcart/internal/delivery"
	"github.com/xenking/quickcart/internal/domain/auth"
	"github.com/xenking/quickcart/internal/domain/catalog"
	"github.com/xenking/quickcart/internal/domain/order"
	"github.com/xenking/quickcart/internal/domain/search"
	"github.com/xenking/quickcart/internal/events"
	"github.com/xenking/quickcart/internal/shop"
	"github.com/xenking/quickcart/internal/storage/jsonfile"
	"github.com/xenking/quickcart/internal/storage/postgres"
	"github.com/xenking/quickcart/pkg/health"
	"github.com/xenking/quickcart/pkg/httpmiddleware"
)

// storage is the catalog source and ledger picked by the storage driver.
type storage struct {
	catalog catalog.Source
	ledger  order.Ledger
	apiKeys auth.Repository
	check   health.CheckFunc
	close   func()
}

// Run creates all dependencies, starts the HTTP server and the background
// workers, and handles graceful shutdown. It is the single wiring point for
// the application.
func Run(ctx context.Context, lg *zap.Logger, m httpmiddleware.TelemetryProvider, cfg *Config) error {
	lg.Info("Initializing",
		zap.String("addr", cfg.Addr),
		zap.String("storage", cfg.Storage.Driver),
	)

	st, err := openStorage(ctx, lg, m.MeterProvider(), cfg.Storage)
	if err != nil {
		return err
	}
	defer st.close()

	orderOpts := []order.Option{
		order.WithLogger(lg.Named("order")),
		order.WithMeterProvider(m.MeterProvider()),
		order.WithTracerProvider(m.TracerProvider()),
	}
	if ec := (events.Config{
		Brokers:      events.ParseBrokers(cfg.Events.Brokers),
		Topic:        cfg.Events.Topic,
		WriteTimeout: cfg.Events.WriteTimeout,
	}); ec.Enabled() {
		pub := events.NewPublisher(events.NewWriter(ec), lg.Named("events"))
		defer func() {
			if err := pub.Close(); err != nil {
				lg.Warn("Close event publisher", zap.Error(err))
			}
		}()
		orderOpts = append(orderOpts, order.WithPublisher(pub))
		lg.Info("Publishing order events", zap.Strings("brokers", ec.Brokers), zap.String("topic", ec.Topic))
	}

	orders, err := order.NewService(st.ledger, orderOpts...)
	if err != nil {
		return errors.Wrap(err, "create order service")
	}

	engine, err := shop.New(ctx, st.catalog, orders,
		shop.WithLogger(lg.Named("shop")),
		shop.WithMatcher(search.New(search.WithFloor(cfg.Search.Floor))),
		shop.WithSearchLimit(cfg.Search.Limit),
		shop.WithHistoryLimit(cfg.Session.HistoryLimit),
		shop.WithSessionTTL(cfg.Session.IdleTTL),
	)
	if err != nil {
		return errors.Wrap(err, "create shop engine")
	}

	var sim *delivery.Simulator
	if cfg.Delivery.Enabled {
		sim = delivery.New(orders, delivery.Config{
			Interval:   cfg.Delivery.Interval,
			StageDelay: cfg.Delivery.StageDelay,
		}, delivery.WithLogger(lg.Named("delivery")))
	}

	healthSvc := health.New()
	healthSvc.AddReadinessCheck("ledger", 5*time.Second, st.check)
	healthSvc.AddReadinessCheck("catalog", time.Second,
		health.NonEmptyCheck("catalog", func() int { return engine.Catalog().Len() }))
	healthSvc.AddLivenessCheck("goroutines", time.Second, health.GoroutineCountCheck(10000))
	healthSvc.AddLivenessCheck("gc", time.Second, health.GCMaxPauseCheck(time.Second))
	if sim != nil {
		healthSvc.AddLivenessCheck("delivery", time.Second,
			health.FreshnessCheck("delivery", sim.LastTick, 10*max(cfg.Delivery.Interval, time.Second)))
	}
	healthSvc.Start(ctx, 10*time.Second)
	defer healthSvc.Stop()
	healthSvc.SetReady(true)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /livez", healthSvc.LiveEndpoint)
	mux.HandleFunc("GET /readyz", healthSvc.ReadyEndpoint)
	var apiOpts []api.Option
	if cfg.Auth.Enabled {
		authn, err := newAuthenticator(cfg.Auth, st)
		if err != nil {
			return err
		}
		apiOpts = append(apiOpts, api.WithAuthenticator(authn))
		lg.Info("Operator routes require API keys")
	}
	api.NewHandler(engine, apiOpts...).Register(mux)
	routeFinder := httpmiddleware.MakeRouteFinder(mux)

	limiter := httpmiddleware.NewLimiter(httpmiddleware.RateLimitConfig{
		Max:    cfg.RateLimit.Max,
		Window: cfg.RateLimit.Window,
	})

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler: httpmiddleware.Wrap(mux,
			httpmiddleware.Recovery(),
			limiter.Middleware(),
			httpmiddleware.RequestID(),
			httpmiddleware.InjectLogger(lg),
			httpmiddleware.Instrument("quickcart-api", routeFinder, m),
			httpmiddleware.LogRequests(routeFinder),
			httpmiddleware.Labeler(routeFinder),
		),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return limiter.Run(gctx)
	})
	g.Go(func() error {
		return engine.Sessions().Run(gctx, cfg.Session.SweepInterval)
	})
	if sim != nil {
		g.Go(func() error {
			return sim.Run(gctx)
		})
	}

	// Graceful shutdown: wait for cancellation, drain, then stop.
	g.Go(func() error {
		<-gctx.Done()
		healthSvc.SetReady(false)
		if ctx.Err() != nil {
			lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
			time.Sleep(cfg.Graceful.ReadinessDelay)
		}

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			return errors.Wrap(err, "shutdown")
		}
		return nil
	})
	g.Go(func() error {
		lg.Info("Server listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "server")
		}
		return nil
	})

	return g.Wait()
}

func openStorage(ctx context.Context, lg *zap.Logger, mp metric.MeterProvider, cfg StorageConfig) (*storage, error) {
	switch cfg.Driver {
	case DriverPostgres:
		return openPostgres(ctx, lg, cfg)
	default:
		return openJSONFile(ctx, lg, mp, cfg)
	}
}

func openJSONFile(ctx context.Context, lg *zap.Logger, mp metric.MeterProvider, cfg StorageConfig) (*storage, error) {
	gw, err := jsonfile.Open(ctx, jsonfile.Config{
		CatalogPath:   cfg.CatalogPath,
		LedgerPath:    cfg.LedgerPath,
		LockTimeout:   cfg.LockTimeout,
		IORetries:     cfg.IORetries,
		RetryInterval: cfg.RetryInterval,
	},
		jsonfile.WithLogger(lg.Named("jsonfile")),
		jsonfile.WithMeterProvider(mp),
	)
	if err != nil {
		return nil, errors.Wrap(err, "open json storage")
	}
	if cfg.SeedCatalog {
		seeded, err := gw.EnsureCatalog(ctx, db.SampleCatalog)
		if err != nil {
			_ = gw.Close()
			return nil, errors.Wrap(err, "seed catalog")
		}
		if seeded {
			lg.Info("Seeded sample catalog", zap.String("path", cfg.CatalogPath))
		}
	}
	return &storage{
		catalog: gw,
		ledger:  jsonfile.NewLedger(gw),
		check:   gw.Check,
		close: func() {
			if err := gw.Close(); err != nil {
				lg.Warn("Close json storage", zap.Error(err))
			}
		},
	}, nil
}

func openPostgres(ctx context.Context, lg *zap.Logger, cfg StorageConfig) (*storage, error) {
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "create db pool")
	}
	if err := postgres.RunMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "run migrations")
	}

	catalogRepo := postgres.NewCatalogRepository(pool)
	if cfg.SeedCatalog {
		if err := seedPostgres(ctx, lg, catalogRepo); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return &storage{
		catalog: catalogRepo,
		ledger:  postgres.NewLedgerRepository(pool, cfg.LockTimeout),
		apiKeys: postgres.NewAPIKeyRepository(pool),
		check:   pool.Ping,
		close:   pool.Close,
	}, nil
}

func newAuthenticator(cfg AuthConfig, st *storage) (*auth.Authenticator, error) {
	keys := st.apiKeys
	if cfg.Keys != "" {
		static, err := auth.ParseStaticKeys(cfg.Keys)
		if err != nil {
			return nil, errors.Wrap(err, "parse api keys")
		}
		keys = static
	}
	if keys == nil {
		return nil, errors.New("no api key source configured")
	}
	return auth.NewAuthenticator(keys, []byte(cfg.Pepper)), nil
}

func seedPostgres(ctx context.Context, lg *zap.Logger, repo *postgres.CatalogRepository) error {
	_, items, err := repo.ReadCatalog(ctx)
	if err != nil {
		return errors.Wrap(err, "read catalog")
	}
	if len(items) > 0 {
		return nil
	}
	meta, items, err := jsonfile.DecodeCatalog(db.SampleCatalog)
	if err != nil {
		return errors.Wrap(err, "decode sample catalog")
	}
	if err := repo.ReplaceCatalog(ctx, meta, items); err != nil {
		return errors.Wrap(err, "seed catalog")
	}
	lg.Info("Seeded sample catalog", zap.Int("items", len(items)))
	return nil
}
