package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/go-faster/errors"

	"github.com/xenking/quickcart/db"
	"github.com/xenking/quickcart/internal/domain/auth"
	"github.com/xenking/quickcart/internal/failure"
	"github.com/xenking/quickcart/internal/storage/jsonfile"
	"github.com/xenking/quickcart/internal/storage/postgres"
)

func main() {
	var (
		databaseURL string
		catalogFile string
		ledgerFile  string
		apiKey      string
		pepper      string
	)

	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&catalogFile, "catalog-file", "", "catalog JSON file (default: built-in sample catalog)")
	flag.StringVar(&ledgerFile, "ledger-file", "", "optional orders.json ledger to import")
	flag.StringVar(&apiKey, "api-key", "", "operator API key to seed (or QUICKCART_SEED_API_KEY env)")
	flag.StringVar(&pepper, "api-key-pepper", "", "HMAC pepper for API key hashing (or QUICKCART_AUTH_PEPPER env)")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}

	if apiKey == "" {
		apiKey = os.Getenv("QUICKCART_SEED_API_KEY")
	}
	if pepper == "" {
		pepper = os.Getenv("QUICKCART_AUTH_PEPPER")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, databaseURL, catalogFile, ledgerFile, apiKey, pepper); err != nil {
		slog.Error("seed failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("seed completed successfully")
}

func run(ctx context.Context, databaseURL, catalogFile, ledgerFile, apiKey, pepper string) error {
	data := db.SampleCatalog
	if catalogFile != "" {
		var err error
		if data, err = os.ReadFile(catalogFile); err != nil {
			return errors.Wrapf(err, "read %s", catalogFile)
		}
	}
	meta, items, err := jsonfile.DecodeCatalog(data)
	if err != nil {
		return errors.Wrap(err, "decode catalog")
	}

	slog.Info("connecting to database")

	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	if err := postgres.NewCatalogRepository(pool).ReplaceCatalog(ctx, meta, items); err != nil {
		return errors.Wrap(err, "replace catalog")
	}
	slog.Info("catalog seeded",
		slog.String("store", meta.StoreName),
		slog.Int("items", len(items)),
	)

	if apiKey != "" {
		if err := seedAPIKey(ctx, postgres.NewAPIKeyRepository(pool), apiKey, pepper); err != nil {
			return errors.Wrap(err, "seed api key")
		}
	}

	if ledgerFile == "" {
		return nil
	}
	return importLedger(ctx, postgres.NewLedgerRepository(pool, 5*time.Second), ledgerFile)
}

func seedAPIKey(ctx context.Context, repo *postgres.APIKeyRepository, apiKey, pepper string) error {
	info := auth.APIKeyInfo{
		ID:      "operator",
		KeyHash: auth.HashKey([]byte(pepper), apiKey),
		Name:    "Default operator key",
		Scopes:  []string{auth.ScopeAll},
	}
	if err := repo.Upsert(ctx, info); err != nil {
		return err
	}
	slog.Info("upserted API key", slog.String("id", info.ID), slog.String("name", info.Name))
	return nil
}

// importLedger copies every order of a JSON ledger into Postgres. Orders
// already present are skipped, so the import can be re-run.
func importLedger(ctx context.Context, repo *postgres.LedgerRepository, path string) error {
	if _, err := os.Stat(path); err != nil {
		return errors.Wrapf(err, "check file %s", path)
	}
	gw, err := jsonfile.Open(ctx, jsonfile.Config{LedgerPath: path})
	if err != nil {
		return errors.Wrap(err, "open ledger")
	}
	defer func() { _ = gw.Close() }()

	orders, err := gw.ReadLedger(ctx)
	if err != nil {
		return errors.Wrap(err, "read ledger")
	}

	var imported, skipped int
	for _, o := range orders {
		err := repo.Append(ctx, o)
		switch {
		case err == nil:
			imported++
		case errors.Is(err, failure.CorruptData):
			skipped++
		default:
			return errors.Wrapf(err, "import order %s", o.ID)
		}
	}

	slog.Info("ledger imported",
		slog.Int("imported", imported),
		slog.Int("skipped", skipped),
	)
	return nil
}
