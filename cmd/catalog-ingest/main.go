package main

import (
	"bufio"
	"bytes"
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	pgzip "github.com/klauspost/pgzip"
	"github.com/moby/sys/atomicwriter"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/quickcart/internal/domain/catalog"
	"github.com/xenking/quickcart/internal/storage/jsonfile"
	"github.com/xenking/quickcart/internal/storage/postgres"
)

const (
	bloomCapacity = 1_000_000
	bloomFPR      = 0.001
	progressEvery = 100_000
	maxLineBytes  = 1 << 20
)

// shard holds the items decoded from one export file, in file order.
type shard struct {
	path  string
	items []catalog.Item
}

func main() {
	var (
		pattern     string
		out         string
		databaseURL string
		storeName   string
		currency    string
	)

	flag.StringVar(&pattern, "input", "data/exports/*.ndjson.gz", "glob of gzip NDJSON catalog exports")
	flag.StringVar(&out, "out", "data/catalog.json", "catalog file to write")
	flag.StringVar(&databaseURL, "database-url", "", "write to PostgreSQL instead of --out (or DATABASE_URL env)")
	flag.StringVar(&storeName, "store-name", "", "store name recorded in the catalog meta")
	flag.StringVar(&currency, "currency", "INR", "currency recorded in the catalog meta")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	meta := catalog.Meta{StoreName: storeName, Currency: currency}
	if err := run(ctx, pattern, out, databaseURL, meta); err != nil {
		slog.Error("catalog ingest failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("catalog ingest completed successfully")
}

func run(ctx context.Context, pattern, out, databaseURL string, meta catalog.Meta) error {
	files, err := filepath.Glob(pattern)
	if err != nil {
		return errors.Wrapf(err, "glob %s", pattern)
	}
	if len(files) == 0 {
		return errors.Errorf("no files match %s", pattern)
	}
	// Later files override earlier ones, so the order must be stable.
	sort.Strings(files)

	slog.Info("reading exports", slog.Int("files", len(files)))

	shards, err := readShards(ctx, files)
	if err != nil {
		return errors.Wrap(err, "read exports")
	}

	items, replaced := merge(shards)
	slog.Info("exports merged",
		slog.Int("items", len(items)),
		slog.Int("replaced", replaced),
	)

	// Reject anything the server would refuse to load.
	if _, err := catalog.NewStore(meta, items); err != nil {
		return errors.Wrap(err, "validate catalog")
	}

	if databaseURL != "" {
		return writeDatabase(ctx, databaseURL, meta, items)
	}
	return writeFile(out, meta, items)
}

// readShards decodes every file concurrently.
func readShards(ctx context.Context, files []string) ([]shard, error) {
	shards := make([]shard, len(files))

	g, ctx := errgroup.WithContext(ctx)
	for i, f := range files {
		g.Go(func() error {
			items, err := readShard(ctx, f)
			if err != nil {
				return err
			}
			shards[i] = shard{path: f, items: items}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return shards, nil
}

func readShard(ctx context.Context, path string) ([]catalog.Item, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	defer func() { _ = f.Close() }()

	gz, err := pgzip.NewReader(f)
	if err != nil {
		return nil, errors.Wrapf(err, "create gzip reader for %s", path)
	}
	defer func() { _ = gz.Close() }()

	var (
		items []catalog.Item
		line  int
	)
	scanner := bufio.NewScanner(gz)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		line++
		data := bytes.TrimSpace(scanner.Bytes())
		if len(data) == 0 {
			continue
		}
		it, err := jsonfile.DecodeItem(data)
		if err != nil {
			return nil, errors.Wrapf(err, "%s:%d", path, line)
		}
		items = append(items, it)
		if len(items)%progressEvery == 0 {
			slog.Info("read progress", slog.String("file", path), slog.Int("items", len(items)))
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "scan %s", path)
	}

	slog.Info("file read", slog.String("file", path), slog.Int("items", len(items)))
	return items, nil
}

// merge concatenates shards in order. An id seen again replaces the earlier
// entry in place, keeping the position of its first appearance. The bloom
// filter answers most "never seen" lookups without touching the index.
func merge(shards []shard) ([]catalog.Item, int) {
	var (
		filter   = bloom.NewWithEstimates(bloomCapacity, bloomFPR)
		index    = make(map[string]int)
		items    []catalog.Item
		replaced int
	)
	for _, s := range shards {
		for _, it := range s.items {
			if filter.TestString(it.ID) {
				if pos, ok := index[it.ID]; ok {
					items[pos] = it
					replaced++
					continue
				}
			}
			filter.AddString(it.ID)
			index[it.ID] = len(items)
			items = append(items, it)
		}
	}
	return items, replaced
}

func writeFile(path string, meta catalog.Meta, items []catalog.Item) error {
	data, err := jsonfile.EncodeCatalog(meta, items)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrapf(err, "create directory for %s", path)
	}
	if err := atomicwriter.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrapf(err, "write %s", path)
	}
	slog.Info("catalog written", slog.String("file", path))
	return nil
}

func writeDatabase(ctx context.Context, databaseURL string, meta catalog.Meta, items []catalog.Item) error {
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
	slog.Info("catalog replaced in database", slog.Int("items", len(items)))
	return nil
}
